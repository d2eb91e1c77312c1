package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/driver"
	"github.com/park285/chess-quant/internal/features"
	"github.com/park285/chess-quant/internal/output"
)

var sessionFlagNoSync bool

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Show the features of the current play session",
	Long: `Show the games of the current session with their cumulative features:
profit and loss, loss streak, speed drift, breaks and rolling averages.
Only analyzed games carry features; the next pending game is named.`,
	Args: cobra.NoArgs,
	RunE: runSession,
}

func init() {
	sessionCmd.Flags().BoolVar(&sessionFlagNoSync, "no-sync", false, "Skip fetching new games")
	rootCmd.AddCommand(sessionCmd)
}

type sessionReport struct {
	User    string                `json:"user"`
	Games   int                   `json:"games"`
	Rows    []features.SessionRow `json:"rows"`
	Pending string                `json:"pending,omitempty"`
}

func runSession(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := wire(ctx, wireOptions{notify: notifyWriter(flagJSON)})
	if err != nil {
		return err
	}
	defer rt.Close()

	if !sessionFlagNoSync {
		if _, err := rt.driver.Sync(ctx); err != nil {
			return err
		}
	}
	session, err := rt.driver.Session(ctx)
	if err != nil {
		return err
	}

	inSession := make(map[string]struct{}, len(session))
	for _, g := range session {
		inSession[g.ID] = struct{}{}
	}
	var processed []domain.ProcessedGame
	for _, g := range rt.queue.Games() {
		if _, ok := inSession[g.ID]; ok {
			processed = append(processed, g)
		}
	}

	rep := sessionReport{
		User:  rt.cfg.Username,
		Games: len(session),
		Rows:  features.BuildSessionRows(processed, rt.loc),
	}
	if next, ok := driver.Next(session, rt.queue.Processed); ok {
		rep.Pending = next.ID
	}

	if flagJSON {
		return output.WriteJSON(os.Stdout, rep)
	}
	if len(session) == 0 {
		fmt.Println(" " + rt.messages.Text("session.none", map[string]any{"User": rt.cfg.Username}))
		return nil
	}

	fmt.Println(output.StyleHeader.Render(fmt.Sprintf(" Current session for %s: %d game(s), %d analyzed", rep.User, rep.Games, len(rep.Rows))))
	fmt.Println()
	if err := output.SessionTable(rep.Rows).Fprint(os.Stdout); err != nil {
		return err
	}
	if rep.Pending != "" {
		fmt.Println()
		fmt.Println(output.StyleMuted.Render(" next to analyze: " + rep.Pending))
	}
	return nil
}
