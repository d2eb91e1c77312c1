package app

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/output"
	"github.com/park285/chess-quant/internal/tilt"
)

var (
	tiltFlagNoSync  bool
	tiltFlagAnalyze bool
	tiltFlagHistory int
)

var tiltCmd = &cobra.Command{
	Use:   "tilt",
	Short: "Score the current session for tilt",
	Long: `Score the analyzed games of the current session. The remote model at
TILT_SCORE_URL is used when configured; otherwise, or when it is unavailable,
the score is derived from loss streaks.

Examples:
  chess-quant tilt -u alice               # sync, then score
  chess-quant tilt -u alice --analyze     # sync, evaluate pending games, score
  chess-quant tilt -u alice --history 10  # show recorded scores`,
	Args: cobra.NoArgs,
	RunE: runTilt,
}

func init() {
	tiltCmd.Flags().BoolVar(&tiltFlagNoSync, "no-sync", false, "Skip fetching new games")
	tiltCmd.Flags().BoolVar(&tiltFlagAnalyze, "analyze", false, "Evaluate pending games before scoring (needs STOCKFISH_PATH)")
	tiltCmd.Flags().IntVar(&tiltFlagHistory, "history", 0, "Show the last N recorded scores instead of scoring")
	rootCmd.AddCommand(tiltCmd)
}

type tiltReport struct {
	User      string   `json:"user"`
	Score     float64  `json:"tilt_score"`
	Threshold float64  `json:"threshold,omitempty"`
	Games     int      `json:"games_analyzed"`
	Source    string   `json:"source"`
	InSession bool     `json:"in_session"`
	GameIDs   []string `json:"game_ids"`
}

func runTilt(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := wire(ctx, wireOptions{engine: tiltFlagAnalyze, notify: notifyWriter(flagJSON)})
	if err != nil {
		return err
	}
	defer rt.Close()

	if tiltFlagHistory > 0 {
		history, err := rt.repo.TiltHistory(ctx, rt.cfg.Username, tiltFlagHistory)
		if err != nil {
			return err
		}
		return printHistory(history, rt)
	}

	if !tiltFlagNoSync {
		if _, err := rt.driver.Sync(ctx); err != nil {
			return err
		}
	}
	if tiltFlagAnalyze {
		if _, err := rt.driver.Drain(ctx); err != nil {
			return err
		}
	}

	res, err := rt.driver.Score(ctx)
	if errors.Is(err, tilt.ErrNotEnoughGames) && !flagJSON {
		// the driver already told the user
		return nil
	}
	if err != nil {
		return err
	}

	rep := tiltReport{
		User:      rt.cfg.Username,
		Score:     res.Response.Score,
		Threshold: res.Response.Threshold,
		Games:     res.Record.Games,
		Source:    res.Record.Source,
		InSession: res.InSession,
		GameIDs:   res.Record.GameIDs,
	}
	if flagJSON {
		return output.WriteJSON(os.Stdout, rep)
	}
	scope := "current session"
	if !rep.InSession {
		scope = "latest games"
	}
	fmt.Printf(" %s %s  (%d games, %s, %s)\n",
		output.StyleHeader.Render("tilt"),
		output.TiltStyle(rep.Score, rep.Threshold),
		rep.Games, scope, rep.Source)
	return nil
}

func printHistory(history []domain.TiltRecord, rt *runtime) error {
	if flagJSON {
		return output.WriteJSON(os.Stdout, history)
	}
	if len(history) == 0 {
		fmt.Printf(" No tilt scores recorded for %s.\n", rt.cfg.Username)
		return nil
	}
	return output.HistoryTable(history, rt.loc).Fprint(os.Stdout)
}
