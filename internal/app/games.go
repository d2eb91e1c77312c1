package app

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/park285/chess-quant/internal/output"
)

var gamesFlagLimit int

var gamesCmd = &cobra.Command{
	Use:   "games",
	Short: "List analyzed games from the local cache",
	Args:  cobra.NoArgs,
	RunE:  runGames,
}

func init() {
	gamesCmd.Flags().IntVar(&gamesFlagLimit, "limit", 20, "Maximum games to display, newest first")
	rootCmd.AddCommand(gamesCmd)
}

func runGames(cmd *cobra.Command, args []string) error {
	rt, err := wire(cmd.Context(), wireOptions{})
	if err != nil {
		return err
	}
	defer rt.Close()

	games := rt.queue.Games()
	if gamesFlagLimit > 0 && len(games) > gamesFlagLimit {
		games = games[len(games)-gamesFlagLimit:]
	}

	if flagJSON {
		return output.WriteJSON(os.Stdout, games)
	}
	if len(games) == 0 {
		fmt.Printf(" No analyzed games for %s yet. Run 'chess-quant analyze -u %s'.\n", rt.cfg.Username, rt.cfg.Username)
		return nil
	}
	fmt.Println(output.StyleHeader.Render(fmt.Sprintf(" Analyzed games for %s", rt.cfg.Username)))
	fmt.Println()
	return output.GamesTable(games, rt.loc).Fprint(os.Stdout)
}
