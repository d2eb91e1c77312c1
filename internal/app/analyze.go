package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/driver"
	"github.com/park285/chess-quant/internal/output"
	"github.com/park285/chess-quant/internal/repository"
)

var (
	analyzeFlagNoSync  bool
	analyzeFlagTimeout time.Duration
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze [game-id]",
	Short: "Sync new games and evaluate every pending one",
	Long: `Fetch games newer than the last sync, then evaluate pending games oldest
first. With a game id, only that stored game is evaluated.

Examples:
  chess-quant analyze -u alice            # sync and drain the backlog
  chess-quant analyze -u alice --no-sync  # only drain what is stored
  chess-quant analyze -u alice q7ZvsdUF   # evaluate one stored game`,
	Args: cobra.MaximumNArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().BoolVar(&analyzeFlagNoSync, "no-sync", false, "Skip fetching new games")
	analyzeCmd.Flags().DurationVar(&analyzeFlagTimeout, "timeout", 30*time.Minute, "Give up after this long")
	rootCmd.AddCommand(analyzeCmd)
}

type analyzeReport struct {
	Sync  *driver.SyncReport `json:"sync,omitempty"`
	Drain driver.DrainReport `json:"drain"`
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if analyzeFlagTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, analyzeFlagTimeout)
		defer cancel()
	}

	rt, err := wire(ctx, wireOptions{engine: true, notify: notifyWriter(flagJSON)})
	if err != nil {
		return err
	}
	defer rt.Close()

	if len(args) == 1 {
		return analyzeOne(ctx, rt, args[0])
	}

	var rep analyzeReport
	if !analyzeFlagNoSync {
		s, err := rt.driver.Sync(ctx)
		if err != nil {
			return err
		}
		rep.Sync = &s
	}
	rep.Drain, err = rt.driver.Drain(ctx)
	if err != nil {
		return err
	}

	if flagJSON {
		return output.WriteJSON(os.Stdout, rep)
	}
	if rep.Sync != nil {
		fmt.Printf("%s %d fetched, %d new\n", output.StyleHeader.Render("sync"), rep.Sync.Fetched, rep.Sync.New)
	}
	fmt.Printf("%s %s analyzed, %s failed, %d skipped\n",
		output.StyleHeader.Render("analysis"),
		output.StyleSuccess.Render(strconv.Itoa(rep.Drain.Analyzed)),
		output.StyleError.Render(strconv.Itoa(rep.Drain.Failed)),
		rep.Drain.Skipped)
	return nil
}

func analyzeOne(ctx context.Context, rt *runtime, id string) error {
	pg, err := rt.driver.AnalyzeGame(ctx, id)
	if errors.Is(err, repository.ErrNotFound) && !analyzeFlagNoSync {
		if _, err := rt.driver.Sync(ctx); err != nil {
			return err
		}
		pg, err = rt.driver.AnalyzeGame(ctx, id)
	}
	if errors.Is(err, repository.ErrNotFound) {
		return fmt.Errorf("game %s is not among the synced games of %s", id, rt.cfg.Username)
	}
	if err != nil {
		return err
	}
	if flagJSON {
		return output.WriteJSON(os.Stdout, pg)
	}
	return output.GamesTable([]domain.ProcessedGame{pg}, rt.loc).Fprint(os.Stdout)
}
