package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/driver"
)

var serveFlagInterval time.Duration

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Keep a player's games synced, analyzed and scored",
	Long: `Run the sync, analysis and tilt cycle on a fixed interval until interrupted.
The first cycle starts immediately; a cycle that overruns the interval delays
the next one instead of overlapping it.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().DurationVar(&serveFlagInterval, "interval", 0, "Cycle interval (default: SYNC_INTERVAL)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := wire(ctx, wireOptions{engine: true, notify: notifyWriter(flagJSON)})
	if err != nil {
		return err
	}
	defer rt.Close()

	interval := serveFlagInterval
	if interval <= 0 {
		interval = rt.cfg.SyncInterval
	}
	sched, err := driver.NewScheduler(rt.driver, interval, rt.logger.With(zap.String("component", "scheduler")))
	if err != nil {
		return err
	}
	sched.Start()
	rt.logger.Info("serve_started", zap.String("user", rt.cfg.Username), zap.Duration("interval", interval))
	fmt.Fprintf(os.Stderr, "watching %s every %s, Ctrl-C to stop\n", rt.cfg.Username, interval)

	<-ctx.Done()
	rt.logger.Info("serve_stopping")
	return shutdown(sched)
}

func shutdown(s *driver.Scheduler) error {
	done := make(chan error, 1)
	go func() { done <- s.Shutdown() }()
	select {
	case err := <-done:
		return err
	case <-time.After(30 * time.Second):
		return context.DeadlineExceeded
	}
}
