package driver

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
)

const DefaultInterval = 2 * time.Minute

// Scheduler runs Driver.RunOnce on a fixed interval. A tick that would
// overlap a running one is rescheduled instead.
type Scheduler struct {
	sched  gocron.Scheduler
	logger *zap.Logger
	cancel context.CancelFunc
}

func NewScheduler(d *Driver, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sched, err := gocron.NewScheduler()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{sched: sched, logger: logger, cancel: cancel}

	_, err = sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			start := time.Now()
			if err := d.RunOnce(ctx); err != nil {
				logger.Warn("scheduled_run_failed", zap.Error(err))
				return
			}
			logger.Debug("scheduled_run_complete", zap.Duration("took", time.Since(start)))
		}),
		gocron.WithName("chess-quant-sync"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithStartAt(gocron.WithStartImmediately()),
	)
	if err != nil {
		cancel()
		_ = sched.Shutdown()
		return nil, fmt.Errorf("schedule sync job: %w", err)
	}
	return s, nil
}

func (s *Scheduler) Start() {
	s.logger.Info("scheduler_start")
	s.sched.Start()
}

// Shutdown cancels the running tick and waits for it to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.sched.Shutdown()
}
