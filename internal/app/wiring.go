package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/cache"
	"github.com/park285/chess-quant/internal/chess"
	"github.com/park285/chess-quant/internal/chess/evaluator"
	"github.com/park285/chess-quant/internal/config"
	"github.com/park285/chess-quant/internal/driver"
	"github.com/park285/chess-quant/internal/features"
	"github.com/park285/chess-quant/internal/lichess"
	"github.com/park285/chess-quant/internal/msgcat"
	"github.com/park285/chess-quant/internal/obslog"
	"github.com/park285/chess-quant/internal/output"
	"github.com/park285/chess-quant/internal/queue"
	"github.com/park285/chess-quant/internal/repository"
	"github.com/park285/chess-quant/internal/tilt"
)

var errEngineDisabled = errors.New("engine not started for this command")

// offlineEngines backs the queue for commands that only read results.
type offlineEngines struct{}

func (offlineEngines) Acquire(context.Context) (evaluator.Engine, error) {
	return nil, errEngineDisabled
}

func (offlineEngines) Release(evaluator.Engine, error) {}

// runtime is the fully wired process for one command invocation.
type runtime struct {
	cfg    *config.AppConfig
	logger *zap.Logger
	loc    *time.Location

	store    cache.Store
	engine   *chess.Engine
	worker   *evaluator.Worker
	queue    *queue.Orchestrator
	repo     repository.Repository
	driver   *driver.Driver
	messages *msgcat.Catalog

	closers []func() error
}

type wireOptions struct {
	engine bool
	// notify receives user-facing messages; nil discards them.
	notify io.Writer
}

func loadConfig() (*config.AppConfig, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if flagUser != "" {
		cfg.Username = flagUser
	}
	if err := cfg.RequireUser(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func wire(ctx context.Context, opts wireOptions) (rt *runtime, err error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if opts.engine {
		if err := cfg.RequireEngine(); err != nil {
			return nil, err
		}
	}
	if err := obslog.InitFromEnv(); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := obslog.L()
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	rt = &runtime{cfg: cfg, logger: logger, loc: loc}
	defer func() {
		if err != nil {
			rt.Close()
			rt = nil
		}
	}()

	rt.store, err = cache.Open(ctx, cache.Config{Backend: cfg.CacheBackend, Path: cfg.CachePath, RedisURL: cfg.RedisURL})
	if err != nil {
		return rt, fmt.Errorf("open cache: %w", err)
	}
	rt.closers = append(rt.closers, rt.store.Close)

	var engines evaluator.EngineSource = offlineEngines{}
	if opts.engine {
		rt.engine, err = chess.NewEngine(chess.EngineConfig{
			BinaryPath: cfg.StockfishPath,
			Capacity:   cfg.EngineCapacity,
			Threads:    cfg.EngineThreads,
			HashMB:     cfg.EngineHashMB,
			Depth:      cfg.EngineDepth,
		})
		if err != nil {
			return rt, fmt.Errorf("start engine: %w", err)
		}
		rt.closers = append(rt.closers, rt.engine.Close)
		engines = rt.engine
	}

	rt.worker, err = evaluator.New(evaluator.Options{
		Engines:    engines,
		Depth:      cfg.EngineDepth,
		PlyTimeout: cfg.PlyTimeout,
		RawSign:    cfg.RawSign,
		Logger:     logger.With(zap.String("component", "evaluator")),
	})
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.worker.Close)

	rt.queue, err = queue.New(queue.Options{
		Worker:   rt.worker,
		Cache:    rt.store,
		Username: cfg.Username,
		OwnClock: cfg.OwnClock,
		Logger:   logger.With(zap.String("component", "queue")),
	})
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.queue.Close)
	if err := rt.queue.Load(ctx); err != nil {
		return rt, err
	}

	rt.repo, err = openRepository(ctx, cfg)
	if err != nil {
		return rt, err
	}
	rt.closers = append(rt.closers, rt.repo.Close)

	rt.messages, err = msgcat.New(cfg.MessagesDir)
	if err != nil {
		return rt, fmt.Errorf("load messages: %w", err)
	}

	var notify func(string)
	if opts.notify != nil {
		w := opts.notify
		notify = func(msg string) { fmt.Fprintln(w, output.StyleMuted.Render(msg)) }
	}

	rt.driver, err = driver.New(driver.Options{
		Username: cfg.Username,
		Source:   lichess.New(cfg.LichessBaseURL, cfg.LichessToken, logger.With(zap.String("component", "lichess"))),
		Queue:    rt.queue,
		Repo:     rt.repo,
		Scorer:   newScorer(cfg, logger),
		MinGames: cfg.TiltMinGames,
		Messages: rt.messages,
		Window:   features.Window{Freshness: cfg.SessionFreshness, Gap: cfg.SessionGap},
		MaxGames: cfg.LichessMaxGames,
		Logger:   logger.With(zap.String("component", "driver")),
		Notify:   notify,
	})
	if err != nil {
		return rt, err
	}
	return rt, nil
}

// openRepository uses Postgres when DATABASE_URL is set and an in-process
// store otherwise.
func openRepository(ctx context.Context, cfg *config.AppConfig) (repository.Repository, error) {
	if cfg.DatabaseURL == "" {
		return repository.NewMemory(), nil
	}
	pg, err := repository.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := pg.Migrate(ctx); err != nil {
		_ = pg.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return pg, nil
}

func newScorer(cfg *config.AppConfig, logger *zap.Logger) tilt.Scorer {
	streak := tilt.StreakScorer{MinGames: cfg.TiltMinGames}
	if cfg.TiltScoreURL == "" {
		return streak
	}
	remote, err := tilt.NewHTTPScorer(cfg.TiltScoreURL, cfg.TiltMinGames, logger.With(zap.String("component", "tilt")))
	if err != nil {
		logger.Warn("tilt_remote_disabled", zap.Error(err))
		return streak
	}
	return tilt.FallbackScorer{Primary: remote, Fallback: streak, Logger: logger}
}

// Close releases resources in reverse order of acquisition.
func (rt *runtime) Close() {
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](); err != nil && rt.logger != nil {
			rt.logger.Warn("close_failed", zap.Error(err))
		}
	}
	rt.closers = nil
	if rt.logger != nil {
		_ = rt.logger.Sync()
	}
}

func notifyWriter(quiet bool) io.Writer {
	if quiet {
		return nil
	}
	return os.Stderr
}
