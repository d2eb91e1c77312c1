package chess

import (
	"context"
	"fmt"
	"time"

	"github.com/park285/chess-quant/internal/chess/evaluator"
	"github.com/park285/chess-quant/internal/chess/uci"
)

type EngineConfig struct {
	BinaryPath string
	Capacity   int
	Threads    int
	HashMB     int
	Depth      int
	// Dial overrides process spawning, see uci.PoolConfig.
	Dial uci.DialFunc
}

// Engine is the pooled engine shared by every analysis worker of a process.
type Engine struct {
	pool   *uci.Pool
	opt    uci.Options
	limits uci.Limits
}

func NewEngine(cfg EngineConfig) (*Engine, error) {
	pool, err := uci.NewPool(uci.PoolConfig{
		BinaryPath: cfg.BinaryPath,
		Capacity:   cfg.Capacity,
		Dial:       cfg.Dial,
	})
	if err != nil {
		return nil, err
	}
	depth := cfg.Depth
	if depth <= 0 {
		depth = evaluator.DefaultDepth
	}
	return &Engine{
		pool:   pool,
		opt:    uci.Options{Threads: cfg.Threads, HashMB: cfg.HashMB, MultiPV: 1},
		limits: uci.Limits{Depth: depth},
	}, nil
}

// Acquire leases a session for one analysis job.
func (e *Engine) Acquire(ctx context.Context) (evaluator.Engine, error) {
	s, err := e.pool.Acquire(ctx, e.opt)
	if err != nil {
		return nil, err
	}
	return s, nil
}

func (e *Engine) Release(eng evaluator.Engine, err error) {
	if s, ok := eng.(*uci.Session); ok {
		e.pool.Release(s, err)
	}
}

type EvaluateResult struct {
	Score      uci.Score
	Centipawns int
	BestMove   string
	Depth      int
	Duration   time.Duration
}

// Evaluate searches a single position, given as a FEN (empty for the start
// position) plus UCI moves.
func (e *Engine) Evaluate(ctx context.Context, fen string, moves []string) (EvaluateResult, error) {
	start := time.Now()

	session, err := e.pool.Acquire(ctx, e.opt)
	if err != nil {
		return EvaluateResult{}, err
	}
	var releaseErr error
	defer func() {
		e.pool.Release(session, releaseErr)
	}()

	if err := session.NewGame(ctx); err != nil {
		releaseErr = err
		return EvaluateResult{}, err
	}

	resp, err := session.Search(ctx, uci.SearchRequest{
		FEN:    fen,
		Moves:  moves,
		Limits: e.limits,
	})
	if err != nil {
		releaseErr = err
		return EvaluateResult{}, err
	}
	if !resp.HasScore {
		return EvaluateResult{}, fmt.Errorf("engine returned no score")
	}

	return EvaluateResult{
		Score:      resp.Score,
		Centipawns: resp.Score.Centipawns(),
		BestMove:   resp.BestMove,
		Depth:      resp.Depth,
		Duration:   time.Since(start),
	}, nil
}

func (e *Engine) Close() error {
	if e.pool == nil {
		return nil
	}
	return e.pool.Close()
}
