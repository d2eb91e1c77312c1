// Package evaluator drives a UCI engine through a game ply by ply and turns
// the evaluation trace into per-game metrics.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/chess/pgn"
	"github.com/park285/chess-quant/internal/chess/uci"
	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/scoring"
)

const (
	DefaultDepth      = 10
	DefaultPlyTimeout = 5 * time.Second
)

var (
	ErrBusy   = errors.New("evaluator: a job is already in flight")
	ErrClosed = errors.New("evaluator: worker closed")
)

// Engine is one engine handle for the duration of a job.
type Engine interface {
	NewGame(ctx context.Context) error
	Search(ctx context.Context, req uci.SearchRequest) (uci.SearchResponse, error)
}

// EngineSource leases engines; Release with a non-nil error retires the engine.
type EngineSource interface {
	Acquire(ctx context.Context) (Engine, error)
	Release(e Engine, err error)
}

type State int

const (
	Idle State = iota
	Evaluating
	Complete
)

func (s State) String() string {
	switch s {
	case Evaluating:
		return "evaluating"
	case Complete:
		return "complete"
	default:
		return "idle"
	}
}

// Request is an ANALYZE command.
type Request struct {
	GameID string
	Game   domain.RawGame
	// Moves is the SAN move text; numbers, comments and result markers are tolerated.
	Moves string
	Color domain.Color
}

type EventKind int

const (
	EventComplete EventKind = iota + 1
	EventError
)

func (k EventKind) String() string {
	if k == EventComplete {
		return "COMPLETE"
	}
	return "ERROR"
}

// Event is the worker's answer to one Request.
type Event struct {
	Kind   EventKind
	JobID  string
	GameID string
	Game   domain.RawGame
	Result domain.AnalysisResult
	Err    error
}

// Progress is a snapshot of the job in flight.
type Progress struct {
	JobID    string
	GameID   string
	PlyIndex int
	Plies    int
}

type Options struct {
	Engines    EngineSource
	Depth      int
	PlyTimeout time.Duration
	// RawSign keeps engine scores relative to the side to move instead of
	// normalizing them to white.
	RawSign bool
	Logger  *zap.Logger
}

type job struct {
	id          string
	gameID      string
	game        domain.RawGame
	moves       []string
	color       domain.Color
	plyIndex    int
	evals       []int
	currentEval int
}

type envelope struct {
	job   *job
	req   Request
	reply chan Event
}

// Worker runs one analysis job at a time on its own goroutine.
type Worker struct {
	engines    EngineSource
	depth      int
	plyTimeout time.Duration
	rawSign    bool
	logger     *zap.Logger

	requests chan envelope
	events   chan Event

	mu    sync.Mutex
	state State
	job   *job

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Worker, error) {
	if opts.Engines == nil {
		return nil, fmt.Errorf("evaluator: engine source required")
	}
	if opts.Depth <= 0 {
		opts.Depth = DefaultDepth
	}
	if opts.PlyTimeout <= 0 {
		opts.PlyTimeout = DefaultPlyTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		engines:    opts.Engines,
		depth:      opts.Depth,
		plyTimeout: opts.PlyTimeout,
		rawSign:    opts.RawSign,
		logger:     opts.Logger,
		requests:   make(chan envelope, 1),
		events:     make(chan Event, 1),
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go w.run(ctx)
	return w, nil
}

// Events delivers the outcome of every job submitted with Submit.
func (w *Worker) Events() <-chan Event { return w.events }

// Submit dispatches an ANALYZE command and returns at once with the job id.
func (w *Worker) Submit(req Request) (string, error) {
	return w.dispatch(req, nil)
}

// Analyze dispatches a job and waits for its outcome. The event is not
// published on Events.
func (w *Worker) Analyze(ctx context.Context, req Request) (domain.AnalysisResult, error) {
	reply := make(chan Event, 1)
	if _, err := w.dispatch(req, reply); err != nil {
		return domain.AnalysisResult{}, err
	}
	select {
	case ev := <-reply:
		if ev.Kind == EventError {
			return domain.AnalysisResult{}, ev.Err
		}
		return ev.Result, nil
	case <-ctx.Done():
		return domain.AnalysisResult{}, ctx.Err()
	}
}

func (w *Worker) dispatch(req Request, reply chan Event) (string, error) {
	select {
	case <-w.done:
		return "", ErrClosed
	default:
	}

	w.mu.Lock()
	if w.state != Idle {
		w.mu.Unlock()
		return "", ErrBusy
	}
	j := &job{
		id:     uuid.NewString(),
		gameID: req.GameID,
		game:   req.Game,
		color:  req.Color,
	}
	w.state = Evaluating
	w.job = j
	w.mu.Unlock()

	w.requests <- envelope{job: j, req: req, reply: reply}
	return j.id, nil
}

func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Progress reports the job in flight, if any.
func (w *Worker) Progress() (Progress, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.job == nil {
		return Progress{}, false
	}
	return Progress{
		JobID:    w.job.id,
		GameID:   w.job.gameID,
		PlyIndex: w.job.plyIndex,
		Plies:    len(w.job.moves),
	}, true
}

// Close stops the worker. A job in flight ends with an ERROR event, which
// stays buffered on its channel unless an earlier event was never read.
func (w *Worker) Close() error {
	w.cancel()
	<-w.done
	return nil
}

func (w *Worker) run(ctx context.Context) {
	defer close(w.done)
	for {
		select {
		case <-ctx.Done():
			select {
			case env := <-w.requests:
				w.finish(ctx, env, w.failed(env.job, ErrClosed))
			default:
			}
			return
		case env := <-w.requests:
			if !w.finish(ctx, env, w.process(ctx, env)) {
				return
			}
		}
	}
}

// finish resets the worker to idle and delivers ev. After Close the event is
// only kept if the channel has room; it reports false in that case.
func (w *Worker) finish(ctx context.Context, env envelope, ev Event) bool {
	w.mu.Lock()
	w.job = nil
	w.state = Idle
	w.mu.Unlock()

	out := w.events
	if env.reply != nil {
		out = env.reply
	}
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		select {
		case out <- ev:
		default:
			w.logger.Warn("event_dropped", zap.String("job_id", ev.JobID), zap.String("kind", ev.Kind.String()))
		}
		return false
	}
}

func (w *Worker) process(ctx context.Context, env envelope) Event {
	j := env.job
	log := w.logger.With(zap.String("job_id", j.id), zap.String("game_id", j.gameID))

	moves, err := pgn.UCIMoves(env.req.Moves)
	if err != nil {
		log.Warn("analysis_bad_moves", zap.Error(err))
		return w.failed(j, err)
	}
	w.mu.Lock()
	j.moves = moves
	j.evals = make([]int, 0, len(moves))
	w.mu.Unlock()

	log.Info("analysis_start", zap.Int("plies", len(moves)), zap.String("color", string(j.color)))
	start := time.Now()

	eng, err := w.engines.Acquire(ctx)
	if err != nil {
		return w.failed(j, fmt.Errorf("acquire engine: %w", err))
	}
	var releaseErr error
	defer func() { w.engines.Release(eng, releaseErr) }()

	if err := eng.NewGame(ctx); err != nil {
		releaseErr = err
		return w.failed(j, fmt.Errorf("new game: %w", err))
	}

	timeouts := 0
	for j.plyIndex < len(j.moves) {
		resp, err := eng.Search(ctx, uci.SearchRequest{
			Moves:   j.moves[:j.plyIndex+1],
			Limits:  uci.Limits{Depth: w.depth},
			Timeout: w.plyTimeout,
		})
		switch {
		case err == nil:
			if resp.HasScore {
				j.currentEval = w.orient(resp.Score.Centipawns(), j.plyIndex)
			}
		case errors.Is(err, uci.ErrSearchTimeout):
			timeouts++
			log.Warn("ply_timeout", zap.Int("ply", j.plyIndex), zap.Int("fallback_eval", j.currentEval))
		default:
			releaseErr = err
			return w.failed(j, fmt.Errorf("ply %d: %w", j.plyIndex, err))
		}

		w.mu.Lock()
		j.evals = append(j.evals, j.currentEval)
		j.plyIndex++
		w.mu.Unlock()
	}

	w.mu.Lock()
	w.state = Complete
	w.mu.Unlock()

	result := scoring.Compute(j.evals, j.color)
	log.Info("analysis_complete",
		zap.Int("acpl", result.ACPL),
		zap.Int("blunders", result.Blunders),
		zap.Int("timeouts", timeouts),
		zap.Duration("took", time.Since(start)))

	return Event{
		Kind:   EventComplete,
		JobID:  j.id,
		GameID: j.gameID,
		Game:   j.game,
		Result: result,
	}
}

// orient converts a side-to-move score after ply i into a white-relative one.
func (w *Worker) orient(cp, ply int) int {
	if w.rawSign {
		return cp
	}
	if ply%2 == 0 {
		return -cp
	}
	return cp
}

func (w *Worker) failed(j *job, err error) Event {
	return Event{
		Kind:   EventError,
		JobID:  j.id,
		GameID: j.gameID,
		Game:   j.game,
		Err:    err,
	}
}
