// Package queue drives one raw game at a time through the move evaluator and
// owns the user's collection of processed games.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/cache"
	"github.com/park285/chess-quant/internal/chess/evaluator"
	"github.com/park285/chess-quant/internal/chess/pgn"
	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/features"
)

var (
	ErrBusy             = errors.New("queue: analysis already in flight")
	ErrAlreadyProcessed = errors.New("queue: game already processed")
	ErrClosed           = errors.New("queue: orchestrator closed")
)

const saveTimeout = 5 * time.Second

// Evaluator is the asynchronous side of evaluator.Worker.
type Evaluator interface {
	Submit(req evaluator.Request) (string, error)
	Events() <-chan evaluator.Event
}

// Completion is published once per dispatched game. Game is nil on failure.
type Completion struct {
	GameID string
	Game   *domain.ProcessedGame
	Result domain.AnalysisResult
	Err    error
}

type Options struct {
	Worker   Evaluator
	Cache    cache.Store
	Username string
	Logger   *zap.Logger
	// OwnClock derives AvgSecsPerMove from the tracked player's clock
	// instead of the interleaved clock of both sides.
	OwnClock bool
	// OnUpdate receives a copy of the collection after every successful merge.
	OnUpdate func([]domain.ProcessedGame)
}

type inflight struct {
	gameID   string
	jobID    string
	username string
}

type Orchestrator struct {
	worker   Evaluator
	store    cache.Store
	username string
	ownClock bool
	logger   *zap.Logger
	onUpdate func([]domain.ProcessedGame)

	mu      sync.Mutex
	games   []domain.ProcessedGame
	current *inflight
	failed  map[string]error
	subs    map[int]chan Completion
	nextSub int

	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Worker == nil {
		return nil, fmt.Errorf("queue: worker required")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemory()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		worker:   opts.Worker,
		store:    opts.Cache,
		username: opts.Username,
		ownClock: opts.OwnClock,
		logger:   opts.Logger.With(zap.String("user", opts.Username)),
		onUpdate: opts.OnUpdate,
		failed:   make(map[string]error),
		subs:     make(map[int]chan Completion),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go o.loop(ctx)
	return o, nil
}

// Load replaces the collection with the cached copy. An undecodable blob
// resets the collection to empty.
func (o *Orchestrator) Load(ctx context.Context) error {
	blob, err := o.store.Load(ctx, o.username)
	if err != nil {
		return fmt.Errorf("load cache: %w", err)
	}
	var games []domain.ProcessedGame
	if len(blob) > 0 {
		if err := json.Unmarshal(blob, &games); err != nil {
			o.logger.Warn("cache_corrupt", zap.Error(err), zap.Int("bytes", len(blob)))
			games = nil
		}
	}
	var merged []domain.ProcessedGame
	for _, g := range games {
		merged = Merge(merged, g)
	}

	o.mu.Lock()
	o.games = merged
	o.mu.Unlock()
	o.logger.Info("cache_loaded", zap.Int("games", len(merged)))
	return nil
}

// Analyze dispatches raw for evaluation and returns at once. It is a silent
// no-op while another game is in flight or when raw is already processed.
func (o *Orchestrator) Analyze(ctx context.Context, raw domain.RawGame, username string) error {
	_, err := o.Dispatch(ctx, raw, username)
	if errors.Is(err, ErrBusy) || errors.Is(err, ErrAlreadyProcessed) {
		return nil
	}
	return err
}

// Dispatch is Analyze with the skip reasons reported as ErrBusy and
// ErrAlreadyProcessed. It returns the evaluator job id.
func (o *Orchestrator) Dispatch(_ context.Context, raw domain.RawGame, username string) (string, error) {
	select {
	case <-o.done:
		return "", ErrClosed
	default:
	}
	if username == "" {
		username = o.username
	}

	o.mu.Lock()
	if o.current != nil {
		o.mu.Unlock()
		return "", ErrBusy
	}
	if indexOf(o.games, raw.ID) >= 0 {
		o.mu.Unlock()
		return "", ErrAlreadyProcessed
	}
	if _, ok := features.ResolveColor(raw, username); !ok {
		o.logger.Warn("color_unverified", zap.String("game_id", raw.ID))
	}
	color := features.TrackedColor(raw, username)
	cur := &inflight{gameID: raw.ID, username: username}
	o.current = cur
	delete(o.failed, raw.ID)
	o.mu.Unlock()

	jobID, err := o.worker.Submit(evaluator.Request{
		GameID: raw.ID,
		Game:   raw,
		Moves:  raw.MoveText(),
		Color:  color,
	})
	if err != nil {
		o.mu.Lock()
		if o.current == cur {
			o.current = nil
		}
		o.mu.Unlock()
		if errors.Is(err, evaluator.ErrBusy) {
			return "", ErrBusy
		}
		return "", fmt.Errorf("dispatch %s: %w", raw.ID, err)
	}

	o.mu.Lock()
	cur.jobID = jobID
	o.mu.Unlock()
	o.logger.Info("analysis_dispatched", zap.String("game_id", raw.ID), zap.String("job_id", jobID), zap.String("color", string(color)))
	return jobID, nil
}

func (o *Orchestrator) loop(ctx context.Context) {
	defer close(o.done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-o.worker.Events():
			if !ok {
				return
			}
			o.handle(ctx, ev)
		}
	}
}

func (o *Orchestrator) handle(ctx context.Context, ev evaluator.Event) {
	o.mu.Lock()
	username := o.username
	if o.current != nil && o.current.gameID == ev.GameID {
		username = o.current.username
	}
	o.mu.Unlock()

	if ev.Kind == evaluator.EventError {
		o.mu.Lock()
		o.current = nil
		o.failed[ev.GameID] = ev.Err
		o.mu.Unlock()
		o.logger.Warn("analysis_failed", zap.String("game_id", ev.GameID), zap.Error(ev.Err))
		o.publish(Completion{GameID: ev.GameID, Err: ev.Err})
		return
	}

	pg := Build(ev.Game, ev.Result, username)
	if o.ownClock {
		pg.AvgSecsPerMove = pgn.PerColorSecsPerMove(ev.Game.ClockText(), features.TrackedColor(ev.Game, username))
	}

	o.mu.Lock()
	o.games = Merge(o.games, pg)
	o.current = nil
	snapshot := slices.Clone(o.games)
	o.mu.Unlock()

	if err := o.persist(ctx, snapshot); err != nil {
		o.logger.Error("cache_save_failed", zap.Error(err))
	}
	if o.onUpdate != nil {
		o.onUpdate(snapshot)
	}
	o.publish(Completion{GameID: pg.ID, Game: &pg, Result: ev.Result})
}

func (o *Orchestrator) persist(ctx context.Context, games []domain.ProcessedGame) error {
	blob, err := json.Marshal(games)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	return o.store.Save(ctx, o.username, blob)
}

// Build merges scorer output with the non-engine features of raw.
func Build(raw domain.RawGame, res domain.AnalysisResult, username string) domain.ProcessedGame {
	basic := features.ExtractBasicStats(raw, username)
	return domain.ProcessedGame{
		ID:             raw.ID,
		CreatedAt:      basic.CreatedAt,
		LastMoveAt:     basic.LastMoveAt,
		ACPL:           res.ACPL,
		BlunderCount:   res.Blunders,
		AvgSecsPerMove: pgn.ParseClock(raw.ClockText()),
		Result:         basic.Result,
		RatingDiff:     basic.RatingDiff,
		WhiteUser:      basic.WhiteUser,
		BlackUser:      basic.BlackUser,
	}
}

// Merge appends g unless its id is present and keeps the list ordered by
// CreatedAt ascending. The input slice is not modified.
func Merge(list []domain.ProcessedGame, g domain.ProcessedGame) []domain.ProcessedGame {
	if indexOf(list, g.ID) >= 0 {
		return list
	}
	out := make([]domain.ProcessedGame, 0, len(list)+1)
	out = append(out, list...)
	out = append(out, g)
	slices.SortStableFunc(out, func(a, b domain.ProcessedGame) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	return out
}

func indexOf(list []domain.ProcessedGame, id string) int {
	return slices.IndexFunc(list, func(g domain.ProcessedGame) bool { return g.ID == id })
}

// Games returns a copy of the collection.
func (o *Orchestrator) Games() []domain.ProcessedGame {
	o.mu.Lock()
	defer o.mu.Unlock()
	return slices.Clone(o.games)
}

// Processed reports whether id is in the collection.
func (o *Orchestrator) Processed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return indexOf(o.games, id) >= 0
}

func (o *Orchestrator) IsAnalyzing() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.current != nil
}

// Failed reports whether the last attempt on id ended with an error.
func (o *Orchestrator) Failed(id string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.failed[id]
	return ok
}

// Subscribe returns a channel of completions and its cancel func. Slow
// subscribers miss completions rather than block the orchestrator.
func (o *Orchestrator) Subscribe() (<-chan Completion, func()) {
	ch := make(chan Completion, 16)
	o.mu.Lock()
	id := o.nextSub
	o.nextSub++
	o.subs[id] = ch
	o.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			o.mu.Lock()
			delete(o.subs, id)
			o.mu.Unlock()
		})
	}
}

func (o *Orchestrator) publish(c Completion) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, ch := range o.subs {
		select {
		case ch <- c:
		default:
		}
	}
}

// Wait blocks until id is processed or has failed.
func (o *Orchestrator) Wait(ctx context.Context, id string) (domain.ProcessedGame, error) {
	ch, cancel := o.Subscribe()
	defer cancel()

	o.mu.Lock()
	if i := indexOf(o.games, id); i >= 0 {
		g := o.games[i]
		o.mu.Unlock()
		return g, nil
	}
	if err, ok := o.failed[id]; ok {
		o.mu.Unlock()
		return domain.ProcessedGame{}, err
	}
	o.mu.Unlock()

	for {
		select {
		case c := <-ch:
			if c.GameID != id {
				continue
			}
			if c.Err != nil {
				return domain.ProcessedGame{}, c.Err
			}
			return *c.Game, nil
		case <-o.done:
			return domain.ProcessedGame{}, ErrClosed
		case <-ctx.Done():
			return domain.ProcessedGame{}, ctx.Err()
		}
	}
}

// Close stops the event loop. It does not close the worker or the cache.
func (o *Orchestrator) Close() error {
	o.cancel()
	<-o.done
	return nil
}
