package driver

import (
	"cmp"
	"context"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/park285/chess-quant/internal/cache"
	"github.com/park285/chess-quant/internal/chess"
	"github.com/park285/chess-quant/internal/chess/evaluator"
	"github.com/park285/chess-quant/internal/chess/uci/ucitest"
	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/lichess"
	"github.com/park285/chess-quant/internal/queue"
	"github.com/park285/chess-quant/internal/repository"
	"github.com/park285/chess-quant/internal/tilt"
)

type fakeSource struct {
	mu    sync.Mutex
	games []domain.RawGame
	calls []lichess.FetchOptions
	err   error
}

func (f *fakeSource) FetchGames(_ context.Context, _ string, opt lichess.FetchOptions) (lichess.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, opt)
	if f.err != nil {
		return lichess.FetchResult{}, f.err
	}
	// newest first and capped at Max, like the games export
	var match []domain.RawGame
	for _, g := range f.games {
		if g.CreatedAt >= opt.Since && (opt.Until == 0 || g.CreatedAt <= opt.Until) {
			match = append(match, g)
		}
	}
	slices.SortFunc(match, func(a, b domain.RawGame) int { return cmp.Compare(b.CreatedAt, a.CreatedAt) })
	if opt.Max > 0 && len(match) > opt.Max {
		match = match[:opt.Max]
	}
	res := lichess.FetchResult{Games: match, NewestAt: opt.Since}
	for i, g := range match {
		res.NewestAt = max(res.NewestAt, g.CreatedAt)
		if i == 0 || g.CreatedAt < res.OldestAt {
			res.OldestAt = g.CreatedAt
		}
	}
	return res, nil
}

func (f *fakeSource) Add(games ...domain.RawGame) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.games = append(f.games, games...)
}

func (f *fakeSource) Calls() []lichess.FetchOptions {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lichess.FetchOptions(nil), f.calls...)
}

var now = time.Date(2026, 5, 2, 20, 0, 0, 0, time.UTC)

func played(id string, ago time.Duration, winner, moves string) domain.RawGame {
	return domain.RawGame{
		ID:        id,
		CreatedAt: now.Add(-ago).UnixMilli(),
		Players: domain.Players{
			White: domain.Player{User: &domain.User{Name: "alice"}},
			Black: domain.Player{User: &domain.User{Name: "carol"}},
		},
		Winner: winner,
		Moves:  moves,
	}
}

type fixture struct {
	driver   *Driver
	source   *fakeSource
	repo     *repository.Memory
	orch     *queue.Orchestrator
	store    *cache.Memory
	mu       sync.Mutex
	messages []string
}

func (f *fixture) Messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func newFixture(t *testing.T, games ...domain.RawGame) *fixture {
	t.Helper()
	fake := ucitest.New(ucitest.CP(15))
	engine, err := chess.NewEngine(chess.EngineConfig{Capacity: 1, Dial: fake.Dial})
	require.NoError(t, err)
	t.Cleanup(func() { _ = engine.Close() })

	worker, err := evaluator.New(evaluator.Options{Engines: engine, PlyTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { _ = worker.Close() })

	f := &fixture{
		source: &fakeSource{games: games},
		repo:   repository.NewMemory(),
		store:  cache.NewMemory(),
	}
	f.orch, err = queue.New(queue.Options{Worker: worker, Cache: f.store, Username: "alice"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.orch.Close() })

	f.driver, err = New(Options{
		Username: "alice",
		Source:   f.source,
		Queue:    f.orch,
		Repo:     f.repo,
		Scorer:   tilt.StreakScorer{},
		Now:      func() time.Time { return now },
		Notify: func(msg string) {
			f.mu.Lock()
			f.messages = append(f.messages, msg)
			f.mu.Unlock()
		},
	})
	require.NoError(t, err)
	return f
}

func TestSyncAdvancesCursor(t *testing.T) {
	g1 := played("g1", 40*time.Minute, domain.WinnerBlack, "e4 e5")
	g2 := played("g2", 20*time.Minute, domain.WinnerWhite, "d4 d5")
	f := newFixture(t, g1, g2)
	ctx := context.Background()

	rep, err := f.driver.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.Fetched)
	assert.Equal(t, 2, rep.New)
	assert.Equal(t, g2.CreatedAt+1, rep.Cursor)

	rep, err = f.driver.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Fetched)
	assert.Equal(t, g2.CreatedAt+1, rep.Cursor)

	calls := f.source.Calls()
	require.Len(t, calls, 2)
	assert.Zero(t, calls[0].Since)
	assert.Equal(t, g2.CreatedAt+1, calls[1].Since)
	assert.True(t, calls[0].Clocks)
}

func TestSyncPagesPastMaxGames(t *testing.T) {
	a := played("a", 50*time.Minute, domain.WinnerWhite, "e4 e5")
	f := newFixture(t, a)
	f.driver.opts.MaxGames = 2
	ctx := context.Background()

	_, err := f.driver.Sync(ctx)
	require.NoError(t, err)

	f.source.Add(
		played("b", 40*time.Minute, domain.WinnerWhite, "e4 e5"),
		played("c", 30*time.Minute, domain.WinnerWhite, "e4 e5"),
		played("d", 20*time.Minute, domain.WinnerWhite, "e4 e5"),
		played("e", 10*time.Minute, domain.WinnerWhite, "e4 e5"),
	)
	rep, err := f.driver.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, rep.New)
	assert.Equal(t, now.Add(-10*time.Minute).UnixMilli()+1, rep.Cursor)

	stored, err := f.repo.RawGames(ctx, "alice")
	require.NoError(t, err)
	ids := make([]string, len(stored))
	for i, g := range stored {
		ids[i] = g.ID
	}
	assert.Equal(t, []string{"e", "d", "c", "b", "a"}, ids)

	calls := f.source.Calls()
	require.Len(t, calls, 4, "one fetch for the first sync, three pages for the backlog")
	assert.Zero(t, calls[1].Until)
	assert.Equal(t, now.Add(-20*time.Minute).UnixMilli()-1, calls[2].Until)
	assert.Equal(t, calls[1].Since, calls[3].Since)

	rep, err = f.driver.Sync(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.New)
}

func TestSyncUnknownUserNotifies(t *testing.T) {
	f := newFixture(t)
	f.source.err = lichess.ErrUserNotFound
	_, err := f.driver.Sync(context.Background())
	require.ErrorIs(t, err, lichess.ErrUserNotFound)
	require.Len(t, f.Messages(), 1)
	assert.Contains(t, f.Messages()[0], "was not found")
}

func TestSyncWarmsQueueFromCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.Save(ctx, "alice", []byte(`[{"id":"cached","createdAt":5}]`)))

	_, err := f.driver.Sync(ctx)
	require.NoError(t, err)
	assert.True(t, f.orch.Processed("cached"))
}

func TestDrainAnalyzesOldestFirst(t *testing.T) {
	g1 := played("g1", 40*time.Minute, domain.WinnerBlack, "e4 e5 Nf3")
	g2 := played("g2", 30*time.Minute, domain.WinnerBlack, "e4 Qxf9")
	g3 := played("g3", 10*time.Minute, domain.WinnerBlack, "d4 d5")
	f := newFixture(t, g3, g1, g2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.driver.Sync(ctx)
	require.NoError(t, err)

	rep, err := f.driver.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Analyzed: 2, Failed: 1}, rep)

	for id, want := range map[string]domain.AnalysisStatus{
		"g1": domain.StatusAnalyzed,
		"g2": domain.StatusFailed,
		"g3": domain.StatusAnalyzed,
	} {
		got, err := f.repo.Status(ctx, "alice", id)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}

	games := f.orch.Games()
	require.Len(t, games, 2)
	assert.Equal(t, "g1", games[0].ID)
	assert.Equal(t, "g3", games[1].ID)

	var unavailable bool
	for _, m := range f.Messages() {
		if strings.Contains(m, "temporarily unavailable") {
			unavailable = true
		}
	}
	assert.True(t, unavailable, "failed analysis surfaces the catalog message: %v", f.Messages())

	rep, err = f.driver.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{}, rep)
}

func TestDrainRequeuesInterruptedAnalysis(t *testing.T) {
	g := played("stale", 20*time.Minute, domain.WinnerWhite, "e4 e5")
	f := newFixture(t, g)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.driver.Sync(ctx)
	require.NoError(t, err)
	require.NoError(t, f.repo.MarkStatus(ctx, "alice", "stale", domain.StatusAnalyzing))

	rep, err := f.driver.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, DrainReport{Analyzed: 1}, rep)

	st, err := f.repo.Status(ctx, "alice", "stale")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalyzed, st)
	assert.True(t, f.orch.Processed("stale"))
}

func TestAnalyzeGameRetriesFailed(t *testing.T) {
	bad := played("bad", 30*time.Minute, domain.WinnerBlack, "e4 Qxf9")
	good := played("good", 20*time.Minute, domain.WinnerWhite, "e4 e5")
	f := newFixture(t, bad, good)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := f.driver.Sync(ctx)
	require.NoError(t, err)

	_, err = f.driver.AnalyzeGame(ctx, "bad")
	require.Error(t, err)
	st, err := f.repo.Status(ctx, "alice", "bad")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, st)

	pg, err := f.driver.AnalyzeGame(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "good", pg.ID)
	st, err = f.repo.Status(ctx, "alice", "good")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAnalyzed, st)
	assert.Contains(t, f.Messages()[len(f.Messages())-1], "Analyzed good")

	_, err = f.driver.AnalyzeGame(ctx, "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestScoreUsesCurrentSession(t *testing.T) {
	old := played("old", 5*time.Hour, domain.WinnerWhite, "e4 e5")
	g1 := played("g1", 40*time.Minute, domain.WinnerBlack, "e4 e5")
	g2 := played("g2", 15*time.Minute, domain.WinnerBlack, "d4 d5")
	f := newFixture(t, old, g1, g2)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	require.NoError(t, f.driver.RunOnce(ctx))

	res, err := f.driver.Score(ctx)
	require.NoError(t, err)
	assert.True(t, res.InSession)
	assert.Equal(t, 2, res.Record.Games)
	assert.Equal(t, []string{"g1", "g2"}, res.Record.GameIDs)
	assert.InDelta(t, 0.4, res.Response.Score, 1e-9)
	assert.Equal(t, tilt.SourceStreak, res.Record.Source)

	history, err := f.repo.TiltHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Len(t, history, 2, "RunOnce and Score each record one entry")

	session, err := f.driver.Session(ctx)
	require.NoError(t, err)
	assert.Len(t, session, 2)
}

func TestScoreNotEnoughGames(t *testing.T) {
	f := newFixture(t)
	f.driver.opts.Scorer = tilt.StreakScorer{MinGames: 5}
	f.driver.opts.MinGames = 5
	ctx := context.Background()

	_, err := f.driver.Score(ctx)
	require.ErrorIs(t, err, tilt.ErrNotEnoughGames)
	assert.Contains(t, f.Messages()[0], "Need at least 5")

	history, err := f.repo.TiltHistory(ctx, "alice", 10)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestNext(t *testing.T) {
	games := []domain.RawGame{{ID: "c", CreatedAt: 30}, {ID: "a", CreatedAt: 10}, {ID: "b", CreatedAt: 20}}
	done := map[string]bool{"a": true}

	g, ok := Next(games, func(id string) bool { return done[id] })
	require.True(t, ok)
	assert.Equal(t, "b", g.ID)

	done["b"], done["c"] = true, true
	_, ok = Next(games, func(id string) bool { return done[id] })
	assert.False(t, ok)
}

func TestSchedulerRunsImmediately(t *testing.T) {
	f := newFixture(t, played("g1", 10*time.Minute, domain.WinnerWhite, "e4 e5"))
	s, err := NewScheduler(f.driver, time.Hour, nil)
	require.NoError(t, err)
	s.Start()

	require.Eventually(t, func() bool {
		st, err := f.repo.Status(context.Background(), "alice", "g1")
		return err == nil && st == domain.StatusAnalyzed
	}, 10*time.Second, 20*time.Millisecond)
	require.NoError(t, s.Shutdown())
	assert.Len(t, f.source.Calls(), 1)
}
