// Package driver decides which raw game to analyze next and ties the game
// source, the analysis queue, the repository and tilt scoring together.
package driver

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/features"
	"github.com/park285/chess-quant/internal/lichess"
	"github.com/park285/chess-quant/internal/msgcat"
	"github.com/park285/chess-quant/internal/queue"
	"github.com/park285/chess-quant/internal/repository"
	"github.com/park285/chess-quant/internal/tilt"
)

const resetTimeout = 5 * time.Second

// Source is the game-history provider.
type Source interface {
	FetchGames(ctx context.Context, username string, opt lichess.FetchOptions) (lichess.FetchResult, error)
}

// Queue is the part of queue.Orchestrator the driver uses.
type Queue interface {
	Load(ctx context.Context) error
	Dispatch(ctx context.Context, raw domain.RawGame, username string) (string, error)
	Subscribe() (<-chan queue.Completion, func())
	Games() []domain.ProcessedGame
	Processed(id string) bool
}

type Options struct {
	Username string
	Source   Source
	Queue    Queue
	Repo     repository.Repository
	Scorer   tilt.Scorer
	// MinGames is the scorer's minimum, quoted when a session is too short.
	MinGames int
	Messages *msgcat.Catalog
	Window   features.Window
	// MaxGames bounds each fetch and the fallback scoring snapshot.
	MaxGames int
	Logger   *zap.Logger
	// Notify receives user-facing messages.
	Notify func(msg string)
	Now    func() time.Time
}

type Driver struct {
	opts   Options
	logger *zap.Logger
	warmed atomic.Bool
}

type SyncReport struct {
	Fetched int
	New     int
	Cursor  int64
}

type DrainReport struct {
	Analyzed int
	Skipped  int
	Failed   int
}

func New(opts Options) (*Driver, error) {
	switch {
	case opts.Username == "":
		return nil, fmt.Errorf("driver: username required")
	case opts.Queue == nil:
		return nil, fmt.Errorf("driver: queue required")
	case opts.Repo == nil:
		return nil, fmt.Errorf("driver: repository required")
	}
	if opts.Window == (features.Window{}) {
		opts.Window = features.DefaultWindow
	}
	if opts.MaxGames <= 0 {
		opts.MaxGames = lichess.DefaultMaxGames
	}
	if opts.Scorer == nil {
		opts.Scorer = tilt.StreakScorer{}
	}
	if opts.MinGames <= 0 {
		opts.MinGames = tilt.DefaultMinGames
	}
	if opts.Messages == nil {
		opts.Messages = msgcat.MustDefault()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Driver{opts: opts, logger: opts.Logger.With(zap.String("user", opts.Username))}, nil
}

func (d *Driver) notify(key string, data any) {
	msg := d.opts.Messages.Text(key, data)
	if d.opts.Notify != nil {
		d.opts.Notify(msg)
	}
}

// Sync fetches games newer than the stored cursor while warming the queue's
// cache, then stores the new games and advances the cursor.
func (d *Driver) Sync(ctx context.Context) (SyncReport, error) {
	user := d.opts.Username
	since, err := d.opts.Repo.SyncCursor(ctx, user)
	if err != nil {
		return SyncReport{}, fmt.Errorf("read cursor: %w", err)
	}

	var fetched lichess.FetchResult
	g, gctx := errgroup.WithContext(ctx)
	if d.opts.Source != nil {
		g.Go(func() error {
			res, err := d.fetchSince(gctx, since)
			if err != nil {
				return fmt.Errorf("fetch games: %w", err)
			}
			fetched = res
			return nil
		})
	}
	if !d.warmed.Load() {
		g.Go(func() error {
			if err := d.opts.Queue.Load(gctx); err != nil {
				return err
			}
			d.warmed.Store(true)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		if errors.Is(err, lichess.ErrUserNotFound) {
			d.notify("sync.user_not_found", map[string]any{"User": user})
		}
		return SyncReport{}, err
	}

	n, err := d.opts.Repo.UpsertRawGames(ctx, user, fetched.Games)
	if err != nil {
		return SyncReport{}, fmt.Errorf("store games: %w", err)
	}
	cursor := since
	if len(fetched.Games) > 0 {
		// since is inclusive on the source side
		cursor = fetched.NewestAt + 1
		if err := d.opts.Repo.SetSyncCursor(ctx, user, cursor); err != nil {
			return SyncReport{}, fmt.Errorf("advance cursor: %w", err)
		}
	}
	d.logger.Info("sync_complete", zap.Int("fetched", len(fetched.Games)), zap.Int("new", n), zap.Int64("cursor", cursor))
	if n > 0 {
		d.notify("sync.fetched", map[string]any{"New": n, "User": user})
	}
	return SyncReport{Fetched: len(fetched.Games), New: n, Cursor: cursor}, nil
}

// fetchSince pages backwards from the newest game until a page comes back
// short, so a backlog larger than MaxGames is fetched whole.
func (d *Driver) fetchSince(ctx context.Context, since int64) (lichess.FetchResult, error) {
	opt := lichess.DefaultFetchOptions()
	opt.Max = d.opts.MaxGames
	opt.Since = since

	out := lichess.FetchResult{NewestAt: since}
	for {
		page, err := d.opts.Source.FetchGames(ctx, d.opts.Username, opt)
		if err != nil {
			return lichess.FetchResult{}, err
		}
		out.Games = append(out.Games, page.Games...)
		out.Skipped += page.Skipped
		out.NewestAt = max(out.NewestAt, page.NewestAt)
		if len(page.Games) == 0 {
			return out, nil
		}
		if out.OldestAt == 0 || page.OldestAt < out.OldestAt {
			out.OldestAt = page.OldestAt
		}
		if len(page.Games)+page.Skipped < opt.Max || page.OldestAt <= since {
			return out, nil
		}
		opt.Until = page.OldestAt - 1
		d.logger.Debug("sync_page", zap.Int("games", len(page.Games)), zap.Int64("until", opt.Until))
	}
}

// Next returns the oldest game in known that is neither processed nor failed.
func Next(known []domain.RawGame, done func(id string) bool) (domain.RawGame, bool) {
	sorted := slices.Clone(known)
	slices.SortStableFunc(sorted, func(a, b domain.RawGame) int {
		switch {
		case a.CreatedAt < b.CreatedAt:
			return -1
		case a.CreatedAt > b.CreatedAt:
			return 1
		}
		return 0
	})
	for _, g := range sorted {
		if !done(g.ID) {
			return g, true
		}
	}
	return domain.RawGame{}, false
}

// Drain analyzes stored raw games oldest first, one at a time, until none
// are left. It stops without error when the queue is busy elsewhere. Games
// an interrupted run left in status analyzing are requeued first.
func (d *Driver) Drain(ctx context.Context) (DrainReport, error) {
	var rep DrainReport
	user := d.opts.Username
	n, err := d.opts.Repo.RequeueAnalyzing(ctx, user)
	if err != nil {
		return rep, fmt.Errorf("requeue analyzing games: %w", err)
	}
	if n > 0 {
		d.logger.Info("analysis_requeued", zap.Int("games", n))
	}
	for {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		raw, err := d.opts.Repo.NextRaw(ctx, user)
		if err != nil {
			return rep, fmt.Errorf("next raw game: %w", err)
		}
		if raw == nil {
			return rep, nil
		}
		if d.opts.Queue.Processed(raw.ID) {
			if err := d.opts.Repo.MarkStatus(ctx, user, raw.ID, domain.StatusAnalyzed); err != nil {
				return rep, err
			}
			rep.Skipped++
			continue
		}

		comp, err := d.analyze(ctx, *raw)
		switch {
		case errors.Is(err, queue.ErrBusy):
			d.notify("analysis.busy", nil)
			return rep, nil
		case err != nil:
			return rep, err
		case comp.Err != nil:
			rep.Failed++
			d.notify("analysis.unavailable", nil)
			d.logger.Warn("analysis_unavailable",
				zap.String("game_id", raw.ID),
				zap.String("detail", d.opts.Messages.Text("analysis.failed", map[string]any{"GameID": raw.ID})),
				zap.Error(comp.Err))
			if err := d.opts.Repo.MarkStatus(ctx, user, raw.ID, domain.StatusFailed); err != nil {
				return rep, err
			}
		default:
			rep.Analyzed++
			if err := d.opts.Repo.SaveAnalysis(ctx, user, raw.ID, comp.Result); err != nil {
				return rep, err
			}
		}
	}
}

// AnalyzeGame evaluates one stored game regardless of its status, so failed
// games can be retried.
func (d *Driver) AnalyzeGame(ctx context.Context, id string) (domain.ProcessedGame, error) {
	user := d.opts.Username
	raw, err := d.opts.Repo.RawGames(ctx, user)
	if err != nil {
		return domain.ProcessedGame{}, fmt.Errorf("load raw games: %w", err)
	}
	i := slices.IndexFunc(raw, func(g domain.RawGame) bool { return g.ID == id })
	if i < 0 {
		return domain.ProcessedGame{}, fmt.Errorf("game %s: %w", id, repository.ErrNotFound)
	}

	comp, err := d.analyze(ctx, raw[i])
	switch {
	case errors.Is(err, queue.ErrBusy):
		d.notify("analysis.busy", nil)
		return domain.ProcessedGame{}, err
	case err != nil:
		return domain.ProcessedGame{}, err
	case comp.Err != nil:
		d.notify("analysis.failed", map[string]any{"GameID": id})
		if err := d.opts.Repo.MarkStatus(ctx, user, id, domain.StatusFailed); err != nil {
			d.logger.Warn("status_update_failed", zap.String("game_id", id), zap.Error(err))
		}
		return domain.ProcessedGame{}, comp.Err
	case comp.Game == nil:
		return domain.ProcessedGame{}, fmt.Errorf("game %s: %w", id, queue.ErrAlreadyProcessed)
	}
	if err := d.opts.Repo.SaveAnalysis(ctx, user, id, comp.Result); err != nil {
		return domain.ProcessedGame{}, err
	}
	d.notify("analysis.complete", map[string]any{"GameID": id, "ACPL": comp.Game.ACPL, "Blunders": comp.Game.BlunderCount})
	return *comp.Game, nil
}

func (d *Driver) analyze(ctx context.Context, raw domain.RawGame) (queue.Completion, error) {
	user := d.opts.Username
	if err := d.opts.Repo.MarkStatus(ctx, user, raw.ID, domain.StatusAnalyzing); err != nil {
		return queue.Completion{}, err
	}

	ch, cancel := d.opts.Queue.Subscribe()
	defer cancel()

	_, err := d.opts.Queue.Dispatch(ctx, raw, user)
	switch {
	case errors.Is(err, queue.ErrAlreadyProcessed):
		games := d.opts.Queue.Games()
		i := slices.IndexFunc(games, func(g domain.ProcessedGame) bool { return g.ID == raw.ID })
		if i < 0 {
			return queue.Completion{GameID: raw.ID}, nil
		}
		return queue.Completion{GameID: raw.ID, Game: &games[i], Result: domain.AnalysisResult{
			ACPL: games[i].ACPL, Blunders: games[i].BlunderCount,
		}}, nil
	case err != nil:
		d.resetStatus(raw.ID)
		return queue.Completion{}, err
	}

	for {
		select {
		case c := <-ch:
			if c.GameID == raw.ID {
				return c, nil
			}
		case <-ctx.Done():
			d.resetStatus(raw.ID)
			return queue.Completion{}, ctx.Err()
		}
	}
}

func (d *Driver) resetStatus(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
	defer cancel()
	if err := d.opts.Repo.MarkStatus(ctx, d.opts.Username, id, domain.StatusRaw); err != nil {
		d.logger.Warn("status_reset_failed", zap.String("game_id", id), zap.Error(err))
	}
}

// ScoreResult is one tilt evaluation.
type ScoreResult struct {
	Record   domain.TiltRecord
	Response tilt.Response
	// InSession is false when no processed game belongs to the current
	// session and the newest games were scored instead.
	InSession bool
}

// Score asks the tilt scorer about the current session's processed games and
// records the outcome. Scoring failures never touch the processed games.
func (d *Driver) Score(ctx context.Context) (ScoreResult, error) {
	user := d.opts.Username
	raw, err := d.opts.Repo.RawGames(ctx, user)
	if err != nil {
		return ScoreResult{}, fmt.Errorf("load raw games: %w", err)
	}
	now := d.opts.Now()
	games, inSession := d.snapshot(raw, now)

	resp, err := d.opts.Scorer.Score(ctx, tilt.Request{Games: games})
	if err != nil {
		if errors.Is(err, tilt.ErrNotEnoughGames) {
			d.notify("tilt.not_enough_games", map[string]any{"Min": d.opts.MinGames})
		} else {
			d.notify("tilt.unavailable", nil)
		}
		return ScoreResult{}, err
	}

	ids := make([]string, len(games))
	for i, g := range games {
		ids[i] = g.ID
	}
	rec := domain.TiltRecord{
		Username: user,
		Score:    resp.Score,
		Games:    len(games),
		Source:   resp.Source,
		ScoredAt: now,
		GameIDs:  ids,
	}
	// history is best-effort
	if id, err := d.opts.Repo.RecordTilt(ctx, rec); err != nil {
		d.logger.Warn("tilt_record_failed", zap.Error(err))
	} else {
		rec.ID = id
	}
	d.logger.Info("tilt_scored",
		zap.Float64("score", resp.Score),
		zap.Int("games", len(games)),
		zap.String("source", resp.Source),
		zap.Bool("in_session", inSession))
	d.notify("tilt.score", map[string]any{"User": user, "Score": resp.Score, "Games": len(games), "Source": resp.Source})
	return ScoreResult{Record: rec, Response: resp, InSession: inSession}, nil
}

// snapshot picks the processed games of the current session, or the newest
// MaxGames processed games when the session has none.
func (d *Driver) snapshot(raw []domain.RawGame, now time.Time) ([]domain.ProcessedGame, bool) {
	session := d.opts.Window.Filter(raw, now)
	inSession := make(map[string]struct{}, len(session))
	for _, g := range session {
		inSession[g.ID] = struct{}{}
	}

	all := d.opts.Queue.Games()
	var picked []domain.ProcessedGame
	for _, g := range all {
		if _, ok := inSession[g.ID]; ok {
			picked = append(picked, g)
		}
	}
	if len(picked) > 0 {
		return picked, true
	}
	if len(all) > d.opts.MaxGames {
		all = all[len(all)-d.opts.MaxGames:]
	}
	return all, false
}

// Session returns the current session's raw games, newest first.
func (d *Driver) Session(ctx context.Context) ([]domain.RawGame, error) {
	raw, err := d.opts.Repo.RawGames(ctx, d.opts.Username)
	if err != nil {
		return nil, err
	}
	return d.opts.Window.Filter(raw, d.opts.Now()), nil
}

// RunOnce performs Sync, Drain and Score. A scoring shortfall of games is
// not an error here.
func (d *Driver) RunOnce(ctx context.Context) error {
	if _, err := d.Sync(ctx); err != nil {
		return err
	}
	if _, err := d.Drain(ctx); err != nil {
		return err
	}
	if _, err := d.Score(ctx); err != nil && !errors.Is(err, tilt.ErrNotEnoughGames) {
		return err
	}
	return nil
}
