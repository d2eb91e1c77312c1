package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/park285/chess-quant/internal/domain"
)

type memGame struct {
	game   domain.RawGame
	status domain.AnalysisStatus
	result *domain.AnalysisResult
}

// Memory is an in-process Repository for tests and single-user CLI runs.
type Memory struct {
	mu      sync.Mutex
	games   map[string]map[string]*memGame
	cursors map[string]int64
	tilts   []domain.TiltRecord
	nextID  int64
}

func NewMemory() *Memory {
	return &Memory{
		games:   make(map[string]map[string]*memGame),
		cursors: make(map[string]int64),
	}
}

func (m *Memory) Close() error { return nil }

func (m *Memory) UpsertRawGames(_ context.Context, username string, games []domain.RawGame) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := userKey(username)
	byID := m.games[user]
	if byID == nil {
		byID = make(map[string]*memGame)
		m.games[user] = byID
	}
	inserted := 0
	for _, g := range games {
		if g.ID == "" {
			continue
		}
		if _, ok := byID[g.ID]; ok {
			continue
		}
		byID[g.ID] = &memGame{game: g, status: domain.StatusRaw}
		inserted++
	}
	return inserted, nil
}

func (m *Memory) sorted(username string) []*memGame {
	byID := m.games[userKey(username)]
	out := make([]*memGame, 0, len(byID))
	for _, g := range byID {
		out = append(out, g)
	}
	slices.SortFunc(out, func(a, b *memGame) int {
		switch {
		case a.game.CreatedAt < b.game.CreatedAt:
			return -1
		case a.game.CreatedAt > b.game.CreatedAt:
			return 1
		case a.game.ID < b.game.ID:
			return -1
		case a.game.ID > b.game.ID:
			return 1
		}
		return 0
	})
	return out
}

func (m *Memory) RawGames(_ context.Context, username string) ([]domain.RawGame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sorted := m.sorted(username)
	out := make([]domain.RawGame, 0, len(sorted))
	for i := len(sorted) - 1; i >= 0; i-- {
		out = append(out, sorted[i].game)
	}
	return out, nil
}

func (m *Memory) NextRaw(_ context.Context, username string) (*domain.RawGame, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, g := range m.sorted(username) {
		if g.status == domain.StatusRaw {
			game := g.game
			return &game, nil
		}
	}
	return nil, nil
}

func (m *Memory) RequeueAnalyzing(_ context.Context, username string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, g := range m.games[userKey(username)] {
		if g.status == domain.StatusAnalyzing {
			g.status = domain.StatusRaw
			n++
		}
	}
	return n, nil
}

func (m *Memory) lookup(username, id string) (*memGame, error) {
	g, ok := m.games[userKey(username)][id]
	if !ok {
		return nil, ErrNotFound
	}
	return g, nil
}

func (m *Memory) Status(_ context.Context, username, id string) (domain.AnalysisStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(username, id)
	if err != nil {
		return "", err
	}
	return g.status, nil
}

func (m *Memory) MarkStatus(_ context.Context, username, id string, status domain.AnalysisStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(username, id)
	if err != nil {
		return err
	}
	g.status = status
	return nil
}

func (m *Memory) SaveAnalysis(_ context.Context, username, id string, res domain.AnalysisResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, err := m.lookup(username, id)
	if err != nil {
		return err
	}
	res.RawEvals = slices.Clone(res.RawEvals)
	g.result = &res
	g.status = domain.StatusAnalyzed
	return nil
}

func (m *Memory) SyncCursor(_ context.Context, username string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[userKey(username)], nil
}

func (m *Memory) SetSyncCursor(_ context.Context, username string, since int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	user := userKey(username)
	m.cursors[user] = max(m.cursors[user], since)
	return nil
}

func (m *Memory) RecordTilt(_ context.Context, rec domain.TiltRecord) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	rec.ID = m.nextID
	rec.Username = userKey(rec.Username)
	rec.GameIDs = slices.Clone(rec.GameIDs)
	if rec.ScoredAt.IsZero() {
		rec.ScoredAt = time.Now()
	}
	m.tilts = append(m.tilts, rec)
	return rec.ID, nil
}

func (m *Memory) TiltHistory(_ context.Context, username string, limit int) ([]domain.TiltRecord, error) {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	user := userKey(username)
	var out []domain.TiltRecord
	for i := len(m.tilts) - 1; i >= 0 && len(out) < limit; i-- {
		if m.tilts[i].Username == user {
			out = append(out, m.tilts[i])
		}
	}
	slices.SortStableFunc(out, func(a, b domain.TiltRecord) int {
		return b.ScoredAt.Compare(a.ScoredAt)
	})
	return out, nil
}
