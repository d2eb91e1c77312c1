package features

import (
	"sort"
	"time"

	"github.com/park285/chess-quant/internal/domain"
)

// Window bounds a play session.
type Window struct {
	// Freshness is the maximum age of the newest game for a session to be current.
	Freshness time.Duration
	// Gap is the maximum distance between two chained games.
	Gap time.Duration
}

var DefaultWindow = Window{Freshness: 60 * time.Minute, Gap: 30 * time.Minute}

// FilterCurrentSession returns the current session using DefaultWindow and the wall clock.
func FilterCurrentSession(games []domain.RawGame) []domain.RawGame {
	return DefaultWindow.Filter(games, time.Now())
}

// FilterCurrentSessionAt is FilterCurrentSession with an explicit "now".
func FilterCurrentSessionAt(games []domain.RawGame, now time.Time) []domain.RawGame {
	return DefaultWindow.Filter(games, now)
}

// Filter returns the games chained to the newest one, newest first. The result
// is empty when the newest game is older than Freshness. The chain stops at
// the first gap larger than Gap.
func (w Window) Filter(games []domain.RawGame, now time.Time) []domain.RawGame {
	if len(games) == 0 {
		return nil
	}
	sorted := make([]domain.RawGame, len(games))
	copy(sorted, games)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt > sorted[j].CreatedAt })

	anchor := sorted[0]
	if now.UnixMilli()-anchor.CreatedAt > w.Freshness.Milliseconds() {
		return nil
	}

	session := []domain.RawGame{anchor}
	gap := w.Gap.Milliseconds()
	for i := 1; i < len(sorted); i++ {
		if sorted[i-1].CreatedAt-sorted[i].CreatedAt > gap {
			break
		}
		session = append(session, sorted[i])
	}
	return session
}
