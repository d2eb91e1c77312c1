// Package features derives per-game and per-session features from raw games.
package features

import (
	"strings"

	"github.com/park285/chess-quant/internal/domain"
)

const anonymous = "Anon"

// BasicStats are the per-game fields that do not need engine analysis.
type BasicStats struct {
	Result     float64
	RatingDiff int
	CreatedAt  int64
	LastMoveAt int64
	WhiteUser  string
	BlackUser  string
}

// TrackedColor is white only on a case-insensitive match of the white name;
// any other game is attributed to black.
func TrackedColor(g domain.RawGame, username string) domain.Color {
	if matches(g.Players.White.Name(), username) {
		return domain.White
	}
	return domain.Black
}

// ResolveColor is the verified variant of TrackedColor: it checks names and
// user ids on both sides and reports ok=false when the user played neither.
// The fallback color is still black.
func ResolveColor(g domain.RawGame, username string) (domain.Color, bool) {
	switch {
	case matches(g.Players.White.Name(), username), matches(g.Players.White.UserID(), username):
		return domain.White, true
	case matches(g.Players.Black.Name(), username), matches(g.Players.Black.UserID(), username):
		return domain.Black, true
	default:
		return domain.Black, false
	}
}

func ExtractBasicStats(g domain.RawGame, username string) BasicStats {
	color := TrackedColor(g, username)
	return statsFor(g, color)
}

func statsFor(g domain.RawGame, color domain.Color) BasicStats {
	result := 0.5
	switch g.Winner {
	case string(color):
		result = 1.0
	case string(color.Opponent()):
		result = 0.0
	}

	ratingDiff := 0
	if d := g.Players.Side(color).RatingDiff; d != nil {
		ratingDiff = *d
	}

	lastMoveAt := g.LastMoveAt
	if lastMoveAt == 0 {
		lastMoveAt = g.CreatedAt + domain.DefaultGameDuration
	}
	if lastMoveAt < g.CreatedAt {
		lastMoveAt = g.CreatedAt
	}

	return BasicStats{
		Result:     result,
		RatingDiff: ratingDiff,
		CreatedAt:  g.CreatedAt,
		LastMoveAt: lastMoveAt,
		WhiteUser:  nameOrAnon(g.Players.White),
		BlackUser:  nameOrAnon(g.Players.Black),
	}
}

func matches(name, username string) bool {
	name = strings.TrimSpace(name)
	return name != "" && strings.EqualFold(name, strings.TrimSpace(username))
}

func nameOrAnon(p domain.Player) string {
	if n := p.Name(); n != "" {
		return n
	}
	return anonymous
}
