package features

import (
	"math"
	"sort"
	"time"

	"github.com/park285/chess-quant/internal/domain"
)

const rollingWindow = 5

// TimeOfDay buckets the local start hour of a game.
type TimeOfDay string

const (
	Morning TimeOfDay = "morning"
	Midday  TimeOfDay = "midday"
	Evening TimeOfDay = "evening"
	Night   TimeOfDay = "night"
)

func TimeOfDayAt(t time.Time) TimeOfDay {
	h := t.Hour()
	switch {
	case h >= 5 && h < 9:
		return Morning
	case h >= 9 && h < 18:
		return Midday
	case h >= 18 && h < 23:
		return Evening
	default:
		return Night
	}
}

// SessionRow is the per-game feature vector handed to a tilt model.
type SessionRow struct {
	domain.ProcessedGame

	GamesPlayed      int       `json:"games_played"`
	SessionPL        int       `json:"session_pl"`
	LossStreak       int       `json:"loss_streak"`
	SpeedVsStart     float64   `json:"speed_vs_start"`
	BreakSecs        float64   `json:"break_time"`
	LogBreakSecs     float64   `json:"log_break_time"`
	Roll5ACPL        float64   `json:"roll_5_acpl_mean"`
	Roll5SecsPerMove float64   `json:"roll_5_time_per_move"`
	TimeOfDay        TimeOfDay `json:"time_of_day"`
}

// BuildSessionRows computes cumulative session features over games in
// ascending createdAt order. loc selects the clock used for time-of-day
// buckets; nil means UTC.
func BuildSessionRows(games []domain.ProcessedGame, loc *time.Location) []SessionRow {
	if len(games) == 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}
	sorted := make([]domain.ProcessedGame, len(games))
	copy(sorted, games)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt < sorted[j].CreatedAt })

	rows := make([]SessionRow, len(sorted))
	firstSpeed := sorted[0].AvgSecsPerMove + 0.001
	var (
		pl     int
		streak int
	)
	for i, g := range sorted {
		pl += g.RatingDiff
		if g.Result == 0.0 {
			streak++
		} else {
			streak = 0
		}

		var breakSecs float64
		if i > 0 {
			breakSecs = math.Max(0, float64(g.CreatedAt-sorted[i-1].LastMoveAt)/1000)
		}

		lo := max(0, i-rollingWindow+1)
		var acplSum, secsSum float64
		for _, w := range sorted[lo : i+1] {
			acplSum += float64(w.ACPL)
			secsSum += w.AvgSecsPerMove
		}
		n := float64(i - lo + 1)

		rows[i] = SessionRow{
			ProcessedGame:    g,
			GamesPlayed:      i + 1,
			SessionPL:        pl,
			LossStreak:       streak,
			SpeedVsStart:     g.AvgSecsPerMove / firstSpeed,
			BreakSecs:        breakSecs,
			LogBreakSecs:     math.Log1p(breakSecs),
			Roll5ACPL:        acplSum / n,
			Roll5SecsPerMove: secsSum / n,
			TimeOfDay:        TimeOfDayAt(time.UnixMilli(g.CreatedAt).In(loc)),
		}
	}
	return rows
}
