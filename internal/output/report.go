package output

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/features"
)

const timeLayout = "2006-01-02 15:04"

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func resultLabel(r float64) string {
	switch r {
	case 1:
		return StyleSuccess.Render("win")
	case 0:
		return StyleError.Render("loss")
	default:
		return StyleMuted.Render("draw")
	}
}

func signed(n int) string {
	if n > 0 {
		return "+" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}

// GamesTable lists processed games newest first.
func GamesTable(games []domain.ProcessedGame, loc *time.Location) *Table {
	if loc == nil {
		loc = time.UTC
	}
	t := NewTable("ID", "PLAYED", "WHITE", "BLACK", "RESULT", "ACPL", "BLUNDERS", "SEC/MOVE", "RATING")
	for i := len(games) - 1; i >= 0; i-- {
		g := games[i]
		blunders := strconv.Itoa(g.BlunderCount)
		if g.BlunderCount > 0 {
			blunders = StyleWarning.Render(blunders)
		}
		t.AddRow(
			g.ID,
			time.UnixMilli(g.CreatedAt).In(loc).Format(timeLayout),
			g.WhiteUser,
			g.BlackUser,
			resultLabel(g.Result),
			strconv.Itoa(g.ACPL),
			blunders,
			fmt.Sprintf("%.1f", g.AvgSecsPerMove),
			signed(g.RatingDiff),
		)
	}
	return t
}

// SessionTable lists per-game session features in play order.
func SessionTable(rows []features.SessionRow) *Table {
	t := NewTable("#", "ID", "RESULT", "P/L", "STREAK", "SPEED", "BREAK", "ROLL ACPL", "ROLL SEC", "TIME")
	for _, r := range rows {
		streak := strconv.Itoa(r.LossStreak)
		if r.LossStreak >= 3 {
			streak = StyleError.Render(streak)
		}
		t.AddRow(
			strconv.Itoa(r.GamesPlayed),
			r.ID,
			resultLabel(r.Result),
			signed(r.SessionPL),
			streak,
			fmt.Sprintf("%.2fx", r.SpeedVsStart),
			(time.Duration(r.BreakSecs) * time.Second).String(),
			fmt.Sprintf("%.1f", r.Roll5ACPL),
			fmt.Sprintf("%.1f", r.Roll5SecsPerMove),
			string(r.TimeOfDay),
		)
	}
	return t
}

// TiltStyle colours a score against threshold; a zero threshold means 0.5.
func TiltStyle(score, threshold float64) string {
	if threshold <= 0 {
		threshold = 0.5
	}
	s := fmt.Sprintf("%.3f", score)
	switch {
	case score >= threshold:
		return StyleError.Render(s)
	case score >= threshold*0.6:
		return StyleWarning.Render(s)
	default:
		return StyleSuccess.Render(s)
	}
}

// HistoryTable lists recorded tilt scores newest first.
func HistoryTable(records []domain.TiltRecord, loc *time.Location) *Table {
	if loc == nil {
		loc = time.UTC
	}
	t := NewTable("SCORED", "SCORE", "GAMES", "SOURCE")
	for _, r := range records {
		t.AddRow(
			r.ScoredAt.In(loc).Format(timeLayout),
			TiltStyle(r.Score, 0),
			strconv.Itoa(r.Games),
			r.Source,
		)
	}
	return t
}
