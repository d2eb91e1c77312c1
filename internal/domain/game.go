package domain

import (
	"fmt"
	"strings"
)

type Color string

const (
	White Color = "white"
	Black Color = "black"
)

func (c Color) Opponent() Color {
	if c == White {
		return Black
	}
	return White
}

func (c Color) Valid() bool { return c == White || c == Black }

// Winner values as reported by the game-history source.
const (
	WinnerWhite = "white"
	WinnerBlack = "black"
	WinnerDraw  = "draw"
)

// DefaultGameDuration is assumed when the source omits lastMoveAt (10 minutes, ms).
const DefaultGameDuration int64 = 10 * 60 * 1000

type User struct {
	Name string `json:"name,omitempty"`
	ID   string `json:"id,omitempty"`
}

type Player struct {
	User       *User `json:"user,omitempty"`
	Rating     int   `json:"rating,omitempty"`
	RatingDiff *int  `json:"ratingDiff,omitempty"`
}

func (p Player) Name() string {
	if p.User == nil {
		return ""
	}
	return strings.TrimSpace(p.User.Name)
}

func (p Player) UserID() string {
	if p.User == nil {
		return ""
	}
	return strings.TrimSpace(p.User.ID)
}

type Players struct {
	White Player `json:"white"`
	Black Player `json:"black"`
}

func (p Players) Side(c Color) Player {
	if c == White {
		return p.White
	}
	return p.Black
}

// RawGame is one record of the game-history source (Lichess game export shape).
type RawGame struct {
	ID         string  `json:"id"`
	CreatedAt  int64   `json:"createdAt"`
	LastMoveAt int64   `json:"lastMoveAt,omitempty"`
	Rated      bool    `json:"rated,omitempty"`
	Speed      string  `json:"speed,omitempty"`
	Players    Players `json:"players"`
	Winner     string  `json:"winner,omitempty"`
	Moves      string  `json:"moves"`
	PGN        string  `json:"pgn,omitempty"`
	Clocks     []int   `json:"clocks,omitempty"`
}

// ClockText returns the annotation text the clock parser reads. Exported PGN
// wins; otherwise centisecond clock arrays are rendered as [%clk] tags so the
// same positional parse applies.
func (g RawGame) ClockText() string {
	if strings.Contains(g.PGN, "[%clk") {
		return g.PGN
	}
	if len(g.Clocks) > 0 {
		var sb strings.Builder
		for i, cs := range g.Clocks {
			if i > 0 {
				sb.WriteByte(' ')
			}
			secs := cs / 100
			fmt.Fprintf(&sb, "{ [%%clk %d:%02d:%02d] }", secs/3600, (secs/60)%60, secs%60)
		}
		return sb.String()
	}
	if g.PGN != "" {
		return g.PGN
	}
	return g.Moves
}

// MoveText returns the move list to evaluate, preferring the bare SAN list.
func (g RawGame) MoveText() string {
	if strings.TrimSpace(g.Moves) != "" {
		return g.Moves
	}
	return g.PGN
}

// ProcessedGame is the finalized per-game feature record.
type ProcessedGame struct {
	ID         string `json:"id"`
	CreatedAt  int64  `json:"createdAt"`
	LastMoveAt int64  `json:"lastMoveAt"`

	ACPL           int     `json:"my_acpl"`
	BlunderCount   int     `json:"my_blunder_count"`
	AvgSecsPerMove float64 `json:"my_avg_secs_per_move"`
	Result         float64 `json:"result"`
	RatingDiff     int     `json:"rating_diff"`

	WhiteUser string `json:"white_user"`
	BlackUser string `json:"black_user"`
}

// AnalysisResult is the scorer output for one evaluated game.
type AnalysisResult struct {
	ACPL     int   `json:"acpl"`
	Blunders int   `json:"blunders"`
	RawEvals []int `json:"raw_evals"`
}

// AnalysisStatus tracks a raw game through the analysis queue.
type AnalysisStatus string

const (
	StatusRaw       AnalysisStatus = "raw"
	StatusAnalyzing AnalysisStatus = "analyzing"
	StatusAnalyzed  AnalysisStatus = "analyzed"
	StatusFailed    AnalysisStatus = "failed"
)
