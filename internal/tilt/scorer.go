// Package tilt turns a snapshot of processed games into a tilt score.
package tilt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/url"
	"slices"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/httpx"
	"github.com/park285/chess-quant/pkg/tiltdto"
)

const DefaultMinGames = 3

const (
	SourceRemote = "remote"
	SourceStreak = "streak"
)

var (
	ErrNotEnoughGames  = errors.New("tilt: not enough games")
	ErrUnavailable     = errors.New("tilt: scoring unavailable")
	ErrInvalidResponse = errors.New("tilt: response carries no score")
)

type Request struct {
	Games         []domain.ProcessedGame
	PersonalModel string
}

type Response struct {
	Score         float64
	Threshold     float64
	GamesAnalyzed int
	Source        string
}

// Scorer reads a snapshot of games; it never mutates them.
type Scorer interface {
	Score(ctx context.Context, req Request) (Response, error)
}

// HTTPScorer posts games to the remote scoring endpoint.
type HTTPScorer struct {
	client   *httpx.Client
	path     string
	minGames int
	logger   *zap.Logger
}

func NewHTTPScorer(endpoint string, minGames int, logger *zap.Logger, opts ...httpx.Option) (*HTTPScorer, error) {
	u, err := url.Parse(strings.TrimSpace(endpoint))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid TILT_SCORE_URL %q", endpoint)
	}
	if minGames <= 0 {
		minGames = DefaultMinGames
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	base := u.Scheme + "://" + u.Host
	path := u.EscapedPath()
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return &HTTPScorer{
		client:   httpx.NewClient("tilt", base, opts...),
		path:     path,
		minGames: minGames,
		logger:   logger,
	}, nil
}

func (s *HTTPScorer) Score(ctx context.Context, req Request) (Response, error) {
	if len(req.Games) < s.minGames {
		return Response{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughGames, len(req.Games), s.minGames)
	}
	payload := tiltdto.ScoreRequest{
		Games:         toDTO(ascending(req.Games)),
		PersonalModel: req.PersonalModel,
	}

	var out tiltdto.ScoreResponse
	err := s.client.DoJSON(ctx, fasthttp.MethodPost, s.path, payload, &out, true)
	switch {
	case httpx.IsStatus(err, fasthttp.StatusBadRequest):
		return Response{}, fmt.Errorf("%w: %w", ErrNotEnoughGames, err)
	case err != nil:
		fields := []zap.Field{zap.Error(err)}
		var se *httpx.StatusError
		if errors.As(err, &se) {
			fields = append(fields, zap.Int("status", se.Status), zap.String("detail", errorMessage(se.Body)))
		}
		s.logger.Warn("tilt_score_failed", fields...)
		return Response{}, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	score, ok := out.Score()
	if !ok {
		return Response{}, fmt.Errorf("%w: %w", ErrUnavailable, ErrInvalidResponse)
	}
	resp := Response{Score: score, GamesAnalyzed: out.GamesAnalyzed, Source: SourceRemote}
	if out.Threshold != nil {
		resp.Threshold = *out.Threshold
	}
	if resp.GamesAnalyzed == 0 {
		resp.GamesAnalyzed = len(req.Games)
	}
	return resp, nil
}

// StreakScorer maps the average consecutive-loss streak to [0,1]: an
// average streak of five losses or more scores 1.
type StreakScorer struct {
	MinGames int
}

const (
	noGamesScore  = 0.2
	noStreakScore = 0.1
	streakCeiling = 5.0
)

func (s StreakScorer) Score(_ context.Context, req Request) (Response, error) {
	if len(req.Games) < s.MinGames {
		return Response{}, fmt.Errorf("%w: have %d, need %d", ErrNotEnoughGames, len(req.Games), s.MinGames)
	}
	return Response{
		Score:         StreakScore(ascending(req.Games)),
		GamesAnalyzed: len(req.Games),
		Source:        SourceStreak,
	}, nil
}

// StreakScore expects games in chronological order.
func StreakScore(games []domain.ProcessedGame) float64 {
	if len(games) == 0 {
		return noGamesScore
	}
	var streaks []int
	current := 0
	for _, g := range games {
		if g.Result == 0 {
			current++
			continue
		}
		if current > 0 {
			streaks = append(streaks, current)
		}
		current = 0
	}
	if current > 0 {
		streaks = append(streaks, current)
	}
	if len(streaks) == 0 {
		return noStreakScore
	}

	total := 0
	for _, n := range streaks {
		total += n
	}
	score := float64(total) / float64(len(streaks)) / streakCeiling
	score = math.Min(math.Max(score, 0), 1)
	return math.Round(score*1000) / 1000
}

// FallbackScorer answers with Fallback when Primary is unavailable.
// ErrNotEnoughGames from Primary is returned as is.
type FallbackScorer struct {
	Primary  Scorer
	Fallback Scorer
	Logger   *zap.Logger
}

func (f FallbackScorer) Score(ctx context.Context, req Request) (Response, error) {
	if f.Primary == nil {
		return f.Fallback.Score(ctx, req)
	}
	resp, err := f.Primary.Score(ctx, req)
	if err == nil || errors.Is(err, ErrNotEnoughGames) || f.Fallback == nil {
		return resp, err
	}
	if f.Logger != nil {
		f.Logger.Warn("tilt_fallback", zap.Error(err))
	}
	return f.Fallback.Score(ctx, req)
}

func ascending(games []domain.ProcessedGame) []domain.ProcessedGame {
	out := slices.Clone(games)
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

func toDTO(games []domain.ProcessedGame) []tiltdto.Game {
	out := make([]tiltdto.Game, len(games))
	for i, g := range games {
		out[i] = tiltdto.Game(g)
	}
	return out
}

func errorMessage(body string) string {
	var e tiltdto.ErrorResponse
	if json.Unmarshal([]byte(body), &e) == nil && e.Error != "" {
		return e.Error
	}
	return strings.TrimSpace(body)
}
