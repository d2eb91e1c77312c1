package tilt

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/httpx"
	"github.com/park285/chess-quant/pkg/tiltdto"
)

func games(results ...float64) []domain.ProcessedGame {
	out := make([]domain.ProcessedGame, len(results))
	for i, r := range results {
		out[i] = domain.ProcessedGame{ID: string(rune('a' + i)), CreatedAt: int64(i+1) * 1000, Result: r}
	}
	return out
}

func TestStreakScore(t *testing.T) {
	cases := []struct {
		name    string
		results []float64
		want    float64
	}{
		{"no games", nil, 0.2},
		{"no losses", []float64{1, 0.5, 1}, 0.1},
		{"single loss", []float64{1, 0, 1}, 0.2},
		{"mixed streaks", []float64{0, 0, 1, 0, 0.5, 0, 0, 0}, 0.4},
		{"trailing streak", []float64{1, 0, 0, 0}, 0.6},
		{"capped", []float64{0, 0, 0, 0, 0, 0, 0}, 1},
		{"rounded", []float64{0, 1, 0, 0, 1, 0, 0}, 0.333},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.InDelta(t, tc.want, StreakScore(games(tc.results...)), 1e-9)
		})
	}
}

func TestStreakScorerSortsChronologically(t *testing.T) {
	gs := games(0, 0, 1)
	// newest first, as the source lists them
	reversed := []domain.ProcessedGame{gs[2], gs[1], gs[0]}
	resp, err := StreakScorer{}.Score(context.Background(), Request{Games: reversed})
	require.NoError(t, err)
	assert.InDelta(t, 0.4, resp.Score, 1e-9)
	assert.Equal(t, SourceStreak, resp.Source)
	assert.Equal(t, 3, resp.GamesAnalyzed)

	_, err = StreakScorer{MinGames: 5}.Score(context.Background(), Request{Games: reversed})
	assert.ErrorIs(t, err, ErrNotEnoughGames)
}

func newRemote(t *testing.T, h fasthttp.RequestHandler) *HTTPScorer {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, h) }()
	t.Cleanup(func() { _ = ln.Close() })
	s, err := NewHTTPScorer("http://tilt.test/api/py_tilt", 3, nil,
		httpx.WithDial(func(string) (net.Conn, error) { return ln.Dial() }),
		httpx.WithRetry(1))
	require.NoError(t, err)
	return s
}

func TestHTTPScorerPostsAscendingGames(t *testing.T) {
	var got tiltdto.ScoreRequest
	var path string
	s := newRemote(t, func(ctx *fasthttp.RequestCtx) {
		path = string(ctx.Path())
		_ = json.Unmarshal(ctx.PostBody(), &got)
		ctx.SetContentType("application/json")
		ctx.SetBodyString(`{"stop_probability":0.72,"threshold":0.5}`)
	})

	gs := games(1, 0, 0)
	resp, err := s.Score(context.Background(), Request{Games: []domain.ProcessedGame{gs[2], gs[0], gs[1]}, PersonalModel: "bW9kZWw="})
	require.NoError(t, err)

	assert.Equal(t, "/api/py_tilt", path)
	require.Len(t, got.Games, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{got.Games[0].ID, got.Games[1].ID, got.Games[2].ID})
	assert.Equal(t, "bW9kZWw=", got.PersonalModel)
	assert.InDelta(t, 0.72, resp.Score, 1e-9)
	assert.InDelta(t, 0.5, resp.Threshold, 1e-9)
	assert.Equal(t, 3, resp.GamesAnalyzed)
	assert.Equal(t, SourceRemote, resp.Source)
}

func TestHTTPScorerFailures(t *testing.T) {
	var status atomic.Int32
	var body atomic.Value
	s := newRemote(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(int(status.Load()))
		ctx.SetBodyString(body.Load().(string))
	})
	ctx := context.Background()

	_, err := s.Score(ctx, Request{Games: games(1, 0)})
	assert.ErrorIs(t, err, ErrNotEnoughGames, "checked before any request")

	status.Store(fasthttp.StatusBadRequest)
	body.Store(`{"error":"Need at least 3 games"}`)
	_, err = s.Score(ctx, Request{Games: games(1, 0, 0)})
	assert.ErrorIs(t, err, ErrNotEnoughGames)

	status.Store(fasthttp.StatusInternalServerError)
	body.Store(`{"error":"boom"}`)
	_, err = s.Score(ctx, Request{Games: games(1, 0, 0)})
	assert.ErrorIs(t, err, ErrUnavailable)

	status.Store(fasthttp.StatusOK)
	body.Store(`{"unexpected":true}`)
	_, err = s.Score(ctx, Request{Games: games(1, 0, 0)})
	assert.ErrorIs(t, err, ErrInvalidResponse)
	assert.ErrorIs(t, err, ErrUnavailable)
}

type failing struct{ err error }

func (f failing) Score(context.Context, Request) (Response, error) { return Response{}, f.err }

func TestFallbackScorer(t *testing.T) {
	ctx := context.Background()
	req := Request{Games: games(0, 0, 1)}

	resp, err := FallbackScorer{Primary: failing{ErrUnavailable}, Fallback: StreakScorer{}}.Score(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceStreak, resp.Source)

	_, err = FallbackScorer{Primary: failing{ErrNotEnoughGames}, Fallback: StreakScorer{}}.Score(ctx, req)
	assert.True(t, errors.Is(err, ErrNotEnoughGames))

	resp, err = FallbackScorer{Fallback: StreakScorer{}}.Score(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, SourceStreak, resp.Source)
}

func TestNewHTTPScorerRejectsBadURL(t *testing.T) {
	_, err := NewHTTPScorer("not a url", 3, nil)
	assert.Error(t, err)
}
