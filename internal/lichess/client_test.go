package lichess

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttputil"

	"github.com/park285/chess-quant/internal/httpx"
)

const export = `{"id":"aaa","createdAt":1000,"lastMoveAt":2000,"players":{"white":{"user":{"name":"Alice","id":"alice"},"rating":1500,"ratingDiff":6},"black":{"user":{"name":"Bob","id":"bob"},"rating":1490,"ratingDiff":-6}},"winner":"white","moves":"e4 e5 Qh5 Nc6 Bc4 Nf6 Qxf7#","clocks":[18003,18003,17800,17700]}
not json at all
{"createdAt":1500,"moves":"d4"}

{"id":"bbb","createdAt":3000,"players":{"white":{"user":{"name":"Bob"}},"black":{"user":{"name":"Alice"}}},"moves":"d4 d5"}
`

func newTestClient(t *testing.T, h fasthttp.RequestHandler) *Client {
	t.Helper()
	ln := fasthttputil.NewInmemoryListener()
	go func() { _ = fasthttp.Serve(ln, h) }()
	t.Cleanup(func() { _ = ln.Close() })
	return New("http://lichess.test", "tok", nil,
		httpx.WithDial(func(string) (net.Conn, error) { return ln.Dial() }))
}

func TestFetchGames(t *testing.T) {
	var path, query, auth, accept string
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		path = string(ctx.Path())
		query = string(ctx.QueryArgs().QueryString())
		auth = string(ctx.Request.Header.Peek("Authorization"))
		accept = string(ctx.Request.Header.Peek("Accept"))
		ctx.SetContentType("application/x-ndjson")
		ctx.SetBodyString(export)
	})

	res, err := c.FetchGames(context.Background(), "Alice", FetchOptions{Max: 5, Since: 999, Until: 5000, Clocks: true, Evals: true, Opening: true})
	require.NoError(t, err)

	assert.Equal(t, "/api/games/user/Alice", path)
	assert.Contains(t, query, "max=5")
	assert.Contains(t, query, "since=999")
	assert.Contains(t, query, "until=5000")
	assert.Contains(t, query, "clocks=true")
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "application/x-ndjson", accept)

	require.Len(t, res.Games, 2)
	assert.Equal(t, 2, res.Skipped)
	assert.Equal(t, int64(3000), res.NewestAt)
	assert.Equal(t, min(res.Games[0].CreatedAt, res.Games[1].CreatedAt), res.OldestAt)

	first := res.Games[0]
	assert.Equal(t, "aaa", first.ID)
	assert.Equal(t, "alice", first.Players.White.UserID())
	require.NotNil(t, first.Players.Black.RatingDiff)
	assert.Equal(t, -6, *first.Players.Black.RatingDiff)
	assert.Equal(t, []int{18003, 18003, 17800, 17700}, first.Clocks)
	assert.True(t, strings.HasPrefix(first.ClockText(), "{ [%clk 0:03:00] }"))
}

func TestFetchGamesEmptyKeepsCursor(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {})
	res, err := c.FetchGames(context.Background(), "alice", FetchOptions{Since: 42})
	require.NoError(t, err)
	assert.Empty(t, res.Games)
	assert.Equal(t, int64(42), res.NewestAt)
}

func TestFetchGamesUnknownUser(t *testing.T) {
	c := newTestClient(t, func(ctx *fasthttp.RequestCtx) {
		ctx.SetStatusCode(fasthttp.StatusNotFound)
	})
	_, err := c.FetchGames(context.Background(), "ghost", DefaultFetchOptions())
	assert.True(t, errors.Is(err, ErrUserNotFound), "got %v", err)

	_, err = c.FetchGames(context.Background(), "  ", DefaultFetchOptions())
	assert.Error(t, err)
}
