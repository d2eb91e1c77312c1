// Package lichess fetches a user's game history from the Lichess export API.
package lichess

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/domain"
	"github.com/park285/chess-quant/internal/httpx"
)

const (
	DefaultBaseURL  = "https://lichess.org"
	DefaultMaxGames = 20
	maxLineBytes    = 4 << 20
)

var ErrUserNotFound = errors.New("lichess: user not found")

type Client struct {
	http   *httpx.Client
	logger *zap.Logger
}

// New builds a client. An empty token sends anonymous requests.
func New(baseURL, token string, logger *zap.Logger, opts ...httpx.Option) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	token = strings.TrimSpace(token)
	opts = append([]httpx.Option{httpx.WithHeaderProvider(func() map[string]string {
		if token == "" {
			return nil
		}
		return map[string]string{"Authorization": "Bearer " + token}
	})}, opts...)
	return &Client{
		http:   httpx.NewClient("lichess", baseURL, opts...),
		logger: logger,
	}
}

type FetchOptions struct {
	Max int
	// Since is an epoch-ms lower bound on createdAt; zero fetches from the start.
	Since int64
	// Until is an inclusive epoch-ms upper bound; zero means now.
	Until   int64
	Clocks  bool
	Evals   bool
	Opening bool
}

// DefaultFetchOptions asks for everything the analysis pipeline reads.
func DefaultFetchOptions() FetchOptions {
	return FetchOptions{Max: DefaultMaxGames, Clocks: true, Evals: true, Opening: true}
}

type FetchResult struct {
	Games []domain.RawGame
	// NewestAt is the largest createdAt seen, or the requested Since when empty.
	NewestAt int64
	// OldestAt is the smallest createdAt seen, zero when empty.
	OldestAt int64
	Skipped  int
}

// FetchGames downloads the newest games of username as NDJSON.
func (c *Client) FetchGames(ctx context.Context, username string, opt FetchOptions) (FetchResult, error) {
	username = strings.TrimSpace(username)
	if username == "" {
		return FetchResult{}, fmt.Errorf("lichess: username required")
	}
	if opt.Max <= 0 {
		opt.Max = DefaultMaxGames
	}
	q := url.Values{}
	q.Set("max", strconv.Itoa(opt.Max))
	if opt.Since > 0 {
		q.Set("since", strconv.FormatInt(opt.Since, 10))
	}
	if opt.Until > 0 {
		q.Set("until", strconv.FormatInt(opt.Until, 10))
	}
	q.Set("clocks", strconv.FormatBool(opt.Clocks))
	q.Set("evals", strconv.FormatBool(opt.Evals))
	q.Set("opening", strconv.FormatBool(opt.Opening))

	body, err := c.http.Do(ctx, httpx.Call{
		Method: fasthttp.MethodGet,
		Path:   "/api/games/user/" + url.PathEscape(username),
		Query:  q,
		Accept: "application/x-ndjson",
		Retry:  true,
	})
	if httpx.IsStatus(err, fasthttp.StatusNotFound) {
		return FetchResult{}, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return FetchResult{}, err
	}

	games, skipped, err := ParseNDJSON(bytes.NewReader(body))
	if err != nil {
		return FetchResult{}, err
	}
	res := FetchResult{Games: games, NewestAt: opt.Since, Skipped: skipped}
	for i, g := range games {
		res.NewestAt = max(res.NewestAt, g.CreatedAt)
		if i == 0 || g.CreatedAt < res.OldestAt {
			res.OldestAt = g.CreatedAt
		}
	}
	c.logger.Info("lichess_fetch",
		zap.String("user", username),
		zap.Int("games", len(games)),
		zap.Int("skipped", skipped),
		zap.Int64("since", opt.Since),
		zap.Int64("until", opt.Until))
	return res, nil
}

// ParseNDJSON decodes one game per line. Blank lines, undecodable lines and
// records without an id are skipped and counted.
func ParseNDJSON(r io.Reader) ([]domain.RawGame, int, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var games []domain.RawGame
	skipped := 0
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var g domain.RawGame
		if err := json.Unmarshal(line, &g); err != nil || g.ID == "" {
			skipped++
			continue
		}
		games = append(games, g)
	}
	if err := sc.Err(); err != nil {
		return games, skipped, fmt.Errorf("read ndjson: %w", err)
	}
	return games, skipped, nil
}
