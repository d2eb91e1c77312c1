package uci_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/park285/chess-quant/internal/chess/uci"
	"github.com/park285/chess-quant/internal/chess/uci/ucitest"
)

func dial(t *testing.T, eng *ucitest.Engine) *uci.Session {
	t.Helper()
	s, err := eng.Dial(context.Background(), uci.Options{})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHandshakeAppliesOptions(t *testing.T) {
	eng := ucitest.New(nil)
	s := dial(t, eng)
	if err := s.NewGame(context.Background()); err != nil {
		t.Fatalf("NewGame: %v", err)
	}
	joined := strings.Join(eng.Commands(), "\n")
	for _, want := range []string{"uci", "setoption name Threads value 1", "setoption name Hash value 16", "ucinewgame", "isready"} {
		if !strings.Contains(joined, want) {
			t.Fatalf("missing %q in commands:\n%s", want, joined)
		}
	}
}

func TestSearchReportsLastScore(t *testing.T) {
	eng := ucitest.New(func(moves []string) ucitest.Reply {
		return ucitest.Reply{
			Infos: []string{
				"info depth 1 seldepth 1 score cp 12 nodes 20 pv e7e5",
				"info string NNUE evaluation enabled",
				"info depth 9 currmove e7e5 currmovenumber 1",
				"info depth 10 seldepth 14 multipv 1 score cp -35 nodes 9000 pv e7e5 g1f3",
			},
			BestMove: "e7e5",
		}
	})
	s := dial(t, eng)

	resp, err := s.Search(context.Background(), uci.SearchRequest{Moves: []string{"e2e4"}, Limits: uci.Limits{Depth: 10}})
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if resp.BestMove != "e7e5" || !resp.HasScore || resp.Score.CP != -35 || resp.Depth != 10 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if len(resp.Candidates) != 1 || resp.Candidates[0].Principal[1] != "g1f3" {
		t.Fatalf("unexpected candidates: %+v", resp.Candidates)
	}
	cmds := eng.Commands()
	if !contains(cmds, "position startpos moves e2e4") || !contains(cmds, "go depth 10") {
		t.Fatalf("unexpected commands: %v", cmds)
	}
}

func TestMateScoreSaturates(t *testing.T) {
	cases := []struct {
		info string
		want int
	}{
		{"info depth 10 score mate 3 pv d8h4", uci.MateScore},
		{"info depth 10 score mate -2 pv g2g4", -uci.MateScore},
		{"info depth 0 score mate 0", -uci.MateScore},
		{"info depth 10 score cp 87 pv e2e4", 87},
	}
	for _, tc := range cases {
		eng := ucitest.New(func([]string) ucitest.Reply {
			return ucitest.Reply{Infos: []string{tc.info}}
		})
		s := dial(t, eng)
		resp, err := s.Search(context.Background(), uci.SearchRequest{Limits: uci.Limits{Depth: 10}})
		if err != nil {
			t.Fatalf("Search(%q): %v", tc.info, err)
		}
		if got := resp.Score.Centipawns(); got != tc.want {
			t.Fatalf("%q: got %d want %d", tc.info, got, tc.want)
		}
	}
}

func TestSearchTimeoutStopsEngine(t *testing.T) {
	calls := 0
	eng := ucitest.New(func([]string) ucitest.Reply {
		calls++
		if calls == 1 {
			return ucitest.Reply{Infos: []string{"info depth 3 score cp 40 pv e2e4"}, Hang: true}
		}
		return ucitest.Reply{Infos: []string{"info depth 10 score cp 5 pv e2e4"}, BestMove: "e2e4"}
	})
	s := dial(t, eng)

	resp, err := s.Search(context.Background(), uci.SearchRequest{Limits: uci.Limits{Depth: 10}, Timeout: 50 * time.Millisecond})
	if !errors.Is(err, uci.ErrSearchTimeout) {
		t.Fatalf("expected ErrSearchTimeout, got %v", err)
	}
	if !resp.HasScore || resp.Score.CP != 40 {
		t.Fatalf("expected partial score, got %+v", resp)
	}
	if !contains(eng.Commands(), "stop") {
		t.Fatalf("expected stop to be sent: %v", eng.Commands())
	}

	// the abandoned search's bestmove must not leak into the next one
	resp, err = s.Search(context.Background(), uci.SearchRequest{Limits: uci.Limits{Depth: 10}, Timeout: time.Second})
	if err != nil {
		t.Fatalf("second Search: %v", err)
	}
	if resp.Score.CP != 5 {
		t.Fatalf("expected fresh score, got %+v", resp)
	}
}

func TestSearchRequiresLimits(t *testing.T) {
	s := dial(t, ucitest.New(nil))
	if _, err := s.Search(context.Background(), uci.SearchRequest{}); err == nil {
		t.Fatalf("expected error without limits")
	}
}

func TestPoolReusesSessions(t *testing.T) {
	eng := ucitest.New(nil)
	pool, err := uci.NewPool(uci.PoolConfig{Capacity: 1, Dial: eng.Dial})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()
	first, err := pool.Acquire(ctx, uci.Options{})
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	// capacity 1: a second acquire blocks until release
	waitCtx, cancel := context.WithTimeout(ctx, 30*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(waitCtx, uci.Options{}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline while at capacity, got %v", err)
	}

	pool.Release(first, nil)
	second, err := pool.Acquire(ctx, uci.Options{})
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	if second != first {
		t.Fatalf("expected idle session to be reused")
	}

	pool.Release(second, errors.New("engine broke"))
	third, err := pool.Acquire(ctx, uci.Options{})
	if err != nil {
		t.Fatalf("Acquire after discard: %v", err)
	}
	if third == first {
		t.Fatalf("expected a fresh session after discard")
	}
	pool.Release(third, nil)
}

func TestPoolRejectsMissingBinary(t *testing.T) {
	if _, err := uci.NewPool(uci.PoolConfig{BinaryPath: "/nonexistent/stockfish"}); err == nil {
		t.Fatalf("expected error for missing binary")
	}
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}
