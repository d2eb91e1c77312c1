// Package ucitest provides a scripted in-process UCI engine for tests.
package ucitest

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/park285/chess-quant/internal/chess/uci"
)

// Reply scripts the engine's answer to one "go".
type Reply struct {
	// Infos are emitted verbatim before bestmove, e.g. "info depth 10 score cp 31 pv e2e4".
	Infos    []string
	BestMove string
	// Hang withholds bestmove until "stop" arrives.
	Hang bool
	// Deaf also ignores "stop"; the search never finishes.
	Deaf bool
}

// Responder picks a reply for the position reached by moves.
type Responder func(moves []string) Reply

// CP is a Responder that answers every position with the given score.
func CP(score int) Responder {
	return func([]string) Reply {
		return Reply{Infos: []string{fmt.Sprintf("info depth 10 score cp %d pv e2e4", score)}, BestMove: "e2e4"}
	}
}

type Engine struct {
	respond Responder

	mu       sync.Mutex
	commands []string
	searches int
}

func New(respond Responder) *Engine {
	if respond == nil {
		respond = CP(0)
	}
	return &Engine{respond: respond}
}

// Commands returns every line received so far.
func (e *Engine) Commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.commands...)
}

// Searches counts "go" commands received.
func (e *Engine) Searches() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.searches
}

// Dial connects a new session to this engine. It matches uci.DialFunc.
func (e *Engine) Dial(ctx context.Context, opt uci.Options) (*uci.Session, error) {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	go e.serve(inR, outW)
	return uci.Attach(ctx, outR, inW, opt)
}

func (e *Engine) serve(in io.ReadCloser, out io.WriteCloser) {
	defer out.Close()
	defer in.Close()

	var (
		moves   []string
		pending *Reply
	)
	emit := func(lines ...string) bool {
		for _, l := range lines {
			if _, err := io.WriteString(out, l+"\n"); err != nil {
				return false
			}
		}
		return true
	}

	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		e.mu.Lock()
		e.commands = append(e.commands, line)
		e.mu.Unlock()

		ok := true
		switch {
		case line == "uci":
			ok = emit("id name ucitest", "uciok")
		case line == "isready":
			ok = emit("readyok")
		case strings.HasPrefix(line, "position"):
			moves = nil
			if idx := strings.Index(line, " moves "); idx >= 0 {
				moves = strings.Fields(line[idx+len(" moves "):])
			}
		case strings.HasPrefix(line, "go"):
			e.mu.Lock()
			e.searches++
			e.mu.Unlock()
			reply := e.respond(append([]string(nil), moves...))
			ok = emit(reply.Infos...)
			if reply.Hang || reply.Deaf {
				pending = &reply
				continue
			}
			ok = ok && emit("bestmove "+bestOf(reply))
		case line == "stop":
			if pending != nil && !pending.Deaf {
				ok = emit("bestmove " + bestOf(*pending))
			}
			pending = nil
		case line == "quit":
			return
		}
		if !ok {
			return
		}
	}
}

func bestOf(r Reply) string {
	if r.BestMove == "" {
		return "0000"
	}
	return r.BestMove
}
