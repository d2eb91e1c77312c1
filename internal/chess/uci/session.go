package uci

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/obslog"
)

const (
	defaultReadyTimeout  = 4 * time.Second
	newGameRetryAttempts = 3
	newGameRetryDelay    = 150 * time.Millisecond
	stopGrace            = 500 * time.Millisecond
	lineBuffer           = 256

	// MateScore is the saturating centipawn value reported for a forced mate.
	MateScore = 2000
)

var (
	ErrSearchTimeout = errors.New("uci: search timed out")
	ErrClosed        = errors.New("uci: engine output closed")
)

type Options struct {
	Threads int
	HashMB  int
	MultiPV int
}

type Limits struct {
	Depth          int
	MoveTimeMillis int
	NodeCap        int
}

// Score is an engine evaluation from the side to move.
type Score struct {
	CP     int
	Mate   int
	IsMate bool
}

// Centipawns maps mate scores to ±MateScore; mate 0 and negative mates count
// against the side to move.
func (s Score) Centipawns() int {
	if !s.IsMate {
		return s.CP
	}
	if s.Mate > 0 {
		return MateScore
	}
	return -MateScore
}

type Candidate struct {
	Move      string
	Score     Score
	Depth     int
	Principal []string
}

type Session struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	lines  chan lineResult
	done   chan struct{}
	logger *zap.Logger

	mu     sync.Mutex
	search sync.Mutex
	// stale counts searches that were abandoned before their bestmove arrived.
	stale int

	closeOnce sync.Once
}

type lineResult struct {
	line string
	err  error
}

// NewSession starts the engine binary and completes the UCI handshake.
func NewSession(ctx context.Context, binaryPath string, opt Options) (*Session, error) {
	opt, err := normalizeOptions(opt)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, binaryPath)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdin pipe: %w", err)
	}
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdoutPipe.Close()
		return nil, fmt.Errorf("start engine: %w", err)
	}

	s := newSession(stdin, stdoutPipe)
	s.cmd = cmd
	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// Attach runs the UCI handshake over an already connected engine, e.g. a
// remote engine or an in-process fake.
func Attach(ctx context.Context, stdout io.Reader, stdin io.WriteCloser, opt Options) (*Session, error) {
	opt, err := normalizeOptions(opt)
	if err != nil {
		return nil, err
	}
	s := newSession(stdin, stdout)
	if err := s.initialize(ctx, opt); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func newSession(stdin io.WriteCloser, stdout io.Reader) *Session {
	s := &Session{
		stdin:  stdin,
		lines:  make(chan lineResult, lineBuffer),
		done:   make(chan struct{}),
		logger: obslog.L().With(zap.String("component", "uci")),
	}
	go s.pump(stdout)
	return s
}

func (s *Session) pump(r io.Reader) {
	defer close(s.lines)
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadString('\n')
		if line != "" || err == nil {
			select {
			case s.lines <- lineResult{line: strings.TrimSpace(line)}:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case s.lines <- lineResult{err: err}:
			case <-s.done:
			}
			return
		}
	}
}

type SearchRequest struct {
	FEN    string
	Moves  []string
	Limits Limits

	// Timeout overrides the deadline derived from Limits.
	Timeout time.Duration
}

type SearchResponse struct {
	BestMove   string
	Score      Score
	HasScore   bool
	Depth      int
	Candidates []Candidate
}

// Search runs one search and returns the last reported score. When the
// deadline passes the engine is told to stop and the partial response is
// returned together with ErrSearchTimeout.
func (s *Session) Search(ctx context.Context, req SearchRequest) (SearchResponse, error) {
	s.search.Lock()
	defer s.search.Unlock()

	goTokens, err := buildGoTokens(req.Limits)
	if err != nil {
		return SearchResponse{}, err
	}
	positionCmd := buildPositionCommand(req.FEN, req.Moves)
	if err := s.send(positionCmd); err != nil {
		return SearchResponse{}, fmt.Errorf("send position: %w", err)
	}
	goCmd := strings.Join(goTokens, " ")
	if err := s.send(goCmd + "\n"); err != nil {
		return SearchResponse{}, fmt.Errorf("send go: %w", err)
	}

	deadline := req.Timeout
	if deadline <= 0 {
		deadline = computeSearchTimeout(req.Limits)
	}
	searchCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	var resp SearchResponse
	candidates := make(map[int]Candidate)

	for {
		line, err := s.readLine(searchCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				s.abandon(ctx)
				resp.Candidates = collapseCandidates(candidates)
				return resp, fmt.Errorf("%w after %s (plies=%d, %s)", ErrSearchTimeout, deadline, len(req.Moves), goCmd)
			}
			s.logger.Warn("uci_read_error",
				zap.Int("plies", len(req.Moves)),
				zap.String("go", goCmd),
				zap.Error(err))
			return SearchResponse{}, fmt.Errorf("read line: %w", err)
		}
		if line == "" {
			continue
		}

		switch {
		case strings.HasPrefix(line, "info "):
			info, ok := parseInfo(line)
			if !ok {
				continue
			}
			if info.multipv <= 1 {
				resp.Score = info.score
				resp.HasScore = true
				resp.Depth = info.depth
			}
			if len(info.pv) > 0 {
				candidates[info.multipv] = Candidate{
					Move:      info.pv[0],
					Score:     info.score,
					Depth:     info.depth,
					Principal: info.pv,
				}
			}
		case strings.HasPrefix(line, "bestmove"):
			if s.stale > 0 {
				s.stale--
				resp = SearchResponse{}
				clear(candidates)
				continue
			}
			if parts := strings.Fields(line); len(parts) >= 2 {
				resp.BestMove = parts[1]
			}
			resp.Candidates = collapseCandidates(candidates)
			return resp, nil
		}
	}
}

// abandon stops a running search and waits briefly for its bestmove so the
// next search starts on a clean stream.
func (s *Session) abandon(ctx context.Context) {
	if err := s.send("stop\n"); err != nil {
		s.stale++
		return
	}
	graceCtx, cancel := context.WithTimeout(ctx, stopGrace)
	defer cancel()
	for {
		line, err := s.readLine(graceCtx)
		if err != nil {
			s.stale++
			s.logger.Warn("uci_stop_unanswered", zap.Int("stale", s.stale))
			return
		}
		if strings.HasPrefix(line, "bestmove") {
			return
		}
	}
}

func buildPositionCommand(fen string, moves []string) string {
	var sb strings.Builder
	if strings.TrimSpace(fen) == "" || fen == "startpos" {
		sb.WriteString("position startpos")
	} else {
		sb.WriteString("position fen ")
		sb.WriteString(fen)
	}
	if len(moves) > 0 {
		sb.WriteString(" moves ")
		sb.WriteString(strings.Join(moves, " "))
	}
	sb.WriteString("\n")
	return sb.String()
}

func normalizeOptions(opt Options) (Options, error) {
	if opt.Threads <= 0 {
		opt.Threads = 1
	}
	if opt.HashMB == 0 {
		opt.HashMB = 16
	}
	if opt.MultiPV == 0 {
		opt.MultiPV = 1
	}
	if opt.HashMB < 0 {
		return opt, fmt.Errorf("hash size must be > 0: %d", opt.HashMB)
	}
	if opt.MultiPV < 0 {
		return opt, fmt.Errorf("multipv must be > 0: %d", opt.MultiPV)
	}
	return opt, nil
}

func buildGoTokens(l Limits) ([]string, error) {
	args := []string{"go"}
	if l.Depth > 0 {
		args = append(args, "depth", strconv.Itoa(l.Depth))
	}
	if l.MoveTimeMillis > 0 {
		args = append(args, "movetime", strconv.Itoa(l.MoveTimeMillis))
	}
	if l.NodeCap > 0 {
		args = append(args, "nodes", strconv.Itoa(l.NodeCap))
	}
	if len(args) == 1 {
		return nil, fmt.Errorf("no search limits specified")
	}
	return args, nil
}

func computeSearchTimeout(l Limits) time.Duration {
	if l.MoveTimeMillis > 0 {
		ms := l.MoveTimeMillis + 2000
		return time.Duration(ms) * time.Millisecond * 3
	}
	if l.Depth > 0 {
		base := time.Duration(l.Depth) * 300 * time.Millisecond
		return min(max(base, 6*time.Second), 20*time.Second)
	}
	return 6 * time.Second
}

type infoLine struct {
	multipv int
	depth   int
	score   Score
	pv      []string
}

// parseInfo reads "info ... score cp|mate N ... pv ..." lines; lines without a
// score (currmove, string, bound-only refreshes) are ignored.
func parseInfo(line string) (infoLine, bool) {
	parts := strings.Fields(line)
	info := infoLine{multipv: 1}
	scored := false

	for i := 1; i < len(parts); i++ {
		switch parts[i] {
		case "string":
			return infoLine{}, false
		case "depth":
			if i+1 < len(parts) {
				info.depth, _ = strconv.Atoi(parts[i+1])
				i++
			}
		case "multipv":
			if i+1 < len(parts) {
				if v, err := strconv.Atoi(parts[i+1]); err == nil {
					info.multipv = v
				}
				i++
			}
		case "score":
			if i+2 < len(parts) {
				v, err := strconv.Atoi(parts[i+2])
				if err == nil {
					switch parts[i+1] {
					case "cp":
						info.score = Score{CP: v}
						scored = true
					case "mate":
						info.score = Score{Mate: v, IsMate: true}
						scored = true
					}
				}
				i += 2
			}
		case "pv":
			info.pv = append([]string(nil), parts[i+1:]...)
			i = len(parts)
		}
	}
	return info, scored
}

func collapseCandidates(m map[int]Candidate) []Candidate {
	if len(m) == 0 {
		return nil
	}
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	result := make([]Candidate, 0, len(keys))
	for _, k := range keys {
		result = append(result, m[k])
	}
	return result
}

func (s *Session) EnsureReady(ctx context.Context) error {
	s.search.Lock()
	defer s.search.Unlock()
	return s.ensureReady(ctx)
}

func (s *Session) ensureReady(ctx context.Context) error {
	readyCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(readyCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) NewGame(ctx context.Context) error {
	s.search.Lock()
	defer s.search.Unlock()

	if err := s.send("ucinewgame\n"); err != nil {
		return fmt.Errorf("send ucinewgame: %w", err)
	}

	for attempt := 1; attempt <= newGameRetryAttempts; attempt++ {
		err := s.ensureReady(ctx)
		if err == nil {
			return nil
		}
		if attempt == newGameRetryAttempts {
			return err
		}
		s.logger.Warn("uci_ready_retry",
			zap.Int("attempt", attempt),
			zap.Int("max", newGameRetryAttempts),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(newGameRetryDelay):
		}
	}
	return nil
}

func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)

		s.mu.Lock()
		defer s.mu.Unlock()
		if s.stdin != nil {
			s.stdin.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
			err = s.cmd.Wait()
		}
	})
	return err
}

func (s *Session) initialize(ctx context.Context, opt Options) error {
	initCtx, cancel := context.WithTimeout(ctx, defaultReadyTimeout)
	defer cancel()

	if err := s.send("uci\n"); err != nil {
		return fmt.Errorf("send uci: %w", err)
	}
	if err := s.awaitToken(initCtx, "uciok"); err != nil {
		return fmt.Errorf("wait uciok: %w", err)
	}

	if err := s.applyOptions(opt); err != nil {
		return err
	}

	if err := s.send("isready\n"); err != nil {
		return fmt.Errorf("send isready: %w", err)
	}
	if err := s.awaitToken(initCtx, "readyok"); err != nil {
		return fmt.Errorf("wait readyok: %w", err)
	}
	return nil
}

func (s *Session) applyOptions(opt Options) error {
	cmds := []string{
		fmt.Sprintf("setoption name Threads value %d\n", opt.Threads),
		fmt.Sprintf("setoption name Hash value %d\n", opt.HashMB),
		fmt.Sprintf("setoption name MultiPV value %d\n", opt.MultiPV),
	}
	for _, cmd := range cmds {
		if err := s.send(cmd); err != nil {
			return fmt.Errorf("apply options: %w", err)
		}
	}
	return nil
}

func (s *Session) send(msg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := io.WriteString(s.stdin, msg)
	return err
}

func (s *Session) awaitToken(ctx context.Context, token string) error {
	for {
		line, err := s.readLine(ctx)
		if err != nil {
			return err
		}
		if strings.HasPrefix(line, "bestmove") && s.stale > 0 {
			s.stale--
			continue
		}
		if strings.Contains(line, token) {
			return nil
		}
	}
}

func (s *Session) readLine(ctx context.Context) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-s.lines:
		if !ok {
			return "", ErrClosed
		}
		return res.line, res.err
	}
}
