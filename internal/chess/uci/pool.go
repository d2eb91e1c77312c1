package uci

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"sync"

	"go.uber.org/zap"

	"github.com/park285/chess-quant/internal/obslog"
)

// DialFunc opens a ready session for the given options.
type DialFunc func(ctx context.Context, opt Options) (*Session, error)

type PoolConfig struct {
	BinaryPath string
	// Capacity bounds live sessions per option set; 0 picks a CPU-based default.
	Capacity int
	// Dial replaces process spawning, mainly for tests.
	Dial DialFunc
}

// Pool hands out engine sessions, one analysis job per session at a time.
type Pool struct {
	dial     DialFunc
	capacity int
	logger   *zap.Logger

	mu       sync.Mutex
	buckets  map[string]*sessionBucket
	sessions map[*Session]*sessionBucket
	closed   bool
}

var ErrPoolClosed = errors.New("uci: pool closed")

func NewPool(cfg PoolConfig) (*Pool, error) {
	dial := cfg.Dial
	if dial == nil {
		if cfg.BinaryPath == "" {
			return nil, fmt.Errorf("binary path required")
		}
		if _, err := os.Stat(cfg.BinaryPath); err != nil {
			return nil, fmt.Errorf("stockfish binary check: %w", err)
		}
		path := cfg.BinaryPath
		dial = func(ctx context.Context, opt Options) (*Session, error) {
			return NewSession(ctx, path, opt)
		}
	}

	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = defaultCapacity()
	}

	return &Pool{
		dial:     dial,
		capacity: capacity,
		logger:   obslog.L().With(zap.String("component", "uci_pool")),
		buckets:  make(map[string]*sessionBucket),
		sessions: make(map[*Session]*sessionBucket),
	}, nil
}

// Acquire returns an idle session or dials a new one, blocking while the
// option set is at capacity.
func (p *Pool) Acquire(ctx context.Context, opt Options) (*Session, error) {
	bucket, err := p.getBucket(opt)
	if err != nil {
		return nil, err
	}

	for {
		select {
		case session := <-bucket.idle:
			if p.revive(ctx, bucket, session) {
				p.track(session, bucket)
				return session, nil
			}
			continue
		default:
		}

		session, err := bucket.create(ctx, p.dial)
		if err == nil {
			p.logger.Debug("uci_session_open", zap.String("options", bucket.key))
			p.track(session, bucket)
			return session, nil
		}
		if !errors.Is(err, errBucketAtCapacity) {
			return nil, err
		}

		select {
		case session := <-bucket.idle:
			if p.revive(ctx, bucket, session) {
				p.track(session, bucket)
				return session, nil
			}
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// revive checks an idle session before reuse and discards it when dead.
func (p *Pool) revive(ctx context.Context, bucket *sessionBucket, session *Session) bool {
	if session == nil {
		return false
	}
	if err := session.EnsureReady(ctx); err != nil {
		p.logger.Warn("uci_session_dead", zap.String("options", bucket.key), zap.Error(err))
		bucket.discard(session)
		return false
	}
	return true
}

// Release returns a session to its bucket; a non-nil err discards it instead.
func (p *Pool) Release(session *Session, err error) {
	if session == nil {
		return
	}

	p.mu.Lock()
	bucket, ok := p.sessions[session]
	if !ok {
		p.mu.Unlock()
		_ = session.Close()
		return
	}
	delete(p.sessions, session)
	closed := p.closed
	p.mu.Unlock()

	if err != nil || closed || !bucket.put(session) {
		bucket.discard(session)
	}
}

func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	buckets := make([]*sessionBucket, 0, len(p.buckets))
	for _, b := range p.buckets {
		buckets = append(buckets, b)
	}
	p.mu.Unlock()

	var errs []error
	for _, bucket := range buckets {
		errs = append(errs, bucket.drain()...)
	}
	return errors.Join(errs...)
}

func (p *Pool) track(session *Session, bucket *sessionBucket) {
	p.mu.Lock()
	p.sessions[session] = bucket
	p.mu.Unlock()
}

func (p *Pool) getBucket(opt Options) (*sessionBucket, error) {
	key := optionsKey(opt)
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	bucket, ok := p.buckets[key]
	if !ok {
		bucket = newSessionBucket(key, opt, p.capacity)
		p.buckets[key] = bucket
	}
	return bucket, nil
}

type sessionBucket struct {
	key      string
	opt      Options
	capacity int

	mu      sync.Mutex
	members map[*Session]struct{}
	dialing int
	idle    chan *Session
}

var errBucketAtCapacity = errors.New("session bucket at capacity")

func newSessionBucket(key string, opt Options, capacity int) *sessionBucket {
	if capacity <= 0 {
		capacity = 1
	}
	return &sessionBucket{
		key:      key,
		opt:      opt,
		capacity: capacity,
		members:  make(map[*Session]struct{}, capacity),
		idle:     make(chan *Session, capacity),
	}
}

func (b *sessionBucket) create(ctx context.Context, dial DialFunc) (*Session, error) {
	b.mu.Lock()
	if len(b.members)+b.dialing >= b.capacity {
		b.mu.Unlock()
		return nil, errBucketAtCapacity
	}
	b.dialing++
	b.mu.Unlock()

	session, err := dial(ctx, b.opt)

	b.mu.Lock()
	b.dialing--
	if err == nil {
		b.members[session] = struct{}{}
	}
	b.mu.Unlock()
	return session, err
}

func (b *sessionBucket) put(session *Session) bool {
	select {
	case b.idle <- session:
		return true
	default:
		return false
	}
}

func (b *sessionBucket) discard(session *Session) {
	b.mu.Lock()
	delete(b.members, session)
	b.mu.Unlock()
	_ = session.Close()
}

func (b *sessionBucket) drain() []error {
	var errs []error
	for {
		select {
		case session := <-b.idle:
			if session == nil {
				continue
			}
			b.mu.Lock()
			delete(b.members, session)
			b.mu.Unlock()
			if err := session.Close(); err != nil {
				errs = append(errs, err)
			}
		default:
			return errs
		}
	}
}

func optionsKey(opt Options) string {
	return fmt.Sprintf("thr=%d|hash=%d|multipv=%d", opt.Threads, opt.HashMB, opt.MultiPV)
}

func defaultCapacity() int {
	return min(max(runtime.NumCPU()/2, 1), 4)
}
