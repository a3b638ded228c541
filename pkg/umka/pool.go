package umka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"umka-embed/internal/domain"
	"umka-embed/internal/infra/config"
	"umka-embed/internal/infra/logger"
)

// Default pool settings.
const (
	defaultPoolSize        = 4
	defaultBreakerFailures = 3
	defaultBreakerCooldown = 30 * time.Second
)

// PoolOptions configure a Pool.
type PoolOptions struct {
	// Size is the maximum number of sessions handed out at once.
	Size int
	// CreateRate limits new sessions per second. Zero means unlimited.
	CreateRate  float64
	CreateBurst int
	// BreakerFailures consecutive creation failures open the breaker for
	// BreakerCooldown, during which Acquire fails fast.
	BreakerFailures uint32
	BreakerCooldown time.Duration
	// Prepare runs on every new session before the script is loaded, to add
	// modules and host functions.
	Prepare func(*Session) error
}

// PoolOptionsFrom converts file settings.
func PoolOptionsFrom(c config.PoolConfig) (PoolOptions, error) {
	opts := PoolOptions{
		Size:            c.Size,
		CreateRate:      c.CreateRate,
		CreateBurst:     c.CreateBurst,
		BreakerFailures: uint32(max(c.BreakerFailures, 0)),
	}
	if c.BreakerCooldown != "" {
		d, err := time.ParseDuration(c.BreakerCooldown)
		if err != nil {
			return PoolOptions{}, fmt.Errorf("pool breaker cooldown: %w", err)
		}
		opts.BreakerCooldown = d
	}
	return opts, nil
}

// Pool keeps loaded sessions of one script so that independent VMs can run
// in parallel. Sessions are reused only while they are Loaded or Idle.
type Pool struct {
	cfg     Config
	src     ScriptSource
	digest  uint64
	prepare func(*Session) error
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[*Session]
	slots   chan struct{}
	logger  *slog.Logger

	mu     sync.Mutex
	idle   []*Session
	closed bool
}

// NewPool creates an empty pool. Sessions are created on demand.
func NewPool(cfg Config, src ScriptSource, opts PoolOptions) *Pool {
	if opts.Size <= 0 {
		opts.Size = defaultPoolSize
	}
	failures := opts.BreakerFailures
	if failures == 0 {
		failures = defaultBreakerFailures
	}
	cooldown := opts.BreakerCooldown
	if cooldown == 0 {
		cooldown = defaultBreakerCooldown
	}
	limit := rate.Inf
	if opts.CreateRate > 0 {
		limit = rate.Limit(opts.CreateRate)
	}
	burst := max(opts.CreateBurst, 1)

	log := cfg.Logger
	if log == nil {
		log = logger.Discard()
	}
	log = log.With("pool", src.Name)

	p := &Pool{
		cfg:     cfg,
		src:     src,
		digest:  src.Digest(),
		prepare: opts.Prepare,
		limiter: rate.NewLimiter(limit, burst),
		slots:   make(chan struct{}, opts.Size),
		logger:  log,
	}
	p.breaker = gobreaker.NewCircuitBreaker[*Session](gobreaker.Settings{
		Name:        "umka:" + src.Name,
		MaxRequests: 1,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("session creation breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	return p
}

// Acquire returns a loaded session, creating one if none is idle. It blocks
// while Size sessions are out. Every acquired session must be given back
// with Release.
func (p *Pool) Acquire(ctx context.Context) (*Session, error) {
	const op = "umka.pool.acquire"
	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, fmt.Errorf("%s: %w", op, ctx.Err())
	}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.slots
		return nil, domain.NewDomainError(op, domain.ErrInvalidState, "pool is closed")
	}
	if n := len(p.idle); n > 0 {
		s := p.idle[n-1]
		p.idle = p.idle[:n-1]
		p.mu.Unlock()
		return s, nil
	}
	p.mu.Unlock()

	s, err := p.create(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	return s, nil
}

func (p *Pool) create(ctx context.Context) (*Session, error) {
	const op = "umka.pool.create"
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s, err := p.breaker.Execute(func() (*Session, error) {
		s, err := Open(ctx, p.cfg)
		if err != nil {
			return nil, err
		}
		if p.prepare != nil {
			if err := p.prepare(s); err != nil {
				_ = s.Close()
				return nil, domain.WrapOp(op, err)
			}
		}
		if err := s.LoadScript(ctx, p.src); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError(op, domain.ErrCreationFailed, "creation circuit open: "+err.Error())
		}
		return nil, err
	}
	p.logger.Debug("pool session created", "session", s.ID())
	return s, nil
}

// Release gives a session back. Sessions that faulted, timed out or were
// closed are destroyed instead of reused.
func (p *Pool) Release(s *Session) {
	defer func() { <-p.slots }()

	st := s.State()
	reusable := (st == StateLoaded || st == StateIdle) && s.Digest() == p.digest
	if reusable {
		if d := s.Diagnostics(); len(d) > 0 {
			p.logger.Debug("discarding diagnostics of released session", "session", s.ID(), "count", len(d))
		}
	}

	p.mu.Lock()
	reuse := reusable && !p.closed
	if reuse {
		p.idle = append(p.idle, s)
	}
	p.mu.Unlock()

	if !reuse {
		p.logger.Debug("pool session discarded", "session", s.ID(), "state", st)
		_ = s.Close()
	}
}

// Do runs fn on a pooled session.
func (p *Pool) Do(ctx context.Context, fn func(*Session) error) error {
	s, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer p.Release(s)
	return fn(s)
}

// Idle is the number of sessions ready for reuse.
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Close destroys idle sessions. Sessions still out are destroyed when they
// are released.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.mu.Unlock()

	var result *multierror.Error
	for _, s := range idle {
		if err := s.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("session %s: %w", s.ID(), err))
		}
	}
	return result.ErrorOrNil()
}
