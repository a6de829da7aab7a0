// Package sessionpool hands back working instrumentation sessions within a
// bounded time, hiding the latency and flakiness of session creation behind
// pooling, timeouts and retries.
package sessionpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/screenreel/screenreel/internal/driver"
	"github.com/screenreel/screenreel/internal/metrics"
)

// Config holds the pool tunables. Zero values fall back to defaults.
type Config struct {
	// Size is the number of generic sessions the pool tries to keep warm.
	Size int `json:"size,omitempty" yaml:"size,omitempty"`

	// CreateTimeout bounds a single fresh session creation.
	CreateTimeout time.Duration `json:"createTimeout,omitempty" yaml:"createTimeout,omitempty"`

	// PoolWait is the short non-blocking-ish wait for a pooled session
	// before falling back to fresh creation.
	PoolWait time.Duration `json:"poolWait,omitempty" yaml:"poolWait,omitempty"`

	// MaxRetries is the number of acquire attempts before giving up.
	MaxRetries int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`

	// RetryDelay is the base backoff between attempts; attempt n waits
	// n*RetryDelay.
	RetryDelay time.Duration `json:"retryDelay,omitempty" yaml:"retryDelay,omitempty"`

	// MaxSessionAge evicts active sessions older than this.
	MaxSessionAge time.Duration `json:"maxSessionAge,omitempty" yaml:"maxSessionAge,omitempty"`

	// HealthInterval is the period of the health monitor.
	HealthInterval time.Duration `json:"healthInterval,omitempty" yaml:"healthInterval,omitempty"`
}

// DefaultConfig returns the pool defaults.
func DefaultConfig() Config {
	return Config{
		Size:           5,
		CreateTimeout:  3 * time.Second,
		PoolWait:       100 * time.Millisecond,
		MaxRetries:     3,
		RetryDelay:     500 * time.Millisecond,
		MaxSessionAge:  5 * time.Minute,
		HealthInterval: 5 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Size <= 0 {
		c.Size = d.Size
	}
	if c.CreateTimeout <= 0 {
		c.CreateTimeout = d.CreateTimeout
	}
	if c.PoolWait <= 0 {
		c.PoolWait = d.PoolWait
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = d.MaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.MaxSessionAge <= 0 {
		c.MaxSessionAge = d.MaxSessionAge
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	return c
}

// Session is one instrumentation session with its metadata. At most one
// active Session exists per target at a time.
type Session struct {
	ID        string
	TargetID  string
	Conn      driver.Conn
	CreatedAt time.Time
	Pooled    bool // came from the warm pool rather than a fresh create

	mu        sync.Mutex
	unhealthy bool
	released  bool
}

// Healthy reports whether the session is still usable.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.unhealthy && s.Conn.Healthy()
}

// MarkUnhealthy flags the session for eviction.
func (s *Session) MarkUnhealthy() {
	s.mu.Lock()
	s.unhealthy = true
	s.mu.Unlock()
}

// SessionCreationError reports exhausted acquire attempts for a target.
type SessionCreationError struct {
	TargetID string
	Attempts int
	Err      error
}

func (e *SessionCreationError) Error() string {
	return fmt.Sprintf("creating session for target %s failed after %d attempts: %v",
		e.TargetID, e.Attempts, e.Err)
}

func (e *SessionCreationError) Unwrap() error { return e.Err }

// Pool creates, health-checks, pools and retries per-target sessions.
type Pool struct {
	cfg Config
	drv driver.Driver
	log zerolog.Logger
	met *metrics.Metrics

	warm chan driver.Conn

	mu     sync.Mutex
	active map[string]*Session // targetID -> session
	closed bool

	stopHealth chan struct{}
	healthDone sync.WaitGroup

	stats statsCounters
}

// New builds a pool. The health monitor starts with the first Prewarm or
// can be started explicitly via StartHealthMonitor.
func New(drv driver.Driver, cfg Config, log zerolog.Logger, met *metrics.Metrics) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:        cfg,
		drv:        drv,
		log:        log.With().Str("component", "session-pool").Logger(),
		met:        met,
		warm:       make(chan driver.Conn, cfg.Size),
		active:     make(map[string]*Session),
		stopHealth: make(chan struct{}),
	}
}

// Prewarm eagerly creates up to n generic sessions in parallel. Partial
// success is fine; missing sessions simply are not available later.
func (p *Pool) Prewarm(ctx context.Context, n int) {
	if n <= 0 {
		n = p.cfg.Size
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			conn, err := p.createConn(gctx, "")
			if err != nil {
				p.log.Warn().Err(err).Msg("prewarm session creation failed")
				return nil // partial pool is acceptable
			}
			select {
			case p.warm <- conn:
				p.gaugePool()
			default:
				_ = conn.Close()
			}
			return nil
		})
	}
	_ = g.Wait()
	p.log.Info().Int("pooled", len(p.warm)).Msg("session pool prewarmed")
}

// StartHealthMonitor launches the periodic health check and replenishment
// loop. Stop it via Close.
func (p *Pool) StartHealthMonitor() {
	p.healthDone.Add(1)
	go func() {
		defer p.healthDone.Done()
		ticker := time.NewTicker(p.cfg.HealthInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.checkHealth()
			case <-p.stopHealth:
				return
			}
		}
	}()
}

// Acquire returns a working session for the target, trying the warm pool
// first and falling back to fresh creation, with retries and exponential
// backoff. All attempts exhausted yields a *SessionCreationError.
func (p *Pool) Acquire(ctx context.Context, targetID string) (*Session, error) {
	start := time.Now()
	var lastErr error

	for attempt := 1; attempt <= p.cfg.MaxRetries; attempt++ {
		conn, pooled, err := p.obtainConn(ctx, targetID)
		if err == nil {
			sess := &Session{
				ID:        uuid.NewString(),
				TargetID:  targetID,
				Conn:      conn,
				CreatedAt: time.Now(),
				Pooled:    pooled,
			}
			p.mu.Lock()
			if prev, ok := p.active[targetID]; ok {
				// Invariant: one active session per target. The stale one
				// is discarded, never pooled.
				p.log.Warn().Str("target", targetID).Msg("replacing stale active session")
				_ = prev.Conn.Close()
			}
			p.active[targetID] = sess
			p.mu.Unlock()

			p.recordCreate(time.Since(start), true)
			p.log.Info().
				Str("target", targetID).
				Bool("pooled", pooled).
				Dur("took", time.Since(start)).
				Int("attempt", attempt).
				Msg("session acquired")
			return sess, nil
		}

		lastErr = err
		p.log.Warn().Err(err).Str("target", targetID).Int("attempt", attempt).
			Msg("session acquire attempt failed")
		if attempt < p.cfg.MaxRetries {
			backoff := time.Duration(attempt) * p.cfg.RetryDelay
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				lastErr = ctx.Err()
				attempt = p.cfg.MaxRetries // exit loop
			}
		}
	}

	p.recordCreate(time.Since(start), false)
	return nil, &SessionCreationError{TargetID: targetID, Attempts: p.cfg.MaxRetries, Err: lastErr}
}

// obtainConn pops a warm connection and rebinds it, or creates a fresh one
// bound to the target. A failed rebind falls through to fresh creation.
func (p *Pool) obtainConn(ctx context.Context, targetID string) (driver.Conn, bool, error) {
	select {
	case conn := <-p.warm:
		p.gaugePool()
		if err := conn.Bind(ctx, targetID); err != nil {
			p.log.Warn().Err(err).Str("target", targetID).
				Msg("pooled session rebind failed, creating fresh")
			_ = conn.Close()
		} else {
			return conn, true, nil
		}
	case <-time.After(p.cfg.PoolWait):
	case <-ctx.Done():
		return nil, false, ctx.Err()
	}

	conn, err := p.createConn(ctx, targetID)
	if err != nil {
		return nil, false, err
	}
	return conn, false, nil
}

func (p *Pool) createConn(ctx context.Context, targetID string) (driver.Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.CreateTimeout)
	defer cancel()
	if p.met != nil {
		p.met.SessionAttempts.Inc()
	}
	conn, err := p.drv.NewConn(ctx, targetID)
	if err != nil {
		if p.met != nil {
			p.met.SessionFailures.Inc()
		}
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return conn, nil
}

// Release returns a healthy session to the warm pool as a generic session,
// or discards it. Safe to call with nil, and idempotent: releasing the same
// session twice pools its connection at most once.
func (p *Pool) Release(sess *Session) {
	if sess == nil {
		return
	}
	sess.mu.Lock()
	if sess.released {
		sess.mu.Unlock()
		return
	}
	sess.released = true
	sess.mu.Unlock()

	p.mu.Lock()
	if p.active[sess.TargetID] == sess {
		delete(p.active, sess.TargetID)
	}
	closed := p.closed
	p.mu.Unlock()

	sess.Conn.OnFrame(nil)

	if !closed && sess.Healthy() {
		select {
		case p.warm <- sess.Conn:
			p.gaugePool()
			p.log.Debug().Str("target", sess.TargetID).Msg("session returned to pool")
			return
		default:
		}
	}
	_ = sess.Conn.Close()
}

// Get returns the active session for a target, or nil.
func (p *Pool) Get(targetID string) *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[targetID]
}

// ActiveCount reports the number of active sessions.
func (p *Pool) ActiveCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// checkHealth evicts unhealthy or aged active sessions and replenishes the
// warm pool back to its configured size.
func (p *Pool) checkHealth() {
	now := time.Now()

	p.mu.Lock()
	var evict []*Session
	for id, sess := range p.active {
		if !sess.Healthy() || now.Sub(sess.CreatedAt) > p.cfg.MaxSessionAge {
			delete(p.active, id)
			evict = append(evict, sess)
		}
	}
	p.mu.Unlock()

	for _, sess := range evict {
		p.log.Warn().Str("target", sess.TargetID).Msg("evicting unhealthy or aged session")
		_ = sess.Conn.Close()
	}

	needed := p.cfg.Size - len(p.warm)
	for i := 0; i < needed; i++ {
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.CreateTimeout)
		conn, err := p.createConn(ctx, "")
		cancel()
		if err != nil {
			p.log.Warn().Err(err).Msg("pool replenishment failed")
			break
		}
		select {
		case p.warm <- conn:
			p.gaugePool()
		default:
			_ = conn.Close()
			return
		}
	}
}

// Close stops the health monitor and discards every session.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	active := make([]*Session, 0, len(p.active))
	for _, sess := range p.active {
		active = append(active, sess)
	}
	p.active = make(map[string]*Session)
	p.mu.Unlock()

	close(p.stopHealth)
	p.healthDone.Wait()

	for _, sess := range active {
		_ = sess.Conn.Close()
	}
	for {
		select {
		case conn := <-p.warm:
			_ = conn.Close()
		default:
			p.gaugePool()
			return
		}
	}
}

func (p *Pool) gaugePool() {
	if p.met != nil {
		p.met.PoolSize.Set(float64(len(p.warm)))
	}
}
