package sessionpool

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenreel/screenreel/internal/driver/drivertest"
)

func fastConfig() Config {
	return Config{
		Size:           2,
		CreateTimeout:  200 * time.Millisecond,
		PoolWait:       10 * time.Millisecond,
		MaxRetries:     3,
		RetryDelay:     20 * time.Millisecond,
		MaxSessionAge:  time.Minute,
		HealthInterval: 20 * time.Millisecond,
	}
}

func newTestPool(fake *drivertest.Fake, cfg Config) *Pool {
	return New(fake, cfg, zerolog.Nop(), nil)
}

func TestAcquireFreshSession(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.TargetID)
	assert.NotEmpty(t, sess.ID)
	assert.False(t, sess.Pooled)
	assert.True(t, sess.Healthy())
	assert.Equal(t, 1, p.ActiveCount())
}

func TestAcquireExhaustsRetries(t *testing.T) {
	fake := drivertest.New()
	boom := errors.New("browser said no")
	fake.NewConnErr = func(string, int) error { return boom }
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	start := time.Now()
	_, err := p.Acquire(context.Background(), "t1")
	elapsed := time.Since(start)

	var scErr *SessionCreationError
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, "t1", scErr.TargetID)
	assert.Equal(t, 3, scErr.Attempts)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 3, fake.NewConnCalls())

	// Backoff grows per attempt: 1*delay then 2*delay between the three.
	assert.GreaterOrEqual(t, elapsed, 60*time.Millisecond)
}

func TestAcquireRecoversAfterTransientFailure(t *testing.T) {
	fake := drivertest.New()
	fake.NewConnErr = func(_ string, call int) error {
		if call == 1 {
			return errors.New("transient")
		}
		return nil
	}
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", sess.TargetID)
	assert.Equal(t, 2, fake.NewConnCalls())
}

func TestPrewarmedSessionsAreRebound(t *testing.T) {
	fake := drivertest.New()
	cfg := fastConfig()
	p := newTestPool(fake, cfg)
	defer p.Close()

	p.Prewarm(context.Background(), 0)
	require.Equal(t, cfg.Size, fake.NewConnCalls())

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, sess.Pooled, "warm session should be reused")
	assert.Equal(t, cfg.Size, fake.NewConnCalls(), "no fresh create needed")
	assert.Contains(t, sess.Conn.(*drivertest.Conn).Binds(), "t1")
}

func TestPrewarmAttachesToRootUpFront(t *testing.T) {
	fake := drivertest.New()
	fake.SetRoot("root")
	cfg := fastConfig()
	p := newTestPool(fake, cfg)
	defer p.Close()

	p.Prewarm(context.Background(), 0)

	// A warm session is not a cold handle: creation already attached it,
	// so acquire only pays for the rebind.
	conns := fake.Conns()
	require.Len(t, conns, cfg.Size)
	for _, conn := range conns {
		assert.Equal(t, []string{"root"}, conn.Binds(), "warm session must attach at creation")
	}
}

func TestPrewarmToleratesPartialFailure(t *testing.T) {
	fake := drivertest.New()
	fake.NewConnErr = func(_ string, call int) error {
		if call%2 == 0 {
			return errors.New("every other create fails")
		}
		return nil
	}
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	p.Prewarm(context.Background(), 4)

	// Enough survived to serve an acquire from the pool.
	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.True(t, sess.Pooled)
}

func TestFailedRebindFallsBackToFresh(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	p.Prewarm(context.Background(), 1)
	conns := fake.Conns()
	require.Len(t, conns, 1)
	conns[0].BindErr = errors.New("target detached")

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	assert.False(t, sess.Pooled)
	assert.True(t, conns[0].Closed(), "unbindable session is discarded")
}

func TestReleaseReturnsHealthySessionToPool(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	created := fake.NewConnCalls()

	p.Release(sess)
	assert.Zero(t, p.ActiveCount())

	again, err := p.Acquire(context.Background(), "t2")
	require.NoError(t, err)
	assert.True(t, again.Pooled, "released session should come back around")
	assert.Equal(t, created, fake.NewConnCalls())
}

func TestReleaseDiscardsUnhealthySession(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	conn := sess.Conn.(*drivertest.Conn)
	sess.MarkUnhealthy()

	p.Release(sess)
	assert.True(t, conn.Closed())
}

func TestReleaseIsIdempotent(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	p.Release(sess)
	p.Release(sess)

	first, err := p.Acquire(context.Background(), "t2")
	require.NoError(t, err)
	assert.True(t, first.Pooled)

	second, err := p.Acquire(context.Background(), "t3")
	require.NoError(t, err)
	assert.False(t, second.Pooled, "a session released twice must be pooled at most once")
}

func TestSecondAcquireReplacesStaleActive(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	first, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	second, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	assert.Equal(t, 1, p.ActiveCount(), "one active session per target")
	assert.Same(t, second, p.Get("t1"))
	assert.True(t, first.Conn.(*drivertest.Conn).Closed(), "stale session is discarded, never pooled")
}

func TestHealthMonitorEvictsDeadSessions(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)
	p.StartHealthMonitor()

	sess.Conn.(*drivertest.Conn).SetHealthy(false)
	require.Eventually(t, func() bool {
		return p.ActiveCount() == 0
	}, 2*time.Second, 10*time.Millisecond, "unhealthy session should be evicted")
}

func TestStatsTrackAcquisitions(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())
	defer p.Close()

	_, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	fake.NewConnErr = func(string, int) error { return errors.New("down") }
	_, err = p.Acquire(context.Background(), "t2")
	require.Error(t, err)

	s := p.Stats()
	assert.Equal(t, int64(2), s.Attempts)
	assert.Equal(t, int64(1), s.Successes)
	assert.InDelta(t, 50.0, s.SuccessRate(), 0.01)
}

func TestCloseDiscardsEverything(t *testing.T) {
	fake := drivertest.New()
	p := newTestPool(fake, fastConfig())

	p.Prewarm(context.Background(), 2)
	sess, err := p.Acquire(context.Background(), "t1")
	require.NoError(t, err)

	p.Close()
	for _, conn := range fake.Conns() {
		assert.True(t, conn.Closed())
	}
	assert.False(t, sess.Healthy())
}
