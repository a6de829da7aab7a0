// Package drivertest provides an in-memory Driver for exercising the
// engine without a browser.
package drivertest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/screenreel/screenreel/internal/driver"
)

// Fake is a scriptable driver.Driver. Target events emitted through it run
// the registered callbacks synchronously, mimicking the dispatch goroutine.
type Fake struct {
	mu      sync.Mutex
	targets map[string]driver.TargetInfo
	order   []string
	events  driver.TargetEvents
	rootID  string
	conns   []*Conn
	closed  bool

	// NewConnErr, when set, is consulted per NewConn call and may return an
	// error to simulate session-creation failure. The int is the 1-based
	// call count.
	NewConnErr func(targetID string, call int) error

	// ConnDelay delays every NewConn, simulating slow session creation.
	ConnDelay time.Duration

	// ActiveErr, when set, makes ActiveTargetID fail.
	ActiveErr error

	newConnCalls int
}

// New returns an empty fake with no targets.
func New() *Fake {
	return &Fake{targets: make(map[string]driver.TargetInfo)}
}

// AddTarget registers a target and fires the target-created event.
func (f *Fake) AddTarget(info driver.TargetInfo) {
	f.mu.Lock()
	if _, ok := f.targets[info.ID]; !ok {
		f.order = append(f.order, info.ID)
	}
	f.targets[info.ID] = info
	ev := f.events
	f.mu.Unlock()

	if ev.TargetCreated != nil {
		ev.TargetCreated(info)
	}
}

// RemoveTarget drops a target and fires the target-destroyed event.
func (f *Fake) RemoveTarget(id string) {
	f.mu.Lock()
	delete(f.targets, id)
	for i, tid := range f.order {
		if tid == id {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	ev := f.events
	f.mu.Unlock()

	if ev.TargetDestroyed != nil {
		ev.TargetDestroyed(id)
	}
}

// SetRoot marks the target id returned by ActiveTargetID.
func (f *Fake) SetRoot(id string) {
	f.mu.Lock()
	f.rootID = id
	f.mu.Unlock()
}

// NewConnCalls reports how many times NewConn was invoked.
func (f *Fake) NewConnCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.newConnCalls
}

// Conns returns every connection handed out so far.
func (f *Fake) Conns() []*Conn {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Conn(nil), f.conns...)
}

// WatchTargets implements driver.Driver.
func (f *Fake) WatchTargets(ev driver.TargetEvents) {
	f.mu.Lock()
	f.events = ev
	f.mu.Unlock()
}

// NewConn implements driver.Driver.
func (f *Fake) NewConn(ctx context.Context, targetID string) (driver.Conn, error) {
	f.mu.Lock()
	f.newConnCalls++
	call := f.newConnCalls
	hook := f.NewConnErr
	delay := f.ConnDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if hook != nil {
		if err := hook(targetID, call); err != nil {
			return nil, err
		}
	}

	c := &Conn{fake: f, targetID: targetID, healthy: true}
	if targetID != "" {
		c.binds = append(c.binds, targetID)
	} else {
		// The real driver warms a generic connection by attaching to the
		// root target up front; record that attach so tests can see it.
		f.mu.Lock()
		root := f.rootID
		f.mu.Unlock()
		if root != "" {
			c.binds = append(c.binds, root)
		}
	}
	f.mu.Lock()
	f.conns = append(f.conns, c)
	f.mu.Unlock()
	return c, nil
}

// ListTargets implements driver.Driver.
func (f *Fake) ListTargets(ctx context.Context) ([]driver.TargetInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]driver.TargetInfo, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.targets[id])
	}
	return out, nil
}

// ActiveTargetID implements driver.Driver.
func (f *Fake) ActiveTargetID(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ActiveErr != nil {
		return "", f.ActiveErr
	}
	if f.rootID != "" {
		if _, ok := f.targets[f.rootID]; ok {
			return f.rootID, nil
		}
	}
	for _, id := range f.order {
		if f.targets[id].IsPage() {
			return id, nil
		}
	}
	return "", fmt.Errorf("no page targets available")
}

// Close implements driver.Driver.
func (f *Fake) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// Conn is the fake driver.Conn.
type Conn struct {
	fake *Fake

	mu        sync.Mutex
	targetID  string
	onFrame   func(driver.FrameEvent)
	healthy   bool
	closed    bool
	streaming bool

	binds      []string
	acks       []int64
	startCalls int
	stopCalls  int

	// BindErr fails the next Bind when set.
	BindErr error
	// EvalErr fails Evaluate calls when set.
	EvalErr error

	evalCount int
}

// EmitFrame delivers a frame event to the installed listener, returning
// whether a listener was present.
func (c *Conn) EmitFrame(ackID int64, data []byte) bool {
	c.mu.Lock()
	fn := c.onFrame
	c.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(driver.FrameEvent{AckID: ackID, Data: data, Timestamp: time.Now()})
	return true
}

// SetHealthy overrides the health flag.
func (c *Conn) SetHealthy(h bool) {
	c.mu.Lock()
	c.healthy = h
	c.mu.Unlock()
}

// Acks returns the acknowledged frame ids in order.
func (c *Conn) Acks() []int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int64(nil), c.acks...)
}

// Binds returns the target ids this connection was bound to, in order.
func (c *Conn) Binds() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.binds...)
}

// StartCalls reports StartFrameStream invocations.
func (c *Conn) StartCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startCalls
}

// StopCalls reports StopFrameStream invocations.
func (c *Conn) StopCalls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopCalls
}

// EvalCount reports Evaluate invocations.
func (c *Conn) EvalCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evalCount
}

// Closed reports whether Close was called.
func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Streaming reports whether a frame stream is currently running.
func (c *Conn) Streaming() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming
}

func (c *Conn) TargetID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.targetID
}

func (c *Conn) Bind(ctx context.Context, targetID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.BindErr != nil {
		err := c.BindErr
		c.BindErr = nil
		return err
	}
	if c.closed {
		return fmt.Errorf("connection is closed")
	}
	c.onFrame = nil
	c.targetID = targetID
	c.binds = append(c.binds, targetID)
	return nil
}

func (c *Conn) OnFrame(fn func(driver.FrameEvent)) {
	c.mu.Lock()
	c.onFrame = fn
	c.mu.Unlock()
}

func (c *Conn) EnableInstrumentation(ctx context.Context) error { return nil }

func (c *Conn) StartFrameStream(ctx context.Context, opts driver.StreamOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startCalls++
	c.streaming = true
	return nil
}

func (c *Conn) StopFrameStream(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopCalls++
	c.streaming = false
	return nil
}

func (c *Conn) AckFrame(ctx context.Context, ackID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acks = append(c.acks, ackID)
	return nil
}

func (c *Conn) Evaluate(ctx context.Context, script string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.evalCount++
	return c.EvalErr
}

func (c *Conn) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.healthy && !c.closed
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.streaming = false
	c.onFrame = nil
	return nil
}
