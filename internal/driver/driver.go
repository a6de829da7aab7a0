// Package driver is the boundary to the browser automation layer. The
// recording engine only sees these interfaces; the chromedp implementation
// lives in cdp.go and a scriptable fake for tests in drivertest.
package driver

import (
	"context"
	"time"
)

// TargetKindPage marks targets that can be recorded.
const TargetKindPage = "page"

// TargetInfo identifies one browser target (tab).
type TargetInfo struct {
	ID   string
	Kind string
	URL  string
}

// IsPage reports whether the target is a recordable page.
func (t TargetInfo) IsPage() bool {
	return t.Kind == TargetKindPage
}

// FrameEvent is one frame-ready notification delivered through a Conn.
// Data is the decoded still-image payload (PNG or JPEG bytes).
type FrameEvent struct {
	AckID     int64
	Data      []byte
	Timestamp time.Time
}

// StreamOptions configures a frame stream.
type StreamOptions struct {
	Format    string // "png" or "jpeg"
	Quality   int
	MaxWidth  int
	MaxHeight int
}

// TargetEvents receives target lifecycle notifications. Callbacks run on
// the driver's event-dispatch goroutine and must return quickly; anything
// that can block belongs on a worker.
type TargetEvents struct {
	TargetCreated   func(TargetInfo)
	TargetDestroyed func(targetID string)
}

// Driver exposes the browser-level operations the engine needs.
type Driver interface {
	// WatchTargets registers lifecycle callbacks. At most one set is active.
	WatchTargets(ev TargetEvents)

	// NewConn creates an instrumentation connection. An empty targetID
	// yields a generic connection that is bound to a target later.
	NewConn(ctx context.Context, targetID string) (Conn, error)

	// ListTargets enumerates the browser's current targets.
	ListTargets(ctx context.Context) ([]TargetInfo, error)

	// ActiveTargetID resolves the original window to a target id, used as
	// the recovery fallback when the recorded tab disappears.
	ActiveTargetID(ctx context.Context) (string, error)

	// Close releases the browser connection.
	Close() error
}

// Conn is one instrumentation session handle, bound to at most one target
// at a time.
type Conn interface {
	// TargetID returns the bound target id, or "" for a generic connection.
	TargetID() string

	// Bind attaches the connection to a target. Prior listeners and any
	// previous attachment are discarded first.
	Bind(ctx context.Context, targetID string) error

	// OnFrame installs the frame-ready listener. A nil fn clears it.
	OnFrame(fn func(FrameEvent))

	// EnableInstrumentation switches on the page domain for this session.
	EnableInstrumentation(ctx context.Context) error

	// StartFrameStream begins frame delivery.
	StartFrameStream(ctx context.Context, opts StreamOptions) error

	// StopFrameStream halts frame delivery.
	StopFrameStream(ctx context.Context) error

	// AckFrame acknowledges a received frame. The browser stops emitting
	// frames until the previous one is acknowledged, so this must be called
	// for every FrameEvent, processed or discarded.
	AckFrame(ctx context.Context, ackID int64) error

	// Evaluate runs a script in the bound target. Used for synthetic
	// repaint triggers.
	Evaluate(ctx context.Context, script string) error

	// Healthy reports whether the connection is still usable.
	Healthy() bool

	// Close detaches and releases the connection.
	Close() error
}
