package driver

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/rs/zerolog"
)

// CDPOptions configures the chromedp-backed driver.
type CDPOptions struct {
	// RemoteURL connects to an already-running browser over CDP instead of
	// launching one.
	RemoteURL string

	// ExecPath overrides auto-detection of the browser binary.
	ExecPath string

	Headless  bool
	NoSandbox bool

	Logger zerolog.Logger
}

// CDP drives a Chromium browser through the DevTools protocol via chromedp.
type CDP struct {
	allocCtx    context.Context
	allocCancel context.CancelFunc
	browserCtx  context.Context
	browserStop context.CancelFunc

	log zerolog.Logger

	mu           sync.RWMutex
	events       TargetEvents
	rootTargetID string
	closed       bool
}

// NewCDP launches (or connects to) a browser and enables target discovery.
func NewCDP(ctx context.Context, opts CDPOptions) (*CDP, error) {
	var allocCtx context.Context
	var allocCancel context.CancelFunc

	if opts.RemoteURL != "" {
		allocCtx, allocCancel = chromedp.NewRemoteAllocator(ctx, opts.RemoteURL)
	} else {
		execOpts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", opts.Headless),
			chromedp.Flag("disable-gpu", true),
			chromedp.Flag("disable-dev-shm-usage", true),
		)
		if opts.NoSandbox {
			execOpts = append(execOpts, chromedp.Flag("no-sandbox", true))
		}
		if opts.ExecPath != "" {
			execOpts = append(execOpts, chromedp.ExecPath(opts.ExecPath))
		}
		allocCtx, allocCancel = chromedp.NewExecAllocator(ctx, execOpts...)
	}

	browserCtx, browserStop := chromedp.NewContext(allocCtx)

	c := &CDP{
		allocCtx:    allocCtx,
		allocCancel: allocCancel,
		browserCtx:  browserCtx,
		browserStop: browserStop,
		log:         opts.Logger.With().Str("component", "cdp-driver").Logger(),
	}

	// Starting the browser and enabling discovery in one shot. Target
	// events arrive on the browser connection from here on.
	err := chromedp.Run(browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		return target.SetDiscoverTargets(true).Do(ctx)
	}))
	if err != nil {
		browserStop()
		allocCancel()
		return nil, fmt.Errorf("starting browser: %w", err)
	}

	if tgt := chromedp.FromContext(browserCtx).Target; tgt != nil {
		c.rootTargetID = string(tgt.TargetID)
	}

	chromedp.ListenBrowser(browserCtx, c.dispatchBrowserEvent)

	return c, nil
}

// WatchTargets implements Driver.
func (c *CDP) WatchTargets(ev TargetEvents) {
	c.mu.Lock()
	c.events = ev
	c.mu.Unlock()
}

func (c *CDP) dispatchBrowserEvent(ev any) {
	c.mu.RLock()
	events := c.events
	c.mu.RUnlock()

	switch e := ev.(type) {
	case *target.EventTargetCreated:
		if events.TargetCreated != nil && e.TargetInfo != nil {
			events.TargetCreated(TargetInfo{
				ID:   string(e.TargetInfo.TargetID),
				Kind: e.TargetInfo.Type,
				URL:  e.TargetInfo.URL,
			})
		}
	case *target.EventTargetDestroyed:
		if events.TargetDestroyed != nil {
			events.TargetDestroyed(string(e.TargetID))
		}
	}
}

// NewConn implements Driver. A generic connection (empty targetID) is not
// handed back cold: it attaches to the root target immediately so the
// expensive protocol work happens at creation time, off the acquire path,
// and a later Bind only has to re-attach over the established machinery.
func (c *CDP) NewConn(ctx context.Context, targetID string) (Conn, error) {
	c.mu.RLock()
	closed := c.closed
	root := c.rootTargetID
	c.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("driver is closed")
	}

	conn := &cdpConn{parent: c.browserCtx, log: c.log}

	if targetID == "" {
		if root == "" {
			return nil, fmt.Errorf("no root target to warm a generic connection against")
		}
		if err := conn.Bind(ctx, root); err != nil {
			return nil, err
		}
		conn.markGeneric()
		return conn, nil
	}

	if err := conn.Bind(ctx, targetID); err != nil {
		return nil, err
	}
	return conn, nil
}

// ListTargets implements Driver.
func (c *CDP) ListTargets(ctx context.Context) ([]TargetInfo, error) {
	var infos []*target.Info
	err := chromedp.Run(c.browserCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		infos, err = target.GetTargets().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, fmt.Errorf("listing targets: %w", err)
	}

	out := make([]TargetInfo, 0, len(infos))
	for _, info := range infos {
		out = append(out, TargetInfo{
			ID:   string(info.TargetID),
			Kind: info.Type,
			URL:  info.URL,
		})
	}
	return out, nil
}

// ActiveTargetID implements Driver. The original window wins if it still
// exists; otherwise the first page target found.
func (c *CDP) ActiveTargetID(ctx context.Context) (string, error) {
	targets, err := c.ListTargets(ctx)
	if err != nil {
		return "", err
	}

	c.mu.RLock()
	root := c.rootTargetID
	c.mu.RUnlock()

	var firstPage string
	for _, t := range targets {
		if !t.IsPage() {
			continue
		}
		if t.ID == root {
			return root, nil
		}
		if firstPage == "" {
			firstPage = t.ID
		}
	}
	if firstPage != "" {
		return firstPage, nil
	}
	return "", fmt.Errorf("no page targets available")
}

// Navigate points the original window at a URL. Not part of Driver; the
// CLI uses it to open the page being recorded.
func (c *CDP) Navigate(ctx context.Context, url string) error {
	runCtx := c.browserCtx
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(runCtx, dl)
		defer cancel()
	}
	if err := chromedp.Run(runCtx, chromedp.Navigate(url)); err != nil {
		return fmt.Errorf("navigating to %s: %w", url, err)
	}
	return nil
}

// Close implements Driver.
func (c *CDP) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.browserStop()
	c.allocCancel()
	return nil
}

// cdpConn is a Conn attached to one target through its own chromedp context.
type cdpConn struct {
	parent context.Context
	log    zerolog.Logger

	mu       sync.RWMutex
	targetID string
	ctx      context.Context
	cancel   context.CancelFunc
	onFrame  func(FrameEvent)
	closed   bool
}

// markGeneric clears the reported target after the warm-up attach so the
// connection presents as unbound while its protocol session stays live.
func (n *cdpConn) markGeneric() {
	n.mu.Lock()
	n.targetID = ""
	n.mu.Unlock()
}

func (n *cdpConn) TargetID() string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.targetID
}

func (n *cdpConn) Bind(ctx context.Context, targetID string) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return fmt.Errorf("connection is closed")
	}
	if n.cancel != nil {
		n.cancel()
		n.ctx, n.cancel = nil, nil
	}
	n.onFrame = nil

	tctx, tcancel := chromedp.NewContext(n.parent, chromedp.WithTargetID(target.ID(targetID)))
	n.ctx, n.cancel = tctx, tcancel
	n.targetID = targetID
	n.mu.Unlock()

	// One listener for the life of the attachment; OnFrame swaps the
	// handler underneath it.
	chromedp.ListenTarget(tctx, func(ev any) {
		frame, ok := ev.(*page.EventScreencastFrame)
		if !ok {
			return
		}
		n.mu.RLock()
		fn := n.onFrame
		n.mu.RUnlock()
		if fn == nil {
			return
		}
		data, err := base64.StdEncoding.DecodeString(frame.Data)
		if err != nil {
			n.log.Error().Err(err).Msg("undecodable screencast frame payload")
			return
		}
		fn(FrameEvent{AckID: frame.SessionID, Data: data, Timestamp: time.Now()})
	})

	// Attaching happens on the first action. Bound by the caller's deadline.
	if err := n.run(ctx); err != nil {
		n.mu.Lock()
		n.cancel()
		n.ctx, n.cancel = nil, nil
		n.targetID = ""
		n.mu.Unlock()
		return fmt.Errorf("attaching to target %s: %w", targetID, err)
	}
	return nil
}

func (n *cdpConn) OnFrame(fn func(FrameEvent)) {
	n.mu.Lock()
	n.onFrame = fn
	n.mu.Unlock()
}

func (n *cdpConn) EnableInstrumentation(ctx context.Context) error {
	return n.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.Enable().Do(ctx)
	}))
}

func (n *cdpConn) StartFrameStream(ctx context.Context, opts StreamOptions) error {
	format := page.ScreencastFormatPng
	if opts.Format == "jpeg" {
		format = page.ScreencastFormatJpeg
	}
	return n.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StartScreencast().
			WithFormat(format).
			WithQuality(int64(opts.Quality)).
			WithMaxWidth(int64(opts.MaxWidth)).
			WithMaxHeight(int64(opts.MaxHeight)).
			WithEveryNthFrame(1).
			Do(ctx)
	}))
}

func (n *cdpConn) StopFrameStream(ctx context.Context) error {
	return n.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.StopScreencast().Do(ctx)
	}))
}

func (n *cdpConn) AckFrame(ctx context.Context, ackID int64) error {
	return n.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return page.ScreencastFrameAck(ackID).Do(ctx)
	}))
}

func (n *cdpConn) Evaluate(ctx context.Context, script string) error {
	return n.run(ctx, chromedp.Evaluate(script, nil))
}

func (n *cdpConn) Healthy() bool {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return !n.closed && n.ctx != nil && n.ctx.Err() == nil
}

func (n *cdpConn) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil
	}
	n.closed = true
	n.onFrame = nil
	if n.cancel != nil {
		n.cancel()
		n.ctx, n.cancel = nil, nil
	}
	return nil
}

// run executes actions on the bound target, honoring the caller's deadline.
func (n *cdpConn) run(ctx context.Context, actions ...chromedp.Action) error {
	n.mu.RLock()
	tctx := n.ctx
	n.mu.RUnlock()
	if tctx == nil {
		return fmt.Errorf("connection not bound to a target")
	}

	runCtx := tctx
	if dl, ok := ctx.Deadline(); ok {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithDeadline(tctx, dl)
		defer cancel()
	}
	return chromedp.Run(runCtx, actions...)
}
