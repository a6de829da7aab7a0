// Package capture turns the raw, bursty, duplicate-prone stream of
// frame-ready events into a clean, monotonically sequenced stream of
// accepted frames, without ever blocking the driver's event-dispatch
// goroutine.
package capture

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"github.com/rs/zerolog"

	"github.com/screenreel/screenreel/internal/driver"
	"github.com/screenreel/screenreel/internal/metrics"
	"github.com/screenreel/screenreel/internal/sessionpool"
)

// Config holds the capture tunables. Zero values fall back to defaults.
// The dedup window and adaptive thresholds are environment-dependent, which
// is why they are configuration rather than constants.
type Config struct {
	// Workers is the size of the frame-processing worker pool.
	Workers int `json:"workers,omitempty" yaml:"workers,omitempty"`

	// QueueSize bounds the pending-job queue feeding the workers.
	QueueSize int `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`

	// DedupWindow is the recency window for duplicate suppression.
	DedupWindow time.Duration `json:"dedupWindow,omitempty" yaml:"dedupWindow,omitempty"`

	// HashMaxEntries triggers fingerprint-map cleanup when exceeded.
	HashMaxEntries int `json:"hashMaxEntries,omitempty" yaml:"hashMaxEntries,omitempty"`

	// HashTTL is the age past which fingerprints are evicted.
	HashTTL time.Duration `json:"hashTTL,omitempty" yaml:"hashTTL,omitempty"`

	// MinFrameSide rejects frames narrower or shorter than this.
	MinFrameSide int `json:"minFrameSide,omitempty" yaml:"minFrameSide,omitempty"`

	// SampleRegion is the side of the corner region inspected by the
	// blank-frame heuristic.
	SampleRegion int `json:"sampleRegion,omitempty" yaml:"sampleRegion,omitempty"`

	// DefaultInterval is the starting synthetic-repaint interval.
	DefaultInterval time.Duration `json:"defaultInterval,omitempty" yaml:"defaultInterval,omitempty"`
	MinInterval     time.Duration `json:"minInterval,omitempty" yaml:"minInterval,omitempty"`
	MaxInterval     time.Duration `json:"maxInterval,omitempty" yaml:"maxInterval,omitempty"`

	// SlowdownStep widens the interval when the success rate is poor;
	// SpeedupStep narrows it when processing is comfortably fast.
	SlowdownStep time.Duration `json:"slowdownStep,omitempty" yaml:"slowdownStep,omitempty"`
	SpeedupStep  time.Duration `json:"speedupStep,omitempty" yaml:"speedupStep,omitempty"`

	// WindowSize is the rolling performance window length.
	WindowSize int `json:"windowSize,omitempty" yaml:"windowSize,omitempty"`

	// SuccessThreshold is the rate below which the interval is widened.
	SuccessThreshold float64 `json:"successThreshold,omitempty" yaml:"successThreshold,omitempty"`

	// FastThreshold is the rate above which narrowing is considered.
	FastThreshold float64 `json:"fastThreshold,omitempty" yaml:"fastThreshold,omitempty"`

	// AdjustInterval is the period of the adaptive-interval task.
	AdjustInterval time.Duration `json:"adjustInterval,omitempty" yaml:"adjustInterval,omitempty"`

	// TriggerFailureLimit disables the DOM trigger after this many failures.
	TriggerFailureLimit int `json:"triggerFailureLimit,omitempty" yaml:"triggerFailureLimit,omitempty"`

	// TimerFailureLimit disables timed capture after this many stalls.
	TimerFailureLimit int `json:"timerFailureLimit,omitempty" yaml:"timerFailureLimit,omitempty"`

	// AckTimeout bounds each frame acknowledgement call.
	AckTimeout time.Duration `json:"ackTimeout,omitempty" yaml:"ackTimeout,omitempty"`
}

// DefaultConfig returns the capture defaults.
func DefaultConfig() Config {
	return Config{
		Workers:             3,
		QueueSize:           32,
		DedupWindow:         time.Second,
		HashMaxEntries:      100,
		HashTTL:             10 * time.Second,
		MinFrameSide:        100,
		SampleRegion:        50,
		DefaultInterval:     200 * time.Millisecond,
		MinInterval:         50 * time.Millisecond,
		MaxInterval:         time.Second,
		SlowdownStep:        50 * time.Millisecond,
		SpeedupStep:         25 * time.Millisecond,
		WindowSize:          10,
		SuccessThreshold:    0.8,
		FastThreshold:       0.95,
		AdjustInterval:      5 * time.Second,
		TriggerFailureLimit: 5,
		TimerFailureLimit:   3,
		AckTimeout:          2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.DedupWindow <= 0 {
		c.DedupWindow = d.DedupWindow
	}
	if c.HashMaxEntries <= 0 {
		c.HashMaxEntries = d.HashMaxEntries
	}
	if c.HashTTL <= 0 {
		c.HashTTL = d.HashTTL
	}
	if c.MinFrameSide <= 0 {
		c.MinFrameSide = d.MinFrameSide
	}
	if c.SampleRegion <= 0 {
		c.SampleRegion = d.SampleRegion
	}
	if c.DefaultInterval <= 0 {
		c.DefaultInterval = d.DefaultInterval
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval <= 0 {
		c.MaxInterval = d.MaxInterval
	}
	if c.SlowdownStep <= 0 {
		c.SlowdownStep = d.SlowdownStep
	}
	if c.SpeedupStep <= 0 {
		c.SpeedupStep = d.SpeedupStep
	}
	if c.WindowSize <= 0 {
		c.WindowSize = d.WindowSize
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.FastThreshold <= 0 {
		c.FastThreshold = d.FastThreshold
	}
	if c.AdjustInterval <= 0 {
		c.AdjustInterval = d.AdjustInterval
	}
	if c.TriggerFailureLimit <= 0 {
		c.TriggerFailureLimit = d.TriggerFailureLimit
	}
	if c.TimerFailureLimit <= 0 {
		c.TimerFailureLimit = d.TimerFailureLimit
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = d.AckTimeout
	}
	return c
}

// Frame is one accepted frame. Sequence numbers are assigned at acceptance,
// strictly increasing and gap-free; a Frame is never mutated afterwards.
type Frame struct {
	Seq         int64
	TargetID    string
	CapturedAt  time.Time
	Image       image.Image
	Fingerprint string
}

// Sink consumes accepted frames. The encode pipeline implements it.
type Sink interface {
	AddFrame(f Frame) bool
}

// FrameProcessingError reports a decode or validation failure on a single
// frame. The frame is dropped; the run continues.
type FrameProcessingError struct {
	Stage string
	Err   error
}

func (e *FrameProcessingError) Error() string {
	return fmt.Sprintf("frame %s failed: %v", e.Stage, e.Err)
}

func (e *FrameProcessingError) Unwrap() error { return e.Err }

// Pipeline deduplicates, validates and paces incoming frames and hands the
// accepted ones to the Sink.
type Pipeline struct {
	cfg  Config
	log  zerolog.Logger
	met  *metrics.Metrics
	sink Sink

	// OnAccepted, when set before Start, observes every accepted frame.
	OnAccepted func(Frame)

	jobs    chan frameJob
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	started bool

	seq      atomic.Int64
	emitMu   sync.Mutex   // serializes hand-off so the sink sees sequence order
	interval atomic.Int64 // nanoseconds

	dedupMu sync.Mutex
	dedup   map[string]time.Time

	window   *perfWindow
	counters statsCounters

	triggerGate *gate
	timerGate   *gate

	connMu   sync.RWMutex
	conn     driver.Conn
	targetID string
}

type frameJob struct {
	ev       driver.FrameEvent
	conn     driver.Conn
	targetID string
	received time.Time
}

// New builds a pipeline writing accepted frames to sink.
func New(sink Sink, cfg Config, log zerolog.Logger, met *metrics.Metrics) *Pipeline {
	cfg = cfg.withDefaults()
	p := &Pipeline{
		cfg:         cfg,
		log:         log.With().Str("component", "frame-capture").Logger(),
		met:         met,
		sink:        sink,
		jobs:        make(chan frameJob, cfg.QueueSize),
		dedup:       make(map[string]time.Time),
		window:      newPerfWindow(cfg.WindowSize),
		triggerGate: newGate(cfg.TriggerFailureLimit),
		timerGate:   newGate(cfg.TimerFailureLimit),
	}
	p.interval.Store(int64(cfg.DefaultInterval))
	return p
}

// Start launches the worker pool, the synthetic-repaint pacer and the
// adaptive-interval adjuster.
func (p *Pipeline) Start() {
	if p.started {
		return
	}
	p.started = true
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.wg.Add(2)
	go p.paceLoop(ctx)
	go p.adjustLoop(ctx)
}

// Stop halts the background goroutines. Pending jobs are abandoned.
func (p *Pipeline) Stop() {
	if !p.started {
		return
	}
	p.started = false
	p.cancel()
	p.wg.Wait()
}

// Attach hooks the pipeline to a session's frame events. Any previously
// attached session is detached first.
func (p *Pipeline) Attach(sess *sessionpool.Session) {
	p.Detach()

	p.connMu.Lock()
	p.conn = sess.Conn
	p.targetID = sess.TargetID
	p.connMu.Unlock()

	sess.Conn.OnFrame(p.handleFrame)
}

// Detach removes the frame listener from the current session, if any.
func (p *Pipeline) Detach() {
	p.connMu.Lock()
	conn := p.conn
	p.conn = nil
	p.targetID = ""
	p.connMu.Unlock()

	if conn != nil {
		conn.OnFrame(nil)
	}
}

// TargetID returns the currently attached target, or "".
func (p *Pipeline) TargetID() string {
	p.connMu.RLock()
	defer p.connMu.RUnlock()
	return p.targetID
}

// Accepted reports the number of frames accepted so far.
func (p *Pipeline) Accepted() int64 {
	return p.seq.Load()
}

// Stats returns a snapshot of frame-processing performance.
func (p *Pipeline) Stats() Stats {
	return p.counters.snapshot()
}

// CurrentInterval returns the current synthetic-repaint interval.
func (p *Pipeline) CurrentInterval() time.Duration {
	return time.Duration(p.interval.Load())
}

// handleFrame runs on the driver's event-dispatch goroutine. It must not
// block: duplicates are acked and dropped here, everything else is handed
// to the worker pool.
func (p *Pipeline) handleFrame(ev driver.FrameEvent) {
	p.connMu.RLock()
	conn := p.conn
	targetID := p.targetID
	p.connMu.RUnlock()
	if conn == nil {
		return
	}

	fp := fingerprint(ev.Data)
	if p.isDuplicate(fp) {
		if p.met != nil {
			p.met.FramesDuplicate.Inc()
		}
		p.log.Debug().Str("target", targetID).Msg("duplicate frame suppressed")
		go p.ack(conn, ev.AckID)
		return
	}

	job := frameJob{ev: ev, conn: conn, targetID: targetID, received: time.Now()}
	select {
	case p.jobs <- job:
	default:
		// Worker pool saturated. The frame is lost but the driver still
		// needs the ack or it stops sending.
		p.counters.record(0, false)
		p.window.add(0, false)
		if p.met != nil {
			p.met.FramesRejected.Inc()
		}
		go p.ack(conn, ev.AckID)
	}
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.process(job)
		}
	}
}

func (p *Pipeline) process(job frameJob) {
	// The ack is owed no matter how processing goes.
	defer p.ack(job.conn, job.ev.AckID)

	success := false
	start := job.received
	defer func() {
		procTime := time.Since(start)
		p.counters.record(procTime, success)
		p.window.add(procTime, success)
		if p.met != nil {
			p.met.FrameProcSecs.Observe(procTime.Seconds())
		}
	}()

	img, _, err := image.Decode(bytes.NewReader(job.ev.Data))
	if err != nil {
		perr := &FrameProcessingError{Stage: "decode", Err: err}
		p.log.Error().Err(perr).Str("target", job.targetID).Msg("dropping frame")
		if p.met != nil {
			p.met.FramesRejected.Inc()
		}
		return
	}

	if err := p.validate(img); err != nil {
		perr := &FrameProcessingError{Stage: "validation", Err: err}
		p.log.Warn().Err(perr).Str("target", job.targetID).Msg("dropping frame")
		if p.met != nil {
			p.met.FramesRejected.Inc()
		}
		return
	}

	// Sequence assignment and sink delivery happen under one lock so two
	// workers finishing out of order cannot invert the stream.
	p.emitMu.Lock()
	frame := Frame{
		Seq:         p.seq.Add(1),
		TargetID:    job.targetID,
		CapturedAt:  job.ev.Timestamp,
		Image:       img,
		Fingerprint: fingerprint(job.ev.Data),
	}
	p.sink.AddFrame(frame)
	if p.OnAccepted != nil {
		p.OnAccepted(frame)
	}
	p.emitMu.Unlock()
	if p.met != nil {
		p.met.FramesAccepted.Inc()
	}
	success = true

	if frame.Seq%50 == 0 {
		p.log.Info().Int64("frame", frame.Seq).Str("target", job.targetID).
			Dur("proc", time.Since(start)).Msg("frame accepted")
	}
}

// validate rejects implausible dimensions and fully-uniform capture regions
// (a heuristic for blank or corrupt frames).
func (p *Pipeline) validate(img image.Image) error {
	b := img.Bounds()
	if b.Dx() < p.cfg.MinFrameSide || b.Dy() < p.cfg.MinFrameSide {
		return fmt.Errorf("implausible dimensions %dx%d", b.Dx(), b.Dy())
	}

	w := min(p.cfg.SampleRegion, b.Dx())
	h := min(p.cfg.SampleRegion, b.Dy())
	first := img.At(b.Min.X, b.Min.Y)
	fr, fg, fb, fa := first.RGBA()
	for y := b.Min.Y; y < b.Min.Y+h; y++ {
		for x := b.Min.X; x < b.Min.X+w; x++ {
			r, g, bl, a := img.At(x, y).RGBA()
			if r != fr || g != fg || bl != fb || a != fa {
				return nil
			}
		}
	}
	return fmt.Errorf("uniform %dx%d sample region, likely blank capture", w, h)
}

func (p *Pipeline) ack(conn driver.Conn, ackID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.AckTimeout)
	defer cancel()
	if err := conn.AckFrame(ctx, ackID); err != nil {
		p.log.Error().Err(err).Int64("ack", ackID).Msg("frame acknowledgement failed")
	}
}

// isDuplicate reports whether the fingerprint was seen within the recency
// window, recording it otherwise.
func (p *Pipeline) isDuplicate(fp string) bool {
	now := time.Now()

	p.dedupMu.Lock()
	defer p.dedupMu.Unlock()

	if last, ok := p.dedup[fp]; ok && now.Sub(last) < p.cfg.DedupWindow {
		return true
	}
	p.dedup[fp] = now

	if len(p.dedup) > p.cfg.HashMaxEntries {
		for k, t := range p.dedup {
			if now.Sub(t) > p.cfg.HashTTL {
				delete(p.dedup, k)
			}
		}
	}
	return false
}

func fingerprint(data []byte) string {
	sum := md5.Sum(data)
	return hex.EncodeToString(sum[:])
}
