// Package recorder coordinates which browser target is being recorded and
// keeps the capture and encode stages pointed at it as tabs open, close and
// crash mid-run.
package recorder

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/screenreel/screenreel/internal/capture"
	"github.com/screenreel/screenreel/internal/driver"
	"github.com/screenreel/screenreel/internal/encode"
	"github.com/screenreel/screenreel/internal/metrics"
	"github.com/screenreel/screenreel/internal/sessionpool"
)

// recoveryAttempts is how many target-resolution strategies are tried
// before declaring the recording target lost for good.
const recoveryAttempts = 3

// switchReason tags why a target switch was requested, for logs.
type switchReason string

const (
	reasonStart      switchReason = "start"
	reasonNewTab     switchReason = "new-tab"
	reasonAutoRebind switchReason = "auto-rebind"
	reasonRecovery   switchReason = "recovery"
)

type switchRequest struct {
	targetID string // empty means run recovery for lostID
	lostID   string
	reason   switchReason
}

// encodeSink adapts the encoder to the capture pipeline's sink.
type encodeSink struct {
	enc *encode.Pipeline
}

func (s encodeSink) AddFrame(f capture.Frame) bool {
	return s.enc.AddFrame(f.Image)
}

// Recorder is the target lifecycle coordinator. At most one target is
// recorded at a time; every switch and recovery is serialized through one
// worker goroutine so overlapping tab events cannot race each other.
type Recorder struct {
	cfg Config
	drv driver.Driver
	log zerolog.Logger
	met *metrics.Metrics

	pool    *sessionpool.Pool
	capture *capture.Pipeline
	encoder *encode.Pipeline

	work chan switchRequest
	done chan struct{}
	wg   sync.WaitGroup

	mu          sync.Mutex
	recording   bool
	current     *sessionpool.Session
	lastCreated string
	autoRebind  bool
	outputPath  string
	startedAt   time.Time
	lostErr     *TargetLossError

	frameMu     sync.Mutex
	frameCounts map[string]int64
}

// New wires the three stages together. Call Start before recording.
func New(drv driver.Driver, cfg Config, log zerolog.Logger) *Recorder {
	cfg = cfg.withDefaults()
	met := metrics.New()

	enc := encode.New(cfg.Encode, log, met)
	capt := capture.New(encodeSink{enc: enc}, cfg.Capture, log, met)
	pool := sessionpool.New(drv, cfg.Pool, log, met)

	r := &Recorder{
		cfg:         cfg,
		drv:         drv,
		log:         log.With().Str("component", "recorder").Logger(),
		met:         met,
		pool:        pool,
		capture:     capt,
		encoder:     enc,
		work:        make(chan switchRequest, 16),
		done:        make(chan struct{}),
		autoRebind:  cfg.AutoRebind,
		frameCounts: make(map[string]int64),
	}

	capt.OnAccepted = func(f capture.Frame) {
		r.frameMu.Lock()
		r.frameCounts[f.TargetID]++
		r.frameMu.Unlock()
	}
	return r
}

// Metrics exposes the engine-scoped collector set.
func (r *Recorder) Metrics() *metrics.Metrics { return r.met }

// Start prewarms the session pool, starts the health monitor and begins
// watching target lifecycle events.
func (r *Recorder) Start(ctx context.Context) {
	r.pool.Prewarm(ctx, 0)
	r.pool.StartHealthMonitor()

	r.drv.WatchTargets(driver.TargetEvents{
		TargetCreated:   r.onTargetCreated,
		TargetDestroyed: r.onTargetDestroyed,
	})

	r.wg.Add(1)
	go r.switchWorker()
}

// StartRecording resolves the page to record, spawns the encoder and begins
// streaming frames into it.
func (r *Recorder) StartRecording(ctx context.Context, outputPath string) error {
	r.mu.Lock()
	if r.recording {
		r.mu.Unlock()
		return fmt.Errorf("recording already in progress")
	}
	r.recording = true
	r.outputPath = outputPath
	r.startedAt = time.Now()
	r.lostErr = nil
	r.mu.Unlock()

	targetID, err := r.resolveInitialTarget(ctx)
	if err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return fmt.Errorf("resolving recording target: %w", err)
	}

	if err := r.encoder.StartProcessing(outputPath); err != nil {
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return err
	}
	r.capture.Start()

	if err := r.switchTo(ctx, targetID, reasonStart); err != nil {
		r.capture.Stop()
		r.encoder.Shutdown()
		r.mu.Lock()
		r.recording = false
		r.mu.Unlock()
		return err
	}

	r.log.Info().Str("target", targetID).Str("output", outputPath).
		Str("speed", string(r.cfg.Speed)).Msg("recording started")
	return nil
}

// resolveInitialTarget prefers the browser's active window, falling back to
// the first enumerated page.
func (r *Recorder) resolveInitialTarget(ctx context.Context) (string, error) {
	if id, err := r.drv.ActiveTargetID(ctx); err == nil && id != "" {
		return id, nil
	}

	targets, err := r.drv.ListTargets(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range targets {
		if t.IsPage() {
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("no recordable page target found")
}

// StopRecordingAndGenerateVideo halts capture, drains the encoder and
// finalizes the output file. A run with zero accepted frames yields a
// *NoFramesCapturedError and no file.
func (r *Recorder) StopRecordingAndGenerateVideo(ctx context.Context) (encode.Result, error) {
	r.mu.Lock()
	if !r.recording {
		r.mu.Unlock()
		return encode.Result{}, fmt.Errorf("no recording in progress")
	}
	r.recording = false
	sess := r.current
	r.current = nil
	output := r.outputPath
	started := r.startedAt
	r.mu.Unlock()

	if sess != nil {
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := sess.Conn.StopFrameStream(stopCtx); err != nil {
			r.log.Warn().Err(err).Msg("stopping frame stream")
		}
		cancel()
	}
	r.capture.Detach()
	r.capture.Stop()
	if sess != nil {
		r.pool.Release(sess)
	}

	if r.capture.Accepted() == 0 {
		r.encoder.Shutdown()
		err := &NoFramesCapturedError{OutputPath: output}
		r.log.Error().Err(err).Msg("recording produced nothing")
		return encode.Result{OutputPath: output}, err
	}

	res, err := r.encoder.FinishProcessing()
	if err != nil {
		return res, err
	}
	r.log.Info().Bool("success", res.Success).Int64("frames", res.FramesProcessed).
		Int64("dropped", res.FramesDropped).Str("output", res.OutputPath).
		Dur("recorded", time.Since(started)).Msg("recording stopped")
	return res, nil
}

// SetAutoRebindEnabled toggles automatic switching onto newly created tabs.
func (r *Recorder) SetAutoRebindEnabled(enabled bool) {
	r.mu.Lock()
	r.autoRebind = enabled
	r.mu.Unlock()
}

// RecordNewlyOpenedTab switches recording onto the most recently created
// tab, for flows where a test step opens its result in a new window.
func (r *Recorder) RecordNewlyOpenedTab(ctx context.Context) error {
	r.mu.Lock()
	target := r.lastCreated
	recording := r.recording
	r.mu.Unlock()

	if !recording {
		return fmt.Errorf("no recording in progress")
	}
	if target == "" {
		return fmt.Errorf("no newly opened tab observed")
	}
	return r.switchTo(ctx, target, reasonNewTab)
}

// CurrentTargetID returns the target being recorded, or "".
func (r *Recorder) CurrentTargetID() string {
	return r.capture.TargetID()
}

// TargetLost returns the terminal loss error, if recovery was exhausted.
func (r *Recorder) TargetLost() *TargetLossError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lostErr
}

// RecordingStats is a point-in-time snapshot of the run.
type RecordingStats struct {
	Recording      bool
	CurrentTarget  string
	OutputPath     string
	Elapsed        time.Duration
	FramesAccepted int64
	FramesByTarget map[string]int64
	EncoderState   encode.State
	Capture        capture.Stats
	Sessions       sessionpool.Stats
}

// Stats snapshots the recording state across all stages.
func (r *Recorder) Stats() RecordingStats {
	r.mu.Lock()
	recording := r.recording
	output := r.outputPath
	started := r.startedAt
	r.mu.Unlock()

	r.frameMu.Lock()
	byTarget := make(map[string]int64, len(r.frameCounts))
	for id, n := range r.frameCounts {
		byTarget[id] = n
	}
	r.frameMu.Unlock()

	var elapsed time.Duration
	if recording {
		elapsed = time.Since(started)
	}
	return RecordingStats{
		Recording:      recording,
		CurrentTarget:  r.capture.TargetID(),
		OutputPath:     output,
		Elapsed:        elapsed,
		FramesAccepted: r.capture.Accepted(),
		FramesByTarget: byTarget,
		EncoderState:   r.encoder.State(),
		Capture:        r.capture.Stats(),
		Sessions:       r.pool.Stats(),
	}
}

// Close tears everything down. Any in-flight recording is abandoned.
func (r *Recorder) Close() {
	close(r.done)
	r.wg.Wait()

	r.capture.Detach()
	r.capture.Stop()
	if r.encoder.State() == encode.StateProcessing {
		r.encoder.Shutdown()
	}
	r.pool.Close()
}

// onTargetCreated runs on the driver's dispatch goroutine.
func (r *Recorder) onTargetCreated(info driver.TargetInfo) {
	if !info.IsPage() {
		return
	}

	r.mu.Lock()
	r.lastCreated = info.ID
	rebind := r.autoRebind && r.recording
	r.mu.Unlock()

	r.log.Debug().Str("target", info.ID).Str("url", info.URL).Msg("target created")
	if rebind {
		r.enqueue(switchRequest{targetID: info.ID, reason: reasonAutoRebind})
	}
}

// onTargetDestroyed runs on the driver's dispatch goroutine. Losing the
// recorded target kicks off recovery; losing any other target is only
// bookkeeping.
func (r *Recorder) onTargetDestroyed(targetID string) {
	r.log.Debug().Str("target", targetID).Msg("target destroyed")

	r.mu.Lock()
	if targetID == r.lastCreated {
		r.lastCreated = ""
	}
	recording := r.recording
	r.mu.Unlock()

	if recording && r.capture.TargetID() == targetID {
		r.log.Warn().Str("target", targetID).Msg("recording target lost, attempting recovery")
		r.enqueue(switchRequest{lostID: targetID, reason: reasonRecovery})
	}
}

func (r *Recorder) enqueue(req switchRequest) {
	select {
	case r.work <- req:
	default:
		r.log.Error().Str("reason", string(req.reason)).
			Msg("switch queue full, dropping request")
	}
}

// switchWorker serializes all target switches and recoveries.
func (r *Recorder) switchWorker() {
	defer r.wg.Done()
	for {
		select {
		case <-r.done:
			return
		case req := <-r.work:
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if req.reason == reasonRecovery {
				r.recoverFrom(ctx, req.lostID)
			} else if err := r.switchTo(ctx, req.targetID, req.reason); err != nil {
				r.log.Error().Err(err).Str("target", req.targetID).
					Str("reason", string(req.reason)).Msg("target switch failed")
			}
			cancel()
		}
	}
}

// switchTo moves recording to targetID: the old session's stream stops and
// the session goes back to the pool, then a fresh session starts streaming
// from the new target. Capture and encode keep running throughout, so
// frames from both targets land in the same video.
func (r *Recorder) switchTo(ctx context.Context, targetID string, reason switchReason) error {
	// Claim the session while still holding the lock so a concurrent stop
	// cannot release the same session a second time.
	r.mu.Lock()
	old := r.current
	if old != nil && old.TargetID == targetID {
		r.mu.Unlock()
		return nil
	}
	r.current = nil
	r.mu.Unlock()

	if old != nil {
		r.capture.Detach()
		stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := old.Conn.StopFrameStream(stopCtx); err != nil {
			r.log.Warn().Err(err).Str("target", old.TargetID).Msg("stopping old frame stream")
		}
		cancel()
		r.pool.Release(old)
	}

	sess, err := r.pool.Acquire(ctx, targetID)
	if err != nil {
		return err
	}

	if err := sess.Conn.EnableInstrumentation(ctx); err != nil {
		r.pool.Release(sess)
		return fmt.Errorf("enabling instrumentation on %s: %w", targetID, err)
	}

	r.capture.Attach(sess)

	opts := driver.StreamOptions{
		Format:    r.cfg.Stream.Format,
		Quality:   r.cfg.Stream.Quality,
		MaxWidth:  r.cfg.Stream.MaxWidth,
		MaxHeight: r.cfg.Stream.MaxHeight,
	}
	if err := sess.Conn.StartFrameStream(ctx, opts); err != nil {
		r.capture.Detach()
		sess.MarkUnhealthy()
		r.pool.Release(sess)
		return fmt.Errorf("starting frame stream on %s: %w", targetID, err)
	}

	r.mu.Lock()
	r.current = sess
	r.mu.Unlock()

	r.log.Info().Str("target", targetID).Str("reason", string(reason)).
		Msg("recording target switched")
	return nil
}

// recoverFrom runs the recovery ladder after the recorded target vanished:
// another live page first, then the original window, then one more
// enumeration pass. Exhausting all three marks the recording as
// target-lost; frames captured so far are kept and the run continues to a
// normal stop.
func (r *Recorder) recoverFrom(ctx context.Context, lostID string) {
	r.mu.Lock()
	if r.current != nil && r.current.TargetID == lostID {
		// The session died with its target; nothing to stop or pool.
		r.current.MarkUnhealthy()
		r.pool.Release(r.current)
		r.current = nil
	}
	recording := r.recording
	r.mu.Unlock()
	r.capture.Detach()

	if !recording {
		return
	}

	if id, ok := r.findReplacement(ctx, lostID); ok {
		if err := r.switchTo(ctx, id, reasonRecovery); err == nil {
			r.log.Info().Str("from", lostID).Str("to", id).Msg("recovered onto replacement target")
			return
		}
	}

	if id, err := r.drv.ActiveTargetID(ctx); err == nil && id != "" && id != lostID {
		if err := r.switchTo(ctx, id, reasonRecovery); err == nil {
			r.log.Info().Str("from", lostID).Str("to", id).Msg("recovered onto original window")
			return
		}
	} else if err != nil {
		r.log.Warn().Err(err).Msg("original window lookup failed during recovery")
	}

	// One last enumeration in case a target appeared while we were trying.
	if id, ok := r.findReplacement(ctx, lostID); ok {
		if err := r.switchTo(ctx, id, reasonRecovery); err == nil {
			r.log.Info().Str("from", lostID).Str("to", id).Msg("recovered on final retry")
			return
		}
	}

	lossErr := &TargetLossError{LostTargetID: lostID, Attempts: recoveryAttempts}
	r.mu.Lock()
	r.lostErr = lossErr
	r.mu.Unlock()
	r.log.Error().Err(lossErr).Int64("framesKept", r.capture.Accepted()).
		Msg("recovery exhausted, keeping captured frames")
}

func (r *Recorder) findReplacement(ctx context.Context, lostID string) (string, bool) {
	targets, err := r.drv.ListTargets(ctx)
	if err != nil {
		r.log.Warn().Err(err).Msg("target enumeration failed during recovery")
		return "", false
	}
	for _, t := range targets {
		if t.IsPage() && t.ID != lostID {
			return t.ID, true
		}
	}
	return "", false
}
