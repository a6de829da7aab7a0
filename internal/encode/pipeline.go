// Package encode turns an unbounded, bursty stream of frames into a
// finished video file by piping raw pixels to an encoder subprocess,
// overlapping capture and encoding with no intermediate disk storage.
package encode

import (
	"bufio"
	"fmt"
	"image"
	"image/draw"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	xdraw "golang.org/x/image/draw"

	"github.com/screenreel/screenreel/internal/metrics"
)

// State is the encode job lifecycle. Transitions are monotonic; no state is
// revisited.
type State int32

const (
	StateIdle State = iota
	StateStarting
	StateProcessing
	StateFinishing
	StateCompleted
	StateError
	StateShuttingDown
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStarting:
		return "starting"
	case StateProcessing:
		return "processing"
	case StateFinishing:
		return "finishing"
	case StateCompleted:
		return "completed"
	case StateError:
		return "error"
	case StateShuttingDown:
		return "shutting-down"
	default:
		return "unknown"
	}
}

// Config holds the encoder settings. Zero values fall back to defaults.
type Config struct {
	Width     int     `json:"width,omitempty" yaml:"width,omitempty"`
	Height    int     `json:"height,omitempty" yaml:"height,omitempty"`
	FrameRate float64 `json:"frameRate,omitempty" yaml:"frameRate,omitempty"`
	Codec     string  `json:"codec,omitempty" yaml:"codec,omitempty"`
	Preset    string  `json:"preset,omitempty" yaml:"preset,omitempty"`
	CRF       int     `json:"crf,omitempty" yaml:"crf,omitempty"`

	// HardwareAccel asks the encoder for an OS-appropriate hwaccel hint.
	HardwareAccel bool `json:"hardwareAccel,omitempty" yaml:"hardwareAccel,omitempty"`

	// QueueSize bounds the in-memory frame queue ahead of the encoder.
	QueueSize int `json:"queueSize,omitempty" yaml:"queueSize,omitempty"`

	// FFmpegPath locates the encoder binary.
	FFmpegPath string `json:"ffmpegPath,omitempty" yaml:"ffmpegPath,omitempty"`

	// DrainTimeout bounds the wait for the consumer to flush the queue at
	// finish time.
	DrainTimeout time.Duration `json:"drainTimeout,omitempty" yaml:"drainTimeout,omitempty"`

	// ExitTimeout bounds the wait for the subprocess to exit after its
	// input closes.
	ExitTimeout time.Duration `json:"exitTimeout,omitempty" yaml:"exitTimeout,omitempty"`

	// PollInterval is how often the consumer re-checks for end-of-stream
	// while the queue is empty.
	PollInterval time.Duration `json:"pollInterval,omitempty" yaml:"pollInterval,omitempty"`
}

// DefaultConfig returns the encoder defaults.
func DefaultConfig() Config {
	return Config{
		Width:        1280,
		Height:       720,
		FrameRate:    5,
		Codec:        "libx264",
		Preset:       "veryfast",
		CRF:          23,
		QueueSize:    100,
		FFmpegPath:   "ffmpeg",
		DrainTimeout: 30 * time.Second,
		ExitTimeout:  10 * time.Second,
		PollInterval: time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.Width <= 0 {
		c.Width = d.Width
	}
	if c.Height <= 0 {
		c.Height = d.Height
	}
	if c.FrameRate <= 0 {
		c.FrameRate = d.FrameRate
	}
	if c.Codec == "" {
		c.Codec = d.Codec
	}
	if c.Preset == "" {
		c.Preset = d.Preset
	}
	if c.CRF <= 0 {
		c.CRF = d.CRF
	}
	if c.QueueSize <= 0 {
		c.QueueSize = d.QueueSize
	}
	if c.FFmpegPath == "" {
		c.FFmpegPath = d.FFmpegPath
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = d.DrainTimeout
	}
	if c.ExitTimeout <= 0 {
		c.ExitTimeout = d.ExitTimeout
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	return c
}

// EncoderProcessError reports a non-zero encoder exit. It is surfaced in
// the Result rather than returned from FinishProcessing.
type EncoderProcessError struct {
	ExitCode int
}

func (e *EncoderProcessError) Error() string {
	return fmt.Sprintf("encoder exited with code %d", e.ExitCode)
}

// Result summarizes one finished encode job.
type Result struct {
	Success         bool
	ExitCode        int
	OutputPath      string
	FramesProcessed int64
	FramesDropped   int64
	AvgProc         time.Duration
	TotalProc       time.Duration

	// ProcessErr is set when the encoder exited non-zero.
	ProcessErr *EncoderProcessError
}

// Pipeline owns the bounded frame queue and the encoder subprocess.
type Pipeline struct {
	cfg Config
	log zerolog.Logger
	met *metrics.Metrics

	state atomic.Int32

	queue chan image.Image
	eof   atomic.Bool
	stop  chan struct{}

	consumerDone chan struct{}
	stderrDone   chan struct{}

	procMu sync.Mutex
	proc   Proc
	stdin  io.WriteCloser
	bw     *bufio.Writer

	outputPath string

	framesWritten atomic.Int64
	framesDropped atomic.Int64
	totalProcNs   atomic.Int64
	maxProcNs     atomic.Int64

	progressMu   sync.Mutex
	lastProgress string

	rawBuf []byte // reused rgb24 conversion buffer, consumer-only

	// startProc is the subprocess seam; tests swap it via SetStarter.
	startProc func(cfg Config, outputPath string) (Proc, error)
}

// New builds an idle pipeline.
func New(cfg Config, log zerolog.Logger, met *metrics.Metrics) *Pipeline {
	cfg = cfg.withDefaults()
	return &Pipeline{
		cfg:          cfg,
		log:          log.With().Str("component", "encode").Logger(),
		met:          met,
		queue:        make(chan image.Image, cfg.QueueSize),
		stop:         make(chan struct{}),
		consumerDone: make(chan struct{}),
		stderrDone:   make(chan struct{}),
		startProc:    startFFmpeg,
	}
}

// State returns the current lifecycle state.
func (p *Pipeline) State() State {
	return State(p.state.Load())
}

// SetStarter replaces the subprocess launcher. Only meaningful while idle;
// used to substitute a fake process in tests.
func (p *Pipeline) SetStarter(fn func(Config, string) (Proc, error)) {
	p.startProc = fn
}

// Configure replaces the encoder settings. Only valid while idle.
func (p *Pipeline) Configure(cfg Config) error {
	if s := p.State(); s != StateIdle {
		return fmt.Errorf("cannot configure encoder in state %s", s)
	}
	p.cfg = cfg.withDefaults()
	p.queue = make(chan image.Image, p.cfg.QueueSize)
	return nil
}

// Config returns the active configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// StartProcessing spawns the encoder subprocess writing to outputPath and
// begins consuming the frame queue.
func (p *Pipeline) StartProcessing(outputPath string) error {
	if !p.state.CompareAndSwap(int32(StateIdle), int32(StateStarting)) {
		return fmt.Errorf("cannot start encoder in state %s", p.State())
	}

	if dir := filepath.Dir(outputPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			p.state.Store(int32(StateError))
			return fmt.Errorf("creating output directory: %w", err)
		}
	}

	proc, err := p.startProc(p.cfg, outputPath)
	if err != nil {
		p.state.Store(int32(StateError))
		return fmt.Errorf("starting encoder process: %w", err)
	}

	p.procMu.Lock()
	p.proc = proc
	p.stdin = proc.Stdin()
	p.bw = bufio.NewWriterSize(p.stdin, p.cfg.Width*p.cfg.Height*3)
	p.outputPath = outputPath
	p.procMu.Unlock()

	go p.monitorStderr(proc.Stderr())
	go p.consume()

	p.state.Store(int32(StateProcessing))
	p.log.Info().Str("output", outputPath).
		Int("width", p.cfg.Width).Int("height", p.cfg.Height).
		Float64("fps", p.cfg.FrameRate).Str("codec", p.cfg.Codec).
		Msg("encode pipeline started")
	return nil
}

// AddFrame offers a frame to the encode queue. It never blocks: a full
// queue drops the frame and bumps the drop counter, because stalling the
// test under recording is worse than an occasional dropped frame. Frames
// are only accepted while processing.
func (p *Pipeline) AddFrame(img image.Image) bool {
	if p.State() != StateProcessing {
		p.log.Warn().Stringer("state", p.State()).Msg("frame rejected, encoder not processing")
		return false
	}

	select {
	case p.queue <- img:
		if p.met != nil {
			p.met.QueueDepth.Set(float64(len(p.queue)))
		}
		return true
	default:
		dropped := p.framesDropped.Add(1)
		if p.met != nil {
			p.met.FramesDropped.Inc()
		}
		if dropped%10 == 0 {
			p.log.Warn().Int64("dropped", dropped).Msg("encode queue full, dropping frames")
		}
		return false
	}
}

// FinishProcessing signals end-of-stream, drains the queue, closes the
// encoder's input and waits for it to exit. The encoder's exit status is
// reported in the Result, not as an error.
func (p *Pipeline) FinishProcessing() (Result, error) {
	if !p.state.CompareAndSwap(int32(StateProcessing), int32(StateFinishing)) {
		return Result{}, fmt.Errorf("cannot finish encoder in state %s", p.State())
	}

	p.log.Info().Msg("finishing encode")
	p.eof.Store(true)

	select {
	case <-p.consumerDone:
	case <-time.After(p.cfg.DrainTimeout):
		p.log.Warn().Msg("encode queue drain timed out, continuing")
	}

	p.procMu.Lock()
	if p.bw != nil {
		_ = p.bw.Flush()
	}
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	proc := p.proc
	p.procMu.Unlock()

	exitCode := -1
	if proc != nil {
		exitCode = p.waitProc(proc)
	}

	res := Result{
		Success:         exitCode == 0,
		ExitCode:        exitCode,
		OutputPath:      p.outputPath,
		FramesProcessed: p.framesWritten.Load(),
		FramesDropped:   p.framesDropped.Load(),
		TotalProc:       time.Duration(p.totalProcNs.Load()),
	}
	if res.FramesProcessed > 0 {
		res.AvgProc = res.TotalProc / time.Duration(res.FramesProcessed)
	}

	if exitCode == 0 {
		p.state.Store(int32(StateCompleted))
		p.log.Info().Int64("frames", res.FramesProcessed).
			Int64("dropped", res.FramesDropped).Str("output", res.OutputPath).
			Msg("encode completed")
	} else {
		res.ProcessErr = &EncoderProcessError{ExitCode: exitCode}
		p.state.Store(int32(StateError))
		p.log.Error().Int("exitCode", exitCode).Msg("encoder exited non-zero")
	}
	return res, nil
}

func (p *Pipeline) waitProc(proc Proc) int {
	type waitRes struct {
		code int
		err  error
	}
	ch := make(chan waitRes, 1)
	go func() {
		code, err := proc.Wait()
		ch <- waitRes{code, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			p.log.Error().Err(r.err).Msg("waiting for encoder")
			return -1
		}
		return r.code
	case <-time.After(p.cfg.ExitTimeout):
		p.log.Warn().Msg("encoder did not exit in time, killing")
		_ = proc.Kill()
		r := <-ch
		return r.code
	}
}

// Shutdown force-stops everything: input closed, subprocess killed, queue
// cleared. Used for abrupt teardown instead of the graceful finish path.
func (p *Pipeline) Shutdown() {
	prev := State(p.state.Swap(int32(StateShuttingDown)))
	if prev == StateShuttingDown {
		return
	}
	p.log.Info().Stringer("from", prev).Msg("encode pipeline shutting down")

	close(p.stop)

	p.procMu.Lock()
	if p.stdin != nil {
		_ = p.stdin.Close()
		p.stdin = nil
	}
	if p.proc != nil {
		_ = p.proc.Kill()
		p.proc = nil
	}
	p.procMu.Unlock()

	for {
		select {
		case <-p.queue:
		default:
			if p.met != nil {
				p.met.QueueDepth.Set(0)
			}
			return
		}
	}
}

// consume is the single writer into the encoder, preserving frame order.
func (p *Pipeline) consume() {
	defer close(p.consumerDone)

	for {
		select {
		case <-p.stop:
			return
		case img := <-p.queue:
			if p.met != nil {
				p.met.QueueDepth.Set(float64(len(p.queue)))
			}
			if err := p.writeFrame(img); err != nil {
				p.log.Error().Err(err).Msg("writing frame to encoder")
				// A teardown-induced write failure is not an encode error.
				p.state.CompareAndSwap(int32(StateProcessing), int32(StateError))
				p.state.CompareAndSwap(int32(StateFinishing), int32(StateError))
				return
			}
		case <-time.After(p.cfg.PollInterval):
			if p.eof.Load() && len(p.queue) == 0 {
				return
			}
		}
	}
}

func (p *Pipeline) writeFrame(img image.Image) error {
	start := time.Now()

	rgba := p.normalize(img)
	raw := p.toRGB24(rgba)

	p.procMu.Lock()
	bw := p.bw
	p.procMu.Unlock()
	if bw == nil {
		return fmt.Errorf("encoder input is closed")
	}
	if _, err := bw.Write(raw); err != nil {
		return err
	}
	if err := bw.Flush(); err != nil {
		return err
	}

	n := p.framesWritten.Add(1)
	d := time.Since(start)
	p.totalProcNs.Add(int64(d))
	for {
		cur := p.maxProcNs.Load()
		if int64(d) <= cur || p.maxProcNs.CompareAndSwap(cur, int64(d)) {
			break
		}
	}
	if p.met != nil {
		p.met.FramesEncoded.Inc()
	}
	if n%50 == 0 {
		p.log.Debug().Int64("frame", n).Dur("proc", d).Msg("frame encoded")
	}
	return nil
}

// normalize resizes the frame to the configured output dimensions when
// needed and lands it in an RGBA buffer.
func (p *Pipeline) normalize(img image.Image) *image.RGBA {
	target := image.Rect(0, 0, p.cfg.Width, p.cfg.Height)
	b := img.Bounds()

	if rgba, ok := img.(*image.RGBA); ok && b.Dx() == p.cfg.Width && b.Dy() == p.cfg.Height {
		return rgba
	}

	dst := image.NewRGBA(target)
	if b.Dx() == p.cfg.Width && b.Dy() == p.cfg.Height {
		draw.Draw(dst, target, img, b.Min, draw.Src)
	} else {
		xdraw.BiLinear.Scale(dst, target, img, b, xdraw.Src, nil)
	}
	return dst
}

// toRGB24 packs an RGBA buffer into the width*height*3 byte layout the
// encoder reads from its input.
func (p *Pipeline) toRGB24(img *image.RGBA) []byte {
	w, h := p.cfg.Width, p.cfg.Height
	need := w * h * 3
	if cap(p.rawBuf) < need {
		p.rawBuf = make([]byte, need)
	}
	raw := p.rawBuf[:need]

	i := 0
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w*4; x += 4 {
			raw[i] = row[x]
			raw[i+1] = row[x+1]
			raw[i+2] = row[x+2]
			i += 3
		}
	}
	return raw
}

// FramesWritten reports frames handed to the encoder so far.
func (p *Pipeline) FramesWritten() int64 { return p.framesWritten.Load() }

// FramesDropped reports frames rejected because the queue was full.
func (p *Pipeline) FramesDropped() int64 { return p.framesDropped.Load() }

// LastProgress returns the most recent progress marker from the encoder.
func (p *Pipeline) LastProgress() string {
	p.progressMu.Lock()
	defer p.progressMu.Unlock()
	return p.lastProgress
}

// monitorStderr classifies encoder diagnostics line by line and keeps the
// latest progress marker.
func (p *Pipeline) monitorStderr(r io.Reader) {
	defer close(p.stderrDone)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(lower, "error"):
			p.log.Error().Str("ffmpeg", line).Msg("encoder error output")
		case strings.Contains(lower, "warning"):
			p.log.Warn().Str("ffmpeg", line).Msg("encoder warning output")
		default:
			p.log.Debug().Str("ffmpeg", line).Msg("encoder output")
		}
		if strings.Contains(line, "frame=") {
			p.progressMu.Lock()
			p.lastProgress = line
			p.progressMu.Unlock()
		}
	}
}
