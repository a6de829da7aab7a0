package encode

import (
	"image"
	"image/color"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenreel/screenreel/internal/metrics"
)

// fakeProc stands in for the encoder binary. It exits when its stdin
// closes, like the real thing.
type fakeProc struct {
	stdin    *fakeStdin
	stderr   io.Reader
	exitCode int
}

func newFakeProc(exitCode int, stderr string) *fakeProc {
	return &fakeProc{
		stdin:    &fakeStdin{done: make(chan struct{})},
		stderr:   strings.NewReader(stderr),
		exitCode: exitCode,
	}
}

func (f *fakeProc) Stdin() io.WriteCloser { return f.stdin }
func (f *fakeProc) Stderr() io.Reader     { return f.stderr }

func (f *fakeProc) Wait() (int, error) {
	<-f.stdin.done
	return f.exitCode, nil
}

func (f *fakeProc) Kill() error {
	f.stdin.closeOnce()
	return nil
}

type fakeStdin struct {
	mu      sync.Mutex
	buf     []byte
	block   chan struct{} // when set, writes park here until closed
	done    chan struct{}
	closed  bool
	written int
}

func (s *fakeStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	block := s.block
	s.mu.Unlock()
	if block != nil {
		<-block
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.buf = append(s.buf, p...)
	s.written += len(p)
	return len(p), nil
}

func (s *fakeStdin) Close() error {
	s.closeOnce()
	return nil
}

func (s *fakeStdin) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func (s *fakeStdin) bytesWritten() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.written
}

func testFrame(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	return img
}

func newTestPipeline(t *testing.T, cfg Config, proc *fakeProc) *Pipeline {
	t.Helper()
	p := New(cfg, zerolog.Nop(), metrics.New())
	p.SetStarter(func(Config, string) (Proc, error) { return proc, nil })
	return p
}

func TestAddFrameRejectedWhileIdle(t *testing.T) {
	p := New(DefaultConfig(), zerolog.Nop(), nil)
	assert.False(t, p.AddFrame(testFrame(10, 10, color.RGBA{A: 255})))
	assert.Equal(t, StateIdle, p.State())
}

func TestEncodeRunProducesEveryFrame(t *testing.T) {
	cfg := Config{Width: 64, Height: 48, PollInterval: 10 * time.Millisecond}
	proc := newFakeProc(0, "")
	p := newTestPipeline(t, cfg, proc)

	out := filepath.Join(t.TempDir(), "run.mp4")
	require.NoError(t, p.StartProcessing(out))
	require.Equal(t, StateProcessing, p.State())

	const frames = 50
	accepted := 0
	for i := 0; i < frames; i++ {
		img := testFrame(64, 48, color.RGBA{R: uint8(i), G: uint8(i * 3), A: 255})
		if p.AddFrame(img) {
			accepted++
		} else {
			// Full queue; give the consumer a beat and retry once.
			time.Sleep(5 * time.Millisecond)
			if p.AddFrame(img) {
				accepted++
			}
		}
	}
	require.Equal(t, frames, accepted)

	res, err := p.FinishProcessing()
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, int64(frames), res.FramesProcessed)
	assert.Equal(t, out, res.OutputPath)
	assert.Equal(t, StateCompleted, p.State())

	// Every frame lands as exactly width*height*3 raw bytes, in order.
	assert.Equal(t, frames*64*48*3, proc.stdin.bytesWritten())
}

func TestMismatchedFramesAreResized(t *testing.T) {
	cfg := Config{Width: 32, Height: 32, PollInterval: 10 * time.Millisecond}
	proc := newFakeProc(0, "")
	p := newTestPipeline(t, cfg, proc)

	require.NoError(t, p.StartProcessing(filepath.Join(t.TempDir(), "resize.mp4")))
	require.True(t, p.AddFrame(testFrame(100, 80, color.RGBA{B: 200, A: 255})))

	res, err := p.FinishProcessing()
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.FramesProcessed)
	assert.Equal(t, 32*32*3, proc.stdin.bytesWritten())
}

func TestFullQueueDropsInsteadOfBlocking(t *testing.T) {
	cfg := Config{Width: 16, Height: 16, QueueSize: 1, PollInterval: 10 * time.Millisecond}
	proc := newFakeProc(0, "")
	release := make(chan struct{})
	proc.stdin.block = release
	p := newTestPipeline(t, cfg, proc)

	require.NoError(t, p.StartProcessing(filepath.Join(t.TempDir(), "drop.mp4")))

	img := testFrame(16, 16, color.RGBA{R: 9, A: 255})
	// First frame parks the consumer inside the blocked write; keep
	// offering until the one-slot queue is full behind it.
	require.Eventually(t, func() bool {
		return !p.AddFrame(img)
	}, time.Second, time.Millisecond)

	before := p.FramesDropped()
	assert.False(t, p.AddFrame(img))
	assert.False(t, p.AddFrame(img))
	assert.Equal(t, before+2, p.FramesDropped())

	close(release)
	res, err := p.FinishProcessing()
	require.NoError(t, err)
	assert.Equal(t, res.FramesDropped, p.FramesDropped())
	assert.GreaterOrEqual(t, res.FramesProcessed, int64(1))
}

func TestNonZeroExitReportedInResult(t *testing.T) {
	cfg := Config{Width: 16, Height: 16, PollInterval: 10 * time.Millisecond}
	proc := newFakeProc(1, "error: broken output\n")
	p := newTestPipeline(t, cfg, proc)

	require.NoError(t, p.StartProcessing(filepath.Join(t.TempDir(), "bad.mp4")))
	require.True(t, p.AddFrame(testFrame(16, 16, color.RGBA{A: 255})))

	res, err := p.FinishProcessing()
	require.NoError(t, err, "a failed encode is a result, not an error")
	assert.False(t, res.Success)
	assert.Equal(t, 1, res.ExitCode)
	require.NotNil(t, res.ProcessErr)
	assert.Equal(t, 1, res.ProcessErr.ExitCode)
	assert.Equal(t, StateError, p.State())
}

func TestStderrProgressRetained(t *testing.T) {
	cfg := Config{Width: 16, Height: 16, PollInterval: 10 * time.Millisecond}
	proc := newFakeProc(0, "frame=   10 fps=5.0 q=28.0 size=128kB time=00:00:02.00\n")
	p := newTestPipeline(t, cfg, proc)

	require.NoError(t, p.StartProcessing(filepath.Join(t.TempDir(), "prog.mp4")))
	require.Eventually(t, func() bool {
		return strings.Contains(p.LastProgress(), "frame=")
	}, time.Second, 5*time.Millisecond)

	_, err := p.FinishProcessing()
	require.NoError(t, err)
}

func TestShutdownKillsAndClears(t *testing.T) {
	cfg := Config{Width: 16, Height: 16, QueueSize: 4, PollInterval: 10 * time.Millisecond}
	proc := newFakeProc(0, "")
	release := make(chan struct{})
	proc.stdin.block = release
	p := newTestPipeline(t, cfg, proc)

	require.NoError(t, p.StartProcessing(filepath.Join(t.TempDir(), "abort.mp4")))
	for i := 0; i < 4; i++ {
		p.AddFrame(testFrame(16, 16, color.RGBA{A: 255}))
	}

	p.Shutdown()
	assert.Equal(t, StateShuttingDown, p.State())
	assert.False(t, p.AddFrame(testFrame(16, 16, color.RGBA{A: 255})))
	close(release)
}

// stubbornProc ignores its closed input and only exits when killed.
type stubbornProc struct {
	*fakeProc
	killed chan struct{}
}

func (s *stubbornProc) Wait() (int, error) {
	<-s.killed
	return 137, nil
}

func (s *stubbornProc) Kill() error {
	close(s.killed)
	return nil
}

func TestSlowExitGetsKilled(t *testing.T) {
	cfg := Config{
		Width: 16, Height: 16,
		PollInterval: 10 * time.Millisecond,
		ExitTimeout:  50 * time.Millisecond,
	}
	proc := &stubbornProc{fakeProc: newFakeProc(0, ""), killed: make(chan struct{})}
	p := New(cfg, zerolog.Nop(), metrics.New())
	p.SetStarter(func(Config, string) (Proc, error) { return proc, nil })

	require.NoError(t, p.StartProcessing(filepath.Join(t.TempDir(), "stuck.mp4")))
	require.True(t, p.AddFrame(testFrame(16, 16, color.RGBA{A: 255})))

	res, err := p.FinishProcessing()
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, 137, res.ExitCode)
	require.NotNil(t, res.ProcessErr)
}

func TestStartRejectedOutsideIdle(t *testing.T) {
	cfg := Config{Width: 16, Height: 16}
	proc := newFakeProc(0, "")
	p := newTestPipeline(t, cfg, proc)

	out := filepath.Join(t.TempDir(), "once.mp4")
	require.NoError(t, p.StartProcessing(out))
	assert.Error(t, p.StartProcessing(out))

	_, err := p.FinishProcessing()
	require.NoError(t, err)
	assert.Error(t, p.StartProcessing(out))
}

func TestBuildFFmpegArgs(t *testing.T) {
	cfg := DefaultConfig()
	args := buildFFmpegArgs(cfg, "out.mp4")
	joined := strings.Join(args, " ")

	assert.Contains(t, joined, "-f rawvideo")
	assert.Contains(t, joined, "-pix_fmt rgb24")
	assert.Contains(t, joined, "-s 1280x720")
	assert.Contains(t, joined, "-r 5")
	assert.Contains(t, joined, "-i pipe:0")
	assert.Contains(t, joined, "-c:v libx264")
	assert.Contains(t, joined, "-preset veryfast")
	assert.Contains(t, joined, "-crf 23")
	assert.Contains(t, joined, "-movflags +faststart")
	assert.NotContains(t, joined, "-hwaccel")
	assert.Equal(t, "out.mp4", args[len(args)-1])

	cfg.HardwareAccel = true
	assert.Contains(t, strings.Join(buildFFmpegArgs(cfg, "out.mp4"), " "), "-hwaccel")
}

func TestHwAccelPerOS(t *testing.T) {
	tests := []struct {
		goos string
		want string
	}{
		{"darwin", "videotoolbox"},
		{"windows", "dxva2"},
		{"linux", "vaapi"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, hwAccelForOS(tt.goos), tt.goos)
	}
}
