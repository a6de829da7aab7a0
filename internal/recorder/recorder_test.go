package recorder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/screenreel/screenreel/internal/driver"
	"github.com/screenreel/screenreel/internal/driver/drivertest"
	"github.com/screenreel/screenreel/internal/encode"
)

// stubProc is a minimal encode.Proc: swallows frames, exits cleanly when
// its input closes.
type stubProc struct {
	stdin *stubStdin
}

func newStubProc() *stubProc {
	return &stubProc{stdin: &stubStdin{done: make(chan struct{})}}
}

func (s *stubProc) Stdin() io.WriteCloser { return s.stdin }
func (s *stubProc) Stderr() io.Reader     { return bytes.NewReader(nil) }
func (s *stubProc) Wait() (int, error) {
	<-s.stdin.done
	return 0, nil
}
func (s *stubProc) Kill() error {
	s.stdin.closeOnce()
	return nil
}

type stubStdin struct {
	mu     sync.Mutex
	n      int
	closed bool
	done   chan struct{}
}

func (s *stubStdin) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, io.ErrClosedPipe
	}
	s.n += len(p)
	return len(p), nil
}

func (s *stubStdin) Close() error {
	s.closeOnce()
	return nil
}

func (s *stubStdin) closeOnce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.done)
	}
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pool.Size = 1
	cfg.Pool.PoolWait = 10 * time.Millisecond
	cfg.Pool.RetryDelay = 10 * time.Millisecond
	cfg.Pool.CreateTimeout = 200 * time.Millisecond
	cfg.Encode.Width = 64
	cfg.Encode.Height = 48
	cfg.Encode.PollInterval = 10 * time.Millisecond
	return cfg
}

func newTestRecorder(t *testing.T, fake *drivertest.Fake, cfg Config) *Recorder {
	t.Helper()
	r := New(fake, cfg, zerolog.Nop())
	r.encoder.SetStarter(func(encode.Config, string) (encode.Proc, error) {
		return newStubProc(), nil
	})
	r.Start(context.Background())
	t.Cleanup(r.Close)
	return r
}

func pagePNG(t *testing.T, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 160, 120))
	for y := 0; y < 120; y++ {
		for x := 0; x < 160; x++ {
			img.SetRGBA(x, y, color.RGBA{R: uint8(x) + seed, G: uint8(y), B: seed, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// streamingConn finds the connection currently streaming from a target.
func streamingConn(fake *drivertest.Fake, targetID string) *drivertest.Conn {
	for _, c := range fake.Conns() {
		if c.TargetID() == targetID && c.Streaming() {
			return c
		}
	}
	return nil
}

func addPage(fake *drivertest.Fake, id string) {
	fake.AddTarget(driver.TargetInfo{ID: id, Kind: driver.TargetKindPage, URL: "https://example.com/" + id})
}

func TestRecordAndStopProducesVideo(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	fake.SetRoot("root")
	r := newTestRecorder(t, fake, testConfig())

	out := filepath.Join(t.TempDir(), "run.mp4")
	require.NoError(t, r.StartRecording(context.Background(), out))
	require.Equal(t, "root", r.CurrentTargetID())

	conn := streamingConn(fake, "root")
	require.NotNil(t, conn)
	for i := 0; i < 5; i++ {
		require.True(t, conn.EmitFrame(int64(i+1), pagePNG(t, uint8(i*10))))
	}
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 5
	}, 3*time.Second, 10*time.Millisecond)

	res, err := r.StopRecordingAndGenerateVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(5), res.FramesProcessed)
	assert.Equal(t, out, res.OutputPath)
}

func TestStartRecordingTwiceRejected(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	r := newTestRecorder(t, fake, testConfig())

	out := filepath.Join(t.TempDir(), "run.mp4")
	require.NoError(t, r.StartRecording(context.Background(), out))
	assert.Error(t, r.StartRecording(context.Background(), out))
}

func TestNoFramesCapturedYieldsNoVideo(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	r := newTestRecorder(t, fake, testConfig())

	out := filepath.Join(t.TempDir(), "empty.mp4")
	require.NoError(t, r.StartRecording(context.Background(), out))

	_, err := r.StopRecordingAndGenerateVideo(context.Background())
	var nfErr *NoFramesCapturedError
	require.ErrorAs(t, err, &nfErr)
	assert.Equal(t, out, nfErr.OutputPath)
}

func TestSwitchToNewlyOpenedTab(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	fake.SetRoot("root")
	r := newTestRecorder(t, fake, testConfig())

	require.NoError(t, r.StartRecording(context.Background(), filepath.Join(t.TempDir(), "switch.mp4")))
	oldConn := streamingConn(fake, "root")
	require.NotNil(t, oldConn)
	require.True(t, oldConn.EmitFrame(1, pagePNG(t, 1)))
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 1
	}, 3*time.Second, 10*time.Millisecond)

	addPage(fake, "popup")
	require.NoError(t, r.RecordNewlyOpenedTab(context.Background()))

	require.Eventually(t, func() bool {
		return r.CurrentTargetID() == "popup"
	}, 3*time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, oldConn.StopCalls(), 1, "old stream must be stopped")

	newConn := streamingConn(fake, "popup")
	require.NotNil(t, newConn)
	require.True(t, newConn.EmitFrame(2, pagePNG(t, 99)))

	// Frames from both tabs accumulate into the same run.
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 2
	}, 3*time.Second, 10*time.Millisecond)
	stats := r.Stats()
	assert.Equal(t, int64(1), stats.FramesByTarget["root"])
	assert.Equal(t, int64(1), stats.FramesByTarget["popup"])

	res, err := r.StopRecordingAndGenerateVideo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.FramesProcessed)
}

func TestRecordNewlyOpenedTabWithoutOne(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	r := newTestRecorder(t, fake, testConfig())

	require.NoError(t, r.StartRecording(context.Background(), filepath.Join(t.TempDir(), "x.mp4")))
	assert.Error(t, r.RecordNewlyOpenedTab(context.Background()))
}

func TestAutoRebindFollowsNewTabs(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	fake.SetRoot("root")
	cfg := testConfig()
	cfg.AutoRebind = true
	r := newTestRecorder(t, fake, cfg)

	require.NoError(t, r.StartRecording(context.Background(), filepath.Join(t.TempDir(), "auto.mp4")))
	addPage(fake, "popup")

	require.Eventually(t, func() bool {
		return r.CurrentTargetID() == "popup"
	}, 3*time.Second, 10*time.Millisecond)
}

func TestRecoveryOntoRemainingPage(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	addPage(fake, "other")
	fake.SetRoot("root")
	r := newTestRecorder(t, fake, testConfig())

	require.NoError(t, r.StartRecording(context.Background(), filepath.Join(t.TempDir(), "rec.mp4")))
	require.Equal(t, "root", r.CurrentTargetID())

	conn := streamingConn(fake, "root")
	require.NotNil(t, conn)
	require.True(t, conn.EmitFrame(1, pagePNG(t, 5)))
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 1
	}, 3*time.Second, 10*time.Millisecond)

	fake.RemoveTarget("root")

	require.Eventually(t, func() bool {
		return r.CurrentTargetID() == "other"
	}, 3*time.Second, 10*time.Millisecond, "recording should continue on the surviving page")
	assert.Nil(t, r.TargetLost())

	replacement := streamingConn(fake, "other")
	require.NotNil(t, replacement)
	require.True(t, replacement.EmitFrame(2, pagePNG(t, 50)))
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 2
	}, 3*time.Second, 10*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, int64(1), stats.FramesByTarget["root"])
	assert.Equal(t, int64(1), stats.FramesByTarget["other"])
}

func TestClosedTabFallsBackToOriginalWindow(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	fake.SetRoot("root")
	r := newTestRecorder(t, fake, testConfig())

	require.NoError(t, r.StartRecording(context.Background(), filepath.Join(t.TempDir(), "fb.mp4")))
	rootConn := streamingConn(fake, "root")
	require.NotNil(t, rootConn)
	require.True(t, rootConn.EmitFrame(1, pagePNG(t, 1)))
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 1
	}, 3*time.Second, 10*time.Millisecond)

	addPage(fake, "popup")
	require.NoError(t, r.RecordNewlyOpenedTab(context.Background()))
	popupConn := streamingConn(fake, "popup")
	require.NotNil(t, popupConn)
	require.True(t, popupConn.EmitFrame(2, pagePNG(t, 2)))
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 2
	}, 3*time.Second, 10*time.Millisecond)

	// The popup closes; recording falls back to the original window and
	// keeps going.
	fake.RemoveTarget("popup")
	require.Eventually(t, func() bool {
		return r.CurrentTargetID() == "root"
	}, 3*time.Second, 10*time.Millisecond)
	assert.Nil(t, r.TargetLost())

	after := streamingConn(fake, "root")
	require.NotNil(t, after)
	require.True(t, after.EmitFrame(3, pagePNG(t, 3)))
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 3
	}, 3*time.Second, 10*time.Millisecond)

	stats := r.Stats()
	assert.Equal(t, int64(2), stats.FramesByTarget["root"], "frames attributed to root before and after")
	assert.Equal(t, int64(1), stats.FramesByTarget["popup"])
}

func TestTargetLossKeepsCapturedFrames(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	fake.SetRoot("root")
	r := newTestRecorder(t, fake, testConfig())

	out := filepath.Join(t.TempDir(), "loss.mp4")
	require.NoError(t, r.StartRecording(context.Background(), out))

	conn := streamingConn(fake, "root")
	require.NotNil(t, conn)
	for i := 0; i < 3; i++ {
		require.True(t, conn.EmitFrame(int64(i+1), pagePNG(t, uint8(i*20))))
	}
	require.Eventually(t, func() bool {
		return r.Stats().FramesAccepted == 3
	}, 3*time.Second, 10*time.Millisecond)

	// The only page disappears; every recovery rung comes up empty.
	fake.RemoveTarget("root")
	require.Eventually(t, func() bool {
		return r.TargetLost() != nil
	}, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, "root", r.TargetLost().LostTargetID)

	// The captured frames still become a video.
	res, err := r.StopRecordingAndGenerateVideo(context.Background())
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, int64(3), res.FramesProcessed)
}

func TestStatsSnapshot(t *testing.T) {
	fake := drivertest.New()
	addPage(fake, "root")
	r := newTestRecorder(t, fake, testConfig())

	stats := r.Stats()
	assert.False(t, stats.Recording)
	assert.Equal(t, encode.StateIdle, stats.EncoderState)

	require.NoError(t, r.StartRecording(context.Background(), filepath.Join(t.TempDir(), "s.mp4")))
	stats = r.Stats()
	assert.True(t, stats.Recording)
	assert.Equal(t, encode.StateProcessing, stats.EncoderState)
	assert.Equal(t, "root", stats.CurrentTarget)
}

func TestParseSpeed(t *testing.T) {
	tests := []struct {
		in      string
		want    Speed
		wantErr bool
	}{
		{"realtime", SpeedRealTime, false},
		{"slow", SpeedSlowMotion, false},
		{"veryslow", SpeedVerySlow, false},
		{"fast", SpeedFast, false},
		{"", SpeedRealTime, false},
		{"warp", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSpeed(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got)
	}
}

func TestSpeedPicksEncoderFrameRate(t *testing.T) {
	assert.Equal(t, 5.0, SpeedRealTime.FrameRate())
	assert.Equal(t, 2.0, SpeedSlowMotion.FrameRate())
	assert.Equal(t, 1.0, SpeedVerySlow.FrameRate())
	assert.Equal(t, 10.0, SpeedFast.FrameRate())

	cfg := Config{Speed: SpeedFast}.withDefaults()
	assert.Equal(t, 10.0, cfg.Encode.FrameRate)
}

func TestCustomFrameRateSurvivesDefaults(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Encode.FrameRate = 30
	got := cfg.withDefaults()
	assert.Equal(t, 30.0, got.Encode.FrameRate, "caller-chosen rate must not be clobbered")
	assert.Equal(t, SpeedRealTime, got.Speed)

	// An explicit preset still wins over a configured rate.
	cfg = DefaultConfig()
	cfg.Encode.FrameRate = 30
	cfg.Speed = SpeedSlowMotion
	assert.Equal(t, 2.0, cfg.withDefaults().Encode.FrameRate)

	// Neither set: the real-time preset fills in.
	assert.Equal(t, 5.0, Config{}.withDefaults().Encode.FrameRate)
}
