package encode

import (
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"strconv"
)

// Proc abstracts the encoder subprocess so the pipeline can be exercised
// without an ffmpeg binary.
type Proc interface {
	Stdin() io.WriteCloser
	Stderr() io.Reader
	// Wait blocks until exit and returns the exit code.
	Wait() (int, error)
	Kill() error
}

// ffmpegProc runs the real encoder.
type ffmpegProc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stderr io.Reader
}

func startFFmpeg(cfg Config, outputPath string) (Proc, error) {
	args := buildFFmpegArgs(cfg, outputPath)

	cmd := exec.Command(cfg.FFmpegPath, args...) // #nosec G204
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring encoder stdin: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("wiring encoder stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting encoder: %w", err)
	}
	return &ffmpegProc{cmd: cmd, stdin: stdin, stderr: stderr}, nil
}

func (p *ffmpegProc) Stdin() io.WriteCloser { return p.stdin }
func (p *ffmpegProc) Stderr() io.Reader     { return p.stderr }

func (p *ffmpegProc) Wait() (int, error) {
	err := p.cmd.Wait()
	if p.cmd.ProcessState != nil {
		return p.cmd.ProcessState.ExitCode(), nil
	}
	return -1, err
}

func (p *ffmpegProc) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// buildFFmpegArgs derives the encoder invocation from the configuration:
// raw rgb24 frames on stdin, one output file.
func buildFFmpegArgs(cfg Config, outputPath string) []string {
	args := []string{
		"-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgb24",
		"-s", fmt.Sprintf("%dx%d", cfg.Width, cfg.Height),
		"-r", strconv.FormatFloat(cfg.FrameRate, 'f', -1, 64),
		"-i", "pipe:0",
	}

	if cfg.HardwareAccel {
		args = append(args, "-hwaccel", hwAccelForOS(runtime.GOOS))
	}

	args = append(args, "-c:v", cfg.Codec)
	if cfg.Codec == "libx264" || cfg.Codec == "libx265" {
		args = append(args,
			"-preset", cfg.Preset,
			"-crf", strconv.Itoa(cfg.CRF),
		)
	}

	args = append(args,
		"-pix_fmt", "yuv420p",
		"-movflags", "+faststart",
		"-threads", "0",
		// Some codecs insist on even dimensions.
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2,format=yuv420p",
		outputPath,
	)
	return args
}

func hwAccelForOS(goos string) string {
	switch goos {
	case "darwin":
		return "videotoolbox"
	case "windows":
		return "dxva2"
	default:
		return "vaapi"
	}
}
