package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/screenreel/screenreel"
	"github.com/screenreel/screenreel/internal/recorder"
)

type recordFlags struct {
	url        string
	output     string
	speed      string
	speedSet   bool
	duration   time.Duration
	remoteURL  string
	execPath   string
	headless   bool
	noSandbox  bool
	autoRebind bool
}

func newRecordCmd() *cobra.Command {
	var f recordFlags

	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a browser tab to a video file",
		Example: `  screenreel record --url https://example.com --output demo.mp4
  screenreel record --url https://example.com --speed slow --duration 30s
  screenreel record --remote ws://localhost:9222 --output run.mp4`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.speedSet = cmd.Flags().Changed("speed")
			return runRecord(cmd.Context(), f)
		},
	}

	cmd.Flags().StringVar(&f.url, "url", "", "page to open before recording")
	cmd.Flags().StringVarP(&f.output, "output", "o", "recording.mp4", "output video path")
	cmd.Flags().StringVar(&f.speed, "speed", "realtime", "playback speed preset (realtime, slow, veryslow, fast)")
	cmd.Flags().DurationVarP(&f.duration, "duration", "d", 0, "stop automatically after this long (0 = run until interrupted)")
	cmd.Flags().StringVar(&f.remoteURL, "remote", "", "DevTools websocket URL of an already-running browser")
	cmd.Flags().StringVar(&f.execPath, "exec-path", "", "browser binary to launch")
	cmd.Flags().BoolVar(&f.headless, "headless", true, "run the launched browser headless")
	cmd.Flags().BoolVar(&f.noSandbox, "no-sandbox", false, "launch the browser without its sandbox")
	cmd.Flags().BoolVar(&f.autoRebind, "auto-rebind", false, "follow newly opened tabs automatically")

	return cmd
}

func runRecord(ctx context.Context, f recordFlags) error {
	opts, err := loadOptions(flagConfig)
	if err != nil {
		return err
	}

	speed := opts.Recorder.Speed
	if f.speedSet || speed == "" {
		speed, err = recorder.ParseSpeed(f.speed)
		if err != nil {
			return err
		}
	}
	opts.Recorder.Speed = speed
	opts.Recorder.AutoRebind = f.autoRebind
	if f.remoteURL != "" {
		opts.RemoteURL = f.remoteURL
	}
	if f.execPath != "" {
		opts.ExecPath = f.execPath
	}
	opts.Headless = f.headless
	opts.NoSandbox = f.noSandbox

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	engine, err := screenreel.New(ctx, opts)
	if err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}
	defer engine.Close()

	if f.url != "" {
		navCtx, navCancel := context.WithTimeout(ctx, 30*time.Second)
		err := engine.Navigate(navCtx, f.url)
		navCancel()
		if err != nil {
			return err
		}
	}

	if err := engine.StartRecording(ctx, f.output); err != nil {
		return err
	}
	fmt.Printf("Recording to %s (%s). Press Ctrl+C to stop.\n", f.output, speed.Description())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var timerCh <-chan time.Time
	if f.duration > 0 {
		timer := time.NewTimer(f.duration)
		defer timer.Stop()
		timerCh = timer.C
	}

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %v, finishing recording...\n", sig)
	case <-timerCh:
		fmt.Println("Duration reached, finishing recording...")
	case <-ctx.Done():
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Minute)
	defer stopCancel()
	res, err := engine.StopRecording(stopCtx)
	if err != nil {
		return err
	}
	if !res.Success {
		return fmt.Errorf("encoder failed with exit code %d", res.ExitCode)
	}

	fmt.Printf("Wrote %s: %d frames encoded, %d dropped.\n",
		res.OutputPath, res.FramesProcessed, res.FramesDropped)
	return nil
}

// loadOptions reads engine options from a YAML file, or returns defaults
// when no file is given.
func loadOptions(path string) (screenreel.Options, error) {
	opts := screenreel.Options{Recorder: recorder.DefaultConfig()}
	if path == "" {
		return opts, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return opts, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return opts, nil
}
