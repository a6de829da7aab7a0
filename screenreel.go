// Package screenreel records browser tabs to video: frames stream out of
// the browser's instrumentation protocol, through a dedup/validation
// pipeline and straight into a long-lived encoder subprocess, so a
// finished file exists moments after the recording stops.
package screenreel

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/screenreel/screenreel/internal/driver"
	"github.com/screenreel/screenreel/internal/encode"
	"github.com/screenreel/screenreel/internal/logging"
	"github.com/screenreel/screenreel/internal/metrics"
	"github.com/screenreel/screenreel/internal/recorder"
)

// Options configures an Engine.
type Options struct {
	// RemoteURL connects to an already-running browser over the DevTools
	// protocol instead of launching one.
	RemoteURL string `json:"remoteURL,omitempty" yaml:"remoteURL,omitempty"`

	// ExecPath overrides auto-detection of the browser binary.
	ExecPath string `json:"execPath,omitempty" yaml:"execPath,omitempty"`

	Headless  bool `json:"headless,omitempty" yaml:"headless,omitempty"`
	NoSandbox bool `json:"noSandbox,omitempty" yaml:"noSandbox,omitempty"`

	// Recorder carries the engine tunables; zero values use defaults.
	Recorder recorder.Config `json:"recorder,omitempty" yaml:"recorder,omitempty"`

	// Logger, when set, replaces the package-level logger.
	Logger *zerolog.Logger `json:"-" yaml:"-"`
}

// Engine owns one browser connection and one recording coordinator.
type Engine struct {
	drv *driver.CDP
	rec *recorder.Recorder
	log zerolog.Logger
}

// New launches (or connects to) a browser and prepares the recording
// stages. The engine is ready once New returns; call StartRecording to
// begin producing frames.
func New(ctx context.Context, opts Options) (*Engine, error) {
	var log zerolog.Logger
	if opts.Logger != nil {
		log = *opts.Logger
	} else {
		log = logging.Base()
	}

	drv, err := driver.NewCDP(ctx, driver.CDPOptions{
		RemoteURL: opts.RemoteURL,
		ExecPath:  opts.ExecPath,
		Headless:  opts.Headless,
		NoSandbox: opts.NoSandbox,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	rec := recorder.New(drv, opts.Recorder, log)
	rec.Start(ctx)

	return &Engine{drv: drv, rec: rec, log: log}, nil
}

// Navigate opens a URL in the window being recorded.
func (e *Engine) Navigate(ctx context.Context, url string) error {
	return e.drv.Navigate(ctx, url)
}

// StartRecording begins capturing the active tab into outputPath.
func (e *Engine) StartRecording(ctx context.Context, outputPath string) error {
	return e.rec.StartRecording(ctx, outputPath)
}

// StopRecording finalizes the video and returns the encode result.
func (e *Engine) StopRecording(ctx context.Context) (encode.Result, error) {
	return e.rec.StopRecordingAndGenerateVideo(ctx)
}

// RecordNewlyOpenedTab switches recording onto the most recently opened tab.
func (e *Engine) RecordNewlyOpenedTab(ctx context.Context) error {
	return e.rec.RecordNewlyOpenedTab(ctx)
}

// SetAutoRebind toggles automatic switching onto newly created tabs.
func (e *Engine) SetAutoRebind(enabled bool) {
	e.rec.SetAutoRebindEnabled(enabled)
}

// Stats snapshots the recording state across all stages.
func (e *Engine) Stats() recorder.RecordingStats {
	return e.rec.Stats()
}

// Metrics exposes the engine-scoped Prometheus collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.rec.Metrics()
}

// Close stops the coordinator and releases the browser.
func (e *Engine) Close() error {
	e.rec.Close()
	return e.drv.Close()
}
