package recorder

import (
	"github.com/screenreel/screenreel/internal/capture"
	"github.com/screenreel/screenreel/internal/encode"
	"github.com/screenreel/screenreel/internal/sessionpool"
)

// Config aggregates the tunables of every stage of the recording engine.
type Config struct {
	Pool    sessionpool.Config `json:"pool,omitempty" yaml:"pool,omitempty"`
	Capture capture.Config     `json:"capture,omitempty" yaml:"capture,omitempty"`
	Encode  encode.Config      `json:"encode,omitempty" yaml:"encode,omitempty"`

	// Speed selects the playback-speed preset; it overrides
	// Encode.FrameRate when set. Empty means no preset: a caller-chosen
	// frame rate stands, and an unset one defaults to real-time playback.
	Speed Speed `json:"speed,omitempty" yaml:"speed,omitempty"`

	// AutoRebind switches recording onto newly created tabs as they appear.
	AutoRebind bool `json:"autoRebind,omitempty" yaml:"autoRebind,omitempty"`

	// Stream configures the frame stream requested from the browser.
	Stream StreamConfig `json:"stream,omitempty" yaml:"stream,omitempty"`
}

// StreamConfig mirrors the frame-stream parameters sent to the browser.
type StreamConfig struct {
	Format    string `json:"format,omitempty" yaml:"format,omitempty"`
	Quality   int    `json:"quality,omitempty" yaml:"quality,omitempty"`
	MaxWidth  int    `json:"maxWidth,omitempty" yaml:"maxWidth,omitempty"`
	MaxHeight int    `json:"maxHeight,omitempty" yaml:"maxHeight,omitempty"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		Pool:    sessionpool.DefaultConfig(),
		Capture: capture.DefaultConfig(),
		Encode:  encode.DefaultConfig(),
		Stream: StreamConfig{
			Format:    "png",
			Quality:   90,
			MaxWidth:  1280,
			MaxHeight: 720,
		},
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	speedSet := c.Speed != ""
	if c.Stream.Format == "" {
		c.Stream.Format = d.Stream.Format
	}
	if c.Stream.Quality <= 0 {
		c.Stream.Quality = d.Stream.Quality
	}
	if c.Stream.MaxWidth <= 0 {
		c.Stream.MaxWidth = d.Stream.MaxWidth
	}
	if c.Stream.MaxHeight <= 0 {
		c.Stream.MaxHeight = d.Stream.MaxHeight
	}
	// An explicit preset picks the frame rate; otherwise a caller-chosen
	// rate stands and only a missing one falls back to the real-time preset.
	if speedSet || c.Encode.FrameRate <= 0 {
		c.Encode.FrameRate = c.Speed.FrameRate()
	}
	if !speedSet {
		c.Speed = SpeedRealTime
	}
	return c
}
