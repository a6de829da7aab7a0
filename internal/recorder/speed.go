package recorder

import "fmt"

// Speed is a playback-speed preset. The preset picks the encoder frame
// rate: capture stays paced the same, so fewer frames per second of output
// means the finished video plays back slower relative to real time.
type Speed string

const (
	// SpeedRealTime plays back at roughly the speed the session ran.
	SpeedRealTime Speed = "realtime"
	// SpeedSlowMotion plays back at about half speed.
	SpeedSlowMotion Speed = "slow"
	// SpeedVerySlow plays back at about quarter speed, for frame-by-frame
	// review.
	SpeedVerySlow Speed = "veryslow"
	// SpeedFast plays back at about double speed.
	SpeedFast Speed = "fast"
)

// FrameRate returns the encoder frame rate for the preset.
func (s Speed) FrameRate() float64 {
	switch s {
	case SpeedSlowMotion:
		return 2.0
	case SpeedVerySlow:
		return 1.0
	case SpeedFast:
		return 10.0
	default:
		return 5.0
	}
}

// Description is a human-readable summary for CLI help and logs.
func (s Speed) Description() string {
	switch s {
	case SpeedSlowMotion:
		return "half speed playback"
	case SpeedVerySlow:
		return "quarter speed playback"
	case SpeedFast:
		return "double speed playback"
	default:
		return "real-time playback"
	}
}

// ParseSpeed maps a user-supplied name onto a preset.
func ParseSpeed(name string) (Speed, error) {
	switch Speed(name) {
	case SpeedRealTime, SpeedSlowMotion, SpeedVerySlow, SpeedFast:
		return Speed(name), nil
	case "":
		return SpeedRealTime, nil
	default:
		return "", fmt.Errorf("unknown speed %q (want realtime, slow, veryslow or fast)", name)
	}
}
