package recorder

import "fmt"

// TargetLossError reports that the recorded tab disappeared and every
// recovery path was exhausted. The engine logs it and keeps the already
// captured frames; it never crashes the caller.
type TargetLossError struct {
	LostTargetID string
	Attempts     int
}

func (e *TargetLossError) Error() string {
	return fmt.Sprintf("target %s lost and no replacement found after %d recovery attempts",
		e.LostTargetID, e.Attempts)
}

// NoFramesCapturedError reports a recording that finished without a single
// accepted frame, so there is no video to generate.
type NoFramesCapturedError struct {
	OutputPath string
}

func (e *NoFramesCapturedError) Error() string {
	return fmt.Sprintf("no frames captured, not generating %s", e.OutputPath)
}
