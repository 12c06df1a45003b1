package wire

import "strings"

// Phase is the coarse lifecycle classification of a remote job status.
type Phase int

const (
	PhaseRunning Phase = iota
	PhaseCompleted
	PhaseFailed
)

func (p Phase) Terminal() bool {
	return p != PhaseRunning
}

func (p Phase) String() string {
	switch p {
	case PhaseCompleted:
		return "completed"
	case PhaseFailed:
		return "failed"
	default:
		return "running"
	}
}

// Classify maps a remote status string to its phase. Both the synchronous
// short-circuit path and the channel-driven path use this mapping; do not
// reimplement it elsewhere.
func Classify(status string) Phase {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "completed", "succeeded", "success":
		return PhaseCompleted
	case "failed", "error", "canceled", "cancelled", "timed_out":
		return PhaseFailed
	default:
		// queued, running, waiting, and anything unrecognized keep the
		// job live; the tracker timeout bounds the wait.
		return PhaseRunning
	}
}
