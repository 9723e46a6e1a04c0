package channel

import "errors"

// Error taxonomy for channel operations. Callers match with errors.Is;
// wrapped variants carry the detail.
var (
	// ErrUnavailable means no live session exists and one cannot be
	// launched for this submission (no launcher, or the channel is
	// shutting down).
	ErrUnavailable = errors.New("channel unavailable")

	// ErrLaunchFailed means the instance did not start, or never produced
	// its readiness token within the launch grace period.
	ErrLaunchFailed = errors.New("instance launch failed")

	// ErrTimeout means the completion marker was not observed before the
	// command's deadline. The remote command may still be running.
	ErrTimeout = errors.New("command timed out")

	// ErrClosed means the underlying stream terminated while work was
	// queued or in flight.
	ErrClosed = errors.New("channel closed")
)
