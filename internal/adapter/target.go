package adapter

import (
	"context"
	"errors"
	"time"

	m "github.com/grackle-fuzz/grackle/internal/model"
)

// ErrLaunchFailure indicates the target process could not reach a ready
// state within its launch timeout, or a relaunch failed. It is fatal for
// the run.
var ErrLaunchFailure = errors.New("target failed to launch")

// Target is the capability surface of the external process under test. The
// engine drives and queries it through this interface only; it never
// inspects process internals. A target is exclusively owned by one engine
// instance for the duration of a run.
type Target interface {
	// Launch starts the target process pointed at url with the given
	// environment variable overrides applied. It returns an error
	// wrapping ErrLaunchFailure when the process does not reach a ready
	// state within LaunchTimeout.
	Launch(ctx context.Context, url string, env map[string]string) error

	// CheckResult returns exactly one failure classification for the
	// current iteration. It is bounded by the delivery timeout and never
	// blocks indefinitely.
	CheckResult(ctx context.Context) m.Result

	// Close tears the target process down. When force is set the process
	// is terminated without waiting for an orderly shutdown.
	Close(force bool)

	// Closed reports whether the target is currently closed.
	Closed() bool

	// ForceClosed reports whether the last Close was forced.
	ForceClosed() bool

	// Healthy reports whether the target process can run further
	// iterations without a relaunch.
	Healthy() bool

	// SaveLogs exports the target's log output into dst.
	SaveLogs(dst m.Path) error

	// LaunchTimeout bounds how long Launch may take.
	LaunchTimeout() time.Duration
}
