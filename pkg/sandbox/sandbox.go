package sandbox

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable indicates the sandbox cannot be reached or no longer
// exists, typically because its expiry deadline passed and it was removed.
var ErrUnavailable = errors.New("sandbox unavailable")

// Result represents the output of a sandbox command execution.
type Result struct {
	// Stdout is the standard output.
	Stdout string `json:"stdout,omitempty"`
	// Stderr is the standard error.
	Stderr string `json:"stderr,omitempty"`
	// ExitCode is the command's exit status.
	ExitCode int `json:"exit_code"`
}

// Session is a handle to one running sandbox. Sandboxes are costly remote
// resources reused across turns of the same project, so a session is
// addressed by a stable identifier stored on the project rather than
// re-created per turn.
type Session interface {
	// ID returns the stable sandbox identifier.
	ID() string

	// ExtendTimeout renews the sandbox's time-to-live so long-running
	// turns are not torn down mid-execution. Returns ErrUnavailable if
	// the sandbox is gone.
	ExtendTimeout(ctx context.Context, d time.Duration) error

	// RunCommand executes a shell command inside the sandbox workdir.
	RunCommand(ctx context.Context, command string) (*Result, error)

	// ReadFiles returns the text files under dir (relative paths mapped
	// to contents).
	ReadFiles(ctx context.Context, dir string) (map[string]string, error)

	// PreviewURL returns the address where the sandbox's application
	// port is reachable, or empty if none is mapped.
	PreviewURL() string
}

// Manager creates and reconnects sandboxes.
type Manager interface {
	// Create provisions a fresh sandbox for the project and waits until
	// it is healthy.
	Create(ctx context.Context, projectID string) (Session, error)

	// Connect attaches to an existing sandbox by ID. Every successful
	// connect refreshes the expiry deadline; callers must not assume the
	// deadline set at creation still holds. Returns ErrUnavailable if the
	// sandbox is missing, stopped, or expired.
	Connect(ctx context.Context, id string) (Session, error)

	// Run starts a long-running reaper loop that removes sandboxes whose
	// expiry deadline has passed. Blocks until ctx is cancelled.
	Run(ctx context.Context) error

	// Close releases any resources held by the manager (e.g. docker client).
	Close() error
}
