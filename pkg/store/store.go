package store

import (
	"context"

	"github.com/fabrica-dev/fabrica/pkg/domain"
)

// ProjectStore manages the persistence of projects.
type ProjectStore interface {
	// Create persists a new project. The ID field must be set by the caller.
	Create(ctx context.Context, p *domain.Project) error

	// Get retrieves a project by its unique ID.
	// Returns an error if the project does not exist.
	Get(ctx context.Context, id string) (*domain.Project, error)

	// List returns all projects, ordered by creation time descending.
	List(ctx context.Context) ([]domain.Project, error)

	// SetSandboxID records the sandbox identifier reused across the
	// project's turns. An empty value clears it.
	SetSandboxID(ctx context.Context, projectID, sandboxID string) error

	// Delete removes a project by ID along with its messages and fragments.
	Delete(ctx context.Context, id string) error
}

// MessageStore manages the ordered message log per project. Messages are
// immutable once written, with one exception: the single THINKING message
// for the active turn, which UpsertThinking rewrites in place until
// AppendTerminal resolves it.
type MessageStore interface {
	// Append adds a message to the end of the project's log. The ID field
	// must be set by the caller; CreatedAt is set if zero.
	Append(ctx context.Context, msg *domain.Message) error

	// List returns the project's full log in creation order, with each
	// message's fragment joined when present.
	List(ctx context.Context, projectID string) ([]domain.Message, error)

	// UpsertThinking creates the project's THINKING message if absent, or
	// overwrites its content in place. The message keeps its original log
	// position; only UpdatedAt moves. At most one THINKING message exists
	// per project at any time.
	UpsertThinking(ctx context.Context, projectID, content string) (*domain.Message, error)

	// AppendTerminal atomically resolves the project's THINKING message
	// (if any), persists the fragment (if non-nil), and appends the
	// terminal message referencing it. Readers never observe the terminal
	// message alongside a leftover THINKING message.
	AppendTerminal(ctx context.Context, msg *domain.Message, frag *domain.Fragment) error

	// Subscribe returns a channel that emits project IDs whenever the
	// project's log changes. Used by the pipeline to trigger turns.
	Subscribe() <-chan string
}

// FragmentStore provides read access to fragments outside their owning message.
type FragmentStore interface {
	// GetFragment retrieves a fragment by its unique ID.
	GetFragment(ctx context.Context, id string) (*domain.Fragment, error)
}
