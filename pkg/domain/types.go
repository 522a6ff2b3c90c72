package domain

import "time"

// Project is a workspace owning an ordered message log and the fragments
// produced for it. The sandbox identifier is stored on the project so the
// same remote environment (and its filesystem) is reused across turns.
type Project struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	SandboxID string    `json:"sandbox_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Message is an entry in a project's log. The log, ordered by creation, is
// the sole source of truth for conversation and processing state; there is
// no separate status field on Project.
type Message struct {
	ID         string      `json:"id"`
	ProjectID  string      `json:"project_id"`
	Role       Role        `json:"role"`
	Type       MessageType `json:"type"`
	Content    string      `json:"content"`
	FragmentID string      `json:"fragment_id,omitempty"`
	// Fragment is joined on reads when FragmentID is set. Owned exclusively
	// by the RESULT message that produced it.
	Fragment  *Fragment `json:"fragment,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Fragment is a generated artifact: a title, a mapping from relative file
// path to file content, and an optional live preview address. Immutable
// after creation.
type Fragment struct {
	ID         string            `json:"id"`
	ProjectID  string            `json:"project_id"`
	Title      string            `json:"title"`
	Files      map[string]string `json:"files"`
	PreviewURL string            `json:"preview_url,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
