package domain

// Role defines the sender of a message.
type Role string

const (
	// RoleUser indicates a message written by the user.
	RoleUser Role = "USER"
	// RoleAssistant indicates a message produced by the agent pipeline.
	RoleAssistant Role = "ASSISTANT"
)

// MessageType classifies a message within a project's log.
type MessageType string

const (
	// TypeResult is a terminal assistant message, optionally carrying a fragment.
	TypeResult MessageType = "RESULT"
	// TypeError is a terminal assistant message carrying a user-safe failure notice.
	TypeError MessageType = "ERROR"
	// TypeThinking is the single in-progress message for the active turn.
	// It is the only message that is ever updated in place.
	TypeThinking MessageType = "THINKING"
)
