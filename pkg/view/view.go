// Package view derives viewer-facing state from a project's message log.
// There is no push channel: viewers poll the log and recompute state on
// every fetch. Keeping the derivation as pure functions lets the server,
// clients, and tests share one implementation.
package view

import (
	"time"

	"github.com/fabrica-dev/fabrica/pkg/domain"
)

// Poll intervals. The exact values are tuning; the contract is that clients
// poll faster while processing.
const (
	ProcessingInterval = time.Second
	IdleInterval       = 2 * time.Second
)

// State is what a viewer needs to render a project from one log fetch.
type State struct {
	// Thinking is the in-progress message for the active turn, if any.
	Thinking *domain.Message
	// Display is the log without THINKING messages.
	Display []domain.Message
	// Processing is true while a turn is in flight: a THINKING message
	// exists, or the last displayed message is from the user with no
	// assistant reply yet.
	Processing bool
}

// Derive computes viewer state from the ordered message log.
func Derive(msgs []domain.Message) State {
	var st State
	for i := range msgs {
		if msgs[i].Type == domain.TypeThinking {
			if st.Thinking == nil {
				st.Thinking = &msgs[i]
			}
			continue
		}
		st.Display = append(st.Display, msgs[i])
	}

	if st.Thinking != nil {
		st.Processing = true
	} else if n := len(st.Display); n > 0 && st.Display[n-1].Role == domain.RoleUser {
		st.Processing = true
	}
	return st
}

// ActiveFragment returns the fragment a viewer should adopt: the one carried
// by the most recent terminal assistant message. The boolean is false when
// that message's ID equals lastAdoptedMessageID, so unrelated re-fetches do
// not re-trigger view changes.
func ActiveFragment(msgs []domain.Message, lastAdoptedMessageID string) (*domain.Fragment, string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Role != domain.RoleAssistant || m.Type == domain.TypeThinking || m.Fragment == nil {
			continue
		}
		if m.ID == lastAdoptedMessageID {
			return nil, "", false
		}
		return m.Fragment, m.ID, true
	}
	return nil, "", false
}

// PollInterval returns how long a viewer should wait before the next fetch.
func PollInterval(processing bool) time.Duration {
	if processing {
		return ProcessingInterval
	}
	return IdleInterval
}
