// ABOUTME: Conversation lifecycle state machine: the single table of legal transitions.
// ABOUTME: Every state change in the registry goes through Next.

package conversation

import (
	"errors"
	"fmt"

	"github.com/2389/civic-desk/internal/store"
)

// Errors returned by conversation operations.
var (
	ErrNotFound                = errors.New("conversation not found")
	ErrInvalidTransition       = errors.New("invalid state transition")
	ErrConversationClosed      = errors.New("conversation closed")
	ErrInvalidStatusTransition = errors.New("invalid message status transition")
	ErrAgentUnavailable        = errors.New("agent unavailable")
	ErrNotParticipant          = errors.New("caller is not a participant")
	ErrInvalidMessage          = errors.New("invalid message")
)

// Transition names a lifecycle event.
type Transition string

const (
	TransitionAssign             Transition = "assign"
	TransitionClose              Transition = "close"
	TransitionTransferAgent      Transition = "transfer_agent"
	TransitionTransferDepartment Transition = "transfer_department"
	TransitionHandoff            Transition = "handoff"
)

var transitions = map[store.State]map[Transition]store.State{
	store.StateWaiting: {
		TransitionAssign: store.StateActive,
		TransitionClose:  store.StateClosed,
	},
	store.StateActive: {
		TransitionClose:              store.StateClosed,
		TransitionTransferAgent:      store.StateActive,
		TransitionTransferDepartment: store.StateWaiting,
		TransitionHandoff:            store.StateWaiting,
	},
}

// Next returns the state reached by applying t in state from.
func Next(from store.State, t Transition) (store.State, error) {
	if to, ok := transitions[from][t]; ok {
		return to, nil
	}
	return 0, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, t, from)
}
