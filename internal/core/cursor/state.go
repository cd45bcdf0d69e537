package cursor

import (
	"errors"
	"slices"
	"time"

	"github.com/vietddude/reclaimer/internal/core/domain"
)

// State is an alias for domain.CursorState for internal use.
type State = domain.CursorState

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// ValidTransitions defines allowed state transitions.
// Key is the current state, value is the list of valid next states.
var ValidTransitions = map[State][]State{
	domain.CursorStateInit: {
		domain.CursorStateScanning,
		domain.CursorStateCatchup,
		domain.CursorStatePaused,
		domain.CursorStateHalted,
	},
	domain.CursorStateScanning: {
		domain.CursorStateCatchup,
		domain.CursorStatePaused,
		domain.CursorStateHalted,
	},
	domain.CursorStateCatchup: {
		domain.CursorStateScanning,
		domain.CursorStatePaused,
		domain.CursorStateHalted,
	},
	domain.CursorStatePaused: {
		domain.CursorStateScanning,
		domain.CursorStateCatchup,
		domain.CursorStateHalted,
	},
	domain.CursorStateHalted: {domain.CursorStateInit},
}

// CanTransition checks if a transition from one state to another is valid.
func CanTransition(from, to State) bool {
	validTargets, ok := ValidTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(validTargets, to)
}

// Transition represents a state change with metadata.
type Transition struct {
	From      State
	To        State
	Reason    string
	Timestamp time.Time
}

// NewTransition creates a new transition record.
func NewTransition(from, to State, reason string) Transition {
	return Transition{
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
	}
}

// IsValid returns true if this transition is allowed by the state machine.
func (t Transition) IsValid() bool {
	return CanTransition(t.From, t.To)
}

// StateDescription returns a human-readable description of a state.
func StateDescription(s State) string {
	switch s {
	case domain.CursorStateInit:
		return "Initializing - cursor created, not yet started"
	case domain.CursorStateScanning:
		return "Scanning - following the chain tip"
	case domain.CursorStateCatchup:
		return "Catching up - behind chain tip, moving fast"
	case domain.CursorStatePaused:
		return "Paused - stopped by operator"
	case domain.CursorStateHalted:
		return "Halted - fatal chain error, operator must fix config"
	default:
		return "Unknown state"
	}
}
