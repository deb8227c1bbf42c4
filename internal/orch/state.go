package orch

// State is the lifecycle position of one entity transfer with one peer.
type State int

const (
	StateIdle State = iota
	StateNegotiating
	StateTransferring
	StateDisconnected
	StateRecovering
	StateCompleted
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateNegotiating:
		return "negotiating"
	case StateTransferring:
		return "transferring"
	case StateDisconnected:
		return "disconnected"
	case StateRecovering:
		return "recovering"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// terminal reports whether no further transitions are allowed.
func (s State) terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// validNext enumerates the allowed transitions.
func validNext(from, to State) bool {
	if from.terminal() {
		return false
	}
	switch from {
	case StateIdle:
		return to == StateNegotiating || to == StateCancelled
	case StateNegotiating:
		return to == StateTransferring || to == StateFailed || to == StateCancelled
	case StateTransferring:
		return to == StateDisconnected || to == StateCompleted || to == StateFailed || to == StateCancelled
	case StateDisconnected:
		return to == StateRecovering || to == StateFailed || to == StateCancelled
	case StateRecovering:
		return to == StateTransferring || to == StateDisconnected || to == StateFailed || to == StateCancelled
	default:
		return false
	}
}
