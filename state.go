package langclient

// State represents the session's lifecycle state. The session owns a
// single authoritative state; all transitions happen inside the state
// machine, never by callers mutating fields directly.
type State int

const (
	// StateInitial indicates the session has never been started.
	StateInitial State = iota
	// StateStarting indicates the connection is being established and
	// the handshake is in flight.
	StateStarting
	// StateStartFailed indicates a start attempt failed; the session is
	// not retried automatically.
	StateStartFailed
	// StateRunning indicates the handshake succeeded and requests may be
	// dispatched.
	StateRunning
	// StateStopping indicates a graceful shutdown is in progress.
	StateStopping
	// StateStopped indicates the session has been stopped.
	StateStopped
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateInitial:
		return "initial"
	case StateStarting:
		return "starting"
	case StateStartFailed:
		return "start failed"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// NeedsStart reports whether Start is a valid transition from s.
func (s State) NeedsStart() bool {
	return s == StateInitial || s == StateStopping || s == StateStopped
}

// NeedsStop reports whether Stop is a valid transition from s.
func (s State) NeedsStop() bool {
	return s == StateStarting || s == StateRunning
}
