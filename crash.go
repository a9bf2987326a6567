package langclient

import (
	"fmt"
	"sync"
	"time"

	"go.lsp.dev/protocol"
)

// ErrorAction is the decision taken after a transport error.
type ErrorAction int

const (
	// ErrorActionContinue keeps the connection running.
	ErrorActionContinue ErrorAction = iota
	// ErrorActionShutdown stops the session.
	ErrorActionShutdown
)

// String returns the action name.
func (a ErrorAction) String() string {
	switch a {
	case ErrorActionContinue:
		return "continue"
	case ErrorActionShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// CloseAction is the decision taken after the connection closes.
type CloseAction int

const (
	// CloseActionDoNotRestart stops the session permanently.
	CloseActionDoNotRestart CloseAction = iota
	// CloseActionRestart starts a new connection to replace the lost one.
	CloseActionRestart
)

// String returns the action name.
func (a CloseAction) String() string {
	switch a {
	case CloseActionDoNotRestart:
		return "do not restart"
	case CloseActionRestart:
		return "restart"
	default:
		return "unknown"
	}
}

// ErrorHandler decides how the session reacts to transport failures.
//
// Error is consulted on every transport-level error with the method being
// sent (empty when unknown) and the number of consecutive errors observed
// since the last successful exchange. Closed is consulted whenever the
// connection to the server drops while the session is running.
//
// Implementations may be called from multiple goroutines and must be safe
// for concurrent use. A custom handler can be installed with
// WithErrorHandler, for example a policy that never restarts.
type ErrorHandler interface {
	Error(err error, method string, count int) ErrorAction
	Closed() CloseAction
}

const (
	// maxConsecutiveErrors is the number of consecutive transport errors
	// tolerated before the connection is considered unusable.
	maxConsecutiveErrors = 3

	// maxRestarts bounds the crash record.
	maxRestarts = 5

	// restartWindow is the span within which maxRestarts crashes count
	// as a crash loop.
	restartWindow = 3 * time.Minute
)

// defaultErrorHandler tolerates transient transport errors and restarts a
// crashed server, unless five crashes land inside a three-minute window,
// which is treated as a crash loop and stops the session for good.
type defaultErrorHandler struct {
	mu       sync.Mutex
	name     string
	notify   MessageFunc
	restarts []time.Time
	now      func() time.Time
}

// NewDefaultErrorHandler returns the stock crash policy for a server with
// the given display name. Crash-loop warnings are delivered through
// notify; a nil notify drops them.
func NewDefaultErrorHandler(name string, notify MessageFunc) ErrorHandler {
	return &defaultErrorHandler{name: name, notify: notify, now: time.Now}
}

// Error tolerates up to maxConsecutiveErrors consecutive failures.
func (h *defaultErrorHandler) Error(err error, method string, count int) ErrorAction {
	if count > maxConsecutiveErrors {
		return ErrorActionShutdown
	}
	return ErrorActionContinue
}

// Closed records the crash and decides whether to bring the server back.
// The record is a sliding window over the most recent maxRestarts crash
// times: below the cap every crash restarts; at the cap a span of
// restartWindow or less is a crash loop, otherwise the oldest entry is
// evicted and the restart proceeds.
func (h *defaultErrorHandler) Closed() CloseAction {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.restarts = append(h.restarts, h.now())
	if len(h.restarts) < maxRestarts {
		return CloseActionRestart
	}

	span := h.restarts[len(h.restarts)-1].Sub(h.restarts[0])
	if span <= restartWindow {
		if h.notify != nil {
			h.notify(protocol.MessageTypeError, fmt.Sprintf(
				"The %s server crashed %d times in the last 3 minutes. The server will not be restarted.",
				h.name, maxRestarts))
		}
		return CloseActionDoNotRestart
	}

	h.restarts = h.restarts[1:]
	return CloseActionRestart
}
