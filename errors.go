package langclient

import (
	"errors"
	"fmt"
)

// Standard errors returned by the client.
var (
	// ErrAlreadyStarted indicates the session is already starting or running.
	ErrAlreadyStarted = errors.New("session already started")

	// ErrStartFailed indicates a previous start attempt failed and the
	// session will not be restarted automatically.
	ErrStartFailed = errors.New("session start failed")

	// ErrClosed indicates the connection to the server is gone.
	ErrClosed = errors.New("connection closed")

	// ErrNotSupported indicates the server did not declare the capability
	// required for the requested feature.
	ErrNotSupported = errors.New("feature not supported by server")

	// ErrDocumentAlreadyOpen indicates the document is already tracked.
	ErrDocumentAlreadyOpen = errors.New("document already open")

	// ErrDocumentNotOpen indicates the document is not tracked.
	ErrDocumentNotOpen = errors.New("document not open")

	// ErrWatcherClosed indicates the workspace watcher has been closed.
	ErrWatcherClosed = errors.New("workspace watcher closed")

	// ErrNoLaunchConfig indicates the server options carry no usable
	// launch variant.
	ErrNoLaunchConfig = errors.New("no launch configuration")
)

// HandshakeError reports a failed initialize exchange with the server.
// Retry carries the server's hint that another attempt may succeed.
type HandshakeError struct {
	Retry bool
	Err   error
}

// Error implements the error interface.
func (e *HandshakeError) Error() string {
	return fmt.Sprintf("initialize handshake failed: %v", e.Err)
}

// Unwrap returns the underlying error.
func (e *HandshakeError) Unwrap() error {
	return e.Err
}

// SpawnError reports a failure to obtain a server process or stream.
// Resolution failures are never retried; the session moves to
// StateStartFailed instead.
type SpawnError struct {
	Command string
	Err     error
}

// Error implements the error interface.
func (e *SpawnError) Error() string {
	if e.Command == "" {
		return fmt.Sprintf("acquire server stream: %v", e.Err)
	}
	return fmt.Sprintf("spawn %s: %v", e.Command, e.Err)
}

// Unwrap returns the underlying error.
func (e *SpawnError) Unwrap() error {
	return e.Err
}
