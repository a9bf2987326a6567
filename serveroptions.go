package langclient

import (
	"context"
	"io"
	"os"
)

// TransportKind selects how protocol traffic reaches a launched server.
type TransportKind int

const (
	// TransportStdio exchanges messages over the server's stdin/stdout.
	TransportStdio TransportKind = iota

	// TransportSocket exchanges messages over a local TCP connection. The
	// client listens on an ephemeral port and passes it to the server via
	// a --socket argument.
	TransportSocket
)

// String returns a human-readable transport name.
func (t TransportKind) String() string {
	switch t {
	case TransportStdio:
		return "stdio"
	case TransportSocket:
		return "socket"
	default:
		return "unknown"
	}
}

// Executable describes one way to launch a server binary.
type Executable struct {
	// Command is the executable to launch.
	Command string

	// Args are command-line arguments.
	Args []string

	// Env is additional environment variables merged over the parent
	// process environment.
	Env map[string]string

	// Dir is the working directory for the process; empty inherits the
	// client's.
	Dir string

	// Transport selects stdio or socket communication.
	Transport TransportKind
}

// environ returns the full environment for the process, with configured
// overrides appended after the inherited variables so they win.
func (e *Executable) environ() []string {
	env := os.Environ()
	for k, v := range e.Env {
		env = append(env, k+"="+v)
	}
	return env
}

// StreamFactory acquires a protocol stream without spawning a process.
// It serves embedded servers and tests.
type StreamFactory func(ctx context.Context) (io.ReadWriteCloser, error)

// ServerOptions describes the ways the client knows to reach a server.
// Each connection attempt uses exactly one launch path: the Stream
// factory when set, otherwise the Debug executable in debug mode,
// otherwise Run.
type ServerOptions struct {
	// Run launches the server for normal operation.
	Run *Executable

	// Debug launches the server with debug instrumentation.
	Debug *Executable

	// Stream acquires a connection in-process instead of spawning.
	Stream StreamFactory

	// DebugMode prefers the Debug executable when both are set.
	DebugMode bool
}

// executable picks the launch configuration for the current mode.
func (o *ServerOptions) executable() *Executable {
	if o.DebugMode && o.Debug != nil {
		return o.Debug
	}
	if o.Run != nil {
		return o.Run
	}
	return o.Debug
}

// validate reports whether at least one launch path is configured.
func (o *ServerOptions) validate() error {
	if o.Stream == nil && o.executable() == nil {
		return ErrNoLaunchConfig
	}
	return nil
}
