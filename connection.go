package langclient

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"go.lsp.dev/jsonrpc2"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// socketAcceptTimeout bounds how long a socket-transport server may take
// to call back after launch when the caller's context has no deadline.
const socketAcceptTimeout = 30 * time.Second

// stdioStream joins a child process's stdin/stdout pipes into the
// io.ReadWriteCloser the wire codec expects.
type stdioStream struct {
	in  io.WriteCloser
	out io.ReadCloser
}

func (s *stdioStream) Read(b []byte) (int, error) {
	return s.out.Read(b)
}

func (s *stdioStream) Write(b []byte) (int, error) {
	return s.in.Write(b)
}

func (s *stdioStream) Close() error {
	return multierr.Append(s.in.Close(), s.out.Close())
}

// connection is one live transport to a server. A session may go through
// several connections; every restart produces a fresh one.
type connection struct {
	conn   jsonrpc2.Conn
	proc   *exec.Cmd
	stderr io.ReadCloser
	logger *zap.Logger

	// exited closes once the child process has been reaped. It is closed
	// immediately for process-less connections.
	exited  chan struct{}
	exitErr error

	// errCount counts consecutive transport failures on this connection.
	// Any successful exchange resets it.
	errCount atomic.Int32

	serveOnce sync.Once
	closeOnce sync.Once
	closeErr  error
}

func newConnection(stream io.ReadWriteCloser, proc *exec.Cmd, stderr io.ReadCloser, logger *zap.Logger) *connection {
	cn := &connection{
		conn:   jsonrpc2.NewConn(jsonrpc2.NewStream(stream)),
		proc:   proc,
		stderr: stderr,
		logger: logger,
		exited: make(chan struct{}),
	}

	if cn.stderr != nil {
		go cn.drainStderr()
	}
	if cn.proc != nil {
		go cn.reap()
	} else {
		close(cn.exited)
	}

	return cn
}

// serve starts dispatching incoming traffic to handler. Only the first
// call takes effect; a handshake retry on the same connection must not
// restart the read loop.
func (cn *connection) serve(ctx context.Context, handler jsonrpc2.Handler) {
	cn.serveOnce.Do(func() {
		cn.conn.Go(ctx, handler)
	})
}

// alive reports whether the wire connection is still serving.
func (cn *connection) alive() bool {
	select {
	case <-cn.conn.Done():
		return false
	default:
		return true
	}
}

// reap waits for the child process and records its exit.
func (cn *connection) reap() {
	err := cn.proc.Wait()
	cn.exitErr = err
	cn.logger.Debug("server process exited", zap.Error(err))
	close(cn.exited)
}

// drainStderr forwards the server's stderr to the log, line by line.
func (cn *connection) drainStderr() {
	sc := bufio.NewScanner(cn.stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		if line := sc.Text(); line != "" {
			cn.logger.Warn("server stderr", zap.String("line", line))
		}
	}
}

// dispose closes the codec, then gives the process a grace period to
// exit on its own before killing it. It is safe to call more than once.
func (cn *connection) dispose(grace time.Duration) error {
	cn.closeOnce.Do(func() {
		cn.closeErr = cn.conn.Close()

		if cn.proc != nil {
			select {
			case <-cn.exited:
			case <-time.After(grace):
				cn.logger.Warn("server did not exit, killing process")
				if cn.proc.Process != nil {
					_ = cn.proc.Process.Kill()
				}
				<-cn.exited
			}
		}
		if cn.stderr != nil {
			_ = cn.stderr.Close()
		}
	})
	return cn.closeErr
}

// --- Connection resolution ---

// resolver hands out the session's connection. Concurrent callers share
// a single launch attempt, and the outcome, success or failure, is
// cached until reset. A failed launch therefore stays failed until the
// session explicitly tears down and dials again.
type resolver struct {
	name   string
	server ServerOptions
	logger *zap.Logger

	group singleflight.Group

	mu   sync.Mutex
	done bool
	live *connection
	err  error
}

func newResolver(name string, server ServerOptions, logger *zap.Logger) *resolver {
	return &resolver{name: name, server: server, logger: logger}
}

// resolve returns the session connection, launching the server if no
// attempt has been made since the last reset. A cached connection that
// has since died is discarded and dialed over; a cached failure is not.
func (r *resolver) resolve(ctx context.Context) (*connection, error) {
	r.mu.Lock()
	if r.done {
		cn, err := r.live, r.err
		if err != nil || cn.alive() {
			r.mu.Unlock()
			return cn, err
		}
		r.done = false
		r.live = nil
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do("connect", func() (interface{}, error) {
		r.logger.Debug("launching server", zap.String("name", r.name))
		cn, err := dial(ctx, r.server, r.logger)

		r.mu.Lock()
		r.done = true
		r.live = cn
		r.err = err
		r.mu.Unlock()

		return cn, err
	})
	if err != nil {
		return nil, err
	}
	return v.(*connection), nil
}

// reset forgets the cached outcome so the next resolve dials fresh.
func (r *resolver) reset() {
	r.mu.Lock()
	r.done = false
	r.live = nil
	r.err = nil
	r.mu.Unlock()
}

// dial launches the server along the configured path and wraps it in a
// connection.
func dial(ctx context.Context, server ServerOptions, logger *zap.Logger) (*connection, error) {
	if server.Stream != nil {
		stream, err := server.Stream(ctx)
		if err != nil {
			return nil, &SpawnError{Err: err}
		}
		return newConnection(stream, nil, nil, logger), nil
	}

	exe := server.executable()
	if exe == nil {
		return nil, ErrNoLaunchConfig
	}

	switch exe.Transport {
	case TransportSocket:
		return dialSocket(ctx, exe, logger)
	default:
		return dialStdio(ctx, exe, logger)
	}
}

func dialStdio(ctx context.Context, exe *Executable, logger *zap.Logger) (*connection, error) {
	cmd := exec.CommandContext(ctx, exe.Command, exe.Args...)
	cmd.Env = exe.environ()
	if exe.Dir != "" {
		cmd.Dir = exe.Dir
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &SpawnError{Command: exe.Command, Err: fmt.Errorf("stdin pipe: %w", err)}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		return nil, &SpawnError{Command: exe.Command, Err: fmt.Errorf("stdout pipe: %w", err)}
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		return nil, &SpawnError{Command: exe.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		stdin.Close()
		stdout.Close()
		stderr.Close()
		return nil, &SpawnError{Command: exe.Command, Err: err}
	}

	return newConnection(&stdioStream{in: stdin, out: stdout}, cmd, stderr, logger), nil
}

func dialSocket(ctx context.Context, exe *Executable, logger *zap.Logger) (*connection, error) {
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		return nil, &SpawnError{Command: exe.Command, Err: fmt.Errorf("listen: %w", err)}
	}
	port := ln.Addr().(*net.TCPAddr).Port

	args := make([]string, 0, len(exe.Args)+1)
	args = append(args, exe.Args...)
	args = append(args, "--socket="+strconv.Itoa(port))

	cmd := exec.CommandContext(ctx, exe.Command, args...)
	cmd.Env = exe.environ()
	if exe.Dir != "" {
		cmd.Dir = exe.Dir
	}

	stderr, err := cmd.StderrPipe()
	if err != nil {
		ln.Close()
		return nil, &SpawnError{Command: exe.Command, Err: fmt.Errorf("stderr pipe: %w", err)}
	}

	if err := cmd.Start(); err != nil {
		ln.Close()
		stderr.Close()
		return nil, &SpawnError{Command: exe.Command, Err: err}
	}

	deadline := time.Now().Add(socketAcceptTimeout)
	if dl, ok := ctx.Deadline(); ok {
		deadline = dl
	}
	_ = ln.(*net.TCPListener).SetDeadline(deadline)

	sock, err := ln.Accept()
	ln.Close()
	if err != nil {
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
			_ = cmd.Wait()
		}
		stderr.Close()
		return nil, &SpawnError{Command: exe.Command, Err: fmt.Errorf("accept: %w", err)}
	}

	return newConnection(sock, cmd, stderr, logger), nil
}
