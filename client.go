package langclient

import (
	"context"
	"errors"
	"os"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// clientName identifies this implementation in the handshake.
const clientName = "langclient"

// readySignal is a single-fire future for session readiness. Operations
// issued before the handshake completes block on it and are released,
// all at once, when the start attempt settles.
type readySignal struct {
	once sync.Once
	ch   chan struct{}
	err  error
}

func newReadySignal() *readySignal {
	return &readySignal{ch: make(chan struct{})}
}

// resolve fires the signal. Only the first call counts.
func (r *readySignal) resolve(err error) {
	r.once.Do(func() {
		r.err = err
		close(r.ch)
	})
}

// await blocks until the signal fires or the context ends.
func (r *readySignal) await(ctx context.Context) error {
	select {
	case <-r.ch:
		return r.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// resolved reports whether the signal has fired, without blocking.
func (r *readySignal) resolved() bool {
	select {
	case <-r.ch:
		return true
	default:
		return false
	}
}

// Client manages one language server session: it launches the server,
// performs the handshake, synchronizes documents, dispatches traffic in
// both directions, and supervises the connection, restarting the server
// when the crash policy allows it.
type Client struct {
	mu     sync.Mutex
	state  State
	config Config

	logger    *zap.Logger
	handler   ErrorHandler
	messenger MessageFunc

	registry *handlerRegistry
	resolver *resolver
	docs     *documentSync
	watched  *fileEventBatcher
	watcher  *workspaceWatcher

	// Connection-scoped; replaced on every start. Guarded by mu.
	conn       *connection
	caps       protocol.ServerCapabilities
	serverInfo *protocol.ServerInfo
	features   map[string]bool
	ready      *readySignal

	runCancel context.CancelFunc

	// Server-to-client callbacks.
	onDiagnostics        func(*protocol.PublishDiagnosticsParams)
	onShowMessageRequest func(context.Context, *protocol.ShowMessageRequestParams) (*protocol.MessageActionItem, error)
	onApplyEdit          func(context.Context, *protocol.ApplyWorkspaceEditParams) (*protocol.ApplyWorkspaceEditResponse, error)
	onConfiguration      func(context.Context, *protocol.ConfigurationParams) ([]interface{}, error)
	onRegistration       func(*protocol.RegistrationParams)
	onUnregistration     func(*protocol.UnregistrationParams)
	onProgress           func(*protocol.ProgressParams)
	onTelemetry          func(interface{})
	onInitializeFailed   func(error) bool
}

var _ sender = (*Client)(nil)

// New creates a client for one language server. Name is the server's
// display name; it appears in logs and crash notifications. The session
// does not start until Start is called, but documents may be opened and
// handlers installed before that.
func New(name string, server ServerOptions, opts ...Option) *Client {
	c := &Client{
		state:    StateInitial,
		config:   DefaultConfig(),
		logger:   zap.NewNop(),
		registry: newHandlerRegistry(),
		ready:    newReadySignal(),
	}
	c.config.Name = name
	c.config.Server = server

	for _, opt := range opts {
		opt(c)
	}

	c.logger = c.logger.Named(c.config.Name)
	if c.handler == nil {
		c.handler = NewDefaultErrorHandler(c.config.Name, c.messenger)
	}

	c.resolver = newResolver(c.config.Name, c.config.Server, c.logger)
	c.docs = newDocumentSync(c, c.config.Selector, c.config.SyncDebounce, c.logger)
	c.watched = newFileEventBatcher(c, c.config.WatchDebounce, c.logger)

	return c
}

// --- Lifecycle ---

// Start launches the server and performs the handshake, returning once
// the session is ready or the attempt has failed. Starting a session
// that is already starting or running returns ErrAlreadyStarted; a
// session whose last start failed stays failed, and a fresh Client is
// needed to try again.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.NeedsStart() {
		state := c.state
		c.mu.Unlock()
		if state == StateStartFailed {
			return ErrStartFailed
		}
		return ErrAlreadyStarted
	}

	c.state = StateStarting
	// A fresh attempt needs a fresh readiness future; waiters of the
	// previous run were already released.
	if c.ready.resolved() {
		c.ready = newReadySignal()
	}
	ready := c.ready
	runCtx, runCancel := context.WithCancel(context.Background())
	c.runCancel = runCancel
	c.mu.Unlock()

	c.resolver.reset()

	if err := c.config.Server.validate(); err != nil {
		c.failStart(ready, err)
		return err
	}

	if err := c.connect(ctx, runCtx, ready); err != nil {
		c.failStart(ready, err)
		return err
	}
	return nil
}

// failStart records a failed start attempt and releases its waiters.
// The session moves to StartFailed unless a concurrent Stop already
// took over.
func (c *Client) failStart(ready *readySignal, err error) {
	c.mu.Lock()
	if c.state == StateStarting && c.ready == ready {
		c.state = StateStartFailed
	}
	cancel := c.runCancel
	c.mu.Unlock()

	ready.resolve(err)
	if cancel != nil {
		cancel()
	}
	c.logger.Error("start language server", zap.Error(err))
}

// connect dials the server and runs the handshake. When the server
// rejects the handshake but marks the failure retryable, the user is
// consulted once; a granted retry reruns the handshake, on the same
// connection when it survived and on a fresh one when it did not.
func (c *Client) connect(ctx context.Context, runCtx context.Context, ready *readySignal) error {
	retried := false
	for {
		cn, err := c.resolver.resolve(runCtx)
		if err != nil {
			return err
		}
		cn.serve(runCtx, c.inboundHandler(cn))

		result, err := c.handshake(ctx, cn)
		if err == nil {
			return c.finishStart(runCtx, ready, cn, result)
		}

		var hsErr *HandshakeError
		if errors.As(err, &hsErr) && hsErr.Retry && !retried &&
			c.onInitializeFailed != nil && c.onInitializeFailed(err) {
			retried = true
			continue
		}

		_ = cn.dispose(c.config.StopGrace)
		return err
	}
}

// handshake performs the initialize round trip and announces readiness
// with the initialized notification.
func (c *Client) handshake(ctx context.Context, cn *connection) (*protocol.InitializeResult, error) {
	if c.config.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.HandshakeTimeout)
		defer cancel()
	}

	params := &protocol.InitializeParams{
		ProcessID:             int32(os.Getpid()),
		ClientInfo:            &protocol.ClientInfo{Name: clientName},
		RootPath:              c.config.RootPath,
		RootURI:               protocol.DocumentURI(c.config.RootURI),
		InitializationOptions: c.config.InitializationOptions,
		Capabilities:          c.config.Capabilities,
		Trace:                 c.config.Trace,
		WorkspaceFolders:      c.config.WorkspaceFolders,
	}

	var result protocol.InitializeResult
	if _, err := cn.conn.Call(ctx, protocol.MethodInitialize, params, &result); err != nil {
		return nil, asHandshakeError(err)
	}

	if err := cn.conn.Notify(ctx, protocol.MethodInitialized, &protocol.InitializedParams{}); err != nil {
		return nil, &HandshakeError{Err: err}
	}

	return &result, nil
}

// asHandshakeError wraps an initialize failure, lifting the server's
// retry hint out of the response data when one is attached.
func asHandshakeError(err error) error {
	he := &HandshakeError{Err: err}

	var respErr *jsonrpc2.Error
	if errors.As(err, &respErr) && respErr.Data != nil {
		var detail protocol.InitializeError
		if uerr := json.Unmarshal(*respErr.Data, &detail); uerr == nil {
			he.Retry = detail.Retry
		}
	}
	return he
}

// finishStart installs the handshake outcome and marks the session
// running. Documents opened before or across connections are replayed
// before any queued operation is released.
func (c *Client) finishStart(runCtx context.Context, ready *readySignal, cn *connection, result *protocol.InitializeResult) error {
	c.mu.Lock()
	if c.state != StateStarting || c.ready != ready {
		// A concurrent Stop won; hand the connection straight back.
		c.mu.Unlock()
		_ = cn.dispose(c.config.StopGrace)
		return ErrClosed
	}
	c.conn = cn
	c.caps = result.Capabilities
	c.serverInfo = result.ServerInfo
	c.features = featureSet(result.Capabilities)
	c.state = StateRunning
	c.mu.Unlock()

	c.docs.configure(resolveSyncConfig(result.Capabilities))

	go c.monitor(cn)

	c.docs.reopenAll(runCtx)

	ready.resolve(nil)

	info := zap.Skip()
	if result.ServerInfo != nil {
		info = zap.String("server", result.ServerInfo.Name)
	}
	c.logger.Info("language server running", info)

	return nil
}

// monitor waits for the connection to close and applies the close
// policy. A stale monitor, one whose connection was already replaced or
// whose session is no longer running, does nothing: deliberate stops
// are handled by Stop itself.
func (c *Client) monitor(cn *connection) {
	<-cn.conn.Done()

	c.mu.Lock()
	if c.conn != cn || c.state != StateRunning {
		c.mu.Unlock()
		return
	}
	c.conn = nil
	c.mu.Unlock()

	c.logger.Warn("connection to language server closed", zap.Error(cn.conn.Err()))

	c.docs.disconnect()
	c.watched.stop()
	_ = cn.dispose(c.config.StopGrace)

	switch c.handler.Closed() {
	case CloseActionRestart:
		c.mu.Lock()
		if c.state != StateRunning {
			c.mu.Unlock()
			return
		}
		c.state = StateInitial
		c.mu.Unlock()

		c.logger.Info("restarting language server")
		if err := c.Start(context.Background()); err != nil {
			c.logger.Error("restart language server", zap.Error(err))
		}

	case CloseActionDoNotRestart:
		c.logger.Error("connection closed, not restarting")
		c.teardown(StateStopped)
	}
}

// teardown releases everything the session holds and parks it in the
// given terminal state.
func (c *Client) teardown(final State) {
	c.mu.Lock()
	cn := c.conn
	c.conn = nil
	watcher := c.watcher
	c.watcher = nil
	cancel := c.runCancel
	c.caps = protocol.ServerCapabilities{}
	c.serverInfo = nil
	c.features = nil
	c.state = final
	c.mu.Unlock()

	c.docs.disconnect()
	c.watched.stop()
	if watcher != nil {
		_ = watcher.close()
	}
	if cn != nil {
		_ = cn.dispose(c.config.StopGrace)
	}
	if cancel != nil {
		cancel()
	}
}

// Stop ends the session with the polite shutdown sequence: a shutdown
// request, an exit notification, then transport disposal, in that
// order. The process gets a grace period to exit before it is killed.
// Stopping a session that is neither starting nor running is a no-op.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	if !c.state.NeedsStop() {
		c.mu.Unlock()
		return nil
	}
	c.state = StateStopping
	ready := c.ready
	cn := c.conn
	c.conn = nil
	watcher := c.watcher
	c.watcher = nil
	cancel := c.runCancel
	c.mu.Unlock()

	// Release queued operations; they observe the closed session.
	ready.resolve(ErrClosed)

	c.docs.disconnect()
	c.watched.stop()
	if watcher != nil {
		_ = watcher.close()
	}

	if cn != nil && cn.alive() {
		sctx := ctx
		if c.config.StopGrace > 0 {
			var scancel context.CancelFunc
			sctx, scancel = context.WithTimeout(ctx, c.config.StopGrace)
			defer scancel()
		}
		_, _ = cn.conn.Call(sctx, protocol.MethodShutdown, nil, nil)
		_ = cn.conn.Notify(sctx, protocol.MethodExit, nil)
	}
	if cn != nil {
		_ = cn.dispose(c.config.StopGrace)
	}
	if cancel != nil {
		cancel()
	}

	c.mu.Lock()
	if c.state == StateStopping {
		c.state = StateStopped
		c.caps = protocol.ServerCapabilities{}
		c.serverInfo = nil
		c.features = nil
	}
	c.mu.Unlock()

	c.logger.Info("language server stopped")
	return nil
}

// --- Session state helpers ---

// awaitReady blocks until the current start attempt settles.
func (c *Client) awaitReady(ctx context.Context) error {
	c.mu.Lock()
	ready := c.ready
	c.mu.Unlock()
	return ready.await(ctx)
}

// activeConn returns the live connection of a running session.
func (c *Client) activeConn() (*connection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateRunning || c.conn == nil {
		return nil, ErrClosed
	}
	return c.conn, nil
}

// sessionReady reports whether the session is past its handshake.
func (c *Client) sessionReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateRunning && c.ready.resolved()
}

// --- Accessors ---

// State returns the current session state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Capabilities returns the capability record negotiated with the
// running server. The zero record is returned before the first
// handshake and after the session stops.
func (c *Client) Capabilities() protocol.ServerCapabilities {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.caps
}

// ServerInfo returns the name and version the server reported during
// the handshake, if any.
func (c *Client) ServerInfo() *protocol.ServerInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverInfo
}

// Supports reports whether the running server declared the capability
// behind a request method.
func (c *Client) Supports(method string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features[method]
}

// Document returns the tracked copy of an open document.
func (c *Client) Document(u uri.URI) (Document, error) {
	return c.docs.document(u)
}

// --- Document synchronization ---

// DidOpen announces an opened document. Documents outside the
// configured selector are ignored.
func (c *Client) DidOpen(ctx context.Context, doc Document) error {
	return c.docs.didOpen(ctx, doc)
}

// DidChange records an edit to an open document. Depending on the
// negotiated sync kind the edit is forwarded immediately, coalesced
// behind a short timer, or kept local.
func (c *Client) DidChange(ctx context.Context, u uri.URI, changes []TextChange) error {
	return c.docs.didChange(ctx, u, changes)
}

// DidClose announces a closed document, delivering any still-coalescing
// edit first.
func (c *Client) DidClose(ctx context.Context, u uri.URI) error {
	return c.docs.didClose(ctx, u)
}

// DidSave announces a saved document, attaching the text when the
// server asked for it.
func (c *Client) DidSave(ctx context.Context, u uri.URI) error {
	return c.docs.didSave(ctx, u)
}
