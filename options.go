package langclient

import (
	"context"
	"time"

	"go.lsp.dev/protocol"
	"go.lsp.dev/uri"
	"go.uber.org/zap"
)

// MessageFunc surfaces a user-visible message originating from the client
// or the server. Implementations must be safe for concurrent use.
type MessageFunc func(typ protocol.MessageType, message string)

// Config contains configuration for a client session.
type Config struct {
	// Name is a human-readable server name (e.g., "gopls"). It appears in
	// handshake client info, log fields, and crash notifications.
	Name string

	// Server describes how to launch or reach the server.
	Server ServerOptions

	// Workspace identity sent during the handshake.
	RootPath         string
	RootURI          uri.URI
	WorkspaceFolders []protocol.WorkspaceFolder

	// Capabilities announced to the server.
	Capabilities protocol.ClientCapabilities

	// InitializationOptions are server-specific handshake options.
	InitializationOptions interface{}

	// Trace is the initial trace setting sent during the handshake.
	Trace protocol.TraceValue

	// Selector limits which documents are synchronized.
	Selector DocumentSelector

	// Debounce and shutdown timing.
	SyncDebounce     time.Duration
	WatchDebounce    time.Duration
	StopGrace        time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns a default session configuration.
func DefaultConfig() Config {
	return Config{
		Trace:            protocol.TraceOff,
		SyncDebounce:     100 * time.Millisecond,
		WatchDebounce:    250 * time.Millisecond,
		StopGrace:        2 * time.Second,
		HandshakeTimeout: 30 * time.Second,
	}
}

// Option configures the client.
type Option func(*Client)

// WithConfig sets the full session configuration. Name and Server from
// the constructor are preserved.
func WithConfig(config Config) Option {
	return func(c *Client) {
		name, server := c.config.Name, c.config.Server
		c.config = config
		c.config.Name = name
		c.config.Server = server
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithErrorHandler sets the transport failure policy.
func WithErrorHandler(h ErrorHandler) Option {
	return func(c *Client) {
		c.handler = h
	}
}

// WithMessageFunc sets the sink for user-visible messages.
func WithMessageFunc(fn MessageFunc) Option {
	return func(c *Client) {
		c.messenger = fn
	}
}

// WithRootPath sets the workspace root from a filesystem path.
func WithRootPath(path string) Option {
	return func(c *Client) {
		c.config.RootPath = path
		c.config.RootURI = uri.File(path)
	}
}

// WithRootURI sets the workspace root URI directly.
func WithRootURI(u uri.URI) Option {
	return func(c *Client) {
		c.config.RootURI = u
	}
}

// WithWorkspaceFolders sets the workspace folders.
func WithWorkspaceFolders(folders []protocol.WorkspaceFolder) Option {
	return func(c *Client) {
		c.config.WorkspaceFolders = folders
	}
}

// WithClientCapabilities sets the capabilities announced to the server.
func WithClientCapabilities(caps protocol.ClientCapabilities) Option {
	return func(c *Client) {
		c.config.Capabilities = caps
	}
}

// WithInitializationOptions sets server-specific handshake options.
func WithInitializationOptions(opts interface{}) Option {
	return func(c *Client) {
		c.config.InitializationOptions = opts
	}
}

// WithTrace sets the initial trace level.
func WithTrace(trace protocol.TraceValue) Option {
	return func(c *Client) {
		c.config.Trace = trace
	}
}

// WithDocumentSelector limits which documents are synchronized.
func WithDocumentSelector(sel DocumentSelector) Option {
	return func(c *Client) {
		c.config.Selector = sel
	}
}

// WithSyncDebounce sets the delay for coalescing full-sync changes.
func WithSyncDebounce(d time.Duration) Option {
	return func(c *Client) {
		c.config.SyncDebounce = d
	}
}

// WithWatchDebounce sets the delay for batching file events.
func WithWatchDebounce(d time.Duration) Option {
	return func(c *Client) {
		c.config.WatchDebounce = d
	}
}

// WithStopGrace sets how long a stopped process may linger before it is
// killed.
func WithStopGrace(d time.Duration) Option {
	return func(c *Client) {
		c.config.StopGrace = d
	}
}

// WithHandshakeTimeout bounds the initialize round trip.
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.config.HandshakeTimeout = d
	}
}

// WithDiagnosticsHandler sets a callback for published diagnostics.
func WithDiagnosticsHandler(cb func(*protocol.PublishDiagnosticsParams)) Option {
	return func(c *Client) {
		c.onDiagnostics = cb
	}
}

// WithShowMessageRequestHandler sets a callback for server prompts that
// expect the user to pick an action. Returning a nil item means the
// prompt was dismissed.
func WithShowMessageRequestHandler(cb func(ctx context.Context, params *protocol.ShowMessageRequestParams) (*protocol.MessageActionItem, error)) Option {
	return func(c *Client) {
		c.onShowMessageRequest = cb
	}
}

// WithApplyEditHandler sets a callback for workspace edits requested by
// the server.
func WithApplyEditHandler(cb func(ctx context.Context, params *protocol.ApplyWorkspaceEditParams) (*protocol.ApplyWorkspaceEditResponse, error)) Option {
	return func(c *Client) {
		c.onApplyEdit = cb
	}
}

// WithConfigurationHandler sets a callback answering workspace
// configuration requests. The result must contain one entry per
// requested item.
func WithConfigurationHandler(cb func(ctx context.Context, params *protocol.ConfigurationParams) ([]interface{}, error)) Option {
	return func(c *Client) {
		c.onConfiguration = cb
	}
}

// WithRegistrationHandler sets a callback for dynamic capability
// registrations.
func WithRegistrationHandler(cb func(*protocol.RegistrationParams)) Option {
	return func(c *Client) {
		c.onRegistration = cb
	}
}

// WithUnregistrationHandler sets a callback for dynamic capability
// unregistrations.
func WithUnregistrationHandler(cb func(*protocol.UnregistrationParams)) Option {
	return func(c *Client) {
		c.onUnregistration = cb
	}
}

// WithProgressHandler sets a callback for server progress reports.
func WithProgressHandler(cb func(*protocol.ProgressParams)) Option {
	return func(c *Client) {
		c.onProgress = cb
	}
}

// WithTelemetryHandler sets a callback for telemetry events.
func WithTelemetryHandler(cb func(event interface{})) Option {
	return func(c *Client) {
		c.onTelemetry = cb
	}
}

// WithInitializeFailedHandler sets the prompt consulted when the server
// rejects the handshake but offers a retry. Returning true retries the
// handshake once; the default declines.
func WithInitializeFailedHandler(cb func(err error) bool) Option {
	return func(c *Client) {
		c.onInitializeFailed = cb
	}
}
