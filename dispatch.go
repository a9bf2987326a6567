package langclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.lsp.dev/jsonrpc2"
	"go.lsp.dev/protocol"
	"go.uber.org/zap"
)

// NotificationHandler consumes one server notification. A returned error
// is logged; notifications are never retried.
type NotificationHandler func(ctx context.Context, params json.RawMessage) error

// RequestHandler answers one server request. The result is marshaled
// back to the server; an error becomes the response error.
type RequestHandler func(ctx context.Context, params json.RawMessage) (interface{}, error)

// handlerRegistry holds user-installed handlers. Handlers may be
// registered before the session starts; they receive traffic only once
// the session is ready, and take precedence over the built-in behavior.
type handlerRegistry struct {
	mu            sync.Mutex
	notifications map[string]NotificationHandler
	requests      map[string]RequestHandler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{
		notifications: make(map[string]NotificationHandler),
		requests:      make(map[string]RequestHandler),
	}
}

func (r *handlerRegistry) notification(method string) NotificationHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.notifications[method]
}

func (r *handlerRegistry) request(method string) RequestHandler {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.requests[method]
}

// OnNotification installs a handler for a server notification method.
// It replaces any previous handler for the method.
func (c *Client) OnNotification(method string, handler NotificationHandler) {
	c.registry.mu.Lock()
	c.registry.notifications[method] = handler
	c.registry.mu.Unlock()
}

// OnRequest installs a handler for a server request method. It replaces
// any previous handler for the method.
func (c *Client) OnRequest(method string, handler RequestHandler) {
	c.registry.mu.Lock()
	c.registry.requests[method] = handler
	c.registry.mu.Unlock()
}

// --- Outbound gate ---

// call sends a request and decodes the response into result. Every
// outbound exchange passes the same gate: wait for the session to be
// ready, re-check that it is still running, drain coalesced document
// edits, then send. The server therefore always observes edits made so
// far before any request that may depend on them.
func (c *Client) call(ctx context.Context, method string, params, result interface{}) (err error) {
	c.logger.Debug("call " + method)
	defer c.logger.Debug("end "+method, zap.Error(err))

	if err = c.awaitReady(ctx); err != nil {
		return err
	}
	cn, err := c.activeConn()
	if err != nil {
		return err
	}
	c.docs.flush(ctx)

	_, err = cn.conn.Call(ctx, method, params, result)
	c.observe(cn, method, err)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}

// notify sends a notification through the same gate as call. Transport
// failures are counted and logged but not returned: the caller of a
// fire-and-forget message has no way to act on them.
func (c *Client) notify(ctx context.Context, method string, params interface{}) error {
	c.logger.Debug("notify " + method)

	if err := c.awaitReady(ctx); err != nil {
		return err
	}
	cn, err := c.activeConn()
	if err != nil {
		return err
	}
	c.docs.flush(ctx)

	if err := cn.conn.Notify(ctx, method, params); err != nil {
		c.observe(cn, method, err)
		c.logger.Warn("notify "+method, zap.Error(err))
		return nil
	}
	c.observe(cn, method, nil)
	return nil
}

// post sends a notification directly on the live connection, without
// waiting for readiness or flushing. The flush and replay paths use it
// to avoid re-entering the gate.
func (c *Client) post(ctx context.Context, method string, params interface{}) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()

	if cn == nil || !cn.alive() {
		return ErrClosed
	}
	err := cn.conn.Notify(ctx, method, params)
	c.observe(cn, method, err)
	return err
}

// observe maintains the per-connection consecutive failure count and
// consults the error policy. Server-reported response errors are normal
// protocol traffic and reset the counter like any success; context
// cancellation is the caller's doing and counts for nothing.
func (c *Client) observe(cn *connection, method string, err error) {
	if err == nil {
		cn.errCount.Store(0)
		return
	}

	var respErr *jsonrpc2.Error
	if errors.As(err, &respErr) {
		cn.errCount.Store(0)
		return
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}

	count := int(cn.errCount.Add(1))
	if c.handler.Error(err, method, count) == ErrorActionShutdown {
		c.logger.Error("transport failure limit reached, stopping server",
			zap.String("method", method), zap.Error(err))
		go func() { _ = c.Stop(context.Background()) }()
	}
}

// --- Inbound dispatch ---

// inboundHandler builds the handler serving server-to-client traffic on
// one connection. User handlers win over the built-in behavior; the
// built-ins keep the protocol functional when nothing is installed.
func (c *Client) inboundHandler(cn *connection) jsonrpc2.Handler {
	return func(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) error {
		cn.errCount.Store(0)

		if handled, err := c.userDispatch(ctx, reply, req); handled {
			return err
		}
		return c.builtinDispatch(ctx, reply, req)
	}
}

// userDispatch routes traffic to registered handlers once the session is
// ready. During the handshake only the built-ins see traffic.
func (c *Client) userDispatch(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) (bool, error) {
	if !c.sessionReady() {
		return false, nil
	}

	if _, ok := req.(*jsonrpc2.Call); ok {
		h := c.registry.request(req.Method())
		if h == nil {
			return false, nil
		}
		result, err := h(ctx, req.Params())
		return true, reply(ctx, result, err)
	}

	h := c.registry.notification(req.Method())
	if h == nil {
		return false, nil
	}
	if err := h(ctx, req.Params()); err != nil {
		c.logger.Warn("notification handler "+req.Method(), zap.Error(err))
		return true, reply(ctx, nil, err)
	}
	return true, reply(ctx, nil, nil)
}

//nolint:gocognit,gocyclo,cyclop // one arm per protocol method
func (c *Client) builtinDispatch(ctx context.Context, reply jsonrpc2.Replier, req jsonrpc2.Request) (err error) {
	dec := json.NewDecoder(bytes.NewReader(req.Params()))

	switch req.Method() {
	case protocol.MethodWindowLogMessage: // notification
		defer c.logger.Debug(protocol.MethodWindowLogMessage, zap.Error(err))

		var params protocol.LogMessageParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		switch params.Type {
		case protocol.MessageTypeError:
			c.logger.Error("server: " + params.Message)
		case protocol.MessageTypeWarning:
			c.logger.Warn("server: " + params.Message)
		case protocol.MessageTypeInfo:
			c.logger.Info("server: " + params.Message)
		default:
			c.logger.Debug("server: " + params.Message)
		}

		return reply(ctx, nil, nil)

	case protocol.MethodWindowShowMessage: // notification
		defer c.logger.Debug(protocol.MethodWindowShowMessage, zap.Error(err))

		var params protocol.ShowMessageParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.messenger != nil {
			c.messenger(params.Type, params.Message)
		} else {
			c.logger.Info("server message: " + params.Message)
		}

		return reply(ctx, nil, nil)

	case protocol.MethodWindowShowMessageRequest: // request
		defer c.logger.Debug(protocol.MethodWindowShowMessageRequest, zap.Error(err))

		var params protocol.ShowMessageRequestParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onShowMessageRequest == nil {
			return reply(ctx, nil, nil)
		}
		item, err := c.onShowMessageRequest(ctx, &params)

		return reply(ctx, item, err)

	case protocol.MethodTelemetryEvent: // notification
		defer c.logger.Debug(protocol.MethodTelemetryEvent, zap.Error(err))

		var event interface{}
		if err := dec.Decode(&event); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onTelemetry != nil {
			c.onTelemetry(event)
		} else {
			c.logger.Debug("telemetry event", zap.Any("event", event))
		}

		return reply(ctx, nil, nil)

	case protocol.MethodTextDocumentPublishDiagnostics: // notification
		defer c.logger.Debug(protocol.MethodTextDocumentPublishDiagnostics, zap.Error(err))

		var params protocol.PublishDiagnosticsParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onDiagnostics != nil {
			c.onDiagnostics(&params)
		} else {
			c.logger.Debug("diagnostics dropped",
				zap.String("uri", string(params.URI)), zap.Int("count", len(params.Diagnostics)))
		}

		return reply(ctx, nil, nil)

	case protocol.MethodWorkspaceApplyEdit: // request
		defer c.logger.Debug(protocol.MethodWorkspaceApplyEdit, zap.Error(err))

		var params protocol.ApplyWorkspaceEditParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onApplyEdit == nil {
			return reply(ctx, &protocol.ApplyWorkspaceEditResponse{
				Applied:       false,
				FailureReason: "client does not apply edits",
			}, nil)
		}
		resp, err := c.onApplyEdit(ctx, &params)

		return reply(ctx, resp, err)

	case protocol.MethodWorkspaceConfiguration: // request
		defer c.logger.Debug(protocol.MethodWorkspaceConfiguration, zap.Error(err))

		var params protocol.ConfigurationParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onConfiguration == nil {
			// One null per requested item keeps the response well formed.
			return reply(ctx, make([]interface{}, len(params.Items)), nil)
		}
		results, err := c.onConfiguration(ctx, &params)

		return reply(ctx, results, err)

	case protocol.MethodWorkspaceWorkspaceFolders: // request
		defer c.logger.Debug(protocol.MethodWorkspaceWorkspaceFolders, zap.Error(err))

		return reply(ctx, c.config.WorkspaceFolders, nil)

	case protocol.MethodClientRegisterCapability: // request
		defer c.logger.Debug(protocol.MethodClientRegisterCapability, zap.Error(err))

		var params protocol.RegistrationParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onRegistration != nil {
			c.onRegistration(&params)
		}

		return reply(ctx, nil, nil)

	case protocol.MethodClientUnregisterCapability: // request
		defer c.logger.Debug(protocol.MethodClientUnregisterCapability, zap.Error(err))

		var params protocol.UnregistrationParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onUnregistration != nil {
			c.onUnregistration(&params)
		}

		return reply(ctx, nil, nil)

	case protocol.MethodWorkDoneProgressCreate: // request
		defer c.logger.Debug(protocol.MethodWorkDoneProgressCreate, zap.Error(err))

		var params protocol.WorkDoneProgressCreateParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		return reply(ctx, nil, nil)

	case protocol.MethodProgress: // notification
		var params protocol.ProgressParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		if c.onProgress != nil {
			c.onProgress(&params)
		}

		return reply(ctx, nil, nil)

	case protocol.MethodLogTrace: // notification
		var params protocol.LogTraceParams
		if err := dec.Decode(&params); err != nil {
			return replyParseError(ctx, reply, err)
		}

		c.logger.Debug("trace: " + params.Message)

		return reply(ctx, nil, nil)

	default:
		if _, ok := req.(*jsonrpc2.Call); ok {
			return jsonrpc2.MethodNotFoundHandler(ctx, reply, req)
		}

		c.logger.Debug("unhandled notification", zap.String("method", req.Method()))

		return reply(ctx, nil, nil)
	}
}

func replyParseError(ctx context.Context, reply jsonrpc2.Replier, err error) error {
	return reply(ctx, nil, fmt.Errorf("%s: %w", jsonrpc2.ErrParse, err))
}
