package endpointmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// clientCallbacks deliver asynchronous endpoint events back to the registry.
// All callbacks may be invoked from sdk goroutines and must not re-enter the
// client synchronously.
type clientCallbacks struct {
	onToolsChanged     func()
	onResourcesChanged func()
	onClose            func(err error)
}

// client owns one endpoint's transport and protocol session: handshake,
// capability discovery, the liveness probe, and the single bounded
// reconnect-and-retry performed on a failed probe.
type client struct {
	endpointID string
	dial       func() (mcp.Transport, error)
	impl       *mcp.Implementation

	connectTimeout time.Duration
	callTimeout    time.Duration
	probeTimeout   time.Duration

	cbs    clientCallbacks
	logger *slog.Logger

	mu      sync.Mutex
	session *mcp.ClientSession
	closed  bool
}

func newClient(endpointID string, dial func() (mcp.Transport, error), impl *mcp.Implementation, opts Options, cbs clientCallbacks) *client {
	return &client{
		endpointID:     endpointID,
		dial:           dial,
		impl:           impl,
		connectTimeout: opts.ConnectTimeout,
		callTimeout:    opts.CallTimeout,
		probeTimeout:   opts.ProbeTimeout,
		cbs:            cbs,
		logger:         opts.Logger,
	}
}

// connect dials the transport and performs the capability-negotiation
// handshake under the bounded connect timeout. A remote that neither responds
// nor exits within the window yields a HandshakeTimeoutError; everything else
// is a TransportError carrying the child's stderr tail when available.
func (c *client) connect(ctx context.Context) error {
	transport, err := c.dial()
	if err != nil {
		return &TransportError{EndpointID: c.endpointID, Err: err}
	}

	mcpClient := mcp.NewClient(c.impl, &mcp.ClientOptions{
		ToolListChangedHandler: func(context.Context, *mcp.ToolListChangedRequest) {
			if c.cbs.onToolsChanged != nil {
				go c.cbs.onToolsChanged()
			}
		},
		ResourceListChangedHandler: func(context.Context, *mcp.ResourceListChangedRequest) {
			if c.cbs.onResourcesChanged != nil {
				go c.cbs.onResourcesChanged()
			}
		},
	})

	connectCtx, cancel := context.WithTimeout(ctx, c.connectTimeout)
	defer cancel()
	session, err := mcpClient.Connect(connectCtx, transport, nil)
	if err != nil {
		if connectCtx.Err() != nil && ctx.Err() == nil {
			return &HandshakeTimeoutError{EndpointID: c.endpointID, Timeout: c.connectTimeout}
		}
		if tailer, ok := transport.(stderrTailer); ok {
			if tail := strings.TrimSpace(tailer.StderrTail()); tail != "" {
				err = fmt.Errorf("%w; stderr=%s", err, tail)
			}
		}
		return &TransportError{EndpointID: c.endpointID, Err: err}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = session.Close()
		return &TransportError{EndpointID: c.endpointID, Err: errors.New("client closed during connect")}
	}
	c.session = session
	c.mu.Unlock()

	go c.monitor(session)
	return nil
}

// monitor waits for the session to terminate and notifies the registry,
// unless the session was replaced by a reconnect or the client was closed
// deliberately.
func (c *client) monitor(session *mcp.ClientSession) {
	err := session.Wait()
	c.mu.Lock()
	current := c.session == session
	if current {
		c.session = nil
	}
	closed := c.closed
	c.mu.Unlock()
	if current && !closed && c.cbs.onClose != nil {
		c.cbs.onClose(err)
	}
}

func (c *client) currentSession() *mcp.ClientSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// ping sends a protocol-level liveness probe under the probe timeout.
func (c *client) ping(ctx context.Context) error {
	session := c.currentSession()
	if session == nil {
		return &EndpointUnavailableError{EndpointID: c.endpointID}
	}
	probeCtx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()
	return session.Ping(probeCtx, nil)
}

// listTools fetches the endpoint's full tool catalog, following pagination.
// A remote that does not implement tools/list yields an empty list.
func (c *client) listTools(ctx context.Context) ([]*mcp.Tool, error) {
	session := c.currentSession()
	if session == nil {
		return nil, &EndpointUnavailableError{EndpointID: c.endpointID}
	}
	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()

	var tools []*mcp.Tool
	var cursor string
	for {
		res, err := session.ListTools(ctx, &mcp.ListToolsParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "tools/list") {
				return nil, nil
			}
			return nil, err
		}
		tools = append(tools, res.Tools...)
		if res.NextCursor == "" {
			return tools, nil
		}
		cursor = res.NextCursor
	}
}

// listResources degrades gracefully: a remote reporting the method as
// unsupported is treated as having no resources, distinct from a transport
// failure.
func (c *client) listResources(ctx context.Context) ([]*mcp.Resource, error) {
	session := c.currentSession()
	if session == nil {
		return nil, &EndpointUnavailableError{EndpointID: c.endpointID}
	}
	ctx, cancel := c.withCallTimeout(ctx)
	defer cancel()

	var resources []*mcp.Resource
	var cursor string
	for {
		res, err := session.ListResources(ctx, &mcp.ListResourcesParams{Cursor: cursor})
		if err != nil {
			if isMethodUnavailableError(err, "resources/list") {
				return nil, nil
			}
			return nil, err
		}
		resources = append(resources, res.Resources...)
		if res.NextCursor == "" {
			return resources, nil
		}
		cursor = res.NextCursor
	}
}

func (c *client) readResource(ctx context.Context, uri string) (*mcp.ReadResourceResult, error) {
	session := c.currentSession()
	if session == nil {
		return nil, &EndpointUnavailableError{EndpointID: c.endpointID}
	}
	return session.ReadResource(ctx, &mcp.ReadResourceParams{URI: uri})
}

// callTool forwards a tool invocation. It probes liveness first; on probe
// failure it performs exactly one transport reconnect and retries the call
// once. A second failure resolves to EndpointUnavailableError rather than
// hanging. The call itself runs under the caller's context with no overall
// deadline, so long-running tools are allowed unless the caller cancels.
func (c *client) callTool(ctx context.Context, name string, args any) (*mcp.CallToolResult, error) {
	params := &mcp.CallToolParams{Name: name, Arguments: args}

	session := c.currentSession()
	if session != nil {
		if err := c.ping(ctx); err == nil {
			return session.CallTool(ctx, params)
		}
		c.logger.Warn("liveness probe failed, reconnecting endpoint",
			"endpoint", c.endpointID)
	}

	if err := c.reconnect(ctx); err != nil {
		return nil, &EndpointUnavailableError{EndpointID: c.endpointID, Err: err}
	}
	session = c.currentSession()
	if session == nil {
		return nil, &EndpointUnavailableError{EndpointID: c.endpointID}
	}
	return session.CallTool(ctx, params)
}

// reconnect tears down the current session (if any) and re-establishes the
// transport once. On success the tools-changed callback fires so the owner
// can refresh its view of the endpoint's catalog.
func (c *client) reconnect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.New("client closed")
	}
	old := c.session
	c.session = nil
	c.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	if err := c.connect(ctx); err != nil {
		return err
	}
	if c.cbs.onToolsChanged != nil {
		go c.cbs.onToolsChanged()
	}
	return nil
}

// close terminates the session. The wait for the remote side is bounded by
// ctx; the sdk escalates child-process teardown after its own grace period.
func (c *client) close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.session = nil
	c.mu.Unlock()
	if session == nil {
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- session.Close() }()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func (c *client) withCallTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.callTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.callTimeout)
}

// isMethodUnavailableError reports whether err looks like the remote
// declining a method it does not implement, as opposed to a transport-level
// failure.
func isMethodUnavailableError(err error, method string) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	if !(strings.Contains(lower, "method not found") ||
		strings.Contains(lower, "not implemented") ||
		strings.Contains(lower, "unsupported") ||
		strings.Contains(lower, "does not support") ||
		strings.Contains(lower, "unimplemented")) {
		return false
	}
	for _, part := range strings.FieldsFunc(strings.ToLower(method), func(r rune) bool {
		return r == '/' || r == ':' || r == '.' || r == '_' || r == '-'
	}) {
		if part != "" && strings.Contains(lower, part) {
			return true
		}
	}
	return true
}
