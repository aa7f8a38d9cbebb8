package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/cors"

	"github.com/hostbridge/mcphub/pkg/catalog"
	"github.com/hostbridge/mcphub/pkg/endpointmgr"
	"github.com/hostbridge/mcphub/pkg/eventbus"
)

// Gateway exposes a Streamable MCP server that fronts the aggregated catalog
// of every connected endpoint under a single HTTP surface. It mirrors the
// catalog into the embedded server and keeps the mirror current by
// subscribing to the event bus.
type Gateway struct {
	registry *endpointmgr.Registry
	catalog  *catalog.Catalog
	opts     Options

	server        *mcp.Server
	streamHandler *mcp.StreamableHTTPHandler
	mux           *http.ServeMux
	httpHandler   http.Handler

	serverMu      sync.Mutex
	toolsByEP     map[string][]string
	resourcesByEP map[string][]string
	resourceOwner map[string]string

	subs []*eventbus.Subscription

	httpServerMu sync.Mutex
	httpServer   *http.Server
}

// New builds a Gateway over the registry and catalog, mirrors the current
// catalog into the embedded server, and subscribes to bus events to stay in
// sync.
func New(registry *endpointmgr.Registry, cat *catalog.Catalog, bus *eventbus.Bus, opts *Options) (*Gateway, error) {
	if registry == nil || cat == nil {
		return nil, fmt.Errorf("gateway: registry and catalog are required")
	}
	options := opts.withDefaults()
	g := &Gateway{
		registry:      registry,
		catalog:       cat,
		opts:          options,
		toolsByEP:     make(map[string][]string),
		resourcesByEP: make(map[string][]string),
		resourceOwner: make(map[string]string),
	}

	g.server = mcp.NewServer(options.Implementation, &mcp.ServerOptions{
		HasTools:     true,
		HasResources: true,
	})
	g.streamHandler = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return g.server
	}, &options.Streamable)
	g.mux = g.mountMux()
	g.httpHandler = cors.New(*options.CORS).Handler(g.mux)

	if bus != nil {
		g.subs = []*eventbus.Subscription{
			bus.On(eventbus.ToolsChanged, func(ev eventbus.Event) {
				g.syncTools(ev.EndpointID)
			}),
			bus.On(eventbus.ResourcesChanged, func(ev eventbus.Event) {
				g.syncResources(ev.EndpointID)
			}),
			bus.On(eventbus.EndpointStopped, func(ev eventbus.Event) {
				g.detachEndpoint(ev.EndpointID)
			}),
		}
	}

	g.SyncAll()
	return g, nil
}

// Handler exposes the full HTTP handler: the Streamable endpoint plus the
// health route, wrapped with CORS.
func (g *Gateway) Handler() http.Handler { return g.httpHandler }

// ServeMux exposes the underlying mux so embedders can add routes before
// serving.
func (g *Gateway) ServeMux() *http.ServeMux { return g.mux }

// Options returns the effective option set after defaulting.
func (g *Gateway) Options() Options { return g.opts }

// Close cancels the gateway's bus subscriptions.
func (g *Gateway) Close() {
	for _, sub := range g.subs {
		sub.Cancel()
	}
	g.subs = nil
}

// ListenAndServe runs an HTTP server until the provided context is cancelled
// or the server stops.
func (g *Gateway) ListenAndServe(ctx context.Context) error {
	g.httpServerMu.Lock()
	if g.httpServer != nil {
		srv := g.httpServer
		g.httpServerMu.Unlock()
		return fmt.Errorf("gateway: server already running on %s", srv.Addr)
	}
	srv := &http.Server{Addr: g.opts.Addr, Handler: g.Handler()}
	g.httpServer = srv
	g.httpServerMu.Unlock()
	defer func() {
		g.httpServerMu.Lock()
		if g.httpServer == srv {
			g.httpServer = nil
		}
		g.httpServerMu.Unlock()
	}()

	g.opts.Logger.Info("gateway listening", "addr", g.opts.Addr, "path", g.opts.Path)
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), g.opts.SyncTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// Shutdown stops the embedded HTTP server if it is running.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.httpServerMu.Lock()
	srv := g.httpServer
	g.httpServer = nil
	g.httpServerMu.Unlock()
	if srv == nil {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	return srv.Shutdown(ctx)
}

// SyncAll rebuilds the embedded server's registrations from the current
// catalog.
func (g *Gateway) SyncAll() {
	seen := make(map[string]struct{})
	for _, entry := range g.catalog.Entries() {
		seen[entry.EndpointID] = struct{}{}
	}
	for _, res := range g.catalog.Resources() {
		seen[res.EndpointID] = struct{}{}
	}
	g.serverMu.Lock()
	for id := range g.toolsByEP {
		seen[id] = struct{}{}
	}
	for id := range g.resourcesByEP {
		seen[id] = struct{}{}
	}
	g.serverMu.Unlock()

	for id := range seen {
		g.syncTools(id)
		g.syncResources(id)
	}
}

// syncTools replaces one endpoint's tool registrations with its current
// catalog entries.
func (g *Gateway) syncTools(endpointID string) {
	var desired []catalog.Entry
	for _, entry := range g.catalog.Entries() {
		if entry.EndpointID == endpointID {
			desired = append(desired, entry)
		}
	}

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if old := g.toolsByEP[endpointID]; len(old) > 0 {
		g.server.RemoveTools(old...)
	}
	names := make([]string, 0, len(desired))
	for _, entry := range desired {
		tool := *entry.Tool
		tool.Name = entry.CatalogName
		g.server.AddTool(&tool, g.makeToolHandler(entry.CatalogName))
		names = append(names, entry.CatalogName)
	}
	if len(names) == 0 {
		delete(g.toolsByEP, endpointID)
	} else {
		g.toolsByEP[endpointID] = names
	}
}

// syncResources replaces one endpoint's resource registrations. Resources
// keep their native URIs; on a URI collision across endpoints the first
// registration wins.
func (g *Gateway) syncResources(endpointID string) {
	var desired []*mcp.Resource
	for _, res := range g.catalog.Resources() {
		if res.EndpointID == endpointID {
			desired = append(desired, res.Resource)
		}
	}

	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if old := g.resourcesByEP[endpointID]; len(old) > 0 {
		g.server.RemoveResources(old...)
		for _, uri := range old {
			if g.resourceOwner[uri] == endpointID {
				delete(g.resourceOwner, uri)
			}
		}
	}
	uris := make([]string, 0, len(desired))
	for _, res := range desired {
		if owner, taken := g.resourceOwner[res.URI]; taken && owner != endpointID {
			g.opts.Logger.Warn("resource uri collision, keeping existing registration",
				"uri", res.URI, "owner", owner, "endpoint", endpointID)
			continue
		}
		g.resourceOwner[res.URI] = endpointID
		g.server.AddResource(res, g.makeResourceHandler(endpointID))
		uris = append(uris, res.URI)
	}
	if len(uris) == 0 {
		delete(g.resourcesByEP, endpointID)
	} else {
		g.resourcesByEP[endpointID] = uris
	}
}

// detachEndpoint withdraws everything a stopped endpoint contributed.
func (g *Gateway) detachEndpoint(endpointID string) {
	g.serverMu.Lock()
	defer g.serverMu.Unlock()
	if old := g.toolsByEP[endpointID]; len(old) > 0 {
		g.server.RemoveTools(old...)
		delete(g.toolsByEP, endpointID)
	}
	if old := g.resourcesByEP[endpointID]; len(old) > 0 {
		g.server.RemoveResources(old...)
		for _, uri := range old {
			if g.resourceOwner[uri] == endpointID {
				delete(g.resourceOwner, uri)
			}
		}
		delete(g.resourcesByEP, endpointID)
	}
}

func (g *Gateway) makeToolHandler(catalogName string) mcp.ToolHandler {
	return func(ctx context.Context, req *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entry, ok := g.catalog.Resolve(catalogName)
		if !ok {
			return nil, fmt.Errorf("gateway: unknown tool %q", catalogName)
		}
		var args any
		if req.Params != nil {
			args = req.Params.Arguments
		}
		return g.registry.CallTool(ctx, entry.EndpointID, entry.ToolName, args)
	}
}

func (g *Gateway) makeResourceHandler(endpointID string) mcp.ResourceHandler {
	return func(ctx context.Context, req *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
		if req == nil || req.Params == nil {
			return nil, fmt.Errorf("gateway: missing read params")
		}
		return g.registry.ReadResource(ctx, endpointID, req.Params.URI)
	}
}

func (g *Gateway) mountMux() *http.ServeMux {
	path := g.opts.Path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	mux := http.NewServeMux()
	mux.Handle(path, g.streamHandler)
	if !strings.HasSuffix(path, "/") {
		mux.Handle(path+"/", g.streamHandler)
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}
