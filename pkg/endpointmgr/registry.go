package endpointmgr

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hostbridge/mcphub/pkg/eventbus"
)

// CatalogSink receives per-endpoint capability updates. The aggregated tool
// catalog implements it; the registry pushes into it before emitting the
// corresponding bus event so subscribers observe a consistent catalog.
type CatalogSink interface {
	UpdateTools(endpointID string, tools []*mcp.Tool)
	UpdateResources(endpointID string, resources []*mcp.Resource)
	RemoveEndpoint(endpointID string)
}

// Options configure a Registry. The zero value is usable; withDefaults fills
// in production settings.
type Options struct {
	// ConnectTimeout bounds transport dialing plus the protocol handshake.
	ConnectTimeout time.Duration
	// CallTimeout bounds capability discovery calls (tools/list and
	// resources/list). Tool invocations are bounded by the caller's context
	// only.
	CallTimeout time.Duration
	// ProbeTimeout bounds the liveness ping sent before each tool call.
	ProbeTimeout time.Duration
	// CloseTimeout bounds graceful session teardown.
	CloseTimeout time.Duration

	// ClientName and ClientVersion identify this host in the MCP handshake.
	ClientName    string
	ClientVersion string

	Logger *slog.Logger
	Dialer Dialer
}

func (o Options) withDefaults() Options {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.CallTimeout <= 0 {
		o.CallTimeout = 30 * time.Second
	}
	if o.ProbeTimeout <= 0 {
		o.ProbeTimeout = 2 * time.Second
	}
	if o.CloseTimeout <= 0 {
		o.CloseTimeout = 5 * time.Second
	}
	if o.ClientName == "" {
		o.ClientName = "mcphub"
	}
	if o.ClientVersion == "" {
		o.ClientVersion = "0.1.0"
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = NewDialer()
	}
	return o
}

// EndpointSnapshot is a point-in-time view of one endpoint's configuration
// and connectivity.
type EndpointSnapshot struct {
	Config    EndpointConfig
	Connected bool
	Tools     []*mcp.Tool
	Resources []*mcp.Resource
	LastError error
}

// endpointState is the registry's live record for one configured endpoint.
// Fields are guarded by the registry mutex; ops serializes lifecycle
// operations (connect, disconnect, edit) so they never interleave for the
// same endpoint. gen increments on every lifecycle transition: a connect
// attempt that finishes under a stale generation discards its session instead
// of registering it.
type endpointState struct {
	ops sync.Mutex

	config        EndpointConfig
	gen           uint64
	cancelConnect context.CancelFunc
	client        *client
	connected     bool
	tools         []*mcp.Tool
	resources     []*mcp.Resource
	lastErr       error
}

// Registry owns the set of configured endpoints: their persisted
// configuration, their live client sessions, and the propagation of their
// capabilities into the catalog and onto the event bus.
type Registry struct {
	opts  Options
	store Store
	sink  CatalogSink
	bus   *eventbus.Bus
	impl  *mcp.Implementation

	mu        sync.RWMutex
	endpoints map[string]*endpointState
	order     []string
	closed    bool
}

// NewRegistry builds a registry over the given settings store. sink and bus
// may be nil, in which case catalog updates and events are skipped.
func NewRegistry(store Store, sink CatalogSink, bus *eventbus.Bus, opts Options) *Registry {
	opts = opts.withDefaults()
	return &Registry{
		opts:      opts,
		store:     store,
		sink:      sink,
		bus:       bus,
		impl:      &mcp.Implementation{Name: opts.ClientName, Version: opts.ClientVersion},
		endpoints: make(map[string]*endpointState),
	}
}

// Load reads the persisted endpoint set and connects every enabled endpoint.
// Individual connect failures are recorded on the endpoint and do not abort
// the load.
func (r *Registry) Load(ctx context.Context) error {
	configs, err := r.store.Load()
	if err != nil {
		return fmt.Errorf("endpointmgr: load endpoints: %w", err)
	}

	r.mu.Lock()
	for _, cfg := range configs {
		if cfg.ID == "" || r.endpoints[cfg.ID] != nil {
			continue
		}
		r.endpoints[cfg.ID] = &endpointState{config: cfg}
		r.order = append(r.order, cfg.ID)
	}
	states := make([]*endpointState, 0, len(r.order))
	for _, id := range r.order {
		states = append(states, r.endpoints[id])
	}
	r.mu.Unlock()

	for _, st := range states {
		st.ops.Lock()
		if st.config.Enabled {
			r.connectLocked(ctx, st)
		}
		st.ops.Unlock()
	}
	return nil
}

// Add validates and persists a new endpoint, then connects it when enabled.
// The generated endpoint ID is returned on the config. A transport or
// handshake failure does not fail the add: the endpoint is kept in the
// disconnected state with the error recorded on its snapshot.
func (r *Registry) Add(ctx context.Context, cfg EndpointConfig) (EndpointConfig, error) {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	cfg.Env = cloneEnv(cfg.Env)
	if err := cfg.validate(); err != nil {
		return EndpointConfig{}, err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return EndpointConfig{}, fmt.Errorf("endpointmgr: registry is closed")
	}
	if _, exists := r.endpoints[cfg.ID]; exists {
		r.mu.Unlock()
		return EndpointConfig{}, &ConfigValidationError{Field: "id", Reason: fmt.Sprintf("endpoint %q already exists", cfg.ID)}
	}
	if other := r.findByNameLocked(cfg.Name); other != "" {
		r.mu.Unlock()
		return EndpointConfig{}, &ConfigValidationError{Field: "name", Reason: fmt.Sprintf("name %q is already used by endpoint %q", cfg.Name, other)}
	}
	st := &endpointState{config: cfg}
	r.endpoints[cfg.ID] = st
	r.order = append(r.order, cfg.ID)
	if err := r.persistLocked(); err != nil {
		delete(r.endpoints, cfg.ID)
		r.order = r.order[:len(r.order)-1]
		r.mu.Unlock()
		return EndpointConfig{}, err
	}
	r.mu.Unlock()

	st.ops.Lock()
	if cfg.Enabled {
		r.connectLocked(ctx, st)
	}
	st.ops.Unlock()
	return cfg, nil
}

// Edit applies a partial update to an endpoint's configuration. Because any
// field may affect the transport, the endpoint is fully disconnected and,
// when enabled, reconnected under the new configuration.
func (r *Registry) Edit(ctx context.Context, id string, patch Patch) (EndpointConfig, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return EndpointConfig{}, fmt.Errorf("endpointmgr: registry is closed")
	}
	st, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return EndpointConfig{}, fmt.Errorf("endpointmgr: unknown endpoint %q", id)
	}
	updated := patch.apply(st.config)
	if err := updated.validate(); err != nil {
		r.mu.Unlock()
		return EndpointConfig{}, err
	}
	if other := r.findByNameLocked(updated.Name); other != "" && other != id {
		r.mu.Unlock()
		return EndpointConfig{}, &ConfigValidationError{Field: "name", Reason: fmt.Sprintf("name %q is already used by endpoint %q", updated.Name, other)}
	}
	r.invalidateLocked(st)
	r.mu.Unlock()

	st.ops.Lock()
	defer st.ops.Unlock()
	r.disconnectLocked(st)

	r.mu.Lock()
	prev := st.config
	st.config = updated
	err := r.persistLocked()
	if err != nil {
		st.config = prev
	}
	r.mu.Unlock()
	if err != nil {
		if prev.Enabled {
			r.connectLocked(ctx, st)
		}
		return EndpointConfig{}, err
	}

	if updated.Enabled {
		r.connectLocked(ctx, st)
	}
	return updated, nil
}

// Remove disconnects and deletes an endpoint. Removing an unknown ID is a
// no-op.
func (r *Registry) Remove(ctx context.Context, id string) error {
	r.mu.Lock()
	st, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return nil
	}
	r.invalidateLocked(st)
	delete(r.endpoints, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	st.ops.Lock()
	r.disconnectLocked(st)
	st.ops.Unlock()
	return nil
}

// SetEnabled toggles an endpoint. Disabling cancels any in-flight connect
// before tearing the session down, so a connect racing with a disable never
// leaves a live session behind. Toggling to the current state is a no-op for
// connectivity but is still persisted.
func (r *Registry) SetEnabled(ctx context.Context, id string, enabled bool) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return fmt.Errorf("endpointmgr: registry is closed")
	}
	st, ok := r.endpoints[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("endpointmgr: unknown endpoint %q", id)
	}
	st.config.Enabled = enabled
	if !enabled {
		r.invalidateLocked(st)
	}
	err := r.persistLocked()
	r.mu.Unlock()
	if err != nil {
		return err
	}

	st.ops.Lock()
	defer st.ops.Unlock()
	if enabled {
		r.mu.RLock()
		connected := st.connected
		r.mu.RUnlock()
		if !connected {
			r.connectLocked(ctx, st)
		}
	} else {
		r.disconnectLocked(st)
	}
	return nil
}

// Get returns a snapshot of one endpoint.
func (r *Registry) Get(id string) (EndpointSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.endpoints[id]
	if !ok {
		return EndpointSnapshot{}, false
	}
	return r.snapshotLocked(st), true
}

// ListAll returns snapshots of every configured endpoint in insertion order.
func (r *Registry) ListAll() []EndpointSnapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]EndpointSnapshot, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.snapshotLocked(r.endpoints[id]))
	}
	return out
}

// FindByName resolves a user-facing endpoint name to its snapshot.
func (r *Registry) FindByName(name string) (EndpointSnapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, st := range r.endpoints {
		if strings.EqualFold(st.config.Name, name) {
			return r.snapshotLocked(st), true
		}
	}
	return EndpointSnapshot{}, false
}

// Connected reports whether the endpoint currently holds a live session.
func (r *Registry) Connected(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.endpoints[id]
	return ok && st.connected
}

// CallTool forwards a tool invocation to the endpoint's live session. A
// disconnected endpoint fails fast with EndpointUnavailableError; a connected
// endpoint whose liveness probe fails gets one reconnect and one retry.
func (r *Registry) CallTool(ctx context.Context, endpointID, tool string, args any) (*mcp.CallToolResult, error) {
	c, err := r.liveClient(endpointID)
	if err != nil {
		return nil, err
	}
	return c.callTool(ctx, tool, args)
}

// ReadResource reads a resource from the endpoint's live session.
func (r *Registry) ReadResource(ctx context.Context, endpointID, uri string) (*mcp.ReadResourceResult, error) {
	c, err := r.liveClient(endpointID)
	if err != nil {
		return nil, err
	}
	return c.readResource(ctx, uri)
}

// CloseAll disconnects every endpoint and marks the registry closed. The
// per-endpoint teardown is bounded by ctx.
func (r *Registry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	states := make([]*endpointState, 0, len(r.order))
	for _, id := range r.order {
		st := r.endpoints[id]
		r.invalidateLocked(st)
		states = append(states, st)
	}
	r.mu.Unlock()

	for _, st := range states {
		st.ops.Lock()
		r.disconnectLocked(st)
		st.ops.Unlock()
	}
}

func (r *Registry) liveClient(endpointID string) (*client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.endpoints[endpointID]
	if !ok {
		return nil, &EndpointUnavailableError{EndpointID: endpointID, Err: fmt.Errorf("unknown endpoint")}
	}
	if !st.connected || st.client == nil {
		return nil, &EndpointUnavailableError{EndpointID: endpointID}
	}
	return st.client, nil
}

func (r *Registry) findByNameLocked(name string) string {
	for id, st := range r.endpoints {
		if strings.EqualFold(st.config.Name, name) {
			return id
		}
	}
	return ""
}

func (r *Registry) snapshotLocked(st *endpointState) EndpointSnapshot {
	cfg := st.config
	cfg.Env = cloneEnv(cfg.Env)
	return EndpointSnapshot{
		Config:    cfg,
		Connected: st.connected,
		Tools:     append([]*mcp.Tool(nil), st.tools...),
		Resources: append([]*mcp.Resource(nil), st.resources...),
		LastError: st.lastErr,
	}
}

// invalidateLocked bumps the endpoint's generation and cancels any in-flight
// connect. Callers hold r.mu. A connect attempt observing a stale generation
// closes its session instead of registering it.
func (r *Registry) invalidateLocked(st *endpointState) {
	st.gen++
	if st.cancelConnect != nil {
		st.cancelConnect()
		st.cancelConnect = nil
	}
}

// persistLocked writes the full endpoint sequence back to the store. Callers
// hold r.mu.
func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	configs := make([]EndpointConfig, 0, len(r.order))
	for _, id := range r.order {
		configs = append(configs, r.endpoints[id].config)
	}
	if err := r.store.Save(configs); err != nil {
		return fmt.Errorf("endpointmgr: persist endpoints: %w", err)
	}
	return nil
}

// connectLocked establishes the endpoint's session and publishes its
// capabilities. The caller holds st.ops. Transport and handshake failures are
// absorbed into the endpoint state rather than returned: the endpoint stays
// configured with LastError set.
func (r *Registry) connectLocked(ctx context.Context, st *endpointState) {
	r.mu.Lock()
	st.gen++
	attempt := st.gen
	cfg := st.config
	connectCtx, cancel := context.WithCancel(ctx)
	st.cancelConnect = cancel
	r.mu.Unlock()
	defer cancel()

	id := cfg.ID
	dial := func() (mcp.Transport, error) { return r.opts.Dialer.Dial(cfg) }
	var c *client
	c = newClient(id, dial, r.impl, r.opts, clientCallbacks{
		onToolsChanged:     func() { r.syncTools(context.Background(), id) },
		onResourcesChanged: func() { r.syncResources(context.Background(), id) },
		onClose:            func(err error) { r.handleSessionClosed(id, c, err) },
	})

	err := c.connect(connectCtx)

	r.mu.Lock()
	if st.gen != attempt {
		r.mu.Unlock()
		if err == nil {
			closeCtx, closeCancel := context.WithTimeout(context.Background(), r.opts.CloseTimeout)
			_ = c.close(closeCtx)
			closeCancel()
		}
		return
	}
	st.cancelConnect = nil
	if err != nil {
		st.connected = false
		st.client = nil
		st.lastErr = err
		r.mu.Unlock()
		r.opts.Logger.Warn("endpoint connect failed",
			"endpoint", id, "name", cfg.Name, "error", err)
		return
	}
	st.client = c
	st.connected = true
	st.lastErr = nil
	r.mu.Unlock()

	r.opts.Logger.Info("endpoint connected",
		"endpoint", id, "name", cfg.Name, "transport", cfg.Transport)
	r.emit(eventbus.EndpointStarted, id, nil)
	r.syncTools(ctx, id)
	r.syncResources(ctx, id)
}

// disconnectLocked tears the endpoint's session down and withdraws its
// capabilities. The caller holds st.ops; the generation was already bumped by
// invalidateLocked or is bumped here.
func (r *Registry) disconnectLocked(st *endpointState) {
	r.mu.Lock()
	st.gen++
	c := st.client
	wasConnected := st.connected
	st.client = nil
	st.connected = false
	st.tools = nil
	st.resources = nil
	id := st.config.ID
	r.mu.Unlock()

	if c != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), r.opts.CloseTimeout)
		_ = c.close(closeCtx)
		cancel()
	}
	if wasConnected {
		if r.sink != nil {
			r.sink.RemoveEndpoint(id)
		}
		r.opts.Logger.Info("endpoint disconnected", "endpoint", id)
		r.emit(eventbus.EndpointStopped, id, nil)
		r.emit(eventbus.ToolsChanged, id, nil)
	}
}

// handleSessionClosed reacts to an unsolicited session termination reported
// by the client's monitor goroutine. The notification names the client it
// came from: if the endpoint has been reconnected meanwhile, the stale
// notification is discarded rather than tearing down the fresh session.
func (r *Registry) handleSessionClosed(id string, c *client, err error) {
	r.mu.Lock()
	st, ok := r.endpoints[id]
	if !ok || !st.connected || st.client != c {
		r.mu.Unlock()
		return
	}
	st.connected = false
	st.client = nil
	st.tools = nil
	st.resources = nil
	if err != nil {
		st.lastErr = &TransportError{EndpointID: id, Err: err}
	}
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.RemoveEndpoint(id)
	}
	r.opts.Logger.Warn("endpoint session closed", "endpoint", id, "error", err)
	r.emit(eventbus.EndpointStopped, id, err)
	r.emit(eventbus.ToolsChanged, id, nil)
}

// syncTools refreshes one endpoint's tool list and publishes it. Stale
// refreshes (the endpoint was reconfigured or disabled meanwhile) are
// discarded.
func (r *Registry) syncTools(ctx context.Context, id string) {
	r.mu.RLock()
	st, ok := r.endpoints[id]
	if !ok || !st.connected || st.client == nil {
		r.mu.RUnlock()
		return
	}
	c := st.client
	attempt := st.gen
	r.mu.RUnlock()

	tools, err := c.listTools(ctx)
	if err != nil {
		r.opts.Logger.Warn("tool discovery failed", "endpoint", id, "error", err)
		return
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	r.mu.Lock()
	if st.gen != attempt || st.client != c {
		r.mu.Unlock()
		return
	}
	st.tools = tools
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.UpdateTools(id, tools)
	}
	r.emit(eventbus.ToolsChanged, id, nil)
}

func (r *Registry) syncResources(ctx context.Context, id string) {
	r.mu.RLock()
	st, ok := r.endpoints[id]
	if !ok || !st.connected || st.client == nil {
		r.mu.RUnlock()
		return
	}
	c := st.client
	attempt := st.gen
	r.mu.RUnlock()

	resources, err := c.listResources(ctx)
	if err != nil {
		r.opts.Logger.Warn("resource discovery failed", "endpoint", id, "error", err)
		return
	}

	r.mu.Lock()
	if st.gen != attempt || st.client != c {
		r.mu.Unlock()
		return
	}
	st.resources = resources
	r.mu.Unlock()

	if r.sink != nil {
		r.sink.UpdateResources(id, resources)
	}
	r.emit(eventbus.ResourcesChanged, id, nil)
}

func (r *Registry) emit(event eventbus.EventType, endpointID string, data any) {
	if r.bus == nil {
		return
	}
	r.bus.Emit(event, eventbus.Event{EndpointID: endpointID, Data: data})
}
