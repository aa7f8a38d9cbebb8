package endpointmgr

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"

	"github.com/hostbridge/mcphub/pkg/eventbus"
)

// memStore is an in-memory endpointmgr.Store.
type memStore struct {
	mu      sync.Mutex
	configs []EndpointConfig
	saves   int
	saveErr error
}

func (s *memStore) failSaves(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveErr = err
}

func (s *memStore) Load() ([]EndpointConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EndpointConfig(nil), s.configs...), nil
}

func (s *memStore) Save(configs []EndpointConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.configs = append([]EndpointConfig(nil), configs...)
	s.saves++
	return nil
}

func (s *memStore) snapshot() []EndpointConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]EndpointConfig(nil), s.configs...)
}

// memSink records per-endpoint capability pushes.
type memSink struct {
	mu        sync.Mutex
	tools     map[string][]*mcp.Tool
	resources map[string][]*mcp.Resource
}

func newMemSink() *memSink {
	return &memSink{tools: make(map[string][]*mcp.Tool), resources: make(map[string][]*mcp.Resource)}
}

func (s *memSink) UpdateTools(endpointID string, tools []*mcp.Tool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[endpointID] = tools
}

func (s *memSink) UpdateResources(endpointID string, resources []*mcp.Resource) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resources[endpointID] = resources
}

func (s *memSink) RemoveEndpoint(endpointID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tools, endpointID)
	delete(s.resources, endpointID)
}

func (s *memSink) toolNames(endpointID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var names []string
	for _, tool := range s.tools[endpointID] {
		names = append(names, tool.Name)
	}
	return names
}

// memDialer serves in-memory transports backed by real MCP servers, keyed by
// endpoint name.
type memDialer struct {
	mu       sync.Mutex
	servers  map[string]*mcp.Server
	dials    map[string]int
	fail     bool
	sessions []*mcp.ServerSession

	entered chan struct{}
	release chan struct{}
}

func newMemDialer() *memDialer {
	return &memDialer{servers: make(map[string]*mcp.Server), dials: make(map[string]int)}
}

func (d *memDialer) Dial(cfg EndpointConfig) (mcp.Transport, error) {
	d.mu.Lock()
	d.dials[cfg.Name]++
	fail := d.fail
	srv := d.servers[cfg.Name]
	entered, release := d.entered, d.release
	d.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
		<-release
	}
	if fail || srv == nil {
		return nil, errors.New("dial refused")
	}
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	session, err := srv.Connect(context.Background(), serverTransport, nil)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	d.sessions = append(d.sessions, session)
	d.mu.Unlock()
	return clientTransport, nil
}

func (d *memDialer) dialCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials[name]
}

func newToolServer(toolNames ...string) *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: "fake-endpoint", Version: "0.0.1"}, nil)
	for _, name := range toolNames {
		name := name
		server.AddTool(&mcp.Tool{
			Name:        name,
			Description: name + " tool",
			InputSchema: &jsonschema.Schema{Type: "object"},
		}, func(context.Context, *mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: "ok:" + name}},
			}, nil
		})
	}
	return server
}

// eventRecorder counts bus events per type and endpoint.
type eventRecorder struct {
	mu     sync.Mutex
	counts map[eventbus.EventType]map[string]int
}

func recordEvents(bus *eventbus.Bus) *eventRecorder {
	r := &eventRecorder{counts: make(map[eventbus.EventType]map[string]int)}
	for _, tp := range []eventbus.EventType{
		eventbus.EndpointStarted, eventbus.EndpointStopped,
		eventbus.ToolsChanged, eventbus.ResourcesChanged,
	} {
		tp := tp
		bus.On(tp, func(ev eventbus.Event) {
			r.mu.Lock()
			defer r.mu.Unlock()
			if r.counts[tp] == nil {
				r.counts[tp] = make(map[string]int)
			}
			r.counts[tp][ev.EndpointID]++
		})
	}
	return r
}

func (r *eventRecorder) count(tp eventbus.EventType, endpointID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.counts[tp][endpointID]
}

type testRig struct {
	store    *memStore
	sink     *memSink
	dialer   *memDialer
	bus      *eventbus.Bus
	events   *eventRecorder
	registry *Registry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	rig := &testRig{
		store:  &memStore{},
		sink:   newMemSink(),
		dialer: newMemDialer(),
		bus:    eventbus.New(),
	}
	rig.events = recordEvents(rig.bus)
	rig.registry = NewRegistry(rig.store, rig.sink, rig.bus, Options{
		Dialer:         rig.dialer,
		ConnectTimeout: 5 * time.Second,
		CallTimeout:    5 * time.Second,
		ProbeTimeout:   time.Second,
		CloseTimeout:   time.Second,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rig.registry.CloseAll(ctx)
	})
	return rig
}

func processConfig(name string) EndpointConfig {
	return EndpointConfig{
		Name:      name,
		Transport: TransportProcess,
		Command:   "fake-server --stdio",
		Enabled:   true,
	}
}

func TestAddConnectsAndPublishes(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo", "sum")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)
	require.NotEmpty(t, cfg.ID)

	snap, ok := rig.registry.Get(cfg.ID)
	require.True(t, ok)
	require.True(t, snap.Connected)
	require.NoError(t, snap.LastError)
	require.Len(t, snap.Tools, 2)
	require.Equal(t, "echo", snap.Tools[0].Name)
	require.Equal(t, "sum", snap.Tools[1].Name)

	require.ElementsMatch(t, []string{"echo", "sum"}, rig.sink.toolNames(cfg.ID))
	require.Equal(t, 1, rig.events.count(eventbus.EndpointStarted, cfg.ID))
	require.GreaterOrEqual(t, rig.events.count(eventbus.ToolsChanged, cfg.ID), 1)

	saved := rig.store.snapshot()
	require.Len(t, saved, 1)
	require.Equal(t, cfg.ID, saved[0].ID)
	require.True(t, saved[0].Enabled)
}

func TestAddResourcelessEndpointDegrades(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)

	// The fake server never declared resources; discovery must treat the
	// method-not-found reply as an empty list, not a failure.
	snap, _ := rig.registry.Get(cfg.ID)
	require.True(t, snap.Connected)
	require.Empty(t, snap.Resources)
	require.Equal(t, 1, rig.events.count(eventbus.ResourcesChanged, cfg.ID))
}

func TestAddValidation(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	var vErr *ConfigValidationError

	_, err := rig.registry.Add(context.Background(), EndpointConfig{Transport: TransportProcess, Command: "x"})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "name", vErr.Field)

	_, err = rig.registry.Add(context.Background(), EndpointConfig{Name: "p", Transport: TransportProcess})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "command", vErr.Field)

	_, err = rig.registry.Add(context.Background(), EndpointConfig{Name: "s", Transport: TransportSSE})
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "url", vErr.Field)

	_, err = rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)
	_, err = rig.registry.Add(context.Background(), processConfig("alpha"))
	require.ErrorAs(t, err, &vErr)
	require.Equal(t, "name", vErr.Field)
}

func TestAddConnectFailureKeepsEndpoint(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	// No server registered for the name, so the dial is refused.

	cfg, err := rig.registry.Add(context.Background(), processConfig("ghost"))
	require.NoError(t, err)

	snap, ok := rig.registry.Get(cfg.ID)
	require.True(t, ok)
	require.False(t, snap.Connected)
	require.True(t, snap.Config.Enabled)

	var tErr *TransportError
	require.ErrorAs(t, snap.LastError, &tErr)

	require.Empty(t, rig.sink.toolNames(cfg.ID))
	require.Zero(t, rig.events.count(eventbus.EndpointStarted, cfg.ID))

	_, err = rig.registry.CallTool(context.Background(), cfg.ID, "echo", nil)
	var uErr *EndpointUnavailableError
	require.ErrorAs(t, err, &uErr)
}

func TestSetEnabledDisableIsIdempotent(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)

	require.NoError(t, rig.registry.SetEnabled(context.Background(), cfg.ID, false))
	snap, _ := rig.registry.Get(cfg.ID)
	require.False(t, snap.Connected)
	require.False(t, snap.Config.Enabled)
	require.Empty(t, snap.Tools)
	require.Empty(t, rig.sink.toolNames(cfg.ID))
	require.Equal(t, 1, rig.events.count(eventbus.EndpointStopped, cfg.ID))

	saved := rig.store.snapshot()
	require.False(t, saved[0].Enabled)

	// Second disable observes the terminal state and changes nothing.
	require.NoError(t, rig.registry.SetEnabled(context.Background(), cfg.ID, false))
	require.Equal(t, 1, rig.events.count(eventbus.EndpointStopped, cfg.ID))
}

func TestSetEnabledReconnects(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)
	require.NoError(t, rig.registry.SetEnabled(context.Background(), cfg.ID, false))
	require.NoError(t, rig.registry.SetEnabled(context.Background(), cfg.ID, true))

	snap, _ := rig.registry.Get(cfg.ID)
	require.True(t, snap.Connected)
	require.Equal(t, 2, rig.dialer.dialCount("alpha"))
	require.ElementsMatch(t, []string{"echo"}, rig.sink.toolNames(cfg.ID))
}

func TestEditDisconnectsAndReconnects(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")
	rig.dialer.servers["beta"] = newToolServer("echo", "sum")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)

	name := "beta"
	updated, err := rig.registry.Edit(context.Background(), cfg.ID, Patch{Name: &name})
	require.NoError(t, err)
	require.Equal(t, "beta", updated.Name)
	require.Equal(t, cfg.ID, updated.ID)

	snap, _ := rig.registry.Get(cfg.ID)
	require.True(t, snap.Connected)
	require.Len(t, snap.Tools, 2)
	require.Equal(t, 1, rig.dialer.dialCount("alpha"))
	require.Equal(t, 1, rig.dialer.dialCount("beta"))
	require.Equal(t, 2, rig.events.count(eventbus.EndpointStarted, cfg.ID))

	saved := rig.store.snapshot()
	require.Equal(t, "beta", saved[0].Name)
}

func TestEditRejectsDuplicateName(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")
	rig.dialer.servers["beta"] = newToolServer("echo")

	_, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)
	cfg, err := rig.registry.Add(context.Background(), processConfig("beta"))
	require.NoError(t, err)

	name := "alpha"
	_, err = rig.registry.Edit(context.Background(), cfg.ID, Patch{Name: &name})
	var vErr *ConfigValidationError
	require.ErrorAs(t, err, &vErr)
}

func TestRemoveIsIdempotent(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)

	require.NoError(t, rig.registry.Remove(context.Background(), cfg.ID))
	require.Empty(t, rig.registry.ListAll())
	require.Empty(t, rig.sink.toolNames(cfg.ID))
	require.Empty(t, rig.store.snapshot())

	require.NoError(t, rig.registry.Remove(context.Background(), cfg.ID))
	require.NoError(t, rig.registry.Remove(context.Background(), "never-existed"))
}

func TestDisableRacingConnectLeavesNoSession(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")
	rig.dialer.entered = make(chan struct{}, 1)
	rig.dialer.release = make(chan struct{})

	addDone := make(chan error, 1)
	var cfgID string
	go func() {
		cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
		cfgID = cfg.ID
		addDone <- err
	}()

	// The dial is in flight; the endpoint is already in the registry.
	<-rig.dialer.entered

	disableDone := make(chan error, 1)
	go func() {
		snaps := rig.registry.ListAll()
		disableDone <- rig.registry.SetEnabled(context.Background(), snaps[0].Config.ID, false)
	}()

	// Give the disable a moment to cancel the in-flight connect, then let the
	// dial proceed.
	time.Sleep(50 * time.Millisecond)
	close(rig.dialer.release)

	require.NoError(t, <-addDone)
	require.NoError(t, <-disableDone)

	snap, ok := rig.registry.Get(cfgID)
	require.True(t, ok)
	require.False(t, snap.Config.Enabled)
	require.False(t, snap.Connected)
	require.Empty(t, snap.Tools)
	require.Empty(t, rig.sink.toolNames(cfgID))
	require.Zero(t, rig.events.count(eventbus.EndpointStarted, cfgID))
}

func TestLoadConnectsEnabledOnly(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")
	rig.dialer.servers["beta"] = newToolServer("sum")
	rig.store.configs = []EndpointConfig{
		{ID: "id-a", Name: "alpha", Transport: TransportProcess, Command: "a", Enabled: true},
		{ID: "id-b", Name: "beta", Transport: TransportProcess, Command: "b", Enabled: false},
	}

	require.NoError(t, rig.registry.Load(context.Background()))

	snaps := rig.registry.ListAll()
	require.Len(t, snaps, 2)
	require.Equal(t, "id-a", snaps[0].Config.ID)
	require.True(t, snaps[0].Connected)
	require.Equal(t, "id-b", snaps[1].Config.ID)
	require.False(t, snaps[1].Connected)

	require.Equal(t, 1, rig.dialer.dialCount("alpha"))
	require.Zero(t, rig.dialer.dialCount("beta"))
	require.Empty(t, rig.sink.toolNames("id-b"))
}

func TestCallToolForwards(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)

	res, err := rig.registry.CallTool(context.Background(), cfg.ID, "echo", map[string]any{})
	require.NoError(t, err)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(*mcp.TextContent)
	require.True(t, ok)
	require.Equal(t, "ok:echo", text.Text)
}

func TestCallToolUnknownEndpoint(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	_, err := rig.registry.CallTool(context.Background(), "missing", "echo", nil)
	var uErr *EndpointUnavailableError
	require.ErrorAs(t, err, &uErr)
}

func TestStaleSessionCloseNotificationIsDiscarded(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)
	require.True(t, rig.registry.Connected(cfg.ID))

	rig.registry.mu.RLock()
	stale := rig.registry.endpoints[cfg.ID].client
	rig.registry.mu.RUnlock()

	// Reconnect under a fresh client.
	require.NoError(t, rig.registry.SetEnabled(context.Background(), cfg.ID, false))
	require.NoError(t, rig.registry.SetEnabled(context.Background(), cfg.ID, true))
	require.True(t, rig.registry.Connected(cfg.ID))
	stopped := rig.events.count(eventbus.EndpointStopped, cfg.ID)

	// A close notification from the torn-down session arrives late. The fresh
	// session must survive it.
	rig.registry.handleSessionClosed(cfg.ID, stale, errors.New("connection reset"))

	require.True(t, rig.registry.Connected(cfg.ID))
	require.Equal(t, []string{"echo"}, rig.sink.toolNames(cfg.ID))
	require.Equal(t, stopped, rig.events.count(eventbus.EndpointStopped, cfg.ID))

	// The same notification from the live client still tears down.
	rig.registry.mu.RLock()
	current := rig.registry.endpoints[cfg.ID].client
	rig.registry.mu.RUnlock()
	rig.registry.handleSessionClosed(cfg.ID, current, errors.New("connection reset"))

	require.False(t, rig.registry.Connected(cfg.ID))
	require.Empty(t, rig.sink.toolNames(cfg.ID))
}

func TestEditStoreFailureRollsBack(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)
	require.True(t, rig.registry.Connected(cfg.ID))

	rig.store.failSaves(errors.New("disk full"))

	newName := "renamed"
	_, err = rig.registry.Edit(context.Background(), cfg.ID, Patch{Name: &newName})
	require.Error(t, err)

	snap, ok := rig.registry.Get(cfg.ID)
	require.True(t, ok)
	require.Equal(t, "alpha", snap.Config.Name)
	require.True(t, snap.Connected)
	require.Equal(t, "alpha", rig.store.snapshot()[0].Name)
}

func TestClosedRegistryRejectsMutations(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), processConfig("alpha"))
	require.NoError(t, err)

	rig.registry.CloseAll(context.Background())

	require.Error(t, rig.registry.SetEnabled(context.Background(), cfg.ID, true))

	newName := "renamed"
	_, err = rig.registry.Edit(context.Background(), cfg.ID, Patch{Name: &newName})
	require.Error(t, err)

	_, err = rig.registry.Add(context.Background(), processConfig("beta"))
	require.Error(t, err)

	require.False(t, rig.registry.Connected(cfg.ID))
}

func TestConfigRoundTripThroughStore(t *testing.T) {
	t.Parallel()

	rig := newTestRig(t)
	rig.dialer.servers["alpha"] = newToolServer("echo")

	cfg, err := rig.registry.Add(context.Background(), EndpointConfig{
		Name:      "alpha",
		Transport: TransportProcess,
		Command:   "fake-server --stdio",
		Env:       map[string]string{"KEY": "v"},
		Enabled:   true,
	})
	require.NoError(t, err)

	reloaded := NewRegistry(rig.store, newMemSink(), eventbus.New(), Options{
		Dialer: rig.dialer, CloseTimeout: time.Second,
	})
	require.NoError(t, reloaded.Load(context.Background()))
	defer reloaded.CloseAll(context.Background())

	snaps := reloaded.ListAll()
	require.Len(t, snaps, 1)
	require.Equal(t, cfg.ID, snaps[0].Config.ID)
	require.Equal(t, "alpha", snaps[0].Config.Name)
	require.Equal(t, "fake-server --stdio", snaps[0].Config.Command)
	require.Equal(t, map[string]string{"KEY": "v"}, snaps[0].Config.Env)
	require.True(t, snaps[0].Config.Enabled)
}
