package endpointmgr

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/require"
)

func TestMergeEnvConfigWins(t *testing.T) {
	t.Parallel()

	host := []string{"PATH=/usr/bin", "HOME=/home/u", "TOKEN=old"}
	merged := mergeEnv(host, map[string]string{"TOKEN": "new", "EXTRA": "1"})

	require.Contains(t, merged, "TOKEN=new")
	require.Contains(t, merged, "EXTRA=1")
	require.Contains(t, merged, "PATH=/usr/bin")
	require.NotContains(t, merged, "TOKEN=old")
	require.IsIncreasing(t, merged)
}

func TestMergeEnvNoExtras(t *testing.T) {
	t.Parallel()

	host := []string{"PATH=/usr/bin"}
	require.Equal(t, host, mergeEnv(host, nil))
}

func TestDialProcessSplitsCommand(t *testing.T) {
	t.Parallel()

	transport, err := NewDialer().Dial(EndpointConfig{
		ID:        "ep",
		Name:      "files",
		Transport: TransportProcess,
		Command:   `npx -y "@example/files server" --root /tmp`,
	})
	require.NoError(t, err)

	pt, ok := transport.(*processTransport)
	require.True(t, ok)
	args := pt.Command.Args
	require.Equal(t, []string{"npx", "-y", "@example/files server", "--root", "/tmp"}, args)
}

func TestDialProcessRejectsEmptyCommand(t *testing.T) {
	t.Parallel()

	_, err := NewDialer().Dial(EndpointConfig{
		ID:        "ep",
		Transport: TransportProcess,
		Command:   "   ",
	})
	require.Error(t, err)
}

func TestDialProcessMergesConfiguredEnv(t *testing.T) {
	t.Parallel()

	transport, err := NewDialer().Dial(EndpointConfig{
		ID:        "ep",
		Transport: TransportProcess,
		Command:   "server --stdio",
		Env:       map[string]string{"API_KEY": "secret"},
	})
	require.NoError(t, err)

	pt := transport.(*processTransport)
	require.Contains(t, pt.Command.Env, "API_KEY=secret")
}

func TestDialSSERejectsBadScheme(t *testing.T) {
	t.Parallel()

	_, err := NewDialer().Dial(EndpointConfig{
		ID:        "ep",
		Transport: TransportSSE,
		URL:       "ftp://example.com/stream",
	})
	require.Error(t, err)
}

func TestDialRejectsUnknownTransport(t *testing.T) {
	t.Parallel()

	_, err := NewDialer().Dial(EndpointConfig{ID: "ep", Transport: "carrier-pigeon"})
	require.Error(t, err)
}

func TestDialSSEInjectsBearerToken(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	transport, err := NewDialer().Dial(EndpointConfig{
		ID:        "ep",
		Transport: TransportSSE,
		URL:       srv.URL,
		AuthToken: "tok-123",
	})
	require.NoError(t, err)

	sse, ok := transport.(*mcp.SSEClientTransport)
	require.True(t, ok)

	resp, err := sse.HTTPClient.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "Bearer tok-123", seen)
}

func TestBearerRoundTripperKeepsExistingHeader(t *testing.T) {
	t.Parallel()

	var seen string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	client := &http.Client{Transport: &bearerRoundTripper{next: http.DefaultTransport, token: "tok"}}
	req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer original")

	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, "Bearer original", seen)
}

func TestTailBufferKeepsTail(t *testing.T) {
	t.Parallel()

	buf := newTailBuffer(8)
	_, err := buf.Write([]byte("0123456789abcdef"))
	require.NoError(t, err)
	require.Equal(t, "89abcdef", buf.String())

	_, err = buf.Write([]byte("XY"))
	require.NoError(t, err)
	require.Equal(t, "abcdefXY", buf.String())
}

func TestIsMethodUnavailableError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		msg  string
		want bool
	}{
		{`method "resources/list" not found`, true},
		{"resources are not implemented", true},
		{"connection reset by peer", false},
		{"context deadline exceeded", false},
	}
	for _, tc := range cases {
		got := isMethodUnavailableError(errTest(tc.msg), "resources/list")
		require.Equal(t, tc.want, got, tc.msg)
	}
	require.False(t, isMethodUnavailableError(nil, "resources/list"))
}

type errTest string

func (e errTest) Error() string { return string(e) }
