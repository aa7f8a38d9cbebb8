package endpointmgr

import (
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"

	"github.com/google/shlex"
	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Dialer turns an endpoint configuration into a raw MCP transport. The
// production implementation spawns child processes or opens SSE streams;
// tests substitute in-memory transports.
type Dialer interface {
	Dial(cfg EndpointConfig) (mcp.Transport, error)
}

// NewDialer returns the production dialer covering both transport kinds.
func NewDialer() Dialer { return stdDialer{} }

type stdDialer struct{}

func (stdDialer) Dial(cfg EndpointConfig) (mcp.Transport, error) {
	switch cfg.Transport {
	case TransportProcess:
		return newProcessTransport(cfg)
	case TransportSSE:
		return newSSETransport(cfg)
	default:
		return nil, fmt.Errorf("endpointmgr: unsupported transport %q", cfg.Transport)
	}
}

// stderrTailer is implemented by transports that retain a bounded tail of the
// child's stderr for diagnostics.
type stderrTailer interface {
	StderrTail() string
}

type processTransport struct {
	*mcp.CommandTransport
	stderr *tailBuffer
}

func (t *processTransport) StderrTail() string { return t.stderr.String() }

func newProcessTransport(cfg EndpointConfig) (mcp.Transport, error) {
	argv, err := shlex.Split(cfg.Command)
	if err != nil {
		return nil, fmt.Errorf("endpointmgr: parse command %q: %w", cfg.Command, err)
	}
	if len(argv) == 0 {
		return nil, fmt.Errorf("endpointmgr: empty command for endpoint %q", cfg.ID)
	}
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = mergeEnv(os.Environ(), cfg.Env)
	// Stderr is diagnostics only; it never fails the connection by itself but
	// its tail is attached to transport errors.
	tail := newTailBuffer(4096)
	cmd.Stderr = tail
	return &processTransport{
		CommandTransport: &mcp.CommandTransport{Command: cmd},
		stderr:           tail,
	}, nil
}

// mergeEnv overlays the endpoint's configured variables onto the host
// environment; the endpoint's values win on conflict.
func mergeEnv(host []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return host
	}
	merged := make(map[string]string, len(host)+len(extra))
	for _, kv := range host {
		if i := strings.IndexByte(kv, '='); i >= 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range extra {
		k = strings.TrimSpace(k)
		if k == "" {
			continue
		}
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}

func newSSETransport(cfg EndpointConfig) (mcp.Transport, error) {
	parsed, err := url.Parse(strings.TrimSpace(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("endpointmgr: invalid sse url %q: %w", cfg.URL, err)
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return nil, fmt.Errorf("endpointmgr: unsupported sse url scheme %q", parsed.Scheme)
	}
	client := http.DefaultClient
	if cfg.AuthToken != "" {
		clone := *http.DefaultClient
		clone.Transport = &bearerRoundTripper{next: http.DefaultTransport, token: cfg.AuthToken}
		client = &clone
	}
	return &mcp.SSEClientTransport{Endpoint: parsed.String(), HTTPClient: client}, nil
}

// bearerRoundTripper injects the configured token as a bearer credential on
// both the event stream and the companion POST channel. An Authorization
// header already present on the request is left alone.
type bearerRoundTripper struct {
	next  http.RoundTripper
	token string
}

func (rt *bearerRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") == "" {
		req = req.Clone(req.Context())
		req.Header.Set("Authorization", "Bearer "+rt.token)
	}
	return rt.next.RoundTrip(req)
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	if max <= 0 {
		max = 1024
	}
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.max {
		b.buf = append([]byte(nil), b.buf[len(b.buf)-b.max:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
