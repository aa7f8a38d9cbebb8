package endpointmgr

import (
	"strings"
)

// TransportKind identifies how an endpoint is reached.
type TransportKind string

const (
	// TransportProcess spawns a child process and speaks MCP over its stdio.
	TransportProcess TransportKind = "process"
	// TransportSSE connects to a long-lived HTTP/SSE endpoint.
	TransportSSE TransportKind = "sse"
)

// EndpointConfig is the persisted descriptor for one configured MCP endpoint.
// ID is generated once at Add time and never changes; Name is the user-facing
// label and must stay unique among configured endpoints. Command applies to
// process endpoints and is shell-split into executable plus arguments; URL and
// AuthToken apply to sse endpoints. Enabled records whether the endpoint
// should be connected on load.
type EndpointConfig struct {
	ID        string            `json:"id" mapstructure:"id"`
	Name      string            `json:"name" mapstructure:"name"`
	Transport TransportKind     `json:"transport" mapstructure:"transport"`
	Command   string            `json:"command,omitempty" mapstructure:"command"`
	URL       string            `json:"url,omitempty" mapstructure:"url"`
	AuthToken string            `json:"auth_token,omitempty" mapstructure:"auth_token"`
	Env       map[string]string `json:"env,omitempty" mapstructure:"env"`
	Enabled   bool              `json:"enabled" mapstructure:"enabled"`
}

func (c EndpointConfig) validate() error {
	if strings.TrimSpace(c.Name) == "" {
		return &ConfigValidationError{Field: "name", Reason: "name is required"}
	}
	switch c.Transport {
	case TransportProcess:
		if strings.TrimSpace(c.Command) == "" {
			return &ConfigValidationError{Field: "command", Reason: "command is required for process endpoints"}
		}
	case TransportSSE:
		if strings.TrimSpace(c.URL) == "" {
			return &ConfigValidationError{Field: "url", Reason: "url is required for sse endpoints"}
		}
	default:
		return &ConfigValidationError{Field: "transport", Reason: `transport must be "process" or "sse"`}
	}
	return nil
}

// Patch describes a partial edit of an EndpointConfig. Nil fields are left
// untouched; the endpoint ID is immutable and cannot be patched.
type Patch struct {
	Name      *string
	Command   *string
	URL       *string
	AuthToken *string
	Env       *map[string]string
	Enabled   *bool
}

func (p Patch) apply(cfg EndpointConfig) EndpointConfig {
	if p.Name != nil {
		cfg.Name = *p.Name
	}
	if p.Command != nil {
		cfg.Command = *p.Command
	}
	if p.URL != nil {
		cfg.URL = *p.URL
	}
	if p.AuthToken != nil {
		cfg.AuthToken = *p.AuthToken
	}
	if p.Env != nil {
		cfg.Env = cloneEnv(*p.Env)
	}
	if p.Enabled != nil {
		cfg.Enabled = *p.Enabled
	}
	return cfg
}

func cloneEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		out[k] = v
	}
	return out
}

// Store abstracts the external settings store holding the ordered sequence of
// endpoint configurations. The registry reads it once at Load time and writes
// the full sequence back on every add, edit, remove, and toggle.
type Store interface {
	Load() ([]EndpointConfig, error)
	Save([]EndpointConfig) error
}
