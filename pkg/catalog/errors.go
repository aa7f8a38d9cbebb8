package catalog

import "fmt"

// NotFoundError reports an invocation against a catalog name that no
// connected endpoint currently exposes.
type NotFoundError struct {
	CatalogName string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("catalog: no tool named %q", e.CatalogName)
}

// ToolExecutionError wraps an error the remote tool itself reported. The
// remote's message is carried verbatim; the normalized result is still
// returned alongside so callers can surface partial output.
type ToolExecutionError struct {
	EndpointID string
	Tool       string
	Message    string
}

func (e *ToolExecutionError) Error() string {
	return fmt.Sprintf("catalog: tool %q on endpoint %q failed: %s", e.Tool, e.EndpointID, e.Message)
}
