// Package gateway serves the aggregated endpoint catalog over the Streamable
// MCP HTTP transport, forwarding tool calls and resource reads back to the
// owning endpoints.
package gateway
