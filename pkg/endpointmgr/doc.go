// Package endpointmgr manages the lifecycle of configured MCP endpoints:
// persisted configuration, transport dialing over stdio child processes or
// SSE streams, the protocol handshake, capability discovery, and forwarding
// of tool calls and resource reads to live sessions.
//
// The Registry is the single entry point. It serializes lifecycle operations
// per endpoint, absorbs transport failures into endpoint state instead of
// failing configuration changes, and publishes every connectivity and
// capability change through a CatalogSink and an event bus.
package endpointmgr
