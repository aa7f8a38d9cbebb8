package endpointmgr

import (
	"fmt"
	"time"
)

// ConfigValidationError reports a malformed or conflicting endpoint
// configuration. It is surfaced immediately to the caller of Add or Edit and
// never retried.
type ConfigValidationError struct {
	Field  string
	Reason string
}

func (e *ConfigValidationError) Error() string {
	return fmt.Sprintf("endpointmgr: invalid config field %q: %s", e.Field, e.Reason)
}

// TransportError reports a spawn failure, refused connection, or dropped
// socket. The endpoint is moved to the failed/disconnected state with the
// error recorded; reconnection is user-initiated.
type TransportError struct {
	EndpointID string
	Err        error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("endpointmgr: transport failure for endpoint %q: %v", e.EndpointID, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// HandshakeTimeoutError reports that the remote did not complete capability
// negotiation within the bounded connect window.
type HandshakeTimeoutError struct {
	EndpointID string
	Timeout    time.Duration
}

func (e *HandshakeTimeoutError) Error() string {
	return fmt.Sprintf("endpointmgr: endpoint %q did not complete handshake within %s", e.EndpointID, e.Timeout)
}

// EndpointUnavailableError reports that a call was attempted against an
// endpoint that is disconnected, or whose liveness probe and single reconnect
// attempt both failed.
type EndpointUnavailableError struct {
	EndpointID string
	Err        error
}

func (e *EndpointUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("endpointmgr: endpoint %q is not connected", e.EndpointID)
	}
	return fmt.Sprintf("endpointmgr: endpoint %q unavailable: %v", e.EndpointID, e.Err)
}

func (e *EndpointUnavailableError) Unwrap() error { return e.Err }
