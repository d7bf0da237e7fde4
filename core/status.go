package core

// Status describes the observable lifecycle of a session's current exchange.
//
// Transitions within one request cycle are monotonic:
//
//	ready -> submitted -> streaming -> ready | error
//
// A brand-new request resets the sequence; nothing else moves status backward.
type Status string

const (
	// StatusReady indicates no request is in flight and the session is idle.
	StatusReady Status = "ready"
	// StatusSubmitted indicates a request has been sent but no stream event
	// has arrived yet.
	StatusSubmitted Status = "submitted"
	// StatusStreaming indicates at least one stream event has been received
	// and the response is still being delivered.
	StatusStreaming Status = "streaming"
	// StatusError indicates the last exchange failed; the session state's
	// Err field carries the cause.
	StatusError Status = "error"
)

// InFlight reports whether a request cycle is currently active.
func (s Status) InFlight() bool {
	return s == StatusSubmitted || s == StatusStreaming
}

// Terminal reports whether the status describes a session at rest.
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}
