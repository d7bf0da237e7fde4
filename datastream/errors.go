package datastream

import (
	"errors"
	"fmt"
)

var (
	// ErrTruncated is returned by Decoder.Finish when a structured stream
	// ended without a finish-message record.
	ErrTruncated = errors.New("stream truncated before finish record")
)

// ProtocolError reports a malformed record in a structured stream. Line holds
// the offending record when one is available.
type ProtocolError struct {
	Line string
	Err  error
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.Line != "" {
		return fmt.Sprintf("datastream: malformed record %q: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("datastream: %v", e.Err)
}

// Unwrap returns the underlying cause.
func (e *ProtocolError) Unwrap() error {
	return e.Err
}
