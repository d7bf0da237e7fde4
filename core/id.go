package core

import (
	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// NewID generates a lexicographically sortable message identifier with a
// "msg_" prefix. ULIDs keep messages ordered by creation time when ids are
// compared as strings, which simplifies debugging of long histories.
func NewID() string {
	return "msg_" + ulid.Make().String()
}

// NewCycleID generates a unique identifier for one request/response stream
// cycle. Cycle ids are correlation handles for logs and lifecycle events,
// never persisted, so a random UUID is sufficient.
func NewCycleID() string {
	return uuid.NewString()
}

// NewChatID generates an identifier for a session opened without an explicit
// id.
func NewChatID() string {
	return "chat_" + ulid.Make().String()
}
