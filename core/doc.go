// Package core provides the foundational domain types used by ChatMesh. It
// defines the core abstractions for:
//
//   - Messages (role-based conversation entries with typed content parts)
//   - Parts (the canonical representation of message content: text,
//     reasoning, tool invocations, sources, files, step boundaries)
//   - Tool invocations (backend-requested function calls and their results)
//   - Attachments (files supplied alongside a message)
//   - Session status (the observable lifecycle of an in-flight exchange)
//
// The package intentionally keeps implementation concerns (wire decoding,
// request orchestration, state storage) out of scope, exposing value types
// and small helpers so higher layers can share one vocabulary. All exported
// identifiers include concise documentation to aid discoverability and
// external consumption.
package core
