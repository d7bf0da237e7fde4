// Package engine implements the request orchestrator: it drives full
// request/response exchanges against a streaming chat backend and folds the
// resulting protocol events into a session state cell.
//
// # Exchange Lifecycle
//
// One call to Engine.Run executes one exchange, which is a bounded sequence
// of request cycles. Each cycle walks a fixed state machine:
//
//  1. Status moves to submitted and the previous error is cleared.
//  2. The current history is snapshotted for a potential rollback.
//  3. The outgoing message list is written optimistically (throttled).
//  4. The payload is built, either through the PrepareRequestBody hook or as
//     the default {id, messages, data, ...static body, ...per-call body}
//     shape with field trimming.
//  5. The transport call is issued with a per-cycle cancel handle. Decoded
//     events merge into the assistant message under construction; every
//     merge is written through the throttle, and status advances to
//     streaming on the first event.
//  6. On completion the cycle's handle is cleared and status returns to
//     ready. Cancellation is absorbed: the session also lands on ready, no
//     error is recorded and no error callback fires.
//  7. Any other failure keeps or rolls back the partial output per the
//     KeepLastMessageOnError policy, records the error, sets status to error
//     and invokes OnError exactly once for the cycle.
//
// # Auto-Continuation
//
// After each cycle (including failed ones, but never canceled ones) the
// engine re-examines the history: when the last message is an assistant
// message whose current-step tool invocations are all resolved, the history
// has genuinely advanced, and the MaxSteps bound permits another round, the
// next cycle starts with the updated history. The loop is an explicit
// trampoline with a cycle counter, so the bound holds regardless of how the
// backend behaves. MaxSteps defaults to 1, which disables continuation.
//
// # Cancellation
//
// Stop cancels the in-flight cycle's handle. A new Run supersedes a previous
// in-flight cycle by replacing the handle without aborting the old call; the
// superseded cycle keeps streaming into the shared cell (last writer wins)
// but can no longer be stopped through this engine.
//
// # Concurrency
//
// Run blocks until the exchange finishes. All state lands in the cell's
// single versioned write path, so Run, Stop and direct cell writes may be
// used from different goroutines. Callbacks run on the exchange goroutine
// and must not call back into blocking engine operations.
package engine
