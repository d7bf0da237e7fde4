// Package datastream implements the wire protocol spoken between a chat
// backend and the session engine.
//
// Two protocols are supported. The structured protocol is a sequence of
// newline-delimited records of the form <tag>:<json>, one record per protocol
// event; the plain-text protocol treats the whole body as one continuous text
// delta. Events form a closed sum type: every record kind has a concrete
// event struct, a decode function, and an encoder case, so extending the
// protocol is a compile-time-checked change.
//
// Decoding is a fold over transport chunks. Decoder.Feed buffers partial
// lines across chunk boundaries and returns the events completed by each
// chunk; Decoder.Finish reports truncated streams. The Encoder writes the
// same records and is what example servers and tests use to produce streams.
package datastream
