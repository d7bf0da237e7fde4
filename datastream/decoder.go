package datastream

import (
	"bytes"
	"encoding/json"
	"errors"
	"unicode/utf8"
)

// StreamDecoder turns raw transport chunks into protocol events. Feed never
// blocks: each chunk yields the events it completes, synchronously. Finish
// must be called once the transport reports end of stream and validates that
// the stream terminated cleanly.
type StreamDecoder interface {
	Feed(chunk []byte) ([]Event, error)
	Finish() error
}

// NewDecoder returns the decoder for the given protocol.
func NewDecoder(p Protocol) StreamDecoder {
	if p == ProtocolText {
		return &TextDecoder{}
	}
	return &Decoder{}
}

// Decoder decodes the structured protocol. Records split across chunk
// boundaries are buffered until the terminating newline arrives. The zero
// value is ready to use.
type Decoder struct {
	buf      []byte
	finished bool
}

var _ StreamDecoder = (*Decoder)(nil)

// Feed appends chunk to the partial-line buffer and decodes every completed
// record. A malformed record fails the decode; events completed before the
// bad record are still returned alongside the error.
func (d *Decoder) Feed(chunk []byte) ([]Event, error) {
	d.buf = append(d.buf, chunk...)

	var events []Event
	for {
		i := bytes.IndexByte(d.buf, '\n')
		if i < 0 {
			return events, nil
		}
		line := bytes.TrimSuffix(d.buf[:i], []byte("\r"))
		d.buf = d.buf[i+1:]
		if len(line) == 0 {
			continue
		}

		ev, err := DecodeRecord(line)
		if err != nil {
			return events, err
		}
		if _, ok := ev.(FinishMessageEvent); ok {
			d.finished = true
		}
		events = append(events, ev)
	}
}

// Finish reports whether the stream terminated cleanly: no partial record
// left in the buffer and a finish-message record seen.
func (d *Decoder) Finish() error {
	if leftover := bytes.TrimSpace(d.buf); len(leftover) > 0 {
		return &ProtocolError{Line: string(leftover), Err: ErrTruncated}
	}
	if !d.finished {
		return &ProtocolError{Err: ErrTruncated}
	}
	return nil
}

// DecodeRecord decodes a single <tag>:<json> record (without the trailing
// newline). One decode path per tag; unknown tags are rejected so protocol
// drift fails loudly instead of dropping events.
func DecodeRecord(line []byte) (Event, error) {
	tag, payload, ok := bytes.Cut(line, []byte(":"))
	if !ok {
		return nil, &ProtocolError{Line: string(line), Err: errors.New("missing ':' separator")}
	}

	var (
		ev  Event
		err error
	)
	switch string(tag) {
	case TagTextDelta:
		ev, err = decodeTextDelta(payload)
	case TagReasoningDelta:
		ev, err = decodeReasoningDelta(payload)
	case TagRedactedReasoning:
		ev, err = decodeRedactedReasoning(payload)
	case TagSource:
		ev, err = decodeSource(payload)
	case TagData:
		ev, err = decodeData(payload)
	case TagMessageAnnotations:
		ev, err = decodeMessageAnnotations(payload)
	case TagToolCall:
		ev, err = decodeToolCall(payload)
	case TagToolResult:
		ev, err = decodeToolResult(payload)
	case TagToolCallStart:
		ev, err = decodeToolCallStart(payload)
	case TagToolCallDelta:
		ev, err = decodeToolCallDelta(payload)
	case TagFinishMessage:
		ev, err = decodeFinishMessage(payload)
	case TagFinishStep:
		ev, err = decodeFinishStep(payload)
	case TagStartStep:
		ev, err = decodeStartStep(payload)
	case TagError:
		ev, err = decodeError(payload)
	default:
		err = errors.New("unknown record tag")
	}
	if err != nil {
		return nil, &ProtocolError{Line: string(line), Err: err}
	}
	return ev, nil
}

func decodeTextDelta(payload []byte) (Event, error) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return nil, err
	}
	return TextDeltaEvent{Text: text}, nil
}

func decodeReasoningDelta(payload []byte) (Event, error) {
	var text string
	if err := json.Unmarshal(payload, &text); err != nil {
		return nil, err
	}
	return ReasoningDeltaEvent{Text: text}, nil
}

func decodeRedactedReasoning(payload []byte) (Event, error) {
	var ev RedactedReasoningEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeSource(payload []byte) (Event, error) {
	var ev SourceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeData(payload []byte) (Event, error) {
	var items []json.RawMessage
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, err
	}
	return DataEvent{Items: items}, nil
}

func decodeMessageAnnotations(payload []byte) (Event, error) {
	var anns []json.RawMessage
	if err := json.Unmarshal(payload, &anns); err != nil {
		return nil, err
	}
	return MessageAnnotationsEvent{Annotations: anns}, nil
}

func decodeToolCall(payload []byte) (Event, error) {
	var ev ToolCallEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeToolResult(payload []byte) (Event, error) {
	var ev ToolResultEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeToolCallStart(payload []byte) (Event, error) {
	var ev ToolCallStartEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeToolCallDelta(payload []byte) (Event, error) {
	var ev ToolCallDeltaEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeFinishMessage(payload []byte) (Event, error) {
	var ev FinishMessageEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeFinishStep(payload []byte) (Event, error) {
	var ev FinishStepEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeStartStep(payload []byte) (Event, error) {
	var ev StartStepEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return ev, nil
}

func decodeError(payload []byte) (Event, error) {
	var msg string
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, err
	}
	return ErrorEvent{Message: msg}, nil
}

// TextDecoder decodes the plain-text protocol: every fed chunk is one text
// delta. A multi-byte rune split across chunks is held back until its
// remaining bytes arrive so deltas are always valid UTF-8.
type TextDecoder struct {
	pending []byte
}

var _ StreamDecoder = (*TextDecoder)(nil)

// Feed emits chunk as a text delta, carrying any trailing partial rune over
// to the next call.
func (d *TextDecoder) Feed(chunk []byte) ([]Event, error) {
	if len(chunk) == 0 {
		return nil, nil
	}
	d.pending = append(d.pending, chunk...)

	cut := len(d.pending)
	for i := 1; i <= utf8.UTFMax && i <= len(d.pending); i++ {
		b := d.pending[len(d.pending)-i]
		if utf8.RuneStart(b) {
			if !utf8.FullRune(d.pending[len(d.pending)-i:]) {
				cut = len(d.pending) - i
			}
			break
		}
	}
	if cut == 0 {
		return nil, nil
	}

	text := string(d.pending[:cut])
	d.pending = append(d.pending[:0], d.pending[cut:]...)
	return []Event{TextDeltaEvent{Text: text}}, nil
}

// Finish never fails: a plain-text stream has no terminator record. A
// dangling partial rune at end of stream is dropped.
func (d *TextDecoder) Finish() error {
	d.pending = nil
	return nil
}
