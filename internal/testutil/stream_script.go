package testutil

import (
	"bytes"

	"github.com/hupe1980/chatmesh/datastream"
)

// Records encodes events into the wire form a streaming backend would send,
// one tagged record per event. It panics on encoding failures, which cannot
// happen for well-formed events.
func Records(events ...datastream.Event) []byte {
	var buf bytes.Buffer

	if err := datastream.NewEncoder(&buf).EncodeAll(events...); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

// RecordChunks encodes each event as its own chunk, so a scripted transport
// can deliver them read by read.
func RecordChunks(events ...datastream.Event) [][]byte {
	chunks := make([][]byte, len(events))

	for i, ev := range events {
		chunks[i] = Records(ev)
	}

	return chunks
}
