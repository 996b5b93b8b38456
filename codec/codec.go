// Package codec implements the binary audio frame format: an 8-byte header
// (sequence number and capture timestamp, both little-endian uint32) followed
// by the opaque encoded audio payload.
package codec

import (
	"encoding/binary"
	"errors"
)

// HeaderSize is the fixed frame header length in bytes.
const HeaderSize = 8

// ErrMalformedFrame is returned when a frame is shorter than the header.
var ErrMalformedFrame = errors.New("malformed frame: shorter than 8-byte header")

// Chunk is one decoded audio frame.
type Chunk struct {
	Payload        []byte
	SequenceNumber uint32
	TimestampMs    uint32
}

// Encode builds a wire frame from an audio payload, its per-session sequence
// number, and the milliseconds elapsed since capture start. The payload is
// copied; the input slice is never retained or mutated.
func Encode(payload []byte, sequenceNumber, timestampMs uint32) []byte {
	frame := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint32(frame[0:4], sequenceNumber)
	binary.LittleEndian.PutUint32(frame[4:8], timestampMs)
	copy(frame[HeaderSize:], payload)
	return frame
}

// Decode parses a wire frame. Frames shorter than the header fail with
// ErrMalformedFrame; payload contents are not validated.
func Decode(frame []byte) (Chunk, error) {
	if len(frame) < HeaderSize {
		return Chunk{}, ErrMalformedFrame
	}
	payload := make([]byte, len(frame)-HeaderSize)
	copy(payload, frame[HeaderSize:])
	return Chunk{
		Payload:        payload,
		SequenceNumber: binary.LittleEndian.Uint32(frame[0:4]),
		TimestampMs:    binary.LittleEndian.Uint32(frame[4:8]),
	}, nil
}

// IsSequenceMonotonic reports whether every chunk's sequence number is
// strictly greater than its predecessor's. Empty and single-element slices
// are trivially monotonic.
func IsSequenceMonotonic(chunks []Chunk) bool {
	for i := 1; i < len(chunks); i++ {
		if chunks[i].SequenceNumber <= chunks[i-1].SequenceNumber {
			return false
		}
	}
	return true
}
