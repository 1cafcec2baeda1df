// Package recorder assembles per-session Artifacts from timestamped
// chunks and hands sealed Artifacts to storage.Store, spooling to
// storage.Spool when the store is briefly unavailable (spec §4.5).
package recorder

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/cuemby/miel/pkg/types"
)

// EncodeTranscript frames chunks in the on-disk wire format fixed by
// spec §6: per chunk, a u64 nanosecond timestamp, a u8 direction tag, a
// u32 length, then the raw bytes — in that order, big-endian.
func EncodeTranscript(chunks []types.Chunk) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		writeFrame(&buf, c)
	}
	return buf.Bytes()
}

func writeFrame(w *bytes.Buffer, c types.Chunk) {
	var header [8 + 1 + 4]byte
	binary.BigEndian.PutUint64(header[0:8], uint64(c.TimestampNS))
	header[8] = byte(c.Direction)
	binary.BigEndian.PutUint32(header[9:13], uint32(len(c.Data)))
	w.Write(header[:])
	w.Write(c.Data)
}

// DecodeTranscript reverses EncodeTranscript, reconstructing the exact
// chunk sequence. Implements the round-trip testable property from spec
// §8 (property 5 / scenario S6).
func DecodeTranscript(data []byte) ([]types.Chunk, error) {
	r := bytes.NewReader(data)
	var chunks []types.Chunk
	for {
		var header [8 + 1 + 4]byte
		_, err := io.ReadFull(r, header[:])
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read frame header: %w", err)
		}

		timestampNS := int64(binary.BigEndian.Uint64(header[0:8]))
		direction := types.Direction(header[8])
		length := binary.BigEndian.Uint32(header[9:13])

		data := make([]byte, length)
		if _, err := io.ReadFull(r, data); err != nil {
			return nil, fmt.Errorf("read frame body (%d bytes): %w", length, err)
		}

		chunks = append(chunks, types.Chunk{
			TimestampNS: timestampNS,
			Direction:   direction,
			Data:        data,
		})
	}
	return chunks, nil
}

// Reassemble concatenates every chunk matching direction, in stream
// order, yielding the exact byte sequence that direction observed —
// the reconstruction half of scenario S6.
func Reassemble(chunks []types.Chunk, direction types.Direction) []byte {
	var buf bytes.Buffer
	for _, c := range chunks {
		if c.Direction == direction {
			buf.Write(c.Data)
		}
	}
	return buf.Bytes()
}
