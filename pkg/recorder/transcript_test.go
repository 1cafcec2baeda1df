package recorder

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/miel/pkg/types"
)

func TestTranscriptRoundTrip(t *testing.T) {
	original := []types.Chunk{
		{TimestampNS: 1000, Direction: types.DirectionIn, Data: []byte("SSH-2.0-test\r\n")},
		{TimestampNS: 1500, Direction: types.DirectionOut, Data: []byte("SSH-2.0-OpenSSH_9.0\r\n")},
		{TimestampNS: 2000, Direction: types.DirectionIn, Data: []byte{}},
		{TimestampNS: 3000, Direction: types.DirectionOut, Data: []byte("more output")},
	}

	encoded := EncodeTranscript(original)
	decoded, err := DecodeTranscript(encoded)
	require.NoError(t, err)

	require.Len(t, decoded, len(original))
	for i := range original {
		assert.Equal(t, original[i].TimestampNS, decoded[i].TimestampNS)
		assert.Equal(t, original[i].Direction, decoded[i].Direction)
		assert.Equal(t, original[i].Data, decoded[i].Data)
	}
}

func TestReassembleReconstructsPerDirectionStream(t *testing.T) {
	chunks := []types.Chunk{
		{TimestampNS: 1, Direction: types.DirectionIn, Data: []byte("AB")},
		{TimestampNS: 2, Direction: types.DirectionOut, Data: []byte("xy")},
		{TimestampNS: 3, Direction: types.DirectionIn, Data: []byte("CD")},
	}

	assert.Equal(t, []byte("ABCD"), Reassemble(chunks, types.DirectionIn))
	assert.Equal(t, []byte("xy"), Reassemble(chunks, types.DirectionOut))
}

func TestDecodeTranscriptRejectsTruncatedFrame(t *testing.T) {
	encoded := EncodeTranscript([]types.Chunk{{TimestampNS: 1, Direction: types.DirectionIn, Data: []byte("hello")}})
	_, err := DecodeTranscript(encoded[:len(encoded)-2])
	assert.Error(t, err)
}
