package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFileStartPayloadRoundTrip(t *testing.T) {
	in := FileStart{
		TransferID:  "8a6e0804-2bd0-4672-b79d-d97027f9071a",
		Filename:    "report.pdf",
		FileSize:    8000,
		FileHash:    "cafe",
		TotalChunks: 6,
		ChunkSize:   1400,
	}
	data, err := MarshalPayload(in)
	require.NoError(t, err)

	var out FileStart
	require.NoError(t, UnmarshalPayload(data, &out))
	require.Equal(t, in, out)
}

func TestChunkEnvelopeRoundTrip(t *testing.T) {
	in := ChunkEnvelope{
		TransferID: "8a6e0804-2bd0-4672-b79d-d97027f9071a",
		Index:      3,
		Data:       []byte("chunk bytes"),
	}
	out, err := DecodeChunk(EncodeChunk(in))
	require.NoError(t, err)
	require.Equal(t, in, out)
}

func TestDecodeChunkShortInput(t *testing.T) {
	_, err := DecodeChunk([]byte("too short"))
	if !errors.Is(err, ErrShortEnvelope) {
		t.Fatalf("expected ErrShortEnvelope, got %v", err)
	}
}

func TestAddrParsing(t *testing.T) {
	a, err := ParseAddr("ff:ff:ff:ff:ff:ff")
	require.NoError(t, err)
	require.True(t, a.IsBroadcast())

	_, err = ParseAddr("not-an-address")
	require.Error(t, err)

	a, err = ParseAddr("02:00:5e:10:00:01")
	require.NoError(t, err)
	require.Equal(t, "02:00:5e:10:00:01", a.String())
}
