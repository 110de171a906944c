package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Announce is the payload of discovery, discovery-reply and heartbeat
// frames: a type tag plus the sender's clock.
type Announce struct {
	Timestamp int64 `msgpack:"ts"`
}

// Text is the payload of text and broadcast frames.
type Text struct {
	Content   string `msgpack:"content"`
	Timestamp int64  `msgpack:"ts"`
}

// Ack references the message id being acknowledged.
type Ack struct {
	MessageID uint32 `msgpack:"msg_id"`
}

// FileStart announces an inbound transfer and everything the receiver
// needs to validate it on completion.
type FileStart struct {
	TransferID  string `msgpack:"transfer_id"`
	Filename    string `msgpack:"filename"`
	FileSize    int64  `msgpack:"file_size"`
	FileHash    string `msgpack:"file_hash"`
	TotalChunks uint32 `msgpack:"total_chunks"`
	ChunkSize   uint32 `msgpack:"chunk_size"`
}

// TransferRef is the payload of file-start-ack, file-end and
// file-end-ack frames.
type TransferRef struct {
	TransferID string `msgpack:"transfer_id"`
}

// ChunkAck acknowledges one chunk of one transfer.
type ChunkAck struct {
	TransferID string `msgpack:"transfer_id"`
	Index      uint32 `msgpack:"index"`
}

// MarshalPayload encodes a payload envelope for the frame body.
func MarshalPayload(v any) ([]byte, error) {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("protocol: marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a payload envelope from a frame body.
func UnmarshalPayload(data []byte, v any) error {
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("protocol: unmarshal payload: %w", err)
	}
	return nil
}

// chunkIDLen is the fixed transfer id prefix of a chunk envelope. A
// transfer id is a canonical UUID string.
const chunkIDLen = 36

// ChunkOverhead is the envelope size preceding chunk data inside a
// file-chunk frame payload.
const ChunkOverhead = chunkIDLen + 4

// ChunkEnvelope is the binary body of a file-chunk frame: transfer id,
// chunk index, chunk bytes. Chunks skip msgpack so the payload budget
// goes to file data.
type ChunkEnvelope struct {
	TransferID string
	Index      uint32
	Data       []byte
}

// EncodeChunk lays the envelope out as id(36) | index(4) | data.
func EncodeChunk(env ChunkEnvelope) []byte {
	buf := make([]byte, chunkIDLen+4+len(env.Data))
	copy(buf[:chunkIDLen], env.TransferID)
	binary.BigEndian.PutUint32(buf[chunkIDLen:chunkIDLen+4], env.Index)
	copy(buf[chunkIDLen+4:], env.Data)
	return buf
}

// DecodeChunk parses a file-chunk frame body.
func DecodeChunk(data []byte) (ChunkEnvelope, error) {
	if len(data) < chunkIDLen+4 {
		return ChunkEnvelope{}, ErrShortEnvelope
	}
	env := ChunkEnvelope{
		TransferID: string(data[:chunkIDLen]),
		Index:      binary.BigEndian.Uint32(data[chunkIDLen : chunkIDLen+4]),
	}
	env.Data = make([]byte, len(data)-chunkIDLen-4)
	copy(env.Data, data[chunkIDLen+4:])
	return env, nil
}
