package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/danls/lanlink/internal/protocol"
)

// inboundTransfer is the receiver-side record of one transfer. Chunks
// arrive in any order and are stored by index until the end frame.
type inboundTransfer struct {
	id          string
	peer        protocol.Addr
	filename    string
	size        int64
	hash        string
	totalChunks uint32

	chunks map[uint32][]byte

	status       Status
	lastActivity time.Time
	path         string
}

func (t *inboundTransfer) snapshot() Transfer {
	return Transfer{
		ID:          t.id,
		Peer:        t.peer,
		Filename:    t.filename,
		FileSize:    t.size,
		FileHash:    t.hash,
		TotalChunks: t.totalChunks,
		DoneChunks:  uint32(len(t.chunks)),
		Status:      t.status,
		Path:        t.path,
	}
}

func (e *Engine) handleStart(f *protocol.Frame) {
	var start protocol.FileStart
	if err := protocol.UnmarshalPayload(f.Payload, &start); err != nil {
		e.log.Debug().Err(err).Msg("bad file-start payload")
		return
	}
	key := inboundKey{peer: f.Src, id: start.TransferID}

	e.mu.Lock()
	t, known := e.inbound[key]
	if !known {
		t = &inboundTransfer{
			id:           start.TransferID,
			peer:         f.Src,
			filename:     filepath.Base(start.Filename),
			size:         start.FileSize,
			hash:         start.FileHash,
			totalChunks:  start.TotalChunks,
			chunks:       make(map[uint32][]byte),
			status:       StatusActive,
			lastActivity: e.now(),
		}
		e.inbound[key] = t
	} else {
		t.lastActivity = e.now()
	}
	snap := t.snapshot()
	e.mu.Unlock()

	// The start-ack goes out for duplicates too; the sender keeps
	// retrying until it sees one.
	e.replyRef(f.Src, protocol.TypeFileStartAck, start.TransferID)

	if !known {
		e.log.Info().
			Str("transfer_id", t.id).
			Str("file", t.filename).
			Int64("size", t.size).
			Str("sender", f.Src.String()).
			Msg("inbound transfer started")
		e.events.Publish(Event{Kind: TransferStarted, Transfer: snap})
	}
}

func (e *Engine) handleChunk(f *protocol.Frame) {
	env, err := protocol.DecodeChunk(f.Payload)
	if err != nil {
		e.log.Debug().Err(err).Msg("bad chunk envelope")
		return
	}
	key := inboundKey{peer: f.Src, id: env.TransferID}

	e.mu.Lock()
	t, ok := e.inbound[key]
	if !ok {
		e.mu.Unlock()
		e.log.Debug().
			Str("transfer_id", env.TransferID).
			Str("sender", f.Src.String()).
			Msg("chunk for unknown transfer ignored")
		return
	}
	if env.Index >= t.totalChunks {
		e.mu.Unlock()
		return
	}
	_, have := t.chunks[env.Index]
	if !have {
		t.chunks[env.Index] = env.Data
	}
	t.lastActivity = e.now()
	snap := t.snapshot()
	e.mu.Unlock()

	if err := e.sendPayloadFrame(f.Src, protocol.TypeFileChunkAck, protocol.ChunkAck{
		TransferID: env.TransferID,
		Index:      env.Index,
	}); err != nil {
		e.log.Warn().Err(err).Str("transfer_id", env.TransferID).Msg("chunk ack send failed")
	}
	if !have {
		e.events.Publish(Event{Kind: TransferProgress, Transfer: snap})
	}
}

func (e *Engine) handleEnd(f *protocol.Frame) {
	var ref protocol.TransferRef
	if err := protocol.UnmarshalPayload(f.Payload, &ref); err != nil {
		return
	}
	key := inboundKey{peer: f.Src, id: ref.TransferID}

	e.mu.Lock()
	t, ok := e.inbound[key]
	if !ok {
		e.mu.Unlock()
		// Either unknown, or already finalized by an earlier end
		// frame whose ack was lost.
		e.replyRef(f.Src, protocol.TypeFileEndAck, ref.TransferID)
		return
	}
	if uint32(len(t.chunks)) != t.totalChunks {
		t.lastActivity = e.now()
		e.mu.Unlock()
		e.log.Warn().
			Str("transfer_id", t.id).
			Uint32("have", uint32(len(t.chunks))).
			Uint32("want", t.totalChunks).
			Msg("end frame before all chunks arrived")
		return
	}
	delete(e.inbound, key)
	e.mu.Unlock()

	e.finalizeInbound(f.Src, t)
}

// finalizeInbound reassembles the file in index order, verifies the
// declared hash and writes the result into the downloads directory.
func (e *Engine) finalizeInbound(sender protocol.Addr, t *inboundTransfer) {
	data := make([]byte, 0, t.size)
	for i := uint32(0); i < t.totalChunks; i++ {
		data = append(data, t.chunks[i]...)
	}

	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != t.hash {
		e.retireInbound(t, StatusFailed)
		e.log.Warn().
			Str("transfer_id", t.id).
			Str("file", t.filename).
			Msg("hash mismatch, discarding transfer")
		// Ack anyway: the sender's copy is done and retrying the end
		// frame cannot repair a corrupt reassembly.
		e.replyRef(sender, protocol.TypeFileEndAck, t.id)
		return
	}

	path, err := e.writeDownload(t.filename, data)
	if err != nil {
		e.retireInbound(t, StatusFailed)
		e.log.Error().Err(err).Str("transfer_id", t.id).Msg("writing received file failed")
		e.replyRef(sender, protocol.TypeFileEndAck, t.id)
		return
	}

	t.path = path
	e.retireInbound(t, StatusCompleted)
	e.replyRef(sender, protocol.TypeFileEndAck, t.id)
	e.log.Info().
		Str("transfer_id", t.id).
		Str("file", t.filename).
		Str("path", path).
		Msg("transfer received")
}

func (e *Engine) retireInbound(t *inboundTransfer, status Status) {
	e.mu.Lock()
	t.status = status
	snap := t.snapshot()
	e.completed = append(e.completed, snap)
	e.mu.Unlock()

	kind := TransferCompleted
	if status != StatusCompleted {
		kind = TransferFailed
	}
	e.events.Publish(Event{Kind: kind, Transfer: snap})
}

// writeDownload stores data under the downloads directory without
// clobbering an existing file of the same name.
func (e *Engine) writeDownload(filename string, data []byte) (string, error) {
	if err := os.MkdirAll(e.downloadsDir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(e.downloadsDir, filename)
	for n := 1; ; n++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		ext := filepath.Ext(filename)
		stem := filename[:len(filename)-len(ext)]
		path = filepath.Join(e.downloadsDir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", err
	}
	return path, nil
}

func (e *Engine) replyRef(dest protocol.Addr, t protocol.MessageType, transferID string) {
	if err := e.sendPayloadFrame(dest, t, protocol.TransferRef{TransferID: transferID}); err != nil {
		e.log.Warn().Err(err).Str("transfer_id", transferID).Msg("transfer reply send failed")
	}
}
