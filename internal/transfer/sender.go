package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/danls/lanlink/internal/protocol"
)

// outboundTransfer is the sender-side record of one transfer. The
// worker goroutine drives it; the frame handlers and the sweep mutate
// it under the engine lock and poke the worker awake.
type outboundTransfer struct {
	id       string
	peer     protocol.Addr
	filename string
	size     int64
	hash     string

	chunks   [][]byte
	acked    map[uint32]bool
	lastSend map[uint32]time.Time
	attempts map[uint32]int

	status       Status
	lastActivity time.Time

	startAcked chan struct{}
	endAcked   chan struct{}
	// notify wakes the worker when an ack arrives or the sweep wants
	// a retransmission pass.
	notify chan struct{}
}

func (t *outboundTransfer) snapshot() Transfer {
	return Transfer{
		ID:          t.id,
		Peer:        t.peer,
		Filename:    t.filename,
		FileSize:    t.size,
		FileHash:    t.hash,
		TotalChunks: uint32(len(t.chunks)),
		DoneChunks:  uint32(len(t.acked)),
		Status:      t.status,
		Outbound:    true,
	}
}

// poke wakes the worker without blocking. Caller holds the engine
// lock or is the sweep.
func (t *outboundTransfer) poke() {
	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// Send validates path, splits it into chunks and queues the transfer
// on its own worker. The caller gets the transfer id back immediately;
// progress and completion arrive as events.
func (e *Engine) Send(target protocol.Addr, path string) (string, error) {
	if !e.running.Load() {
		return "", ErrStopped
	}
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() || info.Size() == 0 {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotAFile, path)
	}

	sum := sha256.Sum256(data)
	t := &outboundTransfer{
		id:           uuid.NewString(),
		peer:         target,
		filename:     filepath.Base(path),
		size:         int64(len(data)),
		hash:         hex.EncodeToString(sum[:]),
		chunks:       splitChunks(data, e.cfg.ChunkSize),
		acked:        make(map[uint32]bool),
		lastSend:     make(map[uint32]time.Time),
		attempts:     make(map[uint32]int),
		status:       StatusPending,
		lastActivity: e.now(),
		startAcked:   make(chan struct{}),
		endAcked:     make(chan struct{}),
		notify:       make(chan struct{}, 1),
	}

	e.mu.Lock()
	e.outbound[t.id] = t
	snap := t.snapshot()
	e.mu.Unlock()

	e.log.Info().
		Str("transfer_id", t.id).
		Str("file", t.filename).
		Int64("size", t.size).
		Int("chunks", len(t.chunks)).
		Str("target", target.String()).
		Msg("transfer queued")
	e.events.Publish(Event{Kind: TransferStarted, Transfer: snap})

	e.wg.Add(1)
	go e.runSender(t)
	return t.id, nil
}

func splitChunks(data []byte, chunkSize int) [][]byte {
	var chunks [][]byte
	for start := 0; start < len(data); start += chunkSize {
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, data[start:end])
	}
	return chunks
}

// runSender drives one transfer through start, chunks and end.
func (e *Engine) runSender(t *outboundTransfer) {
	defer e.wg.Done()

	e.mu.Lock()
	// A Cancel can land before the worker runs; keep that state.
	if t.status == StatusPending {
		t.status = StatusActive
	}
	e.mu.Unlock()

	start := protocol.FileStart{
		TransferID:  t.id,
		Filename:    t.filename,
		FileSize:    t.size,
		FileHash:    t.hash,
		TotalChunks: uint32(len(t.chunks)),
		ChunkSize:   uint32(e.cfg.ChunkSize),
	}
	if !e.sendUntilAcked(t, t.startAcked, func() error {
		return e.sendPayloadFrame(t.peer, protocol.TypeFileStart, start)
	}) {
		e.finishSender(t, StatusFailed)
		return
	}

	if !e.pumpChunks(t) {
		// finishSender resolves a cancellation under the lock.
		e.finishSender(t, StatusFailed)
		return
	}

	if !e.sendUntilAcked(t, t.endAcked, func() error {
		return e.sendPayloadFrame(t.peer, protocol.TypeFileEnd, protocol.TransferRef{TransferID: t.id})
	}) {
		e.finishSender(t, StatusFailed)
		return
	}

	e.finishSender(t, StatusCompleted)
}

// sendUntilAcked retries send every retry interval until ackCh is
// closed, the retry ceiling is reached, or the engine or transfer is
// stopped.
func (e *Engine) sendUntilAcked(t *outboundTransfer, ackCh chan struct{}, send func() error) bool {
	interval := e.cfg.RetryInterval.Std()
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		if e.senderAborted(t) {
			return false
		}
		if err := send(); err != nil {
			e.log.Warn().Err(err).Str("transfer_id", t.id).Msg("control frame send failed")
		}
		select {
		case <-ackCh:
			e.touch(t)
			return true
		case <-time.After(interval):
		case <-e.stop:
			return false
		}
	}
	return false
}

// pumpChunks retransmits unacknowledged chunks, at most the window
// size in flight at once, until every chunk is acknowledged.
func (e *Engine) pumpChunks(t *outboundTransfer) bool {
	interval := e.cfg.RetryInterval.Std()
	for {
		if e.senderAborted(t) {
			return false
		}

		now := e.now()
		var toSend []uint32
		exhausted := false
		e.mu.Lock()
		inflight := 0
		for idx := range t.chunks {
			i := uint32(idx)
			if !t.acked[i] && now.Sub(t.lastSend[i]) < interval {
				inflight++
			}
		}
		allAcked := len(t.acked) == len(t.chunks)
		if !allAcked {
			for idx := range t.chunks {
				i := uint32(idx)
				if t.acked[i] || now.Sub(t.lastSend[i]) < interval {
					continue
				}
				if t.attempts[i] >= e.cfg.MaxAttempts {
					exhausted = true
					break
				}
				if inflight >= e.cfg.WindowSize {
					break
				}
				t.attempts[i]++
				t.lastSend[i] = now
				inflight++
				toSend = append(toSend, i)
			}
		}
		e.mu.Unlock()

		if exhausted {
			e.log.Warn().Str("transfer_id", t.id).Msg("chunk retry ceiling reached")
			return false
		}
		if allAcked {
			return true
		}

		for _, i := range toSend {
			env := protocol.EncodeChunk(protocol.ChunkEnvelope{
				TransferID: t.id,
				Index:      i,
				Data:       t.chunks[i],
			})
			f := protocol.NewFrame(t.peer, e.link.LocalAddr(), protocol.TypeFileChunk, e.nextFrameID.Add(1), env)
			if err := e.link.Send(f); err != nil {
				e.log.Warn().Err(err).Str("transfer_id", t.id).Uint32("chunk", i).Msg("chunk send failed")
			}
		}

		select {
		case <-t.notify:
		case <-time.After(interval):
		case <-e.stop:
			return false
		}
	}
}

func (e *Engine) senderAborted(t *outboundTransfer) bool {
	if !e.running.Load() {
		return true
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return t.status != StatusActive
}

func (e *Engine) touch(t *outboundTransfer) {
	e.mu.Lock()
	t.lastActivity = e.now()
	e.mu.Unlock()
}

// finishSender moves t out of the active set and reports its final
// state.
func (e *Engine) finishSender(t *outboundTransfer, status Status) {
	e.mu.Lock()
	if _, active := e.outbound[t.id]; !active {
		// The sweep already retired it and published the failure.
		e.mu.Unlock()
		return
	}
	if t.status == StatusCancelled {
		status = StatusCancelled
	}
	t.status = status
	delete(e.outbound, t.id)
	snap := t.snapshot()
	e.completed = append(e.completed, snap)
	e.mu.Unlock()

	kind := TransferCompleted
	switch status {
	case StatusFailed:
		kind = TransferFailed
	case StatusCancelled:
		kind = TransferCancelled
	}
	e.log.Info().
		Str("transfer_id", t.id).
		Str("file", t.filename).
		Str("status", string(status)).
		Msg("transfer finished")
	e.events.Publish(Event{Kind: kind, Transfer: snap})
}

// handleStartAck, handleChunkAck and handleEndAck run on the
// transport's receive loop.

func (e *Engine) handleStartAck(f *protocol.Frame) {
	var ref protocol.TransferRef
	if err := protocol.UnmarshalPayload(f.Payload, &ref); err != nil {
		return
	}
	e.mu.Lock()
	t, ok := e.outbound[ref.TransferID]
	if ok && t.peer == f.Src {
		select {
		case <-t.startAcked:
		default:
			close(t.startAcked)
		}
		t.lastActivity = e.now()
	}
	e.mu.Unlock()
}

func (e *Engine) handleChunkAck(f *protocol.Frame) {
	var ack protocol.ChunkAck
	if err := protocol.UnmarshalPayload(f.Payload, &ack); err != nil {
		return
	}
	e.mu.Lock()
	t, ok := e.outbound[ack.TransferID]
	if !ok || t.peer != f.Src || int(ack.Index) >= len(t.chunks) {
		e.mu.Unlock()
		return
	}
	first := !t.acked[ack.Index]
	t.acked[ack.Index] = true
	t.lastActivity = e.now()
	snap := t.snapshot()
	e.mu.Unlock()

	t.poke()
	if first {
		e.events.Publish(Event{Kind: TransferProgress, Transfer: snap})
	}
}

func (e *Engine) handleEndAck(f *protocol.Frame) {
	var ref protocol.TransferRef
	if err := protocol.UnmarshalPayload(f.Payload, &ref); err != nil {
		return
	}
	e.mu.Lock()
	t, ok := e.outbound[ref.TransferID]
	if ok && t.peer == f.Src {
		select {
		case <-t.endAcked:
		default:
			close(t.endAcked)
		}
		t.lastActivity = e.now()
	}
	e.mu.Unlock()
}
