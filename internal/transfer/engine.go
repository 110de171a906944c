// Package transfer moves files between peers as acknowledged chunks
// with a bounded in-flight window, and reassembles and
// integrity-checks them on the receiving side.
package transfer

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danls/lanlink/internal/config"
	"github.com/danls/lanlink/internal/events"
	"github.com/danls/lanlink/internal/link"
	"github.com/danls/lanlink/internal/protocol"
)

var (
	// ErrNotAFile means the path is missing, unreadable, or not a
	// regular non-empty file.
	ErrNotAFile = errors.New("transfer: not a readable non-empty file")
	// ErrStopped means the engine is not running.
	ErrStopped = errors.New("transfer: engine stopped")
	// ErrUnknownTransfer means no active transfer matches the id.
	ErrUnknownTransfer = errors.New("transfer: unknown transfer")
)

// Link is the slice of the transport the engine needs.
type Link interface {
	Send(f *protocol.Frame) error
	LocalAddr() protocol.Addr
	Subscribe(h link.Handler)
	Unsubscribe(h link.Handler)
}

// Status is a transfer's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Transfer is a point-in-time snapshot of one transfer, outbound or
// inbound.
type Transfer struct {
	ID          string
	Peer        protocol.Addr
	Filename    string
	FileSize    int64
	FileHash    string
	TotalChunks uint32
	DoneChunks  uint32
	Status      Status
	Outbound    bool
	// Path is where the reassembled file landed; receiver side,
	// completed transfers only.
	Path string
}

// EventKind classifies a transfer event.
type EventKind int

const (
	TransferStarted EventKind = iota
	TransferProgress
	TransferCompleted
	TransferFailed
	TransferCancelled
)

// Event is one transfer state change.
type Event struct {
	Kind     EventKind
	Transfer Transfer
}

type inboundKey struct {
	peer protocol.Addr
	id   string
}

// Engine tracks every in-flight transfer in both directions. Each
// outbound send runs its own worker; one management sweep retires
// inactive transfers.
type Engine struct {
	link         Link
	cfg          config.TransferConfig
	downloadsDir string
	log          zerolog.Logger
	now          func() time.Time

	nextFrameID atomic.Uint32

	mu        sync.Mutex
	outbound  map[string]*outboundTransfer
	inbound   map[inboundKey]*inboundTransfer
	completed []Transfer

	events events.Feed[Event]

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewEngine(lnk Link, cfg config.TransferConfig, downloadsDir string, log zerolog.Logger) *Engine {
	return &Engine{
		link:         lnk,
		cfg:          cfg,
		downloadsDir: downloadsDir,
		log:          log.With().Str("component", "transfer").Logger(),
		now:          time.Now,
		outbound:     make(map[string]*outboundTransfer),
		inbound:      make(map[inboundKey]*inboundTransfer),
	}
}

// OnEvent registers fn for transfer events.
func (e *Engine) OnEvent(fn func(Event)) {
	e.events.Subscribe(fn)
}

// Start subscribes to the transport and launches the management
// sweep.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stop = make(chan struct{})
	e.link.Subscribe(e)
	e.wg.Add(1)
	go e.sweepLoop()
}

// Stop halts the sweep and every transfer worker, then waits for
// them.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.link.Unsubscribe(e)
	close(e.stop)
	e.wg.Wait()
}

// Active returns snapshots of every in-flight transfer.
func (e *Engine) Active() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transfer, 0, len(e.outbound)+len(e.inbound))
	for _, t := range e.outbound {
		out = append(out, t.snapshot())
	}
	for _, t := range e.inbound {
		out = append(out, t.snapshot())
	}
	return out
}

// Completed returns every transfer that has left the active set, in
// completion order.
func (e *Engine) Completed() []Transfer {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Transfer, len(e.completed))
	copy(out, e.completed)
	return out
}

// Cancel aborts an active outbound transfer.
func (e *Engine) Cancel(transferID string) error {
	e.mu.Lock()
	t, ok := e.outbound[transferID]
	if !ok {
		e.mu.Unlock()
		return ErrUnknownTransfer
	}
	t.status = StatusCancelled
	e.mu.Unlock()
	t.poke()
	return nil
}

// HandleFrame implements link.Handler.
func (e *Engine) HandleFrame(f *protocol.Frame) {
	if !e.running.Load() || f.Src == e.link.LocalAddr() {
		return
	}
	switch f.Type {
	case protocol.TypeFileStart:
		e.handleStart(f)
	case protocol.TypeFileChunk:
		e.handleChunk(f)
	case protocol.TypeFileEnd:
		e.handleEnd(f)
	case protocol.TypeFileStartAck:
		e.handleStartAck(f)
	case protocol.TypeFileChunkAck:
		e.handleChunkAck(f)
	case protocol.TypeFileEndAck:
		e.handleEndAck(f)
	}
}

// sweepLoop periodically retires transfers idle past the inactivity
// timeout and re-drives outbound retransmission.
func (e *Engine) sweepLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			e.sweep()
		case <-e.stop:
			return
		}
	}
}

func (e *Engine) sweep() {
	now := e.now()
	timeout := e.cfg.InactivityTimeout.Std()

	var timedOut []Transfer
	e.mu.Lock()
	for id, t := range e.outbound {
		if now.Sub(t.lastActivity) > timeout {
			t.status = StatusFailed
			delete(e.outbound, id)
			snap := t.snapshot()
			e.completed = append(e.completed, snap)
			timedOut = append(timedOut, snap)
			t.poke()
			continue
		}
		// Wake the worker so stalled chunks go out again while the
		// window permits.
		t.poke()
	}
	for key, t := range e.inbound {
		if now.Sub(t.lastActivity) > timeout {
			t.status = StatusFailed
			delete(e.inbound, key)
			snap := t.snapshot()
			e.completed = append(e.completed, snap)
			timedOut = append(timedOut, snap)
		}
	}
	e.mu.Unlock()

	for _, snap := range timedOut {
		e.log.Warn().
			Str("transfer_id", snap.ID).
			Str("file", snap.Filename).
			Msg("transfer timed out")
		e.events.Publish(Event{Kind: TransferFailed, Transfer: snap})
	}
}

func (e *Engine) sendPayloadFrame(dest protocol.Addr, t protocol.MessageType, body any) error {
	payload, err := protocol.MarshalPayload(body)
	if err != nil {
		return err
	}
	f := protocol.NewFrame(dest, e.link.LocalAddr(), t, e.nextFrameID.Add(1), payload)
	return e.link.Send(f)
}
