// Package messaging provides at-least-once unicast text delivery with
// acknowledgment, retry and duplicate suppression, plus fire-and-forget
// broadcast.
package messaging

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
	// ErrMessageTooLarge means the content exceeds the configured
	// maximum and was not queued.
	ErrMessageTooLarge = errors.New("messaging: message too large")
	// ErrQueueFull means the send queue is saturated.
	ErrQueueFull = errors.New("messaging: send queue full")
	// ErrStopped means the engine is not running.
	ErrStopped = errors.New("messaging: engine stopped")
)

// Link is the slice of the transport the engine needs.
type Link interface {
	Send(f *protocol.Frame) error
	LocalAddr() protocol.Addr
	Subscribe(h link.Handler)
	Unsubscribe(h link.Handler)
}

// Message is one received text, delivered to subscribers.
type Message struct {
	ID        uint32
	Sender    protocol.Addr
	Content   string
	Timestamp time.Time
	Broadcast bool
}

// Failure reports a unicast message that exhausted its retries.
type Failure struct {
	ID       uint32
	Target   protocol.Addr
	Content  string
	Attempts int
}

type outbound struct {
	target    protocol.Addr
	content   string
	broadcast bool
}

// pendingMessage tracks one unicast message awaiting acknowledgment.
type pendingMessage struct {
	frame     *protocol.Frame
	target    protocol.Addr
	content   string
	attempts  int
	firstSent time.Time
	lastSent  time.Time
	acked     bool
}

type dedupKey struct {
	src protocol.Addr
	id  uint32
}

// Engine owns the send queue, the pending table and the inbound dedup
// window. One worker drains the queue and runs the retry sweeps.
type Engine struct {
	link Link
	cfg  config.MessagingConfig
	log  zerolog.Logger
	now  func() time.Time

	queue  chan outbound
	nextID atomic.Uint32

	mu       sync.Mutex
	pending  map[uint32]*pendingMessage
	seen     map[dedupKey]struct{}
	seenFifo []dedupKey
	recent   []Message

	messages events.Feed[Message]
	failures events.Feed[Failure]

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewEngine(lnk Link, cfg config.MessagingConfig, log zerolog.Logger) *Engine {
	return &Engine{
		link:    lnk,
		cfg:     cfg,
		log:     log.With().Str("component", "messaging").Logger(),
		now:     time.Now,
		queue:   make(chan outbound, cfg.QueueCapacity),
		pending: make(map[uint32]*pendingMessage),
		seen:    make(map[dedupKey]struct{}),
	}
}

// OnMessage registers fn for received messages.
func (e *Engine) OnMessage(fn func(Message)) {
	e.messages.Subscribe(fn)
}

// OnFailure registers fn for failed deliveries.
func (e *Engine) OnFailure(fn func(Failure)) {
	e.failures.Subscribe(fn)
}

// Start subscribes to the transport and launches the sending worker.
func (e *Engine) Start() {
	if !e.running.CompareAndSwap(false, true) {
		return
	}
	e.stop = make(chan struct{})
	e.link.Subscribe(e)
	e.wg.Add(1)
	go e.worker()
}

// Stop halts the worker and waits for it. Queued but unsent messages
// are dropped.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	e.link.Unsubscribe(e)
	close(e.stop)
	e.wg.Wait()
}

// Send queues one unicast message. It returns immediately; delivery,
// retry and failure reporting happen on the worker.
func (e *Engine) Send(target protocol.Addr, content string) error {
	return e.enqueue(outbound{target: target, content: content})
}

// SendBroadcast queues one broadcast message. Broadcasts are sent once
// and never retried.
func (e *Engine) SendBroadcast(content string) error {
	return e.enqueue(outbound{target: protocol.Broadcast, content: content, broadcast: true})
}

func (e *Engine) enqueue(out outbound) error {
	if !e.running.Load() {
		return ErrStopped
	}
	if len(out.content) > e.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}
	select {
	case e.queue <- out:
		return nil
	default:
		return ErrQueueFull
	}
}

// Recent returns up to limit of the most recently received messages,
// oldest first.
func (e *Engine) Recent(limit int) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	if limit <= 0 || limit > len(e.recent) {
		limit = len(e.recent)
	}
	out := make([]Message, limit)
	copy(out, e.recent[len(e.recent)-limit:])
	return out
}

func (e *Engine) worker() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.RetryInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case out := <-e.queue:
			e.dispatch(out)
		case <-ticker.C:
			e.sweep()
		case <-e.stop:
			return
		}
	}
}

// dispatch mints a fresh id, sends the frame, and records unicast
// sends as pending. A send error is treated as a lost frame; the
// sweep takes it from there.
func (e *Engine) dispatch(out outbound) {
	id := e.nextID.Add(1)
	payload, err := protocol.MarshalPayload(protocol.Text{
		Content:   out.content,
		Timestamp: e.now().UnixMilli(),
	})
	if err != nil {
		e.log.Error().Err(err).Msg("encode text payload")
		return
	}
	msgType := protocol.TypeText
	if out.broadcast {
		msgType = protocol.TypeBroadcast
	}
	f := protocol.NewFrame(out.target, e.link.LocalAddr(), msgType, id, payload)

	if err := e.link.Send(f); err != nil {
		e.log.Warn().Err(err).Uint32("msg_id", id).Msg("send failed, assuming lost")
	}
	if out.broadcast {
		return
	}
	now := e.now()
	e.mu.Lock()
	e.pending[id] = &pendingMessage{
		frame:     f,
		target:    out.target,
		content:   out.content,
		attempts:  1,
		firstSent: now,
		lastSent:  now,
	}
	e.mu.Unlock()
}

// sweep drops acknowledged messages, retransmits stale ones, and fails
// those past the retry ceiling.
func (e *Engine) sweep() {
	now := e.now()
	interval := e.cfg.RetryInterval.Std()
	budget := time.Duration(e.cfg.MaxAttempts) * interval

	var resend []*protocol.Frame
	var failed []Failure
	e.mu.Lock()
	for id, p := range e.pending {
		switch {
		case p.acked:
			delete(e.pending, id)
		case p.attempts >= e.cfg.MaxAttempts && now.Sub(p.firstSent) > budget:
			delete(e.pending, id)
			failed = append(failed, Failure{
				ID:       id,
				Target:   p.target,
				Content:  p.content,
				Attempts: p.attempts,
			})
		case p.attempts < e.cfg.MaxAttempts && now.Sub(p.lastSent) >= interval:
			p.attempts++
			p.lastSent = now
			resend = append(resend, p.frame)
		}
	}
	e.mu.Unlock()

	for _, f := range resend {
		if err := e.link.Send(f); err != nil {
			e.log.Warn().Err(err).Uint32("msg_id", f.ID).Msg("retransmit failed")
		}
	}
	for _, fail := range failed {
		e.log.Warn().
			Uint32("msg_id", fail.ID).
			Str("target", fail.Target.String()).
			Int("attempts", fail.Attempts).
			Msg("delivery failed, retry ceiling reached")
		e.failures.Publish(fail)
	}
}

// HandleFrame implements link.Handler.
func (e *Engine) HandleFrame(f *protocol.Frame) {
	if !e.running.Load() || f.Src == e.link.LocalAddr() {
		return
	}
	switch f.Type {
	case protocol.TypeText:
		e.handleText(f, false)
	case protocol.TypeBroadcast:
		e.handleText(f, true)
	case protocol.TypeMessageAck:
		e.handleAck(f)
	}
}

func (e *Engine) handleText(f *protocol.Frame, broadcast bool) {
	var body protocol.Text
	if err := protocol.UnmarshalPayload(f.Payload, &body); err != nil {
		e.log.Debug().Err(err).Msg("bad text payload")
		return
	}

	key := dedupKey{src: f.Src, id: f.ID}
	e.mu.Lock()
	_, dup := e.seen[key]
	if !dup {
		e.remember(key)
	}
	e.mu.Unlock()

	// A duplicate usually means our ACK was lost, so re-acknowledge;
	// the message itself is suppressed.
	if !broadcast {
		e.sendAck(f.Src, f.ID)
	}
	if dup {
		e.log.Debug().Uint32("msg_id", f.ID).Msg("duplicate message suppressed")
		return
	}

	msg := Message{
		ID:        f.ID,
		Sender:    f.Src,
		Content:   body.Content,
		Timestamp: time.UnixMilli(body.Timestamp),
		Broadcast: broadcast,
	}
	e.mu.Lock()
	e.recent = append(e.recent, msg)
	if len(e.recent) > e.cfg.DedupCapacity {
		e.recent = e.recent[1:]
	}
	e.mu.Unlock()

	e.messages.Publish(msg)
}

// remember records key in the dedup window, evicting the oldest entry
// once the window exceeds capacity. Caller holds e.mu.
func (e *Engine) remember(key dedupKey) {
	e.seen[key] = struct{}{}
	e.seenFifo = append(e.seenFifo, key)
	if len(e.seenFifo) > e.cfg.DedupCapacity {
		oldest := e.seenFifo[0]
		e.seenFifo = e.seenFifo[1:]
		delete(e.seen, oldest)
	}
}

func (e *Engine) handleAck(f *protocol.Frame) {
	var body protocol.Ack
	if err := protocol.UnmarshalPayload(f.Payload, &body); err != nil {
		e.log.Debug().Err(err).Msg("bad ack payload")
		return
	}
	e.mu.Lock()
	p, ok := e.pending[body.MessageID]
	if ok {
		p.acked = true
	}
	e.mu.Unlock()
	if ok {
		e.log.Debug().Uint32("msg_id", body.MessageID).Msg("message acknowledged")
	}
}

func (e *Engine) sendAck(target protocol.Addr, messageID uint32) {
	payload, err := protocol.MarshalPayload(protocol.Ack{MessageID: messageID})
	if err != nil {
		e.log.Error().Err(err).Msg("encode ack payload")
		return
	}
	f := protocol.NewFrame(target, e.link.LocalAddr(), protocol.TypeMessageAck, e.nextID.Add(1), payload)
	if err := e.link.Send(f); err != nil {
		e.log.Warn().Err(err).Uint32("msg_id", messageID).Msg("ack send failed")
	}
}
