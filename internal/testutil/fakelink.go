package testutil

import (
	"sync"

	"github.com/danls/lanlink/internal/link"
	"github.com/danls/lanlink/internal/protocol"
)

// FakeLink records outbound frames and lets a test inject inbound
// ones, standing in for the transport in single-engine tests.
type FakeLink struct {
	local protocol.Addr

	mu       sync.Mutex
	sent     []*protocol.Frame
	handlers map[link.Handler]struct{}

	// SendErr, when set, fails every Send with that error.
	SendErr error
}

func NewFakeLink(local protocol.Addr) *FakeLink {
	return &FakeLink{
		local:    local,
		handlers: make(map[link.Handler]struct{}),
	}
}

func (l *FakeLink) Send(f *protocol.Frame) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.SendErr != nil {
		return l.SendErr
	}
	l.sent = append(l.sent, f)
	return nil
}

func (l *FakeLink) LocalAddr() protocol.Addr {
	return l.local
}

func (l *FakeLink) Subscribe(h link.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[h] = struct{}{}
}

func (l *FakeLink) Unsubscribe(h link.Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.handlers, h)
}

// Inject dispatches f to every subscribed handler, as the transport's
// receive loop would.
func (l *FakeLink) Inject(f *protocol.Frame) {
	l.mu.Lock()
	snapshot := make([]link.Handler, 0, len(l.handlers))
	for h := range l.handlers {
		snapshot = append(snapshot, h)
	}
	l.mu.Unlock()
	for _, h := range snapshot {
		h.HandleFrame(f)
	}
}

// Sent returns a copy of everything sent so far.
func (l *FakeLink) Sent() []*protocol.Frame {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*protocol.Frame, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentOfType filters Sent by message type.
func (l *FakeLink) SentOfType(t protocol.MessageType) []*protocol.Frame {
	var out []*protocol.Frame
	for _, f := range l.Sent() {
		if f.Type == t {
			out = append(out, f)
		}
	}
	return out
}
