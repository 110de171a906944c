// Package testutil provides an in-memory link segment so engine tests
// run without raw-socket privileges.
package testutil

import (
	"errors"
	"sync"

	"github.com/danls/lanlink/internal/protocol"
)

// ErrEndpointClosed is returned by reads and writes on a closed
// endpoint.
var ErrEndpointClosed = errors.New("testutil: endpoint closed")

// Bus models one shared broadcast segment. Every write is delivered
// to every other endpoint, subject to each endpoint's drop hook.
type Bus struct {
	mu        sync.Mutex
	endpoints map[protocol.Addr]*Endpoint
}

func NewBus() *Bus {
	return &Bus{endpoints: make(map[protocol.Addr]*Endpoint)}
}

// Endpoint attaches a new host with the given address to the segment.
// It implements link.PacketConn.
func (b *Bus) Endpoint(addr protocol.Addr) *Endpoint {
	ep := &Endpoint{
		bus:    b,
		addr:   addr,
		in:     make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	b.mu.Lock()
	b.endpoints[addr] = ep
	b.mu.Unlock()
	return ep
}

func (b *Bus) deliver(from protocol.Addr, buf []byte) {
	b.mu.Lock()
	targets := make([]*Endpoint, 0, len(b.endpoints))
	for addr, ep := range b.endpoints {
		if addr != from {
			targets = append(targets, ep)
		}
	}
	b.mu.Unlock()
	for _, ep := range targets {
		ep.receive(buf)
	}
}

// Endpoint is one host's attachment to the bus.
type Endpoint struct {
	bus  *Bus
	addr protocol.Addr

	in        chan []byte
	closeOnce sync.Once
	closed    chan struct{}

	mu     sync.Mutex
	dropFn func(buf []byte) bool
}

// SetDropFn installs a hook deciding whether an inbound frame is lost
// before this endpoint sees it. Used to simulate a lossy link.
func (e *Endpoint) SetDropFn(fn func(buf []byte) bool) {
	e.mu.Lock()
	e.dropFn = fn
	e.mu.Unlock()
}

func (e *Endpoint) receive(buf []byte) {
	e.mu.Lock()
	drop := e.dropFn
	e.mu.Unlock()
	if drop != nil && drop(buf) {
		return
	}
	cp := make([]byte, len(buf))
	copy(cp, buf)
	select {
	case e.in <- cp:
	default:
		// Full buffer loses frames, as the real medium would.
	}
}

func (e *Endpoint) Read(buf []byte) (int, error) {
	select {
	case data := <-e.in:
		return copy(buf, data), nil
	case <-e.closed:
		return 0, ErrEndpointClosed
	}
}

func (e *Endpoint) Write(buf []byte) error {
	select {
	case <-e.closed:
		return ErrEndpointClosed
	default:
	}
	e.bus.deliver(e.addr, buf)
	return nil
}

func (e *Endpoint) LocalAddr() protocol.Addr {
	return e.addr
}

func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() { close(e.closed) })
	return nil
}
