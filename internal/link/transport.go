// Package link owns the raw link-layer endpoint. It is the sole
// source of inbound frames and the sink for all outbound frames;
// engines above it communicate with the wire only through Send and
// the subscription fan-out.
package link

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danls/lanlink/internal/protocol"
)

// recvPollTimeout bounds how long the receive loop stays blocked on
// the socket before rechecking for shutdown.
const recvPollTimeout = 250 * time.Millisecond

// readBufferSize is large enough for any single link-layer frame.
const readBufferSize = 65536

// errTimeout is returned by a PacketConn read that expired without
// data. The receive loop retries any error reporting Timeout() true,
// matching net.Error semantics.
var errTimeout error = timeoutError{}

type timeoutError struct{}

func (timeoutError) Error() string { return "link: read timeout" }
func (timeoutError) Timeout() bool { return true }

// PacketConn is the raw endpoint the transport runs over. The real
// implementation is an AF_PACKET socket; tests substitute an
// in-memory pipe.
type PacketConn interface {
	Read(buf []byte) (int, error)
	Write(buf []byte) error
	LocalAddr() protocol.Addr
	Close() error
}

// Handler receives every successfully decoded inbound frame. Handlers
// are invoked synchronously from the receive loop and may call
// Unsubscribe on themselves.
type Handler interface {
	HandleFrame(f *protocol.Frame)
}

// Transport fans inbound frames out to subscribers and writes
// outbound frames to the wire.
type Transport struct {
	conn PacketConn
	log  zerolog.Logger

	mu   sync.Mutex
	subs map[Handler]struct{}

	closed atomic.Bool
	wg     sync.WaitGroup
}

// NewTransport wraps an already-open endpoint. The receive loop is
// not started; call Start.
func NewTransport(conn PacketConn, log zerolog.Logger) *Transport {
	return &Transport{
		conn: conn,
		log:  log.With().Str("component", "link").Logger(),
		subs: make(map[Handler]struct{}),
	}
}

// Start launches the receive loop.
func (t *Transport) Start() {
	t.wg.Add(1)
	go t.recvLoop()
}

// LocalAddr is the bound interface's hardware address: the canonical
// local identity every engine stamps on outbound frames.
func (t *Transport) LocalAddr() protocol.Addr {
	return t.conn.LocalAddr()
}

// Send encodes and writes one frame. A send error means the frame
// should be assumed lost; the retry layers above decide what to do
// about that.
func (t *Transport) Send(f *protocol.Frame) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if len(f.Payload) > protocol.MaxPayload {
		return protocol.ErrPayloadTooLarge
	}
	if err := t.conn.Write(protocol.Encode(f)); err != nil {
		return fmt.Errorf("link: send %s: %w", f.Type, err)
	}
	return nil
}

// Subscribe registers h for inbound frames.
func (t *Transport) Subscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.subs[h] = struct{}{}
}

// Unsubscribe removes h. Safe to call from within h's own callback.
func (t *Transport) Unsubscribe(h Handler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.subs, h)
}

// Close shuts the endpoint and waits for the receive loop to exit.
// No handler callback fires after Close returns.
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := t.conn.Close()
	t.wg.Wait()
	return err
}

func (t *Transport) recvLoop() {
	defer t.wg.Done()
	buf := make([]byte, readBufferSize)
	for {
		n, err := t.conn.Read(buf)
		if t.closed.Load() {
			return
		}
		if err != nil {
			if te, ok := err.(interface{ Timeout() bool }); ok && te.Timeout() {
				continue
			}
			t.log.Error().Err(err).Msg("receive loop terminated")
			return
		}
		frame, err := protocol.Decode(buf[:n])
		if err != nil {
			// Foreign, corrupt or truncated traffic is normal
			// background noise on a shared medium.
			continue
		}
		if frame.Dest != t.LocalAddr() && !frame.Dest.IsBroadcast() {
			continue
		}
		t.dispatch(frame)
	}
}

// dispatch notifies every current subscriber over a snapshot taken
// under the lock, so a handler may unsubscribe itself mid-pass.
func (t *Transport) dispatch(f *protocol.Frame) {
	t.mu.Lock()
	snapshot := make([]Handler, 0, len(t.subs))
	for h := range t.subs {
		snapshot = append(snapshot, h)
	}
	t.mu.Unlock()
	for _, h := range snapshot {
		h.HandleFrame(f)
	}
}
