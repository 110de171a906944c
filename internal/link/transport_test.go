package link_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/danls/lanlink/internal/link"
	"github.com/danls/lanlink/internal/protocol"
	"github.com/danls/lanlink/internal/testutil"
	"github.com/danls/lanlink/internal/testutil/testlog"
)

var (
	addrA = protocol.Addr{0x02, 0, 0, 0, 0, 0x01}
	addrB = protocol.Addr{0x02, 0, 0, 0, 0, 0x02}
	addrC = protocol.Addr{0x02, 0, 0, 0, 0, 0x03}
)

type captureHandler struct {
	mu     sync.Mutex
	frames []*protocol.Frame
}

func (h *captureHandler) HandleFrame(f *protocol.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.frames = append(h.frames, f)
}

func (h *captureHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.frames)
}

func (h *captureHandler) last() *protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.frames) == 0 {
		return nil
	}
	return h.frames[len(h.frames)-1]
}

func newPair(t *testing.T) (*link.Transport, *link.Transport, *testutil.Bus) {
	t.Helper()
	bus := testutil.NewBus()
	trA := link.NewTransport(bus.Endpoint(addrA), testlog.Logger(t))
	trB := link.NewTransport(bus.Endpoint(addrB), testlog.Logger(t))
	trA.Start()
	trB.Start()
	t.Cleanup(func() {
		trA.Close()
		trB.Close()
	})
	return trA, trB, bus
}

func TestSendDelivers(t *testing.T) {
	trA, trB, _ := newPair(t)

	h := &captureHandler{}
	trB.Subscribe(h)

	f := protocol.NewFrame(addrB, addrA, protocol.TypeText, 7, []byte("payload"))
	require.NoError(t, trA.Send(f))

	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	got := h.last()
	require.Equal(t, addrA, got.Src)
	require.Equal(t, uint32(7), got.ID)
	require.Equal(t, []byte("payload"), got.Payload)
}

func TestForeignDestinationFiltered(t *testing.T) {
	trA, trB, _ := newPair(t)

	h := &captureHandler{}
	trB.Subscribe(h)

	// Addressed to a third host; B sees the bytes but must not
	// dispatch them.
	require.NoError(t, trA.Send(protocol.NewFrame(addrC, addrA, protocol.TypeText, 1, nil)))
	// Broadcast reaches everyone.
	require.NoError(t, trA.Send(protocol.NewFrame(protocol.Broadcast, addrA, protocol.TypeBroadcast, 2, nil)))

	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.TypeBroadcast, h.last().Type)
}

func TestGarbageTrafficIgnored(t *testing.T) {
	trA, trB, bus := newPair(t)

	h := &captureHandler{}
	trB.Subscribe(h)

	// A third endpoint writes raw bytes that never went through the
	// frame codec. The receive loop must survive and keep decoding.
	raw := bus.Endpoint(addrC)
	require.NoError(t, raw.Write([]byte{0xDE, 0xAD, 0xBE, 0xEF}))
	require.NoError(t, raw.Write(make([]byte, 3)))

	require.NoError(t, trA.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 1, []byte("ok"))))

	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Equal(t, protocol.TypeText, h.last().Type)
}

func TestSendRejectsOversizePayload(t *testing.T) {
	trA, _, _ := newPair(t)
	f := protocol.NewFrame(addrB, addrA, protocol.TypeText, 1, make([]byte, protocol.MaxPayload+1))
	require.ErrorIs(t, trA.Send(f), protocol.ErrPayloadTooLarge)
}

func TestSendAfterClose(t *testing.T) {
	bus := testutil.NewBus()
	tr := link.NewTransport(bus.Endpoint(addrA), testlog.Logger(t))
	tr.Start()
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := tr.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 1, nil))
	require.ErrorIs(t, err, link.ErrClosed)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	trA, trB, _ := newPair(t)

	h := &captureHandler{}
	trB.Subscribe(h)

	require.NoError(t, trA.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 1, nil)))
	require.Eventually(t, func() bool { return h.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	trB.Unsubscribe(h)
	require.NoError(t, trA.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 2, nil)))
	require.NoError(t, trA.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 3, nil)))

	// Give the loop time to (not) deliver.
	time.Sleep(100 * time.Millisecond)
	require.Equal(t, 1, h.count())
}

// selfRemover unsubscribes itself on its first frame.
type selfRemover struct {
	tr   *link.Transport
	hits int
	mu   sync.Mutex
}

func (h *selfRemover) HandleFrame(*protocol.Frame) {
	h.mu.Lock()
	h.hits++
	h.mu.Unlock()
	h.tr.Unsubscribe(h)
}

func TestHandlerMayUnsubscribeItself(t *testing.T) {
	trA, trB, _ := newPair(t)

	h := &selfRemover{tr: trB}
	trB.Subscribe(h)

	require.NoError(t, trA.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 1, nil)))
	require.NoError(t, trA.Send(protocol.NewFrame(addrB, addrA, protocol.TypeText, 2, nil)))

	require.Eventually(t, func() bool {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.hits == 1
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	h.mu.Lock()
	defer h.mu.Unlock()
	require.Equal(t, 1, h.hits)
}
