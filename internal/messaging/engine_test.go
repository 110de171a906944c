package messaging

import (
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/danls/lanlink/internal/config"
	"github.com/danls/lanlink/internal/link"
	"github.com/danls/lanlink/internal/protocol"
	"github.com/danls/lanlink/internal/testutil"
	"github.com/danls/lanlink/internal/testutil/testlog"
)

func newTransport(t *testing.T, bus *testutil.Bus, addr protocol.Addr, log zerolog.Logger) *link.Transport {
	t.Helper()
	tr := link.NewTransport(bus.Endpoint(addr), log)
	tr.Start()
	return tr
}

var (
	localAddr = protocol.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	peerAddr  = protocol.Addr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
)

type recorder struct {
	mu       sync.Mutex
	messages []Message
	failures []Failure
}

func (r *recorder) message(m Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, m)
}

func (r *recorder) failure(f Failure) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, f)
}

func (r *recorder) messageCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.messages)
}

func newTestEngine(t *testing.T) (*Engine, *testutil.FakeLink, *recorder) {
	t.Helper()
	lnk := testutil.NewFakeLink(localAddr)
	eng := NewEngine(lnk, config.Default().Messaging, testlog.Logger(t))
	rec := &recorder{}
	eng.OnMessage(rec.message)
	eng.OnFailure(rec.failure)
	eng.running.Store(true) // drive dispatch/sweep by hand
	return eng, lnk, rec
}

func textFrame(id uint32, content string, broadcast bool) *protocol.Frame {
	payload, _ := protocol.MarshalPayload(protocol.Text{Content: content, Timestamp: time.Now().UnixMilli()})
	msgType := protocol.TypeText
	dest := localAddr
	if broadcast {
		msgType = protocol.TypeBroadcast
		dest = protocol.Broadcast
	}
	return protocol.NewFrame(dest, peerAddr, msgType, id, payload)
}

func ackFrame(forID uint32) *protocol.Frame {
	payload, _ := protocol.MarshalPayload(protocol.Ack{MessageID: forID})
	return protocol.NewFrame(localAddr, peerAddr, protocol.TypeMessageAck, 999, payload)
}

func TestSendRejectsOversizedContent(t *testing.T) {
	eng, lnk, _ := newTestEngine(t)
	err := eng.Send(peerAddr, strings.Repeat("x", eng.cfg.MaxMessageSize+1))
	require.ErrorIs(t, err, ErrMessageTooLarge)
	require.Empty(t, lnk.Sent())
}

func TestSendRejectedWhenStopped(t *testing.T) {
	eng, _, _ := newTestEngine(t)
	eng.running.Store(false)
	require.ErrorIs(t, eng.Send(peerAddr, "hi"), ErrStopped)
}

func TestDispatchSendsAndTracksPending(t *testing.T) {
	eng, lnk, _ := newTestEngine(t)
	eng.dispatch(outbound{target: peerAddr, content: "hello"})

	sent := lnk.SentOfType(protocol.TypeText)
	require.Len(t, sent, 1)
	require.Equal(t, peerAddr, sent[0].Dest)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Len(t, eng.pending, 1)
}

func TestBroadcastDispatchIsNotTracked(t *testing.T) {
	eng, lnk, _ := newTestEngine(t)
	eng.dispatch(outbound{target: protocol.Broadcast, content: "to all", broadcast: true})

	require.Len(t, lnk.SentOfType(protocol.TypeBroadcast), 1)
	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Empty(t, eng.pending, "broadcasts are confirmed immediately")
}

func TestInboundTextPublishedAndAcked(t *testing.T) {
	eng, lnk, rec := newTestEngine(t)
	eng.HandleFrame(textFrame(7, "hello there", false))

	require.Equal(t, 1, rec.messageCount())
	acks := lnk.SentOfType(protocol.TypeMessageAck)
	require.Len(t, acks, 1)
	require.Equal(t, peerAddr, acks[0].Dest)

	var body protocol.Ack
	require.NoError(t, protocol.UnmarshalPayload(acks[0].Payload, &body))
	require.Equal(t, uint32(7), body.MessageID)
}

func TestDuplicateSuppressedButReacked(t *testing.T) {
	eng, lnk, rec := newTestEngine(t)
	eng.HandleFrame(textFrame(7, "hello", false))
	eng.HandleFrame(textFrame(7, "hello", false))

	require.Equal(t, 1, rec.messageCount(), "exactly one publish per message id")
	require.Len(t, lnk.SentOfType(protocol.TypeMessageAck), 2, "lost-ack retries still get acknowledged")
}

func TestBroadcastInboundNeverAcked(t *testing.T) {
	eng, lnk, rec := newTestEngine(t)
	eng.HandleFrame(textFrame(9, "to everyone", true))

	require.Equal(t, 1, rec.messageCount())
	require.Empty(t, lnk.SentOfType(protocol.TypeMessageAck))
}

func TestAckRemovesPendingOnNextSweep(t *testing.T) {
	eng, _, rec := newTestEngine(t)
	eng.dispatch(outbound{target: peerAddr, content: "important"})

	eng.mu.Lock()
	var id uint32
	for k := range eng.pending {
		id = k
	}
	eng.mu.Unlock()

	eng.HandleFrame(ackFrame(id))
	eng.sweep()

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Empty(t, eng.pending)
	require.Empty(t, rec.failures)
}

func TestRetryCeilingProducesExactSendsAndOneFailure(t *testing.T) {
	lnk := testutil.NewFakeLink(localAddr)
	cfg := config.Default().Messaging
	cfg.MaxAttempts = 3
	eng := NewEngine(lnk, cfg, testlog.Logger(t))
	rec := &recorder{}
	eng.OnFailure(rec.failure)
	eng.running.Store(true)

	base := time.Now()
	eng.now = func() time.Time { return base }
	eng.dispatch(outbound{target: peerAddr, content: "never acked"})

	interval := cfg.RetryInterval.Std()
	for i := 1; i <= 10; i++ {
		eng.now = func() time.Time { return base.Add(time.Duration(i) * interval) }
		eng.sweep()
	}

	require.Len(t, lnk.SentOfType(protocol.TypeText), cfg.MaxAttempts, "exactly max_attempts sends")
	require.Len(t, rec.failures, 1, "exactly one failed-delivery event")
	require.Equal(t, cfg.MaxAttempts, rec.failures[0].Attempts)

	eng.mu.Lock()
	defer eng.mu.Unlock()
	require.Empty(t, eng.pending)
}

func TestRecentLogBounded(t *testing.T) {
	lnk := testutil.NewFakeLink(localAddr)
	cfg := config.Default().Messaging
	cfg.DedupCapacity = 5
	eng := NewEngine(lnk, cfg, testlog.Logger(t))
	eng.running.Store(true)

	for i := uint32(1); i <= 8; i++ {
		eng.HandleFrame(textFrame(i, "msg", true))
	}

	recent := eng.Recent(0)
	require.Len(t, recent, 5, "oldest entries evicted at capacity")
	require.Equal(t, uint32(4), recent[0].ID)

	limited := eng.Recent(2)
	require.Len(t, limited, 2)
	require.Equal(t, uint32(8), limited[1].ID)
}

func TestEngineOverLiveTransportRoundTrip(t *testing.T) {
	// Two engines on a shared in-memory segment through real
	// transports: ack handling happens end to end.
	bus := testutil.NewBus()
	logA, logB := testlog.Logger(t), testlog.Logger(t)

	trA := newTransport(t, bus, localAddr, logA)
	trB := newTransport(t, bus, peerAddr, logB)

	cfg := config.Default().Messaging
	cfg.RetryInterval = config.Duration(20 * time.Millisecond)
	engA := NewEngine(trA, cfg, logA)
	engB := NewEngine(trB, cfg, logB)
	recB := &recorder{}
	engB.OnMessage(recB.message)
	engA.Start()
	engB.Start()
	defer func() {
		engA.Stop()
		engB.Stop()
		trA.Close()
		trB.Close()
	}()

	require.NoError(t, engA.Send(peerAddr, "over the wire"))
	require.Eventually(t, func() bool { return recB.messageCount() == 1 }, time.Second, 5*time.Millisecond)

	// The ack clears the sender's pending table.
	require.Eventually(t, func() bool {
		engA.sweep()
		engA.mu.Lock()
		defer engA.mu.Unlock()
		return len(engA.pending) == 0
	}, time.Second, 10*time.Millisecond)
}
