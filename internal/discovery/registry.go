// Package discovery tracks which peers exist on the segment and
// whether they are still alive.
package discovery

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/danls/lanlink/internal/config"
	"github.com/danls/lanlink/internal/events"
	"github.com/danls/lanlink/internal/link"
	"github.com/danls/lanlink/internal/protocol"
)

// Link is the slice of the transport the registry needs.
type Link interface {
	Send(f *protocol.Frame) error
	LocalAddr() protocol.Addr
	Subscribe(h link.Handler)
	Unsubscribe(h link.Handler)
}

// Device is one discovered peer. Devices are never removed; a silent
// peer goes inactive and comes back on its next frame.
type Device struct {
	Addr     protocol.Addr
	LastSeen time.Time
	Active   bool
}

// EventKind classifies a device event.
type EventKind int

const (
	// DeviceDiscovered fires the first time an address registers.
	DeviceDiscovered EventKind = iota
	// DeviceUpdated fires on every subsequent refresh, including an
	// inactive device coming back.
	DeviceUpdated
	// DeviceDisconnected fires exactly once per active-to-inactive
	// transition.
	DeviceDisconnected
)

// Event is one device state change.
type Event struct {
	Kind   EventKind
	Device Device
}

// Registry runs the discovery and heartbeat broadcast loops and keeps
// the per-peer liveness table.
type Registry struct {
	link Link
	cfg  config.DiscoveryConfig
	log  zerolog.Logger
	now  func() time.Time

	mu      sync.Mutex
	devices map[protocol.Addr]*Device

	events events.Feed[Event]
	nextID atomic.Uint32

	running atomic.Bool
	stop    chan struct{}
	wg      sync.WaitGroup
}

func NewRegistry(lnk Link, cfg config.DiscoveryConfig, log zerolog.Logger) *Registry {
	return &Registry{
		link:    lnk,
		cfg:     cfg,
		log:     log.With().Str("component", "discovery").Logger(),
		now:     time.Now,
		devices: make(map[protocol.Addr]*Device),
	}
}

// OnEvent registers fn for device events.
func (r *Registry) OnEvent(fn func(Event)) {
	r.events.Subscribe(fn)
}

// Start subscribes to the transport and launches the periodic tasks.
func (r *Registry) Start() {
	if !r.running.CompareAndSwap(false, true) {
		return
	}
	r.stop = make(chan struct{})
	r.link.Subscribe(r)

	r.wg.Add(3)
	go r.broadcastLoop(r.cfg.Interval.Std(), r.sendDiscoveryRequest)
	go r.broadcastLoop(r.cfg.HeartbeatInterval.Std(), r.sendHeartbeat)
	go r.sweepLoop()

	// Announce ourselves immediately rather than waiting a full
	// interval.
	r.sendDiscoveryRequest()
}

// Stop halts the periodic tasks and waits for them to exit. No event
// is published after Stop returns.
func (r *Registry) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	r.link.Unsubscribe(r)
	close(r.stop)
	r.wg.Wait()
}

// Devices returns a snapshot of the table, active and inactive alike.
func (r *Registry) Devices() []Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, *d)
	}
	return out
}

// HandleFrame implements link.Handler.
func (r *Registry) HandleFrame(f *protocol.Frame) {
	if !r.running.Load() || f.Src == r.link.LocalAddr() {
		return
	}
	switch f.Type {
	case protocol.TypeDiscovery:
		r.register(f.Src)
		r.sendDiscoveryReply(f.Src)
	case protocol.TypeDiscoveryReply, protocol.TypeHeartbeat:
		r.register(f.Src)
	}
}

// Sweep flips devices silent for longer than the liveness timeout to
// inactive. Repeated sweeps report each disconnect only once.
func (r *Registry) Sweep() {
	now := r.now()
	var disconnected []Device
	r.mu.Lock()
	for _, d := range r.devices {
		if d.Active && now.Sub(d.LastSeen) > r.cfg.LivenessTimeout.Std() {
			d.Active = false
			disconnected = append(disconnected, *d)
		}
	}
	r.mu.Unlock()
	for _, d := range disconnected {
		r.log.Info().Str("device", d.Addr.String()).Msg("device disconnected")
		r.events.Publish(Event{Kind: DeviceDisconnected, Device: d})
	}
}

func (r *Registry) register(addr protocol.Addr) {
	now := r.now()
	kind := DeviceUpdated
	r.mu.Lock()
	d, ok := r.devices[addr]
	if !ok {
		d = &Device{Addr: addr}
		r.devices[addr] = d
		kind = DeviceDiscovered
		r.log.Info().Str("device", addr.String()).Msg("device discovered")
	}
	d.LastSeen = now
	d.Active = true
	snapshot := *d
	r.mu.Unlock()
	r.events.Publish(Event{Kind: kind, Device: snapshot})
}

func (r *Registry) broadcastLoop(interval time.Duration, send func()) {
	defer r.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			send()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sweepLoop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.SweepInterval.Std())
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.Sweep()
		case <-r.stop:
			return
		}
	}
}

func (r *Registry) sendDiscoveryRequest() {
	r.sendAnnounce(protocol.Broadcast, protocol.TypeDiscovery)
}

func (r *Registry) sendHeartbeat() {
	r.sendAnnounce(protocol.Broadcast, protocol.TypeHeartbeat)
}

func (r *Registry) sendDiscoveryReply(target protocol.Addr) {
	r.sendAnnounce(target, protocol.TypeDiscoveryReply)
}

func (r *Registry) sendAnnounce(dest protocol.Addr, t protocol.MessageType) {
	payload, err := protocol.MarshalPayload(protocol.Announce{Timestamp: r.now().UnixMilli()})
	if err != nil {
		r.log.Error().Err(err).Msg("encode announce")
		return
	}
	f := protocol.NewFrame(dest, r.link.LocalAddr(), t, r.nextID.Add(1), payload)
	if err := r.link.Send(f); err != nil {
		r.log.Warn().Err(err).Str("type", t.String()).Msg("announce send failed")
	}
}
