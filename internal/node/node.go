// Package node assembles the transport, discovery registry, messaging
// engine and transfer engine into one peer and exposes the operations
// a frontend needs.
package node

import (
	"errors"

	"github.com/rs/zerolog"

	"github.com/danls/lanlink/internal/config"
	"github.com/danls/lanlink/internal/discovery"
	"github.com/danls/lanlink/internal/link"
	"github.com/danls/lanlink/internal/messaging"
	"github.com/danls/lanlink/internal/protocol"
	"github.com/danls/lanlink/internal/transfer"
)

var (
	// ErrNotStarted means the node has not been started yet.
	ErrNotStarted = errors.New("node: not started")
	// ErrAlreadyStarted means Start was called twice.
	ErrAlreadyStarted = errors.New("node: already started")
)

// Link is the transport surface the node manages. *link.Transport
// satisfies it.
type Link interface {
	Send(f *protocol.Frame) error
	LocalAddr() protocol.Addr
	Subscribe(h link.Handler)
	Unsubscribe(h link.Handler)
	Close() error
}

// Node is one peer on the segment. Construct with New, register any
// callbacks, then Start.
type Node struct {
	cfg config.Config
	log zerolog.Logger

	// openLink defaults to opening a raw socket on cfg.Interface.
	openLink func() (Link, error)

	link      Link
	discovery *discovery.Registry
	messaging *messaging.Engine
	transfer  *transfer.Engine

	onDevice   []func(discovery.Event)
	onMessage  []func(messaging.Message)
	onFailure  []func(messaging.Failure)
	onTransfer []func(transfer.Event)
}

func New(cfg config.Config, log zerolog.Logger) *Node {
	n := &Node{
		cfg: cfg,
		log: log.With().Str("component", "node").Logger(),
	}
	n.openLink = func() (Link, error) {
		return link.Open(cfg.Interface, log)
	}
	return n
}

// OnDeviceEvent registers fn for discovery events. Call before Start.
func (n *Node) OnDeviceEvent(fn func(discovery.Event)) {
	n.onDevice = append(n.onDevice, fn)
}

// OnMessage registers fn for inbound text and broadcast messages.
// Call before Start.
func (n *Node) OnMessage(fn func(messaging.Message)) {
	n.onMessage = append(n.onMessage, fn)
}

// OnMessageFailure registers fn for messages that exhausted their
// retries. Call before Start.
func (n *Node) OnMessageFailure(fn func(messaging.Failure)) {
	n.onFailure = append(n.onFailure, fn)
}

// OnTransferEvent registers fn for file transfer events. Call before
// Start.
func (n *Node) OnTransferEvent(fn func(transfer.Event)) {
	n.onTransfer = append(n.onTransfer, fn)
}

// Start opens the link and brings up discovery, messaging and file
// transfer on it.
func (n *Node) Start() error {
	if n.link != nil {
		return ErrAlreadyStarted
	}
	lnk, err := n.openLink()
	if err != nil {
		return err
	}
	n.link = lnk

	n.discovery = discovery.NewRegistry(lnk, n.cfg.Discovery, n.log)
	n.messaging = messaging.NewEngine(lnk, n.cfg.Messaging, n.log)
	n.transfer = transfer.NewEngine(lnk, n.cfg.Transfer, n.cfg.DownloadsDir, n.log)

	for _, fn := range n.onDevice {
		n.discovery.OnEvent(fn)
	}
	for _, fn := range n.onMessage {
		n.messaging.OnMessage(fn)
	}
	for _, fn := range n.onFailure {
		n.messaging.OnFailure(fn)
	}
	for _, fn := range n.onTransfer {
		n.transfer.OnEvent(fn)
	}

	n.discovery.Start()
	n.messaging.Start()
	n.transfer.Start()

	n.log.Info().
		Str("addr", lnk.LocalAddr().String()).
		Str("interface", n.cfg.Interface).
		Msg("node started")
	return nil
}

// Shutdown stops the engines and closes the link. Safe to call more
// than once.
func (n *Node) Shutdown() {
	if n.link == nil {
		return
	}
	n.transfer.Stop()
	n.messaging.Stop()
	n.discovery.Stop()
	if err := n.link.Close(); err != nil {
		n.log.Warn().Err(err).Msg("link close failed")
	}
	n.link = nil
	n.log.Info().Msg("node stopped")
}

// Addr returns the node's hardware address.
func (n *Node) Addr() (protocol.Addr, error) {
	if n.link == nil {
		return protocol.Addr{}, ErrNotStarted
	}
	return n.link.LocalAddr(), nil
}

// SendMessage queues a reliable text message to target.
func (n *Node) SendMessage(target protocol.Addr, content string) error {
	if n.messaging == nil {
		return ErrNotStarted
	}
	return n.messaging.Send(target, content)
}

// SendBroadcast queues a fire-and-forget message to every peer.
func (n *Node) SendBroadcast(content string) error {
	if n.messaging == nil {
		return ErrNotStarted
	}
	return n.messaging.SendBroadcast(content)
}

// SendFile starts a file transfer to target and returns its id.
func (n *Node) SendFile(target protocol.Addr, path string) (string, error) {
	if n.transfer == nil {
		return "", ErrNotStarted
	}
	return n.transfer.Send(target, path)
}

// CancelTransfer aborts an active outbound transfer.
func (n *Node) CancelTransfer(transferID string) error {
	if n.transfer == nil {
		return ErrNotStarted
	}
	return n.transfer.Cancel(transferID)
}

// Devices returns the current device registry snapshot.
func (n *Node) Devices() []discovery.Device {
	if n.discovery == nil {
		return nil
	}
	return n.discovery.Devices()
}

// Recent returns up to limit most recent messages, oldest first.
func (n *Node) Recent(limit int) []messaging.Message {
	if n.messaging == nil {
		return nil
	}
	return n.messaging.Recent(limit)
}

// ActiveTransfers returns snapshots of every in-flight transfer.
func (n *Node) ActiveTransfers() []transfer.Transfer {
	if n.transfer == nil {
		return nil
	}
	return n.transfer.Active()
}

// CompletedTransfers returns transfers that reached a terminal state.
func (n *Node) CompletedTransfers() []transfer.Transfer {
	if n.transfer == nil {
		return nil
	}
	return n.transfer.Completed()
}
