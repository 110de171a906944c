package protocol

import (
	"fmt"
	"net"
)

const (
	// EtherType is the reserved link-layer tag carrying this protocol.
	EtherType uint16 = 0x88B5
	// Version is the only wire version peers accept.
	Version uint8 = 1

	// HeaderSize is dest(6) + src(6) + ethertype(2) + version(1) +
	// type(1) + id(4) + length(2) + checksum(2).
	HeaderSize = 24

	// MaxPayload keeps a full frame inside a standard Ethernet MTU.
	MaxPayload = 1476
)

// MessageType identifies the frame kind.
type MessageType uint8

const (
	TypeDiscovery      MessageType = 0x01
	TypeDiscoveryReply MessageType = 0x02
	TypeText           MessageType = 0x03
	TypeMessageAck     MessageType = 0x04
	TypeFileStart      MessageType = 0x05
	TypeFileChunk      MessageType = 0x06
	TypeFileEnd        MessageType = 0x07
	TypeFileEndAck     MessageType = 0x08
	TypeHeartbeat      MessageType = 0x09
	TypeBroadcast      MessageType = 0x0A
	TypeFileStartAck   MessageType = 0x0B
	TypeFileChunkAck   MessageType = 0x0C
)

func (t MessageType) String() string {
	switch t {
	case TypeDiscovery:
		return "discovery"
	case TypeDiscoveryReply:
		return "discovery-reply"
	case TypeText:
		return "text"
	case TypeMessageAck:
		return "message-ack"
	case TypeFileStart:
		return "file-start"
	case TypeFileChunk:
		return "file-chunk"
	case TypeFileEnd:
		return "file-end"
	case TypeFileEndAck:
		return "file-end-ack"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeBroadcast:
		return "broadcast"
	case TypeFileStartAck:
		return "file-start-ack"
	case TypeFileChunkAck:
		return "file-chunk-ack"
	}
	return fmt.Sprintf("unknown(0x%02x)", uint8(t))
}

// Addr is a link-layer hardware address. Fixed-width so it works as a
// map key.
type Addr [6]byte

// Broadcast is the all-ones link address.
var Broadcast = Addr{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (a Addr) String() string {
	return net.HardwareAddr(a[:]).String()
}

// IsBroadcast reports whether a is the broadcast address.
func (a Addr) IsBroadcast() bool {
	return a == Broadcast
}

// AddrFromHardware converts a net.HardwareAddr, which must be 6 bytes.
func AddrFromHardware(hw net.HardwareAddr) (Addr, error) {
	var a Addr
	if len(hw) != len(a) {
		return Addr{}, fmt.Errorf("protocol: address %q is not 6 bytes", hw.String())
	}
	copy(a[:], hw)
	return a, nil
}

// ParseAddr parses a textual hardware address such as
// "aa:bb:cc:dd:ee:ff".
func ParseAddr(s string) (Addr, error) {
	hw, err := net.ParseMAC(s)
	if err != nil {
		return Addr{}, fmt.Errorf("protocol: parse address: %w", err)
	}
	return AddrFromHardware(hw)
}
