package protocol

import "encoding/binary"

// Frame is one complete wire message.
type Frame struct {
	Dest    Addr
	Src     Addr
	Version uint8
	Type    MessageType
	ID      uint32
	Payload []byte
}

// NewFrame builds an outbound frame stamped with the current wire
// version.
func NewFrame(dest, src Addr, t MessageType, id uint32, payload []byte) *Frame {
	return &Frame{Dest: dest, Src: src, Version: Version, Type: t, ID: id, Payload: payload}
}

// Encode lays out the header followed by the payload. The length field
// holds the low 16 bits of the payload length; the checksum is computed
// over the truncated value so encode and decode agree.
func Encode(f *Frame) []byte {
	length := uint16(len(f.Payload))
	buf := make([]byte, HeaderSize+len(f.Payload))
	copy(buf[0:6], f.Dest[:])
	copy(buf[6:12], f.Src[:])
	binary.BigEndian.PutUint16(buf[12:14], EtherType)
	buf[14] = f.Version
	buf[15] = byte(f.Type)
	binary.BigEndian.PutUint32(buf[16:20], f.ID)
	binary.BigEndian.PutUint16(buf[20:22], length)
	binary.BigEndian.PutUint16(buf[22:24], checksum(f.Version, f.Type, f.ID, length, f.Payload[:length]))
	copy(buf[HeaderSize:], f.Payload)
	return buf
}

// Decode parses one inbound frame. Every returned error classifies
// background noise on a shared medium; callers drop the input silently.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortFrame
	}
	if binary.BigEndian.Uint16(data[12:14]) != EtherType {
		return nil, ErrForeignEtherType
	}
	version := data[14]
	if version != Version {
		return nil, ErrVersionMismatch
	}
	length := binary.BigEndian.Uint16(data[20:22])
	if int(length) > len(data)-HeaderSize {
		return nil, ErrTruncatedPayload
	}
	msgType := MessageType(data[15])
	id := binary.BigEndian.Uint32(data[16:20])
	payload := make([]byte, length)
	copy(payload, data[HeaderSize:HeaderSize+int(length)])
	if binary.BigEndian.Uint16(data[22:24]) != checksum(version, msgType, id, length, payload) {
		return nil, ErrChecksumMismatch
	}
	f := &Frame{Version: version, Type: msgType, ID: id, Payload: payload}
	copy(f.Dest[:], data[0:6])
	copy(f.Src[:], data[6:12])
	return f, nil
}

// checksum is an additive 16-bit rolling sum over version, type, the
// two 16-bit halves of the id, the truncated length, and every payload
// byte, with carries folded back into 16 bits.
func checksum(version uint8, t MessageType, id uint32, length uint16, payload []byte) uint16 {
	sum := uint32(version) + uint32(t)
	sum += id >> 16
	sum += id & 0xFFFF
	sum += uint32(length)
	for _, b := range payload {
		sum += uint32(b)
	}
	for sum > 0xFFFF {
		sum = (sum & 0xFFFF) + (sum >> 16)
	}
	return uint16(sum)
}
