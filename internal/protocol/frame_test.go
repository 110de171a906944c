package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func testFrame(payload []byte) *Frame {
	dest, _ := ParseAddr("aa:bb:cc:dd:ee:ff")
	src, _ := ParseAddr("11:22:33:44:55:66")
	return NewFrame(dest, src, TypeText, 42, payload)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := testFrame([]byte("hello over the wire"))
	out, err := Decode(Encode(in))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Dest != in.Dest || out.Src != in.Src {
		t.Fatalf("address mismatch: got=%v/%v want=%v/%v", out.Dest, out.Src, in.Dest, in.Src)
	}
	if out.Type != in.Type || out.ID != in.ID || out.Version != in.Version {
		t.Fatalf("header mismatch: got=%+v want=%+v", out, in)
	}
	if !bytes.Equal(out.Payload, in.Payload) {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}

func TestDecodeEmptyPayloadRoundTrip(t *testing.T) {
	out, err := Decode(Encode(testFrame(nil)))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(out.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(out.Payload))
	}
}

func TestDecodeShortInput(t *testing.T) {
	_, err := Decode([]byte{1, 2, 3})
	if !errors.Is(err, ErrShortFrame) {
		t.Fatalf("expected ErrShortFrame, got %v", err)
	}
}

func TestDecodeForeignEtherType(t *testing.T) {
	buf := Encode(testFrame([]byte("x")))
	binary.BigEndian.PutUint16(buf[12:14], 0x0800) // IPv4
	_, err := Decode(buf)
	if !errors.Is(err, ErrForeignEtherType) {
		t.Fatalf("expected ErrForeignEtherType, got %v", err)
	}
}

func TestDecodeVersionMismatch(t *testing.T) {
	buf := Encode(testFrame([]byte("x")))
	buf[14] = Version + 1
	_, err := Decode(buf)
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch, got %v", err)
	}
}

func TestDecodeTruncatedPayload(t *testing.T) {
	buf := Encode(testFrame([]byte("some payload bytes")))
	_, err := Decode(buf[:len(buf)-4])
	if !errors.Is(err, ErrTruncatedPayload) {
		t.Fatalf("expected ErrTruncatedPayload, got %v", err)
	}
}

func TestDecodeDetectsSingleByteCorruption(t *testing.T) {
	clean := Encode(testFrame([]byte("integrity matters")))
	for i := HeaderSize; i < len(clean); i++ {
		buf := make([]byte, len(clean))
		copy(buf, clean)
		buf[i] ^= 0x01
		if _, err := Decode(buf); !errors.Is(err, ErrChecksumMismatch) {
			t.Fatalf("flip at %d: expected ErrChecksumMismatch, got %v", i, err)
		}
	}
}

func TestDecodeTrailingBytesIgnored(t *testing.T) {
	buf := Encode(testFrame([]byte("payload")))
	buf = append(buf, 0xDE, 0xAD) // e.g. Ethernet padding
	out, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(out.Payload) != "payload" {
		t.Fatalf("payload mismatch: %q", out.Payload)
	}
}
