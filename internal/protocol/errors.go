package protocol

import "errors"

var (
	ErrShortFrame       = errors.New("protocol: input shorter than header")
	ErrForeignEtherType = errors.New("protocol: foreign ethertype")
	ErrVersionMismatch  = errors.New("protocol: unsupported version")
	ErrTruncatedPayload = errors.New("protocol: declared length exceeds available bytes")
	ErrChecksumMismatch = errors.New("protocol: checksum mismatch")
	ErrPayloadTooLarge  = errors.New("protocol: payload too large")
	ErrShortEnvelope    = errors.New("protocol: chunk envelope too short")
)
