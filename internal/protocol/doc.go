// Package protocol owns the wire contract.
//
// Ownership boundary:
// - frame header layout and checksum
// - message type registry
// - payload envelope encoding
package protocol
