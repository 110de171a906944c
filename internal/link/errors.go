package link

import "errors"

var (
	// ErrPermission means the process may not open a raw link-layer
	// socket. Surfaced to the caller of Open, never retried.
	ErrPermission = errors.New("link: raw socket requires elevated privileges")
	// ErrNoInterface means the named network interface does not exist.
	ErrNoInterface = errors.New("link: no such interface")
	// ErrClosed means the transport has been shut down.
	ErrClosed = errors.New("link: transport closed")
)
