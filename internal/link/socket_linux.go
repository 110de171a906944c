package link

import (
	"errors"
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	"github.com/danls/lanlink/internal/protocol"
)

// Open binds a transport to the named interface and starts its
// receive loop. It fails with ErrPermission when the process may not
// open raw sockets and ErrNoInterface when the interface is unknown.
func Open(interfaceName string, log zerolog.Logger) (*Transport, error) {
	sock, err := openPacketSocket(interfaceName)
	if err != nil {
		return nil, err
	}
	t := NewTransport(sock, log)
	t.Start()
	return t, nil
}

// packetSocket owns one AF_PACKET socket bound to a single interface,
// filtered to the protocol's EtherType.
type packetSocket struct {
	fd    int
	local protocol.Addr
}

func htons(v uint16) uint16 {
	return v<<8 | v>>8
}

func openPacketSocket(interfaceName string) (*packetSocket, error) {
	iface, err := net.InterfaceByName(interfaceName)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrNoInterface, interfaceName)
	}
	local, err := protocol.AddrFromHardware(iface.HardwareAddr)
	if err != nil {
		return nil, fmt.Errorf("link: interface %s: %w", interfaceName, err)
	}

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(protocol.EtherType)))
	if err != nil {
		if errors.Is(err, unix.EPERM) || errors.Is(err, unix.EACCES) {
			return nil, fmt.Errorf("%w: %v", ErrPermission, err)
		}
		return nil, fmt.Errorf("link: open raw socket: %w", err)
	}

	addr := &unix.SockaddrLinklayer{
		Protocol: htons(protocol.EtherType),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: bind %s: %w", interfaceName, err)
	}

	// A receive timeout keeps the read loop from blocking forever
	// once Close has been called.
	tv := unix.NsecToTimeval(int64(recvPollTimeout))
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("link: set receive timeout: %w", err)
	}

	return &packetSocket{fd: fd, local: local}, nil
}

func (s *packetSocket) Read(buf []byte) (int, error) {
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) || errors.Is(err, unix.EINTR) {
			return 0, errTimeout
		}
		return 0, err
	}
	return n, nil
}

func (s *packetSocket) Write(buf []byte) error {
	_, err := unix.Write(s.fd, buf)
	return err
}

func (s *packetSocket) LocalAddr() protocol.Addr {
	return s.local
}

func (s *packetSocket) Close() error {
	return unix.Close(s.fd)
}
