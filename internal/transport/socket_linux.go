//go:build linux

package transport

import (
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

// createListeningSocket mirrors the reference's create_listening_socket:
// TCP_NODELAY, SO_REUSEADDR, and explicit send/recv buffer sizes set
// before bind, then listen with the configured backlog (spec.md §6).
func createListeningSocket(host string, port int, backlog, sockBufSize int) (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return -1, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt TCP_NODELAY: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_REUSEADDR: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, sockBufSize); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_SNDBUF: %w", err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, sockBufSize); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("setsockopt SO_RCVBUF: %w", err)
	}

	addr, err := resolveIPv4(host)
	if err != nil {
		unix.Close(fd)
		return -1, err
	}

	sa := &unix.SockaddrInet4{Port: port, Addr: addr}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("bind %s:%d: %w", host, port, err)
	}

	if err := unix.Listen(fd, backlog); err != nil {
		unix.Close(fd)
		return -1, fmt.Errorf("listen: %w", err)
	}

	return fd, nil
}

func resolveIPv4(host string) ([4]byte, error) {
	var out [4]byte
	if host == "" {
		return out, nil // INADDR_ANY
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return out, fmt.Errorf("invalid host address %q", host)
	}
	ip4 := ip.To4()
	if ip4 == nil {
		return out, fmt.Errorf("host address %q is not IPv4", host)
	}
	copy(out[:], ip4)
	return out, nil
}
