//go:build linux

// File: transport/sockopt_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific socket tuning for latency-sensitive frame traffic.

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// TuneTCP disables Nagle and enables quick ACKs on the connection's
// socket. Non-TCP connections are left untouched.
func TuneTCP(conn net.Conn) error {
	tc, ok := conn.(*net.TCPConn)
	if !ok {
		return nil
	}
	raw, err := tc.SyscallConn()
	if err != nil {
		return err
	}
	var serr error
	if err := raw.Control(func(fd uintptr) {
		serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		if serr == nil {
			serr = unix.SetsockoptInt(int(fd), unix.IPPROTO_TCP, unix.TCP_QUICKACK, 1)
		}
	}); err != nil {
		return err
	}
	return serr
}
