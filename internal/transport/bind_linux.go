//go:build linux

package transport

import (
	"net"

	"golang.org/x/sys/unix"
)

// bindToDevice scopes the socket to a named interface via SO_BINDTODEVICE.
// Requires CAP_NET_RAW; callers treat a permission failure as non-fatal.
func bindToDevice(conn *net.UDPConn, ifaceName string) error {
	raw, err := conn.SyscallConn()
	if err != nil {
		return err
	}

	var bindErr error
	if err := raw.Control(func(fd uintptr) {
		bindErr = unix.BindToDevice(int(fd), ifaceName)
	}); err != nil {
		return err
	}
	return bindErr
}
