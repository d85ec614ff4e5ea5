//go:build !linux

package transport

import "net"

// Interface scoping uses SO_BINDTODEVICE, which only exists on Linux. On
// other systems the socket stays unscoped and routing picks the interface.
func bindToDevice(conn *net.UDPConn, ifaceName string) error {
	return nil
}
