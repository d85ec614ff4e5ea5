package transport

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"
)

// DefaultReceiveTimeout is applied to every socket as the per-read deadline.
const DefaultReceiveTimeout = 5 * time.Second

// Socket is an unconnected UDP socket bound to a fixed peer. Reads are
// bounded by the receive timeout; a timeout surfaces as a net.Error with
// Timeout() == true.
type Socket struct {
	conn           *net.UDPConn
	peer           *net.UDPAddr
	receiveTimeout time.Duration
}

// Factory opens sockets for one device, remembering the interface the
// device address was scoped to.
type Factory struct {
	logger         *slog.Logger
	ifaceName      string
	receiveTimeout time.Duration
}

// NewFactory creates a socket factory. ifaceName may be empty; it is only
// honored for IPv6 peers. receiveTimeout of zero selects the default.
func NewFactory(logger *slog.Logger, ifaceName string, receiveTimeout time.Duration) *Factory {
	if receiveTimeout <= 0 {
		receiveTimeout = DefaultReceiveTimeout
	}
	return &Factory{
		logger:         logger,
		ifaceName:      ifaceName,
		receiveTimeout: receiveTimeout,
	}
}

// MakeSocket opens a datagram socket for the given peer. The address family
// follows from the address shape: a ':' marks IPv6. For IPv6 peers with a
// scoping interface configured, the socket is bound to that interface; the
// bind needs elevated privileges on most systems, so a permission failure
// is logged and the socket stays usable unscoped.
func (f *Factory) MakeSocket(address string, port int) (*Socket, error) {
	network := "udp4"
	if strings.Contains(address, ":") {
		network = "udp6"
	}

	host := address
	zone := ""
	if i := strings.IndexByte(address, '%'); i >= 0 {
		host, zone = address[:i], address[i+1:]
	}

	ip := net.ParseIP(host)
	if ip == nil {
		// Hostname peers go through the resolver.
		addrs, err := net.ResolveUDPAddr(network, net.JoinHostPort(host, fmt.Sprintf("%d", port)))
		if err != nil {
			return nil, fmt.Errorf("failed to resolve peer %s: %w", address, err)
		}
		ip = addrs.IP
	}

	peer := &net.UDPAddr{IP: ip, Port: port, Zone: zone}

	conn, err := net.ListenUDP(network, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s socket: %w", network, err)
	}

	if network == "udp6" && f.ifaceName != "" {
		if err := bindToDevice(conn, f.ifaceName); err != nil {
			if errors.Is(err, os.ErrPermission) {
				f.logger.Warn("Binding to a network interface is permitted only for root users",
					slog.String("interface", f.ifaceName),
				)
			} else {
				f.logger.Warn("Failed to bind socket to interface",
					slog.String("interface", f.ifaceName),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return &Socket{
		conn:           conn,
		peer:           peer,
		receiveTimeout: f.receiveTimeout,
	}, nil
}

// Send transmits one datagram to the peer.
func (s *Socket) Send(data []byte) error {
	if _, err := s.conn.WriteToUDP(data, s.peer); err != nil {
		return fmt.Errorf("failed to send datagram: %w", err)
	}
	return nil
}

// Receive blocks for one datagram, bounded by the receive timeout, and
// returns the payload copied into buf.
func (s *Socket) Receive(buf []byte) (int, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.receiveTimeout)); err != nil {
		return 0, fmt.Errorf("failed to set read deadline: %w", err)
	}

	n, _, err := s.conn.ReadFromUDP(buf)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// Peer returns the fixed peer address of the socket.
func (s *Socket) Peer() *net.UDPAddr {
	return s.peer
}

// LocalAddr returns the local address the socket is bound to.
func (s *Socket) LocalAddr() net.Addr {
	return s.conn.LocalAddr()
}

// Close releases the socket.
func (s *Socket) Close() error {
	return s.conn.Close()
}

// IsTimeout reports whether err is a socket receive timeout.
func IsTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
