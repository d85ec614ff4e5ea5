package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"time"

	"golang.org/x/net/ipv6"

	"github.com/rushil-kapadia/eye-detection/internal/protocol"
)

// DefaultTimeout bounds the wait for a device reply on each interface.
const DefaultTimeout = 30 * time.Second

var (
	// ErrUnavailable means the environment cannot enumerate network
	// interfaces at all; the caller must supply a device address.
	ErrUnavailable = errors.New("discovery is not available: cannot enumerate network interfaces")

	// ErrNoDeviceFound means discovery ran but no interface yielded a reply.
	ErrNoDeviceFound = errors.New("no device found using discovery process")
)

// Result is one discovered device: the raw JSON reply it announced itself
// with, plus the address the reply came from.
type Result struct {
	Metadata map[string]interface{}
	Address  string
}

// PreferredAddress returns the address to reach the device on: the "ipv4"
// field of the announcement when present, the reply's source address
// otherwise.
func (r *Result) PreferredAddress() string {
	if v, ok := r.Metadata["ipv4"].(string); ok && v != "" {
		return v
	}
	return r.Address
}

// Discoverer probes the local network for a device.
type Discoverer struct {
	logger     *slog.Logger
	listenPort int
	timeout    time.Duration
}

// New creates a discoverer. A timeout of zero selects the default.
func New(logger *slog.Logger, listenPort int, timeout time.Duration) *Discoverer {
	if listenPort == 0 {
		listenPort = protocol.DiscoveryPort
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Discoverer{
		logger:     logger,
		listenPort: listenPort,
		timeout:    timeout,
	}
}

// Discover walks every up, multicast-capable interface with an IPv6
// link-local address, multicasts a probe on it and waits for a reply. The
// first interface that yields a parseable reply wins; per-interface errors
// are swallowed and the next interface is tried. Returns ErrNoDeviceFound
// when the walk completes empty.
func (d *Discoverer) Discover() (*Result, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	probePort := protocol.ProbePort(runtime.GOOS, d.listenPort)
	group := net.ParseIP(protocol.DiscoveryAddress)

	d.logger.Debug("Looking for a device on the local network",
		slog.Int("listen_port", d.listenPort),
		slog.Int("probe_port", probePort),
		slog.Duration("timeout", d.timeout),
	)

	for _, ifi := range ifaces {
		if ifi.Flags&net.FlagUp == 0 || ifi.Flags&net.FlagMulticast == 0 {
			continue
		}
		if !hasIPv6LinkLocal(&ifi) {
			continue
		}

		if res := d.probeInterface(&ifi, group, probePort); res != nil {
			d.logger.Debug("Device found",
				slog.String("address", res.Address),
				slog.String("interface", ifi.Name),
			)
			return res, nil
		}
	}

	d.logger.Debug("The discovery process did not find any device")
	return nil, ErrNoDeviceFound
}

// probeInterface sends one probe out of ifi and waits for a reply. Any
// failure is logged at debug level and reported as "nothing found" so the
// caller moves on to the next interface.
func (d *Discoverer) probeInterface(ifi *net.Interface, group net.IP, probePort int) *Result {
	conn, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6unspecified, Port: d.listenPort})
	if err != nil {
		d.logger.Debug("Failed to bind discovery socket",
			slog.String("interface", ifi.Name),
			slog.String("error", err.Error()),
		)
		return nil
	}
	defer conn.Close()

	if err := ipv6.NewPacketConn(conn).SetMulticastInterface(ifi); err != nil {
		d.logger.Debug("Failed to select multicast interface",
			slog.String("interface", ifi.Name),
			slog.String("error", err.Error()),
		)
		return nil
	}

	dst := &net.UDPAddr{IP: group, Port: probePort, Zone: ifi.Name}
	if _, err := conn.WriteToUDP(protocol.DiscoveryProbe, dst); err != nil {
		d.logger.Debug("Failed to send discovery probe",
			slog.String("interface", ifi.Name),
			slog.String("error", err.Error()),
		)
		return nil
	}

	d.logger.Debug("Discovery probe sent, waiting for a response",
		slog.String("group", dst.String()),
		slog.String("interface", ifi.Name),
	)

	if err := conn.SetReadDeadline(time.Now().Add(d.timeout)); err != nil {
		return nil
	}

	buf := make([]byte, 1024)
	n, from, err := conn.ReadFromUDP(buf)
	if err != nil {
		d.logger.Debug("No device found on interface",
			slog.String("interface", ifi.Name),
		)
		return nil
	}

	var meta map[string]interface{}
	if err := json.Unmarshal(buf[:n], &meta); err != nil {
		d.logger.Debug("Discarding unparseable discovery reply",
			slog.String("from", from.String()),
			slog.String("error", err.Error()),
		)
		return nil
	}

	return &Result{Metadata: meta, Address: from.IP.String()}
}

func hasIPv6LinkLocal(ifi *net.Interface) bool {
	addrs, err := ifi.Addrs()
	if err != nil {
		return false
	}
	for _, addr := range addrs {
		ipnet, ok := addr.(*net.IPNet)
		if !ok {
			continue
		}
		if ipnet.IP.To4() == nil && ipnet.IP.IsLinkLocalUnicast() {
			return true
		}
	}
	return false
}
