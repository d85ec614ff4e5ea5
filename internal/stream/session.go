package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/rushil-kapadia/eye-detection/internal/metrics"
	"github.com/rushil-kapadia/eye-detection/internal/protocol"
	"github.com/rushil-kapadia/eye-detection/internal/store"
	"github.com/rushil-kapadia/eye-detection/internal/transport"
)

const (
	// DefaultKeepaliveInterval is how often the subscription is renewed.
	DefaultKeepaliveInterval = 1 * time.Second
	// DefaultGraceDelay is how long the receive duty waits before its
	// first read, giving the device time to start emitting data.
	DefaultGraceDelay = 1 * time.Second
	// DefaultBufferSize is the receive buffer size in bytes.
	DefaultBufferSize = 1024
)

// ErrAlreadyStreaming is returned by Start when a session is active.
var ErrAlreadyStreaming = errors.New("streaming session already active")

// Conn is the socket surface a session needs from the transport layer.
type Conn interface {
	Send(data []byte) error
	Receive(buf []byte) (int, error)
}

// Config holds session timing and sizing parameters.
type Config struct {
	KeepaliveInterval time.Duration
	GraceDelay        time.Duration
	BufferSize        int
}

func (c Config) withDefaults() Config {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.GraceDelay == 0 {
		c.GraceDelay = DefaultGraceDelay
	} else if c.GraceDelay < 0 {
		c.GraceDelay = 0
	}
	if c.BufferSize <= 0 {
		c.BufferSize = DefaultBufferSize
	}
	return c
}

// Stats holds counters accumulated over the lifetime of a session.
type Stats struct {
	KeepalivesSent    uint64
	DatagramsReceived uint64
	ParseErrors       uint64
	ReceiveTimeouts   uint64
}

// Session drives the keepalive and receive duties for one device.
// A session can be started and stopped repeatedly.
type Session struct {
	logger  *slog.Logger
	clock   clock.Clock
	store   *store.Store
	metrics *metrics.Metrics

	dataConn  Conn
	videoConn Conn

	dataKeepalive  []byte
	videoKeepalive []byte

	cfg Config

	streaming atomic.Bool
	wg        sync.WaitGroup

	keepalivesSent    atomic.Uint64
	datagramsReceived atomic.Uint64
	parseErrors       atomic.Uint64
	receiveTimeouts   atomic.Uint64
}

// NewSession creates a session over the given sockets. videoConn may be
// nil when the scene video channel is not wanted. metrics may be nil.
func NewSession(logger *slog.Logger, clk clock.Clock, st *store.Store, dataConn, videoConn Conn, m *metrics.Metrics, cfg Config) *Session {
	if clk == nil {
		clk = clock.New()
	}
	return &Session{
		logger:         logger,
		clock:          clk,
		store:          st,
		metrics:        m,
		dataConn:       dataConn,
		videoConn:      videoConn,
		dataKeepalive:  protocol.NewDataKeepalive().Encode(),
		videoKeepalive: protocol.NewVideoKeepalive().Encode(),
		cfg:            cfg.withDefaults(),
	}
}

// Start launches the session duties. It returns ErrAlreadyStreaming if
// a session is already active.
func (s *Session) Start() error {
	if !s.streaming.CompareAndSwap(false, true) {
		return ErrAlreadyStreaming
	}

	s.wg.Add(2)
	go s.keepaliveDuty(s.dataConn, s.dataKeepalive, "data")
	go s.receiveDuty()

	if s.videoConn != nil {
		s.wg.Add(1)
		go s.keepaliveDuty(s.videoConn, s.videoKeepalive, "video")
	}

	if s.metrics != nil {
		s.metrics.Streaming.Set(1)
	}
	s.logger.Info("Streaming session started",
		"keepalive_interval", s.cfg.KeepaliveInterval,
		"video", s.videoConn != nil)
	return nil
}

// Stop clears the streaming flag and waits for all duties to exit. It
// is safe to call Stop on a session that is not streaming.
func (s *Session) Stop() {
	if !s.streaming.CompareAndSwap(true, false) {
		s.wg.Wait()
		return
	}
	s.wg.Wait()
	if s.metrics != nil {
		s.metrics.Streaming.Set(0)
	}
	s.logger.Info("Streaming session stopped",
		"keepalives_sent", s.keepalivesSent.Load(),
		"datagrams_received", s.datagramsReceived.Load())
}

// Streaming reports whether the session is currently active.
func (s *Session) Streaming() bool {
	return s.streaming.Load()
}

// Stats returns a snapshot of the session counters.
func (s *Session) Stats() Stats {
	return Stats{
		KeepalivesSent:    s.keepalivesSent.Load(),
		DatagramsReceived: s.datagramsReceived.Load(),
		ParseErrors:       s.parseErrors.Load(),
		ReceiveTimeouts:   s.receiveTimeouts.Load(),
	}
}

// keepaliveDuty periodically re-sends the subscription message. Send
// failures are logged and the duty keeps going; the device forgets a
// subscriber that stays silent, so retrying is the only useful move.
func (s *Session) keepaliveDuty(conn Conn, msg []byte, kind string) {
	defer s.wg.Done()

	ticker := s.clock.Ticker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for s.streaming.Load() {
		if err := conn.Send(msg); err != nil {
			s.logger.Error("Failed to send keepalive", "kind", kind, "error", err)
		} else {
			s.keepalivesSent.Add(1)
			if s.metrics != nil {
				s.metrics.KeepalivesSent.Inc()
			}
		}
		<-ticker.C
	}
}

// receiveDuty reads datagrams from the data socket and merges them into
// the store. A read timeout ends the whole session: the device has gone
// quiet and the keepalive duty will notice the cleared flag on its next
// tick.
func (s *Session) receiveDuty() {
	defer s.wg.Done()

	if s.cfg.GraceDelay > 0 {
		s.clock.Sleep(s.cfg.GraceDelay)
	}

	buf := make([]byte, s.cfg.BufferSize)
	for s.streaming.Load() {
		n, err := s.dataConn.Receive(buf)
		if err != nil {
			if transport.IsTimeout(err) {
				s.receiveTimeouts.Add(1)
				if s.metrics != nil {
					s.metrics.ReceiveTimeouts.Inc()
				}
				s.logger.Error("Timeout occurred while receiving data, ending session")
				s.streaming.Store(false)
				if s.metrics != nil {
					s.metrics.Streaming.Set(0)
				}
				return
			}
			if !s.streaming.Load() {
				return
			}
			s.logger.Error("Failed to receive data", "error", err)
			continue
		}

		s.datagramsReceived.Add(1)
		if s.metrics != nil {
			s.metrics.DatagramsReceived.Inc()
		}

		msg, err := protocol.ParseDataMessage(buf[:n])
		if err != nil {
			s.parseErrors.Add(1)
			if s.metrics != nil {
				s.metrics.ParseErrors.Inc()
			}
			s.logger.Debug("Discarded unparseable datagram", "error", err)
			continue
		}

		res := s.store.Merge(msg)
		if s.metrics != nil {
			s.metrics.SamplesMerged.Add(float64(len(res.Updated)))
			s.metrics.StaleSamples.Add(float64(res.Stale))
		}
	}
}
