package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"strings"

	"github.com/rushil-kapadia/eye-detection/internal/config"
	"github.com/rushil-kapadia/eye-detection/internal/device"
	"github.com/rushil-kapadia/eye-detection/internal/discovery"
	"github.com/rushil-kapadia/eye-detection/internal/metrics"
	"github.com/rushil-kapadia/eye-detection/internal/protocol"
	"github.com/rushil-kapadia/eye-detection/internal/store"
	"github.com/rushil-kapadia/eye-detection/internal/stream"
	"github.com/rushil-kapadia/eye-detection/internal/transport"
)

// ErrConnectFailed is returned when the device never reports an ok
// system status within the configured connect timeout.
var ErrConnectFailed = errors.New("failed to connect to the device")

// Controller manages one device: control plane, data plane and the
// merged sample store.
type Controller struct {
	logger  *slog.Logger
	cfg     *config.Config
	metrics *metrics.Metrics

	address string
	client  *device.Client
	store   *store.Store
	session *stream.Session

	dataSocket  *transport.Socket
	videoSocket *transport.Socket
}

// New resolves the device address (configured or discovered), opens the
// live-data sockets and waits for the device to become ready. metrics
// may be nil.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*Controller, error) {
	address := cfg.Device.Address
	if address == "" {
		d := discovery.New(logger, cfg.Discovery.ListenPort, cfg.Discovery.GetTimeoutDuration())
		res, err := d.Discover()
		if err != nil {
			return nil, fmt.Errorf("device discovery failed: %w", err)
		}
		address = res.PreferredAddress()
		logger.Info("Discovered device", slog.String("address", address))
	}

	host, iface := splitZone(address)

	c := &Controller{
		logger:  logger,
		cfg:     cfg,
		metrics: m,
		address: address,
		client:  device.NewClient(host, cfg.Device.RESTPort, logger, m),
		store:   store.New(),
	}

	factory := transport.NewFactory(logger, iface, cfg.Stream.GetReceiveTimeoutDuration())

	var err error
	if c.dataSocket, err = factory.MakeSocket(address, cfg.Device.UDPPort); err != nil {
		return nil, fmt.Errorf("failed to open data socket: %w", err)
	}
	if cfg.Device.VideoScene {
		if c.videoSocket, err = factory.MakeSocket(address, cfg.Device.UDPPort); err != nil {
			c.dataSocket.Close()
			return nil, fmt.Errorf("failed to open video socket: %w", err)
		}
	}

	if err := c.client.WaitUntilStatusOK(ctx, cfg.Device.GetConnectTimeoutDuration()); err != nil {
		c.closeSockets()
		return nil, fmt.Errorf("%w: %v", ErrConnectFailed, err)
	}
	logger.Info("Connected to device",
		slog.String("address", address),
		slog.String("base_url", c.client.BaseURL()))

	var videoConn stream.Conn
	if c.videoSocket != nil {
		videoConn = c.videoSocket
	}
	c.session = stream.NewSession(logger, nil, c.store, c.dataSocket, videoConn, m, stream.Config{
		KeepaliveInterval: cfg.Stream.GetKeepaliveIntervalDuration(),
		BufferSize:        cfg.Stream.BufferSize,
	})

	return c, nil
}

// splitZone separates an IPv6 zone suffix from a literal address. The
// zone names the network interface for socket scoping; Windows zone ids
// are numeric and mean nothing to the device's HTTP stack, so there the
// host is returned without it.
func splitZone(address string) (host, iface string) {
	i := strings.Index(address, "%")
	if i < 0 {
		return address, ""
	}
	iface = address[i+1:]
	if runtime.GOOS == "windows" {
		return address[:i], iface
	}
	return address, iface
}

// Address returns the resolved device address, zone included.
func (c *Controller) Address() string {
	return c.address
}

// Device exposes the control-plane REST client.
func (c *Controller) Device() *device.Client {
	return c.client
}

// StartStreaming starts the live-data session. It returns
// stream.ErrAlreadyStreaming when a session is already running.
func (c *Controller) StartStreaming() error {
	return c.session.Start()
}

// StopStreaming stops the session and waits for its duties to exit.
func (c *Controller) StopStreaming() {
	c.session.Stop()
}

// IsStreaming reports whether the live-data session is active.
func (c *Controller) IsStreaming() bool {
	return c.session.Streaming()
}

// Latest returns the newest stored sample for one channel.
func (c *Controller) Latest(ch protocol.Channel) *protocol.DataMessage {
	return c.store.Latest(ch)
}

// Snapshot returns a copy of the newest sample for every channel.
func (c *Controller) Snapshot() map[protocol.Channel]*protocol.DataMessage {
	return c.store.Snapshot()
}

// SessionStats returns the streaming session counters.
func (c *Controller) SessionStats() stream.Stats {
	return c.session.Stats()
}

// StoreStats returns merge/update counters from the sample store.
func (c *Controller) StoreStats() (merges, updates uint64) {
	return c.store.Stats()
}

// Close stops streaming and releases the sockets.
func (c *Controller) Close() error {
	c.session.Stop()
	c.closeSockets()
	c.logger.Info("Controller closed", slog.String("address", c.address))
	return nil
}

func (c *Controller) closeSockets() {
	if c.dataSocket != nil {
		c.dataSocket.Close()
	}
	if c.videoSocket != nil {
		c.videoSocket.Close()
	}
}

// The methods below forward the common control-plane operations so
// callers holding a Controller rarely need the raw client.

func (c *Controller) Status(ctx context.Context) (map[string]interface{}, error) {
	return c.client.Status(ctx)
}

func (c *Controller) Configuration(ctx context.Context) (map[string]interface{}, error) {
	return c.client.Configuration(ctx)
}

func (c *Controller) BatteryLevel(ctx context.Context) (float64, error) {
	return c.client.BatteryLevel(ctx)
}

func (c *Controller) StorageRemainingTime(ctx context.Context) (float64, error) {
	return c.client.StorageRemainingTime(ctx)
}

// SetupRecording creates (or reuses) the project and participant and
// returns a fresh recording id ready to be started.
func (c *Controller) SetupRecording(ctx context.Context, projectName, participantName, notes string) (string, error) {
	projectID, err := c.client.CreateProject(ctx, projectName)
	if err != nil {
		return "", fmt.Errorf("failed to set up project: %w", err)
	}
	participantID, err := c.client.CreateParticipant(ctx, projectID, participantName, notes)
	if err != nil {
		return "", fmt.Errorf("failed to set up participant: %w", err)
	}
	recordingID, err := c.client.CreateRecording(ctx, participantID, notes)
	if err != nil {
		return "", fmt.Errorf("failed to create recording: %w", err)
	}
	return recordingID, nil
}

func (c *Controller) StartRecording(ctx context.Context, recordingID string) (bool, error) {
	return c.client.StartRecording(ctx, recordingID)
}

func (c *Controller) StopRecording(ctx context.Context, recordingID string) (bool, error) {
	return c.client.StopRecording(ctx, recordingID)
}

func (c *Controller) PauseRecording(ctx context.Context, recordingID string) (bool, error) {
	return c.client.PauseRecording(ctx, recordingID)
}

// Calibrate runs a full wearer calibration: create, start, wait.
func (c *Controller) Calibrate(ctx context.Context, projectID, participantID string) (bool, error) {
	calibrationID, err := c.client.CreateCalibration(ctx, projectID, participantID)
	if err != nil {
		return false, fmt.Errorf("failed to create calibration: %w", err)
	}
	if err := c.client.StartCalibration(ctx, calibrationID); err != nil {
		return false, fmt.Errorf("failed to start calibration: %w", err)
	}
	return c.client.WaitUntilCalibrationDone(ctx, calibrationID)
}

func (c *Controller) SendEvent(eventType, tag string) {
	c.client.SendEvent(eventType, tag)
}
