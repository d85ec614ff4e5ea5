package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Protocol constants from the device wire format
const (
	// UDP port the device accepts live-data subscriptions on
	LiveDataPort = 49152

	// Discovery listen port; the probe port is platform dependent,
	// see ProbePort.
	DiscoveryPort = 13006

	// DiscoveryAddress is the link-local all-nodes IPv6 multicast group
	// the device listens on for discovery probes.
	DiscoveryAddress = "ff02::1"

	// Eye discriminator values for per-eye channels
	EyeLeft  = "left"
	EyeRight = "right"

	// StatusValid marks a sample as carrying a valid measurement.
	// Any other status code means a sensor or measurement error.
	StatusValid = 0
)

// Channel identifies one distinct stream of device telemetry.
type Channel string

// The known telemetry channels. Per-eye channels exist in a left and a
// right variant selected by the "eye" field of the datagram.
const (
	ChannelGyroscope          Channel = "mems.gy"
	ChannelAccelerometer      Channel = "mems.ac"
	ChannelLeftPupilCenter    Channel = "left_eye.pc"
	ChannelLeftPupilDiameter  Channel = "left_eye.pd"
	ChannelLeftGazeDirection  Channel = "left_eye.gd"
	ChannelRightPupilCenter   Channel = "right_eye.pc"
	ChannelRightPupilDiameter Channel = "right_eye.pd"
	ChannelRightGazeDirection Channel = "right_eye.gd"
	ChannelGazePosition       Channel = "gp"
	ChannelGazePosition3D     Channel = "gp3"
	ChannelPresentationTS     Channel = "pts"
	ChannelVideoTS            Channel = "vts"
	ChannelPipelineVersion    Channel = "pv"
)

// Channels lists every known channel in a stable order.
var Channels = []Channel{
	ChannelGyroscope,
	ChannelAccelerometer,
	ChannelLeftPupilCenter,
	ChannelLeftPupilDiameter,
	ChannelLeftGazeDirection,
	ChannelRightPupilCenter,
	ChannelRightPupilDiameter,
	ChannelRightGazeDirection,
	ChannelGazePosition,
	ChannelGazePosition3D,
	ChannelPresentationTS,
	ChannelVideoTS,
	ChannelPipelineVersion,
}

// DataMessage is one live-data UDP datagram. A single datagram may carry
// any subset of the channel keys; ts and s are shared by every channel it
// carries. Pointer fields distinguish "absent" from zero values so the
// merge rule can treat each channel independently.
//
// Layout example:
//
//	{"ts": 104694401, "s": 0, "gp": [0.51, 0.49], "eye": "left", "pd": 3.71}
type DataMessage struct {
	// TS is float64 because firmware revisions emit both integer and
	// fractional timestamps.
	TS     float64 `json:"ts"`
	Status *int    `json:"s,omitempty"`
	Eye    string  `json:"eye,omitempty"`

	Gyroscope      []float64 `json:"gy,omitempty"`
	Accelerometer  []float64 `json:"ac,omitempty"`
	PupilCenter    []float64 `json:"pc,omitempty"`
	PupilDiameter  *float64  `json:"pd,omitempty"`
	GazeDirection  []float64 `json:"gd,omitempty"`
	GazePosition   []float64 `json:"gp,omitempty"`
	GazePosition3D []float64 `json:"gp3,omitempty"`
	PresentationTS *int64    `json:"pts,omitempty"`
	VideoTS        *int64    `json:"vts,omitempty"`

	// PipelineVersion is carried opaquely; firmware revisions disagree on
	// its shape.
	PipelineVersion json.RawMessage `json:"pv,omitempty"`
}

// ParseDataMessage decodes a live-data datagram.
func ParseDataMessage(data []byte) (*DataMessage, error) {
	var msg DataMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("malformed data message: %w", err)
	}
	return &msg, nil
}

// Valid reports whether the message carries a valid measurement
// (status code present and zero).
func (m *DataMessage) Valid() bool {
	return m.Status != nil && *m.Status == StatusValid
}

// Channels returns the channels this message carries a value for.
// Per-eye keys resolve through the eye discriminator; a per-eye key with a
// missing or unknown eye field maps to no channel, which keeps a bad
// discriminator from affecting unrelated channels in the same datagram.
func (m *DataMessage) Channels() []Channel {
	var out []Channel
	if m.Gyroscope != nil {
		out = append(out, ChannelGyroscope)
	}
	if m.Accelerometer != nil {
		out = append(out, ChannelAccelerometer)
	}
	if m.PupilCenter != nil {
		if ch, ok := eyeChannel(m.Eye, ChannelLeftPupilCenter, ChannelRightPupilCenter); ok {
			out = append(out, ch)
		}
	}
	if m.PupilDiameter != nil {
		if ch, ok := eyeChannel(m.Eye, ChannelLeftPupilDiameter, ChannelRightPupilDiameter); ok {
			out = append(out, ch)
		}
	}
	if m.GazeDirection != nil {
		if ch, ok := eyeChannel(m.Eye, ChannelLeftGazeDirection, ChannelRightGazeDirection); ok {
			out = append(out, ch)
		}
	}
	if m.GazePosition != nil {
		out = append(out, ChannelGazePosition)
	}
	if m.GazePosition3D != nil {
		out = append(out, ChannelGazePosition3D)
	}
	if m.PresentationTS != nil {
		out = append(out, ChannelPresentationTS)
	}
	if m.VideoTS != nil {
		out = append(out, ChannelVideoTS)
	}
	if m.PipelineVersion != nil {
		out = append(out, ChannelPipelineVersion)
	}
	return out
}

func eyeChannel(eye string, left, right Channel) (Channel, bool) {
	switch eye {
	case EyeLeft:
		return left, true
	case EyeRight:
		return right, true
	default:
		return "", false
	}
}

// KeepaliveMessage is the subscription keepalive the controller sends to the
// device once per second while streaming. The device drops the subscription
// when keepalives stop arriving.
type KeepaliveMessage struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	Op   string `json:"op"`
}

// NewDataKeepalive builds the live-data keepalive with a fresh
// subscription key.
func NewDataKeepalive() KeepaliveMessage {
	return KeepaliveMessage{
		Type: "live.data.unicast",
		Key:  uuid.NewString(),
		Op:   "start",
	}
}

// NewVideoKeepalive builds the scene-video keepalive. The device
// distinguishes the video subscription by the "_video" key suffix.
func NewVideoKeepalive() KeepaliveMessage {
	return KeepaliveMessage{
		Type: "live.video.unicast",
		Key:  uuid.NewString() + "_video",
		Op:   "start",
	}
}

// Encode serializes the keepalive for transmission. The message shape is
// fixed, so encoding cannot fail in practice.
func (k KeepaliveMessage) Encode() []byte {
	data, err := json.Marshal(k)
	if err != nil {
		panic(fmt.Sprintf("encode keepalive: %v", err))
	}
	return data
}

// DiscoveryProbe is the datagram multicast to locate a device.
var DiscoveryProbe = []byte(`{"type":"discover"}`)

// ProbePort returns the port discovery probes are sent to for the given
// target OS. Windows and macOS devices answer on the listen port itself;
// everywhere else the probe goes to listen port + 1. The asymmetry is a
// firmware quirk and must be preserved.
func ProbePort(goos string, listenPort int) int {
	if goos == "windows" || goos == "darwin" {
		return listenPort
	}
	return listenPort + 1
}
