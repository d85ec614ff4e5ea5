package controller

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushil-kapadia/eye-detection/internal/config"
	"github.com/rushil-kapadia/eye-detection/internal/protocol"
	"github.com/rushil-kapadia/eye-detection/internal/stream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// deviceSim serves the minimal REST surface New needs plus a loopback
// UDP socket standing in for the live-data port.
type deviceSim struct {
	rest *httptest.Server
	conn *net.UDPConn
}

func newDeviceSim(t *testing.T, handler http.Handler) *deviceSim {
	t.Helper()

	if handler == nil {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
			json.NewEncoder(w).Encode(map[string]interface{}{"sys_status": "ok"})
		})
		handler = mux
	}

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	sim := &deviceSim{rest: httptest.NewServer(handler), conn: conn}
	t.Cleanup(func() {
		sim.rest.Close()
		sim.conn.Close()
	})
	return sim
}

func (d *deviceSim) restPort(t *testing.T) int {
	t.Helper()
	u, err := url.Parse(d.rest.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)
	return port
}

func (d *deviceSim) udpPort() int {
	return d.conn.LocalAddr().(*net.UDPAddr).Port
}

func (d *deviceSim) config(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Device.Address = "127.0.0.1"
	cfg.Device.RESTPort = d.restPort(t)
	cfg.Device.UDPPort = d.udpPort()
	cfg.Device.ConnectTimeout = 2
	cfg.Stream.KeepaliveInterval = 0.05
	cfg.Stream.ReceiveTimeout = 1
	return cfg
}

func TestNewConnectsAndStreams(t *testing.T) {
	sim := newDeviceSim(t, nil)
	c, err := New(context.Background(), sim.config(t), testLogger(), nil)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.StartStreaming())
	assert.True(t, c.IsStreaming())

	// The simulated device should see a keepalive and can answer with
	// live data addressed at the session's source port.
	buf := make([]byte, 1024)
	sim.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, src, err := sim.conn.ReadFromUDP(buf)
	require.NoError(t, err)

	var ka protocol.KeepaliveMessage
	require.NoError(t, json.Unmarshal(buf[:n], &ka))
	assert.Equal(t, "live.data.unicast", ka.Type)
	assert.Equal(t, "start", ka.Op)

	_, err = sim.conn.WriteToUDP([]byte(`{"ts": 42, "s": 0, "gp": [0.1, 0.2]}`), src)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return c.Latest(protocol.ChannelGazePosition).TS == 42
	}, 3*time.Second, 10*time.Millisecond)

	snap := c.Snapshot()
	assert.Equal(t, float64(42), snap[protocol.ChannelGazePosition].TS)

	err = c.StartStreaming()
	require.ErrorIs(t, err, stream.ErrAlreadyStreaming)

	c.StopStreaming()
	assert.False(t, c.IsStreaming())
}

func TestNewFailsWhenDeviceNeverReady(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not ready", http.StatusInternalServerError)
	})
	sim := newDeviceSim(t, mux)

	_, err := New(context.Background(), sim.config(t), testLogger(), nil)
	require.ErrorIs(t, err, ErrConnectFailed)
}

func TestSetupRecordingDelegation(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"sys_status": "ok"})
	})
	mux.HandleFunc("/api/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]interface{}{})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"pr_id": "proj-1"})
	})
	mux.HandleFunc("/api/participants", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]interface{}{})
			return
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"pa_id": "part-1"})
	})
	mux.HandleFunc("/api/recordings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"rec_id": "rec-1"})
	})
	sim := newDeviceSim(t, mux)

	c, err := New(context.Background(), sim.config(t), testLogger(), nil)
	require.NoError(t, err)
	defer c.Close()

	recID, err := c.SetupRecording(context.Background(), "study", "wearer", "")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", recID)
}

func TestSplitZone(t *testing.T) {
	tests := []struct {
		name      string
		address   string
		wantIface string
	}{
		{name: "plain ipv4", address: "192.168.71.50", wantIface: ""},
		{name: "plain ipv6", address: "fe80::76fe:48ff:fe1f:1234", wantIface: ""},
		{name: "zoned ipv6", address: "fe80::76fe:48ff:fe1f:1234%eth0", wantIface: "eth0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, iface := splitZone(tt.address)
			assert.Equal(t, tt.wantIface, iface)
			if tt.wantIface == "" || runtime.GOOS != "windows" {
				assert.Equal(t, tt.address, host)
			}
		})
	}
}
