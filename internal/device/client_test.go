package device

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rushil-kapadia/eye-detection/internal/metrics"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// newTestClient points a Client at an httptest server.
func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	c := NewClient(u.Hostname(), port, testLogger(), nil)
	c.pollInterval = 10 * time.Millisecond
	return c
}

func TestBaseURLShapes(t *testing.T) {
	tests := []struct {
		name     string
		address  string
		port     int
		expected string
	}{
		{"ipv4 default port", "192.168.71.50", 0, "http://192.168.71.50"},
		{"ipv4 port 80 elided", "192.168.71.50", 80, "http://192.168.71.50"},
		{"ipv4 explicit port", "127.0.0.1", 8080, "http://127.0.0.1:8080"},
		{"ipv6 bracketed", "fd00::1", 0, "http://[fd00::1]"},
		{"ipv6 zone escaped", "fe80::1%eth0", 0, "http://[fe80::1%25eth0]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewClient(tt.address, tt.port, testLogger(), nil)
			assert.Equal(t, tt.expected, c.BaseURL())
		})
	}
}

func TestStatusAccessors(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"sys_status": "ok",
			"sys_battery": map[string]interface{}{
				"level":          87.5,
				"remaining_time": 4120.0,
			},
			"sys_storage": map[string]interface{}{
				"remaining_time": 9000.0,
			},
			"sys_recording": map[string]interface{}{
				"rec_state": "recording",
				"rec_id":    "rec-123",
			},
			"sys_et": map[string]interface{}{
				"frequencies": []float64{50, 100},
			},
		})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	level, err := c.BatteryLevel(ctx)
	require.NoError(t, err)
	assert.Equal(t, 87.5, level)

	remaining, err := c.BatteryRemainingTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4120.0, remaining)

	storage, err := c.StorageRemainingTime(ctx)
	require.NoError(t, err)
	assert.Equal(t, 9000.0, storage)

	recording, err := c.IsRecording(ctx)
	require.NoError(t, err)
	assert.True(t, recording)

	recID, err := c.CurrentRecordingID(ctx)
	require.NoError(t, err)
	assert.Equal(t, "rec-123", recID)

	freqs, err := c.AvailableFrequencies(ctx)
	require.NoError(t, err)
	assert.Equal(t, []float64{50, 100}, freqs)
}

func TestWaitForStatusPollsUntilAccepted(t *testing.T) {
	var mu sync.Mutex
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		state := "starting"
		if polls >= 3 {
			state = "ok"
		}
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"sys_status": state})
	})

	c := newTestClient(t, mux)

	err := c.WaitUntilStatusOK(context.Background(), 5*time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, polls, 3)
}

func TestWaitForStatusRequestErrorAbortsWait(t *testing.T) {
	c := NewClient("127.0.0.1", 1, testLogger(), nil) // nothing listens on port 1
	c.pollInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	value, err := c.WaitForStatus(ctx, "/api/system/status", "sys_status", []string{"ok"})
	assert.Error(t, err)
	assert.Empty(t, value)
}

func TestWaitForStatusTimeout(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"sys_status": "starting"})
	})

	c := newTestClient(t, mux)

	err := c.WaitUntilStatusOK(context.Background(), 50*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCreateProjectReusesExisting(t *testing.T) {
	var created int

	mux := http.NewServeMux()
	mux.HandleFunc("/api/projects", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]interface{}{
				{
					"pr_id":   "pr-existing",
					"pr_info": map[string]interface{}{"Name": "FieldStudy"},
				},
				{
					// Entry without pr_info must not break the lookup.
					"pr_id": "pr-broken",
				},
			})
			return
		}
		created++
		json.NewEncoder(w).Encode(map[string]interface{}{"pr_id": "pr-new"})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	id, err := c.CreateProject(ctx, "FieldStudy")
	require.NoError(t, err)
	assert.Equal(t, "pr-existing", id)
	assert.Zero(t, created)

	id, err = c.CreateProject(ctx, "NewStudy")
	require.NoError(t, err)
	assert.Equal(t, "pr-new", id)
	assert.Equal(t, 1, created)
}

func TestCreateParticipantPostsExpectedBody(t *testing.T) {
	var body map[string]interface{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/participants", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			json.NewEncoder(w).Encode([]map[string]interface{}{})
			return
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		json.NewEncoder(w).Encode(map[string]interface{}{"pa_id": "pa-1"})
	})

	c := newTestClient(t, mux)

	id, err := c.CreateParticipant(context.Background(), "pr-1", "subject-07", "pilot run")
	require.NoError(t, err)
	assert.Equal(t, "pa-1", id)

	assert.Equal(t, "pr-1", body["pa_project"])
	info := body["pa_info"].(map[string]interface{})
	assert.Equal(t, "subject-07", info["Name"])
	assert.Equal(t, "pilot run", info["Notes"])
	assert.NotEmpty(t, info["EagleId"])
	// Creation timestamps use the device datetime shape.
	assert.Regexp(t, `^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\+000000$`, body["pa_created"])
}

func TestRecordingLifecycle(t *testing.T) {
	var mu sync.Mutex
	state := "init"

	mux := http.NewServeMux()
	mux.HandleFunc("/api/recordings", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"rec_id": "rec-1"})
	})
	mux.HandleFunc("/api/recordings/rec-1/start", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		state = "recording"
		mu.Unlock()
	})
	mux.HandleFunc("/api/recordings/rec-1/stop", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		state = "done"
		mu.Unlock()
	})
	mux.HandleFunc("/api/recordings/rec-1/pause", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		state = "paused"
		mu.Unlock()
	})
	mux.HandleFunc("/api/recordings/rec-1/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"rec_state": state})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	id, err := c.CreateRecording(ctx, "pa-1", "")
	require.NoError(t, err)
	assert.Equal(t, "rec-1", id)

	started, err := c.StartRecording(ctx, id)
	require.NoError(t, err)
	assert.True(t, started)

	paused, err := c.PauseRecording(ctx, id)
	require.NoError(t, err)
	assert.True(t, paused)

	stopped, err := c.StopRecording(ctx, id)
	require.NoError(t, err)
	assert.True(t, stopped)
}

func TestRecordingNamesAreSequential(t *testing.T) {
	var names []string

	mux := http.NewServeMux()
	mux.HandleFunc("/api/recordings", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		info := body["rec_info"].(map[string]interface{})
		names = append(names, info["Name"].(string))
		json.NewEncoder(w).Encode(map[string]interface{}{"rec_id": "rec-x"})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	_, err := c.CreateRecording(ctx, "pa-1", "")
	require.NoError(t, err)
	_, err = c.CreateRecording(ctx, "pa-1", "")
	require.NoError(t, err)

	assert.Equal(t, []string{"Recording_1", "Recording_2"}, names)
}

func TestCalibrationLifecycle(t *testing.T) {
	var mu sync.Mutex
	polls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/api/calibrations", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "default", body["ca_type"])
		json.NewEncoder(w).Encode(map[string]interface{}{"ca_id": "ca-1"})
	})
	mux.HandleFunc("/api/calibrations/ca-1/start", func(w http.ResponseWriter, r *http.Request) {})
	mux.HandleFunc("/api/calibrations/ca-1/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		state := "calibrating"
		if polls >= 2 {
			state = "calibrated"
		}
		mu.Unlock()
		json.NewEncoder(w).Encode(map[string]interface{}{"ca_state": state})
	})

	c := newTestClient(t, mux)
	ctx := context.Background()

	id, err := c.CreateCalibration(ctx, "pr-1", "pa-1")
	require.NoError(t, err)
	require.NoError(t, c.StartCalibration(ctx, id))

	ok, err := c.WaitUntilCalibrationDone(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestCalibrationWaitIsPaced(t *testing.T) {
	var mu sync.Mutex
	polls := 0
	start := time.Now()

	mux := http.NewServeMux()
	mux.HandleFunc("/api/calibrations/ca-1/status", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		polls++
		mu.Unlock()
		state := "calibrating"
		if time.Since(start) > 50*time.Millisecond {
			state = "calibrated"
		}
		json.NewEncoder(w).Encode(map[string]interface{}{"ca_state": state})
	})

	c := newTestClient(t, mux)

	ok, err := c.WaitUntilCalibrationDone(context.Background(), "ca-1")
	require.NoError(t, err)
	assert.True(t, ok)

	// The device held "calibrating" for ~5 poll intervals; a paced wait
	// issues one request per interval, not a tight request loop.
	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, polls, 2)
	assert.LessOrEqual(t, polls, 20)
}

func TestCalibrationFailureStates(t *testing.T) {
	for _, failState := range []string{"failed", "stale", "uncalibrated"} {
		t.Run(failState, func(t *testing.T) {
			mux := http.NewServeMux()
			mux.HandleFunc("/api/calibrations/ca-1/status", func(w http.ResponseWriter, r *http.Request) {
				json.NewEncoder(w).Encode(map[string]interface{}{"ca_state": failState})
			})

			c := newTestClient(t, mux)

			ok, err := c.WaitUntilCalibrationDone(context.Background(), "ca-1")
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestSendEventFireAndForget(t *testing.T) {
	received := make(chan map[string]interface{}, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	})

	c := newTestClient(t, mux)
	c.SendEvent("stimulus", "trial-4")

	select {
	case body := <-received:
		assert.Equal(t, "stimulus", body["type"])
		assert.Equal(t, "trial-4", body["tag"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the device")
	}
}

func TestSendExperimentalVar(t *testing.T) {
	received := make(chan map[string]interface{}, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/events", func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		json.NewDecoder(r.Body).Decode(&body)
		received <- body
	})

	c := newTestClient(t, mux)
	c.SendExperimentalVar("difficulty", "hard")

	select {
	case body := <-received:
		assert.Equal(t, "#difficulty#", body["type"])
		assert.Equal(t, "hard", body["tag"])
	case <-time.After(2 * time.Second):
		t.Fatal("event never reached the device")
	}
}

func TestHTTPErrorSurfaces(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "device busy", http.StatusServiceUnavailable)
	})

	c := newTestClient(t, mux)

	_, err := c.Status(context.Background())
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "HTTP error 503"))

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.TotalRequests)
	assert.Equal(t, uint64(1), stats.FailedRequests)
}

func TestControlPlaneMetricsWired(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{"sys_status": "ok"})
	})
	mux.HandleFunc("/api/system/conf", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "broken", http.StatusInternalServerError)
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	m := metrics.NewMetrics()
	c := NewClient(u.Hostname(), port, testLogger(), m)

	_, err = c.Status(context.Background())
	require.NoError(t, err)

	_, err = c.Configuration(context.Background())
	require.Error(t, err)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ControlRequests))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ControlFailures))
}
