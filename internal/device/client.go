package device

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rushil-kapadia/eye-detection/internal/metrics"
)

const (
	datetimeFormat      = "2006-01-02T15:04:05"
	datetimeFormatHuman = "02/01/2006 15:04:05"

	// pollInterval paces the wait-for-status loops.
	defaultPollInterval = time.Second
)

// Recording lifecycle states reported by the device.
var recordingStates = []string{
	"init", "starting", "recording", "pausing", "paused",
	"stopping", "stopped", "done", "stale", "failed",
}

// Terminal calibration states reported by the device. "calibrating" is
// deliberately absent: the status wait must keep its once-per-second
// pacing while the device is still working.
var calibrationSettledStates = []string{
	"calibrated", "stale", "uncalibrated", "failed",
}

// Client talks to the device's REST control API.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	logger       *slog.Logger
	metrics      *metrics.Metrics
	pollInterval time.Duration

	// recording bookkeeping mirrors the device-side sequential naming
	mu              sync.Mutex
	recordingCount  int
	participantName string

	// Statistics
	totalRequests  uint64
	failedRequests uint64
	statsMu        sync.RWMutex
}

// ClientStats reports control-plane request counters.
type ClientStats struct {
	TotalRequests  uint64 `json:"total_requests"`
	FailedRequests uint64 `json:"failed_requests"`
}

// NewClient creates a control-plane client for the device at address.
// port 0 selects the default HTTP port. IPv6 addresses may carry a zone
// ("fe80::...%eth0"); the zone is percent-escaped into the URL host.
// m may be nil.
func NewClient(address string, port int, logger *slog.Logger, m *metrics.Metrics) *Client {
	host := address
	if strings.Contains(address, ":") {
		host = "[" + strings.ReplaceAll(address, "%", "%25") + "]"
	}

	baseURL := "http://" + host
	if port != 0 && port != 80 {
		baseURL = fmt.Sprintf("%s:%d", baseURL, port)
	}

	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:       logger,
		metrics:      m,
		pollInterval: defaultPollInterval,
	}
}

// BaseURL returns the root URL control-plane requests are sent to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// get performs a GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, apiAction string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+apiAction, nil)
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", apiAction, err)
	}
	return c.do(req, out)
}

// post performs a POST with a JSON body and decodes the JSON response into
// out; out may be nil when the response body does not matter.
func (c *Client) post(ctx context.Context, apiAction string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request for %s: %w", apiAction, err)
	}

	c.logger.Debug("Sending control request",
		slog.String("action", apiAction),
		slog.Int("body_size", len(payload)),
	)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+apiAction, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request for %s: %w", apiAction, err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// postAsync fires a POST without awaiting the response. The device treats
// these as notifications; a delivery failure is only logged.
func (c *Client) postAsync(apiAction string, body interface{}) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := c.post(ctx, apiAction, body, nil); err != nil {
			c.logger.Warn("Fire-and-forget request failed",
				slog.String("action", apiAction),
				slog.String("error", err.Error()),
			)
		}
	}()
}

func (c *Client) do(req *http.Request, out interface{}) error {
	c.statsMu.Lock()
	c.totalRequests++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.ControlRequests.Inc()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		c.recordFailure()
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.recordFailure()
		return fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(respBody))
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response JSON: %w", err)
	}
	return nil
}

func (c *Client) recordFailure() {
	c.statsMu.Lock()
	c.failedRequests++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.ControlFailures.Inc()
	}
}

// GetStats returns current request counters.
func (c *Client) GetStats() ClientStats {
	c.statsMu.RLock()
	defer c.statsMu.RUnlock()
	return ClientStats{
		TotalRequests:  c.totalRequests,
		FailedRequests: c.failedRequests,
	}
}

// WaitForStatus polls field key of the resource at apiAction once per
// second until it reaches one of the accepted values, then returns that
// value. A request-level failure aborts the wait and surfaces as an error
// instead of crashing the loop; cancellation of ctx does the same.
func (c *Client) WaitForStatus(ctx context.Context, apiAction, key string, accepted []string) (string, error) {
	for {
		var status map[string]interface{}
		if err := c.get(ctx, apiAction, &status); err != nil {
			c.logger.Error("Status poll failed",
				slog.String("action", apiAction),
				slog.String("error", err.Error()),
			)
			return "", err
		}

		value, _ := status[key].(string)
		for _, want := range accepted {
			if value == want {
				return value, nil
			}
		}

		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(c.pollInterval):
		}
	}
}

// WaitUntilStatusOK blocks until the system status reports "ok". timeout
// zero polls without a deadline.
func (c *Client) WaitUntilStatusOK(ctx context.Context, timeout time.Duration) error {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	status, err := c.WaitForStatus(ctx, "/api/system/status", "sys_status", []string{"ok"})
	if err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("unexpected system status %q", status)
	}
	return nil
}

// Status returns the raw system status document.
func (c *Client) Status(ctx context.Context) (map[string]interface{}, error) {
	var status map[string]interface{}
	if err := c.get(ctx, "/api/system/status", &status); err != nil {
		return nil, err
	}
	return status, nil
}

// Configuration returns the raw system configuration document.
func (c *Client) Configuration(ctx context.Context) (map[string]interface{}, error) {
	var conf map[string]interface{}
	if err := c.get(ctx, "/api/system/conf", &conf); err != nil {
		return nil, err
	}
	return conf, nil
}

// SetConfiguration posts configuration changes.
func (c *Client) SetConfiguration(ctx context.Context, changes map[string]interface{}) error {
	return c.post(ctx, "/api/system/conf", changes, nil)
}

// statusSection digs one nested object out of the system status.
func (c *Client) statusSection(ctx context.Context, key string) (map[string]interface{}, error) {
	status, err := c.Status(ctx)
	if err != nil {
		return nil, err
	}
	section, ok := status[key].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("system status has no %q section", key)
	}
	return section, nil
}

// BatteryStatus returns the sys_battery section of the system status.
func (c *Client) BatteryStatus(ctx context.Context) (map[string]interface{}, error) {
	return c.statusSection(ctx, "sys_battery")
}

// BatteryLevel returns the battery charge percentage.
func (c *Client) BatteryLevel(ctx context.Context) (float64, error) {
	battery, err := c.BatteryStatus(ctx)
	if err != nil {
		return 0, err
	}
	level, ok := battery["level"].(float64)
	if !ok {
		return 0, fmt.Errorf("battery status has no level field")
	}
	return level, nil
}

// BatteryRemainingTime returns the estimated battery runtime in seconds.
func (c *Client) BatteryRemainingTime(ctx context.Context) (float64, error) {
	battery, err := c.BatteryStatus(ctx)
	if err != nil {
		return 0, err
	}
	remaining, ok := battery["remaining_time"].(float64)
	if !ok {
		return 0, fmt.Errorf("battery status has no remaining_time field")
	}
	return remaining, nil
}

// StorageStatus returns the sys_storage section of the system status.
func (c *Client) StorageStatus(ctx context.Context) (map[string]interface{}, error) {
	return c.statusSection(ctx, "sys_storage")
}

// StorageRemainingTime returns the estimated remaining recording time in
// seconds.
func (c *Client) StorageRemainingTime(ctx context.Context) (float64, error) {
	storage, err := c.StorageStatus(ctx)
	if err != nil {
		return 0, err
	}
	remaining, ok := storage["remaining_time"].(float64)
	if !ok {
		return 0, fmt.Errorf("storage status has no remaining_time field")
	}
	return remaining, nil
}

// EyeTrackerFrequency returns the configured gaze sampling frequency.
func (c *Client) EyeTrackerFrequency(ctx context.Context) (float64, error) {
	conf, err := c.Configuration(ctx)
	if err != nil {
		return 0, err
	}
	freq, ok := conf["sys_et_freq"].(float64)
	if !ok {
		return 0, fmt.Errorf("configuration has no sys_et_freq field")
	}
	return freq, nil
}

// SetEyeTrackerFrequency selects the gaze sampling frequency. 100 Hz may
// not be available on every unit; check AvailableFrequencies first.
func (c *Client) SetEyeTrackerFrequency(ctx context.Context, hz int) error {
	return c.SetConfiguration(ctx, map[string]interface{}{"sys_et_freq": hz})
}

// AvailableFrequencies lists the gaze sampling frequencies the unit
// supports.
func (c *Client) AvailableFrequencies(ctx context.Context) ([]float64, error) {
	section, err := c.statusSection(ctx, "sys_et")
	if err != nil {
		return nil, err
	}
	raw, ok := section["frequencies"].([]interface{})
	if !ok {
		return nil, fmt.Errorf("sys_et status has no frequencies field")
	}
	freqs := make([]float64, 0, len(raw))
	for _, v := range raw {
		if f, ok := v.(float64); ok {
			freqs = append(freqs, f)
		}
	}
	return freqs, nil
}

// SceneCameraFPS returns the configured scene camera frame rate.
func (c *Client) SceneCameraFPS(ctx context.Context) (float64, error) {
	conf, err := c.Configuration(ctx)
	if err != nil {
		return 0, err
	}
	fps, ok := conf["sys_sc_fps"].(float64)
	if !ok {
		return 0, fmt.Errorf("configuration has no sys_sc_fps field")
	}
	return fps, nil
}

// SetSceneCameraFPS selects the scene camera frame rate (25 or 50).
func (c *Client) SetSceneCameraFPS(ctx context.Context, fps int) error {
	return c.SetConfiguration(ctx, map[string]interface{}{"sys_sc_fps": fps})
}

// SetScenePreset selects a scene camera exposure preset, e.g. "Indoor",
// "ClearWeather", "Auto" or "GazeBasedExposure".
func (c *Client) SetScenePreset(ctx context.Context, preset string) error {
	return c.SetConfiguration(ctx, map[string]interface{}{"sys_sc_preset": preset})
}

// EjectSD asks the device to release the SD card.
func (c *Client) EjectSD(ctx context.Context) error {
	return c.get(ctx, "/api/eject", nil)
}

// Identify makes the device blink its LEDs so it can be told apart from
// other units.
func (c *Client) Identify(ctx context.Context) error {
	return c.get(ctx, "/api/identify", nil)
}

// Projects returns every project stored on the device.
func (c *Client) Projects(ctx context.Context) ([]map[string]interface{}, error) {
	var projects []map[string]interface{}
	if err := c.get(ctx, "/api/projects", &projects); err != nil {
		return nil, err
	}
	return projects, nil
}

// ProjectID looks up a project id by name; empty when no project matches.
func (c *Client) ProjectID(ctx context.Context, name string) (string, error) {
	projects, err := c.Projects(ctx)
	if err != nil {
		return "", err
	}
	for _, project := range projects {
		info, ok := project["pr_info"].(map[string]interface{})
		if !ok {
			continue
		}
		if info["Name"] == name {
			if id, ok := project["pr_id"].(string); ok {
				return id, nil
			}
		}
	}
	return "", nil
}

// CreateProject creates a project with the given name, reusing an existing
// one with the same name. Returns the project id.
func (c *Client) CreateProject(ctx context.Context, name string) (string, error) {
	existing, err := c.ProjectID(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		c.logger.Debug("Project already exists", slog.String("project_id", existing))
		return existing, nil
	}

	body := map[string]interface{}{
		"pr_info": map[string]interface{}{
			"CreationDate": time.Now().Format(datetimeFormatHuman),
			"EagleId":      uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String(),
			"Name":         name,
		},
		"pr_created": createdTimestamp(),
	}

	var created map[string]interface{}
	if err := c.post(ctx, "/api/projects", body, &created); err != nil {
		return "", err
	}
	id, ok := created["pr_id"].(string)
	if !ok {
		return "", fmt.Errorf("project creation response has no pr_id")
	}
	c.logger.Debug("Project created", slog.String("project_id", id))
	return id, nil
}

// Participants returns every participant stored on the device.
func (c *Client) Participants(ctx context.Context) ([]map[string]interface{}, error) {
	var participants []map[string]interface{}
	if err := c.get(ctx, "/api/participants", &participants); err != nil {
		return nil, err
	}
	return participants, nil
}

// ParticipantID looks up a participant id by name; empty when no
// participant matches. Entries without a readable pa_info are skipped.
func (c *Client) ParticipantID(ctx context.Context, name string) (string, error) {
	participants, err := c.Participants(ctx)
	if err != nil {
		return "", err
	}
	id := ""
	for _, participant := range participants {
		info, ok := participant["pa_info"].(map[string]interface{})
		if !ok {
			continue
		}
		if info["Name"] == name {
			if v, ok := participant["pa_id"].(string); ok {
				id = v
			}
		}
	}
	return id, nil
}

// CreateParticipant creates a participant in the given project, reusing an
// existing one with the same name. Returns the participant id.
func (c *Client) CreateParticipant(ctx context.Context, projectID, name, notes string) (string, error) {
	c.mu.Lock()
	c.participantName = name
	c.mu.Unlock()

	existing, err := c.ParticipantID(ctx, name)
	if err != nil {
		return "", err
	}
	if existing != "" {
		c.logger.Debug("Participant already exists", slog.String("participant_id", existing))
		return existing, nil
	}

	body := map[string]interface{}{
		"pa_project": projectID,
		"pa_info": map[string]interface{}{
			"EagleId": uuid.NewSHA1(uuid.NameSpaceDNS, []byte(name)).String(),
			"Name":    name,
			"Notes":   notes,
		},
		"pa_created": createdTimestamp(),
	}

	var created map[string]interface{}
	if err := c.post(ctx, "/api/participants", body, &created); err != nil {
		return "", err
	}
	id, ok := created["pa_id"].(string)
	if !ok {
		return "", fmt.Errorf("participant creation response has no pa_id")
	}
	c.logger.Debug("Participant created",
		slog.String("participant_id", id),
		slog.String("project_id", projectID),
	)
	return id, nil
}

// Recordings returns every recording stored on the device.
func (c *Client) Recordings(ctx context.Context) ([]map[string]interface{}, error) {
	var recordings []map[string]interface{}
	if err := c.get(ctx, "/api/recordings", &recordings); err != nil {
		return nil, err
	}
	return recordings, nil
}

// CreateRecording creates a recording for the participant. Recordings are
// named sequentially per client instance. Returns the recording id.
func (c *Client) CreateRecording(ctx context.Context, participantID, notes string) (string, error) {
	c.mu.Lock()
	c.recordingCount++
	name := fmt.Sprintf("Recording_%d", c.recordingCount)
	participantName := c.participantName
	c.mu.Unlock()

	body := map[string]interface{}{
		"rec_participant": participantID,
		"rec_info": map[string]interface{}{
			"EagleId": uuid.NewSHA1(uuid.NameSpaceDNS, []byte(participantName)).String(),
			"Name":    name,
			"Notes":   notes,
		},
		"rec_created": createdTimestamp(),
	}

	var created map[string]interface{}
	if err := c.post(ctx, "/api/recordings", body, &created); err != nil {
		return "", err
	}
	id, ok := created["rec_id"].(string)
	if !ok {
		return "", fmt.Errorf("recording creation response has no rec_id")
	}
	return id, nil
}

// StartRecording starts the recording and waits for the device to reach
// the recording state.
func (c *Client) StartRecording(ctx context.Context, recordingID string) (bool, error) {
	if err := c.post(ctx, "/api/recordings/"+recordingID+"/start", nil, nil); err != nil {
		return false, err
	}
	state, err := c.WaitForRecordingStatus(ctx, recordingID, []string{"recording"})
	if err != nil {
		return false, err
	}
	return state == "recording", nil
}

// StopRecording stops the recording and waits for it to be finalized.
func (c *Client) StopRecording(ctx context.Context, recordingID string) (bool, error) {
	if err := c.post(ctx, "/api/recordings/"+recordingID+"/stop", nil, nil); err != nil {
		return false, err
	}
	state, err := c.WaitForRecordingStatus(ctx, recordingID, []string{"done"})
	if err != nil {
		return false, err
	}
	return state == "done", nil
}

// PauseRecording pauses the recording and waits for the paused state.
func (c *Client) PauseRecording(ctx context.Context, recordingID string) (bool, error) {
	if err := c.post(ctx, "/api/recordings/"+recordingID+"/pause", nil, nil); err != nil {
		return false, err
	}
	state, err := c.WaitForRecordingStatus(ctx, recordingID, []string{"paused"})
	if err != nil {
		return false, err
	}
	return state == "paused", nil
}

// WaitForRecordingStatus blocks until the recording reaches one of the
// accepted states; nil accepted waits for any known state.
func (c *Client) WaitForRecordingStatus(ctx context.Context, recordingID string, accepted []string) (string, error) {
	if accepted == nil {
		accepted = recordingStates
	}
	return c.WaitForStatus(ctx, "/api/recordings/"+recordingID+"/status", "rec_state", accepted)
}

// RecordingStatus returns the sys_recording section of the system status.
func (c *Client) RecordingStatus(ctx context.Context) (map[string]interface{}, error) {
	return c.statusSection(ctx, "sys_recording")
}

// IsRecording reports whether the device is currently recording.
func (c *Client) IsRecording(ctx context.Context) (bool, error) {
	rec, err := c.RecordingStatus(ctx)
	if err != nil {
		return false, err
	}
	return rec["rec_state"] == "recording", nil
}

// CurrentRecordingID returns the id of the recording in progress.
func (c *Client) CurrentRecordingID(ctx context.Context) (string, error) {
	rec, err := c.RecordingStatus(ctx)
	if err != nil {
		return "", err
	}
	id, _ := rec["rec_id"].(string)
	return id, nil
}

// CreateCalibration creates a calibration tied to a project and
// participant. Returns the calibration id.
func (c *Client) CreateCalibration(ctx context.Context, projectID, participantID string) (string, error) {
	body := map[string]interface{}{
		"ca_project":     projectID,
		"ca_type":        "default",
		"ca_participant": participantID,
		"ca_created":     createdTimestamp(),
	}

	var created map[string]interface{}
	if err := c.post(ctx, "/api/calibrations", body, &created); err != nil {
		return "", err
	}
	id, ok := created["ca_id"].(string)
	if !ok {
		return "", fmt.Errorf("calibration creation response has no ca_id")
	}
	c.logger.Debug("Calibration created",
		slog.String("calibration_id", id),
		slog.String("project_id", projectID),
		slog.String("participant_id", participantID),
	)
	return id, nil
}

// StartCalibration asks the device to run the calibration.
func (c *Client) StartCalibration(ctx context.Context, calibrationID string) error {
	return c.post(ctx, "/api/calibrations/"+calibrationID+"/start", nil, nil)
}

// WaitUntilCalibrationDone blocks until the calibration settles, reporting
// whether it succeeded. Stale, uncalibrated and failed all count as
// failure; while the device still reports calibrating, the status wait
// keeps polling at its usual pace.
func (c *Client) WaitUntilCalibrationDone(ctx context.Context, calibrationID string) (bool, error) {
	state, err := c.WaitForStatus(ctx, "/api/calibrations/"+calibrationID+"/status", "ca_state", calibrationSettledStates)
	if err != nil {
		return false, err
	}

	if state == "calibrated" {
		c.logger.Debug("Calibration successful", slog.String("calibration_id", calibrationID))
		return true, nil
	}
	c.logger.Debug("Calibration failed",
		slog.String("calibration_id", calibrationID),
		slog.String("state", state),
	)
	return false, nil
}

// SendEvent posts a custom event marker into the recording stream. The
// device does not acknowledge events, so delivery is fire-and-forget.
func (c *Client) SendEvent(eventType, tag string) {
	c.postAsync("/api/events", map[string]interface{}{
		"type": eventType,
		"tag":  tag,
	})
}

// SendExperimentalVar tags a single experimental variable value onto the
// event stream.
func (c *Client) SendExperimentalVar(name, value string) {
	c.SendEvent(fmt.Sprintf("#%s#", name), value)
}

// SendExperimentalVars tags a list of experimental variables onto the
// event stream in one event.
func (c *Client) SendExperimentalVars(names, values []string) {
	c.SendEvent(fmt.Sprintf("@%v@", names), fmt.Sprintf("%v", values))
}

// SendJSONEvent posts a typed key/value event in the JsonEvent envelope.
func (c *Client) SendJSONEvent(eventType, eventValue string) {
	c.SendEvent("JsonEvent", fmt.Sprintf("{'event_type': '%s','event_value': '%s'}", eventType, eventValue))
}

// createdTimestamp renders the creation-time format the device API expects.
func createdTimestamp() string {
	return time.Now().Format(datetimeFormat) + "+000000"
}
