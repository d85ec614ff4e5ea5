package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math"
	"net"
	"net/http"
	"sync"
	"time"
)

// Standalone simulator of the eye tracker device, handy for manual
// testing of glassesctl without hardware. It serves the REST API on
// one port and answers live-data keepalives over UDP by streaming
// synthetic gaze samples back to the subscriber.

type keepalive struct {
	Type string `json:"type"`
	Key  string `json:"key"`
	Op   string `json:"op"`
}

type subscriber struct {
	addr     *net.UDPAddr
	lastSeen time.Time
}

type simulator struct {
	mu          sync.Mutex
	subscribers map[string]*subscriber
	recordings  map[string]string // id -> state
	recSeq      int
	ts          int64
}

func newSimulator() *simulator {
	return &simulator{
		subscribers: make(map[string]*subscriber),
		recordings:  make(map[string]string),
	}
}

func (s *simulator) serveUDP(conn *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			log.Printf("UDP read error: %v", err)
			return
		}

		var ka keepalive
		if err := json.Unmarshal(buf[:n], &ka); err != nil || ka.Op != "start" {
			continue
		}

		s.mu.Lock()
		key := src.String()
		if _, known := s.subscribers[key]; !known {
			log.Printf("New subscriber %s (%s)", key, ka.Type)
		}
		s.subscribers[key] = &subscriber{addr: src, lastSeen: time.Now()}
		s.mu.Unlock()
	}
}

// emit streams synthetic samples to every live subscriber at roughly
// 50 Hz and drops subscribers whose keepalives stop.
func (s *simulator) emit(conn *net.UDPConn) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()

	for range ticker.C {
		s.mu.Lock()
		s.ts += 20000 // microseconds
		payloads := s.samples()
		for key, sub := range s.subscribers {
			if time.Since(sub.lastSeen) > 3*time.Second {
				log.Printf("Subscriber %s timed out", key)
				delete(s.subscribers, key)
				continue
			}
			for _, p := range payloads {
				conn.WriteToUDP(p, sub.addr)
			}
		}
		s.mu.Unlock()
	}
}

func (s *simulator) samples() [][]byte {
	t := float64(s.ts) / 1e6
	gx := 0.5 + 0.2*math.Sin(t)
	gy := 0.5 + 0.2*math.Cos(t)
	return [][]byte{
		[]byte(fmt.Sprintf(`{"ts": %d, "s": 0, "gp": [%.4f, %.4f]}`, s.ts, gx, gy)),
		[]byte(fmt.Sprintf(`{"ts": %d, "s": 0, "gy": [0.01, -0.02, 0.005]}`, s.ts)),
		[]byte(fmt.Sprintf(`{"ts": %d, "s": 0, "ac": [0.1, -9.8, 0.2]}`, s.ts)),
		[]byte(fmt.Sprintf(`{"ts": %d, "s": 0, "eye": "left", "pd": 3.21}`, s.ts)),
		[]byte(fmt.Sprintf(`{"ts": %d, "s": 0, "eye": "right", "pd": 3.18}`, s.ts)),
	}
}

func (s *simulator) statusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"sys_status":  "ok",
		"sys_battery": map[string]interface{}{"level": 87.5, "remaining_time": 5400.0},
		"sys_storage": map[string]interface{}{"remaining_time": 7200.0},
		"sys_et":      map[string]interface{}{"frequency": 50.0, "frequencies": []float64{50, 100}},
	})
}

func (s *simulator) confHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]interface{}{
		"sys_sc_fps":    25.0,
		"sys_et_freq":   50.0,
		"sys_sc_preset": "Auto",
	})
}

func (s *simulator) projectsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, []map[string]interface{}{})
		return
	}
	writeJSON(w, map[string]interface{}{"pr_id": "sim-project"})
}

func (s *simulator) participantsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodGet {
		writeJSON(w, []map[string]interface{}{})
		return
	}
	writeJSON(w, map[string]interface{}{"pa_id": "sim-participant"})
}

func (s *simulator) recordingsHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recSeq++
	id := fmt.Sprintf("sim-rec-%d", s.recSeq)
	s.recordings[id] = "init"
	writeJSON(w, map[string]interface{}{"rec_id": id})
}

func (s *simulator) recordingActionHandler(action, state string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		// Path shape: /api/recordings/{id}/{action} or /{id}/status
		id, op := splitRecordingPath(r.URL.Path)
		s.mu.Lock()
		defer s.mu.Unlock()
		switch op {
		case "status":
			writeJSON(w, map[string]interface{}{"rec_state": s.recordings[id]})
		case action:
			s.recordings[id] = state
			writeJSON(w, map[string]interface{}{})
		default:
			http.NotFound(w, r)
		}
	}
}

func splitRecordingPath(path string) (id, op string) {
	rest := path[len("/api/recordings/"):]
	for i := 0; i < len(rest); i++ {
		if rest[i] == '/' {
			return rest[:i], rest[i+1:]
		}
	}
	return rest, ""
}

func (s *simulator) eventsHandler(w http.ResponseWriter, r *http.Request) {
	var body map[string]interface{}
	json.NewDecoder(r.Body).Decode(&body)
	log.Printf("Event received: %v", body)
	writeJSON(w, map[string]interface{}{})
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func main() {
	httpPort := flag.Int("http-port", 80, "REST API port")
	udpPort := flag.Int("udp-port", 49152, "Live data UDP port")
	flag.Parse()

	sim := newSimulator()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: *udpPort})
	if err != nil {
		log.Fatalf("Failed to bind UDP port %d: %v", *udpPort, err)
	}
	go sim.serveUDP(conn)
	go sim.emit(conn)
	log.Printf("Live data UDP listener on port %d", *udpPort)

	mux := http.NewServeMux()
	mux.HandleFunc("/api/system/status", sim.statusHandler)
	mux.HandleFunc("/api/system/conf", sim.confHandler)
	mux.HandleFunc("/api/projects", sim.projectsHandler)
	mux.HandleFunc("/api/participants", sim.participantsHandler)
	mux.HandleFunc("/api/recordings", sim.recordingsHandler)
	mux.HandleFunc("/api/recordings/", func(w http.ResponseWriter, r *http.Request) {
		_, op := splitRecordingPath(r.URL.Path)
		switch op {
		case "start":
			sim.recordingActionHandler("start", "recording")(w, r)
		case "stop":
			sim.recordingActionHandler("stop", "done")(w, r)
		case "pause":
			sim.recordingActionHandler("pause", "paused")(w, r)
		case "status":
			sim.recordingActionHandler("status", "")(w, r)
		default:
			http.NotFound(w, r)
		}
	})
	mux.HandleFunc("/api/events", sim.eventsHandler)

	addr := fmt.Sprintf(":%d", *httpPort)
	log.Printf("REST API on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Fatalf("HTTP server failed: %v", err)
	}
}
