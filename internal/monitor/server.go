// Package monitor serves the HTTP debugging and inspection endpoints for a
// running scan daemon: frame listings, per-frame statistics, and rendered
// previews of the most recent frame.
package monitor

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/nanographs/scan-generator/internal/frame"
	"github.com/nanographs/scan-generator/internal/monitoring"
	"github.com/nanographs/scan-generator/internal/scandb"
)

// WebServer exposes scan state over HTTP. It keeps a cache of the most
// recently completed frame so preview endpoints do not hit the database on
// every request.
type WebServer struct {
	db *scandb.DB

	mu     sync.Mutex
	latest *frame.Frame
}

// NewWebServer creates a monitor server backed by the given store.
func NewWebServer(db *scandb.DB) *WebServer {
	return &WebServer{db: db}
}

// OnFrame is the frame builder callback: it caches the completed frame for
// the preview endpoints.
func (ws *WebServer) OnFrame(f *frame.Frame) {
	ws.mu.Lock()
	ws.latest = f
	ws.mu.Unlock()
}

// Latest returns the cached most recent frame, falling back to the store.
func (ws *WebServer) Latest() *frame.Frame {
	ws.mu.Lock()
	f := ws.latest
	ws.mu.Unlock()
	if f != nil {
		return f
	}

	stored, err := ws.db.LatestFrame()
	if err != nil || stored == nil {
		return nil
	}
	return &frame.Frame{
		FrameID:     stored.FrameID,
		Cookie:      stored.Cookie,
		XCount:      stored.XCount,
		YCount:      stored.YCount,
		Pixels:      stored.Pixels,
		Partial:     stored.Partial,
		StartedAt:   stored.StartedAt,
		CompletedAt: stored.CompletedAt,
	}
}

// ServeMux returns the monitor's route table.
func (ws *WebServer) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/sessions", ws.handleListSessions)
	mux.HandleFunc("/frames", ws.handleListFrames)
	mux.HandleFunc("/frames/latest", ws.handleLatestFrame)
	mux.HandleFunc("/debug/frame/latest", ws.handleLatestHeatmap)
	mux.HandleFunc("/debug/frame/latest.png", ws.handleLatestPNG)
	return mux
}

func (ws *WebServer) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("monitor: failed to encode response: %v", err)
	}
}

func (ws *WebServer) writeJSONError(w http.ResponseWriter, status int, msg string) {
	ws.writeJSON(w, status, map[string]string{"error": msg})
}

type sessionJSON struct {
	SessionID string     `json:"session_id"`
	Mode      string     `json:"mode"`
	Notes     string     `json:"notes,omitempty"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
}

func (ws *WebServer) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := ws.db.ListSessions(50)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionJSON{
			SessionID: s.SessionID,
			Mode:      s.Mode,
			Notes:     s.Notes,
			StartedAt: s.StartedAt,
			EndedAt:   s.EndedAt,
		})
	}
	ws.writeJSON(w, http.StatusOK, out)
}

type frameSummaryJSON struct {
	FrameID     string    `json:"frame_id"`
	SessionID   string    `json:"session_id"`
	Cookie      uint16    `json:"cookie"`
	XCount      int       `json:"x_count"`
	YCount      int       `json:"y_count"`
	Partial     bool      `json:"partial"`
	CompletedAt time.Time `json:"completed_at"`
}

func (ws *WebServer) handleListFrames(w http.ResponseWriter, r *http.Request) {
	frames, err := ws.db.ListFrames(50)
	if err != nil {
		ws.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]frameSummaryJSON, 0, len(frames))
	for _, f := range frames {
		out = append(out, frameSummaryJSON{
			FrameID:     f.FrameID,
			SessionID:   f.SessionID,
			Cookie:      f.Cookie,
			XCount:      f.XCount,
			YCount:      f.YCount,
			Partial:     f.Partial,
			CompletedAt: f.CompletedAt,
		})
	}
	ws.writeJSON(w, http.StatusOK, out)
}

type latestFrameJSON struct {
	FrameID     string     `json:"frame_id"`
	Cookie      uint16     `json:"cookie"`
	XCount      int        `json:"x_count"`
	YCount      int        `json:"y_count"`
	Partial     bool       `json:"partial"`
	PixelCount  int        `json:"pixel_count"`
	Stats       FrameStats `json:"stats"`
	CompletedAt time.Time  `json:"completed_at"`
}

func (ws *WebServer) handleLatestFrame(w http.ResponseWriter, r *http.Request) {
	f := ws.Latest()
	if f == nil {
		ws.writeJSONError(w, http.StatusNotFound, "no frames captured yet")
		return
	}
	ws.writeJSON(w, http.StatusOK, latestFrameJSON{
		FrameID:     f.FrameID,
		Cookie:      f.Cookie,
		XCount:      f.XCount,
		YCount:      f.YCount,
		Partial:     f.Partial,
		PixelCount:  len(f.Pixels),
		Stats:       ComputeStats(f.Pixels),
		CompletedAt: f.CompletedAt,
	})
}
