package monitor

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nanographs/scan-generator/internal/frame"
	"github.com/nanographs/scan-generator/internal/scandb"
)

func testServer(t *testing.T) (*WebServer, *scandb.DB) {
	t.Helper()
	db, err := scandb.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewWebServer(db), db
}

func testFrame() *frame.Frame {
	now := time.Now().UTC()
	return &frame.Frame{
		FrameID:     "frame-test",
		Cookie:      0x0123,
		XCount:      4,
		YCount:      2,
		Pixels:      []uint16{0, 1, 2, 3, 0, 1, 2, 3},
		StartedAt:   now.Add(-time.Second),
		CompletedAt: now,
	}
}

func TestComputeStats(t *testing.T) {
	stats := ComputeStats([]uint16{2, 4, 6})
	require.InDelta(t, 4.0, stats.Mean, 1e-9)
	require.InDelta(t, 2.0, stats.StdDev, 1e-9)
	require.Equal(t, uint16(2), stats.Min)
	require.Equal(t, uint16(6), stats.Max)
}

func TestComputeStatsEmpty(t *testing.T) {
	stats := ComputeStats(nil)
	require.Zero(t, stats.Min)
	require.Zero(t, stats.Max)
	require.False(t, math.IsNaN(stats.Mean))
}

func TestLatestFallsBackToStore(t *testing.T) {
	ws, db := testServer(t)

	require.Nil(t, ws.Latest())

	sessionID, err := db.StartSession("sim", "")
	require.NoError(t, err)
	require.NoError(t, db.RecordFrame(sessionID, testFrame()))

	got := ws.Latest()
	require.NotNil(t, got)
	require.Equal(t, "frame-test", got.FrameID)
}

func TestHandleListFrames(t *testing.T) {
	ws, db := testServer(t)

	sessionID, err := db.StartSession("sim", "")
	require.NoError(t, err)
	require.NoError(t, db.RecordFrame(sessionID, testFrame()))

	rec := httptest.NewRecorder()
	ws.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []frameSummaryJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "frame-test", got[0].FrameID)
	require.Equal(t, 4, got[0].XCount)
}

func TestHandleListSessions(t *testing.T) {
	ws, db := testServer(t)

	_, err := db.StartSession("sim", "test run")
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	ws.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sessions", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got []sessionJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	require.Equal(t, "sim", got[0].Mode)
}

func TestHandleLatestFrame(t *testing.T) {
	ws, _ := testServer(t)

	rec := httptest.NewRecorder()
	ws.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames/latest", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	ws.OnFrame(testFrame())

	rec = httptest.NewRecorder()
	ws.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/frames/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var got latestFrameJSON
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Equal(t, 8, got.PixelCount)
	require.InDelta(t, 1.5, got.Stats.Mean, 1e-9)
}

func TestHandleLatestHeatmap(t *testing.T) {
	ws, _ := testServer(t)
	ws.OnFrame(testFrame())

	rec := httptest.NewRecorder()
	ws.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/frame/latest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Header().Get("Content-Type"), "text/html")
	require.NotZero(t, rec.Body.Len())
}

func TestHandleLatestPNG(t *testing.T) {
	ws, _ := testServer(t)
	ws.OnFrame(testFrame())

	rec := httptest.NewRecorder()
	ws.ServeMux().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/debug/frame/latest.png", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	require.Equal(t, "\x89PNG", rec.Body.String()[:4])
}
