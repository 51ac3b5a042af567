// Package scandb persists scan sessions and completed frames in sqlite.
package scandb

import (
	"database/sql"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nanographs/scan-generator/internal/frame"
)

// DB wraps the sqlite handle with scan-specific operations.
type DB struct {
	*sql.DB
}

// Open opens (or creates) the database at path and applies any pending
// schema migrations. Use ":memory:" for an ephemeral database in tests.
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %q: %w", path, err)
	}

	db := &DB{sqldb}
	if err := db.MigrateUp(); err != nil {
		sqldb.Close()
		return nil, err
	}
	return db, nil
}

// Session describes one connection to the instrument.
type Session struct {
	SessionID string
	Mode      string // "serial", "sim", ...
	Notes     string
	StartedAt time.Time
	EndedAt   *time.Time
}

// StoredFrame is a frame row together with its decoded pixels.
type StoredFrame struct {
	FrameID     string
	SessionID   string
	Cookie      uint16
	XCount      int
	YCount      int
	Partial     bool
	Pixels      []uint16
	StartedAt   time.Time
	CompletedAt time.Time
}

// StartSession records the beginning of a session and returns its ID.
func (db *DB) StartSession(mode, notes string) (string, error) {
	id := uuid.NewString()
	_, err := db.Exec(
		`INSERT INTO sessions (session_id, mode, notes, started_at) VALUES (?, ?, ?, ?)`,
		id, mode, notes, time.Now().UTC(),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert session: %w", err)
	}
	return id, nil
}

// EndSession marks a session as finished.
func (db *DB) EndSession(sessionID string) error {
	_, err := db.Exec(
		`UPDATE sessions SET ended_at = ? WHERE session_id = ?`,
		time.Now().UTC(), sessionID,
	)
	if err != nil {
		return fmt.Errorf("failed to end session %s: %w", sessionID, err)
	}
	return nil
}

// RecordFrame stores a completed frame under the given session.
func (db *DB) RecordFrame(sessionID string, f *frame.Frame) error {
	_, err := db.Exec(
		`INSERT INTO frames (frame_id, session_id, cookie, x_count, y_count, partial, pixels, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		f.FrameID, sessionID, f.Cookie, f.XCount, f.YCount, f.Partial,
		encodePixels(f.Pixels), f.StartedAt.UTC(), f.CompletedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to insert frame %s: %w", f.FrameID, err)
	}
	return nil
}

// GetFrame loads one frame by ID.
func (db *DB) GetFrame(frameID string) (*StoredFrame, error) {
	row := db.QueryRow(
		`SELECT frame_id, session_id, cookie, x_count, y_count, partial, pixels, started_at, completed_at
		 FROM frames WHERE frame_id = ?`, frameID)
	return scanFrame(row)
}

// LatestFrame loads the most recently completed frame, or nil when the
// database holds none.
func (db *DB) LatestFrame() (*StoredFrame, error) {
	row := db.QueryRow(
		`SELECT frame_id, session_id, cookie, x_count, y_count, partial, pixels, started_at, completed_at
		 FROM frames ORDER BY completed_at DESC, rowid DESC LIMIT 1`)
	f, err := scanFrame(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return f, err
}

// ListSessions returns the most recent sessions, newest first.
func (db *DB) ListSessions(limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT session_id, mode, notes, started_at, ended_at
		 FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		var s Session
		if err := rows.Scan(&s.SessionID, &s.Mode, &s.Notes, &s.StartedAt, &s.EndedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// FrameSummary is a frame row without its pixel payload.
type FrameSummary struct {
	FrameID     string
	SessionID   string
	Cookie      uint16
	XCount      int
	YCount      int
	Partial     bool
	CompletedAt time.Time
}

// ListFrames returns summaries of the most recent frames, newest first.
func (db *DB) ListFrames(limit int) ([]FrameSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(
		`SELECT frame_id, session_id, cookie, x_count, y_count, partial, completed_at
		 FROM frames ORDER BY completed_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list frames: %w", err)
	}
	defer rows.Close()

	var out []FrameSummary
	for rows.Next() {
		var s FrameSummary
		var cookie int
		if err := rows.Scan(&s.FrameID, &s.SessionID, &cookie, &s.XCount, &s.YCount, &s.Partial, &s.CompletedAt); err != nil {
			return nil, err
		}
		s.Cookie = uint16(cookie)
		out = append(out, s)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFrame(row rowScanner) (*StoredFrame, error) {
	var f StoredFrame
	var cookie int
	var blob []byte
	err := row.Scan(&f.FrameID, &f.SessionID, &cookie, &f.XCount, &f.YCount, &f.Partial, &blob, &f.StartedAt, &f.CompletedAt)
	if err != nil {
		return nil, err
	}
	f.Cookie = uint16(cookie)
	f.Pixels = decodePixels(blob)
	return &f, nil
}

// encodePixels packs samples as big-endian 16-bit words, matching the wire
// format of the outbound image stream.
func encodePixels(pixels []uint16) []byte {
	b := make([]byte, 2*len(pixels))
	for i, p := range pixels {
		binary.BigEndian.PutUint16(b[2*i:], p)
	}
	return b
}

func decodePixels(b []byte) []uint16 {
	out := make([]uint16, len(b)/2)
	for i := range out {
		out[i] = binary.BigEndian.Uint16(b[2*i:])
	}
	return out
}
