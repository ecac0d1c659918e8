package datastore

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SQLiteStore implements Store with an embedded SQLite database,
// adapted from the source project's internal/datastore/sqlite.go: the
// same CREATE TABLE IF NOT EXISTS bootstrap style and fmt.Errorf
// wrapping, re-pointed at DTC events and capture-session records
// instead of vehicle/service-history rows.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if absent) a SQLite database at path
// and ensures its schema exists.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("datastore: open %s: %w", path, err)
	}
	s := &SQLiteStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initialize() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS dtc_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			ecu TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			code TEXT NOT NULL,
			state TEXT NOT NULL,
			occurrence INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dtc_events_ecu_time ON dtc_events(ecu, timestamp)`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			vin TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			rpm REAL, speed REAL, engine_load REAL,
			coolant_temp REAL, fuel_level REAL, battery_v REAL,
			mil INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_vin_time ON snapshots(vin, timestamp)`,
		`CREATE TABLE IF NOT EXISTS capture_sessions (
			path TEXT PRIMARY KEY,
			vin TEXT NOT NULL,
			frame_count INTEGER NOT NULL,
			recorded_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("datastore: create schema: %w", err)
		}
	}
	return nil
}

// SaveDTCEvent records one DTC lifecycle transition.
func (s *SQLiteStore) SaveDTCEvent(ecu string, event DTCEvent) error {
	_, err := s.db.Exec(
		`INSERT INTO dtc_events (ecu, timestamp, code, state, occurrence) VALUES (?, ?, ?, ?, ?)`,
		ecu, event.Timestamp, event.Code, event.State, event.Occurrence,
	)
	if err != nil {
		return fmt.Errorf("datastore: save dtc event: %w", err)
	}
	return nil
}

// ListDTCEvents returns events for ecu recorded since the given time.
func (s *SQLiteStore) ListDTCEvents(ecu string, since time.Time) ([]DTCEvent, error) {
	rows, err := s.db.Query(
		`SELECT timestamp, code, state, occurrence FROM dtc_events WHERE ecu = ? AND timestamp >= ? ORDER BY timestamp`,
		ecu, since,
	)
	if err != nil {
		return nil, fmt.Errorf("datastore: list dtc events: %w", err)
	}
	defer rows.Close()

	var out []DTCEvent
	for rows.Next() {
		var e DTCEvent
		if err := rows.Scan(&e.Timestamp, &e.Code, &e.State, &e.Occurrence); err != nil {
			return nil, fmt.Errorf("datastore: scan dtc event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// SaveSnapshot records one point-in-time vehicle snapshot.
func (s *SQLiteStore) SaveSnapshot(vin string, snap SnapshotPoint) error {
	mil := 0
	if snap.MIL {
		mil = 1
	}
	_, err := s.db.Exec(
		`INSERT INTO snapshots (vin, timestamp, rpm, speed, engine_load, coolant_temp, fuel_level, battery_v, mil)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		vin, snap.Timestamp, snap.RPM, snap.Speed, snap.EngineLoad, snap.CoolantTemp, snap.FuelLevel, snap.BatteryV, mil,
	)
	if err != nil {
		return fmt.Errorf("datastore: save snapshot: %w", err)
	}
	return nil
}

// LatestSnapshot returns the most recently saved snapshot for vin.
func (s *SQLiteStore) LatestSnapshot(vin string) (*SnapshotPoint, error) {
	row := s.db.QueryRow(
		`SELECT timestamp, rpm, speed, engine_load, coolant_temp, fuel_level, battery_v, mil
		 FROM snapshots WHERE vin = ? ORDER BY timestamp DESC LIMIT 1`,
		vin,
	)
	var p SnapshotPoint
	var mil int
	if err := row.Scan(&p.Timestamp, &p.RPM, &p.Speed, &p.EngineLoad, &p.CoolantTemp, &p.FuelLevel, &p.BatteryV, &mil); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("datastore: no snapshots for vin %s", vin)
		}
		return nil, fmt.Errorf("datastore: latest snapshot: %w", err)
	}
	p.MIL = mil != 0
	return &p, nil
}

// SaveCaptureSession indexes a capture session file.
func (s *SQLiteStore) SaveCaptureSession(path string, vin string, frameCount int, recordedAt time.Time) error {
	_, err := s.db.Exec(
		`INSERT OR REPLACE INTO capture_sessions (path, vin, frame_count, recorded_at) VALUES (?, ?, ?, ?)`,
		path, vin, frameCount, recordedAt,
	)
	if err != nil {
		return fmt.Errorf("datastore: save capture session: %w", err)
	}
	return nil
}

// ListCaptureSessions returns every indexed capture session.
func (s *SQLiteStore) ListCaptureSessions() ([]CaptureSessionRecord, error) {
	rows, err := s.db.Query(`SELECT path, vin, frame_count, recorded_at FROM capture_sessions ORDER BY recorded_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("datastore: list capture sessions: %w", err)
	}
	defer rows.Close()

	var out []CaptureSessionRecord
	for rows.Next() {
		var r CaptureSessionRecord
		if err := rows.Scan(&r.Path, &r.VIN, &r.FrameCount, &r.RecordedAt); err != nil {
			return nil, fmt.Errorf("datastore: scan capture session: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("datastore: close: %w", err)
	}
	return nil
}

var _ Store = (*SQLiteStore)(nil)
