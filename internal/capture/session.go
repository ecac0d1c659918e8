// Package capture records every CAN frame crossing the bus
// coordinator, as raw arbitration ID and data bytes (no ISO-TP
// reassembly or service decoding is done), to a session that can be
// saved to disk and replayed back through the bus for regression
// testing -- directly serving spec.md's stated purpose of letting
// diagnostic tooling be "developed and regression-tested without real
// hardware". Adapted from the source project's capture/session.go,
// generalized from an OBD2-over-serial frame log to raw CAN frames.
package capture

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Frame is one captured CAN frame. Service is an optional label that
// is kept when a session file carries it; the Recorder leaves it empty.
type Frame struct {
	Timestamp time.Time `json:"timestamp"`
	ID        uint32    `json:"id"`
	Data      []byte    `json:"data"`
	Service   string    `json:"service,omitempty"`
}

// Session is a captured sequence of bus traffic plus metadata
// identifying the vehicle profile it was recorded against.
type Session struct {
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	VIN       string            `json:"vin"`
	Frames    []Frame           `json:"frames"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	filePath string
}

// NewSession creates an empty capture session for the given vehicle
// identification number.
func NewSession(vin string) *Session {
	return &Session{
		StartTime: time.Now(),
		VIN:       vin,
		Frames:    make([]Frame, 0),
		Metadata:  make(map[string]string),
	}
}

// AddFrame appends one captured frame.
func (s *Session) AddFrame(f Frame) {
	s.Frames = append(s.Frames, f)
}

// SetMetadata records a free-form key/value pair alongside the
// session (e.g. the profile file path, the scenario name under test).
func (s *Session) SetMetadata(key, value string) {
	s.Metadata[key] = value
}

// Save writes the session as indented JSON to path, creating parent
// directories as needed. If path is empty, a timestamped name under
// "captures/" is generated.
func (s *Session) Save(path string) error {
	if path == "" {
		path = filepath.Join("captures", fmt.Sprintf("session_%s.json", time.Now().Format("20060102_150405")))
	}
	s.filePath = path
	s.EndTime = time.Now()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("capture: create directory: %w", err)
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("capture: marshal session: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("capture: write session file: %w", err)
	}
	return nil
}

// LoadSession reads a previously saved session back from disk.
func LoadSession(path string) (*Session, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("capture: read session file: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("capture: parse session file: %w", err)
	}
	s.filePath = path
	return &s, nil
}
