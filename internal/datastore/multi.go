package datastore

import "time"

// MultiStore composes a primary Store, which owns DTC events and
// capture sessions, with additional stores that should mirror every
// snapshot write. This is how one daemon runs SQLite for DTC/session
// history and InfluxDB for long-run snapshot analysis side by side,
// without either backend knowing about the other.
type MultiStore struct {
	primary Store
	extra   []Store
}

// NewMultiStore wraps primary with zero or more additional stores that
// only receive SaveSnapshot calls; LatestSnapshot, DTC events, and
// capture sessions are always served from primary.
func NewMultiStore(primary Store, extra ...Store) *MultiStore {
	return &MultiStore{primary: primary, extra: extra}
}

func (m *MultiStore) SaveDTCEvent(ecu string, event DTCEvent) error {
	return m.primary.SaveDTCEvent(ecu, event)
}

func (m *MultiStore) ListDTCEvents(ecu string, since time.Time) ([]DTCEvent, error) {
	return m.primary.ListDTCEvents(ecu, since)
}

func (m *MultiStore) SaveSnapshot(vin string, snap SnapshotPoint) error {
	if err := m.primary.SaveSnapshot(vin, snap); err != nil {
		return err
	}
	for _, s := range m.extra {
		if err := s.SaveSnapshot(vin, snap); err != nil {
			return err
		}
	}
	return nil
}

func (m *MultiStore) LatestSnapshot(vin string) (*SnapshotPoint, error) {
	return m.primary.LatestSnapshot(vin)
}

func (m *MultiStore) SaveCaptureSession(path, vin string, frameCount int, recordedAt time.Time) error {
	return m.primary.SaveCaptureSession(path, vin, frameCount, recordedAt)
}

func (m *MultiStore) ListCaptureSessions() ([]CaptureSessionRecord, error) {
	return m.primary.ListCaptureSessions()
}

// Close closes every extra store before the primary, so a primary
// close error is the one the caller sees last.
func (m *MultiStore) Close() error {
	var err error
	for _, s := range m.extra {
		if cerr := s.Close(); cerr != nil {
			err = cerr
		}
	}
	if cerr := m.primary.Close(); cerr != nil {
		err = cerr
	}
	return err
}

var _ Store = (*MultiStore)(nil)
