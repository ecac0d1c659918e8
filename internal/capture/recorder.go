package capture

import (
	"fmt"
	"sync"
	"time"

	"github.com/kestrel-auto/obdsim/internal/canbus"
)

// Recorder taps a bus.Coordinator's observer hook and appends every
// frame it sees to the current session, adapted from the source
// project's capture/recorder.go (there: per-frame-type handler
// registration over an OBD2 serial stream; here: a single tap over
// raw CAN frames, since frame decoding is the ISO-TP/service layer's
// job, not the recorder's).
type Recorder struct {
	mu      sync.Mutex
	session *Session
	running bool
}

// NewRecorder creates a recorder for the given vehicle VIN. Call
// Start to begin tapping frames via Observe, and Stop to finalize and
// save the session.
func NewRecorder(vin string) *Recorder {
	return &Recorder{session: NewSession(vin)}
}

// Start begins accepting frames via Observe.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("capture: recorder already running")
	}
	r.running = true
	return nil
}

// Observe records one frame if the recorder is running; intended to
// be passed as a bus.Coordinator observer: coord.SetObserver(rec.Observe).
func (r *Recorder) Observe(f canbus.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.session.AddFrame(Frame{
		Timestamp: time.Now(),
		ID:        f.ID,
		Data:      append([]byte(nil), f.Payload()...),
	})
}

// SetMetadata records session metadata (profile path, scenario name).
func (r *Recorder) SetMetadata(key, value string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.session.SetMetadata(key, value)
}

// Stop ends recording and saves the session to path ("" for an
// auto-generated name under captures/).
func (r *Recorder) Stop(path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return fmt.Errorf("capture: recorder not running")
	}
	r.running = false
	return r.session.Save(path)
}

// IsRunning reports whether the recorder is currently capturing.
func (r *Recorder) IsRunning() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.running
}
