package capture

import (
	"fmt"
	"log"
	"time"

	"github.com/kestrel-auto/obdsim/internal/canbus"
)

// Replayer plays a captured Session's frames back onto a canbus.Bus at
// real-time or scaled speed, adapted from the source project's
// capture/replay.go (there: a generic FrameHandler callback over
// decoded OBD2 samples; here: frames are sent directly onto a
// canbus.Bus so a captured session can drive the same ECUs that
// recorded it, for deterministic regression testing).
type Replayer struct {
	session      *Session
	speed        float64
	currentFrame int
}

// NewReplayer creates a replayer at real-time speed (1.0).
func NewReplayer(session *Session) *Replayer {
	return &Replayer{session: session, speed: 1.0}
}

// SetSpeed sets the playback speed multiplier; values <= 0 fall back
// to 1.0.
func (r *Replayer) SetSpeed(speed float64) {
	if speed <= 0 {
		log.Printf("capture: invalid replay speed %v, using 1.0", speed)
		speed = 1.0
	}
	r.speed = speed
}

// Play sends every frame in the session onto wire, honoring the
// original inter-frame timing scaled by speed. It returns once the
// last frame has been sent or stop is closed.
func (r *Replayer) Play(wire canbus.Bus, stop <-chan struct{}) error {
	if len(r.session.Frames) == 0 {
		return fmt.Errorf("capture: session has no frames to replay")
	}

	playbackStart := time.Now()
	sessionStart := r.session.Frames[0].Timestamp

	for i, f := range r.session.Frames {
		select {
		case <-stop:
			return nil
		default:
		}
		targetDelay := time.Duration(float64(f.Timestamp.Sub(sessionStart)) / r.speed)
		actualDelay := time.Since(playbackStart)
		if actualDelay < targetDelay {
			time.Sleep(targetDelay - actualDelay)
		}

		if err := wire.Send(canbus.NewFrame(f.ID, f.Data)); err != nil {
			return fmt.Errorf("capture: replay frame %d: %w", i, err)
		}
		r.currentFrame = i + 1
	}
	return nil
}

// Progress returns how far through the session playback has reached,
// in [0, 1].
func (r *Replayer) Progress() float64 {
	if len(r.session.Frames) == 0 {
		return 0
	}
	return float64(r.currentFrame) / float64(len(r.session.Frames))
}
