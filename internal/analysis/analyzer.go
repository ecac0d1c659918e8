// Package analysis computes drive-cycle statistics over a captured
// session: RPM/speed/coolant summaries and driving-phase segmentation.
// It exists to validate that the readiness-monitor drive cycle in
// vehiclesim actually exercises the monitors it claims to, and to give
// a regression harness something to assert on besides raw bytes.
// Adapted from the source project's internal/analysis/analyzer.go,
// generalized from OBD2-sample decoding to decoding raw captured CAN
// frames via the obd package's wire layout.
package analysis

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/kestrel-auto/obdsim/internal/capture"
)

// Options configures phase segmentation thresholds.
type Options struct {
	RapidAccelThreshold float64 // km/h per second
	RapidDecelThreshold float64 // km/h per second, negative
	IdleSpeedThreshold  float64 // km/h
	MinPhaseTime        time.Duration
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		RapidAccelThreshold: 10.0,
		RapidDecelThreshold: -8.0,
		IdleSpeedThreshold:  3.0,
		MinPhaseTime:        3 * time.Second,
	}
}

// Phase is one contiguous segment of driving behavior.
type Phase struct {
	Kind      string // "idle", "accelerating", "decelerating", "cruise"
	Start     time.Time
	End       time.Time
	AvgSpeed  float64
	MaxSpeed  float64
}

// Analysis is the computed result of analyzing one session.
type Analysis struct {
	StartTime   time.Time
	EndTime     time.Time
	Duration    time.Duration
	TotalFrames int

	RPM     Stats
	Speed   Stats
	Coolant Stats

	Phases []Phase

	// RunningSamples is a readiness-monitor-relevant sample count:
	// the number of samples where the engine was observed running,
	// used to sanity-check that a session actually exercised enough
	// drive time for the readiness monitors to complete.
	RunningSamples int
}

// Stats is a simple summary of one numeric series.
type Stats struct {
	Min, Max, Avg float64
	Count         int
}

func newStats(values []float64) Stats {
	if len(values) == 0 {
		return Stats{}
	}
	s := Stats{Min: math.MaxFloat64, Max: -math.MaxFloat64}
	var sum float64
	for _, v := range values {
		if v < s.Min {
			s.Min = v
		}
		if v > s.Max {
			s.Max = v
		}
		sum += v
	}
	s.Count = len(values)
	s.Avg = sum / float64(len(values))
	return s
}

// sample is one decoded Mode 01 current-data point pulled out of a
// capture session's frames.
type sample struct {
	t       time.Time
	rpm     float64
	speed   float64
	coolant float64
	running bool
}

// Analyze decodes Mode 01 responses (service byte 0x41) out of the
// session's captured frames and computes summary statistics plus a
// driving-phase segmentation. Frames that aren't single-frame Mode 01
// responses for a PID this analyzer understands are ignored; ISO-TP
// reassembly for multi-frame responses is out of scope for offline
// analysis of a raw frame capture.
func Analyze(session *capture.Session, opts Options) (*Analysis, error) {
	if len(session.Frames) == 0 {
		return nil, fmt.Errorf("analysis: session has no frames")
	}

	samples, err := decodeSamples(session.Frames)
	if err != nil {
		return nil, err
	}

	a := &Analysis{
		StartTime:   session.StartTime,
		EndTime:     session.EndTime,
		Duration:    session.EndTime.Sub(session.StartTime),
		TotalFrames: len(session.Frames),
	}

	var rpms, speeds, coolants []float64
	for _, s := range samples {
		rpms = append(rpms, s.rpm)
		speeds = append(speeds, s.speed)
		coolants = append(coolants, s.coolant)
		if s.running {
			a.RunningSamples++
		}
	}
	a.RPM = newStats(rpms)
	a.Speed = newStats(speeds)
	a.Coolant = newStats(coolants)
	a.Phases = segmentPhases(samples, opts)
	return a, nil
}

// decodeSamples extracts whatever PID 0C (RPM), PID 0D (speed), and
// PID 05 (coolant) single-frame Mode 01 responses it finds, keyed by
// frame timestamp.
func decodeSamples(frames []capture.Frame) ([]sample, error) {
	byTime := make(map[int64]*sample)
	order := make([]int64, 0)

	for _, f := range frames {
		if len(f.Data) < 3 || f.Data[0]>>4 != 0 || f.Data[0]&0x0F < 2 || f.Data[1] != 0x41 {
			continue
		}
		pid := f.Data[2]
		if pid != 0x0C && pid != 0x0D && pid != 0x05 {
			continue
		}
		key := f.Timestamp.UnixNano()
		s, ok := byTime[key]
		if !ok {
			s = &sample{t: f.Timestamp}
			byTime[key] = s
			order = append(order, key)
		}
		switch pid {
		case 0x0C:
			if len(f.Data) >= 5 {
				s.rpm = float64(binary.BigEndian.Uint16(f.Data[3:5])) / 4
				s.running = s.rpm > 0
			}
		case 0x0D:
			if len(f.Data) >= 4 {
				s.speed = float64(f.Data[3])
			}
		case 0x05:
			if len(f.Data) >= 4 {
				s.coolant = float64(f.Data[3]) - 40
			}
		}
	}

	out := make([]sample, 0, len(order))
	for _, k := range order {
		out = append(out, *byTime[k])
	}
	return out, nil
}

func segmentPhases(samples []sample, opts Options) []Phase {
	if len(samples) == 0 {
		return nil
	}
	var phases []Phase
	kindOf := func(prevSpeed, speed float64, dt float64) string {
		if speed <= opts.IdleSpeedThreshold {
			return "idle"
		}
		if dt <= 0 {
			return "cruise"
		}
		rate := (speed - prevSpeed) / dt
		switch {
		case rate >= opts.RapidAccelThreshold:
			return "accelerating"
		case rate <= opts.RapidDecelThreshold:
			return "decelerating"
		default:
			return "cruise"
		}
	}

	cur := Phase{Kind: "idle", Start: samples[0].t, AvgSpeed: samples[0].speed, MaxSpeed: samples[0].speed}
	sum := samples[0].speed
	n := 1
	prevSpeed := samples[0].speed
	prevT := samples[0].t

	flush := func(end time.Time) {
		cur.End = end
		cur.AvgSpeed = sum / float64(n)
		if cur.End.Sub(cur.Start) >= opts.MinPhaseTime {
			phases = append(phases, cur)
		}
	}

	for _, s := range samples[1:] {
		dt := s.t.Sub(prevT).Seconds()
		k := kindOf(prevSpeed, s.speed, dt)
		if k != cur.Kind {
			flush(s.t)
			cur = Phase{Kind: k, Start: s.t, MaxSpeed: s.speed}
			sum, n = 0, 0
		}
		sum += s.speed
		n++
		if s.speed > cur.MaxSpeed {
			cur.MaxSpeed = s.speed
		}
		prevSpeed = s.speed
		prevT = s.t
	}
	flush(prevT)
	return phases
}
