package analysis

import (
	"testing"
	"time"

	"github.com/kestrel-auto/obdsim/internal/capture"
)

func rpmFrame(rpm uint16) []byte {
	return []byte{0x04, 0x41, 0x0C, byte(rpm >> 8), byte(rpm)}
}

func speedFrame(speed byte) []byte {
	return []byte{0x03, 0x41, 0x0D, speed}
}

func buildSession(t *testing.T) *capture.Session {
	t.Helper()
	s := capture.NewSession("1HGCM82633A004352")
	base := time.Now()

	s.AddFrame(capture.Frame{Timestamp: base, ID: 0x7E8, Data: rpmFrame(800 * 4)})
	s.AddFrame(capture.Frame{Timestamp: base, ID: 0x7E8, Data: speedFrame(0)})

	speeds := []byte{60, 90, 95, 60, 40}
	for i, speed := range speeds {
		ts := base.Add(time.Duration(i+1) * 4 * time.Second)
		s.AddFrame(capture.Frame{Timestamp: ts, ID: 0x7E8, Data: rpmFrame(uint16((2000 + i*200) * 4))})
		s.AddFrame(capture.Frame{Timestamp: ts, ID: 0x7E8, Data: speedFrame(speed)})
	}
	s.EndTime = base.Add(25 * time.Second)
	return s
}

func TestAnalyzeComputesStats(t *testing.T) {
	session := buildSession(t)
	a, err := Analyze(session, DefaultOptions())
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if a.Speed.Count == 0 {
		t.Fatal("expected decoded speed samples")
	}
	if a.Speed.Max <= a.Speed.Min {
		t.Fatalf("expected speed to vary across samples, got min=%v max=%v", a.Speed.Min, a.Speed.Max)
	}
	if a.RPM.Max <= 800 {
		t.Fatalf("expected rpm max above idle, got %v", a.RPM.Max)
	}
}

func TestAnalyzeRejectsEmptySession(t *testing.T) {
	if _, err := Analyze(capture.NewSession("1HGCM82633A004352"), DefaultOptions()); err == nil {
		t.Fatal("expected error analyzing a session with no frames")
	}
}

func TestAnalyzeSegmentsAccelerationPhase(t *testing.T) {
	session := buildSession(t)
	opts := DefaultOptions()
	opts.MinPhaseTime = time.Second
	a, err := Analyze(session, opts)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	var sawAccel bool
	for _, p := range a.Phases {
		if p.Kind == "accelerating" {
			sawAccel = true
		}
	}
	if !sawAccel {
		t.Fatalf("expected at least one accelerating phase, got %+v", a.Phases)
	}
}
