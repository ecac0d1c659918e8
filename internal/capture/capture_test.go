package capture

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/kestrel-auto/obdsim/internal/canbus"
)

func TestRecorderObservesOnlyWhileRunning(t *testing.T) {
	r := NewRecorder("1HGCM82633A004352")
	r.Observe(canbus.NewFrame(0x7E8, []byte{0x03, 0x41, 0x00}))
	if len(r.session.Frames) != 0 {
		t.Fatal("expected no frames recorded before Start")
	}

	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Observe(canbus.NewFrame(0x7E8, []byte{0x03, 0x41, 0x00}))
	if len(r.session.Frames) != 1 {
		t.Fatalf("expected 1 frame recorded, got %d", len(r.session.Frames))
	}
	if err := r.Start(); err == nil {
		t.Fatal("expected error starting an already-running recorder")
	}
}

func TestRecorderStopSavesSession(t *testing.T) {
	r := NewRecorder("1HGCM82633A004352")
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Observe(canbus.NewFrame(0x7DF, []byte{0x02, 0x01, 0x00}))

	path := filepath.Join(t.TempDir(), "session.json")
	if err := r.Stop(path); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if r.IsRunning() {
		t.Fatal("expected recorder stopped")
	}

	loaded, err := LoadSession(path)
	if err != nil {
		t.Fatalf("LoadSession: %v", err)
	}
	if len(loaded.Frames) != 1 || loaded.Frames[0].ID != 0x7DF {
		t.Fatalf("unexpected loaded session: %+v", loaded)
	}
}

func TestReplayerSendsEveryFrame(t *testing.T) {
	session := NewSession("1HGCM82633A004352")
	base := time.Now()
	session.AddFrame(Frame{Timestamp: base, ID: 0x7DF, Data: []byte{0x02, 0x01, 0x00}})
	session.AddFrame(Frame{Timestamp: base.Add(10 * time.Millisecond), ID: 0x7DF, Data: []byte{0x02, 0x01, 0x0C}})

	replayer := NewReplayer(session)
	replayer.SetSpeed(1000) // fast-forward so the test doesn't sleep
	vb := canbus.NewVirtualBus()
	sender := vb.NewEndpoint()
	receiver := vb.NewEndpoint()

	stop := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- replayer.Play(sender, stop) }()

	done := make(chan struct{})
	time.AfterFunc(time.Second, func() { close(done) })
	count := 0
	for count < 2 {
		if _, ok := receiver.Recv(done); !ok {
			t.Fatalf("timed out waiting for replayed frame %d", count)
		}
		count++
	}
	if err := <-errCh; err != nil {
		t.Fatalf("Play: %v", err)
	}
	if replayer.Progress() != 1.0 {
		t.Fatalf("expected progress 1.0 after full replay, got %v", replayer.Progress())
	}
}

func TestReplayerRejectsEmptySession(t *testing.T) {
	replayer := NewReplayer(NewSession("1HGCM82633A004352"))
	vb := canbus.NewVirtualBus()
	if err := replayer.Play(vb.NewEndpoint(), make(chan struct{})); err == nil {
		t.Fatal("expected error replaying an empty session")
	}
}
