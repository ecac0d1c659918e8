package bus

import (
	"testing"
	"time"

	"github.com/kestrel-auto/obdsim/internal/canbus"
	"github.com/kestrel-auto/obdsim/internal/ecu"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

func newTestCoordinator(t *testing.T) (*Coordinator, canbus.Bus) {
	t.Helper()
	vb := canbus.NewVirtualBus()
	coord := New(vb.NewEndpoint(), nil)
	tester := vb.NewEndpoint()
	sim := vehiclesim.NewSimulator(vehiclesim.DefaultProfile(), 1)

	coord.AddECU(ecu.New(ecu.Identity{Name: "engine", RequestID: 0x7E0, ResponseID: 0x7E8, DTCPrefix: "P0"}, vb.NewEndpoint(), sim, nil))
	coord.AddECU(ecu.New(ecu.Identity{Name: "transmission", RequestID: 0x7E1, ResponseID: 0x7E9, DTCPrefix: "P07"}, vb.NewEndpoint(), sim, nil))

	go coord.Run()
	t.Cleanup(coord.Close)
	return coord, tester
}

func recvWithTimeout(t *testing.T, b canbus.Bus) (canbus.Frame, bool) {
	t.Helper()
	done := make(chan struct{})
	time.AfterFunc(500*time.Millisecond, func() { close(done) })
	return b.Recv(done)
}

func TestFunctionalRequestReachesEveryECU(t *testing.T) {
	_, tester := newTestCoordinator(t)

	req := canbus.NewFrame(FunctionalRequestID, []byte{0x02, 0x01, 0x00})
	if err := tester.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	seen := make(map[uint32]bool)
	for i := 0; i < 2; i++ {
		f, ok := recvWithTimeout(t, tester)
		if !ok {
			t.Fatalf("timed out waiting for response %d", i)
		}
		seen[f.ID] = true
	}
	if !seen[0x7E8] || !seen[0x7E9] {
		t.Fatalf("expected responses from both ECUs, got %v", seen)
	}
}

func TestPhysicalRequestReachesOnlyMatchingECU(t *testing.T) {
	_, tester := newTestCoordinator(t)

	req := canbus.NewFrame(0x7E0, []byte{0x02, 0x01, 0x00})
	if err := tester.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	f, ok := recvWithTimeout(t, tester)
	if !ok {
		t.Fatal("timed out waiting for response")
	}
	if f.ID != 0x7E8 {
		t.Fatalf("expected response only from 0x7E8, got %03X", f.ID)
	}

	if _, ok := recvWithTimeout(t, tester); ok {
		t.Fatal("expected no second response for a physically-addressed request")
	}
}

func TestObserverSeesRoutedFrames(t *testing.T) {
	coord, tester := newTestCoordinator(t)

	var observed []canbus.Frame
	done := make(chan struct{})
	coord.SetObserver(func(f canbus.Frame) {
		observed = append(observed, f)
		select {
		case <-done:
		default:
			close(done)
		}
	})

	req := canbus.NewFrame(0x7E0, []byte{0x02, 0x01, 0x00})
	if err := tester.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("observer was never called")
	}
	if len(observed) == 0 {
		t.Fatal("expected at least one observed frame")
	}
}

func TestECULookupByName(t *testing.T) {
	coord, _ := newTestCoordinator(t)
	if _, ok := coord.ECU("engine"); !ok {
		t.Fatal("expected to find registered ECU \"engine\"")
	}
	if _, ok := coord.ECU("nonexistent"); ok {
		t.Fatal("expected lookup miss for unregistered ECU")
	}
	if len(coord.ECUs()) != 2 {
		t.Fatalf("expected 2 registered ECUs, got %d", len(coord.ECUs()))
	}
}
