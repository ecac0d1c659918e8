package isotp

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/kestrel-auto/obdsim/internal/canbus"
)

// wirePair links two sessions through a shared VirtualBus, each
// session's endpoint filtering out everything but frames from its
// declared peer -- exactly as a production dispatcher would.
func wirePair(t *testing.T, aSelf, aPeer uint32) (a, b *Session, stop func()) {
	t.Helper()
	wire := canbus.NewVirtualBus()
	epA := wire.NewEndpoint()
	epB := wire.NewEndpoint()

	a = NewSession(epA, aSelf, aPeer, nil)
	b = NewSession(epB, aPeer, aSelf, nil)

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(2)
	go pumpInto(epA, a, done, &wg)
	go pumpInto(epB, b, done, &wg)

	stop = func() {
		close(done)
		wg.Wait()
		a.Close()
		b.Close()
	}
	return a, b, stop
}

func pumpInto(ep canbus.Bus, s *Session, done chan struct{}, wg *sync.WaitGroup) {
	defer wg.Done()
	for {
		f, ok := ep.Recv(done)
		if !ok {
			return
		}
		if f.ID != s.peerID {
			continue
		}
		s.HandleFrame(f)
	}
}

func TestRoundTripSingleFrame(t *testing.T) {
	a, b, stop := wirePair(t, 0x7E0, 0x7E8)
	defer stop()

	payload := []byte{0x01, 0x0C}
	if err := a.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-b.Received():
		if !bytes.Equal(got, payload) {
			t.Fatalf("got %X want %X", got, payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRoundTripMultiFrame(t *testing.T) {
	a, b, stop := wirePair(t, 0x7E0, 0x7E8)
	defer stop()

	payload := make([]byte, 100)
	for i := range payload {
		payload[i] = byte(i)
	}
	if err := a.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-b.Received():
		if !bytes.Equal(got, payload) {
			t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestRoundTripMaxPayload(t *testing.T) {
	a, b, stop := wirePair(t, 0x7E0, 0x7E8)
	defer stop()

	payload := make([]byte, MaxPayload)
	for i := range payload {
		payload[i] = byte(i % 251)
	}
	if err := a.Send(payload); err != nil {
		t.Fatalf("send: %v", err)
	}

	select {
	case got := <-b.Received():
		if !bytes.Equal(got, payload) {
			t.Fatalf("reassembled payload mismatch: got %d bytes, want %d", len(got), len(payload))
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestSingleFrameZeroLengthInvalid(t *testing.T) {
	_, err := decodeSingleFrame(0x00)
	if err == nil {
		t.Fatal("expected error for zero-length single frame")
	}
}

func TestSequenceMismatchAbortsTransfer(t *testing.T) {
	wire := canbus.NewVirtualBus()
	epB := wire.NewEndpoint()
	b := NewSession(epB, 0x7E8, 0x7E0, nil)
	defer b.Close()

	ff := canbus.NewFrame(0x7E0, []byte{0x10, 0x0A, 1, 2, 3, 4, 5, 6})
	b.HandleFrame(ff)

	badCF := canbus.NewFrame(0x7E0, []byte{0x22, 7, 8, 9, 10})
	b.HandleFrame(badCF)

	select {
	case <-b.Received():
		t.Fatal("expected no delivery after sequence mismatch")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestStMinDecoding(t *testing.T) {
	cases := []struct {
		raw  byte
		want int64
	}{
		{0x00, 0},
		{0x0A, 10 * 1_000_000},
		{0x7F, 127 * 1_000_000},
		{0xF1, 100_000},
		{0xF9, 900_000},
		{0xFA, 0},
	}
	for _, c := range cases {
		if got := stMinNanos(c.raw); got != c.want {
			t.Errorf("stMinNanos(0x%02X) = %d, want %d", c.raw, got, c.want)
		}
	}
}
