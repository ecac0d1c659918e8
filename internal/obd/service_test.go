package obd

import (
	"testing"

	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

func newTestHandler() *Handler {
	sim := vehiclesim.NewSimulator(vehiclesim.DefaultProfile(), 1)
	return &Handler{Sim: sim, DTC: dtc.NewManager()}
}

func TestMode01RPMRoundTrips(t *testing.T) {
	h := newTestHandler()
	p := 80.0
	h.Sim.SetParams(vehiclesim.VehicleParams{RPM: &p})

	resp, err := h.Handle(ModeCurrentData, []byte{byte(PIDRPM)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(resp) != 4 || resp[0] != 0x41 || resp[1] != byte(PIDRPM) {
		t.Fatalf("unexpected response header: % X", resp)
	}
	if got := float64(uint16(resp[2])<<8|uint16(resp[3])) / 4; got != p {
		t.Fatalf("expected rpm %.0f to round-trip, got %.2f", p, got)
	}
}

func TestMode01BatchesMultiplePIDs(t *testing.T) {
	h := newTestHandler()
	p := 80.0
	h.Sim.SetParams(vehiclesim.VehicleParams{RPM: &p})

	resp, err := h.Handle(ModeCurrentData, []byte{byte(PIDRPM), byte(PIDCoolantTemp)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	// 0x41 + (PID RPM, 2 data bytes) + (PID coolant, 1 data byte)
	if len(resp) != 1+3+2 {
		t.Fatalf("expected concatenated blocks for both pids, got % X", resp)
	}
	if resp[0] != 0x41 || resp[1] != byte(PIDRPM) || resp[4] != byte(PIDCoolantTemp) {
		t.Fatalf("unexpected batched response: % X", resp)
	}
}

func TestMode01UnsupportedPIDReturnsNegativeResponse(t *testing.T) {
	h := newTestHandler()
	_, err := h.Handle(ModeCurrentData, []byte{0x7F})
	if err == nil {
		t.Fatal("expected error for unsupported pid")
	}
}

func TestMode03ListsConfirmedCodes(t *testing.T) {
	h := newTestHandler()
	h.DTC.Inject("P0420", "Catalyst System Efficiency Below Threshold", true, true, nil)

	resp, err := h.Handle(ModeStoredDTCs, nil)
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if resp[0] != 0x43 || resp[1] != 1 {
		t.Fatalf("expected one stored dtc, got % X", resp)
	}
	got := dtc.CodeFromBytes(resp[2], resp[3])
	if got != "P0420" {
		t.Fatalf("expected P0420, got %s", got)
	}
}

func TestMode04ClearsConfirmedButNotPermanent(t *testing.T) {
	h := newTestHandler()
	h.DTC.Inject("P0420", "Catalyst System Efficiency Below Threshold", true, true, nil)
	for i := 0; i < dtc.DefaultConfirmThreshold+dtc.DefaultPermanentThreshold; i++ {
		h.DTC.Observe("P0301", true, "Cylinder 1 Misfire Detected", true, true, false, nil)
	}

	if _, err := h.Handle(ModeClearDTCs, nil); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, ok := h.DTC.Get("P0420"); ok {
		t.Fatal("expected clear to remove confirmed code")
	}
	if rec, ok := h.DTC.Get("P0301"); !ok || rec.State != dtc.Permanent {
		t.Fatalf("expected clear to keep permanent code, got %+v", rec)
	}
}

func TestMode09ReturnsProfileVIN(t *testing.T) {
	h := newTestHandler()
	resp, err := h.Handle(ModeVehicleInfo, []byte{0x02})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	vin := string(resp[3:])
	if vin != h.Sim.VIN() {
		t.Fatalf("expected vin %q, got %q", h.Sim.VIN(), vin)
	}
}
