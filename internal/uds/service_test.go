package uds

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	sim := vehiclesim.NewSimulator(vehiclesim.DefaultProfile(), 1)
	h := NewHandler(sim, dtc.NewManager())
	return h
}

func unlockSecurity(t *testing.T, h *Handler) {
	t.Helper()
	seedResp, err := h.Handle(ServiceSecurityAccess, []byte{0x01})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	seed := binary.BigEndian.Uint32(seedResp[2:6])
	key := seed ^ securityKeyMask
	keyBytes := make([]byte, 5)
	keyBytes[0] = 0x02
	binary.BigEndian.PutUint32(keyBytes[1:], key)
	if _, err := h.Handle(ServiceSecurityAccess, keyBytes); err != nil {
		t.Fatalf("send key: %v", err)
	}
}

func TestSessionControlReturnsP2Timings(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.Handle(ServiceDiagnosticSessionControl, []byte{byte(SessionExtendedDiag)})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	p2 := binary.BigEndian.Uint16(resp[2:4])
	p2star := binary.BigEndian.Uint16(resp[4:6])
	wantP2Star := uint16(p2StarDefault / p2StarWireUnit)
	if p2 != p2Default || p2star != wantP2Star {
		t.Fatalf("expected p2=%d p2star=%d, got p2=%d p2star=%d", p2Default, wantP2Star, p2, p2star)
	}
}

func TestSafetySessionRejectedFromDefault(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Handle(ServiceDiagnosticSessionControl, []byte{byte(sessionSafetySystem)})
	nr, ok := err.(*NegativeResponse)
	if !ok || nr.Code != NRCSubFunctionNotSupportedInActiveSess {
		t.Fatalf("expected NRC 0x7E, got %v", err)
	}
}

func TestSecurityAccessKeyXORSeed(t *testing.T) {
	h := newTestHandler(t)
	unlockSecurity(t, h)
	if h.security == 0 {
		t.Fatal("expected security unlocked")
	}
}

// TestSecurityAccessWrongKeyLocksOutOnFourthAttempt matches spec.md's
// worked example: a single seed request, followed by three wrong-key
// sends against that same seed each returning NRC 0x35, then a fourth
// attempt returning NRC 0x36.
func TestSecurityAccessWrongKeyLocksOutOnFourthAttempt(t *testing.T) {
	h := newTestHandler(t)
	seedResp, err := h.Handle(ServiceSecurityAccess, []byte{0x01})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	seed := binary.BigEndian.Uint32(seedResp[2:6])
	bad := make([]byte, 5)
	bad[0] = 0x02
	binary.BigEndian.PutUint32(bad[1:], seed^0xDEADBEEF)

	for i := 0; i < maxSecurityAttempts; i++ {
		_, err := h.Handle(ServiceSecurityAccess, bad)
		if nr, ok := err.(*NegativeResponse); !ok || nr.Code != NRCInvalidKey {
			t.Fatalf("attempt %d: expected invalid key, got %v", i, err)
		}
	}

	if _, err := h.Handle(ServiceSecurityAccess, bad); err == nil {
		t.Fatal("expected fourth attempt to fail")
	} else if nr, ok := err.(*NegativeResponse); !ok || nr.Code != NRCExceedNumberOfAttempts {
		t.Fatalf("expected exceeded attempts on fourth attempt, got %v", err)
	}

	_, err = h.Handle(ServiceSecurityAccess, []byte{0x01})
	if nr, ok := err.(*NegativeResponse); !ok || nr.Code != NRCExceedNumberOfAttempts {
		t.Fatalf("expected lockout still active, got %v", err)
	}
}

func TestRoutineControlReportsRunningThenCompleted(t *testing.T) {
	h := newTestHandler(t)
	base := time.Now()
	h.now = func() time.Time { return base }

	routine := []byte{0x02, 0x03} // routine ID 0x0203
	start := append([]byte{0x01}, routine...)
	resp, err := h.Handle(ServiceRoutineControl, start)
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if resp[4] != byte(routineStatusRunning) {
		t.Fatalf("expected running status on start, got %v", resp)
	}

	result := append([]byte{0x03}, routine...)
	resp, err = h.Handle(ServiceRoutineControl, result)
	if err != nil {
		t.Fatalf("requestResult: %v", err)
	}
	if resp[4] != byte(routineStatusRunning) {
		t.Fatalf("expected running before completion duration elapses, got %v", resp)
	}

	h.now = func() time.Time { return base.Add(routineCompletionDuration) }
	resp, err = h.Handle(ServiceRoutineControl, result)
	if err != nil {
		t.Fatalf("requestResult after completion: %v", err)
	}
	if resp[4] != byte(routineStatusCompleted) {
		t.Fatalf("expected completed status, got %v", resp)
	}
}

func TestRoutineControlRequestResultUnknownRoutineRejected(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Handle(ServiceRoutineControl, []byte{0x03, 0x02, 0x03})
	if nr, ok := err.(*NegativeResponse); !ok || nr.Code != NRCRequestOutOfRange {
		t.Fatalf("expected out-of-range NRC for unstarted routine, got %v", err)
	}
}

func TestWriteDataByIdentifierRequiresSessionAndSecurity(t *testing.T) {
	h := newTestHandler(t)
	payload := make([]byte, 4)
	binary.BigEndian.PutUint16(payload[0:2], uint16(DIDEngineRPM))
	binary.BigEndian.PutUint16(payload[2:4], 3000)

	if _, err := h.Handle(ServiceWriteDataByIdentifier, payload); err == nil {
		t.Fatal("expected rejection in default session")
	}

	if _, err := h.Handle(ServiceDiagnosticSessionControl, []byte{byte(SessionExtendedDiag)}); err != nil {
		t.Fatalf("session control: %v", err)
	}
	if _, err := h.Handle(ServiceWriteDataByIdentifier, payload); err == nil {
		t.Fatal("expected security-denied rejection before unlock")
	}

	unlockSecurity(t, h)
	if _, err := h.Handle(ServiceWriteDataByIdentifier, payload); err != nil {
		t.Fatalf("expected write to succeed once unlocked, got %v", err)
	}
}

func TestReadDataByIdentifierUnknownDIDRejected(t *testing.T) {
	h := newTestHandler(t)
	_, err := h.Handle(ServiceReadDataByIdentifier, []byte{0xFF, 0xFF})
	if nr, ok := err.(*NegativeResponse); !ok || nr.Code != NRCRequestOutOfRange {
		t.Fatalf("expected out-of-range NRC, got %v", err)
	}
}

func TestTesterPresentSuppressedReturnsNilResponse(t *testing.T) {
	h := newTestHandler(t)
	resp, err := h.Handle(ServiceTesterPresent, []byte{0x80})
	if err != nil || resp != nil {
		t.Fatalf("expected silent ack, got resp=%v err=%v", resp, err)
	}
}

func TestSessionRevertsToDefaultAfterTimeout(t *testing.T) {
	h := newTestHandler(t)
	base := time.Now()
	h.now = func() time.Time { return base }

	if _, err := h.Handle(ServiceDiagnosticSessionControl, []byte{byte(SessionExtendedDiag)}); err != nil {
		t.Fatalf("session control: %v", err)
	}
	h.now = func() time.Time { return base.Add(sessionTimeout + time.Second) }

	if _, err := h.Handle(ServiceClearDiagnosticInfo, []byte{0xFF, 0xFF, 0xFF}); err == nil {
		t.Fatal("expected reverted session to reject clear (conditions not correct)")
	}
	if h.session != SessionDefault {
		t.Fatalf("expected session default after timeout, got %v", h.session)
	}
}

func TestClearDiagnosticInfoKeepsPermanentCodes(t *testing.T) {
	h := newTestHandler(t)
	if _, err := h.Handle(ServiceDiagnosticSessionControl, []byte{byte(SessionExtendedDiag)}); err != nil {
		t.Fatalf("session control: %v", err)
	}
	h.DTC.Inject("P0420", "Catalyst System Efficiency Below Threshold", true, true, nil)
	for i := 0; i < dtc.DefaultConfirmThreshold+dtc.DefaultPermanentThreshold; i++ {
		h.DTC.Observe("P0301", true, "Cylinder 1 Misfire Detected", true, true, false, nil)
	}

	if _, err := h.Handle(ServiceClearDiagnosticInfo, []byte{0xFF, 0xFF, 0xFF}); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, ok := h.DTC.Get("P0420"); ok {
		t.Fatal("expected confirmed code cleared")
	}
	if rec, ok := h.DTC.Get("P0301"); !ok || rec.State != dtc.Permanent {
		t.Fatalf("expected permanent code kept after clear, got %+v", rec)
	}
}
