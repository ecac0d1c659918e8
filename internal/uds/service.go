// Package uds implements the ISO 14229 Unified Diagnostic Services
// subset named in spec.md section 4.3: session control, security
// access, data-by-identifier read/write, I/O control, routine control,
// DTC information/clear, tester present, and DTC setting control.
package uds

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

// Service is a UDS service identifier.
type Service byte

const (
	ServiceDiagnosticSessionControl Service = 0x10
	ServiceECUReset                 Service = 0x11
	ServiceClearDiagnosticInfo      Service = 0x14
	ServiceReadDTCInformation       Service = 0x19
	ServiceReadDataByIdentifier     Service = 0x22
	ServiceSecurityAccess           Service = 0x27
	ServiceWriteDataByIdentifier    Service = 0x2E
	ServiceInputOutputControl       Service = 0x2F
	ServiceRoutineControl           Service = 0x31
	ServiceTesterPresent            Service = 0x3E
	ServiceControlDTCSetting        Service = 0x85
)

// NRC is a UDS negative response code.
type NRC byte

// These are the canonical NRCs spec.md section 4.3 defines; testable
// invariant 2 requires every negative response to carry one of them.
const (
	NRCServiceNotSupported                NRC = 0x11
	NRCSubFunctionNotSupported             NRC = 0x12
	NRCIncorrectMessageLength              NRC = 0x13
	NRCConditionsNotCorrect                NRC = 0x22
	NRCRequestOutOfRange                   NRC = 0x31
	NRCSecurityAccessDenied                NRC = 0x33
	NRCInvalidKey                          NRC = 0x35
	NRCExceedNumberOfAttempts              NRC = 0x36
	NRCSubFunctionNotSupportedInActiveSess NRC = 0x7E
	NRCServiceNotSupportedInActiveSession  NRC = 0x7F
)

// NegativeResponse is the error type returned for any UDS NRC; callers
// translate it into a 0x7F negative response frame.
type NegativeResponse struct {
	Service Service
	Code    NRC
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("uds: service %02X rejected: NRC %02X", byte(e.Service), byte(e.Code))
}

// Session is the diagnostic session type, per service 0x10.
type Session byte

const (
	SessionDefault      Session = 0x01
	SessionProgramming  Session = 0x02
	SessionExtendedDiag Session = 0x03
	sessionSafetySystem Session = 0x04
)

// securityLevel tracks which seed/key pair is currently unlocked. 0
// means locked.
type securityLevel byte

// Handler holds one ECU's UDS server state: active session, security
// unlock level, and pending seed, alongside the shared vehicle
// simulator and this ECU's own DTC manager.
type Handler struct {
	Sim *vehiclesim.Simulator
	DTC *dtc.Manager

	session        Session
	sessionExpiry  time.Time
	security       securityLevel
	pendingSeed    uint32
	failedAttempts int
	lockedUntil    time.Time
	dtcSetting     bool
	routines       map[routineID]*routineState

	now func() time.Time
}

// NewHandler creates a handler starting in the default session,
// locked.
func NewHandler(sim *vehiclesim.Simulator, mgr *dtc.Manager) *Handler {
	return &Handler{
		Sim:        sim,
		DTC:        mgr,
		session:    SessionDefault,
		dtcSetting: true,
		now:        time.Now,
	}
}

// DTCSettingEnabled reports the DTC setting (on or off) requested by
// the last 0x85 ControlDTCSetting request. The DTC manager does not
// consult it; new codes are stored either way.
func (h *Handler) DTCSettingEnabled() bool {
	return h.dtcSetting
}

// sessionTimeout is S3 server (P2* extended session timeout): if no
// request or TesterPresent arrives within this window, the session
// reverts to default.
const sessionTimeout = 5 * time.Second

// checkSessionExpiry reverts an expired extended/programming session
// to default before dispatching.
func (h *Handler) checkSessionExpiry() {
	if h.session != SessionDefault && h.now().After(h.sessionExpiry) {
		h.session = SessionDefault
		h.security = 0
	}
}

func (h *Handler) touchSession() {
	if h.session != SessionDefault {
		h.sessionExpiry = h.now().Add(sessionTimeout)
	}
}

// Handle dispatches one UDS request (service ID + parameter bytes) and
// returns the positive response payload (service|0x40 followed by the
// response parameters), or a *NegativeResponse.
func (h *Handler) Handle(svc Service, data []byte) ([]byte, error) {
	h.checkSessionExpiry()

	switch svc {
	case ServiceDiagnosticSessionControl:
		return h.sessionControl(data)
	case ServiceSecurityAccess:
		return h.securityAccess(data)
	case ServiceReadDataByIdentifier:
		return h.readDataByIdentifier(data)
	case ServiceWriteDataByIdentifier:
		return h.writeDataByIdentifier(data)
	case ServiceInputOutputControl:
		return h.ioControl(data)
	case ServiceRoutineControl:
		return h.routineControl(data)
	case ServiceReadDTCInformation:
		return h.readDTCInformation(data)
	case ServiceClearDiagnosticInfo:
		return h.clearDiagnosticInfo(data)
	case ServiceTesterPresent:
		return h.testerPresent(data)
	case ServiceControlDTCSetting:
		return h.controlDTCSetting(data)
	case ServiceECUReset:
		return h.ecuReset(data)
	default:
		return nil, &NegativeResponse{Service: svc, Code: NRCServiceNotSupported}
	}
}

// p2Default is the session-control response timing parameter, in
// milliseconds, per spec. p2StarDefault is the extended-session
// timing parameter, also in milliseconds, but per ISO 14229 it is
// carried on the wire in units of 10ms (p2StarWireUnit) -- spec.md's
// own worked example (`10 03` -> `50 03 00 32 01 F4`) encodes 5000ms
// as `01 F4` (500), confirming the 10ms resolution.
const (
	p2Default      = 50
	p2StarDefault  = 5000
	p2StarWireUnit = 10
)

func (h *Handler) sessionControl(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Service: ServiceDiagnosticSessionControl, Code: NRCIncorrectMessageLength}
	}
	target := Session(data[0])
	if target == sessionSafetySystem && h.session == SessionDefault {
		return nil, &NegativeResponse{Service: ServiceDiagnosticSessionControl, Code: NRCSubFunctionNotSupportedInActiveSess}
	}
	switch target {
	case SessionDefault, SessionProgramming, SessionExtendedDiag:
		h.session = target
		if target == SessionDefault {
			h.security = 0
		}
		h.touchSession()
		resp := make([]byte, 6)
		resp[0] = byte(ServiceDiagnosticSessionControl) | 0x40
		resp[1] = data[0]
		binary.BigEndian.PutUint16(resp[2:4], p2Default)
		binary.BigEndian.PutUint16(resp[4:6], p2StarDefault/p2StarWireUnit)
		return resp, nil
	default:
		return nil, &NegativeResponse{Service: ServiceDiagnosticSessionControl, Code: NRCSubFunctionNotSupported}
	}
}

// testerPresent refreshes the session timer. Sub-function 0x80
// (suppressPositiveResponse) returns a nil response with no error: the
// ECU dispatcher must treat (nil, nil) as "send nothing", not a
// negative response.
func (h *Handler) testerPresent(data []byte) ([]byte, error) {
	h.touchSession()
	if len(data) > 0 && data[0]&0x80 != 0 {
		return nil, nil
	}
	return []byte{byte(ServiceTesterPresent) | 0x40, 0x00}, nil
}

func (h *Handler) ecuReset(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Service: ServiceECUReset, Code: NRCIncorrectMessageLength}
	}
	h.session = SessionDefault
	h.security = 0
	return []byte{byte(ServiceECUReset) | 0x40, data[0]}, nil
}

func (h *Handler) clearDiagnosticInfo(data []byte) ([]byte, error) {
	if h.session == SessionDefault {
		return nil, &NegativeResponse{Service: ServiceClearDiagnosticInfo, Code: NRCConditionsNotCorrect}
	}
	h.DTC.Clear()
	h.Sim.ResetReadiness()
	return []byte{byte(ServiceClearDiagnosticInfo) | 0x40}, nil
}

// controlDTCSetting records the requested DTC setting (0x01 on, 0x02
// off) without clearing what is already stored. The setting is only
// reported through DTCSettingEnabled; it does not stop new DTCs from
// being stored.
func (h *Handler) controlDTCSetting(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Service: ServiceControlDTCSetting, Code: NRCIncorrectMessageLength}
	}
	switch data[0] & 0x7F {
	case 0x01: // on
		h.dtcSetting = true
	case 0x02: // off
		h.dtcSetting = false
	default:
		return nil, &NegativeResponse{Service: ServiceControlDTCSetting, Code: NRCSubFunctionNotSupported}
	}
	return []byte{byte(ServiceControlDTCSetting) | 0x40, data[0]}, nil
}

func u32(data []byte) uint32 {
	return binary.BigEndian.Uint32(data)
}
