// Package control implements the synchronous, lock-scoped
// control-surface operations of spec.md section 6: the upstream API
// a scan-tool harness or HTTP/ops layer (both out of scope for this
// core) calls to inject faults, drive the ignition/engine state
// machine, override sensor values, and read back vehicle and DTC
// state. Every operation returns a structured Result or a typed
// *Error so callers can distinguish failure kinds programmatically,
// per spec.md section 7's propagation policy for control-surface
// errors.
package control

import (
	"fmt"

	"github.com/pkg/errors"

	"github.com/kestrel-auto/obdsim/internal/bus"
	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

// Kind is a machine-readable error category a caller can switch on,
// distinct from the human-readable message carried in Error.
type Kind string

const (
	KindECUNotFound     Kind = "ecu-not-found"
	KindCodeInvalid     Kind = "code-invalid"
	KindConditionNotMet Kind = "condition-not-met"
)

// Error is the typed control-surface error spec.md section 6
// requires. The underlying cause (when there is one) is preserved via
// github.com/pkg/errors so a caller that wants a stack trace for
// diagnostics can still get one, while Kind gives ordinary callers a
// stable switch target.
type Error struct {
	Kind Kind
	Op   string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("control: %s: %s: %v", e.Op, e.Kind, e.err)
	}
	return fmt.Sprintf("control: %s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.err }

func newError(op string, kind Kind, msg string) *Error {
	return &Error{Op: op, Kind: kind, err: errors.New(msg)}
}

// Surface is the control surface itself: it holds the bus coordinator
// (for per-ECU operations) and the shared vehicle simulator (for
// vehicle-wide operations). One Surface exists per running simulator
// process.
type Surface struct {
	Coordinator *bus.Coordinator
	Sim         *vehiclesim.Simulator
}

// New creates a control surface over an already-running coordinator
// and simulator.
func New(coord *bus.Coordinator, sim *vehiclesim.Simulator) *Surface {
	return &Surface{Coordinator: coord, Sim: sim}
}

// InjectDTC implements inject_dtc: directly promotes (or creates) a
// CONFIRMED diagnostic trouble code on the named ECU, optionally
// capturing the current vehicle snapshot as its freeze frame.
func (s *Surface) InjectDTC(ecuName string, code string, freeze bool, desc string, milIlluminate, emissionRelated bool) error {
	e, ok := s.Coordinator.ECU(ecuName)
	if !ok {
		return newError("inject_dtc", KindECUNotFound, ecuName)
	}
	if _, err := dtc.Code(code).Bytes(); err != nil {
		return &Error{Op: "inject_dtc", Kind: KindCodeInvalid, err: err}
	}
	var snap dtc.Snapshot
	if freeze {
		snap = s.Sim.Snapshot().AsMap()
	}
	e.DTCManager().Inject(dtc.Code(code), desc, milIlluminate, emissionRelated, snap)
	return nil
}

// ClearDTCs implements clear_dtcs. An empty ecuName clears every
// registered ECU; PERMANENT codes are never cleared by this operation,
// matching both OBD Mode 04 and UDS 0x14.
func (s *Surface) ClearDTCs(ecuName string) error {
	if ecuName == "" {
		for _, e := range s.Coordinator.ECUs() {
			e.DTCManager().Clear()
		}
		s.Sim.ResetReadiness()
		return nil
	}
	e, ok := s.Coordinator.ECU(ecuName)
	if !ok {
		return newError("clear_dtcs", KindECUNotFound, ecuName)
	}
	e.DTCManager().Clear()
	s.Sim.ResetReadiness()
	return nil
}

// SetIgnition implements set_ignition.
func (s *Surface) SetIgnition(state vehiclesim.IgnitionState) {
	s.Sim.SetIgnition(state)
}

// StartEngine implements start_engine: a no-op if already RUNNING.
func (s *Surface) StartEngine() {
	s.Sim.StartEngine()
}

// StopEngine implements stop_engine.
func (s *Surface) StopEngine() {
	s.Sim.StopEngine()
}

// SetVehicleParams implements set_vehicle_params.
func (s *Surface) SetVehicleParams(p vehiclesim.VehicleParams) {
	s.Sim.SetParams(p)
}

// GetSnapshot implements get_snapshot.
func (s *Surface) GetSnapshot() vehiclesim.Snapshot {
	return s.Sim.Snapshot()
}

// ListDTCs implements list_dtcs. An empty ecuName lists across every
// registered ECU, tagging each record with its owning ECU's name.
func (s *Surface) ListDTCs(ecuName string) ([]ECUDTCRecord, error) {
	if ecuName != "" {
		e, ok := s.Coordinator.ECU(ecuName)
		if !ok {
			return nil, newError("list_dtcs", KindECUNotFound, ecuName)
		}
		return tagRecords(ecuName, e.DTCManager().List()), nil
	}
	var out []ECUDTCRecord
	for _, e := range s.Coordinator.ECUs() {
		out = append(out, tagRecords(e.Identity.Name, e.DTCManager().List())...)
	}
	return out, nil
}

// ECUDTCRecord is one DTC record tagged with its owning ECU, the shape
// list_dtcs(nil) returns across every ECU.
type ECUDTCRecord struct {
	ECU string
	dtc.Record
}

func tagRecords(ecuName string, records []dtc.Record) []ECUDTCRecord {
	out := make([]ECUDTCRecord, len(records))
	for i, r := range records {
		out[i] = ECUDTCRecord{ECU: ecuName, Record: r}
	}
	return out
}

// GetReadiness implements get_readiness(ecu). The simulator's
// readiness monitors are process-wide (spec.md models one drive-cycle
// monitor set, not one per ECU), so this simply validates the ECU
// name exists and returns the shared set.
func (s *Surface) GetReadiness(ecuName string) (*vehiclesim.ReadinessSet, error) {
	if _, ok := s.Coordinator.ECU(ecuName); !ok {
		return nil, newError("get_readiness", KindECUNotFound, ecuName)
	}
	return s.Sim.Readiness(), nil
}

// ActuatorControl implements actuator_control(ecu, did, option): it
// drives the same InputOutputControlByIdentifier path a UDS 0x2F
// request would, from the control surface rather than the wire, for
// harnesses that want to exercise an actuator without hand-building a
// CAN frame. KOEO and other condition checks are enforced by the
// underlying UDS handler and surfaced here as KindConditionNotMet.
func (s *Surface) ActuatorControl(ecuName string, did uint16, option byte) error {
	e, ok := s.Coordinator.ECU(ecuName)
	if !ok {
		return newError("actuator_control", KindECUNotFound, ecuName)
	}
	req := []byte{0x2F, byte(did >> 8), byte(did), option}
	_, err := e.DispatchUDS(req)
	if err != nil {
		return &Error{Op: "actuator_control", Kind: KindConditionNotMet, err: err}
	}
	return nil
}
