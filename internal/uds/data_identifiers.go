package uds

import (
	"encoding/binary"
	"time"

	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

// DID is a two-byte UDS data identifier.
type DID uint16

const (
	DIDVIN            DID = 0xF190
	DIDPartNumber     DID = 0xF187
	DIDEngineRPM      DID = 0x0100 // manufacturer-reserved
	DIDVehicleSpeed   DID = 0x0101
	DIDCoolantTemp    DID = 0x0102
	DIDBatteryVoltage DID = 0x0103
)

// didLength reports the wire length of a DID's data, used both to
// size read responses and to validate write requests.
func didLength(id DID) (int, bool) {
	switch id {
	case DIDVIN:
		return 17, true
	case DIDPartNumber:
		return 8, true
	case DIDEngineRPM, DIDVehicleSpeed, DIDCoolantTemp, DIDBatteryVoltage:
		return 2, true
	default:
		return 0, false
	}
}

func (h *Handler) readDID(id DID) ([]byte, bool) {
	switch id {
	case DIDVIN:
		vin := h.Sim.VIN()
		buf := make([]byte, 17)
		copy(buf, vin)
		return buf, true
	case DIDPartNumber:
		buf := make([]byte, 8)
		copy(buf, "SIM-0001")
		return buf, true
	case DIDEngineRPM:
		snap := h.Sim.Snapshot()
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(snap.RPM*4))
		return buf, true
	case DIDVehicleSpeed:
		snap := h.Sim.Snapshot()
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(snap.Speed*10))
		return buf, true
	case DIDCoolantTemp:
		snap := h.Sim.Snapshot()
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16((snap.CoolantTemp+40)*10))
		return buf, true
	case DIDBatteryVoltage:
		snap := h.Sim.Snapshot()
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, uint16(snap.BatteryV*1000))
		return buf, true
	default:
		return nil, false
	}
}

// readDataByIdentifier serves 0x22: one or more 2-byte DIDs, each
// followed in the response by its value.
func (h *Handler) readDataByIdentifier(data []byte) ([]byte, error) {
	if len(data) < 2 || len(data)%2 != 0 {
		return nil, &NegativeResponse{Service: ServiceReadDataByIdentifier, Code: NRCIncorrectMessageLength}
	}
	out := []byte{byte(ServiceReadDataByIdentifier) | 0x40}
	for i := 0; i+1 < len(data); i += 2 {
		id := DID(binary.BigEndian.Uint16(data[i : i+2]))
		val, ok := h.readDID(id)
		if !ok {
			return nil, &NegativeResponse{Service: ServiceReadDataByIdentifier, Code: NRCRequestOutOfRange}
		}
		out = append(out, byte(id>>8), byte(id))
		out = append(out, val...)
	}
	return out, nil
}

// writableDIDs lists the DIDs that 0x2E may modify; all require
// EXTENDED/PROGRAMMING session and security level 1.
var writableDIDs = map[DID]bool{
	DIDEngineRPM:    true,
	DIDVehicleSpeed: true,
}

// writeDataByIdentifier serves 0x2E: a single DID followed by its new
// value.
func (h *Handler) writeDataByIdentifier(data []byte) ([]byte, error) {
	if h.session == SessionDefault {
		return nil, &NegativeResponse{Service: ServiceWriteDataByIdentifier, Code: NRCServiceNotSupportedInActiveSession}
	}
	if h.security == 0 {
		return nil, &NegativeResponse{Service: ServiceWriteDataByIdentifier, Code: NRCSecurityAccessDenied}
	}
	if len(data) < 2 {
		return nil, &NegativeResponse{Service: ServiceWriteDataByIdentifier, Code: NRCIncorrectMessageLength}
	}
	id := DID(binary.BigEndian.Uint16(data[0:2]))
	length, known := didLength(id)
	if !known || !writableDIDs[id] {
		return nil, &NegativeResponse{Service: ServiceWriteDataByIdentifier, Code: NRCRequestOutOfRange}
	}
	if len(data) != 2+length {
		return nil, &NegativeResponse{Service: ServiceWriteDataByIdentifier, Code: NRCIncorrectMessageLength}
	}

	val := float64(binary.BigEndian.Uint16(data[2:4]))
	switch id {
	case DIDEngineRPM:
		rpm := val / 4
		h.Sim.SetParams(vehiclesim.VehicleParams{RPM: &rpm})
	case DIDVehicleSpeed:
		speed := val / 10
		h.Sim.SetParams(vehiclesim.VehicleParams{Speed: &speed})
	}
	return []byte{byte(ServiceWriteDataByIdentifier) | 0x40, data[0], data[1]}, nil
}

// ioOption is the sub-function of 0x2F InputOutputControlByIdentifier.
type ioOption byte

const (
	ioReturnControlToECU ioOption = 0x00
	ioResetToDefault     ioOption = 0x01
	ioFreezeCurrentState ioOption = 0x02
	ioShortTermAdjust    ioOption = 0x03
)

// actuatorDIDs are the DIDs 0x2F may drive, each requiring KOEO
// (ignition ON, engine OFF) since they represent bench actuator tests.
var actuatorDIDs = map[DID]bool{
	DIDEngineRPM: true,
}

func (h *Handler) ioControl(data []byte) ([]byte, error) {
	if len(data) < 3 {
		return nil, &NegativeResponse{Service: ServiceInputOutputControl, Code: NRCIncorrectMessageLength}
	}
	id := DID(binary.BigEndian.Uint16(data[0:2]))
	opt := ioOption(data[2])
	if !actuatorDIDs[id] {
		return nil, &NegativeResponse{Service: ServiceInputOutputControl, Code: NRCRequestOutOfRange}
	}

	snap := h.Sim.Snapshot()
	if snap.Ignition != vehiclesim.IgnitionOn || snap.Engine != vehiclesim.EngineOff {
		return nil, &NegativeResponse{Service: ServiceInputOutputControl, Code: NRCConditionsNotCorrect}
	}

	switch opt {
	case ioReturnControlToECU, ioResetToDefault:
		zero := 0.0
		h.Sim.SetParams(vehiclesim.VehicleParams{RPM: &zero})
	case ioFreezeCurrentState:
		// no-op: simulator state already reflects the frozen value
	case ioShortTermAdjust:
		if len(data) < 5 {
			return nil, &NegativeResponse{Service: ServiceInputOutputControl, Code: NRCIncorrectMessageLength}
		}
		rpm := float64(binary.BigEndian.Uint16(data[3:5])) / 4
		h.Sim.SetParams(vehiclesim.VehicleParams{RPM: &rpm})
	default:
		return nil, &NegativeResponse{Service: ServiceInputOutputControl, Code: NRCRequestOutOfRange}
	}
	return []byte{byte(ServiceInputOutputControl) | 0x40, data[0], data[1], byte(opt)}, nil
}

// readDTCInformation serves the 0x19 sub-functions this simulator
// implements: 0x01 numberByStatusMask, 0x02 byStatusMask, 0x04 byDTC
// (freeze-frame record), 0x0A supportedDTCs.
func (h *Handler) readDTCInformation(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCIncorrectMessageLength}
	}
	sub := data[0]
	switch sub {
	case 0x01:
		if len(data) < 2 {
			return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCIncorrectMessageLength}
		}
		records := h.DTC.ListByStatusMask(data[1])
		return []byte{byte(ServiceReadDTCInformation) | 0x40, sub, statusAvailabilityMask, byte(len(records))}, nil
	case 0x02:
		if len(data) < 2 {
			return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCIncorrectMessageLength}
		}
		return h.encodeDTCList(sub, h.DTC.ListByStatusMask(data[1])), nil
	case 0x0A:
		return h.encodeDTCList(sub, h.DTC.List()), nil
	case 0x04:
		return h.dtcByDTCNumber(data)
	default:
		return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCSubFunctionNotSupported}
	}
}

// statusAvailabilityMask advertises which status bits this simulator
// ever sets, per ISO 14229's DTCStatusAvailabilityMask convention.
const statusAvailabilityMask = 0xAF

func (h *Handler) encodeDTCList(sub byte, records []dtc.Record) []byte {
	milOn := h.DTC.MIL()
	out := []byte{byte(ServiceReadDTCInformation) | 0x40, sub, statusAvailabilityMask}
	for _, r := range records {
		wire, err := r.Code.Bytes()
		if err != nil {
			continue
		}
		out = append(out, wire[0], wire[1], r.State.StatusByte(milOn))
	}
	return out
}

func (h *Handler) dtcByDTCNumber(data []byte) ([]byte, error) {
	if len(data) < 4 {
		return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCIncorrectMessageLength}
	}
	code := dtc.CodeFromBytes(data[1], data[2])
	rec, ok := h.DTC.Get(code)
	if !ok {
		return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCRequestOutOfRange}
	}
	milOn := h.DTC.MIL()
	wire, err := rec.Code.Bytes()
	if err != nil {
		return nil, &NegativeResponse{Service: ServiceReadDTCInformation, Code: NRCRequestOutOfRange}
	}
	out := []byte{byte(ServiceReadDTCInformation) | 0x40, 0x04, wire[0], wire[1], rec.State.StatusByte(milOn)}
	if rec.Freeze == nil {
		out = append(out, 0x00)
		return out, nil
	}
	out = append(out, 0x01)
	for _, key := range []string{"rpm", "speed", "engine_load", "coolant_temp"} {
		v := rec.Freeze[key]
		out = append(out, byte(uint16(v)>>8), byte(uint16(v)))
	}
	return out, nil
}

// routineID is the two-byte routine identifier space for 0x31.
type routineID uint16

// routineCompletionDuration is how long a started routine takes to
// reach completion, per spec.md's "a routine's completion time may be
// nonzero" requirement. Real routines (injector balance tests, EVAP
// leak checks, ...) vary widely; this simulator uses one fixed budget
// for every routine rather than modeling per-routine durations, which
// spec.md does not otherwise specify.
const routineCompletionDuration = 2 * time.Second

// routineStatus mirrors the ISO 14229 routineStatusRecord convention:
// 0x00 completed, 0x01 running.
type routineStatus byte

const (
	routineStatusCompleted routineStatus = 0x00
	routineStatusRunning   routineStatus = 0x01
)

// routineState tracks one in-flight routine's start time, so
// requestResult can distinguish "running" from "done" instead of
// reporting a fixed status regardless of elapsed time.
type routineState struct {
	startedAt time.Time
}

func (h *Handler) routineControl(data []byte) ([]byte, error) {
	if len(data) < 3 {
		return nil, &NegativeResponse{Service: ServiceRoutineControl, Code: NRCIncorrectMessageLength}
	}
	sub := data[0]
	id := routineID(binary.BigEndian.Uint16(data[1:3]))

	switch sub {
	case 0x01: // start
		if h.routines == nil {
			h.routines = make(map[routineID]*routineState)
		}
		h.routines[id] = &routineState{startedAt: h.now()}
		return []byte{byte(ServiceRoutineControl) | 0x40, sub, data[1], data[2], byte(routineStatusRunning)}, nil
	case 0x02: // stop
		delete(h.routines, id)
		return []byte{byte(ServiceRoutineControl) | 0x40, sub, data[1], data[2]}, nil
	case 0x03: // requestResult
		st, ok := h.routines[id]
		if !ok {
			return nil, &NegativeResponse{Service: ServiceRoutineControl, Code: NRCRequestOutOfRange}
		}
		status := routineStatusRunning
		if h.now().Sub(st.startedAt) >= routineCompletionDuration {
			status = routineStatusCompleted
		}
		return []byte{byte(ServiceRoutineControl) | 0x40, sub, data[1], data[2], byte(status)}, nil
	default:
		return nil, &NegativeResponse{Service: ServiceRoutineControl, Code: NRCSubFunctionNotSupported}
	}
}
