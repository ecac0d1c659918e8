package obd

import (
	"fmt"

	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

// Mode is an OBD-II service/mode ID.
type Mode byte

const (
	ModeCurrentData      Mode = 0x01
	ModeFreezeFrameData  Mode = 0x02
	ModeStoredDTCs       Mode = 0x03
	ModeClearDTCs        Mode = 0x04
	ModePendingDTCs      Mode = 0x07
	ModeControlOperation Mode = 0x08
	ModeVehicleInfo      Mode = 0x09
	ModePermanentDTCs    Mode = 0x0A
)

// NegativeResponse signals a mode/PID this simulator does not support,
// mirroring the UDS-style negative response; the ECU actor's dispatcher
// turns it into "no response" for OBD-II (which, unlike UDS, has no NRC
// frame).
type NegativeResponse struct {
	Mode Mode
	PID  byte
}

func (e *NegativeResponse) Error() string {
	return fmt.Sprintf("obd: mode %02X pid %02X not supported", byte(e.Mode), e.PID)
}

// Handler dispatches OBD-II requests against one ECU's vehicle
// simulator and DTC manager. It holds no state of its own.
type Handler struct {
	Sim *vehiclesim.Simulator
	DTC *dtc.Manager
}

// Handle processes one OBD-II request (mode + optional PID/data bytes
// per spec.md section 4.2.1) and returns the positive response payload
// (mode|0x40 followed by echoed PID and data), or an error if the
// service or PID is unsupported.
func (h *Handler) Handle(mode Mode, data []byte) ([]byte, error) {
	switch mode {
	case ModeCurrentData:
		return h.mode01(data)
	case ModeFreezeFrameData:
		return h.mode02(data)
	case ModeStoredDTCs:
		return h.modeDTCList(mode, dtc.Confirmed)
	case ModePendingDTCs:
		return h.modeDTCList(mode, dtc.Pending)
	case ModePermanentDTCs:
		return h.modeDTCList(mode, dtc.Permanent)
	case ModeClearDTCs:
		return h.mode04()
	case ModeVehicleInfo:
		return h.mode09(data)
	default:
		return nil, &NegativeResponse{Mode: mode}
	}
}

// maxBatchedPIDs is the largest number of PIDs one Mode 01 request may
// batch into a single request (`01 PID [PID …]`), per spec.md section
// 4.2.
const maxBatchedPIDs = 6

// mode01 reports current data for one or more batched PIDs. Each PID's
// encoded block is concatenated in request order into a single
// response, mirroring how a real ECU answers a multi-PID Mode 01
// request in one frame.
func (h *Handler) mode01(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Mode: ModeCurrentData}
	}
	if len(data) > maxBatchedPIDs {
		data = data[:maxBatchedPIDs]
	}

	snap := h.Sim.Snapshot()
	readiness := h.Sim.Readiness()
	dtcCount := len(h.DTC.List(dtc.Confirmed))
	milOn := h.DTC.MIL()

	out := []byte{byte(ModeCurrentData) | 0x40}
	for _, b := range data {
		block, err := h.encodeMode01PID(PID(b), b, snap, readiness, milOn, dtcCount)
		if err != nil {
			return nil, err
		}
		out = append(out, block...)
	}
	return out, nil
}

func (h *Handler) encodeMode01PID(pid PID, raw byte, snap vehiclesim.Snapshot, readiness *vehiclesim.ReadinessSet, milOn bool, dtcCount int) ([]byte, error) {
	switch pid {
	case PIDSupported0120:
		return append([]byte{byte(pid)}, u32bytes(supportedPIDBitmap(0x00))...), nil
	case PIDSupported2140:
		return append([]byte{byte(pid)}, u32bytes(supportedPIDBitmap(0x20))...), nil
	case PIDSupported4160:
		return append([]byte{byte(pid)}, u32bytes(supportedPIDBitmap(0x40))...), nil
	}

	body, ok := encodePID(pid, snap, milOn, readiness.SupportedBitmap(), readiness.CompleteBitmap(), dtcCount)
	if !ok {
		return nil, &NegativeResponse{Mode: ModeCurrentData, PID: raw}
	}
	return append([]byte{byte(pid)}, body...), nil
}

// mode02 returns freeze-frame data for frame index 0 of the first
// stored DTC (in List order, whatever its state) holding a freeze
// frame; under spec.md's "first pending
// wins" capture rule; real ECUs index frames by DTC, but this
// simulator only ever captures one frame per code.
func (h *Handler) mode02(data []byte) ([]byte, error) {
	if len(data) < 2 {
		return nil, &NegativeResponse{Mode: ModeFreezeFrameData}
	}
	pid := PID(data[0])
	records := h.DTC.List()
	for _, r := range records {
		if r.Freeze == nil {
			continue
		}
		snap := vehiclesim.Snapshot{
			RPM:           r.Freeze["rpm"],
			Speed:         r.Freeze["speed"],
			EngineLoad:    r.Freeze["engine_load"],
			CoolantTemp:   r.Freeze["coolant_temp"],
			IntakeTemp:    r.Freeze["intake_temp"],
			MAF:           r.Freeze["maf"],
			Throttle:      r.Freeze["throttle"],
			FuelLevel:     r.Freeze["fuel_level"],
			BatteryV:      r.Freeze["battery_v"],
			RuntimeS:      r.Freeze["runtime_s"],
			DistanceMILOn: r.Freeze["distance_mil_on"],
		}
		body, ok := encodePID(pid, snap, true, 0, 0, 1)
		if !ok {
			return nil, &NegativeResponse{Mode: ModeFreezeFrameData, PID: data[0]}
		}
		return append([]byte{byte(ModeFreezeFrameData) | 0x40, byte(pid), 0x00}, body...), nil
	}
	return []byte{byte(ModeFreezeFrameData) | 0x40, byte(pid), 0x00}, nil
}

func (h *Handler) modeDTCList(mode Mode, want dtc.State) ([]byte, error) {
	records := h.DTC.List(want)
	out := []byte{byte(mode) | 0x40, byte(len(records))}
	for _, r := range records {
		wire, err := r.Code.Bytes()
		if err != nil {
			continue
		}
		out = append(out, wire[:]...)
	}
	return out, nil
}

// mode04 clears diagnostic information, mirroring UDS service 0x14.
func (h *Handler) mode04() ([]byte, error) {
	h.DTC.Clear()
	h.Sim.ResetReadiness()
	return []byte{byte(ModeClearDTCs) | 0x40}, nil
}

// mode09 serves the small set of vehicle-information PIDs this
// simulator implements: 0x02 (VIN).
func (h *Handler) mode09(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Mode: ModeVehicleInfo}
	}
	if data[0] != 0x02 {
		return nil, &NegativeResponse{Mode: ModeVehicleInfo, PID: data[0]}
	}
	vin := h.Sim.VIN()
	out := []byte{byte(ModeVehicleInfo) | 0x40, 0x02, 0x01}
	out = append(out, []byte(vin)...)
	return out, nil
}

func u32bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
