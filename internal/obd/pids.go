// Package obd implements the stateless OBD-II mode handlers: pure
// functions from (mode, PID, vehicle snapshot, DTC set) to response
// bytes, per spec.md section 4.2.
package obd

import (
	"encoding/binary"
	"math/bits"

	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

// PID identifies an OBD-II Mode 01/02 parameter.
type PID byte

const (
	PIDSupported0120        PID = 0x00
	PIDMonitorStatus        PID = 0x01
	PIDEngineLoad           PID = 0x04
	PIDCoolantTemp          PID = 0x05
	PIDRPM                  PID = 0x0C
	PIDSpeed                PID = 0x0D
	PIDIntakeTemp           PID = 0x0F
	PIDMAF                  PID = 0x10
	PIDThrottle             PID = 0x11
	PIDRuntime              PID = 0x1F
	PIDSupported2140        PID = 0x20
	PIDDistanceMILOn        PID = 0x21
	PIDFuelLevel            PID = 0x2F
	PIDSupported4160        PID = 0x40
	PIDControlModuleVoltage PID = 0x42
)

// encodePID renders one PID's value from the snapshot in OBD-II wire
// format. ok is false for PIDs this simulator does not implement.
func encodePID(pid PID, snap vehiclesim.Snapshot, milOn bool, supportedBitmap, completeBitmap uint16, dtcCount int) ([]byte, bool) {
	switch pid {
	case PIDMonitorStatus:
		return encodeMonitorStatus(milOn, supportedBitmap, completeBitmap, dtcCount), true
	case PIDEngineLoad:
		return []byte{byte(clampByte(snap.EngineLoad * 255 / 100))}, true
	case PIDCoolantTemp:
		return []byte{byte(clampByte(snap.CoolantTemp + 40))}, true
	case PIDRPM:
		v := uint16(clampU16(snap.RPM * 4))
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, true
	case PIDSpeed:
		return []byte{byte(clampByte(snap.Speed))}, true
	case PIDIntakeTemp:
		return []byte{byte(clampByte(snap.IntakeTemp + 40))}, true
	case PIDMAF:
		v := uint16(clampU16(snap.MAF * 100))
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, true
	case PIDThrottle:
		return []byte{byte(clampByte(snap.Throttle * 255 / 100))}, true
	case PIDRuntime:
		v := uint16(clampU16(snap.RuntimeS))
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, true
	case PIDDistanceMILOn:
		v := uint16(clampU16(snap.DistanceMILOn))
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, true
	case PIDFuelLevel:
		return []byte{byte(clampByte(snap.FuelLevel * 255 / 100))}, true
	case PIDControlModuleVoltage:
		v := uint16(clampU16(snap.BatteryV * 1000))
		buf := make([]byte, 2)
		binary.BigEndian.PutUint16(buf, v)
		return buf, true
	default:
		return nil, false
	}
}

// encodeMonitorStatus builds the 4-byte Mode 01 PID 01 response in the
// standard spark-ignition layout: byte 1 carries the MIL bit (high
// bit) and a 7-bit DTC count; byte 2 carries the continuous monitors
// (misfire, fuel system, components) as supported flags in bits 0-2
// and not-complete flags in bits 4-6; bytes 3 and 4 carry the
// supported and not-complete flags of the eight non-continuous
// monitors, catalyst in bit 0 through EGR in bit 7. supported and
// complete use ReadinessSet's MSB-first bitmap layout.
func encodeMonitorStatus(milOn bool, supported, complete uint16, dtcCount int) []byte {
	b1 := byte(dtcCount & 0x7F)
	if milOn {
		b1 |= 0x80
	}
	incomplete := supported &^ complete
	buf := make([]byte, 4)
	buf[0] = b1
	buf[1] = bits.Reverse8(byte(supported>>8)<<5) | bits.Reverse8(byte(incomplete>>8)<<5)<<4
	buf[2] = bits.Reverse8(byte(supported))
	buf[3] = bits.Reverse8(byte(incomplete))
	return buf
}

// supportedPIDBitmap reports, for the PID block starting at base
// (0x00, 0x20, 0x40, ...), which of the next 32 PIDs this simulator
// implements, MSB-first per the OBD-II convention (bit 31 = base+1).
func supportedPIDBitmap(base PID) uint32 {
	known := map[PID]bool{
		PIDMonitorStatus: true, PIDEngineLoad: true, PIDCoolantTemp: true,
		PIDRPM: true, PIDSpeed: true, PIDIntakeTemp: true, PIDMAF: true,
		PIDThrottle: true, PIDRuntime: true, PIDDistanceMILOn: true,
		PIDFuelLevel: true, PIDControlModuleVoltage: true,
	}
	var bm uint32
	for i := 1; i <= 32; i++ {
		pid := PID(int(base) + i)
		if known[pid] {
			bm |= 1 << uint(32-i)
		}
	}
	return bm
}

func clampByte(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return int(v)
}

func clampU16(v float64) int {
	if v < 0 {
		return 0
	}
	if v > 65535 {
		return 65535
	}
	return int(v)
}
