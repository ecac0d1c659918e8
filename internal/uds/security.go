package uds

import (
	"sync/atomic"
	"time"
)

// securityKeyMask is the manufacturer-specific seed->key transform at
// security level 1 (`key == seed XOR securityKeyMask`). A real ECU
// would use an undisclosed algorithm; this simulator trades secrecy
// for reproducibility so a test harness can compute valid keys.
const securityKeyMask = 0x12345678

const maxSecurityAttempts = 3

// securityLockout is how long a tester must wait after exceeding
// maxSecurityAttempts before requesting another seed.
const securityLockout = 10 * time.Second

// securityAccess implements sub-functions 0x01 (request seed) and 0x02
// (send key) for security level 1. Other sub-function values are
// rejected as unsupported.
//
// Per spec.md's worked example ("27 02 with zeros three times -> three
// 7F 27 35, fourth attempt -> 7F 27 36"), a seed stays valid across
// repeated wrong-key attempts -- the tester is not expected to request
// a fresh seed between retries -- and lockout (NRC 0x36) fires on the
// attempt AFTER the third wrong key, not on the third itself. Both
// branches only ever return NRCs from spec.md section 4.3's closed
// canonical set (testable invariant 2), so a send-key with no prior
// seed request simply fails the key comparison like any other wrong
// key, rather than a sequence-error NRC outside that set.
func (h *Handler) securityAccess(data []byte) ([]byte, error) {
	if len(data) < 1 {
		return nil, &NegativeResponse{Service: ServiceSecurityAccess, Code: NRCIncorrectMessageLength}
	}
	if !h.now().After(h.lockedUntil) {
		return nil, &NegativeResponse{Service: ServiceSecurityAccess, Code: NRCExceedNumberOfAttempts}
	}

	sub := data[0]
	switch sub {
	case 0x01: // request seed
		if h.security != 0 {
			return []byte{byte(ServiceSecurityAccess) | 0x40, sub, 0, 0, 0, 0}, nil
		}
		h.failedAttempts = 0
		h.pendingSeed = deterministicSeed(h)
		buf := make([]byte, 6)
		buf[0] = byte(ServiceSecurityAccess) | 0x40
		buf[1] = sub
		putU32(buf[2:], h.pendingSeed)
		return buf, nil
	case 0x02: // send key
		if len(data) < 5 {
			return nil, &NegativeResponse{Service: ServiceSecurityAccess, Code: NRCIncorrectMessageLength}
		}
		if h.failedAttempts >= maxSecurityAttempts {
			h.lockedUntil = h.now().Add(securityLockout)
			return nil, &NegativeResponse{Service: ServiceSecurityAccess, Code: NRCExceedNumberOfAttempts}
		}
		key := u32(data[1:5])
		if h.pendingSeed == 0 || key != h.pendingSeed^securityKeyMask {
			h.failedAttempts++
			return nil, &NegativeResponse{Service: ServiceSecurityAccess, Code: NRCInvalidKey}
		}
		h.security = 1
		h.failedAttempts = 0
		h.pendingSeed = 0
		return []byte{byte(ServiceSecurityAccess) | 0x40, sub}, nil
	default:
		return nil, &NegativeResponse{Service: ServiceSecurityAccess, Code: NRCSubFunctionNotSupported}
	}
}

// seedCounter counts seed requests across every handler in the
// process; it starts at zero on each run.
var seedCounter uint32

// deterministicSeed derives a nonzero seed from the process-wide
// seed-request counter XORed with a fixed boot nonce, so repeated
// requests do not collide while the sequence of seeds stays
// reproducible across test runs.
func deterministicSeed(h *Handler) uint32 {
	const bootNonce = 0xC0FFEE
	return bootNonce ^ atomic.AddUint32(&seedCounter, 1)
}

func putU32(buf []byte, v uint32) {
	buf[0] = byte(v >> 24)
	buf[1] = byte(v >> 16)
	buf[2] = byte(v >> 8)
	buf[3] = byte(v)
}
