package isotp

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/kestrel-auto/obdsim/internal/canbus"
)

// Timeouts, named per ISO 15765-2.
const (
	nBs = 1000 * time.Millisecond // sender waiting for flow control
	nCr = 1000 * time.Millisecond // receiver waiting for next consecutive frame
	nAs = 100 * time.Millisecond  // single-frame send, virtual-bus budget
)

// maxConsecutiveWaits bounds how many FC=WAIT replies a sender will
// tolerate before giving up on the transfer.
const maxConsecutiveWaits = 10

// pendingQueueDepth is how many fully reassembled inbound payloads may
// queue waiting for the owner to process them while a response is in
// flight, per the response-side backpressure rule.
const pendingQueueDepth = 4

// receiveState tracks one in-progress inbound reassembly.
type receiveState struct {
	total       int
	buf         []byte
	expectedSeq byte
	timer       *time.Timer
}

// Session is one ISO-TP transport instance for a single address pair:
// selfID is the arbitration ID this session transmits under, peerID is
// the ID it accepts inbound frames from. Exactly one inbound and one
// outbound transfer may be active at a time, matching spec.
type Session struct {
	selfID uint32
	peerID uint32
	bus    canbus.Bus
	log    *log.Logger

	mu sync.Mutex
	rx *receiveState

	fcChan    chan canbus.Frame
	delivered chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

// NewSession builds a session that sends under selfID and accepts
// frames arriving under peerID. logger may be nil.
func NewSession(bus canbus.Bus, selfID, peerID uint32, logger *log.Logger) *Session {
	if logger == nil {
		logger = log.Default()
	}
	return &Session{
		selfID:    selfID,
		peerID:    peerID,
		bus:       bus,
		log:       logger,
		fcChan:    make(chan canbus.Frame, 1),
		delivered: make(chan []byte, pendingQueueDepth),
		done:      make(chan struct{}),
	}
}

// Received delivers fully reassembled inbound payloads to the owner
// (typically an ECU actor's dispatch loop).
func (s *Session) Received() <-chan []byte { return s.delivered }

// Close cancels any in-flight transfer and unblocks waiters. Safe to
// call multiple times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
		s.mu.Lock()
		if s.rx != nil && s.rx.timer != nil {
			s.rx.timer.Stop()
		}
		s.rx = nil
		s.mu.Unlock()
	})
}

// HandleFrame processes one frame already known to carry this
// session's peerID. Frames with any other arbitration ID must be
// silently discarded by the caller before reaching here.
func (s *Session) HandleFrame(f canbus.Frame) {
	if f.Len == 0 {
		return
	}
	switch pciNibble(f.Data[0]) {
	case pciSingleFrame:
		s.handleSingleFrame(f)
	case pciFirstFrame:
		s.handleFirstFrame(f)
	case pciConsecutiveFrame:
		s.handleConsecutiveFrame(f)
	case pciFlowControl:
		select {
		case s.fcChan <- f:
		default:
			// No Send() is waiting on flow control; a stray or late
			// FC from the peer is simply stale.
		}
	default:
		s.log.Printf("isotp: unrecognized PCI 0x%X from %03X", f.Data[0]>>4, f.ID)
	}
}

func (s *Session) handleSingleFrame(f canbus.Frame) {
	n, err := decodeSingleFrame(f.Data[0])
	if err != nil {
		s.log.Printf("isotp: %v", err)
		return
	}
	if int(f.Len) < n+1 {
		s.log.Printf("isotp: single frame declares %d bytes but only %d present", n, f.Len-1)
		return
	}
	payload := append([]byte(nil), f.Data[1:1+n]...)
	s.deliver(payload)
}

func (s *Session) handleFirstFrame(f canbus.Frame) {
	if f.Len < 2 {
		s.log.Printf("isotp: first frame too short")
		return
	}
	total, err := decodeFirstFrame(f.Data[0], f.Data[1])
	if err != nil {
		s.log.Printf("isotp: %v", err)
		return
	}

	s.mu.Lock()
	if s.rx != nil {
		s.log.Printf("isotp: new first frame from %03X replaces in-progress transfer (%d/%d bytes)",
			f.ID, len(s.rx.buf), s.rx.total)
		if s.rx.timer != nil {
			s.rx.timer.Stop()
		}
	}
	initEnd := int(f.Len)
	if initEnd > frameDataLen {
		initEnd = frameDataLen
	}
	buf := make([]byte, 0, total)
	buf = append(buf, f.Data[2:initEnd]...)
	rx := &receiveState{total: total, buf: buf, expectedSeq: 1}
	rx.timer = time.AfterFunc(nCr, func() { s.onNCrTimeout(rx) })
	s.rx = rx
	s.mu.Unlock()

	s.sendFlowControl(fcClearToSend, 0, 0)
}

func (s *Session) handleConsecutiveFrame(f canbus.Frame) {
	s.mu.Lock()
	rx := s.rx
	if rx == nil {
		s.mu.Unlock()
		s.log.Printf("isotp: consecutive frame from %03X with no transfer in progress", f.ID)
		return
	}
	seq := f.Data[0] & 0x0F
	if seq != rx.expectedSeq {
		s.log.Printf("isotp: sequence mismatch from %03X: expected %d got %d, aborting transfer", f.ID, rx.expectedSeq, seq)
		if rx.timer != nil {
			rx.timer.Stop()
		}
		s.rx = nil
		s.mu.Unlock()
		return
	}

	remaining := rx.total - len(rx.buf)
	avail := int(f.Len) - 1
	if avail < 0 {
		avail = 0
	}
	n := avail
	if n > remaining {
		n = remaining
	}
	if n > 0 {
		rx.buf = append(rx.buf, f.Data[1:1+n]...)
	}
	rx.expectedSeq = (rx.expectedSeq + 1) & 0x0F

	complete := len(rx.buf) >= rx.total
	if complete {
		if rx.timer != nil {
			rx.timer.Stop()
		}
		s.rx = nil
	} else {
		rx.timer.Reset(nCr)
	}
	s.mu.Unlock()

	if complete {
		s.deliver(rx.buf)
	}
}

func (s *Session) onNCrTimeout(rx *receiveState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rx == rx {
		s.log.Printf("isotp: N_Cr timeout, discarding partial transfer (%d/%d bytes)", len(rx.buf), rx.total)
		s.rx = nil
	}
}

func (s *Session) deliver(payload []byte) {
	select {
	case s.delivered <- payload:
	default:
		s.log.Printf("isotp: pending-request queue full (depth %d), dropping reassembled payload", pendingQueueDepth)
	}
}

func (s *Session) sendFlowControl(flag, blockSize, stMin byte) {
	data := []byte{byte(pciFlowControl)<<4 | flag, blockSize, stMin}
	if err := s.bus.Send(canbus.NewFrame(s.selfID, data)); err != nil {
		s.log.Printf("isotp: failed to send flow control: %v", err)
	}
}

// Send segments payload and transmits it as one Single Frame or a
// First Frame plus Consecutive Frames, running the full flow-control
// handshake for multi-frame transfers. It blocks until the transfer
// completes, fails, or the session is closed.
func (s *Session) Send(payload []byte) error {
	if len(payload) < 1 || len(payload) > MaxPayload {
		return fmt.Errorf("isotp: payload length %d out of range 1..%d", len(payload), MaxPayload)
	}
	if len(payload) <= frameDataLen-1 {
		data := make([]byte, 0, frameDataLen)
		data = append(data, byte(pciSingleFrame)<<4|byte(len(payload)))
		data = append(data, payload...)
		return s.bus.Send(canbus.NewFrame(s.selfID, data))
	}
	return s.sendMultiFrame(payload)
}

func (s *Session) sendMultiFrame(payload []byte) error {
	total := len(payload)
	ff := []byte{
		byte(pciFirstFrame)<<4 | byte((total>>8)&0x0F),
		byte(total & 0xFF),
	}
	ff = append(ff, payload[:6]...)
	if err := s.bus.Send(canbus.NewFrame(s.selfID, ff)); err != nil {
		return fmt.Errorf("isotp: send first frame: %w", err)
	}
	sent := 6
	seq := byte(1)
	waits := 0

	for sent < total {
		fc, err := s.waitFlowControl(nBs)
		if err != nil {
			return err
		}
		flag := fc.Data[0] & 0x0F
		switch flag {
		case fcOverflow:
			return fmt.Errorf("isotp: peer reported overflow")
		case fcWait:
			waits++
			if waits > maxConsecutiveWaits {
				return fmt.Errorf("isotp: exceeded %d consecutive flow-control waits", maxConsecutiveWaits)
			}
			continue
		case fcClearToSend:
			waits = 0
		default:
			return fmt.Errorf("isotp: invalid flow control flag 0x%X", flag)
		}

		blockSize := fc.Data[1]
		wait := time.Duration(stMinNanos(fc.Data[2]))
		count := 0
		for sent < total && (blockSize == 0 || count < int(blockSize)) {
			select {
			case <-s.done:
				return fmt.Errorf("isotp: session closed mid-transfer")
			default:
			}
			chunkLen := total - sent
			if chunkLen > 7 {
				chunkLen = 7
			}
			cf := make([]byte, 0, frameDataLen)
			cf = append(cf, byte(pciConsecutiveFrame)<<4|seq)
			cf = append(cf, payload[sent:sent+chunkLen]...)
			if err := s.bus.Send(canbus.NewFrame(s.selfID, cf)); err != nil {
				return fmt.Errorf("isotp: send consecutive frame: %w", err)
			}
			sent += chunkLen
			seq = (seq + 1) & 0x0F
			count++
			if sent < total && wait > 0 {
				time.Sleep(wait)
			}
		}
	}
	return nil
}

func (s *Session) waitFlowControl(timeout time.Duration) (canbus.Frame, error) {
	select {
	case f := <-s.fcChan:
		return f, nil
	case <-time.After(timeout):
		return canbus.Frame{}, fmt.Errorf("isotp: N_Bs timeout waiting for flow control")
	case <-s.done:
		return canbus.Frame{}, fmt.Errorf("isotp: session closed")
	}
}

var _ = nAs // reserved for single-frame send-side timing budgets
