// Package ecu implements one ECU actor: the binding of an ISO-TP
// session, a DTC manager, a UDS session, and the shared vehicle
// simulator to a single request/response CAN address pair, per
// spec.md section 4.5. Each ECU is a cooperatively scheduled task
// that owns its ISO-TP session exclusively; it reaches the bus only
// through the canbus.Bus handle it was constructed with, and it
// reaches the outside world only through the response frames that
// handle produces.
package ecu

import (
	"fmt"
	"log"
	"sync"

	"github.com/kestrel-auto/obdsim/internal/canbus"
	"github.com/kestrel-auto/obdsim/internal/dtc"
	"github.com/kestrel-auto/obdsim/internal/isotp"
	"github.com/kestrel-auto/obdsim/internal/obd"
	"github.com/kestrel-auto/obdsim/internal/uds"
	"github.com/kestrel-auto/obdsim/internal/vehiclesim"
)

// Identity is the addressing and DTC-prefix tuple that names one ECU,
// per spec.md section 3.
type Identity struct {
	Name       string
	RequestID  uint32
	ResponseID uint32
	DTCPrefix  string
}

// ECU binds one ISO-TP session, one DTC manager, one UDS session, and
// the shared vehicle simulator to a single address pair. It dispatches
// inbound reassembled payloads to the OBD or UDS handler by first-byte
// service classification.
type ECU struct {
	Identity Identity

	session *isotp.Session
	obdH    *obd.Handler
	udsH    *uds.Handler
	dtcMgr  *dtc.Manager
	log     *log.Logger

	mu       sync.Mutex
	sendLock sync.Mutex

	stop chan struct{}
	done chan struct{}
}

// New creates an ECU actor. bus is the endpoint this ECU sends and
// receives frames through -- the caller (the bus coordinator) owns
// demultiplexing inbound frames by arbitration ID before handing them
// to HandleFrame.
func New(identity Identity, bus canbus.Bus, sim *vehiclesim.Simulator, logger *log.Logger) *ECU {
	if logger == nil {
		logger = log.Default()
	}
	mgr := dtc.NewManager()
	e := &ECU{
		Identity: identity,
		session:  isotp.NewSession(bus, identity.ResponseID, identity.RequestID, logger),
		obdH:     &obd.Handler{Sim: sim, DTC: mgr},
		udsH:     uds.NewHandler(sim, mgr),
		dtcMgr:   mgr,
		log:      logger,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	return e
}

// DTCManager exposes this ECU's DTC store, for the control surface and
// for OBD/UDS list/inject operations.
func (e *ECU) DTCManager() *dtc.Manager { return e.dtcMgr }

// DispatchUDS runs a UDS request directly against this ECU's handler,
// bypassing the wire entirely. It exists for the control surface's
// actuator_control operation, which drives the same
// InputOutputControlByIdentifier path a real 0x2F frame would without
// requiring the caller to round-trip through ISO-TP.
func (e *ECU) DispatchUDS(payload []byte) ([]byte, error) {
	if len(payload) == 0 {
		return nil, fmt.Errorf("ecu: empty UDS request")
	}
	return e.udsH.Handle(uds.Service(payload[0]), payload[1:])
}

// AcceptsFrame reports whether f is addressed to this ECU, either by
// its physical request ID or the given functional broadcast ID.
func (e *ECU) AcceptsFrame(f canbus.Frame, functionalID uint32) bool {
	return f.ID == e.Identity.RequestID || f.ID == functionalID
}

// Run starts the ECU's dispatch loop: every payload the ISO-TP session
// reassembles is classified by service ID and handled in order,
// serializing all of this ECU's state transitions onto a single
// goroutine per spec.md's concurrency model. Run blocks until Close is
// called.
func (e *ECU) Run() {
	defer close(e.done)
	for {
		select {
		case payload, ok := <-e.session.Received():
			if !ok {
				return
			}
			e.dispatch(payload)
		case <-e.stop:
			return
		}
	}
}

// HandleFrame feeds one inbound frame already filtered to this ECU's
// addresses into its ISO-TP session.
func (e *ECU) HandleFrame(f canbus.Frame) {
	e.session.HandleFrame(f)
}

// dispatch classifies one reassembled request payload by its first
// (service ID) byte and runs the matching handler, then transmits the
// response. Mode/service bytes 0x01..0x0A are OBD-II; 0x10..0x85 are
// UDS; anything else draws a UDS-style negative response per
// spec.md's dispatcher rule.
func (e *ECU) dispatch(payload []byte) {
	if len(payload) == 0 {
		return
	}
	svc := payload[0]
	var resp []byte
	var err error

	switch {
	case svc >= 0x01 && svc <= 0x0A:
		resp, err = e.obdH.Handle(obd.Mode(svc), payload[1:])
		if err != nil {
			e.log.Printf("ecu:%s: obd mode %02X: %v (no response, per OBD-II convention)", e.Identity.Name, svc, err)
			return
		}
	case svc >= 0x10 && svc <= 0x85:
		resp, err = e.udsH.Handle(uds.Service(svc), payload[1:])
		if err != nil {
			if nr, ok := err.(*uds.NegativeResponse); ok {
				resp = []byte{0x7F, svc, byte(nr.Code)}
			} else {
				e.log.Printf("ecu:%s: uds service %02X: %v", e.Identity.Name, svc, err)
				return
			}
		}
	default:
		resp = []byte{0x7F, svc, 0x11} // serviceNotSupported
	}

	if resp == nil {
		return // e.g. TesterPresent with suppressPositiveResponse
	}
	e.send(resp)
}

// send transmits one response, holding sendLock so a second inbound
// request completing reassembly mid-transmit cannot interleave its
// own response onto the wire ahead of this one -- responses for a
// single ECU are emitted in request-completion order, per spec.md
// section 5.
func (e *ECU) send(payload []byte) {
	e.sendLock.Lock()
	defer e.sendLock.Unlock()
	if err := e.session.Send(payload); err != nil {
		e.log.Printf("ecu:%s: send response: %v", e.Identity.Name, err)
	}
}

// Close cancels the ECU's in-flight ISO-TP transfer and stops Run.
func (e *ECU) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.stop:
		return
	default:
		close(e.stop)
	}
	e.session.Close()
	<-e.done
}
