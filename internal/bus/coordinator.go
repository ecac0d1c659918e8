// Package bus implements the multi-ECU bus coordinator of spec.md
// section 4.5: it demultiplexes frames from the shared CAN bus to the
// ECU whose request ID matches, and fans functional-address broadcast
// frames out to every ECU. The coordinator exclusively owns the set
// of ECUs; ECUs never reference each other or the coordinator
// directly, only the shared canbus.Bus handle, breaking the ECU <->
// bus <-> coordinator cycle the source's tighter coupling would
// otherwise create.
package bus

import (
	"log"
	"sync"

	"github.com/kestrel-auto/obdsim/internal/canbus"
	"github.com/kestrel-auto/obdsim/internal/ecu"
)

// FunctionalRequestID is the conventional OBD-II functional broadcast
// arbitration ID (0x7DF), delivered to every ECU regardless of its own
// request ID.
const FunctionalRequestID = 0x7DF

// Coordinator owns a set of ECU actors sharing one canbus.Bus. It runs
// one read loop demultiplexing inbound frames to the matching ECU(s).
type Coordinator struct {
	wire canbus.Bus
	log  *log.Logger

	mu   sync.RWMutex
	ecus map[string]*ecu.ECU

	observer func(canbus.Frame)

	stop chan struct{}
	done chan struct{}
}

// SetObserver registers fn to be called with every frame the
// coordinator routes, in addition to normal dispatch. It exists for
// the capture package to tap bus traffic without the coordinator
// depending on capture. A nil fn disables observation.
func (c *Coordinator) SetObserver(fn func(canbus.Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observer = fn
}

// New creates a coordinator reading and writing through wire (an
// endpoint on a canbus.VirtualBus, a hardware bridge, or any other
// canbus.Bus implementation).
func New(wire canbus.Bus, logger *log.Logger) *Coordinator {
	if logger == nil {
		logger = log.Default()
	}
	return &Coordinator{
		wire: wire,
		log:  logger,
		ecus: make(map[string]*ecu.ECU),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// AddECU registers e with the coordinator and starts its dispatch
// loop. Must be called before Run.
func (c *Coordinator) AddECU(e *ecu.ECU) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ecus[e.Identity.Name] = e
	go e.Run()
}

// ECU returns a registered ECU by logical name, for the control
// surface.
func (c *Coordinator) ECU(name string) (*ecu.ECU, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.ecus[name]
	return e, ok
}

// ECUs returns every registered ECU, for operations that apply
// bus-wide (e.g. ignition-off hush, list_dtcs with no ECU filter).
func (c *Coordinator) ECUs() []*ecu.ECU {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*ecu.ECU, 0, len(c.ecus))
	for _, e := range c.ecus {
		out = append(out, e)
	}
	return out
}

// Run reads frames from the bus and demultiplexes each to the ECU(s)
// whose request ID matches, or to every ECU for the functional
// broadcast ID. Frames addressed to no registered ECU are silently
// dropped, matching a real bus where unaddressed traffic is simply
// not acted on. Run blocks until Close is called.
func (c *Coordinator) Run() {
	defer close(c.done)
	for {
		f, ok := c.wire.Recv(c.stop)
		if !ok {
			return
		}
		c.route(f)
	}
}

func (c *Coordinator) route(f canbus.Frame) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.observer != nil {
		c.observer(f)
	}
	for _, e := range c.ecus {
		if e.AcceptsFrame(f, FunctionalRequestID) {
			e.HandleFrame(f)
		}
	}
}

// Close stops Run and every registered ECU's dispatch loop.
func (c *Coordinator) Close() {
	select {
	case <-c.stop:
	default:
		close(c.stop)
	}
	<-c.done
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, e := range c.ecus {
		e.Close()
	}
}
