//go:build linux

package canbus

import (
	"fmt"
	"log"

	"github.com/brutella/can"
)

// HardwareBus bridges the virtual simulator to a real (or vcan0
// virtual-CAN) Linux SocketCAN interface, adapted from the CAN
// subscription pattern in the source project's main.go. It lets a
// real scan tool or candump/cansend talk to the simulated ECUs over
// an actual interface instead of the in-process VirtualBus.
type HardwareBus struct {
	iface string
	bus   *can.Bus
	inbox chan Frame
	log   *log.Logger
}

// NewHardwareBus opens the named SocketCAN interface (e.g. "vcan0")
// and starts forwarding received frames into an internal inbox.
func NewHardwareBus(iface string, logger *log.Logger) (*HardwareBus, error) {
	bus, err := can.NewBusForInterfaceWithName(iface)
	if err != nil {
		return nil, fmt.Errorf("canbus: open %s: %w", iface, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	hb := &HardwareBus{
		iface: iface,
		bus:   bus,
		inbox: make(chan Frame, endpointInboxDepth),
		log:   logger,
	}
	bus.SubscribeFunc(hb.onFrame)
	go func() {
		if err := bus.ConnectAndPublish(); err != nil {
			hb.log.Printf("canbus: %s disconnected: %v", iface, err)
		}
	}()
	return hb, nil
}

func (hb *HardwareBus) onFrame(f can.Frame) {
	frame := Frame{ID: uint32(f.ID), Data: f.Data, Len: f.Length}
	select {
	case hb.inbox <- frame:
	default:
		hb.log.Printf("canbus: %s inbox full, dropping frame %s", hb.iface, frame)
	}
}

// Send transmits a frame onto the real interface.
func (hb *HardwareBus) Send(f Frame) error {
	return hb.bus.Publish(can.Frame{ID: f.ID, Length: f.Len, Data: f.Data})
}

// Recv blocks for the next frame received from the interface.
func (hb *HardwareBus) Recv(done <-chan struct{}) (Frame, bool) {
	select {
	case f := <-hb.inbox:
		return f, true
	case <-done:
		return Frame{}, false
	}
}

// Close disconnects from the interface.
func (hb *HardwareBus) Close() error {
	return hb.bus.Disconnect()
}

var _ Bus = (*HardwareBus)(nil)
