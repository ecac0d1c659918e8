//go:build linux

package canbus

import (
	"fmt"
	"log"

	daqcanbus "github.com/go-daq/canbus"
)

// RawSocketBus is a second, lower-level SocketCAN bridge using
// go-daq/canbus's raw socket API instead of brutella/can's handler
// model (see hardware_linux.go). It is adapted from the source
// project's root-level testing/simulator.go, which opened a raw
// vcan0 socket the same way. The vCAN integration harness
// (cmd/vcanharness) uses this binding, not HardwareBus, against real
// cansend/candump tooling.
type RawSocketBus struct {
	sock *daqcanbus.Socket
	log  *log.Logger
}

// NewRawSocketBus opens and binds a raw SocketCAN socket on iface.
func NewRawSocketBus(iface string, logger *log.Logger) (*RawSocketBus, error) {
	sock, err := daqcanbus.New()
	if err != nil {
		return nil, fmt.Errorf("canbus: raw socket: %w", err)
	}
	if err := sock.Bind(iface); err != nil {
		sock.Close()
		return nil, fmt.Errorf("canbus: bind %s: %w", iface, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RawSocketBus{sock: sock, log: logger}, nil
}

// Send transmits a standard (11-bit) frame.
func (r *RawSocketBus) Send(f Frame) error {
	_, err := r.sock.Send(daqcanbus.Frame{
		ID:   f.ID,
		Data: append([]byte(nil), f.Payload()...),
		Kind: daqcanbus.SFF,
	})
	return err
}

// Recv blocks for the next frame from the socket. done is polled
// between reads since the underlying socket read is itself blocking;
// callers that need prompt shutdown should close the socket via
// Close from another goroutine.
func (r *RawSocketBus) Recv(done <-chan struct{}) (Frame, bool) {
	select {
	case <-done:
		return Frame{}, false
	default:
	}
	raw, err := r.sock.Recv()
	if err != nil {
		return Frame{}, false
	}
	var data [MaxDataLen]byte
	n := copy(data[:], raw.Data)
	return Frame{ID: raw.ID, Data: data, Len: uint8(n)}, true
}

// Close releases the underlying socket.
func (r *RawSocketBus) Close() error {
	return r.sock.Close()
}

var _ Bus = (*RawSocketBus)(nil)
