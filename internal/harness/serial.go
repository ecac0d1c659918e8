// Package harness bridges the simulated bus onto a real serial link,
// for hardware-in-the-loop testing against a physical ISO-TP/UDS tool
// that expects framed CAN traffic over a UART rather than SocketCAN.
// The serial port handling itself is grounded on the source project's
// testing/simulator/serial.go (github.com/tarm/serial.OpenPort); the
// framing and Bus-shaped wrapper are new, since that file only ever
// wrote raw ASCII adapter bytes and never implemented canbus.Bus.
package harness

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"log"

	"github.com/tarm/serial"

	"github.com/kestrel-auto/obdsim/internal/canbus"
)

const inboxDepth = 64

// frameHeaderLen is the wire header this bridge puts in front of every
// frame: a 2-byte big-endian arbitration ID followed by a 1-byte
// length, then that many data bytes.
const frameHeaderLen = 3

// SerialBus bridges a canbus.Bus to a serial port carrying framed CAN
// traffic, letting hardware connected over UART (a bench ISO-TP
// dongle, a logic analyzer replay fixture) exchange frames with the
// simulated ECUs.
type SerialBus struct {
	port   *serial.Port
	reader *bufio.Reader
	inbox  chan canbus.Frame
	log    *log.Logger
}

// Open opens the named serial port at baud and starts a background
// reader goroutine decoding frames from it.
func Open(portName string, baud int, logger *log.Logger) (*SerialBus, error) {
	cfg := &serial.Config{Name: portName, Baud: baud}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("harness: open %s: %w", portName, err)
	}
	if logger == nil {
		logger = log.Default()
	}
	sb := &SerialBus{
		port:   port,
		reader: bufio.NewReader(port),
		inbox:  make(chan canbus.Frame, inboxDepth),
		log:    logger,
	}
	go sb.readLoop()
	return sb, nil
}

func (sb *SerialBus) readLoop() {
	for {
		header := make([]byte, frameHeaderLen)
		if _, err := io.ReadFull(sb.reader, header); err != nil {
			if err != io.EOF {
				sb.log.Printf("harness: serial read error: %v", err)
			}
			return
		}
		id := uint32(binary.BigEndian.Uint16(header[0:2]))
		n := int(header[2])
		if n > canbus.MaxDataLen {
			sb.log.Printf("harness: serial frame claims %d data bytes, dropping stream", n)
			return
		}
		data := make([]byte, n)
		if n > 0 {
			if _, err := io.ReadFull(sb.reader, data); err != nil {
				sb.log.Printf("harness: serial read error: %v", err)
				return
			}
		}
		frame := canbus.NewFrame(id, data)
		select {
		case sb.inbox <- frame:
		default:
			sb.log.Printf("harness: inbox full, dropping frame %s", frame)
		}
	}
}

// Send encodes f as [id:2][len:1][data...] and writes it to the port.
func (sb *SerialBus) Send(f canbus.Frame) error {
	out := make([]byte, frameHeaderLen+int(f.Len))
	binary.BigEndian.PutUint16(out[0:2], uint16(f.ID))
	out[2] = f.Len
	copy(out[3:], f.Payload())
	if _, err := sb.port.Write(out); err != nil {
		return fmt.Errorf("harness: serial write: %w", err)
	}
	return nil
}

// Recv blocks for the next frame decoded off the serial port.
func (sb *SerialBus) Recv(done <-chan struct{}) (canbus.Frame, bool) {
	select {
	case f := <-sb.inbox:
		return f, true
	case <-done:
		return canbus.Frame{}, false
	}
}

// Close closes the underlying serial port.
func (sb *SerialBus) Close() error {
	return sb.port.Close()
}

var _ canbus.Bus = (*SerialBus)(nil)
