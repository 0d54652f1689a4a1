// Package bus implements the RS-485 half-duplex framed-packet protocol that
// carries both measurement records and OTA firmware blocks between one
// Server and many Clients on a shared serial wire.
//
// Wire frame: 0xAA | LEN | PAYLOAD[LEN] | CRC8 | 0x55. CRC8 is computed over
// [0xAA, LEN, PAYLOAD...] with polynomial 0x07, initial value 0x00, no
// reflection, no final XOR.
package bus

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"
)

const (
	startByte = 0xAA
	endByte   = 0x55

	// MaxPayload bounds allocation on read; a LEN above this is rejected
	// before any payload bytes are consumed.
	MaxPayload = 250

	// deSettle is the minimum hold time the transceiver direction-enable
	// line needs on each side of a transmission.
	deSettle = 10 * time.Microsecond

	// pollQuantum bounds how long a single underlying serial read can
	// block so ReadFrame can re-check its deadline frequently without
	// busy-spinning.
	pollQuantum = 20 * time.Millisecond
)

var (
	// ErrBusBusy is returned by SendRaw when a send is already in progress.
	ErrBusBusy = errors.New("bus: send already in progress")
	// ErrTimedOut is returned by ReadFrame when a byte does not arrive
	// before the deadline.
	ErrTimedOut = errors.New("bus: read timed out")
	// ErrBadCRC is returned by ReadFrame when the terminator byte is
	// wrong or the CRC8 does not validate.
	ErrBadCRC = errors.New("bus: bad crc or terminator")
	// ErrTruncated is returned by ReadFrame when LEN exceeds MaxPayload.
	ErrTruncated = errors.New("bus: frame too long")
)

// GPIO abstracts the transceiver's direction-enable pin so pkg/bus can run
// against real hardware or a test double.
type GPIO interface {
	Set(high bool) error
}

// noopGPIO is used when a node has no discrete DE pin (e.g. an auto-direction
// transceiver, or a host-side simulation).
type noopGPIO struct{}

func (noopGPIO) Set(bool) error { return nil }

// Frame is one decoded bus transmission.
type Frame struct {
	Payload []byte
}

// serialPort is the slice of go.bug.st/serial.Port that pkg/bus depends on.
// Declaring it locally (rather than holding a serial.Port directly) lets
// tests substitute an in-memory double without satisfying the library's
// full device-control surface.
type serialPort interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
	Drain() error
	SetReadTimeout(t time.Duration) error
}

// Bus owns the UART and DE pin exclusively, serializing access the way the
// node's task model requires (spec §5): only one goroutine may transmit at a
// time, and reads are driven from a single ingest goroutine per node.
type Bus struct {
	port serialPort
	de   GPIO

	mu      sync.Mutex
	sending bool
}

// Open configures and opens the serial device at the given path and baud
// rate, 8N1, and returns a Bus gating the given DE pin. If de is nil, DE
// gating is a no-op (auto-direction transceiver).
func Open(path string, baud int, de GPIO) (*Bus, error) {
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("bus: open %s: %w", path, err)
	}
	if de == nil {
		de = noopGPIO{}
	}
	return &Bus{port: port, de: de}, nil
}

// newWithPort is used by tests to drive a Bus over an in-memory serialPort
// double instead of a real serial.Port.
func newWithPort(port serialPort, de GPIO) *Bus {
	if de == nil {
		de = noopGPIO{}
	}
	return &Bus{port: port, de: de}
}

// Close releases the underlying serial port.
func (b *Bus) Close() error {
	return b.port.Close()
}

func crc8(data []byte) byte {
	var crc byte
	for _, d := range data {
		crc ^= d
		for i := 0; i < 8; i++ {
			if crc&0x80 != 0 {
				crc = (crc << 1) ^ 0x07
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// SendRaw transmits payload as one framed packet, gating the DE line for the
// duration of the write. It fails with ErrBusBusy if a send is already in
// flight and returns once every byte is flushed onto the wire.
func (b *Bus) SendRaw(payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("bus: payload of %d bytes exceeds max %d", len(payload), MaxPayload)
	}

	b.mu.Lock()
	if b.sending {
		b.mu.Unlock()
		return ErrBusBusy
	}
	b.sending = true
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.sending = false
		b.mu.Unlock()
	}()

	frame := make([]byte, 0, 3+len(payload)+1)
	frame = append(frame, startByte, byte(len(payload)))
	frame = append(frame, payload...)
	frame = append(frame, crc8(frame), endByte)

	if err := b.de.Set(true); err != nil {
		return fmt.Errorf("bus: DE high: %w", err)
	}
	time.Sleep(deSettle)

	if _, err := b.port.Write(frame); err != nil {
		b.de.Set(false)
		return fmt.Errorf("bus: write: %w", err)
	}
	if err := b.port.Drain(); err != nil {
		log.Printf("bus: drain after write: %v", err)
	}

	time.Sleep(deSettle)
	if err := b.de.Set(false); err != nil {
		return fmt.Errorf("bus: DE low: %w", err)
	}
	return nil
}

// readByte blocks for at most the time remaining until deadline and returns
// exactly one byte, or ErrTimedOut.
func (b *Bus) readByte(deadline time.Time) (byte, error) {
	buf := make([]byte, 1)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return 0, ErrTimedOut
		}
		wait := remaining
		if wait > pollQuantum {
			wait = pollQuantum
		}
		if err := b.port.SetReadTimeout(wait); err != nil {
			return 0, fmt.Errorf("bus: set read timeout: %w", err)
		}
		n, err := b.port.Read(buf)
		if err != nil {
			return 0, fmt.Errorf("bus: read: %w", err)
		}
		if n == 1 {
			return buf[0], nil
		}
		// n == 0: the quantum elapsed with nothing on the wire; loop
		// and re-check the overall deadline.
	}
}

// ReadFrame scans the input for a start byte and decodes one frame, blocking
// until the deadline. A malformed terminator or CRC discards the byte just
// read and the caller should retry; the scan position itself always resumes
// from the next byte on the next call.
func (b *Bus) ReadFrame(deadline time.Time) (Frame, error) {
	for {
		sb, err := b.readByte(deadline)
		if err != nil {
			return Frame{}, err
		}
		if sb != startByte {
			continue
		}

		lenByte, err := b.readByte(deadline)
		if err != nil {
			return Frame{}, err
		}
		length := int(lenByte)
		if length > MaxPayload {
			return Frame{}, ErrTruncated
		}

		payload := make([]byte, length)
		for i := range payload {
			pb, err := b.readByte(deadline)
			if err != nil {
				return Frame{}, err
			}
			payload[i] = pb
		}

		crcByte, err := b.readByte(deadline)
		if err != nil {
			return Frame{}, err
		}

		term, err := b.readByte(deadline)
		if err != nil {
			return Frame{}, err
		}
		if term != endByte {
			return Frame{}, ErrBadCRC
		}

		check := make([]byte, 0, 2+length)
		check = append(check, startByte, lenByte)
		check = append(check, payload...)
		if crc8(check) != crcByte {
			return Frame{}, ErrBadCRC
		}

		return Frame{Payload: payload}, nil
	}
}
