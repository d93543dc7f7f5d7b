// Package channel implements the three concrete ByteChannel variants: a
// serial port, a TCP socket, and a spawned subprocess's stdin/stdout pipes.
// None of these interpret the bytes they move (§4.A).
package channel

import (
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/ezclang/device/internal/interfaces"
)

// SerialChannel is a ByteChannel over a named serial port at the OS default
// line settings (115200 8N1, matching the teacher's preference for sane
// defaults over configurability where the corpus never varies them).
type SerialChannel struct {
	port    serial.Port
	portName string
	timeout time.Duration
}

var _ interfaces.ByteChannel = (*SerialChannel)(nil)

// DefaultSerialMode is the OS default line setting used for every device in
// the corpus.
var DefaultSerialMode = &serial.Mode{
	BaudRate: 115200,
	DataBits: 8,
	Parity:   serial.NoParity,
	StopBits: serial.OneStopBit,
}

// OpenSerial opens portName at DefaultSerialMode.
func OpenSerial(portName string) (*SerialChannel, error) {
	port, err := serial.Open(portName, DefaultSerialMode)
	if err != nil {
		return nil, fmt.Errorf("channel: open serial port %s: %w", portName, err)
	}
	return &SerialChannel{port: port, portName: portName}, nil
}

// OpenSerialAt opens portName at the given baud rate, 8N1 — used by the
// SAM and Teensy hard-reset sequences, which signal "enter bootloader" via
// the baud rate of a momentary open rather than any data exchanged (§4.F).
func OpenSerialAt(portName string, baud int) (*SerialChannel, error) {
	mode := &serial.Mode{BaudRate: baud, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("channel: open serial port %s at %d baud: %w", portName, baud, err)
	}
	return &SerialChannel{port: port, portName: portName}, nil
}

// Reopen closes the current handle, if any, and reopens the same port —
// the serial transport's soft-reset primitive (§4.C).
func (c *SerialChannel) Reopen() error {
	if c.port != nil {
		_ = c.port.Close()
	}
	port, err := serial.Open(c.portName, DefaultSerialMode)
	if err != nil {
		return fmt.Errorf("channel: reopen serial port %s: %w", c.portName, err)
	}
	c.port = port
	c.SetTimeout(c.timeout)
	return nil
}

// ReadExact blocks until exactly n bytes have been read or the configured
// timeout elapses on an individual underlying read.
func (c *SerialChannel) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		m, err := c.port.Read(buf[read:])
		if err != nil && err != io.EOF {
			return buf[:read], fmt.Errorf("channel: serial read: %w", err)
		}
		if m == 0 {
			return buf[:read], fmt.Errorf("channel: serial read: %w", ErrTimeout)
		}
		read += m
	}
	return buf, nil
}

// WriteAll writes the entire buffer, looping over short writes.
func (c *SerialChannel) WriteAll(p []byte) error {
	written := 0
	for written < len(p) {
		n, err := c.port.Write(p[written:])
		if err != nil {
			return fmt.Errorf("channel: serial write: %w", err)
		}
		written += n
	}
	return nil
}

// SetTimeout sets the port's read timeout. Zero disables it, matching the
// operational-phase finalize() step in §4.C.
func (c *SerialChannel) SetTimeout(d time.Duration) {
	c.timeout = d
	if c.port == nil {
		return
	}
	if d <= 0 {
		_ = c.port.SetReadTimeout(serial.NoTimeout)
		return
	}
	_ = c.port.SetReadTimeout(d)
}

// Close releases the underlying port handle. Idempotent.
func (c *SerialChannel) Close() error {
	if c.port == nil {
		return nil
	}
	err := c.port.Close()
	c.port = nil
	return err
}

// SetDTR toggles the port's DTR line, used verbatim by the SAM-family
// hard-reset sequence in §4.F.
func (c *SerialChannel) SetDTR(v bool) error {
	if c.port == nil {
		return fmt.Errorf("channel: SetDTR called on closed port")
	}
	return c.port.SetDTR(v)
}
