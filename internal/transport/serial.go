package transport

import (
	"context"
	"fmt"
	"time"

	"go.bug.st/serial/enumerator"

	"github.com/ezclang/device/internal/channel"
	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/interfaces"
)

// HardResetFamily names the board family a SerialTransport hard-resets
// against (§4.F, §6).
type HardResetFamily string

const (
	HardResetNone   HardResetFamily = "none"
	HardResetSAM    HardResetFamily = "sam"
	HardResetTeensy HardResetFamily = "teensy"
)

// SerialTransport owns a serial port and knows the device's serial number
// for port-reappearance polling in AwaitReconnect.
type SerialTransport struct {
	DeviceID     string
	PortName     string
	DeviceSerial string
	HardReset    HardResetFamily
	logger       interfaces.Logger

	// ProbeHandshakeFirst sends the magic token before awaiting it back,
	// for board families whose bootloader waits on the host to probe
	// liveness rather than announcing itself unprompted (§4.C; Teensy LC
	// and Adafruit Metro M0 both require this, Due and the lm3s811 QEMU
	// target do not).
	ProbeHandshakeFirst bool

	ch *channel.SerialChannel
}

var _ Transport = (*SerialTransport)(nil)

// NewSerialTransport constructs a transport bound to portName. deviceSerial
// may be empty if the device does not expose a USB serial number, in which
// case AwaitReconnect falls back to retrying the original port.
// probeHandshakeFirst sets ProbeHandshakeFirst (§4.C).
func NewSerialTransport(deviceID, portName, deviceSerial string, hardReset HardResetFamily, probeHandshakeFirst bool, logger interfaces.Logger) *SerialTransport {
	return &SerialTransport{
		DeviceID:            deviceID,
		PortName:            portName,
		DeviceSerial:        deviceSerial,
		HardReset:           hardReset,
		ProbeHandshakeFirst: probeHandshakeFirst,
		logger:              logger,
	}
}

// Reset discards any existing port handle and reopens the same port name.
func (t *SerialTransport) Reset() error {
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	ch, err := channel.OpenSerial(t.PortName)
	if err != nil {
		return fmt.Errorf("transport: serial reset: %w", err)
	}
	ch.SetTimeout(constants.SerialByteTimeout)
	t.ch = ch
	return nil
}

// Handshake awaits the magic token with a 1-second-per-byte timeout. When
// ProbeHandshakeFirst is set, it writes the token before awaiting it back,
// since some board families only reply once the host has probed (§4.C). On
// failure the port is closed so no half-open handle is left behind.
func (t *SerialTransport) Handshake() error {
	if t.ch == nil {
		if err := t.Reset(); err != nil {
			return err
		}
	}
	if t.ProbeHandshakeFirst {
		if err := sendHandshakeToken(t.ch); err != nil {
			_ = t.ch.Close()
			t.ch = nil
			return &ErrHandshakeFailed{DeviceID: t.DeviceID, Cause: err}
		}
	}
	observed, err := awaitHandshakeToken(t.ch)
	if err != nil {
		_ = t.ch.Close()
		t.ch = nil
		return &ErrHandshakeFailed{DeviceID: t.DeviceID, ActualReceived: observed, Cause: err}
	}
	return nil
}

// Finalize disables the read timeout for the operational phase.
func (t *SerialTransport) Finalize() interfaces.ByteChannel {
	t.ch.SetTimeout(0)
	return t.ch
}

// AwaitReconnect polls enumerated serial ports for threshold looking for
// one carrying DeviceSerial. If found on a different port name, PortName
// is updated; otherwise the transport keeps retrying on the original port
// as a best guess once the timeout elapses.
func (t *SerialTransport) AwaitReconnect(threshold time.Duration) error {
	if t.DeviceSerial == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), threshold)
	defer cancel()

	ticker := time.NewTicker(constants.SerialPortPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			if t.logger != nil {
				t.logger.Warn("serial port did not reappear with expected serial number, retrying original port", "device_id", t.DeviceID, "port", t.PortName)
			}
			return nil
		case <-ticker.C:
			ports, err := enumerator.GetDetailedPortsList()
			if err != nil {
				continue
			}
			for _, p := range ports {
				if p.IsUSB && p.SerialNumber == t.DeviceSerial && p.Name != t.PortName {
					if t.logger != nil {
						t.logger.Note("device reappeared on new port", "device_id", t.DeviceID, "old_port", t.PortName, "new_port", p.Name)
					}
					t.PortName = p.Name
					return nil
				}
			}
		}
	}
}

// HardResetToggle performs the DTR-toggle hard-reset sequence for
// SAM-family boards (§4.F, §6): open at 1200 baud, toggle DTR, close.
func HardResetToggle(portName string) error {
	ch, err := channel.OpenSerialAt(portName, constants.SAMHardResetBaud)
	if err != nil {
		return fmt.Errorf("transport: hard reset open: %w", err)
	}
	time.Sleep(constants.SAMHardResetToggleDelay)
	if err := ch.SetDTR(true); err != nil {
		_ = ch.Close()
		return fmt.Errorf("transport: hard reset assert DTR: %w", err)
	}
	time.Sleep(constants.SAMHardResetToggleDelay)
	if err := ch.SetDTR(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("transport: hard reset release DTR: %w", err)
	}
	return ch.Close()
}

// HardResetTeensy performs the short 134-baud open that signals a Teensy LC
// to enter its bootloader for the duration of a single context (§4.F, §6).
func HardResetTeensy(portName string) error {
	ch, err := channel.OpenSerialAt(portName, constants.TeensyHardResetBaud)
	if err != nil {
		return fmt.Errorf("transport: teensy hard reset open: %w", err)
	}
	return ch.Close()
}

// PerformHardReset signals the board to enter its bootloader according to
// t.HardReset, ready for an external flasher invocation. HardResetNone is a
// no-op. It does not itself wait out the post-reflash settle window — that
// delay only applies after the flasher has actually written an image
// (§4.F, §9 open question d).
func (t *SerialTransport) PerformHardReset() error {
	switch t.HardReset {
	case HardResetSAM:
		return HardResetToggle(t.PortName)
	case HardResetTeensy:
		return HardResetTeensy(t.PortName)
	default:
		return nil
	}
}

// Close releases the underlying serial port, if any.
func (t *SerialTransport) Close() error {
	if t.ch == nil {
		return nil
	}
	err := t.ch.Close()
	t.ch = nil
	return err
}
