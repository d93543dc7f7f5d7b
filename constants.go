package device

import (
	"time"

	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/transport"
)

// Re-exported timing defaults so embedders can reference the same budgets
// the core uses internally without importing internal/constants.
const (
	DefaultSerialByteTimeout           = constants.SerialByteTimeout
	DefaultSubprocessFirstPollTimeout  = constants.SubprocessFirstPollTimeout
	DefaultSubprocessSteadyPollTimeout = constants.SubprocessSteadyPollTimeout
	DefaultSocketHandshakeRetryWindow  = constants.SocketHandshakeRetryWindow
	DefaultSerialSoftResetRetryWindow  = constants.SerialSoftResetRetryWindow
	DefaultSerialPortReappearTimeout   = constants.SerialPortReappearTimeout
	DefaultPostReflashSettleDelay      = constants.PostReflashSettleDelay
)

// TransportKind names the medium a DeviceProfile connects over (§3's
// DeviceProfile addition).
type TransportKind string

const (
	TransportSerial     TransportKind = "serial"
	TransportSocket     TransportKind = "socket"
	TransportSubprocess TransportKind = "subprocess"
)

// DeviceProfile is the per-device configuration record driving recovery
// (§4.F) and the façade (§4.G): device identity, how to reach it, where
// its firmware lives, and how to hard-reset it.
type DeviceProfile struct {
	DeviceID  string
	Transport TransportKind

	// ConnectInfo fields, populated per Transport kind.
	SerialPort        string   // TransportSerial
	DeviceSerial      string   // TransportSerial, optional USB serial number
	SocketAddr        string   // TransportSocket, "host:port"
	SubprocessCommand string   // TransportSubprocess
	SubprocessArgs    []string // TransportSubprocess

	FirmwareImagePath string
	FlasherCommand    string
	FlasherArgs       []string
	HardResetFamily   transport.HardResetFamily

	// ProbeHandshakeFirst sends the magic token before awaiting it back,
	// required by board families (Teensy LC, Adafruit Metro M0) whose
	// bootloader waits for the host to probe before replying (§4.C).
	ProbeHandshakeFirst bool

	// RecoveryTimeout bounds automated recovery retries before the
	// interactive/manual steps in §4.F are offered. Defaults to
	// DefaultSerialSoftResetRetryWindow when zero.
	RecoveryTimeout time.Duration
}

// recoveryTimeout returns p.RecoveryTimeout, defaulting to
// DefaultSerialSoftResetRetryWindow for every transport kind if unset.
func (p DeviceProfile) recoveryTimeout() time.Duration {
	return p.RecoveryTimeoutOrDefault()
}

// RecoveryTimeoutOrDefault returns p.RecoveryTimeout, or
// DefaultSerialSoftResetRetryWindow when it is unset, for callers (e.g.
// devctl) that want to display or log the effective recovery budget.
func (p DeviceProfile) RecoveryTimeoutOrDefault() time.Duration {
	if p.RecoveryTimeout > 0 {
		return p.RecoveryTimeout
	}
	return constants.SerialSoftResetRetryWindow
}
