// Package constants holds the wire-level constants and timing values the
// device-session protocol is frozen to. Nothing here is configurable per
// device; per-device knobs live in the root package's DeviceProfile.
package constants

import "time"

// Frame header layout (§3, §6) lives in internal/wire, which owns the
// codec; this package holds only the values that are protocol policy
// rather than wire format — the handshake token and timing budgets.

// HandshakeToken is the magic 8-byte sequence that synchronises host and
// device byte streams after a transport reset. It has no proper
// self-overlap, so a byte-at-a-time prefix matcher restarting from index 0
// on any mismatch is sufficient (no Knuth-Morris-Pratt failure table is
// needed).
var HandshakeToken = [8]byte{0x01, 0x23, 0x57, 0xBD, 0xBD, 0x57, 0x23, 0x01}

// Handshake and recovery timing. These are frozen constants rather than
// DeviceProfile fields because they describe protocol-level races (boot
// blink windows, udev-style settle time) rather than per-device policy.
const (
	// SerialByteTimeout bounds a single read_exact call during handshake on
	// a serial transport: 1 second per byte requested.
	SerialByteTimeout = time.Second

	// SubprocessFirstPollTimeout is the timeout for the first read from a
	// freshly spawned subprocess transport (it may be slow to boot).
	SubprocessFirstPollTimeout = time.Second

	// SubprocessSteadyPollTimeout is the timeout for subsequent reads once
	// the subprocess has produced its first byte.
	SubprocessSteadyPollTimeout = 100 * time.Millisecond

	// SocketHandshakeRetryWindow bounds how long a socket transport waits
	// for a handshake token using the OS's default read behaviour before
	// giving up and handing off to recovery.
	SocketHandshakeRetryWindow = 5 * time.Second

	// SerialSoftResetRetryWindow bounds how long serial recovery waits for
	// the handshake to succeed after a soft reset (port close/reopen).
	SerialSoftResetRetryWindow = 5 * time.Second

	// SerialPortReappearTimeout bounds await_reconnect's poll for a serial
	// port carrying the expected device serial number.
	SerialPortReappearTimeout = 30 * time.Second

	// SerialPortPollInterval is the spacing between port-enumeration scans
	// during await_reconnect.
	SerialPortPollInterval = 250 * time.Millisecond

	// PostReflashSettleDelay absorbs the device's boot-blink window after a
	// reflash. Without it, the handshake token is observed duplicated in
	// the stream — a known firmware quirk. Treat as required until the
	// firmware is revised (§9 open question d).
	PostReflashSettleDelay = 3 * time.Second
)

// Hard-reset signalling constants (§4.F, §6).
const (
	// SAMHardResetBaud is the 1200-baud open that a SAM-family boot ROM
	// interprets as "enter bootloader" when DTR is toggled on that port.
	SAMHardResetBaud = 1200

	// SAMHardResetToggleDelay is the pause between opening the port,
	// asserting DTR, and releasing it.
	SAMHardResetToggleDelay = 22 * time.Millisecond

	// TeensyHardResetBaud is the 134-baud open that signals a Teensy LC to
	// enter its bootloader for the duration of a single context.
	TeensyHardResetBaud = 134
)
