// Package transport implements the medium-specific reset/handshake/
// reconnect contract described in §4.C: one Transport per byte channel,
// each owning exactly one ByteChannel at a time.
package transport

import (
	"time"

	"github.com/ezclang/device/internal/interfaces"
)

// Transport owns one ByteChannel and knows how to establish and recover it
// for one medium (serial, TCP socket, or subprocess pipes).
type Transport interface {
	// Reset discards any existing channel and prepares a new one. Reset is
	// idempotent: calling it again before Handshake is a no-op beyond
	// re-opening the channel.
	Reset() error

	// Handshake performs the medium-specific handshake. On failure it
	// returns *ErrHandshakeFailed carrying whatever bytes were actually
	// observed, and leaves no half-open channel behind.
	Handshake() error

	// Finalize adjusts timeouts for the operational phase and returns the
	// byte channel to the caller.
	Finalize() interfaces.ByteChannel

	// AwaitReconnect polls for the device to reappear within threshold.
	// Only the serial transport implements this meaningfully; other
	// variants return nil immediately.
	AwaitReconnect(threshold time.Duration) error

	// Close releases the underlying channel, if any.
	Close() error
}

// ErrHandshakeFailed is raised by Handshake when the magic token was not
// observed within the medium's timeout budget.
type ErrHandshakeFailed struct {
	DeviceID       string
	ActualReceived []byte
	Cause          error
}

func (e *ErrHandshakeFailed) Error() string {
	return "transport: handshake failed for device " + e.DeviceID
}

func (e *ErrHandshakeFailed) Unwrap() error { return e.Cause }

// handshakeToken is the magic 8-byte sequence both host and device await to
// synchronise their byte streams after a reset (§4.C, §GLOSSARY). It has no
// proper self-overlap, so a byte-at-a-time prefix matcher that restarts
// from index 0 on any mismatch is sufficient.
var handshakeToken = [8]byte{0x01, 0x23, 0x57, 0xBD, 0xBD, 0x57, 0x23, 0x01}

// awaitHandshakeToken reads one byte at a time from ch until the full
// handshake token has been observed in sequence, or deadline elapses. It
// returns every byte read (including garbage before the match) so a caller
// can report ActualReceived on failure.
func awaitHandshakeToken(ch interfaces.ByteChannel) ([]byte, error) {
	var observed []byte
	matched := 0
	for matched < len(handshakeToken) {
		b, err := ch.ReadExact(1)
		if err != nil {
			return observed, err
		}
		observed = append(observed, b[0])
		if b[0] == handshakeToken[matched] {
			matched++
		} else {
			// Restart from index 0. If the byte that broke the match is
			// itself the token's first byte, count it as already matched
			// (the token has no self-overlap beyond this single case).
			if b[0] == handshakeToken[0] {
				matched = 1
			} else {
				matched = 0
			}
		}
	}
	return observed, nil
}

// sendHandshakeToken writes the magic token, used by transports whose
// devices wait for the host to probe liveness before replying.
func sendHandshakeToken(ch interfaces.ByteChannel) error {
	return ch.WriteAll(handshakeToken[:])
}
