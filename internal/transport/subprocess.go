package transport

import (
	"fmt"
	"strings"
	"time"

	"github.com/ezclang/device/internal/channel"
	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/interfaces"
)

// SubprocessTransport owns a spawned child's stdin/stdout pipes (e.g. a
// QEMU emulator) per §4.C.
type SubprocessTransport struct {
	DeviceID     string
	Command      string
	Args         []string

	ch *channel.SubprocessChannel
}

var _ Transport = (*SubprocessTransport)(nil)

// NewSubprocessTransport constructs a transport that spawns command with
// args on Reset.
func NewSubprocessTransport(deviceID, command string, args []string) *SubprocessTransport {
	return &SubprocessTransport{DeviceID: deviceID, Command: command, Args: args}
}

// Reset kills any running child and spawns a fresh one. Idempotent in the
// sense that a caller may always call it to get a known-good child, though
// each call is itself a fresh process (the transport never reuses a
// child — see recovery's subprocess no-op in §4.F).
func (t *SubprocessTransport) Reset() error {
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	ch, err := channel.SpawnSubprocess(t.Command, t.Args...)
	if err != nil {
		return fmt.Errorf("transport: subprocess reset (%s): %w", strings.Join(append([]string{t.Command}, t.Args...), " "), err)
	}
	t.ch = ch
	return nil
}

// Handshake awaits the magic token using the first-poll/steady-state
// timeout schedule: one second for the first byte (the child may be slow
// to boot), then 100ms per byte thereafter.
func (t *SubprocessTransport) Handshake() error {
	if t.ch == nil {
		if err := t.Reset(); err != nil {
			return err
		}
	}
	t.ch.SetTimeout(constants.SubprocessFirstPollTimeout)
	first, err := t.ch.ReadExact(1)
	if err != nil {
		_ = t.ch.Close()
		t.ch = nil
		return &ErrHandshakeFailed{DeviceID: t.DeviceID, ActualReceived: first, Cause: err}
	}
	t.ch.SetTimeout(constants.SubprocessSteadyPollTimeout)

	observed := append([]byte{}, first...)
	rest, err := awaitHandshakeTokenFromByte(t.ch, first[0])
	observed = append(observed, rest...)
	if err != nil {
		_ = t.ch.Close()
		t.ch = nil
		return &ErrHandshakeFailed{DeviceID: t.DeviceID, ActualReceived: observed, Cause: err}
	}
	return nil
}

// awaitHandshakeTokenFromByte resumes the token matcher having already
// observed firstByte, used because the subprocess handshake reads its
// first byte under a distinct timeout from the rest.
func awaitHandshakeTokenFromByte(ch interfaces.ByteChannel, firstByte byte) ([]byte, error) {
	matched := 0
	if firstByte == handshakeToken[0] {
		matched = 1
	}
	var observed []byte
	for matched < len(handshakeToken) {
		b, err := ch.ReadExact(1)
		if err != nil {
			return observed, err
		}
		observed = append(observed, b[0])
		if b[0] == handshakeToken[matched] {
			matched++
		} else if b[0] == handshakeToken[0] {
			matched = 1
		} else {
			matched = 0
		}
	}
	return observed, nil
}

// Finalize shrinks the poll timeout to the steady-state value for the
// operational phase; subprocess channels are never given an unbounded
// timeout since a wedged child must still surface as a read failure.
func (t *SubprocessTransport) Finalize() interfaces.ByteChannel {
	t.ch.SetTimeout(constants.SubprocessSteadyPollTimeout)
	return t.ch
}

// AwaitReconnect is a no-op: subprocess recovery always relaunches a fresh
// child rather than waiting for one to reappear (§4.F).
func (t *SubprocessTransport) AwaitReconnect(_ time.Duration) error { return nil }

// Close kills the child and releases its pipes, if any.
func (t *SubprocessTransport) Close() error {
	if t.ch == nil {
		return nil
	}
	err := t.ch.Close()
	t.ch = nil
	return err
}
