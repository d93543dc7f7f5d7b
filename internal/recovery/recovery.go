// Package recovery implements the per-medium cascades that run when a
// transport's handshake fails (§4.F): automated retry, an interactive
// manual-reboot step, and — for serial devices only — external firmware
// reflashing. Subprocess and socket media have much shorter cascades; all
// three expose the same Recoverer interface so the session can dispatch
// without a type switch of its own.
package recovery

import (
	"fmt"
	"os/exec"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/interfaces"
	"github.com/ezclang/device/internal/transport"
)

// Prompter asks the operator a yes/no question during an interactive
// recovery step. Confirm returns false on decline and ErrUserInterrupt if
// the operator aborts outright (Ctrl-C, EOF on the prompt stream).
type Prompter interface {
	Confirm(prompt string) (bool, error)
}

// ErrUserInterrupt is returned by a Prompter when the operator aborts a
// recovery prompt rather than answering it (§5, §7).
var ErrUserInterrupt = fmt.Errorf("recovery: user interrupted recovery prompt")

// ErrRecoveryFailed is returned when every recovery step for a transport
// has been exhausted without a successful handshake.
type ErrRecoveryFailed struct {
	DeviceID string
	Cause    error
}

func (e *ErrRecoveryFailed) Error() string {
	return fmt.Sprintf("recovery: recovery failed for device %s", e.DeviceID)
}

func (e *ErrRecoveryFailed) Unwrap() error { return e.Cause }

// ErrReplaceFirmwareFailed wraps a failure to reflash the device.
type ErrReplaceFirmwareFailed struct {
	DeviceID string
	Cause    error
}

func (e *ErrReplaceFirmwareFailed) Error() string {
	return fmt.Sprintf("recovery: firmware replacement failed for device %s", e.DeviceID)
}

func (e *ErrReplaceFirmwareFailed) Unwrap() error { return e.Cause }

// ErrExternalToolFailed wraps a non-zero exit or spawn failure from an
// external flasher invocation.
type ErrExternalToolFailed struct {
	Command string
	Cause   error
}

func (e *ErrExternalToolFailed) Error() string {
	return fmt.Sprintf("recovery: external tool %q failed", e.Command)
}

func (e *ErrExternalToolFailed) Unwrap() error { return e.Cause }

// Recoverer runs a medium-specific recovery cascade against a transport
// whose handshake has just failed. It returns nil once the transport has a
// live handshake again, or an error (typically *ErrRecoveryFailed) if every
// step was exhausted.
type Recoverer interface {
	Recover(t transport.Transport) error
}

// FirmwareSource describes where to find the replacement image and how to
// invoke the external flasher for one device (§1, §4.F: out-of-scope
// collaborators the core consumes a path and an invocation from).
type FirmwareSource struct {
	ImagePath string
	Command   string
	Args      []string
}

func (f FirmwareSource) runFlasher() error {
	args := make([]string, len(f.Args))
	copy(args, f.Args)
	args = append(args, f.ImagePath)
	cmd := exec.Command(f.Command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return &ErrExternalToolFailed{Command: f.Command, Cause: fmt.Errorf("%w: %s", err, out)}
	}
	return nil
}

// retryHandshake repeats reset-then-handshake with an exponential backoff
// until it succeeds or window elapses. The handshake's own per-medium
// timeout already bounds a single attempt; backoff just paces the retries
// so a medium that fails instantly (e.g. connection refused) doesn't spin.
func retryHandshake(t transport.Transport, window time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = window

	var lastErr error
	op := func() error {
		if err := t.Reset(); err != nil {
			lastErr = err
			return err
		}
		if err := t.Handshake(); err != nil {
			lastErr = err
			return err
		}
		return nil
	}
	if err := backoff.Retry(op, b); err != nil {
		return lastErr
	}
	return nil
}

// SerialRecoverer implements the serial cascade: soft-reset retry, then an
// interactive manual-reboot prompt with port-reappearance polling, then an
// interactive reflash prompt with a hard-reset into the bootloader (§4.F).
type SerialRecoverer struct {
	DeviceID string
	Firmware FirmwareSource
	Prompter Prompter
	Logger   interfaces.Logger

	// SoftResetWindow bounds the first automated retry phase. Defaults to
	// constants.SerialSoftResetRetryWindow when zero.
	SoftResetWindow time.Duration
	// ReappearTimeout bounds how long the manual-reboot step waits for the
	// port to come back. Defaults to constants.SerialPortReappearTimeout.
	ReappearTimeout time.Duration
}

var _ Recoverer = (*SerialRecoverer)(nil)

func (r *SerialRecoverer) softResetWindow() time.Duration {
	if r.SoftResetWindow > 0 {
		return r.SoftResetWindow
	}
	return constants.SerialSoftResetRetryWindow
}

func (r *SerialRecoverer) reappearTimeout() time.Duration {
	if r.ReappearTimeout > 0 {
		return r.ReappearTimeout
	}
	return constants.SerialPortReappearTimeout
}

func (r *SerialRecoverer) log(level, msg string, args ...any) {
	if r.Logger == nil {
		return
	}
	switch level {
	case "warn":
		r.Logger.Warn(msg, args...)
	default:
		r.Logger.Note(msg, args...)
	}
}

// Recover runs the three-step serial cascade described in §4.F.
func (r *SerialRecoverer) Recover(t transport.Transport) error {
	st, ok := t.(*transport.SerialTransport)
	if !ok {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: fmt.Errorf("recovery: SerialRecoverer given a non-serial transport")}
	}

	r.log("note", "attempting soft reset", "device_id", r.DeviceID)
	if err := retryHandshake(st, r.softResetWindow()); err == nil {
		return nil
	}

	ok, err := r.confirm("device did not respond; press the reset button now and confirm to continue")
	if err != nil {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: err}
	}
	if ok {
		if err := st.AwaitReconnect(r.reappearTimeout()); err != nil {
			return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: err}
		}
		if err := retryHandshake(st, r.softResetWindow()); err == nil {
			return nil
		}
	}

	ok, err = r.confirm("manual reboot did not recover the device; flash the bundled firmware image now")
	if err != nil {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: err}
	}
	if !ok {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID}
	}

	if err := st.PerformHardReset(); err != nil {
		return &ErrReplaceFirmwareFailed{DeviceID: r.DeviceID, Cause: err}
	}
	if err := r.Firmware.runFlasher(); err != nil {
		return &ErrReplaceFirmwareFailed{DeviceID: r.DeviceID, Cause: err}
	}
	time.Sleep(constants.PostReflashSettleDelay)

	if err := retryHandshake(st, r.softResetWindow()); err != nil {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: err}
	}
	return nil
}

func (r *SerialRecoverer) confirm(prompt string) (bool, error) {
	if r.Prompter == nil {
		return false, nil
	}
	return r.Prompter.Confirm(prompt)
}

// SocketRecoverer implements the socket cascade: retry the handshake, then
// ask the operator to (re)start the remote executor and retry once more
// (§4.F).
type SocketRecoverer struct {
	DeviceID string
	Prompter Prompter
	Logger   interfaces.Logger

	RetryWindow time.Duration
}

var _ Recoverer = (*SocketRecoverer)(nil)

func (r *SocketRecoverer) retryWindow() time.Duration {
	if r.RetryWindow > 0 {
		return r.RetryWindow
	}
	return constants.SocketHandshakeRetryWindow
}

func (r *SocketRecoverer) Recover(t transport.Transport) error {
	if err := retryHandshake(t, r.retryWindow()); err == nil {
		return nil
	}

	ok := false
	var err error
	if r.Prompter != nil {
		ok, err = r.Prompter.Confirm("remote executor did not respond; restart it now and confirm to retry")
		if err != nil {
			return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: err}
		}
	}
	if !ok {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID}
	}

	if err := retryHandshake(t, r.retryWindow()); err != nil {
		return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: err}
	}
	return nil
}

// SubprocessRecoverer implements the subprocess cascade, which is a no-op:
// the caller is expected to relaunch a fresh child (§4.F).
type SubprocessRecoverer struct {
	DeviceID string
}

var _ Recoverer = (*SubprocessRecoverer)(nil)

func (r *SubprocessRecoverer) Recover(t transport.Transport) error {
	return &ErrRecoveryFailed{DeviceID: r.DeviceID, Cause: fmt.Errorf("recovery: subprocess transports are not recoverable in place; relaunch the child")}
}
