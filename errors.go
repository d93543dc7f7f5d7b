package device

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorKind is the device-session error taxonomy described in §7, by kind
// rather than by name.
type ErrorKind string

const (
	ErrKindHandshakeFailed      ErrorKind = "handshake failed"
	ErrKindRecoveryFailed       ErrorKind = "recovery failed"
	ErrKindProtocolError        ErrorKind = "protocol error"
	ErrKindDeviceErrorReport    ErrorKind = "device error report"
	ErrKindUnexpectedReboot     ErrorKind = "unexpected reboot"
	ErrKindUnexpectedDisconnect ErrorKind = "unexpected disconnect"
	ErrKindHostAPIError         ErrorKind = "host API error"
	ErrKindReplaceFirmwareFailed ErrorKind = "replace firmware failed"
	ErrKindExternalToolFailed   ErrorKind = "external tool failed"
	ErrKindUserInterrupt        ErrorKind = "user interrupt"
)

// Error is the device-session core's single structured error type: every
// error raised above the channel layer carries a Kind, the device it
// concerns, the operation that failed, a message, and an optional wrapped
// cause (§7).
type Error struct {
	Kind     ErrorKind
	DeviceID string
	Op       string
	Msg      string
	Cause    error
}

func (e *Error) Error() string {
	var parts []string
	if e.Op != "" {
		parts = append(parts, fmt.Sprintf("op=%s", e.Op))
	}
	if e.DeviceID != "" {
		parts = append(parts, fmt.Sprintf("device=%s", e.DeviceID))
	}

	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}

	if len(parts) > 0 {
		return fmt.Sprintf("device: %s (%s)", msg, strings.Join(parts, ", "))
	}
	return fmt.Sprintf("device: %s", msg)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is comparison by Kind alone, matching a sentinel
// *Error{Kind: X} the way callers typically probe for a specific failure
// class.
func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Kind == te.Kind
}

// NewError constructs a structured error for a given kind and operation.
func NewError(kind ErrorKind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// NewDeviceError constructs a structured error scoped to one device.
func NewDeviceError(kind ErrorKind, deviceID, op, msg string) *Error {
	return &Error{Kind: kind, DeviceID: deviceID, Op: op, Msg: msg}
}

// WrapError wraps cause under kind, preserving it for errors.Unwrap/As.
func WrapError(kind ErrorKind, deviceID, op string, cause error) *Error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, DeviceID: deviceID, Op: op, Msg: cause.Error(), Cause: cause}
}

// IsKind reports whether err is (or wraps) an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == kind
	}
	return false
}
