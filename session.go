package device

import (
	"fmt"
	"time"

	"github.com/ezclang/device/internal/interfaces"
	"github.com/ezclang/device/internal/registry"
	"github.com/ezclang/device/internal/wire"
)

// CommitSegment is one (address, bytes) pair in a commit request body
// (§4.D): the device writes Data starting at Addr into its code buffer.
type CommitSegment struct {
	Addr uint64
	Data []byte
}

// FormatResultFunc renders a buffered Result frame body into the text the
// host's stdout sink should see. readCString lets it dereference a
// char*/const char* result by issuing a nested memory.read.cstr call on the
// same session (§4.E's expression-result formatting note) — this is safe
// because the outer call's frame exchange has already completed by the time
// Return triggers formatting.
type FormatResultFunc func(raw []byte, readCString func(addr uint64) (string, error)) (string, error)

// HostCallbacks is the read-only callback table a Session is constructed
// with: where StdOut frame bodies and formatted Result values go (§4.E,
// §5's "host-callback table... supplied at connect and read-only for the
// session lifetime").
type HostCallbacks struct {
	Stdout       func(string)
	FormatResult FormatResultFunc
}

// Session is the central state machine described in §4.E: it owns the
// endpoint registry, the operational byte channel, and the disconnecting
// guard, and drives the call request/response loop.
type Session struct {
	DeviceID string

	registry *registry.Registry
	channel  interfaces.ByteChannel
	codec    *wire.Codec
	logger   interfaces.Logger
	observer Observer

	Callbacks HostCallbacks

	// tcpTail mirrors the TCP transport's extra post-response Disconnect
	// frame (§4.E, §6): a second frame sent after the Disconnect response
	// has already been validated, with no reply expected.
	tcpTail bool

	connected     bool
	disconnecting bool
}

func newSession(deviceID string, reg *registry.Registry, ch interfaces.ByteChannel, codec *wire.Codec, logger interfaces.Logger, callbacks HostCallbacks, observer Observer, tcpTail bool) *Session {
	return &Session{
		DeviceID:  deviceID,
		registry:  reg,
		channel:   ch,
		codec:     codec,
		logger:    logger,
		Callbacks: callbacks,
		observer:  observer,
		tcpTail:   tcpTail,
		connected: true,
	}
}

// wrapWireErr classifies an error surfaced by the codec or the underlying
// channel into the device error taxonomy (§7). Encoding-time API misuse
// maps to HostAPIError; everything else reaching this far — malformed
// frames, padding, channel I/O failure — is a ProtocolError.
func wrapWireErr(deviceID, op string, err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*wire.ErrHostAPI); ok {
		return WrapError(ErrKindHostAPIError, deviceID, op, err)
	}
	return WrapError(ErrKindProtocolError, deviceID, op, err)
}

// resolveEndpoint returns logical's registry entry, issuing a nested
// lookup call if its address has not yet been resolved (§4.D's resolution
// rule). The lookup endpoint itself is never resolved lazily — its
// address must come from Setup.
func (s *Session) resolveEndpoint(logical string) (*registry.Endpoint, error) {
	ep := s.registry.Get(logical)
	if ep == nil {
		return nil, NewDeviceError(ErrKindProtocolError, s.DeviceID, logical, fmt.Sprintf("unknown endpoint %q", logical))
	}
	if ep.Resolved() {
		return ep, nil
	}
	if logical == registry.Lookup {
		return nil, NewDeviceError(ErrKindProtocolError, s.DeviceID, logical, "lookup endpoint address not resolved by setup")
	}

	addrs, err := s.Lookup([]string{ep.Symbol})
	if err != nil {
		return nil, err
	}
	addr := addrs[ep.Symbol]
	if addr == 0 {
		return nil, NewDeviceError(ErrKindProtocolError, s.DeviceID, logical, fmt.Sprintf("device did not resolve symbol %s", ep.Symbol))
	}
	s.registry.Relocate(ep.Symbol, addr)
	return ep, nil
}

// call runs the request/response loop described in §4.E: resolve the
// endpoint, send a Call frame built by encode, then read frames in arrival
// order until Return, dispatching Result/StdOut/Call/Connect/Disconnect
// per the receive-loop dispatch table. decode receives the Return frame's
// body and is responsible for its own error-code and Done handling — the
// memory.read.cstr endpoint's decoder skips the error code entirely, every
// other endpoint's reads it first.
func (s *Session) call(logical string, encode func(*wire.OutboundBuilder) error, decode func(*wire.InboundFrame) error) error {
	ep, err := s.resolveEndpoint(logical)
	if err != nil {
		return err
	}

	start := time.Now()
	b := s.codec.Build(wire.OpCall, ep.Addr)
	if err := encode(b); err != nil {
		return wrapWireErr(s.DeviceID, logical, err)
	}
	bytesSent := uint64(b.BodyLen()) + wire.HeaderSize
	if err := b.Send(s.channel); err != nil {
		return wrapWireErr(s.DeviceID, logical, err)
	}

	var pendingResult []byte
	var bytesRecv uint64
	for {
		frame, err := s.codec.Receive(s.channel)
		if err != nil {
			s.observeCall(logical, bytesSent, bytesRecv, start, false)
			return wrapWireErr(s.DeviceID, logical, err)
		}
		bytesRecv += frame.Header.Size

		switch frame.Header.Opcode {
		case wire.OpResult:
			pendingResult = frame.ReadBytesRemaining()
			if err := frame.Done(); err != nil {
				s.observeCall(logical, bytesSent, bytesRecv, start, false)
				return wrapWireErr(s.DeviceID, logical, err)
			}

		case wire.OpStdOut:
			out := frame.ReadBytesRemaining()
			if err := frame.Done(); err != nil {
				s.observeCall(logical, bytesSent, bytesRecv, start, false)
				return wrapWireErr(s.DeviceID, logical, err)
			}
			if s.Callbacks.Stdout != nil {
				s.Callbacks.Stdout(string(out))
			}

		case wire.OpReturn:
			decodeErr := decode(frame)
			s.observeCall(logical, bytesSent, bytesRecv, start, decodeErr == nil)
			if decodeErr != nil {
				return decodeErr
			}
			if pendingResult != nil && s.Callbacks.FormatResult != nil {
				text, ferr := s.Callbacks.FormatResult(pendingResult, s.ReadCString)
				if ferr != nil {
					return WrapError(ErrKindProtocolError, s.DeviceID, logical, ferr)
				}
				if s.Callbacks.Stdout != nil {
					s.Callbacks.Stdout(text)
				}
			}
			return nil

		case wire.OpCall:
			s.observeCall(logical, bytesSent, bytesRecv, start, false)
			return NewDeviceError(ErrKindProtocolError, s.DeviceID, logical, "callbacks not yet supported")

		case wire.OpConnect:
			s.observeCall(logical, bytesSent, bytesRecv, start, false)
			return &Error{Kind: ErrKindUnexpectedReboot, DeviceID: s.DeviceID, Op: logical, Msg: "device sent Connect (Setup) mid-session"}

		case wire.OpDisconnect:
			code, cerr := frame.ReadErrorCode()
			s.observeCall(logical, bytesSent, bytesRecv, start, false)
			if cerr == nil && code == wire.ErrSuccess {
				return NewDeviceError(ErrKindProtocolError, s.DeviceID, logical, "unexpected Disconnect frame with error=Success")
			}
			reason, _ := frame.ReadString()
			return &Error{Kind: ErrKindUnexpectedDisconnect, DeviceID: s.DeviceID, Op: logical, Msg: reason}

		default:
			s.observeCall(logical, bytesSent, bytesRecv, start, false)
			return NewDeviceError(ErrKindProtocolError, s.DeviceID, logical, fmt.Sprintf("unexpected opcode %s", frame.Header.Opcode))
		}
	}
}

func (s *Session) observeCall(logical string, bytesSent, bytesRecv uint64, start time.Time, success bool) {
	if s.observer == nil {
		return
	}
	s.observer.ObserveCall(logical, bytesSent, bytesRecv, uint64(time.Since(start).Nanoseconds()), success)
}

// standardEmptyDecode builds the ReadErrorCode-then-Done decoder shared by
// commit and execute, which carry no response body beyond the error byte.
func standardEmptyDecode(deviceID, logical string) func(*wire.InboundFrame) error {
	return func(f *wire.InboundFrame) error {
		code, err := f.ReadErrorCode()
		if err != nil {
			return wrapWireErr(deviceID, logical, err)
		}
		if code != wire.ErrSuccess {
			msg, _ := f.ReadString()
			return &Error{Kind: ErrKindDeviceErrorReport, DeviceID: deviceID, Op: logical, Msg: msg}
		}
		if err := f.Done(); err != nil {
			return wrapWireErr(deviceID, logical, err)
		}
		return nil
	}
}

// Lookup resolves a batch of device-side symbols to addresses in one
// round trip (§4.D). An unknown symbol resolves to address 0 rather than
// failing the whole call — success and failure coexist in one response.
func (s *Session) Lookup(symbols []string) (map[string]uint64, error) {
	result := make(map[string]uint64, len(symbols))

	encode := func(b *wire.OutboundBuilder) error {
		if err := b.WriteU32(uint64(len(symbols))); err != nil {
			return err
		}
		for _, sym := range symbols {
			if err := b.WriteString(sym); err != nil {
				return err
			}
		}
		return nil
	}

	decode := func(f *wire.InboundFrame) error {
		code, err := f.ReadErrorCode()
		if err != nil {
			return wrapWireErr(s.DeviceID, registry.Lookup, err)
		}
		if code != wire.ErrSuccess {
			msg, _ := f.ReadString()
			return &Error{Kind: ErrKindDeviceErrorReport, DeviceID: s.DeviceID, Op: registry.Lookup, Msg: msg}
		}
		count, err := f.ReadU32()
		if err != nil {
			return wrapWireErr(s.DeviceID, registry.Lookup, err)
		}
		if int(count) != len(symbols) {
			return NewDeviceError(ErrKindProtocolError, s.DeviceID, registry.Lookup, fmt.Sprintf("expected %d addresses, got %d", len(symbols), count))
		}
		for _, sym := range symbols {
			addr, err := f.ReadAddr()
			if err != nil {
				return wrapWireErr(s.DeviceID, registry.Lookup, err)
			}
			result[sym] = addr
		}
		if err := f.Done(); err != nil {
			return wrapWireErr(s.DeviceID, registry.Lookup, err)
		}
		return nil
	}

	if err := s.call(registry.Lookup, encode, decode); err != nil {
		return nil, err
	}
	return result, nil
}

// Commit writes one or more code segments into the device's code buffer
// (§4.D).
func (s *Session) Commit(segments []CommitSegment) error {
	encode := func(b *wire.OutboundBuilder) error {
		if err := b.WriteU32(uint64(len(segments))); err != nil {
			return err
		}
		for _, seg := range segments {
			if err := b.WriteAddr(seg.Addr); err != nil {
				return err
			}
			if err := b.WriteSize(uint64(len(seg.Data))); err != nil {
				return err
			}
			if err := b.WriteBytes(seg.Data); err != nil {
				return err
			}
		}
		return nil
	}
	return s.call(registry.Commit, encode, standardEmptyDecode(s.DeviceID, registry.Commit))
}

// Execute runs the code committed at addr. Any StdOut frames the device
// emits before its Return are delivered to Callbacks.Stdout in arrival
// order, via the shared receive loop in call.
func (s *Session) Execute(addr uint64) error {
	encode := func(b *wire.OutboundBuilder) error { return b.WriteAddr(addr) }
	return s.call(registry.Execute, encode, standardEmptyDecode(s.DeviceID, registry.Execute))
}

// ReadCString reads a NUL-terminated string out of device memory at addr.
// Its response carries no leading error byte — a known asymmetry in the
// wire format (§4.D, §9) — so its decoder skips ReadErrorCode entirely.
func (s *Session) ReadCString(addr uint64) (string, error) {
	var out string
	encode := func(b *wire.OutboundBuilder) error { return b.WriteAddr(addr) }
	decode := func(f *wire.InboundFrame) error {
		str, err := f.ReadString()
		if err != nil {
			return wrapWireErr(s.DeviceID, registry.MemoryReadCStr, err)
		}
		out = str
		if err := f.Done(); err != nil {
			return wrapWireErr(s.DeviceID, registry.MemoryReadCStr, err)
		}
		return nil
	}
	if err := s.call(registry.MemoryReadCStr, encode, decode); err != nil {
		return "", err
	}
	return out, nil
}

// Disconnect sends a Disconnect frame and validates the single Disconnect
// response, then closes the channel (§4.E). It is idempotent: a second
// call, or a call when the channel is already closed, is a no-op. The
// disconnecting guard prevents re-entrant disconnect during scope
// unwinding (§5).
func (s *Session) Disconnect() error {
	if s.disconnecting || !s.connected {
		return nil
	}
	s.disconnecting = true
	defer func() { s.disconnecting = false }()

	b := s.codec.Build(wire.OpDisconnect, 0)
	if err := b.Send(s.channel); err != nil {
		s.connected = false
		return wrapWireErr(s.DeviceID, "disconnect", err)
	}

	frame, err := s.codec.Receive(s.channel)
	if err != nil {
		s.connected = false
		return wrapWireErr(s.DeviceID, "disconnect", err)
	}
	if frame.Header.Opcode != wire.OpDisconnect {
		s.connected = false
		return NewDeviceError(ErrKindProtocolError, s.DeviceID, "disconnect", fmt.Sprintf("expected Disconnect response, got %s", frame.Header.Opcode))
	}
	code, err := frame.ReadErrorCode()
	if err != nil {
		s.connected = false
		return wrapWireErr(s.DeviceID, "disconnect", err)
	}
	if code != wire.ErrSuccess {
		s.connected = false
		return NewDeviceError(ErrKindProtocolError, s.DeviceID, "disconnect", "device reported failure on disconnect")
	}
	if err := frame.Done(); err != nil {
		s.connected = false
		return wrapWireErr(s.DeviceID, "disconnect", err)
	}

	if s.tcpTail {
		// TCP transport tail (§4.E, §6): a second Disconnect frame lets the
		// server-side cleanly shut down. No response is expected or read.
		tail := s.codec.Build(wire.OpDisconnect, 0)
		_ = tail.Send(s.channel)
	}

	s.connected = false
	return s.channel.Close()
}

// Connected reports whether the session still considers its channel open.
func (s *Session) Connected() bool { return s.connected }
