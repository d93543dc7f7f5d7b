package device

import (
	"errors"
	"fmt"

	"github.com/ezclang/device/internal/interfaces"
	"github.com/ezclang/device/internal/recovery"
	"github.com/ezclang/device/internal/registry"
	"github.com/ezclang/device/internal/transport"
	"github.com/ezclang/device/internal/wire"
)

// ConnectCandidate is a scan result a device-script is asked whether it
// recognises, before the caller commits to a full Connect (§4.G's
// accept(info) entry point).
type ConnectCandidate struct {
	SerialPort   string
	DeviceSerial string
	SocketAddr   string
}

// Device is the device-script façade described in §4.G: one instance per
// physical or emulated device, with no shared mutable namespace between
// devices. It owns the transport, the recoverer, the endpoint registry,
// and — once Setup has run — the Session driving calls.
type Device struct {
	Profile   DeviceProfile
	Logger    interfaces.Logger
	Callbacks HostCallbacks
	Observer  Observer

	// Version and code buffer parameters populated by Setup from the
	// device's announced Setup frame (§4.D, §6).
	Version        string
	CodeBufferAddr uint64
	CodeBufferSize uint64

	prompter  recovery.Prompter
	transport transport.Transport
	recoverer recovery.Recoverer
	registry  *registry.Registry
	codec     *wire.Codec

	channel interfaces.ByteChannel
	session *Session

	connected bool
}

// DeviceOption configures a Device at construction time.
type DeviceOption func(*Device)

// WithLogger attaches a logger consumed by the transport, recovery, and
// codec layers.
func WithLogger(l interfaces.Logger) DeviceOption {
	return func(d *Device) { d.Logger = l }
}

// WithPrompter attaches the interactive prompter recovery uses for its
// manual-reboot and reflash confirmations. Without one, every recovery
// prompt is treated as declined.
func WithPrompter(p recovery.Prompter) DeviceOption {
	return func(d *Device) { d.prompter = p }
}

// WithObserver attaches a call-level telemetry observer, e.g. one backed
// by a Metrics value.
func WithObserver(o Observer) DeviceOption {
	return func(d *Device) { d.Observer = o }
}

// WithCallbacks attaches the host callback table (stdout sink and result
// formatter) a Session is constructed with at Setup time.
func WithCallbacks(c HostCallbacks) DeviceOption {
	return func(d *Device) { d.Callbacks = c }
}

// WithVerbose enables the codec's per-frame hex dump (logged via whatever
// Logger is attached) — wired through from devctl's --verbose flag.
func WithVerbose(v bool) DeviceOption {
	return func(d *Device) { d.codec.SetVerbose(v) }
}

// WithTransport overrides the transport NewDevice would otherwise build
// from profile.Transport, along with the recoverer driving it. Use this to
// wire a medium with no TransportKind of its own — an in-process fake
// device, or a test double — while keeping the rest of Device's
// construction (registry, codec, callbacks) unchanged.
func WithTransport(t transport.Transport, r recovery.Recoverer) DeviceOption {
	return func(d *Device) {
		d.transport = t
		d.recoverer = r
	}
}

// NewDevice constructs a Device for profile, building the transport and
// recoverer appropriate to its TransportKind (§4.C, §4.F).
func NewDevice(profile DeviceProfile, opts ...DeviceOption) (*Device, error) {
	d := &Device{
		Profile:  profile,
		registry: registry.New(),
		codec:    wire.NewCodec(nil),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.Logger != nil {
		d.codec.SetLogger(d.Logger)
	}
	if d.transport != nil {
		// WithTransport already supplied a medium and recoverer; skip the
		// profile-driven default construction below.
		return d, nil
	}

	switch profile.Transport {
	case TransportSerial:
		d.transport = transport.NewSerialTransport(profile.DeviceID, profile.SerialPort, profile.DeviceSerial, profile.HardResetFamily, profile.ProbeHandshakeFirst, d.Logger)
		d.recoverer = &recovery.SerialRecoverer{
			DeviceID: profile.DeviceID,
			Firmware: recovery.FirmwareSource{
				ImagePath: profile.FirmwareImagePath,
				Command:   profile.FlasherCommand,
				Args:      profile.FlasherArgs,
			},
			Prompter:        d.prompter,
			Logger:          d.Logger,
			SoftResetWindow: profile.recoveryTimeout(),
		}
	case TransportSocket:
		d.transport = transport.NewSocketTransport(profile.DeviceID, profile.SocketAddr, d.Logger)
		d.recoverer = &recovery.SocketRecoverer{
			DeviceID:    profile.DeviceID,
			Prompter:    d.prompter,
			Logger:      d.Logger,
			RetryWindow: profile.recoveryTimeout(),
		}
	case TransportSubprocess:
		d.transport = transport.NewSubprocessTransport(profile.DeviceID, profile.SubprocessCommand, profile.SubprocessArgs)
		d.recoverer = &recovery.SubprocessRecoverer{DeviceID: profile.DeviceID}
	default:
		return nil, NewDeviceError(ErrKindProtocolError, profile.DeviceID, "new_device", fmt.Sprintf("unknown transport kind %q", profile.Transport))
	}
	return d, nil
}

// Accept reports whether candidate matches this Device's profile, for a
// caller scanning several candidate devices before committing to a full
// Connect (§4.G).
func (d *Device) Accept(candidate ConnectCandidate) bool {
	switch d.Profile.Transport {
	case TransportSerial:
		if d.Profile.DeviceSerial != "" {
			return candidate.DeviceSerial == d.Profile.DeviceSerial
		}
		return candidate.SerialPort == d.Profile.SerialPort
	case TransportSocket:
		return candidate.SocketAddr == d.Profile.SocketAddr
	default:
		return true
	}
}

// Connect establishes the transport's handshake, dispatching to recovery
// on HandshakeFailed, then finalizes it for the operational phase and
// returns the resulting byte channel (§4.E's connect(info)). Setup must be
// called next before any endpoint call.
func (d *Device) Connect() (interfaces.ByteChannel, error) {
	if err := d.transport.Reset(); err != nil {
		return nil, WrapError(ErrKindHandshakeFailed, d.Profile.DeviceID, "connect", err)
	}

	if err := d.transport.Handshake(); err != nil {
		var hf *transport.ErrHandshakeFailed
		if !errors.As(err, &hf) {
			return nil, WrapError(ErrKindHandshakeFailed, d.Profile.DeviceID, "connect", err)
		}
		if d.Logger != nil {
			d.Logger.Warn("handshake failed, attempting recovery", "device_id", d.Profile.DeviceID, "actual_received", hf.ActualReceived)
		}
		if err := d.recoverer.Recover(d.transport); err != nil {
			return nil, WrapError(ErrKindRecoveryFailed, d.Profile.DeviceID, "connect", err)
		}
	}

	d.channel = d.transport.Finalize()
	return d.channel, nil
}

// Setup reads the device's Setup message over the channel Connect
// returned, relocating every reported symbol into the endpoint registry,
// and constructs the Session that Call/Lookup/Commit/Execute/ReadCString
// operate on (§4.E's setup(stream, host, device)).
func (d *Device) Setup() error {
	if d.channel == nil {
		return NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, "setup", "setup called before connect")
	}

	frame, err := d.codec.Receive(d.channel)
	if err != nil {
		return wrapWireErr(d.Profile.DeviceID, "setup", err)
	}
	if frame.Header.Opcode != wire.OpConnect {
		return NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, "setup", fmt.Sprintf("expected Connect (Setup) frame, got %s", frame.Header.Opcode))
	}

	version, err := frame.ReadString()
	if err != nil {
		return wrapWireErr(d.Profile.DeviceID, "setup", err)
	}
	bufAddr, err := frame.ReadAddr()
	if err != nil {
		return wrapWireErr(d.Profile.DeviceID, "setup", err)
	}
	bufSize, err := frame.ReadSize()
	if err != nil {
		return wrapWireErr(d.Profile.DeviceID, "setup", err)
	}
	count, err := frame.ReadU32()
	if err != nil {
		return wrapWireErr(d.Profile.DeviceID, "setup", err)
	}

	for i := uint64(0); i < count; i++ {
		sym, err := frame.ReadString()
		if err != nil {
			return wrapWireErr(d.Profile.DeviceID, "setup", err)
		}
		addr, err := frame.ReadAddr()
		if err != nil {
			return wrapWireErr(d.Profile.DeviceID, "setup", err)
		}
		if !d.registry.Relocate(sym, addr) {
			if d.Logger != nil {
				d.Logger.Warn("setup announced an unrecognised symbol", "device_id", d.Profile.DeviceID, "symbol", sym)
			}
		}
	}
	if err := frame.Done(); err != nil {
		return wrapWireErr(d.Profile.DeviceID, "setup", err)
	}
	if err := d.registry.RequireLookupResolved(); err != nil {
		return WrapError(ErrKindProtocolError, d.Profile.DeviceID, "setup", err)
	}

	d.Version = version
	d.CodeBufferAddr = bufAddr
	d.CodeBufferSize = bufSize
	d.session = newSession(d.Profile.DeviceID, d.registry, d.channel, d.codec, d.Logger, d.Callbacks, d.Observer, d.Profile.Transport == TransportSocket)
	d.connected = true
	return nil
}

// RelocateEndpoint matches symbol against the four known endpoints,
// populating its address on a match (§4.E). It reports whether symbol was
// recognised; an unrecognised symbol is not an error.
func (d *Device) RelocateEndpoint(symbol string, addr uint64) bool {
	return d.registry.Relocate(symbol, addr)
}

// CallRequest is the generic argument to Call, the façade's
// call(endpoint, data) entry point (§4.G). Exactly the fields relevant to
// the named endpoint are read.
type CallRequest struct {
	Symbols  []string        // lookup
	Segments []CommitSegment // commit
	Addr     uint64          // execute, memory.read.cstr
}

// CallResponse is the generic result of Call.
type CallResponse struct {
	Addrs map[string]uint64 // lookup
	Str   string            // memory.read.cstr
}

// Call dispatches to the typed endpoint method named by logical — the
// façade's generic call(endpoint, data) entry point. Embedders that know
// which endpoint they want should prefer Lookup/Commit/Execute/ReadCString
// directly; Call exists for callers that dispatch on a logical name
// received from elsewhere (e.g. the devctl operator tool).
func (d *Device) Call(logical string, req CallRequest) (CallResponse, error) {
	if d.session == nil {
		return CallResponse{}, NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, logical, "call before setup")
	}
	switch logical {
	case registry.Lookup:
		addrs, err := d.session.Lookup(req.Symbols)
		return CallResponse{Addrs: addrs}, err
	case registry.Commit:
		err := d.session.Commit(req.Segments)
		return CallResponse{}, err
	case registry.Execute:
		err := d.session.Execute(req.Addr)
		return CallResponse{}, err
	case registry.MemoryReadCStr:
		str, err := d.session.ReadCString(req.Addr)
		return CallResponse{Str: str}, err
	default:
		return CallResponse{}, NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, logical, fmt.Sprintf("unknown endpoint %q", logical))
	}
}

// Lookup resolves a batch of device-side symbols to addresses (§4.D).
func (d *Device) Lookup(symbols []string) (map[string]uint64, error) {
	if d.session == nil {
		return nil, NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, registry.Lookup, "call before setup")
	}
	return d.session.Lookup(symbols)
}

// Commit writes one or more code segments into the device's code buffer
// (§4.D).
func (d *Device) Commit(segments []CommitSegment) error {
	if d.session == nil {
		return NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, registry.Commit, "call before setup")
	}
	return d.session.Commit(segments)
}

// Execute runs the code committed at addr.
func (d *Device) Execute(addr uint64) error {
	if d.session == nil {
		return NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, registry.Execute, "call before setup")
	}
	return d.session.Execute(addr)
}

// ReadCString reads a NUL-terminated string out of device memory at addr.
func (d *Device) ReadCString(addr uint64) (string, error) {
	if d.session == nil {
		return "", NewDeviceError(ErrKindProtocolError, d.Profile.DeviceID, registry.MemoryReadCStr, "call before setup")
	}
	return d.session.ReadCString(addr)
}

// Disconnect ends the session and closes the channel (§4.E). It is a
// no-op if Setup never completed.
func (d *Device) Disconnect() error {
	if d.session == nil {
		return nil
	}
	err := d.session.Disconnect()
	d.connected = false
	return err
}

// Connected reports whether this Device currently has a live session.
func (d *Device) Connected() bool {
	return d.connected && d.session != nil && d.session.Connected()
}

// Close releases the underlying transport regardless of session state —
// for callers that abandon a Device before Setup completes.
func (d *Device) Close() error {
	if d.transport == nil {
		return nil
	}
	return d.transport.Close()
}
