package device

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/fakedevice"
	"github.com/ezclang/device/internal/interfaces"
	"github.com/ezclang/device/internal/transport"
)

// fakeMediumTransport adapts an internal/fakedevice.FakeDevice — which
// implements interfaces.ByteChannel directly — into a transport.Transport,
// so Device.Connect/Setup can be exercised against it exactly as they
// would be against a real medium.
type fakeMediumTransport struct {
	dev    *fakedevice.FakeDevice
	closed bool
}

func (f *fakeMediumTransport) Reset() error { return nil }

func (f *fakeMediumTransport) Handshake() error {
	tok, err := f.dev.ReadExact(len(constants.HandshakeToken))
	if err != nil {
		return &transport.ErrHandshakeFailed{ActualReceived: tok, Cause: err}
	}
	if !bytes.Equal(tok, constants.HandshakeToken[:]) {
		return &transport.ErrHandshakeFailed{ActualReceived: tok}
	}
	return nil
}

func (f *fakeMediumTransport) Finalize() interfaces.ByteChannel { return f.dev }

func (f *fakeMediumTransport) AwaitReconnect(_ time.Duration) error { return nil }

func (f *fakeMediumTransport) Close() error {
	f.closed = true
	return f.dev.Close()
}

var _ transport.Transport = (*fakeMediumTransport)(nil)

// newTestDevice builds a Device wired directly to a fresh FakeDevice,
// bypassing NewDevice's transport-kind switch (there is no TransportKind
// for an in-process fake).
func newTestDevice(t *testing.T, dev *fakedevice.FakeDevice) *Device {
	t.Helper()
	d, err := NewDevice(DeviceProfile{DeviceID: "fake-0", Transport: TransportSubprocess})
	require.NoError(t, err)
	d.transport = &fakeMediumTransport{dev: dev}
	return d
}

func connectAndSetup(t *testing.T, d *Device) {
	t.Helper()
	_, err := d.Connect()
	require.NoError(t, err)
	require.NoError(t, d.Setup())
}

func TestConnectSetupDisconnect(t *testing.T) {
	dev := fakedevice.New()
	d := newTestDevice(t, dev)
	connectAndSetup(t, d)

	assert.Equal(t, uint64(0x20002000), d.CodeBufferAddr)
	assert.Equal(t, uint64(1<<20), d.CodeBufferSize)
	assert.True(t, d.Connected())

	require.NoError(t, d.Disconnect())
	assert.False(t, d.Connected())
}

func TestLookupBatchMixedSuccess(t *testing.T) {
	dev := fakedevice.New()
	dev.AddSymbol("sym_ok", 0x4242)
	d := newTestDevice(t, dev)
	connectAndSetup(t, d)

	addrs, err := d.Lookup([]string{"sym_ok", "sym_nope"})
	require.NoError(t, err)
	assert.EqualValues(t, 0x4242, addrs["sym_ok"])
	assert.EqualValues(t, 0, addrs["sym_nope"])
}

func TestCommitAndReadBack(t *testing.T) {
	dev := fakedevice.New()
	d := newTestDevice(t, dev)
	connectAndSetup(t, d)

	const addr = 0x20002100
	payload := append([]byte("endcoal"), 0)

	require.NoError(t, d.Commit([]CommitSegment{{Addr: addr, Data: payload}}))

	str, err := d.ReadCString(addr)
	require.NoError(t, err)
	assert.Equal(t, "endcoal", str)
}

func TestCommitOverwriteDisjointSegments(t *testing.T) {
	dev := fakedevice.New()
	d := newTestDevice(t, dev)
	connectAndSetup(t, d)

	const addrA = 0x20002200
	const addrB = addrA + 0x20
	payloadA := append([]byte("endcars"), 0)
	payloadB := append([]byte("endcoal"), 0)

	// endcoal lands at addrA first; the batch below overwrites it.
	require.NoError(t, d.Commit([]CommitSegment{{Addr: addrA, Data: payloadB}}))
	require.NoError(t, d.Commit([]CommitSegment{
		{Addr: addrA, Data: payloadA},
		{Addr: addrB, Data: payloadB},
	}))

	strA, err := d.ReadCString(addrA)
	require.NoError(t, err)
	strB, err := d.ReadCString(addrB)
	require.NoError(t, err)
	assert.Equal(t, "endcars", strA)
	assert.Equal(t, "endcoal", strB)
}

func TestExecuteWithStdoutInterleave(t *testing.T) {
	dev := fakedevice.New()
	const addr = 0x20002300
	dev.SetExecuteStdout(addr, []string{"hello ", "world"})

	var stdout []string
	d := newTestDevice(t, dev)
	d.Callbacks = HostCallbacks{Stdout: func(s string) { stdout = append(stdout, s) }}
	connectAndSetup(t, d)

	require.NoError(t, d.Execute(addr))
	assert.Equal(t, []string{"hello ", "world"}, stdout)
}

// flakyHandshakeTransport fails Handshake until the call count named by
// failUntilCall has been reached, to exercise §4.F recovery from Connect's
// perspective without a real medium.
type flakyHandshakeTransport struct {
	calls         int
	failUntilCall int
	resets        int
}

func (f *flakyHandshakeTransport) Reset() error { f.resets++; return nil }

func (f *flakyHandshakeTransport) Handshake() error {
	f.calls++
	if f.calls <= f.failUntilCall {
		return &transport.ErrHandshakeFailed{ActualReceived: []byte{0xff, 0xff}}
	}
	return nil
}

func (f *flakyHandshakeTransport) Finalize() interfaces.ByteChannel { return fakedevice.New() }
func (f *flakyHandshakeTransport) AwaitReconnect(_ time.Duration) error { return nil }
func (f *flakyHandshakeTransport) Close() error                         { return nil }

var _ transport.Transport = (*flakyHandshakeTransport)(nil)

// succeedingRecoverer simulates a soft reset that succeeds on its second
// attempt, mirroring the scenario's "soft-reset returns Success on retry
// #2" wording without needing a full backoff window to elapse.
type succeedingRecoverer struct{}

func (succeedingRecoverer) Recover(t transport.Transport) error {
	return t.Handshake()
}

func TestHandshakeRecovery(t *testing.T) {
	ft := &flakyHandshakeTransport{failUntilCall: 1}
	d, err := NewDevice(DeviceProfile{DeviceID: "fake-1", Transport: TransportSubprocess})
	require.NoError(t, err)
	d.transport = ft
	d.recoverer = succeedingRecoverer{}

	_, err = d.Connect()
	require.NoError(t, err)
	assert.Equal(t, 2, ft.calls)
}

func TestCallBeforeSetupIsProtocolError(t *testing.T) {
	d, err := NewDevice(DeviceProfile{DeviceID: "fake-2", Transport: TransportSubprocess})
	require.NoError(t, err)

	_, err = d.Lookup([]string{"x"})
	require.Error(t, err)
	var de *Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ErrKindProtocolError, de.Kind)
}

func TestAcceptMatchesSerialByDeviceSerial(t *testing.T) {
	d, err := NewDevice(DeviceProfile{DeviceID: "d0", Transport: TransportSerial, DeviceSerial: "SN123"})
	require.NoError(t, err)

	assert.True(t, d.Accept(ConnectCandidate{DeviceSerial: "SN123"}))
	assert.False(t, d.Accept(ConnectCandidate{DeviceSerial: "other"}))
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dev := fakedevice.New()
	d := newTestDevice(t, dev)
	connectAndSetup(t, d)

	require.NoError(t, d.Disconnect())
	require.NoError(t, d.Disconnect())
}
