//go:build !integration

// Package unit holds tests that exercise the device package's
// configuration and error plumbing without needing a live device —
// anything in here runs on every checkout, no hardware or emulator
// required.
package unit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	device "github.com/ezclang/device"
)

func TestDeviceProfileRecoveryTimeoutDefault(t *testing.T) {
	p := device.DeviceProfile{DeviceID: "d0", Transport: device.TransportSerial}
	assert.Equal(t, device.DefaultSerialSoftResetRetryWindow, p.RecoveryTimeoutOrDefault())
}

func TestDeviceProfileRecoveryTimeoutExplicit(t *testing.T) {
	p := device.DeviceProfile{
		DeviceID:        "d0",
		Transport:       device.TransportSerial,
		RecoveryTimeout: 7 * time.Second,
	}
	assert.Equal(t, 7*time.Second, p.RecoveryTimeoutOrDefault())
}

func TestNewDeviceRejectsUnknownTransport(t *testing.T) {
	_, err := device.NewDevice(device.DeviceProfile{DeviceID: "d0", Transport: "carrier-pigeon"})
	require.Error(t, err)

	var de *device.Error
	require.True(t, errors.As(err, &de))
	assert.Equal(t, device.ErrKindProtocolError, de.Kind)
}

func TestAcceptDefaultsTrueForSubprocess(t *testing.T) {
	d, err := device.NewDevice(device.DeviceProfile{DeviceID: "d0", Transport: device.TransportSubprocess})
	require.NoError(t, err)
	assert.True(t, d.Accept(device.ConnectCandidate{}))
}

func TestAcceptMatchesSocketByAddr(t *testing.T) {
	d, err := device.NewDevice(device.DeviceProfile{
		DeviceID:   "d0",
		Transport:  device.TransportSocket,
		SocketAddr: "127.0.0.1:9000",
	})
	require.NoError(t, err)

	assert.True(t, d.Accept(device.ConnectCandidate{SocketAddr: "127.0.0.1:9000"}))
	assert.False(t, d.Accept(device.ConnectCandidate{SocketAddr: "127.0.0.1:9001"}))
}

func TestErrorIsMatchesByKindOnly(t *testing.T) {
	err := device.NewDeviceError(device.ErrKindProtocolError, "d0", "lookup", "bad frame")
	target := device.NewError(device.ErrKindProtocolError, "", "")

	assert.True(t, errors.Is(err, target))
	assert.False(t, errors.Is(err, device.NewError(device.ErrKindHandshakeFailed, "", "")))
}

func TestWrapErrorPreservesCause(t *testing.T) {
	cause := errors.New("short read")
	err := device.WrapError(device.ErrKindHandshakeFailed, "d0", "connect", cause)

	require.Error(t, err)
	assert.True(t, errors.Is(err, cause))
	assert.True(t, device.IsKind(err, device.ErrKindHandshakeFailed))
}

func TestCallBeforeSetupReportsProtocolError(t *testing.T) {
	d, err := device.NewDevice(device.DeviceProfile{DeviceID: "d0", Transport: device.TransportSubprocess})
	require.NoError(t, err)

	_, err = d.Call("lookup", device.CallRequest{Symbols: []string{"x"}})
	require.Error(t, err)
	assert.True(t, device.IsKind(err, device.ErrKindProtocolError))
}

func TestCallUnknownEndpointBeforeSetupReportsProtocolError(t *testing.T) {
	d, err := device.NewDevice(device.DeviceProfile{DeviceID: "d0", Transport: device.TransportSubprocess})
	require.NoError(t, err)

	// session is nil pre-setup, so this still surfaces as "call before
	// setup" rather than "unknown endpoint" — both are ErrKindProtocolError.
	_, err = d.Call("not.a.real.endpoint", device.CallRequest{})
	require.Error(t, err)
	assert.True(t, device.IsKind(err, device.ErrKindProtocolError))
}
