package transport

import (
	"fmt"
	"time"

	"github.com/ezclang/device/internal/channel"
	"github.com/ezclang/device/internal/interfaces"
)

// SocketTransport owns a TCP connection to a remote executor (§4.C).
type SocketTransport struct {
	DeviceID string
	Addr     string
	logger   interfaces.Logger

	ch *channel.SocketChannel
}

var _ Transport = (*SocketTransport)(nil)

// NewSocketTransport constructs a transport bound to addr ("host:port").
func NewSocketTransport(deviceID, addr string, logger interfaces.Logger) *SocketTransport {
	return &SocketTransport{DeviceID: deviceID, Addr: addr, logger: logger}
}

// Reset discards any existing connection and dials addr again.
func (t *SocketTransport) Reset() error {
	if t.ch != nil {
		_ = t.ch.Close()
		t.ch = nil
	}
	ch, err := channel.DialSocket(t.Addr)
	if err != nil {
		return fmt.Errorf("transport: socket reset: %w", err)
	}
	t.ch = ch
	return nil
}

// Handshake validates the TCP connection Reset already established.
// Socket transports do not await the magic token (§4.C): unlike serial
// and subprocess media, the remote executor sends its Setup frame
// immediately on accept, with no handshake preamble to wait out. The 5s
// window named by SocketHandshakeRetryWindow governs how long
// recovery's backoff loop retries Reset+Handshake as a pair, not a
// per-byte read here.
func (t *SocketTransport) Handshake() error {
	if t.ch == nil {
		if err := t.Reset(); err != nil {
			return &ErrHandshakeFailed{DeviceID: t.DeviceID, Cause: err}
		}
	}
	return nil
}

// Finalize returns the channel with indefinite blocking reads for the
// operational phase.
func (t *SocketTransport) Finalize() interfaces.ByteChannel {
	t.ch.SetTimeout(0)
	return t.ch
}

// AwaitReconnect is a no-op for socket transports; recovery re-dials
// instead of polling for reappearance.
func (t *SocketTransport) AwaitReconnect(_ time.Duration) error { return nil }

// Close releases the underlying connection, if any.
func (t *SocketTransport) Close() error {
	if t.ch == nil {
		return nil
	}
	err := t.ch.Close()
	t.ch = nil
	return err
}
