package channel

import (
	"fmt"
	"net"
	"time"

	"github.com/ezclang/device/internal/interfaces"
)

// SocketChannel is a ByteChannel over a TCP connection (§4.A).
type SocketChannel struct {
	conn    net.Conn
	addr    string
	timeout time.Duration
}

var _ interfaces.ByteChannel = (*SocketChannel)(nil)

// DialSocket connects to addr ("host:port").
func DialSocket(addr string) (*SocketChannel, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("channel: dial %s: %w", addr, err)
	}
	return &SocketChannel{conn: conn, addr: addr}, nil
}

// Redial closes any existing connection and dials addr again.
func (c *SocketChannel) Redial() error {
	if c.conn != nil {
		_ = c.conn.Close()
	}
	conn, err := net.Dial("tcp", c.addr)
	if err != nil {
		return fmt.Errorf("channel: redial %s: %w", c.addr, err)
	}
	c.conn = conn
	c.SetTimeout(c.timeout)
	return nil
}

// ReadExact loops over short reads accumulating bytes until n are read or
// the deadline elapses.
func (c *SocketChannel) ReadExact(n int) ([]byte, error) {
	buf := make([]byte, n)
	read := 0
	for read < n {
		if c.timeout > 0 {
			_ = c.conn.SetReadDeadline(time.Now().Add(c.timeout))
		}
		m, err := c.conn.Read(buf[read:])
		if err != nil {
			return buf[:read], fmt.Errorf("channel: socket read: %w", err)
		}
		read += m
	}
	return buf, nil
}

// WriteAll sends the entire buffer in one Write call, looping over any
// short writes the kernel still hands back.
func (c *SocketChannel) WriteAll(p []byte) error {
	written := 0
	for written < len(p) {
		n, err := c.conn.Write(p[written:])
		if err != nil {
			return fmt.Errorf("channel: socket write: %w", err)
		}
		written += n
	}
	return nil
}

// SetTimeout sets the per-read deadline window. Zero means block
// indefinitely (the OS default operational behaviour).
func (c *SocketChannel) SetTimeout(d time.Duration) {
	c.timeout = d
}

// Close closes the underlying connection. Idempotent.
func (c *SocketChannel) Close() error {
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}
