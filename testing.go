package device

import (
	"fmt"
	"sync"
	"time"

	"github.com/ezclang/device/internal/interfaces"
)

// MockChannel is an in-memory ByteChannel for embedders' tests: writes
// append to an outbound log, reads are served from a pre-loaded inbound
// queue. It tracks call counts the way the teacher's MockBackend tracked
// read/write/flush calls, generalized to a byte channel's narrower surface.
type MockChannel struct {
	mu sync.Mutex

	inbound  []byte
	outbound []byte
	closed   bool
	timeout  time.Duration

	readCalls  int
	writeCalls int
}

var _ interfaces.ByteChannel = (*MockChannel)(nil)

// NewMockChannel constructs a channel that serves preloaded from
// successive ReadExact calls.
func NewMockChannel(preloaded []byte) *MockChannel {
	return &MockChannel{inbound: append([]byte{}, preloaded...)}
}

// Feed appends more bytes to the inbound queue, for tests that need to
// stage a response after an initial request has been observed.
func (m *MockChannel) Feed(b []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inbound = append(m.inbound, b...)
}

// Written returns everything written so far, for assertions against the
// outbound wire traffic a test expects.
func (m *MockChannel) Written() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte{}, m.outbound...)
}

func (m *MockChannel) ReadExact(n int) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.readCalls++
	if m.closed {
		return nil, fmt.Errorf("device: MockChannel: read on closed channel")
	}
	if len(m.inbound) < n {
		return nil, fmt.Errorf("device: MockChannel: requested %d bytes, only %d queued", n, len(m.inbound))
	}
	out := m.inbound[:n]
	m.inbound = m.inbound[n:]
	return out, nil
}

func (m *MockChannel) WriteAll(p []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.writeCalls++
	if m.closed {
		return fmt.Errorf("device: MockChannel: write on closed channel")
	}
	m.outbound = append(m.outbound, p...)
	return nil
}

func (m *MockChannel) SetTimeout(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.timeout = d
}

func (m *MockChannel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// IsClosed reports whether Close has been called.
func (m *MockChannel) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// CallCounts returns how many times ReadExact/WriteAll have been called,
// for tests asserting on the shape of a request/response exchange.
func (m *MockChannel) CallCounts() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int{"read": m.readCalls, "write": m.writeCalls}
}
