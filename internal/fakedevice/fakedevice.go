// Package fakedevice simulates a remote executor's RPC surface entirely
// in-process: a ByteChannel that decodes frames written to it and
// synthesizes the responses a real device would produce. It exists so the
// session state machine, recovery cascade, and end-to-end scenarios in
// §8 can be tested without real hardware or a QEMU child.
package fakedevice

import (
	"sync"
	"time"

	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/interfaces"
	"github.com/ezclang/device/internal/wire"
)

// sliceSource is a throwaway ByteChannel that serves a fixed in-memory
// buffer, letting the device side reuse the host-facing Codec to decode
// a single already-received frame.
type sliceSource struct {
	buf []byte
}

func (s *sliceSource) ReadExact(n int) ([]byte, error) {
	if len(s.buf) < n {
		return nil, &wire.ErrProtocol{Reason: "fakedevice: short frame from host"}
	}
	out := s.buf[:n]
	s.buf = s.buf[n:]
	return out, nil
}

func (s *sliceSource) WriteAll(p []byte) error      { return &wire.ErrProtocol{Reason: "fakedevice: sliceSource is read-only"} }
func (s *sliceSource) SetTimeout(_ time.Duration)   {}
func (s *sliceSource) Close() error                 { return nil }

var _ interfaces.ByteChannel = (*sliceSource)(nil)

// sliceSink is a throwaway ByteChannel whose WriteAll appends to the
// device's outbound queue (or, during construction, to a local capture
// buffer), letting Codec.Build/Send target either.
type sliceSink struct {
	dev *FakeDevice
	buf []byte
}

func (s *sliceSink) ReadExact(n int) ([]byte, error) {
	return nil, &wire.ErrProtocol{Reason: "fakedevice: sliceSink is write-only"}
}

func (s *sliceSink) WriteAll(p []byte) error {
	if s.dev != nil {
		s.dev.out = append(s.dev.out, p...)
		return nil
	}
	s.buf = append(s.buf, p...)
	return nil
}

func (s *sliceSink) SetTimeout(_ time.Duration) {}
func (s *sliceSink) Close() error               { return nil }

var _ interfaces.ByteChannel = (*sliceSink)(nil)

// codeBufferSize is the simulated device's RAM region for committed code
// and data, sized generously for test fixtures.
const codeBufferSize = 1 << 20 // 1MiB

// shardSize mirrors the teacher's sharded-locking backend: enough
// parallelism for concurrent commits without a single global mutex.
const shardSize = 64 * 1024

// codeBuffer is a sharded-lock RAM region, adapted from the teacher's
// in-memory block-device backend to a byte-addressable code buffer.
type codeBuffer struct {
	data   []byte
	shards []sync.RWMutex
}

func newCodeBuffer(size int) *codeBuffer {
	numShards := (size + shardSize - 1) / shardSize
	if numShards < 1 {
		numShards = 1
	}
	return &codeBuffer{data: make([]byte, size), shards: make([]sync.RWMutex, numShards)}
}

func (c *codeBuffer) shardRange(off, length int) (start, end int) {
	start = off / shardSize
	end = (off + length - 1) / shardSize
	if end >= len(c.shards) {
		end = len(c.shards) - 1
	}
	return start, end
}

func (c *codeBuffer) writeAt(off int, p []byte) {
	if off < 0 || off >= len(c.data) {
		return
	}
	if off+len(p) > len(c.data) {
		p = p[:len(c.data)-off]
	}
	start, end := c.shardRange(off, len(p))
	for i := start; i <= end; i++ {
		c.shards[i].Lock()
	}
	copy(c.data[off:off+len(p)], p)
	for i := start; i <= end; i++ {
		c.shards[i].Unlock()
	}
}

// readCString reads bytes starting at off up to (excluding) the first NUL,
// or the end of the buffer if none is found.
func (c *codeBuffer) readCString(off int) string {
	if off < 0 || off >= len(c.data) {
		return ""
	}
	end := off
	for end < len(c.data) && c.data[end] != 0 {
		end++
	}
	start, last := c.shardRange(off, end-off+1)
	for i := start; i <= last; i++ {
		c.shards[i].RLock()
	}
	s := string(c.data[off:end])
	for i := start; i <= last; i++ {
		c.shards[i].RUnlock()
	}
	return s
}

const (
	bootstrapLookupAddr  = 0x00008000
	bootstrapCommitAddr  = 0x00008010
	bootstrapExecuteAddr = 0x00008020
	bootstrapMemReadAddr = 0x00008030
	codeBufferAddr       = 0x20002000
)

// FakeDevice implements interfaces.ByteChannel directly: WriteAll decodes
// one complete frame and synchronously appends the response frame(s) to
// an internal outbound queue that ReadExact drains.
type FakeDevice struct {
	mu sync.Mutex

	codec   *wire.Codec
	out     []byte
	closed  bool
	disconnected bool

	mem     *codeBuffer
	symbols map[string]uint64
	addrToLogical map[uint64]string

	stdoutByAddr map[uint64][]string
	resultByAddr map[uint64][]byte
}

var _ interfaces.ByteChannel = (*FakeDevice)(nil)

// New constructs a FakeDevice and pre-loads the handshake token followed
// by the Setup frame into its outbound queue, simulating a device that
// announces itself unprompted at boot (§3's SetupMessage, §4.C's token).
func New() *FakeDevice {
	d := &FakeDevice{
		codec: wire.NewCodec(nil),
		mem:   newCodeBuffer(codeBufferSize),
		symbols: map[string]uint64{
			"__ez_clang_rpc_lookup":           bootstrapLookupAddr,
			"__ez_clang_rpc_commit":           bootstrapCommitAddr,
			"__ez_clang_rpc_execute":          bootstrapExecuteAddr,
			"__ez_clang_rpc_mem_read_cstring": bootstrapMemReadAddr,
		},
		stdoutByAddr: make(map[uint64][]string),
		resultByAddr: make(map[uint64][]byte),
	}
	d.addrToLogical = map[uint64]string{
		bootstrapLookupAddr:  "lookup",
		bootstrapCommitAddr:  "commit",
		bootstrapExecuteAddr: "execute",
		bootstrapMemReadAddr: "memory.read.cstr",
	}

	d.out = append(d.out, constants.HandshakeToken[:]...)
	d.out = append(d.out, d.buildSetupFrame()...)
	return d
}

// AddSymbol registers an extra symbol the fake device's lookup endpoint
// will resolve, for exercising scenario 2's mixed-success lookup batch.
func (d *FakeDevice) AddSymbol(name string, addr uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.symbols[name] = addr
}

// SetExecuteStdout stages StdOut frames to be emitted, in order, before
// the Return frame of the next execute call targeting addr.
func (d *FakeDevice) SetExecuteStdout(addr uint64, lines []string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stdoutByAddr[addr] = lines
}

// SetExecuteResult stages a Result frame carrying raw, emitted before the
// Return frame of the next execute call targeting addr — simulating a
// device that evaluated an expression (§4.E's expression-result path).
func (d *FakeDevice) SetExecuteResult(addr uint64, raw []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resultByAddr[addr] = raw
}

// ReadAtOffset exposes the code buffer for test assertions without going
// through the wire (e.g. verifying a commit landed at the expected byte
// offset).
func (d *FakeDevice) ReadAtOffset(off int, n int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if off < 0 || off+n > len(d.mem.data) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.mem.data[off:off+n])
	return out
}

func (d *FakeDevice) buildSetupFrame() []byte {
	var capture sliceSink
	b := d.codec.Build(wire.OpConnect, 0)
	_ = b.WriteString("ez-clang-fakedevice/1.0")
	_ = b.WriteAddr(codeBufferAddr)
	_ = b.WriteSize(codeBufferSize)
	_ = b.WriteU32(1)
	_ = b.WriteString("__ez_clang_rpc_lookup")
	_ = b.WriteAddr(bootstrapLookupAddr)
	_ = b.Send(&capture)
	return capture.buf
}

// ReadExact drains bytes from the outbound queue, the way a real device
// would hand them back over serial/socket/pipe.
func (d *FakeDevice) ReadExact(n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.out) < n {
		return nil, &wire.ErrProtocol{Reason: "fakedevice: no more bytes queued"}
	}
	out := d.out[:n]
	d.out = d.out[n:]
	return out, nil
}

// WriteAll decodes exactly one frame from p (the host always sends one
// complete frame per Send call) and synthesizes its response.
func (d *FakeDevice) WriteAll(p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return &wire.ErrProtocol{Reason: "fakedevice: write after close"}
	}

	src := &sliceSource{buf: append([]byte{}, p...)}
	frame, err := d.codec.Receive(src)
	if err != nil {
		return err
	}
	return d.handle(frame)
}

func (d *FakeDevice) SetTimeout(_ time.Duration) {}

func (d *FakeDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *FakeDevice) handle(f *wire.InboundFrame) error {
	switch f.Header.Opcode {
	case wire.OpDisconnect:
		d.disconnected = true
		return d.sendByte(wire.OpDisconnect, wire.ErrSuccess)
	case wire.OpCall:
		return d.handleCall(f)
	default:
		return &wire.ErrProtocol{Reason: "fakedevice: unexpected inbound opcode from host"}
	}
}

func (d *FakeDevice) handleCall(f *wire.InboundFrame) error {
	logical, ok := d.addrToLogical[f.Header.Tag]
	if !ok {
		return &wire.ErrProtocol{Reason: "fakedevice: call to unregistered endpoint address"}
	}
	switch logical {
	case "lookup":
		return d.handleLookup(f)
	case "commit":
		return d.handleCommit(f)
	case "execute":
		return d.handleExecute(f)
	case "memory.read.cstr":
		return d.handleMemReadCStr(f)
	default:
		return &wire.ErrProtocol{Reason: "fakedevice: unknown logical endpoint"}
	}
}

func (d *FakeDevice) handleLookup(f *wire.InboundFrame) error {
	count, err := f.ReadU32()
	if err != nil {
		return err
	}
	names := make([]string, count)
	for i := range names {
		s, err := f.ReadString()
		if err != nil {
			return err
		}
		names[i] = s
	}
	if err := f.Done(); err != nil {
		return err
	}

	b := d.codec.Build(wire.OpReturn, 0)
	_ = b.WriteByte(wire.ErrSuccess)
	_ = b.WriteU32(count)
	for _, name := range names {
		_ = b.WriteAddr(d.symbols[name])
	}
	return b.Send(&sliceSink{dev: d})
}

func (d *FakeDevice) handleCommit(f *wire.InboundFrame) error {
	count, err := f.ReadU32()
	if err != nil {
		return err
	}
	for i := uint64(0); i < count; i++ {
		addr, err := f.ReadAddr()
		if err != nil {
			return err
		}
		if _, err := f.ReadSize(); err != nil {
			return err
		}
		data, err := f.ReadBytes()
		if err != nil {
			return err
		}
		d.mem.writeAt(int(addr-codeBufferAddr), data)
	}
	if err := f.Done(); err != nil {
		return err
	}
	return d.sendByte(wire.OpReturn, wire.ErrSuccess)
}

func (d *FakeDevice) handleExecute(f *wire.InboundFrame) error {
	addr, err := f.ReadAddr()
	if err != nil {
		return err
	}
	if err := f.Done(); err != nil {
		return err
	}

	if raw, ok := d.resultByAddr[addr]; ok {
		b := d.codec.Build(wire.OpResult, 0)
		_ = b.WriteRaw(raw)
		if err := b.Send(&sliceSink{dev: d}); err != nil {
			return err
		}
		delete(d.resultByAddr, addr)
	}

	for _, line := range d.stdoutByAddr[addr] {
		b := d.codec.Build(wire.OpStdOut, 0)
		_ = b.WriteRaw([]byte(line))
		if err := b.Send(&sliceSink{dev: d}); err != nil {
			return err
		}
	}
	delete(d.stdoutByAddr, addr)

	return d.sendByte(wire.OpReturn, wire.ErrSuccess)
}

func (d *FakeDevice) handleMemReadCStr(f *wire.InboundFrame) error {
	addr, err := f.ReadAddr()
	if err != nil {
		return err
	}
	if err := f.Done(); err != nil {
		return err
	}

	s := d.mem.readCString(int(addr - codeBufferAddr))
	b := d.codec.Build(wire.OpReturn, 0)
	_ = b.WriteString(s)
	return b.Send(&sliceSink{dev: d})
}

func (d *FakeDevice) sendByte(opcode wire.Opcode, code byte) error {
	b := d.codec.Build(opcode, 0)
	_ = b.WriteByte(code)
	return b.Send(&sliceSink{dev: d})
}
