package wire

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"

	"github.com/ezclang/device/internal/interfaces"
)

// fieldSpan records one logical field's byte extent within a frame body,
// tracked only so Done() can produce a hex dump keyed by field name when a
// verbose flag is set. It has no semantic role (§9).
type fieldSpan struct {
	name   string
	length int
}

// Codec builds and parses frames over one byte channel using a configured
// byte order. The protocol revision in this corpus is little-endian for
// every device, but the codec is parameterised (§3).
type Codec struct {
	order   binary.ByteOrder
	seq     atomic.Uint64
	logger  interfaces.Logger
	verbose bool
}

// NewCodec constructs a codec. A nil order defaults to little-endian.
func NewCodec(order binary.ByteOrder) *Codec {
	if order == nil {
		order = binary.LittleEndian
	}
	return &Codec{order: order}
}

// SetLogger attaches a logger used for verbose frame dumps.
func (c *Codec) SetLogger(l interfaces.Logger) { c.logger = l }

// SetVerbose enables or disables the optional hex dump performed by Done()
// and Send(). It has no effect on wire content.
func (c *Codec) SetVerbose(v bool) { c.verbose = v }

func (c *Codec) nextSeqID() uint64 {
	return c.seq.Add(1)
}

// Build starts an outbound frame. tag must be non-zero for OpCall and zero
// for every other opcode (checked at Send time, once the full invariant is
// known).
func (c *Codec) Build(opcode Opcode, tag uint64) *OutboundBuilder {
	return &OutboundBuilder{
		codec:  c,
		opcode: opcode,
		tag:    tag,
		body:   getBodyBuffer(64),
	}
}

// OutboundBuilder accumulates a frame body before writing it to a channel in
// one shot (§4.B).
type OutboundBuilder struct {
	codec  *Codec
	opcode Opcode
	tag    uint64
	body   []byte
	layout []fieldSpan
	sent   bool
}

// ErrHostAPI signals an encoding-time error: a value the caller asked to
// write does not fit the wire format. Encoding-time errors are always
// local — no bytes reach the wire (§7).
type ErrHostAPI struct {
	Reason string
}

func (e *ErrHostAPI) Error() string { return "wire: host API error: " + e.Reason }

// WriteU32 appends an 8-byte little/big-endian field, restricted to the
// low 32 bits per the frozen numeric-width note in §4.B: the corpus stores
// every numeric field in 8 bytes but rejects values outside [0, 2^32).
func (b *OutboundBuilder) WriteU32(n uint64) error {
	if n > MaxFieldValue {
		return &ErrHostAPI{Reason: fmt.Sprintf("value %d exceeds 32-bit field range", n)}
	}
	var buf [8]byte
	b.codec.order.PutUint64(buf[:], n)
	b.body = append(b.body, buf[:]...)
	b.layout = append(b.layout, fieldSpan{name: "u32", length: 8})
	return nil
}

// WriteAddr aliases WriteU32 — addresses and plain u32 fields share the
// same 8-byte-on-wire, 32-bit-range encoding.
func (b *OutboundBuilder) WriteAddr(addr uint64) error { return b.WriteU32(addr) }

// WriteSize aliases WriteU32.
func (b *OutboundBuilder) WriteSize(size uint64) error { return b.WriteU32(size) }

// WriteBytes emits size(b) as a WriteU32 field followed by the raw bytes,
// as a single logical field for layout-tracking purposes.
func (b *OutboundBuilder) WriteBytes(data []byte) error {
	if uint64(len(data)) > MaxFieldValue {
		return &ErrHostAPI{Reason: fmt.Sprintf("byte field length %d exceeds 32-bit range", len(data))}
	}
	var szBuf [8]byte
	b.codec.order.PutUint64(szBuf[:], uint64(len(data)))
	b.body = append(b.body, szBuf[:]...)
	b.body = append(b.body, data...)
	b.layout = append(b.layout, fieldSpan{name: "bytes", length: 8 + len(data)})
	return nil
}

// WriteString emits the ASCII bytes of s via WriteBytes.
func (b *OutboundBuilder) WriteString(s string) error {
	return b.WriteBytes([]byte(s))
}

// WriteByte appends a single raw byte (used for the response error code).
func (b *OutboundBuilder) WriteByte(v byte) error {
	b.body = append(b.body, v)
	b.layout = append(b.layout, fieldSpan{name: "byte", length: 1})
	return nil
}

// WriteRaw appends data with no length prefix, occupying the remainder of
// the frame body. Result and StdOut frames carry their payload this way —
// the frame's own size field is the only delimiter (§4.E).
func (b *OutboundBuilder) WriteRaw(data []byte) error {
	b.body = append(b.body, data...)
	b.layout = append(b.layout, fieldSpan{name: "raw", length: len(data)})
	return nil
}

// BodyLen reports the accumulated body length before Send clears it, for
// callers that want to attribute bytes sent to a metrics observer.
func (b *OutboundBuilder) BodyLen() int { return len(b.body) }

// Send back-patches the header (total size, a fresh monotonic seq_id) and
// writes the whole frame to ch in one call.
func (b *OutboundBuilder) Send(ch interfaces.ByteChannel) error {
	if b.sent {
		return &ErrHostAPI{Reason: "frame already sent"}
	}
	if err := checkTagInvariant(b.opcode, b.tag); err != nil {
		return err
	}

	total := HeaderSize + len(b.body)
	if uint64(total) > MaxFieldValue {
		return &ErrHostAPI{Reason: fmt.Sprintf("frame size %d exceeds 32-bit range", total)}
	}
	seqID := b.codec.nextSeqID()

	frame := make([]byte, total)
	b.codec.order.PutUint64(frame[0:8], uint64(total))
	b.codec.order.PutUint64(frame[8:16], uint64(b.opcode))
	b.codec.order.PutUint64(frame[16:24], seqID)
	b.codec.order.PutUint64(frame[24:32], b.tag)
	copy(frame[32:], b.body)

	if b.codec.verbose && b.codec.logger != nil {
		b.codec.logger.Debug("send frame", "opcode", b.opcode.String(), "seq_id", seqID, "tag", b.tag, "layout", b.layout)
	}

	putBodyBuffer(b.body)
	b.body = nil
	b.sent = true
	return ch.WriteAll(frame)
}

// InboundFrame is a received, fully-buffered frame whose body is consumed
// through sequential cursor accessors (§4.B).
type InboundFrame struct {
	Header Header
	body   []byte
	cursor int
	layout []fieldSpan
	codec  *Codec
}

// Receive reads one complete frame from ch: 8 bytes for size, then
// size-8 more bytes for the rest of the header and body.
func (c *Codec) Receive(ch interfaces.ByteChannel) (*InboundFrame, error) {
	sizeBuf, err := ch.ReadExact(8)
	if err != nil {
		return nil, err
	}
	size := c.order.Uint64(sizeBuf)
	if size < HeaderSize {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("frame size %d smaller than header size %d", size, HeaderSize)}
	}
	if size > MaxFieldValue {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("frame size %d exceeds 32-bit range", size)}
	}

	rest, err := ch.ReadExact(int(size) - 8)
	if err != nil {
		return nil, err
	}

	opcode := Opcode(c.order.Uint64(rest[0:8]))
	if !opcode.Valid() {
		return nil, &ErrProtocol{Reason: fmt.Sprintf("opcode %d out of range", opcode)}
	}
	seqID := c.order.Uint64(rest[8:16])
	tag := c.order.Uint64(rest[16:24])
	if err := checkTagInvariant(opcode, tag); err != nil {
		return nil, err
	}

	f := &InboundFrame{
		Header: Header{Size: size, Opcode: opcode, SeqID: seqID, Tag: tag},
		body:   rest[24:],
		codec:  c,
	}
	if c.verbose && c.logger != nil {
		c.logger.Debug("recv frame", "opcode", opcode.String(), "seq_id", seqID, "tag", tag, "body_len", len(f.body))
	}
	return f, nil
}

func (f *InboundFrame) remaining() int { return len(f.body) - f.cursor }

func (f *InboundFrame) need(n int) error {
	if f.remaining() < n {
		return &ErrPadding{Consumed: f.cursor, BodySize: len(f.body)}
	}
	return nil
}

// ReadErrorCode reads the 1-byte response error code. It must be the first
// body byte read (§4.B); callers enforce that ordering by call sequence.
func (f *InboundFrame) ReadErrorCode() (byte, error) {
	if err := f.need(1); err != nil {
		return 0, err
	}
	v := f.body[f.cursor]
	f.cursor++
	f.layout = append(f.layout, fieldSpan{name: "error", length: 1})
	return v, nil
}

// ReadU32 reads an 8-byte field restricted to the low 32 bits on write but
// returned here as the full stored 64-bit value (callers that need the
// narrower guarantee rely on the sender having validated it at Send time).
func (f *InboundFrame) ReadU32() (uint64, error) {
	if err := f.need(8); err != nil {
		return 0, err
	}
	v := f.codec.order.Uint64(f.body[f.cursor : f.cursor+8])
	f.cursor += 8
	f.layout = append(f.layout, fieldSpan{name: "u32", length: 8})
	return v, nil
}

// ReadAddr aliases ReadU32.
func (f *InboundFrame) ReadAddr() (uint64, error) { return f.ReadU32() }

// ReadSize aliases ReadU32.
func (f *InboundFrame) ReadSize() (uint64, error) { return f.ReadU32() }

// ReadBytes reads a size-prefixed byte field.
func (f *InboundFrame) ReadBytes() ([]byte, error) {
	size, err := f.ReadU32()
	if err != nil {
		return nil, err
	}
	if err := f.need(int(size)); err != nil {
		return nil, err
	}
	v := make([]byte, size)
	copy(v, f.body[f.cursor:f.cursor+int(size)])
	f.cursor += int(size)
	f.layout[len(f.layout)-1] = fieldSpan{name: "bytes", length: 8 + int(size)}
	return v, nil
}

// ReadString ASCII-decodes a size-prefixed byte field.
func (f *InboundFrame) ReadString() (string, error) {
	b, err := f.ReadBytes()
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// ReadBytesRemaining drains whatever is left in the body, regardless of
// framing — a legacy accessor for responses that do not declare their tail
// length (§4.B).
func (f *InboundFrame) ReadBytesRemaining() []byte {
	v := f.body[f.cursor:]
	f.cursor = len(f.body)
	f.layout = append(f.layout, fieldSpan{name: "remaining", length: len(v)})
	return v
}

// Done marks the frame consumed. Consuming with the cursor short of the
// declared body size is a PaddingError; Done also triggers the optional hex
// dump keyed by the tracked layout when verbose mode is set.
func (f *InboundFrame) Done() error {
	if f.codec.verbose && f.codec.logger != nil {
		f.codec.logger.Debug("frame consumed", "opcode", f.Header.Opcode.String(), "layout", f.layout)
	}
	if f.cursor != len(f.body) {
		return &ErrPadding{Consumed: f.cursor, BodySize: len(f.body)}
	}
	return nil
}
