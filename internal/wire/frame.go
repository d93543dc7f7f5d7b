package wire

import (
	"fmt"
	"unsafe"
)

// Header is the fixed 32-byte frame header (§3, §6): four 64-bit fields,
// size/opcode/seq_id/tag, each stored little- or big-endian depending on
// the codec's configured byte order.
type Header struct {
	Size   uint64
	Opcode Opcode
	SeqID  uint64
	Tag    uint64
}

// HeaderSize is the on-wire byte length of Header. A Go struct of four
// same-sized fields has no padding, so this also matches unsafe.Sizeof —
// checked below at compile time the way the wire structs it was modeled on
// are checked.
const HeaderSize = 32

var _ [HeaderSize]byte = [unsafe.Sizeof(Header{})]byte{}

// ErrPadding is returned by Done when the body cursor did not consume the
// entire declared body.
type ErrPadding struct {
	Consumed int
	BodySize int
}

func (e *ErrPadding) Error() string {
	return fmt.Sprintf("wire: frame body left %d unread bytes (consumed %d of %d)", e.BodySize-e.Consumed, e.Consumed, e.BodySize)
}

// ErrProtocol signals a frame that violates a wire invariant: an
// out-of-range opcode, a tag present on a non-Call frame (or absent on a
// Call frame), or a field value outside [0, 2^32).
type ErrProtocol struct {
	Reason string
}

func (e *ErrProtocol) Error() string {
	return "wire: protocol error: " + e.Reason
}

// checkTagInvariant enforces §3's rule: tag != 0 iff opcode == Call.
func checkTagInvariant(opcode Opcode, tag uint64) error {
	if opcode == OpCall && tag == 0 {
		return &ErrProtocol{Reason: "Call frame carries tag=0"}
	}
	if opcode != OpCall && tag != 0 {
		return &ErrProtocol{Reason: fmt.Sprintf("%s frame carries non-zero tag %d", opcode, tag)}
	}
	return nil
}
