package fakedevice

import (
	"testing"

	"github.com/ezclang/device/internal/constants"
	"github.com/ezclang/device/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// readHandshake drains the fixed 8-byte token a host's transport would
// consume before touching the codec.
func readHandshake(t *testing.T, d *FakeDevice) {
	t.Helper()
	tok, err := d.ReadExact(len(constants.HandshakeToken))
	require.NoError(t, err)
	assert.Equal(t, constants.HandshakeToken[:], tok)
}

func TestSetupFrameAnnouncesLookupEndpoint(t *testing.T) {
	d := New()
	readHandshake(t, d)

	codec := wire.NewCodec(nil)
	frame, err := codec.Receive(d)
	require.NoError(t, err)
	assert.Equal(t, wire.OpConnect, frame.Header.Opcode)
	assert.EqualValues(t, 0, frame.Header.Tag)

	_, err = frame.ReadString() // version string
	require.NoError(t, err)
	bufAddr, err := frame.ReadAddr()
	require.NoError(t, err)
	assert.EqualValues(t, codeBufferAddr, bufAddr)
	bufSize, err := frame.ReadSize()
	require.NoError(t, err)
	assert.EqualValues(t, codeBufferSize, bufSize)

	count, err := frame.ReadU32()
	require.NoError(t, err)
	require.EqualValues(t, 1, count)
	sym, err := frame.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "__ez_clang_rpc_lookup", sym)
	addr, err := frame.ReadAddr()
	require.NoError(t, err)
	assert.EqualValues(t, bootstrapLookupAddr, addr)
	require.NoError(t, frame.Done())
}

func TestLookupBatchMixedSuccess(t *testing.T) {
	d := New()
	readHandshake(t, d)
	d.AddSymbol("sym_ok", 0x4242)

	codec := wire.NewCodec(nil)
	_, err := codec.Receive(d) // drain Setup
	require.NoError(t, err)

	b := codec.Build(wire.OpCall, bootstrapLookupAddr)
	require.NoError(t, b.WriteU32(2))
	require.NoError(t, b.WriteString("sym_ok"))
	require.NoError(t, b.WriteString("sym_nope"))
	require.NoError(t, b.Send(d))

	frame, err := codec.Receive(d)
	require.NoError(t, err)
	assert.Equal(t, wire.OpReturn, frame.Header.Opcode)
	code, err := frame.ReadErrorCode()
	require.NoError(t, err)
	assert.Equal(t, wire.ErrSuccess, code)
	count, err := frame.ReadU32()
	require.NoError(t, err)
	require.EqualValues(t, 2, count)
	okAddr, err := frame.ReadAddr()
	require.NoError(t, err)
	assert.EqualValues(t, 0x4242, okAddr)
	nopeAddr, err := frame.ReadAddr()
	require.NoError(t, err)
	assert.EqualValues(t, 0, nopeAddr)
	require.NoError(t, frame.Done())
}

func TestCommitAndReadBack(t *testing.T) {
	d := New()
	readHandshake(t, d)
	codec := wire.NewCodec(nil)
	_, err := codec.Receive(d)
	require.NoError(t, err)

	const addr = 0x20002100
	payload := append([]byte("endcoal"), 0)

	b := codec.Build(wire.OpCall, bootstrapCommitAddr)
	require.NoError(t, b.WriteU32(1))
	require.NoError(t, b.WriteAddr(addr))
	require.NoError(t, b.WriteSize(uint64(len(payload))))
	require.NoError(t, b.WriteBytes(payload))
	require.NoError(t, b.Send(d))

	frame, err := codec.Receive(d)
	require.NoError(t, err)
	code, err := frame.ReadErrorCode()
	require.NoError(t, err)
	assert.Equal(t, wire.ErrSuccess, code)
	require.NoError(t, frame.Done())

	b = codec.Build(wire.OpCall, bootstrapMemReadAddr)
	require.NoError(t, b.WriteAddr(addr))
	require.NoError(t, b.Send(d))

	frame, err = codec.Receive(d)
	require.NoError(t, err)
	s, err := frame.ReadString()
	require.NoError(t, err)
	assert.Equal(t, "endcoal", s)
}

func TestCommitOverwriteDisjointSegments(t *testing.T) {
	d := New()
	readHandshake(t, d)
	codec := wire.NewCodec(nil)
	_, err := codec.Receive(d)
	require.NoError(t, err)

	const addrA = 0x20002200
	const addrB = addrA + 0x20
	payloadA := append([]byte("endcars"), 0)
	payloadB := append([]byte("endcoal"), 0)

	// First commit endcoal at addrA, so the batch below overwrites it.
	b := codec.Build(wire.OpCall, bootstrapCommitAddr)
	require.NoError(t, b.WriteU32(1))
	require.NoError(t, b.WriteAddr(addrA))
	require.NoError(t, b.WriteSize(uint64(len(payloadB))))
	require.NoError(t, b.WriteBytes(payloadB))
	require.NoError(t, b.Send(d))

	frame, err := codec.Receive(d)
	require.NoError(t, err)
	code, err := frame.ReadErrorCode()
	require.NoError(t, err)
	assert.Equal(t, wire.ErrSuccess, code)
	require.NoError(t, frame.Done())

	b = codec.Build(wire.OpCall, bootstrapCommitAddr)
	require.NoError(t, b.WriteU32(2))
	require.NoError(t, b.WriteAddr(addrA))
	require.NoError(t, b.WriteSize(uint64(len(payloadA))))
	require.NoError(t, b.WriteBytes(payloadA))
	require.NoError(t, b.WriteAddr(addrB))
	require.NoError(t, b.WriteSize(uint64(len(payloadB))))
	require.NoError(t, b.WriteBytes(payloadB))
	require.NoError(t, b.Send(d))

	frame, err = codec.Receive(d)
	require.NoError(t, err)
	code, err = frame.ReadErrorCode()
	require.NoError(t, err)
	assert.Equal(t, wire.ErrSuccess, code)
	require.NoError(t, frame.Done())

	readBack := func(addr uint64) string {
		b := codec.Build(wire.OpCall, bootstrapMemReadAddr)
		require.NoError(t, b.WriteAddr(addr))
		require.NoError(t, b.Send(d))
		f, err := codec.Receive(d)
		require.NoError(t, err)
		s, err := f.ReadString()
		require.NoError(t, err)
		return s
	}

	assert.Equal(t, "endcars", readBack(addrA))
	assert.Equal(t, "endcoal", readBack(addrB))
}

func TestExecuteWithStdoutInterleave(t *testing.T) {
	d := New()
	readHandshake(t, d)
	codec := wire.NewCodec(nil)
	_, err := codec.Receive(d)
	require.NoError(t, err)

	const addr = 0x20002300
	d.SetExecuteStdout(addr, []string{"hello ", "world"})

	b := codec.Build(wire.OpCall, bootstrapExecuteAddr)
	require.NoError(t, b.WriteAddr(addr))
	require.NoError(t, b.Send(d))

	var stdout []string
	for {
		frame, err := codec.Receive(d)
		require.NoError(t, err)
		if frame.Header.Opcode == wire.OpStdOut {
			stdout = append(stdout, string(frame.ReadBytesRemaining()))
			continue
		}
		assert.Equal(t, wire.OpReturn, frame.Header.Opcode)
		code, err := frame.ReadErrorCode()
		require.NoError(t, err)
		assert.Equal(t, wire.ErrSuccess, code)
		break
	}
	assert.Equal(t, []string{"hello ", "world"}, stdout)
}

func TestDisconnectRespondsSuccess(t *testing.T) {
	d := New()
	readHandshake(t, d)
	codec := wire.NewCodec(nil)
	_, err := codec.Receive(d)
	require.NoError(t, err)

	b := codec.Build(wire.OpDisconnect, 0)
	require.NoError(t, b.Send(d))

	frame, err := codec.Receive(d)
	require.NoError(t, err)
	assert.Equal(t, wire.OpDisconnect, frame.Header.Opcode)
	code, err := frame.ReadErrorCode()
	require.NoError(t, err)
	assert.Equal(t, wire.ErrSuccess, code)
	assert.True(t, d.disconnected)
}
