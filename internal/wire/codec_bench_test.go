package wire

import (
	"encoding/binary"
	"testing"
)

func BenchmarkBuildAndSend(b *testing.B) {
	ch := &fakeChannel{}
	c := NewCodec(binary.LittleEndian)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ch.buf = ch.buf[:0]
		frame := c.Build(OpCall, 1)
		_ = frame.WriteAddr(0xDEADBEEF)
		_ = frame.WriteString("lookup")
		_ = frame.WriteBytes([]byte{1, 2, 3, 4})
		_ = frame.Send(ch)
	}
}

func BenchmarkReceive(b *testing.B) {
	ch := &fakeChannel{}
	c := NewCodec(binary.LittleEndian)

	frame := c.Build(OpCall, 1)
	_ = frame.WriteAddr(0xDEADBEEF)
	_ = frame.WriteString("lookup")
	_ = frame.WriteBytes([]byte{1, 2, 3, 4})
	_ = frame.Send(ch)
	prototype := append([]byte(nil), ch.buf...)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ch.buf = append(ch.buf[:0], prototype...)
		in, err := c.Receive(ch)
		if err != nil {
			b.Fatal(err)
		}
		_, _ = in.ReadAddr()
		_, _ = in.ReadString()
		_, _ = in.ReadBytes()
		_ = in.Done()
	}
}
