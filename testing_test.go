package device

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMockChannelReadWriteRoundTrip(t *testing.T) {
	ch := NewMockChannel([]byte("hello"))

	got, err := ch.ReadExact(5)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), got)

	require.NoError(t, ch.WriteAll([]byte("world")))
	assert.Equal(t, []byte("world"), ch.Written())

	counts := ch.CallCounts()
	assert.Equal(t, 1, counts["read"])
	assert.Equal(t, 1, counts["write"])
}

func TestMockChannelFeedExtendsInbound(t *testing.T) {
	ch := NewMockChannel([]byte("ab"))

	_, err := ch.ReadExact(2)
	require.NoError(t, err)

	_, err = ch.ReadExact(1)
	require.Error(t, err)

	ch.Feed([]byte("cd"))
	got, err := ch.ReadExact(2)
	require.NoError(t, err)
	assert.Equal(t, []byte("cd"), got)
}

func TestMockChannelClosedRejectsIO(t *testing.T) {
	ch := NewMockChannel([]byte("xy"))
	require.NoError(t, ch.Close())
	assert.True(t, ch.IsClosed())

	_, err := ch.ReadExact(1)
	assert.Error(t, err)
	assert.Error(t, ch.WriteAll([]byte("z")))
}

func TestMockChannelReadExactShortQueueErrors(t *testing.T) {
	ch := NewMockChannel([]byte("a"))
	_, err := ch.ReadExact(4)
	assert.Error(t, err)
}
