package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistryHasFourUnresolvedEndpoints(t *testing.T) {
	r := New()
	all := r.All()
	assert.Len(t, all, 4)
	for _, ep := range all {
		assert.False(t, ep.Resolved())
	}
}

func TestRelocateMatchesKnownSymbol(t *testing.T) {
	r := New()
	matched := r.Relocate("__ez_clang_rpc_lookup", 0x8000)
	assert.True(t, matched)
	assert.Equal(t, uint64(0x8000), r.Get(Lookup).Addr)
}

func TestRelocateIgnoresUnknownSymbol(t *testing.T) {
	r := New()
	matched := r.Relocate("some_other_symbol", 0x1234)
	assert.False(t, matched)
}

func TestRequireLookupResolved(t *testing.T) {
	r := New()
	require.Error(t, r.RequireLookupResolved())

	r.Relocate("__ez_clang_rpc_lookup", 0x8000)
	require.NoError(t, r.RequireLookupResolved())
}
