// Package registry implements the symbol→address endpoint table described
// in §4.D: a fixed set of four logical endpoints, populated once each by
// either the Setup message or a lazy lookup call.
package registry

import "fmt"

// Endpoint is a logical RPC target: a bootstrap symbol name resolved to a
// device-side address exactly once, then immutable for the session.
type Endpoint struct {
	Logical string // "lookup", "commit", "execute", "memory.read.cstr"
	Symbol  string // device-side bootstrap symbol, e.g. "__ez_clang_rpc_lookup"
	Addr    uint64 // 0 until resolved
}

// Resolved reports whether the endpoint's address has been populated.
func (e *Endpoint) Resolved() bool { return e.Addr != 0 }

const (
	Lookup         = "lookup"
	Commit         = "commit"
	Execute        = "execute"
	MemoryReadCStr = "memory.read.cstr"
)

// Registry is the session's fixed four-entry endpoint table (§3, §4.D).
// The Lookup endpoint is never resolved lazily — its address must arrive
// via Setup — all the others (Lookup's own symbol excepted) fall back to
// a nested lookup call if unresolved at call time.
type Registry struct {
	entries map[string]*Endpoint
}

// New constructs a registry with the four built-in endpoints, symbols
// bound, addresses unresolved.
func New() *Registry {
	return &Registry{
		entries: map[string]*Endpoint{
			Lookup:         {Logical: Lookup, Symbol: "__ez_clang_rpc_lookup"},
			Commit:         {Logical: Commit, Symbol: "__ez_clang_rpc_commit"},
			Execute:        {Logical: Execute, Symbol: "__ez_clang_rpc_execute"},
			MemoryReadCStr: {Logical: MemoryReadCStr, Symbol: "__ez_clang_rpc_mem_read_cstring"},
		},
	}
}

// Get returns the endpoint for a logical name, or nil if unknown.
func (r *Registry) Get(logical string) *Endpoint {
	return r.entries[logical]
}

// Relocate matches symbol against every endpoint's bootstrap symbol and
// populates its address on the first match. It reports whether symbol was
// recognised (§4.E's relocate_endpoint): an unrecognised symbol is not an
// error, only a warning at the caller's discretion.
func (r *Registry) Relocate(symbol string, addr uint64) bool {
	for _, ep := range r.entries {
		if ep.Symbol == symbol {
			ep.Addr = addr
			return true
		}
	}
	return false
}

// RequireLookupResolved validates the session-global invariant that the
// lookup endpoint's address is non-zero after setup (§3).
func (r *Registry) RequireLookupResolved() error {
	ep := r.entries[Lookup]
	if ep == nil || !ep.Resolved() {
		return fmt.Errorf("registry: lookup endpoint unresolved after setup")
	}
	return nil
}

// All returns every entry, for diagnostics and the devctl operator tool.
func (r *Registry) All() []*Endpoint {
	out := make([]*Endpoint, 0, len(r.entries))
	for _, ep := range r.entries {
		out = append(out, ep)
	}
	return out
}
