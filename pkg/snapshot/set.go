package snapshot

import (
	"fmt"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// Set holds before and after snapshots for the accounts of one transaction.
type Set struct {
	order  []types.Pubkey
	before map[types.Pubkey]Snapshot
	after  map[types.Pubkey]Snapshot
}

// NewSet pairs before and after snapshots by address. The order of before
// is kept; an address missing from after is paired with its before state.
func NewSet(before, after []Snapshot) *Set {
	s := &Set{
		before: make(map[types.Pubkey]Snapshot, len(before)),
		after:  make(map[types.Pubkey]Snapshot, len(after)),
	}
	for _, b := range before {
		if _, ok := s.before[b.address]; ok {
			continue
		}
		s.order = append(s.order, b.address)
		s.before[b.address] = b
	}
	for _, a := range after {
		s.after[a.address] = a
	}
	for _, addr := range s.order {
		if _, ok := s.after[addr]; !ok {
			s.after[addr] = s.before[addr]
		}
	}
	return s
}

// Addresses returns the captured addresses in capture order.
func (s *Set) Addresses() []types.Pubkey {
	return append([]types.Pubkey(nil), s.order...)
}

// Has reports whether addr was captured.
func (s *Set) Has(addr types.Pubkey) bool {
	_, ok := s.before[addr]
	return ok
}

// Before returns the pre-transaction snapshot of addr. An address that was
// not captured yields a zero Snapshot for that address.
func (s *Set) Before(addr types.Pubkey) Snapshot {
	if snap, ok := s.before[addr]; ok {
		return snap
	}
	return Snapshot{address: addr}
}

// After returns the post-transaction snapshot of addr.
func (s *Set) After(addr types.Pubkey) Snapshot {
	if snap, ok := s.after[addr]; ok {
		return snap
	}
	return Snapshot{address: addr}
}

// Pair returns the before/after pair for addr.
func (s *Set) Pair(addr types.Pubkey) Pair {
	return Pair{Before: s.Before(addr), After: s.After(addr)}
}

// Pairs returns every pair in capture order.
func (s *Set) Pairs() []Pair {
	out := make([]Pair, len(s.order))
	for i, addr := range s.order {
		out[i] = s.Pair(addr)
	}
	return out
}

// Changed returns the pairs whose state differs.
func (s *Set) Changed() []Pair {
	var out []Pair
	for _, p := range s.Pairs() {
		if p.Changed() {
			out = append(out, p)
		}
	}
	return out
}

// Diff renders every changed account.
func (s *Set) Diff() string {
	var b strings.Builder
	for _, p := range s.Changed() {
		fmt.Fprintf(&b, "%s:\n%s", p.Address(), p.Diff())
	}
	return b.String()
}

// Fingerprint hashes every before and after state in capture order. Equal
// fingerprints mean the transaction saw and produced identical states.
func (s *Set) Fingerprint() types.Hash {
	h := blake3.New()
	for _, p := range s.Pairs() {
		for _, snap := range []Snapshot{p.Before, p.After} {
			h.Write(snap.bytes())
		}
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}
