// Package scenario holds the harness's only source of randomness and the
// per-flow bag of named random parameters drawn from it.
package scenario

import (
	"encoding/binary"
	"math"
	"math/rand/v2"

	"github.com/zeebo/blake3"
)

// Rng is a seeded, reproducible random generator. Two Rngs built from the
// same seed produce the same stream on every platform.
type Rng struct {
	r *rand.Rand
}

// NewRng returns a generator seeded with seed.
func NewRng(seed uint64) *Rng {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], seed)
	return &Rng{r: rand.New(rand.NewChaCha8(blake3.Sum256(buf[:])))}
}

func (g *Rng) Uint64() uint64 { return g.r.Uint64() }

// IntN returns a value in [0, n). It panics if n <= 0.
func (g *Rng) IntN(n int) int { return g.r.IntN(n) }

// Range returns a value in [lo, hi]. It panics if hi < lo.
func (g *Rng) Range(lo, hi uint64) uint64 {
	if hi < lo {
		panic("scenario: Range with hi < lo")
	}
	if lo == 0 && hi == math.MaxUint64 {
		return g.r.Uint64()
	}
	return lo + g.r.Uint64N(hi-lo+1)
}

func (g *Rng) Bool() bool { return g.r.Uint64()&1 == 1 }

// Bytes returns n random bytes.
func (g *Rng) Bytes(n int) []byte {
	out := make([]byte, n)
	for i := 0; i < n; i += 8 {
		var buf [8]byte
		binary.LittleEndian.PutUint64(buf[:], g.r.Uint64())
		copy(out[i:], buf[:])
	}
	return out
}

// Child returns an independent generator seeded from g's stream.
func (g *Rng) Child() *Rng {
	return NewRng(g.r.Uint64())
}
