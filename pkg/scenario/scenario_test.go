package scenario

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRngDeterministic(t *testing.T) {
	a, b := NewRng(42), NewRng(42)
	for i := 0; i < 100; i++ {
		require.Equal(t, a.Uint64(), b.Uint64())
	}
	assert.NotEqual(t, NewRng(1).Uint64(), NewRng(2).Uint64())

	ca, cb := a.Child(), b.Child()
	assert.Equal(t, ca.Bytes(13), cb.Bytes(13))
}

func TestRngRange(t *testing.T) {
	g := NewRng(7)
	for i := 0; i < 1000; i++ {
		v := g.Range(10, 12)
		require.GreaterOrEqual(t, v, uint64(10))
		require.LessOrEqual(t, v, uint64(12))
	}
	assert.Equal(t, uint64(5), g.Range(5, 5))
	assert.Panics(t, func() { g.Range(2, 1) })
	assert.Len(t, g.Bytes(3), 3)
}

func TestScenarioCachesDraws(t *testing.T) {
	s := New(NewRng(1))
	amount := s.Uint64("amount", 1, 1000)
	for i := 0; i < 10; i++ {
		assert.Equal(t, amount, s.Uint64("amount", 1, 1000))
	}

	attacker := s.Bool("attacker")
	assert.Equal(t, attacker, s.Bool("attacker"))

	pin := s.Bytes("pin", 4)
	pin[0] ^= 0xFF
	assert.NotEqual(t, pin, s.Bytes("pin", 4), "returned bytes are copies")

	assert.Panics(t, func() { s.Bool("amount") })
}

func TestScenarioSetAndParams(t *testing.T) {
	s := New(NewRng(1))
	s.IntN("role", 3)
	s.Set("forced", true)
	s.Set("role", 2)
	s.Bytes("seed", 2)

	v, ok := s.Get("forced")
	require.True(t, ok)
	assert.Equal(t, true, v)
	assert.Equal(t, 2, s.IntN("role", 3))

	params := s.Params()
	require.Len(t, params, 3)
	assert.Equal(t, "role", params[0].Name)
	assert.Equal(t, "2", params[0].Value)
	assert.Equal(t, "forced", params[1].Name)
	assert.Len(t, params[2].Value, 4)
}

func TestScenariosFromSameSeedAgree(t *testing.T) {
	draw := func() []uint64 {
		root := NewRng(99)
		var out []uint64
		for i := 0; i < 5; i++ {
			s := New(root.Child())
			out = append(out, s.Uint64("x", 0, 1<<40))
		}
		return out
	}
	assert.Equal(t, draw(), draw())
}
