package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
)

var program = types.MustPubkeyFromBase58("BxYhDihgJZZxUXqwoqvzbfD8G1fwNFKQyF8L5SEiNCQP")

func TestGetOrCreateIdempotent(t *testing.T) {
	sim := ledger.New()
	reg := New(sim, 1)
	signer := reg.Role("signer")

	a1, err := signer.GetOrCreate(0, nil, &accounts.Account{Lamports: 500})
	require.NoError(t, err)

	// Intervening ledger mutation and different arguments change nothing.
	require.NoError(t, sim.Airdrop(a1, 1))
	a2, err := signer.GetOrCreate(0, nil, &accounts.Account{Lamports: 7})
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	acc, err := sim.GetAccount(a1)
	require.NoError(t, err)
	assert.Equal(t, uint64(501), acc.Lamports)

	other, err := signer.GetOrCreate(1, nil, nil)
	require.NoError(t, err)
	assert.NotEqual(t, a1, other)

	got, ok := signer.Get(0)
	assert.True(t, ok)
	assert.Equal(t, a1, got)
	_, ok = signer.Get(9)
	assert.False(t, ok)
	assert.Equal(t, []types.Pubkey{a1, other}, signer.Addresses())
}

func TestPlainAddressesReproducible(t *testing.T) {
	build := func(seed uint64) []types.Pubkey {
		reg := New(ledger.New(), seed)
		var out []types.Pubkey
		for _, role := range []string{"a", "b", "c"} {
			addr, err := reg.Role(role).GetOrCreate(0, nil, nil)
			require.NoError(t, err)
			out = append(out, addr)
		}
		return out
	}
	assert.Equal(t, build(5), build(5))
	assert.NotEqual(t, build(5), build(6))

	// Plain addresses are real public keys, never program-derived.
	for _, a := range build(5) {
		assert.True(t, pda.IsOnCurve(a[:]))
	}
}

func TestPDAEntry(t *testing.T) {
	sim := ledger.New()
	reg := New(sim, 1)
	seeds := pda.NewSeeds(program, []byte("vault"))

	addr, err := reg.Role("vault").GetOrCreate(0, &seeds, &accounts.Account{Lamports: 100, Owner: program})
	require.NoError(t, err)

	want, bump, err := seeds.Find()
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	gotBump, ok := reg.Role("vault").Bump(0)
	require.True(t, ok)
	assert.Equal(t, bump, gotBump)

	signer, ok := reg.Role("vault").SignerSeeds(0)
	require.True(t, ok)
	direct, err := pda.CreateProgramAddress(signer, program)
	require.NoError(t, err)
	assert.Equal(t, addr, direct)

	acc, err := sim.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), acc.Lamports)
	assert.Equal(t, program, acc.Owner)

	_, ok = reg.Role("vault").Bump(1)
	assert.False(t, ok)
}

func TestGetOrCreateDoesNotOverwrite(t *testing.T) {
	sim := ledger.New()
	seeds := pda.NewSeeds(program, []byte("cfg"))
	addr, _, err := seeds.Find()
	require.NoError(t, err)
	require.NoError(t, sim.SetAccount(addr, &accounts.Account{Lamports: 3, Owner: program}))

	_, err = New(sim, 1).Role("cfg").GetOrCreate(0, &seeds, &accounts.Account{Lamports: 999})
	require.NoError(t, err)

	acc, err := sim.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), acc.Lamports)
}

func TestReset(t *testing.T) {
	sim := ledger.New()
	reg := New(sim, 1)
	role := reg.Role("metadata")

	addr, err := role.GetOrCreate(0, nil, &accounts.Account{Lamports: 10, Data: []byte{1}, Owner: program})
	require.NoError(t, err)

	again, err := role.Reset(0, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, addr, again)

	acc, err := sim.GetAccount(addr)
	require.NoError(t, err)
	assert.True(t, acc.IsEmpty())

	_, err = role.Reset(0, nil, &accounts.Account{Lamports: 4})
	require.NoError(t, err)
	acc, err = sim.GetAccount(addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), acc.Lamports)
}

func TestLookupAndDescribe(t *testing.T) {
	reg := New(ledger.New(), 1)
	addr, err := reg.Role("attacker").GetOrCreate(3, nil, nil)
	require.NoError(t, err)

	e, ok := reg.Lookup(addr)
	require.True(t, ok)
	assert.Equal(t, "attacker", e.Role)
	assert.Equal(t, uint8(3), e.ID)
	assert.Contains(t, reg.Describe(addr), "attacker[3]=")
	assert.Equal(t, []string{"attacker"}, reg.Roles())

	var unknown types.Pubkey
	unknown[0] = 1
	assert.Equal(t, unknown.String(), reg.Describe(unknown))
}
