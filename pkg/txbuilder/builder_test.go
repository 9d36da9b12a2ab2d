package txbuilder

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
)

var program = types.MustPubkeyFromBase58("BxYhDihgJZZxUXqwoqvzbfD8G1fwNFKQyF8L5SEiNCQP")

func deposit() InstructionTemplate {
	return InstructionTemplate{
		Name:      "deposit",
		ProgramID: program,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return NewData("deposit").U64(s.Uint64("amount", 1, 100)).Encode(), nil
		},
		SetAccounts: func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			user, err := reg.Role("user").GetOrCreate(0, nil, nil)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{ledger.Writable(user, true)}, nil
		},
	}
}

func TestBuildSharesScenario(t *testing.T) {
	sim := ledger.New()
	reg := registry.New(sim, 1)
	s := scenario.New(scenario.NewRng(3))

	b := New(deposit()).Then(deposit())
	assert.Equal(t, []string{"deposit", "deposit"}, b.Names())

	tx, err := b.Build(s, reg)
	require.NoError(t, err)
	require.Len(t, tx.Instructions, 2)

	// Both instructions see the same cached amount and the same user.
	assert.Equal(t, tx.Instructions[0].Data, tx.Instructions[1].Data)
	assert.Equal(t, tx.Instructions[0].Accounts, tx.Instructions[1].Accounts)
	assert.Len(t, tx.AccountKeys(), 1)

	dec := NewDecoder(tx.Instructions[0].Data)
	assert.Equal(t, Discriminator("deposit"), dec.Tag())
	assert.Equal(t, s.Uint64("amount", 1, 100), dec.U64())
	require.NoError(t, dec.Err())
}

func TestBuildErrors(t *testing.T) {
	_, err := New().Build(nil, nil)
	assert.ErrorIs(t, err, ErrNoInstructions)

	boom := errors.New("boom")
	b := New(InstructionTemplate{
		Name:    "bad",
		SetData: func(*scenario.Scenario) ([]byte, error) { return nil, boom },
	})
	_, err = b.Build(scenario.New(scenario.NewRng(1)), nil)
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "instruction 0 (bad)")
}

func TestEncoderDecoder(t *testing.T) {
	data := NewEncoder().U8(7).Bool(true).U32(9).U64(1 << 40).Pubkey(program).Vec([]byte("pin")).Raw([]byte{1}).Encode()

	d := NewDecoder(data)
	assert.Equal(t, uint8(7), d.U8())
	assert.True(t, d.Bool())
	assert.Equal(t, uint32(9), d.U32())
	assert.Equal(t, uint64(1<<40), d.U64())
	assert.Equal(t, program, d.Pubkey())
	assert.Equal(t, []byte("pin"), d.Vec())
	assert.Equal(t, 1, d.Remaining())
	require.NoError(t, d.Err())

	short := NewDecoder([]byte{1, 2})
	short.U64()
	short.U8()
	assert.ErrorIs(t, short.Err(), ErrShortData)
}

func TestDiscriminatorDistinct(t *testing.T) {
	assert.NotEqual(t, Discriminator("initialize"), Discriminator("withdraw"))
}
