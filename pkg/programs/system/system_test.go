package system

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
)

func key(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = 0x5E
	p[1] = b
	return p
}

func newSim(t *testing.T) *ledger.Simulator {
	t.Helper()
	sim := ledger.New()
	require.NoError(t, Register(sim))
	return sim
}

func TestTransfer(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Airdrop(key(1), 100))

	res, err := sim.Execute(ledger.NewTransaction(Transfer(key(1), key(2), 30)))
	require.NoError(t, err)
	require.True(t, res.Success, "%v", res.Err)

	from, err := sim.GetAccount(key(1))
	require.NoError(t, err)
	to, err := sim.GetAccount(key(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(70), from.Lamports)
	assert.Equal(t, uint64(30), to.Lamports)
}

func TestTransferErrors(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Airdrop(key(1), 10))

	res, err := sim.Execute(ledger.NewTransaction(Transfer(key(1), key(2), 11)))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrInsufficientFunds)

	ix := Transfer(key(1), key(2), 1)
	ix.Accounts[0].IsSigner = false
	res, err = sim.Execute(ledger.NewTransaction(ix))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrMissingRequiredSignature)
}

func TestCreateAccount(t *testing.T) {
	sim := newSim(t)
	owner := key(9)
	require.NoError(t, sim.Airdrop(key(1), 1000))

	res, err := sim.Execute(ledger.NewTransaction(CreateAccount(key(1), key(2), 500, 16, owner)))
	require.NoError(t, err)
	require.True(t, res.Success, "%v", res.Err)

	acc, err := sim.GetAccount(key(2))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), acc.Lamports)
	assert.Len(t, acc.Data, 16)
	assert.Equal(t, owner, acc.Owner)

	// Creating it again fails and leaves the funder untouched.
	res, err = sim.Execute(ledger.NewTransaction(CreateAccount(key(1), key(2), 100, 16, owner)))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrAccountAlreadyInUse)

	funder, err := sim.GetAccount(key(1))
	require.NoError(t, err)
	assert.Equal(t, uint64(500), funder.Lamports)
}

func TestAllocateAndAssign(t *testing.T) {
	sim := newSim(t)
	require.NoError(t, sim.Airdrop(key(1), 1))

	res, err := sim.Execute(ledger.NewTransaction(
		Allocate(key(1), 8),
		Assign(key(1), key(9)),
	))
	require.NoError(t, err)
	require.True(t, res.Success, "%v", res.Err)

	acc, err := sim.GetAccount(key(1))
	require.NoError(t, err)
	assert.Len(t, acc.Data, 8)
	assert.Equal(t, key(9), acc.Owner)

	// Once assigned the System Program no longer owns it.
	res, err = sim.Execute(ledger.NewTransaction(Assign(key(1), key(8))))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Err, ErrInvalidAccountOwner)
}

func TestInvalidInstructionData(t *testing.T) {
	sim := newSim(t)
	res, err := sim.Execute(ledger.NewTransaction(ledger.Instruction{ProgramID: ProgramID, Data: []byte{1}}))
	require.NoError(t, err)
	require.False(t, res.Success)
	assert.Equal(t, ledger.CodeProgramFailed, res.Err.Code)
	assert.ErrorIs(t, res.Err, ErrInvalidInstructionData)
}
