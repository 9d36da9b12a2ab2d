package accounts

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

var testOwner = types.MustPubkeyFromBase58("BxYhDihgJZZxUXqwoqvzbfD8G1fwNFKQyF8L5SEiNCQP")

func key(b byte) types.Pubkey {
	var p types.Pubkey
	p[0] = b
	p[31] = b
	return p
}

func TestAccountSerializeRoundTrip(t *testing.T) {
	acc := &Account{
		Lamports:   1_000_000,
		Data:       []byte{1, 2, 3, 4, 5},
		Owner:      testOwner,
		Executable: true,
		RentEpoch:  42,
	}

	got, err := DeserializeAccount(acc.Serialize())
	require.NoError(t, err)
	assert.True(t, acc.Equal(got))
}

func TestDeserializeAccountRejectsTruncated(t *testing.T) {
	acc := New(10, 64, testOwner)
	data := acc.Serialize()

	_, err := DeserializeAccount(data[:len(data)-1])
	assert.ErrorIs(t, err, ErrInvalidData)

	_, err = DeserializeAccount(data[:20])
	assert.ErrorIs(t, err, ErrInvalidData)
}

func TestAccountCloneIsDeep(t *testing.T) {
	acc := New(5, 4, testOwner)
	clone := acc.Clone()
	clone.Data[0] = 0xFF
	clone.Lamports = 6

	assert.Equal(t, byte(0), acc.Data[0])
	assert.Equal(t, uint64(5), acc.Lamports)
	assert.Nil(t, (*Account)(nil).Clone())
}

func TestAccountIsEmpty(t *testing.T) {
	assert.True(t, (&Account{}).IsEmpty())
	assert.False(t, (&Account{Owner: testOwner}).IsEmpty(), "an assigned account keeps its owner")
	assert.False(t, (&Account{Lamports: 1}).IsEmpty())
	assert.False(t, New(0, 1, types.SystemProgramAddr).IsEmpty())
}

func TestDiscriminator(t *testing.T) {
	a := Discriminator("Escrow")
	b := Discriminator("Vault")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, Discriminator("Escrow"))

	data := append(a[:], 9, 9)
	assert.True(t, HasDiscriminator(data, a))
	assert.False(t, HasDiscriminator(data, b))
	assert.False(t, HasDiscriminator(a[:4], a))
}

// backends runs fn against every DB implementation.
func backends(t *testing.T, fn func(t *testing.T, db DB)) {
	t.Run("memory", func(t *testing.T) {
		db := NewMemoryDB()
		defer db.Close()
		fn(t, db)
	})
	t.Run("badger", func(t *testing.T) {
		db, err := NewBadgerDB(DefaultBadgerDBConfig())
		require.NoError(t, err)
		defer db.Close()
		fn(t, db)
	})
}

func TestDBBasicOperations(t *testing.T) {
	backends(t, func(t *testing.T, db DB) {
		_, err := db.GetAccount(key(1))
		assert.ErrorIs(t, err, ErrAccountNotFound)

		require.NoError(t, db.SetAccount(key(1), New(100, 8, testOwner)))
		got, err := db.GetAccount(key(1))
		require.NoError(t, err)
		assert.Equal(t, uint64(100), got.Lamports)
		assert.Equal(t, testOwner, got.Owner)

		has, err := db.HasAccount(key(1))
		require.NoError(t, err)
		assert.True(t, has)

		n, err := db.AccountsCount()
		require.NoError(t, err)
		assert.Equal(t, uint64(1), n)

		// Writing the default account deletes the entry.
		require.NoError(t, db.SetAccount(key(1), &Account{}))
		has, err = db.HasAccount(key(1))
		require.NoError(t, err)
		assert.False(t, has)

		n, err = db.AccountsCount()
		require.NoError(t, err)
		assert.Zero(t, n)

		require.NoError(t, db.DeleteAccount(key(9)))
	})
}

func TestDBReturnsCopies(t *testing.T) {
	backends(t, func(t *testing.T, db DB) {
		acc := New(1, 4, testOwner)
		require.NoError(t, db.SetAccount(key(2), acc))
		acc.Data[0] = 7

		got, err := db.GetAccount(key(2))
		require.NoError(t, err)
		assert.Equal(t, byte(0), got.Data[0])

		got.Data[1] = 7
		again, err := db.GetAccount(key(2))
		require.NoError(t, err)
		assert.Equal(t, byte(0), again.Data[1])
	})
}

func TestDBIterateSorted(t *testing.T) {
	backends(t, func(t *testing.T, db DB) {
		for _, b := range []byte{5, 1, 3} {
			require.NoError(t, db.SetAccount(key(b), New(uint64(b), 0, testOwner)))
		}
		var seen []types.Pubkey
		require.NoError(t, db.IterateAccounts(func(pk types.Pubkey, _ *Account) error {
			seen = append(seen, pk)
			return nil
		}))
		assert.Equal(t, []types.Pubkey{key(1), key(3), key(5)}, seen)
	})
}

func TestStateHashIndependentOfBackendAndOrder(t *testing.T) {
	mem := NewMemoryDB()
	bdb, err := NewBadgerDB(DefaultBadgerDBConfig())
	require.NoError(t, err)
	defer bdb.Close()

	require.NoError(t, mem.SetAccount(key(1), New(1, 2, testOwner)))
	require.NoError(t, mem.SetAccount(key(2), New(2, 0, testOwner)))
	require.NoError(t, bdb.SetAccount(key(2), New(2, 0, testOwner)))
	require.NoError(t, bdb.SetAccount(key(1), New(1, 2, testOwner)))

	h1, err := ComputeStateHash(mem)
	require.NoError(t, err)
	h2, err := ComputeStateHash(bdb)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	require.NoError(t, mem.SetAccount(key(2), New(3, 0, testOwner)))
	h3, err := ComputeStateHash(mem)
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)
}

func TestAccountHashCoversPubkey(t *testing.T) {
	acc := New(1, 1, testOwner)
	assert.NotEqual(t, ComputeAccountHash(key(1), acc), ComputeAccountHash(key(2), acc))
}

func TestDumpRoundTrip(t *testing.T) {
	src := NewMemoryDB()
	require.NoError(t, src.SetAccount(key(1), &Account{Lamports: 7, Data: []byte("hello"), Owner: testOwner}))
	require.NoError(t, src.SetAccount(key(4), &Account{Lamports: 9, Executable: true, Owner: types.NativeLoaderAddr}))

	var buf bytes.Buffer
	hdr, err := WriteDump(&buf, src)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), hdr.AccountsCount)

	dst := NewMemoryDB()
	got, err := ReadDump(bytes.NewReader(buf.Bytes()), dst)
	require.NoError(t, err)
	assert.Equal(t, hdr, got)

	acc, err := dst.GetAccount(key(1))
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), acc.Data)
}

func TestReadDumpRejectsGarbage(t *testing.T) {
	_, err := ReadDump(bytes.NewReader(make([]byte, 48)), NewMemoryDB())
	assert.ErrorIs(t, err, ErrBadDump)

	_, err = ReadDump(bytes.NewReader([]byte("LF")), NewMemoryDB())
	assert.Error(t, err)
}
