package accounts

import (
	"encoding/binary"

	"github.com/zeebo/blake3"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// ComputeAccountHash hashes a single account:
// BLAKE3(lamports || rent_epoch || data || executable || owner || pubkey)
func ComputeAccountHash(pubkey types.Pubkey, account *Account) types.Hash {
	h := blake3.New()
	writeAccount(h, pubkey, account)
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

func writeAccount(h *blake3.Hasher, pubkey types.Pubkey, account *Account) {
	var num [8]byte
	binary.LittleEndian.PutUint64(num[:], account.Lamports)
	h.Write(num[:])
	binary.LittleEndian.PutUint64(num[:], account.RentEpoch)
	h.Write(num[:])
	binary.LittleEndian.PutUint64(num[:], uint64(len(account.Data)))
	h.Write(num[:])
	h.Write(account.Data)
	if account.Executable {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	h.Write(account.Owner[:])
	h.Write(pubkey[:])
}

// ComputeStateHash hashes every account in db in ascending pubkey order.
// Two ledgers with the same contents produce the same hash regardless of
// backend or insertion order.
func ComputeStateHash(db DB) (types.Hash, error) {
	h := blake3.New()
	err := db.IterateAccounts(func(pubkey types.Pubkey, account *Account) error {
		writeAccount(h, pubkey, account)
		return nil
	})
	if err != nil {
		return types.Hash{}, err
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out, nil
}
