package ledger

import (
	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
)

// AccountMeta describes an account in an instruction.
type AccountMeta struct {
	Pubkey     types.Pubkey
	IsSigner   bool
	IsWritable bool
}

// Writable returns a writable account meta.
func Writable(pubkey types.Pubkey, signer bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: signer, IsWritable: true}
}

// ReadOnly returns a read-only account meta.
func ReadOnly(pubkey types.Pubkey, signer bool) AccountMeta {
	return AccountMeta{Pubkey: pubkey, IsSigner: signer}
}

// Instruction is a single program invocation.
type Instruction struct {
	ProgramID types.Pubkey
	Accounts  []AccountMeta
	Data      []byte
}

// Transaction is an ordered list of instructions applied atomically.
type Transaction struct {
	Instructions []Instruction
}

// NewTransaction wraps instructions in a transaction.
func NewTransaction(ixs ...Instruction) *Transaction {
	return &Transaction{Instructions: ixs}
}

// AccountKeys returns every account referenced by the transaction's
// instructions, deduplicated, in order of first appearance. Program ids are
// not included.
func (tx *Transaction) AccountKeys() []types.Pubkey {
	seen := make(map[types.Pubkey]struct{})
	var keys []types.Pubkey
	for _, ix := range tx.Instructions {
		for _, m := range ix.Accounts {
			if _, ok := seen[m.Pubkey]; ok {
				continue
			}
			seen[m.Pubkey] = struct{}{}
			keys = append(keys, m.Pubkey)
		}
	}
	return keys
}

// AccountInfo is the view of an account handed to a program. Programs
// mutate Lamports, Data and Owner in place; the simulator checks the result
// against the structural rules when the program returns. Key, IsSigner and
// IsWritable are informational: the simulator keeps its own copy of what
// the instruction declared and resets them after every check.
type AccountInfo struct {
	Key        types.Pubkey
	Lamports   uint64
	Data       []byte
	Owner      types.Pubkey
	Executable bool
	RentEpoch  uint64
	IsSigner   bool
	IsWritable bool
}

func newAccountInfo(key types.Pubkey, acc *accounts.Account, signer, writable bool) *AccountInfo {
	acc = acc.Clone()
	return &AccountInfo{
		Key:        key,
		Lamports:   acc.Lamports,
		Data:       acc.Data,
		Owner:      acc.Owner,
		Executable: acc.Executable,
		RentEpoch:  acc.RentEpoch,
		IsSigner:   signer,
		IsWritable: writable,
	}
}

// account copies the info's state into a fresh Account.
func (ai *AccountInfo) account() *accounts.Account {
	return (&accounts.Account{
		Lamports:   ai.Lamports,
		Data:       ai.Data,
		Owner:      ai.Owner,
		Executable: ai.Executable,
		RentEpoch:  ai.RentEpoch,
	}).Clone()
}

// refresh overwrites the info's state with acc, keeping privileges.
func (ai *AccountInfo) refresh(acc *accounts.Account) {
	acc = acc.Clone()
	ai.Lamports = acc.Lamports
	ai.Data = acc.Data
	ai.Owner = acc.Owner
	ai.Executable = acc.Executable
	ai.RentEpoch = acc.RentEpoch
}

// restore resets the key and privileges to what the instruction declared.
func (ai *AccountInfo) restore(p privileges) {
	ai.Key = p.key
	ai.IsSigner = p.signer
	ai.IsWritable = p.writable
}

// IsOwnedBy reports whether the account is owned by program.
func (ai *AccountInfo) IsOwnedBy(program types.Pubkey) bool {
	return ai.Owner == program
}
