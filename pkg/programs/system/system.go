// Package system implements the native System Program.
//
// The System Program is responsible for:
// - Creating new accounts
// - Transferring lamports
// - Assigning account ownership
// - Allocating account space
//
// There is no rent: an account may be created with any balance.
package system

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
)

// ProgramID is the System Program address (all zeros).
var ProgramID = types.SystemProgramAddr

// Instruction discriminants.
const (
	InstructionCreateAccount uint32 = 0
	InstructionAssign        uint32 = 1
	InstructionTransfer      uint32 = 2
	InstructionAllocate      uint32 = 8
)

// Error types.
var (
	ErrInvalidInstructionData   = errors.New("invalid instruction data")
	ErrInsufficientFunds        = errors.New("insufficient funds")
	ErrAccountAlreadyInUse      = errors.New("account already in use")
	ErrInvalidAccountOwner      = errors.New("invalid account owner")
	ErrMissingRequiredSignature = errors.New("missing required signature")
	ErrAccountDataTooSmall      = errors.New("account data too small")
	ErrAccountDataTooLarge      = errors.New("account data too large")
	ErrNotWritable              = errors.New("account not writable")
	ErrLamportOverflow          = errors.New("lamport overflow")
)

// Processor executes System Program instructions.
type Processor struct{}

// NewProcessor creates a new System Program processor.
func NewProcessor() *Processor {
	return &Processor{}
}

// Register installs the System Program on sim at ProgramID.
func Register(sim *ledger.Simulator) error {
	return sim.RegisterProgram(ProgramID, NewProcessor())
}

// Process executes a System Program instruction.
func (p *Processor) Process(ctx ledger.InvokeContext, data []byte) error {
	if len(data) < 4 {
		return ErrInvalidInstructionData
	}

	switch binary.LittleEndian.Uint32(data[:4]) {
	case InstructionCreateAccount:
		return p.processCreateAccount(ctx, data[4:])
	case InstructionAssign:
		return p.processAssign(ctx, data[4:])
	case InstructionTransfer:
		return p.processTransfer(ctx, data[4:])
	case InstructionAllocate:
		return p.processAllocate(ctx, data[4:])
	default:
		return ErrInvalidInstructionData
	}
}

// processCreateAccount funds, allocates and assigns a new account.
// Accounts: [0] funder (signer, writable), [1] new account (signer, writable).
func (p *Processor) processCreateAccount(ctx ledger.InvokeContext, data []byte) error {
	// lamports (8) + space (8) + owner (32)
	if len(data) < 48 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])
	space := binary.LittleEndian.Uint64(data[8:16])
	var owner types.Pubkey
	copy(owner[:], data[16:48])

	if space > accounts.MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	funder, err := ctx.GetAccount(0)
	if err != nil {
		return err
	}
	newAccount, err := ctx.GetAccount(1)
	if err != nil {
		return err
	}

	if !funder.IsSigner || !newAccount.IsSigner {
		return ErrMissingRequiredSignature
	}
	if funder.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if newAccount.Owner != ProgramID || len(newAccount.Data) > 0 || newAccount.Lamports > 0 {
		return fmt.Errorf("%w: %s", ErrAccountAlreadyInUse, newAccount.Key)
	}

	funder.Lamports -= lamports
	newAccount.Lamports = lamports
	newAccount.Data = make([]byte, space)
	newAccount.Owner = owner

	ctx.Log("CreateAccount: success")
	return nil
}

// processAssign changes the owner of an account.
// Accounts: [0] account (signer, writable).
func (p *Processor) processAssign(ctx ledger.InvokeContext, data []byte) error {
	if len(data) < 32 {
		return ErrInvalidInstructionData
	}
	var newOwner types.Pubkey
	copy(newOwner[:], data[0:32])

	account, err := ctx.GetAccount(0)
	if err != nil {
		return err
	}
	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}

	account.Owner = newOwner
	ctx.Log("Assign: success")
	return nil
}

// processTransfer moves lamports between accounts.
// Accounts: [0] from (signer, writable), [1] to (writable).
func (p *Processor) processTransfer(ctx ledger.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	lamports := binary.LittleEndian.Uint64(data[0:8])

	from, err := ctx.GetAccount(0)
	if err != nil {
		return err
	}
	to, err := ctx.GetAccount(1)
	if err != nil {
		return err
	}

	if !from.IsSigner {
		return ErrMissingRequiredSignature
	}
	if !from.IsWritable || !to.IsWritable {
		return ErrNotWritable
	}
	if len(from.Data) > 0 {
		// Only plain wallets can be debited by the System Program.
		return ErrInvalidAccountOwner
	}
	if from.Lamports < lamports {
		return ErrInsufficientFunds
	}
	if to.Key != from.Key && to.Lamports > math.MaxUint64-lamports {
		return ErrLamportOverflow
	}

	from.Lamports -= lamports
	to.Lamports += lamports

	ctx.Log("Transfer: success")
	return nil
}

// processAllocate grows an account's data.
// Accounts: [0] account (signer, writable).
func (p *Processor) processAllocate(ctx ledger.InvokeContext, data []byte) error {
	if len(data) < 8 {
		return ErrInvalidInstructionData
	}
	space := binary.LittleEndian.Uint64(data[0:8])
	if space > accounts.MaxAccountDataSize {
		return ErrAccountDataTooLarge
	}

	account, err := ctx.GetAccount(0)
	if err != nil {
		return err
	}
	if !account.IsSigner {
		return ErrMissingRequiredSignature
	}
	if account.Owner != ProgramID {
		return ErrInvalidAccountOwner
	}
	if uint64(len(account.Data)) > space {
		return ErrAccountDataTooSmall
	}
	if uint64(len(account.Data)) < space {
		newData := make([]byte, space)
		copy(newData, account.Data)
		account.Data = newData
	}

	ctx.Log("Allocate: success")
	return nil
}

// CreateAccount builds a CreateAccount instruction.
func CreateAccount(funder, newAccount types.Pubkey, lamports, space uint64, owner types.Pubkey) ledger.Instruction {
	data := make([]byte, 4+48)
	binary.LittleEndian.PutUint32(data, InstructionCreateAccount)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	binary.LittleEndian.PutUint64(data[12:], space)
	copy(data[20:], owner[:])
	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(funder, true),
			ledger.Writable(newAccount, true),
		},
		Data: data,
	}
}

// Assign builds an Assign instruction.
func Assign(account, owner types.Pubkey) ledger.Instruction {
	data := make([]byte, 4+32)
	binary.LittleEndian.PutUint32(data, InstructionAssign)
	copy(data[4:], owner[:])
	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts:  []ledger.AccountMeta{ledger.Writable(account, true)},
		Data:      data,
	}
}

// Transfer builds a Transfer instruction.
func Transfer(from, to types.Pubkey, lamports uint64) ledger.Instruction {
	data := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(data, InstructionTransfer)
	binary.LittleEndian.PutUint64(data[4:], lamports)
	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts: []ledger.AccountMeta{
			ledger.Writable(from, true),
			ledger.Writable(to, false),
		},
		Data: data,
	}
}

// Allocate builds an Allocate instruction.
func Allocate(account types.Pubkey, space uint64) ledger.Instruction {
	data := make([]byte, 4+8)
	binary.LittleEndian.PutUint32(data, InstructionAllocate)
	binary.LittleEndian.PutUint64(data[4:], space)
	return ledger.Instruction{
		ProgramID: ProgramID,
		Accounts:  []ledger.AccountMeta{ledger.Writable(account, true)},
		Data:      data,
	}
}

var _ ledger.Program = (*Processor)(nil)
