package ledger

import (
	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// MaxCPIDepth is the maximum invocation stack height, counting the
// top-level instruction.
const MaxCPIDepth = 4

// Program is an executable unit invoked by the simulator.
type Program interface {
	Process(ctx InvokeContext, data []byte) error
}

// ProgramFunc adapts a plain function with the (program_id, accounts, data)
// signature to Program. Such programs cannot perform cross-program
// invocations.
type ProgramFunc func(programID types.Pubkey, accounts []*AccountInfo, data []byte) error

// Process implements Program.
func (f ProgramFunc) Process(ctx InvokeContext, data []byte) error {
	return f(ctx.ProgramID(), ctx.Accounts(), data)
}

// InvokeContext provides context for program execution.
type InvokeContext interface {
	// ProgramID returns the id of the executing program.
	ProgramID() types.Pubkey

	// Accounts returns the instruction's accounts in declaration order.
	// Duplicate metas share one *AccountInfo.
	Accounts() []*AccountInfo

	// GetAccount returns the account at the given index.
	GetAccount(index int) (*AccountInfo, error)

	// Log records a log message.
	Log(msg string)

	// Invoke performs a cross-program invocation. Each element of
	// signerSeeds is the seed list (bump included) of a program-derived
	// address of the calling program that should sign the call.
	//
	// A failed invocation fails the calling instruction even if the
	// caller ignores the returned error.
	Invoke(ix Instruction, signerSeeds ...[][]byte) error

	// StackHeight returns 1 for a top-level instruction and grows by one
	// per nested invocation.
	StackHeight() int
}
