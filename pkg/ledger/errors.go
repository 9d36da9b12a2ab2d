package ledger

import (
	"errors"
	"fmt"
)

// ErrorCode classifies why an instruction failed.
type ErrorCode int

// Instruction error codes.
const (
	// CodeInvalidInstruction covers malformed transactions and invocations:
	// no instructions, a CPI that escalates privileges or exceeds the depth
	// limit, or a CPI naming an account the caller was not given.
	CodeInvalidInstruction ErrorCode = iota + 1

	// CodeUnknownProgram means no program is registered at the program id.
	CodeUnknownProgram

	// CodeNotWritable means an account not marked writable was changed.
	CodeNotWritable

	// CodeOwnershipViolation means a program changed an account it does
	// not own in a way only the owner may, or changed an executable account.
	CodeOwnershipViolation

	// CodeProgramPanic means the program panicked.
	CodeProgramPanic

	// CodeProgramFailed means the program returned a plain error.
	CodeProgramFailed

	// CodeCustom means the program returned a CustomError.
	CodeCustom
)

func (c ErrorCode) String() string {
	switch c {
	case CodeInvalidInstruction:
		return "InvalidInstruction"
	case CodeUnknownProgram:
		return "UnknownProgram"
	case CodeNotWritable:
		return "NotWritable"
	case CodeOwnershipViolation:
		return "OwnershipViolation"
	case CodeProgramPanic:
		return "ProgramPanic"
	case CodeProgramFailed:
		return "ProgramFailed"
	case CodeCustom:
		return "Custom"
	default:
		return fmt.Sprintf("ErrorCode(%d)", int(c))
	}
}

// Sentinel errors wrapped by InstructionError.Err.
var (
	ErrEmptyTransaction      = errors.New("transaction has no instructions")
	ErrUnknownProgram        = errors.New("unknown program")
	ErrNotWritable           = errors.New("instruction modified a read-only account")
	ErrExternalDataModified  = errors.New("instruction modified data of an account it does not own")
	ErrExternalOwnerModified = errors.New("instruction changed owner of an account it does not own")
	ErrExternalDebit         = errors.New("instruction spent lamports of an account it does not own")
	ErrExecutableModified    = errors.New("instruction modified an executable account")
	ErrPrivilegeEscalation   = errors.New("cross-program invocation escalated account privileges")
	ErrCallDepth             = errors.New("cross-program invocation depth exceeded")
	ErrMissingAccount        = errors.New("cross-program invocation references an account not passed to the caller")
	ErrNotEnoughAccountKeys  = errors.New("not enough account keys")
	ErrProgramPanicked       = errors.New("program panicked")
)

// CustomError is a program-defined numeric error code.
type CustomError uint32

func (e CustomError) Error() string {
	return fmt.Sprintf("custom program error: %#x", uint32(e))
}

// InstructionError reports which instruction of a transaction failed and why.
type InstructionError struct {
	// Index is the position of the failing top-level instruction.
	Index int

	Code ErrorCode

	// Custom is set when Code is CodeCustom.
	Custom uint32

	Err error
}

func (e *InstructionError) Error() string {
	if e.Code == CodeCustom {
		return fmt.Sprintf("instruction %d: %s(%d): %v", e.Index, e.Code, e.Custom, e.Err)
	}
	return fmt.Sprintf("instruction %d: %s: %v", e.Index, e.Code, e.Err)
}

func (e *InstructionError) Unwrap() error { return e.Err }

// Is matches another *InstructionError by code, ignoring index and cause,
// so errors.Is(err, &InstructionError{Code: CodeNotWritable}) works.
func (e *InstructionError) Is(target error) bool {
	t, ok := target.(*InstructionError)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Code != CodeCustom || t.Custom == e.Custom)
}

// classify turns a program's returned error into an InstructionError.
func classify(err error) *InstructionError {
	var ie *InstructionError
	if errors.As(err, &ie) {
		return &InstructionError{Code: ie.Code, Custom: ie.Custom, Err: ie.Err}
	}
	var ce CustomError
	if errors.As(err, &ce) {
		return &InstructionError{Code: CodeCustom, Custom: uint32(ce), Err: err}
	}
	return &InstructionError{Code: CodeProgramFailed, Err: err}
}
