// Package ledger implements the ledger simulator: an account store plus a
// synchronous executor for transactions made of program instructions.
//
// The simulator enforces only structural rules. After every instruction,
// and around every cross-program invocation, each account handed to the
// program is compared with its state before the call:
//
//   - an account not marked writable must be unchanged (CodeNotWritable)
//   - an executable account must be unchanged (CodeOwnershipViolation)
//   - an account not owned by the program may only gain lamports; data,
//     owner and any debit are reserved to the owner (CodeOwnershipViolation)
//
// Balance conservation and authorization are left to the programs, which is
// exactly what fuzz invariants check.
//
// Transactions are atomic: instructions run against a staged working set
// that is only written back to the backend when every instruction succeeds.
package ledger

import (
	"errors"
	"fmt"
	"io"
	"math"

	"go.uber.org/zap"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
)

// ErrBalanceOverflow is returned by Airdrop when the balance would wrap.
var ErrBalanceOverflow = errors.New("balance overflow")

// ExecutionResult contains the result of transaction execution.
type ExecutionResult struct {
	Success bool

	// Err is set when Success is false.
	Err *InstructionError

	Logs []string

	// ModifiedAccounts lists accounts written back to the ledger, in order
	// of first access. Empty for failed transactions.
	ModifiedAccounts []types.Pubkey
}

// Simulator is an in-process ledger. It is not safe for concurrent use.
type Simulator struct {
	db       accounts.DB
	programs map[types.Pubkey]Program
	logger   *zap.Logger
}

// Option configures a Simulator.
type Option func(*Simulator)

// WithDB sets the account backend. The default is an accounts.MemoryDB.
func WithDB(db accounts.DB) Option {
	return func(s *Simulator) { s.db = db }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Simulator) { s.logger = l }
}

// New creates an empty simulator with no programs registered.
func New(opts ...Option) *Simulator {
	s := &Simulator{
		programs: make(map[types.Pubkey]Program),
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.db == nil {
		s.db = accounts.NewMemoryDB()
	}
	return s
}

// RegisterProgram makes prog invocable at id and stores an executable
// account for it.
func (s *Simulator) RegisterProgram(id types.Pubkey, prog Program) error {
	s.programs[id] = prog
	return s.db.SetAccount(id, &accounts.Account{
		Lamports:   1,
		Owner:      types.NativeLoaderAddr,
		Executable: true,
	})
}

// HasProgram reports whether a program is registered at id.
func (s *Simulator) HasProgram(id types.Pubkey) bool {
	_, ok := s.programs[id]
	return ok
}

// GetAccount returns a copy of the account at addr, or the default account
// (no lamports, no data, system owned) when none is stored. Errors come only
// from the backend.
func (s *Simulator) GetAccount(addr types.Pubkey) (*accounts.Account, error) {
	acc, err := s.db.GetAccount(addr)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		return &accounts.Account{Owner: types.SystemProgramAddr}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", addr, err)
	}
	return acc, nil
}

// SetAccount injects account state directly. It is a fixture operation:
// no program runs and no rule is checked.
func (s *Simulator) SetAccount(addr types.Pubkey, acc *accounts.Account) error {
	if err := s.db.SetAccount(addr, acc); err != nil {
		return fmt.Errorf("set account %s: %w", addr, err)
	}
	return nil
}

// Airdrop credits lamports to addr, creating a system-owned account if
// needed.
func (s *Simulator) Airdrop(addr types.Pubkey, lamports uint64) error {
	acc, err := s.GetAccount(addr)
	if err != nil {
		return err
	}
	if acc.Lamports > math.MaxUint64-lamports {
		return fmt.Errorf("airdrop %d to %s: %w", lamports, addr, ErrBalanceOverflow)
	}
	acc.Lamports += lamports
	return s.SetAccount(addr, acc)
}

// ResetAccount returns addr to the default account. Test fixtures use it to
// re-arm an account between steps of a flow; a program can never do this.
func (s *Simulator) ResetAccount(addr types.Pubkey) error {
	if err := s.db.DeleteAccount(addr); err != nil {
		return fmt.Errorf("reset account %s: %w", addr, err)
	}
	return nil
}

// Execute runs tx atomically. A program failure or rule violation is
// reported in the result, not as an error; the returned error is reserved
// for backend failures.
func (s *Simulator) Execute(tx *Transaction) (*ExecutionResult, error) {
	result := &ExecutionResult{}

	if tx == nil || len(tx.Instructions) == 0 {
		result.Err = &InstructionError{Code: CodeInvalidInstruction, Err: ErrEmptyTransaction}
		return result, nil
	}

	ws := newWorkingSet(s.db)
	for i, ix := range tx.Instructions {
		ierr, err := s.invoke(ws, ix, 1, &result.Logs)
		if err != nil {
			return nil, err
		}
		if ierr != nil {
			ierr.Index = i
			result.Err = ierr
			s.logger.Debug("transaction failed",
				zap.Int("instruction", i),
				zap.Stringer("program", ix.ProgramID),
				zap.Stringer("code", ierr.Code),
				zap.Error(ierr.Err))
			return result, nil
		}
	}

	modified, err := ws.commit()
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	result.Success = true
	result.ModifiedAccounts = modified
	return result, nil
}

// invoke runs a single instruction at the given stack height.
func (s *Simulator) invoke(ws *workingSet, ix Instruction, depth int, logs *[]string) (*InstructionError, error) {
	prog, ok := s.programs[ix.ProgramID]
	if !ok {
		return &InstructionError{
			Code: CodeUnknownProgram,
			Err:  fmt.Errorf("%w: %s", ErrUnknownProgram, ix.ProgramID),
		}, nil
	}

	inv, err := newInvocation(s, ws, ix, depth, logs)
	if err != nil {
		return nil, err
	}

	inv.Log(fmt.Sprintf("Program %s invoke [%d]", ix.ProgramID, depth))
	perr := inv.run(prog, ix.Data)
	if inv.fatal != nil {
		return nil, inv.fatal
	}

	var ierr *InstructionError
	switch {
	case inv.failed != nil:
		ierr = inv.failed
	case perr != nil:
		ierr = classify(perr)
	default:
		ierr = inv.sync()
	}
	if ierr != nil {
		inv.Log(fmt.Sprintf("Program %s failed: %v", ix.ProgramID, ierr.Err))
		return ierr, nil
	}
	inv.Log(fmt.Sprintf("Program %s success", ix.ProgramID))
	return nil, nil
}

// StateHash hashes the full ledger. Identically seeded runs must agree.
func (s *Simulator) StateHash() (types.Hash, error) {
	return accounts.ComputeStateHash(s.db)
}

// Dump writes a compressed copy of the ledger to w.
func (s *Simulator) Dump(w io.Writer) error {
	_, err := accounts.WriteDump(w, s.db)
	return err
}

// Restore replaces the ledger contents with a dump read from r. Registered
// programs are kept.
func (s *Simulator) Restore(r io.Reader) error {
	var keys []types.Pubkey
	err := s.db.IterateAccounts(func(pubkey types.Pubkey, _ *accounts.Account) error {
		keys = append(keys, pubkey)
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := s.db.DeleteAccount(k); err != nil {
			return err
		}
	}
	_, err = accounts.ReadDump(r, s.db)
	return err
}

// Close closes the backend.
func (s *Simulator) Close() error {
	return s.db.Close()
}

// workingSet stages account state for one transaction.
type workingSet struct {
	db      accounts.DB
	orig    map[types.Pubkey]*accounts.Account
	current map[types.Pubkey]*accounts.Account
	order   []types.Pubkey
}

func newWorkingSet(db accounts.DB) *workingSet {
	return &workingSet{
		db:      db,
		orig:    make(map[types.Pubkey]*accounts.Account),
		current: make(map[types.Pubkey]*accounts.Account),
	}
}

// get returns a copy of the staged state of key, loading it on first use.
func (ws *workingSet) get(key types.Pubkey) (*accounts.Account, error) {
	if acc, ok := ws.current[key]; ok {
		return acc.Clone(), nil
	}
	acc, err := ws.db.GetAccount(key)
	if errors.Is(err, accounts.ErrAccountNotFound) {
		acc = &accounts.Account{Owner: types.SystemProgramAddr}
	} else if err != nil {
		return nil, fmt.Errorf("load account %s: %w", key, err)
	}
	ws.orig[key] = acc
	ws.current[key] = acc.Clone()
	ws.order = append(ws.order, key)
	return acc.Clone(), nil
}

func (ws *workingSet) set(key types.Pubkey, acc *accounts.Account) {
	ws.current[key] = acc.Clone()
}

// commit writes changed accounts to the backend.
func (ws *workingSet) commit() ([]types.Pubkey, error) {
	var modified []types.Pubkey
	for _, key := range ws.order {
		cur := ws.current[key]
		if cur.Equal(ws.orig[key]) {
			continue
		}
		if err := ws.db.SetAccount(key, cur); err != nil {
			return modified, err
		}
		modified = append(modified, key)
	}
	return modified, nil
}
