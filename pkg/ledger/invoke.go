package ledger

import (
	"bytes"
	"fmt"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
)

// invocation is the InvokeContext of one program call.
type invocation struct {
	sim       *Simulator
	ws        *workingSet
	programID types.Pubkey
	depth     int
	logs      *[]string

	// metas follows the instruction's account order; unique holds each
	// distinct account once and declared its key and privileges, which
	// programs cannot alter.
	metas    []*AccountInfo
	unique   []*AccountInfo
	declared []privileges
	byKey    map[types.Pubkey]int

	// pre is the state each account had when the program last saw it
	// synchronized with the working set.
	pre map[types.Pubkey]*accounts.Account

	failed *InstructionError
	fatal  error
}

// privileges is what the instruction declared for one account.
type privileges struct {
	key      types.Pubkey
	signer   bool
	writable bool
}

func newInvocation(s *Simulator, ws *workingSet, ix Instruction, depth int, logs *[]string) (*invocation, error) {
	inv := &invocation{
		sim:       s,
		ws:        ws,
		programID: ix.ProgramID,
		depth:     depth,
		logs:      logs,
		metas:     make([]*AccountInfo, len(ix.Accounts)),
		byKey:     make(map[types.Pubkey]int),
		pre:       make(map[types.Pubkey]*accounts.Account),
	}

	for i, m := range ix.Accounts {
		if j, ok := inv.byKey[m.Pubkey]; ok {
			// Duplicate meta: same account, merged privileges.
			p := &inv.declared[j]
			p.signer = p.signer || m.IsSigner
			p.writable = p.writable || m.IsWritable
			inv.unique[j].restore(*p)
			inv.metas[i] = inv.unique[j]
			continue
		}
		acc, err := ws.get(m.Pubkey)
		if err != nil {
			return nil, err
		}
		info := newAccountInfo(m.Pubkey, acc, m.IsSigner, m.IsWritable)
		inv.byKey[m.Pubkey] = len(inv.unique)
		inv.unique = append(inv.unique, info)
		inv.declared = append(inv.declared, privileges{key: m.Pubkey, signer: m.IsSigner, writable: m.IsWritable})
		inv.metas[i] = info
		inv.pre[m.Pubkey] = acc
	}
	return inv, nil
}

func (inv *invocation) ProgramID() types.Pubkey { return inv.programID }
func (inv *invocation) StackHeight() int        { return inv.depth }

// Accounts returns a copy of the account list so reordering it cannot
// detach the simulator's view.
func (inv *invocation) Accounts() []*AccountInfo {
	return append([]*AccountInfo(nil), inv.metas...)
}

func (inv *invocation) GetAccount(index int) (*AccountInfo, error) {
	if index < 0 || index >= len(inv.metas) {
		return nil, fmt.Errorf("%w: index %d of %d", ErrNotEnoughAccountKeys, index, len(inv.metas))
	}
	return inv.metas[index], nil
}

func (inv *invocation) Log(msg string) {
	*inv.logs = append(*inv.logs, msg)
}

// run calls the program, converting a panic into CodeProgramPanic.
func (inv *invocation) run(prog Program, data []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &InstructionError{
				Code: CodeProgramPanic,
				Err:  fmt.Errorf("%w: %v", ErrProgramPanicked, r),
			}
		}
	}()
	return prog.Process(inv, data)
}

// sync checks every account against the structural rules and, when all
// pass, writes them to the working set.
func (inv *invocation) sync() *InstructionError {
	posts := make([]*accounts.Account, len(inv.unique))
	for i, info := range inv.unique {
		p := inv.declared[i]
		posts[i] = info.account()
		if ierr := verify(p.key, inv.pre[p.key], posts[i], inv.programID, p.writable); ierr != nil {
			return ierr
		}
	}
	for i, info := range inv.unique {
		p := inv.declared[i]
		inv.ws.set(p.key, posts[i])
		inv.pre[p.key] = posts[i]
		info.restore(p)
	}
	return nil
}

// verify applies the structural rules to one account.
func verify(key types.Pubkey, pre, post *accounts.Account, programID types.Pubkey, writable bool) *InstructionError {
	if pre.Equal(post) {
		return nil
	}
	violation := func(code ErrorCode, err error) *InstructionError {
		return &InstructionError{Code: code, Err: fmt.Errorf("%w: %s", err, key)}
	}
	if !writable {
		return violation(CodeNotWritable, ErrNotWritable)
	}
	if pre.Executable || post.Executable != pre.Executable {
		return violation(CodeOwnershipViolation, ErrExecutableModified)
	}
	if pre.Owner == programID {
		return nil
	}
	switch {
	case !bytes.Equal(pre.Data, post.Data) || pre.RentEpoch != post.RentEpoch:
		return violation(CodeOwnershipViolation, ErrExternalDataModified)
	case pre.Owner != post.Owner:
		return violation(CodeOwnershipViolation, ErrExternalOwnerModified)
	case post.Lamports < pre.Lamports:
		return violation(CodeOwnershipViolation, ErrExternalDebit)
	}
	return nil
}

// Invoke implements InvokeContext.
func (inv *invocation) Invoke(ix Instruction, signerSeeds ...[][]byte) error {
	if inv.failed != nil {
		return inv.failed
	}
	if inv.fatal != nil {
		return inv.fatal
	}
	fail := func(ierr *InstructionError) error {
		inv.failed = ierr
		return ierr
	}

	if inv.depth >= MaxCPIDepth {
		return fail(&InstructionError{
			Code: CodeInvalidInstruction,
			Err:  fmt.Errorf("%w: max %d", ErrCallDepth, MaxCPIDepth),
		})
	}

	signers := make(map[types.Pubkey]bool, len(signerSeeds))
	for _, seeds := range signerSeeds {
		addr, err := pda.CreateProgramAddress(seeds, inv.programID)
		if err != nil {
			return fail(&InstructionError{Code: CodeInvalidInstruction, Err: fmt.Errorf("signer seeds: %w", err)})
		}
		signers[addr] = true
	}

	for _, m := range ix.Accounts {
		j, ok := inv.byKey[m.Pubkey]
		if !ok {
			return fail(&InstructionError{
				Code: CodeInvalidInstruction,
				Err:  fmt.Errorf("%w: %s", ErrMissingAccount, m.Pubkey),
			})
		}
		granted := inv.declared[j]
		if m.IsWritable && !granted.writable {
			return fail(&InstructionError{
				Code: CodeInvalidInstruction,
				Err:  fmt.Errorf("%w: %s writable", ErrPrivilegeEscalation, m.Pubkey),
			})
		}
		if m.IsSigner && !granted.signer && !signers[m.Pubkey] {
			return fail(&InstructionError{
				Code: CodeInvalidInstruction,
				Err:  fmt.Errorf("%w: %s signer", ErrPrivilegeEscalation, m.Pubkey),
			})
		}
	}

	// The callee must observe the caller's changes so far.
	if ierr := inv.sync(); ierr != nil {
		return fail(ierr)
	}

	ierr, err := inv.sim.invoke(inv.ws, ix, inv.depth+1, inv.logs)
	if err != nil {
		inv.fatal = err
		return err
	}
	if ierr != nil {
		return fail(ierr)
	}

	for i, info := range inv.unique {
		p := inv.declared[i]
		acc, err := inv.ws.get(p.key)
		if err != nil {
			inv.fatal = err
			return err
		}
		info.refresh(acc)
		info.restore(p)
		inv.pre[p.key] = acc
	}
	return nil
}

var _ InvokeContext = (*invocation)(nil)
