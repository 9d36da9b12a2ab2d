package fuzz

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/snapshot"
	"github.com/fortiblox/ledgerfuzz/pkg/txbuilder"
)

// Suite is a complete fuzz target: the programs under test, one-time
// bootstrap steps, the flows to pick from and an optional end hook.
type Suite struct {
	Name string

	// Programs are registered on the ledger before Init. The System
	// Program is always present.
	Programs map[types.Pubkey]ledger.Program

	// Init runs once, in order, before the first iteration.
	Init []Step

	// Flows are chosen uniformly at random each time a flow runs.
	Flows []Flow

	// End runs once after the last iteration.
	End func(env *Env) error
}

// Validate checks that the suite can run.
func (s Suite) Validate() error {
	if len(s.Flows) == 0 {
		return fmt.Errorf("suite %q: %w", s.Name, ErrNoFlows)
	}
	for _, f := range s.Flows {
		if len(f.Steps) == 0 {
			return fmt.Errorf("suite %q flow %q: %w", s.Name, f.Name, ErrEmptyFlow)
		}
		for _, st := range f.Steps {
			if st.Build == nil {
				return fmt.Errorf("suite %q flow %q step %q: %w", s.Name, f.Name, st.Name, ErrNoBuilder)
			}
		}
	}
	for _, st := range s.Init {
		if st.Build == nil {
			return fmt.Errorf("suite %q init step %q: %w", s.Name, st.Name, ErrNoBuilder)
		}
	}
	return nil
}

// Flow is a named sequence of steps sharing one scenario.
type Flow struct {
	Name  string
	Steps []Step
}

// Step is one transaction of a flow.
type Step struct {
	Name string

	// Build produces the transaction.
	Build *txbuilder.Builder

	// Before runs ahead of Build, typically a fixture change such as
	// re-funding a closed account.
	Before func(env *Env) error

	// Invariant runs after a successful transaction.
	Invariant Invariant

	// Classify is consulted when the outcome differs from ExpectFailure.
	// Returning true marks the outcome as expected for this scenario.
	Classify Classifier

	// ExpectFailure states that the transaction should fail.
	ExpectFailure bool
}

// Invariant checks a transaction's snapshots. A returned error is a
// violation; return a *Violation to name the implicated accounts.
type Invariant func(c *Check) error

// Classifier recognizes an outcome that did not match Step.ExpectFailure.
type Classifier func(c *Check) bool

// Env is the state shared by the hooks of one flow invocation.
type Env struct {
	Ledger    *ledger.Simulator
	Registry  *registry.Registry
	Scenario  *scenario.Scenario
	Logger    *zap.Logger
	Iteration int
	Flow      string
}

// Check is what invariants and classifiers see: the transaction, its result
// and the before/after snapshots of every account it referenced.
type Check struct {
	*Env
	Step      string
	Tx        *ledger.Transaction
	Result    *ledger.ExecutionResult
	Snapshots *snapshot.Set
}

// Succeeded reports whether the transaction succeeded.
func (c *Check) Succeeded() bool { return c.Result.Success }

// Code returns the failure code, or zero on success.
func (c *Check) Code() ledger.ErrorCode {
	if c.Result.Err == nil {
		return 0
	}
	return c.Result.Err.Code
}

// FailedWith reports whether the transaction failed with err anywhere in
// its error chain.
func (c *Check) FailedWith(err error) bool {
	return c.Result.Err != nil && errors.Is(c.Result.Err, err)
}

// IsCustom reports whether the transaction failed with CustomError(code).
func (c *Check) IsCustom(code uint32) bool {
	return c.Result.Err != nil && c.Result.Err.Code == ledger.CodeCustom && c.Result.Err.Custom == code
}

// Before returns the pre-transaction snapshot of addr.
func (c *Check) Before(addr types.Pubkey) snapshot.Snapshot { return c.Snapshots.Before(addr) }

// After returns the post-transaction snapshot of addr.
func (c *Check) After(addr types.Pubkey) snapshot.Snapshot { return c.Snapshots.After(addr) }

// Pair returns both snapshots of addr.
func (c *Check) Pair(addr types.Pubkey) snapshot.Pair { return c.Snapshots.Pair(addr) }

// Role returns the cached address of (role, id). A missing entry panics;
// the runner records the panic as a violation of the calling check.
func (c *Check) Role(name string, id uint8) types.Pubkey {
	addr, ok := c.Registry.Role(name).Get(id)
	if !ok {
		panic(fmt.Sprintf("fuzz: role %s[%d] was never created", name, id))
	}
	return addr
}
