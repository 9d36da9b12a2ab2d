package fuzz

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/snapshot"
)

// Errors returned by the runner.
var (
	// ErrUnexpectedOutcome means a transaction succeeded or failed against
	// expectation and the step's classifier did not recognize it. It stops
	// the run.
	ErrUnexpectedOutcome = errors.New("unexpected execution outcome")

	ErrNoFlows    = errors.New("no flows")
	ErrEmptyFlow  = errors.New("flow has no steps")
	ErrNoBuilder  = errors.New("step has no builder")
	ErrStepFailed = errors.New("step setup failed")

	// ErrProgramConflict means a suite program id is already taken, for
	// example by the System Program.
	ErrProgramConflict = errors.New("program id already registered")

	// ErrBackendNotEmpty means the badger directory already holds data.
	// Reopening a previous ledger would break reproducibility.
	ErrBackendNotEmpty = errors.New("badger directory is not empty")

	// ErrCheckPanicked wraps a panic raised by an invariant or classifier.
	ErrCheckPanicked = errors.New("check panicked")
)

// Violation is an invariant failure naming the accounts involved.
type Violation struct {
	Message  string
	Accounts []types.Pubkey
}

// Violationf builds a Violation.
func Violationf(accounts []types.Pubkey, format string, args ...any) *Violation {
	return &Violation{Message: fmt.Sprintf(format, args...), Accounts: accounts}
}

func (v *Violation) Error() string { return v.Message }

// Kind classifies a recorded failure.
type Kind string

const (
	KindInvariantViolation Kind = "invariant_violation"
	KindUnexpectedOutcome  Kind = "unexpected_outcome"
)

// Failure is a recorded finding with enough context to reproduce it.
type Failure struct {
	ID        string
	Kind      Kind
	Suite     string
	Seed      uint64
	Iteration int
	Flow      string
	Step      string
	Message   string

	// Accounts are the implicated addresses; Roles describes each one by
	// its registry role where known.
	Accounts []types.Pubkey
	Roles    []string

	Snapshots []snapshot.Pair
	Scenario  []scenario.Param

	// Fingerprint hashes the step's before and after snapshots. Failures
	// with equal fingerprints observed the same state transition.
	Fingerprint types.Hash

	// Outcome is "success" or the instruction error of the transaction.
	Outcome string
	Logs    []string
	Time    time.Time
}

func (f *Failure) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] suite=%s seed=%d iteration=%d flow=%s step=%s\n",
		f.ID, f.Kind, f.Suite, f.Seed, f.Iteration, f.Flow, f.Step)
	fmt.Fprintf(&b, "  %s\n", f.Message)
	fmt.Fprintf(&b, "  outcome: %s\n", f.Outcome)
	fmt.Fprintf(&b, "  fingerprint: %s\n", f.Fingerprint)
	for _, r := range f.Roles {
		fmt.Fprintf(&b, "  account: %s\n", r)
	}
	for _, p := range f.Scenario {
		fmt.Fprintf(&b, "  param %s = %s\n", p.Name, p.Value)
	}
	for _, p := range f.Snapshots {
		if p.Changed() {
			fmt.Fprintf(&b, "  %s changed:\n%s", p.Address(), indent(p.Diff(), "    "))
		}
	}
	return b.String()
}

func indent(s, prefix string) string {
	lines := strings.SplitAfter(s, "\n")
	for i, l := range lines {
		if l != "" {
			lines[i] = prefix + l
		}
	}
	return strings.Join(lines, "")
}

// Report summarizes a run.
type Report struct {
	Suite            string
	Seed             uint64
	Iterations       int
	Flows            int
	Transactions     int
	ExpectedFailures int
	FlowCounts       map[string]int
	Failures         []*Failure
	StateHash        types.Hash
	Duration         time.Duration

	// Roles lists the registry roles the run created.
	Roles []string

	// Stopped explains an early stop; empty when the run completed.
	Stopped string
}

// Violations returns the invariant violations.
func (r *Report) Violations() []*Failure {
	var out []*Failure
	for _, f := range r.Failures {
		if f.Kind == KindInvariantViolation {
			out = append(out, f)
		}
	}
	return out
}

// HasViolations reports whether any invariant was violated.
func (r *Report) HasViolations() bool { return len(r.Violations()) > 0 }
