package fuzz

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/programs/system"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/txbuilder"
)

const startBalance = 1_000_000

func wallets(reg *registry.Registry) (types.Pubkey, types.Pubkey, error) {
	alice, err := reg.Role("wallet").GetOrCreate(0, nil, accounts.New(startBalance, 0, system.ProgramID))
	if err != nil {
		return types.Pubkey{}, types.Pubkey{}, err
	}
	bob, err := reg.Role("wallet").GetOrCreate(1, nil, nil)
	return alice, bob, err
}

// transfer moves a random amount in [lo, hi] from wallet 0 to wallet 1.
func transfer(lo, hi uint64) *txbuilder.Builder {
	return txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "transfer",
		ProgramID: system.ProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return system.Transfer(types.Pubkey{}, types.Pubkey{}, s.Uint64("amount", lo, hi)).Data, nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			alice, bob, err := wallets(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{ledger.Writable(alice, true), ledger.Writable(bob, false)}, nil
		},
	})
}

func conserved(c *Check) error {
	amount := c.Scenario.Uint64("amount", 0, 0)
	alice, bob := c.Role("wallet", 0), c.Role("wallet", 1)
	if c.Pair(alice).LamportsLost() != amount || c.Pair(bob).LamportsGained() != amount {
		return Violationf([]types.Pubkey{alice, bob}, "transfer of %d not conserved", amount)
	}
	return nil
}

func transferSuite(inv Invariant) Suite {
	return Suite{
		Name: "transfer",
		Flows: []Flow{{
			Name:  "pay",
			Steps: []Step{{Name: "pay", Build: transfer(1, 10), Invariant: inv}},
		}},
	}
}

func smallRun(seed uint64) Config {
	cfg := DefaultConfig()
	cfg.Iterations = 5
	cfg.FlowsPerIteration = 10
	cfg.Seed = seed
	return cfg
}

func run(t *testing.T, suite Suite, opts ...Option) (*Runner, *Report, error) {
	t.Helper()
	r, err := NewRunner(suite, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	rep, err := r.Run(context.Background())
	require.NotNil(t, rep)
	return r, rep, err
}

func TestRunConservedTransfers(t *testing.T) {
	r, rep, err := run(t, transferSuite(conserved), WithConfig(smallRun(1)))
	require.NoError(t, err)

	assert.Equal(t, 5, rep.Iterations)
	assert.Equal(t, 50, rep.Flows)
	assert.Equal(t, 50, rep.Transactions)
	assert.Equal(t, 50, rep.FlowCounts["pay"])
	assert.Empty(t, rep.Failures)
	assert.Empty(t, rep.Stopped)
	assert.Equal(t, []string{"wallet"}, rep.Roles)

	alice, ok := r.Registry().Role("wallet").Get(0)
	require.True(t, ok)
	bob, _ := r.Registry().Role("wallet").Get(1)
	a, err := r.Ledger().GetAccount(alice)
	require.NoError(t, err)
	b, err := r.Ledger().GetAccount(bob)
	require.NoError(t, err)
	assert.Equal(t, uint64(startBalance), a.Lamports+b.Lamports)
	assert.Greater(t, b.Lamports, uint64(0))
}

func TestRunDeterministic(t *testing.T) {
	_, first, err := run(t, transferSuite(conserved), WithConfig(smallRun(7)))
	require.NoError(t, err)
	_, second, err := run(t, transferSuite(conserved), WithConfig(smallRun(7)))
	require.NoError(t, err)
	_, other, err := run(t, transferSuite(conserved), WithConfig(smallRun(8)))
	require.NoError(t, err)

	assert.Equal(t, first.StateHash, second.StateHash)
	assert.NotEqual(t, first.StateHash, other.StateHash)
}

func TestRunBadgerBackendMatchesMemory(t *testing.T) {
	cfg := smallRun(3)
	_, mem, err := run(t, transferSuite(conserved), WithConfig(cfg))
	require.NoError(t, err)

	cfg.Backend = BackendBadger
	_, bdg, err := run(t, transferSuite(conserved), WithConfig(cfg))
	require.NoError(t, err)
	assert.Equal(t, mem.StateHash, bdg.StateHash)
}

func TestRunRecordsViolations(t *testing.T) {
	large := func(c *Check) error {
		if amount := c.Scenario.Uint64("amount", 0, 0); amount > 5 {
			return Violationf([]types.Pubkey{c.Role("wallet", 1)}, "amount %d above limit", amount)
		}
		return nil
	}

	r, rep, err := run(t, transferSuite(large), WithConfig(smallRun(11)))
	require.NoError(t, err)
	require.True(t, rep.HasViolations())
	assert.Empty(t, rep.Stopped)

	f := rep.Violations()[0]
	bob, _ := r.Registry().Role("wallet").Get(1)
	assert.Equal(t, KindInvariantViolation, f.Kind)
	assert.Equal(t, "transfer", f.Suite)
	assert.Equal(t, "pay", f.Flow)
	assert.Equal(t, uint64(11), f.Seed)
	assert.Equal(t, []types.Pubkey{bob}, f.Accounts)
	assert.Equal(t, []string{r.Registry().Describe(bob)}, f.Roles)
	assert.Equal(t, "success", f.Outcome)
	assert.NotEmpty(t, f.ID)
	assert.Len(t, f.Snapshots, 2)
	require.Len(t, f.Scenario, 1)
	assert.Equal(t, "amount", f.Scenario[0].Name)
	assert.Contains(t, f.String(), "above limit")
	assert.False(t, f.Fingerprint.IsZero())
	assert.Contains(t, f.String(), f.Fingerprint.String())
}

func TestRunStopOnViolation(t *testing.T) {
	always := func(c *Check) error { return Violationf(nil, "bad") }
	cfg := smallRun(2)
	cfg.StopOnViolation = true

	_, rep, err := run(t, transferSuite(always), WithConfig(cfg))
	require.NoError(t, err)
	assert.Len(t, rep.Failures, 1)
	assert.Equal(t, 1, rep.Transactions)
	assert.Equal(t, "invariant violated", rep.Stopped)
	// Without a Violation the implicated accounts are every referenced one.
	assert.Len(t, rep.Failures[0].Accounts, 2)
}

func TestRunUnexpectedSuccessStops(t *testing.T) {
	suite := Suite{
		Name: "unexpected",
		Flows: []Flow{{
			Name:  "pay",
			Steps: []Step{{Name: "pay", Build: transfer(1, 10), ExpectFailure: true}},
		}},
	}
	_, rep, err := run(t, suite, WithConfig(smallRun(1)))
	require.ErrorIs(t, err, ErrUnexpectedOutcome)
	require.Len(t, rep.Failures, 1)
	assert.Equal(t, KindUnexpectedOutcome, rep.Failures[0].Kind)
	assert.Equal(t, 1, rep.Transactions)
	assert.False(t, rep.StateHash.IsZero())
}

func TestRunClassifiedFailureEndsFlow(t *testing.T) {
	var reached int
	suite := Suite{
		Name: "overdraw",
		Flows: []Flow{{
			Name: "overdraw",
			Steps: []Step{
				{
					Name:  "overdraw",
					Build: transfer(startBalance+1, startBalance+10),
					Classify: func(c *Check) bool {
						return c.FailedWith(system.ErrInsufficientFunds) && c.Code() == ledger.CodeProgramFailed
					},
				},
				{
					Name:   "after",
					Build:  transfer(1, 1),
					Before: func(*Env) error { reached++; return nil },
				},
			},
		}},
	}
	_, rep, err := run(t, suite, WithConfig(smallRun(4)))
	require.NoError(t, err)
	assert.Equal(t, 50, rep.ExpectedFailures)
	assert.Equal(t, 50, rep.Transactions)
	assert.Zero(t, reached)
	assert.Empty(t, rep.Failures)
}

func TestRunExpectedFailureContinuesFlow(t *testing.T) {
	var after int
	suite := Suite{
		Name: "expected",
		Flows: []Flow{{
			Name: "f",
			Steps: []Step{
				{Name: "overdraw", Build: transfer(startBalance+1, startBalance+1), ExpectFailure: true},
				{Name: "pay", Build: transfer(1, 1), Invariant: func(*Check) error { after++; return nil }},
			},
		}},
	}
	_, rep, err := run(t, suite, WithConfig(smallRun(5)))
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Transactions)
	assert.Equal(t, 50, after)
	assert.Zero(t, rep.ExpectedFailures)
}

func TestRunInitAndEnd(t *testing.T) {
	var initRuns, endRuns int
	suite := transferSuite(conserved)
	suite.Init = []Step{{
		Name:   "seed",
		Build:  transfer(1, 1),
		Before: func(env *Env) error { initRuns++; assert.Equal(t, -1, env.Iteration); return nil },
	}}
	suite.End = func(env *Env) error {
		endRuns++
		assert.Equal(t, "end", env.Flow)
		return nil
	}

	_, rep, err := run(t, suite, WithConfig(smallRun(6)))
	require.NoError(t, err)
	assert.Equal(t, 1, initRuns)
	assert.Equal(t, 1, endRuns)
	assert.Equal(t, 51, rep.Transactions)
}

func TestRunPicksAllFlows(t *testing.T) {
	suite := transferSuite(conserved)
	suite.Flows = append(suite.Flows, Flow{
		Name:  "tip",
		Steps: []Step{{Name: "tip", Build: transfer(1, 1), Invariant: conserved}},
	})
	_, rep, err := run(t, suite, WithConfig(smallRun(9)))
	require.NoError(t, err)
	assert.Positive(t, rep.FlowCounts["pay"])
	assert.Positive(t, rep.FlowCounts["tip"])
	assert.Equal(t, 50, rep.FlowCounts["pay"]+rep.FlowCounts["tip"])
}

func TestRunCancelled(t *testing.T) {
	r, err := NewRunner(transferSuite(conserved), WithConfig(smallRun(1)))
	require.NoError(t, err)
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	rep, err := r.Run(ctx)
	require.NoError(t, err)
	assert.Zero(t, rep.Transactions)
	assert.Equal(t, context.Canceled.Error(), rep.Stopped)
}

type memRecorder struct {
	failures []*Failure
	dumps    [][]byte
}

func (m *memRecorder) Record(_ context.Context, f *Failure, dump []byte) error {
	m.failures = append(m.failures, f)
	m.dumps = append(m.dumps, dump)
	return nil
}

func TestRunRecorderGetsRestorableDump(t *testing.T) {
	rec := &memRecorder{}
	cfg := smallRun(1)
	cfg.StopOnViolation = true
	always := func(c *Check) error { return Violationf(nil, "bad") }

	r, rep, err := run(t, transferSuite(always), WithConfig(cfg), WithRecorder(rec))
	require.NoError(t, err)
	require.Len(t, rec.failures, 1)
	assert.Same(t, rep.Failures[0], rec.failures[0])

	restored := ledger.New()
	require.NoError(t, restored.Restore(bytes.NewReader(rec.dumps[0])))
	want, err := r.Ledger().StateHash()
	require.NoError(t, err)
	got, err := restored.StateHash()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestRunMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	r, _, err := run(t, transferSuite(conserved), WithConfig(smallRun(1)), WithRegisterer(reg))
	require.NoError(t, err)

	assert.Equal(t, 5.0, testutil.ToFloat64(r.metrics.iterations))
	assert.Equal(t, 50.0, testutil.ToFloat64(r.metrics.flows.WithLabelValues("pay")))
	assert.Equal(t, 50.0, testutil.ToFloat64(r.metrics.transactions.WithLabelValues("success")))

	n, err := testutil.GatherAndCount(reg, "ledgerfuzz_iterations_total")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestNewRunnerValidates(t *testing.T) {
	_, err := NewRunner(Suite{Name: "empty"})
	assert.ErrorIs(t, err, ErrNoFlows)

	_, err = NewRunner(Suite{Name: "x", Flows: []Flow{{Name: "f"}}})
	assert.ErrorIs(t, err, ErrEmptyFlow)

	_, err = NewRunner(Suite{Name: "x", Flows: []Flow{{Name: "f", Steps: []Step{{Name: "s"}}}}})
	assert.ErrorIs(t, err, ErrNoBuilder)

	cfg := DefaultConfig()
	cfg.FlowsPerIteration = 0
	_, err = NewRunner(transferSuite(nil), WithConfig(cfg))
	assert.Error(t, err)
}

func TestBuildErrorIsFatal(t *testing.T) {
	broken := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "broken",
		ProgramID: system.ProgramID,
		SetAccounts: func(*scenario.Scenario, *registry.Registry) ([]ledger.AccountMeta, error) {
			return nil, assert.AnError
		},
	})
	suite := Suite{Name: "broken", Flows: []Flow{{Name: "f", Steps: []Step{{Name: "s", Build: broken}}}}}
	_, _, err := run(t, suite, WithConfig(smallRun(1)))
	assert.ErrorIs(t, err, ErrStepFailed)
}

func TestNewRunnerRejectsProgramConflict(t *testing.T) {
	suite := transferSuite(conserved)
	suite.Programs = map[types.Pubkey]ledger.Program{
		system.ProgramID: ledger.ProgramFunc(func(types.Pubkey, []*ledger.AccountInfo, []byte) error { return nil }),
	}
	_, err := NewRunner(suite, WithConfig(smallRun(1)))
	assert.ErrorIs(t, err, ErrProgramConflict)
}

func TestBadgerPathMustBeFresh(t *testing.T) {
	cfg := smallRun(2)
	cfg.Backend = BackendBadger
	cfg.BadgerPath = filepath.Join(t.TempDir(), "ledger")

	r, err := NewRunner(transferSuite(conserved), WithConfig(cfg))
	require.NoError(t, err)
	_, err = r.Run(context.Background())
	require.NoError(t, err)
	require.NoError(t, r.Close())

	// The first run left its ledger behind.
	_, err = NewRunner(transferSuite(conserved), WithConfig(cfg))
	assert.ErrorIs(t, err, ErrBackendNotEmpty)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stray"), []byte("x"), 0o600))
	cfg.BadgerPath = dir
	_, err = NewRunner(transferSuite(conserved), WithConfig(cfg))
	assert.ErrorIs(t, err, ErrBackendNotEmpty)
}

func TestPanickingInvariantIsViolation(t *testing.T) {
	missing := func(c *Check) error {
		c.Role("nobody", 0)
		return nil
	}
	_, rep, err := run(t, transferSuite(missing), WithConfig(smallRun(3)))
	require.NoError(t, err)
	assert.Equal(t, 50, rep.Transactions)
	require.Len(t, rep.Violations(), 50)

	f := rep.Violations()[0]
	assert.Equal(t, "pay", f.Step)
	assert.Contains(t, f.Message, ErrCheckPanicked.Error())
	assert.Contains(t, f.Message, "nobody[0] was never created")
	assert.Len(t, f.Accounts, 2)
}

func TestPanickingClassifierIsViolation(t *testing.T) {
	suite := Suite{
		Name: "classifier",
		Flows: []Flow{{
			Name: "overdraw",
			Steps: []Step{{
				Name:     "overdraw",
				Build:    transfer(startBalance+1, startBalance+1),
				Classify: func(c *Check) bool { return c.Scenario.Bool("amount") },
			}},
		}},
	}
	_, rep, err := run(t, suite, WithConfig(smallRun(4)))
	require.NoError(t, err)
	assert.Zero(t, rep.ExpectedFailures)
	require.Len(t, rep.Violations(), 50)
	assert.Contains(t, rep.Violations()[0].Message, "classifier")
}
