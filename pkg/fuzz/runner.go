// Package fuzz runs fuzz suites against the ledger simulator.
//
// A run is a flat state machine: Init runs once, then Iterate runs
// Config.Iterations times, each executing Config.FlowsPerIteration flows
// picked uniformly at random, then End runs once. Ledger state carries over
// between iterations so leftover-state bugs such as account revival can
// surface. Every random choice flows from one seeded generator, so a run is
// reproducible from its seed.
//
// For each step the runner snapshots every referenced account strictly
// before and strictly after execution, then evaluates the step's invariant
// on success. Invariant violations are recorded and the run continues; an
// outcome the step's classifier does not recognize stops the run with
// ErrUnexpectedOutcome.
package fuzz

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/programs/system"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/snapshot"
)

// Recorder persists failures, for example to a corpus on disk. dump is a
// compressed copy of the ledger taken right after the failing step.
type Recorder interface {
	Record(ctx context.Context, f *Failure, dump []byte) error
}

// Runner executes a Suite.
type Runner struct {
	suite    Suite
	cfg      Config
	logger   *zap.Logger
	registry prometheus.Registerer
	recorder Recorder
	db       accounts.DB

	metrics *metrics
	sim     *ledger.Simulator
	reg     *registry.Registry
	rng     *scenario.Rng
	report  *Report
}

// Option configures a Runner.
type Option func(*Runner)

// WithConfig sets the run configuration. The default is DefaultConfig().
func WithConfig(cfg Config) Option {
	return func(r *Runner) { r.cfg = cfg }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithRegisterer exports the runner's metrics to reg.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(r *Runner) { r.registry = reg }
}

// WithRecorder sets where failures are persisted.
func WithRecorder(rec Recorder) Option {
	return func(r *Runner) { r.recorder = rec }
}

// WithDB sets the ledger backend, overriding Config.Backend.
func WithDB(db accounts.DB) Option {
	return func(r *Runner) { r.db = db }
}

// NewRunner validates the suite and builds a fresh ledger with the suite's
// programs registered.
func NewRunner(suite Suite, opts ...Option) (*Runner, error) {
	r := &Runner{
		suite:  suite,
		cfg:    DefaultConfig(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if err := r.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if err := suite.Validate(); err != nil {
		return nil, err
	}
	r.logger = r.logger.With(zap.String("suite", suite.Name))

	if r.db == nil {
		db, err := openBackend(r.cfg)
		if err != nil {
			return nil, err
		}
		r.db = db
	}

	r.metrics = newMetrics(r.registry, suite.Name)
	r.sim = ledger.New(ledger.WithDB(r.db), ledger.WithLogger(r.logger.Named("ledger")))
	if err := system.Register(r.sim); err != nil {
		return nil, fmt.Errorf("register system program: %w", err)
	}
	for id, prog := range suite.Programs {
		if r.sim.HasProgram(id) {
			_ = r.sim.Close()
			return nil, fmt.Errorf("suite %q program %s: %w", suite.Name, id, ErrProgramConflict)
		}
		if err := r.sim.RegisterProgram(id, prog); err != nil {
			return nil, fmt.Errorf("register program %s: %w", id, err)
		}
	}
	r.reg = registry.New(r.sim, r.cfg.Seed, registry.WithLogger(r.logger.Named("registry")))
	r.rng = scenario.NewRng(r.cfg.Seed)
	return r, nil
}

func openBackend(cfg Config) (accounts.DB, error) {
	switch cfg.Backend {
	case BackendBadger:
		bcfg := accounts.DefaultBadgerDBConfig()
		if cfg.BadgerPath != "" {
			entries, err := os.ReadDir(cfg.BadgerPath)
			if err != nil && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("open badger backend: %w", err)
			}
			if len(entries) > 0 {
				return nil, fmt.Errorf("open badger backend %s: %w", cfg.BadgerPath, ErrBackendNotEmpty)
			}
			bcfg.InMemory = false
			bcfg.Path = cfg.BadgerPath
		}
		db, err := accounts.NewBadgerDB(bcfg)
		if err != nil {
			return nil, fmt.Errorf("open badger backend: %w", err)
		}
		return db, nil
	default:
		return accounts.NewMemoryDB(), nil
	}
}

// Ledger returns the runner's simulator.
func (r *Runner) Ledger() *ledger.Simulator { return r.sim }

// Registry returns the runner's account registry.
func (r *Runner) Registry() *registry.Registry { return r.reg }

// Close releases the ledger backend.
func (r *Runner) Close() error { return r.sim.Close() }

// Run executes Init, the iterations and End. The report is returned even
// when err is non-nil. Cancellation of ctx and Config.MaxDuration are
// honoured between flows.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	r.report = &Report{
		Suite:      r.suite.Name,
		Seed:       r.cfg.Seed,
		FlowCounts: make(map[string]int),
	}
	defer func() { r.report.Duration = time.Since(start) }()

	var deadline time.Time
	if r.cfg.MaxDuration > 0 {
		deadline = start.Add(r.cfg.MaxDuration)
	}

	r.logger.Info("fuzz run starting",
		zap.Uint64("seed", r.cfg.Seed),
		zap.Int("iterations", r.cfg.Iterations),
		zap.Int("flows_per_iteration", r.cfg.FlowsPerIteration))

	initEnv := r.newEnv(-1, "init")
	for _, st := range r.suite.Init {
		if _, err := r.runStep(ctx, initEnv, st); err != nil {
			return r.finish(fmt.Errorf("init: %w", err))
		}
	}

loop:
	for it := 0; it < r.cfg.Iterations; it++ {
		for n := 0; n < r.cfg.FlowsPerIteration; n++ {
			if err := ctx.Err(); err != nil {
				r.report.Stopped = err.Error()
				break loop
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				r.report.Stopped = "max duration reached"
				break loop
			}
			if err := r.runFlow(ctx, it, r.pickFlow()); err != nil {
				return r.finish(err)
			}
			if r.cfg.StopOnViolation && r.report.HasViolations() {
				r.report.Stopped = "invariant violated"
				break loop
			}
		}
		r.report.Iterations++
		r.metrics.iterations.Inc()
	}

	if r.suite.End != nil {
		if err := r.suite.End(r.newEnv(r.report.Iterations, "end")); err != nil {
			return r.finish(fmt.Errorf("end: %w", err))
		}
	}
	return r.finish(nil)
}

func (r *Runner) finish(runErr error) (*Report, error) {
	hash, err := r.sim.StateHash()
	if err != nil && runErr == nil {
		runErr = fmt.Errorf("state hash: %w", err)
	}
	r.report.StateHash = hash
	r.report.Roles = r.reg.Roles()

	fields := []zap.Field{
		zap.Int("iterations", r.report.Iterations),
		zap.Int("transactions", r.report.Transactions),
		zap.Int("failures", len(r.report.Failures)),
		zap.Stringer("state_hash", hash),
	}
	if runErr != nil {
		r.logger.Error("fuzz run aborted", append(fields, zap.Error(runErr))...)
	} else {
		r.logger.Info("fuzz run finished", fields...)
	}
	return r.report, runErr
}

// pickFlow draws from the run generator so the choice does not depend on
// how many values earlier flows drew.
func (r *Runner) pickFlow() Flow {
	if len(r.suite.Flows) == 1 {
		return r.suite.Flows[0]
	}
	return r.suite.Flows[r.rng.IntN(len(r.suite.Flows))]
}

func (r *Runner) newEnv(iteration int, flow string) *Env {
	return &Env{
		Ledger:    r.sim,
		Registry:  r.reg,
		Scenario:  scenario.New(r.rng.Child()),
		Logger:    r.logger.With(zap.String("flow", flow), zap.Int("iteration", iteration)),
		Iteration: iteration,
		Flow:      flow,
	}
}

func (r *Runner) runFlow(ctx context.Context, iteration int, flow Flow) error {
	env := r.newEnv(iteration, flow.Name)
	r.report.Flows++
	r.report.FlowCounts[flow.Name]++
	r.metrics.flows.WithLabelValues(flow.Name).Inc()

	for _, st := range flow.Steps {
		cont, err := r.runStep(ctx, env, st)
		if err != nil {
			return err
		}
		if !cont {
			break
		}
	}
	return nil
}

// runStep executes one step. It reports whether the flow should continue;
// a non-nil error stops the run.
func (r *Runner) runStep(ctx context.Context, env *Env, st Step) (bool, error) {
	if st.Before != nil {
		if err := st.Before(env); err != nil {
			return false, fmt.Errorf("%w: %s/%s before hook: %v", ErrStepFailed, env.Flow, st.Name, err)
		}
	}

	tx, err := st.Build.Build(env.Scenario, env.Registry)
	if err != nil {
		return false, fmt.Errorf("%w: %s/%s build: %v", ErrStepFailed, env.Flow, st.Name, err)
	}

	keys := tx.AccountKeys()
	before, err := snapshot.CaptureAll(r.sim, keys)
	if err != nil {
		return false, err
	}
	res, err := r.sim.Execute(tx)
	if err != nil {
		return false, fmt.Errorf("execute %s/%s: %w", env.Flow, st.Name, err)
	}
	after, err := snapshot.CaptureAll(r.sim, keys)
	if err != nil {
		return false, err
	}

	r.report.Transactions++
	if res.Success {
		r.metrics.transactions.WithLabelValues("success").Inc()
	} else {
		r.metrics.transactions.WithLabelValues("failure").Inc()
	}

	check := &Check{
		Env:       env,
		Step:      st.Name,
		Tx:        tx,
		Result:    res,
		Snapshots: snapshot.NewSet(before, after),
	}

	if failed := !res.Success; failed != st.ExpectFailure {
		var known bool
		if st.Classify != nil {
			if err := guard("classifier", func() { known = st.Classify(check) }); err != nil {
				r.record(ctx, KindInvariantViolation, check, err.Error(), keys)
				return false, nil
			}
		}
		if !known {
			msg := "expected failure, transaction succeeded"
			if failed {
				msg = fmt.Sprintf("expected success, transaction failed: %v", res.Err)
			}
			r.record(ctx, KindUnexpectedOutcome, check, msg, keys)
			return false, fmt.Errorf("%w: %s/%s: %s", ErrUnexpectedOutcome, env.Flow, st.Name, msg)
		}
		r.report.ExpectedFailures++
		env.Logger.Debug("outcome classified as expected",
			zap.String("step", st.Name),
			zap.Bool("success", res.Success))
		if failed {
			return false, nil
		}
	}

	if res.Success && st.Invariant != nil {
		var err error
		if perr := guard("invariant", func() { err = st.Invariant(check) }); perr != nil {
			err = perr
		}
		if err != nil {
			implicated := keys
			var v *Violation
			if errors.As(err, &v) && len(v.Accounts) > 0 {
				implicated = v.Accounts
			}
			r.record(ctx, KindInvariantViolation, check, err.Error(), implicated)
			return false, nil
		}
	}
	return true, nil
}

// guard runs fn, converting a panic into an ErrCheckPanicked error.
func guard(what string, fn func()) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("%w: %s: %v", ErrCheckPanicked, what, p)
		}
	}()
	fn()
	return nil
}

func (r *Runner) record(ctx context.Context, kind Kind, c *Check, msg string, implicated []types.Pubkey) {
	f := &Failure{
		ID:        uuid.NewString(),
		Kind:      kind,
		Suite:     r.suite.Name,
		Seed:      r.cfg.Seed,
		Iteration: c.Iteration,
		Flow:      c.Flow,
		Step:      c.Step,
		Message:   msg,
		Accounts:  implicated,
		Snapshots: c.Snapshots.Pairs(),
		Scenario:  c.Scenario.Params(),
		Outcome:   "success",
		Logs:      c.Result.Logs,
		Time:      time.Now().UTC(),
	}
	f.Fingerprint = c.Snapshots.Fingerprint()
	if c.Result.Err != nil {
		f.Outcome = c.Result.Err.Error()
	}
	for _, a := range implicated {
		f.Roles = append(f.Roles, r.reg.Describe(a))
	}

	r.report.Failures = append(r.report.Failures, f)
	r.metrics.failures.WithLabelValues(string(kind)).Inc()
	r.logger.Warn("fuzz failure",
		zap.String("id", f.ID),
		zap.String("kind", string(kind)),
		zap.String("flow", f.Flow),
		zap.String("step", f.Step),
		zap.Int("iteration", f.Iteration),
		zap.String("message", msg),
		zap.Strings("accounts", f.Roles))

	if r.recorder == nil {
		return
	}
	var dump bytes.Buffer
	if err := r.sim.Dump(&dump); err != nil {
		r.logger.Warn("ledger dump failed", zap.String("id", f.ID), zap.Error(err))
	}
	if err := r.recorder.Record(ctx, f, dump.Bytes()); err != nil {
		r.logger.Warn("record failure", zap.String("id", f.ID), zap.Error(err))
	}
}
