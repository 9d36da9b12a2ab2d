package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/ledgerfuzz/pkg/corpus"
	"github.com/fortiblox/ledgerfuzz/pkg/examples"
	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
)

var errViolations = errors.New("invariant violations found")

var runOpts struct {
	suite           string
	iterations      int
	flows           int
	seed            uint64
	corpusPath      string
	backend         string
	badgerPath      string
	maxDuration     time.Duration
	stopOnViolation bool
	metricsAddr     string
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a fuzz suite",
	Example: `  ledgerfuzz run --suite vault-insecure --iterations 100 --seed 7
  ledgerfuzz run --suite revival-insecure --corpus ./corpus/failures.db`,
	Args: cobra.NoArgs,
	RunE: runRun,
}

func init() {
	f := runCmd.Flags()
	f.StringVar(&runOpts.suite, "suite", "", "suite to run (see `ledgerfuzz list`)")
	f.IntVar(&runOpts.iterations, "iterations", 0, "number of iterations")
	f.IntVar(&runOpts.flows, "flows", 0, "flows per iteration")
	f.Uint64Var(&runOpts.seed, "seed", 0, "run seed")
	f.StringVar(&runOpts.corpusPath, "corpus", "", "record failures into this corpus database")
	f.StringVar(&runOpts.backend, "backend", "", "ledger backend: memory or badger")
	f.StringVar(&runOpts.badgerPath, "badger-path", "", "on-disk directory for the badger backend; must be empty or absent")
	f.DurationVar(&runOpts.maxDuration, "max-duration", 0, "stop after this long")
	f.BoolVar(&runOpts.stopOnViolation, "stop-on-violation", false, "stop at the first invariant violation")
	f.StringVar(&runOpts.metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address while running")
	_ = runCmd.MarkFlagRequired("suite")
}

// runConfig loads the config file and applies flags that were set
// explicitly.
func runConfig(cmd *cobra.Command) (fuzz.Config, error) {
	cfg, err := fuzz.LoadConfig(cfgFile)
	if err != nil {
		return cfg, err
	}
	f := cmd.Flags()
	if f.Changed("iterations") {
		cfg.Iterations = runOpts.iterations
	}
	if f.Changed("flows") {
		cfg.FlowsPerIteration = runOpts.flows
	}
	if f.Changed("seed") {
		cfg.Seed = runOpts.seed
	}
	if f.Changed("backend") {
		cfg.Backend = runOpts.backend
	}
	if f.Changed("badger-path") {
		cfg.BadgerPath = runOpts.badgerPath
	}
	if f.Changed("max-duration") {
		cfg.MaxDuration = runOpts.maxDuration
	}
	if f.Changed("stop-on-violation") {
		cfg.StopOnViolation = runOpts.stopOnViolation
	}
	return cfg, cfg.Validate()
}

func runRun(cmd *cobra.Command, _ []string) error {
	suite, ok := examples.Lookup(runOpts.suite)
	if !ok {
		return fmt.Errorf("unknown suite %q", runOpts.suite)
	}
	cfg, err := runConfig(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, stopping after current flow", zap.Stringer("signal", sig))
			cancel()
		case <-ctx.Done():
		}
	}()

	reg := prometheus.NewRegistry()
	opts := []fuzz.Option{
		fuzz.WithConfig(cfg),
		fuzz.WithLogger(logger),
		fuzz.WithRegisterer(reg),
	}

	if runOpts.corpusPath != "" {
		ccfg := corpus.DefaultConfig(runOpts.corpusPath)
		ccfg.Logger = logger.Named("corpus")
		c, err := corpus.Open(ccfg)
		if err != nil {
			return fmt.Errorf("open corpus: %w", err)
		}
		defer c.Close()
		opts = append(opts, fuzz.WithRecorder(c))
	}

	if runOpts.metricsAddr != "" {
		srv := &http.Server{
			Addr:              runOpts.metricsAddr,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Warn("metrics server stopped", zap.Error(err))
			}
		}()
		defer srv.Close()
		logger.Info("serving metrics", zap.String("addr", runOpts.metricsAddr))
	}

	runner, err := fuzz.NewRunner(suite, opts...)
	if err != nil {
		return err
	}
	defer runner.Close()

	report, runErr := runner.Run(ctx)
	printReport(cmd, report)
	if runErr != nil {
		return runErr
	}
	if n := len(report.Violations()); n > 0 {
		return fmt.Errorf("%w: %d", errViolations, n)
	}
	return nil
}

func printReport(cmd *cobra.Command, r *fuzz.Report) {
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "suite\t%s\n", r.Suite)
	fmt.Fprintf(w, "seed\t%d\n", r.Seed)
	fmt.Fprintf(w, "iterations\t%d\n", r.Iterations)
	fmt.Fprintf(w, "flows\t%d\n", r.Flows)
	fmt.Fprintf(w, "transactions\t%d\n", r.Transactions)
	fmt.Fprintf(w, "expected failures\t%d\n", r.ExpectedFailures)
	fmt.Fprintf(w, "failures\t%d\n", len(r.Failures))
	fmt.Fprintf(w, "state hash\t%s\n", r.StateHash)
	fmt.Fprintf(w, "roles\t%s\n", strings.Join(r.Roles, ","))
	fmt.Fprintf(w, "duration\t%s\n", r.Duration.Round(time.Millisecond))
	if r.Stopped != "" {
		fmt.Fprintf(w, "stopped\t%s\n", r.Stopped)
	}
	w.Flush()

	for _, f := range r.Failures {
		fmt.Fprintln(out)
		fmt.Fprint(out, f.String())
	}
}
