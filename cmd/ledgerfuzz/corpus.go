package main

import (
	"bytes"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fortiblox/ledgerfuzz/pkg/corpus"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/snapshot"
)

var corpusOpts struct {
	path     string
	suite    string
	accounts bool
}

var corpusCmd = &cobra.Command{
	Use:   "corpus",
	Short: "Inspect recorded failures",
}

var corpusListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded failures",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCorpus(true)
		if err != nil {
			return err
		}
		defer c.Close()

		list, err := c.List(corpusOpts.suite)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTIME\tSUITE\tKIND\tSEED\tFLOW/STEP\tMESSAGE")
		for _, s := range list {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s/%s\t%s\n",
				s.ID, s.Time.Format(time.RFC3339), s.Suite, s.Kind, s.Seed, s.Flow, s.Step, s.Message)
		}
		return w.Flush()
	},
}

var corpusShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a recorded failure",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCorpus(true)
		if err != nil {
			return err
		}
		defer c.Close()

		f, err := c.Get(args[0])
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprint(out, f.String())
		if len(f.Logs) > 0 {
			fmt.Fprintln(out, "  logs:")
			for _, l := range f.Logs {
				fmt.Fprintf(out, "    %s\n", l)
			}
		}
		if !corpusOpts.accounts {
			return nil
		}

		dump, err := c.Dump(f.ID)
		if err != nil {
			return err
		}
		if dump == nil {
			fmt.Fprintln(out, "  no ledger dump recorded")
			return nil
		}
		sim := ledger.New()
		if err := sim.Restore(bytes.NewReader(dump)); err != nil {
			return fmt.Errorf("restore dump: %w", err)
		}
		hash, err := sim.StateHash()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "  ledger state %s\n", hash)
		for _, addr := range f.Accounts {
			snap, err := snapshot.Capture(sim, addr)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "  %s\n", snap)
		}
		return nil
	},
}

var corpusDeleteCmd = &cobra.Command{
	Use:   "delete <id>...",
	Short: "Delete recorded failures",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCorpus(false)
		if err != nil {
			return err
		}
		defer c.Close()
		for _, id := range args {
			if err := c.Delete(id); err != nil {
				return fmt.Errorf("delete %s: %w", id, err)
			}
		}
		return nil
	},
}

func init() {
	corpusCmd.PersistentFlags().StringVar(&corpusOpts.path, "corpus", "corpus/failures.db", "corpus database")
	corpusListCmd.Flags().StringVar(&corpusOpts.suite, "suite", "", "only this suite")
	corpusShowCmd.Flags().BoolVar(&corpusOpts.accounts, "accounts", false, "restore the ledger dump and print the implicated accounts")

	corpusCmd.AddCommand(corpusListCmd)
	corpusCmd.AddCommand(corpusShowCmd)
	corpusCmd.AddCommand(corpusDeleteCmd)
}

func openCorpus(readOnly bool) (*corpus.Corpus, error) {
	cfg := corpus.DefaultConfig(corpusOpts.path)
	cfg.ReadOnly = readOnly
	cfg.Logger = logger.Named("corpus")
	c, err := corpus.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open corpus %s: %w", corpusOpts.path, err)
	}
	return c, nil
}
