package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/fortiblox/ledgerfuzz/pkg/examples"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List built-in suites",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "SUITE\tFLOWS\tDESCRIPTION")
		for _, e := range examples.All() {
			s := e.New()
			fmt.Fprintf(w, "%s\t%d\t%s\n", e.Name, len(s.Flows), e.Description)
		}
		return w.Flush()
	},
}
