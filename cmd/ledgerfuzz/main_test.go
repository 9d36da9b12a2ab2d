package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// resetFlags restores every flag to its default so commands can run again.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	resetFlags(rootCmd)
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestListSuites(t *testing.T) {
	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "vault-insecure")
	assert.Contains(t, out, "revival-secure")
}

func TestRunRecordsIntoCorpus(t *testing.T) {
	db := filepath.Join(t.TempDir(), "failures.db")

	out, err := execute(t, "run", "--log-level", "error", "--suite", "revival-insecure",
		"--iterations", "1", "--flows", "2", "--seed", "3", "--corpus", db)
	require.ErrorIs(t, err, errViolations)
	assert.Regexp(t, `transactions\s+[4-6]\n`, out)
	assert.Contains(t, out, "revival")
	assert.Regexp(t, `roles\s+\S*metadata`, out)

	out, err = execute(t, "corpus", "list", "--corpus", db)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 3)
	id := strings.Fields(lines[1])[0]

	out, err = execute(t, "corpus", "show", id, "--corpus", db, "--accounts")
	require.NoError(t, err)
	assert.Contains(t, out, id)
	assert.Contains(t, out, "ledger state")

	_, err = execute(t, "corpus", "delete", id, "--corpus", db)
	require.NoError(t, err)
	out, err = execute(t, "corpus", "list", "--corpus", db)
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)
}

func TestRunSecureSuitePasses(t *testing.T) {
	_, err := execute(t, "run", "--log-level", "error", "--suite", "escrow-secure",
		"--iterations", "2", "--flows", "5", "--seed", "1")
	require.NoError(t, err)
}

func TestRunUnknownSuite(t *testing.T) {
	_, err := execute(t, "run", "--suite", "nope")
	assert.ErrorContains(t, err, "unknown suite")
}
