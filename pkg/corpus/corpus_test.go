package corpus

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/snapshot"
)

func openTemp(t *testing.T, retain int) (*Corpus, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus", "failures.db")
	cfg := DefaultConfig(path)
	cfg.Retain = retain
	c, err := Open(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, path
}

var base = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

func failure(id, suite string, n int) *fuzz.Failure {
	var addr types.Pubkey
	addr[0] = byte(n + 1)
	before := snapshot.FromAccount(addr, &accounts.Account{Lamports: 100, Owner: types.SystemProgramAddr})
	after := snapshot.FromAccount(addr, &accounts.Account{Lamports: 40, Owner: types.SystemProgramAddr})
	return &fuzz.Failure{
		ID:        id,
		Kind:      fuzz.KindInvariantViolation,
		Suite:     suite,
		Seed:      uint64(n),
		Iteration: n,
		Flow:      "withdraw",
		Step:      "withdraw",
		Message:   fmt.Sprintf("violation %d", n),
		Accounts:  []types.Pubkey{addr},
		Roles:     []string{"vault[0]=" + addr.String()},
		Snapshots: []snapshot.Pair{{Before: before, After: after}},
		Scenario:  []scenario.Param{{Name: "amount", Value: "60"}},
		Outcome:   "success",
		Logs:      []string{"Program x invoke [1]"},
		Time:      base.Add(time.Duration(n) * time.Second),
	}
}

func TestRecordAndGet(t *testing.T) {
	c, _ := openTemp(t, 0)
	f := failure("a", "vault", 1)
	require.NoError(t, c.Record(context.Background(), f, []byte("dump")))

	got, err := c.Get("a")
	require.NoError(t, err)
	assert.Equal(t, f.Message, got.Message)
	assert.Equal(t, f.Accounts, got.Accounts)
	assert.Equal(t, f.Scenario, got.Scenario)
	assert.True(t, f.Time.Equal(got.Time))
	require.Len(t, got.Snapshots, 1)
	assert.Equal(t, uint64(60), got.Snapshots[0].LamportsLost())
	assert.Equal(t, f.Accounts[0], got.Snapshots[0].Address())

	dump, err := c.Dump("a")
	require.NoError(t, err)
	assert.Equal(t, []byte("dump"), dump)

	_, err = c.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = c.Dump("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOrdersBySuiteAndTime(t *testing.T) {
	c, _ := openTemp(t, 0)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, failure("v2", "vault", 2), nil))
	require.NoError(t, c.Record(ctx, failure("e1", "escrow", 1), nil))
	require.NoError(t, c.Record(ctx, failure("v0", "vault", 0), nil))

	vault, err := c.List("vault")
	require.NoError(t, err)
	require.Len(t, vault, 2)
	assert.Equal(t, "v0", vault[0].ID)
	assert.Equal(t, "v2", vault[1].ID)

	all, err := c.List("")
	require.NoError(t, err)
	ids := make([]string, len(all))
	for i, s := range all {
		ids[i] = s.ID
	}
	assert.Equal(t, []string{"v0", "e1", "v2"}, ids)

	none, err := c.List("vaul")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestRecordReplacesSameID(t *testing.T) {
	c, _ := openTemp(t, 0)
	ctx := context.Background()
	require.NoError(t, c.Record(ctx, failure("a", "vault", 1), []byte("one")))
	require.NoError(t, c.Record(ctx, failure("a", "vault", 5), nil))

	list, err := c.List("vault")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "violation 5", list[0].Message)

	dump, err := c.Dump("a")
	require.NoError(t, err)
	assert.Nil(t, dump)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Failures)
}

func TestDeleteAndRetain(t *testing.T) {
	c, _ := openTemp(t, 3)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, c.Record(ctx, failure(fmt.Sprintf("f%d", i), "vault", i), nil))
	}

	list, err := c.List("vault")
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "f2", list[0].ID)

	require.NoError(t, c.Delete("f3"))
	require.NoError(t, c.Delete("f3"))
	_, err = c.Get("f3")
	assert.ErrorIs(t, err, ErrNotFound)

	stats, err := c.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), stats.Failures)
	assert.Positive(t, stats.DatabaseSize)
}

func TestReopenKeepsData(t *testing.T) {
	c, path := openTemp(t, 0)
	require.NoError(t, c.Record(context.Background(), failure("a", "vault", 1), nil))
	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	_, err := c.Get("a")
	assert.ErrorIs(t, err, ErrClosed)

	cfg := DefaultConfig(path)
	cfg.ReadOnly = true
	ro, err := Open(cfg)
	require.NoError(t, err)
	defer ro.Close()

	stats, err := ro.Stats()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), stats.Failures)
	got, err := ro.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "vault", got.Suite)
}

func TestRecordCancelled(t *testing.T) {
	c, _ := openTemp(t, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, c.Record(ctx, failure("a", "vault", 1), nil), context.Canceled)
}

func TestStoredDumpRestores(t *testing.T) {
	c, _ := openTemp(t, 0)

	sim := ledger.New()
	require.NoError(t, sim.SetAccount(types.Pubkey{9}, accounts.New(5, 0, types.SystemProgramAddr)))
	var dump bytes.Buffer
	require.NoError(t, sim.Dump(&dump))

	f := failure("r", "vault", 1)
	require.NoError(t, c.Record(context.Background(), f, dump.Bytes()))

	stored, err := c.Dump("r")
	require.NoError(t, err)
	restored := ledger.New()
	require.NoError(t, restored.Restore(bytes.NewReader(stored)))
	acc, err := restored.GetAccount(types.Pubkey{9})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), acc.Lamports)
}
