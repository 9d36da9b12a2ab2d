// Package examples contains small ledger programs with known authorization
// bugs, each paired with a fixed variant and a ready-made fuzz suite. They
// exercise the harness end to end and back the CLI's built-in suites.
package examples

import (
	"errors"
	"fmt"
	"sort"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
	"github.com/fortiblox/ledgerfuzz/pkg/programs/system"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/txbuilder"
)

// Program error codes shared by the example programs.
const (
	ErrAlreadyInitialized ledger.CustomError = 6000 + iota
	ErrNotInitialized
	ErrUnauthorized
	ErrInsufficientBalance
	ErrSeedsMismatch
	ErrUnknownInstruction
	ErrInvalidData
	ErrAccountTypeMismatch
	ErrDuplicateAccounts
	ErrIncorrectPin
	ErrProgramMismatch
	ErrDirectCall
)

// WalletBalance funds every plain wallet the suites create.
const WalletBalance = 10_000_000_000

// AccountRent is what programs transfer into the accounts they create.
const AccountRent = 1_000_000

// Entry names a built-in suite.
type Entry struct {
	Name        string
	Description string
	New         func() fuzz.Suite
}

var builtin = map[string]Entry{}

func register(e Entry) {
	if _, dup := builtin[e.Name]; dup {
		panic(fmt.Sprintf("examples: duplicate suite %q", e.Name))
	}
	builtin[e.Name] = e
}

// All returns the built-in suites sorted by name.
func All() []Entry {
	out := make([]Entry, 0, len(builtin))
	for _, e := range builtin {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Lookup builds the named suite.
func Lookup(name string) (fuzz.Suite, bool) {
	e, ok := builtin[name]
	if !ok {
		return fuzz.Suite{}, false
	}
	return e.New(), true
}

// wallet returns the funded plain wallet (role, id).
func wallet(reg *registry.Registry, role string, id uint8) (types.Pubkey, error) {
	return reg.Role(role).GetOrCreate(id, nil, accounts.New(WalletBalance, 0, system.ProgramID))
}

// instruction splits data into its 8-byte tag and a decoder over the
// arguments.
func instruction(data []byte) ([8]byte, *txbuilder.Decoder, error) {
	d := txbuilder.NewDecoder(data)
	tag := d.Tag()
	if err := d.Err(); err != nil {
		return tag, nil, ErrInvalidData
	}
	return tag, d, nil
}

// createPDA creates target as a program account holding lamports through
// the System Program, signing for it with seeds. target must be the
// canonical address of seeds under the executing program.
func createPDA(ctx ledger.InvokeContext, funder, target *ledger.AccountInfo, lamports, space uint64, seeds ...[]byte) error {
	addr, bump, err := pda.FindProgramAddress(seeds, ctx.ProgramID())
	if err != nil {
		return err
	}
	if addr != target.Key {
		return ErrSeedsMismatch
	}
	if target.IsOwnedBy(ctx.ProgramID()) {
		return ErrAlreadyInitialized
	}
	signer := append(append([][]byte{}, seeds...), []byte{bump})
	ix := system.CreateAccount(funder.Key, target.Key, lamports, space, ctx.ProgramID())
	return ctx.Invoke(ix, signer)
}

// loadState checks that info is an initialized account of this program
// with the given type tag and returns its data after the tag.
func loadState(ctx ledger.InvokeContext, info *ledger.AccountInfo, name string, size int) ([]byte, error) {
	if !info.IsOwnedBy(ctx.ProgramID()) || !accounts.HasDiscriminator(info.Data, accounts.Discriminator(name)) {
		return nil, ErrNotInitialized
	}
	if len(info.Data) < accounts.DiscriminatorSize+size {
		return nil, ErrInvalidData
	}
	return info.Data[accounts.DiscriminatorSize:], nil
}

// writeState stores the type tag followed by body.
func writeState(info *ledger.AccountInfo, name string, body []byte) {
	d := accounts.Discriminator(name)
	copy(info.Data, d[:])
	copy(info.Data[accounts.DiscriminatorSize:], body)
}

var errAccounts = errors.New("wrong number of accounts")

func need(ctx ledger.InvokeContext, n int) error {
	if len(ctx.Accounts()) < n {
		return fmt.Errorf("%w: want %d, got %d", errAccounts, n, len(ctx.Accounts()))
	}
	return nil
}
