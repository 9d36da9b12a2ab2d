// Package snapshot captures immutable before/after views of ledger accounts
// around a transaction and renders the differences between them.
//
// A Snapshot owns a private copy of the account; every accessor that returns
// a slice returns a fresh copy, so nothing a caller does to the ledger or to
// returned values can change what a snapshot reports.
package snapshot

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/go-cmp/cmp"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
)

// ErrInvalidSnapshot is returned when decoding a malformed snapshot.
var ErrInvalidSnapshot = errors.New("invalid snapshot")

// Source is anything accounts can be read from; *ledger.Simulator is one.
type Source interface {
	GetAccount(addr types.Pubkey) (*accounts.Account, error)
}

// Snapshot is an immutable copy of one account's state.
type Snapshot struct {
	address types.Pubkey
	account *accounts.Account
}

// Capture copies the current state of addr from src.
func Capture(src Source, addr types.Pubkey) (Snapshot, error) {
	acc, err := src.GetAccount(addr)
	if err != nil {
		return Snapshot{}, fmt.Errorf("capture %s: %w", addr, err)
	}
	return FromAccount(addr, acc), nil
}

// CaptureAll captures addrs in order.
func CaptureAll(src Source, addrs []types.Pubkey) ([]Snapshot, error) {
	out := make([]Snapshot, 0, len(addrs))
	for _, a := range addrs {
		s, err := Capture(src, a)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

// FromAccount builds a snapshot from an account value, copying it.
func FromAccount(addr types.Pubkey, acc *accounts.Account) Snapshot {
	if acc == nil {
		acc = &accounts.Account{Owner: types.SystemProgramAddr}
	}
	return Snapshot{address: addr, account: acc.Clone()}
}

func (s Snapshot) acc() *accounts.Account {
	if s.account == nil {
		return &accounts.Account{}
	}
	return s.account
}

func (s Snapshot) Address() types.Pubkey { return s.address }
func (s Snapshot) Lamports() uint64      { return s.acc().Lamports }
func (s Snapshot) Owner() types.Pubkey   { return s.acc().Owner }
func (s Snapshot) Executable() bool      { return s.acc().Executable }
func (s Snapshot) DataLen() int          { return len(s.acc().Data) }

// Data returns a copy of the account data.
func (s Snapshot) Data() []byte {
	return append([]byte(nil), s.acc().Data...)
}

// Account returns a copy of the full account.
func (s Snapshot) Account() *accounts.Account {
	return s.acc().Clone()
}

// Discriminator returns the 8-byte type tag, or false when the data is
// shorter than a tag.
func (s Snapshot) Discriminator() ([accounts.DiscriminatorSize]byte, bool) {
	var d [accounts.DiscriminatorSize]byte
	data := s.acc().Data
	if len(data) < accounts.DiscriminatorSize {
		return d, false
	}
	copy(d[:], data)
	return d, true
}

// HasDiscriminator reports whether the data is tagged with d.
func (s Snapshot) HasDiscriminator(d [accounts.DiscriminatorSize]byte) bool {
	return accounts.HasDiscriminator(s.acc().Data, d)
}

// DataNoDiscriminator returns a copy of the data after the type tag.
func (s Snapshot) DataNoDiscriminator() []byte {
	data := s.acc().Data
	if len(data) < accounts.DiscriminatorSize {
		return nil
	}
	return append([]byte(nil), data[accounts.DiscriminatorSize:]...)
}

// IsEmpty reports whether the account was in its default state.
func (s Snapshot) IsEmpty() bool { return s.acc().IsEmpty() }

// IsClosed reports whether the account held no lamports and no data,
// whatever its owner.
func (s Snapshot) IsClosed() bool {
	return s.acc().Lamports == 0 && len(s.acc().Data) == 0
}

// Equal reports whether both snapshots hold the same address and state.
func (s Snapshot) Equal(o Snapshot) bool {
	return s.address == o.address && s.acc().Equal(o.acc())
}

func (s Snapshot) String() string {
	a := s.acc()
	return fmt.Sprintf("%s{lamports=%d owner=%s executable=%t data=%d bytes}",
		s.address, a.Lamports, a.Owner, a.Executable, len(a.Data))
}

// MarshalBinary encodes the snapshot as address || serialized account.
func (s Snapshot) MarshalBinary() ([]byte, error) {
	return s.bytes(), nil
}

func (s Snapshot) bytes() []byte {
	buf := make([]byte, 0, 32+s.acc().Size())
	buf = append(buf, s.address[:]...)
	return append(buf, s.acc().Serialize()...)
}

// UnmarshalBinary decodes a snapshot written by MarshalBinary.
func (s *Snapshot) UnmarshalBinary(data []byte) error {
	if len(data) < 32 {
		return ErrInvalidSnapshot
	}
	acc, err := accounts.DeserializeAccount(data[32:])
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSnapshot, err)
	}
	copy(s.address[:], data[:32])
	s.account = acc
	return nil
}

// view is the comparable rendering used for diffs.
type view struct {
	Lamports   uint64
	Owner      string
	Executable bool
	Data       string
}

func (s Snapshot) view() view {
	a := s.acc()
	return view{
		Lamports:   a.Lamports,
		Owner:      a.Owner.String(),
		Executable: a.Executable,
		Data:       hex.EncodeToString(a.Data),
	}
}

// Pair is the before and after view of one account.
type Pair struct {
	Before Snapshot
	After  Snapshot
}

// Address returns the account address.
func (p Pair) Address() types.Pubkey { return p.Before.address }

// Changed reports whether any field differs.
func (p Pair) Changed() bool { return !p.Before.acc().Equal(p.After.acc()) }

// LamportsGained returns how many lamports the account gained, or zero.
func (p Pair) LamportsGained() uint64 {
	if p.After.Lamports() > p.Before.Lamports() {
		return p.After.Lamports() - p.Before.Lamports()
	}
	return 0
}

// LamportsLost returns how many lamports the account lost, or zero.
func (p Pair) LamportsLost() uint64 {
	if p.Before.Lamports() > p.After.Lamports() {
		return p.Before.Lamports() - p.After.Lamports()
	}
	return 0
}

// Diff renders the change in cmp.Diff format; empty when unchanged.
func (p Pair) Diff() string {
	return cmp.Diff(p.Before.view(), p.After.view())
}
