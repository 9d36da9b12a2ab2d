// Package accounts implements account state and the storage backends that
// hold it for the ledger simulator.
//
// Two backends implement DB:
// - MemoryDB, a plain map used by default
// - BadgerDB, backed by BadgerDB (in-memory or on disk) for large campaigns
//
// A missing account and an account equal to the default (no lamports, no
// data, system owned, not executable) are the same thing, so backends are free
// to drop empty accounts.
package accounts

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"sort"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

var (
	// ErrAccountNotFound is returned when an account doesn't exist.
	ErrAccountNotFound = errors.New("account not found")

	// ErrClosed is returned when operating on a closed database.
	ErrClosed = errors.New("database closed")

	// ErrInvalidData is returned when serialized account data is malformed.
	ErrInvalidData = errors.New("invalid account data")
)

// DiscriminatorSize is the length of the type tag at the start of account data.
const DiscriminatorSize = 8

// MaxAccountDataSize is the largest data blob an account may hold (10 MB).
const MaxAccountDataSize = 10 * 1024 * 1024

// Account represents a single account in the state.
type Account struct {
	// Lamports is the account balance.
	Lamports uint64

	// Data is opaque to the harness; programs interpret it, usually behind
	// an 8-byte discriminator.
	Data []byte

	// Owner is the program allowed to modify Data.
	Owner types.Pubkey

	// Executable is true only for program accounts.
	Executable bool

	// RentEpoch is carried for layout compatibility; the simulator never
	// collects rent.
	RentEpoch uint64
}

// New returns an account holding lamports with space zeroed bytes of data.
func New(lamports uint64, space int, owner types.Pubkey) *Account {
	return &Account{
		Lamports: lamports,
		Data:     make([]byte, space),
		Owner:    owner,
	}
}

// Clone creates a deep copy of the account.
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	dataCopy := make([]byte, len(a.Data))
	copy(dataCopy, a.Data)
	return &Account{
		Lamports:   a.Lamports,
		Data:       dataCopy,
		Owner:      a.Owner,
		Executable: a.Executable,
		RentEpoch:  a.RentEpoch,
	}
}

// IsEmpty reports whether the account is indistinguishable from an account
// that was never written.
func (a *Account) IsEmpty() bool {
	return a.Lamports == 0 && len(a.Data) == 0 && a.Owner == types.SystemProgramAddr && !a.Executable
}

// Equal reports whether two accounts hold identical state.
func (a *Account) Equal(other *Account) bool {
	return a.Lamports == other.Lamports &&
		bytes.Equal(a.Data, other.Data) &&
		a.Owner == other.Owner &&
		a.Executable == other.Executable &&
		a.RentEpoch == other.RentEpoch
}

// Size returns the total serialized size of the account.
func (a *Account) Size() int {
	// 8 (lamports) + 8 (data_len) + data + 32 (owner) + 1 (executable) + 8 (rent_epoch)
	return 8 + 8 + len(a.Data) + 32 + 1 + 8
}

// Serialize encodes the account to bytes for storage.
// Format: lamports (8) + data_len (8) + data + owner (32) + executable (1) + rent_epoch (8)
func (a *Account) Serialize() []byte {
	buf := make([]byte, a.Size())
	offset := 0

	binary.LittleEndian.PutUint64(buf[offset:], a.Lamports)
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], uint64(len(a.Data)))
	offset += 8

	copy(buf[offset:], a.Data)
	offset += len(a.Data)

	copy(buf[offset:], a.Owner[:])
	offset += 32

	if a.Executable {
		buf[offset] = 1
	}
	offset++

	binary.LittleEndian.PutUint64(buf[offset:], a.RentEpoch)
	return buf
}

// DeserializeAccount decodes an account from bytes.
func DeserializeAccount(data []byte) (*Account, error) {
	if len(data) < 57 { // 8 + 8 + 0 + 32 + 1 + 8
		return nil, ErrInvalidData
	}

	offset := 0
	lamports := binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	dataLen := binary.LittleEndian.Uint64(data[offset:])
	offset += 8
	if dataLen > MaxAccountDataSize {
		return nil, ErrInvalidData
	}
	if uint64(len(data)-offset) < dataLen+41 { // owner + executable + rent_epoch
		return nil, ErrInvalidData
	}

	accountData := make([]byte, dataLen)
	copy(accountData, data[offset:offset+int(dataLen)])
	offset += int(dataLen)

	var owner types.Pubkey
	copy(owner[:], data[offset:offset+32])
	offset += 32

	executable := data[offset] != 0
	offset++

	return &Account{
		Lamports:   lamports,
		Data:       accountData,
		Owner:      owner,
		Executable: executable,
		RentEpoch:  binary.LittleEndian.Uint64(data[offset:]),
	}, nil
}

// Discriminator returns the 8-byte account type tag for name, computed the
// way Anchor does: sha256("account:" + name)[:8].
func Discriminator(name string) [DiscriminatorSize]byte {
	sum := sha256.Sum256([]byte("account:" + name))
	var d [DiscriminatorSize]byte
	copy(d[:], sum[:DiscriminatorSize])
	return d
}

// HasDiscriminator reports whether data starts with the tag d.
func HasDiscriminator(data []byte, d [DiscriminatorSize]byte) bool {
	return len(data) >= DiscriminatorSize && bytes.Equal(data[:DiscriminatorSize], d[:])
}

// DB is the accounts database interface.
type DB interface {
	// GetAccount retrieves an account by public key.
	// Returns ErrAccountNotFound if the account doesn't exist.
	GetAccount(pubkey types.Pubkey) (*Account, error)

	// SetAccount stores an account. Empty accounts are deleted.
	SetAccount(pubkey types.Pubkey, account *Account) error

	// DeleteAccount removes an account.
	// Returns nil if the account doesn't exist.
	DeleteAccount(pubkey types.Pubkey) error

	// HasAccount checks if an account exists.
	HasAccount(pubkey types.Pubkey) (bool, error)

	// AccountsCount returns the total number of accounts.
	AccountsCount() (uint64, error)

	// IterateAccounts visits all accounts in ascending pubkey order.
	// Return an error from fn to stop iteration.
	IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error

	// Close closes the database.
	Close() error
}

// MemoryDB is an in-memory implementation of DB.
type MemoryDB struct {
	accounts map[types.Pubkey]*Account
	closed   bool
}

// NewMemoryDB creates a new in-memory accounts database.
func NewMemoryDB() *MemoryDB {
	return &MemoryDB{
		accounts: make(map[types.Pubkey]*Account),
	}
}

// GetAccount retrieves an account.
func (m *MemoryDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if m.closed {
		return nil, ErrClosed
	}
	acc, ok := m.accounts[pubkey]
	if !ok {
		return nil, ErrAccountNotFound
	}
	return acc.Clone(), nil
}

// SetAccount stores an account.
func (m *MemoryDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if m.closed {
		return ErrClosed
	}
	if account.IsEmpty() {
		delete(m.accounts, pubkey)
		return nil
	}
	m.accounts[pubkey] = account.Clone()
	return nil
}

// DeleteAccount removes an account.
func (m *MemoryDB) DeleteAccount(pubkey types.Pubkey) error {
	if m.closed {
		return ErrClosed
	}
	delete(m.accounts, pubkey)
	return nil
}

// HasAccount checks if an account exists.
func (m *MemoryDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if m.closed {
		return false, ErrClosed
	}
	_, ok := m.accounts[pubkey]
	return ok, nil
}

// AccountsCount returns the number of accounts.
func (m *MemoryDB) AccountsCount() (uint64, error) {
	if m.closed {
		return 0, ErrClosed
	}
	return uint64(len(m.accounts)), nil
}

// IterateAccounts visits accounts sorted by pubkey.
func (m *MemoryDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if m.closed {
		return ErrClosed
	}
	keys := make([]types.Pubkey, 0, len(m.accounts))
	for k := range m.accounts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return bytes.Compare(keys[i][:], keys[j][:]) < 0
	})
	for _, k := range keys {
		if err := fn(k, m.accounts[k].Clone()); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database.
func (m *MemoryDB) Close() error {
	m.closed = true
	m.accounts = nil
	return nil
}

var _ DB = (*MemoryDB)(nil)
