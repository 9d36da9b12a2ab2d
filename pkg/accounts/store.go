package accounts

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/dgraph-io/badger/v4"
	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// Key prefixes for BadgerDB storage.
var (
	// Key format: prefixAccount + pubkey (32 bytes)
	prefixAccount = []byte{0x01}

	prefixMeta        = []byte{0x02}
	metaAccountsCount = append(prefixMeta, []byte("count")...)
)

// BadgerDBConfig contains configuration for BadgerDB.
type BadgerDBConfig struct {
	// Path is the directory path for the database. Ignored when InMemory.
	Path string

	// InMemory keeps the whole ledger in memory. Fuzz campaigns usually
	// want this; on-disk mode is for ledgers too large for RAM.
	InMemory bool

	// SyncWrites ensures writes are synced to disk.
	SyncWrites bool

	// NumCompactors is the number of compaction workers.
	NumCompactors int

	// NumMemtables is the number of memtables.
	NumMemtables int

	// Logger is an optional badger logger. Nil disables badger logging.
	Logger badger.Logger
}

// DefaultBadgerDBConfig returns an in-memory configuration.
func DefaultBadgerDBConfig() BadgerDBConfig {
	return BadgerDBConfig{
		InMemory:      true,
		NumCompactors: 2,
		NumMemtables:  5,
	}
}

// BadgerDB is a BadgerDB-backed implementation of DB.
//
// Keys are the account prefix followed by the 32 byte pubkey, so a prefix
// iteration yields accounts in ascending pubkey order. Values use the
// Account.Serialize layout.
type BadgerDB struct {
	db *badger.DB

	// accountsCount is cached in memory and persisted on Close.
	accountsCount atomic.Uint64

	mu     sync.RWMutex
	closed atomic.Bool
}

// NewBadgerDB opens a BadgerDB-backed accounts database.
func NewBadgerDB(cfg BadgerDBConfig) (*BadgerDB, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		opts = badger.DefaultOptions(cfg.Path)
	}
	if cfg.NumCompactors > 0 {
		opts = opts.WithNumCompactors(cfg.NumCompactors)
	}
	if cfg.NumMemtables > 0 {
		opts = opts.WithNumMemtables(cfg.NumMemtables)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}

	bdb := &BadgerDB{db: db}
	if err := bdb.loadMetadata(); err != nil {
		db.Close()
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	return bdb, nil
}

func (b *BadgerDB) loadMetadata() error {
	return b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(metaAccountsCount)
		if errors.Is(err, badger.ErrKeyNotFound) {
			b.accountsCount.Store(0)
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			if len(val) >= 8 {
				b.accountsCount.Store(binary.LittleEndian.Uint64(val))
			}
			return nil
		})
	})
}

func accountKey(pubkey types.Pubkey) []byte {
	key := make([]byte, 1+32)
	key[0] = prefixAccount[0]
	copy(key[1:], pubkey[:])
	return key
}

// GetAccount retrieves an account by public key.
func (b *BadgerDB) GetAccount(pubkey types.Pubkey) (*Account, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	var account *Account
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrAccountNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			acc, err := DeserializeAccount(val)
			if err != nil {
				return err
			}
			account = acc
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return account, nil
}

// SetAccount stores an account. Empty accounts are deleted.
func (b *BadgerDB) SetAccount(pubkey types.Pubkey, account *Account) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.hasAccountLocked(pubkey)
	if err != nil {
		return err
	}

	if account.IsEmpty() {
		if !exists {
			return nil
		}
		if err := b.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(accountKey(pubkey))
		}); err != nil {
			return err
		}
		b.accountsCount.Add(^uint64(0))
		return nil
	}

	data := account.Serialize()
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(accountKey(pubkey), data)
	}); err != nil {
		return err
	}
	if !exists {
		b.accountsCount.Add(1)
	}
	return nil
}

// DeleteAccount removes an account.
func (b *BadgerDB) DeleteAccount(pubkey types.Pubkey) error {
	if b.closed.Load() {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	exists, err := b.hasAccountLocked(pubkey)
	if err != nil || !exists {
		return err
	}
	if err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(accountKey(pubkey))
	}); err != nil {
		return err
	}
	b.accountsCount.Add(^uint64(0))
	return nil
}

// HasAccount checks if an account exists.
func (b *BadgerDB) HasAccount(pubkey types.Pubkey) (bool, error) {
	if b.closed.Load() {
		return false, ErrClosed
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.hasAccountLocked(pubkey)
}

// hasAccountLocked checks if an account exists (caller must hold lock).
func (b *BadgerDB) hasAccountLocked(pubkey types.Pubkey) (bool, error) {
	var exists bool
	err := b.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get(accountKey(pubkey))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	return exists, err
}

// AccountsCount returns the total number of accounts.
func (b *BadgerDB) AccountsCount() (uint64, error) {
	if b.closed.Load() {
		return 0, ErrClosed
	}
	return b.accountsCount.Load(), nil
}

// IterateAccounts iterates over all accounts in sorted pubkey order.
func (b *BadgerDB) IterateAccounts(fn func(pubkey types.Pubkey, account *Account) error) error {
	if b.closed.Load() {
		return ErrClosed
	}

	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefixAccount
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := item.Key()
			if len(key) != 33 {
				continue
			}
			var pubkey types.Pubkey
			copy(pubkey[:], key[1:])

			err := item.Value(func(val []byte) error {
				account, err := DeserializeAccount(val)
				if err != nil {
					return err
				}
				return fn(pubkey, account)
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// Close persists the account count and closes the database.
func (b *BadgerDB) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBuf, b.accountsCount.Load())
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(metaAccountsCount, countBuf)
	})
	if cerr := b.db.Close(); err == nil {
		err = cerr
	}
	return err
}

var _ DB = (*BadgerDB)(nil)
