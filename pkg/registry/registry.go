// Package registry maps named roles ("signer_a", "vault") and small slot ids
// to concrete ledger addresses.
//
// An entry is resolved once and cached for the lifetime of the Registry;
// later calls for the same (role, id) return the cached address and ignore
// any new derivation parameters or initial state. Plain addresses are
// Ed25519 public keys derived from the run seed and a registry-wide counter,
// so fixtures are identical across runs with the same seed. Program-derived
// addresses go through package pda.
package registry

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
)

// hkdfSalt separates registry key derivation from other uses of the seed.
var hkdfSalt = []byte("ledgerfuzz/registry/v1")

// Store is the slice of the ledger the registry writes fixtures into.
// *ledger.Simulator implements it.
type Store interface {
	GetAccount(addr types.Pubkey) (*accounts.Account, error)
	SetAccount(addr types.Pubkey, acc *accounts.Account) error
}

// Entry is a resolved (role, id) slot.
type Entry struct {
	Role    string
	ID      uint8
	Address types.Pubkey

	// PDA is set for program-derived entries, with the bump found for it.
	PDA  *pda.Seeds
	Bump uint8
}

// Registry resolves roles to addresses. It is not safe for concurrent use.
type Registry struct {
	store   Store
	seed    uint64
	counter uint64
	roles   map[string]*Role
	byAddr  map[types.Pubkey]*Entry
	logger  *zap.Logger
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// New returns an empty registry writing into store.
func New(store Store, runSeed uint64, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		seed:   runSeed,
		roles:  make(map[string]*Role),
		byAddr: make(map[types.Pubkey]*Entry),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Role returns the named role, creating it on first use.
func (r *Registry) Role(name string) *Role {
	ro, ok := r.roles[name]
	if !ok {
		ro = &Role{name: name, reg: r, entries: make(map[uint8]*Entry)}
		r.roles[name] = ro
	}
	return ro
}

// Roles returns the role names in sorted order.
func (r *Registry) Roles() []string {
	names := make([]string, 0, len(r.roles))
	for n := range r.roles {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the entry that resolved to addr, if any.
func (r *Registry) Lookup(addr types.Pubkey) (Entry, bool) {
	e, ok := r.byAddr[addr]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Describe renders addr with its role when known, e.g. "vault[0]=9xQe…".
func (r *Registry) Describe(addr types.Pubkey) string {
	if e, ok := r.byAddr[addr]; ok {
		return fmt.Sprintf("%s[%d]=%s", e.Role, e.ID, addr)
	}
	return addr.String()
}

// nextPlainAddress derives the next plain address from the run seed.
func (r *Registry) nextPlainAddress() (types.Pubkey, error) {
	var secret, info [8]byte
	binary.LittleEndian.PutUint64(secret[:], r.seed)
	binary.LittleEndian.PutUint64(info[:], r.counter)
	r.counter++

	kdf := hkdf.New(sha256.New, secret[:], hkdfSalt, info[:])
	keySeed := make([]byte, ed25519.SeedSize)
	if _, err := io.ReadFull(kdf, keySeed); err != nil {
		return types.Pubkey{}, fmt.Errorf("derive key: %w", err)
	}
	pub := ed25519.NewKeyFromSeed(keySeed).Public().(ed25519.PublicKey)
	return types.PubkeyFromBytes(pub)
}

// Role is a named group of registry slots.
type Role struct {
	name    string
	reg     *Registry
	entries map[uint8]*Entry
}

// Name returns the role name.
func (ro *Role) Name() string { return ro.name }

// GetOrCreate resolves (role, id). The first call derives the address (from
// seeds when non-nil, otherwise a fresh plain address) and stores init in
// the ledger unless an account already exists there; nil init means the
// default account. Every later call returns the cached address and ignores
// its arguments.
func (ro *Role) GetOrCreate(id uint8, seeds *pda.Seeds, init *accounts.Account) (types.Pubkey, error) {
	if e, ok := ro.entries[id]; ok {
		return e.Address, nil
	}
	e, err := ro.resolve(id, seeds)
	if err != nil {
		return types.Pubkey{}, err
	}
	if init != nil {
		existing, err := ro.reg.store.GetAccount(e.Address)
		if err != nil {
			return types.Pubkey{}, err
		}
		if existing.IsEmpty() {
			if err := ro.reg.store.SetAccount(e.Address, init); err != nil {
				return types.Pubkey{}, err
			}
		}
	}
	return e.Address, nil
}

// Reset resolves (role, id) like GetOrCreate but always overwrites the
// ledger entry with init, or with the default account when init is nil.
// Scenario setup uses it to re-arm an account between steps.
func (ro *Role) Reset(id uint8, seeds *pda.Seeds, init *accounts.Account) (types.Pubkey, error) {
	e, ok := ro.entries[id]
	if !ok {
		var err error
		if e, err = ro.resolve(id, seeds); err != nil {
			return types.Pubkey{}, err
		}
	}
	if init == nil {
		init = &accounts.Account{Owner: types.SystemProgramAddr}
	}
	if err := ro.reg.store.SetAccount(e.Address, init); err != nil {
		return types.Pubkey{}, err
	}
	return e.Address, nil
}

func (ro *Role) resolve(id uint8, seeds *pda.Seeds) (*Entry, error) {
	e := &Entry{Role: ro.name, ID: id}
	if seeds != nil {
		cp := pda.NewSeeds(seeds.ProgramID, seeds.Seeds...)
		addr, bump, err := cp.Find()
		if err != nil {
			return nil, fmt.Errorf("role %s[%d]: %w", ro.name, id, err)
		}
		e.Address, e.Bump, e.PDA = addr, bump, &cp
	} else {
		addr, err := ro.reg.nextPlainAddress()
		if err != nil {
			return nil, fmt.Errorf("role %s[%d]: %w", ro.name, id, err)
		}
		e.Address = addr
	}

	ro.entries[id] = e
	ro.reg.byAddr[e.Address] = e
	ro.reg.logger.Debug("registry entry created",
		zap.String("role", ro.name),
		zap.Uint8("id", id),
		zap.Stringer("address", e.Address),
		zap.Bool("pda", e.PDA != nil))
	return e, nil
}

// Get returns the cached address of (role, id).
func (ro *Role) Get(id uint8) (types.Pubkey, bool) {
	e, ok := ro.entries[id]
	if !ok {
		return types.Pubkey{}, false
	}
	return e.Address, true
}

// Bump returns the bump of a program-derived entry.
func (ro *Role) Bump(id uint8) (uint8, bool) {
	e, ok := ro.entries[id]
	if !ok || e.PDA == nil {
		return 0, false
	}
	return e.Bump, true
}

// SignerSeeds returns the seeds plus bump of a program-derived entry, in the
// form ledger.InvokeContext.Invoke expects.
func (ro *Role) SignerSeeds(id uint8) ([][]byte, bool) {
	e, ok := ro.entries[id]
	if !ok || e.PDA == nil {
		return nil, false
	}
	out := make([][]byte, 0, len(e.PDA.Seeds)+1)
	for _, s := range e.PDA.Seeds {
		out = append(out, append([]byte(nil), s...))
	}
	return append(out, []byte{e.Bump}), true
}

// Addresses returns the role's addresses ordered by id.
func (ro *Role) Addresses() []types.Pubkey {
	ids := make([]int, 0, len(ro.entries))
	for id := range ro.entries {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]types.Pubkey, len(ids))
	for i, id := range ids {
		out[i] = ro.entries[uint8(id)].Address
	}
	return out
}
