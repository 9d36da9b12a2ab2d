package examples

import (
	"fmt"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
	"github.com/fortiblox/ledgerfuzz/pkg/programs/system"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/txbuilder"
)

// VaultProgramID is where the vault program is deployed.
var VaultProgramID = types.MustPubkeyFromBase58("4hKSDzDDxaHcdCDvULi2i5hHUsQ5oiS9NFx3uL1qtnoc")

// VaultBalance is the balance a vault is created with.
const VaultBalance = 100

const (
	vaultType  = "Vault"
	vaultLen   = 32
	vaultSpace = 8 + vaultLen
)

var vaultSeed = []byte("vault")

// VaultSeeds are the seeds of creator's vault.
func VaultSeeds(creator types.Pubkey) pda.Seeds {
	return pda.NewSeeds(VaultProgramID, vaultSeed, creator.Bytes())
}

// VaultAuthority returns the authority recorded in vault account data.
func VaultAuthority(data []byte) (types.Pubkey, error) {
	d := txbuilder.NewDecoder(data)
	d.Tag()
	auth := d.Pubkey()
	return auth, d.Err()
}

// VaultProgram keeps lamports in a PDA per creator.
//
//	initialize_vault()    [creator (signer, writable), vault (writable), system program]
//	withdraw(amount u64)  [signer (signer), vault (writable), destination (writable)]
//
// With Secure unset, withdraw pays out to any signer.
type VaultProgram struct {
	Secure bool
}

// Process implements ledger.Program.
func (p *VaultProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	switch tag {
	case txbuilder.Discriminator("initialize_vault"):
		return p.initialize(ctx)
	case txbuilder.Discriminator("withdraw"):
		amount := args.U64()
		if args.Err() != nil {
			return ErrInvalidData
		}
		return p.withdraw(ctx, amount)
	default:
		return ErrUnknownInstruction
	}
}

func (p *VaultProgram) initialize(ctx ledger.InvokeContext) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	creator, vault := ctx.Accounts()[0], ctx.Accounts()[1]
	if !creator.IsSigner {
		return ErrUnauthorized
	}
	if err := createPDA(ctx, creator, vault, VaultBalance, vaultSpace, vaultSeed, creator.Key.Bytes()); err != nil {
		return err
	}
	writeState(vault, vaultType, creator.Key.Bytes())
	return nil
}

func (p *VaultProgram) withdraw(ctx ledger.InvokeContext, amount uint64) error {
	if err := need(ctx, 3); err != nil {
		return err
	}
	signer, vault, dest := ctx.Accounts()[0], ctx.Accounts()[1], ctx.Accounts()[2]
	if !signer.IsSigner {
		return ErrUnauthorized
	}
	body, err := loadState(ctx, vault, vaultType, vaultLen)
	if err != nil {
		return err
	}
	if p.Secure {
		var auth types.Pubkey
		copy(auth[:], body)
		if auth != signer.Key {
			return ErrUnauthorized
		}
	}
	if vault.Lamports < amount {
		return ErrInsufficientBalance
	}
	vault.Lamports -= amount
	dest.Lamports += amount
	ctx.Log(fmt.Sprintf("Withdrew %d", amount))
	return nil
}

func vaultAccounts(reg *registry.Registry) (creator, vault types.Pubkey, err error) {
	if creator, err = wallet(reg, "creator", 0); err != nil {
		return
	}
	seeds := VaultSeeds(creator)
	vault, err = reg.Role("vault").GetOrCreate(0, &seeds, nil)
	return
}

func init() {
	register(Entry{
		Name:        "vault-insecure",
		Description: "PDA vault withdraw without an authority check",
		New:         func() fuzz.Suite { return VaultSuite(false) },
	})
	register(Entry{
		Name:        "vault-secure",
		Description: "PDA vault withdraw restricted to the vault creator",
		New:         func() fuzz.Suite { return VaultSuite(true) },
	})
}

// VaultSuite creates one vault holding VaultBalance and then interleaves
// withdrawals, by the creator or an attacker, with deposits. The
// withdrawal invariant flags any payout not signed by the vault authority.
func VaultSuite(secure bool) fuzz.Suite {
	name := "vault-insecure"
	if secure {
		name = "vault-secure"
	}

	initialize := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "initialize_vault",
		ProgramID: VaultProgramID,
		SetData: func(*scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("initialize_vault").Encode(), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			creator, vault, err := vaultAccounts(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.Writable(creator, true),
				ledger.Writable(vault, false),
				ledger.ReadOnly(system.ProgramID, false),
			}, nil
		},
	})

	return fuzz.Suite{
		Name:     name,
		Programs: map[types.Pubkey]ledger.Program{VaultProgramID: &VaultProgram{Secure: secure}},
		Init:     []fuzz.Step{{Name: "initialize_vault", Build: initialize}},
		Flows: []fuzz.Flow{
			{
				Name: "withdraw",
				Steps: []fuzz.Step{{
					Name:      "withdraw",
					Build:     txbuilder.New(WithdrawTemplate()),
					Invariant: VaultPayoutAuthorized,
					Classify: func(c *fuzz.Check) bool {
						return c.IsCustom(uint32(ErrInsufficientBalance)) ||
							(c.Scenario.Bool("attacker") && c.IsCustom(uint32(ErrUnauthorized)))
					},
				}},
			},
			{
				Name: "deposit",
				Steps: []fuzz.Step{{
					Name:      "deposit",
					Build:     txbuilder.New(depositTemplate()),
					Invariant: vaultCredited,
				}},
			},
		},
	}
}

// WithdrawTemplate withdraws a random amount from the vault to the
// "destination" wallet, signed by the creator or, when the scenario's
// "attacker" flag is set, by the attacker.
func WithdrawTemplate() txbuilder.InstructionTemplate {
	return txbuilder.InstructionTemplate{
		Name:      "withdraw",
		ProgramID: VaultProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("withdraw").U64(s.Uint64("amount", 1, VaultBalance)).Encode(), nil
		},
		SetAccounts: func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			creator, vault, err := vaultAccounts(reg)
			if err != nil {
				return nil, err
			}
			signer := creator
			if s.Bool("attacker") {
				if signer, err = wallet(reg, "attacker", 0); err != nil {
					return nil, err
				}
			}
			dest, err := reg.Role("destination").GetOrCreate(0, nil, nil)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.ReadOnly(signer, true),
				ledger.Writable(vault, false),
				ledger.Writable(dest, false),
			}, nil
		},
	}
}

func depositTemplate() txbuilder.InstructionTemplate {
	return txbuilder.InstructionTemplate{
		Name:      "deposit",
		ProgramID: system.ProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return system.Transfer(types.Pubkey{}, types.Pubkey{}, s.Uint64("amount", 1, 50)).Data, nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			creator, vault, err := vaultAccounts(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{ledger.Writable(creator, true), ledger.Writable(vault, false)}, nil
		},
	}
}

// VaultPayoutAuthorized fails when a withdrawal paid out without the vault
// authority's signature.
func VaultPayoutAuthorized(c *fuzz.Check) error {
	vault := c.Role("vault", 0)
	dest := c.Role("destination", 0)
	auth, err := VaultAuthority(c.Before(vault).Data())
	if err != nil {
		return fmt.Errorf("decode vault: %w", err)
	}
	signer := c.Tx.Instructions[0].Accounts[0].Pubkey
	if gained := c.Pair(dest).LamportsGained(); gained > 0 && signer != auth {
		return fuzz.Violationf([]types.Pubkey{vault, dest, signer},
			"destination gained %d lamports from vault %s signed by %s, authority is %s", gained, vault, signer, auth)
	}
	return nil
}

func vaultCredited(c *fuzz.Check) error {
	vault := c.Role("vault", 0)
	amount := c.Scenario.Uint64("amount", 1, 50)
	if got := c.Pair(vault).LamportsGained(); got != amount {
		return fuzz.Violationf([]types.Pubkey{vault}, "vault credited %d, deposited %d", got, amount)
	}
	return nil
}
