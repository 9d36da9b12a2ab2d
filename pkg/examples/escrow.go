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

// EscrowProgramID is where the escrow program is deployed.
var EscrowProgramID = types.MustPubkeyFromBase58("9e2aBh4MXpyHAxr2sq8guL4dVXiUA3CaJquQ4pnexQha")

// Escrow account layout after the type tag: authority, then one data byte.
const (
	escrowType  = "Escrow"
	escrowLen   = 32 + 1
	escrowSpace = 8 + escrowLen
)

var escrowSeed = []byte("escrow")

// EscrowSeeds are the seeds of the single escrow PDA.
func EscrowSeeds() pda.Seeds { return pda.NewSeeds(EscrowProgramID, escrowSeed) }

// EscrowState is the decoded escrow account.
type EscrowState struct {
	Authority types.Pubkey
	Data      uint8
}

// DecodeEscrow parses escrow account data, type tag included.
func DecodeEscrow(data []byte) (EscrowState, error) {
	d := txbuilder.NewDecoder(data)
	d.Tag()
	st := EscrowState{Authority: d.Pubkey(), Data: d.U8()}
	return st, d.Err()
}

// EscrowProgram stores a byte that only the escrow's authority may change.
// Instructions:
//
//	initialize(data u8)  [authority (signer, writable), escrow (writable), system program]
//	update(data u8)      [authority (signer), escrow (writable)]
//
// With Secure unset, update accepts any signer.
type EscrowProgram struct {
	Secure bool
}

// Process implements ledger.Program.
func (p *EscrowProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	switch tag {
	case txbuilder.Discriminator("initialize"):
		return p.initialize(ctx, args.U8())
	case txbuilder.Discriminator("update"):
		return p.update(ctx, args.U8())
	default:
		return ErrUnknownInstruction
	}
}

func (p *EscrowProgram) initialize(ctx ledger.InvokeContext, value uint8) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	authority, escrow := ctx.Accounts()[0], ctx.Accounts()[1]
	if !authority.IsSigner {
		return ErrUnauthorized
	}
	if err := createPDA(ctx, authority, escrow, AccountRent, escrowSpace, escrowSeed); err != nil {
		return err
	}
	writeState(escrow, escrowType, txbuilder.NewEncoder().Pubkey(authority.Key).U8(value).Encode())
	ctx.Log(fmt.Sprintf("Escrow initialized, data %d", value))
	return nil
}

func (p *EscrowProgram) update(ctx ledger.InvokeContext, value uint8) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	authority, escrow := ctx.Accounts()[0], ctx.Accounts()[1]
	if !authority.IsSigner {
		return ErrUnauthorized
	}
	body, err := loadState(ctx, escrow, escrowType, escrowLen)
	if err != nil {
		return err
	}
	if p.Secure {
		var stored types.Pubkey
		copy(stored[:], body[:32])
		if stored != authority.Key {
			return ErrUnauthorized
		}
	}
	body[32] = value
	ctx.Log(fmt.Sprintf("Data: %d", value))
	return nil
}

// escrowAccount resolves the escrow PDA.
func escrowAccount(reg *registry.Registry) (types.Pubkey, error) {
	seeds := EscrowSeeds()
	return reg.Role("escrow").GetOrCreate(0, &seeds, nil)
}

func init() {
	register(Entry{
		Name:        "escrow-insecure",
		Description: "escrow update without an authority check",
		New:         func() fuzz.Suite { return EscrowSuite(false) },
	})
	register(Entry{
		Name:        "escrow-secure",
		Description: "escrow update restricted to the recorded authority",
		New:         func() fuzz.Suite { return EscrowSuite(true) },
	})
}

// EscrowSuite fuzzes update with the legitimate authority and an attacker
// signing in turn. The invariant requires that a successful update was
// signed by the authority recorded at initialization.
func EscrowSuite(secure bool) fuzz.Suite {
	name := "escrow-insecure"
	if secure {
		name = "escrow-secure"
	}

	initialize := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "initialize",
		ProgramID: EscrowProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("initialize").U8(uint8(s.Uint64("data", 0, 255))).Encode(), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			authority, err := wallet(reg, "authority", 0)
			if err != nil {
				return nil, err
			}
			escrow, err := escrowAccount(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.Writable(authority, true),
				ledger.Writable(escrow, false),
				ledger.ReadOnly(system.ProgramID, false),
			}, nil
		},
	})

	update := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "update",
		ProgramID: EscrowProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("update").U8(uint8(s.Uint64("data", 0, 255))).Encode(), nil
		},
		SetAccounts: func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			signer, err := escrowSigner(s, reg)
			if err != nil {
				return nil, err
			}
			escrow, err := escrowAccount(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{ledger.ReadOnly(signer, true), ledger.Writable(escrow, false)}, nil
		},
	})

	return fuzz.Suite{
		Name:     name,
		Programs: map[types.Pubkey]ledger.Program{EscrowProgramID: &EscrowProgram{Secure: secure}},
		Init:     []fuzz.Step{{Name: "initialize", Build: initialize}},
		Flows: []fuzz.Flow{{
			Name: "update",
			Steps: []fuzz.Step{{
				Name:      "update",
				Build:     update,
				Invariant: escrowSignedByAuthority,
				Classify: func(c *fuzz.Check) bool {
					return c.Scenario.Bool("attacker") && c.IsCustom(uint32(ErrUnauthorized))
				},
			}},
		}},
	}
}

// escrowSigner picks the authority or the attacker for this flow.
func escrowSigner(s *scenario.Scenario, reg *registry.Registry) (types.Pubkey, error) {
	if s.Bool("attacker") {
		return wallet(reg, "attacker", 0)
	}
	return wallet(reg, "authority", 0)
}

func escrowSignedByAuthority(c *fuzz.Check) error {
	escrow := c.Role("escrow", 0)
	st, err := DecodeEscrow(c.After(escrow).Data())
	if err != nil {
		return fmt.Errorf("decode escrow: %w", err)
	}
	signer := c.Tx.Instructions[0].Accounts[0].Pubkey
	if st.Authority != signer {
		return fuzz.Violationf([]types.Pubkey{escrow, signer},
			"signer %s is not authorized for escrow %s (authority %s)", signer, escrow, st.Authority)
	}
	return nil
}
