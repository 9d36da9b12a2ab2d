package examples

import (
	"fmt"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/txbuilder"
)

// TradeProgramID is where the trade program is deployed.
var TradeProgramID = types.MustPubkeyFromBase58("2bSdoVHibWNGdDRZrd3bYJpSNyEMu2DRVpgPPajdoU24")

// TradeFeeDivisor sets the trade fee to amount / TradeFeeDivisor.
const TradeFeeDivisor = 10

// Token vault layout after the type tag: owner, then amount.
const (
	tokenVaultType  = "TokenVault"
	tokenVaultLen   = 32 + 8
	tokenVaultSpace = 8 + tokenVaultLen
)

var (
	tokenVaultSeed = []byte("vault")
	feeVaultSeed   = []byte("fee_vault")
)

// TokenVaultSeeds are the seeds of owner's token vault.
func TokenVaultSeeds(owner types.Pubkey) pda.Seeds {
	return pda.NewSeeds(TradeProgramID, tokenVaultSeed, owner.Bytes())
}

// FeeVaultSeeds are the seeds of the single fee vault.
func FeeVaultSeeds() pda.Seeds { return pda.NewSeeds(TradeProgramID, feeVaultSeed) }

// TokenVault is the decoded token vault account.
type TokenVault struct {
	Owner  types.Pubkey
	Amount uint64
}

// DecodeTokenVault parses token vault data, type tag included.
func DecodeTokenVault(data []byte) (TokenVault, error) {
	d := txbuilder.NewDecoder(data)
	if tag := d.Tag(); tag != accounts.Discriminator(tokenVaultType) && d.Err() == nil {
		return TokenVault{}, fmt.Errorf("not a %s account", tokenVaultType)
	}
	v := TokenVault{Owner: d.Pubkey(), Amount: d.U64()}
	return v, d.Err()
}

// NewTokenVault returns a program-owned vault account holding amount.
func NewTokenVault(owner types.Pubkey, amount uint64) *accounts.Account {
	acc := accounts.New(AccountRent, tokenVaultSpace, TradeProgramID)
	d := accounts.Discriminator(tokenVaultType)
	copy(acc.Data, d[:])
	copy(acc.Data[accounts.DiscriminatorSize:], txbuilder.NewEncoder().Pubkey(owner).U64(amount).Encode())
	return acc
}

// TradeProgram moves tokens between two owners' vaults in one step.
//
//	atomic_trade(amount u64)  [signer a (signer), signer b (signer), vault a (writable), vault b (writable), fee vault (writable)]
//
// Both balances are read before either is written. With Secure unset, the
// same vault may be passed as a and b, and the write of b's credit
// overwrites a's debit.
type TradeProgram struct {
	Secure bool
}

// Process implements ledger.Program.
func (p *TradeProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	switch tag {
	case txbuilder.Discriminator("atomic_trade"):
		amount := args.U64()
		if args.Err() != nil {
			return ErrInvalidData
		}
		return p.trade(ctx, amount)
	default:
		return ErrUnknownInstruction
	}
}

func (p *TradeProgram) trade(ctx ledger.InvokeContext, amount uint64) error {
	if err := need(ctx, 5); err != nil {
		return err
	}
	accts := ctx.Accounts()
	signerA, signerB, vaultA, vaultB, feeVault := accts[0], accts[1], accts[2], accts[3], accts[4]
	if !signerA.IsSigner || !signerB.IsSigner {
		return ErrUnauthorized
	}
	if p.Secure && vaultA.Key == vaultB.Key {
		return ErrDuplicateAccounts
	}

	bodyA, err := loadState(ctx, vaultA, tokenVaultType, tokenVaultLen)
	if err != nil {
		return err
	}
	bodyB, err := loadState(ctx, vaultB, tokenVaultType, tokenVaultLen)
	if err != nil {
		return err
	}
	bodyFee, err := loadState(ctx, feeVault, tokenVaultType, tokenVaultLen)
	if err != nil {
		return err
	}
	a, b, fee := readVault(bodyA), readVault(bodyB), readVault(bodyFee)
	if a.Owner != signerA.Key || b.Owner != signerB.Key {
		return ErrUnauthorized
	}
	if a.Amount < amount {
		return ErrInsufficientBalance
	}

	cut := amount / TradeFeeDivisor
	a.Amount -= amount
	b.Amount += amount - cut
	fee.Amount += cut

	writeState(vaultA, tokenVaultType, txbuilder.NewEncoder().Pubkey(a.Owner).U64(a.Amount).Encode())
	writeState(vaultB, tokenVaultType, txbuilder.NewEncoder().Pubkey(b.Owner).U64(b.Amount).Encode())
	writeState(feeVault, tokenVaultType, txbuilder.NewEncoder().Pubkey(fee.Owner).U64(fee.Amount).Encode())
	ctx.Log(fmt.Sprintf("Traded %d, fee %d", amount, cut))
	return nil
}

func readVault(body []byte) TokenVault {
	d := txbuilder.NewDecoder(body)
	return TokenVault{Owner: d.Pubkey(), Amount: d.U64()}
}

// tradeParties resolves the signers and vaults of this flow. When the
// scenario's duplicate flag is set, party b is party a.
func tradeParties(s *scenario.Scenario, reg *registry.Registry) (signerA, signerB, vaultA, vaultB, fee types.Pubkey, err error) {
	if signerA, err = wallet(reg, "trader", 0); err != nil {
		return
	}
	if signerB, err = wallet(reg, "trader", 1); err != nil {
		return
	}
	sa, sb, sf := TokenVaultSeeds(signerA), TokenVaultSeeds(signerB), FeeVaultSeeds()
	if vaultA, err = reg.Role("token_vault").GetOrCreate(0, &sa, nil); err != nil {
		return
	}
	if vaultB, err = reg.Role("token_vault").GetOrCreate(1, &sb, nil); err != nil {
		return
	}
	if fee, err = reg.Role("fee_vault").GetOrCreate(0, &sf, nil); err != nil {
		return
	}
	if s.Bool("duplicate") {
		signerB, vaultB = signerA, vaultA
	}
	return
}

// fundTokenVaults writes fresh balances for this flow's vaults.
func fundTokenVaults(env *fuzz.Env) error {
	s := env.Scenario
	signerA, signerB, _, _, _, err := tradeParties(s, env.Registry)
	if err != nil {
		return err
	}
	amount := s.Uint64("amount", 1, 1_000)
	sa, sb, sf := TokenVaultSeeds(signerA), TokenVaultSeeds(signerB), FeeVaultSeeds()

	if _, err := env.Registry.Role("token_vault").Reset(0, &sa, NewTokenVault(signerA, amount+s.Uint64("balance_a", 0, 1_000))); err != nil {
		return err
	}
	if !s.Bool("duplicate") {
		if _, err := env.Registry.Role("token_vault").Reset(1, &sb, NewTokenVault(signerB, s.Uint64("balance_b", 0, 1_000))); err != nil {
			return err
		}
	}
	_, err = env.Registry.Role("fee_vault").Reset(0, &sf, NewTokenVault(TradeProgramID, s.Uint64("balance_fee", 0, 1_000)))
	return err
}

func init() {
	register(Entry{
		Name:        "trade-insecure",
		Description: "atomic trade that accepts the same vault on both sides",
		New:         func() fuzz.Suite { return TradeSuite(false) },
	})
	register(Entry{
		Name:        "trade-secure",
		Description: "atomic trade that rejects duplicate vaults",
		New:         func() fuzz.Suite { return TradeSuite(true) },
	})
}

// TradeSuite funds two vaults and trades between them. The scenario's
// duplicate flag passes one owner's vault on both sides. The invariant
// requires that the trade conserves the total held across the distinct
// vaults it touched.
func TradeSuite(secure bool) fuzz.Suite {
	name := "trade-insecure"
	if secure {
		name = "trade-secure"
	}

	trade := txbuilder.New(TradeTemplate())

	return fuzz.Suite{
		Name:     name,
		Programs: map[types.Pubkey]ledger.Program{TradeProgramID: &TradeProgram{Secure: secure}},
		Flows: []fuzz.Flow{{
			Name: "atomic_trade",
			Steps: []fuzz.Step{{
				Name:      "atomic_trade",
				Build:     trade,
				Before:    fundTokenVaults,
				Invariant: TradeConserved,
				Classify: func(c *fuzz.Check) bool {
					return c.Scenario.Bool("duplicate") && c.IsCustom(uint32(ErrDuplicateAccounts))
				},
			}},
		}},
	}
}

// TradeTemplate builds atomic_trade for the flow's parties.
func TradeTemplate() txbuilder.InstructionTemplate {
	return txbuilder.InstructionTemplate{
		Name:      "atomic_trade",
		ProgramID: TradeProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("atomic_trade").U64(s.Uint64("amount", 1, 1_000)).Encode(), nil
		},
		SetAccounts: func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			signerA, signerB, vaultA, vaultB, fee, err := tradeParties(s, reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.ReadOnly(signerA, true),
				ledger.ReadOnly(signerB, true),
				ledger.Writable(vaultA, false),
				ledger.Writable(vaultB, false),
				ledger.Writable(fee, false),
			}, nil
		},
	}
}

// TradeConserved fails when the tokens held across the distinct vaults of
// a successful trade changed.
func TradeConserved(c *fuzz.Check) error {
	var (
		seen          = make(map[types.Pubkey]bool)
		vaults        []types.Pubkey
		before, after uint64
	)
	for _, m := range c.Tx.Instructions[0].Accounts[2:5] {
		if seen[m.Pubkey] {
			continue
		}
		seen[m.Pubkey] = true
		vaults = append(vaults, m.Pubkey)

		b, err := DecodeTokenVault(c.Before(m.Pubkey).Data())
		if err != nil {
			return fmt.Errorf("decode vault %s: %w", m.Pubkey, err)
		}
		a, err := DecodeTokenVault(c.After(m.Pubkey).Data())
		if err != nil {
			return fmt.Errorf("decode vault %s: %w", m.Pubkey, err)
		}
		before += b.Amount
		after += a.Amount
	}
	if before != after {
		return fuzz.Violationf(vaults,
			"duplicate accounts: vault total went from %d to %d across %d vaults", before, after, len(vaults))
	}
	return nil
}
