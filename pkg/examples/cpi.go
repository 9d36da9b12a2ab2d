package examples

import (
	"bytes"
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

// SecretProgramID is where the PIN-holding secret program is deployed.
var SecretProgramID = types.MustPubkeyFromBase58("Ekq3FZqpHQ6coawYtyeG9QB3QWkx9zQGKSBewdQvUyyE")

// GatewayProgramID is where the gateway in front of the secret program is
// deployed.
var GatewayProgramID = types.MustPubkeyFromBase58("27KMmAJRGvicJx2BhBY8LvPhSTgVQVigDmzP9JCqYfoa")

// ForgedSecretProgramID is an attacker program that accepts any PIN.
var ForgedSecretProgramID = types.MustPubkeyFromBase58("ARqh3UZJ67r9jZxFJLbx1SRnjCM2zYtXSnwfuEzyaBsn")

const (
	secretType  = "SecretInformation"
	secretLen   = 32 + PinLen
	secretSpace = 8 + secretLen
)

var secretSeed = []byte("secret_info")

// SecretSeeds are the seeds of author's secret account.
func SecretSeeds(author types.Pubkey) pda.Seeds {
	return pda.NewSeeds(SecretProgramID, secretSeed, author.Bytes())
}

// SecretProgram stores an author's PIN and checks guesses against it. It
// only runs as a cross-program invocation.
//
//	initialize_secret(pin [4]u8)  [author (signer, writable), secret (writable), system program]
//	verify_pin(pin [4]u8)         [author (signer), secret]
type SecretProgram struct{}

// Process implements ledger.Program.
func (SecretProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	if ctx.StackHeight() < 2 {
		return ErrDirectCall
	}
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	if err := need(ctx, 2); err != nil {
		return err
	}
	author, secret := ctx.Accounts()[0], ctx.Accounts()[1]
	if !author.IsSigner {
		return ErrUnauthorized
	}
	pin := readPin(args)

	switch tag {
	case txbuilder.Discriminator("initialize_secret"):
		if err := createPDA(ctx, author, secret, AccountRent, secretSpace, secretSeed, author.Key.Bytes()); err != nil {
			return err
		}
		writeState(secret, secretType, append(author.Key.Bytes(), pin...))
		ctx.Log("Secret created")
		return nil
	case txbuilder.Discriminator("verify_pin"):
		body, err := loadState(ctx, secret, secretType, secretLen)
		if err != nil {
			return err
		}
		if !bytes.Equal(body[:32], author.Key.Bytes()) {
			return ErrUnauthorized
		}
		if !bytes.Equal(body[32:32+PinLen], pin) {
			return ErrIncorrectPin
		}
		ctx.Log("PIN VERIFIED")
		return nil
	default:
		return ErrUnknownInstruction
	}
}

// forgedSecretProgram answers every call with success.
var forgedSecretProgram = ledger.ProgramFunc(func(types.Pubkey, []*ledger.AccountInfo, []byte) error {
	return nil
})

// GatewayProgram forwards initialize_secret and verify_pin to the secret
// program account passed last.
//
//	initialize_secret(pin [4]u8)  [author (signer, writable), secret (writable), system program, secret program]
//	verify_pin(pin [4]u8)         [author (signer), secret, secret program]
//
// With Secure unset, the gateway calls whatever program it is handed.
type GatewayProgram struct {
	Secure bool
}

// Process implements ledger.Program.
func (p *GatewayProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	var (
		name  string
		metas func(author, secret *ledger.AccountInfo) []ledger.AccountMeta
		n     int
	)
	switch tag {
	case txbuilder.Discriminator("initialize_secret"):
		name, n = "initialize_secret", 4
		metas = func(author, secret *ledger.AccountInfo) []ledger.AccountMeta {
			return []ledger.AccountMeta{
				ledger.Writable(author.Key, true),
				ledger.Writable(secret.Key, false),
				ledger.ReadOnly(system.ProgramID, false),
			}
		}
	case txbuilder.Discriminator("verify_pin"):
		name, n = "verify_pin", 3
		metas = func(author, secret *ledger.AccountInfo) []ledger.AccountMeta {
			return []ledger.AccountMeta{ledger.ReadOnly(author.Key, true), ledger.ReadOnly(secret.Key, false)}
		}
	default:
		return ErrUnknownInstruction
	}
	if err := need(ctx, n); err != nil {
		return err
	}
	accts := ctx.Accounts()
	author, secret, target := accts[0], accts[1], accts[n-1]
	if p.Secure && target.Key != SecretProgramID {
		return ErrProgramMismatch
	}
	ctx.Log(fmt.Sprintf("Forwarding %s to %s", name, target.Key))
	return ctx.Invoke(ledger.Instruction{
		ProgramID: target.Key,
		Accounts:  metas(author, secret),
		Data:      pinData(name, readPin(args)).Encode(),
	})
}

func secretAccounts(reg *registry.Registry) (author, secret types.Pubkey, err error) {
	if author, err = wallet(reg, "author", 0); err != nil {
		return
	}
	seeds := SecretSeeds(author)
	secret, err = reg.Role("secret").GetOrCreate(0, &seeds, nil)
	return
}

func init() {
	register(Entry{
		Name:        "cpi-insecure",
		Description: "gateway that invokes any program it is handed",
		New:         func() fuzz.Suite { return CPISuite(false) },
	})
	register(Entry{
		Name:        "cpi-secure",
		Description: "gateway that invokes only the secret program",
		New:         func() fuzz.Suite { return CPISuite(true) },
	})
}

// CPISuite stores a PIN through the gateway, then verifies it through the
// gateway either honestly or, when the scenario's attacker flag is set,
// with a guessed PIN routed to the forged program. The invariant requires
// that every accepted verification reached the secret program with the
// stored PIN.
func CPISuite(secure bool) fuzz.Suite {
	name := "cpi-insecure"
	if secure {
		name = "cpi-secure"
	}

	initialize := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "initialize_secret",
		ProgramID: GatewayProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return pinData("initialize_secret", s.Bytes("pin", PinLen)).Encode(), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			author, secret, err := secretAccounts(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.Writable(author, true),
				ledger.Writable(secret, false),
				ledger.ReadOnly(system.ProgramID, false),
				ledger.ReadOnly(SecretProgramID, false),
			}, nil
		},
	})

	return fuzz.Suite{
		Name: name,
		Programs: map[types.Pubkey]ledger.Program{
			GatewayProgramID:      &GatewayProgram{Secure: secure},
			SecretProgramID:       SecretProgram{},
			ForgedSecretProgramID: forgedSecretProgram,
		},
		Init: []fuzz.Step{{Name: "initialize_secret", Build: initialize}},
		Flows: []fuzz.Flow{{
			Name: "verify_pin",
			Steps: []fuzz.Step{{
				Name:      "verify_pin",
				Build:     txbuilder.New(VerifyPinTemplate()),
				Before:    recallPin,
				Invariant: VerifiedBySecretProgram,
				Classify: func(c *fuzz.Check) bool {
					return c.Scenario.Bool("attacker") && c.IsCustom(uint32(ErrProgramMismatch))
				},
			}},
		}},
	}
}

// VerifyPinTemplate builds the gateway's verify_pin. The attacker routes
// it to the forged program.
func VerifyPinTemplate() txbuilder.InstructionTemplate {
	return txbuilder.InstructionTemplate{
		Name:      "verify_pin",
		ProgramID: GatewayProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return pinData("verify_pin", s.Bytes("pin", PinLen)).Encode(), nil
		},
		SetAccounts: func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			author, secret, err := secretAccounts(reg)
			if err != nil {
				return nil, err
			}
			target := SecretProgramID
			if s.Bool("attacker") {
				target = ForgedSecretProgramID
			}
			return []ledger.AccountMeta{
				ledger.ReadOnly(author, true),
				ledger.ReadOnly(secret, false),
				ledger.ReadOnly(target, false),
			}, nil
		},
	}
}

// recallPin gives the honest author the stored PIN. The attacker keeps a
// random guess.
func recallPin(env *fuzz.Env) error {
	if env.Scenario.Bool("attacker") {
		return nil
	}
	_, secret, err := secretAccounts(env.Registry)
	if err != nil {
		return err
	}
	acc, err := env.Ledger.GetAccount(secret)
	if err != nil {
		return err
	}
	if len(acc.Data) < secretSpace {
		return fmt.Errorf("secret %s holds %d bytes", secret, len(acc.Data))
	}
	env.Scenario.Set("pin", append([]byte(nil), acc.Data[8+32:secretSpace]...))
	return nil
}

// VerifiedBySecretProgram fails when the gateway accepted a verification
// that was not checked by the secret program against the stored PIN.
func VerifiedBySecretProgram(c *fuzz.Check) error {
	ix := c.Tx.Instructions[0]
	secret, target := ix.Accounts[1].Pubkey, ix.Accounts[2].Pubkey
	if target != SecretProgramID {
		return fuzz.Violationf([]types.Pubkey{secret, target},
			"arbitrary cpi: verify_pin routed through %s instead of %s", target, SecretProgramID)
	}
	stored := c.Before(secret).DataNoDiscriminator()
	presented := ix.Data[8:]
	if len(stored) < secretLen || !bytes.Equal(stored[32:secretLen], presented) {
		return fuzz.Violationf([]types.Pubkey{secret},
			"arbitrary cpi: verify_pin accepted %x for secret %s", presented, secret)
	}
	return nil
}
