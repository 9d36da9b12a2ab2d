package examples

import (
	"fmt"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/accounts"
	"github.com/fortiblox/ledgerfuzz/pkg/fuzz"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/pda"
	"github.com/fortiblox/ledgerfuzz/pkg/programs/system"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
	"github.com/fortiblox/ledgerfuzz/pkg/txbuilder"
)

// ProfileProgramID is where the user profile program is deployed.
var ProfileProgramID = types.MustPubkeyFromBase58("5JeEqUd5HHFtPSagJM13tjN57Ry9rmkt5pNacJ53g618")

// Both profile account types put the authority first and are the same
// size, so one decodes cleanly as the other.
const (
	userType     = "User"
	userLen      = 32 + 32 + 4
	userMetaType = "UserMetadata"
	userMetaLen  = 32 + 32 + PinLen
	profileSpace = 8 + userLen
)

var (
	userSeed     = []byte("user")
	userMetaSeed = []byte("user_metadata")
)

// UserSeeds are the seeds of authority's user account.
func UserSeeds(authority types.Pubkey) pda.Seeds {
	return pda.NewSeeds(ProfileProgramID, userSeed, authority.Bytes())
}

// UserMetadataSeeds are the seeds of authority's metadata account.
func UserMetadataSeeds(authority types.Pubkey) pda.Seeds {
	return pda.NewSeeds(ProfileProgramID, userMetaSeed, authority.Bytes())
}

// ProfileProgram keeps a User account holding an age and a UserMetadata
// account holding a PIN, both per authority.
//
//	initialize_user(age u32)              [authority (signer, writable), user (writable), system program]
//	initialize_user_metadata(pin [4]u8)   [authority (signer, writable), metadata (writable), system program]
//	read_user()                           [user, authority (signer)]
//
// With Secure unset, read_user decodes whatever account it is given
// without checking its owner or type tag, so the metadata account passes
// for a User and its PIN is reported as the age.
type ProfileProgram struct {
	Secure bool
}

// Process implements ledger.Program.
func (p *ProfileProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	switch tag {
	case txbuilder.Discriminator("initialize_user"):
		return p.initializeUser(ctx, args.U32())
	case txbuilder.Discriminator("initialize_user_metadata"):
		return p.initializeMetadata(ctx, readPin(args))
	case txbuilder.Discriminator("read_user"):
		return p.readUser(ctx)
	default:
		return ErrUnknownInstruction
	}
}

func (p *ProfileProgram) initializeUser(ctx ledger.InvokeContext, age uint32) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	authority, user := ctx.Accounts()[0], ctx.Accounts()[1]
	if !authority.IsSigner {
		return ErrUnauthorized
	}
	if err := createPDA(ctx, authority, user, AccountRent, profileSpace, userSeed, authority.Key.Bytes()); err != nil {
		return err
	}
	seeds := UserMetadataSeeds(authority.Key)
	metadata, _, err := seeds.Find()
	if err != nil {
		return err
	}
	writeState(user, userType, txbuilder.NewEncoder().Pubkey(authority.Key).Pubkey(metadata).U32(age).Encode())
	ctx.Log("User created")
	return nil
}

func (p *ProfileProgram) initializeMetadata(ctx ledger.InvokeContext, pin []byte) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	authority, metadata := ctx.Accounts()[0], ctx.Accounts()[1]
	if !authority.IsSigner {
		return ErrUnauthorized
	}
	if err := createPDA(ctx, authority, metadata, AccountRent, profileSpace, userMetaSeed, authority.Key.Bytes()); err != nil {
		return err
	}
	seeds := UserSeeds(authority.Key)
	user, _, err := seeds.Find()
	if err != nil {
		return err
	}
	writeState(metadata, userMetaType, txbuilder.NewEncoder().Pubkey(authority.Key).Pubkey(user).Raw(pin).Encode())
	ctx.Log("User metadata created")
	return nil
}

func (p *ProfileProgram) readUser(ctx ledger.InvokeContext) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	user, authority := ctx.Accounts()[0], ctx.Accounts()[1]
	if !authority.IsSigner {
		return ErrUnauthorized
	}

	if p.Secure {
		if !user.IsOwnedBy(ctx.ProgramID()) {
			return ErrNotInitialized
		}
		if !accounts.HasDiscriminator(user.Data, accounts.Discriminator(userType)) {
			return ErrAccountTypeMismatch
		}
	}
	if len(user.Data) < accounts.DiscriminatorSize+userLen {
		return ErrInvalidData
	}

	d := txbuilder.NewDecoder(user.Data[accounts.DiscriminatorSize:])
	owner := d.Pubkey()
	d.Pubkey()
	age := d.U32()
	if owner != authority.Key {
		return ErrUnauthorized
	}
	ctx.Log(fmt.Sprintf("The age of user %s is %d", authority.Key, age))
	return nil
}

func profileAccounts(reg *registry.Registry) (authority, user, metadata types.Pubkey, err error) {
	if authority, err = wallet(reg, "authority", 0); err != nil {
		return
	}
	us := UserSeeds(authority)
	if user, err = reg.Role("user").GetOrCreate(0, &us, nil); err != nil {
		return
	}
	ms := UserMetadataSeeds(authority)
	metadata, err = reg.Role("user_metadata").GetOrCreate(0, &ms, nil)
	return
}

func init() {
	register(Entry{
		Name:        "cosplay-insecure",
		Description: "user read that accepts any account type",
		New:         func() fuzz.Suite { return CosplaySuite(false) },
	})
	register(Entry{
		Name:        "cosplay-secure",
		Description: "user read that checks the account type tag",
		New:         func() fuzz.Suite { return CosplaySuite(true) },
	})
}

// CosplaySuite creates both profile accounts, then calls read_user with
// either the User account or, when the scenario's cosplay flag is set, the
// UserMetadata account in its place. A successful read of an account that
// is not tagged User is a violation.
func CosplaySuite(secure bool) fuzz.Suite {
	name := "cosplay-insecure"
	if secure {
		name = "cosplay-secure"
	}

	initUser := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "initialize_user",
		ProgramID: ProfileProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("initialize_user").U32(uint32(s.Uint64("age", 1, 120))).Encode(), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			authority, user, _, err := profileAccounts(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.Writable(authority, true),
				ledger.Writable(user, false),
				ledger.ReadOnly(system.ProgramID, false),
			}, nil
		},
	})
	initMetadata := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "initialize_user_metadata",
		ProgramID: ProfileProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return pinData("initialize_user_metadata", s.Bytes("pin", PinLen)).Encode(), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			authority, _, metadata, err := profileAccounts(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{
				ledger.Writable(authority, true),
				ledger.Writable(metadata, false),
				ledger.ReadOnly(system.ProgramID, false),
			}, nil
		},
	})
	read := txbuilder.New(txbuilder.InstructionTemplate{
		Name:      "read_user",
		ProgramID: ProfileProgramID,
		SetData: func(*scenario.Scenario) ([]byte, error) {
			return txbuilder.NewData("read_user").Encode(), nil
		},
		SetAccounts: func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			authority, user, metadata, err := profileAccounts(reg)
			if err != nil {
				return nil, err
			}
			if s.Bool("cosplay") {
				user = metadata
			}
			return []ledger.AccountMeta{ledger.ReadOnly(user, false), ledger.ReadOnly(authority, true)}, nil
		},
	})

	return fuzz.Suite{
		Name:     name,
		Programs: map[types.Pubkey]ledger.Program{ProfileProgramID: &ProfileProgram{Secure: secure}},
		Init: []fuzz.Step{
			{Name: "initialize_user", Build: initUser},
			{Name: "initialize_user_metadata", Build: initMetadata},
		},
		Flows: []fuzz.Flow{{
			Name: "read_user",
			Steps: []fuzz.Step{{
				Name:      "read_user",
				Build:     read,
				Invariant: ReadUserTyped,
				Classify: func(c *fuzz.Check) bool {
					return c.Scenario.Bool("cosplay") && c.IsCustom(uint32(ErrAccountTypeMismatch))
				},
			}},
		}},
	}
}

// ReadUserTyped fails when read_user succeeded on an account that does not
// carry the User type tag.
func ReadUserTyped(c *fuzz.Check) error {
	user := c.Tx.Instructions[0].Accounts[0].Pubkey
	before := c.Before(user)
	if before.HasDiscriminator(accounts.Discriminator(userType)) {
		return nil
	}
	kind := "untagged"
	if before.HasDiscriminator(accounts.Discriminator(userMetaType)) {
		kind = userMetaType
	}
	return fuzz.Violationf([]types.Pubkey{user},
		"type cosplay: read_user accepted %s account %s as %s", kind, user, userType)
}
