package examples

import (
	"bytes"
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

// PinProgramID is where the PIN metadata program is deployed.
var PinProgramID = types.MustPubkeyFromBase58("BxYhDihgJZZxUXqwoqvzbfD8G1fwNFKQyF8L5SEiNCQP")

// RevivalFunding is what an attacker sends to a closed metadata account.
const RevivalFunding = 500_000_000

// PinLen is the number of PIN bytes.
const PinLen = 4

const (
	metadataType  = "SecretMetadata"
	metadataLen   = 32 + PinLen
	metadataSpace = 8 + metadataLen
)

var metadataSeed = []byte("secret_metadata")

// MetadataSeeds are the seeds of creator's metadata account.
func MetadataSeeds(creator types.Pubkey) pda.Seeds {
	return pda.NewSeeds(PinProgramID, metadataSeed, creator.Bytes())
}

// PinProgram stores a four byte PIN per creator.
//
//	initialize_metadata(pin [4]u8)  [creator (signer, writable), metadata (writable), system program]
//	close_metadata()                [creator (signer, writable), metadata (writable)]
//	verify_pin(pin [4]u8)           [creator (signer), metadata (writable)]
//
// With Secure unset, close only zeroes the PIN and drains the lamports. The
// account keeps its owner and type tag, so re-funding it revives it and
// verify_pin accepts the zeroed PIN. A wrong PIN panics.
type PinProgram struct {
	Secure bool
}

// Process implements ledger.Program.
func (p *PinProgram) Process(ctx ledger.InvokeContext, data []byte) error {
	tag, args, err := instruction(data)
	if err != nil {
		return err
	}
	switch tag {
	case txbuilder.Discriminator("initialize_metadata"):
		return p.initialize(ctx, readPin(args))
	case txbuilder.Discriminator("close_metadata"):
		return p.close(ctx)
	case txbuilder.Discriminator("verify_pin"):
		return p.verify(ctx, readPin(args))
	default:
		return ErrUnknownInstruction
	}
}

func readPin(d *txbuilder.Decoder) []byte {
	pin := make([]byte, PinLen)
	for i := range pin {
		pin[i] = d.U8()
	}
	return pin
}

func (p *PinProgram) initialize(ctx ledger.InvokeContext, pin []byte) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	creator, metadata := ctx.Accounts()[0], ctx.Accounts()[1]
	if !creator.IsSigner {
		return ErrUnauthorized
	}
	if err := createPDA(ctx, creator, metadata, AccountRent, metadataSpace, metadataSeed, creator.Key.Bytes()); err != nil {
		return err
	}
	writeState(metadata, metadataType, append(creator.Key.Bytes(), pin...))
	ctx.Log("Metadata Created")
	return nil
}

func (p *PinProgram) close(ctx ledger.InvokeContext) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	creator, metadata := ctx.Accounts()[0], ctx.Accounts()[1]
	if !creator.IsSigner {
		return ErrUnauthorized
	}
	body, err := loadState(ctx, metadata, metadataType, metadataLen)
	if err != nil {
		return err
	}
	if !bytes.Equal(body[:32], creator.Key.Bytes()) {
		return ErrUnauthorized
	}

	creator.Lamports += metadata.Lamports
	metadata.Lamports = 0
	if p.Secure {
		metadata.Data = nil
		metadata.Owner = system.ProgramID
	} else {
		clear(body[32 : 32+PinLen])
	}
	ctx.Log("Metadata Removed")
	return nil
}

func (p *PinProgram) verify(ctx ledger.InvokeContext, pin []byte) error {
	if err := need(ctx, 2); err != nil {
		return err
	}
	creator, metadata := ctx.Accounts()[0], ctx.Accounts()[1]
	if !creator.IsSigner {
		return ErrUnauthorized
	}
	body, err := loadState(ctx, metadata, metadataType, metadataLen)
	if err != nil {
		return err
	}
	for i, b := range body[32 : 32+PinLen] {
		if pin[i] != b {
			panic(fmt.Sprintf("PIN%d Mismatch", i+1))
		}
	}
	ctx.Log("PIN VERIFIED")
	return nil
}

func pinAccounts(reg *registry.Registry) (creator, metadata types.Pubkey, err error) {
	if creator, err = wallet(reg, "creator", 0); err != nil {
		return
	}
	seeds := MetadataSeeds(creator)
	metadata, err = reg.Role("metadata").GetOrCreate(0, &seeds, nil)
	return
}

func pinData(name string, pin []byte) *txbuilder.Encoder {
	e := txbuilder.NewData(name)
	for _, b := range pin {
		e.U8(b)
	}
	return e
}

func pinTemplate(name string, data func(*scenario.Scenario) []byte, creatorWritable bool) txbuilder.InstructionTemplate {
	return txbuilder.InstructionTemplate{
		Name:      name,
		ProgramID: PinProgramID,
		SetData: func(s *scenario.Scenario) ([]byte, error) {
			return data(s), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			creator, metadata, err := pinAccounts(reg)
			if err != nil {
				return nil, err
			}
			metas := []ledger.AccountMeta{
				{Pubkey: creator, IsSigner: true, IsWritable: creatorWritable},
				ledger.Writable(metadata, false),
			}
			if name == "initialize_metadata" {
				metas = append(metas, ledger.ReadOnly(system.ProgramID, false))
			}
			return metas, nil
		},
	}
}

func init() {
	register(Entry{
		Name:        "revival-insecure",
		Description: "PIN metadata that can be revived after close",
		New:         func() fuzz.Suite { return RevivalSuite(false) },
	})
	register(Entry{
		Name:        "revival-secure",
		Description: "PIN metadata whose close wipes and reassigns the account",
		New:         func() fuzz.Suite { return RevivalSuite(true) },
	})
}

// RevivalSuite has two flows. In verify_pin_revival, initialize and close
// run, then an attacker re-funds the closed metadata account and calls
// verify_pin with the zeroed PIN; a successful verification of a closed
// account is a violation. In close_and_refund, one transaction closes the
// metadata account and transfers lamports back into it; an account that
// leaves such a transaction funded and still tagged is a violation.
func RevivalSuite(secure bool) fuzz.Suite {
	name := "revival-insecure"
	if secure {
		name = "revival-secure"
	}

	initialize := pinTemplate("initialize_metadata", func(s *scenario.Scenario) []byte {
		pin := make([]byte, PinLen)
		for i := range pin {
			pin[i] = uint8(s.Uint64(fmt.Sprintf("pin%d", i+1), 1, 255))
		}
		return pinData("initialize_metadata", pin).Encode()
	}, true)
	closeMeta := pinTemplate("close_metadata", func(*scenario.Scenario) []byte {
		return txbuilder.NewData("close_metadata").Encode()
	}, true)
	verify := pinTemplate("verify_pin", func(*scenario.Scenario) []byte {
		return pinData("verify_pin", make([]byte, PinLen)).Encode()
	}, false)
	refund := txbuilder.InstructionTemplate{
		Name:      "refund_metadata",
		ProgramID: system.ProgramID,
		SetData: func(*scenario.Scenario) ([]byte, error) {
			return txbuilder.NewEncoder().U32(system.InstructionTransfer).U64(RevivalFunding).Encode(), nil
		},
		SetAccounts: func(_ *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error) {
			attacker, err := wallet(reg, "attacker", 0)
			if err != nil {
				return nil, err
			}
			_, metadata, err := pinAccounts(reg)
			if err != nil {
				return nil, err
			}
			return []ledger.AccountMeta{ledger.Writable(attacker, true), ledger.Writable(metadata, false)}, nil
		},
	}

	return fuzz.Suite{
		Name:     name,
		Programs: map[types.Pubkey]ledger.Program{PinProgramID: &PinProgram{Secure: secure}},
		Flows: []fuzz.Flow{{
			Name: "close_and_refund",
			Steps: []fuzz.Step{
				{
					Name:   "initialize_metadata",
					Build:  txbuilder.New(initialize),
					Before: rearmMetadata,
				},
				{
					Name:      "close_and_refund",
					Build:     txbuilder.New(closeMeta).Then(refund),
					Invariant: NotRevivedInTransaction,
				},
			},
		}, {
			Name: "verify_pin_revival",
			Steps: []fuzz.Step{
				{
					Name:   "initialize_metadata",
					Build:  txbuilder.New(initialize),
					Before: rearmMetadata,
				},
				{
					Name:  "close_metadata",
					Build: txbuilder.New(closeMeta),
				},
				{
					Name:      "verify_pin",
					Build:     txbuilder.New(verify),
					Before:    reviveMetadata,
					Invariant: NotRevived,
					Classify: func(c *fuzz.Check) bool {
						return c.IsCustom(uint32(ErrNotInitialized))
					},
				},
			},
		}},
	}
}

// rearmMetadata resets the metadata account so every flow starts from a
// fresh initialization.
func rearmMetadata(env *fuzz.Env) error {
	creator, err := wallet(env.Registry, "creator", 0)
	if err != nil {
		return err
	}
	seeds := MetadataSeeds(creator)
	_, err = env.Registry.Role("metadata").Reset(0, &seeds, nil)
	return err
}

// reviveMetadata is the attacker's move: send lamports to the closed account.
func reviveMetadata(env *fuzz.Env) error {
	_, metadata, err := pinAccounts(env.Registry)
	if err != nil {
		return err
	}
	return env.Ledger.Airdrop(metadata, RevivalFunding)
}

// NotRevived fails when verify_pin accepted a metadata account whose PIN
// was wiped by close_metadata but which holds lamports again.
func NotRevived(c *fuzz.Check) error {
	metadata := c.Role("metadata", 0)
	before := c.Before(metadata)
	if before.Lamports() == 0 || !before.HasDiscriminator(accounts.Discriminator(metadataType)) {
		return nil
	}
	body := before.DataNoDiscriminator()
	if len(body) >= metadataLen && bytes.Count(body[32:32+PinLen], []byte{0}) == PinLen {
		return fuzz.Violationf([]types.Pubkey{metadata},
			"revival: verify_pin accepted closed metadata %s re-funded with %d lamports", metadata, before.Lamports())
	}
	return nil
}

// NotRevivedInTransaction compares metadata before and after a whole
// close-then-refund transaction. Live program state going in and funded
// program state with a wiped PIN coming out means the close was undone
// within the transaction.
func NotRevivedInTransaction(c *fuzz.Check) error {
	metadata := c.Role("metadata", 0)
	p := c.Pair(metadata)
	tag := accounts.Discriminator(metadataType)
	if p.Before.Lamports() == 0 || !p.Before.HasDiscriminator(tag) {
		return nil
	}
	if p.After.Lamports() == 0 || p.After.Owner() != PinProgramID || !p.After.HasDiscriminator(tag) {
		return nil
	}
	body := p.After.DataNoDiscriminator()
	if len(body) >= metadataLen && bytes.Count(body[32:32+PinLen], []byte{0}) == PinLen {
		return fuzz.Violationf([]types.Pubkey{metadata},
			"revival: metadata %s closed and re-funded with %d lamports in one transaction", metadata, p.After.Lamports())
	}
	return nil
}
