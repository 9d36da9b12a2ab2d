// Package txbuilder assembles transactions from instruction templates.
//
// A template names a program and carries two callbacks: one producing the
// instruction data from the current scenario, one producing the account list
// from the scenario and the registry. A Builder chains templates into a
// multi-instruction transaction, for example close-then-reopen sequences or
// calls routed through an intermediary program.
package txbuilder

import (
	"crypto/sha256"
	"errors"
	"fmt"

	"github.com/fortiblox/ledgerfuzz/internal/types"
	"github.com/fortiblox/ledgerfuzz/pkg/ledger"
	"github.com/fortiblox/ledgerfuzz/pkg/registry"
	"github.com/fortiblox/ledgerfuzz/pkg/scenario"
)

// ErrNoInstructions is returned when building an empty Builder.
var ErrNoInstructions = errors.New("builder has no instructions")

// SetDataFunc produces instruction data for the current scenario.
type SetDataFunc func(s *scenario.Scenario) ([]byte, error)

// SetAccountsFunc produces the ordered account list for the current
// scenario, usually by resolving roles in the registry.
type SetAccountsFunc func(s *scenario.Scenario, reg *registry.Registry) ([]ledger.AccountMeta, error)

// InstructionTemplate describes one instruction of a flow.
type InstructionTemplate struct {
	Name        string
	ProgramID   types.Pubkey
	SetData     SetDataFunc
	SetAccounts SetAccountsFunc
}

// Build produces the concrete instruction. Accounts are resolved before
// data so a data setter can rely on registry entries the account setter
// created.
func (t InstructionTemplate) Build(s *scenario.Scenario, reg *registry.Registry) (ledger.Instruction, error) {
	ix := ledger.Instruction{ProgramID: t.ProgramID}
	if t.SetAccounts != nil {
		metas, err := t.SetAccounts(s, reg)
		if err != nil {
			return ix, fmt.Errorf("set accounts: %w", err)
		}
		ix.Accounts = metas
	}
	if t.SetData != nil {
		data, err := t.SetData(s)
		if err != nil {
			return ix, fmt.Errorf("set data: %w", err)
		}
		ix.Data = data
	}
	return ix, nil
}

// Builder is an ordered list of templates.
type Builder struct {
	templates []InstructionTemplate
}

// New returns a builder for the given templates.
func New(templates ...InstructionTemplate) *Builder {
	return &Builder{templates: append([]InstructionTemplate(nil), templates...)}
}

// Then appends a template and returns b.
func (b *Builder) Then(t InstructionTemplate) *Builder {
	b.templates = append(b.templates, t)
	return b
}

// Len returns the number of templates.
func (b *Builder) Len() int { return len(b.templates) }

// Names returns the template names in order.
func (b *Builder) Names() []string {
	out := make([]string, len(b.templates))
	for i, t := range b.templates {
		out[i] = t.Name
	}
	return out
}

// Build produces a transaction for the current scenario.
func (b *Builder) Build(s *scenario.Scenario, reg *registry.Registry) (*ledger.Transaction, error) {
	if len(b.templates) == 0 {
		return nil, ErrNoInstructions
	}
	tx := &ledger.Transaction{Instructions: make([]ledger.Instruction, 0, len(b.templates))}
	for i, t := range b.templates {
		ix, err := t.Build(s, reg)
		if err != nil {
			return nil, fmt.Errorf("instruction %d (%s): %w", i, t.Name, err)
		}
		tx.Instructions = append(tx.Instructions, ix)
	}
	return tx, nil
}

// Discriminator returns the 8-byte instruction tag for name, computed the
// way Anchor does: sha256("global:" + name)[:8].
func Discriminator(name string) [8]byte {
	sum := sha256.Sum256([]byte("global:" + name))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}
