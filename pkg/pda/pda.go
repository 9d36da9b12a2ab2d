// Package pda implements program-derived address (PDA) derivation.
//
// A PDA is computed as SHA256(seeds || bump || program_id || "ProgramDerivedAddress")
// and is only accepted when the digest is not a valid compressed Ed25519
// point. Such an address has no private key, so it can never collide with a
// plain, independently signable account.
package pda

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"github.com/fortiblox/ledgerfuzz/internal/types"
)

// PDA constants.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

// pdaMarker is the domain tag appended to every derivation.
var pdaMarker = []byte("ProgramDerivedAddress")

// PDA errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("max seed length exceeded")
	ErrMaxSeedsExceeded      = errors.New("max seeds exceeded")

	// ErrInvalidSeeds is returned when the derived address lies on the curve.
	ErrInvalidSeeds = errors.New("invalid seeds: derived address is on curve")

	// ErrDerivationExhausted is returned when no bump in 255..0 yields an
	// off-curve address. It signals a seed selection bug.
	ErrDerivationExhausted = errors.New("unable to find a viable program address bump seed")
)

// onCurve is swapped out by tests that need to force exhaustion.
var onCurve = IsOnCurve

// Seeds describes a program-derived address: the seed list and the owning
// program. The bump is searched, not supplied.
type Seeds struct {
	Seeds     [][]byte
	ProgramID types.Pubkey
}

// NewSeeds copies the seed slices so later mutation by the caller cannot
// change the derivation.
func NewSeeds(programID types.Pubkey, seeds ...[]byte) Seeds {
	cp := make([][]byte, len(seeds))
	for i, s := range seeds {
		cp[i] = append([]byte(nil), s...)
	}
	return Seeds{Seeds: cp, ProgramID: programID}
}

// Find derives the address and bump for s.
func (s Seeds) Find() (types.Pubkey, uint8, error) {
	return FindProgramAddress(s.Seeds, s.ProgramID)
}

// CreateProgramAddress derives a program address from seeds and a program ID.
// Returns ErrInvalidSeeds if the derived address is on the ed25519 curve.
func CreateProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return types.Pubkey{}, ErrMaxSeedsExceeded
	}
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return types.Pubkey{}, ErrMaxSeedLengthExceeded
		}
	}

	h := sha256.New()
	for _, seed := range seeds {
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	var addr types.Pubkey
	copy(addr[:], h.Sum(nil))

	if onCurve(addr[:]) {
		return types.Pubkey{}, ErrInvalidSeeds
	}
	return addr, nil
}

// FindProgramAddress finds a valid PDA by iterating bump seeds from 255 to 0.
// The result depends only on the inputs.
func FindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8, error) {
	if len(seeds) > MaxSeeds-1 { // room for the bump seed
		return types.Pubkey{}, 0, ErrMaxSeedsExceeded
	}

	seedsWithBump := make([][]byte, len(seeds)+1)
	copy(seedsWithBump, seeds)

	for bump := 255; bump >= 0; bump-- {
		seedsWithBump[len(seeds)] = []byte{uint8(bump)}

		addr, err := CreateProgramAddress(seedsWithBump, programID)
		if err == nil {
			return addr, uint8(bump), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return types.Pubkey{}, 0, err
		}
	}

	return types.Pubkey{}, 0, ErrDerivationExhausted
}

// MustFindProgramAddress is FindProgramAddress for fixture code: a failure is
// a configuration bug in the fuzz test and panics.
func MustFindProgramAddress(seeds [][]byte, programID types.Pubkey) (types.Pubkey, uint8) {
	addr, bump, err := FindProgramAddress(seeds, programID)
	if err != nil {
		panic(fmt.Sprintf("derive program address for %s: %v", programID, err))
	}
	return addr, bump
}

// Curve constants for ed25519: p = 2^255 - 19, d = -121665/121666 mod p.
var (
	fieldP = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))
	curveD = func() *big.Int {
		d := new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), fieldP))
		return d.Mod(d, fieldP)
	}()
	legendreExp = new(big.Int).Rsh(new(big.Int).Sub(fieldP, big.NewInt(1)), 1)
	bigOne      = big.NewInt(1)
)

// IsOnCurve reports whether point decodes to a point on the ed25519 curve.
//
// Ed25519 uses the twisted Edwards curve -x^2 + y^2 = 1 + d*x^2*y^2. A
// compressed point stores y and the sign of x; it is valid iff
// x^2 = (y^2 - 1) / (d*y^2 + 1) has a square root in the field.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}

	yBytes := make([]byte, 32)
	copy(yBytes, point)
	signBit := yBytes[31] >> 7
	yBytes[31] &= 0x7F

	// little-endian to big.Int
	y := new(big.Int)
	for i := 31; i >= 0; i-- {
		y.Lsh(y, 8)
		y.Or(y, big.NewInt(int64(yBytes[i])))
	}
	if y.Cmp(fieldP) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, fieldP)

	num := new(big.Int).Sub(y2, bigOne)
	num.Mod(num, fieldP)

	den := new(big.Int).Mul(curveD, y2)
	den.Add(den, bigOne)
	den.Mod(den, fieldP)

	denInv := new(big.Int).ModInverse(den, fieldP)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, fieldP)

	if x2.Sign() == 0 {
		// x = 0 has no negative representation.
		return signBit == 0
	}

	// Euler's criterion.
	return new(big.Int).Exp(x2, legendreExp, fieldP).Cmp(bigOne) == 0
}
