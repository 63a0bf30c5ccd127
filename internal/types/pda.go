package types

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"math/big"
)

// Address derivation limits.
const (
	MaxSeeds   = 16
	MaxSeedLen = 32
)

var pdaMarker = []byte("ProgramDerivedAddress")

// Address derivation errors.
var (
	ErrMaxSeedLengthExceeded = errors.New("length of the seed is too long for address generation")
	ErrInvalidSeeds          = errors.New("provided seeds do not result in a valid address")
	ErrIllegalOwner          = errors.New("provided owner is not allowed")
	ErrNoViableBump          = errors.New("unable to find a viable program address bump seed")
)

// CreateProgramAddress derives a program address from seeds and a program ID.
// Addresses that land on the ed25519 curve are rejected.
func CreateProgramAddress(seeds [][]byte, programID Pubkey) (Pubkey, error) {
	if len(seeds) > MaxSeeds {
		return Pubkey{}, ErrMaxSeedLengthExceeded
	}
	h := sha256.New()
	for _, seed := range seeds {
		if len(seed) > MaxSeedLen {
			return Pubkey{}, ErrMaxSeedLengthExceeded
		}
		h.Write(seed)
	}
	h.Write(programID[:])
	h.Write(pdaMarker)

	var out Pubkey
	copy(out[:], h.Sum(nil))
	if IsOnCurve(out[:]) {
		return Pubkey{}, ErrInvalidSeeds
	}
	return out, nil
}

// FindProgramAddress searches bump seeds from 255 down and returns the first
// off-curve address. The callback, when non-nil, runs before each attempt and
// can abort the search (the syscall uses it to charge compute units).
func FindProgramAddress(seeds [][]byte, programID Pubkey, each func() error) (Pubkey, uint8, error) {
	withBump := make([][]byte, len(seeds)+1)
	copy(withBump, seeds)
	for bump := 255; bump >= 0; bump-- {
		if each != nil {
			if err := each(); err != nil {
				return Pubkey{}, 0, err
			}
		}
		withBump[len(seeds)] = []byte{byte(bump)}
		addr, err := CreateProgramAddress(withBump, programID)
		if err == nil {
			return addr, byte(bump), nil
		}
		if !errors.Is(err, ErrInvalidSeeds) {
			return Pubkey{}, 0, err
		}
	}
	return Pubkey{}, 0, ErrNoViableBump
}

// CreateWithSeed derives sha256(base || seed || owner).
func CreateWithSeed(base Pubkey, seed string, owner Pubkey) (Pubkey, error) {
	if len(seed) > MaxSeedLen {
		return Pubkey{}, ErrMaxSeedLengthExceeded
	}
	if bytes.HasSuffix(owner[:], pdaMarker) {
		return Pubkey{}, ErrIllegalOwner
	}
	h := sha256.New()
	h.Write(base[:])
	h.Write([]byte(seed))
	h.Write(owner[:])
	var out Pubkey
	copy(out[:], h.Sum(nil))
	return out, nil
}

var (
	curveP = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 255), big.NewInt(19))
	curveD = func() *big.Int {
		d := new(big.Int).Mul(big.NewInt(-121665), new(big.Int).ModInverse(big.NewInt(121666), curveP))
		return d.Mod(d, curveP)
	}()
	curveExp = new(big.Int).Rsh(new(big.Int).Sub(curveP, big.NewInt(1)), 1)
)

// IsOnCurve reports whether a compressed point decodes to a point on the
// ed25519 curve -x^2 + y^2 = 1 + d*x^2*y^2.
func IsOnCurve(point []byte) bool {
	if len(point) != 32 {
		return false
	}

	var le [32]byte
	copy(le[:], point)
	le[31] &= 0x7F

	be := make([]byte, 32)
	for i := range le {
		be[31-i] = le[i]
	}
	y := new(big.Int).SetBytes(be)
	if y.Cmp(curveP) >= 0 {
		return false
	}

	y2 := new(big.Int).Mul(y, y)
	y2.Mod(y2, curveP)

	num := new(big.Int).Sub(y2, big.NewInt(1))
	num.Mod(num, curveP)

	den := new(big.Int).Mul(curveD, y2)
	den.Add(den, big.NewInt(1))
	den.Mod(den, curveP)

	denInv := new(big.Int).ModInverse(den, curveP)
	if denInv == nil {
		return false
	}
	x2 := new(big.Int).Mul(num, denInv)
	x2.Mod(x2, curveP)

	if x2.Sign() == 0 {
		return true
	}
	return new(big.Int).Exp(x2, curveExp, curveP).Cmp(big.NewInt(1)) == 0
}
