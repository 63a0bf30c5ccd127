package syscall

import (
	"crypto/sha256"
	"hash"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"

	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

const hashResultLen = 32

func (r *Registry) registerCrypto() {
	r.Register("sol_sha256", hashSyscall(sha256.New))
	r.Register("sol_keccak256", hashSyscall(sha3.NewLegacyKeccak256))
	r.Register("sol_blake3", hashSyscall(func() hash.Hash { return blake3.New() }))
}

// hashSyscall hashes the concatenation of (ptr, len) slices at r1 into
// the 32 bytes at r3.
func hashSyscall(newHash func() hash.Hash) func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
	return func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 > MaxHashSlices {
			return 0, ErrTooManySlices
		}
		if err := ctx.ConsumeCU(svm.CUSha256Base); err != nil {
			return 0, err
		}
		out, err := vm.Translate(r3, hashResultLen, true)
		if err != nil {
			return 0, err
		}
		slices, err := readSlices(vm, r1, r2)
		if err != nil {
			return 0, err
		}
		h := newHash()
		for _, s := range slices {
			cost := max(svm.CUMemoryOpBase, svm.CUSha256Word*(uint64(len(s))/2))
			if err := ctx.ConsumeCU(cost); err != nil {
				return 0, err
			}
			h.Write(s)
		}
		copy(out, h.Sum(nil))
		return 0, nil
	}
}
