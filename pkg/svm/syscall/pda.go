package syscall

import (
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

func (r *Registry) registerPDA() {
	r.Register("sol_create_program_address", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUCreateProgramAddress); err != nil {
			return 0, err
		}
		seeds, programID, err := readAddressInputs(vm, r1, r2, r3)
		if err != nil {
			return 0, err
		}
		addr, err := types.CreateProgramAddress(seeds, programID)
		if err != nil {
			return failureReturn, nil
		}
		if err := vm.Write(r4, addr[:]); err != nil {
			return 0, err
		}
		return successReturn, nil
	})

	r.Register("sol_try_find_program_address", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUCreateProgramAddress); err != nil {
			return 0, err
		}
		seeds, programID, err := readAddressInputs(vm, r1, r2, r3)
		if err != nil {
			return 0, err
		}
		withBump := append(seeds, nil)
		for bump := 255; bump > 0; bump-- {
			withBump[len(seeds)] = []byte{byte(bump)}
			if addr, err := types.CreateProgramAddress(withBump, programID); err == nil {
				if err := vm.Write(r4, addr[:]); err != nil {
					return 0, err
				}
				if err := vm.Write8(r5, uint8(bump)); err != nil {
					return 0, err
				}
				return successReturn, nil
			}
			if err := ctx.ConsumeCU(svm.CUCreateProgramAddress); err != nil {
				return 0, err
			}
		}
		return failureReturn, nil
	})
}

func readAddressInputs(vm sbpf.VM, seedsAddr, seedsLen, programIDAddr uint64) ([][]byte, types.Pubkey, error) {
	if seedsLen > types.MaxSeeds {
		return nil, types.Pubkey{}, fmt.Errorf("%w: %w", ErrBadSeeds, types.ErrMaxSeedLengthExceeded)
	}
	seeds, err := readSlices(vm, seedsAddr, seedsLen)
	if err != nil {
		return nil, types.Pubkey{}, err
	}
	for _, seed := range seeds {
		if len(seed) > types.MaxSeedLen {
			return nil, types.Pubkey{}, fmt.Errorf("%w: %w", ErrBadSeeds, types.ErrMaxSeedLengthExceeded)
		}
	}
	programID, err := readPubkey(vm, programIDAddr)
	return seeds, programID, err
}
