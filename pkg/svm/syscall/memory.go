package syscall

import (
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

// allocAlign is the alignment sol_alloc_free_ hands out.
const allocAlign = 8

// BumpAllocator serves sol_alloc_free_. Frees are ignored.
type BumpAllocator struct {
	start uint64
	size  uint64
	pos   uint64
}

// NewBumpAllocator returns an allocator over a heap of size bytes.
func NewBumpAllocator(size uint64) *BumpAllocator {
	return &BumpAllocator{start: sbpf.VaddrHeap, size: size}
}

// Alloc returns the address of n fresh bytes, or false when the heap is
// exhausted.
func (a *BumpAllocator) Alloc(n, align uint64) (uint64, bool) {
	pad := (align - (a.start+a.pos)%align) % align
	if a.pos+pad+n > a.size || a.pos+pad+n < a.pos {
		return 0, false
	}
	a.pos += pad
	addr := a.start + a.pos
	a.pos += n
	return addr, true
}

// Used returns the number of heap bytes handed out.
func (a *BumpAllocator) Used() uint64 { return a.pos }

func memOpCost(n uint64) uint64 {
	return max(svm.CUMemoryOpBase, n/svm.CUCpiBytesPerUnit)
}

func nonOverlapping(a, b, n uint64) bool {
	if a > b {
		return a-b >= n
	}
	return b-a >= n
}

func (r *Registry) registerMemory() {
	r.Register("sol_memcpy_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(memOpCost(r3)); err != nil {
			return 0, err
		}
		if r3 == 0 {
			return 0, nil
		}
		if !nonOverlapping(r1, r2, r3) {
			return 0, ErrCopyOverlapping
		}
		src, err := vm.Translate(r2, r3, false)
		if err != nil {
			return 0, err
		}
		dst, err := vm.Translate(r1, r3, true)
		if err != nil {
			return 0, err
		}
		copy(dst, src)
		return 0, nil
	})

	r.Register("sol_memmove_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(memOpCost(r3)); err != nil {
			return 0, err
		}
		if r3 == 0 {
			return 0, nil
		}
		src, err := vm.Translate(r2, r3, false)
		if err != nil {
			return 0, err
		}
		dst, err := vm.Translate(r1, r3, true)
		if err != nil {
			return 0, err
		}
		copy(dst, src)
		return 0, nil
	})

	r.Register("sol_memset_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(memOpCost(r3)); err != nil {
			return 0, err
		}
		if r3 == 0 {
			return 0, nil
		}
		dst, err := vm.Translate(r1, r3, true)
		if err != nil {
			return 0, err
		}
		for i := range dst {
			dst[i] = byte(r2)
		}
		return 0, nil
	})

	r.Register("sol_memcmp_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(memOpCost(r3)); err != nil {
			return 0, err
		}
		var result int32
		if r3 > 0 {
			a, err := vm.Translate(r1, r3, false)
			if err != nil {
				return 0, err
			}
			b, err := vm.Translate(r2, r3, false)
			if err != nil {
				return 0, err
			}
			result = memcmp(a, b)
		}
		return 0, vm.Write32(r4, uint32(result))
	})

	r.Register("sol_alloc_free_", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if r2 != 0 {
			return 0, nil
		}
		addr, ok := ctx.Allocator().Alloc(r1, allocAlign)
		if !ok {
			return 0, nil
		}
		return addr, nil
	})
}

// memcmp returns the difference of the first mismatching bytes.
func memcmp(a, b []byte) int32 {
	i := 0
	for i < len(a) && a[i] == b[i] {
		i++
	}
	if i == len(a) {
		return 0
	}
	return int32(a[i]) - int32(b[i])
}
