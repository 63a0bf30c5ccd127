package sbpf

import (
	"encoding/binary"
	"fmt"
)

// Region is one contiguous mapping of host memory into the VM address space.
type Region struct {
	Name     string
	Vaddr    uint64
	Data     []byte
	Writable bool

	// FrameSize, when non-zero, makes the region gapped: every FrameSize
	// bytes of host memory are followed by an unmapped gap of the same
	// size in the VM address space.
	FrameSize uint64
}

// AccessViolationError reports a failed address translation.
type AccessViolationError struct {
	Region string
	Addr   uint64
	Size   uint64
	Write  bool
	Frame  int
}

func (e *AccessViolationError) Error() string {
	if e.Region == "stack" {
		return fmt.Sprintf("Access violation in stack frame %d at address %#x of size %d", e.Frame, e.Addr, e.Size)
	}
	kind := "load"
	if e.Write {
		kind = "store"
	}
	if e.Region == "" {
		return fmt.Sprintf("Access violation in unknown section at address %#x of size %d (%s)", e.Addr, e.Size, kind)
	}
	return fmt.Sprintf("Access violation in %s section at address %#x of size %d (%s)", e.Region, e.Addr, e.Size, kind)
}

// Is lets errors.Is match any access violation against ErrAccessViolation.
func (e *AccessViolationError) Is(target error) bool {
	return target == ErrAccessViolation
}

// Memory is the VM address space. Regions are selected by the upper 32
// bits of an address, so each region starts at a multiple of 1<<32.
type Memory struct {
	regions [5]*Region
}

// NewMemory maps the given regions. Each region must start at one of the
// Vaddr* bases.
func NewMemory(regions ...*Region) (*Memory, error) {
	m := &Memory{}
	for _, r := range regions {
		idx := r.Vaddr >> 32
		if r.Vaddr&0xFFFFFFFF != 0 || idx == 0 || idx >= uint64(len(m.regions)) {
			return nil, fmt.Errorf("region %s: unsupported base address %#x", r.Name, r.Vaddr)
		}
		m.regions[idx] = r
	}
	return m, nil
}

// Translate converts a VM address range to host memory.
func (m *Memory) Translate(addr, size uint64, write bool) ([]byte, error) {
	idx := addr >> 32
	if idx >= uint64(len(m.regions)) || m.regions[idx] == nil {
		return nil, &AccessViolationError{Addr: addr, Size: size, Write: write}
	}
	r := m.regions[idx]
	if write && !r.Writable {
		return nil, &AccessViolationError{Region: r.Name, Addr: addr, Size: size, Write: write}
	}

	off := addr - r.Vaddr
	if r.FrameSize > 0 {
		stride := 2 * r.FrameSize
		frame := off / stride
		within := off % stride
		if within+size > r.FrameSize {
			return nil, &AccessViolationError{Region: r.Name, Addr: addr, Size: size, Write: write, Frame: int(frame)}
		}
		off = frame*r.FrameSize + within
		if off+size > uint64(len(r.Data)) {
			return nil, &AccessViolationError{Region: r.Name, Addr: addr, Size: size, Write: write, Frame: int(frame)}
		}
		return r.Data[off : off+size], nil
	}

	end := off + size
	if end < off || end > uint64(len(r.Data)) {
		return nil, &AccessViolationError{Region: r.Name, Addr: addr, Size: size, Write: write}
	}
	return r.Data[off:end], nil
}

// Region returns the region mapped at base, or nil.
func (m *Memory) Region(base uint64) *Region {
	idx := base >> 32
	if idx >= uint64(len(m.regions)) {
		return nil
	}
	return m.regions[idx]
}

// Read copies len(p) bytes from virtual memory.
func (m *Memory) Read(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), false)
	if err != nil {
		return err
	}
	copy(p, mem)
	return nil
}

// Read8 reads a byte from virtual memory.
func (m *Memory) Read8(addr uint64) (uint8, error) {
	mem, err := m.Translate(addr, 1, false)
	if err != nil {
		return 0, err
	}
	return mem[0], nil
}

// Read16 reads a little-endian uint16.
func (m *Memory) Read16(addr uint64) (uint16, error) {
	mem, err := m.Translate(addr, 2, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(mem), nil
}

// Read32 reads a little-endian uint32.
func (m *Memory) Read32(addr uint64) (uint32, error) {
	mem, err := m.Translate(addr, 4, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(mem), nil
}

// Read64 reads a little-endian uint64.
func (m *Memory) Read64(addr uint64) (uint64, error) {
	mem, err := m.Translate(addr, 8, false)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(mem), nil
}

// Write copies p into virtual memory.
func (m *Memory) Write(addr uint64, p []byte) error {
	mem, err := m.Translate(addr, uint64(len(p)), true)
	if err != nil {
		return err
	}
	copy(mem, p)
	return nil
}

// Write8 writes a byte.
func (m *Memory) Write8(addr uint64, x uint8) error {
	mem, err := m.Translate(addr, 1, true)
	if err != nil {
		return err
	}
	mem[0] = x
	return nil
}

// Write16 writes a little-endian uint16.
func (m *Memory) Write16(addr uint64, x uint16) error {
	mem, err := m.Translate(addr, 2, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(mem, x)
	return nil
}

// Write32 writes a little-endian uint32.
func (m *Memory) Write32(addr uint64, x uint32) error {
	mem, err := m.Translate(addr, 4, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(mem, x)
	return nil
}

// Write64 writes a little-endian uint64.
func (m *Memory) Write64(addr uint64, x uint64) error {
	mem, err := m.Translate(addr, 8, true)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint64(mem, x)
	return nil
}
