// Package loader implements the sBPF ELF loader for Solana programs.
//
// It parses the ELF64 images stored in program accounts and prepares them
// for the sBPF interpreter:
//   - header validation (64-bit, little-endian, BPF machine)
//   - read-only image construction from the allocated sections
//   - relative call fixup and .rel.dyn relocation processing
//   - function registry construction (murmur3 call keys)
//   - static verification
package loader

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

var elfMagic = []byte{0x7f, 'E', 'L', 'F'}

const (
	elfClass64 = 2
	elfDataLSB = 1

	elfMachineBPF  = 247
	elfMachineSBPF = 263

	elfTypeExec = 2
	elfTypeDyn  = 3

	elfHeaderSize  = 64
	sectionHdrSize = 64
	symbolSize     = 24
	relSize        = 16
)

// Section types.
const (
	shtNobits = 8
	shtRel    = 9
	shtDynsym = 11
)

// Section flags.
const (
	shfWrite = 0x1
	shfAlloc = 0x2
)

const sttFunc = 2

// Relocation types for sBPF.
const (
	rBPF64_64       = 1
	rBPF64Relative  = 8
	rBPF64_32       = 10
	immediateOffset = 4
)

// ELF errors.
var (
	ErrInvalidELF                  = errors.New("invalid ELF file")
	ErrUnsupportedClass            = errors.New("unsupported ELF class (expected 64-bit)")
	ErrUnsupportedEndian           = errors.New("unsupported endianness (expected little-endian)")
	ErrUnsupportedMachine          = errors.New("unsupported machine type (expected BPF/sBPF)")
	ErrNoTextSection               = errors.New("no .text section found")
	ErrInvalidSection              = errors.New("invalid section")
	ErrInvalidEntrypoint           = errors.New("invalid entrypoint")
	ErrWritableSectionNotSupported = errors.New("writable section not supported")
	ErrRelativeJumpOutOfBounds     = errors.New("relative jump out of bounds")
	ErrSymbolHashCollision         = errors.New("symbol hash collision")
	ErrUnknownRelocation           = errors.New("unknown relocation type")
	ErrInvalidVirtualAddress       = errors.New("invalid virtual address")
	ErrTooLarge                    = errors.New("ELF file too large")
)

// UnresolvedSymbolError reports a call to a syscall the runtime does not provide.
type UnresolvedSymbolError struct {
	Name   string
	Offset uint64
}

func (e *UnresolvedSymbolError) Error() string {
	return fmt.Sprintf("unresolved symbol (%s) at offset %#x", e.Name, e.Offset)
}

// Maximum sizes.
const (
	MaxELFSize     = 10 * 1024 * 1024
	MaxSections    = 256
	MaxSymbols     = 100_000
	MaxRelocations = 100_000
)

type sectionHeader struct {
	name   string
	typ    uint32
	flags  uint64
	addr   uint64
	offset uint64
	size   uint64
	link   uint32
}

func (s *sectionHeader) end() uint64 { return s.addr + s.size }

type symbol struct {
	name  string
	info  uint8
	shndx uint16
	value uint64
}

// Loader loads sBPF programs from ELF files.
type Loader struct {
	syscalls sbpf.SyscallLookup
}

// NewLoader creates a loader that resolves syscall references against
// syscalls. A nil lookup accepts every syscall name.
func NewLoader(syscalls sbpf.SyscallLookup) *Loader {
	return &Loader{syscalls: syscalls}
}

type elfFile struct {
	data     []byte
	entry    uint64
	sections []sectionHeader
	text     *sectionHeader
	dynsyms  []symbol
}

// Load parses, relocates and verifies an ELF image.
func (l *Loader) Load(data []byte) (*sbpf.Program, error) {
	if len(data) > MaxELFSize {
		return nil, ErrTooLarge
	}
	f, err := parseELF(data)
	if err != nil {
		return nil, err
	}

	image, err := f.buildImage()
	if err != nil {
		return nil, err
	}

	text := f.text
	if text.flags&shfAlloc == 0 || text.end() > uint64(len(image)) {
		return nil, fmt.Errorf("%w: .text is not allocated", ErrInvalidSection)
	}
	if text.size == 0 || text.size%sbpf.InstructionSize != 0 {
		return nil, fmt.Errorf("%w: .text size %d", ErrInvalidSection, text.size)
	}
	if f.entry < text.addr || f.entry >= text.end() || (f.entry-text.addr)%sbpf.InstructionSize != 0 {
		return nil, fmt.Errorf("%w: %#x", ErrInvalidEntrypoint, f.entry)
	}

	prog := &sbpf.Program{
		Text:      image[text.addr:text.end()],
		TextVaddr: sbpf.VaddrProgram + text.addr,
		RO:        image,
		Entry:     int((f.entry - text.addr) / sbpf.InstructionSize),
		Functions: make(map[uint32]int),
	}
	if err := l.registerFunction(prog, sbpf.EntrypointHash, prog.Entry); err != nil {
		return nil, err
	}

	for _, sym := range f.dynsyms {
		if sym.info&0xf != sttFunc || sym.value == 0 || sym.name == "entrypoint" {
			continue
		}
		if sym.value < text.addr || sym.value >= text.end() {
			continue
		}
		pc := int((sym.value - text.addr) / sbpf.InstructionSize)
		if err := l.registerFunction(prog, sbpf.FunctionHash(pc), pc); err != nil {
			return nil, err
		}
	}

	if err := l.fixupRelativeCalls(prog); err != nil {
		return nil, err
	}
	if err := l.relocate(f, prog, image); err != nil {
		return nil, err
	}
	if err := sbpf.Verify(prog); err != nil {
		return nil, err
	}
	return prog, nil
}

func parseELF(data []byte) (*elfFile, error) {
	if len(data) < elfHeaderSize || !bytes.Equal(data[0:4], elfMagic) {
		return nil, ErrInvalidELF
	}
	if data[4] != elfClass64 {
		return nil, ErrUnsupportedClass
	}
	if data[5] != elfDataLSB {
		return nil, ErrUnsupportedEndian
	}
	typ := binary.LittleEndian.Uint16(data[16:18])
	machine := binary.LittleEndian.Uint16(data[18:20])
	if machine != elfMachineBPF && machine != elfMachineSBPF {
		return nil, ErrUnsupportedMachine
	}
	if typ != elfTypeExec && typ != elfTypeDyn {
		return nil, fmt.Errorf("%w: unsupported ELF type %d", ErrInvalidELF, typ)
	}

	f := &elfFile{
		data:  data,
		entry: binary.LittleEndian.Uint64(data[24:32]),
	}
	shoff := binary.LittleEndian.Uint64(data[40:48])
	shentsize := binary.LittleEndian.Uint16(data[58:60])
	shnum := binary.LittleEndian.Uint16(data[60:62])
	shstrndx := binary.LittleEndian.Uint16(data[62:64])

	if shnum == 0 || shnum > MaxSections {
		return nil, fmt.Errorf("%w: %d sections", ErrInvalidELF, shnum)
	}
	if shentsize != sectionHdrSize {
		return nil, fmt.Errorf("%w: section header size %d", ErrInvalidELF, shentsize)
	}
	if shoff+uint64(shnum)*sectionHdrSize > uint64(len(data)) || shoff+uint64(shnum)*sectionHdrSize < shoff {
		return nil, ErrInvalidELF
	}
	if shstrndx >= shnum {
		return nil, ErrInvalidSection
	}

	raw := make([]sectionHeader, shnum)
	nameOffsets := make([]uint32, shnum)
	for i := range raw {
		off := shoff + uint64(i)*sectionHdrSize
		nameOffsets[i] = binary.LittleEndian.Uint32(data[off:])
		raw[i] = sectionHeader{
			typ:    binary.LittleEndian.Uint32(data[off+4:]),
			flags:  binary.LittleEndian.Uint64(data[off+8:]),
			addr:   binary.LittleEndian.Uint64(data[off+16:]),
			offset: binary.LittleEndian.Uint64(data[off+24:]),
			size:   binary.LittleEndian.Uint64(data[off+32:]),
			link:   binary.LittleEndian.Uint32(data[off+40:]),
		}
	}

	shstr, err := sectionData(data, &raw[shstrndx])
	if err != nil {
		return nil, err
	}
	for i := range raw {
		raw[i].name = cString(shstr, nameOffsets[i])
	}
	f.sections = raw

	for i := range raw {
		if raw[i].name == ".text" {
			f.text = &raw[i]
		}
	}
	if f.text == nil {
		return nil, ErrNoTextSection
	}

	for i := range raw {
		if raw[i].typ != shtDynsym {
			continue
		}
		if int(raw[i].link) >= len(raw) {
			return nil, ErrInvalidSection
		}
		f.dynsyms, err = parseSymbols(data, &raw[i], &raw[raw[i].link])
		if err != nil {
			return nil, err
		}
		break
	}
	return f, nil
}

func sectionData(data []byte, s *sectionHeader) ([]byte, error) {
	if s.typ == shtNobits {
		return make([]byte, s.size), nil
	}
	end := s.offset + s.size
	if end < s.offset || end > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %q out of bounds", ErrInvalidSection, s.name)
	}
	return data[s.offset:end], nil
}

func cString(tab []byte, off uint32) string {
	if off >= uint32(len(tab)) {
		return ""
	}
	end := bytes.IndexByte(tab[off:], 0)
	if end == -1 {
		return string(tab[off:])
	}
	return string(tab[off : off+uint32(end)])
}

func parseSymbols(data []byte, symtab, strtab *sectionHeader) ([]symbol, error) {
	raw, err := sectionData(data, symtab)
	if err != nil {
		return nil, err
	}
	strs, err := sectionData(data, strtab)
	if err != nil {
		return nil, err
	}
	n := len(raw) / symbolSize
	if n > MaxSymbols {
		return nil, fmt.Errorf("%w: too many symbols", ErrInvalidELF)
	}
	syms := make([]symbol, n)
	for i := range syms {
		b := raw[i*symbolSize:]
		syms[i] = symbol{
			name:  cString(strs, binary.LittleEndian.Uint32(b[0:])),
			info:  b[4],
			shndx: binary.LittleEndian.Uint16(b[6:]),
			value: binary.LittleEndian.Uint64(b[8:]),
		}
	}
	return syms, nil
}

// isReadOnlySection reports whether a section belongs in the program image.
func isReadOnlySection(name string) bool {
	return name == ".text" ||
		strings.HasPrefix(name, ".rodata") ||
		strings.HasPrefix(name, ".data.rel.ro") ||
		name == ".eh_frame"
}

// buildImage lays the read-only sections out at their virtual addresses.
func (f *elfFile) buildImage() ([]byte, error) {
	var size uint64
	for i := range f.sections {
		s := &f.sections[i]
		if s.flags&shfAlloc == 0 {
			continue
		}
		if (s.name == ".bss" || strings.HasPrefix(s.name, ".data")) && !strings.HasPrefix(s.name, ".data.rel.ro") &&
			s.flags&shfWrite != 0 && s.size > 0 {
			return nil, fmt.Errorf("%w: %s", ErrWritableSectionNotSupported, s.name)
		}
		if !isReadOnlySection(s.name) {
			continue
		}
		if s.end() < s.addr || s.end() > MaxELFSize {
			return nil, fmt.Errorf("%w: %q out of bounds", ErrInvalidSection, s.name)
		}
		if s.end() > size {
			size = s.end()
		}
	}

	image := make([]byte, size)
	for i := range f.sections {
		s := &f.sections[i]
		if s.flags&shfAlloc == 0 || !isReadOnlySection(s.name) {
			continue
		}
		b, err := sectionData(f.data, s)
		if err != nil {
			return nil, err
		}
		copy(image[s.addr:], b)
	}
	return image, nil
}

func (l *Loader) registerFunction(prog *sbpf.Program, hash uint32, pc int) error {
	if prev, ok := prog.Functions[hash]; ok {
		if prev == pc {
			return nil
		}
		return fmt.Errorf("%w: %#x", ErrSymbolHashCollision, hash)
	}
	if l.syscalls != nil {
		if _, ok := l.syscalls(hash); ok {
			return fmt.Errorf("%w: %#x", ErrSymbolHashCollision, hash)
		}
	}
	prog.Functions[hash] = pc
	return nil
}

// fixupRelativeCalls rewrites pc-relative calls into function call keys.
// Calls still carrying -1 are syscall placeholders patched by relocations.
func (l *Loader) fixupRelativeCalls(prog *sbpf.Program) error {
	n := prog.InstructionCount()
	for pc := 0; pc < n; pc++ {
		ins := sbpf.DecodeAt(prog.Text, pc)
		if ins.Op() == sbpf.OpLddw {
			pc++
			continue
		}
		if ins.Op() != sbpf.OpCall || ins.Imm() == -1 {
			continue
		}
		target := pc + 1 + int(ins.Imm())
		if target < 0 || target >= n {
			return fmt.Errorf("%w: call at pc %d", ErrRelativeJumpOutOfBounds, pc)
		}
		hash := sbpf.FunctionHash(target)
		if err := l.registerFunction(prog, hash, target); err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(prog.Text[pc*sbpf.InstructionSize+immediateOffset:], hash)
	}
	return nil
}

func (l *Loader) relocate(f *elfFile, prog *sbpf.Program, image []byte) error {
	for i := range f.sections {
		s := &f.sections[i]
		if s.typ != shtRel {
			continue
		}
		raw, err := sectionData(f.data, s)
		if err != nil {
			return err
		}
		if len(raw)/relSize > MaxRelocations {
			return fmt.Errorf("%w: too many relocations", ErrInvalidELF)
		}
		for off := 0; off+relSize <= len(raw); off += relSize {
			rOffset := binary.LittleEndian.Uint64(raw[off:])
			info := binary.LittleEndian.Uint64(raw[off+8:])
			if err := l.applyRelocation(f, prog, image, rOffset, uint32(info), info>>32); err != nil {
				return err
			}
		}
	}
	return nil
}

func (l *Loader) applyRelocation(f *elfFile, prog *sbpf.Program, image []byte, rOffset uint64, typ uint32, symIdx uint64) error {
	imm := rOffset + immediateOffset
	inText := rOffset >= f.text.addr && rOffset < f.text.end()

	switch typ {
	case rBPF64_64:
		sym, err := f.symbol(symIdx)
		if err != nil {
			return err
		}
		if imm+sbpf.InstructionSize+4 > uint64(len(image)) {
			return fmt.Errorf("%w: relocation at %#x", ErrInvalidVirtualAddress, rOffset)
		}
		addr := sym.value + uint64(binary.LittleEndian.Uint32(image[imm:]))
		if addr < sbpf.VaddrProgram {
			addr += sbpf.VaddrProgram
		}
		binary.LittleEndian.PutUint32(image[imm:], uint32(addr))
		binary.LittleEndian.PutUint32(image[imm+sbpf.InstructionSize:], uint32(addr>>32))

	case rBPF64Relative:
		if inText {
			if imm+sbpf.InstructionSize+4 > uint64(len(image)) {
				return fmt.Errorf("%w: relocation at %#x", ErrInvalidVirtualAddress, rOffset)
			}
			addr := uint64(binary.LittleEndian.Uint32(image[imm:])) |
				uint64(binary.LittleEndian.Uint32(image[imm+sbpf.InstructionSize:]))<<32
			if addr == 0 {
				return fmt.Errorf("%w: relocation at %#x", ErrInvalidVirtualAddress, rOffset)
			}
			if addr < sbpf.VaddrProgram {
				addr += sbpf.VaddrProgram
			}
			binary.LittleEndian.PutUint32(image[imm:], uint32(addr))
			binary.LittleEndian.PutUint32(image[imm+sbpf.InstructionSize:], uint32(addr>>32))
			return nil
		}
		if rOffset+8 > uint64(len(image)) {
			return fmt.Errorf("%w: relocation at %#x", ErrInvalidVirtualAddress, rOffset)
		}
		addr := uint64(binary.LittleEndian.Uint32(image[imm:])) + sbpf.VaddrProgram
		binary.LittleEndian.PutUint64(image[rOffset:], addr)

	case rBPF64_32:
		sym, err := f.symbol(symIdx)
		if err != nil {
			return err
		}
		if imm+4 > uint64(len(image)) {
			return fmt.Errorf("%w: relocation at %#x", ErrInvalidVirtualAddress, rOffset)
		}
		var hash uint32
		if sym.info&0xf == sttFunc && sym.value != 0 {
			if sym.value < f.text.addr || sym.value >= f.text.end() {
				return fmt.Errorf("%w: function %s", ErrInvalidVirtualAddress, sym.name)
			}
			pc := int((sym.value - f.text.addr) / sbpf.InstructionSize)
			hash = sbpf.FunctionHash(pc)
			if sym.name == "entrypoint" {
				hash = sbpf.EntrypointHash
			}
			if err := l.registerFunction(prog, hash, pc); err != nil {
				return err
			}
		} else {
			hash = sbpf.SyscallHash(sym.name)
			if l.syscalls != nil {
				if _, ok := l.syscalls(hash); !ok {
					return &UnresolvedSymbolError{Name: sym.name, Offset: rOffset}
				}
			}
		}
		binary.LittleEndian.PutUint32(image[imm:], hash)

	default:
		return fmt.Errorf("%w: %d at %#x", ErrUnknownRelocation, typ, rOffset)
	}
	return nil
}

func (f *elfFile) symbol(idx uint64) (*symbol, error) {
	if idx >= uint64(len(f.dynsyms)) {
		return nil, fmt.Errorf("%w: symbol index %d", ErrInvalidELF, idx)
	}
	return &f.dynsyms[idx], nil
}
