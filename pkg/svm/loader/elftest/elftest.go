// Package elftest builds minimal sBPF ELF images for tests.
//
// The images follow the layout the Solana toolchain emits for v1 programs:
// a shared object whose section addresses equal their file offsets, a
// .dynsym/.dynstr pair and a .rel.dyn section of REL entries.
package elftest

import (
	"encoding/binary"
	"sort"

	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

const (
	headerSize  = 64
	sectionSize = 64
	symSize     = 24
	relSize     = 16

	machineBPF = 247
	typeDyn    = 3

	shtProgbits = 1
	shtStrtab   = 3
	shtDynsym   = 11
	shtRel      = 9

	shfAlloc = 0x2
	shfExec  = 0x4

	relRelative = 8
	rel64_32    = 10
)

// Builder describes an image to build.
type Builder struct {
	// Text is the encoded instruction stream.
	Text []byte

	// Rodata is placed right after the text section.
	Rodata []byte

	// Entry is the entrypoint instruction index.
	Entry int

	// Syscalls maps call instruction indexes to syscall names. The call
	// immediates are set to -1 and resolved by relocations.
	Syscalls map[int]string

	// RodataRefs maps lddw instruction indexes to offsets into Rodata.
	RodataRefs map[int]uint64
}

// Program builds an image from raw instruction words with entry at 0.
func Program(words ...uint64) []byte {
	return (&Builder{Text: sbpf.Assemble(words...)}).Build()
}

type section struct {
	name    string
	typ     uint32
	flags   uint64
	offset  uint64
	data    []byte
	link    uint32
	entsize uint64
}

func align8(n uint64) uint64 { return (n + 7) &^ 7 }

// Build returns the encoded ELF file.
func (b *Builder) Build() []byte {
	text := append([]byte(nil), b.Text...)
	textOff := uint64(headerSize)
	rodataOff := align8(textOff + uint64(len(text)))

	// Dynamic symbols: null, entrypoint, then one per syscall name.
	names := make([]string, 0, len(b.Syscalls))
	seen := make(map[string]bool)
	for _, name := range b.Syscalls {
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	sort.Strings(names)

	dynstr := []byte{0}
	addName := func(name string) uint32 {
		off := uint32(len(dynstr))
		dynstr = append(dynstr, name...)
		dynstr = append(dynstr, 0)
		return off
	}

	dynsym := make([]byte, symSize)
	putSym := func(nameOff uint32, info uint8, shndx uint16, value uint64) {
		var s [symSize]byte
		binary.LittleEndian.PutUint32(s[0:], nameOff)
		s[4] = info
		binary.LittleEndian.PutUint16(s[6:], shndx)
		binary.LittleEndian.PutUint64(s[8:], value)
		dynsym = append(dynsym, s[:]...)
	}
	entryAddr := textOff + uint64(b.Entry)*sbpf.InstructionSize
	putSym(addName("entrypoint"), 0x12, 1, entryAddr) // GLOBAL FUNC

	symIndex := make(map[string]uint64)
	for i, name := range names {
		symIndex[name] = uint64(i + 2)
		putSym(addName(name), 0x10, 0, 0) // GLOBAL NOTYPE, undefined
	}

	var rels []byte
	putRel := func(offset uint64, sym uint64, typ uint32) {
		var r [relSize]byte
		binary.LittleEndian.PutUint64(r[0:], offset)
		binary.LittleEndian.PutUint64(r[8:], sym<<32|uint64(typ))
		rels = append(rels, r[:]...)
	}

	pcs := make([]int, 0, len(b.Syscalls))
	for pc := range b.Syscalls {
		pcs = append(pcs, pc)
	}
	sort.Ints(pcs)
	for _, pc := range pcs {
		at := pc * sbpf.InstructionSize
		binary.LittleEndian.PutUint32(text[at+4:], 0xFFFFFFFF)
		putRel(textOff+uint64(at), symIndex[b.Syscalls[pc]], rel64_32)
	}

	refs := make([]int, 0, len(b.RodataRefs))
	for pc := range b.RodataRefs {
		refs = append(refs, pc)
	}
	sort.Ints(refs)
	for _, pc := range refs {
		at := pc * sbpf.InstructionSize
		addr := rodataOff + b.RodataRefs[pc]
		binary.LittleEndian.PutUint32(text[at+4:], uint32(addr))
		binary.LittleEndian.PutUint32(text[at+sbpf.InstructionSize+4:], uint32(addr>>32))
		putRel(textOff+uint64(at), 0, relRelative)
	}

	sections := []section{
		{},
		{name: ".text", typ: shtProgbits, flags: shfAlloc | shfExec, data: text},
		{name: ".rodata", typ: shtProgbits, flags: shfAlloc, data: b.Rodata},
		{name: ".dynsym", typ: shtDynsym, flags: shfAlloc, data: dynsym, link: 4, entsize: symSize},
		{name: ".dynstr", typ: shtStrtab, flags: shfAlloc, data: dynstr},
		{name: ".rel.dyn", typ: shtRel, flags: shfAlloc, data: rels, link: 3, entsize: relSize},
		{name: ".shstrtab", typ: shtStrtab},
	}
	shstrtab := []byte{0}
	nameOffs := make([]uint32, len(sections))
	for i := 1; i < len(sections); i++ {
		nameOffs[i] = uint32(len(shstrtab))
		shstrtab = append(shstrtab, sections[i].name...)
		shstrtab = append(shstrtab, 0)
	}
	sections[6].data = shstrtab

	out := make([]byte, headerSize)
	for i := 1; i < len(sections); i++ {
		for uint64(len(out)) < align8(uint64(len(out))) {
			out = append(out, 0)
		}
		sections[i].offset = uint64(len(out))
		out = append(out, sections[i].data...)
	}
	for uint64(len(out)) < align8(uint64(len(out))) {
		out = append(out, 0)
	}
	shoff := uint64(len(out))

	for i, s := range sections {
		var h [sectionSize]byte
		binary.LittleEndian.PutUint32(h[0:], nameOffs[i])
		binary.LittleEndian.PutUint32(h[4:], s.typ)
		binary.LittleEndian.PutUint64(h[8:], s.flags)
		if s.flags&shfAlloc != 0 {
			binary.LittleEndian.PutUint64(h[16:], s.offset)
		}
		binary.LittleEndian.PutUint64(h[24:], s.offset)
		binary.LittleEndian.PutUint64(h[32:], uint64(len(s.data)))
		binary.LittleEndian.PutUint32(h[40:], s.link)
		binary.LittleEndian.PutUint64(h[48:], 8)
		binary.LittleEndian.PutUint64(h[56:], s.entsize)
		out = append(out, h[:]...)
	}

	copy(out[0:], []byte{0x7f, 'E', 'L', 'F', 2, 1, 1})
	binary.LittleEndian.PutUint16(out[16:], typeDyn)
	binary.LittleEndian.PutUint16(out[18:], machineBPF)
	binary.LittleEndian.PutUint32(out[20:], 1)
	binary.LittleEndian.PutUint64(out[24:], entryAddr)
	binary.LittleEndian.PutUint64(out[40:], shoff)
	binary.LittleEndian.PutUint16(out[52:], headerSize)
	binary.LittleEndian.PutUint16(out[58:], sectionSize)
	binary.LittleEndian.PutUint16(out[60:], uint16(len(sections)))
	binary.LittleEndian.PutUint16(out[62:], 6)
	return out
}
