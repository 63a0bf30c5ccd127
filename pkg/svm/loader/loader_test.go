package loader

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/fortiblox/svmsim/pkg/svm/loader/elftest"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

type nopMeter struct{ remaining uint64 }

func (m *nopMeter) Remaining() uint64            { return m.remaining }
func (m *nopMeter) SetRemaining(remaining uint64) { m.remaining = remaining }

func knownSyscalls(names ...string) sbpf.SyscallLookup {
	set := make(map[uint32]sbpf.Syscall)
	for _, name := range names {
		name := name
		set[sbpf.SyscallHash(name)] = sbpf.SyscallFunc(func(vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
			return uint64(len(name)), nil
		})
	}
	return func(hash uint32) (sbpf.Syscall, bool) {
		sc, ok := set[hash]
		return sc, ok
	}
}

func runProgram(t *testing.T, prog *sbpf.Program, syscalls sbpf.SyscallLookup) uint64 {
	t.Helper()
	ip, err := sbpf.NewInterpreter(prog, nil, sbpf.Config{Meter: &nopMeter{remaining: 10_000}, Syscalls: syscalls})
	if err != nil {
		t.Fatal(err)
	}
	r0, err := ip.Run()
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}
	return r0
}

// TestSymbolHash tests the murmur3 call keys.
func TestSymbolHash(t *testing.T) {
	// Known syscall keys.
	if got := sbpf.SyscallHash("abort"); got != 0xb6fc1a11 {
		t.Errorf("abort = %#x, want 0xb6fc1a11", got)
	}
	if got := sbpf.SyscallHash("sol_log_"); got != 0x207559bd {
		t.Errorf("sol_log_ = %#x, want 0x207559bd", got)
	}
	if sbpf.FunctionHash(1) == sbpf.FunctionHash(2) {
		t.Error("distinct pcs produced the same key")
	}
}

// TestLoadMinimal tests loading and running the smallest valid program.
func TestLoadMinimal(t *testing.T) {
	elf := elftest.Program(
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 42),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	prog, err := NewLoader(nil).Load(elf)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if prog.Entry != 0 {
		t.Errorf("Entry = %d, want 0", prog.Entry)
	}
	if prog.TextVaddr != sbpf.VaddrProgram+64 {
		t.Errorf("TextVaddr = %#x", prog.TextVaddr)
	}
	if pc, ok := prog.Functions[sbpf.EntrypointHash]; !ok || pc != 0 {
		t.Errorf("entrypoint not registered: %v", prog.Functions)
	}
	if r0 := runProgram(t, prog, nil); r0 != 42 {
		t.Errorf("r0 = %d, want 42", r0)
	}
}

// TestLoadEntrypointOffset tests a non-zero entrypoint.
func TestLoadEntrypointOffset(t *testing.T) {
	elf := (&elftest.Builder{
		Text: sbpf.Assemble(
			sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 1),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
			sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 2),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		),
		Entry: 2,
	}).Build()
	prog, err := NewLoader(nil).Load(elf)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if r0 := runProgram(t, prog, nil); r0 != 2 {
		t.Errorf("r0 = %d, want 2", r0)
	}
}

// TestLoadSyscallRelocation tests R_BPF_64_32 syscall resolution.
func TestLoadSyscallRelocation(t *testing.T) {
	elf := (&elftest.Builder{
		Text: sbpf.Assemble(
			sbpf.Encode(sbpf.OpCall, 0, 0, 0, 0),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		),
		Syscalls: map[int]string{0: "sol_log_"},
	}).Build()

	syscalls := knownSyscalls("sol_log_")
	prog, err := NewLoader(syscalls).Load(elf)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if got := sbpf.DecodeAt(prog.Text, 0).Uimm(); got != sbpf.SyscallHash("sol_log_") {
		t.Errorf("call imm = %#x", got)
	}
	if r0 := runProgram(t, prog, syscalls); r0 != uint64(len("sol_log_")) {
		t.Errorf("r0 = %d", r0)
	}

	_, err = NewLoader(knownSyscalls("abort")).Load(elf)
	var unresolved *UnresolvedSymbolError
	if !errors.As(err, &unresolved) || unresolved.Name != "sol_log_" {
		t.Errorf("Load() = %v, want unresolved sol_log_", err)
	}
}

// TestLoadRelativeCall tests the pc-relative call fixup.
func TestLoadRelativeCall(t *testing.T) {
	elf := elftest.Program(
		sbpf.Encode(sbpf.OpCall, 0, 1, 0, 1),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 7),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	prog, err := NewLoader(nil).Load(elf)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	key := sbpf.DecodeAt(prog.Text, 0).Uimm()
	if key != sbpf.FunctionHash(2) || prog.Functions[key] != 2 {
		t.Errorf("call not rewritten: key %#x functions %v", key, prog.Functions)
	}
	if r0 := runProgram(t, prog, nil); r0 != 7 {
		t.Errorf("r0 = %d, want 7", r0)
	}

	bad := elftest.Program(
		sbpf.Encode(sbpf.OpCall, 0, 1, 0, 10),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	if _, err := NewLoader(nil).Load(bad); !errors.Is(err, ErrRelativeJumpOutOfBounds) {
		t.Errorf("Load() = %v, want ErrRelativeJumpOutOfBounds", err)
	}
}

// TestLoadRodataRelocation tests R_BPF_64_RELATIVE on lddw.
func TestLoadRodataRelocation(t *testing.T) {
	rodata := make([]byte, 16)
	binary.LittleEndian.PutUint64(rodata[8:], 0xdeadbeef)
	elf := (&elftest.Builder{
		Text: sbpf.Assemble(
			sbpf.Encode(sbpf.OpLddw, 1, 0, 0, 0),
			sbpf.Encode(0, 0, 0, 0, 0),
			sbpf.Encode(sbpf.OpLdxdw, 0, 1, 0, 0),
			sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
		),
		Rodata:     rodata,
		RodataRefs: map[int]uint64{0: 8},
	}).Build()
	prog, err := NewLoader(nil).Load(elf)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if r0 := runProgram(t, prog, nil); r0 != 0xdeadbeef {
		t.Errorf("r0 = %#x, want 0xdeadbeef", r0)
	}
}

// TestLoadInvalidHeaders tests header validation.
func TestLoadInvalidHeaders(t *testing.T) {
	good := elftest.Program(
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	tests := []struct {
		name   string
		mutate func([]byte) []byte
		want   error
	}{
		{"truncated", func(b []byte) []byte { return b[:32] }, ErrInvalidELF},
		{"bad magic", func(b []byte) []byte { b[0] = 0; return b }, ErrInvalidELF},
		{"32-bit", func(b []byte) []byte { b[4] = 1; return b }, ErrUnsupportedClass},
		{"big endian", func(b []byte) []byte { b[5] = 2; return b }, ErrUnsupportedEndian},
		{"x86", func(b []byte) []byte { binary.LittleEndian.PutUint16(b[18:], 62); return b }, ErrUnsupportedMachine},
		{"entry outside text", func(b []byte) []byte { binary.LittleEndian.PutUint64(b[24:], 4096); return b }, ErrInvalidEntrypoint},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.mutate(append([]byte(nil), good...))
			if _, err := NewLoader(nil).Load(data); !errors.Is(err, tt.want) {
				t.Errorf("Load() = %v, want %v", err, tt.want)
			}
		})
	}
}

// TestLoadRejectsUnverifiable tests that the verifier runs on load.
func TestLoadRejectsUnverifiable(t *testing.T) {
	elf := elftest.Program(
		sbpf.Encode(sbpf.OpMov64Imm, 10, 0, 0, 0),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	if _, err := NewLoader(nil).Load(elf); !errors.Is(err, sbpf.ErrVerifier) {
		t.Errorf("Load() = %v, want verifier error", err)
	}
}

// TestCache tests executable memoisation.
func TestCache(t *testing.T) {
	c, err := NewCache(NewLoader(nil), 2)
	if err != nil {
		t.Fatal(err)
	}
	elf := elftest.Program(
		sbpf.Encode(sbpf.OpMov64Imm, 0, 0, 0, 1),
		sbpf.Encode(sbpf.OpExit, 0, 0, 0, 0),
	)
	a, err := c.Load(elf)
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Load(append([]byte(nil), elf...))
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical ELF bytes did not share an executable")
	}
	if hits, misses := c.Stats(); hits != 1 || misses != 1 {
		t.Errorf("stats = %d/%d, want 1/1", hits, misses)
	}

	if _, err := c.Load([]byte("not an elf")); err == nil {
		t.Error("expected load error")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}
