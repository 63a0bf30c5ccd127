package bpfloader

import (
	"errors"
	"strings"
	"testing"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
	"github.com/fortiblox/svmsim/pkg/txn"
)

var (
	keyBuffer    = types.Pubkey{1}
	keyAuthority = types.Pubkey{2}
	keyRecipient = types.Pubkey{3}
	keyOther     = types.Pubkey{4}
)

type env struct {
	tx   *runtime.TransactionContext
	ic   *runtime.InvokeContext
	logs *runtime.LogCollector
}

func newEnv(t *testing.T, buffer *accounts.Account) *env {
	t.Helper()
	keys := []types.Pubkey{keyBuffer, keyAuthority, keyRecipient, keyOther, types.BPFLoaderUpgradeableAddr, types.BPFLoader2Addr}
	accts := []*accounts.Account{
		buffer,
		{Owner: types.SystemProgramAddr},
		{Owner: types.SystemProgramAddr},
		{Owner: types.SystemProgramAddr},
		{Lamports: 1, Owner: types.NativeLoaderAddr, Executable: true},
		{Lamports: 1, Owner: types.NativeLoaderAddr, Executable: true},
	}
	cache := runtime.NewProgramCache(5, 2)
	if err := cache.Update(func(w *runtime.CacheWriter) error {
		w.Assign(types.BPFLoaderUpgradeableAddr, runtime.NewBuiltinEntry(0, len(UpgradeableName), UpgradeableEntrypoint))
		w.Assign(types.BPFLoader2Addr, runtime.NewBuiltinEntry(0, len(LegacyName), LegacyEntrypoint))
		return nil
	}); err != nil {
		t.Fatal(err)
	}
	e := &env{tx: runtime.NewTransactionContext(keys, accts), logs: runtime.NewLogCollector(10_000)}
	e.ic = runtime.NewInvokeContext(e.tx, runtime.InvokeConfig{
		Programs: cache,
		Budget:   svm.DefaultComputeBudget(),
		Meter:    svm.NewComputeMeter(100_000),
		Logs:     e.logs,
	})
	return e
}

func (e *env) run(t *testing.T, ix txn.Instruction) error {
	t.Helper()
	program, _ := e.tx.IndexOf(ix.ProgramID)
	accts := make([]runtime.InstructionAccount, len(ix.Accounts))
	for i, meta := range ix.Accounts {
		idx, ok := e.tx.IndexOf(meta.Pubkey)
		if !ok {
			t.Fatalf("account %s not loaded", meta.Pubkey)
		}
		accts[i] = runtime.InstructionAccount{IndexInTransaction: idx, IndexInCaller: idx, IsSigner: meta.IsSigner, IsWritable: meta.IsWritable}
	}
	return e.ic.ProcessInstruction(program, accts, ix.Data)
}

func loaderAccount(lamports uint64, s State, size int) *accounts.Account {
	data := make([]byte, size)
	enc, err := s.Encode()
	if err != nil {
		panic(err)
	}
	copy(data, enc)
	return &accounts.Account{Lamports: lamports, Owner: types.BPFLoaderUpgradeableAddr, Data: data}
}

// TestStateLayout tests the metadata sizes and programdata address lookup.
func TestStateLayout(t *testing.T) {
	authority := keyAuthority
	tests := []struct {
		state State
		size  int
	}{
		{State{Type: StateUninitialized}, UninitializedSize},
		{State{Type: StateBuffer, Authority: &authority}, BufferMetadataSize},
		{State{Type: StateBuffer}, BufferMetadataSize},
		{State{Type: StateProgram, ProgramDataAddress: keyOther}, ProgramSize},
		{State{Type: StateProgramData, Slot: 9, Authority: &authority}, ProgramDataMetadataSize},
	}
	for _, tt := range tests {
		enc, err := tt.state.Encode()
		if err != nil {
			t.Fatalf("encode %d: %v", tt.state.Type, err)
		}
		if len(enc) != tt.size {
			t.Errorf("state %d encodes to %d bytes, want %d", tt.state.Type, len(enc), tt.size)
		}
		got, err := DecodeState(enc)
		if err != nil {
			t.Fatalf("decode %d: %v", tt.state.Type, err)
		}
		if got.Type != tt.state.Type || got.Slot != tt.state.Slot || (got.Authority == nil) != (tt.state.Authority == nil) {
			t.Errorf("decoded %+v, want %+v", got, tt.state)
		}
	}
	if ProgramDataMetadataSize != 45 {
		t.Errorf("ProgramDataMetadataSize = %d", ProgramDataMetadataSize)
	}

	program, _ := State{Type: StateProgram, ProgramDataAddress: keyOther}.Encode()
	addr, err := ProgramDataAddress(program)
	if err != nil || addr != keyOther {
		t.Errorf("ProgramDataAddress = %s, %v", addr, err)
	}
	if _, err := ProgramDataAddress(program[:20]); !errors.Is(err, ErrNotProgramAccount) {
		t.Errorf("truncated err = %v", err)
	}
	buffer, _ := State{Type: StateBuffer}.Encode()
	if _, err := ProgramDataAddress(buffer); !errors.Is(err, ErrNotProgramAccount) {
		t.Errorf("buffer err = %v", err)
	}
}

// TestBufferLifecycle tests initializing, writing, handing over and
// closing a buffer.
func TestBufferLifecycle(t *testing.T) {
	e := newEnv(t, loaderAccount(500, State{Type: StateUninitialized}, 200))

	if err := e.run(t, InitializeBuffer(keyBuffer, keyAuthority)); err != nil {
		t.Fatalf("initialize failed: %v", err)
	}
	if err := e.run(t, InitializeBuffer(keyBuffer, keyAuthority)); !errors.Is(err, svm.ErrAccountAlreadyInitialized) {
		t.Fatalf("second initialize err = %v", err)
	}

	payload := []byte("elf bytes")
	if err := e.run(t, Write(keyBuffer, keyAuthority, 3, payload)); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	data := e.tx.Account(0).Data
	if got := string(data[BufferMetadataSize+3 : BufferMetadataSize+3+len(payload)]); got != string(payload) {
		t.Errorf("buffer contents = %q", got)
	}
	if err := e.run(t, Write(keyBuffer, keyAuthority, 190, payload)); !errors.Is(err, svm.ErrAccountDataTooSmall) {
		t.Errorf("overflowing write err = %v", err)
	}
	if err := e.run(t, Write(keyBuffer, keyOther, 0, payload)); !errors.Is(err, svm.ErrIncorrectAuthority) {
		t.Errorf("wrong authority err = %v", err)
	}

	if err := e.run(t, SetBufferAuthority(keyBuffer, keyAuthority, keyOther)); err != nil {
		t.Fatalf("set authority failed: %v", err)
	}
	s, err := DecodeState(e.tx.Account(0).Data)
	if err != nil || s.Authority == nil || *s.Authority != keyOther {
		t.Fatalf("state after set authority = %+v, %v", s, err)
	}

	if err := e.run(t, CloseBuffer(keyBuffer, keyRecipient, keyOther)); err != nil {
		t.Fatalf("close failed: %v", err)
	}
	closed := e.tx.Account(0)
	if closed.Lamports != 0 || len(closed.Data) != UninitializedSize {
		t.Errorf("closed buffer = %d lamports, %d bytes", closed.Lamports, len(closed.Data))
	}
	if got := e.tx.Account(2).Lamports; got != 500 {
		t.Errorf("recipient lamports = %d", got)
	}
	if !strings.Contains(strings.Join(e.logs.Messages(), "\n"), "Closed "+keyBuffer.String()) {
		t.Errorf("logs = %q", e.logs.Messages())
	}
}

// TestUpgradeAuthority tests making a programdata account immutable.
func TestUpgradeAuthority(t *testing.T) {
	authority := keyAuthority
	e := newEnv(t, loaderAccount(1, State{Type: StateProgramData, Authority: &authority}, ProgramDataMetadataSize+8))

	if err := e.run(t, SetUpgradeAuthority(keyBuffer, keyAuthority, nil)); err != nil {
		t.Fatalf("set authority failed: %v", err)
	}
	s, err := DecodeState(e.tx.Account(0).Data)
	if err != nil || s.Authority != nil {
		t.Fatalf("state = %+v, %v", s, err)
	}
	next := keyOther
	if err := e.run(t, SetUpgradeAuthority(keyBuffer, keyAuthority, &next)); !errors.Is(err, svm.ErrImmutable) {
		t.Fatalf("immutable err = %v", err)
	}
}

// TestUnsupportedInstructions tests the instructions simulation refuses.
func TestUnsupportedInstructions(t *testing.T) {
	e := newEnv(t, loaderAccount(1, State{Type: StateUninitialized}, 4))

	deploy, _ := Instruction{Kind: InstructionDeployWithMaxDataLen}.Encode()
	err := e.run(t, txn.Instruction{ProgramID: types.BPFLoaderUpgradeableAddr, Data: deploy})
	if !errors.Is(err, svm.ErrUnsupportedProgramID) {
		t.Errorf("deploy err = %v", err)
	}

	err = e.run(t, txn.Instruction{ProgramID: types.BPFLoader2Addr, Data: []byte{0}})
	if !errors.Is(err, svm.ErrUnsupportedProgramID) {
		t.Errorf("legacy err = %v", err)
	}

	err = e.run(t, txn.Instruction{ProgramID: types.BPFLoaderUpgradeableAddr, Data: []byte{1, 0}})
	if !errors.Is(err, svm.ErrInvalidInstructionData) {
		t.Errorf("short data err = %v", err)
	}
}
