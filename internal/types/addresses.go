package types

import "fmt"

func mustAddr(s string) Pubkey {
	p, err := PubkeyFromBase58(s)
	if err != nil {
		panic(fmt.Sprintf("bad address constant %q: %v", s, err))
	}
	return p
}

// Builtin programs the simulator executes natively, and the loaders that
// own deployed programs.
var (
	SystemProgramAddr        = mustAddr("11111111111111111111111111111111")
	ComputeBudgetProgramAddr = mustAddr("ComputeBudget111111111111111111111111111111")
	NativeLoaderAddr         = mustAddr("NativeLoader1111111111111111111111111111111")
	BPFLoaderAddr            = mustAddr("BPFLoader1111111111111111111111111111111111")
	BPFLoader2Addr           = mustAddr("BPFLoader2111111111111111111111111111111111")
	BPFLoaderUpgradeableAddr = mustAddr("BPFLoaderUpgradeab1e11111111111111111111111")
	LoaderV4Addr             = mustAddr("LoaderV411111111111111111111111111111111111")

	// TokenProgramAddr is SPL Token. It is an ordinary deployed program and
	// has to be present in the account snapshot to run.
	TokenProgramAddr = mustAddr("TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA")
)

// Sysvars served by the runtime.
var (
	SysvarClockAddr         = mustAddr("SysvarC1ock11111111111111111111111111111111")
	SysvarRentAddr          = mustAddr("SysvarRent111111111111111111111111111111111")
	SysvarEpochScheduleAddr = mustAddr("SysvarEpochSchedu1e111111111111111111111111")
)

// reservedKeys may never be write-locked. Besides the addresses above the
// set covers the native programs and sysvars the simulator does not run.
var reservedKeys = func() map[Pubkey]struct{} {
	set := make(map[Pubkey]struct{})
	for _, p := range []Pubkey{
		SystemProgramAddr, ComputeBudgetProgramAddr, NativeLoaderAddr,
		BPFLoaderAddr, BPFLoader2Addr, BPFLoaderUpgradeableAddr, LoaderV4Addr,
		SysvarClockAddr, SysvarRentAddr, SysvarEpochScheduleAddr,
	} {
		set[p] = struct{}{}
	}
	for _, s := range []string{
		"Vote111111111111111111111111111111111111111",
		"Stake11111111111111111111111111111111111111",
		"Config1111111111111111111111111111111111111",
		"AddressLookupTab1e1111111111111111111111111",
		"Ed25519SigVerify111111111111111111111111111",
		"KeccakSecp256k11111111111111111111111111111",
		"Secp256r1SigVerify1111111111111111111111111",
		"Feature111111111111111111111111111111111111",
		"ZkTokenProof1111111111111111111111111111111",
		"ZkE1Gama1Proof11111111111111111111111111111",
		"SysvarFees111111111111111111111111111111111",
		"SysvarRecentB1ockHashes11111111111111111111",
		"SysvarS1otHashes111111111111111111111111111",
		"SysvarS1otHistory11111111111111111111111111",
		"SysvarStakeHistory1111111111111111111111111",
		"Sysvar1nstructions1111111111111111111111111",
		"SysvarEpochRewards1111111111111111111111111",
		"SysvarLastRestartS1ot1111111111111111111111",
	} {
		set[mustAddr(s)] = struct{}{}
	}
	return set
}()

// IsReservedAccountKey reports whether sanitization demotes key to
// readonly.
func IsReservedAccountKey(key Pubkey) bool {
	_, ok := reservedKeys[key]
	return ok
}
