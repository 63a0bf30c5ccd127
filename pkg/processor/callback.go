package processor

import (
	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
)

// Callback is the host the processor loads state from.
type Callback interface {
	// GetAccount returns a copy of the account at pubkey.
	GetAccount(pubkey types.Pubkey) (*accounts.Account, bool)

	// AccountMatchesOwners returns the index of the first owner in owners
	// that owns pubkey. Missing and zero-lamport accounts match nothing.
	AccountMatchesOwners(pubkey types.Pubkey, owners []types.Pubkey) (int, bool)

	// AddBuiltinAccount records a synthetic account for a builtin program.
	AddBuiltinAccount(name string, pubkey types.Pubkey)

	// PopulateProgramCache loads the executables among keys into the
	// cache being written.
	PopulateProgramCache(w *runtime.CacheWriter, keys []types.Pubkey) error
}
