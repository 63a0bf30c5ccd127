package journal

import (
	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/simulator"
	"github.com/fortiblox/svmsim/pkg/txn"
)

// NewRunRecord describes one simulation of tx against snapshot. The
// pre-state digest covers only the snapshot accounts tx references, so it
// is comparable with the post-state digest. ID and CreatedAt are set by Put.
func NewRunRecord(tx *txn.SanitizedTransaction, snapshot []accounts.KeyedAccount, res *simulator.SimulationResult) *Record {
	rec := &Record{
		Signature:       tx.Signature().String(),
		Logs:            res.Logs,
		UnitsConsumed:   res.UnitsConsumed,
		PreStateDigest:  accounts.StateDigest(referenced(snapshot, tx.AccountKeys())),
		PostStateDigest: accounts.StateDigest(res.PostSimulationAccounts),
	}
	if res.Err != nil {
		rec.Err = res.Err.Error()
	}
	return rec
}

func referenced(snapshot []accounts.KeyedAccount, keys []types.Pubkey) []accounts.KeyedAccount {
	want := make(map[types.Pubkey]bool, len(keys))
	for _, k := range keys {
		want[k] = true
	}
	var out []accounts.KeyedAccount
	for _, ka := range snapshot {
		if want[ka.Pubkey] {
			out = append(out, ka)
		}
	}
	return out
}
