package simulator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/accounts"
	"github.com/fortiblox/svmsim/pkg/processor"
	"github.com/fortiblox/svmsim/pkg/svm/programs/bpfloader"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
	"github.com/fortiblox/svmsim/pkg/svm/sysvar"
)

// Program loading errors.
var (
	ErrProgramAccountTruncated = errors.New("program account too short for a programdata address")
	ErrProgramDataMissing      = errors.New("programdata account not found")
	ErrProgramDataTruncated    = errors.New("programdata account shorter than its metadata")
)

// bank is the per-simulation account host the processor reads from.
type bank struct {
	*accounts.SnapshotStore
	logger *slog.Logger
}

func newBank(accts []accounts.KeyedAccount, logger *slog.Logger) *bank {
	return &bank{SnapshotStore: accounts.NewSnapshotStore(accts), logger: logger}
}

// PopulateProgramCache loads every upgradeable program among keys from its
// programdata account. Keys that are missing, not executable or owned by
// another loader are skipped.
func (b *bank) PopulateProgramCache(w *runtime.CacheWriter, keys []types.Pubkey) error {
	env := w.Environments().V1
	for _, key := range keys {
		program, ok := b.GetAccount(key)
		if !ok || !program.Executable || program.Owner != types.BPFLoaderUpgradeableAddr {
			continue
		}
		if len(program.Data) < bpfloader.ProgramSize {
			return fmt.Errorf("%w: %s has %d bytes", ErrProgramAccountTruncated, key, len(program.Data))
		}
		var pdAddr types.Pubkey
		copy(pdAddr[:], program.Data[4:bpfloader.ProgramSize])

		programData, ok := b.GetAccount(pdAddr)
		if !ok {
			return fmt.Errorf("%w: %s for program %s", ErrProgramDataMissing, pdAddr, key)
		}
		if len(programData.Data) < bpfloader.ProgramDataMetadataSize {
			return fmt.Errorf("%w: %s has %d bytes", ErrProgramDataTruncated, pdAddr, len(programData.Data))
		}

		elf := programData.Data[bpfloader.ProgramDataMetadataSize:]
		metrics := runtime.LoadMetrics{ProgramID: key.String()}
		entry, err := runtime.NewLoadedEntry(types.BPFLoaderUpgradeableAddr, env, 0, 0, elf, len(elf), &metrics)
		if err != nil {
			return fmt.Errorf("load program %s: %w", key, err)
		}
		w.Assign(key, entry)
		b.logger.Debug("program loaded",
			"program", key.String(),
			"bytes", len(elf),
			"elapsed", metrics.LoadELF)
	}
	return nil
}

// seedClock stores a clock for slot 0 whose epoch started ten seconds
// before now.
func (b *bank) seedClock(now time.Time) error {
	clock := sysvar.Clock{
		Slot:                0,
		EpochStartTimestamp: now.Unix() - 10,
		Epoch:               0,
		LeaderScheduleEpoch: 0,
		UnixTimestamp:       now.Unix(),
	}
	data, err := clock.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode clock: %w", err)
	}
	b.SetAccount(types.SysvarClockAddr, &accounts.Account{
		Lamports: 0,
		Data:     data,
		Owner:    types.SystemProgramAddr,
	})
	return nil
}

// CheckAge reports every transaction of the batch as fresh.
func (b *bank) CheckAge(batch *processor.TransactionBatch) []processor.TransactionCheckResult {
	return processor.CheckAgeUnchecked(batch)
}

var _ processor.Callback = (*bank)(nil)
