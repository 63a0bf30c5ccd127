package syscall

import (
	"encoding/binary"
	"math"

	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
)

// In-memory sizes of the sysvar structs programs receive. These include
// the C layout padding, so they differ from the account encodings.
const (
	clockStructSize         = 40
	rentStructSize          = 24
	epochScheduleStructSize = 40
)

func (r *Registry) registerSysvars() {
	r.Register("sol_get_clock_sysvar", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSysvarBase + clockStructSize); err != nil {
			return 0, err
		}
		clock, err := ctx.Clock()
		if err != nil {
			return 0, err
		}
		out, err := vm.Translate(r1, clockStructSize, true)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint64(out[0:], clock.Slot)
		binary.LittleEndian.PutUint64(out[8:], uint64(clock.EpochStartTimestamp))
		binary.LittleEndian.PutUint64(out[16:], clock.Epoch)
		binary.LittleEndian.PutUint64(out[24:], clock.LeaderScheduleEpoch)
		binary.LittleEndian.PutUint64(out[32:], uint64(clock.UnixTimestamp))
		return 0, nil
	})

	r.Register("sol_get_rent_sysvar", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSysvarBase + rentStructSize); err != nil {
			return 0, err
		}
		rent, err := ctx.Rent()
		if err != nil {
			return 0, err
		}
		out, err := vm.Translate(r1, rentStructSize, true)
		if err != nil {
			return 0, err
		}
		clear(out)
		binary.LittleEndian.PutUint64(out[0:], rent.LamportsPerByteYear)
		binary.LittleEndian.PutUint64(out[8:], math.Float64bits(rent.ExemptionThreshold))
		out[16] = rent.BurnPercent
		return 0, nil
	})

	r.Register("sol_get_epoch_schedule_sysvar", func(ctx Context, vm sbpf.VM, r1, r2, r3, r4, r5 uint64) (uint64, error) {
		if err := ctx.ConsumeCU(svm.CUSysvarBase + epochScheduleStructSize); err != nil {
			return 0, err
		}
		es, err := ctx.EpochSchedule()
		if err != nil {
			return 0, err
		}
		out, err := vm.Translate(r1, epochScheduleStructSize, true)
		if err != nil {
			return 0, err
		}
		clear(out)
		binary.LittleEndian.PutUint64(out[0:], es.SlotsPerEpoch)
		binary.LittleEndian.PutUint64(out[8:], es.LeaderScheduleSlotOffset)
		if es.Warmup {
			out[16] = 1
		}
		binary.LittleEndian.PutUint64(out[24:], es.FirstNormalEpoch)
		binary.LittleEndian.PutUint64(out[32:], es.FirstNormalSlot)
		return 0, nil
	})
}
