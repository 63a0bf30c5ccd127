package simulator

import (
	"errors"
	"fmt"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/processor"
	"github.com/fortiblox/svmsim/pkg/svm/loader"
	"github.com/fortiblox/svmsim/pkg/svm/runtime"
)

// ErrBootstrap wraps every failure to prepare the runtime environment.
var ErrBootstrap = errors.New("runtime environment bootstrap failed")

// createExecutableEnvironment installs the sBPF environments and fork
// graph in the processor's program cache, loads the programs among keys
// and seeds the clock sysvar in b.
func (s *Simulator) createExecutableEnvironment(fg runtime.ForkGraph, keys []types.Pubkey, b *bank, proc *processor.TransactionBatchProcessor) error {
	err := proc.ProgramCache().Update(func(w *runtime.CacheWriter) error {
		v1, err := runtime.CreateProgramRuntimeEnvironmentV1(s.features, s.budget, s.executableCache())
		if err != nil {
			return err
		}
		s.keepExecutables(v1)
		w.SetEnvironments(runtime.Environments{
			V1: v1,
			V2: runtime.NewInertEnvironment(),
		})
		w.SetForkGraph(fg)
		return b.PopulateProgramCache(w, keys)
	})
	if err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	if err := b.seedClock(s.now()); err != nil {
		return fmt.Errorf("%w: %w", ErrBootstrap, err)
	}
	return nil
}

func (s *Simulator) executableCache() *loader.Cache {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.executables
}

// keepExecutables adopts the executable cache of the first environment so
// later sessions reuse parsed programs.
func (s *Simulator) keepExecutables(env *runtime.RuntimeEnvironment) {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.executables == nil {
		s.executables = env.Executables
	}
}
