package runtime

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fortiblox/svmsim/internal/types"
	"github.com/fortiblox/svmsim/pkg/svm"
	"github.com/fortiblox/svmsim/pkg/svm/executor"
	"github.com/fortiblox/svmsim/pkg/svm/loader"
	"github.com/fortiblox/svmsim/pkg/svm/sbpf"
	"github.com/fortiblox/svmsim/pkg/svm/syscall"
)

// ErrNoEnvironment is returned when loading a program before the cache
// environments are set.
var ErrNoEnvironment = errors.New("program runtime environment not configured")

// BlockRelation is how two slots relate on the fork graph.
type BlockRelation int

const (
	Unknown BlockRelation = iota
	Ancestor
	Equal
	Descendant
	Unrelated
)

func (r BlockRelation) String() string {
	switch r {
	case Ancestor:
		return "ancestor"
	case Equal:
		return "equal"
	case Descendant:
		return "descendant"
	case Unrelated:
		return "unrelated"
	default:
		return "unknown"
	}
}

// ForkGraph answers slot ancestry queries for the program cache.
type ForkGraph interface {
	Relationship(a, b uint64) BlockRelation
}

// FeatureSet holds the runtime features that are active.
type FeatureSet struct {
	all    bool
	active map[string]bool
}

// Feature names consulted by the runtime.
const (
	FeatureBlake3Syscall       = "blake3_syscall_enabled"
	FeatureStackHeightSyscall  = "get_stack_height_syscall_enabled"
	FeatureReturnDataSyscall   = "return_data_syscall_enabled"
	FeatureLogDataSyscall      = "log_data_syscall_enabled"
	FeatureRustCPI             = "rust_invoke_signed_enabled"
	FeatureEpochScheduleSysvar = "epoch_schedule_syscall_enabled"
)

// AllEnabled returns a feature set with every feature active.
func AllEnabled() FeatureSet {
	return FeatureSet{all: true}
}

// NewFeatureSet returns a feature set with only the named features active.
func NewFeatureSet(names ...string) FeatureSet {
	fs := FeatureSet{active: make(map[string]bool, len(names))}
	for _, name := range names {
		fs.active[name] = true
	}
	return fs
}

// IsActive reports whether a feature is active.
func (f FeatureSet) IsActive(name string) bool {
	return f.all || f.active[name]
}

// featureSyscalls maps syscalls to the feature that gates them.
var featureSyscalls = map[string]string{
	"sol_blake3":                    FeatureBlake3Syscall,
	"sol_get_stack_height":          FeatureStackHeightSyscall,
	"sol_set_return_data":           FeatureReturnDataSyscall,
	"sol_get_return_data":           FeatureReturnDataSyscall,
	"sol_log_data":                  FeatureLogDataSyscall,
	"sol_invoke_signed_rust":        FeatureRustCPI,
	"sol_get_epoch_schedule_sysvar": FeatureEpochScheduleSysvar,
}

// RuntimeEnvironment is one generation of the sBPF execution environment:
// the syscall registry programs link against and the loader and executor
// built on it.
type RuntimeEnvironment struct {
	Syscalls    *syscall.Registry
	Executables *loader.Cache
	Executor    *executor.Executor
	Budget      svm.ComputeBudget
}

// CreateProgramRuntimeEnvironmentV1 builds the loader-v2/v3 environment.
// Executables memoises parsed programs across environments and may be nil.
func CreateProgramRuntimeEnvironmentV1(features FeatureSet, budget svm.ComputeBudget, executables *loader.Cache) (*RuntimeEnvironment, error) {
	registry := syscall.NewRegistry()
	for name, feature := range featureSyscalls {
		if !features.IsActive(feature) {
			registry.Unregister(name)
		}
	}
	if executables == nil {
		var err error
		executables, err = loader.NewCache(loader.NewLoader(registry.Lookup()), loader.DefaultCacheSize)
		if err != nil {
			return nil, err
		}
	}
	return &RuntimeEnvironment{
		Syscalls:    registry,
		Executables: executables,
		Executor:    executor.NewExecutor(registry, sbpf.MaxCallDepth),
		Budget:      budget,
	}, nil
}

// NewInertEnvironment returns an environment with no syscalls. It fills
// the second environment slot and never runs anything.
func NewInertEnvironment() *RuntimeEnvironment {
	registry := syscall.NewEmptyRegistry()
	return &RuntimeEnvironment{
		Syscalls: registry,
		Executor: executor.NewExecutor(registry, sbpf.MaxCallDepth),
		Budget:   svm.DefaultComputeBudget(),
	}
}

// Environments holds the current environment generations.
type Environments struct {
	V1 *RuntimeEnvironment
	V2 *RuntimeEnvironment
}

// EntryKind classifies a cache entry.
type EntryKind int

const (
	KindLoaded EntryKind = iota
	KindBuiltin
	KindFailedVerification
	KindClosed
)

func (k EntryKind) String() string {
	switch k {
	case KindLoaded:
		return "loaded"
	case KindBuiltin:
		return "builtin"
	case KindFailedVerification:
		return "failed-verification"
	case KindClosed:
		return "closed"
	default:
		return fmt.Sprintf("EntryKind(%d)", int(k))
	}
}

// LoadMetrics records how long an entry took to build.
type LoadMetrics struct {
	ProgramID string
	LoadELF   time.Duration
}

// ProgramCacheEntry is a program ready to execute.
type ProgramCacheEntry struct {
	Kind           EntryKind
	Loader         types.Pubkey
	Executable     *sbpf.Program
	Builtin        BuiltinFunc
	Environment    *RuntimeEnvironment
	AccountSize    int
	DeploymentSlot uint64
	EffectiveSlot  uint64
	Metrics        LoadMetrics
}

// NewLoadedEntry parses elf in env. metrics, when non-nil, receives the
// load timings as well.
func NewLoadedEntry(loaderID types.Pubkey, env *RuntimeEnvironment, deploymentSlot, effectiveSlot uint64, elf []byte, accountSize int, metrics *LoadMetrics) (*ProgramCacheEntry, error) {
	if env == nil || env.Executables == nil {
		return nil, ErrNoEnvironment
	}
	start := time.Now()
	prog, err := env.Executables.Load(elf)
	if err != nil {
		return nil, err
	}
	entry := &ProgramCacheEntry{
		Kind:           KindLoaded,
		Loader:         loaderID,
		Executable:     prog,
		Environment:    env,
		AccountSize:    accountSize,
		DeploymentSlot: deploymentSlot,
		EffectiveSlot:  effectiveSlot,
	}
	entry.Metrics.LoadELF = time.Since(start)
	if metrics != nil {
		metrics.LoadELF += entry.Metrics.LoadELF
		entry.Metrics.ProgramID = metrics.ProgramID
	}
	return entry, nil
}

// NewBuiltinEntry wraps a native entrypoint.
func NewBuiltinEntry(deploymentSlot uint64, accountSize int, fn BuiltinFunc) *ProgramCacheEntry {
	return &ProgramCacheEntry{
		Kind:           KindBuiltin,
		Loader:         types.NativeLoaderAddr,
		Builtin:        fn,
		AccountSize:    accountSize,
		DeploymentSlot: deploymentSlot,
		EffectiveSlot:  deploymentSlot,
	}
}

// ProgramCache maps program addresses to entries for one slot.
//
// The fork graph is a non-owning reference: the cache queries it but the
// session that set it controls its lifetime.
type ProgramCache struct {
	mu        sync.RWMutex
	slot      uint64
	epoch     uint64
	entries   map[types.Pubkey]*ProgramCacheEntry
	envs      Environments
	forkGraph ForkGraph
}

// NewProgramCache creates an empty cache for the given slot and epoch.
func NewProgramCache(slot, epoch uint64) *ProgramCache {
	return &ProgramCache{
		slot:    slot,
		epoch:   epoch,
		entries: make(map[types.Pubkey]*ProgramCacheEntry),
	}
}

// Slot returns the slot the cache serves.
func (c *ProgramCache) Slot() uint64 { return c.slot }

// Epoch returns the epoch the cache serves.
func (c *ProgramCache) Epoch() uint64 { return c.epoch }

// Update runs fn with exclusive access to the cache.
func (c *ProgramCache) Update(fn func(w *CacheWriter) error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(&CacheWriter{c: c})
}

// Find returns the entry visible at the cache's slot.
func (c *ProgramCache) Find(key types.Pubkey) (*ProgramCacheEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[key]
	if !ok || !c.visible(entry) {
		return nil, false
	}
	return entry, true
}

// Environments returns the current environments.
func (c *ProgramCache) Environments() Environments {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.envs
}

// Len returns the number of entries.
func (c *ProgramCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *ProgramCache) visible(entry *ProgramCacheEntry) bool {
	if entry.EffectiveSlot > c.slot {
		return false
	}
	if c.forkGraph == nil {
		return true
	}
	switch c.forkGraph.Relationship(entry.DeploymentSlot, c.slot) {
	case Ancestor, Equal:
		return true
	default:
		return false
	}
}

// CacheWriter mutates a ProgramCache inside Update.
type CacheWriter struct {
	c *ProgramCache
}

// SetEnvironments replaces the environments.
func (w *CacheWriter) SetEnvironments(envs Environments) { w.c.envs = envs }

// Environments returns the current environments.
func (w *CacheWriter) Environments() Environments { return w.c.envs }

// SetForkGraph records the fork graph without taking ownership of it.
func (w *CacheWriter) SetForkGraph(fg ForkGraph) { w.c.forkGraph = fg }

// Assign inserts an entry. It reports false, leaving the cache unchanged,
// when an entry for key already exists.
func (w *CacheWriter) Assign(key types.Pubkey, entry *ProgramCacheEntry) bool {
	if _, ok := w.c.entries[key]; ok {
		return false
	}
	w.c.entries[key] = entry
	return true
}

// Replace inserts or overwrites an entry.
func (w *CacheWriter) Replace(key types.Pubkey, entry *ProgramCacheEntry) {
	w.c.entries[key] = entry
}

// Get returns an entry regardless of visibility.
func (w *CacheWriter) Get(key types.Pubkey) (*ProgramCacheEntry, bool) {
	entry, ok := w.c.entries[key]
	return entry, ok
}
