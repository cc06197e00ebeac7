package memtrack

import (
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"golang.org/x/exp/slog"

	"github.com/cinderengine/cinder/memtrack/internal/utils"
)

type AllocationFlags uint32

const (
	// AllocationArray marks an allocation that will hold an array; the
	// matching Free must carry the same flag.
	AllocationArray AllocationFlags = 1 << iota
	// AllocationNoLeakTrack excludes the allocation from leak tracking.
	// Used for regions whose lifetime is managed outside the interceptor.
	AllocationNoLeakTrack
)

type AllocationEventKind uint8

const (
	AllocationEventAllocate AllocationEventKind = iota
	AllocationEventFree
)

// AllocationEvent is delivered to the configured AllocationCallback after
// every completed allocate or free.
type AllocationEvent struct {
	Kind     AllocationEventKind
	Address  unsafe.Pointer
	Size     int
	Index    uint64
	Location Location
}

type InterceptorConfig struct {
	// Backend supplies raw memory. Nil means a HeapBackend.
	Backend Backend
	// BlockAllocators, when non-empty, layers a BlockAllocatorSet over the
	// backend as a small-allocation fast path. Entries must have strictly
	// increasing block sizes.
	BlockAllocators []BlockAllocatorConfig
	// SingleThreaded removes all locking. Only safe when every allocation
	// and free happens on one goroutine.
	SingleThreaded bool
	// DisableValidation turns off guard regions and sentinel fills,
	// reducing the interceptor to a thin pass-through suitable for release
	// builds.
	DisableValidation bool
	// DisableLeakDetection turns off live-allocation tracking and leak
	// reporting.
	DisableLeakDetection bool
	// StressValidate re-validates every tracked allocation's guard regions
	// on every allocate and free. Extremely slow; for hunting corruption.
	StressValidate bool
	// RandomFill fills fresh and freed memory with random bytes instead of
	// the fixed sentinels.
	RandomFill bool
	RandomSeed int64
	// LeakReportPath is where the leak report is written at Shutdown.
	// Empty disables report writing.
	LeakReportPath string
	// SuppressLeakReport, when it returns true, skips report writing
	// entirely. The engine uses this to avoid a noise report while known
	// leaked resources are still outstanding.
	SuppressLeakReport func() bool
	AllocationCallback func(AllocationEvent)
	CorruptionCallback func(error)
	Logger             *slog.Logger
}

// Interceptor is the single entry point for engine allocation. It
// coordinates the validator, leak detector, and statistics around a
// pluggable backend, assigning a monotonically increasing index to every
// allocation. Setup is lazy and idempotent: the first allocation through a
// zero-configured interceptor brings the whole stack up.
//
// All methods are safe for concurrent use unless SingleThreaded was set.
type Interceptor struct {
	setupMutex sync.Mutex
	isSetup    bool

	// mutex guards the backend allocate/free sequence and statistics.
	// Leak-detector bookkeeping happens outside it, under the detector's
	// own lock.
	mutex utils.OptionalMutex

	config InterceptorConfig
	logger *slog.Logger

	nextAllocationIndex uint64
	staticInit          atomic.Bool
	shutdownComplete    bool

	backend   Backend
	blockSet  *BlockAllocatorSet
	validator *Validator
	leaks     *LeakDetector
	stats     Statistics
}

func NewInterceptor(config InterceptorConfig) *Interceptor {
	return &Interceptor{
		config: config,
		mutex:  utils.OptionalMutex{UseMutex: !config.SingleThreaded},
	}
}

// ensureInitialized brings the interceptor up on first use. Idempotent and
// guarded by its own lock, so it is safe to race first allocations from
// several goroutines.
func (i *Interceptor) ensureInitialized() {
	i.setupMutex.Lock()
	defer i.setupMutex.Unlock()

	if i.isSetup {
		return
	}

	i.logger = i.config.Logger
	if i.logger == nil {
		i.logger = slog.New(slog.NewTextHandler(os.Stderr))
	}

	i.backend = i.config.Backend
	if i.backend == nil {
		i.backend = NewHeapBackend()
	}

	if len(i.config.BlockAllocators) > 0 {
		blockSet := &BlockAllocatorSet{}
		err := blockSet.Create(i.logger, i.config.BlockAllocators, !i.config.SingleThreaded, i.backend.Allocate, i.backend.Free)
		if err != nil {
			i.logger.Error("Interceptor::ensureInitialized block allocator set unavailable, continuing with the backend alone",
				slog.Any("error", err))
		} else {
			i.blockSet = blockSet
		}
	}

	if !i.config.DisableValidation {
		i.validator = NewValidator(i.logger, ValidatorConfig{
			RandomFill:    i.config.RandomFill,
			RandomSeed:    i.config.RandomSeed,
			ErrorCallback: i.config.CorruptionCallback,
		})
	}

	if !i.config.DisableLeakDetection {
		i.leaks = NewLeakDetector(i.logger)
	}

	i.isSetup = true
}

// SetStaticInitialization marks the window during which the engine is still
// bringing subsystems up. Allocations made inside the window are flagged in
// the leak report.
func (i *Interceptor) SetStaticInitialization(active bool) {
	i.staticInit.Store(active)
}

// Allocate obtains size bytes through the configured backend stack. The
// returned pointer is aligned to memutils.BlockAlign. loc should identify
// the requesting call site; use Here() at the call site, not inside
// wrappers.
func (i *Interceptor) Allocate(size int, flags AllocationFlags, loc Location) (unsafe.Pointer, error) {
	if size <= 0 {
		return nil, errors.Newf("invalid allocation size %d", size)
	}

	i.ensureInitialized()

	index := atomic.AddUint64(&i.nextAllocationIndex, 1)

	if i.config.StressValidate {
		err := i.ValidateHeap()
		if err != nil {
			return nil, err
		}
	}

	i.mutex.Lock()

	adjusted := size
	if i.validator != nil {
		adjusted = i.validator.BeforeAllocation(size)
	}

	var block unsafe.Pointer
	if i.blockSet != nil {
		block = i.blockSet.Allocate(adjusted)
	}
	if block == nil {
		block = i.backend.Allocate(adjusted)
	}
	if block == nil {
		i.mutex.Unlock()
		return nil, errors.Newf("allocation of %d bytes failed (%d after guard adjustment)", size, adjusted)
	}

	user := block
	if i.validator != nil {
		user = i.validator.AfterAllocation(block, size, index, flags&AllocationArray != 0)
	}

	// Statistics are decremented at free time from the validator header or
	// the leak record. When neither will exist for this allocation, skip the
	// increment too, or the live counters would grow without bound.
	if i.validator != nil || (i.leaks != nil && flags&AllocationNoLeakTrack == 0) {
		i.stats.AddAllocation(size)
	}
	i.mutex.Unlock()

	i.logger.Debug("Interceptor::Allocate",
		slog.Int("size", size),
		slog.Uint64("index", index),
		slog.String("location", loc.String()))

	if i.config.AllocationCallback != nil {
		i.config.AllocationCallback(AllocationEvent{
			Kind:     AllocationEventAllocate,
			Address:  user,
			Size:     size,
			Index:    index,
			Location: loc,
		})
	}

	if i.leaks != nil && flags&AllocationNoLeakTrack == 0 {
		i.leaks.AddAllocation(AllocationInfo{
			Index:        index,
			Address:      user,
			Size:         size,
			File:         loc.File,
			Line:         loc.Line,
			InStaticInit: i.staticInit.Load(),
		})
	}

	return user, nil
}

// Free releases a pointer returned by Allocate. Freeing nil is a no-op.
// The flags must match the allocation's flags.
func (i *Interceptor) Free(ptr unsafe.Pointer, flags AllocationFlags) error {
	if ptr == nil {
		return nil
	}

	i.ensureInitialized()

	var tracked AllocationInfo
	wasTracked := false
	if i.leaks != nil && flags&AllocationNoLeakTrack == 0 {
		tracked, wasTracked = i.leaks.RemoveAllocation(ptr)
	}

	if i.config.StressValidate {
		err := i.ValidateHeap()
		if err != nil {
			return err
		}
	}

	i.mutex.Lock()

	block := ptr
	size := 0
	if wasTracked {
		size = tracked.Size
	}
	if i.validator != nil {
		var err error
		block, size, err = i.validator.BeforeFree(ptr, flags&AllocationArray != 0)
		if err != nil {
			i.mutex.Unlock()
			return err
		}
	}

	released := false
	if i.blockSet != nil {
		released = i.blockSet.Free(block)
	}
	if !released {
		i.backend.Free(block)
	}

	if size > 0 {
		i.stats.RemoveAllocation(size)
	}

	rewriteReport := i.shutdownComplete
	i.mutex.Unlock()

	i.logger.Debug("Interceptor::Free",
		slog.Int("size", size),
		slog.Uint64("index", tracked.Index))

	if i.config.AllocationCallback != nil {
		i.config.AllocationCallback(AllocationEvent{
			Kind:    AllocationEventFree,
			Address: ptr,
			Size:    size,
			Index:   tracked.Index,
		})
	}

	// A free arriving after Shutdown changes the leak population after the
	// report was written, so refresh the report to keep it truthful.
	if rewriteReport {
		_ = i.writeLeakReport()
	}

	return nil
}

// ValidateHeap re-checks the guard regions of every tracked allocation.
// It returns the first corruption found, after routing it through the
// corruption callback.
func (i *Interceptor) ValidateHeap() error {
	i.ensureInitialized()

	if i.validator == nil || i.leaks == nil {
		return nil
	}

	return i.leaks.EnumerateAllocations(func(info *AllocationInfo) error {
		return i.validator.ValidateAllocation(info.Address)
	})
}

// Shutdown is the engine-teardown hook. It writes the leak report exactly
// once, after all known subsystems have released their allocations. Frees
// that arrive later still refresh the report (see Free). Shutdown is
// idempotent.
func (i *Interceptor) Shutdown() error {
	i.ensureInitialized()

	i.mutex.Lock()
	alreadyDown := i.shutdownComplete
	i.shutdownComplete = true
	i.mutex.Unlock()

	if alreadyDown {
		return nil
	}

	if i.leaks != nil {
		live := i.leaks.LiveCount()
		if live > 0 {
			i.logger.Warn("[UNRELEASED MEMORY] allocations remain at shutdown",
				slog.Int("count", live))
		}
	}

	return i.writeLeakReport()
}

func (i *Interceptor) writeLeakReport() error {
	if i.leaks == nil || i.config.LeakReportPath == "" {
		return nil
	}

	if i.config.SuppressLeakReport != nil && i.config.SuppressLeakReport() {
		i.logger.Warn("Interceptor::writeLeakReport suppressed while leaked engine resources are outstanding")
		return nil
	}

	err := i.leaks.WriteLeakReportFile(i.config.LeakReportPath)
	if err != nil {
		i.logger.Error("Interceptor::writeLeakReport failed",
			slog.String("path", i.config.LeakReportPath),
			slog.Any("error", err))
	}
	return err
}

// Destroy implies Shutdown, then tears down the block allocators, the
// backend, and the leak detector. The interceptor must not be used
// afterward.
func (i *Interceptor) Destroy() error {
	firstErr := i.Shutdown()

	i.mutex.Lock()
	defer i.mutex.Unlock()

	if i.blockSet != nil {
		err := i.blockSet.Destroy()
		if err != nil && firstErr == nil {
			firstErr = err
		}
		i.blockSet = nil
	}

	if i.backend != nil {
		i.backend.Destroy()
		i.backend = nil
	}

	if i.leaks != nil {
		i.leaks.Disable()
	}

	return firstErr
}

// LeakDetector exposes the live-allocation tracker, or nil when leak
// detection is disabled.
func (i *Interceptor) LeakDetector() *LeakDetector {
	i.ensureInitialized()
	return i.leaks
}

// Statistics returns a snapshot of the bucketed allocation counters.
func (i *Interceptor) Statistics() Statistics {
	i.ensureInitialized()

	i.mutex.Lock()
	defer i.mutex.Unlock()

	return i.stats
}

// BuildStatsString writes the current statistics as json.
func (i *Interceptor) BuildStatsString(writer *jwriter.Writer) {
	i.ensureInitialized()

	i.mutex.Lock()
	defer i.mutex.Unlock()

	i.stats.BuildStatsString(writer)
}

// GatherMemorySummary registers the interceptor's owned regions with a
// memory-usage report gathered by the surrounding engine.
func (i *Interceptor) GatherMemorySummary(event *MemorySummaryEvent) {
	i.ensureInitialized()

	if i.blockSet != nil {
		i.blockSet.GatherMemorySummary(event)
	}
}
