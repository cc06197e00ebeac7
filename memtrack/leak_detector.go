package memtrack

import (
	"sync"
	"unsafe"

	"github.com/dolthub/swiss"
	"golang.org/x/exp/slog"
)

// AllocationInfo records the provenance of one live tracked allocation.
type AllocationInfo struct {
	// Index is the monotonic allocation index assigned by the Interceptor.
	Index   uint64
	Address unsafe.Pointer
	Size    int
	File    string
	Line    int
	// InStaticInit marks allocations made before the engine finished
	// bringing its subsystems up; these frequently outlive any teardown
	// hook and are broken out separately in the leak report.
	InStaticInit bool
	// Reported is set once the allocation has appeared in a written leak
	// report, so repeated report writes can mark what is new.
	Reported bool
}

// LeakDetector maintains the set of live tracked allocations keyed by
// address. Lookup is O(1) average via a swiss table; node storage comes
// from an untracked arena so the detector never re-enters the allocation
// path it is recording. All methods are safe for concurrent use.
type LeakDetector struct {
	mutex   sync.Mutex
	logger  *slog.Logger
	enabled bool
	nodes   *nodeArena
	table   *swiss.Map[uintptr, int32]
}

func NewLeakDetector(logger *slog.Logger) *LeakDetector {
	return &LeakDetector{
		logger:  logger,
		enabled: true,
		nodes:   newNodeArena(),
		table:   swiss.NewMap[uintptr, int32](42),
	}
}

// AddAllocation records a live allocation. Recording the same address twice
// without an intervening RemoveAllocation replaces the stale record; that
// can only happen if the backend handed out overlapping memory or a free
// went untracked, so it is logged.
func (d *LeakDetector) AddAllocation(info AllocationInfo) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.enabled {
		return
	}

	key := uintptr(info.Address)
	if stale, ok := d.table.Get(key); ok {
		d.logger.Warn("LeakDetector::AddAllocation replacing stale record",
			slog.Uint64("staleIndex", d.nodes.node(stale).info.Index),
			slog.Uint64("newIndex", info.Index))
		d.nodes.free(stale)
	}

	index := d.nodes.alloc()
	d.nodes.node(index).info = info
	d.table.Put(key, index)
}

// RemoveAllocation removes the record for address and returns it. The
// second return is false if the address was not tracked.
func (d *LeakDetector) RemoveAllocation(address unsafe.Pointer) (AllocationInfo, bool) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.enabled {
		return AllocationInfo{}, false
	}

	index, ok := d.table.Get(uintptr(address))
	if !ok {
		return AllocationInfo{}, false
	}

	info := d.nodes.node(index).info
	d.table.Delete(uintptr(address))
	d.nodes.free(index)

	return info, true
}

// EnumerateAllocations calls callback once per live allocation without
// mutating tracking state. Returning an error from the callback stops the
// walk and propagates the error. The detector lock is held for the whole
// walk, so the callback must not call back into Add/Remove.
func (d *LeakDetector) EnumerateAllocations(callback func(info *AllocationInfo) error) error {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.enabled {
		return nil
	}

	var walkErr error
	d.table.Iter(func(_ uintptr, index int32) bool {
		walkErr = callback(&d.nodes.node(index).info)
		return walkErr != nil
	})

	return walkErr
}

// LiveCount returns the number of tracked allocations.
func (d *LeakDetector) LiveCount() int {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if !d.enabled {
		return 0
	}
	return d.table.Count()
}

// Disable permanently turns off tracking and releases the detector's own
// memory. It cannot be re-enabled.
func (d *LeakDetector) Disable() {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.enabled = false
	d.table = nil
	d.nodes.release()
}

func (d *LeakDetector) Enabled() bool {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	return d.enabled
}
