package memtrack

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/exp/slog"

	"github.com/cinderengine/cinder/memutils"
)

// BlockAllocatorSet routes allocation requests across a family of
// BlockAllocators with strictly increasing block sizes. A request goes to
// the smallest allocator whose blocks can hold it, spilling to the next
// size up when that allocator is full.
//
// The allocator list is immutable once Create publishes it: Create must
// happen before the first Allocate/Free (the interceptor guarantees this
// under its setup lock), so the hot paths read the list without taking the
// mutex and each BlockAllocator provides its own locking.
type BlockAllocatorSet struct {
	mutex      sync.Mutex
	logger     *slog.Logger
	allocators []*BlockAllocator
	created    bool
}

// Create builds one BlockAllocator per config entry. It is idempotent:
// calling it again after a successful call is a no-op. Block sizes that are
// not multiples of memutils.BlockAlign or not strictly increasing are
// programmer errors and panic. A chunk-acquisition failure tears down any
// allocators already built and returns the error.
func (s *BlockAllocatorSet) Create(
	logger *slog.Logger,
	configs []BlockAllocatorConfig,
	useMutex bool,
	allocFn AllocFunc,
	freeFn FreeFunc,
) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.created {
		return nil
	}

	previousSize := 0
	for _, config := range configs {
		err := memutils.CheckAlign(uint(config.BlockSize), "block size")
		if err != nil {
			panic(err)
		}
		if config.BlockSize <= previousSize {
			panic(fmt.Sprintf("block sizes must be strictly increasing: %d follows %d", config.BlockSize, previousSize))
		}
		previousSize = config.BlockSize
	}

	allocators := make([]*BlockAllocator, 0, len(configs))
	for _, config := range configs {
		allocator, err := NewBlockAllocator(
			logger,
			fmt.Sprintf("blocks-%d", config.BlockSize),
			config,
			useMutex,
			allocFn,
			freeFn,
		)
		if err != nil {
			for _, built := range allocators {
				_ = built.Destroy()
			}
			return err
		}
		allocators = append(allocators, allocator)
	}

	s.logger = logger
	s.allocators = allocators
	s.created = true
	return nil
}

func (s *BlockAllocatorSet) Created() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.created
}

func (s *BlockAllocatorSet) AllocatorCount() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return len(s.allocators)
}

// Allocator returns the index-th allocator, in increasing block-size order.
func (s *BlockAllocatorSet) Allocator(index int) *BlockAllocator {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	return s.allocators[index]
}

// Allocate returns a block from the smallest allocator able to hold size
// bytes, or nil if no allocator fits the request or every allocator that
// fits is full.
func (s *BlockAllocatorSet) Allocate(size int) unsafe.Pointer {
	for _, allocator := range s.allocators {
		if size > allocator.BlockSize() {
			continue
		}

		ptr := allocator.Allocate()
		if ptr != nil {
			return ptr
		}
	}

	return nil
}

// Free probes each allocator's chunk range for ptr and delegates to the
// owner. It returns false if no allocator owns the pointer, in which case
// the caller must release it through the generic backend instead.
func (s *BlockAllocatorSet) Free(ptr unsafe.Pointer) bool {
	for _, allocator := range s.allocators {
		if allocator.Owns(ptr) {
			allocator.Free(ptr)
			return true
		}
	}

	return false
}

// AddStatistics sums the live population of every allocator into stats.
func (s *BlockAllocatorSet) AddStatistics(stats *memutils.Statistics) {
	for _, allocator := range s.allocators {
		allocator.AddStatistics(stats)
	}
}

// GatherMemorySummary registers every allocator's chunk with event.
func (s *BlockAllocatorSet) GatherMemorySummary(event *MemorySummaryEvent) {
	for _, allocator := range s.allocators {
		allocator.GatherMemorySummary(event)
	}
}

// Destroy tears down every allocator. The first error is returned, but all
// allocators are destroyed regardless.
func (s *BlockAllocatorSet) Destroy() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	var firstErr error
	for _, allocator := range s.allocators {
		err := allocator.Destroy()
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	s.allocators = nil
	s.created = false
	return firstErr
}
