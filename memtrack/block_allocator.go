package memtrack

import (
	"fmt"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cinderengine/cinder/memtrack/internal/utils"
	"github.com/cinderengine/cinder/memutils"
)

// BlockAllocatorConfig describes a single fixed-block slab. BlockSize must
// be a multiple of memutils.BlockAlign, ChunkSize a multiple of BlockSize,
// and the resulting block count a multiple of 8 so the used-block bitmap
// packs evenly into bytes.
type BlockAllocatorConfig struct {
	BlockSize          int
	ChunkSize          int
	FreeBlockCacheSize int
}

// BlockAllocator hands out fixed-size blocks from a single chunk acquired
// once at construction. A bitmap tracks which blocks are live; a small LIFO
// cache of free block indices keeps the common allocation path O(1). All
// public methods are safe for concurrent use unless the allocator was
// created single-threaded.
type BlockAllocator struct {
	mutex  utils.OptionalMutex
	logger *slog.Logger
	name   string

	blockSize  int
	blockCount int
	chunkSize  int
	chunk      unsafe.Pointer
	freeFn     FreeFunc

	// 1 bit per block, set while the block is handed out
	usedBlocks     []uint8
	freeBlockCache []int

	allocatedBlockCount        int
	highestAllocatedBlockCount int
	fullWarned                 bool
}

// NewBlockAllocator acquires one chunk from allocFn and prepares the bitmap
// and free-block cache. Misconfiguration (misaligned block size, chunk not a
// multiple of the block size, bitmap that does not pack into bytes) is a
// programmer error and panics. A nil return from allocFn is reported as an
// error instead, since chunk exhaustion is a runtime condition.
func NewBlockAllocator(
	logger *slog.Logger,
	name string,
	config BlockAllocatorConfig,
	useMutex bool,
	allocFn AllocFunc,
	freeFn FreeFunc,
) (*BlockAllocator, error) {
	err := memutils.CheckAlign(uint(config.BlockSize), "block size")
	if err != nil {
		panic(err)
	}
	err = memutils.CheckMultiple(uint(config.ChunkSize), uint(config.BlockSize), "chunk size")
	if err != nil {
		panic(err)
	}

	blockCount := config.ChunkSize / config.BlockSize
	if blockCount%8 != 0 {
		panic(fmt.Sprintf("chunk %s has %d blocks, which does not pack into a byte bitmap", name, blockCount))
	}

	cacheSize := config.FreeBlockCacheSize
	if cacheSize < 1 {
		cacheSize = 1
	}

	chunk := allocFn(config.ChunkSize)
	if chunk == nil {
		return nil, errors.Newf("failed to acquire a %d-byte chunk for block allocator %s", config.ChunkSize, name)
	}

	return &BlockAllocator{
		mutex:          utils.OptionalMutex{UseMutex: useMutex},
		logger:         logger,
		name:           name,
		blockSize:      config.BlockSize,
		blockCount:     blockCount,
		chunkSize:      config.ChunkSize,
		chunk:          chunk,
		freeFn:         freeFn,
		usedBlocks:     make([]uint8, blockCount/8),
		freeBlockCache: make([]int, 0, cacheSize),
	}, nil
}

func (a *BlockAllocator) Name() string { return a.name }

func (a *BlockAllocator) BlockSize() int { return a.blockSize }

func (a *BlockAllocator) BlockCount() int { return a.blockCount }

func (a *BlockAllocator) ChunkSize() int { return a.chunkSize }

// AllocatedBlockCount returns the number of blocks currently handed out.
func (a *BlockAllocator) AllocatedBlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.allocatedBlockCount
}

// HighestAllocatedBlockCount returns the high-water mark of live blocks.
func (a *BlockAllocator) HighestAllocatedBlockCount() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.highestAllocatedBlockCount
}

// Allocate returns a pointer to one free block, or nil if every block is
// live. The first failed attempt logs a pool-full warning; later failures
// stay quiet.
func (a *BlockAllocator) Allocate() unsafe.Pointer {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if len(a.freeBlockCache) == 0 {
		a.repopulateFreeBlockCache()
	}

	if len(a.freeBlockCache) == 0 {
		if !a.fullWarned {
			a.fullWarned = true
			a.logger.Warn("BlockAllocator::Allocate pool is full",
				slog.String("name", a.name),
				slog.Int("blockSize", a.blockSize),
				slog.Int("blockCount", a.blockCount))
		}
		return nil
	}

	index := a.freeBlockCache[len(a.freeBlockCache)-1]
	a.freeBlockCache = a.freeBlockCache[:len(a.freeBlockCache)-1]

	byteIndex := index >> 3
	bit := uint8(1) << (index & 7)
	if a.usedBlocks[byteIndex]&bit != 0 {
		panic(fmt.Sprintf("free-block cache of %s returned block %d, which is already allocated", a.name, index))
	}
	a.usedBlocks[byteIndex] |= bit

	a.allocatedBlockCount++
	if a.allocatedBlockCount > a.highestAllocatedBlockCount {
		a.highestAllocatedBlockCount = a.allocatedBlockCount
	}
	memutils.DebugValidate(heldAllocator{a})

	return unsafe.Add(a.chunk, index*a.blockSize)
}

// Free returns one block to the allocator. Pointers outside the chunk, not
// aligned to a block boundary, or pointing at a block that is not live are
// programmer errors and panic.
func (a *BlockAllocator) Free(ptr unsafe.Pointer) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	offset := uintptr(ptr) - uintptr(a.chunk)
	if offset >= uintptr(a.chunkSize) {
		panic(fmt.Sprintf("pointer %p is not managed by block allocator %s", ptr, a.name))
	}
	if int(offset)%a.blockSize != 0 {
		panic(fmt.Sprintf("pointer %p is not aligned to a block boundary of %s", ptr, a.name))
	}

	index := int(offset) / a.blockSize
	byteIndex := index >> 3
	bit := uint8(1) << (index & 7)
	if a.usedBlocks[byteIndex]&bit == 0 {
		panic(fmt.Sprintf("block %d of %s is not marked as allocated- double free?", index, a.name))
	}
	a.usedBlocks[byteIndex] &^= bit
	a.allocatedBlockCount--

	if len(a.freeBlockCache) < cap(a.freeBlockCache) {
		a.freeBlockCache = append(a.freeBlockCache, index)
	}
	memutils.DebugValidate(heldAllocator{a})
}

// Owns reports whether ptr lies inside this allocator's chunk. The chunk
// bounds are immutable, so no lock is needed.
func (a *BlockAllocator) Owns(ptr unsafe.Pointer) bool {
	offset := uintptr(ptr) - uintptr(a.chunk)
	return offset < uintptr(a.chunkSize)
}

// repopulateFreeBlockCache scans the bitmap for free blocks, starting from a
// position chosen to amortize scan cost under churn, and refills the cache
// until it is full or the scan wraps. The exact starting byte is a
// heuristic- any start position is correct as long as the scan covers the
// whole bitmap. Caller must hold the mutex and the cache must be empty, or
// the cache could end up holding duplicate indices.
func (a *BlockAllocator) repopulateFreeBlockCache() {
	if len(a.freeBlockCache) != 0 {
		panic(fmt.Sprintf("free-block cache of %s repopulated while not empty", a.name))
	}
	if a.allocatedBlockCount == a.blockCount {
		return
	}

	byteCount := len(a.usedBlocks)
	start := (a.allocatedBlockCount / 8) % byteCount

	for scanned := 0; scanned < byteCount && len(a.freeBlockCache) < cap(a.freeBlockCache); scanned++ {
		byteIndex := (start + scanned) % byteCount
		used := a.usedBlocks[byteIndex]
		if used == 0xFF {
			continue
		}

		for bit := 0; bit < 8 && len(a.freeBlockCache) < cap(a.freeBlockCache); bit++ {
			if used&(uint8(1)<<bit) == 0 {
				a.freeBlockCache = append(a.freeBlockCache, byteIndex*8+bit)
			}
		}
	}
}

// heldAllocator adapts an allocator whose mutex is already held to
// memutils.Validatable, for DebugValidate calls inside the locked paths.
type heldAllocator struct {
	a *BlockAllocator
}

func (h heldAllocator) Validate() error {
	return h.a.validate()
}

// Validate performs internal consistency checks on the bitmap, counters, and
// free-block cache.
func (a *BlockAllocator) Validate() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	return a.validate()
}

func (a *BlockAllocator) validate() error {
	setBits := 0
	for _, used := range a.usedBlocks {
		for bit := 0; bit < 8; bit++ {
			if used&(uint8(1)<<bit) != 0 {
				setBits++
			}
		}
	}

	if setBits != a.allocatedBlockCount {
		return errors.Newf("%s has %d blocks marked used but an allocated count of %d", a.name, setBits, a.allocatedBlockCount)
	}

	if a.highestAllocatedBlockCount < a.allocatedBlockCount {
		return errors.Newf("%s has a high-water mark of %d, below the live count of %d", a.name, a.highestAllocatedBlockCount, a.allocatedBlockCount)
	}

	seen := make(map[int]bool, len(a.freeBlockCache))
	for _, index := range a.freeBlockCache {
		if index < 0 || index >= a.blockCount {
			return errors.Newf("%s free-block cache holds out-of-range index %d", a.name, index)
		}
		if seen[index] {
			return errors.Newf("%s free-block cache holds index %d twice", a.name, index)
		}
		seen[index] = true
		if a.usedBlocks[index>>3]&(uint8(1)<<(index&7)) != 0 {
			return errors.Newf("%s free-block cache holds index %d, which is marked used", a.name, index)
		}
	}

	return nil
}

// AddStatistics sums this allocator's live population into stats.
func (a *BlockAllocator) AddStatistics(stats *memutils.Statistics) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	stats.AllocationCount += a.allocatedBlockCount
	stats.AllocationBytes += a.allocatedBlockCount * a.blockSize
}

// GatherMemorySummary registers this allocator's chunk with a memory-usage
// report gathered by the surrounding engine.
func (a *BlockAllocator) GatherMemorySummary(event *MemorySummaryEvent) {
	event.AddAllocation("BlockAllocator", a.name, a.chunk, a.chunkSize)
}

// Destroy releases the chunk. Live blocks are logged in the same shape as
// unreleased allocations elsewhere in the engine and reported as an error,
// but the chunk is released regardless.
func (a *BlockAllocator) Destroy() error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	var err error
	if a.allocatedBlockCount != 0 {
		a.logger.Error("[UNRELEASED MEMORY] block allocator destroyed with live blocks",
			slog.String("name", a.name),
			slog.Int("liveBlocks", a.allocatedBlockCount))
		err = errors.Newf("%s still has %d live blocks", a.name, a.allocatedBlockCount)
	}

	if a.chunk != nil {
		a.freeFn(a.chunk)
		a.chunk = nil
	}
	a.usedBlocks = nil
	a.freeBlockCache = nil

	return err
}
