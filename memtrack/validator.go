package memtrack

import (
	"context"
	"math/rand"
	"unsafe"

	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slog"

	"github.com/cinderengine/cinder/memutils"
)

// guardSize is the width of the prefix and suffix guard regions. It equals
// the block alignment so adjusted allocations stay aligned.
const guardSize = memutils.BlockAlign

// validatorMagic marks a block as carrying a live validator header. It is
// cleared on free so a stale pointer fails validation immediately.
const validatorMagic uint32 = 0x5AFEB10C

const headerFlagArray uint32 = 1

// allocationHeader occupies the front of the prefix guard region. The
// remainder of the prefix is filled with memutils.GuardPrefixByte.
type allocationHeader struct {
	userSize uint64
	index    uint64
	flags    uint32
	magic    uint32
}

const headerSize = int(unsafe.Sizeof(allocationHeader{}))

// Validator pads every allocation with guard regions, fills user memory
// with sentinel bytes on allocation and free, and verifies guard integrity
// on demand. Detected corruption is routed through a replaceable callback;
// the default logs the damage and panics.
//
// The validator holds no per-allocation state. The random-fill generator is
// its only mutable state, and the Interceptor serializes all calls under its
// allocation lock.
type Validator struct {
	logger        *slog.Logger
	randomFill    bool
	rng           *rand.Rand
	errorCallback func(error)
}

type ValidatorConfig struct {
	// RandomFill replaces the deterministic fresh/freed fill patterns with
	// random bytes, for stress-testing code that relies on uninitialized
	// memory contents.
	RandomFill bool
	// RandomSeed seeds the RandomFill generator. Zero means a fixed default.
	RandomSeed int64
	// ErrorCallback replaces the default corruption handler.
	ErrorCallback func(error)
}

func NewValidator(logger *slog.Logger, config ValidatorConfig) *Validator {
	v := &Validator{
		logger:        logger,
		randomFill:    config.RandomFill,
		errorCallback: config.ErrorCallback,
	}

	if config.RandomFill {
		seed := config.RandomSeed
		if seed == 0 {
			seed = 1
		}
		v.rng = rand.New(rand.NewSource(seed))
	}

	if v.errorCallback == nil {
		v.errorCallback = func(err error) {
			logger.LogAttrs(context.Background(), slog.LevelError, "[CORRUPTED MEMORY] allocation guard damaged",
				slog.Any("error", err))
			panic(err)
		}
	}

	return v
}

// BeforeAllocation returns the backend size needed to hold size user bytes
// plus both guard regions. The user region is rounded up to the block
// alignment; the slack is covered by the suffix guard pattern.
func (v *Validator) BeforeAllocation(size int) int {
	return guardSize + memutils.AlignUp(size, memutils.BlockAlign) + guardSize
}

// AfterAllocation writes the header and guard patterns into a freshly
// allocated block and returns the user-visible pointer. The user region is
// filled with the fresh-memory sentinel, or random bytes in random-fill
// mode.
func (v *Validator) AfterAllocation(block unsafe.Pointer, size int, index uint64, isArray bool) unsafe.Pointer {
	memutils.DebugCheckAlign(uint(uintptr(block)), "backend block address")

	var flags uint32
	if isArray {
		flags |= headerFlagArray
	}

	header := (*allocationHeader)(block)
	header.userSize = uint64(size)
	header.index = index
	header.flags = flags
	header.magic = validatorMagic

	memutils.FillPattern(block, headerSize, guardSize-headerSize, memutils.GuardPrefixByte)

	user := unsafe.Add(block, guardSize)
	v.fillUserRegion(user, size, memutils.FreshFillByte)

	alignedSize := memutils.AlignUp(size, memutils.BlockAlign)
	memutils.FillPattern(block, guardSize+size, (alignedSize-size)+guardSize, memutils.GuardSuffixByte)

	return user
}

// BeforeFree validates the guards around userPtr, wipes the user region
// with the freed-memory sentinel, and returns the real block pointer plus
// the originally requested size. A scalar/array mismatch between allocation
// and free is reported as corruption. On any validation failure the error
// callback fires and the error is returned; the block pointer is still
// returned so the caller can decide whether to release it anyway.
func (v *Validator) BeforeFree(userPtr unsafe.Pointer, isArray bool) (block unsafe.Pointer, size int, err error) {
	block = unsafe.Add(userPtr, -guardSize)

	err = v.validateBlock(block)
	if err != nil {
		v.errorCallback(err)
		return block, 0, err
	}

	header := (*allocationHeader)(block)
	size = int(header.userSize)

	wasArray := header.flags&headerFlagArray != 0
	if wasArray != isArray {
		err = errors.Newf("allocation %d at %p was allocated with isArray=%t but freed with isArray=%t",
			header.index, userPtr, wasArray, isArray)
		v.errorCallback(err)
		return block, size, err
	}

	header.magic = 0
	v.fillUserRegion(userPtr, size, memutils.FreedFillByte)

	return block, size, nil
}

// ValidateAllocation re-checks the guards around a live allocation without
// freeing it. Corruption fires the error callback and is returned.
func (v *Validator) ValidateAllocation(userPtr unsafe.Pointer) error {
	err := v.validateBlock(unsafe.Add(userPtr, -guardSize))
	if err != nil {
		v.errorCallback(err)
	}
	return err
}

func (v *Validator) validateBlock(block unsafe.Pointer) error {
	header := (*allocationHeader)(block)
	if header.magic != validatorMagic {
		return errors.Newf("block at %p does not carry a validator header- freed twice, never tracked, or overwritten", block)
	}

	mismatch := memutils.CheckPattern(block, headerSize, guardSize-headerSize, memutils.GuardPrefixByte)
	if mismatch >= 0 {
		return errors.Newf("allocation %d: prefix guard overwritten at block offset %d", header.index, mismatch)
	}

	size := int(header.userSize)
	alignedSize := memutils.AlignUp(size, memutils.BlockAlign)
	mismatch = memutils.CheckPattern(block, guardSize+size, (alignedSize-size)+guardSize, memutils.GuardSuffixByte)
	if mismatch >= 0 {
		return errors.Newf("allocation %d: suffix guard overwritten at block offset %d (user size %d)", header.index, mismatch, size)
	}

	return nil
}

func (v *Validator) fillUserRegion(user unsafe.Pointer, size int, sentinel byte) {
	if !v.randomFill {
		memutils.FillPattern(user, 0, size, sentinel)
		return
	}

	for i := 0; i < size; i++ {
		*(*byte)(unsafe.Add(user, i)) = byte(v.rng.Intn(256))
	}
}
