package vulkan

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/core/v2/common"
	"github.com/vkngwrapper/core/v2/core1_0"
	"github.com/vkngwrapper/extensions/v2/ext_memory_priority"
	"golang.org/x/exp/slog"

	"github.com/cinderengine/cinder/memtrack"
)

type deviceChunk struct {
	memory core1_0.DeviceMemory
	size   int
}

// DeviceMemoryBackend implements memtrack.Backend on persistently mapped
// Vulkan device memory, so engine-side allocations can live in memory the
// GPU can also see. Each Allocate call maps one dedicated DeviceMemory
// object; this backend is therefore meant to sit underneath a
// BlockAllocatorSet, which turns a handful of large chunks into many small
// blocks.
//
// Vulkan guarantees mapped pointers are aligned to minMemoryMapAlignment,
// which is at least 64 bytes on conforming implementations, satisfying the
// interceptor's alignment contract.
type DeviceMemoryBackend struct {
	mutex  sync.Mutex
	logger *slog.Logger
	device core1_0.Device

	memoryTypeIndex    int
	maxAllocationCount int
	useMemoryPriority  bool
	chunkPriority      float32

	chunks map[uintptr]deviceChunk
}

var _ memtrack.Backend = &DeviceMemoryBackend{}

type BackendOptions struct {
	// ChunkPriority is applied to every chunk allocation when the
	// ext_memory_priority device extension is active. Zero means the
	// Vulkan default of 0.5.
	ChunkPriority float32
	// RequiredFlags narrows the memory-type search. Host-visible and
	// host-coherent are always required on top of these.
	RequiredFlags core1_0.MemoryPropertyFlags
}

// NewDeviceMemoryBackend selects a host-visible, host-coherent memory type
// on the device and prepares the backend. It returns an error if the
// device exposes no suitable memory type.
func NewDeviceMemoryBackend(
	logger *slog.Logger,
	physicalDevice core1_0.PhysicalDevice,
	device core1_0.Device,
	options BackendOptions,
) (*DeviceMemoryBackend, error) {
	deviceProperties, err := physicalDevice.Properties()
	if err != nil {
		return nil, err
	}

	required := options.RequiredFlags | core1_0.MemoryPropertyHostVisible | core1_0.MemoryPropertyHostCoherent

	memoryProperties := physicalDevice.MemoryProperties()
	memoryTypeIndex := -1
	for typeIndex, memoryType := range memoryProperties.MemoryTypes {
		if memoryType.PropertyFlags&required == required {
			memoryTypeIndex = typeIndex
			break
		}
	}
	if memoryTypeIndex < 0 {
		return nil, errors.Newf("no device memory type matches the property flags %s", required.String())
	}

	chunkPriority := options.ChunkPriority
	if chunkPriority == 0 {
		chunkPriority = 0.5
	}

	return &DeviceMemoryBackend{
		logger: logger,
		device: device,

		memoryTypeIndex:    memoryTypeIndex,
		maxAllocationCount: deviceProperties.Limits.MaxMemoryAllocationCount,
		useMemoryPriority:  device.IsDeviceExtensionActive(ext_memory_priority.ExtensionName),
		chunkPriority:      chunkPriority,

		chunks: make(map[uintptr]deviceChunk),
	}, nil
}

// MemoryTypeIndex returns the memory type chosen at construction.
func (b *DeviceMemoryBackend) MemoryTypeIndex() int {
	return b.memoryTypeIndex
}

func (b *DeviceMemoryBackend) Allocate(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.chunks == nil {
		return nil
	}

	if len(b.chunks) >= b.maxAllocationCount {
		b.logger.Warn("DeviceMemoryBackend::Allocate device allocation count exhausted",
			slog.Int("maxAllocationCount", b.maxAllocationCount))
		return nil
	}

	allocateInfo := core1_0.MemoryAllocateInfo{
		AllocationSize:  size,
		MemoryTypeIndex: b.memoryTypeIndex,
	}
	if b.useMemoryPriority {
		allocateInfo.NextOptions = common.NextOptions{
			Next: ext_memory_priority.MemoryPriorityAllocateInfo{
				Priority: b.chunkPriority,
			},
		}
	}

	memory, _, err := b.device.AllocateMemory(nil, allocateInfo)
	if err != nil {
		b.logger.Warn("DeviceMemoryBackend::Allocate device memory exhausted",
			slog.Int("size", size),
			slog.Any("error", err))
		return nil
	}

	ptr, _, err := memory.Map(0, size, 0)
	if err != nil {
		memory.Free(nil)
		b.logger.Error("DeviceMemoryBackend::Allocate failed to map chunk",
			slog.Int("size", size),
			slog.Any("error", err))
		return nil
	}

	b.chunks[uintptr(ptr)] = deviceChunk{memory: memory, size: size}
	return ptr
}

func (b *DeviceMemoryBackend) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	b.mutex.Lock()
	defer b.mutex.Unlock()

	chunk, ok := b.chunks[uintptr(ptr)]
	if !ok {
		panic(fmt.Sprintf("attempted to free pointer %p, which this backend did not allocate", ptr))
	}

	chunk.memory.Unmap()
	chunk.memory.Free(nil)
	delete(b.chunks, uintptr(ptr))
}

// Destroy releases every outstanding chunk. Chunks still live at this
// point are logged; they normally belong to block allocators that were not
// destroyed first.
func (b *DeviceMemoryBackend) Destroy() {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	for ptr, chunk := range b.chunks {
		b.logger.Error("[UNRELEASED MEMORY] device chunk still mapped at backend teardown",
			slog.Uint64("address", uint64(ptr)),
			slog.Int("size", chunk.size))
		chunk.memory.Unmap()
		chunk.memory.Free(nil)
	}

	b.chunks = nil
}
