package memtrack

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/cinderengine/cinder/memutils"
)

// HeapBackend is the default Backend. It carves BlockAlign-aligned regions
// out of ordinary Go heap slices and pins each slice until the matching
// Free call, standing in for the libc malloc/free pair the platform layers
// would otherwise install.
type HeapBackend struct {
	mutex   sync.Mutex
	buffers map[uintptr][]byte
}

var _ Backend = &HeapBackend{}

func NewHeapBackend() *HeapBackend {
	return &HeapBackend{
		buffers: make(map[uintptr][]byte),
	}
}

func (h *HeapBackend) Allocate(size int) unsafe.Pointer {
	if size <= 0 {
		return nil
	}

	buf := make([]byte, size+memutils.BlockAlign-1)
	base := uintptr(unsafe.Pointer(&buf[0]))
	offset := int((memutils.BlockAlign - base%memutils.BlockAlign) % memutils.BlockAlign)
	ptr := unsafe.Pointer(&buf[offset])

	h.mutex.Lock()
	defer h.mutex.Unlock()

	if h.buffers == nil {
		return nil
	}
	h.buffers[uintptr(ptr)] = buf

	return ptr
}

func (h *HeapBackend) Free(ptr unsafe.Pointer) {
	if ptr == nil {
		return
	}

	h.mutex.Lock()
	defer h.mutex.Unlock()

	_, ok := h.buffers[uintptr(ptr)]
	if !ok {
		panic(fmt.Sprintf("attempted to free pointer %p, which this backend did not allocate", ptr))
	}

	delete(h.buffers, uintptr(ptr))
}

// LiveAllocationCount returns the number of regions handed out but not yet
// freed.
func (h *HeapBackend) LiveAllocationCount() int {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	return len(h.buffers)
}

func (h *HeapBackend) Destroy() {
	h.mutex.Lock()
	defer h.mutex.Unlock()

	h.buffers = nil
}
