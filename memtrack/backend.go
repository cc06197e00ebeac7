package memtrack

import "unsafe"

// AllocFunc hands out a region of at least size bytes, aligned to
// memutils.BlockAlign, or nil if the request cannot be satisfied.
type AllocFunc func(size int) unsafe.Pointer

// FreeFunc returns a region previously handed out by the matching AllocFunc.
type FreeFunc func(ptr unsafe.Pointer)

// Backend is the raw memory source underneath the Interceptor. The default
// is HeapBackend; platform layers may substitute their own (for example a
// device-memory backend, see the vulkan subpackage) or stack a
// BlockAllocatorSet on top as a small-allocation fast path.
type Backend interface {
	// Allocate returns a BlockAlign-aligned region of at least size bytes,
	// or nil if the backend is exhausted.
	Allocate(size int) unsafe.Pointer
	// Free releases a region previously returned by Allocate. Passing a
	// pointer the backend does not own is a programmer error.
	Free(ptr unsafe.Pointer)
	// Destroy releases any memory retained by the backend itself. The
	// backend must not be used afterward.
	Destroy()
}
