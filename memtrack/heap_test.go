package memtrack

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cinderengine/cinder/memutils"
)

func TestHeapBackendAlignment(t *testing.T) {
	backend := NewHeapBackend()
	defer backend.Destroy()

	for _, size := range []int{1, 31, 32, 33, 1024, 4096} {
		ptr := backend.Allocate(size)
		require.NotNil(t, ptr)
		require.Zero(t, uintptr(ptr)%memutils.BlockAlign)
		backend.Free(ptr)
	}
}

func TestHeapBackendRegionsAreWritable(t *testing.T) {
	backend := NewHeapBackend()
	defer backend.Destroy()

	const size = 256
	ptr := backend.Allocate(size)
	require.NotNil(t, ptr)

	memutils.FillPattern(ptr, 0, size, 0x7F)
	require.Equal(t, -1, memutils.CheckPattern(ptr, 0, size, 0x7F))

	backend.Free(ptr)
}

func TestHeapBackendLiveAllocationCount(t *testing.T) {
	backend := NewHeapBackend()
	defer backend.Destroy()

	require.Zero(t, backend.LiveAllocationCount())

	first := backend.Allocate(64)
	second := backend.Allocate(64)
	require.Equal(t, 2, backend.LiveAllocationCount())

	backend.Free(first)
	require.Equal(t, 1, backend.LiveAllocationCount())
	backend.Free(second)
	require.Zero(t, backend.LiveAllocationCount())
}

func TestHeapBackendRejectsBadFrees(t *testing.T) {
	backend := NewHeapBackend()
	defer backend.Destroy()

	// nil is a no-op.
	backend.Free(nil)

	var local [32]byte
	require.Panics(t, func() {
		backend.Free(unsafe.Pointer(&local[0]))
	})

	ptr := backend.Allocate(32)
	backend.Free(ptr)
	require.Panics(t, func() {
		backend.Free(ptr)
	})
}

func TestHeapBackendZeroSize(t *testing.T) {
	backend := NewHeapBackend()
	defer backend.Destroy()

	require.Nil(t, backend.Allocate(0))
	require.Nil(t, backend.Allocate(-5))
}
