package memtrack

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cinderengine/cinder/memutils"
)

func newTestInterceptor(t *testing.T, config InterceptorConfig) *Interceptor {
	t.Helper()

	if config.Logger == nil {
		logger, _ := capturingLogger()
		config.Logger = logger
	}
	interceptor := NewInterceptor(config)
	t.Cleanup(func() {
		_ = interceptor.Destroy()
	})
	return interceptor
}

func TestInterceptorAllocateFreeRoundTrip(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{})

	ptr, err := interceptor.Allocate(100, 0, Here())
	require.NoError(t, err)
	require.NotNil(t, ptr)
	require.Zero(t, uintptr(ptr)%memutils.BlockAlign)

	// Fresh memory carries the sentinel, and the region is usable.
	require.Equal(t, -1, memutils.CheckPattern(ptr, 0, 100, memutils.FreshFillByte))
	memutils.FillPattern(ptr, 0, 100, 0x11)

	stats := interceptor.Statistics()
	require.Equal(t, 1, stats.Total().AllocationCount)
	require.Equal(t, 100, stats.Total().AllocationBytes)
	require.Equal(t, 1, interceptor.LeakDetector().LiveCount())

	require.NoError(t, interceptor.Free(ptr, 0))
	require.Zero(t, interceptor.LeakDetector().LiveCount())
	require.Zero(t, interceptor.Statistics().Total().AllocationCount)
}

func TestInterceptorRecordsCallSite(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{})

	loc := Here()
	ptr, err := interceptor.Allocate(64, 0, loc)
	require.NoError(t, err)

	var recorded AllocationInfo
	require.NoError(t, interceptor.LeakDetector().EnumerateAllocations(func(info *AllocationInfo) error {
		recorded = *info
		return nil
	}))
	require.Equal(t, loc.File, recorded.File)
	require.Equal(t, loc.Line, recorded.Line)
	require.Equal(t, 64, recorded.Size)

	require.NoError(t, interceptor.Free(ptr, 0))
}

func TestInterceptorBlockSetFastPath(t *testing.T) {
	backend := NewHeapBackend()
	interceptor := newTestInterceptor(t, InterceptorConfig{
		Backend: backend,
		BlockAllocators: []BlockAllocatorConfig{
			{BlockSize: 256, ChunkSize: 8192, FreeBlockCacheSize: 8},
		},
	})

	// Force lazy setup so the chunk allocations are already counted.
	interceptor.LeakDetector()

	// Small request: chunk only, no dedicated backend allocation.
	before := backend.LiveAllocationCount()
	ptr, err := interceptor.Allocate(64, 0, Here())
	require.NoError(t, err)
	require.Equal(t, before, backend.LiveAllocationCount())
	require.NoError(t, interceptor.Free(ptr, 0))

	// Oversized request falls through to the backend.
	big, err := interceptor.Allocate(4096, 0, Here())
	require.NoError(t, err)
	require.Equal(t, before+1, backend.LiveAllocationCount())
	require.NoError(t, interceptor.Free(big, 0))
	require.Equal(t, before, backend.LiveAllocationCount())
}

func TestInterceptorAllocationCallback(t *testing.T) {
	var events []AllocationEvent
	interceptor := newTestInterceptor(t, InterceptorConfig{
		AllocationCallback: func(event AllocationEvent) {
			events = append(events, event)
		},
	})

	ptr, err := interceptor.Allocate(48, 0, Location{File: "world.go", Line: 7})
	require.NoError(t, err)
	require.NoError(t, interceptor.Free(ptr, 0))

	require.Len(t, events, 2)
	require.Equal(t, AllocationEventAllocate, events[0].Kind)
	require.Equal(t, 48, events[0].Size)
	require.Equal(t, "world.go", events[0].Location.File)
	require.Equal(t, AllocationEventFree, events[1].Kind)
	require.Equal(t, events[0].Index, events[1].Index)
	require.Equal(t, events[0].Address, events[1].Address)
}

func TestInterceptorDetectsOverrun(t *testing.T) {
	var corrupted []error
	interceptor := newTestInterceptor(t, InterceptorConfig{
		CorruptionCallback: func(err error) {
			corrupted = append(corrupted, err)
		},
	})

	ptr, err := interceptor.Allocate(40, 0, Here())
	require.NoError(t, err)

	// Write one byte past the requested size.
	*(*byte)(unsafe.Add(ptr, 40)) = 0xFF

	require.Error(t, interceptor.ValidateHeap())
	require.NotEmpty(t, corrupted)

	err = interceptor.Free(ptr, 0)
	require.Error(t, err)
}

func TestInterceptorArrayFlagMismatch(t *testing.T) {
	var corrupted []error
	interceptor := newTestInterceptor(t, InterceptorConfig{
		CorruptionCallback: func(err error) {
			corrupted = append(corrupted, err)
		},
	})

	ptr, err := interceptor.Allocate(64, AllocationArray, Here())
	require.NoError(t, err)

	require.Error(t, interceptor.Free(ptr, 0))
	require.NotEmpty(t, corrupted)

	// A mismatched free leaves the allocation intact, so freeing with the
	// right flag afterward still works.
	require.NoError(t, interceptor.Free(ptr, AllocationArray))
}

func TestInterceptorPassthroughWhenValidationDisabled(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{
		DisableValidation:    true,
		DisableLeakDetection: true,
	})

	ptr, err := interceptor.Allocate(128, 0, Here())
	require.NoError(t, err)
	require.Nil(t, interceptor.LeakDetector())
	require.NoError(t, interceptor.ValidateHeap())
	require.NoError(t, interceptor.Free(ptr, 0))
}

func TestInterceptorPassthroughKeepsStatisticsBalanced(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{
		DisableValidation:    true,
		DisableLeakDetection: true,
	})

	// With no validator header and no leak record there is nothing to
	// recover a size from at free time, so the passthrough configuration
	// must not count the allocation either.
	ptr, err := interceptor.Allocate(100, 0, Here())
	require.NoError(t, err)
	require.Zero(t, interceptor.Statistics().Total().AllocationCount)

	require.NoError(t, interceptor.Free(ptr, 0))
	require.Zero(t, interceptor.Statistics().Total().AllocationCount)
	require.Zero(t, interceptor.Statistics().Total().AllocationBytes)
}

func TestInterceptorNoLeakTrackStatisticsWithoutValidator(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{
		DisableValidation: true,
	})

	// An untracked allocation with validation off has no size source
	// either; it must stay out of the counters while tracked allocations
	// keep balancing normally.
	untracked, err := interceptor.Allocate(64, AllocationNoLeakTrack, Here())
	require.NoError(t, err)
	tracked, err := interceptor.Allocate(48, 0, Here())
	require.NoError(t, err)
	require.Equal(t, 1, interceptor.Statistics().Total().AllocationCount)
	require.Equal(t, 48, interceptor.Statistics().Total().AllocationBytes)

	require.NoError(t, interceptor.Free(tracked, 0))
	require.NoError(t, interceptor.Free(untracked, AllocationNoLeakTrack))
	require.Zero(t, interceptor.Statistics().Total().AllocationCount)
	require.Zero(t, interceptor.Statistics().Total().AllocationBytes)
}

func TestInterceptorNoLeakTrackFlag(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{})

	ptr, err := interceptor.Allocate(64, AllocationNoLeakTrack, Here())
	require.NoError(t, err)
	require.Zero(t, interceptor.LeakDetector().LiveCount())
	require.NoError(t, interceptor.Free(ptr, AllocationNoLeakTrack))
}

func TestInterceptorStaticInitWindow(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{})

	interceptor.SetStaticInitialization(true)
	early, err := interceptor.Allocate(32, 0, Here())
	require.NoError(t, err)
	interceptor.SetStaticInitialization(false)
	late, err := interceptor.Allocate(32, 0, Here())
	require.NoError(t, err)

	flagged := make(map[unsafe.Pointer]bool)
	require.NoError(t, interceptor.LeakDetector().EnumerateAllocations(func(info *AllocationInfo) error {
		flagged[info.Address] = info.InStaticInit
		return nil
	}))
	require.True(t, flagged[early])
	require.False(t, flagged[late])

	require.NoError(t, interceptor.Free(early, 0))
	require.NoError(t, interceptor.Free(late, 0))
}

func TestInterceptorShutdownWritesReportOnce(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "leaks.html")
	interceptor := newTestInterceptor(t, InterceptorConfig{
		LeakReportPath: reportPath,
	})

	leaked, err := interceptor.Allocate(100, 0, Here())
	require.NoError(t, err)

	require.NoError(t, interceptor.Shutdown())
	report, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	require.Contains(t, string(report), "Leaked allocations: 1 (100 bytes)")

	// Shutdown is idempotent.
	require.NoError(t, interceptor.Shutdown())

	// A straggler free after shutdown rewrites the report to stay
	// truthful.
	require.NoError(t, interceptor.Free(leaked, 0))
	report, err = os.ReadFile(reportPath)
	require.NoError(t, err)
	require.Contains(t, string(report), "Leaked allocations: 0 (0 bytes)")
}

func TestInterceptorShutdownSuppressedReport(t *testing.T) {
	reportPath := filepath.Join(t.TempDir(), "leaks.html")
	interceptor := newTestInterceptor(t, InterceptorConfig{
		LeakReportPath:     reportPath,
		SuppressLeakReport: func() bool { return true },
	})

	ptr, err := interceptor.Allocate(64, 0, Here())
	require.NoError(t, err)

	require.NoError(t, interceptor.Shutdown())
	_, err = os.Stat(reportPath)
	require.True(t, os.IsNotExist(err))

	require.NoError(t, interceptor.Free(ptr, 0))
}

func TestInterceptorStressValidateCatchesCorruptionOnNextCall(t *testing.T) {
	var corrupted []error
	interceptor := newTestInterceptor(t, InterceptorConfig{
		StressValidate: true,
		CorruptionCallback: func(err error) {
			corrupted = append(corrupted, err)
		},
	})

	victim, err := interceptor.Allocate(32, 0, Here())
	require.NoError(t, err)

	*(*byte)(unsafe.Add(victim, 32)) = 0x01

	// The damage surfaces on the next allocation, not only at free time.
	_, err = interceptor.Allocate(32, 0, Here())
	require.Error(t, err)
	require.NotEmpty(t, corrupted)
}

func TestInterceptorConcurrentChurn(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{
		BlockAllocators: []BlockAllocatorConfig{
			{BlockSize: 256, ChunkSize: 16384, FreeBlockCacheSize: 16},
		},
	})

	const goroutines = 8
	const rounds = 200

	var wg sync.WaitGroup
	for g := 0; g < goroutines; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for round := 0; round < rounds; round++ {
				ptr, err := interceptor.Allocate(16+round%64, 0, Here())
				if err != nil {
					continue
				}
				memutils.FillPattern(ptr, 0, 16, byte(round))
				_ = interceptor.Free(ptr, 0)
			}
		}()
	}
	wg.Wait()

	require.Zero(t, interceptor.LeakDetector().LiveCount())
	require.Zero(t, interceptor.Statistics().Total().AllocationCount)
	require.NoError(t, interceptor.ValidateHeap())
}

func TestInterceptorGatherMemorySummary(t *testing.T) {
	interceptor := newTestInterceptor(t, InterceptorConfig{
		BlockAllocators: []BlockAllocatorConfig{
			{BlockSize: 64, ChunkSize: 1024, FreeBlockCacheSize: 4},
			{BlockSize: 128, ChunkSize: 2048, FreeBlockCacheSize: 4},
		},
	})

	// Force setup.
	ptr, err := interceptor.Allocate(16, 0, Here())
	require.NoError(t, err)

	var event MemorySummaryEvent
	interceptor.GatherMemorySummary(&event)
	require.Len(t, event.Entries(), 2)
	require.Equal(t, 3072, event.TotalBytes())

	require.NoError(t, interceptor.Free(ptr, 0))
}
