package memtrack

import (
	"encoding/json"
	"testing"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/stretchr/testify/require"
)

func TestStatisticsBucketIndex(t *testing.T) {
	require.Equal(t, 0, statisticsBucketIndex(1))
	require.Equal(t, 0, statisticsBucketIndex(32))
	require.Equal(t, 1, statisticsBucketIndex(33))
	require.Equal(t, 1, statisticsBucketIndex(64))
	require.Equal(t, 2, statisticsBucketIndex(65))

	// Everything past the last doubling lands in the catch-all.
	require.Equal(t, statisticsBucketCount-1, statisticsBucketIndex(1<<30))
}

func TestStatisticsBucketLabels(t *testing.T) {
	require.Equal(t, "1..32", statisticsBucketLabel(0))
	require.Equal(t, "33..64", statisticsBucketLabel(1))
	require.Equal(t, "65..128", statisticsBucketLabel(2))
	require.Equal(t, "524289+", statisticsBucketLabel(statisticsBucketCount-1))
}

func TestStatisticsAddRemove(t *testing.T) {
	var stats Statistics

	stats.AddAllocation(16)
	stats.AddAllocation(20)
	stats.AddAllocation(100)

	require.Equal(t, 3, stats.Total().AllocationCount)
	require.Equal(t, 136, stats.Total().AllocationBytes)
	require.Equal(t, 2, stats.Bucket(0).AllocationCount)
	require.Equal(t, 1, stats.Bucket(2).AllocationCount)

	stats.RemoveAllocation(16)
	require.Equal(t, 2, stats.Total().AllocationCount)
	require.Equal(t, 1, stats.Bucket(0).AllocationCount)

	// Peaks survive.
	require.Equal(t, 3, stats.Total().PeakAllocationCount)
	require.Equal(t, 2, stats.Bucket(0).PeakAllocationCount)

	stats.Clear()
	require.Zero(t, stats.Total().AllocationCount)
	require.Zero(t, stats.Total().PeakAllocationCount)
}

func TestStatisticsAccessorsWorkOnSnapshots(t *testing.T) {
	var stats Statistics
	stats.AddAllocation(40)

	// The accessors must be callable on an rvalue copy, the way callers
	// read the snapshot returned by Interceptor.Statistics.
	snapshot := func() Statistics { return stats }
	require.Equal(t, 1, snapshot().Total().AllocationCount)
	require.Equal(t, 40, snapshot().Total().AllocationBytes)
	require.Equal(t, 1, snapshot().Bucket(statisticsBucketIndex(40)).AllocationCount)
	require.Equal(t, statisticsBucketCount, snapshot().BucketCount())
}

func TestStatisticsBuildStatsString(t *testing.T) {
	var stats Statistics
	stats.AddAllocation(16)
	stats.AddAllocation(100)
	stats.RemoveAllocation(16)

	writer := jwriter.NewWriter()
	stats.BuildStatsString(&writer)
	require.NoError(t, writer.Error())

	var decoded struct {
		Total struct {
			Allocations          int
			AllocationBytes      int
			PeakAllocations      int
			TotalAllocations     int
			TotalAllocationBytes int
		}
		SizeBuckets []struct {
			Range            string
			Allocations      int
			TotalAllocations int
		}
	}
	require.NoError(t, json.Unmarshal(writer.Bytes(), &decoded))

	require.Equal(t, 1, decoded.Total.Allocations)
	require.Equal(t, 100, decoded.Total.AllocationBytes)
	require.Equal(t, 2, decoded.Total.PeakAllocations)
	require.Equal(t, 2, decoded.Total.TotalAllocations)
	require.Equal(t, 116, decoded.Total.TotalAllocationBytes)

	// Only the two touched buckets appear.
	require.Len(t, decoded.SizeBuckets, 2)
	require.Equal(t, "1..32", decoded.SizeBuckets[0].Range)
	require.Zero(t, decoded.SizeBuckets[0].Allocations)
	require.Equal(t, 1, decoded.SizeBuckets[0].TotalAllocations)
	require.Equal(t, "65..128", decoded.SizeBuckets[1].Range)
	require.Equal(t, 1, decoded.SizeBuckets[1].Allocations)
}
