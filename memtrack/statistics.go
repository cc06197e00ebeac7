package memtrack

import (
	"fmt"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/cinderengine/cinder/memutils"
)

// statisticsBucketCount is the number of size-range buckets. Bucket 0
// covers 1..32 bytes; each later bucket doubles the upper bound, and the
// last bucket is a catch-all for everything larger.
const statisticsBucketCount = 16

// Statistics maintains live/peak/total allocation counters bucketed by
// request size, plus an unbucketed total. The Interceptor updates it under
// its allocation lock, so the struct itself carries no synchronization.
type Statistics struct {
	buckets [statisticsBucketCount]memutils.PeakStatistics
	total   memutils.PeakStatistics
}

func statisticsBucketIndex(size int) int {
	bucket := 0
	limit := memutils.BlockAlign
	for bucket < statisticsBucketCount-1 && size > limit {
		bucket++
		limit <<= 1
	}
	return bucket
}

func statisticsBucketLabel(bucket int) string {
	if bucket == 0 {
		return fmt.Sprintf("1..%d", memutils.BlockAlign)
	}

	lower := memutils.BlockAlign << (bucket - 1)
	if bucket == statisticsBucketCount-1 {
		return fmt.Sprintf("%d+", lower+1)
	}
	return fmt.Sprintf("%d..%d", lower+1, lower<<1)
}

func (s *Statistics) AddAllocation(size int) {
	s.buckets[statisticsBucketIndex(size)].AddAllocation(size)
	s.total.AddAllocation(size)
}

func (s *Statistics) RemoveAllocation(size int) {
	s.buckets[statisticsBucketIndex(size)].RemoveAllocation(size)
	s.total.RemoveAllocation(size)
}

// Total returns the unbucketed counters. The value receiver lets the
// accessors run directly on snapshot copies, such as the value returned by
// Interceptor.Statistics.
func (s Statistics) Total() memutils.PeakStatistics {
	return s.total
}

// Bucket returns the counters for one size range.
func (s Statistics) Bucket(index int) memutils.PeakStatistics {
	return s.buckets[index]
}

// BucketCount returns the number of size-range buckets.
func (s Statistics) BucketCount() int {
	return statisticsBucketCount
}

func (s *Statistics) Clear() {
	for i := range s.buckets {
		s.buckets[i].Clear()
	}
	s.total.Clear()
}

// BuildStatsString writes the counters as a json object. Buckets that have
// never seen an allocation are omitted.
func (s *Statistics) BuildStatsString(writer *jwriter.Writer) {
	obj := writer.Object()
	defer obj.End()

	totalObj := obj.Name("Total").Object()
	writePeakStatistics(&totalObj, &s.total)
	totalObj.End()

	buckets := obj.Name("SizeBuckets").Array()
	defer buckets.End()

	for i := range s.buckets {
		if s.buckets[i].TotalAllocationCount == 0 {
			continue
		}

		bucketObj := buckets.Object()
		bucketObj.Name("Range").String(statisticsBucketLabel(i))
		writePeakStatistics(&bucketObj, &s.buckets[i])
		bucketObj.End()
	}
}

func writePeakStatistics(json *jwriter.ObjectState, stats *memutils.PeakStatistics) {
	json.Name("Allocations").Int(stats.AllocationCount)
	json.Name("AllocationBytes").Int(stats.AllocationBytes)
	json.Name("PeakAllocations").Int(stats.PeakAllocationCount)
	json.Name("PeakAllocationBytes").Int(stats.PeakAllocationBytes)
	json.Name("TotalAllocations").Int(stats.TotalAllocationCount)
	json.Name("TotalAllocationBytes").Int(stats.TotalAllocationBytes)
}
