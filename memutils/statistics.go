package memutils

// Statistics tracks the live allocation population of some allocator or
// size bucket.
type Statistics struct {
	AllocationCount int
	AllocationBytes int
}

func (s *Statistics) Clear() {
	s.AllocationCount = 0
	s.AllocationBytes = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.AllocationCount += other.AllocationCount
	s.AllocationBytes += other.AllocationBytes
}

// PeakStatistics extends Statistics with high-water marks and lifetime
// totals, which survive frees.
type PeakStatistics struct {
	Statistics
	PeakAllocationCount  int
	PeakAllocationBytes  int
	TotalAllocationCount int
	TotalAllocationBytes int
}

func (s *PeakStatistics) Clear() {
	s.Statistics.Clear()
	s.PeakAllocationCount = 0
	s.PeakAllocationBytes = 0
	s.TotalAllocationCount = 0
	s.TotalAllocationBytes = 0
}

func (s *PeakStatistics) AddAllocation(size int) {
	s.AllocationCount++
	s.AllocationBytes += size
	s.TotalAllocationCount++
	s.TotalAllocationBytes += size

	if s.AllocationCount > s.PeakAllocationCount {
		s.PeakAllocationCount = s.AllocationCount
	}

	if s.AllocationBytes > s.PeakAllocationBytes {
		s.PeakAllocationBytes = s.AllocationBytes
	}
}

func (s *PeakStatistics) RemoveAllocation(size int) {
	s.AllocationCount--
	s.AllocationBytes -= size
}

func (s *PeakStatistics) AddPeakStatistics(other *PeakStatistics) {
	s.Statistics.AddStatistics(&other.Statistics)
	s.TotalAllocationCount += other.TotalAllocationCount
	s.TotalAllocationBytes += other.TotalAllocationBytes

	if other.PeakAllocationCount > s.PeakAllocationCount {
		s.PeakAllocationCount = other.PeakAllocationCount
	}

	if other.PeakAllocationBytes > s.PeakAllocationBytes {
		s.PeakAllocationBytes = other.PeakAllocationBytes
	}
}
