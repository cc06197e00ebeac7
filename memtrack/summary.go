package memtrack

import "unsafe"

// MemorySummaryEntry describes one region owned by an engine subsystem, as
// reported through a MemorySummaryEvent.
type MemorySummaryEntry struct {
	Kind    string
	Details string
	Address unsafe.Pointer
	Size    int
}

// MemorySummaryEvent is broadcast by the surrounding engine when it gathers
// a memory-usage report. Subsystems that own raw regions, such as
// BlockAllocator chunks, register them here.
type MemorySummaryEvent struct {
	entries []MemorySummaryEntry
}

func (e *MemorySummaryEvent) AddAllocation(kind, details string, address unsafe.Pointer, size int) {
	e.entries = append(e.entries, MemorySummaryEntry{
		Kind:    kind,
		Details: details,
		Address: address,
		Size:    size,
	})
}

func (e *MemorySummaryEvent) Entries() []MemorySummaryEntry {
	return e.entries
}

func (e *MemorySummaryEvent) TotalBytes() int {
	total := 0
	for i := range e.entries {
		total += e.entries[i].Size
	}
	return total
}
