package utils

import (
	"sync"
)

// OptionalMutex is a mutex that can be compiled down to a no-op for
// single-threaded consumers. The memory subsystem is safe for use from
// arbitrary threads by default, but a caller that drives all allocation
// from one goroutine can opt out of the locking cost.
type OptionalMutex struct {
	Mutex    sync.Mutex
	UseMutex bool
}

func (m *OptionalMutex) Lock() {
	if m.UseMutex {
		m.Mutex.Lock()
	}
}

func (m *OptionalMutex) Unlock() {
	if m.UseMutex {
		m.Mutex.Unlock()
	}
}
