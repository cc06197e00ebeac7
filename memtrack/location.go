package memtrack

import (
	"fmt"
	"runtime"
)

// Location identifies the call site responsible for an allocation. It is
// passed explicitly into Interceptor.Allocate rather than being smuggled
// through goroutine-local state, so provenance can never bleed into an
// unrelated allocation.
type Location struct {
	File string
	Line int
}

// Here captures the Location of its caller.
func Here() Location {
	_, file, line, ok := runtime.Caller(1)
	if !ok {
		return Location{}
	}
	return Location{File: file, Line: line}
}

func (l Location) IsZero() bool {
	return l.File == "" && l.Line == 0
}

func (l Location) String() string {
	if l.IsZero() {
		return "unknown"
	}
	return fmt.Sprintf("%s:%d", l.File, l.Line)
}
