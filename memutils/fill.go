package memutils

import "unsafe"

// Sentinel bytes written into tracked memory so that stale reads and
// overruns are easy to identify in a debugger and cheap to verify.
const (
	// GuardPrefixByte fills the guard region placed before the user region
	// of every validated allocation.
	GuardPrefixByte byte = 0x55
	// GuardSuffixByte fills the guard region placed after the user region
	// of every validated allocation.
	GuardSuffixByte byte = 0xAA
	// FreshFillByte fills the user region of a validated allocation before
	// it is handed to the caller.
	FreshFillByte byte = 0xBC
	// FreedFillByte fills the user region of a validated allocation when it
	// is returned to the backend.
	FreedFillByte byte = 0xDE
)

// FillPattern writes count copies of value starting at data+offset.
func FillPattern(data unsafe.Pointer, offset, count int, value byte) {
	dest := unsafe.Add(data, offset)
	for i := 0; i < count; i++ {
		*(*byte)(unsafe.Add(dest, i)) = value
	}
}

// CheckPattern verifies that count bytes starting at data+offset all hold
// value. It returns the offset, relative to data, of the first mismatched
// byte, or -1 if the whole range is intact.
func CheckPattern(data unsafe.Pointer, offset, count int, value byte) int {
	source := unsafe.Add(data, offset)
	for i := 0; i < count; i++ {
		if *(*byte)(unsafe.Add(source, i)) != value {
			return offset + i
		}
	}

	return -1
}
