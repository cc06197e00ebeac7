package memutils

import (
	cerrors "github.com/cockroachdb/errors"
)

// BlockAlign is the alignment, in bytes, that every tracked allocation and
// every slab block size must honor. Guard regions are sized to it so that
// adjusted allocations keep their alignment.
const BlockAlign = 32

type Number interface {
	~int | ~uint
}

// CheckAlign verifies that number is a non-zero multiple of BlockAlign.
func CheckAlign[T Number](number T, name string) error {
	if number == 0 || number%BlockAlign != 0 {
		return cerrors.Wrapf(AlignmentError, "%s is %d", name, number)
	}
	return nil
}

// CheckMultiple verifies that number divides evenly by divisor.
func CheckMultiple[T Number](number T, divisor T, name string) error {
	if divisor == 0 || number%divisor != 0 {
		return cerrors.Wrapf(MultipleError, "%s is %d, divisor is %d", name, number, divisor)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}
