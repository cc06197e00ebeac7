package memutils

import "github.com/pkg/errors"

// AlignmentError is the error returned from CheckAlign or other methods if the number
// being tested is not a multiple of BlockAlign
var AlignmentError error = errors.New("number must be a multiple of the block alignment")

// MultipleError is the error returned from CheckMultiple or other methods if the number
// being tested does not divide evenly by its divisor
var MultipleError error = errors.New("number must be an even multiple of the divisor")
