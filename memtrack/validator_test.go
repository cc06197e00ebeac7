package memtrack

import (
	"strings"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/require"

	"github.com/cinderengine/cinder/memutils"
)

func newTestValidator(t *testing.T) (*Validator, *[]error) {
	t.Helper()

	logger, _ := capturingLogger()
	var reported []error
	validator := NewValidator(logger, ValidatorConfig{
		ErrorCallback: func(err error) {
			reported = append(reported, err)
		},
	})
	return validator, &reported
}

func allocateValidated(t *testing.T, v *Validator, backend *HeapBackend, size int, index uint64, isArray bool) (unsafe.Pointer, unsafe.Pointer) {
	t.Helper()

	backendSize := v.BeforeAllocation(size)
	require.Equal(t, 2*memutils.BlockAlign+memutils.AlignUp(size, memutils.BlockAlign), backendSize)

	block := backend.Allocate(backendSize)
	require.NotNil(t, block)

	user := v.AfterAllocation(block, size, index, isArray)
	require.NotNil(t, user)
	require.Equal(t, uintptr(memutils.BlockAlign), uintptr(user)-uintptr(block))
	return block, user
}

func TestValidatorRoundTrip(t *testing.T) {
	validator, reported := newTestValidator(t)
	backend := NewHeapBackend()
	defer backend.Destroy()

	const size = 100
	block, user := allocateValidated(t, validator, backend, size, 7, false)

	// The user region arrives filled with the fresh sentinel.
	require.Equal(t, -1, memutils.CheckPattern(user, 0, size, memutils.FreshFillByte))

	// Using the whole region must not trip validation.
	memutils.FillPattern(user, 0, size, 0x42)
	require.NoError(t, validator.ValidateAllocation(user))

	freedBlock, freedSize, err := validator.BeforeFree(user, false)
	require.NoError(t, err)
	require.Equal(t, block, freedBlock)
	require.Equal(t, size, freedSize)
	require.Empty(t, *reported)

	// The user region is wiped with the freed sentinel before release.
	require.Equal(t, -1, memutils.CheckPattern(user, 0, size, memutils.FreedFillByte))

	backend.Free(freedBlock)
}

func TestValidatorDetectsSuffixGuardDamage(t *testing.T) {
	validator, reported := newTestValidator(t)
	backend := NewHeapBackend()
	defer backend.Destroy()

	const size = 50
	block, user := allocateValidated(t, validator, backend, size, 1, false)

	// Overrun: write one byte past the requested size, into the suffix
	// guard slack.
	*(*byte)(unsafe.Add(user, size)) = 0x99

	err := validator.ValidateAllocation(user)
	require.Error(t, err)
	require.NotEmpty(t, *reported)
	require.Contains(t, err.Error(), "suffix")

	backend.Free(block)
}

func TestValidatorDetectsPrefixGuardDamage(t *testing.T) {
	validator, reported := newTestValidator(t)
	backend := NewHeapBackend()
	defer backend.Destroy()

	block, user := allocateValidated(t, validator, backend, 64, 2, false)

	// Underrun: damage the pad byte just before the user region.
	*(*byte)(unsafe.Add(user, -1)) = 0x00

	err := validator.ValidateAllocation(user)
	require.Error(t, err)
	require.NotEmpty(t, *reported)

	backend.Free(block)
}

func TestValidatorDetectsFreedBlock(t *testing.T) {
	validator, reported := newTestValidator(t)
	backend := NewHeapBackend()
	defer backend.Destroy()

	block, user := allocateValidated(t, validator, backend, 32, 3, false)

	_, _, err := validator.BeforeFree(user, false)
	require.NoError(t, err)

	// The magic was cleared on free, so a second free is detected.
	_, _, err = validator.BeforeFree(user, false)
	require.Error(t, err)
	require.NotEmpty(t, *reported)

	backend.Free(block)
}

func TestValidatorArrayMismatch(t *testing.T) {
	validator, reported := newTestValidator(t)
	backend := NewHeapBackend()
	defer backend.Destroy()

	block, user := allocateValidated(t, validator, backend, 48, 4, true)

	// Allocated as array, freed as scalar.
	_, _, err := validator.BeforeFree(user, false)
	require.Error(t, err)
	require.Contains(t, strings.ToLower(err.Error()), "array")
	require.NotEmpty(t, *reported)

	backend.Free(block)
}

func TestValidatorRandomFillIsDeterministic(t *testing.T) {
	logger, _ := capturingLogger()
	backend := NewHeapBackend()
	defer backend.Destroy()

	fill := func(seed int64) []byte {
		validator := NewValidator(logger, ValidatorConfig{RandomFill: true, RandomSeed: seed})
		backendSize := validator.BeforeAllocation(64)
		block := backend.Allocate(backendSize)
		user := validator.AfterAllocation(block, 64, 1, false)

		out := make([]byte, 64)
		for i := range out {
			out[i] = *(*byte)(unsafe.Add(user, i))
		}

		_, _, err := validator.BeforeFree(user, false)
		require.NoError(t, err)
		backend.Free(block)
		return out
	}

	first := fill(42)
	second := fill(42)
	require.Equal(t, first, second)

	// The guard regions still validate with random contents in between.
	require.NotEqual(t, first, make([]byte, 64))
}
