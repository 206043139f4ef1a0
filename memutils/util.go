package memutils

import (
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
)

type Number interface {
	~int | ~uint
}

const (
	// CreatedFillPattern is written across newly-created allocations when debug fills are active
	CreatedFillPattern uint8 = 0xDC
	// DestroyedFillPattern is written across allocations as they are freed when debug fills are active
	DestroyedFillPattern uint8 = 0xEF
)

func CheckPow2[T Number](number T, name string) error {
	if number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

func AlignUp(value int, alignment uint) int {
	return (value + int(alignment) - 1) & int(^(alignment - 1))
}

func AlignDown(value int, alignment uint) int {
	return value & int(^(alignment - 1))
}

// NextPow2 returns the smallest power of two greater than or equal to value. value must be
// positive.
func NextPow2(value int) int {
	if value <= 1 {
		return 1
	}
	return 1 << bits.Len64(uint64(value-1))
}

// PrevPow2 returns the largest power of two less than or equal to value. value must be
// positive.
func PrevPow2(value int) int {
	return 1 << (bits.Len64(uint64(value)) - 1)
}
