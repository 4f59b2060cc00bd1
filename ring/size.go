package ring

import (
	"errors"
	"fmt"
)

// MaxSize is the largest ring a DMA engine can walk. The descriptor index
// registers of the MACs we drive are 16 bits wide.
const MaxSize = 1 << 16

// ErrRingSizeInvalid is returned when a ring size is invalid.
var ErrRingSizeInvalid = errors.New("ring size is invalid")

// CheckRingSize checks if the given value would be a valid size for a
// descriptor ring and returns an [ErrRingSizeInvalid], if not.
func CheckRingSize(size int) error {
	if size < 2 {
		return fmt.Errorf("%w: %d is too small", ErrRingSizeInvalid, size)
	}

	// Slots are addressed with cursor & (size-1), which only works for powers
	// of two.
	if size&(size-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrRingSizeInvalid, size)
	}

	if size > MaxSize {
		return fmt.Errorf("%w: %d is larger than the maximum possible ring size %d",
			ErrRingSizeInvalid, size, MaxSize)
	}

	return nil
}

// RoundUpSize returns the smallest valid ring size that is at least size.
func RoundUpSize(size int) int {
	if size < 2 {
		return 2
	}
	if size > MaxSize {
		return MaxSize
	}

	n := 2
	for n < size {
		n <<= 1
	}
	return n
}
