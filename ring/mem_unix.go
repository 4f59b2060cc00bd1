//go:build unix && !race

package ring

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const pageBacked = true

// allocDescriptorMemory allocates whole anonymous pages for the descriptors.
// The memory is never moved or collected by the runtime, which matters
// because a DMA engine holds on to its address.
func allocDescriptorMemory(size int) ([]byte, func([]byte) error, error) {
	b, err := unix.Mmap(-1, 0, size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, nil, fmt.Errorf("allocate descriptor memory: %w", err)
	}
	return b, unix.Munmap, nil
}
