// Package dma provides the device-visible buffer abstraction used by the
// descriptor rings. A buffer is bound to a device address by [Mapper.Map] and
// released by [Mapper.Unmap]. Between those two calls the buffer belongs to
// the device and software must not touch it unless it synchronizes first.
package dma

import (
	"errors"
	"fmt"
)

// Addr is a 32-bit device (bus) address as it is stored in a descriptor.
type Addr uint32

func (a Addr) String() string {
	return fmt.Sprintf("%#08x", uint32(a))
}

// Direction of a mapping, seen from the CPU.
type Direction int

const (
	Bidirectional Direction = iota
	ToDevice
	FromDevice
)

func (d Direction) String() string {
	switch d {
	case Bidirectional:
		return "bidirectional"
	case ToDevice:
		return "to-device"
	case FromDevice:
		return "from-device"
	}
	return "unknown"
}

var (
	// ErrNotMapped is returned when a mapping is used after it was unmapped,
	// or was never created by this mapper.
	ErrNotMapped = errors.New("buffer is not mapped")

	// ErrSpaceExhausted is returned when no device address window is free.
	ErrSpaceExhausted = errors.New("device address space exhausted")

	// ErrMappingTooLarge is returned when a buffer does not fit into a single
	// device address window.
	ErrMappingTooLarge = errors.New("buffer too large for a mapping window")

	// ErrEmptyBuffer is returned when mapping a zero length buffer.
	ErrEmptyBuffer = errors.New("can not map an empty buffer")
)

// Mapping is the handle binding a CPU buffer to a device address. It is
// exclusively owned by whoever holds it between Map and Unmap.
type Mapping struct {
	addr   Addr
	buf    []byte
	dir    Direction
	window int
	live   bool
}

// Addr is the device address of the first byte of the buffer.
func (m *Mapping) Addr() Addr {
	return m.addr
}

// Len returns the mapped length.
func (m *Mapping) Len() int {
	return len(m.buf)
}

// Bytes returns the CPU side of the buffer. Its content is only meaningful
// after Unmap or SyncForCPU for [FromDevice] mappings.
func (m *Mapping) Bytes() []byte {
	return m.buf
}

func (m *Mapping) Direction() Direction {
	return m.dir
}

// Mapper is implemented by anything that can make CPU buffers visible to a
// DMA engine.
type Mapper interface {
	// Map binds buf to a device address. The buffer must not be touched by the
	// CPU until it is unmapped.
	Map(buf []byte, dir Direction) (*Mapping, error)
	// Unmap releases the device address. For [FromDevice] and
	// [Bidirectional] mappings any device writes become visible to the CPU.
	Unmap(m *Mapping) error
	// SyncForCPU makes device writes visible without releasing the mapping.
	SyncForCPU(m *Mapping) error
	// SyncForDevice makes CPU writes visible without releasing the mapping.
	SyncForDevice(m *Mapping) error
}
