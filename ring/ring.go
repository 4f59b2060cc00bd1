// Package ring implements the fixed size descriptor ring shared by the driver
// and a DMA engine, together with the per-slot bookkeeping the driver keeps
// next to it.
//
// Two free running cursors track the ring. produced counts slots handed to the
// DMA engine, consumed counts slots taken back. Both wrap naturally at 2^32,
// the slot of a cursor is cursor & (size-1). One slot always stays empty so a
// full ring can be told apart from an empty one.
package ring

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/nicring/nicring/desc"
)

var (
	// ErrRingFull is returned when producing more slots than are available.
	ErrRingFull = errors.New("ring is full")

	// ErrRingEmpty is returned when consuming more slots than are outstanding.
	ErrRingEmpty = errors.New("ring is empty")
)

// Ring is a descriptor ring with a parallel array of slot records of type T.
//
// produced may only be advanced by one goroutine at a time and consumed may
// only be advanced by one goroutine at a time. Both may be read from anywhere.
type Ring[T any] struct {
	size uint32
	mask uint32

	mem         []byte
	free        func([]byte) error
	descriptors []desc.Descriptor
	slots       []T

	produced atomic.Uint32
	consumed atomic.Uint32
}

// New allocates a ring of the given size. The size must be a power of 2, see
// [CheckRingSize].
func New[T any](size int) (*Ring[T], error) {
	if err := CheckRingSize(size); err != nil {
		return nil, err
	}

	mem, free, err := allocDescriptorMemory(size * desc.Size)
	if err != nil {
		return nil, err
	}

	return &Ring[T]{
		size:        uint32(size),
		mask:        uint32(size - 1),
		mem:         mem,
		free:        free,
		descriptors: unsafe.Slice((*desc.Descriptor)(unsafe.Pointer(&mem[0])), size),
		slots:       make([]T, size),
	}, nil
}

// Capacity returns the number of slots, including the one that is always kept
// empty.
func (r *Ring[T]) Capacity() int {
	return int(r.size)
}

// Available returns how many slots can be produced right now.
func (r *Ring[T]) Available() int {
	return int(r.size - (r.produced.Load() - r.consumed.Load()) - 1)
}

// Outstanding returns how many produced slots were not consumed yet.
func (r *Ring[T]) Outstanding() int {
	return int(r.produced.Load() - r.consumed.Load())
}

func (r *Ring[T]) Produced() uint32 {
	return r.produced.Load()
}

func (r *Ring[T]) Consumed() uint32 {
	return r.consumed.Load()
}

// Index returns the slot index of cursor.
func (r *Ring[T]) Index(cursor uint32) int {
	return int(cursor & r.mask)
}

// Descriptor returns the descriptor in ring memory for cursor. It must be
// accessed with [desc.Load] and [desc.Commit].
func (r *Ring[T]) Descriptor(cursor uint32) *desc.Descriptor {
	return &r.descriptors[cursor&r.mask]
}

// Slot returns the slot record for cursor.
func (r *Ring[T]) Slot(cursor uint32) *T {
	return &r.slots[cursor&r.mask]
}

// Descriptors returns the whole descriptor array, in ring order. This is what
// gets handed to the DMA engine.
func (r *Ring[T]) Descriptors() []desc.Descriptor {
	return r.descriptors
}

// Produce advances the produced cursor by n.
func (r *Ring[T]) Produce(n int) error {
	if n < 0 || n > r.Available() {
		return fmt.Errorf("%w: producing %d with %d available", ErrRingFull, n, r.Available())
	}
	r.produced.Add(uint32(n))
	return nil
}

// Consume advances the consumed cursor by n.
func (r *Ring[T]) Consume(n int) error {
	if n < 0 || n > r.Outstanding() {
		return fmt.Errorf("%w: consuming %d with %d outstanding", ErrRingEmpty, n, r.Outstanding())
	}
	r.consumed.Add(uint32(n))
	return nil
}

// Reset zeroes every descriptor and slot record and rewinds both cursors to 0.
// The DMA engine must be stopped.
func (r *Ring[T]) Reset() {
	var zero T
	for i := range r.descriptors {
		desc.Commit(&r.descriptors[i], desc.Descriptor{})
		r.slots[i] = zero
	}
	r.produced.Store(0)
	r.consumed.Store(0)
}

// Close releases the descriptor memory. The ring must not be used afterwards.
func (r *Ring[T]) Close() error {
	if r.mem == nil {
		return nil
	}

	r.descriptors = nil
	mem := r.mem
	r.mem = nil
	if err := r.free(mem); err != nil {
		return fmt.Errorf("release descriptor memory: %w", err)
	}
	return nil
}

// Dump writes one line per descriptor, marking the slots the cursors point at.
func (r *Ring[T]) Dump(w io.Writer) error {
	p, c := r.Index(r.Produced()), r.Index(r.Consumed())
	for i := range r.descriptors {
		mark := "  "
		switch {
		case i == p && i == c:
			mark = "pc"
		case i == p:
			mark = "p "
		case i == c:
			mark = " c"
		}

		if _, err := fmt.Fprintf(w, "%s %4d [%s]\n", mark, i, desc.Load(&r.descriptors[i])); err != nil {
			return err
		}
	}
	return nil
}
