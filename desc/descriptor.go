package desc

import (
	"fmt"
	"sync/atomic"
	"unsafe"
)

// Size is the size of a [Descriptor] in bytes, as the DMA engine reads it.
const Size = int(unsafe.Sizeof(Descriptor{}))

// OwnBit marks a descriptor as owned by the DMA engine. It is bit 31 of Des0
// in every layout.
const OwnBit = uint32(1) << 31

// Descriptor is the four word record shared between the driver and the DMA
// engine. Des2 and Des3 hold the device addresses of buffer 1 and buffer 2,
// the placement of the remaining fields depends on the [Layout].
//
// Descriptors living in ring memory must only be read with [Load] and
// written with [Commit]. Everything else works on local copies.
type Descriptor struct {
	Des0 uint32
	Des1 uint32
	Des2 uint32
	Des3 uint32
}

// Load copies a descriptor out of ring memory. Des0 is read first with
// acquire semantics, so when it reports software ownership the other words
// are the ones the DMA engine wrote before handing the slot back.
func Load(src *Descriptor) Descriptor {
	var d Descriptor
	d.Des0 = atomic.LoadUint32(&src.Des0)
	d.Des1 = src.Des1
	d.Des2 = src.Des2
	d.Des3 = src.Des3
	return d
}

// Owned reports the ownership bit of a descriptor in ring memory without
// copying the rest of it.
func Owned(src *Descriptor) bool {
	return atomic.LoadUint32(&src.Des0)&OwnBit != 0
}

// Commit writes d into ring memory. Des1 to Des3 are written first, Des0 is
// published last with release semantics. Setting the ownership bit in d.Des0
// therefore hands over a fully built descriptor.
//
// The destination must be software owned.
func Commit(dst *Descriptor, d Descriptor) {
	dst.Des1 = d.Des1
	dst.Des2 = d.Des2
	dst.Des3 = d.Des3
	atomic.StoreUint32(&dst.Des0, d.Des0)
}

// Writeback is used by a DMA engine to publish status into a descriptor it
// owns. Only Des0 is written back by the engines this package models.
func Writeback(dst *Descriptor, des0 uint32) {
	atomic.StoreUint32(&dst.Des0, des0)
}

func (d Descriptor) String() string {
	return fmt.Sprintf("%08x %08x %08x %08x", d.Des0, d.Des1, d.Des2, d.Des3)
}

func field(w uint32, shift, width uint) uint32 {
	return (w >> shift) & (1<<width - 1)
}

func setField(w uint32, shift, width uint, v uint32) uint32 {
	mask := uint32(1<<width-1) << shift
	return (w &^ mask) | ((v << shift) & mask)
}

func setBit(w uint32, bit uint, on bool) uint32 {
	if on {
		return w | 1<<bit
	}
	return w &^ (1 << bit)
}

func hasBit(w uint32, bit uint) bool {
	return w&(1<<bit) != 0
}
