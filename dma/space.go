package dma

import (
	"fmt"
	"sync"
)

const (
	// DefaultWindowSize is large enough for the biggest receive buffer tier.
	DefaultWindowSize = 16 * 1024

	// spaceBase is the device address of window 0. Address 0 is never handed
	// out so an unset descriptor buffer pointer is always detectable.
	spaceBase = Addr(0x1000_0000)
)

// Space simulates a device address space with an IOMMU-like window
// allocator. When it is not coherent, the device sees a shadow copy of every
// mapped buffer: mapping for the device flushes CPU data into the shadow and
// unmapping from the device invalidates the CPU copy from the shadow. Reading
// a [FromDevice] buffer before it is unmapped therefore returns stale data,
// the same way it would on a platform without cache coherent DMA.
type Space struct {
	mu         sync.Mutex
	coherent   bool
	windowSize int
	windows    []*window
	free       []int

	mapped   uint64
	unmapped uint64
}

type window struct {
	m      *Mapping
	shadow []byte
}

// NewSpace returns a Space with the given number of mapping windows. A
// windowSize of 0 selects [DefaultWindowSize].
func NewSpace(windows int, windowSize int, coherent bool) *Space {
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}

	s := &Space{
		coherent:   coherent,
		windowSize: windowSize,
		windows:    make([]*window, windows),
		free:       make([]int, windows),
	}

	// Hand out low windows first, it makes ring dumps easier to read.
	for i := range s.free {
		s.free[i] = windows - 1 - i
	}

	return s
}

func (s *Space) Coherent() bool {
	return s.coherent
}

func (s *Space) Map(buf []byte, dir Direction) (*Mapping, error) {
	if len(buf) == 0 {
		return nil, ErrEmptyBuffer
	}

	if len(buf) > s.windowSize {
		return nil, fmt.Errorf("%w: %d > %d", ErrMappingTooLarge, len(buf), s.windowSize)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.free) == 0 {
		return nil, ErrSpaceExhausted
	}

	idx := s.free[len(s.free)-1]
	s.free = s.free[:len(s.free)-1]

	m := &Mapping{
		addr:   spaceBase + Addr(idx*s.windowSize),
		buf:    buf,
		dir:    dir,
		window: idx,
		live:   true,
	}

	w := &window{m: m}
	if s.coherent {
		w.shadow = buf
	} else {
		w.shadow = make([]byte, len(buf))
		if dir != FromDevice {
			copy(w.shadow, buf)
		}
	}

	s.windows[idx] = w
	s.mapped++
	return m, nil
}

func (s *Space) Unmap(m *Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookup(m)
	if err != nil {
		return err
	}

	if !s.coherent && m.dir != ToDevice {
		copy(m.buf, w.shadow)
	}

	m.live = false
	s.windows[m.window] = nil
	s.free = append(s.free, m.window)
	s.unmapped++
	return nil
}

func (s *Space) SyncForCPU(m *Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookup(m)
	if err != nil {
		return err
	}

	if !s.coherent {
		copy(m.buf, w.shadow)
	}
	return nil
}

func (s *Space) SyncForDevice(m *Mapping) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, err := s.lookup(m)
	if err != nil {
		return err
	}

	if !s.coherent {
		copy(w.shadow, m.buf)
	}
	return nil
}

func (s *Space) lookup(m *Mapping) (*window, error) {
	if m == nil || !m.live {
		return nil, ErrNotMapped
	}

	if m.window < 0 || m.window >= len(s.windows) {
		return nil, ErrNotMapped
	}

	w := s.windows[m.window]
	if w == nil || w.m != m {
		return nil, ErrNotMapped
	}

	return w, nil
}

// Device returns the device view of n bytes starting at addr. The range must
// lie within one live mapping. This is the access path of a DMA engine; the
// CPU must use [Mapping.Bytes].
func (s *Space) Device(addr Addr, n int) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr < spaceBase {
		return nil, fmt.Errorf("%w: address %s", ErrNotMapped, addr)
	}

	off := int(addr - spaceBase)
	idx := off / s.windowSize
	off = off % s.windowSize
	if idx >= len(s.windows) || s.windows[idx] == nil {
		return nil, fmt.Errorf("%w: address %s", ErrNotMapped, addr)
	}

	w := s.windows[idx]
	if n < 0 || off+n > len(w.shadow) {
		return nil, fmt.Errorf("%w: access %s+%d beyond mapping of %d bytes", ErrNotMapped, addr, n, len(w.shadow))
	}

	return w.shadow[off : off+n], nil
}

// DeviceDirection reports the direction of the mapping containing addr.
func (s *Space) DeviceDirection(addr Addr) (Direction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if addr < spaceBase {
		return 0, ErrNotMapped
	}

	idx := int(addr-spaceBase) / s.windowSize
	if idx >= len(s.windows) || s.windows[idx] == nil {
		return 0, ErrNotMapped
	}
	return s.windows[idx].m.dir, nil
}

// Live returns the number of mappings that have not been unmapped.
func (s *Space) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.windows) - len(s.free)
}

// Counts returns the total number of Map and Unmap calls that succeeded.
func (s *Space) Counts() (mapped, unmapped uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mapped, s.unmapped
}
