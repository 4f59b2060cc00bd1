package mac

import (
	"errors"
	"fmt"
	"sync"

	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/ring"
	"github.com/sirupsen/logrus"
)

// fcsLen is the length of the ethernet frame check sequence.
const fcsLen = 4

var ErrNoBuffer = errors.New("no receive buffer available")

type rxSlot struct {
	mapping *dma.Mapping
}

// RxEngine owns the receive ring. It is driven by a single poller.
type RxEngine struct {
	l       *logrus.Logger
	cfg     *Config
	ring    *ring.Ring[rxSlot]
	codec   desc.Codec
	mapper  dma.Mapper
	stack   Stack
	stats   *Stats
	pool    *bufferPool
	bufSize int

	mu sync.Mutex

	alloc  func(n int) []byte
	commit func(dst *desc.Descriptor, d desc.Descriptor)
}

func newRxEngine(l *logrus.Logger, cfg *Config, r *ring.Ring[rxSlot], codec desc.Codec, mapper dma.Mapper,
	stack Stack, stats *Stats, pool *bufferPool) *RxEngine {

	return &RxEngine{
		l:       l,
		cfg:     cfg,
		ring:    r,
		codec:   codec,
		mapper:  mapper,
		stack:   stack,
		stats:   stats,
		pool:    pool,
		bufSize: cfg.BufSize(),
		alloc:   func(n int) []byte { return make([]byte, n) },
		commit:  desc.Commit,
	}
}

// Init writes empty descriptors sized for the receive buffers. With
// disableInterrupt the engine will not interrupt on received frames.
func (e *RxEngine) Init(disableInterrupt bool) {
	e.codec.InitRxRing(e.ring.Descriptors(), e.bufSize, disableInterrupt)
}

// Prefill posts a buffer to every usable slot. Unlike a refill during
// operation, running out of buffers here is an error.
func (e *RxEngine) Prefill() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, err := e.refill(); err != nil {
		return err
	}

	if e.ring.Available() > 0 {
		return fmt.Errorf("%w: posted %d of %d receive buffers", ErrNoBuffer, e.ring.Outstanding(), e.ring.Capacity()-1)
	}
	return nil
}

// HasWork reports whether the DMA engine handed back the next slot.
func (e *RxEngine) HasWork() bool {
	c := e.ring.Consumed()
	return c != e.ring.Produced() && !desc.Owned(e.ring.Descriptor(c))
}

// Poll delivers up to budget received frames and then refills the ring. It
// returns the number of slots it processed.
func (e *RxEngine) Poll(budget int) int {
	if budget <= 0 {
		return 0
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	count := 0
	for count < budget {
		cursor := e.ring.Consumed()
		if cursor == e.ring.Produced() {
			break
		}

		d := desc.Load(e.ring.Descriptor(cursor))
		if e.codec.GetRxOwner(&d) {
			break
		}

		count++
		e.receive(cursor, &d)

		if err := e.ring.Consume(1); err != nil {
			panic(err)
		}
	}

	if _, err := e.refill(); err != nil {
		e.l.WithError(err).Debug("Receive refill incomplete")
	}

	return count
}

func (e *RxEngine) receive(cursor uint32, d *desc.Descriptor) {
	status := e.codec.RxStatus(d)
	if status == desc.RxDiscard {
		// The buffer stays posted in the slot and is handed back on refill.
		e.stats.RxErrors.Inc(1)
		return
	}

	slot := e.ring.Slot(cursor)
	if slot.mapping == nil {
		e.l.WithField("slot", e.ring.Index(cursor)).
			WithField("consumed", cursor).
			WithField("produced", e.ring.Produced()).
			WithField("descriptor", d.String()).
			Error("Inconsistent receive descriptor chain")
		e.stats.RxDropped.Inc(1)
		return
	}

	n := e.codec.GetRxFrameLen(d)
	if status != desc.RxLLCSNAP && !e.cfg.FCSStripped {
		n -= fcsLen
	}

	if n <= 0 || n > slot.mapping.Len() {
		e.l.WithField("slot", e.ring.Index(cursor)).
			WithField("length", n).
			Debug("Received frame with invalid length")
		e.stats.RxErrors.Inc(1)
		return
	}

	m := slot.mapping
	slot.mapping = nil
	if err := e.mapper.Unmap(m); err != nil {
		e.l.WithError(err).WithField("slot", e.ring.Index(cursor)).Error("Failed to unmap receive buffer")
		e.stats.RxDropped.Inc(1)
		return
	}

	csum := ChecksumUnnecessary
	if status != desc.RxGood {
		csum = ChecksumNone
	}

	e.stats.RxPackets.Inc(1)
	e.stats.RxBytes.Inc(int64(n))
	e.stack.DeliverFrame(m.Bytes()[:n], csum)
}

// Refill posts buffers to vacated slots and returns how many it posted. A
// failure to get a buffer stops the refill, the next poll tries again.
func (e *RxEngine) Refill() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	n, err := e.refill()
	if err != nil {
		e.l.WithError(err).Debug("Receive refill incomplete")
	}
	return n
}

func (e *RxEngine) refill() (int, error) {
	n := 0
	for e.ring.Available() > 0 {
		cursor := e.ring.Produced()
		slot := e.ring.Slot(cursor)
		dp := e.ring.Descriptor(cursor)
		d := desc.Load(dp)

		if slot.mapping == nil {
			m, err := e.newBuffer()
			if err != nil {
				e.stats.RxAllocFailures.Inc(1)
				return n, err
			}

			slot.mapping = m
			e.codec.SetRxBuffer(&d, m.Addr())
		}

		e.codec.SetRxOwner(&d)
		e.commit(dp, d)

		if err := e.ring.Produce(1); err != nil {
			panic(err)
		}
		n++
	}
	return n, nil
}

func (e *RxEngine) newBuffer() (*dma.Mapping, error) {
	buf := e.pool.get()
	if buf == nil {
		buf = e.alloc(e.bufSize)
	}
	if buf == nil {
		return nil, ErrNoBuffer
	}

	m, err := e.mapper.Map(buf, dma.FromDevice)
	if err != nil {
		e.pool.put(buf)
		return nil, fmt.Errorf("map receive buffer: %w", err)
	}
	return m, nil
}

// drain unmaps every posted buffer. The DMA engine must be stopped.
func (e *RxEngine) drain() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	for i := 0; i < e.ring.Capacity(); i++ {
		slot := e.ring.Slot(uint32(i))
		if slot.mapping == nil {
			continue
		}
		if err := e.mapper.Unmap(slot.mapping); err != nil {
			errs = append(errs, fmt.Errorf("slot %d: %w", i, err))
		}
		slot.mapping = nil
	}
	e.ring.Reset()
	return errors.Join(errs...)
}
