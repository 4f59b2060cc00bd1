package mac

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/ring"
	"github.com/sirupsen/logrus"
)

var (
	// ErrBusy is returned when the transmit ring does not have enough free
	// slots for a frame. The queue is stopped until reclaim frees enough.
	ErrBusy = errors.New("transmit ring busy")

	// ErrSubmitMode is returned when a ring gets the submission style it was
	// not configured for.
	ErrSubmitMode = errors.New("submission style not enabled on this ring")

	ErrEmptyFrame    = errors.New("frame has no data")
	ErrFrameTooLarge = errors.New("frame buffer too large for a descriptor")
)

// Frame is an outbound frame made of one or more fragments. The device owns
// the fragments until the frame is reported by [Stack.FrameTransmitted].
type Frame struct {
	Fragments [][]byte
	// InsertChecksum asks the MAC to fill in the IP and L4 checksums.
	InsertChecksum bool
	// Recyclable marks a single fragment frame whose buffer nobody else
	// references. After transmission it may become a receive buffer.
	Recyclable bool
}

// Len returns the number of bytes in the frame.
func (f Frame) Len() int {
	n := 0
	for _, b := range f.Fragments {
		n += len(b)
	}
	return n
}

// RawFrame is a frame in memory the caller already mapped for the device,
// a header buffer followed by a payload buffer.
type RawFrame struct {
	Header         dma.Addr
	HeaderLen      int
	Payload        dma.Addr
	PayloadLen     int
	InsertChecksum bool
}

type txSlot struct {
	mapping *dma.Mapping
	// frame is only set on the last slot of a frame.
	frame *txFrame
}

type txFrame struct {
	length  int
	recycle []byte
}

type txCompletion struct {
	ok     bool
	length int
}

// TxEngine owns the transmit ring. Any number of goroutines may submit, one
// goroutine reclaims.
type TxEngine struct {
	l      *logrus.Logger
	cfg    *Config
	ring   *ring.Ring[txSlot]
	codec  desc.Codec
	mapper dma.Mapper
	hw     Hardware
	stack  Stack
	stats  *Stats
	pool   *bufferPool

	lowWatermark int

	// mu serializes producers and guards the stopped queue state.
	mu sync.Mutex
	// reclaimMu is held by the reclaimer. Whoever needs both takes mu first.
	reclaimMu sync.Mutex

	stopped      atomic.Bool
	lastActivity atomic.Int64

	commit func(dst *desc.Descriptor, d desc.Descriptor)
	now    func() time.Time
}

func newTxEngine(l *logrus.Logger, cfg *Config, r *ring.Ring[txSlot], codec desc.Codec, mapper dma.Mapper,
	hw Hardware, stack Stack, stats *Stats, pool *bufferPool) *TxEngine {

	e := &TxEngine{
		l:            l,
		cfg:          cfg,
		ring:         r,
		codec:        codec,
		mapper:       mapper,
		hw:           hw,
		stack:        stack,
		stats:        stats,
		pool:         pool,
		lowWatermark: r.Capacity() / 4,
		commit:       desc.Commit,
		now:          time.Now,
	}
	e.touch()
	return e
}

// Init writes empty descriptors to the whole ring.
func (e *TxEngine) Init() {
	e.codec.InitTxRing(e.ring.Descriptors())
}

// Available returns the number of free transmit slots.
func (e *TxEngine) Available() int {
	return e.ring.Available()
}

func (e *TxEngine) Stopped() bool {
	return e.stopped.Load()
}

// HasWork reports whether submitted slots wait for reclaim.
func (e *TxEngine) HasWork() bool {
	return e.ring.Consumed() != e.ring.Produced()
}

func (e *TxEngine) chunks(f Frame) ([][]byte, error) {
	limit := e.codec.MaxBufferLen()
	var out [][]byte
	for _, frag := range f.Fragments {
		for len(frag) > 0 {
			n := min(len(frag), limit)
			out = append(out, frag[:n])
			frag = frag[n:]
		}
	}

	if len(out) == 0 {
		return nil, ErrEmptyFrame
	}
	return out, nil
}

func (e *TxEngine) checksum(insert bool) desc.Checksum {
	if insert && e.cfg.TxChecksumOffload {
		return desc.ChecksumFull
	}
	return desc.ChecksumNone
}

func (e *TxEngine) endOfRing(cursor uint32) bool {
	return e.ring.Index(cursor) == e.ring.Capacity()-1
}

// Submit queues a frame for transmission. It never blocks on the ring: when
// there is no room it stops the queue and returns [ErrBusy].
func (e *TxEngine) Submit(f Frame) error {
	if e.cfg.SubmitMode != SubmitFrame {
		return ErrSubmitMode
	}

	chunks, err := e.chunks(f)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ring.Available() < len(chunks) {
		e.stats.TxBusy.Inc(1)
		e.stopQueue()
		return ErrBusy
	}

	// Map everything before touching a descriptor, a failed mapping must not
	// leave half a chain behind.
	mappings := make([]*dma.Mapping, len(chunks))
	for i, c := range chunks {
		m, err := e.mapper.Map(c, dma.ToDevice)
		if err != nil {
			for _, m := range mappings[:i] {
				_ = e.mapper.Unmap(m)
			}
			return fmt.Errorf("map transmit buffer: %w", err)
		}
		mappings[i] = m
	}

	csum := e.checksum(f.InsertChecksum)
	first := e.ring.Produced()
	last := len(chunks) - 1
	var head desc.Descriptor

	for i, m := range mappings {
		cursor := first + uint32(i)

		var d desc.Descriptor
		e.codec.ResetTx(&d, e.endOfRing(cursor))
		e.codec.PrepareTx(&d, m.Addr(), i == 0, m.Len(), csum)

		slot := e.ring.Slot(cursor)
		slot.mapping = m
		if i == last {
			e.codec.CloseTx(&d, !e.cfg.TimerPolling)
			slot.frame = &txFrame{length: f.Len()}
			if f.Recyclable && len(f.Fragments) == 1 {
				slot.frame.recycle = f.Fragments[0]
			}
		}

		if i == 0 {
			// The engine starts fetching at the head, it is handed over
			// after the rest of the chain.
			head = d
			continue
		}

		e.codec.SetTxOwner(&d)
		e.commit(e.ring.Descriptor(cursor), d)
	}

	e.codec.SetTxOwner(&head)
	e.commit(e.ring.Descriptor(first), head)

	if err := e.ring.Produce(len(chunks)); err != nil {
		// Available was checked under mu, this can not happen.
		panic(err)
	}

	e.stats.TxBytes.Inc(int64(f.Len()))
	e.touch()
	e.hw.DoorbellTransmit()

	if e.ring.Available() <= e.lowWatermark {
		e.stopQueue()
	}

	if e.l.Level >= logrus.TraceLevel {
		e.l.WithField("slot", e.ring.Index(first)).
			WithField("slots", len(chunks)).
			WithField("length", f.Len()).
			Trace("Submitted frame")
	}
	return nil
}

// SubmitRaw queues a frame the caller mapped. It takes one slot, the header
// goes into buffer 1 and the payload into buffer 2 of the descriptor.
func (e *TxEngine) SubmitRaw(r RawFrame) error {
	if e.cfg.SubmitMode != SubmitRaw {
		return ErrSubmitMode
	}

	if r.HeaderLen+r.PayloadLen == 0 {
		return ErrEmptyFrame
	}

	split := e.codec.BufferSplit()
	if r.HeaderLen > split || r.PayloadLen > split || r.HeaderLen < 0 || r.PayloadLen < 0 {
		return fmt.Errorf("%w: header %d payload %d, limit %d", ErrFrameTooLarge, r.HeaderLen, r.PayloadLen, split)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.ring.Available() < 1 {
		e.stats.TxBusy.Inc(1)
		e.stopQueue()
		return ErrBusy
	}

	cursor := e.ring.Produced()
	length := r.HeaderLen + r.PayloadLen

	var d desc.Descriptor
	e.codec.ResetTx(&d, e.endOfRing(cursor))
	e.codec.PrepareTxBuffers(&d, desc.Buffers{
		Addr1: r.Header,
		Len1:  r.HeaderLen,
		Addr2: r.Payload,
		Len2:  r.PayloadLen,
	}, true, e.checksum(r.InsertChecksum))
	e.codec.CloseTx(&d, !e.cfg.TimerPolling)
	e.codec.SetTxOwner(&d)

	*e.ring.Slot(cursor) = txSlot{frame: &txFrame{length: length}}
	e.commit(e.ring.Descriptor(cursor), d)

	if err := e.ring.Produce(1); err != nil {
		panic(err)
	}

	e.stats.TxBytes.Inc(int64(length))
	e.touch()
	e.hw.DoorbellTransmit()

	if e.ring.Available() <= e.lowWatermark {
		e.stopQueue()
	}
	return nil
}

// Reclaim takes back every slot the DMA engine is done with, in ring order,
// and returns the number of completed frames.
func (e *TxEngine) Reclaim() int {
	done := e.reclaim()
	for _, c := range done {
		e.stack.FrameTransmitted(c.ok, c.length)
	}

	if e.stopped.Load() && e.ring.Available() > e.lowWatermark {
		e.mu.Lock()
		if e.ring.Available() > e.lowWatermark {
			e.wakeQueue()
		}
		e.mu.Unlock()
	}

	return len(done)
}

func (e *TxEngine) reclaim() []txCompletion {
	e.reclaimMu.Lock()
	defer e.reclaimMu.Unlock()

	var done []txCompletion
	for {
		cursor := e.ring.Consumed()
		if cursor == e.ring.Produced() {
			break
		}

		d := desc.Load(e.ring.Descriptor(cursor))
		if e.codec.GetTxOwner(&d) {
			break
		}

		slot := e.ring.Slot(cursor)
		if slot.mapping != nil {
			if err := e.mapper.Unmap(slot.mapping); err != nil {
				e.l.WithError(err).
					WithField("slot", e.ring.Index(cursor)).
					Error("Failed to unmap transmit buffer")
			}
		}

		if f := slot.frame; f != nil {
			ok := true
			if e.codec.IsLastSegment(&d) && e.codec.TxStatus(&d) == desc.TxError {
				ok = false
			}

			if ok {
				e.stats.TxPackets.Inc(1)
			} else {
				e.stats.TxErrors.Inc(1)
			}

			if f.recycle != nil && e.pool.put(f.recycle) {
				e.stats.RxRecycled.Inc(1)
			}

			done = append(done, txCompletion{ok: ok, length: f.length})
		}

		*slot = txSlot{}
		if err := e.ring.Consume(1); err != nil {
			panic(err)
		}
	}

	if len(done) > 0 {
		e.touch()
	}
	return done
}

// HandleError recovers from a wedged transmit DMA. Every outstanding frame is
// dropped and the ring restarts empty.
func (e *TxEngine) HandleError() {
	e.mu.Lock()
	dropped := e.resetLocked()
	e.mu.Unlock()

	for _, c := range dropped {
		e.stack.FrameTransmitted(c.ok, c.length)
	}
}

func (e *TxEngine) resetLocked() []txCompletion {
	e.reclaimMu.Lock()
	defer e.reclaimMu.Unlock()

	e.stopQueue()
	e.hw.StopTx()

	dropped := e.releaseAll()
	e.ring.Reset()
	e.codec.InitTxRing(e.ring.Descriptors())

	e.hw.StartTx()

	e.stats.TxErrors.Inc(1)
	e.stats.TxFatal.Inc(1)
	e.touch()
	e.wakeQueue()

	e.l.WithField("dropped", len(dropped)).Warn("Transmit DMA error, ring reset")
	return dropped
}

// releaseAll unmaps every outstanding slot. Both locks must be held and the
// engine stopped.
func (e *TxEngine) releaseAll() []txCompletion {
	var dropped []txCompletion
	for c := e.ring.Consumed(); c != e.ring.Produced(); c++ {
		slot := e.ring.Slot(c)
		if slot.mapping != nil {
			if err := e.mapper.Unmap(slot.mapping); err != nil {
				e.l.WithError(err).
					WithField("slot", e.ring.Index(c)).
					Error("Failed to unmap transmit buffer")
			}
		}
		if slot.frame != nil {
			dropped = append(dropped, txCompletion{ok: false, length: slot.frame.length})
		}
		*slot = txSlot{}
	}
	return dropped
}

// drain releases everything on close. The DMA engine must be stopped.
func (e *TxEngine) drain() {
	e.mu.Lock()
	e.reclaimMu.Lock()
	dropped := e.releaseAll()
	e.ring.Reset()
	e.reclaimMu.Unlock()
	e.mu.Unlock()

	for _, c := range dropped {
		e.stack.FrameTransmitted(c.ok, c.length)
	}
}

// CheckTimeout runs the transmit watchdog. When the queue has been stopped
// without any transmit progress for longer than the timeout the ring is
// reset. It returns true when it had to reset.
func (e *TxEngine) CheckTimeout() bool {
	if e.cfg.TxTimeout <= 0 || !e.stopped.Load() || !e.HasWork() {
		return false
	}

	idle := e.now().Sub(time.Unix(0, e.lastActivity.Load()))
	if idle < e.cfg.TxTimeout {
		return false
	}

	e.l.WithField("idle", idle).
		WithField("outstanding", e.ring.Outstanding()).
		Warn("Transmit timeout")
	e.HandleError()
	return true
}

func (e *TxEngine) touch() {
	e.lastActivity.Store(e.now().UnixNano())
}

// stopQueue must be called with mu held.
func (e *TxEngine) stopQueue() {
	if e.stopped.Swap(true) {
		return
	}
	e.stats.TxQueueStopped.Inc(1)
	e.stack.QueueStopped()
}

// wakeQueue must be called with mu held.
func (e *TxEngine) wakeQueue() {
	if !e.stopped.Swap(false) {
		return
	}
	e.stack.QueueWoken()
}
