// Package loopback is a software MAC DMA engine. It walks the descriptor rings
// the same way a DMA engine does, reading and writing buffers through their
// device addresses, and loops every transmitted frame back into the receive
// ring.
package loopback

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"sync"

	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/irq"
	"github.com/nicring/nicring/mac"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var ErrNoRing = errors.New("descriptor ring is empty")

// Fault is an error the engine can be told to produce.
type Fault int

const (
	// FaultTxError completes the next transmitted frame with an error status.
	FaultTxError Fault = iota
	// FaultUnderflow makes the next frame underflow the transmit FIFO unless
	// the engine runs in store and forward mode.
	FaultUnderflow
	// FaultHardError wedges the transmit engine until it is restarted.
	FaultHardError
	// FaultRxCRC corrupts the FCS of the next received frame.
	FaultRxCRC
)

type Options struct {
	// FCSStripped makes the engine drop the FCS of every received frame.
	FCSStripped bool
	// RxChecksum enables the receive checksum engine.
	RxChecksum bool
	// NoLoop sends transmitted frames nowhere.
	NoLoop bool
	// Registry receives the engine counters, nil for the default registry.
	Registry metrics.Registry
}

type counters struct {
	txFrames metrics.Counter
	rxFrames metrics.Counter
	rxMissed metrics.Counter
}

// Engine implements [mac.Hardware].
type Engine struct {
	l      *logrus.Logger
	layout desc.Layout
	space  *dma.Space
	line   irq.Line
	opts   Options
	c      counters

	mu         sync.Mutex
	tx, rx     []desc.Descriptor
	txIdx      int
	rxIdx      int
	txRunning  bool
	rxRunning  bool
	wedged     bool
	mode       mac.DMAMode
	irqEnabled bool
	pending    uint8
	faults     map[Fault]int

	doorbell chan struct{}
}

func New(l *logrus.Logger, layout desc.Layout, space *dma.Space, line irq.Line, opts Options) *Engine {
	r := opts.Registry
	if r == nil {
		r = metrics.DefaultRegistry
	}

	return &Engine{
		l:      l,
		layout: layout,
		space:  space,
		line:   line,
		opts:   opts,
		c: counters{
			txFrames: metrics.GetOrRegisterCounter("loopback.tx.frames", r),
			rxFrames: metrics.GetOrRegisterCounter("loopback.rx.frames", r),
			rxMissed: metrics.GetOrRegisterCounter("loopback.rx.missed", r),
		},
		faults:   make(map[Fault]int),
		doorbell: make(chan struct{}, 1),
	}
}

func (e *Engine) InitDMA(tx, rx []desc.Descriptor) error {
	if len(tx) == 0 || len(rx) == 0 {
		return ErrNoRing
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	e.tx, e.rx = tx, rx
	e.txIdx, e.rxIdx = 0, 0
	e.pending = 0
	return nil
}

func (e *Engine) DoorbellTransmit() {
	select {
	case e.doorbell <- struct{}{}:
	default:
	}
}

func (e *Engine) StartTx() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txRunning = true
}

// StopTx halts the transmit engine. It restarts at the base of the ring.
func (e *Engine) StopTx() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.txRunning = false
	e.wedged = false
	e.txIdx = 0
}

func (e *Engine) StartRx() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rxRunning = true
}

func (e *Engine) StopRx() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rxRunning = false
	e.rxIdx = 0
}

func (e *Engine) SetDMAMode(mode mac.DMAMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.mode = mode
}

func (e *Engine) DMAMode() mac.DMAMode {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.mode
}

// InterruptStatus returns and acknowledges the most severe pending status.
func (e *Engine) InterruptStatus() mac.DMAStatus {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, s := range []mac.DMAStatus{mac.StatusTxHardError, mac.StatusTxSoftError, mac.StatusWorkPending} {
		if e.pending&(1<<s) == 0 {
			continue
		}

		e.pending &^= 1 << s
		if e.pending != 0 {
			e.raiseLocked()
		}
		return s
	}
	return mac.StatusNone
}

func (e *Engine) EnableInterrupts() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.irqEnabled = true
	if e.pending != 0 {
		e.raiseLocked()
	}
}

func (e *Engine) DisableInterrupts() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.irqEnabled = false
}

func (e *Engine) WaitInterrupt(ctx context.Context) error {
	return e.line.Wait(ctx)
}

// Inject arms a fault. Faults of the same kind add up.
func (e *Engine) Inject(f Fault) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if f == FaultHardError {
		e.wedged = true
		e.latchLocked(mac.StatusTxHardError)
		return
	}
	e.faults[f]++
}

func (e *Engine) takeFault(f Fault) bool {
	if e.faults[f] == 0 {
		return false
	}
	e.faults[f]--
	return true
}

// latchLocked records a status and raises the line if interrupts are on.
func (e *Engine) latchLocked(s mac.DMAStatus) {
	e.pending |= 1 << s
	if e.irqEnabled {
		e.raiseLocked()
	}
}

func (e *Engine) raiseLocked() {
	if err := e.line.Raise(); err != nil && !errors.Is(err, irq.ErrClosed) {
		e.l.WithError(err).Error("Failed to raise the interrupt line")
	}
}

// Run processes the transmit ring every time the doorbell rings, until ctx
// is done.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-e.doorbell:
			e.Step()
		}
	}
}

// Step sends every frame the transmit ring holds and returns how many it
// sent.
func (e *Engine) Step() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	sent := 0
	var frame []byte
	for e.txRunning && !e.wedged && len(e.tx) > 0 {
		dp := &e.tx[e.txIdx]
		if !desc.Owned(dp) {
			break
		}

		d := desc.Load(dp)
		req := e.layout.TxRequest(d)
		if req.First {
			frame = frame[:0]
		}

		var err error
		frame, err = e.gather(frame, req.Buffers)
		if err != nil {
			e.l.WithError(err).
				WithField("slot", e.txIdx).
				WithField("descriptor", d.String()).
				Warn("Transmit DMA bus error")
			e.wedged = true
			e.latchLocked(mac.StatusTxHardError)
			break
		}

		ok := true
		var wire []byte
		if req.Last {
			wire, ok = e.transmitLocked(frame, req.Checksum)
			sent++
		}

		desc.Writeback(dp, e.layout.TxWriteback(d, ok))
		e.advanceTx(req.EndOfRing)

		if req.Last && req.Interrupt {
			e.latchLocked(mac.StatusWorkPending)
		}
		if wire != nil && !e.opts.NoLoop {
			e.receiveLocked(wire)
		}
	}
	return sent
}

func (e *Engine) advanceTx(endOfRing bool) {
	e.txIdx++
	if endOfRing || e.txIdx == len(e.tx) {
		e.txIdx = 0
	}
}

func (e *Engine) gather(frame []byte, b desc.Buffers) ([]byte, error) {
	for _, part := range []struct {
		addr dma.Addr
		n    int
	}{{b.Addr1, b.Len1}, {b.Addr2, b.Len2}} {
		if part.n == 0 {
			continue
		}

		buf, err := e.space.Device(part.addr, part.n)
		if err != nil {
			return frame, err
		}
		frame = append(frame, buf...)
	}
	return frame, nil
}

// transmitLocked puts a gathered frame on the wire. It returns the frame as
// sent and whether it went out without error.
func (e *Engine) transmitLocked(frame []byte, csum desc.Checksum) ([]byte, bool) {
	if e.takeFault(FaultTxError) {
		return nil, false
	}

	if e.takeFault(FaultUnderflow) && !e.mode.StoreAndForward {
		e.latchLocked(mac.StatusTxSoftError)
		return nil, false
	}

	out := append([]byte(nil), frame...)
	insertChecksums(out, csum)
	e.c.txFrames.Inc(1)
	return out, true
}

// Receive puts frame into the receive ring as if it arrived from the wire.
// It returns false if the frame was dropped.
func (e *Engine) Receive(frame []byte) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiveLocked(frame)
}

func (e *Engine) receiveLocked(frame []byte) bool {
	if !e.rxRunning || len(e.rx) == 0 {
		e.c.rxMissed.Inc(1)
		return false
	}

	dp := &e.rx[e.rxIdx]
	if !desc.Owned(dp) {
		e.c.rxMissed.Inc(1)
		return false
	}

	d := desc.Load(dp)
	req := e.layout.RxRequest(d)
	info := classify(frame, e.opts.RxChecksum)

	wire := append([]byte(nil), frame...)
	if !e.stripsFCS(info) {
		fcs := crc32.ChecksumIEEE(frame)
		if e.takeFault(FaultRxCRC) {
			fcs = ^fcs
			info.FrameError = true
		}
		wire = binary.LittleEndian.AppendUint32(wire, fcs)
	}

	if len(wire) > req.Len() {
		wire = wire[:req.Len()]
		info.FrameError = true
	}

	if err := e.scatter(wire, req.Buffers); err != nil {
		e.l.WithError(err).
			WithField("slot", e.rxIdx).
			WithField("descriptor", d.String()).
			Warn("Receive DMA bus error")
		e.c.rxMissed.Inc(1)
		return false
	}

	desc.Writeback(dp, e.layout.RxWriteback(len(wire), info))
	e.c.rxFrames.Inc(1)

	e.rxIdx++
	if req.EndOfRing || e.rxIdx == len(e.rx) {
		e.rxIdx = 0
	}

	if !req.DisableInterrupt {
		e.latchLocked(mac.StatusWorkPending)
	}
	return true
}

// stripsFCS reports whether the frame reaches memory without its FCS. The
// enhanced engine always strips it from 802.3 length frames.
func (e *Engine) stripsFCS(info desc.RxInfo) bool {
	if e.opts.FCSStripped {
		return true
	}
	return e.layout.Kind() == desc.KindEnhanced && !info.EthernetII && !info.FrameError
}

func (e *Engine) scatter(wire []byte, b desc.Buffers) error {
	n1 := min(len(wire), b.Len1)
	dst, err := e.space.Device(b.Addr1, n1)
	if err != nil {
		return err
	}
	copy(dst, wire[:n1])

	rest := wire[n1:]
	if len(rest) == 0 {
		return nil
	}

	if len(rest) > b.Len2 {
		return fmt.Errorf("frame of %d bytes does not fit buffers of %d", len(wire), b.Len())
	}

	dst, err = e.space.Device(b.Addr2, len(rest))
	if err != nil {
		return err
	}
	copy(dst, rest)
	return nil
}

// Counters returns the number of frames sent, received and missed for lack
// of a receive descriptor.
func (e *Engine) Counters() (tx, rx, missed int64) {
	return e.c.txFrames.Count(), e.c.rxFrames.Count(), e.c.rxMissed.Count()
}
