package mac

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/ring"
	"github.com/nicring/nicring/util"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
)

var (
	ErrDeviceClosed = errors.New("device is not open")
	ErrDeviceOpen   = errors.New("device is already open")
)

// Device ties the rings, the engines and the scheduler of one MAC together.
type Device struct {
	l      *logrus.Logger
	cfg    Config
	hw     Hardware
	mapper dma.Mapper
	stack  Stack
	stats  *Stats

	mu     sync.RWMutex
	opened bool
	cancel context.CancelFunc
	// running tracks Run so Close can wait for the poller to leave the rings.
	running sync.WaitGroup

	txRing *ring.Ring[txSlot]
	rxRing *ring.Ring[rxSlot]
	tx     *TxEngine
	rx     *RxEngine
	sched  *Scheduler
}

// NewDevice returns a closed device. Its counters are registered in r under
// the device name, the default registry is used when r is nil.
func NewDevice(l *logrus.Logger, cfg Config, hw Hardware, mapper dma.Mapper, stack Stack, r metrics.Registry) *Device {
	return &Device{
		l:      l,
		cfg:    cfg,
		hw:     hw,
		mapper: mapper,
		stack:  stack,
		stats:  NewStats(cfg.Name, r),
	}
}

// Open allocates the rings, posts the receive buffers and starts the DMA
// engine. Anything allocated is released again if it fails.
func (d *Device) Open() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.opened {
		return ErrDeviceOpen
	}

	if err := d.cfg.Validate(d.l); err != nil {
		return err
	}

	layout, err := desc.Lookup(d.cfg.Layout)
	if err != nil {
		return err
	}

	fields := map[string]any{
		"device":  d.cfg.Name,
		"txSize":  d.cfg.TxRingSize,
		"rxSize":  d.cfg.RxRingSize,
		"layout":  d.cfg.Layout,
		"bufSize": d.cfg.BufSize(),
	}

	d.stats.Clear()

	d.txRing, err = ring.New[txSlot](d.cfg.TxRingSize)
	if err != nil {
		return util.NewContextualError("Failed to allocate the transmit ring", fields, err)
	}

	d.rxRing, err = ring.New[rxSlot](d.cfg.RxRingSize)
	if err != nil {
		d.release()
		return util.NewContextualError("Failed to allocate the receive ring", fields, err)
	}

	pool := newBufferPool(d.cfg.BufSize(), d.rxRing.Capacity())
	d.tx = newTxEngine(d.l, &d.cfg, d.txRing, layout, d.mapper, d.hw, d.stack, d.stats, pool)
	d.rx = newRxEngine(d.l, &d.cfg, d.rxRing, layout, d.mapper, d.stack, d.stats, pool)
	d.sched = newScheduler(d.l, &d.cfg, d.hw, d.tx, d.rx, d.stats)

	d.tx.Init()
	d.rx.Init(d.cfg.TimerPolling)

	if err := d.rx.Prefill(); err != nil {
		d.release()
		return util.NewContextualError("Failed to post the receive buffers", fields, err)
	}

	if err := d.hw.InitDMA(d.txRing.Descriptors(), d.rxRing.Descriptors()); err != nil {
		d.release()
		return util.NewContextualError("Failed to initialize the DMA engine", fields, err)
	}

	d.sched.initDMAMode()
	d.hw.StartTx()
	d.hw.StartRx()
	d.sched.start()

	d.opened = true
	d.l.WithFields(fields).
		WithField("submitMode", d.cfg.SubmitMode).
		WithField("timer", d.cfg.TimerPolling).
		Info("Device opened")
	return nil
}

// release frees everything Open allocated. The DMA engine must not be
// running.
func (d *Device) release() error {
	var errs []error
	if d.tx != nil {
		d.tx.drain()
	}
	if d.rx != nil {
		if err := d.rx.drain(); err != nil {
			errs = append(errs, fmt.Errorf("receive ring: %w", err))
		}
	}
	if d.txRing != nil {
		errs = append(errs, d.txRing.Close())
	}
	if d.rxRing != nil {
		errs = append(errs, d.rxRing.Close())
	}

	d.tx, d.rx, d.sched = nil, nil, nil
	d.txRing, d.rxRing = nil, nil
	return errors.Join(errs...)
}

// Run services the device until ctx is done or the device is closed.
func (d *Device) Run(ctx context.Context) error {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return ErrDeviceClosed
	}

	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	sched := d.sched
	d.running.Add(1)
	d.mu.Unlock()

	defer d.running.Done()
	defer cancel()
	return sched.Run(ctx)
}

// Close stops the DMA engine and releases every buffer still on the rings.
// Frames that were not sent are reported as failed.
func (d *Device) Close() error {
	d.mu.Lock()
	if !d.opened {
		d.mu.Unlock()
		return nil
	}
	d.opened = false
	cancel := d.cancel
	d.cancel = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.running.Wait()

	d.sched.stop()
	d.hw.StopTx()
	d.hw.StopRx()

	err := d.release()
	d.l.WithField("device", d.cfg.Name).Info("Device closed")
	return err
}

// Submit queues f for transmission. See [TxEngine.Submit].
func (d *Device) Submit(f Frame) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.opened {
		return ErrDeviceClosed
	}
	return d.tx.Submit(f)
}

// SubmitRaw queues an already mapped frame. See [TxEngine.SubmitRaw].
func (d *Device) SubmitRaw(r RawFrame) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.opened {
		return ErrDeviceClosed
	}
	return d.tx.SubmitRaw(r)
}

// TxAvailable returns the number of free transmit slots, 0 when closed.
func (d *Device) TxAvailable() int {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.opened {
		return 0
	}
	return d.tx.Available()
}

// PollController services the device without waiting for an interrupt.
func (d *Device) PollController() {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.opened {
		d.sched.PollController()
	}
}

func (d *Device) Stats() Snapshot {
	return d.stats.Snapshot()
}

func (d *Device) Config() Config {
	return d.cfg
}

// DumpRings writes both descriptor rings to w.
func (d *Device) DumpRings(w io.Writer) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if !d.opened {
		return ErrDeviceClosed
	}

	for _, r := range []struct {
		name string
		dump func(io.Writer) error
	}{
		{"tx", d.txRing.Dump},
		{"rx", d.rxRing.Dump},
	} {
		if _, err := fmt.Fprintf(w, "%s ring %s\n", d.cfg.Name, r.name); err != nil {
			return err
		}
		if err := r.dump(w); err != nil {
			return err
		}
	}
	return nil
}
