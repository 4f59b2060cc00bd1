package mac

import (
	"context"
	"sync"
	"testing"

	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/ring"
	"github.com/nicring/nicring/test"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/require"
)

type fakeHardware struct {
	mu sync.Mutex

	tx, rx    []desc.Descriptor
	initErr   error
	doorbells int
	txRunning bool
	rxRunning bool
	txStarts  int
	txStops   int
	modes     []DMAMode

	statuses   []DMAStatus
	irqEnabled bool
	enables    int
	disables   int
	irq        chan struct{}
}

func newFakeHardware() *fakeHardware {
	return &fakeHardware{irq: make(chan struct{}, 1)}
}

func (h *fakeHardware) InitDMA(tx, rx []desc.Descriptor) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.tx, h.rx = tx, rx
	return h.initErr
}

func (h *fakeHardware) DoorbellTransmit() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.doorbells++
}

func (h *fakeHardware) StartTx() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txRunning = true
	h.txStarts++
}

func (h *fakeHardware) StopTx() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.txRunning = false
	h.txStops++
}

func (h *fakeHardware) StartRx() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rxRunning = true
}

func (h *fakeHardware) StopRx() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.rxRunning = false
}

func (h *fakeHardware) SetDMAMode(mode DMAMode) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.modes = append(h.modes, mode)
}

func (h *fakeHardware) InterruptStatus() DMAStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.statuses) == 0 {
		return StatusNone
	}
	s := h.statuses[0]
	h.statuses = h.statuses[1:]
	return s
}

func (h *fakeHardware) EnableInterrupts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.irqEnabled = true
	h.enables++
}

func (h *fakeHardware) DisableInterrupts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.irqEnabled = false
	h.disables++
}

func (h *fakeHardware) WaitInterrupt(ctx context.Context) error {
	select {
	case <-h.irq:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// raise queues a status and asserts the interrupt line.
func (h *fakeHardware) raise(s DMAStatus) {
	h.mu.Lock()
	h.statuses = append(h.statuses, s)
	h.mu.Unlock()

	select {
	case h.irq <- struct{}{}:
	default:
	}
}

func (h *fakeHardware) enabled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.irqEnabled
}

type completion struct {
	ok     bool
	length int
}

type recordingStack struct {
	mu          sync.Mutex
	frames      [][]byte
	csums       []ChecksumStatus
	completions []completion
	stops       int
	wakes       int

	onTransmitted func()
}

func (s *recordingStack) DeliverFrame(b []byte, csum ChecksumStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, b)
	s.csums = append(s.csums, csum)
}

func (s *recordingStack) FrameTransmitted(ok bool, length int) {
	s.mu.Lock()
	s.completions = append(s.completions, completion{ok: ok, length: length})
	fn := s.onTransmitted
	s.mu.Unlock()

	if fn != nil {
		fn()
	}
}

func (s *recordingStack) QueueStopped() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stops++
}

func (s *recordingStack) QueueWoken() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakes++
}

func (s *recordingStack) delivered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *recordingStack) transmitted() []completion {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]completion(nil), s.completions...)
}

type harness struct {
	cfg    Config
	layout desc.Layout
	space  *dma.Space
	hw     *fakeHardware
	stack  *recordingStack
	stats  *Stats
	pool   *bufferPool

	txRing *ring.Ring[txSlot]
	rxRing *ring.Ring[rxSlot]
	tx     *TxEngine
	rx     *RxEngine
	sched  *Scheduler
}

func testConfig(txSize, rxSize int) Config {
	cfg := DefaultConfig()
	cfg.Name = "test"
	cfg.TxRingSize = txSize
	cfg.RxRingSize = rxSize
	cfg.TxChecksumOffload = false
	return cfg
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()

	layout, err := desc.Lookup(cfg.Layout)
	require.NoError(t, err)

	h := &harness{
		cfg:    cfg,
		layout: layout,
		space:  dma.NewSpace(cfg.TxRingSize+cfg.RxRingSize, 0, false),
		hw:     newFakeHardware(),
		stack:  &recordingStack{},
		stats:  NewStats(cfg.Name, metrics.NewRegistry()),
	}

	h.txRing, err = ring.New[txSlot](cfg.TxRingSize)
	require.NoError(t, err)
	h.rxRing, err = ring.New[rxSlot](cfg.RxRingSize)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.txRing.Close()
		h.rxRing.Close()
	})

	l := test.NewLogger()
	h.pool = newBufferPool(cfg.BufSize(), cfg.RxRingSize)
	h.tx = newTxEngine(l, &h.cfg, h.txRing, layout, h.space, h.hw, h.stack, h.stats, h.pool)
	h.rx = newRxEngine(l, &h.cfg, h.rxRing, layout, h.space, h.stack, h.stats, h.pool)
	h.sched = newScheduler(l, &h.cfg, h.hw, h.tx, h.rx, h.stats)

	h.tx.Init()
	h.rx.Init(cfg.TimerPolling)
	return h
}

// completeTx plays the DMA engine and hands back up to n owned transmit
// slots starting at the consumed cursor.
func (h *harness) completeTx(n int, ok bool) int {
	done := 0
	for c := h.txRing.Consumed(); c != h.txRing.Produced() && done < n; c++ {
		dp := h.txRing.Descriptor(c)
		if !desc.Owned(dp) {
			continue
		}
		desc.Writeback(dp, h.layout.TxWriteback(desc.Load(dp), ok))
		done++
	}
	return done
}

// completeFrames hands back whole frames, every slot up to and including the
// n-th last segment.
func (h *harness) completeFrames(n int) {
	for c := h.txRing.Consumed(); c != h.txRing.Produced() && n > 0; c++ {
		dp := h.txRing.Descriptor(c)
		d := desc.Load(dp)
		if !desc.Owned(dp) {
			continue
		}
		if h.layout.TxRequest(d).Last {
			n--
		}
		desc.Writeback(dp, h.layout.TxWriteback(d, true))
	}
}

// receive plays the DMA engine writing frame into the receive slot at
// cursor. The FCS is appended unless the engine strips it, which the enhanced
// engine does for LLC frames.
func (h *harness) receive(t *testing.T, cursor uint32, frame []byte, info desc.RxInfo) {
	t.Helper()

	dp := h.rxRing.Descriptor(cursor)
	req := h.layout.RxRequest(desc.Load(dp))
	require.True(t, req.Own)

	n := len(frame) + fcsLen
	if h.cfg.FCSStripped || (h.layout.Kind() == desc.KindEnhanced && !info.EthernetII && !info.FrameError) {
		n = len(frame)
	}

	b, err := h.space.Device(req.Addr1, n)
	require.NoError(t, err)
	copy(b, frame)

	desc.Writeback(dp, h.layout.RxWriteback(n, info))
}

func frameOf(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}
