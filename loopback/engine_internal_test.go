package loopback

import (
	"bytes"
	"context"
	"encoding/binary"
	"hash/crc32"
	"testing"
	"time"

	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/irq"
	"github.com/nicring/nicring/mac"
	"github.com/nicring/nicring/test"
	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const rigBufSize = 2048

type rig struct {
	layout desc.Layout
	space  *dma.Space
	line   *irq.Chan
	e      *Engine
	tx, rx []desc.Descriptor
}

func newRig(t *testing.T, kind desc.Kind, opts Options) *rig {
	t.Helper()

	layout, err := desc.Lookup(kind)
	require.NoError(t, err)

	line := irq.NewChan()
	t.Cleanup(func() { line.Close() })

	opts.Registry = metrics.NewRegistry()
	r := &rig{
		layout: layout,
		space:  dma.NewSpace(32, 0, true),
		line:   line,
		tx:     make([]desc.Descriptor, 4),
		rx:     make([]desc.Descriptor, 4),
	}
	r.e = New(test.NewLogger(), layout, r.space, line, opts)

	layout.InitTxRing(r.tx)
	layout.InitRxRing(r.rx, rigBufSize, false)
	require.NoError(t, r.e.InitDMA(r.tx, r.rx))
	r.e.StartTx()
	r.e.StartRx()
	r.e.EnableInterrupts()
	return r
}

// post gives receive slot i a fresh buffer.
func (r *rig) post(t *testing.T, i int) *dma.Mapping {
	t.Helper()
	m, err := r.space.Map(make([]byte, rigBufSize), dma.FromDevice)
	require.NoError(t, err)

	d := desc.Load(&r.rx[i])
	r.layout.SetRxBuffer(&d, m.Addr())
	r.layout.SetRxOwner(&d)
	desc.Commit(&r.rx[i], d)
	return m
}

// send queues frame in transmit slot i.
func (r *rig) send(t *testing.T, i int, frame []byte, csum desc.Checksum, interrupt bool) {
	t.Helper()
	m, err := r.space.Map(frame, dma.ToDevice)
	require.NoError(t, err)

	d := desc.Load(&r.tx[i])
	r.layout.ResetTx(&d, i == len(r.tx)-1)
	r.layout.PrepareTx(&d, m.Addr(), true, len(frame), csum)
	r.layout.CloseTx(&d, interrupt)
	r.layout.SetTxOwner(&d)
	desc.Commit(&r.tx[i], d)
}

func (r *rig) received(i int) (desc.RxStatus, int) {
	d := desc.Load(&r.rx[i])
	return r.layout.RxStatus(&d), r.layout.GetRxFrameLen(&d)
}

func withFCS(frame []byte) []byte {
	return binary.LittleEndian.AppendUint32(bytes.Clone(frame), crc32.ChecksumIEEE(frame))
}

func TestEngine_Loop(t *testing.T) {
	for _, kind := range []desc.Kind{desc.KindNormal, desc.KindEnhanced} {
		t.Run(kind.String(), func(t *testing.T) {
			r := newRig(t, kind, Options{RxChecksum: true})
			frame := udpFrame(t, bytes.Repeat([]byte{7}, 100))
			sent := zeroAt(frame, ipChecksumOff, udpChecksumOff)

			m := r.post(t, 0)
			r.send(t, 0, sent, desc.ChecksumFull, true)

			assert.Equal(t, 1, r.e.Step())
			assert.False(t, desc.Owned(&r.tx[0]))
			assert.Equal(t, desc.TxOK, r.layout.TxStatus(&r.tx[0]))
			assert.False(t, desc.Owned(&r.rx[0]))

			// Only the enhanced layout inserts checksums, the normal one
			// sends the frame as given.
			want, wantStatus := frame, desc.RxGood
			if kind == desc.KindNormal {
				want, wantStatus = sent, desc.RxChecksumNone
			}

			status, n := r.received(0)
			assert.Equal(t, len(frame)+4, n)
			assert.Equal(t, withFCS(want), m.Bytes()[:n])
			assert.Equal(t, wantStatus, status)

			assert.Equal(t, mac.StatusWorkPending, r.e.InterruptStatus())
			assert.Equal(t, mac.StatusNone, r.e.InterruptStatus())

			tx, rx, missed := r.e.Counters()
			assert.Equal(t, [3]int64{1, 1, 0}, [3]int64{tx, rx, missed})

			// Nothing new in the ring.
			assert.Zero(t, r.e.Step())
		})
	}
}

func TestEngine_Receive(t *testing.T) {
	t.Run("llc on enhanced", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{RxChecksum: true})
		m := r.post(t, 0)

		frame := llcFrame(bytes.Repeat([]byte{1}, 50))
		require.True(t, r.e.Receive(frame))

		status, n := r.received(0)
		assert.Equal(t, desc.RxLLCSNAP, status)
		assert.Equal(t, frame, m.Bytes()[:n])
	})

	t.Run("fcs stripped", func(t *testing.T) {
		r := newRig(t, desc.KindNormal, Options{FCSStripped: true})
		m := r.post(t, 0)

		frame := udpFrame(t, []byte("hello"))
		require.True(t, r.e.Receive(frame))

		status, n := r.received(0)
		assert.Equal(t, desc.RxChecksumNone, status)
		assert.Equal(t, frame, m.Bytes()[:n])
	})

	t.Run("crc error", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{RxChecksum: true})
		r.post(t, 0)
		r.post(t, 1)

		r.e.Inject(FaultRxCRC)
		require.True(t, r.e.Receive(udpFrame(t, []byte("hello"))))
		require.True(t, r.e.Receive(udpFrame(t, []byte("hello"))))

		status, _ := r.received(0)
		assert.Equal(t, desc.RxDiscard, status)
		status, _ = r.received(1)
		assert.Equal(t, desc.RxGood, status)
	})

	t.Run("oversize", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{})
		r.post(t, 0)

		require.True(t, r.e.Receive(udpFrame(t, make([]byte, rigBufSize))))
		status, n := r.received(0)
		assert.Equal(t, desc.RxDiscard, status)
		assert.Equal(t, rigBufSize, n)
	})

	t.Run("no descriptor", func(t *testing.T) {
		r := newRig(t, desc.KindNormal, Options{})
		assert.False(t, r.e.Receive(udpFrame(t, nil)))

		r.post(t, 0)
		r.e.StopRx()
		assert.False(t, r.e.Receive(udpFrame(t, nil)))

		_, _, missed := r.e.Counters()
		assert.Equal(t, int64(2), missed)
		assert.Equal(t, mac.StatusNone, r.e.InterruptStatus())
	})

	t.Run("interrupt disabled per descriptor", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{})
		r.layout.InitRxRing(r.rx, rigBufSize, true)
		r.post(t, 0)

		require.True(t, r.e.Receive(udpFrame(t, nil)))
		assert.Equal(t, mac.StatusNone, r.e.InterruptStatus())
	})
}

func TestEngine_EndOfRing(t *testing.T) {
	r := newRig(t, desc.KindEnhanced, Options{NoLoop: true})

	for i := range r.tx {
		r.send(t, i, udpFrame(t, nil), desc.ChecksumNone, false)
	}
	assert.Equal(t, 4, r.e.Step())

	// The engine wrapped back to slot 0.
	r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, false)
	assert.Equal(t, 1, r.e.Step())

	// No descriptor asked for an interrupt.
	assert.Equal(t, mac.StatusNone, r.e.InterruptStatus())
}

func TestEngine_Faults(t *testing.T) {
	t.Run("tx error", func(t *testing.T) {
		r := newRig(t, desc.KindNormal, Options{NoLoop: true})
		r.e.Inject(FaultTxError)
		r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, true)
		r.send(t, 1, udpFrame(t, nil), desc.ChecksumNone, true)

		assert.Equal(t, 2, r.e.Step())
		assert.Equal(t, desc.TxError, r.layout.TxStatus(&r.tx[0]))
		assert.Equal(t, desc.TxOK, r.layout.TxStatus(&r.tx[1]))
	})

	t.Run("underflow", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{NoLoop: true})
		r.e.Inject(FaultUnderflow)
		r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, false)

		r.e.Step()
		assert.Equal(t, desc.TxError, r.layout.TxStatus(&r.tx[0]))
		assert.Equal(t, mac.StatusTxSoftError, r.e.InterruptStatus())
	})

	t.Run("underflow in store and forward", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{NoLoop: true})
		r.e.SetDMAMode(mac.DMAMode{StoreAndForward: true})
		r.e.Inject(FaultUnderflow)
		r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, false)

		r.e.Step()
		assert.Equal(t, desc.TxOK, r.layout.TxStatus(&r.tx[0]))
		assert.Equal(t, mac.StatusNone, r.e.InterruptStatus())
	})

	t.Run("hard error", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{NoLoop: true})
		r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, true)
		r.e.Inject(FaultHardError)

		assert.Zero(t, r.e.Step())
		assert.True(t, desc.Owned(&r.tx[0]))
		assert.Equal(t, mac.StatusTxHardError, r.e.InterruptStatus())

		// A restart clears the fault and starts over at slot 0.
		r.e.StopTx()
		r.e.StartTx()
		assert.Equal(t, 1, r.e.Step())
		assert.False(t, desc.Owned(&r.tx[0]))
	})

	t.Run("bus error", func(t *testing.T) {
		r := newRig(t, desc.KindEnhanced, Options{NoLoop: true})
		d := desc.Load(&r.tx[0])
		r.layout.PrepareTx(&d, 0x42, true, 60, desc.ChecksumNone)
		r.layout.CloseTx(&d, true)
		r.layout.SetTxOwner(&d)
		desc.Commit(&r.tx[0], d)

		assert.Zero(t, r.e.Step())
		assert.Equal(t, mac.StatusTxHardError, r.e.InterruptStatus())
	})
}

func TestEngine_InterruptLatch(t *testing.T) {
	r := newRig(t, desc.KindNormal, Options{NoLoop: true})
	r.e.DisableInterrupts()

	r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, true)
	r.e.Step()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, r.e.WaitInterrupt(ctx), context.DeadlineExceeded)

	// Enabling interrupts with a status latched raises the line.
	r.e.EnableInterrupts()
	require.NoError(t, r.e.WaitInterrupt(context.Background()))
	assert.Equal(t, mac.StatusWorkPending, r.e.InterruptStatus())

	// More than one pending status keeps the line raised.
	r.e.Inject(FaultHardError)
	r.e.Inject(FaultUnderflow)
	r.e.StopTx()
	r.e.StartTx()
	r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, true)
	r.e.Step()

	require.NoError(t, r.e.WaitInterrupt(context.Background()))
	assert.Equal(t, mac.StatusTxHardError, r.e.InterruptStatus())
	require.NoError(t, r.e.WaitInterrupt(context.Background()))
	assert.Equal(t, mac.StatusTxSoftError, r.e.InterruptStatus())
	require.NoError(t, r.e.WaitInterrupt(context.Background()))
	assert.Equal(t, mac.StatusWorkPending, r.e.InterruptStatus())
	assert.Equal(t, mac.StatusNone, r.e.InterruptStatus())
}

func TestEngine_Run(t *testing.T) {
	r := newRig(t, desc.KindEnhanced, Options{})
	r.post(t, 0)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.e.Run(ctx) }()

	r.send(t, 0, udpFrame(t, nil), desc.ChecksumNone, false)
	r.e.DoorbellTransmit()

	require.Eventually(t, func() bool {
		return !desc.Owned(&r.rx[0])
	}, time.Second, time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestEngine_InitDMA(t *testing.T) {
	r := newRig(t, desc.KindNormal, Options{})
	assert.ErrorIs(t, r.e.InitDMA(nil, r.rx), ErrNoRing)
	assert.ErrorIs(t, r.e.InitDMA(r.tx, nil), ErrNoRing)
}
