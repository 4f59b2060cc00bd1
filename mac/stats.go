package mac

import (
	"github.com/rcrowley/go-metrics"
)

// Stats are the device counters. They are registered in a go-metrics
// registry so the stats exporters pick them up.
type Stats struct {
	TxPackets      metrics.Counter
	TxBytes        metrics.Counter
	TxErrors       metrics.Counter
	TxFatal        metrics.Counter
	TxBusy         metrics.Counter
	TxQueueStopped metrics.Counter

	RxPackets       metrics.Counter
	RxBytes         metrics.Counter
	RxErrors        metrics.Counter
	RxDropped       metrics.Counter
	RxAllocFailures metrics.Counter
	RxRecycled      metrics.Counter

	Interrupts     metrics.Counter
	Polls          metrics.Counter
	TimerSchedules metrics.Counter

	Threshold metrics.Gauge
}

func NewStats(prefix string, r metrics.Registry) *Stats {
	if r == nil {
		r = metrics.DefaultRegistry
	}

	c := func(name string) metrics.Counter {
		return metrics.GetOrRegisterCounter(prefix+"."+name, r)
	}

	return &Stats{
		TxPackets:      c("tx.packets"),
		TxBytes:        c("tx.bytes"),
		TxErrors:       c("tx.errors"),
		TxFatal:        c("tx.fatal"),
		TxBusy:         c("tx.busy"),
		TxQueueStopped: c("tx.queue_stopped"),

		RxPackets:       c("rx.packets"),
		RxBytes:         c("rx.bytes"),
		RxErrors:        c("rx.errors"),
		RxDropped:       c("rx.dropped"),
		RxAllocFailures: c("rx.alloc_failures"),
		RxRecycled:      c("rx.recycled"),

		Interrupts:     c("irq.interrupts"),
		Polls:          c("irq.polls"),
		TimerSchedules: c("irq.timer"),

		Threshold: metrics.GetOrRegisterGauge(prefix+".dma.threshold", r),
	}
}

// Clear resets every counter, done whenever the rings are initialized.
func (s *Stats) Clear() {
	for _, c := range []metrics.Counter{
		s.TxPackets, s.TxBytes, s.TxErrors, s.TxFatal, s.TxBusy, s.TxQueueStopped,
		s.RxPackets, s.RxBytes, s.RxErrors, s.RxDropped, s.RxAllocFailures, s.RxRecycled,
		s.Interrupts, s.Polls, s.TimerSchedules,
	} {
		c.Clear()
	}
	s.Threshold.Update(0)
}

// Snapshot is a point in time copy of [Stats].
type Snapshot struct {
	TxPackets, TxBytes, TxErrors, TxFatal, TxBusy, TxQueueStopped int64

	RxPackets, RxBytes, RxErrors, RxDropped, RxAllocFailures, RxRecycled int64

	Interrupts, Polls, TimerSchedules, Threshold int64
}

func (s *Stats) Snapshot() Snapshot {
	return Snapshot{
		TxPackets:       s.TxPackets.Count(),
		TxBytes:         s.TxBytes.Count(),
		TxErrors:        s.TxErrors.Count(),
		TxFatal:         s.TxFatal.Count(),
		TxBusy:          s.TxBusy.Count(),
		TxQueueStopped:  s.TxQueueStopped.Count(),
		RxPackets:       s.RxPackets.Count(),
		RxBytes:         s.RxBytes.Count(),
		RxErrors:        s.RxErrors.Count(),
		RxDropped:       s.RxDropped.Count(),
		RxAllocFailures: s.RxAllocFailures.Count(),
		RxRecycled:      s.RxRecycled.Count(),
		Interrupts:      s.Interrupts.Count(),
		Polls:           s.Polls.Count(),
		TimerSchedules:  s.TimerSchedules.Count(),
		Threshold:       s.Threshold.Value(),
	}
}
