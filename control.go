package nicring

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/irq"
	"github.com/nicring/nicring/loopback"
	"github.com/nicring/nicring/mac"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type Control struct {
	l          *logrus.Logger
	c          *config.C
	cfg        mac.Config
	dev        *mac.Device
	engine     *loopback.Engine
	line       irq.Line
	traffic    *traffic
	statsStart func()
	stopDump   io.Writer

	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

// Start opens the device and runs it with the DMA engine and the traffic
// generator. This is a nonblocking call, to block use Control.ShutdownBlock()
func (c *Control) Start() error {
	if err := c.dev.Open(); err != nil {
		return err
	}

	if c.statsStart != nil {
		go c.statsStart()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.c.CatchHUP(ctx)

	eg, ctx := errgroup.WithContext(ctx)
	eg.Go(func() error { return c.engine.Run(ctx) })
	eg.Go(func() error { return c.dev.Run(ctx) })
	eg.Go(func() error { return c.traffic.Run(ctx, c.dev) })

	c.done = make(chan struct{})
	go func() {
		c.err = eg.Wait()
		close(c.done)
	}()

	return nil
}

// Stop closes the device and waits for everything Start launched.
func (c *Control) Stop() {
	if c.done == nil {
		return
	}

	if c.stopDump != nil {
		if err := c.dev.DumpRings(c.stopDump); err != nil {
			c.l.WithError(err).Error("Failed to dump the rings")
		}
	}

	if err := c.dev.Close(); err != nil {
		c.l.WithError(err).Error("Close device failed")
	}

	c.cancel()
	<-c.done
	if c.err != nil {
		c.l.WithError(c.err).Error("Device loop failed")
	}

	if err := c.line.Close(); err != nil {
		c.l.WithError(err).Error("Close interrupt line failed")
	}
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.WithError(c.err).Error("Device stopped, shutting down")
	}

	c.Stop()
}

// Report writes the device, engine and traffic counters to w.
func (c *Control) Report(w io.Writer) error {
	st := c.dev.Stats()
	tr := c.traffic.stats()
	sent, received, missed := c.engine.Counters()

	_, err := fmt.Fprintf(w,
		"%s tx: %s frames, %s, %s errors, %s resets, %s busy\n"+
			"%s rx: %s frames, %s, %s errors, %s dropped, %s recycled\n"+
			"%s irq: %s interrupts, %s polls, %s timer, threshold %d\n"+
			"loopback: %s sent, %s received, %s missed\n"+
			"traffic: %s sent, %s completed, %s failed, %s received, %s mismatched\n",
		c.cfg.Name, humanize.Comma(st.TxPackets), humanize.Bytes(uint64(st.TxBytes)),
		humanize.Comma(st.TxErrors), humanize.Comma(st.TxFatal), humanize.Comma(st.TxBusy),
		c.cfg.Name, humanize.Comma(st.RxPackets), humanize.Bytes(uint64(st.RxBytes)),
		humanize.Comma(st.RxErrors), humanize.Comma(st.RxDropped), humanize.Comma(st.RxRecycled),
		c.cfg.Name, humanize.Comma(st.Interrupts), humanize.Comma(st.Polls), humanize.Comma(st.TimerSchedules), st.Threshold,
		humanize.Comma(sent), humanize.Comma(received), humanize.Comma(missed),
		humanize.Comma(tr.Sent), humanize.Comma(tr.Completed), humanize.Comma(tr.Failed),
		humanize.Comma(tr.Received), humanize.Comma(tr.Mismatched),
	)
	return err
}

// DumpRingsOnStop makes Stop write both descriptor rings to w before the
// device is closed.
func (c *Control) DumpRingsOnStop(w io.Writer) {
	c.stopDump = w
}

// DumpRings writes both descriptor rings of the running device to w.
func (c *Control) DumpRings(w io.Writer) error {
	return c.dev.DumpRings(w)
}
