package nicring

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/mac"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const (
	// headerLen is the ethernet, ipv4 and udp header of a generated frame.
	headerLen = 14 + 20 + 8
	seqLen    = 4

	minFrameSize = 60

	trafficPort = 9
	burstFrames = 8
	busyRetry   = 10 * time.Millisecond
)

var (
	trafficSrcMAC = net.HardwareAddr{0x02, 0x6e, 0x69, 0x63, 0x00, 0x01}
	trafficDstMAC = net.HardwareAddr{0x02, 0x6e, 0x69, 0x63, 0x00, 0x02}
	trafficSrcIP  = net.IP{169, 254, 77, 1}
	trafficDstIP  = net.IP{169, 254, 77, 2}
)

type submitter interface {
	Submit(f mac.Frame) error
}

type trafficCounters struct {
	sent       metrics.Counter
	completed  metrics.Counter
	failed     metrics.Counter
	received   metrics.Counter
	mismatched metrics.Counter
}

// traffic is the stack sitting on the device. It sends numbered UDP frames at
// the configured rate and checks every frame the device delivers.
type traffic struct {
	l         *logrus.Logger
	limiter   *rate.Limiter
	frameSize int
	bufCap    int
	count     int
	// offload leaves the checksums to the MAC. Only the enhanced layout
	// can insert them.
	offload   bool
	c         trafficCounters

	wake chan struct{}
}

func newTraffic(l *logrus.Logger, c *config.C, r metrics.Registry, cfg mac.Config) (*traffic, error) {
	maxFrame := cfg.MTU + 14
	frameSize := c.GetInt("traffic.frame_size", 512)
	if frameSize < minFrameSize || frameSize > maxFrame {
		return nil, fmt.Errorf("traffic.frame_size %d must be between %d and %d", frameSize, minFrameSize, maxFrame)
	}

	count := c.GetInt("traffic.count", 0)
	if count < 0 {
		return nil, fmt.Errorf("traffic.count must not be negative, got %d", count)
	}

	return &traffic{
		l:         l,
		limiter:   rate.NewLimiter(bandwidthLimit(c), frameSize*burstFrames),
		frameSize: frameSize,
		bufCap:    cfg.BufSize(),
		count:     count,
		offload:   cfg.TxChecksumOffload && cfg.Layout == desc.KindEnhanced,
		c: trafficCounters{
			sent:       metrics.GetOrRegisterCounter("traffic.sent", r),
			completed:  metrics.GetOrRegisterCounter("traffic.completed", r),
			failed:     metrics.GetOrRegisterCounter("traffic.failed", r),
			received:   metrics.GetOrRegisterCounter("traffic.received", r),
			mismatched: metrics.GetOrRegisterCounter("traffic.mismatched", r),
		},
		wake: make(chan struct{}, 1),
	}, nil
}

// bandwidthLimit reads traffic.bandwidth in bytes per second, 0 is unlimited.
func bandwidthLimit(c *config.C) rate.Limit {
	bw := c.GetByteSize("traffic.bandwidth", 1<<20)
	if bw == 0 {
		return rate.Inf
	}
	return rate.Limit(bw)
}

func (t *traffic) reload(c *config.C) {
	if !c.HasChanged("traffic.bandwidth") {
		return
	}

	limit := bandwidthLimit(c)
	t.limiter.SetLimit(limit)
	t.l.WithField("bandwidth", c.GetString("traffic.bandwidth", "")).Info("Traffic bandwidth changed")
}

func (t *traffic) payload(seq uint32) []byte {
	p := bytes.Repeat([]byte{byte(seq)}, t.frameSize-headerLen)
	binary.BigEndian.PutUint32(p, seq)
	return p
}

// build returns frame seq in a buffer large enough to be recycled as a
// receive buffer. Checksums are left to the MAC when it can insert them.
func (t *traffic) build(seq uint32) ([]byte, error) {
	ip := &layers.IPv4{
		Version:  4,
		TTL:      64,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    trafficSrcIP,
		DstIP:    trafficDstIP,
	}
	udp := &layers.UDP{SrcPort: trafficPort, DstPort: trafficPort}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: !t.offload},
		&layers.Ethernet{SrcMAC: trafficSrcMAC, DstMAC: trafficDstMAC, EthernetType: layers.EthernetTypeIPv4},
		ip, udp, gopacket.Payload(t.payload(seq)),
	)
	if err != nil {
		return nil, err
	}

	out := make([]byte, len(buf.Bytes()), max(t.bufCap, len(buf.Bytes())))
	copy(out, buf.Bytes())
	return out, nil
}

// verify reports whether b is a frame the generator sent.
func (t *traffic) verify(b []byte) bool {
	pkt := gopacket.NewPacket(b, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true})
	udp, _ := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP)
	if udp == nil || udp.DstPort != trafficPort || len(udp.Payload) < seqLen {
		return false
	}

	seq := binary.BigEndian.Uint32(udp.Payload)
	return bytes.Equal(udp.Payload, t.payload(seq))
}

func (t *traffic) DeliverFrame(b []byte, csum mac.ChecksumStatus) {
	if !t.verify(b) {
		t.c.mismatched.Inc(1)
		t.l.WithField("length", len(b)).WithField("checksum", csum).Debug("Received a frame the generator did not send")
		return
	}
	t.c.received.Inc(1)
}

func (t *traffic) FrameTransmitted(ok bool, _ int) {
	if ok {
		t.c.completed.Inc(1)
	} else {
		t.c.failed.Inc(1)
	}
}

func (t *traffic) QueueStopped() {}

func (t *traffic) QueueWoken() {
	select {
	case t.wake <- struct{}{}:
	default:
	}
}

// Run sends frames through dev until traffic.count frames went out or ctx is
// done.
func (t *traffic) Run(ctx context.Context, dev submitter) error {
	for seq := 0; t.count == 0 || seq < t.count; seq++ {
		f, err := t.build(uint32(seq))
		if err != nil {
			return err
		}

		if err := t.limiter.WaitN(ctx, len(f)); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		if err := t.submit(ctx, dev, f); err != nil {
			if errors.Is(err, mac.ErrDeviceClosed) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}

	t.l.WithField("frames", t.count).Info("Traffic generator finished")
	return nil
}

func (t *traffic) submit(ctx context.Context, dev submitter, f []byte) error {
	for {
		err := dev.Submit(mac.Frame{Fragments: [][]byte{f}, InsertChecksum: t.offload, Recyclable: true})
		if err == nil {
			t.c.sent.Inc(1)
			return nil
		}

		if !errors.Is(err, mac.ErrBusy) {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.wake:
		case <-time.After(busyRetry):
		}
	}
}

type trafficStats struct {
	Sent, Completed, Failed, Received, Mismatched int64
}

func (t *traffic) stats() trafficStats {
	return trafficStats{
		Sent:       t.c.sent.Count(),
		Completed:  t.c.completed.Count(),
		Failed:     t.c.failed.Count(),
		Received:   t.c.received.Count(),
		Mismatched: t.c.mismatched.Count(),
	}
}
