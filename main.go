// Package nicring wires a descriptor ring device to the software DMA engine
// and a traffic generator, the way the nicring command runs it.
package nicring

import (
	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/dma"
	"github.com/nicring/nicring/irq"
	"github.com/nicring/nicring/loopback"
	"github.com/nicring/nicring/mac"
	"github.com/nicring/nicring/util"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"go.yaml.in/yaml/v3"
)

type m = map[string]any

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (*Control, error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the logger", nil, err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	cfg, err := mac.NewConfigFromC(l, c)
	if err != nil {
		return nil, util.NewContextualError("Failed to read the device config", nil, err)
	}

	layout, err := desc.Lookup(cfg.Layout)
	if err != nil {
		return nil, util.NewContextualError("Failed to read the device config", m{"descriptor": cfg.Layout}, err)
	}

	r := metrics.NewRegistry()

	tr, err := newTraffic(l, c, r, cfg)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the traffic generator", nil, err)
	}
	c.RegisterReloadCallback(tr.reload)

	statsStart, err := startStats(l, c, r, buildVersion, configTest)
	if err != nil {
		return nil, util.NewContextualError("Failed to start stats emitter", nil, err)
	}

	if configTest {
		return &Control{l: l, c: c, cfg: cfg, traffic: tr}, nil
	}

	////////////////////////////////////////////////////////////////////////////
	// All configuration consumption should live above this line, everything
	// allocating descriptor memory or file descriptors below
	////////////////////////////////////////////////////////////////////////////

	line, err := irq.New()
	if err != nil {
		return nil, util.NewContextualError("Failed to create the interrupt line", nil, err)
	}

	// One window per slot of either ring is all the device can have mapped.
	space := dma.NewSpace(cfg.TxRingSize+cfg.RxRingSize, 0, c.GetBool("dma.coherent", false))
	engine := loopback.New(l, layout, space, line, loopback.Options{
		FCSStripped: cfg.FCSStripped,
		RxChecksum:  cfg.RxChecksumOffload,
		Registry:    r,
	})

	l.WithField("device", cfg.Name).
		WithField("descriptor", cfg.Layout).
		WithField("coherent", space.Coherent()).
		WithField("version", buildVersion).
		Info("Loopback DMA engine ready")

	return &Control{
		l:          l,
		c:          c,
		cfg:        cfg,
		dev:        mac.NewDevice(l, cfg, engine, space, tr, r),
		engine:     engine,
		line:       line,
		traffic:    tr,
		statsStart: statsStart,
	}, nil
}
