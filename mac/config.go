package mac

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/desc"
	"github.com/nicring/nicring/ring"
	"github.com/sirupsen/logrus"
)

const (
	DefaultTxRingSize    = 2048
	DefaultRxRingSize    = 256
	DefaultMTU           = 1500
	DefaultPollBudget    = 64
	DefaultTxThreshold   = 64
	DefaultTxTimeout     = 5 * time.Second
	DefaultTimerInterval = 2 * time.Millisecond

	MinMTU       = 46
	MaxMTU       = 9000
	MaxNormalMTU = 1500

	// frameOverhead is the ethernet header, one vlan tag and the FCS.
	frameOverhead = 14 + 4 + 4
)

// bufferTiers are the receive buffer sizes, the smallest one that holds a
// full frame is used.
var bufferTiers = []int{2 * 1024, 4 * 1024, 8 * 1024, 16 * 1024}

var ErrInvalidConfig = errors.New("invalid device configuration")

// SubmitMode picks the one transmit discipline a ring accepts.
type SubmitMode int

const (
	// SubmitFrame rings take [Frame]s and map their buffers.
	SubmitFrame SubmitMode = iota
	// SubmitRaw rings take [RawFrame]s that were mapped by the caller.
	SubmitRaw
)

func (m SubmitMode) String() string {
	if m == SubmitRaw {
		return "raw"
	}
	return "frame"
}

func ParseSubmitMode(s string) (SubmitMode, error) {
	switch strings.ToLower(s) {
	case "frame", "":
		return SubmitFrame, nil
	case "raw":
		return SubmitRaw, nil
	}
	return 0, fmt.Errorf("%w: unknown tx.submit_mode %q", ErrInvalidConfig, s)
}

type Config struct {
	Name       string
	TxRingSize int
	RxRingSize int
	Layout     desc.Kind
	MTU        int
	PollBudget int
	SubmitMode SubmitMode

	TxThreshold       int
	TxChecksumOffload bool
	TxTimeout         time.Duration

	RxChecksumOffload bool
	FCSStripped       bool

	TimerPolling  bool
	TimerInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		Name:              "eth0",
		TxRingSize:        DefaultTxRingSize,
		RxRingSize:        DefaultRxRingSize,
		Layout:            desc.KindEnhanced,
		MTU:               DefaultMTU,
		PollBudget:        DefaultPollBudget,
		TxThreshold:       DefaultTxThreshold,
		TxChecksumOffload: true,
		TxTimeout:         DefaultTxTimeout,
		RxChecksumOffload: true,
		TimerInterval:     DefaultTimerInterval,
	}
}

// NewConfigFromC reads the device settings out of c, falling back to
// [DefaultConfig] for anything that is not set.
func NewConfigFromC(l *logrus.Logger, c *config.C) (Config, error) {
	d := DefaultConfig()
	cfg := Config{
		Name:              c.GetString("ring.name", d.Name),
		TxRingSize:        c.GetInt("ring.tx_size", d.TxRingSize),
		RxRingSize:        c.GetInt("ring.rx_size", d.RxRingSize),
		MTU:               c.GetInt("ring.mtu", d.MTU),
		PollBudget:        c.GetInt("ring.poll_budget", d.PollBudget),
		TxThreshold:       c.GetInt("tx.threshold", d.TxThreshold),
		TxChecksumOffload: c.GetBool("tx.checksum_offload", d.TxChecksumOffload),
		TxTimeout:         c.GetDuration("tx.timeout", d.TxTimeout),
		RxChecksumOffload: c.GetBool("rx.checksum_offload", d.RxChecksumOffload),
		FCSStripped:       c.GetBool("rx.fcs_stripped", d.FCSStripped),
		TimerPolling:      c.GetBool("irq.timer", d.TimerPolling),
		TimerInterval:     c.GetDuration("irq.timer_interval", d.TimerInterval),
	}

	var err error
	cfg.Layout, err = desc.ParseKind(c.GetString("ring.descriptor", d.Layout.String()))
	if err != nil {
		return cfg, fmt.Errorf("%w: ring.descriptor: %w", ErrInvalidConfig, err)
	}

	cfg.SubmitMode, err = ParseSubmitMode(c.GetString("tx.submit_mode", d.SubmitMode.String()))
	if err != nil {
		return cfg, err
	}

	if err := cfg.Validate(l); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration. Ring sizes that are not a power of 2 are
// rounded up with a warning, everything else is an error.
func (cfg *Config) Validate(l *logrus.Logger) error {
	for _, r := range []struct {
		name string
		size *int
	}{
		{"ring.tx_size", &cfg.TxRingSize},
		{"ring.rx_size", &cfg.RxRingSize},
	} {
		if ring.CheckRingSize(*r.size) != nil {
			n := ring.RoundUpSize(*r.size)
			l.WithField("key", r.name).
				WithField("configured", *r.size).
				WithField("using", n).
				Warn("Ring size must be a power of 2, rounding up")
			*r.size = n
		}
	}

	maxMTU := MaxMTU
	if cfg.Layout == desc.KindNormal {
		maxMTU = MaxNormalMTU
	}
	if cfg.MTU < MinMTU || cfg.MTU > maxMTU {
		return fmt.Errorf("%w: ring.mtu %d must be between %d and %d for %s descriptors",
			ErrInvalidConfig, cfg.MTU, MinMTU, maxMTU, cfg.Layout)
	}

	if cfg.PollBudget <= 0 {
		return fmt.Errorf("%w: ring.poll_budget must be positive, got %d", ErrInvalidConfig, cfg.PollBudget)
	}

	if cfg.TxThreshold <= 0 {
		return fmt.Errorf("%w: tx.threshold must be positive, got %d", ErrInvalidConfig, cfg.TxThreshold)
	}

	if cfg.TimerPolling && cfg.TimerInterval <= 0 {
		return fmt.Errorf("%w: irq.timer_interval must be positive", ErrInvalidConfig)
	}

	return nil
}

// BufSize returns the receive buffer size for the configured MTU.
func (cfg *Config) BufSize() int {
	return BufSizeForMTU(cfg.MTU)
}

func BufSizeForMTU(mtu int) int {
	frame := mtu + frameOverhead
	for _, t := range bufferTiers {
		if frame <= t {
			return t
		}
	}
	return bufferTiers[len(bufferTiers)-1]
}
