package nicring

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/mac"
	"github.com/nicring/nicring/test"
	"github.com/nicring/nicring/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func loadConfig(t *testing.T, raw string) *config.C {
	t.Helper()
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString(raw))
	return c
}

func TestMain_ConfigTest(t *testing.T) {
	c := loadConfig(t, "ring:\n  tx_size: 100\n  descriptor: normal\n")

	ctrl, err := Main(c, true, "1.0.0", test.NewLogger())
	require.NoError(t, err)
	require.NotNil(t, ctrl)

	// Ring sizes come out rounded up.
	assert.Equal(t, 128, ctrl.cfg.TxRingSize)
	assert.Nil(t, ctrl.dev)
}

func TestMain_Errors(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		context string
	}{
		{"logger", "logging:\n  level: loud\n", "Failed to configure the logger"},
		{"descriptor", "ring:\n  descriptor: fancy\n", "Failed to read the device config"},
		{"mtu", "ring:\n  descriptor: normal\n  mtu: 9000\n", "Failed to read the device config"},
		{"submit mode", "tx:\n  submit_mode: telepathy\n", "Failed to read the device config"},
		{"frame size", "traffic:\n  frame_size: 20\n", "Failed to configure the traffic generator"},
		{"stats", "stats:\n  type: carrier-pigeon\n  interval: 1s\n", "Failed to start stats emitter"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Main(loadConfig(t, tt.raw), true, "1.0.0", test.NewLogger())

			var ce *util.ContextualError
			require.True(t, errors.As(err, &ce), "%v", err)
			assert.Equal(t, tt.context, ce.Context)
		})
	}
}

func TestControl(t *testing.T) {
	for _, raw := range []string{
		"ring:\n  tx_size: 8\n  rx_size: 64\n",
		"ring:\n  tx_size: 8\n  rx_size: 64\n  descriptor: normal\nirq:\n  timer: true\ndma:\n  coherent: true\n",
	} {
		c := loadConfig(t, raw+"traffic:\n  count: 50\n  bandwidth: 0\n  frame_size: 200\n")

		ctrl, err := Main(c, false, "1.0.0", test.NewLogger())
		require.NoError(t, err)
		require.NoError(t, ctrl.Start())

		require.Eventually(t, func() bool {
			st := ctrl.traffic.stats()
			return st.Received == 50 && st.Completed == 50
		}, 5*time.Second, time.Millisecond, raw)

		var b bytes.Buffer
		require.NoError(t, ctrl.DumpRings(&b))
		assert.Contains(t, b.String(), "eth0 ring tx\n")

		var dump bytes.Buffer
		ctrl.DumpRingsOnStop(&dump)
		ctrl.Stop()
		assert.Contains(t, dump.String(), "eth0 ring tx\n")
		assert.Contains(t, dump.String(), "eth0 ring rx\n")
		assert.ErrorIs(t, ctrl.DumpRings(&b), mac.ErrDeviceClosed)

		b.Reset()
		require.NoError(t, ctrl.Report(&b))
		assert.Contains(t, b.String(), "eth0 tx: 50 frames, 10 kB, 0 errors, 0 resets")
		assert.Contains(t, b.String(), "eth0 rx: 50 frames")
		assert.Contains(t, b.String(), "loopback: 50 sent, 50 received, 0 missed\n")
		assert.Contains(t, b.String(), "traffic: 50 sent, 50 completed, 0 failed, 50 received, 0 mismatched\n")

		// The device stays closed after Stop.
		assert.ErrorIs(t, ctrl.dev.Submit(mac.Frame{Fragments: [][]byte{{1}}}), mac.ErrDeviceClosed)
	}
}

func TestTraffic_Reload(t *testing.T) {
	c := loadConfig(t, "traffic:\n  bandwidth: 1MiB\n")
	ctrl, err := Main(c, true, "1.0.0", test.NewLogger())
	require.NoError(t, err)
	assert.InDelta(t, float64(1<<20), float64(ctrl.traffic.limiter.Limit()), 0)

	require.NoError(t, c.ReloadConfigString("traffic:\n  bandwidth: 2MiB\n"))
	assert.InDelta(t, float64(2<<20), float64(ctrl.traffic.limiter.Limit()), 0)

	require.NoError(t, c.ReloadConfigString("traffic:\n  bandwidth: 0\n"))
	assert.True(t, ctrl.traffic.limiter.Limit() == rate.Inf)
}
