package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nicring/nicring/config"
	"github.com/nicring/nicring/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetMTU(t *testing.T) {
	c := config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("ring:\n  mtu: 1500\n  tx_size: 64\n"))

	setMTU(c, 9000)
	assert.Equal(t, 9000, c.GetInt("ring.mtu", 0))
	assert.Equal(t, 64, c.GetInt("ring.tx_size", 0))

	c = config.NewC(test.NewLogger())
	require.NoError(t, c.LoadString("irq:\n  timer: true\n"))
	setMTU(c, 4000)
	assert.Equal(t, 4000, c.GetInt("ring.mtu", 0))
}

func TestSetMTU_EmptyConfig(t *testing.T) {
	p := filepath.Join(t.TempDir(), "empty.yml")
	require.NoError(t, os.WriteFile(p, nil, 0o644))

	c := config.NewC(test.NewLogger())
	require.NoError(t, c.Load(p))
	setMTU(c, 9000)
	assert.Equal(t, 9000, c.GetInt("ring.mtu", 0))

	c.Settings = nil
	setMTU(c, 4000)
	assert.Equal(t, 4000, c.GetInt("ring.mtu", 0))
}
