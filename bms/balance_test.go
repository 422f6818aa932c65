package bms

import (
	"testing"

	"github.com/HOLOS-git/corvus/bms/hal"
	"github.com/stretchr/testify/assert"
)

func newBalancerUnderTest(cfg *Config) (*Balancer, *hal.MockCellMonitor) {
	drv := hal.NewMockCellMonitor(cfg.NumModules, cfg.CellsPerModule, cfg.SensorsPerModule, 3700, 250)
	return NewBalancer(cfg, drv), drv
}

func TestBalanceBleedsHighCells(t *testing.T) {
	cfg := testConfig()
	b, drv := newBalancerUnderTest(&cfg)
	pack := testPack(&cfg, 3700, 250)
	pack.Mode = ModeReady

	// Module 0 cell 1 sits 30 mV high; target is min + 10 mV.
	pack.CellMV[1] = 3730
	pack.Modules[0].CellMV[1] = 3730
	Aggregate(pack, &cfg)

	b.Run(pack)
	assert.True(t, b.Active)
	assert.Equal(t, uint16(1<<1), drv.BalanceMask(0))
	assert.Equal(t, uint16(0), drv.BalanceMask(1))
}

func TestBalanceIdleWhenBalanced(t *testing.T) {
	cfg := testConfig()
	b, drv := newBalancerUnderTest(&cfg)
	pack := testPack(&cfg, 3700, 250)
	pack.Mode = ModeReady
	pack.CellMV[1] = 3715 // within the 20 mV threshold
	pack.Modules[0].CellMV[1] = 3715
	Aggregate(pack, &cfg)

	b.Run(pack)
	assert.False(t, b.Active)
	assert.Equal(t, uint16(0), drv.BalanceMask(0))
}

func TestBalanceStopsUnderLoad(t *testing.T) {
	cfg := testConfig()
	b, drv := newBalancerUnderTest(&cfg)
	pack := testPack(&cfg, 3700, 250)
	pack.Mode = ModeConnected
	pack.CellMV[1] = 3740
	pack.Modules[0].CellMV[1] = 3740
	Aggregate(pack, &cfg)

	b.Run(pack)
	assert.True(t, b.Active)

	// 1C charge: above the 0.2C balancing ceiling.
	pack.PackCurrentMA = 128000
	b.Run(pack)
	assert.False(t, b.Active)
	assert.Equal(t, uint16(0), drv.BalanceMask(0))
}

func TestBalanceOnlyInReadyOrConnected(t *testing.T) {
	cfg := testConfig()
	b, drv := newBalancerUnderTest(&cfg)
	pack := testPack(&cfg, 3700, 250)
	pack.Mode = ModeFault
	pack.CellMV[1] = 3740
	pack.Modules[0].CellMV[1] = 3740
	Aggregate(pack, &cfg)

	b.Run(pack)
	assert.False(t, b.Active)
	assert.Equal(t, uint16(0), drv.BalanceMask(0))
}
