package bms

import (
	"io"
	"log/slog"

	"github.com/HOLOS-git/corvus/bms/hal"
)

// testConfig returns a small topology so tests can address individual
// cells without driving 308 of them.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NumModules = 2
	cfg.CellsPerModule = 4
	cfg.SensorsPerModule = 2
	return cfg
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testPack builds a healthy pack record: every cell at cellMV, every
// sensor at tempDeciC, aggregation already run.
func testPack(cfg *Config, cellMV uint16, tempDeciC int16) *PackData {
	pack := newPackData(cfg)
	for i := range pack.CellMV {
		pack.CellMV[i] = cellMV
	}
	for mod := range pack.Modules {
		for c := range pack.Modules[mod].CellMV {
			pack.Modules[mod].CellMV[c] = cellMV
		}
		for s := range pack.Modules[mod].TempDeciC {
			pack.Modules[mod].TempDeciC[s] = tempDeciC
		}
		pack.Modules[mod].CommOK = true
	}
	pack.SoCHundredths = 5000
	Aggregate(&pack, cfg)
	return &pack
}

func testController(cfg *Config) (*Controller, *hal.MockCellMonitor, *hal.MockGPIO) {
	drv := hal.NewMockCellMonitor(cfg.NumModules, cfg.CellsPerModule, cfg.SensorsPerModule, 3700, 250)
	gpio := hal.NewMockGPIO(true)
	c := NewController(0, cfg, drv, gpio, hal.NewMockStore(), testLogger())
	return c, drv, gpio
}
