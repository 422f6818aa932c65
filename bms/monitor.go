package bms

import (
	"fmt"

	"github.com/HOLOS-git/corvus/bms/hal"
)

// Monitor drives the cell-monitor chain and keeps the pack record's
// derived statistics current. Modules are scanned with a rotating
// index, one module per tick, so a single tick never blocks on the
// whole chain; the aggregation pass always runs over the last
// committed full array.
type Monitor struct {
	driver hal.CellMonitor
	scan   int
}

// NewMonitor creates a monitor over the given driver.
func NewMonitor(driver hal.CellMonitor) *Monitor {
	return &Monitor{driver: driver}
}

// InitModules verifies every module is present and primes the pack
// record with one full scan. Called once at power-on.
func (m *Monitor) InitModules(pack *PackData, cfg *Config) error {
	for mod := 0; mod < cfg.NumModules; mod++ {
		if err := m.driver.Init(mod); err != nil {
			pack.Faults.CommLoss = true
			return fmt.Errorf("module %d init: %w", mod, err)
		}
	}
	for mod := 0; mod < cfg.NumModules; mod++ {
		m.readModule(pack, cfg, mod)
	}
	m.readCurrent(pack)
	Aggregate(pack, cfg)
	return nil
}

// Step performs one monitor tick: refresh the next module in the scan
// rotation, sample the current sensor, aggregate, and advance uptime.
func (m *Monitor) Step(pack *PackData, cfg *Config, dtMS uint32) {
	m.readModule(pack, cfg, m.scan)
	m.scan = (m.scan + 1) % cfg.NumModules

	m.readCurrent(pack)
	Aggregate(pack, cfg)

	pack.UptimeMS += dtMS
}

func (m *Monitor) readModule(pack *PackData, cfg *Config, mod int) {
	md := &pack.Modules[mod]

	if err := m.driver.ReadCells(mod, md.CellMV); err != nil {
		md.CommOK = false
		pack.Faults.CommLoss = true
		return
	}
	md.CommOK = true

	base := mod * cfg.CellsPerModule
	var stack uint32
	for c, mv := range md.CellMV {
		pack.CellMV[base+c] = mv
		stack += uint32(mv)
	}
	md.StackMV = stack

	if err := m.driver.ReadTemperatures(mod, md.TempDeciC); err != nil {
		md.CommOK = false
		pack.Faults.CommLoss = true
		return
	}

	bits, err := m.driver.ReadSafetyStatus(mod)
	if err != nil {
		md.CommOK = false
		pack.Faults.CommLoss = true
		return
	}
	md.Safety = bits

	// ASIC-latched safety bits map straight onto the hardware fault
	// flags, independent of the protection engine's timer path.
	if bits&hal.SafetyCellOV != 0 {
		pack.Faults.HwOV = true
	}
	if bits&hal.SafetyCellUV != 0 {
		pack.Faults.HwUV = true
	}
	if bits&hal.SafetySCDischarge != 0 {
		pack.Faults.SCDischarge = true
		pack.FaultLatched = true
	}
	if bits&(hal.SafetyOTDischarge|hal.SafetyOTCharge|hal.SafetyOTFET) != 0 {
		pack.Faults.HwOT = true
	}
}

func (m *Monitor) readCurrent(pack *PackData) {
	ma, err := m.driver.ReadCurrent(0)
	if err != nil {
		pack.Faults.CommLoss = true
		return
	}
	pack.PackCurrentMA = ma
}

// Aggregate recomputes the pack's derived statistics from the cell and
// sensor arrays. Pure over its inputs: it reads the raw arrays and
// writes only the derived fields. Cells reading 0 are unconnected and
// do not participate in minimum detection; if every cell reads 0 the
// derived voltages fall back to zero.
func Aggregate(pack *PackData, cfg *Config) {
	var (
		sum     uint32
		maxMV   uint16
		minMV   uint16 = 0xFFFF
		nonZero bool
	)
	for _, v := range pack.CellMV {
		sum += uint32(v)
		if v > maxMV {
			maxMV = v
		}
		if v != 0 {
			nonZero = true
			if v < minMV {
				minMV = v
			}
		}
	}
	if !nonZero {
		pack.MaxCellMV = 0
		pack.MinCellMV = 0
		pack.AvgCellMV = 0
		pack.PackVoltageMV = 0
	} else {
		pack.MaxCellMV = maxMV
		pack.MinCellMV = minMV
		pack.AvgCellMV = uint16(sum / uint32(cfg.NumCells()))
		pack.PackVoltageMV = sum
	}

	maxT := int16(-400)
	minT := int16(7000)
	for mod := range pack.Modules {
		for _, t := range pack.Modules[mod].TempDeciC {
			if t > maxT {
				maxT = t
			}
			if t < minT {
				minT = t
			}
		}
	}
	pack.MaxTempDeciC = maxT
	pack.MinTempDeciC = minT

	if nonZero && pack.MaxCellMV-pack.MinCellMV > cfg.ImbalanceWarnMV {
		pack.Faults.Imbalance = true
		pack.HasWarning = true
	} else {
		pack.Faults.Imbalance = false
	}
}
