// Package sim provides an equivalent-circuit pack model behind the
// cell-monitor capability, so the controller can run closed-loop on a
// desktop: OCV(SoC) from the chemistry table, R(T,SoC) from the
// resistance surface, coulomb integration and a first-order thermal
// model. The core never imports this package; it only ever sees the
// hal interfaces.
package sim

import (
	"sync"

	"github.com/HOLOS-git/corvus/bms"
	"github.com/HOLOS-git/corvus/bms/hal"
)

// Thermal parameters for a full pack: composite heat capacity of cells
// plus enclosure, and a lumped cooling coefficient toward ambient.
const (
	thermalMassJPerC  = 1268000.0
	coolingWPerC      = 800.0
	ambientDeciC      = 400
	minTempDeciC      = -400
	maxTempDeciC      = 2000
)

// Pack is one simulated pack. It implements hal.CellMonitor for the
// monitor task and bms.PackPhysics for the array coordinator.
type Pack struct {
	mu sync.Mutex

	cfg *bms.Config

	socHundredths uint16
	tempDeciC     int16
	currentMA     int64

	// Per-cell millivolt offsets on top of the uniform terminal
	// voltage, for imbalance injection. Indexed by series element.
	offsetsMV []int16

	extHeatW   float64
	tempFrac   float64 // sub-deci-C accumulation
	socFracMA  int64   // sub-hundredth coulomb residue, mA*ms
	balanceMsk []uint16
}

// NewPack creates a pack at the given state of charge and temperature.
func NewPack(cfg *bms.Config, socHundredths uint16, tempDeciC int16) *Pack {
	return &Pack{
		cfg:           cfg,
		socHundredths: socHundredths,
		tempDeciC:     tempDeciC,
		offsetsMV:     make([]int16, cfg.NumCells()),
		balanceMsk:    make([]uint16, cfg.NumModules),
	}
}

// cellMV returns the loaded terminal voltage of one series element.
func (p *Pack) cellMV(idx int) uint16 {
	ocv := int64(bms.OCVFromSoC(p.socHundredths))
	r := bms.PackResistanceUohm(p.tempDeciC, p.socHundredths, p.cfg.NumModules)
	// mA * uohm = nV; per cell, then to mV.
	dropUV := p.currentMA * r / 1000 / int64(p.cfg.NumCells())
	mv := ocv + dropUV/1000 + int64(p.offsetsMV[idx])
	if mv < 0 {
		mv = 0
	}
	if mv > 0xFFFF {
		mv = 0xFFFF
	}
	return uint16(mv)
}

// SetCurrent implements bms.PackPhysics.
func (p *Pack) SetCurrent(ma int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.currentMA = ma
}

// Advance implements bms.PackPhysics: coulomb integration and the
// thermal model.
func (p *Pack) Advance(dtMS uint32) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Coulomb counting with sub-tick residue carried forward.
	p.socFracMA += p.currentMA * int64(dtMS)
	denom := int64(p.cfg.NominalCapacityMAh) * 360
	if delta := p.socFracMA / denom; delta != 0 {
		p.socFracMA -= delta * denom
		soc := int64(p.socHundredths) + delta
		if soc < 0 {
			soc = 0
		}
		if soc > 10000 {
			soc = 10000
		}
		p.socHundredths = uint16(soc)
	}

	// First-order thermal: ohmic loss plus external heat against
	// cooling toward ambient.
	r := bms.PackResistanceUohm(p.tempDeciC, p.socHundredths, p.cfg.NumModules)
	amps := float64(p.currentMA) / 1000.0
	lossW := amps * amps * float64(r) / 1e6
	coolW := coolingWPerC * float64(p.tempDeciC-ambientDeciC) / 10.0
	dt := float64(dtMS) / 1000.0
	p.tempFrac += (lossW + p.extHeatW - coolW) * dt / thermalMassJPerC * 10.0
	if whole := int16(p.tempFrac); whole != 0 {
		p.tempFrac -= float64(whole)
		t := p.tempDeciC + whole
		if t < minTempDeciC {
			t = minTempDeciC
		}
		if t > maxTempDeciC {
			t = maxTempDeciC
		}
		p.tempDeciC = t
	}
}

// SetExternalHeat injects external heating power in watts.
func (p *Pack) SetExternalHeat(w float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extHeatW = w
}

// SetTemperature overrides the pack temperature.
func (p *Pack) SetTemperature(deciC int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tempDeciC = deciC
}

// SetCellOffset biases one series element relative to the pack.
func (p *Pack) SetCellOffset(idx int, mv int16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.offsetsMV[idx] = mv
}

// SoCHundredths returns the model's true state of charge.
func (p *Pack) SoCHundredths() uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.socHundredths
}

// CurrentMA returns the applied current.
func (p *Pack) CurrentMA() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.currentMA
}

// hal.CellMonitor implementation.

func (p *Pack) Init(module int) error { return nil }

func (p *Pack) ReadCells(module int, dst []uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	base := module * p.cfg.CellsPerModule
	for i := range dst {
		dst[i] = p.cellMV(base + i)
	}
	return nil
}

func (p *Pack) ReadTemperatures(module int, dst []int16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range dst {
		dst[i] = p.tempDeciC
	}
	return nil
}

func (p *Pack) ReadCurrent(module int) (int32, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return int32(p.currentMA), nil
}

func (p *Pack) ReadSafetyStatus(module int) (hal.SafetyBits, error) {
	return 0, nil
}

func (p *Pack) SetBalanceMask(module int, mask uint16) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.balanceMsk[module] = mask
	return nil
}

// BalanceMask returns the last mask applied to a module.
func (p *Pack) BalanceMask(module int) uint16 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balanceMsk[module]
}
