package bms

import (
	"github.com/HOLOS-git/corvus/bms/hal"
)

// Balancer computes per-module passive-balance bitmasks. Cells above
// min_cell + threshold/2 bleed whenever the pack is imbalanced beyond
// the threshold, in READY or CONNECTED, at low current.
type Balancer struct {
	cfg    *Config
	driver hal.CellMonitor

	Masks  []uint16
	Active bool
}

// NewBalancer creates an inactive balancer.
func NewBalancer(cfg *Config, driver hal.CellMonitor) *Balancer {
	return &Balancer{cfg: cfg, driver: driver, Masks: make([]uint16, cfg.NumModules)}
}

// balanceMaxCurrentMA is 0.2C: bleeding during heavy current skews the
// per-cell readings the decision is based on.
func (b *Balancer) balanceMaxCurrentMA() int32 {
	return b.cfg.NominalCapacityMAh / 5
}

// Run recomputes and applies the balance masks.
func (b *Balancer) Run(pack *PackData) {
	if pack.Mode != ModeReady && pack.Mode != ModeConnected {
		b.disable()
		return
	}

	abs := pack.PackCurrentMA
	if abs < 0 {
		abs = -abs
	}
	if abs > b.balanceMaxCurrentMA() {
		b.disable()
		return
	}

	imbalance := pack.MaxCellMV - pack.MinCellMV
	if imbalance <= b.cfg.BalanceThresholdMV {
		b.disable()
		return
	}

	target := pack.MinCellMV + b.cfg.BalanceThresholdMV/2
	b.Active = true
	for mod := range pack.Modules {
		var mask uint16
		for cell, mv := range pack.Modules[mod].CellMV {
			if mv > target {
				mask |= 1 << uint(cell)
			}
		}
		if mask != b.Masks[mod] {
			b.Masks[mod] = mask
			_ = b.driver.SetBalanceMask(mod, mask)
		}
	}
}

func (b *Balancer) disable() {
	if !b.Active {
		return
	}
	for mod := range b.Masks {
		if b.Masks[mod] != 0 {
			b.Masks[mod] = 0
			_ = b.driver.SetBalanceMask(mod, 0)
		}
	}
	b.Active = false
}
