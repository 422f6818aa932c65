package bms

import (
	"fmt"
	"log/slog"
	"strings"
)

// Protection evaluates fault and warning conditions on a fixed cadence.
// Every timer is a leaky integrator: it accumulates dt while its
// condition holds and decays by dt/LeakDecayRatio while it does not, so
// a sustained condition trips after the configured delay while
// transient spikes bleed away.
//
// The hardware-safety layer runs unconditionally, even after a software
// fault has latched; it exists to catch protection-engine bugs.
type Protection struct {
	cfg    *Config
	log    *slog.Logger
	events *FaultLog

	// Per-cell and per-sensor software fault timers.
	OVTimerMS []uint32
	UVTimerMS []uint32
	OTTimerMS []uint32

	// Hardware-safety timers, independent of the software state.
	HwOVTimerMS uint32
	HwUVTimerMS uint32
	HwOTTimerMS uint32

	// Overcurrent timers.
	OCChargeTimerMS    uint32
	OCDischargeTimerMS uint32
	OCWarnTimerMS      uint32

	// Safe-state accumulator gating fault reset.
	SafeStateMS uint32

	// Warning confirm timers and latched flags.
	WarnOVTimerMS uint32
	WarnUVTimerMS uint32
	WarnOTTimerMS uint32
	WarningHoldMS uint32
	WarnOVActive  bool
	WarnUVActive  bool
	WarnOTActive  bool
	WarnOCActive  bool
}

// NewProtection creates a protection engine for the configured pack
// topology. All timers start at zero.
func NewProtection(cfg *Config, log *slog.Logger, events *FaultLog) *Protection {
	return &Protection{
		cfg:       cfg,
		log:       log,
		events:    events,
		OVTimerMS: make([]uint32, cfg.NumCells()),
		UVTimerMS: make([]uint32, cfg.NumCells()),
		OTTimerMS: make([]uint32, cfg.NumSensors()),
	}
}

func leakIncrement(timer *uint32, dtMS uint32) {
	if *timer <= 0xFFFFFFFF-dtMS {
		*timer += dtMS
	} else {
		*timer = 0xFFFFFFFF
	}
}

func (p *Protection) leakDecay(timer *uint32, dtMS uint32) {
	decay := dtMS / p.cfg.LeakDecayRatio
	if *timer > decay {
		*timer -= decay
	} else {
		*timer = 0
	}
}

// appendMsg joins msg onto buf with "; ", skipping duplicates.
// Accumulates rather than replaces so concurrent faults all surface.
func appendMsg(buf *string, msg string) {
	if *buf == "" {
		*buf = msg
		return
	}
	if strings.Contains(*buf, msg) {
		return
	}
	*buf += "; " + msg
}

// HwSafety runs the independent hardware-safety timers. Always called,
// regardless of the software fault state; trips accumulate into the
// fault message buffer.
func (p *Protection) HwSafety(pack *PackData, dtMS uint32) {
	cfg := p.cfg

	anyOV := false
	for _, v := range pack.CellMV {
		if v >= cfg.HwOVMV {
			anyOV = true
			break
		}
	}
	if anyOV {
		leakIncrement(&p.HwOVTimerMS, dtMS)
		if p.HwOVTimerMS >= cfg.HwOVDelayMS && !(pack.Faults.HwOV && pack.HwFaultLatched) {
			pack.Faults.HwOV = true
			pack.FaultLatched = true
			pack.HwFaultLatched = true
			appendMsg(&pack.FaultMessage, fmt.Sprintf("HW SAFETY: cell >= %d mV", cfg.HwOVMV))
			p.events.Log(pack.UptimeMS, FaultKindHwOV, NoIndex, pack.MaxCellMV)
			p.log.Error("hardware safety OV", "max_cell_mv", pack.MaxCellMV)
		}
	} else {
		p.leakDecay(&p.HwOVTimerMS, dtMS)
	}

	anyUV := false
	for _, v := range pack.CellMV {
		if v > 0 && v <= cfg.HwUVMV {
			anyUV = true
			break
		}
	}
	if anyUV {
		leakIncrement(&p.HwUVTimerMS, dtMS)
		if p.HwUVTimerMS >= cfg.HwOVDelayMS && !(pack.Faults.HwUV && pack.HwFaultLatched) {
			pack.Faults.HwUV = true
			pack.FaultLatched = true
			pack.HwFaultLatched = true
			appendMsg(&pack.FaultMessage, fmt.Sprintf("HW SAFETY: cell <= %d mV", cfg.HwUVMV))
			p.events.Log(pack.UptimeMS, FaultKindHwUV, NoIndex, pack.MinCellMV)
			p.log.Error("hardware safety UV", "min_cell_mv", pack.MinCellMV)
		}
	} else {
		p.leakDecay(&p.HwUVTimerMS, dtMS)
	}

	anyOT := false
	for mod := range pack.Modules {
		for _, t := range pack.Modules[mod].TempDeciC {
			if t >= cfg.HwOTDeciC {
				anyOT = true
				break
			}
		}
		if anyOT {
			break
		}
	}
	if anyOT {
		leakIncrement(&p.HwOTTimerMS, dtMS)
		if p.HwOTTimerMS >= cfg.HwOTDelayMS && !(pack.Faults.HwOT && pack.HwFaultLatched) {
			pack.Faults.HwOT = true
			pack.FaultLatched = true
			pack.HwFaultLatched = true
			appendMsg(&pack.FaultMessage, fmt.Sprintf("HW SAFETY: temp >= %d deci-C", cfg.HwOTDeciC))
			p.events.Log(pack.UptimeMS, FaultKindHwOT, NoIndex, uint16(pack.MaxTempDeciC))
			p.log.Error("hardware safety OT", "max_temp_deci_c", pack.MaxTempDeciC)
		}
	} else {
		p.leakDecay(&p.HwOTTimerMS, dtMS)
	}
}

// Run evaluates one protection tick.
func (p *Protection) Run(pack *PackData, dtMS uint32) {
	cfg := p.cfg

	p.HwSafety(pack, dtMS)

	// Once latched, software protection only tracks the safe-state
	// hold; it never double-faults.
	if pack.FaultLatched {
		p.accumulateSafeState(pack, dtMS)
		return
	}

	// Per-cell overvoltage.
	for i, v := range pack.CellMV {
		if v >= cfg.SEOVFaultMV {
			leakIncrement(&p.OVTimerMS[i], dtMS)
			if p.OVTimerMS[i] >= cfg.SEFaultDelayMS {
				pack.Faults.CellOV = true
				pack.FaultLatched = true
				appendMsg(&pack.FaultMessage, fmt.Sprintf("SE OV fault: cell %d = %d mV", i, v))
				p.events.Log(pack.UptimeMS, FaultKindCellOV, uint16(i), v)
				p.log.Error("cell OV fault", "cell", i, "mv", v)
				return
			}
		} else {
			p.leakDecay(&p.OVTimerMS[i], dtMS)
		}
	}

	// Per-cell undervoltage. Cells reading 0 are unconnected and skipped.
	for i, v := range pack.CellMV {
		if v == 0 {
			continue
		}
		if v <= cfg.SEUVFaultMV {
			leakIncrement(&p.UVTimerMS[i], dtMS)
			if p.UVTimerMS[i] >= cfg.SEFaultDelayMS {
				pack.Faults.CellUV = true
				pack.FaultLatched = true
				appendMsg(&pack.FaultMessage, fmt.Sprintf("SE UV fault: cell %d = %d mV", i, v))
				p.events.Log(pack.UptimeMS, FaultKindCellUV, uint16(i), v)
				p.log.Error("cell UV fault", "cell", i, "mv", v)
				return
			}
		} else {
			p.leakDecay(&p.UVTimerMS[i], dtMS)
		}
	}

	// Per-sensor over-temperature.
	sensor := 0
	for mod := range pack.Modules {
		for _, t := range pack.Modules[mod].TempDeciC {
			if t >= cfg.SEOTFaultDeci {
				leakIncrement(&p.OTTimerMS[sensor], dtMS)
				if p.OTTimerMS[sensor] >= cfg.SEFaultDelayMS {
					pack.Faults.CellOT = true
					pack.FaultLatched = true
					appendMsg(&pack.FaultMessage, fmt.Sprintf("SE OT fault: sensor %d = %d deci-C", sensor, t))
					p.events.Log(pack.UptimeMS, FaultKindCellOT, uint16(sensor), uint16(t))
					p.log.Error("over-temperature fault", "sensor", sensor, "deci_c", t)
					return
				}
			} else {
				p.leakDecay(&p.OTTimerMS[sensor], dtMS)
			}
			sensor++
		}
	}

	tempChgLimit, _ := TempCurrentLimit(pack.MaxTempDeciC, cfg.NominalCapacityMAh)

	// Overcurrent charge fault: only below 0 degC while charging.
	if pack.PackCurrentMA > 0 && pack.MinTempDeciC < 0 && pack.PackCurrentMA > tempChgLimit {
		leakIncrement(&p.OCChargeTimerMS, dtMS)
		if p.OCChargeTimerMS >= cfg.SEFaultDelayMS {
			pack.Faults.OCCharge = true
			pack.FaultLatched = true
			appendMsg(&pack.FaultMessage, fmt.Sprintf("OC fault: %d mA charge at sub-zero", pack.PackCurrentMA))
			p.events.Log(pack.UptimeMS, FaultKindOCCharge, NoIndex, 0)
			p.log.Error("overcurrent charge fault", "ma", pack.PackCurrentMA, "min_temp_deci_c", pack.MinTempDeciC)
			return
		}
	} else {
		p.leakDecay(&p.OCChargeTimerMS, dtMS)
	}

	// Overcurrent discharge fault: static pack limit, always armed.
	if pack.PackCurrentMA < -cfg.MaxDischargeMA {
		leakIncrement(&p.OCDischargeTimerMS, dtMS)
		if p.OCDischargeTimerMS >= cfg.SEFaultDelayMS {
			pack.Faults.OCDischarge = true
			pack.FaultLatched = true
			appendMsg(&pack.FaultMessage, fmt.Sprintf("OC fault: %d mA discharge", pack.PackCurrentMA))
			p.events.Log(pack.UptimeMS, FaultKindOCDischarge, NoIndex, 0)
			p.log.Error("overcurrent discharge fault", "ma", pack.PackCurrentMA)
			return
		}
	} else {
		p.leakDecay(&p.OCDischargeTimerMS, dtMS)
	}

	p.runWarnings(pack, dtMS, tempChgLimit)
}

// runWarnings evaluates the warning channel: per-axis trigger/clear
// hysteresis pairs, a confirm delay, and a hold time after everything
// clears.
func (p *Protection) runWarnings(pack *PackData, dtMS uint32, tempChgLimitMA int32) {
	cfg := p.cfg

	condOV := false
	for _, v := range pack.CellMV {
		thresh := cfg.SEOVWarnMV
		if p.WarnOVActive {
			thresh = cfg.SEOVWarnClearMV
		}
		if v >= thresh {
			condOV = true
			break
		}
	}

	condUV := false
	for _, v := range pack.CellMV {
		if v == 0 {
			continue
		}
		thresh := cfg.SEUVWarnMV
		if p.WarnUVActive {
			thresh = cfg.SEUVWarnClearMV
		}
		if v <= thresh {
			condUV = true
			break
		}
	}

	otThresh := cfg.SEOTWarnDeci
	if p.WarnOTActive {
		otThresh = cfg.SEOTWarnClearDeci
	}
	condOT := pack.MaxTempDeciC >= otThresh

	// Overcurrent warning: 5% over the temperature charge limit plus a
	// fixed 5 A margin, confirmed over the longer OC warning delay.
	ocThresh := int32(int64(tempChgLimitMA)*1050/1000) + 5000
	condOC := pack.PackCurrentMA > ocThresh

	if condOV {
		leakIncrement(&p.WarnOVTimerMS, dtMS)
		if p.WarnOVTimerMS >= cfg.WarnDelayMS {
			p.WarnOVActive = true
		}
	} else {
		p.leakDecay(&p.WarnOVTimerMS, dtMS)
		if p.WarnOVTimerMS == 0 {
			p.WarnOVActive = false
		}
	}

	if condUV {
		leakIncrement(&p.WarnUVTimerMS, dtMS)
		if p.WarnUVTimerMS >= cfg.WarnDelayMS {
			p.WarnUVActive = true
		}
	} else {
		p.leakDecay(&p.WarnUVTimerMS, dtMS)
		if p.WarnUVTimerMS == 0 {
			p.WarnUVActive = false
		}
	}

	if condOT {
		leakIncrement(&p.WarnOTTimerMS, dtMS)
		if p.WarnOTTimerMS >= cfg.WarnDelayMS {
			p.WarnOTActive = true
		}
	} else {
		p.leakDecay(&p.WarnOTTimerMS, dtMS)
		if p.WarnOTTimerMS == 0 {
			p.WarnOTActive = false
		}
	}

	if condOC {
		leakIncrement(&p.OCWarnTimerMS, dtMS)
		if p.OCWarnTimerMS >= cfg.OCWarnDelayMS {
			p.WarnOCActive = true
		}
	} else {
		p.leakDecay(&p.OCWarnTimerMS, dtMS)
		if p.OCWarnTimerMS == 0 {
			p.WarnOCActive = false
		}
	}

	if p.WarnOVActive {
		appendMsg(&pack.WarningMessage, fmt.Sprintf("SE OV warning: %d mV", pack.MaxCellMV))
	}
	if p.WarnUVActive {
		appendMsg(&pack.WarningMessage, fmt.Sprintf("SE UV warning: %d mV", pack.MinCellMV))
	}
	if p.WarnOTActive {
		appendMsg(&pack.WarningMessage, fmt.Sprintf("SE OT warning: %d deci-C", pack.MaxTempDeciC))
	}
	if p.WarnOCActive {
		appendMsg(&pack.WarningMessage, fmt.Sprintf("OC warning: %d mA", pack.PackCurrentMA))
	}
	if pack.Faults.Imbalance {
		appendMsg(&pack.WarningMessage, "cell imbalance")
	}

	anyActive := p.WarnOVActive || p.WarnUVActive || p.WarnOTActive ||
		p.WarnOCActive || pack.Faults.Imbalance
	switch {
	case anyActive:
		p.WarningHoldMS = cfg.WarnHoldMS
		pack.HasWarning = true
	case p.WarningHoldMS > 0:
		if p.WarningHoldMS > dtMS {
			p.WarningHoldMS -= dtMS
		} else {
			p.WarningHoldMS = 0
		}
		pack.HasWarning = p.WarningHoldMS > 0
		if !pack.HasWarning {
			pack.WarningMessage = ""
		}
	default:
		pack.HasWarning = false
		pack.WarningMessage = ""
	}
}

// accumulateSafeState advances the reset hold timer while every cell is
// strictly inside the fault band and the worst temperature is below the
// fault threshold, resetting it otherwise.
func (p *Protection) accumulateSafeState(pack *PackData, dtMS uint32) {
	cfg := p.cfg
	safe := true
	for _, v := range pack.CellMV {
		if v >= cfg.SEOVFaultMV || (v > 0 && v <= cfg.SEUVFaultMV) {
			safe = false
			break
		}
	}
	if safe && pack.MaxTempDeciC < cfg.SEOTFaultDeci {
		leakIncrement(&p.SafeStateMS, dtMS)
	} else {
		p.SafeStateMS = 0
	}
}

// CanReset reports whether a fault reset would be accepted. Side-effect
// free; repeated denied attempts are safe.
func (p *Protection) CanReset(pack *PackData) bool {
	if !pack.FaultLatched {
		return true
	}
	return p.SafeStateMS >= p.cfg.FaultResetHoldMS
}

// Reset clears the software fault state and all timers. The
// hardware-safety latch is deliberately left set; it clears only
// through AckHwFault after the operator has inspected the pack.
func (p *Protection) Reset(pack *PackData) {
	for i := range p.OVTimerMS {
		p.OVTimerMS[i] = 0
	}
	for i := range p.UVTimerMS {
		p.UVTimerMS[i] = 0
	}
	for i := range p.OTTimerMS {
		p.OTTimerMS[i] = 0
	}
	p.HwOVTimerMS = 0
	p.HwUVTimerMS = 0
	p.HwOTTimerMS = 0
	p.OCChargeTimerMS = 0
	p.OCDischargeTimerMS = 0
	p.OCWarnTimerMS = 0
	p.SafeStateMS = 0
	p.WarnOVTimerMS = 0
	p.WarnUVTimerMS = 0
	p.WarnOTTimerMS = 0
	p.WarningHoldMS = 0
	p.WarnOVActive = false
	p.WarnUVActive = false
	p.WarnOTActive = false
	p.WarnOCActive = false

	pack.Faults = FaultFlags{}
	pack.FaultLatched = false
	pack.HasWarning = false
	pack.FaultMessage = ""
	pack.WarningMessage = ""
	pack.EMSChargeCapMA = -1
	pack.EMSDischargeCapMA = -1
}

// AckHwFault clears the hardware-safety latch. A distinct operator
// action from the software fault reset.
func (p *Protection) AckHwFault(pack *PackData) {
	pack.HwFaultLatched = false
}
