package bms

// State of charge estimation: integer coulomb counting with an
// open-circuit-voltage correction applied after a sustained rest.
//
//   delta_hundredths = (current_ma * dt_ms) / (capacity_mah * 360)
//
// with the accumulation saturated to [0, 10000]. Charge current is
// scaled by the coulombic efficiency before integration; discharge is
// counted in full.

// 24-point OCV curve for the NMC chemistry. SoC breakpoints in
// hundredths of a percent, voltages in millivolts.
var (
	ocvSoCBP = []int32{
		0, 200, 500, 800, 1000, 1500, 2000, 2500,
		3000, 3500, 4000, 4500, 5000, 5500, 6000, 6500,
		7000, 7500, 8000, 8500, 9000, 9500, 9800, 10000,
	}
	ocvMVBP = []int32{
		3000, 3280, 3420, 3480, 3510, 3555, 3590, 3610,
		3625, 3638, 3650, 3662, 3675, 3690, 3710, 3735,
		3765, 3800, 3845, 3900, 3960, 4030, 4100, 4190,
	}
)

// OCVFromSoC returns the cell open-circuit voltage in mV for a state of
// charge in hundredths of a percent.
func OCVFromSoC(socHundredths uint16) uint16 {
	return uint16(interpI32(ocvSoCBP, ocvMVBP, int32(socHundredths)))
}

// SoCFromOCV reverse-interpolates a resting cell voltage through the
// OCV table.
func SoCFromOCV(cellMV uint16) uint16 {
	return uint16(interpI32(ocvMVBP, ocvSoCBP, int32(cellMV)))
}

// SoCEstimator holds the coulomb counter state for one pack. The rest
// timer and cumulative throughput counters are fields here, not
// package state, so multiple packs coexist.
type SoCEstimator struct {
	lowCurrentMS uint32

	// Cumulative throughput accumulated in mA*ms to avoid losing
	// sub-mAh residue between ticks.
	chargeMAms    uint64
	dischargeMAms uint64
}

// Update advances the coulomb counter by dt and applies the OCV
// correction when the pack has rested long enough in READY mode.
// Writes SoCHundredths back to the pack record.
func (e *SoCEstimator) Update(pack *PackData, cfg *Config, dtMS uint32) {
	scaled := int64(pack.PackCurrentMA)
	if scaled > 0 {
		scaled = scaled * int64(cfg.CoulombicEffPPT) / 1000
	}
	delta := scaled * int64(dtMS) / (int64(cfg.NominalCapacityMAh) * 360)

	soc := int32(pack.SoCHundredths) + int32(delta)
	if soc < 0 {
		soc = 0
	}
	if soc > 10000 {
		soc = 10000
	}
	pack.SoCHundredths = uint16(soc)

	// Throughput counters, from the raw measured current.
	if pack.PackCurrentMA > 0 {
		e.chargeMAms += uint64(pack.PackCurrentMA) * uint64(dtMS)
	} else if pack.PackCurrentMA < 0 {
		e.dischargeMAms += uint64(-pack.PackCurrentMA) * uint64(dtMS)
	}

	abs := pack.PackCurrentMA
	if abs < 0 {
		abs = -abs
	}
	if abs < cfg.RestThresholdMA {
		if e.lowCurrentMS <= 0xFFFFFFFF-dtMS {
			e.lowCurrentMS += dtMS
		}
	} else {
		e.lowCurrentMS = 0
	}

	// Never correct while the bus is live; READY is the only mode in
	// which the average cell voltage is a rested OCV.
	if e.lowCurrentMS >= cfg.RestHoldMS && pack.Mode == ModeReady {
		pack.SoCHundredths = SoCFromOCV(pack.AvgCellMV)
		e.lowCurrentMS = 0
	}
}

// TotalChargeMAh returns the cumulative charge throughput.
func (e *SoCEstimator) TotalChargeMAh() uint64 {
	return e.chargeMAms / 3600000
}

// TotalDischargeMAh returns the cumulative discharge throughput.
func (e *SoCEstimator) TotalDischargeMAh() uint64 {
	return e.dischargeMAms / 3600000
}
