package bms

// Current derating per the integrator manual: three independent
// piecewise-linear curves (temperature, SoC, extreme cell voltage),
// each emitting a C-rate; the pack limit is the per-direction minimum
// of the three, converted through the nominal capacity.
//
// C-rates are tabulated in centi-C (300 = 3.0C). All arithmetic is
// integer with 64-bit intermediates.

// interpI32 linearly interpolates y(x) over a breakpoint table. xs must
// be sorted ascending; inputs outside the range clamp to the endpoints.
func interpI32(xs, ys []int32, x int32) int32 {
	n := len(xs)
	if x <= xs[0] {
		return ys[0]
	}
	if x >= xs[n-1] {
		return ys[n-1]
	}
	for i := 1; i < n; i++ {
		if x <= xs[i] {
			dx := int64(xs[i] - xs[i-1])
			dy := int64(ys[i] - ys[i-1])
			if dx == 0 {
				return ys[i]
			}
			frac := int64(x - xs[i-1])
			return ys[i-1] + int32(dy*frac/dx)
		}
	}
	return ys[n-1]
}

// centiCToMA converts a centi-C rate to milliamps for the given
// capacity. 64-bit product so 500 centi-C at 128 Ah cannot overflow.
func centiCToMA(centiC int32, capacityMAh int32) int32 {
	return int32(int64(centiC) * int64(capacityMAh) / 100)
}

// Temperature derating, breakpoints in 0.1 degC.
var (
	tempChgBP = []int32{-250, 0, 50, 150, 350, 450, 550, 650}
	tempChgCR = []int32{0, 0, 0, 300, 300, 200, 0, 0}

	tempDchgBP = []int32{-250, -150, -100, -50, 0, 50, 100, 250, 300, 350, 450, 550, 600, 650, 700}
	tempDchgCR = []int32{20, 20, 100, 150, 200, 450, 500, 500, 450, 400, 380, 380, 20, 20, 0}
)

// SoC derating, breakpoints in hundredths of a percent.
var (
	socChgBP = []int32{0, 8500, 9000, 9500, 10000}
	socChgCR = []int32{300, 300, 200, 100, 50}

	socDchgBP = []int32{0, 200, 500, 800, 1000, 1500, 2000, 5000, 10000}
	socDchgCR = []int32{100, 100, 220, 220, 400, 400, 500, 500, 500}
)

// Extreme cell voltage derating, breakpoints in millivolts.
var (
	sevChgBP = []int32{3000, 4100, 4200}
	sevChgCR = []int32{300, 300, 0}

	sevDchgBP = []int32{3000, 3200, 3300, 3400, 3450, 3550, 4200}
	sevDchgCR = []int32{0, 0, 200, 250, 380, 500, 500}
)

// TempCurrentLimit returns the temperature-derated (charge, discharge)
// limits in mA.
func TempCurrentLimit(tempDeciC int16, capacityMAh int32) (chargeMA, dischargeMA int32) {
	t := int32(tempDeciC)
	chargeMA = centiCToMA(interpI32(tempChgBP, tempChgCR, t), capacityMAh)
	dischargeMA = centiCToMA(interpI32(tempDchgBP, tempDchgCR, t), capacityMAh)
	return
}

// SoCCurrentLimit returns the SoC-derated (charge, discharge) limits in mA.
func SoCCurrentLimit(socHundredths uint16, capacityMAh int32) (chargeMA, dischargeMA int32) {
	s := int32(socHundredths)
	chargeMA = centiCToMA(interpI32(socChgBP, socChgCR, s), capacityMAh)
	dischargeMA = centiCToMA(interpI32(socDchgBP, socDchgCR, s), capacityMAh)
	return
}

// SEVCurrentLimit returns the cell-voltage-derated (charge, discharge)
// limits in mA for the given extreme cell voltage.
func SEVCurrentLimit(cellMV uint16, capacityMAh int32) (chargeMA, dischargeMA int32) {
	v := int32(cellMV)
	chargeMA = centiCToMA(interpI32(sevChgBP, sevChgCR, v), capacityMAh)
	dischargeMA = centiCToMA(interpI32(sevDchgBP, sevDchgCR, v), capacityMAh)
	return
}

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

// ComputeCurrentLimits evaluates all three derating curves against the
// pack's worst-case inputs and returns the per-direction minimum,
// floored at zero. The highest cell bounds charge, the lowest cell
// bounds discharge.
func ComputeCurrentLimits(pack *PackData, capacityMAh int32) (chargeMA, dischargeMA int32) {
	tc, td := TempCurrentLimit(pack.MaxTempDeciC, capacityMAh)
	sc, sd := SoCCurrentLimit(pack.SoCHundredths, capacityMAh)
	vc, _ := SEVCurrentLimit(pack.MaxCellMV, capacityMAh)
	_, vd := SEVCurrentLimit(pack.MinCellMV, capacityMAh)

	chargeMA = min32(tc, min32(sc, vc))
	dischargeMA = min32(td, min32(sd, vd))
	if chargeMA < 0 {
		chargeMA = 0
	}
	if dischargeMA < 0 {
		dischargeMA = 0
	}
	return
}
