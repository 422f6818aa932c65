package bms

// Module internal resistance R(T, SoC), micro-ohms, bilinear
// interpolation over measured breakpoints. The impedance surface is
// U-shaped in SoC (depleted anode at the bottom, full cathode at the
// top) and falls steeply with temperature.

var (
	rTempBP = []int32{-100, 0, 100, 250, 350, 450} // 0.1 degC
	rSoCBP  = []int32{500, 2000, 3500, 5000, 6500, 8000, 9500}

	// rows = SoC breakpoints, cols = temperature breakpoints
	rTableUohm = [][]int32{
		{15300, 9700, 6200, 5000, 4400, 4100},
		{10900, 7200, 4700, 3600, 3300, 3100},
		{9900, 6600, 4300, 3300, 3000, 2800},
		{9300, 6200, 4000, 3100, 2800, 2600},
		{9600, 6400, 4200, 3200, 2900, 2700},
		{10200, 6800, 4400, 3400, 3100, 2900},
		{13500, 8900, 5600, 4200, 3900, 3600},
	}
)

func clampI32(x, lo, hi int32) int32 {
	if x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}

// ModuleResistanceUohm returns one module's internal resistance in
// micro-ohms for the given temperature and state of charge.
func ModuleResistanceUohm(tempDeciC int16, socHundredths uint16) int64 {
	t := clampI32(int32(tempDeciC), rTempBP[0], rTempBP[len(rTempBP)-1])
	s := clampI32(int32(socHundredths), rSoCBP[0], rSoCBP[len(rSoCBP)-1])

	ti := 0
	for i := len(rTempBP) - 2; i >= 0; i-- {
		if rTempBP[i] <= t {
			ti = i
			break
		}
	}
	si := 0
	for i := len(rSoCBP) - 2; i >= 0; i-- {
		if rSoCBP[i] <= s {
			si = i
			break
		}
	}

	tSpan := int64(rTempBP[ti+1] - rTempBP[ti])
	sSpan := int64(rSoCBP[si+1] - rSoCBP[si])
	tFrac := int64(t - rTempBP[ti])
	sFrac := int64(s - rSoCBP[si])

	r00 := int64(rTableUohm[si][ti])
	r01 := int64(rTableUohm[si][ti+1])
	r10 := int64(rTableUohm[si+1][ti])
	r11 := int64(rTableUohm[si+1][ti+1])

	r0 := r00 + (r01-r00)*tFrac/tSpan
	r1 := r10 + (r11-r10)*tFrac/tSpan
	return r0 + (r1-r0)*sFrac/sSpan
}

// PackResistanceUohm is the series resistance of the whole pack.
func PackResistanceUohm(tempDeciC int16, socHundredths uint16, numModules int) int64 {
	return ModuleResistanceUohm(tempDeciC, socHundredths) * int64(numModules)
}
