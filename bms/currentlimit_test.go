package bms

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTempLimitCanonicalPoints(t *testing.T) {
	cap := int32(128000)

	// 25 degC: 3C charge, 5C discharge.
	chg, dchg := TempCurrentLimit(250, cap)
	assert.Equal(t, int32(384000), chg)
	assert.Equal(t, int32(640000), dchg)

	// 40 degC: midway between the 35 degC 3C and 45 degC 2C breakpoints.
	chg, _ = TempCurrentLimit(400, cap)
	assert.Equal(t, int32(320000), chg)

	// Sub-zero: no charging.
	chg, dchg = TempCurrentLimit(-50, cap)
	assert.Equal(t, int32(0), chg)
	assert.Equal(t, int32(192000), dchg) // 1.5C at -5 degC

	// Beyond the table: clamped to endpoints.
	chg, dchg = TempCurrentLimit(900, cap)
	assert.Equal(t, int32(0), chg)
	assert.Equal(t, int32(0), dchg)
	_, dchg = TempCurrentLimit(-400, cap)
	assert.Equal(t, int32(25600), dchg) // 0.2C floor at extreme cold
}

func TestSoCLimitDerating(t *testing.T) {
	cap := int32(128000)

	chg, dchg := SoCCurrentLimit(5000, cap)
	assert.Equal(t, int32(384000), chg)
	assert.Equal(t, int32(640000), dchg)

	// Nearly full: charge tapers to 0.5C.
	chg, _ = SoCCurrentLimit(10000, cap)
	assert.Equal(t, int32(64000), chg)

	// Nearly empty: discharge tapers to 1C.
	_, dchg = SoCCurrentLimit(100, cap)
	assert.Equal(t, int32(128000), dchg)
}

func TestSEVLimitDerating(t *testing.T) {
	cap := int32(128000)

	// Mid voltage: unconstrained.
	chg, dchg := SEVCurrentLimit(3700, cap)
	assert.Equal(t, int32(384000), chg)
	assert.Equal(t, int32(640000), dchg)

	// At the ceiling: charging cut off entirely.
	chg, _ = SEVCurrentLimit(4200, cap)
	assert.Equal(t, int32(0), chg)

	// At the floor: discharge cut off.
	_, dchg = SEVCurrentLimit(3100, cap)
	assert.Equal(t, int32(0), dchg)

	// Interpolated point: 4150 mV is halfway down the 4100->4200 ramp.
	chg, _ = SEVCurrentLimit(4150, cap)
	assert.Equal(t, int32(192000), chg)
}

func TestComputeLimitsTakesMinimum(t *testing.T) {
	cfg := testConfig()
	pack := testPack(&cfg, 3700, 400)
	pack.SoCHundredths = 9000

	chg, dchg := ComputeCurrentLimits(pack, cfg.NominalCapacityMAh)

	// Temperature axis gives 2.5C (320 A), SoC axis 2C (256 A), SEV
	// unconstrained: SoC wins on charge.
	assert.Equal(t, int32(256000), chg)
	// Discharge: temperature 390 centi-C at 40 degC is the binding axis.
	assert.Equal(t, int32(499200), dchg) // 3.9C interpolated at 40 degC
	assert.GreaterOrEqual(t, chg, int32(0))
	assert.GreaterOrEqual(t, dchg, int32(0))
}

func TestComputeLimitsUsesExtremeCells(t *testing.T) {
	cfg := testConfig()
	pack := testPack(&cfg, 3700, 250)
	pack.CellMV[0] = 4200 // one cell at the ceiling
	Aggregate(pack, &cfg)

	chg, dchg := ComputeCurrentLimits(pack, cfg.NominalCapacityMAh)
	assert.Equal(t, int32(0), chg, "highest cell gates charging")
	assert.Greater(t, dchg, int32(0), "lowest cell is still healthy")
}
