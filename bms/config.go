package bms

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config carries every tunable of the pack controller. DefaultConfig
// returns the canonical Orca-class values; LoadConfig unmarshals a
// YAML file over them, so a file overrides individual fields.
type Config struct {
	// Pack topology
	NumModules       int `yaml:"num_modules"`
	CellsPerModule   int `yaml:"cells_per_module"`
	SensorsPerModule int `yaml:"sensors_per_module"`

	// Capacity used for C-rate to mA conversion
	NominalCapacityMAh int32 `yaml:"nominal_capacity_mah"`

	// Series-element fault thresholds
	SEOVFaultMV   uint16 `yaml:"se_ov_fault_mv"`
	SEUVFaultMV   uint16 `yaml:"se_uv_fault_mv"`
	SEOTFaultDeci int16  `yaml:"se_ot_fault_deci_c"`

	// Warning trigger / clear pairs
	SEOVWarnMV        uint16 `yaml:"se_ov_warn_mv"`
	SEOVWarnClearMV   uint16 `yaml:"se_ov_warn_clear_mv"`
	SEUVWarnMV        uint16 `yaml:"se_uv_warn_mv"`
	SEUVWarnClearMV   uint16 `yaml:"se_uv_warn_clear_mv"`
	SEOTWarnDeci      int16  `yaml:"se_ot_warn_deci_c"`
	SEOTWarnClearDeci int16  `yaml:"se_ot_warn_clear_deci_c"`

	// Hardware safety thresholds
	HwOVMV     uint16 `yaml:"hw_ov_mv"`
	HwUVMV     uint16 `yaml:"hw_uv_mv"`
	HwOTDeciC  int16  `yaml:"hw_ot_deci_c"`
	HwOVDelayMS uint32 `yaml:"hw_ov_delay_ms"`
	HwOTDelayMS uint32 `yaml:"hw_ot_delay_ms"`

	// Fault timer delays
	SEFaultDelayMS   uint32 `yaml:"se_fault_delay_ms"`
	WarnDelayMS      uint32 `yaml:"warn_delay_ms"`
	WarnHoldMS       uint32 `yaml:"warn_hold_ms"`
	OCWarnDelayMS    uint32 `yaml:"oc_warn_delay_ms"`
	FaultResetHoldMS uint32 `yaml:"fault_reset_hold_ms"`

	// Leaky integrator decay divisor: timers decay by dt/ratio
	LeakDecayRatio uint32 `yaml:"leak_decay_ratio"`

	// Static pack current ceilings
	MaxChargeMA    int32 `yaml:"max_charge_ma"`
	MaxDischargeMA int32 `yaml:"max_discharge_ma"`

	// Imbalance and balancing
	ImbalanceWarnMV    uint16 `yaml:"imbalance_warn_mv"`
	BalanceThresholdMV uint16 `yaml:"balance_threshold_mv"`

	// Contactor timing
	PrechargeTimeoutMS uint32 `yaml:"precharge_timeout_ms"`
	ContactorCloseMS   uint32 `yaml:"contactor_close_ms"`
	WeldDetectMS       uint32 `yaml:"weld_detect_ms"`
	PrechargeVoltPct   uint32 `yaml:"precharge_volt_pct"`

	// Connect gate, per module
	VoltageMatchMVPerModule uint32 `yaml:"voltage_match_mv_per_module"`

	// EMS watchdog
	EMSWatchdogMS uint32 `yaml:"ems_watchdog_ms"`

	// SoC rest detection
	RestThresholdMA int32  `yaml:"rest_threshold_ma"`
	RestHoldMS      uint32 `yaml:"rest_hold_ms"`

	// Coulombic efficiency on charge, parts per thousand
	CoulombicEffPPT uint32 `yaml:"coulombic_eff_ppt"`
}

// DefaultConfig returns the canonical configuration for a 22-module,
// 308-series-element, 128 Ah pack.
func DefaultConfig() Config {
	return Config{
		NumModules:       22,
		CellsPerModule:   14,
		SensorsPerModule: 3,

		NominalCapacityMAh: 128000,

		SEOVFaultMV:   4225,
		SEUVFaultMV:   3000,
		SEOTFaultDeci: 650,

		SEOVWarnMV:        4210,
		SEOVWarnClearMV:   4190,
		SEUVWarnMV:        3200,
		SEUVWarnClearMV:   3220,
		SEOTWarnDeci:      600,
		SEOTWarnClearDeci: 570,

		HwOVMV:      4300,
		HwUVMV:      2700,
		HwOTDeciC:   700,
		HwOVDelayMS: 1000,
		HwOTDelayMS: 5000,

		SEFaultDelayMS:   5000,
		WarnDelayMS:      5000,
		WarnHoldMS:       10000,
		OCWarnDelayMS:    10000,
		FaultResetHoldMS: 60000,

		LeakDecayRatio: 2,

		MaxChargeMA:    384000,
		MaxDischargeMA: 640000,

		ImbalanceWarnMV:    50,
		BalanceThresholdMV: 20,

		PrechargeTimeoutMS: 5000,
		ContactorCloseMS:   100,
		WeldDetectMS:       200,
		PrechargeVoltPct:   95,

		VoltageMatchMVPerModule: 1200,

		EMSWatchdogMS: 5000,

		RestThresholdMA: 2000,
		RestHoldMS:      30000,

		CoulombicEffPPT: 998,
	}
}

// LoadConfig reads a YAML file over the defaults. An empty path
// returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the controller cannot run with.
func (c *Config) Validate() error {
	if c.NumModules <= 0 || c.CellsPerModule <= 0 || c.SensorsPerModule <= 0 {
		return fmt.Errorf("invalid pack topology %dx%d/%d", c.NumModules, c.CellsPerModule, c.SensorsPerModule)
	}
	if c.NominalCapacityMAh <= 0 {
		return fmt.Errorf("invalid capacity %d mAh", c.NominalCapacityMAh)
	}
	if c.LeakDecayRatio == 0 {
		return fmt.Errorf("leak_decay_ratio must be >= 1")
	}
	if c.SEUVFaultMV >= c.SEOVFaultMV {
		return fmt.Errorf("uv fault %d mV not below ov fault %d mV", c.SEUVFaultMV, c.SEOVFaultMV)
	}
	if c.SEOVWarnClearMV >= c.SEOVWarnMV {
		return fmt.Errorf("ov warn clear %d mV not below trigger %d mV", c.SEOVWarnClearMV, c.SEOVWarnMV)
	}
	if c.SEUVWarnClearMV <= c.SEUVWarnMV {
		return fmt.Errorf("uv warn clear %d mV not above trigger %d mV", c.SEUVWarnClearMV, c.SEUVWarnMV)
	}
	if c.PrechargeVoltPct == 0 || c.PrechargeVoltPct > 100 {
		return fmt.Errorf("precharge_volt_pct %d out of range", c.PrechargeVoltPct)
	}
	return nil
}

// NumCells is the number of series elements in the pack.
func (c *Config) NumCells() int { return c.NumModules * c.CellsPerModule }

// NumSensors is the number of temperature sensors in the pack.
func (c *Config) NumSensors() int { return c.NumModules * c.SensorsPerModule }

// VoltageMatchMV is the total connect-gate window for the pack.
func (c *Config) VoltageMatchMV() uint32 {
	return c.VoltageMatchMVPerModule * uint32(c.NumModules)
}
