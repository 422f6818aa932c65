package bms

import (
	"github.com/HOLOS-git/corvus/bms/hal"
)

// PackMode is the pack operating mode.
type PackMode uint8

const (
	ModeOff PackMode = iota
	ModePowerSave
	ModeFault
	ModeReady
	ModeConnecting
	ModeConnected
	ModeNotReady
)

// String returns a string representation of the pack mode.
func (m PackMode) String() string {
	switch m {
	case ModeOff:
		return "OFF"
	case ModePowerSave:
		return "POWER_SAVE"
	case ModeFault:
		return "FAULT"
	case ModeReady:
		return "READY"
	case ModeConnecting:
		return "CONNECTING"
	case ModeConnected:
		return "CONNECTED"
	case ModeNotReady:
		return "NOT_READY"
	default:
		return "UNKNOWN"
	}
}

// ContactorState is the contactor sequencer state.
type ContactorState uint8

const (
	ContactorOpen ContactorState = iota
	ContactorPreCharge
	ContactorClosing
	ContactorClosed
	ContactorOpening
	ContactorWelded
)

// String returns a string representation of the contactor state.
func (s ContactorState) String() string {
	switch s {
	case ContactorOpen:
		return "OPEN"
	case ContactorPreCharge:
		return "PRE_CHARGE"
	case ContactorClosing:
		return "CLOSING"
	case ContactorClosed:
		return "CLOSED"
	case ContactorOpening:
		return "OPENING"
	case ContactorWelded:
		return "WELDED"
	default:
		return "UNKNOWN"
	}
}

// FaultFlags is the pack fault bitset.
type FaultFlags struct {
	CellOV        bool
	CellUV        bool
	CellOT        bool
	HwOV          bool
	HwUV          bool
	HwOT          bool
	OCCharge      bool
	OCDischarge   bool
	SCDischarge   bool
	ContactorWeld bool
	EMSTimeout    bool
	CommLoss      bool
	Imbalance     bool
}

// Any reports whether any fault bit is set.
func (f FaultFlags) Any() bool {
	return f.Bits() != 0
}

// Bits packs the flags into a wire-format bitset.
func (f FaultFlags) Bits() uint32 {
	var b uint32
	set := func(bit uint, on bool) {
		if on {
			b |= 1 << bit
		}
	}
	set(0, f.CellOV)
	set(1, f.CellUV)
	set(2, f.CellOT)
	set(3, f.HwOV)
	set(4, f.HwUV)
	set(5, f.HwOT)
	set(6, f.OCCharge)
	set(7, f.OCDischarge)
	set(8, f.SCDischarge)
	set(9, f.ContactorWeld)
	set(10, f.EMSTimeout)
	set(11, f.CommLoss)
	set(12, f.Imbalance)
	return b
}

// ModuleData holds one module's most recent readings.
type ModuleData struct {
	CellMV    []uint16
	TempDeciC []int16
	StackMV   uint32
	Safety    hal.SafetyBits
	CommOK    bool
}

// PackData is the shared pack record. All voltages are millivolts,
// currents milliamps (positive = charging), temperatures 0.1 degC,
// times monotonic milliseconds. Guarded by the owning controller's
// mutex; multi-field updates happen under it so readers see a
// consistent snapshot.
type PackData struct {
	CellMV []uint16

	PackVoltageMV uint32
	PackCurrentMA int32
	MaxCellMV     uint16
	MinCellMV     uint16
	AvgCellMV     uint16

	MaxTempDeciC int16
	MinTempDeciC int16

	// SoC in hundredths of a percent, 0-10000.
	SoCHundredths uint16

	Modules []ModuleData

	Faults         FaultFlags
	FaultLatched   bool
	HwFaultLatched bool
	HasWarning     bool
	WarningMessage string
	FaultMessage   string

	ChargeLimitMA    int32
	DischargeLimitMA int32

	// EMS-commanded caps applied on top of the derating curves.
	// Negative means no cap. Cleared on disconnect and fault reset.
	EMSChargeCapMA    int32
	EMSDischargeCapMA int32

	ContactorState ContactorState
	Mode           PackMode

	UptimeMS     uint32
	LastEMSMsgMS uint32
}

// newPackData allocates a pack record for the configured topology.
// All allocation happens here; the record is reused for the life of
// the controller.
func newPackData(cfg *Config) PackData {
	pd := PackData{
		CellMV:            make([]uint16, cfg.NumCells()),
		Modules:           make([]ModuleData, cfg.NumModules),
		MinCellMV:         0xFFFF,
		MaxTempDeciC:      -400,
		MinTempDeciC:      7000,
		Mode:              ModeNotReady,
		EMSChargeCapMA:    -1,
		EMSDischargeCapMA: -1,
	}
	for i := range pd.Modules {
		pd.Modules[i].CellMV = make([]uint16, cfg.CellsPerModule)
		pd.Modules[i].TempDeciC = make([]int16, cfg.SensorsPerModule)
	}
	return pd
}

// EMSCommandType identifies a decoded EMS command.
type EMSCommandType uint8

const (
	EMSNone EMSCommandType = iota
	EMSConnectCharge
	EMSConnectDischarge
	EMSDisconnect
	EMSResetFaults
	EMSPowerSave
	EMSSetLimits
)

// String returns a string representation of the command type.
func (t EMSCommandType) String() string {
	switch t {
	case EMSNone:
		return "None"
	case EMSConnectCharge:
		return "ConnectForCharge"
	case EMSConnectDischarge:
		return "ConnectForDischarge"
	case EMSDisconnect:
		return "Disconnect"
	case EMSResetFaults:
		return "ResetFaults"
	case EMSPowerSave:
		return "PowerSave"
	case EMSSetLimits:
		return "SetLimits"
	default:
		return "Unknown"
	}
}

// EMSCommand is one decoded command from the EMS, as delivered by the
// CAN RX path or the bench command channel.
type EMSCommand struct {
	Type             EMSCommandType
	ChargeLimitMA    int32 // SetLimits only
	DischargeLimitMA int32 // SetLimits only
	TimestampMS      uint32
}
