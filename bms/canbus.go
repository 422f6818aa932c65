package bms

import (
	"encoding/binary"
	"fmt"

	"github.com/brutella/can"
)

// CAN message IDs. Per-pack frames are offset by the pack ID.
const (
	CANIDArrayStatus  uint32 = 0x100
	CANIDPackStatus   uint32 = 0x110
	CANIDPackAlarms   uint32 = 0x120
	CANIDPackVoltages uint32 = 0x130
	CANIDPackTemps    uint32 = 0x140
	CANIDEMSCommand   uint32 = 0x200
	CANIDEMSHeartbeat uint32 = 0x210
)

// EncodeArrayStatus packs the array summary:
//
//	[0:1] bus voltage, 0.1 V BE
//	[2:3] array charge limit, 0.1 A BE
//	[4:5] array discharge limit, 0.1 A BE
//	[6]   connected pack count
//	[7]   total pack count
func EncodeArrayStatus(busVoltageMV uint32, chargeLimitMA, dischargeLimitMA int64, connected, total int) can.Frame {
	var f can.Frame
	f.ID = CANIDArrayStatus
	f.Length = 8
	binary.BigEndian.PutUint16(f.Data[0:2], clampU16(busVoltageMV/100))
	binary.BigEndian.PutUint16(f.Data[2:4], clampU16(uint32(chargeLimitMA/100)))
	binary.BigEndian.PutUint16(f.Data[4:6], clampU16(uint32(dischargeLimitMA/100)))
	f.Data[6] = uint8(connected)
	f.Data[7] = uint8(total)
	return f
}

// EncodePackStatus packs one pack's status:
//
//	[0]   pack mode
//	[1:2] pack voltage, 0.1 V BE
//	[3:4] pack current, 0.1 A BE signed
//	[5]   SoC percent
//	[6]   max temperature, degC + 40 offset
//	[7]   fault bits, low byte
func EncodePackStatus(packID int, pack *PackData) can.Frame {
	var f can.Frame
	f.ID = CANIDPackStatus + uint32(packID)
	f.Length = 8
	f.Data[0] = uint8(pack.Mode)
	binary.BigEndian.PutUint16(f.Data[1:3], clampU16(pack.PackVoltageMV/100))
	binary.BigEndian.PutUint16(f.Data[3:5], uint16(int16(pack.PackCurrentMA/100)))
	f.Data[5] = uint8(pack.SoCHundredths / 100)
	f.Data[6] = uint8(int32(pack.MaxTempDeciC)/10 + 40)
	f.Data[7] = uint8(pack.Faults.Bits() & 0xFF)
	return f
}

// EncodePackAlarms packs the full fault bitset and latch flags:
//
//	[0:3] fault bits BE
//	[4]   bit0 fault latched, bit1 warning, bit2 hw latched
func EncodePackAlarms(packID int, pack *PackData) can.Frame {
	var f can.Frame
	f.ID = CANIDPackAlarms + uint32(packID)
	f.Length = 8
	binary.BigEndian.PutUint32(f.Data[0:4], pack.Faults.Bits())
	var flags uint8
	if pack.FaultLatched {
		flags |= 1 << 0
	}
	if pack.HasWarning {
		flags |= 1 << 1
	}
	if pack.HwFaultLatched {
		flags |= 1 << 2
	}
	f.Data[4] = flags
	return f
}

// EncodePackVoltages packs the cell-voltage summary:
//
//	[0:1] max cell mV BE
//	[2:3] min cell mV BE
//	[4:5] avg cell mV BE
//	[6:7] imbalance mV BE
func EncodePackVoltages(packID int, pack *PackData) can.Frame {
	var f can.Frame
	f.ID = CANIDPackVoltages + uint32(packID)
	f.Length = 8
	binary.BigEndian.PutUint16(f.Data[0:2], pack.MaxCellMV)
	binary.BigEndian.PutUint16(f.Data[2:4], pack.MinCellMV)
	binary.BigEndian.PutUint16(f.Data[4:6], pack.AvgCellMV)
	binary.BigEndian.PutUint16(f.Data[6:8], pack.MaxCellMV-pack.MinCellMV)
	return f
}

// EncodePackTemps packs temperatures and limits:
//
//	[0:1] max temp, 0.1 degC BE signed
//	[2:3] min temp, 0.1 degC BE signed
//	[4:5] charge limit, 0.1 A BE
//	[6:7] discharge limit, 0.1 A BE
func EncodePackTemps(packID int, pack *PackData) can.Frame {
	var f can.Frame
	f.ID = CANIDPackTemps + uint32(packID)
	f.Length = 8
	binary.BigEndian.PutUint16(f.Data[0:2], uint16(pack.MaxTempDeciC))
	binary.BigEndian.PutUint16(f.Data[2:4], uint16(pack.MinTempDeciC))
	binary.BigEndian.PutUint16(f.Data[4:6], clampU16(uint32(pack.ChargeLimitMA/100)))
	binary.BigEndian.PutUint16(f.Data[6:8], clampU16(uint32(pack.DischargeLimitMA/100)))
	return f
}

// DecodeEMSCommand decodes a command frame:
//
//	[0]   command type
//	[1:2] charge limit, 1 A BE (SetLimits)
//	[3:4] discharge limit, 1 A BE (SetLimits)
func DecodeEMSCommand(f can.Frame) (EMSCommand, error) {
	if f.ID != CANIDEMSCommand {
		return EMSCommand{}, fmt.Errorf("not an EMS command frame: id 0x%X", f.ID)
	}
	if f.Length < 5 {
		return EMSCommand{}, fmt.Errorf("short EMS command frame: dlc %d", f.Length)
	}
	t := EMSCommandType(f.Data[0])
	if t > EMSSetLimits {
		return EMSCommand{}, fmt.Errorf("unknown EMS command type %d", f.Data[0])
	}
	cmd := EMSCommand{Type: t}
	if t == EMSSetLimits {
		cmd.ChargeLimitMA = int32(binary.BigEndian.Uint16(f.Data[1:3])) * 1000
		cmd.DischargeLimitMA = int32(binary.BigEndian.Uint16(f.Data[3:5])) * 1000
	}
	return cmd, nil
}

func clampU16(v uint32) uint16 {
	if v > 0xFFFF {
		return 0xFFFF
	}
	return uint16(v)
}
