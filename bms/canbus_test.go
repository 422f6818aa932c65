package bms

import (
	"testing"

	"github.com/brutella/can"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodePackStatusLayout(t *testing.T) {
	cfg := testConfig()
	pack := testPack(&cfg, 3700, 250)
	pack.Mode = ModeConnected
	pack.PackVoltageMV = 1127800
	pack.PackCurrentMA = -123400
	pack.SoCHundredths = 4567
	pack.Faults.CellOV = true

	f := EncodePackStatus(2, pack)
	assert.Equal(t, CANIDPackStatus+2, f.ID)
	assert.Equal(t, uint8(8), f.Length)
	assert.Equal(t, uint8(ModeConnected), f.Data[0])
	assert.Equal(t, uint16(11278), uint16(f.Data[1])<<8|uint16(f.Data[2]))
	assert.Equal(t, int16(-1234), int16(uint16(f.Data[3])<<8|uint16(f.Data[4])))
	assert.Equal(t, uint8(45), f.Data[5])
	assert.Equal(t, uint8(25+40), f.Data[6])
	assert.Equal(t, uint8(0x01), f.Data[7])
}

func TestEncodePackVoltagesLayout(t *testing.T) {
	cfg := testConfig()
	pack := testPack(&cfg, 3700, 250)
	pack.MaxCellMV = 3820
	pack.MinCellMV = 3650
	pack.AvgCellMV = 3735

	f := EncodePackVoltages(0, pack)
	assert.Equal(t, uint16(3820), uint16(f.Data[0])<<8|uint16(f.Data[1]))
	assert.Equal(t, uint16(3650), uint16(f.Data[2])<<8|uint16(f.Data[3]))
	assert.Equal(t, uint16(3735), uint16(f.Data[4])<<8|uint16(f.Data[5]))
	assert.Equal(t, uint16(170), uint16(f.Data[6])<<8|uint16(f.Data[7]))
}

func TestEncodePackAlarmsFlags(t *testing.T) {
	cfg := testConfig()
	pack := testPack(&cfg, 3700, 250)
	pack.Faults.HwOV = true
	pack.FaultLatched = true
	pack.HwFaultLatched = true

	f := EncodePackAlarms(1, pack)
	bits := uint32(f.Data[0])<<24 | uint32(f.Data[1])<<16 | uint32(f.Data[2])<<8 | uint32(f.Data[3])
	assert.Equal(t, pack.Faults.Bits(), bits)
	assert.Equal(t, uint8(0b101), f.Data[4])
}

func TestDecodeEMSCommandRoundTrip(t *testing.T) {
	var f can.Frame
	f.ID = CANIDEMSCommand
	f.Length = 8
	f.Data[0] = uint8(EMSSetLimits)
	f.Data[1] = 0x01 // 384 A
	f.Data[2] = 0x80
	f.Data[3] = 0x02 // 640 A
	f.Data[4] = 0x80

	cmd, err := DecodeEMSCommand(f)
	require.NoError(t, err)
	assert.Equal(t, EMSSetLimits, cmd.Type)
	assert.Equal(t, int32(384000), cmd.ChargeLimitMA)
	assert.Equal(t, int32(640000), cmd.DischargeLimitMA)
}

func TestDecodeEMSCommandRejectsGarbage(t *testing.T) {
	var f can.Frame
	f.ID = CANIDEMSCommand
	f.Length = 2
	_, err := DecodeEMSCommand(f)
	assert.Error(t, err)

	f.Length = 8
	f.Data[0] = 99
	_, err = DecodeEMSCommand(f)
	assert.Error(t, err)

	f.ID = 0x123
	_, err = DecodeEMSCommand(f)
	assert.Error(t, err)
}

func TestEncodeArrayStatus(t *testing.T) {
	f := EncodeArrayStatus(1138000, 960000, 1920000, 2, 3)
	assert.Equal(t, CANIDArrayStatus, f.ID)
	assert.Equal(t, uint16(11380), uint16(f.Data[0])<<8|uint16(f.Data[1]))
	assert.Equal(t, uint16(9600), uint16(f.Data[2])<<8|uint16(f.Data[3]))
	assert.Equal(t, uint16(19200), uint16(f.Data[4])<<8|uint16(f.Data[5]))
	assert.Equal(t, uint8(2), f.Data[6])
	assert.Equal(t, uint8(3), f.Data[7])
}
