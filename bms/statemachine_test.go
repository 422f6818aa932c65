package bms

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const stateTickMS = 100

type smFixture struct {
	cfg  Config
	pack *PackData
	cont *Contactor
	prot *Protection
	sm   *StateMachine
}

func newSMFixture(t *testing.T) *smFixture {
	t.Helper()
	cfg := testConfig()
	pack := testPack(&cfg, 3700, 250)
	cont, _ := newContactorUnderTest(&cfg, true)
	return &smFixture{
		cfg:  cfg,
		pack: pack,
		cont: cont,
		prot: newProtection(&cfg),
		sm:   NewStateMachine(&cfg, testLogger()),
	}
}

func (f *smFixture) run(cmd *EMSCommand, busMV uint32) {
	if cmd != nil {
		f.pack.LastEMSMsgMS = f.pack.UptimeMS
	}
	f.sm.Run(f.pack, f.cont, f.prot, cmd, busMV, stateTickMS)
}

func TestNotReadyToReadyOnSelfTest(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeNotReady
	f.pack.Modules[1].CommOK = false

	f.run(nil, 0)
	assert.Equal(t, ModeNotReady, f.pack.Mode)

	f.pack.Modules[1].CommOK = true
	f.run(nil, 0)
	assert.Equal(t, ModeReady, f.pack.Mode)
}

func TestReadyToConnectingOnConnect(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeReady

	bus := f.pack.PackVoltageMV
	f.run(&EMSCommand{Type: EMSConnectCharge}, bus)
	assert.Equal(t, ModeConnecting, f.pack.Mode)

	// The contactor picks the close request up on its next tick.
	f.cont.Run(f.pack, contactorTickMS)
	assert.Equal(t, ContactorPreCharge, f.cont.State)
}

func TestConnectRefusedOnVoltageMismatch(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeReady

	// testConfig: 2 modules x 1.2 V = 2400 mV window.
	bus := f.pack.PackVoltageMV + f.cfg.VoltageMatchMV() + 1
	f.run(&EMSCommand{Type: EMSConnectCharge}, bus)
	assert.Equal(t, ModeReady, f.pack.Mode, "gate failure keeps the pack READY for retry")

	bus = f.pack.PackVoltageMV + f.cfg.VoltageMatchMV()
	f.run(&EMSCommand{Type: EMSConnectCharge}, bus)
	assert.Equal(t, ModeConnecting, f.pack.Mode)
}

func TestConnectingToConnectedAndBack(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeReady
	bus := f.pack.PackVoltageMV

	f.run(&EMSCommand{Type: EMSConnectCharge}, bus)
	require.Equal(t, ModeConnecting, f.pack.Mode)

	// Full contactor sequence.
	for i := 0; i < 3; i++ {
		f.cont.Run(f.pack, contactorTickMS)
	}
	require.Equal(t, ContactorClosed, f.cont.State)

	f.run(nil, bus)
	assert.Equal(t, ModeConnected, f.pack.Mode)

	// Disconnect opens and returns to READY.
	f.pack.PackCurrentMA = 0
	f.run(&EMSCommand{Type: EMSDisconnect}, bus)
	assert.Equal(t, ModeReady, f.pack.Mode)
	f.cont.Run(f.pack, contactorTickMS)
	f.cont.Run(f.pack, contactorTickMS)
	assert.Equal(t, ContactorOpen, f.cont.State)
}

func TestConnectingTimeoutFallsBackToReady(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeConnecting
	// Contactor never left OPEN: the close request was lost or the
	// pre-charge timed out back to OPEN.
	f.run(nil, f.pack.PackVoltageMV)
	assert.Equal(t, ModeReady, f.pack.Mode)
}

func TestSetLimitsClampsDownOnly(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeConnected
	f.pack.ChargeLimitMA = 384000
	f.pack.DischargeLimitMA = 640000

	f.run(&EMSCommand{Type: EMSSetLimits, ChargeLimitMA: 100000, DischargeLimitMA: 200000}, 0)
	assert.Equal(t, int32(100000), f.pack.ChargeLimitMA)
	assert.Equal(t, int32(200000), f.pack.DischargeLimitMA)

	// A later higher request never raises the active limit.
	f.run(&EMSCommand{Type: EMSSetLimits, ChargeLimitMA: 999000, DischargeLimitMA: 999000}, 0)
	assert.Equal(t, int32(100000), f.pack.ChargeLimitMA)
	assert.Equal(t, int32(200000), f.pack.DischargeLimitMA)
}

func TestPowerSaveRoundTrip(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeReady

	f.run(&EMSCommand{Type: EMSPowerSave}, 0)
	assert.Equal(t, ModePowerSave, f.pack.Mode)

	// Power-save repeated: stays.
	f.run(&EMSCommand{Type: EMSPowerSave}, 0)
	assert.Equal(t, ModePowerSave, f.pack.Mode)

	f.run(&EMSCommand{Type: EMSDisconnect}, 0)
	assert.Equal(t, ModeReady, f.pack.Mode)
}

func TestAnyModeToFaultOnLatch(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeConnected
	f.pack.ChargeLimitMA = 384000
	f.pack.DischargeLimitMA = 640000
	f.pack.FaultLatched = true

	f.run(nil, 0)
	assert.Equal(t, ModeFault, f.pack.Mode)
	assert.Equal(t, int32(0), f.pack.ChargeLimitMA)
	assert.Equal(t, int32(0), f.pack.DischargeLimitMA)
}

func TestEMSWatchdog(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeConnected
	f.pack.LastEMSMsgMS = 0
	f.pack.UptimeMS = f.cfg.EMSWatchdogMS // elapsed == watchdog: still fine

	f.run(nil, 0)
	assert.Equal(t, ModeConnected, f.pack.Mode)

	f.pack.UptimeMS = f.cfg.EMSWatchdogMS + 1
	f.run(nil, 0)
	assert.Equal(t, ModeFault, f.pack.Mode)
	assert.True(t, f.pack.Faults.EMSTimeout)
	assert.True(t, f.pack.FaultLatched)
}

func TestWatchdogFedByAnyCommand(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeConnected
	f.pack.UptimeMS = 20000
	f.pack.LastEMSMsgMS = 16000

	// A command arrives: reception stamps the watchdog.
	f.run(&EMSCommand{Type: EMSNone}, 0)
	assert.Equal(t, ModeConnected, f.pack.Mode)

	f.pack.UptimeMS = 24000
	f.run(nil, 0)
	assert.Equal(t, ModeConnected, f.pack.Mode, "fed watchdog must not expire")
}

func TestFaultResetDeniedThenAccepted(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeFault
	f.pack.FaultLatched = true
	f.pack.Faults.CellOV = true

	// Hold incomplete: denied, mode unchanged.
	f.prot.SafeStateMS = f.cfg.FaultResetHoldMS - 1
	f.run(&EMSCommand{Type: EMSResetFaults}, 0)
	assert.Equal(t, ModeFault, f.pack.Mode)
	assert.True(t, f.pack.FaultLatched)

	// Idempotent: a second denied attempt changes nothing.
	f.run(&EMSCommand{Type: EMSResetFaults}, 0)
	assert.Equal(t, ModeFault, f.pack.Mode)

	f.prot.SafeStateMS = f.cfg.FaultResetHoldMS
	f.run(&EMSCommand{Type: EMSResetFaults}, 0)
	assert.Equal(t, ModeReady, f.pack.Mode)
	assert.False(t, f.pack.FaultLatched)
	assert.False(t, f.pack.Faults.Any())
}

func TestResetCommandIgnoredOutsideFault(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeReady
	f.run(&EMSCommand{Type: EMSResetFaults}, 0)
	assert.Equal(t, ModeReady, f.pack.Mode, "illegal source mode silently does nothing")
}

func TestWeldedRecoveryViaReset(t *testing.T) {
	f := newSMFixture(t)
	f.pack.Mode = ModeConnected

	// Weld: contactor latches the fault; next state tick enters FAULT.
	f.cont.State = ContactorWelded
	f.pack.ContactorState = ContactorWelded
	f.pack.Faults.ContactorWeld = true
	f.pack.FaultLatched = true
	f.pack.LastEMSMsgMS = f.pack.UptimeMS
	f.run(nil, 0)
	require.Equal(t, ModeFault, f.pack.Mode)

	// After hardware service, a guarded reset leaves WELDED.
	f.prot.SafeStateMS = f.cfg.FaultResetHoldMS
	f.run(&EMSCommand{Type: EMSResetFaults}, 0)
	assert.Equal(t, ModeReady, f.pack.Mode)
	assert.Equal(t, ContactorOpen, f.cont.State)
	assert.Equal(t, ContactorOpen, f.pack.ContactorState)
}
