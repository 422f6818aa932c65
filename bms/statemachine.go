package bms

import (
	"log/slog"
)

// StateMachine runs the seven-mode pack controller. Transitions are a
// total function of (current mode, inputs); a handler per mode makes
// the table explicit, and EMS commands arriving in a mode with no
// handler clause for them silently do nothing.
type StateMachine struct {
	cfg *Config
	log *slog.Logger

	handlers map[PackMode]func(*StateMachine, *smContext)
}

// smContext carries one tick's inputs.
type smContext struct {
	pack         *PackData
	cont         *Contactor
	prot         *Protection
	cmd          *EMSCommand // nil when no command pending
	busVoltageMV uint32
}

// NewStateMachine builds the mode handler table.
func NewStateMachine(cfg *Config, log *slog.Logger) *StateMachine {
	sm := &StateMachine{cfg: cfg, log: log}
	sm.handlers = map[PackMode]func(*StateMachine, *smContext){
		ModeOff:        (*StateMachine).runOff,
		ModeNotReady:   (*StateMachine).runNotReady,
		ModeReady:      (*StateMachine).runReady,
		ModeConnecting: (*StateMachine).runConnecting,
		ModeConnected:  (*StateMachine).runConnected,
		ModePowerSave:  (*StateMachine).runPowerSave,
		ModeFault:      (*StateMachine).runFault,
	}
	return sm
}

// Run evaluates one state tick.
func (sm *StateMachine) Run(pack *PackData, cont *Contactor, prot *Protection, cmd *EMSCommand, busVoltageMV uint32, dtMS uint32) {
	ctx := &smContext{pack: pack, cont: cont, prot: prot, cmd: cmd, busVoltageMV: busVoltageMV}

	// Any mode: a latched fault wins.
	if pack.FaultLatched && pack.Mode != ModeFault {
		sm.log.Warn("entering FAULT", "from", pack.Mode.String(), "faults", pack.Faults.Bits())
		sm.EnterFault(pack, cont)
		return
	}

	// EMS watchdog while the bus is, or is about to be, live.
	if pack.Mode == ModeConnected || pack.Mode == ModeConnecting {
		elapsed := pack.UptimeMS - pack.LastEMSMsgMS
		if elapsed > sm.cfg.EMSWatchdogMS {
			sm.log.Error("EMS watchdog expired", "elapsed_ms", elapsed)
			pack.Faults.EMSTimeout = true
			pack.FaultLatched = true
			appendMsg(&pack.FaultMessage, "EMS watchdog expired")
			sm.EnterFault(pack, cont)
			return
		}
	}

	if h, ok := sm.handlers[pack.Mode]; ok {
		h(sm, ctx)
	}
}

// EnterFault drives the pack into FAULT: zero limits, open contactors.
func (sm *StateMachine) EnterFault(pack *PackData, cont *Contactor) {
	pack.Mode = ModeFault
	pack.ChargeLimitMA = 0
	pack.DischargeLimitMA = 0
	cont.RequestOpen()
}

func (sm *StateMachine) runOff(ctx *smContext) {
	// A pack record is created in NOT_READY, so OFF is never entered
	// and there is nothing to do here.
}

func (sm *StateMachine) runNotReady(ctx *smContext) {
	for i := range ctx.pack.Modules {
		if !ctx.pack.Modules[i].CommOK {
			return
		}
	}
	ctx.pack.Mode = ModeReady
	sm.log.Info("self-test passed", "mode", "READY")
}

func (sm *StateMachine) runReady(ctx *smContext) {
	if ctx.cmd == nil {
		return
	}
	switch ctx.cmd.Type {
	case EMSConnectCharge, EMSConnectDischarge:
		pack := ctx.pack
		// Voltage-match gate: stay READY and let the next cycle retry
		// when the pack is too far from the bus.
		if !voltageMatched(pack.PackVoltageMV, ctx.busVoltageMV, sm.cfg.VoltageMatchMV()) {
			sm.log.Warn("connect refused: voltage mismatch",
				"pack_mv", pack.PackVoltageMV, "bus_mv", ctx.busVoltageMV)
			return
		}
		ctx.cont.RequestClose(ctx.busVoltageMV)
		pack.Mode = ModeConnecting
		sm.log.Info("READY -> CONNECTING", "bus_mv", ctx.busVoltageMV)
	case EMSPowerSave:
		ctx.pack.Mode = ModePowerSave
		sm.log.Info("READY -> POWER_SAVE")
	}
}

func (sm *StateMachine) runConnecting(ctx *smContext) {
	switch ctx.cont.State {
	case ContactorClosed:
		ctx.pack.Mode = ModeConnected
		sm.log.Info("CONNECTING -> CONNECTED")
		return
	case ContactorOpen:
		// Pre-charge timed out or close verification failed.
		ctx.pack.Mode = ModeReady
		sm.log.Warn("CONNECTING -> READY (contactor open)")
		return
	}

	if ctx.cmd != nil && ctx.cmd.Type == EMSDisconnect {
		ctx.cont.RequestOpen()
		ctx.pack.Mode = ModeReady
		sm.log.Info("CONNECTING -> READY (disconnect)")
	}
}

func (sm *StateMachine) runConnected(ctx *smContext) {
	if ctx.cmd == nil {
		return
	}
	switch ctx.cmd.Type {
	case EMSDisconnect:
		ctx.cont.RequestOpen()
		ctx.pack.Mode = ModeReady
		ctx.pack.EMSChargeCapMA = -1
		ctx.pack.EMSDischargeCapMA = -1
		sm.log.Info("CONNECTED -> READY (disconnect)")
	case EMSSetLimits:
		// EMS may only tighten what protection has granted. The cap
		// persists across recomputes and never rises until disconnect
		// or reset clears it.
		if ctx.cmd.ChargeLimitMA >= 0 &&
			(ctx.pack.EMSChargeCapMA < 0 || ctx.cmd.ChargeLimitMA < ctx.pack.EMSChargeCapMA) {
			ctx.pack.EMSChargeCapMA = ctx.cmd.ChargeLimitMA
		}
		if ctx.cmd.DischargeLimitMA >= 0 &&
			(ctx.pack.EMSDischargeCapMA < 0 || ctx.cmd.DischargeLimitMA < ctx.pack.EMSDischargeCapMA) {
			ctx.pack.EMSDischargeCapMA = ctx.cmd.DischargeLimitMA
		}
		if ctx.pack.EMSChargeCapMA >= 0 && ctx.pack.EMSChargeCapMA < ctx.pack.ChargeLimitMA {
			ctx.pack.ChargeLimitMA = ctx.pack.EMSChargeCapMA
		}
		if ctx.pack.EMSDischargeCapMA >= 0 && ctx.pack.EMSDischargeCapMA < ctx.pack.DischargeLimitMA {
			ctx.pack.DischargeLimitMA = ctx.pack.EMSDischargeCapMA
		}
	}
}

func (sm *StateMachine) runPowerSave(ctx *smContext) {
	if ctx.cmd != nil && ctx.cmd.Type != EMSNone && ctx.cmd.Type != EMSPowerSave {
		ctx.pack.Mode = ModeReady
		sm.log.Info("POWER_SAVE -> READY", "cmd", ctx.cmd.Type.String())
	}
}

func (sm *StateMachine) runFault(ctx *smContext) {
	if ctx.cmd == nil || ctx.cmd.Type != EMSResetFaults {
		return
	}
	if !ctx.prot.CanReset(ctx.pack) {
		// A denied reset must be observable, never silently absorbed.
		sm.log.Warn("fault reset denied",
			"safe_state_ms", ctx.prot.SafeStateMS,
			"required_ms", sm.cfg.FaultResetHoldMS)
		return
	}
	ctx.prot.Reset(ctx.pack)
	ctx.cont.ResetFromWeld()
	ctx.pack.ContactorState = ctx.cont.State
	ctx.pack.Mode = ModeReady
	sm.log.Info("FAULT -> READY (reset accepted)")
}

func voltageMatched(packMV, busMV, windowMV uint32) bool {
	var delta uint32
	if packMV > busMV {
		delta = packMV - busMV
	} else {
		delta = busMV - packMV
	}
	return delta <= windowMV
}
