package bms

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/HOLOS-git/corvus/bms/hal"
)

// Controller bundles one pack's state records and subsystems. The pack
// record is shared between the monitor, protection, state, contactor
// and publishing paths; every multi-field access goes through mu so
// readers always see a consistent snapshot. The protection, contactor
// and estimator records are owned exclusively by the tick path and
// never read elsewhere.
//
// Within a tick the order is fixed: driver update, aggregate, SoC,
// current limits, protection, state machine, contactor, balancing.
// Protection therefore never observes pack state newer than the
// aggregator's last complete pass.
type Controller struct {
	mu sync.Mutex

	ID  int
	cfg *Config
	log *slog.Logger

	Pack   PackData
	Events *FaultLog

	monitor *Monitor
	prot    *Protection
	cont    *Contactor
	sm      *StateMachine
	soc     SoCEstimator
	bal     *Balancer

	driver hal.CellMonitor
	store  hal.Store

	pending *EMSCommand

	// tick phase accumulators for the cooperative Step path
	contactorAccMS uint32
	stateAccMS     uint32
	runtimeAccMS   uint64
	runtimeHours   uint32
}

// NewController wires a controller for one pack. store may be nil.
func NewController(id int, cfg *Config, driver hal.CellMonitor, gpio hal.GPIO, store hal.Store, log *slog.Logger) *Controller {
	log = log.With("pack", id)
	events := NewFaultLog()
	c := &Controller{
		ID:      id,
		cfg:     cfg,
		log:     log,
		Pack:    newPackData(cfg),
		Events:  events,
		monitor: NewMonitor(driver),
		prot:    NewProtection(cfg, log, events),
		cont:    NewContactor(cfg, gpio, log),
		sm:      NewStateMachine(cfg, log),
		bal:     NewBalancer(cfg, driver),
		driver:  driver,
		store:   store,
	}
	c.Pack.SoCHundredths = 5000
	return c
}

// Init verifies every module, primes a full scan and restores the
// persisted SoC. Leaves the pack in NOT_READY; the state machine
// promotes it once all modules report in.
func (c *Controller) Init() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.store != nil {
		if data, err := c.store.LoadPersistent(); err == nil {
			if data.SoCHundredths <= 10000 {
				c.Pack.SoCHundredths = data.SoCHundredths
			}
			c.runtimeHours = data.RuntimeHours
			c.soc.chargeMAms = data.TotalChargeMAh * 3600000
			c.soc.dischargeMAms = data.TotalDischargeMAh * 3600000
		}
	}

	if err := c.monitor.InitModules(&c.Pack, c.cfg); err != nil {
		return fmt.Errorf("pack %d: %w", c.ID, err)
	}
	return nil
}

// Deliver hands the controller a decoded EMS command. Reception
// updates the watchdog stamp; the command itself is consumed by the
// next state tick.
func (c *Controller) Deliver(cmd EMSCommand) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Pack.LastEMSMsgMS = c.Pack.UptimeMS
	cp := cmd
	c.pending = &cp
}

// Protection exposes the protection engine for the operator surface
// (hardware-fault acknowledgement).
func (c *Controller) Protection() *Protection { return c.prot }

// Contactor exposes the sequencer.
func (c *Controller) Contactor() *Contactor { return c.cont }

// Step runs one full cooperative tick at dt: every subsystem in the
// fixed order, with the contactor and state cadences derived from
// their own accumulated periods.
func (c *Controller) Step(busVoltageMV uint32, dtMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stepMonitorLocked(dtMS)
	c.stepProtectionLocked(dtMS)

	c.stateAccMS += dtMS
	if c.stateAccMS >= 100 {
		c.stepStateLocked(busVoltageMV, c.stateAccMS)
		c.stateAccMS = 0
	}

	c.contactorAccMS += dtMS
	if c.contactorAccMS >= 50 {
		c.stepContactorLocked(c.contactorAccMS)
		c.contactorAccMS = 0
	}

	c.bal.Run(&c.Pack)
	c.accumulateRuntime(dtMS)
}

// StepMonitor is the 10 ms monitor task entry point.
func (c *Controller) StepMonitor(dtMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepMonitorLocked(dtMS)
	c.bal.Run(&c.Pack)
	c.accumulateRuntime(dtMS)
}

// StepProtection is the 10 ms protection task entry point.
func (c *Controller) StepProtection(dtMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepProtectionLocked(dtMS)
}

// StepContactor is the 50 ms contactor task entry point.
func (c *Controller) StepContactor(dtMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepContactorLocked(dtMS)
}

// StepState is the 100 ms state task entry point.
func (c *Controller) StepState(busVoltageMV uint32, dtMS uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stepStateLocked(busVoltageMV, dtMS)
}

func (c *Controller) stepMonitorLocked(dtMS uint32) {
	hadCommLoss := c.Pack.Faults.CommLoss
	c.monitor.Step(&c.Pack, c.cfg, dtMS)
	if c.Pack.Faults.CommLoss && !hadCommLoss {
		// Communication faults latch like every other fault.
		c.Pack.FaultLatched = true
		appendMsg(&c.Pack.FaultMessage, "cell monitor communication lost")
		c.Events.Log(c.Pack.UptimeMS, FaultKindCommLoss, NoIndex, 0)
		c.log.Error("cell monitor communication lost")
	}

	c.soc.Update(&c.Pack, c.cfg, dtMS)

	if c.Pack.FaultLatched {
		c.Pack.ChargeLimitMA = 0
		c.Pack.DischargeLimitMA = 0
		return
	}
	chg, dchg := ComputeCurrentLimits(&c.Pack, c.cfg.NominalCapacityMAh)
	if c.Pack.EMSChargeCapMA >= 0 && c.Pack.EMSChargeCapMA < chg {
		chg = c.Pack.EMSChargeCapMA
	}
	if c.Pack.EMSDischargeCapMA >= 0 && c.Pack.EMSDischargeCapMA < dchg {
		dchg = c.Pack.EMSDischargeCapMA
	}
	c.Pack.ChargeLimitMA = chg
	c.Pack.DischargeLimitMA = dchg
}

func (c *Controller) stepProtectionLocked(dtMS uint32) {
	c.prot.Run(&c.Pack, dtMS)
	if c.Pack.FaultLatched {
		c.Pack.ChargeLimitMA = 0
		c.Pack.DischargeLimitMA = 0
	}
}

func (c *Controller) stepStateLocked(busVoltageMV uint32, dtMS uint32) {
	cmd := c.pending
	c.pending = nil
	c.sm.Run(&c.Pack, c.cont, c.prot, cmd, busVoltageMV, dtMS)
}

func (c *Controller) stepContactorLocked(dtMS uint32) {
	c.cont.Run(&c.Pack, dtMS)
}

func (c *Controller) accumulateRuntime(dtMS uint32) {
	c.runtimeAccMS += uint64(dtMS)
	if c.runtimeAccMS >= 3600000 {
		c.runtimeHours += uint32(c.runtimeAccMS / 3600000)
		c.runtimeAccMS %= 3600000
	}
}

// Snapshot returns a consistent copy of the pack record for
// publishing. The per-module slices are not aliased.
func (c *Controller) Snapshot() PackData {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := c.Pack
	cp.CellMV = append([]uint16(nil), c.Pack.CellMV...)
	cp.Modules = nil
	return cp
}

// PersistentSnapshot captures the data saved across power cycles.
func (c *Controller) PersistentSnapshot() hal.PersistentData {
	c.mu.Lock()
	defer c.mu.Unlock()
	return hal.PersistentData{
		SoCHundredths:     c.Pack.SoCHundredths,
		RuntimeHours:      c.runtimeHours,
		TotalChargeMAh:    c.soc.TotalChargeMAh(),
		TotalDischargeMAh: c.soc.TotalDischargeMAh(),
	}
}

// SavePersistent writes the snapshot through the store capability.
func (c *Controller) SavePersistent() error {
	if c.store == nil {
		return nil
	}
	return c.store.SavePersistent(c.PersistentSnapshot())
}

// Mode returns the current pack mode.
func (c *Controller) Mode() PackMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Pack.Mode
}

// locked runs fn with the controller lock held. The array coordinator
// uses it for multi-field reads and writes during the solve.
func (c *Controller) locked(fn func(*PackData)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(&c.Pack)
}
