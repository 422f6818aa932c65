package bms

import (
	"log/slog"

	"github.com/HOLOS-git/corvus/bms/hal"
)

// Contactor sequences the pack's high-voltage contactors:
//
//	OPEN -> PRE_CHARGE -> CLOSING -> CLOSED -> OPENING -> OPEN | WELDED
//
// Pre-charge energizes the pre-charge relay and the negative contactor
// and waits for the pack voltage to reach a fraction of the bus
// voltage. Closing energizes the positive contactor and verifies both
// feedback inputs. Weld detection is the sole path into WELDED: current
// persisting after a commanded open.
type Contactor struct {
	cfg  *Config
	gpio hal.GPIO
	log  *slog.Logger

	State        ContactorState
	StateTimerMS uint32
	BusVoltageMV uint32

	closeRequested bool
	openRequested  bool
}

// NewContactor creates the sequencer with all outputs de-energized.
func NewContactor(cfg *Config, gpio hal.GPIO, log *slog.Logger) *Contactor {
	c := &Contactor{cfg: cfg, gpio: gpio, log: log, State: ContactorOpen}
	c.allOff()
	return c
}

func (c *Contactor) allOff() {
	c.gpio.Write(hal.PinContactorPos, false)
	c.gpio.Write(hal.PinContactorNeg, false)
	c.gpio.Write(hal.PinPrechargeRelay, false)
}

// RequestClose starts the close sequence from OPEN, pre-charging
// against the given bus voltage.
func (c *Contactor) RequestClose(busVoltageMV uint32) {
	if c.State == ContactorOpen {
		c.closeRequested = true
		c.BusVoltageMV = busVoltageMV
	}
}

// RequestOpen starts the open sequence from any energized state.
func (c *Contactor) RequestOpen() {
	switch c.State {
	case ContactorClosed, ContactorPreCharge, ContactorClosing:
		c.openRequested = true
	}
}

// Run advances the sequencer by dt. Reads pack voltage and current,
// writes the pack's contactor state.
func (c *Contactor) Run(pack *PackData, dtMS uint32) {
	c.StateTimerMS += dtMS

	switch c.State {

	case ContactorOpen:
		if c.closeRequested {
			c.closeRequested = false
			c.enter(ContactorPreCharge)
			c.gpio.Write(hal.PinContactorNeg, true)
			c.gpio.Write(hal.PinPrechargeRelay, true)
			c.log.Debug("contactor OPEN -> PRE_CHARGE", "bus_mv", c.BusVoltageMV)
		}

	case ContactorPreCharge:
		if c.openRequested {
			c.openRequested = false
			c.enter(ContactorOpening)
			c.allOff()
			c.log.Debug("contactor PRE_CHARGE -> OPENING (abort)")
			break
		}
		target := uint32(uint64(c.BusVoltageMV) * uint64(c.cfg.PrechargeVoltPct) / 100)
		if pack.PackVoltageMV >= target {
			c.enter(ContactorClosing)
			c.gpio.Write(hal.PinContactorPos, true)
			c.gpio.Write(hal.PinPrechargeRelay, false)
			c.log.Debug("contactor PRE_CHARGE -> CLOSING")
		} else if c.StateTimerMS >= c.cfg.PrechargeTimeoutMS {
			c.enter(ContactorOpen)
			c.allOff()
			c.log.Warn("pre-charge timeout", "pack_mv", pack.PackVoltageMV, "target_mv", target)
		}

	case ContactorClosing:
		if c.openRequested {
			c.openRequested = false
			c.enter(ContactorOpening)
			c.allOff()
			break
		}
		posFB := c.gpio.Read(hal.PinContactorFBPos)
		negFB := c.gpio.Read(hal.PinContactorFBNeg)
		if posFB && negFB {
			c.enter(ContactorClosed)
			c.log.Info("contactor closed")
		} else if c.StateTimerMS >= c.cfg.ContactorCloseMS {
			c.enter(ContactorOpen)
			c.allOff()
			c.log.Warn("contactor close feedback timeout")
		}

	case ContactorClosed:
		if c.openRequested {
			c.openRequested = false
			c.enter(ContactorOpening)
			c.allOff()
			c.log.Debug("contactor CLOSED -> OPENING")
		}

	case ContactorOpening:
		abs := pack.PackCurrentMA
		if abs < 0 {
			abs = -abs
		}
		if abs < 1000 {
			c.enter(ContactorOpen)
			c.log.Debug("contactor open confirmed")
		} else if c.StateTimerMS >= c.cfg.WeldDetectMS {
			c.enter(ContactorWelded)
			pack.Faults.ContactorWeld = true
			pack.FaultLatched = true
			appendMsg(&pack.FaultMessage, "contactor weld detected")
			c.log.Error("contactor weld detected", "ma", pack.PackCurrentMA)
		}

	case ContactorWelded:
		// Terminal. Hardware service plus a manual fault reset is the
		// only way out.
	}

	pack.ContactorState = c.State

	// Annunciator outputs track the pack fault and warning state.
	c.gpio.Write(hal.PinFaultLED, pack.FaultLatched)
	c.gpio.Write(hal.PinFaultRelay, pack.FaultLatched)
	c.gpio.Write(hal.PinWarningLED, pack.HasWarning)
	c.gpio.Write(hal.PinWarningRelay, pack.HasWarning)
}

func (c *Contactor) enter(s ContactorState) {
	c.State = s
	c.StateTimerMS = 0
}

// IsFaulted reports whether the sequencer has welded.
func (c *Contactor) IsFaulted() bool { return c.State == ContactorWelded }

// ResetFromWeld returns the sequencer to OPEN after hardware service.
// Only the manual fault-reset path calls this.
func (c *Contactor) ResetFromWeld() {
	if c.State == ContactorWelded {
		c.enter(ContactorOpen)
		c.allOff()
	}
}
