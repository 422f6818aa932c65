package bms

import (
	"fmt"
	"log/slog"
	"sync"
)

// PackPhysics advances a pack's physical state. In production the
// cell-monitor driver reads hardware and this is a no-op adapter; in
// simulation the equivalent-circuit model implements it.
type PackPhysics interface {
	// SetCurrent applies the solved bus current, mA, positive = charging.
	SetCurrent(ma int64)
	// Advance steps the physical state by dt.
	Advance(dtMS uint32)
}

// Array coordinates the packs sharing one DC bus: connection ordering,
// the bus voltage / current distribution solve, and array-level limits.
// The pack / array / controller graph is strictly acyclic — the array
// owns controllers, controllers own their state records; nothing holds
// a back-pointer.
type Array struct {
	mu sync.Mutex

	cfg *Config
	log *slog.Logger

	Controllers []*Controller
	physics     []PackPhysics

	BusVoltageMV          uint32
	ArrayChargeLimitMA    int64
	ArrayDischargeLimitMA int64

	// External current request, mA, positive = charging. Zero selects
	// equalization mode.
	requestedMA int64

	pendingConnect   bool
	connectForCharge bool
}

// NewArray creates the coordinator. Pack IDs must be unique.
func NewArray(cfg *Config, log *slog.Logger, controllers []*Controller) (*Array, error) {
	seen := make(map[int]bool, len(controllers))
	for _, c := range controllers {
		if seen[c.ID] {
			return nil, fmt.Errorf("duplicate pack id %d", c.ID)
		}
		seen[c.ID] = true
	}
	return &Array{
		cfg:         cfg,
		log:         log,
		Controllers: controllers,
		physics:     make([]PackPhysics, len(controllers)),
	}, nil
}

// AttachPhysics installs the physical-state hook for one pack index.
func (a *Array) AttachPhysics(idx int, p PackPhysics) {
	a.physics[idx] = p
}

// SetRequestedCurrent sets the externally requested total current.
func (a *Array) SetRequestedCurrent(ma int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.requestedMA = ma
}

// RequestedCurrent returns the current request.
func (a *Array) RequestedCurrent() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.requestedMA
}

// Dispatch routes a decoded EMS command. Connect commands are
// sequenced by the coordinator and a bare heartbeat (EMSNone) is not
// delivered, so it never replaces a command a pack has not yet
// consumed; everything else fans out to every pack. Reception stamps
// every pack's watchdog.
func (a *Array) Dispatch(cmd EMSCommand) {
	a.mu.Lock()
	switch cmd.Type {
	case EMSConnectCharge:
		a.pendingConnect = true
		a.connectForCharge = true
	case EMSConnectDischarge:
		a.pendingConnect = true
		a.connectForCharge = false
	case EMSDisconnect:
		a.pendingConnect = false
	}
	a.mu.Unlock()

	switch cmd.Type {
	case EMSConnectCharge, EMSConnectDischarge, EMSNone:
		// Connect delivery to individual packs is sequenced inside Step
		// and a heartbeat carries nothing to deliver; only the watchdog
		// stamp is immediate.
		for _, c := range a.Controllers {
			c.locked(func(p *PackData) { p.LastEMSMsgMS = p.UptimeMS })
		}
	default:
		for _, c := range a.Controllers {
			c.Deliver(cmd)
		}
	}
}

// Step advances the whole array by dt: step every controller, sequence
// pending connections, solve the bus, advance physics.
func (a *Array) Step(dtMS uint32) {
	a.mu.Lock()
	pending := a.pendingConnect
	forCharge := a.connectForCharge
	requested := a.requestedMA
	busMV := a.BusVoltageMV
	a.mu.Unlock()

	// 1. Step every controller with the current bus voltage.
	for _, c := range a.Controllers {
		c.Step(busMV, dtMS)
	}

	// 2. Sequence pending connections: the first pack alone until it
	// reaches CONNECTED, then all remaining READY packs together.
	if pending {
		a.sequenceConnect(forCharge, busMV)
	}

	// 3. Connected set and array-level limits.
	conn := a.connectedSet()
	a.computeLimits(conn)

	// 4. Solve the bus, or fall back to an open-bus voltage estimate.
	if len(conn) > 0 {
		currents, solvedMV := a.solve(conn, requested)
		a.mu.Lock()
		a.BusVoltageMV = solvedMV
		a.mu.Unlock()
		for i, c := range conn {
			ma := currents[i]
			idx := a.indexOf(c)
			if a.physics[idx] != nil {
				a.physics[idx].SetCurrent(ma)
			}
			c.locked(func(p *PackData) { p.PackCurrentMA = int32(ma) })
		}
	} else {
		a.updateOpenBusVoltage()
	}

	// 5. Advance physical state of every pack; disconnected packs
	// carry no bus current.
	for i := range a.Controllers {
		if a.physics[i] == nil {
			continue
		}
		if a.Controllers[i].Mode() != ModeConnected {
			a.physics[i].SetCurrent(0)
		}
		a.physics[i].Advance(dtMS)
	}
}

func (a *Array) indexOf(c *Controller) int {
	for i := range a.Controllers {
		if a.Controllers[i] == c {
			return i
		}
	}
	return -1
}

func (a *Array) connectedSet() []*Controller {
	var conn []*Controller
	for _, c := range a.Controllers {
		if c.Mode() == ModeConnected {
			conn = append(conn, c)
		}
	}
	return conn
}

// sequenceConnect selects the pre-charge pack — lowest SoC for charge,
// highest for discharge — and connects it alone; once a pack is
// CONNECTED the remaining READY packs are requested together. Packs
// failing the voltage gate stay READY and retry next cycle.
func (a *Array) sequenceConnect(forCharge bool, busMV uint32) {
	anyConnected := false
	anyConnecting := false
	for _, c := range a.Controllers {
		switch c.Mode() {
		case ModeConnected:
			anyConnected = true
		case ModeConnecting:
			anyConnecting = true
		}
	}

	cmdType := EMSConnectDischarge
	if forCharge {
		cmdType = EMSConnectCharge
	}

	if anyConnected {
		for _, c := range a.Controllers {
			if c.Mode() == ModeReady {
				c.Deliver(EMSCommand{Type: cmdType})
			}
		}
		return
	}
	if anyConnecting {
		// Pre-charge pack in flight; wait.
		return
	}

	var best *Controller
	var bestSoC uint16
	for _, c := range a.Controllers {
		if c.Mode() != ModeReady {
			continue
		}
		soc := func() uint16 {
			var s uint16
			c.locked(func(p *PackData) { s = p.SoCHundredths })
			return s
		}()
		if best == nil ||
			(forCharge && soc < bestSoC) ||
			(!forCharge && soc > bestSoC) {
			best = c
			bestSoC = soc
		}
	}
	if best != nil {
		a.log.Info("connecting pre-charge pack", "pack", best.ID, "soc_hundredths", bestSoC, "for_charge", forCharge)
		best.Deliver(EMSCommand{Type: cmdType})
	}
}

// computeLimits publishes the array-level limits: the conservative
// min(per-pack limit) x |connected| form.
func (a *Array) computeLimits(conn []*Controller) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(conn) == 0 {
		a.ArrayChargeLimitMA = 0
		a.ArrayDischargeLimitMA = 0
		return
	}
	var minC, minD int32 = 1<<31 - 1, 1<<31 - 1
	for _, c := range conn {
		c.locked(func(p *PackData) {
			if p.ChargeLimitMA < minC {
				minC = p.ChargeLimitMA
			}
			if p.DischargeLimitMA < minD {
				minD = p.DischargeLimitMA
			}
		})
	}
	n := int64(len(conn))
	a.ArrayChargeLimitMA = int64(minC) * n
	a.ArrayDischargeLimitMA = int64(minD) * n
}

// packElectrical captures the solver's view of one connected pack.
type packElectrical struct {
	ocvUV int64 // pack open-circuit voltage, microvolts
	gScal int64 // conductance scaled by 1e12: gScal = 1e12 / R_uohm
	chgMA int64
	dchMA int64
}

func (a *Array) electrical(c *Controller) packElectrical {
	var pe packElectrical
	c.locked(func(p *PackData) {
		cellOCV := OCVFromSoC(p.SoCHundredths)
		pe.ocvUV = int64(cellOCV) * int64(a.cfg.NumCells()) * 1000
		r := PackResistanceUohm(p.MaxTempDeciC, p.SoCHundredths, a.cfg.NumModules)
		if r < 1 {
			r = 1
		}
		pe.gScal = 1_000_000_000_000 / r
		pe.chgMA = int64(p.ChargeLimitMA)
		pe.dchMA = int64(p.DischargeLimitMA)
	})
	return pe
}

// solve distributes the requested current across the connected packs.
// Driven mode solves sum_k (V - OCV_k)/R_k = I_request for the bus
// voltage; equalization mode (request 0) solves the same system with a
// zero right-hand side so the pack currents sum to zero exactly and
// higher-SoC packs discharge into lower-SoC ones. Packs whose solved
// current exceeds their own limit are clamped, removed from the active
// set and held fixed; the reduced system is re-solved with the clamped
// currents subtracted from the target, preserving KCL. Bounded by the
// number of connected packs.
//
// Units: voltages in microvolts, conductance scaled by 1e12 relative
// to micro-ohms, so I_mA = dV_uV * gScal / 1e9. All int64.
func (a *Array) solve(conn []*Controller, requestedMA int64) ([]int64, uint32) {
	n := len(conn)
	pe := make([]packElectrical, n)
	for i, c := range conn {
		pe[i] = a.electrical(c)
	}

	// Clamp the request to the array-level limits (driven mode only).
	a.mu.Lock()
	target := requestedMA
	if target > a.ArrayChargeLimitMA {
		target = a.ArrayChargeLimitMA
	}
	if target < -a.ArrayDischargeLimitMA {
		target = -a.ArrayDischargeLimitMA
	}
	a.mu.Unlock()
	equalization := requestedMA == 0

	currents := make([]int64, n)
	active := make([]bool, n)
	clamped := make([]bool, n)
	clampedVal := make([]int64, n)
	for i := range active {
		active[i] = true
	}
	residual := target
	if equalization {
		residual = 0
	}

	// Up to n clamping iterations plus one clean re-solve.
	var busUV int64
	for iter := 0; iter <= n; iter++ {
		var sumG, sumOCVG int64
		for i := range pe {
			if !active[i] {
				continue
			}
			sumG += pe[i].gScal
			sumOCVG += pe[i].ocvUV / 1000 * pe[i].gScal / 1000
		}
		if sumG == 0 {
			break
		}

		// busUV = (sum(OCV*G) +- rhs) / sum(G); sumOCVG carries a 1e6
		// scale deficit from the staged division above, restored here.
		var rhs int64
		if equalization {
			var clampedSum int64
			for i := range pe {
				if clamped[i] {
					clampedSum += clampedVal[i]
				}
			}
			rhs = -clampedSum
		} else {
			rhs = residual
		}
		busUV = (sumOCVG + rhs*1000) / sumG * 1_000_000
		// Refine with the remainder so per-pack currents keep mA-level
		// precision on a microvolt bus figure.
		rem := (sumOCVG + rhs*1000) % sumG
		busUV += rem * 1_000_000 / sumG

		anyClamped := false
		for i := range pe {
			if !active[i] {
				continue
			}
			ik := (busUV - pe[i].ocvUV) / 1_000_000 * pe[i].gScal / 1000
			ik += (busUV - pe[i].ocvUV) % 1_000_000 * pe[i].gScal / 1000 / 1_000_000

			switch {
			case ik > 0 && ik > pe[i].chgMA:
				clampedVal[i] = pe[i].chgMA
				clamped[i] = true
				active[i] = false
				if !equalization {
					residual -= pe[i].chgMA
				}
				anyClamped = true
			case ik < 0 && -ik > pe[i].dchMA:
				clampedVal[i] = -pe[i].dchMA
				clamped[i] = true
				active[i] = false
				if !equalization {
					residual -= -pe[i].dchMA
				}
				anyClamped = true
			default:
				currents[i] = ik
			}
		}

		if !anyClamped {
			break
		}
	}

	for i := range pe {
		if clamped[i] {
			currents[i] = clampedVal[i]
		}
	}

	// Post-solve check: per-pack limits honored within 1%.
	for i := range pe {
		if currents[i] > 0 && currents[i] > pe[i].chgMA+pe[i].chgMA/100 {
			a.log.Error("solver exceeded charge limit", "pack", conn[i].ID, "ma", currents[i], "limit_ma", pe[i].chgMA)
			currents[i] = pe[i].chgMA
		} else if currents[i] < 0 && -currents[i] > pe[i].dchMA+pe[i].dchMA/100 {
			a.log.Error("solver exceeded discharge limit", "pack", conn[i].ID, "ma", -currents[i], "limit_ma", pe[i].dchMA)
			currents[i] = -pe[i].dchMA
		}
	}

	if busUV < 0 {
		busUV = 0
	}
	return currents, uint32(busUV / 1000)
}

// updateOpenBusVoltage estimates the bus with nothing connected: the
// mean of connected-then-ready pack voltages.
func (a *Array) updateOpenBusVoltage() {
	var sum uint64
	var cnt int
	for _, c := range a.Controllers {
		if c.Mode() == ModeConnected {
			c.locked(func(p *PackData) { sum += uint64(p.PackVoltageMV) })
			cnt++
		}
	}
	if cnt == 0 {
		for _, c := range a.Controllers {
			if c.Mode() == ModeReady {
				c.locked(func(p *PackData) { sum += uint64(p.PackVoltageMV) })
				cnt++
			}
		}
	}
	if cnt > 0 {
		a.mu.Lock()
		a.BusVoltageMV = uint32(sum / uint64(cnt))
		a.mu.Unlock()
	}
}

// BusVoltage returns the current bus voltage estimate in mV.
func (a *Array) BusVoltage() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.BusVoltageMV
}

// Limits returns the published array-level limits.
func (a *Array) Limits() (chargeMA, dischargeMA int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ArrayChargeLimitMA, a.ArrayDischargeLimitMA
}
