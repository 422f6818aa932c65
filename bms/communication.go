package bms

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Bench command surface on Redis, mirroring the CAN command path: the
// EMS (or an operator) publishes plain-text commands on ess:commands.
//
//	connect-charge | connect-discharge | disconnect
//	reset-faults | power-save | ack-hw-fault
//	set-limits <charge_ma> <discharge_ma>
//	request-current <ma>
const commandChannel = "ess:commands"

func (s *Service) handleCommandSubscription() {
	defer s.wg.Done()

	pubsub := s.redis.Subscribe(s.ctx, commandChannel)
	defer pubsub.Close()

	if _, err := pubsub.Receive(s.ctx); err != nil {
		s.log.Error("command subscription failed", "error", err)
		return
	}
	s.log.Info("subscribed to command channel", "channel", commandChannel)

	ch := pubsub.Channel()
	for {
		select {
		case <-s.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			s.handleCommand(msg.Payload)
		}
	}
}

func (s *Service) handleCommand(payload string) {
	fields := strings.Fields(payload)
	if len(fields) == 0 {
		return
	}
	s.log.Info("command received", "payload", payload)

	switch fields[0] {
	case "connect-charge":
		s.array.Dispatch(EMSCommand{Type: EMSConnectCharge})
	case "connect-discharge":
		s.array.Dispatch(EMSCommand{Type: EMSConnectDischarge})
	case "disconnect":
		s.array.Dispatch(EMSCommand{Type: EMSDisconnect})
	case "reset-faults":
		s.array.Dispatch(EMSCommand{Type: EMSResetFaults})
	case "power-save":
		s.array.Dispatch(EMSCommand{Type: EMSPowerSave})
	case "ack-hw-fault":
		for _, c := range s.array.Controllers {
			c.locked(func(p *PackData) {
				c.Protection().AckHwFault(p)
			})
		}
	case "set-limits":
		if len(fields) != 3 {
			s.log.Warn("set-limits requires <charge_ma> <discharge_ma>")
			return
		}
		chg, err1 := strconv.ParseInt(fields[1], 10, 32)
		dchg, err2 := strconv.ParseInt(fields[2], 10, 32)
		if err1 != nil || err2 != nil {
			s.log.Warn("set-limits: bad arguments", "payload", payload)
			return
		}
		s.array.Dispatch(EMSCommand{
			Type:             EMSSetLimits,
			ChargeLimitMA:    int32(chg),
			DischargeLimitMA: int32(dchg),
		})
	case "request-current":
		if len(fields) != 2 {
			s.log.Warn("request-current requires <ma>")
			return
		}
		ma, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			s.log.Warn("request-current: bad argument", "payload", payload)
			return
		}
		s.array.SetRequestedCurrent(ma)
	default:
		s.log.Warn("unknown command", "payload", payload)
	}
}

// redisStatusLoop refreshes the status hashes and change notifications.
func (s *Service) redisStatusLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.updateRedisStatus()
		}
	}
}

// updateRedisStatus writes every pack's status hash and diffs the
// fault set, batched in one pipeline so readers never see a half
// update.
func (s *Service) updateRedisStatus() {
	pipe := s.redis.TxPipeline()

	for _, c := range s.array.Controllers {
		snap := c.Snapshot()
		key := fmt.Sprintf("ess:pack:%d", c.ID)
		faultSetKey := key + ":fault"

		status := map[string]interface{}{
			"mode":             snap.Mode.String(),
			"contactor":        snap.ContactorState.String(),
			"voltage-mv":       fmt.Sprintf("%d", snap.PackVoltageMV),
			"current-ma":       fmt.Sprintf("%d", snap.PackCurrentMA),
			"soc-hundredths":   fmt.Sprintf("%d", snap.SoCHundredths),
			"max-cell-mv":      fmt.Sprintf("%d", snap.MaxCellMV),
			"min-cell-mv":      fmt.Sprintf("%d", snap.MinCellMV),
			"avg-cell-mv":      fmt.Sprintf("%d", snap.AvgCellMV),
			"max-temp-deci-c":  fmt.Sprintf("%d", snap.MaxTempDeciC),
			"min-temp-deci-c":  fmt.Sprintf("%d", snap.MinTempDeciC),
			"charge-limit-ma":  fmt.Sprintf("%d", snap.ChargeLimitMA),
			"discharge-limit-ma": fmt.Sprintf("%d", snap.DischargeLimitMA),
			"fault-latched":    fmt.Sprintf("%v", snap.FaultLatched),
			"hw-fault-latched": fmt.Sprintf("%v", snap.HwFaultLatched),
			"has-warning":      fmt.Sprintf("%v", snap.HasWarning),
			"warning-message":  snap.WarningMessage,
			"fault-message":    snap.FaultMessage,
			"uptime-ms":        fmt.Sprintf("%d", snap.UptimeMS),
		}
		pipe.HSet(s.ctx, key, status)

		s.mu.Lock()
		lastBits := s.lastFaultBits[c.ID]
		lastMode := s.lastMode[c.ID]
		s.mu.Unlock()

		bits := snap.Faults.Bits()
		if bits != lastBits {
			for bit := 0; bit < 13; bit++ {
				mask := uint32(1) << uint(bit)
				switch {
				case bits&mask != 0 && lastBits&mask == 0:
					pipe.SAdd(s.ctx, faultSetKey, fmt.Sprintf("%d", bit))
				case bits&mask == 0 && lastBits&mask != 0:
					pipe.SRem(s.ctx, faultSetKey, fmt.Sprintf("%d", bit))
				}
			}
			pipe.Publish(s.ctx, key+" fault", "fault")
		}
		if snap.Mode != lastMode {
			pipe.Publish(s.ctx, key, "mode")
		}

		s.mu.Lock()
		s.lastFaultBits[c.ID] = bits
		s.lastMode[c.ID] = snap.Mode
		s.mu.Unlock()
	}

	chg, dchg := s.array.Limits()
	pipe.HSet(s.ctx, "ess:array", map[string]interface{}{
		"bus-voltage-mv":     fmt.Sprintf("%d", s.array.BusVoltage()),
		"charge-limit-ma":    fmt.Sprintf("%d", chg),
		"discharge-limit-ma": fmt.Sprintf("%d", dchg),
		"requested-ma":       fmt.Sprintf("%d", s.array.RequestedCurrent()),
	})

	if _, err := pipe.Exec(s.ctx); err != nil {
		s.log.Warn("redis pipeline execution failed", "error", err)
	}
}
