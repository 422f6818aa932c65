package bms

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brutella/can"
	"github.com/redis/go-redis/v9"
)

// ServiceConfig carries the deployment-side settings: where Redis is,
// which CAN interface to bind, and the base tick period.
type ServiceConfig struct {
	RedisServerAddress string
	RedisServerPort    uint16
	CANInterface       string
	TickMS             uint32
}

// Service runs the array on its task cadences and owns the external
// surfaces: Redis status/commands, CAN status/commands, fault event
// stream and persistence.
type Service struct {
	mu sync.Mutex

	cfg    *ServiceConfig
	bmsCfg *Config
	array  *Array
	log    *slog.Logger

	redis *redis.Client
	bus   *can.Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	faultEvents chan packFaultEvent

	// last published fault bits per pack, for set diffing
	lastFaultBits map[int]uint32
	lastMode      map[int]PackMode
}

type packFaultEvent struct {
	packID int
	event  FaultEvent
}

// NewService wires the service. The CAN interface is optional; an
// empty name runs Redis-only (desktop).
func NewService(cfg *ServiceConfig, bmsCfg *Config, array *Array, log *slog.Logger) (*Service, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:           cfg,
		bmsCfg:        bmsCfg,
		array:         array,
		log:           log,
		ctx:           ctx,
		cancel:        cancel,
		faultEvents:   make(chan packFaultEvent, 256),
		lastFaultBits: make(map[int]uint32),
		lastMode:      make(map[int]PackMode),
	}

	s.redis = redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", cfg.RedisServerAddress, cfg.RedisServerPort),
	})
	if err := s.redis.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if cfg.CANInterface != "" {
		bus, err := can.NewBusForInterfaceWithName(cfg.CANInterface)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("failed to open CAN interface %s: %w", cfg.CANInterface, err)
		}
		s.bus = bus
	}

	// Fault events mirror to the Redis stream without blocking the
	// controller tick: the log sink only enqueues.
	for _, c := range array.Controllers {
		id := c.ID
		c.Events.SetSink(func(ev FaultEvent) {
			select {
			case s.faultEvents <- packFaultEvent{packID: id, event: ev}:
			default:
				// Queue full; the in-memory ring still has the event.
			}
		})
	}

	return s, nil
}

// Start launches the task set.
func (s *Service) Start() error {
	tick := s.cfg.TickMS
	if tick == 0 {
		tick = 10
	}

	s.wg.Add(1)
	go s.tickLoop(tick)

	s.wg.Add(1)
	go s.canTxLoop()

	s.wg.Add(1)
	go s.redisStatusLoop()

	s.wg.Add(1)
	go s.faultEventLoop()

	s.wg.Add(1)
	go s.persistLoop()

	s.wg.Add(1)
	go s.handleCommandSubscription()

	if s.bus != nil {
		s.bus.SubscribeFunc(s.handleCANFrame)
		go func() {
			if err := s.bus.ConnectAndPublish(); err != nil {
				s.log.Error("CAN bus disconnected", "error", err)
			}
		}()
	}

	s.log.Info("service started", "packs", len(s.array.Controllers), "tick_ms", tick)
	return nil
}

// Stop shuts the task set down, bounded so a stuck surface cannot hang
// shutdown, then saves the persistent snapshots.
func (s *Service) Stop() {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.log.Warn("service stop timed out")
	}

	for _, c := range s.array.Controllers {
		if err := c.SavePersistent(); err != nil {
			s.log.Warn("persistent save failed", "pack", c.ID, "error", err)
		}
	}

	if s.bus != nil {
		_ = s.bus.Disconnect()
	}
	if err := s.redis.Close(); err != nil {
		s.log.Warn("error closing Redis connection", "error", err)
	}
	s.log.Info("service stopped")
}

// tickLoop is the cooperative scheduler: one fixed-period tick driving
// the whole array in the canonical order. The per-task entry points on
// Controller carry their own sub-cadences.
func (s *Service) tickLoop(tickMS uint32) {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(tickMS) * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.array.Step(tickMS)
		}
	}
}

func (s *Service) canTxLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.publishCAN()
		}
	}
}

func (s *Service) publishCAN() {
	if s.bus == nil {
		return
	}
	chg, dchg := s.array.Limits()
	connected := 0
	for _, c := range s.array.Controllers {
		if c.Mode() == ModeConnected {
			connected++
		}
	}
	busMV := s.array.BusVoltage()

	if err := s.bus.Publish(EncodeArrayStatus(busMV, chg, dchg, connected, len(s.array.Controllers))); err != nil {
		s.log.Warn("CAN publish failed", "error", err)
		return
	}
	for _, c := range s.array.Controllers {
		snap := c.Snapshot()
		_ = s.bus.Publish(EncodePackStatus(c.ID, &snap))
		_ = s.bus.Publish(EncodePackAlarms(c.ID, &snap))
		_ = s.bus.Publish(EncodePackVoltages(c.ID, &snap))
		_ = s.bus.Publish(EncodePackTemps(c.ID, &snap))
	}
}

// handleCANFrame decodes EMS traffic. Command frames dispatch to the
// array; heartbeat frames only feed the watchdog.
func (s *Service) handleCANFrame(frm can.Frame) {
	switch frm.ID {
	case CANIDEMSCommand:
		cmd, err := DecodeEMSCommand(frm)
		if err != nil {
			s.log.Warn("bad EMS command frame", "error", err)
			return
		}
		s.log.Info("EMS command", "type", cmd.Type.String())
		s.array.Dispatch(cmd)
	case CANIDEMSHeartbeat:
		s.array.Dispatch(EMSCommand{Type: EMSNone})
	}
}

func (s *Service) faultEventLoop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case ev := <-s.faultEvents:
			if err := s.redis.XAdd(s.ctx, &redis.XAddArgs{
				Stream: "events:faults",
				MaxLen: 1000,
				Values: map[string]interface{}{
					"group": fmt.Sprintf("ess:pack:%d", ev.packID),
					"kind":  ev.event.Kind.String(),
					"index": fmt.Sprintf("%d", ev.event.Index),
					"value": fmt.Sprintf("%d", ev.event.Value),
					"ts_ms": fmt.Sprintf("%d", ev.event.TimestampMS),
				},
			}).Err(); err != nil {
				s.log.Warn("failed to add fault event to stream", "error", err)
			}
		}
	}
}

func (s *Service) persistLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(60 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			for _, c := range s.array.Controllers {
				if err := c.SavePersistent(); err != nil {
					s.log.Warn("persistent save failed", "pack", c.ID, "error", err)
				}
				data := c.PersistentSnapshot()
				key := fmt.Sprintf("ess:pack:%d:persist", c.ID)
				if err := s.redis.HSet(s.ctx, key, map[string]interface{}{
					"soc-hundredths":      fmt.Sprintf("%d", data.SoCHundredths),
					"runtime-hours":       fmt.Sprintf("%d", data.RuntimeHours),
					"total-charge-mah":    fmt.Sprintf("%d", data.TotalChargeMAh),
					"total-discharge-mah": fmt.Sprintf("%d", data.TotalDischargeMAh),
				}).Err(); err != nil {
					s.log.Warn("persist mirror failed", "pack", c.ID, "error", err)
				}
			}
		}
	}
}
