package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/HOLOS-git/corvus/bms"
	"github.com/HOLOS-git/corvus/bms/hal"
	"github.com/HOLOS-git/corvus/bms/sim"
)

func main() {
	svcConfig := &bms.ServiceConfig{}

	// Redis configuration
	flag.StringVar(&svcConfig.RedisServerAddress, "redis-server", "127.0.0.1", "Redis server address")
	var redisPort uint
	flag.UintVar(&redisPort, "redis-port", 6379, "Redis server port")

	// CAN configuration
	flag.StringVar(&svcConfig.CANInterface, "can-interface", "", "CAN interface name (empty = disabled)")

	// Controller configuration
	configPath := flag.String("config", "", "Path to YAML config file")
	numPacks := flag.Int("packs", 3, "Number of simulated packs on the bus")
	initialSoC := flag.Int("initial-soc", 5000, "Initial SoC in hundredths of a percent")
	debugMode := flag.Bool("debug", false, "Enable debug logging")

	flag.Parse()
	svcConfig.RedisServerPort = uint16(redisPort)

	level := slog.LevelInfo
	if *debugMode {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := bms.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Desktop deployment: simulated packs behind the cell-monitor
	// capability. On target the concrete ASIC driver takes this slot.
	controllers := make([]*bms.Controller, *numPacks)
	packs := make([]*sim.Pack, *numPacks)
	for i := 0; i < *numPacks; i++ {
		soc := uint16(*initialSoC)
		if soc > 10000 {
			soc = 10000
		}
		packs[i] = sim.NewPack(&cfg, soc, 250)
		gpio := hal.NewMockGPIO(true)
		controllers[i] = bms.NewController(i, &cfg, packs[i], gpio, hal.NewMockStore(), logger)
		if err := controllers[i].Init(); err != nil {
			logger.Error("pack init failed", "pack", i, "error", err)
			os.Exit(1)
		}
	}

	array, err := bms.NewArray(&cfg, logger, controllers)
	if err != nil {
		logger.Error("failed to create array", "error", err)
		os.Exit(1)
	}
	for i, p := range packs {
		array.AttachPhysics(i, p)
	}

	service, err := bms.NewService(svcConfig, &cfg, array, logger)
	if err != nil {
		logger.Error(fmt.Sprintf("Failed to create service: %v", err))
		os.Exit(1)
	}

	if err := service.Start(); err != nil {
		logger.Error(fmt.Sprintf("Failed to start service: %v", err))
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	service.Stop()
}
