package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"deoxy-service/internal/config"
	"deoxy-service/internal/core"
	"deoxy-service/internal/hardware"
	"deoxy-service/internal/logger"
)

func main() {
	var (
		configPath      string
		serviceLogLevel int
		redisHost       string
		redisPort       int
		noRedis         bool
	)
	flag.StringVar(&configPath, "config", "/etc/deoxy/config.toml", "Path to the rig configuration")
	flag.IntVar(&serviceLogLevel, "log", 3, "Service log level (0=NONE, 1=ERROR, 2=WARN, 3=INFO, 4=DEBUG)")
	flag.StringVar(&redisHost, "redis-host", "", "Override the Redis host from the config")
	flag.IntVar(&redisPort, "redis-port", 0, "Override the Redis port from the config")
	flag.BoolVar(&noRedis, "no-redis", false, "Run without the Redis bridge")

	flag.Parse()

	var stdLogger *log.Logger
	if os.Getenv("INVOCATION_ID") != "" {
		// Running under systemd, use minimal format
		stdLogger = log.New(os.Stdout, "", 0)
	} else {
		stdLogger = log.New(os.Stdout, "", log.LstdFlags|log.Lmicroseconds|log.Lmsgprefix)
	}

	l := logger.NewLogger(stdLogger, logger.LogLevel(serviceLogLevel))

	l.Infof("Starting deoxy service...")

	cfg, err := config.Load(configPath)
	if err != nil {
		l.Fatalf("Failed to load config: %v", err)
	}
	if redisHost != "" {
		cfg.Redis.Host = redisHost
		cfg.Redis.Enabled = true
	}
	if redisPort != 0 {
		cfg.Redis.Port = redisPort
		cfg.Redis.Enabled = true
	}
	if noRedis {
		cfg.Redis.Enabled = false
	}

	board := hardware.NewLinuxBoard(cfg.Service.GpioChip, l)
	if err := board.Initialize(); err != nil {
		l.Fatalf("Failed to initialize board: %v", err)
	}
	defer board.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	system := core.NewSystem(cfg, board, l)
	if err := system.Start(ctx); err != nil {
		board.Cleanup()
		l.Fatalf("Failed to start system: %v", err)
	}

	l.Infof("System started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	l.Infof("Received signal %v, shutting down...", sig)
	if err := system.Shutdown(); err != nil {
		l.Errorf("Shutdown finished with errors: %v", err)
	}
	l.Infof("Shutdown complete")
}
