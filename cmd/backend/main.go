package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/example/minimart/pkg/backend"
	"github.com/example/minimart/pkg/config"
	"github.com/example/minimart/pkg/discovery"
	"github.com/example/minimart/pkg/grpc"
	"go.uber.org/zap"
)

func main() {
	configPath := "config/backend.yaml"
	if p := os.Getenv("MINIMART_CONFIG"); p != "" {
		configPath = p
	}

	// Load config
	cfg, err := config.Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	// Setup logger
	logger, err := cfg.Log.NewLogger()
	if err != nil {
		panic(fmt.Sprintf("Failed to create logger: %v", err))
	}
	defer logger.Sync()

	logger.Info("Starting backend",
		zap.String("name", cfg.Server.Name),
		zap.Int("port", cfg.Server.Port),
		zap.String("store", cfg.Server.Store))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	health := grpc.NewHealthServer(&cfg.GRPC, logger.Named("health"))

	// Create store
	var store backend.Store
	switch cfg.Server.Store {
	case "mysql":
		gs, err := backend.NewGormStore(&cfg.MySQL)
		if err != nil {
			logger.Fatal("Failed to create store", zap.Error(err))
		}
		defer gs.Close()
		health.AddProbe("mysql", gs.Ping)
		store = gs
	default:
		mem := backend.NewMemoryStore()
		if cfg.Server.Seed != "" {
			seed, err := backend.LoadSeed(cfg.Server.Seed)
			if err != nil {
				logger.Fatal("Failed to load seed", zap.Error(err))
			}
			mem.Seed(seed)
			logger.Info("Memory store seeded",
				zap.Int("products", len(seed.Products)),
				zap.Int("users", len(seed.Users)),
				zap.Int("preorders", len(seed.Preorders)))
		}
		store = mem
	}

	server := backend.NewServer(store, logger.Named("backend"))

	// Connect to etcd for service discovery
	instance := &discovery.ServiceInstance{
		Name: cfg.Server.Name,
		Host: cfg.Server.Host,
		Port: cfg.Server.Port,
	}
	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd)
	if err != nil {
		logger.Warn("Failed to connect to etcd, continuing without registration", zap.Error(err))
	} else {
		defer sd.Close()
		if err := sd.Register(ctx, instance); err != nil {
			logger.Warn("Failed to register service", zap.Error(err))
		} else {
			logger.Info("Service registered in etcd",
				zap.String("name", instance.Name),
				zap.String("address", instance.Address()))
		}
	}

	// Start servers in goroutines
	errCh := make(chan error, 2)
	go func() {
		if err := server.Start(fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)); err != nil {
			errCh <- fmt.Errorf("backend: %w", err)
		}
	}()
	go func() {
		if err := health.Start(); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go health.Run(ctx)

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		logger.Error("Server error", zap.Error(err))
	}

	// Deregister service
	if sd != nil {
		if err := sd.Deregister(context.Background(), instance); err != nil {
			logger.Error("Failed to deregister service", zap.Error(err))
		}
	}
	health.Stop()

	logger.Info("Service stopped")
}
