package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/example/minimart/gateway"
	"github.com/example/minimart/pkg/api"
	"github.com/example/minimart/pkg/cart"
	"github.com/example/minimart/pkg/config"
	"github.com/example/minimart/pkg/discovery"
	"github.com/example/minimart/pkg/fulfillment"
	"github.com/example/minimart/pkg/grpc"
	"github.com/example/minimart/pkg/repository"
	"github.com/example/minimart/pkg/session"
	"go.uber.org/zap"
)

func main() {
	configPath := "config/gateway.yaml"
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

	logger.Info("Starting API Gateway",
		zap.Int("port", cfg.Gateway.Port),
		zap.String("host", cfg.Gateway.Host))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup service discovery
	baseURL := cfg.Backend.BaseURL
	sd, err := discovery.NewServiceDiscovery(&cfg.Etcd)
	if err != nil {
		logger.Warn("Failed to connect to etcd, continuing without service discovery", zap.Error(err))
	} else {
		defer sd.Close()
		if cfg.Backend.ServiceName != "" {
			rctx, rcancel := context.WithTimeout(ctx, cfg.Etcd.DialTimeout)
			url, err := sd.ResolveURL(rctx, cfg.Backend.ServiceName)
			rcancel()
			if err != nil {
				logger.Warn("Backend not discovered, using configured address",
					zap.String("base_url", baseURL), zap.Error(err))
			} else {
				baseURL = url
			}
		}
	}

	client := api.NewClient(baseURL, cfg.Backend.Timeout, logger.Named("api"))
	logger.Info("Using backend", zap.String("base_url", client.BaseURL()))

	health := grpc.NewHealthServer(&cfg.GRPC, logger.Named("health"))
	health.AddProbe("backend", client.Health)

	// Cart persistence
	var stores session.StoreFactory
	switch cfg.Cart.Store {
	case "memory":
		mem := cart.NewMemoryStore()
		stores = func(sessionID string) cart.Store {
			return cart.WithPrefix(mem, "session:"+sessionID+":")
		}
	default:
		redisRepo := repository.NewRedisRepository(&cfg.Redis)
		defer redisRepo.Close()
		if err := redisRepo.Ping(ctx); err != nil {
			logger.Warn("Redis connection failed", zap.Error(err))
		} else {
			logger.Info("Redis connected successfully")
		}
		health.AddProbe("redis", redisRepo.Ping)
		stores = func(sessionID string) cart.Store {
			return redisRepo.Carts(sessionID)
		}
	}

	// Audit log
	var auditor gateway.Auditor = gateway.NopAuditor{}
	if cfg.MongoDB.URI != "" {
		mongoRepo, err := repository.NewMongoRepository(&cfg.MongoDB)
		if err != nil {
			logger.Warn("Failed to connect to MongoDB, audit log disabled", zap.Error(err))
		} else {
			defer mongoRepo.Close(context.Background())
			auditor = gateway.NewMongoAuditor(mongoRepo, logger.Named("audit"))
			health.AddProbe("mongodb", mongoRepo.Ping)
		}
	}

	coordinator := fulfillment.NewCoordinator(client, logger.Named("fulfillment"))
	sessions := session.NewRegistry(cfg.Session, stores, client, coordinator, logger)

	// Create gateway
	gw := gateway.NewGateway(cfg, logger, sessions, client, coordinator, auditor)
	gw.SetupRoutes()

	// Start gateway and health server in goroutines
	errCh := make(chan error, 2)
	go func() {
		if err := gw.Start(); err != nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		if err := health.Start(); err != nil {
			errCh <- fmt.Errorf("health server: %w", err)
		}
	}()
	go health.Run(ctx)

	logger.Info("Gateway started successfully")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("Received shutdown signal")
	case err := <-errCh:
		logger.Error("Server error", zap.Error(err))
	}

	cancel()
	health.Stop()

	done := make(chan struct{})
	go func() {
		sessions.Shutdown()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(cfg.Session.RequestTimeout):
		logger.Warn("Sessions still busy at shutdown")
	}

	logger.Info("Gateway stopped")
}
