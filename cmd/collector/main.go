// Package main is the entry point for the option tick collector
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"golang.org/x/time/rate"

	"github.com/deltaquant/optioncollector/internal/api"
	"github.com/deltaquant/optioncollector/internal/collector"
	"github.com/deltaquant/optioncollector/internal/config"
	"github.com/deltaquant/optioncollector/internal/exchange"
	"github.com/deltaquant/optioncollector/internal/repository"
	"github.com/deltaquant/optioncollector/internal/service"
	"github.com/deltaquant/optioncollector/pkg/utils/zaplogger"
)

func main() {
	// Load configuration
	cfg, err := config.Get()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Print the configuration
	fmt.Println(cfg.String())

	// Connect to Postgres
	db, err := repository.ConnectPostgres(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Postgres: %v", err)
	}

	// Connect Redis
	redisClient, err := repository.ConnectRedis(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to Redis: %v", err)
	}

	// Init logger
	err = zaplogger.InitLogger(db)
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	// Setup logger
	defer zaplogger.Sync()
	zaplogger.SetLogLevel(cfg.LogLevel)

	// startUpMessage
	zaplogger.Info(cfg.CollectorID + " initialized")
	zaplogger.Info("Postgres initialized")
	zaplogger.Info("Redis initialized")

	// Repositories
	tickRepo := repository.NewTickRepository(db, cfg.Currency)
	instrumentRepo := repository.NewInstrumentRepository(db)
	lifecycleRepo := repository.NewLifecycleRepository(db)

	// Ingestion core
	stats := &collector.Stats{}
	buffer := collector.NewTickBuffer(cfg.BufferCapacityQuotes, cfg.BufferCapacityTrades, cfg.BufferCapacityDepth)
	pool := collector.NewConnectionPool(cfg.SessionCount, cfg.SessionCap, cfg.DeribitWsURL, buffer, stats)
	partitioner := collector.NewPartitioner(cfg.SessionCount, cfg.SessionCap)
	control := collector.NewControl(pool, partitioner)
	writer := collector.NewBatchWriter(tickRepo, buffer, stats, time.Duration(cfg.FlushIntervalSec)*time.Second)

	// Exchange REST client behind one shared token bucket
	limiter := rate.NewLimiter(rate.Limit(cfg.RateLimitRPS), cfg.RateLimitRPS)
	catalog := exchange.NewCatalogClient(cfg.DeribitAPIURL, limiter)

	// Services
	lifecycleService := service.NewLifecycleService(cfg, catalog, control, instrumentRepo, lifecycleRepo, redisClient)
	snapshotService := service.NewSnapshotService(catalog, control, buffer, cfg.RateLimitRPS)
	cronService := service.NewCronService(cfg, lifecycleService, snapshotService)
	publishService := service.NewPublishService(redisClient, cfg.DatabaseURL)

	// signalCtx ends on SIGINT/SIGTERM; runCtx drives the collector
	// goroutines and is cancelled during the shutdown sequence
	signalCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancelRun := context.WithCancel(context.Background())

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		writer.Run(runCtx)
	}()

	go publishService.PublishLifecycleEvents(runCtx)

	// Connect the session pool
	if err := pool.Start(runCtx); err != nil {
		zaplogger.Error("session pool startup incomplete", zaplogger.Fields{
			"error": err.Error(),
		})
	}

	// Start the scheduled jobs
	cronService.Start(runCtx)

	// One control server per session
	servers := startSessionServers(cfg, api.Deps{
		Cfg:           cfg,
		Control:       control,
		Pool:          pool,
		Buffer:        buffer,
		Stats:         stats,
		Writer:        writer,
		LifecycleRepo: lifecycleRepo,
	})

	<-signalCtx.Done()
	zaplogger.Info("shutdown signal received")

	// Stop intake first, then drain: no new jobs, no new requests, then
	// cancel the sessions and let the writer run its final flush.
	cronService.Stop()
	shutdownServers(servers)
	cancelRun()
	<-writerDone

	zaplogger.Info("shutdown complete")
}

// startSessionServers starts one control server per session on
// BASE_PORT+sessionID.
func startSessionServers(cfg *config.Config, deps api.Deps) []*echo.Echo {
	servers := make([]*echo.Echo, 0, cfg.SessionCount)
	for i := 0; i < cfg.SessionCount; i++ {
		e := api.NewSessionServer(i, deps)
		port := strconv.Itoa(cfg.BasePort + i)
		go func(e *echo.Echo, port string) {
			zaplogger.Info("CONTROL SERVER STARTED ON PORT " + port)
			if err := e.Start(":" + port); err != nil && err != http.ErrServerClosed {
				zaplogger.Error("control server stopped", zaplogger.Fields{
					"port":  port,
					"error": err.Error(),
				})
			}
		}(e, port)
		servers = append(servers, e)
	}
	return servers
}

// shutdownServers stops the control servers with a short grace period
func shutdownServers(servers []*echo.Echo) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, e := range servers {
		if err := e.Shutdown(ctx); err != nil {
			zaplogger.Error("control server shutdown", zaplogger.Fields{
				"error": err.Error(),
			})
		}
	}
}
