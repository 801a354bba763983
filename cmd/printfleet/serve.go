package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/orrn/printfleet/internal/api"
	"github.com/orrn/printfleet/internal/api/middleware"
	"github.com/orrn/printfleet/internal/config"
	"github.com/orrn/printfleet/internal/core"
	"github.com/orrn/printfleet/internal/db"
	"github.com/orrn/printfleet/internal/devices"
	"github.com/orrn/printfleet/internal/metrics"
	"github.com/orrn/printfleet/internal/serialdriver"
	"github.com/orrn/printfleet/internal/webhook"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the printer supervisor and the REST API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if port > 0 {
				cfg.Server.Port = port
			}
			return runServe(cmd.Context(), cfg)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 0, "Override server.port")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger := newLogger(cfg)

	if err := os.MkdirAll(cfg.Files.GcodeDir, 0755); err != nil {
		return fmt.Errorf("create gcode dir: %w", err)
	}

	database, err := db.Open(db.Config{Path: cfg.Database.Path})
	if err != nil {
		return err
	}
	defer database.Close()

	sender := webhook.NewWebhookSender(webhook.ConfigFrom(cfg.Webhooks), logger)
	sender.Start()
	defer sender.Stop()

	sinks := core.QueueEventSinks{sender}

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		collector = metrics.NewCollector(reg)
		sinks = append(sinks, collector)
	}

	queue := core.NewQueueStore(database, sinks, logger)
	registry := devices.NewRegistry(cfg, configPath, devices.NewSystemEnumerator(), logger)

	manager := core.NewPrinterManager(
		core.ManagerConfig{Global: cfg.Global, GcodeDir: cfg.Files.GcodeDir},
		registry,
		queue,
		serialdriver.Factory(serialdriver.OpenSerial, logger),
		logger,
	)
	manager.SetEventSink(sender)
	if collector != nil {
		manager.SetMetrics(collector)
	}
	manager.Start()
	defer manager.Stop()

	auth, err := middleware.NewAuthMiddleware(cfg.Server.Auth)
	if err != nil {
		return err
	}

	deps := api.RouterDeps{
		Config:   cfg,
		Printers: manager,
		Queue:    queue,
		Items:    manager,
		Webhooks: sender,
		Auth:     auth,
		Logger:   logger,
	}
	if collector != nil {
		deps.Metrics = collector.Handler()
	}

	gin.SetMode(gin.ReleaseMode)
	router, err := api.NewRouter(deps)
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("http shutdown", "error", err)
		}
	}()

	logger.Info("printfleet listening", "addr", httpServer.Addr, "printers", len(registry.Names()), "auth", auth.Enabled())
	if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info("printfleet stopped")
	return nil
}
