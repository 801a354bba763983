// Package api is the REST surface over the printer supervisor and queue.
package api

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/api/handlers"
	"github.com/orrn/printfleet/internal/api/middleware"
	"github.com/orrn/printfleet/internal/config"
)

type RouterDeps struct {
	Config   *config.Config
	Printers handlers.PrinterService
	Queue    handlers.QueueService
	Items    handlers.QueueItemService
	Webhooks handlers.WebhookService
	Auth     *middleware.AuthMiddleware
	Metrics  http.Handler
	Logger   *slog.Logger
}

// NewRouter wires every route. Nil Items, Webhooks or Metrics leave those
// routes out; a nil Auth means no authentication.
func NewRouter(d RouterDeps) (*gin.Engine, error) {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Config == nil {
		d.Config = config.Default()
	}
	auth := d.Auth
	if auth == nil {
		var err error
		if auth, err = middleware.NewAuthMiddleware(config.AuthConfig{}); err != nil {
			return nil, err
		}
	}

	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger(d.Logger.With("component", "http")))

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if d.Metrics != nil {
		path := d.Config.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(d.Metrics))
	}

	api := router.Group("/api")

	authGroup := api.Group("/auth")
	authGroup.POST("/login", auth.LoginHandler)
	authGroup.POST("/logout", auth.LogoutHandler)
	authGroup.GET("/status", auth.StatusHandler)

	protected := api.Group("", auth.RequireAuth())
	handlers.NewPrinterHandler(d.Printers).RegisterRoutes(protected)
	handlers.NewQueueHandler(d.Queue, d.Items).RegisterRoutes(protected)
	handlers.NewDashboardHandler(d.Queue, d.Printers).RegisterRoutes(protected)
	handlers.NewSettingsHandler(d.Config).RegisterRoutes(protected)
	if d.Webhooks != nil {
		handlers.NewWebhookHandler(d.Webhooks).RegisterRoutes(protected)
	}

	return router, nil
}
