package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/orrn/printfleet/internal/config"
)

// ServerConfigResponse is the non-secret part of the running config.
type ServerConfigResponse struct {
	Port                 int    `json:"port"`
	DatabasePath         string `json:"database_path"`
	GcodeDir             string `json:"gcode_dir"`
	AutoDetectNewDevices bool   `json:"auto_detect_new_devices"`
	BaudRates            []int  `json:"baud_rates"`
	ConnectionTimeout    string `json:"connection_timeout"`
	ProbeTimeout         string `json:"probe_timeout"`
	StatusUpdateInterval string `json:"status_update_interval"`
	CommandTimeout       string `json:"command_timeout"`
	AuthEnabled          bool   `json:"auth_enabled"`
	MetricsEnabled       bool   `json:"metrics_enabled"`
	WebhookEndpoints     int    `json:"webhook_endpoints"`
	LogLevel             string `json:"log_level"`
	LogFormat            string `json:"log_format"`
}

type SettingsHandler struct {
	config *config.Config
}

func NewSettingsHandler(cfg *config.Config) *SettingsHandler {
	return &SettingsHandler{config: cfg}
}

func (h *SettingsHandler) GetServerConfig(c *gin.Context) {
	cfg := h.config
	respondOK(c, http.StatusOK, ServerConfigResponse{
		Port:                 cfg.Server.Port,
		DatabasePath:         cfg.Database.Path,
		GcodeDir:             cfg.Files.GcodeDir,
		AutoDetectNewDevices: cfg.Global.AutoDetectNewDevices,
		BaudRates:            cfg.Global.BaudRates(),
		ConnectionTimeout:    cfg.Global.ConnectionTimeout.String(),
		ProbeTimeout:         cfg.Global.ProbeTimeout.String(),
		StatusUpdateInterval: cfg.Global.StatusUpdateInterval.String(),
		CommandTimeout:       cfg.Global.CommandTimeout.String(),
		AuthEnabled:          cfg.Server.Auth.Enabled,
		MetricsEnabled:       cfg.Metrics.Enabled,
		WebhookEndpoints:     len(cfg.Webhooks.Endpoints),
		LogLevel:             cfg.Logging.Level,
		LogFormat:            cfg.Logging.Format,
	})
}

func (h *SettingsHandler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/settings/server", h.GetServerConfig)
}
