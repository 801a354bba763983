package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultBaudRates is the descending sweep tried when a printer has no
// preferred rate.
var DefaultBaudRates = []int{250000, 115200, 57600, 38400, 19200, 9600}

type Config struct {
	Server   ServerConfig                `yaml:"server"`
	Database DatabaseConfig              `yaml:"database"`
	Files    FilesConfig                 `yaml:"files"`
	Printers map[string]*PrinterIdentity `yaml:"printers"`
	Global   GlobalSettings              `yaml:"global_settings"`
	Webhooks WebhooksConfig              `yaml:"webhooks"`
	Metrics  MetricsConfig               `yaml:"metrics"`
	Logging  LoggingConfig               `yaml:"logging"`
}

type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	Auth         AuthConfig    `yaml:"auth"`
}

type AuthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	PasswordHash string        `yaml:"password_hash"`
	JWTSecret    string        `yaml:"jwt_secret"`
	TokenTTL     time.Duration `yaml:"token_ttl"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type FilesConfig struct {
	GcodeDir string `yaml:"gcode_dir"`
}

// PrinterIdentity is the configured matching criteria for one logical printer.
// The map key in Config.Printers is the printer name.
type PrinterIdentity struct {
	DisplayName   string `yaml:"display_name,omitempty"`
	VendorID      string `yaml:"usb_vid,omitempty"`
	ProductID     string `yaml:"usb_pid,omitempty"`
	Location      string `yaml:"usb_location,omitempty"`
	SerialNumber  string `yaml:"serial_number,omitempty"`
	PreferredBaud int    `yaml:"preferred_baud,omitempty"`
	AutoDetected  bool   `yaml:"auto_detected,omitempty"`
}

type GlobalSettings struct {
	AutoDetectNewDevices bool          `yaml:"auto_detect_new_devices"`
	DefaultBaudRates     []int         `yaml:"default_baud_rates"`
	ConnectionTimeout    time.Duration `yaml:"connection_timeout"`
	ProbeTimeout         time.Duration `yaml:"probe_timeout"`
	StatusUpdateInterval time.Duration `yaml:"status_update_interval"`
	CommandTimeout       time.Duration `yaml:"command_timeout"`
	AllowMockDevices     bool          `yaml:"allow_mock_devices"`
}

type WebhookEndpoint struct {
	URL    string   `yaml:"url"`
	Secret string   `yaml:"secret,omitempty"`
	Events []string `yaml:"events,omitempty"`
}

type WebhooksConfig struct {
	Endpoints   []WebhookEndpoint `yaml:"endpoints"`
	RetryCount  int               `yaml:"retry_count"`
	RetryDelay  time.Duration     `yaml:"retry_delay"`
	Timeout     time.Duration     `yaml:"timeout"`
	WorkerCount int               `yaml:"worker_count"`
	QueueSize   int               `yaml:"queue_size"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 30 * time.Second,
			Auth: AuthConfig{
				TokenTTL: 24 * time.Hour,
			},
		},
		Database: DatabaseConfig{
			Path: "./data/printfleet.db",
		},
		Files: FilesConfig{
			GcodeDir: "./data/gcode",
		},
		Printers: map[string]*PrinterIdentity{},
		Global: GlobalSettings{
			AutoDetectNewDevices: true,
			DefaultBaudRates:     append([]int(nil), DefaultBaudRates...),
			ConnectionTimeout:    10 * time.Second,
			ProbeTimeout:         2 * time.Second,
			StatusUpdateInterval: 2500 * time.Millisecond,
			CommandTimeout:       10 * time.Second,
		},
		Webhooks: WebhooksConfig{
			RetryCount:  3,
			RetryDelay:  5 * time.Second,
			Timeout:     10 * time.Second,
			WorkerCount: 2,
			QueueSize:   100,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Default returns a configuration populated with defaults only.
func Default() *Config {
	return defaults()
}

func Load(configPath string) (*Config, error) {
	cfg := defaults()

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if cfg.Printers == nil {
		cfg.Printers = map[string]*PrinterIdentity{}
	}
	for name, p := range cfg.Printers {
		if p == nil {
			cfg.Printers[name] = &PrinterIdentity{}
		}
	}

	return cfg, nil
}

// Save writes the configuration to configPath, replacing the file atomically.
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".printfleet-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp config file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close config file: %w", err)
	}

	if err := os.Rename(tmpName, configPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace config file: %w", err)
	}

	return nil
}

// ApplyEnv overrides selected fields from the environment.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("PRINTFLEET_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}

	if v := os.Getenv("PRINTFLEET_DB_PATH"); v != "" {
		c.Database.Path = v
	}

	if v := os.Getenv("PRINTFLEET_GCODE_DIR"); v != "" {
		c.Files.GcodeDir = v
	}

	if v := os.Getenv("PRINTFLEET_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

func LoadFromEnv() *Config {
	cfg := defaults()
	cfg.ApplyEnv()
	return cfg
}

// PathFromEnv returns PRINTFLEET_CONFIG or fallback.
func PathFromEnv(fallback string) string {
	if v := os.Getenv("PRINTFLEET_CONFIG"); v != "" {
		return v
	}
	return fallback
}

// BaudRates returns the configured sweep, falling back to DefaultBaudRates.
func (g GlobalSettings) BaudRates() []int {
	if len(g.DefaultBaudRates) == 0 {
		return append([]int(nil), DefaultBaudRates...)
	}
	return append([]int(nil), g.DefaultBaudRates...)
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server port must be between 1 and 65535, got %d", c.Server.Port)
	}

	if c.Server.ReadTimeout < 0 {
		return fmt.Errorf("server read timeout must be non-negative")
	}

	if c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server write timeout must be non-negative")
	}

	if c.Server.Auth.Enabled {
		if c.Server.Auth.PasswordHash == "" {
			return fmt.Errorf("auth enabled but password_hash is empty")
		}
		if len(c.Server.Auth.JWTSecret) < 16 {
			return fmt.Errorf("auth jwt_secret must be at least 16 characters")
		}
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database path is required")
	}

	if c.Global.ConnectionTimeout < 0 {
		return fmt.Errorf("connection timeout must be non-negative")
	}

	if c.Global.ProbeTimeout < 0 {
		return fmt.Errorf("probe timeout must be non-negative")
	}

	if c.Global.StatusUpdateInterval < 0 {
		return fmt.Errorf("status update interval must be non-negative")
	}

	if c.Global.CommandTimeout < 0 {
		return fmt.Errorf("command timeout must be non-negative")
	}

	for _, baud := range c.Global.DefaultBaudRates {
		if baud <= 0 {
			return fmt.Errorf("invalid baud rate in default_baud_rates: %d", baud)
		}
	}

	for name, p := range c.Printers {
		if name == "" {
			return fmt.Errorf("printer name must not be empty")
		}
		if p.PreferredBaud < 0 {
			return fmt.Errorf("printer %s: preferred baud must be non-negative", name)
		}
	}

	for i, ep := range c.Webhooks.Endpoints {
		if ep.URL == "" {
			return fmt.Errorf("webhook endpoint %d: url is required", i)
		}
	}

	if c.Webhooks.RetryCount < 0 {
		return fmt.Errorf("webhook retry count must be non-negative")
	}

	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}

	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (valid: debug, info, warn, error)", c.Logging.Level)
	}

	validFormats := map[string]bool{
		"json":  true,
		"text":  true,
		"plain": true,
	}

	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s (valid: json, text, plain)", c.Logging.Format)
	}

	return nil
}
