// Package config loads the daemon configuration from YAML and the
// environment.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/anstrom/neondeck/internal/db"
	"github.com/anstrom/neondeck/internal/discovery"
	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
	"github.com/anstrom/neondeck/internal/probe"
	"github.com/anstrom/neondeck/internal/scanrun"
	"github.com/anstrom/neondeck/internal/workers"
)

const (
	maxPort   = 65535
	maxHour   = 23
	maxMinute = 59
)

// DefaultPorts are the ports swept when none are configured.
var DefaultPorts = []int{80, 443, 8080, 8443, 3000, 5000, 5001, 8000, 8081, 9000, 9090}

// Config represents the complete daemon configuration
type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon" json:"daemon"`
	Database db.Config      `yaml:"database" json:"database"`
	Scanning ScanningConfig `yaml:"scanning" json:"scanning"`
	Workers  workers.Config `yaml:"workers" json:"workers"`
	API      APIConfig      `yaml:"api" json:"api"`
	Logging  logging.Config `yaml:"logging" json:"logging"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	// PID file location, empty to skip writing one
	PIDFile string `yaml:"pid_file" json:"pid_file"`

	// Graceful shutdown timeout
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`

	// Interval between database health checks
	HealthCheckInterval time.Duration `yaml:"health_check_interval" json:"health_check_interval"`
}

// ScanningConfig controls what a run sweeps and when the scheduler fires.
type ScanningConfig struct {
	Networks []string `yaml:"networks" json:"networks"`
	Ports    []int    `yaml:"ports" json:"ports"`

	// Daily schedule, local time
	ScheduleEnabled bool `yaml:"schedule_enabled" json:"schedule_enabled"`
	ScanHour        int  `yaml:"scan_hour" json:"scan_hour"`
	ScanMinute      int  `yaml:"scan_minute" json:"scan_minute"`

	HostTimeout      time.Duration `yaml:"host_timeout" json:"host_timeout"`
	Timing           string        `yaml:"timing" json:"timing"`
	ProbeTimeout     time.Duration `yaml:"probe_timeout" json:"probe_timeout"`
	ProbeConcurrency int           `yaml:"probe_concurrency" json:"probe_concurrency"`
	ProbeUserAgent   string        `yaml:"probe_user_agent" json:"probe_user_agent"`

	// Number of scan runs kept in history
	MaxHistory int `yaml:"max_history" json:"max_history"`
}

// APIConfig holds API server settings
type APIConfig struct {
	Enabled    bool   `yaml:"enabled" json:"enabled"`
	ListenAddr string `yaml:"listen_addr" json:"listen_addr"`
	Port       int    `yaml:"port" json:"port"`

	TLS  TLSConfig  `yaml:"tls" json:"tls"`
	CORS CORSConfig `yaml:"cors" json:"cors"`

	RequestTimeout time.Duration `yaml:"request_timeout" json:"request_timeout"`
	MaxRequestSize int64         `yaml:"max_request_size" json:"max_request_size"`
}

// TLSConfig holds TLS settings
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled" json:"enabled"`
	CertFile string `yaml:"cert_file" json:"cert_file"`
	KeyFile  string `yaml:"key_file" json:"key_file"`
}

// CORSConfig holds CORS settings
type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Daemon: DaemonConfig{
			PIDFile:             "",
			ShutdownTimeout:     30 * time.Second,
			HealthCheckInterval: 30 * time.Second,
		},
		Database: db.DefaultConfig(),
		Scanning: ScanningConfig{
			Networks:         []string{"192.168.1.0/24"},
			Ports:            append([]int(nil), DefaultPorts...),
			ScheduleEnabled:  true,
			ScanHour:         4,
			ScanMinute:       0,
			HostTimeout:      30 * time.Second,
			Timing:           discovery.TimingAggressive,
			ProbeTimeout:     10 * time.Second,
			ProbeConcurrency: 32,
			ProbeUserAgent:   probe.DefaultUserAgent,
			MaxHistory:       scanrun.DefaultHistoryLimit,
		},
		Workers: workers.DefaultConfig(),
		API: APIConfig{
			Enabled:    true,
			ListenAddr: "0.0.0.0",
			Port:       8000,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
				AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"Content-Type", "Authorization"},
			},
			RequestTimeout: 30 * time.Second,
			MaxRequestSize: 1024 * 1024, // 1MB
		},
		Logging: logging.DefaultConfig(),
	}
}

// Load loads configuration from a file, applies environment overrides and
// validates the result. A missing file yields the defaults.
func Load(path string) (*Config, error) {
	config := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}

			// JSON is a subset of YAML, so one decoder serves both.
			if err := yaml.Unmarshal(data, config); err != nil {
				ext := strings.TrimPrefix(filepath.Ext(path), ".")
				if ext == "" {
					ext = "yaml"
				}
				return nil, errors.WrapConfigError(errors.CodeConfiguration,
					fmt.Sprintf("failed to parse %s config: %v", ext, err), err)
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// Save saves configuration to a file
func (c *Config) Save(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// ApplyEnv overlays the plain environment variables the service has always
// honored. lookup is usually os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("SCAN_NETWORKS"); ok && strings.TrimSpace(v) != "" {
		c.Scanning.Networks = splitList(v)
	}
	if v, ok := lookup("SCAN_PORTS"); ok && strings.TrimSpace(v) != "" {
		ports, err := ParsePorts(v)
		if err != nil {
			return fmt.Errorf("SCAN_PORTS: %w", err)
		}
		c.Scanning.Ports = ports
	}
	if err := envInt(lookup, "SCAN_HOUR", &c.Scanning.ScanHour); err != nil {
		return err
	}
	if err := envInt(lookup, "SCAN_MINUTE", &c.Scanning.ScanMinute); err != nil {
		return err
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Database.URL = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = logging.LogLevel(strings.ToLower(v))
	}
	if v, ok := lookup("API_HOST"); ok && v != "" {
		c.API.ListenAddr = v
	}
	if err := envInt(lookup, "API_PORT", &c.API.Port); err != nil {
		return err
	}
	if v, ok := lookup("CORS_ORIGINS"); ok && strings.TrimSpace(v) != "" {
		c.API.CORS.AllowedOrigins = splitList(v)
	}
	return nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		if c.Database.Host == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"database host is required", "database.host", nil)
		}
		if c.Database.Database == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"database name is required", "database.database", nil)
		}
		if c.Database.Username == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"database username is required", "database.username", nil)
		}
	}

	if err := c.Scanning.validate(); err != nil {
		return err
	}

	if c.Workers.Size <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"worker pool size must be positive", "workers.size", c.Workers.Size)
	}

	if c.API.Enabled {
		if c.API.Port <= 0 || c.API.Port > maxPort {
			return errors.NewConfigFieldError(errors.CodeValidation,
				"API port must be between 1 and 65535", "api.port", c.API.Port)
		}
		if c.API.ListenAddr == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"API listen address is required when API is enabled", "api.listen_addr", nil)
		}
	}
	if c.API.TLS.Enabled {
		if c.API.TLS.CertFile == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"TLS certificate file is required when TLS is enabled", "api.tls.cert_file", nil)
		}
		if c.API.TLS.KeyFile == "" {
			return errors.NewConfigFieldError(errors.CodeConfiguration,
				"TLS key file is required when TLS is enabled", "api.tls.key_file", nil)
		}
	}

	validLogLevels := map[logging.LogLevel]bool{
		logging.LevelDebug: true,
		logging.LevelInfo:  true,
		logging.LevelWarn:  true,
		logging.LevelError: true,
	}
	if !validLogLevels[c.Logging.Level] {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid log level: %s", c.Logging.Level), "logging.level", c.Logging.Level)
	}
	if c.Logging.Format != logging.FormatText && c.Logging.Format != logging.FormatJSON {
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid log format: %s", c.Logging.Format), "logging.format", c.Logging.Format)
	}

	return nil
}

func (s *ScanningConfig) validate() error {
	if len(s.Networks) == 0 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"at least one scan network is required", "scanning.networks", nil)
	}
	for _, network := range s.Networks {
		if _, _, err := net.ParseCIDR(network); err != nil {
			return errors.NewConfigFieldError(errors.CodeValidation,
				fmt.Sprintf("invalid scan network %q", network), "scanning.networks", network)
		}
	}
	if len(s.Ports) == 0 {
		return errors.NewConfigFieldError(errors.CodeConfiguration,
			"at least one scan port is required", "scanning.ports", nil)
	}
	for _, port := range s.Ports {
		if port < 1 || port > maxPort {
			return errors.ErrConfigInvalid("scanning.ports", port)
		}
	}
	if s.ScanHour < 0 || s.ScanHour > maxHour {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"scan hour must be between 0 and 23", "scanning.scan_hour", s.ScanHour)
	}
	if s.ScanMinute < 0 || s.ScanMinute > maxMinute {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"scan minute must be between 0 and 59", "scanning.scan_minute", s.ScanMinute)
	}
	switch s.Timing {
	case discovery.TimingPolite, discovery.TimingNormal, discovery.TimingAggressive:
	default:
		return errors.NewConfigFieldError(errors.CodeValidation,
			fmt.Sprintf("invalid scan timing: %s", s.Timing), "scanning.timing", s.Timing)
	}
	if s.HostTimeout <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"host timeout must be positive", "scanning.host_timeout", s.HostTimeout)
	}
	if s.ProbeTimeout <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"probe timeout must be positive", "scanning.probe_timeout", s.ProbeTimeout)
	}
	if s.ProbeConcurrency <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"probe concurrency must be positive", "scanning.probe_concurrency", s.ProbeConcurrency)
	}
	if s.MaxHistory <= 0 {
		return errors.NewConfigFieldError(errors.CodeValidation,
			"max history must be positive", "scanning.max_history", s.MaxHistory)
	}
	return nil
}

// RunConfig returns the snapshot a scan run executes with.
func (c *Config) RunConfig() scanrun.RunConfig {
	return scanrun.RunConfig{
		Networks: append([]string(nil), c.Scanning.Networks...),
		Ports:    append([]int(nil), c.Scanning.Ports...),
	}
}

// DiscoveryConfig returns the nmap sweep settings.
func (c *Config) DiscoveryConfig() discovery.Config {
	return discovery.Config{
		HostTimeout: c.Scanning.HostTimeout,
		Timing:      c.Scanning.Timing,
	}
}

// ProbeConfig returns the HTTP prober settings.
func (c *Config) ProbeConfig() probe.Config {
	return probe.Config{
		Timeout:     c.Scanning.ProbeTimeout,
		Concurrency: c.Scanning.ProbeConcurrency,
		UserAgent:   c.Scanning.ProbeUserAgent,
	}
}

// GetDatabaseConfig returns the database configuration
func (c *Config) GetDatabaseConfig() db.Config {
	return c.Database
}

// GetAPIAddress returns the full API address
func (c *Config) GetAPIAddress() string {
	return net.JoinHostPort(c.API.ListenAddr, strconv.Itoa(c.API.Port))
}

// IsAPIEnabled returns true if API server is enabled
func (c *Config) IsAPIEnabled() bool {
	return c.API.Enabled
}

// ScheduleString renders the daily schedule as HH:MM.
func (c *Config) ScheduleString() string {
	return fmt.Sprintf("%02d:%02d", c.Scanning.ScanHour, c.Scanning.ScanMinute)
}

// ParsePorts parses a comma separated port list. Entries may be single
// ports or inclusive ranges such as 8000-8010.
func ParsePorts(s string) ([]int, error) {
	var ports []int
	for _, part := range splitList(s) {
		lo, hi, isRange := strings.Cut(part, "-")
		start, err := parsePort(lo)
		if err != nil {
			return nil, err
		}
		end := start
		if isRange {
			if end, err = parsePort(hi); err != nil {
				return nil, err
			}
			if end < start {
				return nil, fmt.Errorf("invalid port range %q", part)
			}
		}
		for p := start; p <= end; p++ {
			ports = append(ports, p)
		}
	}
	if len(ports) == 0 {
		return nil, fmt.Errorf("no ports in %q", s)
	}
	return ports, nil
}

func parsePort(s string) (int, error) {
	p, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || p < 1 || p > maxPort {
		return 0, fmt.Errorf("invalid port %q", s)
	}
	return p, nil
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envInt(lookup func(string) (string, bool), name string, dst *int) error {
	v, ok := lookup(name)
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return errors.ErrConfigInvalid(name, v)
	}
	*dst = n
	return nil
}
