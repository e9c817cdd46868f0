package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anstrom/neondeck/internal/errors"
	"github.com/anstrom/neondeck/internal/logging"
)

func noEnv(string) (string, bool) { return "", false }

func envMap(m map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := m[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, []string{"192.168.1.0/24"}, cfg.Scanning.Networks)
	assert.Equal(t, []int{80, 443, 8080, 8443, 3000, 5000, 5001, 8000, 8081, 9000, 9090}, cfg.Scanning.Ports)
	assert.Equal(t, 4, cfg.Scanning.ScanHour)
	assert.Equal(t, 0, cfg.Scanning.ScanMinute)
	assert.True(t, cfg.Scanning.ScheduleEnabled)
	assert.Equal(t, "aggressive", cfg.Scanning.Timing)
	assert.Equal(t, 30, cfg.Scanning.MaxHistory)
	assert.Equal(t, "04:00", cfg.ScheduleString())

	// Defaults must not alias the package-level port list.
	cfg.Scanning.Ports[0] = 1
	assert.Equal(t, 80, DefaultPorts[0])
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name    string
		path    func(t *testing.T) string
		wantErr string
		check   func(t *testing.T, cfg *Config)
	}{
		{
			name: "valid yaml config",
			path: func(t *testing.T) string {
				return writeFile(t, "config.yaml", `
database:
  host: db.internal
  database: deck
  username: deck
scanning:
  networks: ["10.0.0.0/24", "10.0.1.0/24"]
  ports: [80, 443]
  scan_hour: 2
  scan_minute: 30
  timing: polite
workers:
  size: 1
`)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "db.internal", cfg.Database.Host)
				assert.Equal(t, []string{"10.0.0.0/24", "10.0.1.0/24"}, cfg.Scanning.Networks)
				assert.Equal(t, []int{80, 443}, cfg.Scanning.Ports)
				assert.Equal(t, "02:30", cfg.ScheduleString())
				assert.Equal(t, 1, cfg.Workers.Size)
				// Untouched sections keep their defaults.
				assert.Equal(t, 10*time.Second, cfg.Scanning.ProbeTimeout)
			},
		},
		{
			name: "valid json config",
			path: func(t *testing.T) string {
				return writeFile(t, "config.json", `{"scanning": {"networks": ["172.16.0.0/16"]}}`)
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, []string{"172.16.0.0/16"}, cfg.Scanning.Networks)
			},
		},
		{
			name: "missing file yields defaults",
			path: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "absent.yaml")
			},
			check: func(t *testing.T, cfg *Config) {
				assert.Equal(t, Default().Scanning, cfg.Scanning)
			},
		},
		{
			name: "invalid yaml syntax",
			path: func(t *testing.T) string {
				return writeFile(t, "config.yaml", "scanning: [unterminated")
			},
			wantErr: "failed to parse yaml config",
		},
		{
			name: "invalid values",
			path: func(t *testing.T) string {
				return writeFile(t, "config.yaml", "scanning:\n  scan_hour: 24\n")
			},
			wantErr: "scan hour",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, name := range []string{"SCAN_NETWORKS", "SCAN_PORTS", "SCAN_HOUR", "SCAN_MINUTE",
				"DATABASE_URL", "LOG_LEVEL", "API_HOST", "API_PORT", "CORS_ORIGINS"} {
				t.Setenv(name, "")
			}

			cfg, err := Load(tt.path(t))
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			tt.check(t, cfg)
		})
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Scanning.Networks = []string{"10.1.0.0/24"}
	require.NoError(t, cfg.Save(path))

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Scanning.Networks, loaded.Scanning.Networks)
}

func TestApplyEnv(t *testing.T) {
	cfg := Default()
	err := cfg.ApplyEnv(envMap(map[string]string{
		"SCAN_NETWORKS": "10.0.0.0/24, 10.0.2.0/24",
		"SCAN_PORTS":    "80,8000-8002",
		"SCAN_HOUR":     "3",
		"SCAN_MINUTE":   "15",
		"DATABASE_URL":  "postgres://u:p@db/deck",
		"LOG_LEVEL":     "DEBUG",
		"API_HOST":      "127.0.0.1",
		"API_PORT":      "9000",
		"CORS_ORIGINS":  "http://a,http://b",
	}))
	require.NoError(t, err)

	assert.Equal(t, []string{"10.0.0.0/24", "10.0.2.0/24"}, cfg.Scanning.Networks)
	assert.Equal(t, []int{80, 8000, 8001, 8002}, cfg.Scanning.Ports)
	assert.Equal(t, "03:15", cfg.ScheduleString())
	assert.Equal(t, "postgres://u:p@db/deck", cfg.Database.URL)
	assert.Equal(t, logging.LevelDebug, cfg.Logging.Level)
	assert.Equal(t, "127.0.0.1:9000", cfg.GetAPIAddress())
	assert.Equal(t, []string{"http://a", "http://b"}, cfg.API.CORS.AllowedOrigins)
	require.NoError(t, cfg.Validate())

	t.Run("bad values are reported", func(t *testing.T) {
		assert.Error(t, Default().ApplyEnv(envMap(map[string]string{"SCAN_PORTS": "http"})))
		assert.Error(t, Default().ApplyEnv(envMap(map[string]string{"SCAN_HOUR": "four"})))
	})

	t.Run("unset leaves config alone", func(t *testing.T) {
		cfg := Default()
		require.NoError(t, cfg.ApplyEnv(noEnv))
		assert.Equal(t, Default(), cfg)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"no networks", func(c *Config) { c.Scanning.Networks = nil }, "scan network"},
		{"bad network", func(c *Config) { c.Scanning.Networks = []string{"10.0.0.1"} }, "invalid scan network"},
		{"no ports", func(c *Config) { c.Scanning.Ports = nil }, "scan port"},
		{"port out of range", func(c *Config) { c.Scanning.Ports = []int{70000} }, "scanning.ports"},
		{"bad minute", func(c *Config) { c.Scanning.ScanMinute = 60 }, "scan minute"},
		{"bad timing", func(c *Config) { c.Scanning.Timing = "insane" }, "timing"},
		{"zero probe concurrency", func(c *Config) { c.Scanning.ProbeConcurrency = 0 }, "probe concurrency"},
		{"zero history", func(c *Config) { c.Scanning.MaxHistory = 0 }, "max history"},
		{"no workers", func(c *Config) { c.Workers.Size = 0 }, "worker pool"},
		{"bad api port", func(c *Config) { c.API.Port = 0 }, "API port"},
		{"tls without cert", func(c *Config) { c.API.TLS.Enabled = true }, "certificate"},
		{"bad log level", func(c *Config) { c.Logging.Level = "loud" }, "log level"},
		{"missing db host", func(c *Config) { c.Database.Host = "" }, "database host"},
		{"database url skips discrete fields", func(c *Config) {
			c.Database.Host = ""
			c.Database.URL = "postgres://db/deck"
		}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParsePorts(t *testing.T) {
	ports, err := ParsePorts(" 443, 80 ,9000-9001")
	require.NoError(t, err)
	assert.Equal(t, []int{443, 80, 9000, 9001}, ports)

	for _, bad := range []string{"", "0", "65536", "90-80", "a-b", ","} {
		_, err := ParsePorts(bad)
		assert.Error(t, err, bad)
	}
}

func TestAccessors(t *testing.T) {
	cfg := Default()

	run := cfg.RunConfig()
	assert.Equal(t, cfg.Scanning.Networks, run.Networks)
	run.Networks[0] = "changed"
	assert.Equal(t, "192.168.1.0/24", cfg.Scanning.Networks[0], "snapshot is a copy")

	assert.Equal(t, cfg.Scanning.HostTimeout, cfg.DiscoveryConfig().HostTimeout)
	assert.Equal(t, cfg.Scanning.ProbeConcurrency, cfg.ProbeConfig().Concurrency)
	assert.Equal(t, "0.0.0.0:8000", cfg.GetAPIAddress())
	assert.True(t, cfg.IsAPIEnabled())
}

func TestValidateErrorCodes(t *testing.T) {
	cfg := Default()
	cfg.Scanning.Networks = []string{"lan"}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Equal(t, errors.CodeValidation, errors.GetCode(err))

	cfg = Default()
	cfg.Scanning.Ports = nil
	assert.Equal(t, errors.CodeConfiguration, errors.GetCode(cfg.Validate()))
}

func TestValidateNamesField(t *testing.T) {
	tests := []struct {
		mutate func(c *Config)
		field  string
	}{
		{func(c *Config) { c.Database.Host = "" }, "database.host"},
		{func(c *Config) { c.Database.Database = "" }, "database.database"},
		{func(c *Config) { c.Database.Username = "" }, "database.username"},
		{func(c *Config) { c.Workers.Size = 0 }, "workers.size"},
		{func(c *Config) { c.API.Port = 70000 }, "api.port"},
		{func(c *Config) { c.API.ListenAddr = "" }, "api.listen_addr"},
		{func(c *Config) { c.API.TLS.Enabled = true }, "api.tls.cert_file"},
		{func(c *Config) { c.API.TLS.Enabled = true; c.API.TLS.CertFile = "cert.pem" }, "api.tls.key_file"},
		{func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{func(c *Config) { c.Scanning.ScanHour = 24 }, "scanning.scan_hour"},
		{func(c *Config) { c.Scanning.Timing = "insane" }, "scanning.timing"},
		{func(c *Config) { c.Scanning.HostTimeout = 0 }, "scanning.host_timeout"},
		{func(c *Config) { c.Scanning.ProbeTimeout = 0 }, "scanning.probe_timeout"},
		{func(c *Config) { c.Scanning.MaxHistory = 0 }, "scanning.max_history"},
	}

	for _, tt := range tests {
		t.Run(tt.field, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)

			var cfgErr *errors.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.field, cfgErr.Field)
		})
	}
}
