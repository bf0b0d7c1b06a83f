package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled:     true,
			HTTPPort:    8000,
			CORSOrigins: "*",
		},
		MCP: MCPConfig{
			Enabled:   true,
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: SandboxConfig{
			TimeoutSec:     30,
			MaxTimeoutSec:  600,
			EnforceTimeout: true,
			EntryPoint:     "process",
			Builtins:       defaultBuiltins,
			Capabilities:   defaultCapabilities,
		},
		Progress: ProgressConfig{
			FilePrefix: "flowbox_log_",
		},
		Sessions: SessionsConfig{
			MaxSessions:   16,
			Retention:     time.Hour,
			SweepInterval: time.Minute,
		},
		Flows: FlowsConfig{
			Backend: "file",
			Dir:     "flows_data",
		},
		Metrics: MetricsConfig{
			Enabled:   true,
			Namespace: "flowbox",
			Path:      "/metrics",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		require.NoError(t, validConfig().validate())
	})

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{
			name:    "NothingEnabled",
			mutate:  func(c *Config) { c.Server.Enabled = false; c.MCP.Enabled = false },
			wantErr: "at least one of server.enabled or mcp.enabled",
		},
		{
			name:    "InvalidServerPort",
			mutate:  func(c *Config) { c.Server.HTTPPort = 70000 },
			wantErr: "invalid server.http_port",
		},
		{
			name:    "InvalidMCPTransport",
			mutate:  func(c *Config) { c.MCP.Transport = "invalid" },
			wantErr: "invalid mcp.transport",
		},
		{
			name:    "PortClash",
			mutate:  func(c *Config) { c.MCP.HTTPPort = c.Server.HTTPPort },
			wantErr: "mcp.http_port must differ",
		},
		{
			name:    "InvalidSandboxTimeout",
			mutate:  func(c *Config) { c.Sandbox.TimeoutSec = 0 },
			wantErr: "sandbox.timeout_sec must be positive",
		},
		{
			name:    "MaxTimeoutBelowDefault",
			mutate:  func(c *Config) { c.Sandbox.MaxTimeoutSec = 10 },
			wantErr: "sandbox.max_timeout_sec must be at least",
		},
		{
			name:    "InvalidEntryPoint",
			mutate:  func(c *Config) { c.Sandbox.EntryPoint = "_hidden" },
			wantErr: "invalid sandbox.entry_point",
		},
		{
			name:    "PrefixWithSeparator",
			mutate:  func(c *Config) { c.Progress.FilePrefix = "../log_" },
			wantErr: "invalid progress.file_prefix",
		},
		{
			name:    "NoSessionCapacity",
			mutate:  func(c *Config) { c.Sessions.MaxSessions = 0 },
			wantErr: "sessions.max_sessions must be positive",
		},
		{
			name:    "NoRetention",
			mutate:  func(c *Config) { c.Sessions.Retention = 0 },
			wantErr: "sessions.retention must be positive",
		},
		{
			name:    "UnsupportedFlowBackend",
			mutate:  func(c *Config) { c.Flows.Backend = "mongo" },
			wantErr: "unsupported flows.backend",
		},
		{
			name:    "S3WithoutBucket",
			mutate:  func(c *Config) { c.Flows.Backend = "s3" },
			wantErr: "flows.s3.bucket is required",
		},
		{
			name:    "InvalidMetricsPath",
			mutate:  func(c *Config) { c.Metrics.Path = "metrics" },
			wantErr: "invalid metrics.path",
		},
		{
			name:    "InvalidLoggingMode",
			mutate:  func(c *Config) { c.Logging.Mode = "invalid_mode" },
			wantErr: "invalid logging.mode",
		},
		{
			name:    "InvalidLogLevel",
			mutate:  func(c *Config) { c.Logging.Level = "invalid_level" },
			wantErr: "invalid logging.level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	t.Run("MCPPortIgnoredForStdio", func(t *testing.T) {
		cfg := validConfig()
		cfg.MCP.Transport = "stdio"
		cfg.MCP.HTTPPort = cfg.Server.HTTPPort
		require.NoError(t, cfg.validate())
	})
}

func TestLoad(t *testing.T) {
	t.Run("FileOverridesDefaults", func(t *testing.T) {
		data, err := yaml.Marshal(map[string]any{
			"sandbox": map[string]any{
				"timeout_sec":  5,
				"capabilities": []string{"math"},
			},
			"sessions": map[string]any{
				"retention": "10m",
			},
			"flows": map[string]any{
				"backend": "sqlite",
				"sqlite":  map[string]any{"path": "test.db"},
			},
		})
		require.NoError(t, err)

		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, data, 0o600))

		cfg, err := Load(path)
		require.NoError(t, err)

		assert.Equal(t, 5*time.Second, cfg.GetTimeout())
		assert.Equal(t, 600*time.Second, cfg.GetMaxTimeout())
		assert.Equal(t, []string{"math"}, cfg.Sandbox.Capabilities)
		assert.Equal(t, 10*time.Minute, cfg.Sessions.Retention)
		assert.Equal(t, time.Minute, cfg.Sessions.SweepInterval)
		assert.Equal(t, "sqlite", cfg.Flows.Backend)
		assert.Equal(t, "test.db", cfg.Flows.SQLite.Path)
		assert.Equal(t, "process", cfg.Sandbox.EntryPoint)
		assert.True(t, cfg.Server.Enabled)
	})

	t.Run("EnvironmentOverride", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))
		t.Setenv("FLOWBOX_LOGGING_LEVEL", "debug")
		t.Setenv("FLOWBOX_SERVER_HTTP_PORT", "9001")

		cfg, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
		assert.Equal(t, 9001, cfg.Server.HTTPPort)
	})

	t.Run("MissingExplicitFile", func(t *testing.T) {
		_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "error reading config file")
	})

	t.Run("InvalidValues", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		require.NoError(t, os.WriteFile(path, []byte("sandbox:\n  timeout_sec: -1\n"), 0o600))

		_, err := Load(path)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "config validation error")
	})
}
