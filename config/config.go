package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variable overrides
const EnvPrefix = "FLOWBOX"

// Config represents the application configuration
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	MCP      MCPConfig      `mapstructure:"mcp"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Progress ProgressConfig `mapstructure:"progress"`
	Sessions SessionsConfig `mapstructure:"sessions"`
	Flows    FlowsConfig    `mapstructure:"flows"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds REST server configuration
type ServerConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	HTTPPort    int    `mapstructure:"http_port"`
	CORSOrigins string `mapstructure:"cors_origins"`
}

// MCPConfig holds MCP server configuration
type MCPConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Transport string `mapstructure:"transport"`
	HTTPPort  int    `mapstructure:"http_port"`
}

// SandboxConfig holds execution engine configuration
type SandboxConfig struct {
	TimeoutSec              float64  `mapstructure:"timeout_sec"`
	MaxTimeoutSec           float64  `mapstructure:"max_timeout_sec"`
	EnforceTimeout          bool     `mapstructure:"enforce_timeout"`
	MaxSteps                uint64   `mapstructure:"max_steps"`
	EntryPoint              string   `mapstructure:"entry_point"`
	PreloadCapabilities     bool     `mapstructure:"preload_capabilities"`
	Builtins                []string `mapstructure:"builtins"`
	Capabilities            []string `mapstructure:"capabilities"`
	AllowUnsafeCapabilities bool     `mapstructure:"allow_unsafe_capabilities"`
	FilesRoot               string   `mapstructure:"files_root"`
}

// ProgressConfig holds progress log configuration
type ProgressConfig struct {
	Dir        string `mapstructure:"dir"`
	FilePrefix string `mapstructure:"file_prefix"`
}

// SessionsConfig holds asynchronous session configuration
type SessionsConfig struct {
	MaxSessions   int           `mapstructure:"max_sessions"`
	Retention     time.Duration `mapstructure:"retention"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	RemoveLogs    bool          `mapstructure:"remove_logs"`
}

// FlowsConfig holds flow store configuration
type FlowsConfig struct {
	Backend string       `mapstructure:"backend"`
	Dir     string       `mapstructure:"dir"`
	Redis   RedisConfig  `mapstructure:"redis"`
	SQLite  SQLiteConfig `mapstructure:"sqlite"`
	S3      S3Config     `mapstructure:"s3"`
}

// RedisConfig holds redis flow store configuration
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// SQLiteConfig holds sqlite flow store configuration
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// S3Config holds s3 flow store configuration
type S3Config struct {
	Bucket          string `mapstructure:"bucket"`
	Prefix          string `mapstructure:"prefix"`
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UsePathStyle    bool   `mapstructure:"use_path_style"`
}

// MetricsConfig holds prometheus configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
	Path      string `mapstructure:"path"`
}

// LoggingConfig holds logger configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

var (
	identifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]*$`)

	defaultBuiltins = []string{
		"abs", "all", "any", "bool", "chr", "dict", "enumerate", "fail", "float",
		"hasattr", "int", "len", "list", "max", "min", "ord", "print", "range",
		"repr", "reversed", "sorted", "str", "sum", "tuple", "type", "zip",
	}

	defaultCapabilities = []string{
		"collections", "itertools", "json", "math", "random", "re", "string", "time", "uuid",
	}
)

// New loads and validates the application configuration. The file named by
// FLOWBOX_CONFIG is used when set, otherwise config.yaml in . or ./config.
func New() (*Config, error) {
	return Load(os.Getenv(EnvPrefix + "_CONFIG"))
}

// Load reads configuration from path, or from the default search locations
// when path is empty
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.http_port", 8000)
	v.SetDefault("server.cors_origins", "*")

	v.SetDefault("mcp.enabled", false)
	v.SetDefault("mcp.transport", "stdio")
	v.SetDefault("mcp.http_port", 8080)

	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.max_timeout_sec", 600)
	v.SetDefault("sandbox.enforce_timeout", true)
	v.SetDefault("sandbox.max_steps", 0)
	v.SetDefault("sandbox.entry_point", "process")
	v.SetDefault("sandbox.preload_capabilities", true)
	v.SetDefault("sandbox.builtins", defaultBuiltins)
	v.SetDefault("sandbox.capabilities", defaultCapabilities)
	v.SetDefault("sandbox.allow_unsafe_capabilities", false)
	v.SetDefault("sandbox.files_root", "")

	v.SetDefault("progress.dir", "")
	v.SetDefault("progress.file_prefix", "flowbox_log_")

	v.SetDefault("sessions.max_sessions", 256)
	v.SetDefault("sessions.retention", "1h")
	v.SetDefault("sessions.sweep_interval", "1m")
	v.SetDefault("sessions.remove_logs", true)

	v.SetDefault("flows.backend", "file")
	v.SetDefault("flows.dir", "flows_data")
	v.SetDefault("flows.redis.addr", "localhost:6379")
	v.SetDefault("flows.redis.password", "")
	v.SetDefault("flows.redis.db", 0)
	v.SetDefault("flows.redis.key_prefix", "flowbox:")
	v.SetDefault("flows.sqlite.path", "flows.db")
	v.SetDefault("flows.s3.bucket", "")
	v.SetDefault("flows.s3.prefix", "flows/")
	v.SetDefault("flows.s3.region", "us-east-1")
	v.SetDefault("flows.s3.endpoint", "")
	v.SetDefault("flows.s3.access_key_id", "")
	v.SetDefault("flows.s3.secret_access_key", "")
	v.SetDefault("flows.s3.use_path_style", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "flowbox")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if !c.Server.Enabled && !c.MCP.Enabled {
		return fmt.Errorf("at least one of server.enabled or mcp.enabled must be true")
	}

	if c.Server.Enabled && !validPort(c.Server.HTTPPort) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.MCP.Enabled {
		if c.MCP.Transport != "stdio" && c.MCP.Transport != "http" {
			return fmt.Errorf("invalid mcp.transport: %s, must be 'stdio' or 'http'", c.MCP.Transport)
		}
		if c.MCP.Transport == "http" {
			if !validPort(c.MCP.HTTPPort) {
				return fmt.Errorf("invalid mcp.http_port: %d", c.MCP.HTTPPort)
			}
			if c.Server.Enabled && c.MCP.HTTPPort == c.Server.HTTPPort {
				return fmt.Errorf("mcp.http_port must differ from server.http_port")
			}
		}
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %g", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec must be at least sandbox.timeout_sec, got: %g", c.Sandbox.MaxTimeoutSec)
	}

	if !identifierPattern.MatchString(c.Sandbox.EntryPoint) {
		return fmt.Errorf("invalid sandbox.entry_point: %q", c.Sandbox.EntryPoint)
	}

	if c.Progress.FilePrefix == "" || strings.ContainsAny(c.Progress.FilePrefix, `/\`) {
		return fmt.Errorf("invalid progress.file_prefix: %q", c.Progress.FilePrefix)
	}

	if c.Sessions.MaxSessions <= 0 {
		return fmt.Errorf("sessions.max_sessions must be positive, got: %d", c.Sessions.MaxSessions)
	}

	if c.Sessions.Retention <= 0 {
		return fmt.Errorf("sessions.retention must be positive, got: %s", c.Sessions.Retention)
	}

	if c.Sessions.SweepInterval <= 0 {
		return fmt.Errorf("sessions.sweep_interval must be positive, got: %s", c.Sessions.SweepInterval)
	}

	switch c.Flows.Backend {
	case "file":
		if c.Flows.Dir == "" {
			return fmt.Errorf("flows.dir is required for the file backend")
		}
	case "redis":
		if c.Flows.Redis.Addr == "" {
			return fmt.Errorf("flows.redis.addr is required for the redis backend")
		}
	case "sqlite":
		if c.Flows.SQLite.Path == "" {
			return fmt.Errorf("flows.sqlite.path is required for the sqlite backend")
		}
	case "s3":
		if c.Flows.S3.Bucket == "" {
			return fmt.Errorf("flows.s3.bucket is required for the s3 backend")
		}
	default:
		return fmt.Errorf("unsupported flows.backend: %s", c.Flows.Backend)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Namespace == "" {
			return fmt.Errorf("metrics.namespace is required when metrics are enabled")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") {
			return fmt.Errorf("invalid metrics.path: %q", c.Metrics.Path)
		}
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error", "dpanic", "panic", "fatal":
	default:
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	return nil
}

func validPort(port int) bool {
	return port > 0 && port <= 65535
}

// GetTimeout returns the default execution timeout as a duration
func (c *Config) GetTimeout() time.Duration {
	return seconds(c.Sandbox.TimeoutSec)
}

// GetMaxTimeout returns the largest timeout a caller may request
func (c *Config) GetMaxTimeout() time.Duration {
	return seconds(c.Sandbox.MaxTimeoutSec)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
