package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/isdmx/flowbox/config"
)

func TestBuildConfig(t *testing.T) {
	tests := []struct {
		name     string
		mode     string
		level    string
		want     zapcore.Level
		encoding string
		errText  string
	}{
		{name: "Production", mode: "production", level: "info", want: zapcore.InfoLevel, encoding: "json"},
		{name: "Development", mode: "development", level: "debug", want: zapcore.DebugLevel, encoding: "console"},
		{name: "ProductionWarn", mode: "production", level: "warn", want: zapcore.WarnLevel, encoding: "json"},
		{name: "InvalidMode", mode: "verbose", level: "info", errText: "invalid logging mode"},
		{name: "InvalidLevel", mode: "production", level: "loud", errText: "invalid logging level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := buildConfig(tt.mode, tt.level)
			if tt.errText != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errText)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Level.Level())
			assert.Equal(t, tt.encoding, cfg.Encoding)
			assert.Equal(t, []string{"stderr"}, cfg.OutputPaths)
			assert.Equal(t, ServiceName, cfg.InitialFields["service"])
		})
	}
}

func TestLoggerNew(t *testing.T) {
	for _, level := range []string{"debug", "info", "warn", "error", "dpanic", "panic", "fatal"} {
		t.Run(level, func(t *testing.T) {
			log, err := New("production", level)
			require.NoError(t, err)
			assert.True(t, log.Core().Enabled(zapcore.FatalLevel))
			_ = log.Sync()
		})
	}
}

func TestLoggerNewFromConfig(t *testing.T) {
	cfg := &config.Config{Logging: config.LoggingConfig{Mode: "development", Level: "error"}}
	log, err := NewFromConfig(cfg)
	require.NoError(t, err)
	assert.False(t, log.Core().Enabled(zapcore.InfoLevel))
	assert.True(t, log.Core().Enabled(zapcore.ErrorLevel))

	cfg.Logging.Mode = "invalid_mode"
	_, err = NewFromConfig(cfg)
	assert.Error(t, err)
}
