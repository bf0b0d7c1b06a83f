package sandbox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/flowbox/config"
)

func TestConfigDefaultsMatchSandboxLists(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.ElementsMatch(t, DefaultBuiltins, cfg.Sandbox.Builtins)
	assert.ElementsMatch(t, DefaultCapabilities, cfg.Sandbox.Capabilities)

	for _, name := range cfg.Sandbox.Capabilities {
		c, ok := Catalog()[name]
		if assert.True(t, ok, name) {
			assert.False(t, c.Unsafe, name)
		}
	}
}

func TestNewExecutorFromDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	logger := zaptest.NewLogger(t)

	registry, err := NewRegistryFromConfig(logger, cfg)
	require.NoError(t, err)
	assert.ElementsMatch(t, DefaultCapabilities, registry.Names())

	engine, err := NewExecutor(logger, cfg, registry)
	require.NoError(t, err)
	requireOutput(t, execute(t, engine, "def process(x):\n    return json.encode({\"v\": x})\n", "a"), `{"v":"a"}`)
}
