package sandbox

import (
	"go.uber.org/zap"

	"github.com/isdmx/flowbox/config"
)

// NewRegistryFromConfig builds the capability registry from the sandbox section
func NewRegistryFromConfig(logger *zap.Logger, cfg *config.Config) (*Registry, error) {
	return NewRegistry(logger, RegistryConfig{
		Allowed:     cfg.Sandbox.Capabilities,
		AllowUnsafe: cfg.Sandbox.AllowUnsafeCapabilities,
		FilesRoot:   cfg.Sandbox.FilesRoot,
	})
}

// NewExecutor creates the execution engine based on the configuration
func NewExecutor(logger *zap.Logger, cfg *config.Config, registry *Registry, opts ...EngineOption) (*Engine, error) {
	engineConfig := Config{
		DefaultTimeout: cfg.GetTimeout(),
		MaxTimeout:     cfg.GetMaxTimeout(),
		EnforceTimeout: cfg.Sandbox.EnforceTimeout,
		MaxSteps:       cfg.Sandbox.MaxSteps,
		EntryPoint:     cfg.Sandbox.EntryPoint,
		Builtins:       cfg.Sandbox.Builtins,
		Preload:        cfg.Sandbox.PreloadCapabilities,
	}

	return NewEngine(logger, &engineConfig, registry, opts...)
}
