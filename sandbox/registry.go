package sandbox

import (
	"fmt"
	"os"
	"sort"

	"go.starlark.net/starlark"
	"go.starlark.net/starlarkstruct"
	"go.uber.org/zap"
)

// Capability describes a module that user code may import by name
type Capability struct {
	Name    string
	Version string
	Doc     string
	Unsafe  bool
	build   func(deps capabilityDeps) (starlark.StringDict, error)
}

// CapabilityInfo is the public description of an enabled capability
type CapabilityInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Doc     string `json:"doc"`
	Unsafe  bool   `json:"unsafe"`
}

// RegistryConfig selects which capabilities are importable
type RegistryConfig struct {
	Allowed     []string
	AllowUnsafe bool
	FilesRoot   string
}

type capabilityDeps struct {
	runner    CommandRunner
	fs        FileSystem
	filesRoot string
	lookupEnv func(string) (string, bool)
}

// Registry maps allow-listed module names to frozen capability modules
type Registry struct {
	logger  *zap.Logger
	modules map[string]*starlarkstruct.Module
	infos   map[string]CapabilityInfo
	deps    capabilityDeps
}

// RegistryOption defines a functional option for Registry
type RegistryOption func(*Registry)

// WithCommandRunner sets the CommandRunner used by the subprocess capability
func WithCommandRunner(runner CommandRunner) RegistryOption {
	return func(r *Registry) {
		r.deps.runner = runner
	}
}

// WithFileSystem sets the FileSystem used by the files capability
func WithFileSystem(fs FileSystem) RegistryOption {
	return func(r *Registry) {
		r.deps.fs = fs
	}
}

// WithEnvLookup sets the environment lookup used by the os capability
func WithEnvLookup(lookup func(string) (string, bool)) RegistryOption {
	return func(r *Registry) {
		r.deps.lookupEnv = lookup
	}
}

// NewRegistry builds every allowed capability once. Unsafe capabilities are
// refused unless explicitly permitted.
func NewRegistry(logger *zap.Logger, cfg RegistryConfig, opts ...RegistryOption) (*Registry, error) {
	r := &Registry{
		logger:  logger,
		modules: make(map[string]*starlarkstruct.Module),
		infos:   make(map[string]CapabilityInfo),
		deps: capabilityDeps{
			runner:    RealCommandRunner{},
			fs:        RealFileSystem{},
			filesRoot: cfg.FilesRoot,
			lookupEnv: os.LookupEnv,
		},
	}
	for _, opt := range opts {
		opt(r)
	}

	catalog := Catalog()
	for _, name := range cfg.Allowed {
		capability, ok := catalog[name]
		if !ok {
			return nil, fmt.Errorf("unknown capability: %s", name)
		}
		if capability.Unsafe {
			if !cfg.AllowUnsafe {
				return nil, fmt.Errorf("capability %s is unsafe and sandbox.allow_unsafe_capabilities is false", name)
			}
			logger.Warn("unsafe capability enabled", zap.String("capability", name))
		}

		members, err := capability.build(r.deps)
		if err != nil {
			return nil, fmt.Errorf("failed to build capability %s: %w", name, err)
		}
		module := &starlarkstruct.Module{Name: name, Members: members}
		module.Freeze()

		r.modules[name] = module
		r.infos[name] = CapabilityInfo{
			Name:    capability.Name,
			Version: capability.Version,
			Doc:     capability.Doc,
			Unsafe:  capability.Unsafe,
		}
	}

	logger.Info("capability registry ready", zap.Strings("capabilities", r.Names()))
	return r, nil
}

// Resolve returns the module for name or an *ImportError
func (r *Registry) Resolve(name string) (*starlarkstruct.Module, error) {
	module, ok := r.modules[name]
	if !ok {
		return nil, &ImportError{Name: name}
	}
	return module, nil
}

// Names returns the sorted names of enabled capabilities
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Describe returns descriptors for enabled capabilities
func (r *Registry) Describe() []CapabilityInfo {
	infos := make([]CapabilityInfo, 0, len(r.infos))
	for _, name := range r.Names() {
		infos = append(infos, r.infos[name])
	}
	return infos
}
