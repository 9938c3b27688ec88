package policy

import (
	"context"
	"fmt"

	"github.com/caffeineduck/opawasm/builtin"
	"github.com/go-playground/validator/v10"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// DefaultMemoryPages is the initial memory size when none is configured
// (5 pages = 320KB).
const DefaultMemoryPages uint32 = 5

// validate is shared; building a validator is expensive.
var validate = validator.New()

// MemoryDescriptor sizes the linear memory handed to the guest, in 64KB
// pages. Maximum 0 leaves the memory unbounded up to the engine limit.
type MemoryDescriptor struct {
	Initial uint32 `validate:"min=1,max=65536"`
	Maximum uint32 `validate:"omitempty,max=65536,gtefield=Initial"`
}

func (d MemoryDescriptor) Validate() error {
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid memory descriptor: %w", err)
	}
	return nil
}

// HostModuleFunc instantiates additional modules into a policy's runtime
// before the policy itself. Use it for imports beyond the standard env
// module.
type HostModuleFunc func(ctx context.Context, r wazero.Runtime) error

// Option configures how a single policy is loaded.
type Option func(*loadConfig)

type loadConfig struct {
	memory      MemoryDescriptor
	builtins    *builtin.Registry
	hostModules []HostModuleFunc
}

func defaultLoadConfig() loadConfig {
	return loadConfig{
		memory:   MemoryDescriptor{Initial: DefaultMemoryPages},
		builtins: builtin.NewRegistry(),
	}
}

// WithMemory sets the initial memory size in pages, leaving it unbounded.
func WithMemory(pages uint32) Option {
	return func(c *loadConfig) {
		c.memory = MemoryDescriptor{Initial: pages}
	}
}

// WithMemoryDescriptor sets the initial and maximum memory size.
func WithMemoryDescriptor(d MemoryDescriptor) Option {
	return func(c *loadConfig) {
		c.memory = d
	}
}

// WithBuiltins adds custom builtins. They take precedence over the engine's
// builtins of the same name.
func WithBuiltins(r *builtin.Registry) Option {
	return func(c *loadConfig) {
		c.builtins.Merge(r)
	}
}

// WithBuiltin adds a single custom builtin.
func WithBuiltin(name string, fn builtin.Func) Option {
	return func(c *loadConfig) {
		c.builtins.Register(name, fn)
	}
}

// WithHostModules registers setup functions run against the policy's
// runtime before the env module and the policy are instantiated.
func WithHostModules(fns ...HostModuleFunc) Option {
	return func(c *loadConfig) {
		c.hostModules = append(c.hostModules, fns...)
	}
}

// EvalOption configures a single evaluation.
type EvalOption func(*evalConfig)

type evalConfig struct {
	entrypoint      string
	entrypointID    int32
	namedEntrypoint bool
}

// WithEntrypoint selects the entrypoint by name, e.g. "example/allow".
func WithEntrypoint(name string) EvalOption {
	return func(c *evalConfig) {
		c.entrypoint = name
		c.namedEntrypoint = true
	}
}

// WithEntrypointID selects the entrypoint by its numeric id.
func WithEntrypointID(id int32) EvalOption {
	return func(c *evalConfig) {
		c.entrypointID = id
		c.namedEntrypoint = false
	}
}

// EngineOption configures the Engine at creation time.
type EngineOption func(*engineConfig)

type engineConfig struct {
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // Max memory pages (each page = 64KB), 0 = default (4GB)
	logger           *zap.Logger
	defaultBuiltins  bool
}

func defaultEngineConfig() engineConfig {
	return engineConfig{
		memoryLimitPages: 0, // 0 means use wazero default (65536 pages = 4GB)
		logger:           zap.NewNop(),
		defaultBuiltins:  true,
	}
}

// WithDiskCache enables a persistent compilation cache shared by every
// policy the engine loads. Optionally provide a custom directory; otherwise
// uses ~/.cache/opawasm or XDG_CACHE_HOME/opawasm.
//
// Examples:
//
//	policy.New(registry, policy.WithDiskCache())            // default dir
//	policy.New(registry, policy.WithDiskCache("/tmp/cache")) // custom dir
func WithDiskCache(dir ...string) EngineOption {
	return func(c *engineConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps the memory any policy may grow to.
// Each page is 64KB. Examples:
//   - WithMemoryLimit(16) = 1MB max
//   - WithMemoryLimit(256) = 16MB max
//   - WithMemoryLimit(1024) = 64MB max
//
// Default is 0 (no limit, up to 4GB).
func WithMemoryLimit(pages uint32) EngineOption {
	return func(c *engineConfig) {
		c.memoryLimitPages = pages
	}
}

// WithLogger sets the logger used for guest println output and load
// diagnostics. The default discards everything.
func WithLogger(l *zap.Logger) EngineOption {
	return func(c *engineConfig) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithoutDefaultBuiltins leaves out the builtin.Defaults set, so only the
// registry passed to New and per-load builtins are available.
func WithoutDefaultBuiltins() EngineOption {
	return func(c *engineConfig) {
		c.defaultBuiltins = false
	}
}

// Memory limit constants for convenience.
const (
	MemoryLimit1MB   uint32 = 16    // 1 MB
	MemoryLimit16MB  uint32 = 256   // 16 MB
	MemoryLimit64MB  uint32 = 1024  // 64 MB
	MemoryLimit256MB uint32 = 4096  // 256 MB
	MemoryLimit1GB   uint32 = 16384 // 1 GB
)
