package policy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/caffeineduck/opawasm/builtin"
	"github.com/tetratelabs/wazero"
	"go.uber.org/zap"
)

// Engine compiles policy binaries and loads them into isolated runtimes that
// share one compilation cache.
type Engine struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	rtConfig wazero.RuntimeConfig
	builtins *builtin.Registry
	logger   *zap.Logger

	modules  map[string]*Module
	policies map[*Policy]struct{}
	mu       sync.RWMutex
	closed   bool
}

// New creates an Engine. Builtins in registry override the defaults of the
// same name; registry may be nil.
func New(registry *builtin.Registry, opts ...EngineOption) (*Engine, error) {
	cfg := defaultEngineConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx := context.Background()

	var cache wazero.CompilationCache
	if cfg.diskCache {
		cacheDir := cfg.cacheDir
		if cacheDir == "" {
			cacheDir = defaultCacheDir()
		}
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	} else {
		cache = wazero.NewCompilationCache()
	}

	rtConfig := wazero.NewRuntimeConfig().
		WithCloseOnContextDone(true).
		WithCompilationCache(cache)
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	builtins := builtin.NewRegistry()
	if cfg.defaultBuiltins {
		builtins.Merge(builtin.Defaults())
	}
	builtins.Merge(registry)

	return &Engine{
		runtime:  wazero.NewRuntimeWithConfig(ctx, rtConfig),
		cache:    cache,
		rtConfig: rtConfig,
		builtins: builtins,
		logger:   cfg.logger,
		modules:  make(map[string]*Module),
		policies: make(map[*Policy]struct{}),
	}, nil
}

// Compile validates and compiles a policy binary. Compiling the same bytes
// twice returns the same Module.
func (e *Engine) Compile(ctx context.Context, wasm []byte) (*Module, error) {
	sum := sha256.Sum256(wasm)
	hash := hex.EncodeToString(sum[:])

	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return nil, ErrEngineClosed
	}
	if m, ok := e.modules[hash]; ok {
		e.mu.RUnlock()
		return m, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if m, ok := e.modules[hash]; ok {
		return m, nil
	}

	compiled, err := e.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile policy: %w", err)
	}
	m, err := newModule(hash, append([]byte(nil), wasm...), compiled)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	e.modules[hash] = m
	e.logger.Debug("policy compiled", zap.String("hash", hash[:12]), zap.Int("exports", len(m.exports)))
	return m, nil
}

// LoadPolicy compiles wasm if needed and instantiates it.
func (e *Engine) LoadPolicy(ctx context.Context, wasm []byte, opts ...Option) (*Policy, error) {
	m, err := e.Compile(ctx, wasm)
	if err != nil {
		return nil, err
	}
	return e.LoadModule(ctx, m, opts...)
}

// LoadModule instantiates a compiled module in a fresh runtime.
func (e *Engine) LoadModule(ctx context.Context, m *Module, opts ...Option) (*Policy, error) {
	cfg := defaultLoadConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.memory.Validate(); err != nil {
		return nil, err
	}

	e.mu.RLock()
	closed := e.closed
	e.mu.RUnlock()
	if closed {
		return nil, ErrEngineClosed
	}

	p := &Policy{
		runtime:  wazero.NewRuntimeWithConfig(ctx, e.rtConfig),
		builtins: builtin.NewRegistry().Merge(e.builtins).Merge(cfg.builtins),
		logger:   e.logger.With(zap.String("policy", m.hash[:12])),
		engine:   e,
	}
	if err := p.instantiate(ctx, m.wasm, cfg); err != nil {
		p.runtime.Close(ctx)
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		p.runtime.Close(ctx)
		return nil, ErrEngineClosed
	}
	e.policies[p] = struct{}{}
	return p, nil
}

func (e *Engine) untrack(p *Policy) {
	e.mu.Lock()
	delete(e.policies, p)
	e.mu.Unlock()
}

// Close closes every policy still open and releases the compilation cache.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	policies := make([]*Policy, 0, len(e.policies))
	for p := range e.policies {
		policies = append(policies, p)
	}
	e.policies = nil
	e.mu.Unlock()

	ctx := context.Background()

	var errs []error
	for _, p := range policies {
		if err := p.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := e.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return errs[0]
	}
	return nil
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "opawasm")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "opawasm")
	}
	return filepath.Join(os.TempDir(), "opawasm-cache")
}
