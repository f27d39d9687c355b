package wasmabi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/ffiutil/ffierr"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Result holds the outcome of one guest run.
type Result struct {
	Output   string
	Code     ffierr.Code
	Duration time.Duration
	Error    error
}

// Runner owns a wazero runtime with WASI and the ffiutil host module.
type Runner struct {
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	host     *Host
	log      *zap.Logger
	timeout  time.Duration
	compiled map[string]wazero.CompiledModule
	mu       sync.RWMutex
	closed   bool
}

type runnerConfig struct {
	cacheDir         string
	memoryLimitPages uint32
	timeout          time.Duration
}

// Option configures a Runner.
type Option func(*runnerConfig)

// WithCacheDir enables the on-disk compilation cache in dir.
func WithCacheDir(dir string) Option {
	return func(c *runnerConfig) {
		c.cacheDir = dir
	}
}

// WithMemoryLimitPages caps every guest memory.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *runnerConfig) {
		c.memoryLimitPages = pages
	}
}

// WithTimeout bounds each Run.
func WithTimeout(d time.Duration) Option {
	return func(c *runnerConfig) {
		c.timeout = d
	}
}

// NewRunner creates a runtime and instantiates WASI and host in it. Cache
// directory and memory limit default to the host's configuration.
func NewRunner(ctx context.Context, host *Host, opts ...Option) (*Runner, error) {
	cfg := runnerConfig{
		cacheDir:         host.cfg.Wasm.CacheDir,
		memoryLimitPages: host.cfg.Wasm.MemoryPages,
		timeout:          30 * time.Second,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	var cache wazero.CompilationCache
	if cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}

	rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
	if cache != nil {
		rtConfig = rtConfig.WithCompilationCache(cache)
	}
	if cfg.memoryLimitPages > 0 {
		rtConfig = rtConfig.WithMemoryLimitPages(cfg.memoryLimitPages)
	}

	rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
	r := &Runner{
		runtime:  rt,
		cache:    cache,
		host:     host,
		log:      host.log,
		timeout:  cfg.timeout,
		compiled: make(map[string]wazero.CompiledModule),
	}

	if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
		return nil, multierr.Append(fmt.Errorf("instantiate WASI: %w", err), r.Close())
	}
	if _, err := host.Instantiate(ctx, rt); err != nil {
		return nil, multierr.Append(err, r.Close())
	}
	return r, nil
}

// Run instantiates wasm, binds it to the host and calls entry. An entry
// returning an i32 has it reported as Result.Code. A WASI exit with status
// 0 counts as success.
func (r *Runner) Run(ctx context.Context, name string, wasm []byte, entry string) Result {
	start := time.Now()

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	compiled, err := r.getCompiled(ctx, name, wasm)
	if err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	var stdout, stderr bytes.Buffer
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(&stdout).
		WithStderr(&stderr).
		WithName("").
		WithStartFunctions()

	mod, err := r.runtime.InstantiateModule(ctx, compiled, moduleConfig)
	if err != nil {
		return Result{Error: fmt.Errorf("instantiate %s: %w", name, err), Duration: time.Since(start)}
	}
	defer mod.Close(context.Background())

	if _, err := r.host.Bind(mod); err != nil {
		return Result{Error: err, Duration: time.Since(start)}
	}

	result := Result{}
	fn := mod.ExportedFunction(entry)
	if fn == nil {
		result.Error = fmt.Errorf("%s exports no function %q", name, entry)
	} else {
		results, err := fn.Call(ctx)
		var exitErr *sys.ExitError
		switch {
		case errors.As(err, &exitErr) && exitErr.ExitCode() == 0:
		case err != nil && ctx.Err() == context.DeadlineExceeded:
			result.Error = fmt.Errorf("timeout after %v", r.timeout)
		case err != nil:
			result.Error = fmt.Errorf("execution failed: %w", err)
		case len(results) > 0:
			result.Code = ffierr.Code(int32(results[0]))
		}
	}

	if err := r.host.Unbind(context.Background(), mod); err != nil {
		result.Error = multierr.Append(result.Error, err)
	}

	result.Output = stdout.String() + stderr.String()
	result.Duration = time.Since(start)
	r.log.Debug("guest run finished",
		zap.String("module", name),
		zap.String("entry", entry),
		zap.Stringer("code", result.Code),
		zap.Duration("duration", result.Duration),
		zap.Error(result.Error))
	return result
}

func (r *Runner) getCompiled(ctx context.Context, name string, wasm []byte) (wazero.CompiledModule, error) {
	r.mu.RLock()
	if r.closed {
		r.mu.RUnlock()
		return nil, ffierr.Closed("wasm.run", "runner")
	}
	if compiled, ok := r.compiled[name]; ok {
		r.mu.RUnlock()
		return compiled, nil
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ffierr.Closed("wasm.run", "runner")
	}
	if compiled, ok := r.compiled[name]; ok {
		return compiled, nil
	}

	compiled, err := r.runtime.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}

	r.compiled[name] = compiled
	return compiled, nil
}

// Close releases the runtime and the compilation cache.
func (r *Runner) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	ctx := context.Background()
	err := r.runtime.Close(ctx)
	if r.cache != nil {
		err = multierr.Append(err, r.cache.Close(ctx))
	}
	return err
}
