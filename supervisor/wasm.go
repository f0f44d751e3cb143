package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
	"github.com/tetratelabs/wazero/sys"
)

// WasmLauncher runs a WASI build of the child runtime inside the host
// process with wazero. The module is compiled once and reused for every
// launch; each launch gets a fresh instance.
type WasmLauncher struct {
	name   string
	module []byte
	cfg    wasmConfig

	mu       sync.Mutex
	runtime  wazero.Runtime
	cache    wazero.CompilationCache
	compiled wazero.CompiledModule
	closed   bool
}

type wasmConfig struct {
	args             []string
	env              map[string]string
	diskCache        bool
	cacheDir         string
	memoryLimitPages uint32 // 0 = wazero default (4GB)
}

type WasmOption func(*wasmConfig)

// WithWasmArgs sets argv for the module. argv[0] defaults to the launcher
// name.
func WithWasmArgs(args ...string) WasmOption {
	return func(c *wasmConfig) {
		c.args = args
	}
}

func WithWasmEnv(key, value string) WasmOption {
	return func(c *wasmConfig) {
		c.env[key] = value
	}
}

// WithDiskCache enables a persistent compilation cache. Without a dir it
// uses XDG_CACHE_HOME/polybridge or ~/.cache/polybridge.
func WithDiskCache(dir ...string) WasmOption {
	return func(c *wasmConfig) {
		c.diskCache = true
		if len(dir) > 0 && dir[0] != "" {
			c.cacheDir = dir[0]
		}
	}
}

// WithMemoryLimit caps module memory in 64KB pages.
func WithMemoryLimit(pages uint32) WasmOption {
	return func(c *wasmConfig) {
		c.memoryLimitPages = pages
	}
}

func NewWasmLauncher(name string, module []byte, opts ...WasmOption) *WasmLauncher {
	cfg := wasmConfig{env: make(map[string]string)}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &WasmLauncher{name: name, module: module, cfg: cfg}
}

// LoadWasmLauncher reads the module from path.
func LoadWasmLauncher(path string, opts ...WasmOption) (*WasmLauncher, error) {
	module, err := os.ReadFile(path)
	if err != nil {
		return nil, &LaunchError{Runtime: "wasm:" + filepath.Base(path), Err: err}
	}
	name := filepath.Base(path)
	return NewWasmLauncher(name[:len(name)-len(filepath.Ext(name))], module, opts...), nil
}

func (l *WasmLauncher) Name() string {
	return "wasm:" + l.name
}

func (l *WasmLauncher) Launch(ctx context.Context, stdio Stdio) (Process, error) {
	compiled, rt, err := l.getCompiled(ctx)
	if err != nil {
		return nil, &LaunchError{Runtime: l.Name(), Err: err}
	}

	args := l.cfg.args
	if len(args) == 0 {
		args = []string{l.name}
	}

	stdinReader, stdinWriter := io.Pipe()
	moduleConfig := wazero.NewModuleConfig().
		WithStdout(stdio.Stdout).
		WithStderr(stdio.Stderr).
		WithStdin(stdinReader).
		WithArgs(args...).
		WithName("")
	for k, v := range l.cfg.env {
		moduleConfig = moduleConfig.WithEnv(k, v)
	}

	// Cancelling runCtx closes the module; the runtime is configured with
	// WithCloseOnContextDone.
	runCtx, cancel := context.WithCancel(context.Background())
	p := &wasmProcess{
		stdin:  stdinWriter,
		reader: stdinReader,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go func() {
		defer close(p.done)
		mod, err := rt.InstantiateModule(runCtx, compiled, moduleConfig)
		if mod != nil {
			mod.Close(context.Background())
		}
		// Unblock writers once nothing reads stdin anymore.
		stdinReader.CloseWithError(io.ErrClosedPipe)
		p.err = classifyWasmExit(err)
	}()

	return p, nil
}

func classifyWasmExit(err error) error {
	if err == nil {
		return nil
	}
	var exitErr *sys.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 0 {
		return nil
	}
	return err
}

func (l *WasmLauncher) getCompiled(ctx context.Context) (wazero.CompiledModule, wazero.Runtime, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil, nil, errors.New("launcher closed")
	}
	if l.compiled != nil {
		return l.compiled, l.runtime, nil
	}

	if l.runtime == nil {
		rtConfig := wazero.NewRuntimeConfig().WithCloseOnContextDone(true)
		if l.cfg.diskCache {
			dir := l.cfg.cacheDir
			if dir == "" {
				dir = defaultCacheDir()
			}
			cache, err := wazero.NewCompilationCacheWithDir(dir)
			if err != nil {
				return nil, nil, fmt.Errorf("create disk cache: %w", err)
			}
			l.cache = cache
			rtConfig = rtConfig.WithCompilationCache(cache)
		}
		if l.cfg.memoryLimitPages > 0 {
			rtConfig = rtConfig.WithMemoryLimitPages(l.cfg.memoryLimitPages)
		}

		rt := wazero.NewRuntimeWithConfig(ctx, rtConfig)
		if _, err := wasi_snapshot_preview1.Instantiate(ctx, rt); err != nil {
			rt.Close(ctx)
			return nil, nil, fmt.Errorf("instantiate WASI: %w", err)
		}
		l.runtime = rt
	}

	compiled, err := l.runtime.CompileModule(ctx, l.module)
	if err != nil {
		return nil, nil, fmt.Errorf("compile %s: %w", l.name, err)
	}
	l.compiled = compiled
	return compiled, l.runtime, nil
}

// Close releases the wazero runtime and compilation cache.
func (l *WasmLauncher) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	ctx := context.Background()
	var errs []error
	if l.runtime != nil {
		errs = append(errs, l.runtime.Close(ctx))
	}
	if l.cache != nil {
		errs = append(errs, l.cache.Close(ctx))
	}
	return errors.Join(errs...)
}

func defaultCacheDir() string {
	if dir := os.Getenv("XDG_CACHE_HOME"); dir != "" {
		return filepath.Join(dir, "polybridge")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", "polybridge")
	}
	return filepath.Join(os.TempDir(), "polybridge-cache")
}

type wasmProcess struct {
	stdin  *io.PipeWriter
	reader *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (p *wasmProcess) Pid() int {
	return 0
}

func (p *wasmProcess) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *wasmProcess) Wait() error {
	<-p.done
	p.cancel()
	return p.err
}

// Kill closes the module. A guest blocked reading stdin is released by
// closing the pipe, since context cancellation only interrupts guest code.
func (p *wasmProcess) Kill() error {
	p.cancel()
	p.reader.CloseWithError(errKilled)
	return nil
}

var errKilled = errors.New("killed")
