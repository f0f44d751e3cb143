package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caffeineduck/polybridge/bridge"
	"github.com/caffeineduck/polybridge/hostfunc"
	"github.com/caffeineduck/polybridge/internal/config"
	"github.com/caffeineduck/polybridge/internal/logger"
	"github.com/caffeineduck/polybridge/interpreter"
	"github.com/caffeineduck/polybridge/submission"
	"github.com/caffeineduck/polybridge/supervisor"
	"go.uber.org/zap"
)

// stack is one fully wired interpreter: bridge, supervisor, submission
// queue and facade.
type stack struct {
	bridge      *bridge.Bridge
	supervisor  *supervisor.Supervisor
	service     *submission.Service
	interpreter *interpreter.Interpreter
	logger      *zap.Logger
	closeFn     func() error
}

func newStack(cfg config.Config, host bridge.HostAPI) (*stack, error) {
	log, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, err
	}
	if host == nil {
		host = logHost{logger: log.Named("display")}
	}

	bridgeOpts := []bridge.Option{
		bridge.WithCapacity(cfg.Bridge.Capacity),
		bridge.WithMaxKeySize(cfg.Bridge.MaxKeySize),
		bridge.WithMaxValueSize(cfg.Bridge.MaxValueSize),
		bridge.WithHost(host),
		bridge.WithLogger(log),
	}
	if len(cfg.Bridge.AllowedHosts) > 0 {
		bridgeOpts = append(bridgeOpts, bridge.WithHTTP(hostfunc.HTTPConfig{
			AllowedHosts:   cfg.Bridge.AllowedHosts,
			RequestTimeout: cfg.Bridge.HTTPTimeout,
		}))
	}
	b := bridge.New(bridgeOpts...)

	launcher, closeFn, err := newLauncher(cfg.Runtime)
	if err != nil {
		return nil, err
	}

	sup := supervisor.New(launcher, b,
		supervisor.WithRestartOnFailure(*cfg.Supervisor.RestartOnFailure),
		supervisor.WithRestartOnCompletion(*cfg.Supervisor.RestartOnCompletion),
		supervisor.WithStartupTimeout(cfg.Supervisor.StartupTimeout),
		supervisor.WithGracePeriod(cfg.Supervisor.GracePeriod),
		supervisor.WithMaxRestarts(cfg.Supervisor.MaxRestarts),
		supervisor.WithLogger(log),
	)
	svc := submission.New(sup,
		submission.WithQueueCapacity(cfg.Submission.QueueCapacity),
		submission.WithRetryLimit(*cfg.Submission.RetryLimit),
		submission.WithLogger(log),
	)
	interp := interpreter.New(svc,
		interpreter.WithTimeout(cfg.Interpreter.Timeout),
		interpreter.WithLogger(log),
	)

	return &stack{
		bridge:      b,
		supervisor:  sup,
		service:     svc,
		interpreter: interp,
		logger:      log,
		closeFn:     closeFn,
	}, nil
}

// Close stops the child and releases the runtime.
func (s *stack) Close(ctx context.Context) error {
	_, err := s.interpreter.Stop(ctx)
	if s.closeFn != nil {
		if cerr := s.closeFn(); err == nil {
			err = cerr
		}
	}
	_ = s.logger.Sync()
	return err
}

// newLauncher picks the child runtime. The default command re-executes
// this binary with the child subcommand.
func newLauncher(cfg config.RuntimeConfig) (supervisor.Launcher, func() error, error) {
	if cfg.Wasm != "" {
		var opts []supervisor.WasmOption
		if cfg.WasmCacheDir != "" {
			opts = append(opts, supervisor.WithDiskCache(cfg.WasmCacheDir))
		}
		if cfg.WasmMemoryPages > 0 {
			opts = append(opts, supervisor.WithMemoryLimit(cfg.WasmMemoryPages))
		}
		for _, kv := range cfg.Env {
			key, value, _ := strings.Cut(kv, "=")
			opts = append(opts, supervisor.WithWasmEnv(key, value))
		}
		l, err := supervisor.LoadWasmLauncher(cfg.Wasm, opts...)
		if err != nil {
			return nil, nil, err
		}
		return l, l.Close, nil
	}

	var l *supervisor.ExecLauncher
	if cfg.Command == config.DefaultCommand {
		self, err := os.Executable()
		if err != nil {
			return nil, nil, fmt.Errorf("locate built-in child: %w", err)
		}
		l = &supervisor.ExecLauncher{Path: self, Args: []string{"child"}, Env: cfg.Env}
	} else {
		var err error
		if l, err = supervisor.NewExecLauncher(cfg.Command, cfg.Env...); err != nil {
			return nil, nil, err
		}
	}
	l.Dir = cfg.Dir
	l.WaitDelay = 2 * time.Second
	return l, nil, nil
}

// consoleHost prints display requests from the child.
type consoleHost struct {
	w io.Writer
}

func (h consoleHost) Display(_ context.Context, kind, content string) error {
	_, err := fmt.Fprintf(h.w, "[%s] %s\n", kind, content)
	return err
}

// logHost records display requests when there is no terminal to print to.
type logHost struct {
	logger *zap.Logger
}

func (h logHost) Display(_ context.Context, kind, content string) error {
	h.logger.Info("display", zap.String("kind", kind), zap.String("content", content))
	return nil
}
