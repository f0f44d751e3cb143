// Package interpreter adapts the submission service to the host kernel's
// interpreter contract.
package interpreter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/caffeineduck/polybridge/result"
	"github.com/caffeineduck/polybridge/submission"
	"go.uber.org/zap"
)

var (
	ErrUnsupported = errors.New("operation not supported by this interpreter")
	ErrTimeout     = errors.New("interpret timed out")
)

// Capability names an optional part of the interpreter contract.
type Capability string

const (
	CapInterpret     Capability = "interpret"
	CapLifecycle     Capability = "lifecycle"
	CapCompletion    Capability = "completion"
	CapIntrospection Capability = "introspection"
	CapBind          Capability = "bind"
	CapClassPath     Capability = "classpath"
	CapInterrupt     Capability = "interrupt"
	CapOutput        Capability = "output"
)

var supported = []Capability{CapInterpret, CapLifecycle}

type config struct {
	timeout     time.Duration
	hostContext any
	logger      *zap.Logger
}

type Option func(*config)

// WithTimeout bounds how long Interpret waits for a result. The submission
// itself is not withdrawn when the wait gives up. The default is to wait
// until the result arrives.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithHostContext attaches an opaque value owned by the host kernel, such
// as its class loader, returned unchanged by HostContext.
func WithHostContext(v any) Option {
	return func(c *config) {
		c.hostContext = v
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

type Interpreter struct {
	svc    *submission.Service
	cfg    config
	logger *zap.Logger
}

func New(svc *submission.Service, opts ...Option) *Interpreter {
	cfg := config{logger: zap.NewNop()}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Interpreter{svc: svc, cfg: cfg, logger: cfg.logger.Named("interpreter")}
}

// Interpret runs code and blocks until its result is available. Failures
// of the bridge itself, such as a stopped interpreter or a dead child, are
// returned as the error and also folded into an Error result.
func (i *Interpreter) Interpret(ctx context.Context, code string, silent bool) (result.Normalized, error) {
	f, err := i.svc.Submit(code, silent)
	if err != nil {
		return result.Fail(err), err
	}

	waitCtx := ctx
	if i.cfg.timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, i.cfg.timeout)
		defer cancel()
	}

	raw, err := f.Wait(waitCtx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			i.logger.Warn("interpret timed out", zap.String("submission", f.Submission().ID.String()), zap.Duration("timeout", i.cfg.timeout))
			err = fmt.Errorf("%w after %s", ErrTimeout, i.cfg.timeout)
		}
		return result.Fail(err), err
	}
	return result.Transform(raw), nil
}

// Start brings the child up ahead of the first submission.
func (i *Interpreter) Start(ctx context.Context) (*Interpreter, error) {
	return i, i.svc.Start(ctx)
}

// Stop fails pending submissions and shuts the child down.
func (i *Interpreter) Stop(ctx context.Context) (*Interpreter, error) {
	return i, i.svc.Stop(ctx)
}

func (i *Interpreter) IsRunning() bool {
	return i.svc.IsRunning()
}

// HostContext returns the value given to WithHostContext.
func (i *Interpreter) HostContext() any {
	return i.cfg.hostContext
}

// Completion offers no suggestions.
func (i *Interpreter) Completion(code string, pos int) (int, []string) {
	return pos, nil
}

// Read reports every variable as not found.
func (i *Interpreter) Read(name string) (any, bool) {
	return nil, false
}

// LastExecutionVariableName reports that no result variable exists.
func (i *Interpreter) LastExecutionVariableName() (string, bool) {
	return "", false
}

func (i *Interpreter) Bind(name string, value any) error {
	return unsupported("bind")
}

func (i *Interpreter) AddClassPath(paths ...string) error {
	return unsupported("classpath")
}

func (i *Interpreter) Interrupt() error {
	return unsupported("interrupt")
}

func (i *Interpreter) SetOutput(w io.Writer) error {
	return unsupported("output rebinding")
}

func (i *Interpreter) Quietly(fn func() error) error {
	return unsupported("quiet execution")
}

func unsupported(op string) error {
	return fmt.Errorf("%s: %w", op, ErrUnsupported)
}

func (i *Interpreter) Supports(c Capability) bool {
	for _, s := range supported {
		if s == c {
			return true
		}
	}
	return false
}

func (i *Interpreter) Capabilities() []Capability {
	return append([]Capability(nil), supported...)
}
