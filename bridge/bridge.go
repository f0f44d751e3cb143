package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/caffeineduck/polybridge/hostfunc"
	"github.com/caffeineduck/polybridge/internal/logger"
	"github.com/caffeineduck/polybridge/internal/metrics"
	"go.uber.org/zap"
)

// HostAPI is the slice of the host kernel the child may reach through the
// bridge.
type HostAPI interface {
	Display(ctx context.Context, kind, content string) error
}

// NopHost discards everything.
type NopHost struct{}

func (NopHost) Display(context.Context, string, string) error { return nil }

// Bridge is the single object the child side channel talks to. It owns the
// shared state and the callback registry for the whole interpreter
// lifetime, across process restarts.
type Bridge struct {
	state    *hostfunc.State
	registry *hostfunc.Registry
	host     HostAPI
	logger   *zap.Logger

	maxFrameSize int
}

// frameOverhead is the room left around a stored value in a call frame for
// the key, function name and JSON framing.
const frameOverhead = 64 << 10

type config struct {
	capacity     int
	maxKeySize   int
	maxValueSize int
	maxFrameSize int
	host         HostAPI
	http         hostfunc.HTTPConfig
	logger       *zap.Logger
}

type Option func(*config)

// WithCapacity sets the maximum number of entries in the shared state.
func WithCapacity(n int) Option {
	return func(c *config) {
		c.capacity = n
	}
}

func WithMaxKeySize(n int) Option {
	return func(c *config) {
		c.maxKeySize = n
	}
}

func WithMaxValueSize(n int) Option {
	return func(c *config) {
		c.maxValueSize = n
	}
}

// WithMaxFrameSize bounds how many bytes of an unterminated control frame
// are buffered before they are given up on and treated as output. The
// default is the maximum value size plus room for the rest of the call.
func WithMaxFrameSize(n int) Option {
	return func(c *config) {
		c.maxFrameSize = n
	}
}

// WithHost sets the host API reached by host_display.
func WithHost(h HostAPI) Option {
	return func(c *config) {
		c.host = h
	}
}

// WithHTTP exposes http_request to the child for the configured hosts.
func WithHTTP(cfg hostfunc.HTTPConfig) Option {
	return func(c *config) {
		c.http = cfg
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		c.logger = l
	}
}

func New(opts ...Option) *Bridge {
	cfg := config{
		capacity: hostfunc.DefaultMaxEntries,
		host:     NopHost{},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	b := &Bridge{
		state: hostfunc.NewState(
			hostfunc.WithMaxEntries(cfg.capacity),
			hostfunc.WithMaxKeySize(cfg.maxKeySize),
			hostfunc.WithMaxValueSize(cfg.maxValueSize),
		),
		registry: hostfunc.NewRegistry(),
		host:     cfg.host,
		logger:   logger.OrNop(cfg.logger).Named("bridge"),
	}
	if b.host == nil {
		b.host = NopHost{}
	}
	b.maxFrameSize = cfg.maxFrameSize
	if b.maxFrameSize <= 0 {
		valueSize := cfg.maxValueSize
		if valueSize <= 0 {
			valueSize = hostfunc.DefaultMaxValueSize
		}
		b.maxFrameSize = valueSize + frameOverhead
	}

	b.registerBuiltins(cfg)
	return b
}

func (b *Bridge) registerBuiltins(cfg config) {
	b.registry.Register("state_get", hostfunc.Typed(b.state.GetFunc))
	b.registry.Register("state_put", hostfunc.Typed(b.state.PutFunc))
	b.registry.Register("state_delete", hostfunc.Typed(b.state.DeleteFunc))
	b.registry.Register("state_keys", b.state.KeysFunc)

	b.registry.Register("host_display", hostfunc.Typed(func(ctx context.Context, req hostfunc.DisplayRequest) (any, error) {
		if req.Kind == "" {
			req.Kind = "text/plain"
		}
		return "ok", b.host.Display(ctx, req.Kind, req.Content)
	}))

	b.registry.Register("time_now", func(ctx context.Context, args map[string]any) (any, error) {
		return float64(time.Now().UnixNano()) / 1e9, nil
	})

	if len(cfg.http.AllowedHosts) > 0 {
		b.registry.Register("http_request", hostfunc.Typed(hostfunc.NewHTTP(cfg.http).Request))
	}
}

// Register exposes an additional host operation to the child.
func (b *Bridge) Register(name string, fn hostfunc.Func) {
	b.registry.Register(name, fn)
}

// Call dispatches a side-channel invocation by name.
func (b *Bridge) Call(ctx context.Context, fn string, args map[string]any) (any, error) {
	data, err := b.registry.Call(ctx, fn, args)

	label, outcome := fn, "ok"
	if err != nil {
		outcome = hostfunc.CodeOf(err)
		b.logger.Debug("callback failed", zap.String("fn", fn), zap.Error(err))
	}
	if errors.Is(err, hostfunc.ErrUnknownFunction) {
		label = "unknown"
	}
	metrics.CallbacksTotal.WithLabelValues(label, outcome).Inc()
	metrics.StateEntries.Set(float64(b.state.Len()))
	return data, err
}

// Host-side access to the shared state. These go through the same lock as
// the child's state_* calls.

func (b *Bridge) Put(key string, value any) error {
	err := b.state.Put(key, value)
	metrics.StateEntries.Set(float64(b.state.Len()))
	return err
}

func (b *Bridge) Get(key string) (any, error) {
	return b.state.Get(key)
}

func (b *Bridge) Delete(key string) bool {
	ok := b.state.Delete(key)
	metrics.StateEntries.Set(float64(b.state.Len()))
	return ok
}

func (b *Bridge) Keys() []string {
	return b.state.Keys()
}

func (b *Bridge) Len() int {
	return b.state.Len()
}

func (b *Bridge) Capacity() int {
	return b.state.Cap()
}

// Reset clears the shared state. Stopping the interpreter does not.
func (b *Bridge) Reset() {
	b.state.Clear()
	metrics.StateEntries.Set(0)
}

// Functions lists the operations the child can invoke.
func (b *Bridge) Functions() []string {
	return b.registry.List()
}
