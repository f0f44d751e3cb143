package supervisor

import (
	"time"

	"go.uber.org/zap"
)

type config struct {
	restartOnFailure    bool
	restartOnCompletion bool
	startupTimeout      time.Duration
	gracePeriod         time.Duration
	maxRestarts         int // 0 = unlimited
	stderrTail          int
	logger              *zap.Logger
	monitors            []MonitorFunc
}

func defaultConfig() config {
	return config{
		restartOnFailure:    true,
		restartOnCompletion: true,
		startupTimeout:      30 * time.Second,
		gracePeriod:         5 * time.Second,
		stderrTail:          4096,
		logger:              zap.NewNop(),
	}
}

type Option func(*config)

// WithRestartOnFailure relaunches the child after it crashes.
func WithRestartOnFailure(enabled bool) Option {
	return func(c *config) {
		c.restartOnFailure = enabled
	}
}

// WithRestartOnCompletion relaunches the child after it exits cleanly
// without being asked to.
func WithRestartOnCompletion(enabled bool) Option {
	return func(c *config) {
		c.restartOnCompletion = enabled
	}
}

// WithStartupTimeout bounds the wait for the child's ready frame.
func WithStartupTimeout(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.startupTimeout = d
		}
	}
}

// WithGracePeriod is how long Stop waits for the child to exit on its own
// before killing it.
func WithGracePeriod(d time.Duration) Option {
	return func(c *config) {
		if d >= 0 {
			c.gracePeriod = d
		}
	}
}

// WithMaxRestarts caps automatic relaunches over the supervisor's
// lifetime. Zero means unlimited.
func WithMaxRestarts(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxRestarts = n
		}
	}
}

// WithStderrTail sets how many trailing bytes of the child's stderr are
// kept for exit reports.
func WithStderrTail(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.stderrTail = n
		}
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(c *config) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMonitor registers fn to receive every state transition.
func WithMonitor(fn MonitorFunc) Option {
	return func(c *config) {
		c.monitors = append(c.monitors, fn)
	}
}
