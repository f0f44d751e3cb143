package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/polybridge/bridge"
	"github.com/caffeineduck/polybridge/internal/metrics"
	"go.uber.org/zap"
)

var (
	ErrStopped           = errors.New("supervisor stopped")
	ErrProcessTerminated = errors.New("process terminated")
	ErrStartupTimeout    = errors.New("startup timeout")
	ErrInstanceExited    = errors.New("process exited")
	ErrNotRunning        = errors.New("process not running")
)

type State int32

const (
	NotStarted State = iota
	Running
	Stopped
	Crashed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	case Crashed:
		return "crashed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// StartupError reports a child that was launched but never became ready.
type StartupError struct {
	Runtime string
	Err     error
	Stderr  string
}

func (e *StartupError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("start %s: %v: %s", e.Runtime, e.Err, e.Stderr)
	}
	return fmt.Sprintf("start %s: %v", e.Runtime, e.Err)
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// ExitError reports a process that exited while it was expected to run.
// It matches ErrInstanceExited with errors.Is.
type ExitError struct {
	Instance uint64
	Pid      int
	Err      error // nil on a clean exit
	Stderr   string
}

func (e *ExitError) Error() string {
	msg := fmt.Sprintf("process %d exited", e.Pid)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ExitError) Is(target error) bool {
	return target == ErrInstanceExited
}

func (e *ExitError) Unwrap() error {
	return e.Err
}

// Transition describes one supervisor state change.
type Transition struct {
	From     State
	To       State
	Instance uint64
	Pid      int
	Err      error
	// Restarting is set when a relaunch follows this transition.
	Restarting bool
}

// MonitorFunc receives transitions synchronously, outside the supervisor
// lock. It must not call Start or Stop.
type MonitorFunc func(Transition)

// Supervisor owns the lifecycle of the child runtime: launch, readiness,
// exit detection, restart policy and shutdown.
type Supervisor struct {
	launcher Launcher
	bridge   *bridge.Bridge
	cfg      config
	logger   *zap.Logger

	// opMu serializes Start, Stop and relaunches.
	opMu sync.Mutex

	mu         sync.Mutex
	state      State
	current    *Instance
	nextID     uint64
	restarts   int
	restarting bool
	stopped    bool // Stop was requested
	lastErr    error
	changed    chan struct{}
	monitors   []MonitorFunc
}

func New(launcher Launcher, b *bridge.Bridge, opts ...Option) *Supervisor {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Supervisor{
		launcher: launcher,
		bridge:   b,
		cfg:      cfg,
		logger:   cfg.logger.With(zap.String("runtime", launcher.Name())),
		changed:  make(chan struct{}),
		monitors: cfg.monitors,
	}
}

// OnTransition registers fn to receive every later state transition.
func (s *Supervisor) OnTransition(fn MonitorFunc) {
	s.mu.Lock()
	s.monitors = append(s.monitors, fn)
	s.mu.Unlock()
}

// Runtime names the launcher, e.g. "exec:python3".
func (s *Supervisor) Runtime() string {
	return s.launcher.Name()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error behind the most recent crash or failed
// launch.
func (s *Supervisor) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Restarts returns the number of automatic relaunches so far.
func (s *Supervisor) Restarts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts
}

// Current returns the running instance.
func (s *Supervisor) Current() (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Running || s.current == nil {
		return nil, ErrNotRunning
	}
	return s.current, nil
}

// Start launches the child and waits for it to become ready. It is a no-op
// while an instance is running.
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state == Running {
		s.mu.Unlock()
		return nil
	}
	s.stopped = false
	s.mu.Unlock()

	inst, err := s.launch(ctx, "start")
	if err != nil {
		s.mu.Lock()
		s.lastErr = err
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.current = inst
	s.lastErr = nil
	t := s.setState(Running, inst, nil, false)
	s.mu.Unlock()

	s.notify(t)
	go s.monitor(inst)
	return nil
}

// Stop shuts the child down and suppresses automatic restarts until the
// next Start. It is a no-op when nothing is running.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	inst := s.current
	s.current = nil
	s.stopped = true
	if inst == nil && s.state != Crashed {
		// Wake Next callers waiting on a restart that will not happen.
		s.broadcast()
		s.mu.Unlock()
		return nil
	}
	t := s.setState(Stopped, inst, nil, false)
	s.mu.Unlock()

	if inst != nil {
		inst.shutdown(ctx, s.cfg.gracePeriod)
		metrics.ProcessExits.WithLabelValues("stopped").Inc()
		s.logger.Info("process stopped", zap.Uint64("instance", inst.id), zap.Int("pid", inst.Pid()))
	}
	s.notify(t)
	return nil
}

// Next blocks until an instance newer than after is running. It fails with
// ErrStopped after Stop, or with an error matching ErrProcessTerminated
// when the child exited and no relaunch is coming.
func (s *Supervisor) Next(ctx context.Context, after uint64) (*Instance, error) {
	for {
		s.mu.Lock()
		switch {
		case s.state == Running && s.current != nil && s.current.id > after:
			inst := s.current
			s.mu.Unlock()
			return inst, nil
		case s.stopped:
			s.mu.Unlock()
			return nil, ErrStopped
		case s.restarting, s.state == Running:
			// Running with a stale instance: its exit is still being
			// processed by the monitor.
		case s.state == NotStarted:
			s.mu.Unlock()
			return nil, ErrNotRunning
		default:
			err := s.lastErr
			s.mu.Unlock()
			if err == nil {
				return nil, ErrProcessTerminated
			}
			return nil, fmt.Errorf("%w: %w", ErrProcessTerminated, err)
		}
		ch := s.changed
		s.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (s *Supervisor) launch(ctx context.Context, reason string) (*Instance, error) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	logger := s.logger.With(zap.Uint64("instance", id))
	conn := s.bridge.NewConn(nil).WithLogger(logger)
	stderr := newStderrTail(logger, s.cfg.stderrTail)

	proc, err := s.launcher.Launch(ctx, Stdio{Stdout: conn, Stderr: stderr})
	if err != nil {
		conn.Close()
		var launchErr *LaunchError
		if !errors.As(err, &launchErr) {
			err = &LaunchError{Runtime: s.launcher.Name(), Err: err}
		}
		logger.Error("launch failed", zap.Error(err))
		return nil, err
	}
	conn.Attach(proc.Stdin())
	metrics.ProcessLaunches.WithLabelValues(reason).Inc()

	inst := &Instance{
		id:     id,
		proc:   proc,
		conn:   conn,
		stderr: stderr,
		logger: logger.With(zap.Int("pid", proc.Pid())),
		exited: make(chan struct{}),
	}
	go inst.wait()

	timer := time.NewTimer(s.cfg.startupTimeout)
	defer timer.Stop()

	select {
	case <-conn.Ready():
		inst.logger.Info("process ready", zap.String("reason", reason))
		return inst, nil
	case <-inst.exited:
		conn.Close()
		err := inst.exitErr
		if err == nil {
			err = errors.New("exited before ready")
		}
		return nil, s.startupError(inst, err)
	case <-timer.C:
		err = ErrStartupTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	inst.kill()
	<-inst.exited
	conn.Close()
	return nil, s.startupError(inst, err)
}

func (s *Supervisor) startupError(inst *Instance, err error) error {
	serr := &StartupError{Runtime: s.launcher.Name(), Err: err, Stderr: inst.Stderr()}
	inst.logger.Error("startup failed", zap.Error(serr))
	return serr
}

// monitor waits for inst to exit and applies the restart policy.
func (s *Supervisor) monitor(inst *Instance) {
	<-inst.exited
	inst.conn.Close()

	s.mu.Lock()
	if s.current != inst {
		// Stopped or replaced; Stop accounts for the exit.
		s.mu.Unlock()
		return
	}
	s.current = nil

	clean := inst.exitErr == nil
	to, kind, reason := Crashed, "crash", "restart_failure"
	restart := s.cfg.restartOnFailure
	if clean {
		to, kind, reason = Stopped, "clean", "restart_completion"
		restart = s.cfg.restartOnCompletion
	}
	if restart && s.cfg.maxRestarts > 0 && s.restarts >= s.cfg.maxRestarts {
		s.logger.Warn("restart limit reached", zap.Int("max_restarts", s.cfg.maxRestarts))
		restart = false
	}

	exitErr := inst.exitError()
	s.lastErr = exitErr
	s.restarting = restart
	var terr error
	if !clean {
		terr = exitErr
	}
	t := s.setState(to, inst, terr, restart)
	s.mu.Unlock()

	metrics.ProcessExits.WithLabelValues(kind).Inc()
	if clean {
		inst.logger.Info("process exited", zap.Bool("restart", restart))
	} else {
		inst.logger.Error("process crashed", zap.Error(exitErr), zap.Bool("restart", restart))
	}
	s.notify(t)

	if restart {
		s.relaunch(to, reason)
	}
}

// relaunch starts a replacement after an exit event, unless Start or Stop
// changed the state in the meantime.
func (s *Supervisor) relaunch(from State, reason string) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.state != from || s.stopped {
		s.restarting = false
		s.broadcast()
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	inst, err := s.launch(context.Background(), reason)

	s.mu.Lock()
	s.restarting = false
	s.restarts++
	if err != nil {
		s.lastErr = err
		t := s.setState(Crashed, nil, err, false)
		s.mu.Unlock()
		s.notify(t)
		return
	}
	s.current = inst
	t := s.setState(Running, inst, nil, false)
	s.mu.Unlock()

	s.notify(t)
	go s.monitor(inst)
}

// setState must be called with mu held.
func (s *Supervisor) setState(to State, inst *Instance, err error, restarting bool) Transition {
	t := Transition{From: s.state, To: to, Err: err, Restarting: restarting}
	if inst != nil {
		t.Instance = inst.id
		t.Pid = inst.Pid()
	}
	s.state = to
	metrics.ProcessState.Set(float64(to))
	s.broadcast()
	return t
}

// broadcast wakes Next callers. Must be called with mu held.
func (s *Supervisor) broadcast() {
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *Supervisor) notify(t Transition) {
	s.mu.Lock()
	monitors := append([]MonitorFunc(nil), s.monitors...)
	s.mu.Unlock()

	for _, fn := range monitors {
		fn(t)
	}
}
