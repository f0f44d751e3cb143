package submission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/polybridge/internal/metrics"
	"github.com/caffeineduck/polybridge/result"
	"github.com/caffeineduck/polybridge/supervisor"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var (
	ErrQueueFull          = errors.New("submission queue full")
	ErrInterpreterStopped = errors.New("interpreter stopped")

	// ErrProcessTerminated is the supervisor's error: the child exited and
	// no replacement is coming.
	ErrProcessTerminated = supervisor.ErrProcessTerminated
)

// StartupError reports a child that could not be brought up, whether it
// failed to launch or never became ready.
type StartupError struct {
	Err error
}

func (e *StartupError) Error() string {
	return "interpreter startup failed: " + e.Err.Error()
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

type config struct {
	queueCapacity int
	retryLimit    int
	logger        *zap.Logger
}

type Option func(*config)

// WithQueueCapacity bounds the number of pending submissions, including
// the one in flight.
func WithQueueCapacity(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.queueCapacity = n
		}
	}
}

// WithRetryLimit sets how many times a submission is resent after the
// process dies under it and is relaunched.
func WithRetryLimit(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.retryLimit = n
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

// Service queues submissions and feeds them to the supervised child one at
// a time, in order.
type Service struct {
	sup    *supervisor.Supervisor
	cfg    config
	logger *zap.Logger

	mu       sync.Mutex
	queue    []*Future
	running  bool
	stopping bool
	terminal error
	wake     chan struct{}
	cancel   context.CancelFunc
	done     chan struct{}
}

func New(sup *supervisor.Supervisor, opts ...Option) *Service {
	cfg := config{
		queueCapacity: 128,
		retryLimit:    1,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	s := &Service{
		sup:    sup,
		cfg:    cfg,
		logger: cfg.logger.Named("submission"),
		wake:   make(chan struct{}, 1),
	}
	sup.OnTransition(s.onTransition)
	return s
}

// onTransition records a crash with no relaunch coming as the terminal
// state, so later submissions fail fast until Stop.
func (s *Service) onTransition(t supervisor.Transition) {
	if t.To != supervisor.Crashed || t.Restarting {
		return
	}
	err := t.Err
	if err == nil {
		err = errors.New("process crashed")
	}
	s.setTerminal(fmt.Errorf("%w: %w", ErrProcessTerminated, err))
}

func (s *Service) setTerminal(err error) {
	s.mu.Lock()
	if s.stopping || s.terminal != nil {
		s.mu.Unlock()
		return
	}
	s.terminal = err
	s.mu.Unlock()
	s.signal()

	s.logger.Error("interpreter entered terminal state", zap.Error(err))
}

// Start launches the child and the dispatcher. It is a no-op while
// running and fails after a crash until Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return ErrInterpreterStopped
	}
	if s.terminal != nil {
		err := s.terminal
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if err := s.sup.Start(ctx); err != nil {
		return &StartupError{Err: err}
	}

	s.mu.Lock()
	s.startDispatcherLocked()
	s.mu.Unlock()
	return nil
}

// Submit queues code and returns its future without blocking. The child
// is started on demand by the dispatcher.
func (s *Service) Submit(code string, silent bool) (*Future, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return nil, ErrInterpreterStopped
	}
	if s.terminal != nil {
		return nil, s.terminal
	}
	if len(s.queue) >= s.cfg.queueCapacity {
		metrics.QueueRejections.Inc()
		return nil, fmt.Errorf("%w: %d pending", ErrQueueFull, len(s.queue))
	}

	f := newFuture(Submission{
		ID:        uuid.New(),
		Code:      code,
		Silent:    silent,
		CreatedAt: time.Now(),
	})
	s.queue = append(s.queue, f)
	metrics.QueueDepth.Set(float64(len(s.queue)))

	s.startDispatcherLocked()
	s.signal()
	return f, nil
}

// Stop fails every pending submission with ErrInterpreterStopped and
// shuts the child down. It clears the terminal state.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	s.mu.Unlock()

	s.failAll(ErrInterpreterStopped)

	// Stopping the supervisor first makes an in-flight submission see
	// ErrStopped rather than a crash.
	err := s.sup.Stop(ctx)

	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.running = false
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	s.mu.Lock()
	s.stopping = false
	s.terminal = nil
	s.mu.Unlock()

	s.logger.Info("interpreter stopped")
	return err
}

// IsRunning reports whether the child is up.
func (s *Service) IsRunning() bool {
	return s.sup.State() == supervisor.Running
}

// Pending returns the number of unresolved submissions.
func (s *Service) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// startDispatcherLocked must be called with mu held.
func (s *Service) startDispatcherLocked() {
	if s.running {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.running = true
	go s.dispatch(ctx, s.done)
}

func (s *Service) dispatch(ctx context.Context, done chan struct{}) {
	defer close(done)

	for {
		s.mu.Lock()
		var f *Future
		if len(s.queue) > 0 {
			f = s.queue[0]
		}
		s.mu.Unlock()

		if f == nil {
			select {
			case <-s.wake:
				continue
			case <-ctx.Done():
				return
			}
		}

		out, fatal, err := s.process(ctx, f)
		if ctx.Err() != nil {
			// Stop owns whatever is still queued.
			return
		}
		if fatal {
			// The transition hook may not have run yet.
			if errors.Is(err, ErrProcessTerminated) && s.sup.State() == supervisor.Crashed {
				s.setTerminal(err)
			}
			s.failAll(err)
			continue
		}
		s.complete(f, out, err)
	}
}

// process runs f to completion. fatal reports an error that no later
// submission could escape either, such as a dead child.
func (s *Service) process(ctx context.Context, f *Future) (result.RawOutput, bool, error) {
	id := f.sub.ID.String()
	logger := s.logger.With(zap.String("submission", id))

	var after uint64
	for attempt := 0; ; attempt++ {
		inst, err := s.acquire(ctx, after)
		if err != nil {
			return result.RawOutput{}, true, err
		}

		out, err := inst.Exec(ctx, id, f.sub.Code, f.sub.Silent)
		if err == nil {
			return out, false, nil
		}
		if !errors.Is(err, supervisor.ErrInstanceExited) || ctx.Err() != nil {
			return result.RawOutput{}, false, err
		}
		if attempt >= s.cfg.retryLimit {
			logger.Warn("giving up after process exits", zap.Int("attempts", attempt+1), zap.Error(err))
			return result.RawOutput{}, false, fmt.Errorf("%w: %w", ErrProcessTerminated, err)
		}

		logger.Info("process exited mid-submission, retrying on next instance", zap.Error(err))
		after = inst.ID()
	}
}

// acquire returns a running instance newer than after, starting the child
// when nothing has run it yet.
func (s *Service) acquire(ctx context.Context, after uint64) (*supervisor.Instance, error) {
	if inst, err := s.sup.Current(); err == nil && inst.ID() > after {
		return inst, nil
	}

	inst, err := s.sup.Next(ctx, after)
	if err == nil {
		return inst, nil
	}

	startable := errors.Is(err, supervisor.ErrNotRunning) ||
		errors.Is(err, supervisor.ErrStopped) ||
		(errors.Is(err, ErrProcessTerminated) && s.sup.State() == supervisor.Stopped)
	switch {
	case after == 0 && startable:
		return s.startOnDemand(ctx)
	case errors.Is(err, supervisor.ErrStopped):
		return nil, ErrInterpreterStopped
	default:
		return nil, err
	}
}

// startOnDemand launches the child for the dispatcher. Stop can begin at
// any point; a child launched after that is shut down again, since Stop
// keeps stopping set until the dispatcher has returned.
func (s *Service) startOnDemand(ctx context.Context) (*supervisor.Instance, error) {
	if s.isStopping() || ctx.Err() != nil {
		return nil, ErrInterpreterStopped
	}

	s.logger.Info("starting interpreter on demand")
	if err := s.sup.Start(ctx); err != nil {
		return nil, &StartupError{Err: err}
	}
	if s.isStopping() {
		s.logger.Info("stop requested during on-demand start")
		if err := s.sup.Stop(context.Background()); err != nil {
			s.logger.Warn("stopping late launch", zap.Error(err))
		}
		return nil, ErrInterpreterStopped
	}
	return s.sup.Current()
}

func (s *Service) isStopping() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopping
}

func (s *Service) complete(f *Future, out result.RawOutput, err error) {
	s.mu.Lock()
	if len(s.queue) > 0 && s.queue[0] == f {
		s.queue = s.queue[1:]
	}
	metrics.QueueDepth.Set(float64(len(s.queue)))
	s.mu.Unlock()

	s.resolve(f, out, err)
}

func (s *Service) failAll(err error) {
	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	metrics.QueueDepth.Set(0)
	s.mu.Unlock()

	if len(pending) > 0 {
		s.logger.Warn("failing pending submissions", zap.Int("count", len(pending)), zap.Error(err))
	}
	for _, f := range pending {
		s.resolve(f, result.RawOutput{}, err)
	}
}

func (s *Service) resolve(f *Future, out result.RawOutput, err error) {
	if !f.resolve(out, err) {
		return
	}

	outcome := "failed"
	if err == nil {
		outcome = out.Status.String()
	}
	metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	metrics.SubmissionDuration.Observe(time.Since(f.sub.CreatedAt).Seconds())
}
