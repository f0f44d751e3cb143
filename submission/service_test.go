package submission

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/caffeineduck/polybridge/bridge"
	"github.com/caffeineduck/polybridge/internal/testchild"
	"github.com/caffeineduck/polybridge/result"
	"github.com/caffeineduck/polybridge/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

func TestMain(m *testing.M) {
	testchild.Main()
	os.Exit(m.Run())
}

type stack struct {
	bridge  *bridge.Bridge
	sup     *supervisor.Supervisor
	service *Service
}

func newStack(t *testing.T, mode string, supOpts []supervisor.Option, opts ...Option) *stack {
	t.Helper()

	path, args, env := testchild.Command(mode)
	launcher := &supervisor.ExecLauncher{Path: path, Args: args, Env: env, WaitDelay: time.Second}
	return newStackWith(t, launcher, supOpts, opts...)
}

func newStackWith(t *testing.T, launcher supervisor.Launcher, supOpts []supervisor.Option, opts ...Option) *stack {
	t.Helper()

	b := bridge.New(bridge.WithCapacity(3))
	sup := supervisor.New(
		launcher,
		b,
		append([]supervisor.Option{supervisor.WithGracePeriod(500 * time.Millisecond)}, supOpts...)...,
	)
	svc := New(sup, opts...)
	t.Cleanup(func() {
		svc.Stop(context.Background())
	})
	return &stack{bridge: b, sup: sup, service: svc}
}

func submit(t *testing.T, s *Service, code string) *Future {
	t.Helper()
	f, err := s.Submit(code, false)
	if err != nil {
		t.Fatalf("Submit(%q): %v", code, err)
	}
	return f
}

func wait(t *testing.T, f *Future) (result.RawOutput, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	out, err := f.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("submission %q never resolved", f.Submission().Code)
	}
	return out, err
}

func TestSubmitStartsImplicitly(t *testing.T) {
	st := newStack(t, "", nil)

	if st.service.IsRunning() {
		t.Fatal("running before first submission")
	}
	out, err := wait(t, submit(t, st.service, "1+1"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != result.Success || out.Text != "2" {
		t.Errorf("result = %+v, want Success 2", out)
	}
	if !st.service.IsRunning() {
		t.Error("not running after submission")
	}
	if n := st.service.Pending(); n != 0 {
		t.Errorf("Pending = %d, want 0", n)
	}
}

func TestSubmissionsResolveInOrder(t *testing.T) {
	st := newStack(t, "", nil)

	futures := make([]*Future, 20)
	for i := range futures {
		futures[i] = submit(t, st.service, fmt.Sprintf("echo %d", i))
	}

	for i, f := range futures {
		out, err := wait(t, f)
		if err != nil {
			t.Fatalf("submission %d: %v", i, err)
		}
		if want := fmt.Sprintf("%d", i); out.Text != want {
			t.Errorf("submission %d output = %q, want %q", i, out.Text, want)
		}
	}

	// A later submission never resolves before an earlier one.
	for i := 1; i < len(futures); i++ {
		select {
		case <-futures[i-1].Done():
		default:
			t.Errorf("submission %d resolved before %d", i, i-1)
		}
	}
}

func TestSubmissionIDsUnique(t *testing.T) {
	st := newStack(t, "", nil)

	seen := make(map[string]bool)
	for range 10 {
		f := submit(t, st.service, "1")
		id := f.Submission().ID.String()
		if seen[id] {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = true
		if f.Submission().CreatedAt.IsZero() {
			t.Error("CreatedAt not set")
		}
	}
}

func TestQueueFull(t *testing.T) {
	st := newStack(t, "", nil, WithQueueCapacity(2))

	first := submit(t, st.service, "sleep 300")
	submit(t, st.service, "sleep 300")
	if _, err := st.service.Submit("1+1", false); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third Submit = %v, want ErrQueueFull", err)
	}

	// Backpressure lifts once the queue drains.
	if _, err := wait(t, first); err != nil {
		t.Fatal(err)
	}
	if _, err := st.service.Submit("1+1", false); err != nil {
		t.Errorf("Submit after drain = %v", err)
	}
}

func TestStopFailsPending(t *testing.T) {
	st := newStack(t, "", nil)

	if _, err := wait(t, submit(t, st.service, "1")); err != nil {
		t.Fatal(err)
	}
	inflight := submit(t, st.service, "sleep 5000")
	queued := submit(t, st.service, "echo never")
	time.Sleep(100 * time.Millisecond)

	if err := st.service.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	for _, f := range []*Future{inflight, queued} {
		if _, err := wait(t, f); !errors.Is(err, ErrInterpreterStopped) {
			t.Errorf("%q = %v, want ErrInterpreterStopped", f.Submission().Code, err)
		}
	}
	if st.service.IsRunning() {
		t.Error("running after Stop")
	}
	if err := st.service.Stop(context.Background()); err != nil {
		t.Errorf("second Stop = %v", err)
	}

	// The next submission brings the child back.
	out, err := wait(t, submit(t, st.service, "2*21"))
	if err != nil || out.Text != "42" {
		t.Errorf("after restart = %+v, %v", out, err)
	}
}

func TestRetryAfterCrash(t *testing.T) {
	st := newStack(t, "", nil)

	crashing := submit(t, st.service, "crash-once")
	next := submit(t, st.service, "echo after")

	out, err := wait(t, crashing)
	if err != nil {
		t.Fatalf("crash-once: %v", err)
	}
	if out.Text != "recovered" {
		t.Errorf("crash-once output = %q, want retried on new process", out.Text)
	}
	if out, err := wait(t, next); err != nil || out.Text != "after" {
		t.Errorf("next = %+v, %v", out, err)
	}
	if st.sup.Restarts() != 1 {
		t.Errorf("Restarts = %d, want 1", st.sup.Restarts())
	}
}

func TestRetryLimit(t *testing.T) {
	st := newStack(t, "", nil, WithRetryLimit(1))

	crashing := submit(t, st.service, "crash")
	next := submit(t, st.service, "echo still here")

	if _, err := wait(t, crashing); !errors.Is(err, ErrProcessTerminated) {
		t.Fatalf("crash = %v, want ErrProcessTerminated", err)
	}
	if out, err := wait(t, next); err != nil || out.Text != "still here" {
		t.Errorf("next = %+v, %v", out, err)
	}
}

func TestCrashWithoutRestartIsTerminal(t *testing.T) {
	st := newStack(t, "", []supervisor.Option{supervisor.WithRestartOnFailure(false)})

	crashing := submit(t, st.service, "crash")
	queued := submit(t, st.service, "echo never")

	for _, f := range []*Future{crashing, queued} {
		if _, err := wait(t, f); !errors.Is(err, ErrProcessTerminated) {
			t.Errorf("%q = %v, want ErrProcessTerminated", f.Submission().Code, err)
		}
	}

	if _, err := st.service.Submit("1+1", false); !errors.Is(err, ErrProcessTerminated) {
		t.Errorf("Submit in terminal state = %v, want ErrProcessTerminated", err)
	}
	if err := st.service.Start(context.Background()); !errors.Is(err, ErrProcessTerminated) {
		t.Errorf("Start in terminal state = %v, want ErrProcessTerminated", err)
	}

	if err := st.service.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := st.service.Start(context.Background()); err != nil {
		t.Fatalf("Start after Stop: %v", err)
	}
	if out, err := wait(t, submit(t, st.service, "1+1")); err != nil || out.Text != "2" {
		t.Errorf("after Stop/Start = %+v, %v", out, err)
	}
}

func TestCleanExitWithoutRestart(t *testing.T) {
	st := newStack(t, "", []supervisor.Option{supervisor.WithRestartOnCompletion(false)})

	if _, err := wait(t, submit(t, st.service, "exit")); !errors.Is(err, ErrProcessTerminated) {
		t.Fatalf("exit = %v, want ErrProcessTerminated", err)
	}

	// A clean exit is not terminal: the next submission relaunches.
	out, err := wait(t, submit(t, st.service, "1+1"))
	if err != nil || out.Text != "2" {
		t.Errorf("after exit = %+v, %v", out, err)
	}
}

// launchOnce starts the child the first time and fails every launch after.
type launchOnce struct {
	supervisor.Launcher
	launches atomic.Int32
}

func (l *launchOnce) Launch(ctx context.Context, stdio supervisor.Stdio) (supervisor.Process, error) {
	if l.launches.Add(1) > 1 {
		return nil, errors.New("no binary")
	}
	return l.Launcher.Launch(ctx, stdio)
}

func TestRelaunchFailureIsTerminal(t *testing.T) {
	path, args, env := testchild.Command("")
	launcher := &launchOnce{Launcher: &supervisor.ExecLauncher{Path: path, Args: args, Env: env, WaitDelay: time.Second}}
	st := newStackWith(t, launcher, nil)

	if _, err := wait(t, submit(t, st.service, "1")); err != nil {
		t.Fatal(err)
	}

	crashing := submit(t, st.service, "crash")
	queued := submit(t, st.service, "echo queued")

	for _, f := range []*Future{crashing, queued} {
		if _, err := wait(t, f); !errors.Is(err, ErrProcessTerminated) {
			t.Errorf("%q = %v, want ErrProcessTerminated", f.Submission().Code, err)
		}
	}
	if state := st.sup.State(); state != supervisor.Crashed {
		t.Errorf("state = %s, want crashed", state)
	}
	if n := launcher.launches.Load(); n != 2 {
		t.Errorf("launches = %d, want 2", n)
	}
	if err := st.sup.LastError(); err == nil || !strings.Contains(err.Error(), "no binary") {
		t.Errorf("LastError = %v, want the launch failure", err)
	}
	if _, err := st.service.Submit("1+1", false); !errors.Is(err, ErrProcessTerminated) {
		t.Errorf("Submit after failed relaunch = %v, want ErrProcessTerminated", err)
	}
}

func TestOnDemandStartRefusedWhileStopping(t *testing.T) {
	st := newStack(t, "", nil)

	st.service.mu.Lock()
	st.service.stopping = true
	st.service.mu.Unlock()

	_, err := st.service.acquire(context.Background(), 0)
	if !errors.Is(err, ErrInterpreterStopped) {
		t.Errorf("acquire while stopping = %v, want ErrInterpreterStopped", err)
	}
	if state := st.sup.State(); state != supervisor.NotStarted {
		t.Errorf("state = %s, want not_started", state)
	}

	st.service.mu.Lock()
	st.service.stopping = false
	st.service.mu.Unlock()
}

func TestStopRacingFirstSubmission(t *testing.T) {
	st := newStack(t, "", nil)

	for i := range 20 {
		f := submit(t, st.service, "1")
		if err := st.service.Stop(context.Background()); err != nil {
			t.Fatal(err)
		}
		if _, err := wait(t, f); err != nil && !errors.Is(err, ErrInterpreterStopped) {
			t.Fatalf("round %d: submission = %v", i, err)
		}
		if state := st.sup.State(); state == supervisor.Running {
			t.Fatalf("round %d: child running after Stop returned", i)
		}
	}
}

func TestSubmissionDurationInSeconds(t *testing.T) {
	st := newStack(t, "", nil)
	if _, err := wait(t, submit(t, st.service, "1")); err != nil {
		t.Fatal(err)
	}

	countBefore, sumBefore := durationSamples(t)
	if _, err := wait(t, submit(t, st.service, "sleep 20")); err != nil {
		t.Fatal(err)
	}
	count, sum := durationSamples(t)

	if count != countBefore+1 {
		t.Fatalf("sample count = %d, want %d", count, countBefore+1)
	}
	if d := sum - sumBefore; d < 0.02 || d > 10 {
		t.Errorf("observed %v, want seconds for a 20ms submission", d)
	}
}

func durationSamples(t *testing.T) (uint64, float64) {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != "polybridge_submission_duration_seconds" {
			continue
		}
		h := mf.GetMetric()[0].GetHistogram()
		return h.GetSampleCount(), h.GetSampleSum()
	}
	t.Fatal("polybridge_submission_duration_seconds not registered")
	return 0, 0
}

func TestStartupFailure(t *testing.T) {
	st := newStack(t, testchild.ModeCrashOnStart, nil)

	first := submit(t, st.service, "1+1")
	second := submit(t, st.service, "2+2")

	for _, f := range []*Future{first, second} {
		_, err := wait(t, f)
		var startErr *StartupError
		if !errors.As(err, &startErr) {
			t.Errorf("%q = %v, want StartupError", f.Submission().Code, err)
		}
	}

	if err := st.service.Start(context.Background()); err == nil {
		t.Error("explicit Start succeeded for a crashing child")
	}
}

func TestCapacityExceededDuringSubmission(t *testing.T) {
	st := newStack(t, "", nil)

	out, err := wait(t, submit(t, st.service, "fill 5"))
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != result.Error || !strings.Contains(out.Text, "capacity exceeded") {
		t.Errorf("fill = %+v, want capacity error", out)
	}
	if st.bridge.Len() != 3 {
		t.Errorf("state holds %d entries, want 3", st.bridge.Len())
	}

	// State errors are results, not process failures.
	if out, err := wait(t, submit(t, st.service, "get k0")); err != nil || out.Text != "0" {
		t.Errorf("get = %+v, %v", out, err)
	}
}

func TestStartIdempotent(t *testing.T) {
	st := newStack(t, "", nil)

	for range 2 {
		if err := st.service.Start(context.Background()); err != nil {
			t.Fatal(err)
		}
	}
	if !st.service.IsRunning() {
		t.Error("not running after Start")
	}
}

func TestFutureWaitContext(t *testing.T) {
	st := newStack(t, "", nil)

	f := submit(t, st.service, "sleep 300")
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Wait = %v, want deadline exceeded", err)
	}

	// Abandoning the wait does not withdraw the submission.
	out, err := wait(t, f)
	if err != nil || out.Text != "slept" {
		t.Errorf("result = %+v, %v", out, err)
	}
}
