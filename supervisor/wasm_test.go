package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/caffeineduck/polybridge/bridge"
	"github.com/caffeineduck/polybridge/result"
)

var (
	wasmChildOnce sync.Once
	wasmChildDir  string
	wasmChildErr  error
)

// wasmChildPath builds testdata/wasmchild for wasip1 once per test binary.
func wasmChildPath(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping wasip1 build in short mode")
	}

	wasmChildOnce.Do(func() {
		goBin, err := osexec.LookPath("go")
		if err != nil {
			wasmChildErr = err
			return
		}
		wasmChildDir, err = os.MkdirTemp("", "polybridge-wasmchild")
		if err != nil {
			wasmChildErr = err
			return
		}
		cmd := osexec.Command(goBin, "build", "-o", filepath.Join(wasmChildDir, "calc.wasm"), "./testdata/wasmchild")
		cmd.Env = append(os.Environ(), "GOOS=wasip1", "GOARCH=wasm")
		if out, err := cmd.CombinedOutput(); err != nil {
			wasmChildErr = fmt.Errorf("%w: %s", err, out)
		}
	})
	if wasmChildErr != nil {
		t.Skipf("cannot build wasip1 child: %v", wasmChildErr)
	}
	return filepath.Join(wasmChildDir, "calc.wasm")
}

func newWasmSupervisor(t *testing.T, opts ...Option) (*Supervisor, *WasmLauncher, *bridge.Bridge, *recorder) {
	t.Helper()

	l, err := LoadWasmLauncher(wasmChildPath(t))
	if err != nil {
		t.Fatal(err)
	}
	b := bridge.New()
	rec := newRecorder()
	opts = append([]Option{WithMonitor(rec.record), WithGracePeriod(5 * time.Second), WithStartupTimeout(30 * time.Second)}, opts...)
	s := New(l, b, opts...)
	t.Cleanup(func() {
		s.Stop(context.Background())
		l.Close()
	})
	return s, l, b, rec
}

func TestWasmStartExecStop(t *testing.T) {
	s, l, b, rec := newWasmSupervisor(t)

	inst := mustStart(t, s)
	if s.Runtime() != "wasm:calc" {
		t.Errorf("Runtime = %q", s.Runtime())
	}
	if inst.Pid() != 0 {
		t.Errorf("Pid = %d, want 0 for a wasm instance", inst.Pid())
	}

	if out := runExec(t, inst, "1+1"); out.Status != result.Success || out.Text != "2" {
		t.Errorf("Exec = %+v, want Success 2", out)
	}
	if out := runExec(t, inst, "1/0"); out.Status != result.Error || out.Text != "division by zero" {
		t.Errorf("Exec = %+v, want division error", out)
	}
	if out := runExec(t, inst, "(1"); out.Status != result.Incomplete {
		t.Errorf("Exec = %+v, want Incomplete", out)
	}

	// Callbacks travel over the module's stdio like an OS child's.
	runExec(t, inst, "set x = 6*7")
	if v, err := b.Get("x"); err != nil || v != float64(42) {
		t.Errorf("host Get(x) = %v, %v", v, err)
	}

	compiled := l.compiled
	if err := s.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if tr := rec.waitFor(t, Stopped); tr.From != Running {
		t.Errorf("stop transition = %+v", tr)
	}
	select {
	case <-inst.Exited():
	default:
		t.Error("module still running after Stop")
	}

	// A relaunch instantiates the module compiled for the first launch.
	second := mustStart(t, s)
	if l.compiled != compiled {
		t.Error("module recompiled on relaunch")
	}
	if out := runExec(t, second, "x+1"); out.Text != "43" {
		t.Errorf("Exec after relaunch = %+v", out)
	}
}

func TestWasmKillCrashes(t *testing.T) {
	s, _, _, rec := newWasmSupervisor(t, WithRestartOnFailure(false))
	inst := mustStart(t, s)
	runExec(t, inst, "1")

	inst.kill()

	tr := rec.waitFor(t, Crashed)
	if tr.Err == nil || tr.Restarting {
		t.Errorf("crash transition = %+v", tr)
	}
	if inst.Err() == nil {
		t.Error("killed module reported a clean exit")
	}
	if _, err := s.Next(context.Background(), inst.ID()); !errors.Is(err, ErrProcessTerminated) {
		t.Errorf("Next = %v, want ErrProcessTerminated", err)
	}
}

func TestWasmGuestCrash(t *testing.T) {
	s, _, _, rec := newWasmSupervisor(t, WithRestartOnFailure(false))
	inst := mustStart(t, s)

	_, err := inst.Exec(context.Background(), "c1", "crash", false)
	if !errors.Is(err, ErrInstanceExited) {
		t.Fatalf("Exec(crash) = %v, want ErrInstanceExited", err)
	}
	if !strings.Contains(err.Error(), "exit_code(3)") {
		t.Errorf("exit error = %v, want exit code 3", err)
	}
	rec.waitFor(t, Crashed)
}

func TestWasmCleanExit(t *testing.T) {
	s, _, _, rec := newWasmSupervisor(t, WithRestartOnCompletion(false))
	inst := mustStart(t, s)

	_, err := inst.Exec(context.Background(), "e1", "exit", false)
	if !errors.Is(err, ErrInstanceExited) {
		t.Fatalf("Exec(exit) = %v, want ErrInstanceExited", err)
	}

	// Exit code 0 is a clean exit, not a crash.
	if tr := rec.waitFor(t, Stopped); tr.Err != nil || tr.Restarting {
		t.Errorf("exit transition = %+v", tr)
	}
	if inst.Err() != nil {
		t.Errorf("Err = %v, want nil for exit code 0", inst.Err())
	}
	if s.State() != Stopped {
		t.Errorf("state = %v, want stopped", s.State())
	}
}
