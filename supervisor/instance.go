package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/caffeineduck/polybridge/bridge"
	"github.com/caffeineduck/polybridge/result"
	"go.uber.org/zap"
)

// Instance is one launched child process and its bridge connection.
type Instance struct {
	id     uint64
	proc   Process
	conn   *bridge.Conn
	stderr *stderrTail
	logger *zap.Logger

	exited  chan struct{}
	exitErr error

	execMu sync.Mutex
}

// ID increases with every launch over the supervisor's lifetime.
func (i *Instance) ID() uint64 {
	return i.id
}

func (i *Instance) Pid() int {
	return i.proc.Pid()
}

// Exited is closed once the process has exited.
func (i *Instance) Exited() <-chan struct{} {
	return i.exited
}

// Err returns the process's exit error. It is valid only after Exited is
// closed.
func (i *Instance) Err() error {
	return i.exitErr
}

// Stderr returns the last bytes the child wrote to stderr.
func (i *Instance) Stderr() string {
	return i.stderr.String()
}

func (i *Instance) wait() {
	i.exitErr = i.proc.Wait()
	close(i.exited)
}

// Exec sends one submission and waits for its completion frame. Calls are
// serialized so at most one submission is in flight on the process.
//
// If ctx ends before the child completes, the process is killed: a late
// completion could no longer be attributed to the right submission.
func (i *Instance) Exec(ctx context.Context, id, code string, silent bool) (result.RawOutput, error) {
	i.execMu.Lock()
	defer i.execMu.Unlock()

	select {
	case <-i.exited:
		return result.RawOutput{}, i.exitError()
	default:
	}

	i.conn.ResetExec()
	if err := i.conn.Exec(id, code, silent); err != nil {
		// A failed write almost always means the child is gone.
		select {
		case <-i.exited:
			return result.RawOutput{}, i.exitError()
		case <-ctx.Done():
			return result.RawOutput{}, fmt.Errorf("send submission: %w", err)
		}
	}

	select {
	case comp := <-i.conn.Done():
		return comp.Raw(), nil
	case <-i.exited:
		// Wait returns only after stdout is drained, so a completion written
		// just before exit is already buffered.
		select {
		case comp := <-i.conn.Done():
			return comp.Raw(), nil
		default:
		}
		return result.RawOutput{}, i.exitError()
	case <-ctx.Done():
		i.logger.Warn("abandoning in-flight submission, killing process", zap.String("submission", id))
		i.proc.Kill()
		return result.RawOutput{}, ctx.Err()
	}
}

func (i *Instance) exitError() error {
	return &ExitError{Instance: i.id, Pid: i.proc.Pid(), Err: i.exitErr, Stderr: i.stderr.String()}
}

func (i *Instance) kill() {
	if err := i.proc.Kill(); err != nil {
		i.logger.Warn("kill failed", zap.Error(err))
	}
}

// shutdown asks the child to exit, then kills it if it has not exited
// within grace or when ctx ends.
func (i *Instance) shutdown(ctx context.Context, grace time.Duration) {
	if err := i.conn.Exit(); err != nil {
		i.logger.Debug("exit command not delivered", zap.Error(err))
	}
	i.proc.Stdin().Close()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-i.exited:
	case <-timer.C:
		i.logger.Info("grace period elapsed, killing process")
		i.kill()
		<-i.exited
	case <-ctx.Done():
		i.kill()
		<-i.exited
	}
	i.conn.Close()
}
