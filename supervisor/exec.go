package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/shlex"
)

// ExecLauncher runs the child runtime as an OS process.
type ExecLauncher struct {
	Path string
	Args []string
	Env  []string // appended to the host environment
	Dir  string

	// WaitDelay bounds how long Wait lingers on output pipes held open by
	// grandchildren after the child itself exits.
	WaitDelay time.Duration
}

// NewExecLauncher builds a launcher from a shell-style command line such
// as `python3 -u kernel.py --quiet`.
func NewExecLauncher(command string, env ...string) (*ExecLauncher, error) {
	argv, err := shlex.Split(command)
	if err != nil {
		return nil, fmt.Errorf("parse command %q: %w", command, err)
	}
	if len(argv) == 0 {
		return nil, errors.New("command is required")
	}
	return &ExecLauncher{
		Path:      argv[0],
		Args:      argv[1:],
		Env:       env,
		WaitDelay: 2 * time.Second,
	}, nil
}

func (l *ExecLauncher) Name() string {
	return "exec:" + filepath.Base(l.Path)
}

func (l *ExecLauncher) Launch(ctx context.Context, stdio Stdio) (Process, error) {
	path, err := exec.LookPath(l.Path)
	if err != nil {
		return nil, &LaunchError{Runtime: l.Name(), Err: err}
	}

	// The process outlives the launch context; Kill ends it.
	cmd := exec.Command(path, l.Args...)
	cmd.Dir = l.Dir
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Stdout = stdio.Stdout
	cmd.Stderr = stdio.Stderr
	cmd.WaitDelay = l.WaitDelay

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, &LaunchError{Runtime: l.Name(), Err: fmt.Errorf("create stdin pipe: %w", err)}
	}

	if err := ctx.Err(); err != nil {
		return nil, &LaunchError{Runtime: l.Name(), Err: err}
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return nil, &LaunchError{Runtime: l.Name(), Err: err}
	}

	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *execProcess) Stdin() io.WriteCloser {
	return p.stdin
}

func (p *execProcess) Wait() error {
	err := p.cmd.Wait()
	if errors.Is(err, exec.ErrWaitDelay) {
		// The child exited cleanly; only its inherited pipes lingered.
		return nil
	}
	return err
}

func (p *execProcess) Kill() error {
	err := p.cmd.Process.Kill()
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}
