package supervisor

import (
	"context"
	"fmt"
	"io"
)

// Stdio receives the child's output streams.
type Stdio struct {
	Stdout io.Writer
	Stderr io.Writer
}

// Launcher starts a child runtime. Implementations must not block once
// the process is running.
type Launcher interface {
	// Name identifies the runtime in logs, e.g. "exec:python3" or "wasm:calc".
	Name() string

	// Launch starts the runtime with stdout and stderr wired to stdio.
	Launch(ctx context.Context, stdio Stdio) (Process, error)
}

// Process is a running child runtime.
type Process interface {
	// Pid returns the OS process id, or 0 when the runtime is not an OS
	// process.
	Pid() int

	// Stdin is the command channel into the child.
	Stdin() io.WriteCloser

	// Wait blocks until the process exits. It returns nil on a clean exit.
	Wait() error

	// Kill forcibly terminates the process.
	Kill() error
}

// LaunchError reports a runtime that could not be started.
type LaunchError struct {
	Runtime string
	Err     error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Runtime, e.Err)
}

func (e *LaunchError) Unwrap() error {
	return e.Err
}
