// Package testchild turns a test binary into a scriptable child runtime.
//
// A test package calls Main from TestMain; when the binary is re-executed
// with EnvChild=1 it serves the bridge protocol on stdio instead of
// running tests:
//
//	func TestMain(m *testing.M) {
//		testchild.Main()
//		os.Exit(m.Run())
//	}
package testchild

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caffeineduck/polybridge/child"
)

const (
	EnvChild = "POLYBRIDGE_TESTCHILD"
	EnvMode  = "POLYBRIDGE_TESTCHILD_MODE"
)

// Startup modes.
const (
	ModeCrashOnStart = "crash-on-start" // exit 2 before announcing ready
	ModeHangOnStart  = "hang-on-start"  // never announce ready
)

// Main serves the protocol and exits when the binary was started as a
// test child. Otherwise it returns immediately.
func Main() {
	if os.Getenv(EnvChild) != "1" {
		return
	}

	switch os.Getenv(EnvMode) {
	case ModeCrashOnStart:
		fmt.Fprintln(os.Stderr, "boom: crashed during startup")
		os.Exit(2)
	case ModeHangOnStart:
		time.Sleep(time.Hour)
		os.Exit(1)
	}

	if err := child.Serve(context.Background(), os.Stdin, os.Stdout, evaluator{}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(0)
}

// Command returns the path, arguments and extra environment that start the
// current test binary as a child in the given mode.
func Command(mode string) (path string, args []string, env []string) {
	path, err := os.Executable()
	if err != nil {
		panic(err)
	}
	env = []string{EnvChild + "=1"}
	if mode != "" {
		env = append(env, EnvMode+"="+mode)
	}
	return path, []string{"-test.run=^$"}, env
}

// evaluator understands a few scripted commands and hands everything else
// to child.Calc:
//
//	crash            write "partial" and exit 3
//	crash-once       crash unless the shared state holds "crashed"
//	exit             exit 0 without completing
//	error <msg>      fail with msg
//	incomplete       report incomplete input
//	sleep <ms>       sleep, then complete
//	pid              print the process id
//	echo <text>      print text
//	warn <text>      write text to stderr
//	fill <n>         put keys k0..k<n-1> into the shared state
type evaluator struct{}

func (evaluator) Eval(ctx context.Context, conn *child.Conn, req child.Request) error {
	word, rest, _ := strings.Cut(strings.TrimSpace(req.Code), " ")

	switch word {
	case "crash":
		fmt.Fprint(conn, "partial")
		os.Exit(3)
	case "crash-once":
		if _, err := conn.Get("crashed"); err == nil {
			fmt.Fprintln(conn, "recovered")
			return nil
		}
		if err := conn.Put("crashed", true); err != nil {
			return err
		}
		os.Exit(3)
	case "exit":
		os.Exit(0)
	case "error":
		return errors.New(rest)
	case "incomplete":
		return child.ErrIncomplete
	case "sleep":
		ms, err := strconv.Atoi(rest)
		if err != nil {
			return err
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-ctx.Done():
			return ctx.Err()
		}
		fmt.Fprintln(conn, "slept")
		return nil
	case "pid":
		fmt.Fprintln(conn, os.Getpid())
		return nil
	case "echo":
		fmt.Fprintln(conn, rest)
		return nil
	case "warn":
		fmt.Fprintln(os.Stderr, rest)
		return nil
	case "fill":
		n, err := strconv.Atoi(rest)
		if err != nil {
			return err
		}
		for i := range n {
			if err := conn.Put(fmt.Sprintf("k%d", i), i); err != nil {
				return fmt.Errorf("put k%d: %w", i, err)
			}
		}
		fmt.Fprintf(conn, "filled %d\n", n)
		return nil
	}

	return child.Calc{}.Eval(ctx, conn, req)
}
