package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/caffeineduck/polybridge/hostfunc"
	"github.com/caffeineduck/polybridge/result"
)

// lineWriter records each write to the child's stdin.
type lineWriter struct {
	lines chan string
}

func newLineWriter() *lineWriter {
	return &lineWriter{lines: make(chan string, 16)}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.lines <- string(p)
	return len(p), nil
}

func (w *lineWriter) next(t *testing.T) string {
	t.Helper()
	select {
	case line := <-w.lines:
		return line
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a line on stdin")
		return ""
	}
}

func waitCompletion(t *testing.T, c *Conn) Completion {
	t.Helper()
	select {
	case comp := <-c.Done():
		return comp
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
		return Completion{}
	}
}

func TestConnOutputThenDone(t *testing.T) {
	c := New().NewConn(newLineWriter())
	defer c.Close()

	c.Write([]byte("hello "))
	c.Write([]byte("world\n" + FrameDone))

	comp := waitCompletion(t, c)
	if comp.Status != result.Success {
		t.Errorf("status = %v, want success", comp.Status)
	}
	if comp.Output != "hello world\n" {
		t.Errorf("output = %q", comp.Output)
	}
	if c.Output() != "" {
		t.Errorf("output should reset after completion, got %q", c.Output())
	}
}

func TestConnFramesSplitAcrossWrites(t *testing.T) {
	c := New().NewConn(newLineWriter())
	defer c.Close()

	stream := FrameReady + "2\n" + FrameDone
	for i := 0; i < len(stream); i++ {
		c.Write([]byte{stream[i]})
	}

	select {
	case <-c.Ready():
	default:
		t.Fatal("ready frame not recognized")
	}

	comp := waitCompletion(t, c)
	if comp.Output != "2\n" {
		t.Errorf("output = %q, want %q", comp.Output, "2\n")
	}
}

func TestConnErrorAndIncomplete(t *testing.T) {
	c := New().NewConn(newLineWriter())
	defer c.Close()

	c.Write([]byte("partial\n" + ErrorFrame("ZeroDivisionError: division by zero")))
	comp := waitCompletion(t, c)
	if comp.Status != result.Error {
		t.Fatalf("status = %v, want error", comp.Status)
	}
	raw := comp.Raw()
	if raw.Text != "partial\nZeroDivisionError: division by zero" {
		t.Errorf("raw text = %q", raw.Text)
	}

	c.Write([]byte(FrameIncomplete))
	comp = waitCompletion(t, c)
	if comp.Status != result.Incomplete {
		t.Errorf("status = %v, want incomplete", comp.Status)
	}
}

func TestConnStrayNulAndUnknownFrame(t *testing.T) {
	c := New().NewConn(newLineWriter())
	defer c.Close()

	c.Write([]byte("a\x00b\x00OTHER\x00c" + FrameDone))
	comp := waitCompletion(t, c)
	if comp.Output != "a\x00b\x00OTHER\x00c" {
		t.Errorf("output = %q", comp.Output)
	}
}

func TestConnUnterminatedFrameIsBounded(t *testing.T) {
	tests := []struct {
		name   string
		writes []string
	}{
		{
			name:   "separate writes",
			writes: []string{"\x00BRIDGE:" + strings.Repeat("x", 64), "tail" + FrameDone},
		},
		{
			name:   "single write",
			writes: []string{"\x00BRIDGE:" + strings.Repeat("x", 64) + "tail" + FrameDone},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(WithMaxFrameSize(32)).NewConn(newLineWriter())
			defer c.Close()

			for _, w := range tt.writes {
				c.Write([]byte(w))
			}
			comp := waitCompletion(t, c)
			if comp.Status != result.Success {
				t.Fatalf("status = %v, want success", comp.Status)
			}
			if want := "\x00BRIDGE:" + strings.Repeat("x", 64) + "tail"; comp.Output != want {
				t.Errorf("output = %q, want %q", comp.Output, want)
			}
		})
	}
}

func TestConnFrameWithinLimitIsBuffered(t *testing.T) {
	c := New(WithMaxFrameSize(64)).NewConn(newLineWriter())
	defer c.Close()

	c.Write([]byte("\x00BRIDGE_DO"))
	c.Write([]byte("NE\x00"))
	if comp := waitCompletion(t, c); comp.Status != result.Success || comp.Output != "" {
		t.Errorf("completion = %+v", comp)
	}
}

func TestConnErrorFrameStripsNul(t *testing.T) {
	if got := ErrorFrame("a\x00b"); got != "\x00BRIDGE_ERROR:ab\x00" {
		t.Errorf("ErrorFrame = %q", got)
	}
}

func TestConnCallStatePut(t *testing.T) {
	b := New(WithCapacity(1))
	stdin := newLineWriter()
	c := b.NewConn(stdin)
	defer c.Close()

	frame, err := CallFrame(CallRequest{ID: "1", Fn: "state_put", Args: map[string]any{"key": "x", "value": 41}})
	if err != nil {
		t.Fatal(err)
	}
	c.Write(frame)

	var resp CallResponse
	if err := json.Unmarshal([]byte(stdin.next(t)), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "1" || resp.Error != "" || resp.Data != "ok" {
		t.Errorf("unexpected response: %+v", resp)
	}

	val, err := b.Get("x")
	if err != nil || val != float64(41) {
		t.Errorf("host Get = %v, %v", val, err)
	}

	frame, _ = CallFrame(CallRequest{ID: "2", Fn: "state_put", Args: map[string]any{"key": "y", "value": 1}})
	c.Write(frame)

	resp = CallResponse{}
	json.Unmarshal([]byte(stdin.next(t)), &resp)
	if resp.Code != hostfunc.CodeCapacityExceeded {
		t.Errorf("code = %q, want %q (error %q)", resp.Code, hostfunc.CodeCapacityExceeded, resp.Error)
	}
	if b.Len() != 1 {
		t.Errorf("Len() = %d after rejected put", b.Len())
	}
}

func TestConnCallUnknownAndInvalid(t *testing.T) {
	stdin := newLineWriter()
	c := New().NewConn(stdin)
	defer c.Close()

	frame, _ := CallFrame(CallRequest{ID: "7", Fn: "nope"})
	c.Write(frame)

	var resp CallResponse
	json.Unmarshal([]byte(stdin.next(t)), &resp)
	if resp.ID != "7" || resp.Code != hostfunc.CodeUnknownFunction {
		t.Errorf("unexpected response: %+v", resp)
	}

	c.Write([]byte("\x00BRIDGE:{not json\x00"))
	resp = CallResponse{}
	json.Unmarshal([]byte(stdin.next(t)), &resp)
	if resp.Code != hostfunc.CodeInvalidArgs {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestConnCallDoesNotDisturbOutput(t *testing.T) {
	stdin := newLineWriter()
	c := New().NewConn(stdin)
	defer c.Close()

	frame, _ := CallFrame(CallRequest{ID: "1", Fn: "time_now"})
	c.Write([]byte("before "))
	c.Write(frame)
	stdin.next(t)
	c.Write([]byte("after" + FrameDone))

	comp := waitCompletion(t, c)
	if comp.Output != "before after" {
		t.Errorf("output = %q", comp.Output)
	}
}

func TestConnExecCommand(t *testing.T) {
	stdin := newLineWriter()
	c := New().NewConn(stdin)
	defer c.Close()

	if err := c.Exec("abc", "1+1", true); err != nil {
		t.Fatalf("Exec: %v", err)
	}

	var cmd Command
	line := stdin.next(t)
	if !strings.HasSuffix(line, "\n") {
		t.Errorf("command not newline terminated: %q", line)
	}
	json.Unmarshal([]byte(line), &cmd)
	if cmd.Type != CommandExec || cmd.ID != "abc" || cmd.Code != "1+1" || !cmd.Silent {
		t.Errorf("unexpected command: %+v", cmd)
	}
}

func TestConnResetExecDropsStaleCompletion(t *testing.T) {
	c := New().NewConn(newLineWriter())
	defer c.Close()

	c.Write([]byte("stale" + FrameDone))
	c.Write([]byte("noise"))
	c.ResetExec()

	select {
	case comp := <-c.Done():
		t.Fatalf("stale completion survived reset: %+v", comp)
	default:
	}
	if c.Output() != "" {
		t.Errorf("output = %q after reset", c.Output())
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestConnSendAfterClose(t *testing.T) {
	c := New().NewConn(failingWriter{})
	if err := c.Exec("1", "x", false); err == nil {
		t.Error("expected write error")
	}

	c.Close()
	if err := c.Exit(); !errors.Is(err, ErrConnClosed) {
		t.Errorf("expected ErrConnClosed, got %v", err)
	}
}

func TestCompletionRaw(t *testing.T) {
	tests := []struct {
		comp Completion
		want string
	}{
		{Completion{Status: result.Success, Output: "2\n"}, "2"},
		{Completion{Status: result.Success, Output: "1\n2\n\n"}, "1\n2\n"},
		{Completion{Status: result.Success, Output: "no newline"}, "no newline"},
		{Completion{Status: result.Error, Output: "7\n", Message: "division by zero"}, "7\ndivision by zero"},
		{Completion{Status: result.Error, Message: "boom"}, "boom"},
		{Completion{Status: result.Error, Output: "x", Message: "boom"}, "x\nboom"},
		{Completion{Status: result.Incomplete, Output: "ignored?"}, "ignored?"},
	}
	for i, tt := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			if got := tt.comp.Raw().Text; got != tt.want {
				t.Errorf("Raw().Text = %q, want %q", got, tt.want)
			}
		})
	}
}
