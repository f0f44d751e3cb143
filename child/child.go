package child

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/caffeineduck/polybridge/bridge"
)

// ErrIncomplete is returned by an Evaluator when the submission needs more
// input before it can run, such as an unclosed bracket.
var ErrIncomplete = errors.New("incomplete input")

// ErrHostExited is returned by Conn.Call when the host asks the child to
// exit while the call is waiting for its response.
var ErrHostExited = errors.New("host requested exit during call")

// Request is one submission received from the host.
type Request struct {
	ID     string
	Code   string
	Silent bool
}

// Evaluator runs submissions inside the child. Output is written to the
// Conn; a nil error completes the submission successfully.
type Evaluator interface {
	Eval(ctx context.Context, conn *Conn, req Request) error
}

// EvaluatorFunc adapts a function to the Evaluator interface.
type EvaluatorFunc func(ctx context.Context, conn *Conn, req Request) error

func (f EvaluatorFunc) Eval(ctx context.Context, conn *Conn, req Request) error {
	return f(ctx, conn, req)
}

// Serve runs the child side of the protocol on in and out: it announces
// readiness, then evaluates exec commands one at a time until it reads an
// exit command or in reaches EOF.
func Serve(ctx context.Context, in io.Reader, out io.Writer, ev Evaluator) error {
	conn := newConn(in, out)

	if err := conn.writeString(bridge.FrameReady); err != nil {
		return fmt.Errorf("announce ready: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		line, err := conn.readLine()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read command: %w", err)
		}
		if len(line) == 0 {
			continue
		}

		var cmd bridge.Command
		if err := json.Unmarshal(line, &cmd); err != nil {
			if err := conn.writeString(bridge.ErrorFrame("invalid command: " + err.Error())); err != nil {
				return err
			}
			continue
		}

		switch cmd.Type {
		case bridge.CommandExit:
			return nil
		case bridge.CommandExec:
			frame := completionFrame(ev.Eval(ctx, conn, Request{ID: cmd.ID, Code: cmd.Code, Silent: cmd.Silent}))
			if err := conn.writeString(frame); err != nil {
				return fmt.Errorf("write completion: %w", err)
			}
			if conn.exitRequested() {
				return nil
			}
		default:
			if err := conn.writeString(bridge.ErrorFrame("unknown command: " + cmd.Type)); err != nil {
				return err
			}
		}
	}
}

func completionFrame(err error) string {
	switch {
	case err == nil:
		return bridge.FrameDone
	case errors.Is(err, ErrIncomplete):
		return bridge.FrameIncomplete
	default:
		return bridge.ErrorFrame(err.Error())
	}
}

// Conn is the evaluator's view of the channel: an output writer plus
// synchronous calls into the host.
type Conn struct {
	in  *bufio.Reader
	out io.Writer

	mu     sync.Mutex
	nextID uint64
	exit   bool
}

func newConn(in io.Reader, out io.Writer) *Conn {
	return &Conn{in: bufio.NewReader(in), out: out}
}

// Write sends submission output to the host.
func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.out.Write(p)
}

func (c *Conn) exitRequested() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.exit
}

func (c *Conn) writeString(s string) error {
	_, err := c.Write([]byte(s))
	return err
}

func (c *Conn) readLine() ([]byte, error) {
	line, err := c.in.ReadBytes('\n')
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return trimLine(line), nil
		}
		return nil, err
	}
	return trimLine(line), nil
}

func trimLine(line []byte) []byte {
	for len(line) > 0 && (line[len(line)-1] == '\n' || line[len(line)-1] == '\r') {
		line = line[:len(line)-1]
	}
	return line
}

// Call invokes a host operation and decodes its result into out, which
// may be nil. Host errors match the hostfunc sentinels with errors.Is.
func (c *Conn) Call(fn string, args map[string]any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := fmt.Sprintf("c%d", c.nextID)
	frame, err := bridge.CallFrame(bridge.CallRequest{
		ID:   id,
		Fn:   fn,
		Args: args,
	})
	if err != nil {
		return fmt.Errorf("encode call: %w", err)
	}
	if _, err := c.out.Write(frame); err != nil {
		return fmt.Errorf("send call: %w", err)
	}

	// One submission is in flight, so the next line is our response.
	line, err := c.readLine()
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	var resp struct {
		ID    string          `json:"id"`
		Type  string          `json:"type"`
		Data  json.RawMessage `json:"data"`
		Error string          `json:"error"`
		Code  string          `json:"code"`
	}
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Type == bridge.CommandExit {
		c.exit = true
		return ErrHostExited
	}
	if resp.ID != id {
		return fmt.Errorf("response id %q does not match call %q", resp.ID, id)
	}
	if resp.Error != "" {
		return hostError(resp.Code, resp.Error)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	return json.Unmarshal(resp.Data, out)
}
