package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/caffeineduck/polybridge/hostfunc"
	"github.com/caffeineduck/polybridge/result"
	"go.uber.org/zap"
)

// ErrConnClosed is returned when writing to a connection whose process
// has gone away.
var ErrConnClosed = errors.New("bridge connection closed")

// Completion is the end-of-submission signal from the child together with
// the output captured since the submission was sent.
type Completion struct {
	Status  result.Status
	Message string
	Output  string
}

// Raw converts the completion into the child's raw output. One trailing
// newline is dropped, so a child that prints "2\n" produces "2". Error text
// is the captured output followed by the error message.
func (c Completion) Raw() result.RawOutput {
	text := strings.TrimSuffix(c.Output, "\n")
	if c.Status == result.Error && c.Message != "" {
		if text != "" && !strings.HasSuffix(text, "\n") {
			text += "\n"
		}
		text += c.Message
	}
	return result.RawOutput{Text: text, Status: c.Status}
}

// Conn is the host end of one child process's channel. The child's stdout
// is written into it; control frames are split from output text across
// arbitrary write boundaries, side-channel calls are dispatched to the
// Bridge, and responses are written to the child's stdin.
type Conn struct {
	ctx    context.Context
	cancel context.CancelFunc
	bridge *Bridge
	stdin  io.Writer
	logger *zap.Logger

	buf    bytes.Buffer
	output bytes.Buffer

	readyCh chan struct{}
	doneCh  chan Completion
	ready   bool
	closed  bool

	calls   sync.WaitGroup
	mu      sync.Mutex
	writeMu sync.Mutex
}

// NewConn returns a Conn that writes commands and call responses to stdin.
// stdin may be nil and attached later with Attach, once the process that
// owns it has been started with the Conn as its stdout.
func (b *Bridge) NewConn(stdin io.Writer) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &Conn{
		ctx:     ctx,
		cancel:  cancel,
		bridge:  b,
		stdin:   stdin,
		logger:  b.logger,
		readyCh: make(chan struct{}),
		doneCh:  make(chan Completion, 1),
	}
}

// Attach sets the child's stdin.
func (c *Conn) Attach(stdin io.Writer) {
	c.writeMu.Lock()
	c.stdin = stdin
	c.writeMu.Unlock()
}

// WithLogger replaces the connection's logger, typically to add process
// fields.
func (c *Conn) WithLogger(l *zap.Logger) *Conn {
	c.logger = l
	return c
}

func (c *Conn) Write(data []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.buf.Write(data)
	for c.step() {
	}
	return len(data), nil
}

// step consumes one unit from the buffer and reports whether more may be
// available.
func (c *Conn) step() bool {
	content := c.buf.Bytes()
	if len(content) == 0 {
		return false
	}

	idx := bytes.IndexByte(content, 0)
	if idx == -1 {
		c.output.Write(content)
		c.buf.Reset()
		return false
	}
	if idx > 0 {
		c.output.Write(content[:idx])
		c.consume(idx)
		return true
	}

	// content starts with a NUL byte.
	n := min(len(content), len(frameStart))
	if !bytes.Equal(content[:n], []byte(frameStart[:n])) {
		c.output.WriteByte(0)
		c.consume(1)
		return true
	}

	end := bytes.IndexByte(content[1:], 0)
	if end == -1 && len(content) <= c.bridge.maxFrameSize {
		return false
	}
	if end == -1 || end+2 > c.bridge.maxFrameSize {
		// Never terminated within the limit. Give the bytes back as output
		// so later frames are still seen.
		c.logger.Warn("oversized frame treated as output", zap.Int("bytes", len(content)))
		c.output.WriteByte(0)
		c.consume(1)
		return true
	}

	body := string(content[1 : 1+end])
	c.consume(end + 2)

	kind, payload := parseFrame(body)
	switch kind {
	case frameReady:
		if !c.ready {
			c.ready = true
			close(c.readyCh)
		}
	case frameDone:
		c.complete(result.Success, "")
	case frameIncomplete:
		c.complete(result.Incomplete, "")
	case frameError:
		c.complete(result.Error, payload)
	case frameCall:
		c.handleCall(payload)
	default:
		c.output.WriteString(frameDelim + body + frameDelim)
	}
	return true
}

func (c *Conn) consume(n int) {
	rest := append([]byte(nil), c.buf.Bytes()[n:]...)
	c.buf.Reset()
	c.buf.Write(rest)
}

func (c *Conn) complete(status result.Status, msg string) {
	comp := Completion{Status: status, Message: msg, Output: c.output.String()}
	c.output.Reset()

	select {
	case c.doneCh <- comp:
	default:
		c.logger.Warn("dropping completion with no submission in flight", zap.Stringer("status", status))
	}
}

func (c *Conn) handleCall(payload string) {
	var req CallRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		c.calls.Add(1)
		go func() {
			defer c.calls.Done()
			c.respond(CallResponse{Error: "invalid call format", Code: hostfunc.CodeInvalidArgs})
		}()
		return
	}

	// Respond from a goroutine so Write never blocks on a handler.
	c.calls.Add(1)
	go func() {
		defer c.calls.Done()
		c.respond(c.executeCall(req))
	}()
}

func (c *Conn) executeCall(req CallRequest) CallResponse {
	data, err := c.bridge.Call(c.ctx, req.Fn, req.Args)
	if err != nil {
		return CallResponse{ID: req.ID, Error: err.Error(), Code: hostfunc.CodeOf(err)}
	}
	return CallResponse{ID: req.ID, Data: data}
}

func (c *Conn) respond(resp CallResponse) {
	if err := c.Send(resp); err != nil {
		c.logger.Debug("callback response not delivered", zap.String("id", resp.ID), zap.Error(err))
	}
}

// Send writes one JSON line to the child's stdin.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isClosed() || c.stdin == nil {
		return ErrConnClosed
	}
	if _, err := c.stdin.Write(data); err != nil {
		return err
	}
	return nil
}

func (c *Conn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Exec sends a submission to the child.
func (c *Conn) Exec(id, code string, silent bool) error {
	return c.Send(Command{Type: CommandExec, ID: id, Code: code, Silent: silent})
}

// Exit asks the child to shut down.
func (c *Conn) Exit() error {
	return c.Send(Command{Type: CommandExit})
}

func (c *Conn) Ready() <-chan struct{} {
	return c.readyCh
}

func (c *Conn) Done() <-chan Completion {
	return c.doneCh
}

// ResetExec discards any stale completion and stray output before a new
// submission is sent.
func (c *Conn) ResetExec() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.doneCh:
	default:
	}
	if c.output.Len() > 0 {
		c.logger.Debug("discarding output produced between submissions", zap.Int("bytes", c.output.Len()))
		c.output.Reset()
	}
}

// Output returns the output captured since the last completion.
func (c *Conn) Output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.output.String()
}

// Close cancels in-flight callbacks and waits for their handlers to
// return. Further sends fail with ErrConnClosed.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	c.calls.Wait()
}
