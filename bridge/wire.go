package bridge

import (
	"encoding/json"
	"strings"
)

// Control frames are written by the child on stdout between NUL bytes so
// they can share one ordered stream with submission output.
// Format: \x00BRIDGE_<SIGNAL>\x00 or \x00BRIDGE:{json}\x00
const (
	frameDelim       = "\x00"
	frameStart       = "\x00BRIDGE"
	FrameReady       = "\x00BRIDGE_READY\x00"
	FrameDone        = "\x00BRIDGE_DONE\x00"
	FrameIncomplete  = "\x00BRIDGE_INCOMPLETE\x00"
	frameErrorPrefix = "BRIDGE_ERROR:"
	frameCallPrefix  = "BRIDGE:"
)

// Commands written by the host on the child's stdin, one JSON object per
// line.
const (
	CommandExec = "exec"
	CommandExit = "exit"
)

// Command is a host-to-child instruction.
type Command struct {
	Type   string `json:"type"`
	ID     string `json:"id,omitempty"`
	Code   string `json:"code,omitempty"`
	Silent bool   `json:"silent,omitempty"`
}

// CallRequest is a side-channel invocation sent by the child.
type CallRequest struct {
	ID   string         `json:"id"`
	Fn   string         `json:"fn"`
	Args map[string]any `json:"args,omitempty"`
}

// CallResponse answers a CallRequest on the child's stdin.
type CallResponse struct {
	ID    string `json:"id"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`
}

// ErrorFrame encodes an error completion. NUL bytes in msg are dropped so
// the frame stays well formed.
func ErrorFrame(msg string) string {
	return frameDelim + frameErrorPrefix + strings.ReplaceAll(msg, frameDelim, "") + frameDelim
}

// CallFrame encodes a side-channel request.
func CallFrame(req CallRequest) ([]byte, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(payload)+len(frameCallPrefix)+2)
	frame = append(frame, frameDelim...)
	frame = append(frame, frameCallPrefix...)
	frame = append(frame, payload...)
	frame = append(frame, frameDelim...)
	return frame, nil
}

type frameKind int

const (
	frameNone frameKind = iota
	frameReady
	frameDone
	frameIncomplete
	frameError
	frameCall
)

// parseFrame classifies the body of a frame, the text between the NUL
// delimiters.
func parseFrame(body string) (frameKind, string) {
	switch {
	case body == "BRIDGE_READY":
		return frameReady, ""
	case body == "BRIDGE_DONE":
		return frameDone, ""
	case body == "BRIDGE_INCOMPLETE":
		return frameIncomplete, ""
	case strings.HasPrefix(body, frameErrorPrefix):
		return frameError, body[len(frameErrorPrefix):]
	case strings.HasPrefix(body, frameCallPrefix):
		return frameCall, body[len(frameCallPrefix):]
	}
	return frameNone, ""
}
