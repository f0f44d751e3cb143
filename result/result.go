// Package result maps the raw per-submission output of a child runtime
// into the normalized result shape the host kernel observes.
package result

import "fmt"

// Status is the outcome a child runtime reports for one submission.
type Status int

const (
	Success Status = iota
	Error
	Incomplete
)

// IncompleteDetail is the failure detail reported for incomplete input.
const IncompleteDetail = "incomplete input"

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case Error:
		return "error"
	case Incomplete:
		return "incomplete"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// ParseStatus maps a wire name to a Status. Only the three defined names
// are accepted.
func ParseStatus(name string) (Status, error) {
	switch name {
	case "success":
		return Success, nil
	case "error":
		return Error, nil
	case "incomplete":
		return Incomplete, nil
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// RawOutput is what the child produced for a single submission.
type RawOutput struct {
	Text   string
	Status Status
}

// Payload is either an Output or a Failure.
type Payload interface {
	payload()
	String() string
}

// Output carries the text of a successful submission.
type Output struct {
	Text string
}

func (Output) payload()          {}
func (o Output) String() string { return o.Text }

// Failure carries the detail of an unsuccessful submission.
type Failure struct {
	Detail string
}

func (Failure) payload()          {}
func (f Failure) String() string { return f.Detail }

// Normalized is the only result shape the outside world sees.
type Normalized struct {
	Result  Status
	Payload Payload
}

// Output returns the payload text when the result is an Output.
func (n Normalized) Output() (string, bool) {
	o, ok := n.Payload.(Output)
	return o.Text, ok
}

// Failure returns the failure detail when the result is a Failure.
func (n Normalized) Failure() (string, bool) {
	f, ok := n.Payload.(Failure)
	return f.Detail, ok
}

func (n Normalized) String() string {
	if n.Payload == nil {
		return n.Result.String()
	}
	return n.Result.String() + ": " + n.Payload.String()
}

// Transform converts a RawOutput into its Normalized form. It is total:
// a status outside the defined set is reported as an Error.
func Transform(raw RawOutput) Normalized {
	switch raw.Status {
	case Success:
		return Normalized{Result: Success, Payload: Output{Text: raw.Text}}
	case Error:
		return Normalized{Result: Error, Payload: Failure{Detail: raw.Text}}
	case Incomplete:
		return Normalized{Result: Incomplete, Payload: Failure{Detail: IncompleteDetail}}
	default:
		return Normalized{Result: Error, Payload: Failure{Detail: "unrecognized " + raw.Status.String()}}
	}
}

// Fail builds an Error result for a failure raised outside the child,
// such as the bridge stopping or the process dying.
func Fail(err error) Normalized {
	return Normalized{Result: Error, Payload: Failure{Detail: err.Error()}}
}
