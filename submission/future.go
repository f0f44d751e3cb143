package submission

import (
	"context"
	"sync"
	"time"

	"github.com/caffeineduck/polybridge/result"
	"github.com/google/uuid"
)

// Submission is one piece of code queued for the child.
type Submission struct {
	ID        uuid.UUID
	Code      string
	Silent    bool
	CreatedAt time.Time
}

// Future is the write-once result slot of a submission.
type Future struct {
	sub  Submission
	done chan struct{}
	once sync.Once

	out result.RawOutput
	err error
}

func newFuture(sub Submission) *Future {
	return &Future{sub: sub, done: make(chan struct{})}
}

func (f *Future) Submission() Submission {
	return f.sub
}

// Done is closed once the result is available.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Result returns the outcome. It must only be called after Done is closed.
func (f *Future) Result() (result.RawOutput, error) {
	return f.out, f.err
}

// Wait blocks until the future resolves or ctx ends. Giving up on the wait
// does not withdraw the submission.
func (f *Future) Wait(ctx context.Context) (result.RawOutput, error) {
	select {
	case <-f.done:
		return f.out, f.err
	case <-ctx.Done():
		return result.RawOutput{}, ctx.Err()
	}
}

// resolve stores the outcome and reports whether this call did so.
func (f *Future) resolve(out result.RawOutput, err error) bool {
	resolved := false
	f.once.Do(func() {
		f.out, f.err = out, err
		close(f.done)
		resolved = true
	})
	return resolved
}
