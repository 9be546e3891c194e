// Package task provides the future type returned by the asynchronous
// init and download operations.
package task

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Code is the result code carried by a finished task.
type Code int

const (
	Pending Code = iota
	Success
	NotInitialized
	NetworkError
	ManifestParseError
	Cancelled
	NotFound
)

func (c Code) String() string {
	switch c {
	case Pending:
		return "pending"
	case Success:
		return "success"
	case NotInitialized:
		return "not_initialized"
	case NetworkError:
		return "network_error"
	case ManifestParseError:
		return "manifest_parse_error"
	case Cancelled:
		return "cancelled"
	case NotFound:
		return "not_found"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Progress describes how far a task has come. Current and Total count
// items; Fraction is the byte progress of the current item in [0,1].
type Progress struct {
	Current  int
	Total    int
	Fraction float64
	Cached   bool
}

// Overall folds the item counters and the fractional progress into one
// value in [0,1].
func (p Progress) Overall() float64 {
	if p.Total <= 0 {
		return 0
	}
	v := (float64(p.Current) + p.Fraction) / float64(p.Total)
	if v > 1 {
		return 1
	}
	return v
}

// Dispatcher runs continuations. The session uses it to resume callbacks on
// the thread that calls Tick.
type Dispatcher func(func())

// Task is a cancellable, progress-reporting future.
type Task[T any] struct {
	mu       sync.Mutex
	done     chan struct{}
	code     Code
	err      error
	value    T
	progress Progress
	conts    []func(*Task[T])
	dispatch Dispatcher
	cancel   context.CancelFunc
}

// New creates a pending task. dispatch may be nil, in which case
// continuations run on the goroutine that completes the task.
func New[T any](dispatch Dispatcher, cancel context.CancelFunc) *Task[T] {
	return &Task[T]{done: make(chan struct{}), dispatch: dispatch, cancel: cancel}
}

// Done returns a channel closed when the task finishes.
func (t *Task[T]) Done() <-chan struct{} { return t.done }

// IsDone polls for completion.
func (t *Task[T]) IsDone() bool {
	select {
	case <-t.done:
		return true
	default:
		return false
	}
}

// Wait blocks until the task finishes or ctx ends.
func (t *Task[T]) Wait(ctx context.Context) (T, Code, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		var zero T
		return zero, Pending, ctx.Err()
	}
}

// Result returns the outcome. Code is Pending until the task finishes.
func (t *Task[T]) Result() (T, Code, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.value, t.code, t.err
}

// Succeeded reports whether the task finished with Success.
func (t *Task[T]) Succeeded() bool {
	_, code, _ := t.Result()
	return code == Success
}

// Progress returns the latest progress report.
func (t *Task[T]) Progress() Progress {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.progress
}

// Then registers fn to run once the task finishes. If it already has, fn is
// scheduled right away.
func (t *Task[T]) Then(fn func(*Task[T])) {
	if fn == nil {
		return
	}
	t.mu.Lock()
	select {
	case <-t.done:
		t.mu.Unlock()
		t.run(fn)
		return
	default:
	}
	t.conts = append(t.conts, fn)
	t.mu.Unlock()
}

// Cancel asks the operation to stop at its next yield point.
func (t *Task[T]) Cancel() {
	if t.cancel != nil {
		t.cancel()
	}
}

// Report updates progress. It is a no-op once the task has finished.
func (t *Task[T]) Report(p Progress) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.code != Pending {
		return
	}
	t.progress = p
}

// Complete finishes the task. Only the first call has any effect.
func (t *Task[T]) Complete(value T, code Code, err error) bool {
	t.mu.Lock()
	if t.code != Pending {
		t.mu.Unlock()
		return false
	}
	if code == Pending {
		code = Success
	}
	t.value, t.code, t.err = value, code, err
	if code == Success && t.progress.Total > 0 {
		t.progress.Current = t.progress.Total
		t.progress.Fraction = 0
	}
	conts := t.conts
	t.conts = nil
	close(t.done)
	t.mu.Unlock()

	if t.cancel != nil {
		t.cancel()
	}
	for _, fn := range conts {
		t.run(fn)
	}
	return true
}

func (t *Task[T]) run(fn func(*Task[T])) {
	if t.dispatch != nil {
		t.dispatch(func() { fn(t) })
		return
	}
	fn(t)
}

// Error wraps an error with the code it should surface as.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Code.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// Fail builds an *Error.
func Fail(code Code, err error) error {
	return &Error{Code: code, Err: err}
}

// CodeOf maps err to a result code. Context cancellation becomes Cancelled;
// untagged errors become fallback.
func CodeOf(err error, fallback Code) Code {
	if err == nil {
		return Success
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return Cancelled
	}
	return fallback
}
