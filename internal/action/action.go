// Package action defines the unit of work the queue runs: an Action wraps a
// Runner and records its timing, its log and its outcome.
package action

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrAlreadyProcessed = errors.New("action already processed")

type State int

const (
	Pending State = iota
	Running
	Succeeded
	Failed
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool { return s == Succeeded || s == Failed }

// Result is what a Runner hands back. Only Succeed and Fail produce one; a
// zero Result counts as a failure.
type Result struct {
	set bool
	err error
}

func Succeed() Result { return Result{set: true} }

func Fail(err error) Result {
	if err == nil {
		err = errors.New("failed")
	}
	return Result{set: true, err: err}
}

// Runner does the actual work of an action.
type Runner interface {
	Name() string
	Run(ctx context.Context, log *Log) Result
}

// Entry is one timestamped log line.
type Entry struct {
	At    time.Time
	Text  string
	Error bool
}

// Log is an append-only record of what a runner did.
type Log struct {
	mu      sync.Mutex
	now     func() time.Time
	entries []Entry
}

func (l *Log) Message(format string, args ...any) { l.add(false, fmt.Sprintf(format, args...)) }
func (l *Log) Error(format string, args ...any)   { l.add(true, fmt.Sprintf(format, args...)) }

func (l *Log) add(isErr bool, text string) {
	now := time.Now
	if l.now != nil {
		now = l.now
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, Entry{At: now(), Text: text, Error: isErr})
}

func (l *Log) filter(errs bool) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range l.entries {
		if e.Error == errs {
			out = append(out, e.Text)
		}
	}
	return out
}

func (l *Log) all() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := append([]Entry(nil), l.entries...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

// Action is one queued unit of work. It moves Pending -> Running ->
// Succeeded|Failed exactly once.
type Action struct {
	id     string
	runner Runner
	log    *Log
	now    func() time.Time

	mu       sync.Mutex
	state    State
	started  time.Time
	finished time.Time
}

type Option func(*Action)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(a *Action) { a.now = now }
}

func New(r Runner, opts ...Option) *Action {
	a := &Action{id: uuid.NewString(), runner: r, now: time.Now}
	for _, opt := range opts {
		opt(a)
	}
	a.log = &Log{now: a.now}
	return a
}

func (a *Action) ID() string   { return a.id }
func (a *Action) Name() string { return a.runner.Name() }

// Process runs the action. It may be called once; later calls return
// ErrAlreadyProcessed and change nothing.
func (a *Action) Process(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Pending {
		a.mu.Unlock()
		return ErrAlreadyProcessed
	}
	a.state = Running
	a.started = a.now()
	a.mu.Unlock()

	res := a.run(ctx)
	final := Succeeded
	switch {
	case !res.set:
		a.log.Error("runner returned no result")
		final = Failed
	case res.err != nil:
		a.log.Error("%v", res.err)
		final = Failed
	}

	a.mu.Lock()
	a.state = final
	a.finished = a.now()
	a.mu.Unlock()
	return nil
}

func (a *Action) run(ctx context.Context) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Fail(fmt.Errorf("panic: %v", p))
		}
	}()
	return a.runner.Run(ctx, a.log)
}

func (a *Action) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Success reports the outcome; done is false until the action finished.
func (a *Action) Success() (ok bool, done bool) {
	s := a.State()
	return s == Succeeded, s.Terminal()
}

func (a *Action) Messages() []string { return a.log.filter(false) }
func (a *Action) Errors() []string   { return a.log.filter(true) }

// Logs merges messages and errors in time order.
func (a *Action) Logs() []Entry { return a.log.all() }

// Duration is the processing time, or -1 until the action finished.
func (a *Action) Duration() time.Duration {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.state.Terminal() {
		return -1
	}
	return a.finished.Sub(a.started)
}

func (a *Action) StartedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.started
}

func (a *Action) FinishedAt() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.finished
}
