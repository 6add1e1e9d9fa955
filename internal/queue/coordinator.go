// Package queue holds pending backup actions and the elastic pool of
// executors that run them.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"keepsake/internal/action"
)

// ErrBusy is returned by user-triggered mutations that found the queue
// locked. Nothing changed; the caller may retry.
var ErrBusy = errors.New("queue in use, retry")

// Stopper stops the device manager once the pool has drained.
type Stopper interface {
	Stop()
}

type Config struct {
	PoolSize     int
	PollInterval time.Duration
	Stopper      Stopper
	// OnComplete runs on the executor goroutine after an action finished.
	OnComplete func(*action.Action)
	Logger     *slog.Logger
}

// Coordinator is the state shared by the controller and every executor.
// Queue contents are guarded by mu; the desired pool size is read lock-free
// by executors.
type Coordinator struct {
	ctx        context.Context
	poll       time.Duration
	stopper    Stopper
	onComplete func(*action.Action)
	logger     *slog.Logger

	mu        sync.Mutex
	pending   []*action.Action
	running   []*action.Action
	completed []*action.Action

	desired atomic.Int64

	poolMu    sync.Mutex
	executors map[int]*Executor

	exitMu sync.Mutex
	exited bool
}

func New(ctx context.Context, cfg Config) *Coordinator {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 250 * time.Millisecond
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	c := &Coordinator{
		ctx:        ctx,
		poll:       cfg.PollInterval,
		stopper:    cfg.Stopper,
		onComplete: cfg.OnComplete,
		logger:     cfg.Logger,
		executors:  make(map[int]*Executor),
	}
	if cfg.PoolSize > 0 {
		c.desired.Store(int64(cfg.PoolSize))
	}
	return c
}

// Enqueue appends actions to the pending queue.
func (c *Coordinator) Enqueue(actions ...*action.Action) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, actions...)
}

func (c *Coordinator) pop() *action.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.pending) == 0 {
		return nil
	}
	a := c.pending[0]
	c.pending[0] = nil
	c.pending = c.pending[1:]
	c.running = append(c.running, a)
	return a
}

func (c *Coordinator) complete(a *action.Action) {
	c.mu.Lock()
	for i, r := range c.running {
		if r == a {
			c.running = append(c.running[:i], c.running[i+1:]...)
			break
		}
	}
	c.completed = append(c.completed, a)
	c.mu.Unlock()

	ok, _ := a.Success()
	c.logger.Info("action finished", "action", a.Name(), "succeeded", ok, "duration", a.Duration().String())
	if c.onComplete != nil {
		c.onComplete(a)
	}
}

// validPositions checks 1-based positions against a queue of length n and
// returns them deduplicated in ascending order.
func validPositions(positions []int, n int) ([]int, error) {
	if len(positions) == 0 {
		return nil, fmt.Errorf("%w: no positions given", ErrInvalidPosition)
	}
	seen := make(map[int]bool, len(positions))
	out := make([]int, 0, len(positions))
	for _, p := range positions {
		if p < 1 || p > n {
			return nil, fmt.Errorf("%w: %d is outside the queue (1-%d)", ErrInvalidPosition, p, n)
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	sort.Ints(out)
	return out, nil
}

// Reorder moves the actions at positions so they sit before the action
// originally at the destination, keeping their relative order.
func (c *Coordinator) Reorder(positions []int, to string) error {
	if !c.mu.TryLock() {
		return ErrBusy
	}
	defer c.mu.Unlock()

	n := len(c.pending)
	from, err := validPositions(positions, n)
	if err != nil {
		return err
	}
	dest, err := ParseDestination(to, n)
	if err != nil {
		return err
	}

	moving := make([]*action.Action, 0, len(from))
	remaining := make([]*action.Action, 0, n-len(from))
	shift := 0
	next := 0
	for i, a := range c.pending {
		pos := i + 1
		if next < len(from) && from[next] == pos {
			moving = append(moving, a)
			next++
			if pos < dest {
				shift++
			}
			continue
		}
		remaining = append(remaining, a)
	}

	at := dest - 1 - shift
	if at > len(remaining) {
		at = len(remaining)
	}
	reordered := make([]*action.Action, 0, n)
	reordered = append(reordered, remaining[:at]...)
	reordered = append(reordered, moving...)
	reordered = append(reordered, remaining[at:]...)
	c.pending = reordered
	return nil
}

// Dequeue removes the actions at positions and returns them in queue order.
func (c *Coordinator) Dequeue(positions []int) ([]*action.Action, error) {
	if !c.mu.TryLock() {
		return nil, ErrBusy
	}
	defer c.mu.Unlock()

	asc, err := validPositions(positions, len(c.pending))
	if err != nil {
		return nil, err
	}
	removed := make([]*action.Action, len(asc))
	for i := len(asc) - 1; i >= 0; i-- {
		idx := asc[i] - 1
		removed[i] = c.pending[idx]
		c.pending = append(c.pending[:idx], c.pending[idx+1:]...)
	}
	return removed, nil
}

// ClearCompleted drops finished actions and reports how many went.
func (c *Coordinator) ClearCompleted() (int, error) {
	if !c.mu.TryLock() {
		return 0, ErrBusy
	}
	defer c.mu.Unlock()
	kept := c.completed[:0]
	cleared := 0
	for _, a := range c.completed {
		if a.State().Terminal() {
			cleared++
			continue
		}
		kept = append(kept, a)
	}
	c.completed = kept
	return cleared, nil
}

// SetPoolSize changes the desired number of executors. Executors react on
// their next loop; none is interrupted.
func (c *Coordinator) SetPoolSize(n int) error {
	if n < 0 {
		return fmt.Errorf("pool size must not be negative, got %d", n)
	}
	if !c.mu.TryLock() {
		return ErrBusy
	}
	defer c.mu.Unlock()
	c.desired.Store(int64(n))
	return nil
}

func (c *Coordinator) PoolSize() int { return int(c.desired.Load()) }

// AddExecutor spawns an executor on the lowest free ordinal.
func (c *Coordinator) AddExecutor() *Executor {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	ordinal := 1
	for {
		if _, taken := c.executors[ordinal]; !taken {
			break
		}
		ordinal++
	}
	e := &Executor{Ordinal: ordinal, done: make(chan struct{})}
	c.executors[ordinal] = e
	go e.run(c.ctx, c)
	return e
}

// PruneDeadExecutors forgets executors whose loop returned.
func (c *Coordinator) PruneDeadExecutors() int {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	pruned := 0
	for ordinal, e := range c.executors {
		if e.Dead() {
			delete(c.executors, ordinal)
			pruned++
		}
	}
	return pruned
}

// Maintain prunes dead executors and spawns new ones up to the desired size.
func (c *Coordinator) Maintain() {
	c.PruneDeadExecutors()
	for c.ExecutorCount() < c.PoolSize() {
		c.AddExecutor()
	}
}

func (c *Coordinator) ExecutorCount() int {
	c.poolMu.Lock()
	defer c.poolMu.Unlock()
	return len(c.executors)
}

// Exit drains the pool and stops the device manager. Running actions finish
// first. Calling Exit again after it returned nil does nothing.
func (c *Coordinator) Exit(ctx context.Context) error {
	c.exitMu.Lock()
	defer c.exitMu.Unlock()
	if c.exited {
		return nil
	}
	c.desired.Store(0)
	for {
		c.PruneDeadExecutors()
		if c.ExecutorCount() == 0 {
			break
		}
		select {
		case <-time.After(c.poll):
		case <-ctx.Done():
			return fmt.Errorf("waiting for executors: %w", ctx.Err())
		}
	}
	if c.stopper != nil {
		c.stopper.Stop()
	}
	c.exited = true
	c.logger.Info("queue exited")
	return nil
}
