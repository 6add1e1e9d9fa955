package queue

import (
	"time"

	"keepsake/internal/action"
)

// Item describes one action for status views.
type Item struct {
	Position   int           `json:"position,omitempty"`
	ID         string        `json:"id"`
	Name       string        `json:"name"`
	State      string        `json:"state"`
	Duration   time.Duration `json:"duration_ns"`
	StartedAt  *time.Time    `json:"started_at,omitempty"`
	FinishedAt *time.Time    `json:"finished_at,omitempty"`
	Errors     []string      `json:"errors,omitempty"`
}

type Counts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	PoolSize  int `json:"pool_size"`
	Executors int `json:"executors"`
}

type Snapshot struct {
	Counts                Counts        `json:"counts"`
	AverageCompletionTime time.Duration `json:"average_completion_ns"`
	Pending               []Item        `json:"pending"`
	Running               []Item        `json:"running"`
	Completed             []Item        `json:"completed"`
}

func item(pos int, a *action.Action) Item {
	return Item{
		Position:   pos,
		ID:         a.ID(),
		Name:       a.Name(),
		State:      a.State().String(),
		Duration:   a.Duration(),
		StartedAt:  timeOrNil(a.StartedAt()),
		FinishedAt: timeOrNil(a.FinishedAt()),
		Errors:     a.Errors(),
	}
}

func timeOrNil(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func names(actions []*action.Action) []string {
	out := make([]string, len(actions))
	for i, a := range actions {
		out[i] = a.Name()
	}
	return out
}

// QueuedNames lists pending actions, next to run first.
func (c *Coordinator) QueuedNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return names(c.pending)
}

func (c *Coordinator) RunningNames() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return names(c.running)
}

// Completed returns finished actions, oldest first.
func (c *Coordinator) Completed() []*action.Action {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*action.Action(nil), c.completed...)
}

// AverageCompletionTime is the mean duration of finished actions, zero when
// none finished.
func (c *Coordinator) AverageCompletionTime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.averageLocked()
}

func (c *Coordinator) averageLocked() time.Duration {
	var total time.Duration
	n := 0
	for _, a := range c.completed {
		if d := a.Duration(); d >= 0 {
			total += d
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

func (c *Coordinator) Counts() Counts {
	c.mu.Lock()
	counts := c.countsLocked()
	c.mu.Unlock()
	counts.Executors = c.ExecutorCount()
	return counts
}

func (c *Coordinator) countsLocked() Counts {
	counts := Counts{
		Pending:   len(c.pending),
		Running:   len(c.running),
		Completed: len(c.completed),
		PoolSize:  c.PoolSize(),
	}
	for _, a := range c.completed {
		if ok, done := a.Success(); done && ok {
			counts.Succeeded++
		} else if done {
			counts.Failed++
		}
	}
	return counts
}

// Messages returns the merged logs of every finished action, prefixed with
// the action name.
func (c *Coordinator) Messages() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for _, a := range c.completed {
		for _, e := range a.Logs() {
			prefix := a.Name() + ": "
			if e.Error {
				prefix = a.Name() + ": error: "
			}
			out = append(out, e.At.Format(time.RFC3339)+" "+prefix+e.Text)
		}
	}
	return out
}

// Snapshot copies the whole queue state.
func (c *Coordinator) Snapshot() Snapshot {
	c.mu.Lock()
	s := Snapshot{
		Counts:                c.countsLocked(),
		AverageCompletionTime: c.averageLocked(),
		Pending:               make([]Item, len(c.pending)),
		Running:               make([]Item, len(c.running)),
		Completed:             make([]Item, len(c.completed)),
	}
	for i, a := range c.pending {
		s.Pending[i] = item(i+1, a)
	}
	for i, a := range c.running {
		s.Running[i] = item(0, a)
	}
	for i, a := range c.completed {
		s.Completed[i] = item(0, a)
	}
	c.mu.Unlock()
	s.Counts.Executors = c.ExecutorCount()
	return s
}
