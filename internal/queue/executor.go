package queue

import (
	"context"
	"time"
)

// Executor drains the pending queue. It stops for good once the desired pool
// size drops below its ordinal; a new executor has to be spawned to take its
// place.
type Executor struct {
	Ordinal int
	done    chan struct{}
}

func (e *Executor) Done() <-chan struct{} { return e.done }

func (e *Executor) Dead() bool {
	select {
	case <-e.done:
		return true
	default:
		return false
	}
}

func (e *Executor) run(ctx context.Context, c *Coordinator) {
	defer close(e.done)
	c.logger.Debug("executor started", "ordinal", e.Ordinal)
	defer c.logger.Debug("executor exited", "ordinal", e.Ordinal)

	for {
		if c.PoolSize() < e.Ordinal || ctx.Err() != nil {
			return
		}
		a := c.pop()
		if a == nil {
			timer := time.NewTimer(c.poll)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return
			}
			continue
		}
		if err := a.Process(ctx); err != nil {
			c.logger.Warn("action not processed", "action", a.Name(), "error", err)
		}
		c.complete(a)
	}
}
