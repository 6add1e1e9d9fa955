package queue

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMutationsFailFastWhileLocked(t *testing.T) {
	c := New(context.Background(), Config{})
	c.mu.Lock()
	defer c.mu.Unlock()

	assert.ErrorIs(t, c.Reorder([]int{1}, "top"), ErrBusy)
	_, err := c.Dequeue([]int{1})
	assert.ErrorIs(t, err, ErrBusy)
	_, err = c.ClearCompleted()
	assert.ErrorIs(t, err, ErrBusy)
	assert.ErrorIs(t, c.SetPoolSize(3), ErrBusy)
	assert.Equal(t, 0, c.PoolSize())
}
