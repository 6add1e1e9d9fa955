package queue_test

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"keepsake/internal/action"
	"keepsake/internal/queue"
)

type namedRunner struct {
	name string
	fail bool
	wait chan struct{}
}

func (r namedRunner) Name() string { return r.name }

func (r namedRunner) Run(_ context.Context, log *action.Log) action.Result {
	if r.wait != nil {
		<-r.wait
	}
	log.Message("ran %s", r.name)
	if r.fail {
		return action.Fail(io.ErrUnexpectedEOF)
	}
	return action.Succeed()
}

func actions(names ...string) []*action.Action {
	out := make([]*action.Action, len(names))
	for i, n := range names {
		out[i] = action.New(namedRunner{name: n})
	}
	return out
}

func newCoordinator(t *testing.T, pool int, opts ...func(*queue.Config)) *queue.Coordinator {
	t.Helper()
	cfg := queue.Config{
		PoolSize:     pool,
		PollInterval: 5 * time.Millisecond,
		Logger:       slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return queue.New(ctx, cfg)
}

func TestExpandRanges(t *testing.T) {
	got, err := queue.ExpandRanges("1,3-5,7-9,11")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 3, 4, 5, 7, 8, 9, 11}, got)

	got, err = queue.ExpandRanges("1-3,5,7-10,12,13,15-17")
	require.NoError(t, err)
	assert.Equal(t, []int{1, 2, 3, 5, 7, 8, 9, 10, 12, 13, 15, 16, 17}, got)

	got, err = queue.ExpandRanges(" 2 , 4-4 ")
	require.NoError(t, err)
	assert.Equal(t, []int{2, 4}, got)

	for _, bad := range []string{"", "0", "a", "3-1", "1,,2", "-2", "1-"} {
		_, err := queue.ExpandRanges(bad)
		assert.Error(t, err, bad)
	}
}

func TestExpandRangesRejectsOversizedLists(t *testing.T) {
	for _, huge := range []string{"1-50000000", "1-9999999999", "1-600000,1-600000"} {
		got, err := queue.ExpandRanges(huge)
		assert.ErrorIs(t, err, queue.ErrInvalidPosition, huge)
		assert.Nil(t, got, huge)
	}
	got, err := queue.ExpandRanges(fmt.Sprintf("2-%d", queue.MaxPositions+1))
	require.NoError(t, err)
	assert.Len(t, got, queue.MaxPositions)
}

func TestParseDestination(t *testing.T) {
	cases := map[string]int{"top": 1, "TOP": 1, "bottom": 5, "BOTTOM": 5, "1": 1, "5": 5}
	for in, want := range cases {
		got, err := queue.ParseDestination(in, 5)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	for _, bad := range []string{"0", "6", "middle", ""} {
		_, err := queue.ParseDestination(bad, 5)
		assert.Error(t, err, bad)
	}
}

func TestReorder(t *testing.T) {
	cases := []struct {
		positions string
		to        string
		want      []string
	}{
		{"2,4", "1", []string{"B", "D", "A", "C", "E", "F"}},
		{"2,4", "top", []string{"B", "D", "A", "C", "E", "F"}},
		{"2,4", "bottom", []string{"A", "C", "E", "B", "D", "F"}},
		{"1", "bottom", []string{"B", "C", "D", "E", "A", "F"}},
		{"6", "bottom", []string{"A", "B", "C", "D", "E", "F"}},
		{"2,4", "5", []string{"A", "C", "B", "D", "E", "F"}},
		{"5-6", "2", []string{"A", "E", "F", "B", "C", "D"}},
		{"2-3", "3", []string{"A", "B", "C", "D", "E", "F"}},
		{"4,1", "6", []string{"B", "C", "E", "A", "D", "F"}},
		{"1-6", "bottom", []string{"A", "B", "C", "D", "E", "F"}},
	}
	for _, tc := range cases {
		t.Run(tc.positions+"->"+tc.to, func(t *testing.T) {
			c := newCoordinator(t, 0)
			c.Enqueue(actions("A", "B", "C", "D", "E", "F")...)
			positions, err := queue.ExpandRanges(tc.positions)
			require.NoError(t, err)
			require.NoError(t, c.Reorder(positions, tc.to))
			assert.Equal(t, tc.want, c.QueuedNames())
		})
	}
}

func TestReorderAndDequeuePreserveMultiset(t *testing.T) {
	c := newCoordinator(t, 0)
	all := actions("A", "B", "C", "D", "E", "F", "G", "H")
	c.Enqueue(all...)

	moves := []struct {
		positions []int
		to        string
	}{
		{[]int{8, 1}, "4"}, {[]int{3, 4, 5}, "bottom"}, {[]int{2}, "top"}, {[]int{1, 8}, "2"},
	}
	for _, m := range moves {
		require.NoError(t, c.Reorder(m.positions, m.to))
		got := c.QueuedNames()
		sort.Strings(got)
		assert.Equal(t, []string{"A", "B", "C", "D", "E", "F", "G", "H"}, got)
	}

	before := c.QueuedNames()
	removed, err := c.Dequeue([]int{5, 1, 3})
	require.NoError(t, err)
	require.Len(t, removed, 3)
	assert.Equal(t, []string{before[0], before[2], before[4]}, []string{removed[0].Name(), removed[1].Name(), removed[2].Name()})
	assert.Equal(t, []string{before[1], before[3], before[5], before[6], before[7]}, c.QueuedNames())
}

func TestInvalidPositionsLeaveQueueUntouched(t *testing.T) {
	c := newCoordinator(t, 0)
	c.Enqueue(actions("A", "B", "C")...)
	assert.ErrorIs(t, c.Reorder([]int{4}, "1"), queue.ErrInvalidPosition)
	assert.ErrorIs(t, c.Reorder([]int{1}, "9"), queue.ErrInvalidPosition)
	_, err := c.Dequeue([]int{0})
	assert.ErrorIs(t, err, queue.ErrInvalidPosition)
	_, err = c.Dequeue(nil)
	assert.ErrorIs(t, err, queue.ErrInvalidPosition)
	assert.Equal(t, []string{"A", "B", "C"}, c.QueuedNames())
}

func TestExecutorsDrainQueue(t *testing.T) {
	var completed atomic.Int32
	c := newCoordinator(t, 2, func(cfg *queue.Config) {
		cfg.OnComplete = func(*action.Action) { completed.Add(1) }
	})
	acts := actions("A", "B", "C", "D", "E")
	acts = append(acts, action.New(namedRunner{name: "bad", fail: true}))
	c.Enqueue(acts...)
	c.Maintain()
	assert.Equal(t, 2, c.ExecutorCount())

	require.Eventually(t, func() bool { return completed.Load() == 6 }, 5*time.Second, 5*time.Millisecond)
	counts := c.Counts()
	assert.Equal(t, 0, counts.Pending)
	assert.Equal(t, 6, counts.Completed)
	assert.Equal(t, 5, counts.Succeeded)
	assert.Equal(t, 1, counts.Failed)
	assert.GreaterOrEqual(t, c.AverageCompletionTime(), time.Duration(0))
	assert.NotEmpty(t, c.Messages())
	snap := c.Snapshot()
	require.Len(t, snap.Completed, 6)
	for _, it := range snap.Completed {
		require.NotNil(t, it.StartedAt)
		require.NotNil(t, it.FinishedAt)
		assert.False(t, it.FinishedAt.Before(*it.StartedAt))
	}

	cleared, err := c.ClearCompleted()
	require.NoError(t, err)
	assert.Equal(t, 6, cleared)
	assert.Empty(t, c.Completed())
}

func TestExecutorExitsWhenPoolShrinksBelowOrdinal(t *testing.T) {
	c := newCoordinator(t, 3)
	c.Maintain()
	require.Equal(t, 3, c.ExecutorCount())

	require.NoError(t, c.SetPoolSize(1))
	require.Eventually(t, func() bool {
		c.PruneDeadExecutors()
		return c.ExecutorCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The survivor is ordinal 1 and keeps working.
	c.Enqueue(actions("A")...)
	require.Eventually(t, func() bool { return len(c.Completed()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, c.SetPoolSize(2))
	c.Maintain()
	assert.Equal(t, 2, c.ExecutorCount())
	assert.Error(t, c.SetPoolSize(-1))
}

type countingStopper struct{ calls atomic.Int32 }

func (s *countingStopper) Stop() { s.calls.Add(1) }

func TestExitWaitsForRunningActionAndIsIdempotent(t *testing.T) {
	stopper := &countingStopper{}
	c := newCoordinator(t, 1, func(cfg *queue.Config) { cfg.Stopper = stopper })
	release := make(chan struct{})
	c.Enqueue(action.New(namedRunner{name: "slow", wait: release}))
	c.Maintain()
	require.Eventually(t, func() bool { return len(c.RunningNames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	exited := make(chan error, 1)
	go func() { exited <- c.Exit(context.Background()) }()

	select {
	case <-exited:
		t.Fatal("exit returned while an action was running")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Zero(t, stopper.calls.Load())

	close(release)
	select {
	case err := <-exited:
		require.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("exit did not return")
	}
	assert.Equal(t, 0, c.ExecutorCount())
	assert.Equal(t, int32(1), stopper.calls.Load())
	assert.Equal(t, 0, c.PoolSize())

	require.NoError(t, c.Exit(context.Background()))
	assert.Equal(t, int32(1), stopper.calls.Load())
}

func TestExitHonoursContext(t *testing.T) {
	c := newCoordinator(t, 1)
	release := make(chan struct{})
	defer close(release)
	c.Enqueue(action.New(namedRunner{name: "stuck", wait: release}))
	c.Maintain()
	require.Eventually(t, func() bool { return len(c.RunningNames()) == 1 }, 2*time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, c.Exit(ctx), context.DeadlineExceeded)
}
