package subtask

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"commissioner/internal/task"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu  sync.Mutex
	ran []string
}

func (r *recorder) action(name string, res Result) *Action {
	return NewAction(name, nil, func(ctx context.Context, params []byte) Result {
		r.mu.Lock()
		r.ran = append(r.ran, name)
		r.mu.Unlock()
		return res
	})
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

func group(name string, mode Mode, actions ...*Action) *Group {
	g := NewGroup(name, mode)
	if err := g.Add(actions...); err != nil {
		panic(err)
	}
	return g
}

func TestQueueRunsGroupsInOrder(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(uuid.New(), nil)
	q.Append(
		group("G1", Sequential, rec.action("a1", Succeeded(""))),
		group("G2", Sequential, rec.action("a2", Succeeded("")), rec.action("a3", Succeeded(""))),
	)

	var updates []Progress
	q.OnProgress(func(p Progress) { updates = append(updates, p) })

	res := q.Run(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.True(t, res.Succeeded())
	assert.Equal(t, 2, res.CompletedGroups)
	assert.Equal(t, 2, res.TotalGroups)
	assert.Equal(t, -1, res.FailedIndex)
	assert.Equal(t, []string{"a1", "a2", "a3"}, rec.names())

	require.Len(t, updates, 2)
	assert.Equal(t, 1, updates[0].CompletedGroups)
	assert.Equal(t, 1, updates[0].CompletedActions)
	assert.Equal(t, 2, updates[1].CompletedGroups)
	assert.Equal(t, 3, updates[1].CompletedActions)
	assert.Equal(t, 3, updates[1].TotalActions)
}

func TestQueueHaltsOnFailedGroup(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(uuid.New(), nil)
	q.Append(
		group("G1", Sequential, rec.action("a1", Succeeded(""))),
		group("G2", Sequential, rec.action("a2", Failed(&task.ActionError{Action: "a2", ExitCode: 1, Output: "bad"}, "bad"))),
		group("G3", Sequential, rec.action("a3", Succeeded(""))),
	)

	res := q.Run(context.Background(), nil)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, task.ErrActionFailure))
	assert.Equal(t, "G2", res.FailedGroup)
	assert.Equal(t, 1, res.FailedIndex)
	assert.Equal(t, 1, res.CompletedGroups)
	assert.Equal(t, []string{"a1", "a2"}, rec.names())
}

func TestSequentialGroupStopsAtFirstFailure(t *testing.T) {
	rec := &recorder{}
	q := NewQueue(uuid.New(), nil)
	q.Append(group("G1", Sequential,
		rec.action("a1", Succeeded("")),
		rec.action("a2", Failed(nil, "")),
		rec.action("a3", Succeeded("")),
	))

	res := q.Run(context.Background(), nil)
	require.Error(t, res.Err)
	assert.Equal(t, []string{"a1", "a2"}, rec.names())
}

func TestIgnoreErrorsGroupRunsAllAndProceeds(t *testing.T) {
	rec := &recorder{}
	g := group("CreatingTableBackup", Sequential,
		rec.action("a1", Succeeded("")),
		rec.action("a2", Failed(nil, "table gone")),
		rec.action("a3", Succeeded("")),
	)
	g.IgnoreErrors = true

	q := NewQueue(uuid.New(), nil)
	q.Append(g, group("Next", Sequential, rec.action("n1", Succeeded(""))))

	res := q.Run(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.Equal(t, 2, res.CompletedGroups)
	assert.Equal(t, []string{"CreatingTableBackup"}, res.DegradedGroups)
	assert.Equal(t, []string{"a1", "a2", "a3", "n1"}, rec.names())

	r2, ran := g.Actions()[1].Result()
	require.True(t, ran)
	assert.Equal(t, StatusFailure, r2.Status)
	assert.Equal(t, "table gone", r2.Output)
}

func TestParallelGroupWaitsForAllActions(t *testing.T) {
	var finished atomic.Bool
	slow := NewAction("A1", nil, func(ctx context.Context, params []byte) Result {
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return Succeeded("done")
	})
	fast := NewAction("A2", nil, func(ctx context.Context, params []byte) Result {
		return Failed(errors.New("fail fast"), "")
	})

	q := NewQueue(uuid.New(), nil)
	q.Append(group("P", Parallel, slow, fast))

	res := q.Run(context.Background(), nil)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "fail fast")
	assert.True(t, finished.Load())

	r1, ran := slow.Result()
	require.True(t, ran)
	assert.Equal(t, StatusSuccess, r1.Status)
}

func TestParallelGroupRespectsLimit(t *testing.T) {
	var inflight, peak int32
	mk := func(name string) *Action {
		return NewAction(name, nil, func(ctx context.Context, params []byte) Result {
			n := atomic.AddInt32(&inflight, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&inflight, -1)
			return Succeeded("")
		})
	}
	g := group("P", Parallel, mk("a"), mk("b"), mk("c"), mk("d"))
	g.Parallelism = 2

	q := NewQueue(uuid.New(), nil)
	q.Append(g)
	res := q.Run(context.Background(), nil)
	require.NoError(t, res.Err)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
}

func TestAbortObservedAtGroupBoundary(t *testing.T) {
	rec := &recorder{}
	token := NewAbortToken()
	g1 := group("G1", Sequential, NewAction("a1", nil, func(ctx context.Context, params []byte) Result {
		rec.mu.Lock()
		rec.ran = append(rec.ran, "a1")
		rec.mu.Unlock()
		token.Request()
		return Succeeded("")
	}))

	q := NewQueue(uuid.New(), nil)
	q.Append(g1,
		group("G2", Sequential, rec.action("a2", Succeeded(""))),
		group("G3", Sequential, rec.action("a3", Succeeded(""))),
	)

	res := q.Run(context.Background(), token)
	assert.True(t, res.Aborted)
	assert.True(t, errors.Is(res.Err, task.ErrAbortRequested))
	assert.Equal(t, 1, res.CompletedGroups)
	assert.Equal(t, []string{"a1"}, rec.names())
}

func TestAbortRefusedDuringLastGroup(t *testing.T) {
	rec := &recorder{}
	token := NewAbortToken()
	var accepted bool
	last := group("G2", Sequential, NewAction("a2", nil, func(ctx context.Context, params []byte) Result {
		accepted = token.Request()
		return Succeeded("")
	}))

	q := NewQueue(uuid.New(), nil)
	q.Append(group("G1", Sequential, rec.action("a1", Succeeded(""))), last)

	res := q.Run(context.Background(), token)
	require.NoError(t, res.Err)
	assert.False(t, accepted)
	assert.False(t, res.Aborted)
	assert.Equal(t, 2, res.CompletedGroups)
}

func TestGroupRunsOnlyOnce(t *testing.T) {
	var calls int32
	a := NewAction("a", nil, func(ctx context.Context, params []byte) Result {
		atomic.AddInt32(&calls, 1)
		return Succeeded("")
	})
	g := group("G", Sequential, a)

	q1 := NewQueue(uuid.New(), nil)
	q1.Append(g)
	require.NoError(t, q1.Run(context.Background(), nil).Err)

	q2 := NewQueue(uuid.New(), nil)
	q2.Append(g)
	res := q2.Run(context.Background(), nil)
	require.Error(t, res.Err)
	assert.True(t, errors.Is(res.Err, ErrGroupSealed))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	assert.ErrorIs(t, g.Add(a), ErrGroupSealed)
}

func TestQueueStopsOnCancelledContext(t *testing.T) {
	rec := &recorder{}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	q := NewQueue(uuid.New(), nil)
	q.Append(group("G1", Sequential, rec.action("a1", Succeeded(""))))
	res := q.Run(ctx, nil)
	require.Error(t, res.Err)
	assert.False(t, res.Aborted)
	assert.True(t, errors.Is(res.Err, context.Canceled))
	assert.Empty(t, rec.names())
}
