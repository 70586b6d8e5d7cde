package autoscheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/collab/fake"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/internal/workerpool"
	"github.com/tensorgraph/autotune/schedule"
)

func newTestScheduler(t *testing.T) (*AutoScheduler, *workerpool.Pool) {
	pool := workerpool.New(2, 200*time.Millisecond)
	t.Cleanup(pool.Shutdown)
	a := New(Options{
		Pool:            pool,
		SearchSpace:     fake.NewSearchSpace(64, 1),
		Judge:           fake.NewJudge(2),
		Interpreter:     fake.Interpreter{},
		DefaultTopk:     4,
		DefaultNewTrial: 6,
		Timeout:         200 * time.Millisecond,
		RandSeed:        3,
	})
	return a, pool
}

func TestScheduleForProducesResult(t *testing.T) {
	a, _ := newTestScheduler(t)
	sub := &graph.Subgraph{Key: 1, Tag: "t1", RootOps: []string{"matmul"}}

	h := a.ScheduleFor(1, sub, collab.Target{Device: "llvm"}, collab.PolicyRandom, 0)
	result, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, graph.SubgraphKey(1), result.Key)
	assert.NotNil(t, result.Schedule)
	assert.NotNil(t, result.Entity)
}

func TestFeedbackForPopulatesTopK(t *testing.T) {
	a, _ := newTestScheduler(t)
	sub := &graph.Subgraph{Key: 1, Tag: "t1", RootOps: []string{"matmul"}}

	h := a.ScheduleFor(1, sub, collab.Target{Device: "llvm"}, collab.PolicyRandom, 0)
	result, err := h.Wait()
	require.NoError(t, err)

	a.FeedbackFor(1, result, 12.5)

	ctx := a.contextFor(1, collab.Target{}, collab.PolicyRandom)
	assert.Equal(t, 1, ctx.topk.Len())
}

func TestFeedbackZeroGflopsDoesNotEnterTopK(t *testing.T) {
	a, _ := newTestScheduler(t)
	sub := &graph.Subgraph{Key: 1, Tag: "t1", RootOps: []string{"matmul"}}

	h := a.ScheduleFor(1, sub, collab.Target{Device: "llvm"}, collab.PolicyRandom, 0)
	result, err := h.Wait()
	require.NoError(t, err)

	a.FeedbackFor(1, result, 0)
	ctx := a.contextFor(1, collab.Target{}, collab.PolicyRandom)
	assert.Equal(t, 0, ctx.topk.Len())
}

func TestScheduleWithEntityDeterministic(t *testing.T) {
	a, _ := newTestScheduler(t)
	sub := &graph.Subgraph{Key: 1, Tag: "t1", RootOps: []string{"matmul"}}

	r1, err := a.ScheduleWithEntity(1, sub, collab.Target{Device: "llvm"}, fake.NewSearchSpace(8, 1).ChooseOne())
	require.NoError(t, err)
	r2, err := a.ScheduleWithEntity(1, sub, collab.Target{Device: "llvm"}, r1.Entity)
	require.NoError(t, err)
	assert.True(t, r1.Entity.Equal(r2.Entity))
	assert.Equal(t, r1.Schedule.String(), r2.Schedule.String())
}

func TestKnowingSchedulesFlushIntoKnown(t *testing.T) {
	ctx := NewContext(4, 1, collab.Target{}, collab.PolicyRandom)
	space := fake.NewSearchSpace(1000000, 7)
	for i := 0; i < knowingFlushThreshold+1; i++ {
		e := space.ChooseOne()
		ctx.addFeedback(schedule.Result{Entity: e}, 0) // score 0: only exercises the novelty sets.
	}
	ctx.mu.Lock()
	knowingSize := len(ctx.knowing)
	ctx.mu.Unlock()
	assert.LessOrEqual(t, knowingSize, knowingFlushThreshold, "knowing set should have rotated into known")
}
