package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
)

func TestQueueBoundedDrop(t *testing.T) {
	q := NewQueue[int](2)
	assert.True(t, q.Push(1))
	assert.True(t, q.Push(2))
	assert.False(t, q.Push(3), "third push should be dropped at capacity 2")
	assert.Equal(t, 2, q.Len())

	v, ok := q.Pop()
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestQueueFIFOOrder(t *testing.T) {
	q := NewQueue[string](10)
	q.Push("a")
	q.Push("b")
	q.Push("c")
	var got []string
	for {
		v, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestSlotSetIfBetter(t *testing.T) {
	s := NewSlot[collab.ScoredFunction]()
	assert.True(t, s.Empty())

	replaced := s.SetIfBetter(collab.ScoredFunction{GFLOPS: 5}, Better)
	assert.True(t, replaced)

	replaced = s.SetIfBetter(collab.ScoredFunction{GFLOPS: 3}, Better)
	assert.False(t, replaced, "lower gflops should not replace")
	v, ok := s.Get()
	assert.True(t, ok)
	assert.Equal(t, 5.0, v.GFLOPS)

	replaced = s.SetIfBetter(collab.ScoredFunction{GFLOPS: 9}, Better)
	assert.True(t, replaced)
	v, _ = s.Get()
	assert.Equal(t, 9.0, v.GFLOPS)
}

func TestCatalogLazyCreationAndAllHaveBest(t *testing.T) {
	c := New()
	keys := []graph.SubgraphKey{1, 2}

	assert.False(t, c.AllHaveBest(keys))
	c.Best(1).Set(collab.ScoredFunction{GFLOPS: 1})
	assert.False(t, c.AllHaveBest(keys))
	c.Best(2).Set(collab.ScoredFunction{GFLOPS: 1})
	assert.True(t, c.AllHaveBest(keys))

	// Repeated access returns the same underlying queue/slot.
	assert.Same(t, c.Pending(1), c.Pending(1))
	assert.Same(t, c.Built(1), c.Built(1))
	assert.Same(t, c.Best(1), c.Best(1))
}
