package autoscheduler

import (
	"container/heap"
	"sync"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/schedule"
)

// scored pairs a schedule.Result with the score it was measured/judged at.
type scored struct {
	result schedule.Result
	score  float64
}

// topkHeap is a capped min-heap ordered by score: its root (index 0) and
// Pop give the worst (lowest-scoring) entry first, so a full heap can be trimmed by popping
// its root. It implements container/heap.Interface directly.
type topkHeap []scored

func (h topkHeap) Len() int            { return len(h) }
func (h topkHeap) Less(i, j int) bool  { return h[i].score < h[j].score }
func (h topkHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *topkHeap) Push(x any)         { *h = append(*h, x.(scored)) }
func (h *topkHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Context is the per-subgraph search state the Auto-Scheduler maintains
// across sampling rounds: a capped top-k heap of the best measured
// schedules, the known/knowing novelty sets, an attempt counter, and the
// subgraph's target/policy.
type Context struct {
	mu sync.Mutex

	Topk     int
	NewTrial int
	Target   collab.Target
	Policy   collab.Policy

	topk    topkHeap
	known   map[string]bool
	knowing map[string]bool
	counts  int
}

// knowingFlushThreshold is when knowing_schedules rotates into
// known_schedules.
const knowingFlushThreshold = 500

// NewContext returns a fresh search context for one subgraph.
func NewContext(topk, newTrial int, target collab.Target, policy collab.Policy) *Context {
	return &Context{
		Topk:     topk,
		NewTrial: newTrial,
		Target:   target,
		Policy:   policy,
		known:    make(map[string]bool),
		knowing:  make(map[string]bool),
	}
}

// Counts returns the number of completed sampling rounds.
func (c *Context) Counts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// rankedWorstToBest drains the top-k heap into a worst-to-best slice and
// restores the heap to its prior contents: draining is read-only from the
// caller's point of view, but the heap must still hold those candidates as
// seeds for future rounds.
func (c *Context) rankedWorstToBest() []scored {
	tmp := make(topkHeap, len(c.topk))
	copy(tmp, c.topk)
	ranked := make([]scored, 0, len(tmp))
	for tmp.Len() > 0 {
		ranked = append(ranked, heap.Pop(&tmp).(scored))
	}
	return ranked
}

// isKnown reports whether entity has been seen before, in either the known
// or knowing sets.
func (c *Context) isKnown(entity schedule.Entity) bool {
	key := entity.String()
	return c.known[key] || c.knowing[key]
}

// recordKnowing adds entity to the knowing set, rotating knowing into known
// once it overflows knowingFlushThreshold.
func (c *Context) recordKnowing(entity schedule.Entity) {
	key := entity.String()
	c.knowing[key] = true
	if len(c.knowing) > knowingFlushThreshold {
		for k := range c.knowing {
			c.known[k] = true
		}
		c.knowing = make(map[string]bool)
	}
}

// addFeedback inserts result into the capped top-k heap if score > 0,
// replacing the current worst entry if the heap is full and score beats
// it. It always records the entity into the novelty sets, regardless of
// score.
func (c *Context) addFeedback(result schedule.Result, score float64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if score > 0 {
		entry := scored{result: result, score: score}
		if c.topk.Len() < c.Topk {
			heap.Push(&c.topk, entry)
		} else if c.topk.Len() > 0 && score > c.topk[0].score {
			c.topk[0] = entry
			heap.Fix(&c.topk, 0)
		}
	}
	c.recordKnowing(result.Entity)
}
