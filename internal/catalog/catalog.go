package catalog

import (
	"sync"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/internal/workerpool"
	"github.com/tensorgraph/autotune/schedule"
)

// PendingBuild is what the pending[k] queue actually carries: a schedule
// result together with the (already in-flight) handle to its compiled
// Module. The autoschedule loop kicks off the build job itself before
// enqueueing, so run_build only ever has to wait on a handle that's
// already running.
type PendingBuild struct {
	Result schedule.Result
	Handle *workerpool.Handle[collab.Module]
}

// Catalog owns the three parallel per-subgraph queues (pending, built,
// best) for one task, each guarded by its own lock; no lock is ever held
// across a wait on another.
type Catalog struct {
	mu      sync.Mutex // guards lazy creation of the per-key queues below.
	pending map[graph.SubgraphKey]*Queue[PendingBuild]
	built   map[graph.SubgraphKey]*Queue[collab.BuiltFunction]
	best    map[graph.SubgraphKey]*Slot[collab.ScoredFunction]
}

// New returns an empty Catalog.
func New() *Catalog {
	return &Catalog{
		pending: make(map[graph.SubgraphKey]*Queue[PendingBuild]),
		built:   make(map[graph.SubgraphKey]*Queue[collab.BuiltFunction]),
		best:    make(map[graph.SubgraphKey]*Slot[collab.ScoredFunction]),
	}
}

// Pending returns the pending-build queue for k, creating it on first use.
func (c *Catalog) Pending(k graph.SubgraphKey) *Queue[PendingBuild] {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.pending[k]
	if !ok {
		q = NewQueue[PendingBuild](Capacity)
		c.pending[k] = q
	}
	return q
}

// Built returns the built-function queue for k, creating it on first use.
func (c *Catalog) Built(k graph.SubgraphKey) *Queue[collab.BuiltFunction] {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.built[k]
	if !ok {
		q = NewQueue[collab.BuiltFunction](Capacity)
		c.built[k] = q
	}
	return q
}

// Best returns the best-function slot for k, creating it on first use.
func (c *Catalog) Best(k graph.SubgraphKey) *Slot[collab.ScoredFunction] {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.best[k]
	if !ok {
		s = NewSlot[collab.ScoredFunction]()
		c.best[k] = s
	}
	return s
}

// AllHaveBest reports whether every key in keys currently has a non-empty
// best slot -- the condition that flips cached_all_functions[task] to true.
func (c *Catalog) AllHaveBest(keys []graph.SubgraphKey) bool {
	for _, k := range keys {
		if c.Best(k).Empty() {
			return false
		}
	}
	return true
}

// Better is the ordering used for best[k] replacement: higher GFLOPS wins.
// Sentinel seed scores (prepare-for-test) use -999 and are only ever
// replaced by a real measurement, never by another seed.
func Better(candidate, current collab.ScoredFunction) bool {
	return candidate.GFLOPS > current.GFLOPS
}
