// Package graph holds the data model for partitioned tensor compute graphs:
// subgraphs, their tensors, and the DAG that relates them. The tensor IR
// itself (operator bodies, dtypes, device buffers) is an external
// collaborator's concern; this package only carries the stable identifiers
// and shape-level metadata the session engine needs to route work.
package graph

import (
	"fmt"

	"github.com/pkg/errors"
)

// SubgraphKey is the opaque stable identifier of a partitioned subgraph.
type SubgraphKey int64

func (k SubgraphKey) String() string {
	return fmt.Sprintf("%d", int64(k))
}

// Shape is shape-level metadata for a tensor: enough to allocate a zeroed
// buffer for it, without carrying the tensor IR itself.
type Shape struct {
	Dims  []int64
	DType string
}

// NumElements returns the product of Dims, or 0 for a rank-0 shape with no
// dims recorded.
func (s Shape) NumElements() int64 {
	if len(s.Dims) == 0 {
		return 0
	}
	n := int64(1)
	for _, d := range s.Dims {
		n *= d
	}
	return n
}

// TensorRef names a tensor within a subgraph (or the original graph, via
// MultiGraph.TensorIndex). Two TensorRefs with the same Name are assumed to
// refer to the same underlying buffer.
type TensorRef struct {
	Name  string
	Shape Shape
}

// Subgraph is a maximal connected piece of a task's DAG after partitioning,
// compiled and tuned as a single kernel.
type Subgraph struct {
	Key SubgraphKey

	// Tag is a structural hash: subgraphs with equal Tag are assumed
	// interchangeable for schedule reuse.
	Tag string

	Inputs, Labels, Outputs     []TensorRef
	Weights, Gradients, Updates []TensorRef
	Loss                        *TensorRef
	LR                          *TensorRef

	// RootOps names the compute roots this subgraph is scheduled from. The
	// actual operator bodies live in the tensor IR, out of scope here.
	RootOps []string

	// GFLOP is the compute cost of one invocation, used to turn a measured
	// elapsed time into a GFLOPS score.
	GFLOP float64
}

// AllTensors returns the canonical argument order used to assemble a call:
// inputs, labels, outputs, weights, loss, gradients, lr, updates. This order
// is load-bearing: collab.Module entry points expect arguments in exactly
// this sequence.
func (s *Subgraph) AllTensors() []TensorRef {
	n := len(s.Inputs) + len(s.Labels) + len(s.Outputs) + len(s.Weights) + len(s.Gradients) + len(s.Updates)
	if s.Loss != nil {
		n++
	}
	if s.LR != nil {
		n++
	}
	out := make([]TensorRef, 0, n)
	out = append(out, s.Inputs...)
	out = append(out, s.Labels...)
	out = append(out, s.Outputs...)
	out = append(out, s.Weights...)
	if s.Loss != nil {
		out = append(out, *s.Loss)
	}
	out = append(out, s.Gradients...)
	if s.LR != nil {
		out = append(out, *s.LR)
	}
	out = append(out, s.Updates...)
	return out
}

// Attrs are the per-key DAG attributes needed to drive a Kahn walk.
type Attrs struct {
	NumPredecessors int
	Successors      []SubgraphKey
}

// MultiGraph is a pre-partitioned multigraph: one Subgraph per SubgraphKey,
// DAG attributes relating them, and a map from original-graph tensor names
// to their subgraph-local counterparts.
type MultiGraph struct {
	Subgraphs   map[SubgraphKey]*Subgraph
	Attrs       map[SubgraphKey]*Attrs
	TensorIndex map[string][]TensorRef
}

// NewMultiGraph returns an empty MultiGraph ready to be populated.
func NewMultiGraph() *MultiGraph {
	return &MultiGraph{
		Subgraphs:   make(map[SubgraphKey]*Subgraph),
		Attrs:       make(map[SubgraphKey]*Attrs),
		TensorIndex: make(map[string][]TensorRef),
	}
}

// AddSubgraph registers sub and initializes its DAG attributes if absent.
func (g *MultiGraph) AddSubgraph(sub *Subgraph) {
	g.Subgraphs[sub.Key] = sub
	if _, ok := g.Attrs[sub.Key]; !ok {
		g.Attrs[sub.Key] = &Attrs{}
	}
}

// AddEdge records that `from` is a predecessor of `to` in the task DAG.
func (g *MultiGraph) AddEdge(from, to SubgraphKey) {
	fa := g.attrsOrNew(from)
	fa.Successors = append(fa.Successors, to)
	ta := g.attrsOrNew(to)
	ta.NumPredecessors++
}

func (g *MultiGraph) attrsOrNew(k SubgraphKey) *Attrs {
	a, ok := g.Attrs[k]
	if !ok {
		a = &Attrs{}
		g.Attrs[k] = a
	}
	return a
}

// TopoOrder computes a topological sort of the DAG via Kahn's algorithm.
// It returns an error if the graph contains a cycle.
func (g *MultiGraph) TopoOrder() ([]SubgraphKey, error) {
	indegree := make(map[SubgraphKey]int, len(g.Attrs))
	for k, a := range g.Attrs {
		indegree[k] = a.NumPredecessors
	}
	var queue []SubgraphKey
	for k, deg := range indegree {
		if deg == 0 {
			queue = append(queue, k)
		}
	}
	// Deterministic ordering among ties, so tests are stable.
	sortKeys(queue)

	order := make([]SubgraphKey, 0, len(indegree))
	for len(queue) > 0 {
		k := queue[0]
		queue = queue[1:]
		order = append(order, k)
		var freed []SubgraphKey
		for _, succ := range g.Attrs[k].Successors {
			indegree[succ]--
			if indegree[succ] == 0 {
				freed = append(freed, succ)
			}
		}
		sortKeys(freed)
		queue = append(queue, freed...)
	}
	if len(order) != len(indegree) {
		return nil, errors.Errorf("multigraph has a cycle: topo-sorted %d of %d subgraphs", len(order), len(indegree))
	}
	return order, nil
}

func sortKeys(ks []SubgraphKey) {
	for i := 1; i < len(ks); i++ {
		for j := i; j > 0 && ks[j-1] > ks[j]; j-- {
			ks[j-1], ks[j] = ks[j], ks[j-1]
		}
	}
}
