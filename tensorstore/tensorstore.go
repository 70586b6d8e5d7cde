// Package tensorstore implements the persistent/volatile tensor store:
// owning maps from tensor name to device buffer, weight/gradient/update
// initialization and aliasing, and the canonical argument-vector assembly
// run_functions needs.
package tensorstore

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/tensorgraph/autotune/graph"
)

// ErrMissingFunction is returned when an argument buffer cannot be found
// for one of a subgraph's tensors.
var ErrMissingFunction = errors.New("tensorstore: missing argument buffer")

// Buffer is an opaque device buffer. The session core never interprets its
// contents -- that's the tensor IR and device runtime's job -- it only
// moves references around.
type Buffer any

// Store owns the persistent tensors (weights, gradients, updates, loss) and
// the volatile intermediate tensors (subgraph outputs) for one task.
//
// weights[i] and updates[i] alias the same Buffer: Store enforces this by
// storing updates as a name-to-name alias table rather than a second copy.
type Store struct {
	mu sync.RWMutex

	persistent map[string]Buffer
	volatile   map[string]Buffer
	// aliasOf maps an updates[i] tensor name to the weights[i] name backing
	// it; Get resolves through this before falling through to volatile.
	aliasOf map[string]string
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		persistent: make(map[string]Buffer),
		volatile:   make(map[string]Buffer),
		aliasOf:    make(map[string]string),
	}
}

// BindWeight binds a user-provided buffer to a weight tensor.
func (s *Store) BindWeight(ref graph.TensorRef, buf Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent[ref.Name] = buf
}

// AllocateZero allocates a zero buffer for ref using alloc (the caller
// supplies the device-specific zero-allocation strategy, since buffer
// representation is out of scope here) and stores it as persistent.
func (s *Store) AllocateZero(ref graph.TensorRef, alloc func(graph.Shape) Buffer) Buffer {
	buf := alloc(ref.Shape)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.persistent[ref.Name] = buf
	return buf
}

// AliasUpdate records that updateRef shares weightRef's buffer in-place
// (invariant 4). No new buffer is allocated.
func (s *Store) AliasUpdate(updateRef, weightRef graph.TensorRef) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aliasOf[updateRef.Name] = weightRef.Name
}

// PutVolatile stores buf as the (task-scoped) volatile buffer for ref, e.g.
// a freshly allocated subgraph output.
func (s *Store) PutVolatile(ref graph.TensorRef, buf Buffer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.volatile[ref.Name] = buf
}

// Get resolves ref to its backing Buffer, following update aliases first,
// then persistent tensors, then volatile tensors.
func (s *Store) Get(ref graph.TensorRef) (Buffer, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	name := ref.Name
	if target, ok := s.aliasOf[name]; ok {
		name = target
	}
	if buf, ok := s.persistent[name]; ok {
		return buf, true
	}
	if buf, ok := s.volatile[name]; ok {
		return buf, true
	}
	return nil, false
}

// InitializeWeights binds bindings (user-provided weight buffers), then
// allocates zero gradient buffers and aliases each updates[i] onto
// weights[i], for every subgraph in mg. alloc supplies the
// zero-allocation strategy; a subgraph's loss tensor, if declared, is
// zero-allocated the same way.
func (s *Store) InitializeWeights(mg *graph.MultiGraph, bindings map[string]Buffer, alloc func(graph.Shape) Buffer) error {
	for _, sub := range mg.Subgraphs {
		for i, w := range sub.Weights {
			buf, ok := bindings[w.Name]
			if !ok {
				return errors.Wrapf(ErrMissingFunction, "initialize_weights: no binding for weight %q", w.Name)
			}
			s.BindWeight(w, buf)
			if i < len(sub.Updates) {
				s.AliasUpdate(sub.Updates[i], w)
			}
		}
		for _, g := range sub.Gradients {
			s.AllocateZero(g, alloc)
		}
		if sub.Loss != nil {
			s.AllocateZero(*sub.Loss, alloc)
		}
	}
	return nil
}

// ArgVector assembles the canonical argument vector for sub
// (graph.Subgraph.AllTensors order), resolving each tensor against bindings
// (the current iteration's input/label bindings), then the store itself.
// It returns ErrMissingFunction naming the first tensor it can't resolve.
func (s *Store) ArgVector(sub *graph.Subgraph, bindings map[string]Buffer) ([]any, error) {
	refs := sub.AllTensors()
	args := make([]any, len(refs))
	for i, ref := range refs {
		if buf, ok := bindings[ref.Name]; ok {
			args[i] = buf
			continue
		}
		buf, ok := s.Get(ref)
		if !ok {
			return nil, errors.Wrapf(ErrMissingFunction, "no buffer bound for tensor %q (subgraph %v)", ref.Name, sub.Key)
		}
		args[i] = buf
	}
	return args, nil
}
