// Package schedule holds the schedule-space object model: the realised
// Schedule itself, the serializable ScheduleEntity that names a point in
// the search space, and the ScheduleResult that ties a realised schedule
// back to the entity and subgraph it came from.
package schedule

import (
	"fmt"
	"strings"

	"github.com/tensorgraph/autotune/graph"
)

// Entity is a point in the schedule space: equality-hashable and
// serializable to one line of text. Concrete search spaces
// (an external collaborator) provide their own Entity implementations;
// TextEntity below is the simplest one, used by tests and by the
// reference-file seeding path.
type Entity interface {
	// String serializes the entity to one line of text, with no embedded
	// newlines, suitable for the `key|entity_string|...` reference format.
	String() string
	// Equal reports whether two entities denote the same point in the
	// search space.
	Equal(other Entity) bool
}

// TextEntity is an Entity backed by an opaque string key, e.g. the literal
// text persisted in a reference file.
type TextEntity string

func (t TextEntity) String() string { return string(t) }

func (t TextEntity) Equal(other Entity) bool {
	o, ok := other.(TextEntity)
	return ok && t == o
}

// ParseTextEntity reconstructs a TextEntity from its serialized form. It
// exists mainly so reference-file seeding can round-trip TextEntity values
// without callers needing to know the concrete type.
func ParseTextEntity(s string) TextEntity {
	return TextEntity(strings.TrimSpace(s))
}

// Schedule is the realised, mutable schedule object for one subgraph: the
// result of applying an Entity via the Interpreter collaborator to an
// initially-empty schedule over the subgraph's root ops. The actual
// schedule-primitive bodies are the tensor IR's concern (out of scope);
// here it is an opaque bag of the transformations applied, enough to
// support logging and equality checks in tests.
type Schedule struct {
	RootOps      []string
	Transforms   []string
	subgraphTag  string
}

// NewEmptySchedule returns the freshly created empty schedule of the
// subgraph's root ops that sampling starts from.
func NewEmptySchedule(sub *graph.Subgraph) *Schedule {
	return &Schedule{
		RootOps:     append([]string(nil), sub.RootOps...),
		subgraphTag: sub.Tag,
	}
}

// Apply records that transform was applied by the Interpreter collaborator.
func (s *Schedule) Apply(transform string) {
	s.Transforms = append(s.Transforms, transform)
}

func (s *Schedule) String() string {
	return fmt.Sprintf("schedule(tag=%s, transforms=%v)", s.subgraphTag, s.Transforms)
}

// Result is (realised Schedule, tensor arg list, originating Entity) for
// one subgraph.
type Result struct {
	Key      graph.SubgraphKey
	Schedule *Schedule
	Tensors  []graph.TensorRef
	Entity   Entity
}
