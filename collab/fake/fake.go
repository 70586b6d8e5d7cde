// Package fake provides small, deterministic in-memory implementations of
// the collab interfaces, used by this module's own tests in place of the
// real tensor IR / code generator / device runtime collaborators.
package fake

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/schedule"
)

// SearchSpace samples schedule.TextEntity values of the form "tile(N)" for
// N in [1, Width]. ChooseNeighbor perturbs the seed's N by +/-1.
type SearchSpace struct {
	Width int
	rnd   *rand.Rand
	mu    sync.Mutex
}

// NewSearchSpace returns a SearchSpace seeded deterministically from seed.
func NewSearchSpace(width int, seed int64) *SearchSpace {
	if width <= 0 {
		width = 64
	}
	return &SearchSpace{Width: width, rnd: rand.New(rand.NewSource(seed))}
}

func (s *SearchSpace) next(n int) schedule.Entity {
	return schedule.TextEntity(fmt.Sprintf("tile(%d)", n))
}

func (s *SearchSpace) ChooseOne() schedule.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next(1 + s.rnd.Intn(s.Width))
}

func (s *SearchSpace) ChooseNeighbor(seed schedule.Entity) schedule.Entity {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int
	fmt.Sscanf(seed.String(), "tile(%d)", &n)
	delta := 1
	if s.rnd.Intn(2) == 0 {
		delta = -1
	}
	n += delta
	if n < 1 {
		n = 1
	}
	if n > s.Width {
		n = s.Width
	}
	return s.next(n)
}

// Interpreter applies entity.String() as the schedule's sole transform.
type Interpreter struct{}

func (Interpreter) Interpret(sch *schedule.Schedule, _ []graph.TensorRef, _ *graph.Subgraph, _ collab.Target, entity schedule.Entity) error {
	sch.Apply(entity.String())
	return nil
}

// Judge scores candidates. Under PolicyRandom it returns deterministic
// pseudo-random scores; under PolicyProfile/PolicyModel it derives a score
// from the tile size embedded in the schedule's transforms, so that larger
// tiles (up to a point) score higher -- enough determinism for tests to
// assert convergence.
type Judge struct {
	rnd *rand.Rand
	mu  sync.Mutex
}

func NewJudge(seed int64) *Judge {
	return &Judge{rnd: rand.New(rand.NewSource(seed))}
}

func (j *Judge) JudgeSchedule(schedules []*schedule.Schedule, _ []graph.TensorRef, _ collab.Target, _ float64, policy collab.Policy) ([]float64, error) {
	scores := make([]float64, len(schedules))
	j.mu.Lock()
	defer j.mu.Unlock()
	for i, sch := range schedules {
		switch policy {
		case collab.PolicyRandom:
			scores[i] = j.rnd.Float64()
		case collab.PolicyProfile, collab.PolicyModel:
			var n int
			if len(sch.Transforms) > 0 {
				fmt.Sscanf(sch.Transforms[len(sch.Transforms)-1], "tile(%d)", &n)
			}
			scores[i] = 1.0 - absFloat(float64(n)-16.0)/64.0 + j.rnd.Float64()*0.01
		default:
			return nil, errors.Errorf("unsupported judge policy %q", policy)
		}
	}
	return scores, nil
}

func absFloat(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

// CodeBuilder "compiles" a schedule into a Module whose sole entry point
// records how many times it was invoked and always succeeds.
type CodeBuilder struct {
	FailEvery int // if > 0, every FailEvery-th Build call fails.
	counter   atomic.Int64
}

type fakeModule struct {
	entry    string
	callable collab.Callable
}

func (m *fakeModule) Lookup(entryName string) (collab.Callable, bool) {
	if entryName != m.entry {
		return nil, false
	}
	return m.callable, true
}

func (b *CodeBuilder) Build(sch *schedule.Schedule, _ []graph.TensorRef, _, _ collab.Target, entryName string, _ map[string]string, _ collab.BuildConfig) (collab.Module, error) {
	n := b.counter.Add(1)
	if b.FailEvery > 0 && n%int64(b.FailEvery) == 0 {
		return nil, errors.Errorf("fake build failure for %s (call #%d)", entryName, n)
	}
	calls := new(atomic.Int64)
	return &fakeModule{
		entry: entryName,
		callable: func(args []any) error {
			calls.Add(1)
			_ = sch
			return nil
		},
	}, nil
}

// Evaluator returns an elapsed time derived from its own call count
// (1 + n mod 7 ms for the n-th call), independent of the schedule's tile
// size. Optionally fails (returns 0) every FailEvery-th call.
type Evaluator struct {
	FailEvery int
	counter   atomic.Int64
}

func (e *Evaluator) EvaluatePerformance(mod collab.Module, entryName string, tensors []graph.TensorRef) float64 {
	n := e.counter.Add(1)
	if e.FailEvery > 0 && n%int64(e.FailEvery) == 0 {
		return 0
	}
	fn, ok := mod.Lookup(entryName)
	if !ok {
		return 0
	}
	args := make([]any, len(tensors))
	if err := fn(args); err != nil {
		return 0
	}
	return 1.0 + float64(n%7)
}

// GFLOPProvider reports a fixed GFLOP cost per subgraph, keyed by tag.
type GFLOPProvider struct {
	ByTag   map[string]float64
	Default float64
}

func (g *GFLOPProvider) GFLOP(sub *graph.Subgraph) float64 {
	if g.ByTag != nil {
		if v, ok := g.ByTag[sub.Tag]; ok {
			return v
		}
	}
	if g.Default > 0 {
		return g.Default
	}
	return 1.0
}
