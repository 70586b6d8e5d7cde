// Package collab defines the narrow capability interfaces through which the
// session engine reaches every out-of-scope collaborator: the schedule
// interpreter, the judge/profiler, the device evaluator, the code
// generator, and the search space sampler. The engine depends only on
// these contracts; production implementations of them (an ML cost model,
// an LLVM/CUDA code generator, a device runtime) live outside this
// module.
package collab

import (
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/schedule"
)

// Target describes a compilation target: a device target (e.g. "cuda",
// "llvm -mcpu=skylake") and an optional host target used for host-side
// glue code.
type Target struct {
	Device string
	Host   string
}

func (t Target) String() string {
	if t.Host == "" {
		return t.Device
	}
	return t.Device + "+" + t.Host
}

// BuildConfig carries code-generator options (unstructured: the generator
// defines its own accepted keys).
type BuildConfig map[string]any

// Callable is a loadable module's entry point: given the canonical argument
// vector (graph.Subgraph.AllTensors order), it runs the compiled kernel.
type Callable func(args []any) error

// Module is a loadable compiled module, as produced by CodeBuilder.Build.
type Module interface {
	// Lookup resolves an entry-point symbol by name. It returns false if
	// the module has no such symbol.
	Lookup(entryName string) (Callable, bool)
}

// Feature is one scalar feature extracted from a realised schedule, as fed
// to an external ML cost model.
type Feature struct {
	Name  string
	Value float64
}

// Policy selects how Judge scores candidate schedules.
type Policy string

const (
	// PolicyProfile measures candidates on-device via a Profiler.
	PolicyProfile Policy = "profile"
	// PolicyRandom assigns uniform random scores (used in tests and for
	// bootstrapping a search space with no cost model yet).
	PolicyRandom Policy = "random"
	// PolicyModel scores candidates with an external ML cost model.
	PolicyModel Policy = "model"
)

// Interpreter realises a ScheduleEntity by mutating an (initially empty)
// Schedule for the given subgraph.
type Interpreter interface {
	Interpret(sch *schedule.Schedule, tensors []graph.TensorRef, sub *graph.Subgraph, target Target, entity schedule.Entity) error
}

// Judge scores a batch of candidate schedules under one Policy. len(scores)
// == len(schedules) on success.
type Judge interface {
	JudgeSchedule(schedules []*schedule.Schedule, tensors []graph.TensorRef, target Target, gflop float64, policy Policy) ([]float64, error)
}

// Evaluator measures a compiled module on-device. It returns the elapsed
// time in milliseconds, or a value <= 0 on failure or timeout.
type Evaluator interface {
	EvaluatePerformance(mod Module, entryName string, tensors []graph.TensorRef) float64
}

// CodeBuilder compiles a realised schedule into a loadable Module.
type CodeBuilder interface {
	Build(sch *schedule.Schedule, tensors []graph.TensorRef, deviceTarget, hostTarget Target, entryName string, bufferMap map[string]string, cfg BuildConfig) (Module, error)
}

// GFLOPProvider reports the compute cost of one invocation of a subgraph.
type GFLOPProvider interface {
	GFLOP(sub *graph.Subgraph) float64
}

// FeatureExtractor reports schedule features for an external cost model.
type FeatureExtractor interface {
	GetFeature(sch *schedule.Schedule, tensors []graph.TensorRef, target Target) ([]Feature, error)
}

// SearchSpace samples points in the schedule space. ChooseOne samples from
// scratch; ChooseNeighbor samples a neighbour of seed.
type SearchSpace interface {
	ChooseOne() schedule.Entity
	ChooseNeighbor(seed schedule.Entity) schedule.Entity
}

// BuiltFunction is (ScheduleResult, compiled Module, resolved entry point).
type BuiltFunction struct {
	Result schedule.Result
	Module Module
	Entry  Callable
}

// ScoredFunction is a BuiltFunction plus its measured performance.
type ScoredFunction struct {
	Function  BuiltFunction
	GFLOPS    float64
	ElapsedMS float64
}
