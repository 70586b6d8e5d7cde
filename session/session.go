// Package session implements the Session Engine: the core of the
// auto-tuning runtime. It owns the per-task catalog and tensor store, runs
// the three long-lived schedule/build/evaluate pipeline loops, computes
// the static execution order, and serves Run against
// iteration-by-iteration bindings.
package session

import (
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"

	"github.com/tensorgraph/autotune/autoscheduler"
	"github.com/tensorgraph/autotune/builder"
	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/internal/catalog"
	"github.com/tensorgraph/autotune/internal/workerpool"
	"github.com/tensorgraph/autotune/tensorstore"
)

// TaskID identifies a task within a Session, monotonically assigned by
// AddTask.
type TaskID int64

// Collaborators bundles every out-of-scope contract the session needs.
// Evaluator and GFLOPProvider are used directly by the session; the rest
// are handed to the Auto-Scheduler and Function Builder.
type Collaborators struct {
	SearchSpace collab.SearchSpace
	Judge       collab.Judge
	Interpreter collab.Interpreter
	CodeBuilder collab.CodeBuilder
	Evaluator   collab.Evaluator
	GFLOP       collab.GFLOPProvider
	Feature     collab.FeatureExtractor      // optional, unused by the core loops directly
	FeedbackLog autoscheduler.FeedbackLogger // optional

	// Alloc allocates a zeroed device buffer for a shape. Defaults to a
	// plain []float64 slice sized by Shape.NumElements, which is enough to
	// exercise the tensor store's bookkeeping without a real device
	// backend.
	Alloc func(graph.Shape) tensorstore.Buffer
}

func defaultAlloc(shape graph.Shape) tensorstore.Buffer {
	n := shape.NumElements()
	if n <= 0 {
		n = 1
	}
	return make([]float64, n)
}

type taskState struct {
	id    TaskID
	graph *graph.MultiGraph
	order []graph.SubgraphKey

	catalog  *catalog.Catalog
	volatile *tensorstore.Store

	cachedAllFunctions atomic.Bool

	emergencySchedule chan graph.SubgraphKey
	emergencyBuild    chan graph.SubgraphKey

	tagMu   sync.Mutex
	tagBest map[string]graph.SubgraphKey

	logs  *taskLogs
	runID string
	group *errgroup.Group
}

// Session is the core execution engine: it owns the catalog (via each
// task's taskState), the Auto-Scheduler, and the Function Builder, and
// drives the schedule/build/evaluate pipeline.
type Session struct {
	target collab.Target
	devID  int
	opts   Options

	pool        *workerpool.Pool
	autosched   *autoscheduler.AutoScheduler
	funcBuilder *builder.FunctionBuilder
	evaluator   collab.Evaluator
	gflop       collab.GFLOPProvider
	alloc       func(graph.Shape) tensorstore.Buffer

	persistent *tensorstore.Store

	// finishMu guards finish/inTuning for every task: one mutex covers
	// both maps.
	finishMu sync.Mutex
	finish   map[TaskID]bool
	inTuning map[TaskID]bool

	tasksMu    sync.RWMutex
	tasks      map[TaskID]*taskState
	nextTaskID atomic.Int64

	rndMu sync.Mutex
	rnd   *rand.Rand
}

// New opens a Session against target/devID with the given Options and
// collaborators.
func New(target collab.Target, devID int, opts Options, collabs Collaborators) (*Session, error) {
	if collabs.SearchSpace == nil || collabs.Judge == nil || collabs.Interpreter == nil || collabs.CodeBuilder == nil || collabs.Evaluator == nil || collabs.GFLOP == nil {
		return nil, errors.Wrap(ErrBadConfig, "session.New: SearchSpace, Judge, Interpreter, CodeBuilder, Evaluator and GFLOP are all required")
	}
	alloc := collabs.Alloc
	if alloc == nil {
		alloc = defaultAlloc
	}

	pool := workerpool.New(opts.AutoscheduleParallel, opts.AutoscheduleTimeout)
	autosched := autoscheduler.New(autoscheduler.Options{
		Pool:            pool,
		SearchSpace:     collabs.SearchSpace,
		Judge:           collabs.Judge,
		Interpreter:     collabs.Interpreter,
		DefaultTopk:     opts.AutoscheduleTopk,
		DefaultNewTrial: opts.AutoscheduleNewTrial,
		Timeout:         opts.AutoscheduleTimeout,
		FeedbackLog:     collabs.FeedbackLog,
		ReportProfile:   opts.ReportProfile,
	})

	buildPool := workerpool.New(opts.BuildParallel, opts.BuildTimeout)
	fb := builder.New(buildPool, collabs.CodeBuilder, opts.BuildTimeout)

	s := &Session{
		target:      target,
		devID:       devID,
		opts:        opts,
		pool:        pool,
		autosched:   autosched,
		funcBuilder: fb,
		evaluator:   collabs.Evaluator,
		gflop:       collabs.GFLOP,
		alloc:       alloc,
		persistent:  tensorstore.New(),
		finish:      make(map[TaskID]bool),
		inTuning:    make(map[TaskID]bool),
		tasks:       make(map[TaskID]*taskState),
		rnd:         rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	klog.V(1).Infof("session: opened against target=%s dev=%d", target, devID)
	return s, nil
}

// InitializeWeights binds user-provided buffers to the graph's weights,
// allocates zero gradient/loss buffers, and aliases updates[i] onto
// weights[i]. Weights are session-scoped: multiple tasks partitioned from
// the same model share one persistent tensor store.
func (s *Session) InitializeWeights(mg *graph.MultiGraph, bindings map[string]tensorstore.Buffer) error {
	return s.persistent.InitializeWeights(mg, bindings, s.alloc)
}

// AddTask partitions mg into a task: it computes the static topological
// call order via Kahn's algorithm, allocates volatile output buffers, and
// returns a fresh monotonic TaskID.
func (s *Session) AddTask(mg *graph.MultiGraph) (TaskID, error) {
	order, err := mg.TopoOrder()
	if err != nil {
		return 0, errors.Wrap(err, "add_task")
	}

	id := TaskID(s.nextTaskID.Add(1))
	logs, err := newTaskLogs(s.opts)
	if err != nil {
		return 0, errors.Wrapf(err, "add_task(%d): opening log streams", id)
	}

	ts := &taskState{
		id:                id,
		graph:             mg,
		order:             order,
		catalog:           catalog.New(),
		volatile:          tensorstore.New(),
		emergencySchedule: make(chan graph.SubgraphKey, catalog.Capacity),
		emergencyBuild:    make(chan graph.SubgraphKey, catalog.Capacity),
		tagBest:           make(map[string]graph.SubgraphKey),
		logs:              logs,
	}
	for _, sub := range mg.Subgraphs {
		for _, out := range sub.Outputs {
			ts.volatile.PutVolatile(out, s.alloc(out.Shape))
		}
	}

	s.tasksMu.Lock()
	s.tasks[id] = ts
	s.tasksMu.Unlock()

	s.finishMu.Lock()
	s.finish[id] = true
	s.inTuning[id] = false
	s.finishMu.Unlock()

	klog.V(1).Infof("add_task: task %d has %d subgraphs", id, len(order))
	return id, nil
}

func (s *Session) task(id TaskID) (*taskState, error) {
	s.tasksMu.RLock()
	defer s.tasksMu.RUnlock()
	ts, ok := s.tasks[id]
	if !ok {
		return nil, errors.Wrapf(ErrTaskNotFound, "task %d", id)
	}
	return ts, nil
}

func (s *Session) isFinished(id TaskID) bool {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	return s.finish[id]
}

func (s *Session) setFinish(id TaskID, v bool) {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	s.finish[id] = v
}

func (s *Session) setInTuning(id TaskID, v bool) {
	s.finishMu.Lock()
	defer s.finishMu.Unlock()
	s.inTuning[id] = v
}

func (s *Session) randFloat() float64 {
	s.rndMu.Lock()
	defer s.rndMu.Unlock()
	return s.rnd.Float64()
}

func entryName(k graph.SubgraphKey) string {
	return fmt.Sprintf("subgraph_%d", int64(k))
}

// gflopFor returns sub.GFLOP when the subgraph records one, and otherwise
// asks the GFLOPProvider; the provider's answer is not cached.
func (s *Session) gflopFor(sub *graph.Subgraph) float64 {
	if sub.GFLOP > 0 {
		return sub.GFLOP
	}
	return s.gflop.GFLOP(sub)
}

// BeginTuning starts the three long-lived pipeline goroutines for task. If
// reference is non-empty, PrepareForTest seeds the catalog from it first.
func (s *Session) BeginTuning(taskID TaskID, advanceNumber int, reference string, firstStageNumber int, secondStageTopkRatio float64) error {
	ts, err := s.task(taskID)
	if err != nil {
		return err
	}
	if reference != "" {
		if err := s.PrepareForTest(taskID, reference); err != nil {
			return errors.Wrapf(err, "begin_tuning(%d): seeding from reference %q", taskID, reference)
		}
	}

	s.setFinish(taskID, false)
	s.setInTuning(taskID, true)
	ts.runID = uuid.NewString()
	ts.logs.Banner(ts.runID)
	klog.V(1).Infof("begin_tuning: task %d run=%s advance=%d", taskID, ts.runID, advanceNumber)

	group := new(errgroup.Group)
	group.Go(func() error {
		s.runAutoschedule(ts, advanceNumber, firstStageNumber, secondStageTopkRatio)
		return nil
	})
	group.Go(func() error {
		s.runBuild(ts, advanceNumber)
		return nil
	})
	group.Go(func() error {
		s.runEvaluate(ts, advanceNumber)
		return nil
	})
	ts.group = group
	return nil
}

// EndTuning busy-waits until every subgraph has a populated best[k], flips
// finish[task] to true, and joins the three pipeline goroutines: it joins
// exactly when ts.group is non-nil, i.e. when BeginTuning actually started
// the threads.
func (s *Session) EndTuning(taskID TaskID) error {
	ts, err := s.task(taskID)
	if err != nil {
		return err
	}
	for !ts.cachedAllFunctions.Load() {
		time.Sleep(s.opts.ExecutionSpinDelay)
	}
	s.setFinish(taskID, true)
	if ts.group != nil {
		_ = ts.group.Wait()
		ts.group = nil
	}
	s.setInTuning(taskID, false)
	klog.V(1).Infof("end_tuning: task %d done (run=%s)", taskID, ts.runID)
	return nil
}
