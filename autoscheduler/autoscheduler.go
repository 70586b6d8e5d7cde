// Package autoscheduler implements the Auto-Scheduler: per-subgraph search
// contexts, the sampling round that sources new candidate schedules and
// scores them via the Judge collaborator, and the public
// schedule_for/schedule_with_entity/feedback_for API the session engine
// drives.
package autoscheduler

import (
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/internal/workerpool"
	"github.com/tensorgraph/autotune/schedule"
)

// ErrScheduleFailed wraps any failure from sampling, Interpret, or Judge.
var ErrScheduleFailed = errors.New("autoscheduler: schedule failed")

// warmUpTrials gates seed-based sampling: until more than this many rounds
// have completed, every candidate is pure-random.
const warmUpTrials = 5

// acceptanceUpper is the 0.7 factor in the acceptance-probability formula.
const acceptanceUpper = 0.7

// AutoScheduler owns one Context per subgraph and drives sampling rounds on
// a shared worker pool.
type AutoScheduler struct {
	pool   *workerpool.Pool
	space  collab.SearchSpace
	judge  collab.Judge
	interp collab.Interpreter

	mu       sync.Mutex
	contexts map[graph.SubgraphKey]*Context

	defaultTopk     int
	defaultNewTrial int
	timeout         time.Duration

	feedbackLog   FeedbackLogger
	reportProfile bool
	rnd           *rand.Rand
	rndMu         sync.Mutex
}

// FeedbackLogger records a feature/score record for each feedback call, as
// a JSON line in a profile log. Implementations that don't need this may
// pass nil.
type FeedbackLogger interface {
	LogFeedback(key graph.SubgraphKey, entity schedule.Entity, gflops float64)
}

// Options configures a new AutoScheduler.
type Options struct {
	Pool            *workerpool.Pool
	SearchSpace     collab.SearchSpace
	Judge           collab.Judge
	Interpreter     collab.Interpreter
	DefaultTopk     int
	DefaultNewTrial int
	Timeout         time.Duration
	FeedbackLog     FeedbackLogger
	ReportProfile   bool
	RandSeed        int64
}

// New constructs an AutoScheduler from opts.
func New(opts Options) *AutoScheduler {
	if opts.DefaultTopk <= 0 {
		opts.DefaultTopk = 16
	}
	if opts.DefaultNewTrial <= 0 {
		opts.DefaultNewTrial = 8
	}
	seed := opts.RandSeed
	if seed == 0 {
		seed = 1
	}
	return &AutoScheduler{
		pool:            opts.Pool,
		space:           opts.SearchSpace,
		judge:           opts.Judge,
		interp:          opts.Interpreter,
		contexts:        make(map[graph.SubgraphKey]*Context),
		defaultTopk:     opts.DefaultTopk,
		defaultNewTrial: opts.DefaultNewTrial,
		timeout:         opts.Timeout,
		feedbackLog:     opts.FeedbackLog,
		reportProfile:   opts.ReportProfile,
		rnd:             rand.New(rand.NewSource(seed)),
	}
}

func (a *AutoScheduler) contextFor(key graph.SubgraphKey, target collab.Target, policy collab.Policy) *Context {
	a.mu.Lock()
	defer a.mu.Unlock()
	ctx, ok := a.contexts[key]
	if !ok {
		ctx = NewContext(a.defaultTopk, a.defaultNewTrial, target, policy)
		a.contexts[key] = ctx
	}
	return ctx
}

func (a *AutoScheduler) randFloat() float64 {
	a.rndMu.Lock()
	defer a.rndMu.Unlock()
	return a.rnd.Float64()
}

// ScheduleFor submits one sampling round for key/sub to the worker pool.
// priority 1 means emergency (front of the deque); 0 means normal (back).
func (a *AutoScheduler) ScheduleFor(key graph.SubgraphKey, sub *graph.Subgraph, target collab.Target, policy collab.Policy, priority int) *workerpool.Handle[schedule.Result] {
	ctx := a.contextFor(key, target, policy)
	fn := func() (schedule.Result, error) {
		return a.sampleRound(key, sub, ctx)
	}
	if priority == 1 {
		return workerpool.PushFront(a.pool, a.timeout, fn)
	}
	return workerpool.PushBack(a.pool, a.timeout, fn)
}

// ScheduleWithEntity deterministically realises entity for key/sub, without
// going through the worker pool or touching the top-k heap: used by the
// reference-file seeding path (prepare_for_test).
func (a *AutoScheduler) ScheduleWithEntity(key graph.SubgraphKey, sub *graph.Subgraph, target collab.Target, entity schedule.Entity) (schedule.Result, error) {
	a.contextFor(key, target, collab.PolicyRandom) // ensure a context exists before recording feedback.
	sch := schedule.NewEmptySchedule(sub)
	tensors := sub.AllTensors()
	if err := a.interp.Interpret(sch, tensors, sub, target, entity); err != nil {
		return schedule.Result{}, errors.Wrapf(ErrScheduleFailed, "interpret(%v, entity=%s): %v", key, entity, err)
	}
	return schedule.Result{Key: key, Schedule: sch, Tensors: tensors, Entity: entity}, nil
}

// FeedbackFor records the measured gflops for result against key's search
// context, and appends a feature/score record to the profile log if one
// was configured.
func (a *AutoScheduler) FeedbackFor(key graph.SubgraphKey, result schedule.Result, gflops float64) {
	a.mu.Lock()
	ctx, ok := a.contexts[key]
	a.mu.Unlock()
	if !ok {
		// Feedback for a key never scheduled through this AutoScheduler: treat
		// it as a fresh context so the heap/novelty sets still make sense.
		ctx = a.contextFor(key, collab.Target{}, collab.PolicyRandom)
	}
	ctx.addFeedback(result, gflops)
	if a.feedbackLog != nil {
		a.feedbackLog.LogFeedback(key, result.Entity, gflops)
	}
}

// sampleRound runs one sampling round for key/sub against ctx: section
// 4.C's steps 1-6.
func (a *AutoScheduler) sampleRound(key graph.SubgraphKey, sub *graph.Subgraph, ctx *Context) (schedule.Result, error) {
	ctx.mu.Lock()
	ranked := ctx.rankedWorstToBest() // worst -> best
	counts := ctx.counts
	target := ctx.Target
	policy := ctx.Policy
	newTrial := ctx.NewTrial
	topk := ctx.Topk
	ctx.mu.Unlock()

	numRanked := len(ranked)
	probs := make([]float64, numRanked)
	if numRanked > 0 {
		best := ranked[numRanked-1].score
		upper := acceptanceUpper * float64(numRanked) / float64(topk)
		for i, e := range ranked {
			probs[i] = math.Exp(e.score-best) * upper
		}
	}

	var candidates []schedule.Entity
	mustBeNovel := true
	for len(candidates) == 0 {
		for i := 0; i < newTrial; i++ {
			var seed schedule.Entity
			haveSeed := false
			if a.randFloat() < acceptanceUpper && counts > warmUpTrials {
				for j := numRanked; j > 0; j-- {
					if a.randFloat() < probs[j-1] {
						seed = ranked[j-1].result.Entity
						haveSeed = true
						break
					}
				}
			}

			var candidate schedule.Entity
			if haveSeed {
				candidate = a.space.ChooseNeighbor(seed)
			} else {
				candidate = a.space.ChooseOne()
			}

			if mustBeNovel {
				ctx.mu.Lock()
				novel := !ctx.isKnown(candidate)
				ctx.mu.Unlock()
				if novel {
					candidates = append(candidates, candidate)
				}
			} else {
				candidates = append(candidates, candidate)
			}
		}
		mustBeNovel = false // relax the novelty requirement from the second round on.
	}

	tensors := sub.AllTensors()
	realised := make([]*schedule.Schedule, len(candidates))
	for i, entity := range candidates {
		sch := schedule.NewEmptySchedule(sub)
		if err := a.interp.Interpret(sch, tensors, sub, target, entity); err != nil {
			return schedule.Result{}, errors.Wrapf(ErrScheduleFailed, "interpret(%v, entity=%s): %v", key, entity, err)
		}
		realised[i] = sch
	}

	gflop := 1.0
	scores, err := a.judge.JudgeSchedule(realised, tensors, target, gflop, policy)
	if err != nil {
		return schedule.Result{}, errors.Wrapf(ErrScheduleFailed, "judge_schedule(%v): %v", key, err)
	}
	if len(scores) != len(candidates) {
		return schedule.Result{}, errors.Wrapf(ErrScheduleFailed, "judge_schedule(%v) returned %d scores for %d candidates", key, len(scores), len(candidates))
	}

	bestIdx := 0
	bestScore := scores[0]
	for i, s := range scores {
		if policy == collab.PolicyProfile {
			ctx.addFeedback(schedule.Result{Key: key, Schedule: realised[i], Tensors: tensors, Entity: candidates[i]}, s)
			if a.reportProfile {
				klog.V(1).Infof("autoscheduler: check judge values: subgraph=%v entity=%s score=%.6f", key, candidates[i], s)
			}
		}
		if s > bestScore {
			bestScore = s
			bestIdx = i
		}
	}

	result := schedule.Result{
		Key:      key,
		Schedule: realised[bestIdx],
		Tensors:  tensors,
		Entity:   candidates[bestIdx],
	}
	ctx.mu.Lock()
	ctx.counts++
	ctx.mu.Unlock()
	return result, nil
}
