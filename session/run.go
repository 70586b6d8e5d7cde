package session

import (
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/tensorstore"
)

// RunStats summarizes one Run call across its iterations.
type RunStats struct {
	Iterations int
	MinMS      float64
	MedianMS   float64
	MaxMS      float64
}

// waitForBest spins on best[k] until it's populated, bounded by
// Options.ExecutionSpinRetries: exhaustion surfaces ErrMissingFunction
// rather than hanging forever.
func (s *Session) waitForBest(ts *taskState, k graph.SubgraphKey) (collab.ScoredFunction, error) {
	retries := s.opts.ExecutionSpinRetries
	if retries <= 0 {
		retries = 1
	}
	delay := s.opts.ExecutionSpinDelay
	if delay <= 0 {
		delay = time.Microsecond
	}
	for i := 0; i < retries; i++ {
		if sc, ok := ts.catalog.Best(k).Get(); ok {
			return sc, nil
		}
		time.Sleep(delay)
	}
	return collab.ScoredFunction{}, errors.Wrapf(ErrMissingFunction, "run: best[%v] never populated after %d retries", k, retries)
}

// argVector assembles the canonical argument vector for sub, preferring the
// caller's per-call bindings, then the task's volatile tensors, then the
// session's persistent (weight/gradient/update/loss) tensors.
func (s *Session) argVector(ts *taskState, sub *graph.Subgraph, bindings map[string]tensorstore.Buffer) ([]any, error) {
	refs := sub.AllTensors()
	args := make([]any, len(refs))
	for i, ref := range refs {
		if buf, ok := bindings[ref.Name]; ok {
			args[i] = buf
			continue
		}
		if buf, ok := ts.volatile.Get(ref); ok {
			args[i] = buf
			continue
		}
		if buf, ok := s.persistent.Get(ref); ok {
			args[i] = buf
			continue
		}
		return nil, errors.Wrapf(ErrMissingFunction, "run: no buffer for tensor %q (subgraph %v)", ref.Name, sub.Key)
	}
	return args, nil
}

func (s *Session) reportPeriod() int {
	if s.opts.ReportIterationPeriod <= 0 {
		return 1
	}
	return s.opts.ReportIterationPeriod
}

// Run executes task once per iteration in the task's topological order,
// waiting for every subgraph's best[k] to be ready (run_functions): each
// kernel call is built from the canonical argument vector,
// running the currently-best compiled Module for that subgraph. bindings
// supplies this call's volatile inputs/labels; iterations repeats the whole
// walk to gather timing statistics; saveTo, if non-empty, dumps the current
// best[k] set to a reference file afterwards.
//
// profileLevel gates how much timing detail gets logged: 0 adds nothing
// beyond RunStats (the per-iteration lines enabled by
// Options.ReportIteration do not depend on profileLevel), 1 additionally emits a "Time report" line with the
// min/median/max iteration times, 2 additionally logs each subgraph's own
// elapsed time within every iteration.
func (s *Session) Run(taskID TaskID, bindings map[string]tensorstore.Buffer, iterations int, saveTo string, profileLevel int) (RunStats, error) {
	ts, err := s.task(taskID)
	if err != nil {
		return RunStats{}, err
	}
	if iterations <= 0 {
		iterations = 1
	}

	elapsed := make([]float64, 0, iterations)
	for it := 0; it < iterations; it++ {
		start := time.Now()
		for _, k := range ts.order {
			sub := ts.graph.Subgraphs[k]
			scored, err := s.waitForBest(ts, k)
			if err != nil {
				return RunStats{}, err
			}
			args, err := s.argVector(ts, sub, bindings)
			if err != nil {
				return RunStats{}, err
			}

			subStart := time.Now()
			if err := scored.Function.Entry(args); err != nil {
				return RunStats{}, errors.Wrapf(ErrMissingFunction, "run(%v): entry point failed: %v", k, err)
			}
			if profileLevel >= 2 {
				ts.logs.Exec.Printf("iteration %d subgraph %v: %.4fms", it, k, time.Since(subStart).Seconds()*1000)
			}
		}
		iterMS := time.Since(start).Seconds() * 1000
		elapsed = append(elapsed, iterMS)
		if s.opts.ReportIteration && it%s.reportPeriod() == 0 {
			ts.logs.Exec.Printf("iteration %d: %.4fms", it, iterMS)
		}
	}

	stats := summarize(elapsed)
	if profileLevel >= 1 {
		ts.logs.Exec.Printf("Time report: min=%.4fms, med=%.4fms, max=%.4fms", stats.MinMS, stats.MedianMS, stats.MaxMS)
	}

	if saveTo != "" {
		if err := s.dumpReference(ts, saveTo); err != nil {
			return stats, err
		}
	}
	return stats, nil
}

func summarize(samples []float64) RunStats {
	if len(samples) == 0 {
		return RunStats{}
	}
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	return RunStats{
		Iterations: len(sorted),
		MinMS:      sorted[0],
		MedianMS:   sorted[len(sorted)/2],
		MaxMS:      sorted[len(sorted)-1],
	}
}

// dumpReference writes every subgraph's current best function to path, in
// the format PrepareForTest reads back.
func (s *Session) dumpReference(ts *taskState, path string) error {
	records := make([]ReferenceRecord, 0, len(ts.order))
	for _, k := range ts.order {
		sc, ok := ts.catalog.Best(k).Get()
		if !ok {
			continue
		}
		records = append(records, ReferenceRecord{
			Key:       k,
			Entity:    sc.Function.Result.Entity,
			GFLOPS:    sc.GFLOPS,
			ElapsedMS: sc.ElapsedMS,
		})
	}
	return WriteReferenceFile(path, records)
}
