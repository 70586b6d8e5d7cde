package session

import (
	"container/heap"
	"time"

	"k8s.io/klog/v2"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/internal/catalog"
)

// recordTagBest remembers that k currently holds the best known function for
// tag, so a sibling subgraph with the same tag can copy it: two subgraphs
// with equal Tag are interchangeable.
func (ts *taskState) recordTagBest(tag string, k graph.SubgraphKey) {
	if tag == "" {
		return
	}
	ts.tagMu.Lock()
	ts.tagBest[tag] = k
	ts.tagMu.Unlock()
}

// tagBestOther returns a key other than self that currently holds the best
// known function for tag, if any.
func (ts *taskState) tagBestOther(tag string, self graph.SubgraphKey) (graph.SubgraphKey, bool) {
	if tag == "" {
		return 0, false
	}
	ts.tagMu.Lock()
	defer ts.tagMu.Unlock()
	k, ok := ts.tagBest[tag]
	if !ok || k == self {
		return 0, false
	}
	return k, true
}

// worstTime pairs a subgraph with the elapsed time of its current best
// function, for the second-stage top-k-by-worst-time selection.
type worstTime struct {
	key     graph.SubgraphKey
	elapsed float64
}

// worstTimeHeap is a max-heap by elapsed time: Pop yields the subgraph whose
// best function is currently slowest.
type worstTimeHeap []worstTime

func (h worstTimeHeap) Len() int            { return len(h) }
func (h worstTimeHeap) Less(i, j int) bool  { return h[i].elapsed > h[j].elapsed }
func (h worstTimeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *worstTimeHeap) Push(x any)         { *h = append(*h, x.(worstTime)) }
func (h *worstTimeHeap) Pop() any {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// topWorstByTime ranks every subgraph that currently has a best function by
// elapsed time, worst first, and returns the worst ratio-fraction of them
// (at least one). Subgraphs with no best yet sort as infinitely slow, so
// they're always included -- a second-stage round still has to find them a
// function somehow.
func topWorstByTime(ts *taskState, ratio float64) []graph.SubgraphKey {
	h := make(worstTimeHeap, 0, len(ts.order))
	for _, k := range ts.order {
		elapsed := 1e18 // no best yet: sorts worse than any measured time.
		if sc, ok := ts.catalog.Best(k).Get(); ok {
			elapsed = sc.ElapsedMS
		}
		h = append(h, worstTime{key: k, elapsed: elapsed})
	}
	heap.Init(&h)

	n := int(float64(len(ts.order))*ratio + 0.5)
	if n < 1 {
		n = 1
	}
	if n > len(ts.order) {
		n = len(ts.order)
	}
	out := make([]graph.SubgraphKey, 0, n)
	for i := 0; i < n && h.Len() > 0; i++ {
		out = append(out, heap.Pop(&h).(worstTime).key)
	}
	return out
}

// drainEmergencySchedule pops one pending emergency-reschedule request, if
// any, and pushes a priority schedule+build pair for it: the emergency
// path is entered when run_evaluate finds a subgraph with no built
// function and no best yet.
func (s *Session) drainEmergencySchedule(ts *taskState) {
	select {
	case k := <-ts.emergencySchedule:
		sub, ok := ts.graph.Subgraphs[k]
		if !ok {
			return
		}
		result, err := s.autosched.ScheduleFor(k, sub, s.target, s.opts.AutoschedulePolicy, 1).Wait()
		if err != nil {
			ts.logs.Autoschedule.Printf("emergency schedule failed for %v: %v", k, err)
			return
		}
		_, handle := s.funcBuilder.BuildFor(result, s.target, s.hostTarget(), entryName(k), nil, nil, 1)
		ts.catalog.Pending(k).PushOrLog(catalog.PendingBuild{Result: result, Handle: handle}, "emergency pending", k)
		select {
		case ts.emergencyBuild <- k:
		default:
			klog.V(2).Infof("pipeline: emergency build queue full, dropping %v", k)
		}
	default:
	}
}

// drainEmergencyBuild pops one pending emergency-build request, if any,
// waits for its handle, and pushes the built function straight onto
// built[k] ahead of the ordinary build walk. It returns whether it found
// anything to do.
func (s *Session) drainEmergencyBuild(ts *taskState) bool {
	select {
	case k := <-ts.emergencyBuild:
		pb, ok := ts.catalog.Pending(k).Pop()
		if !ok {
			return true
		}
		mod, err := pb.Handle.Wait()
		if err != nil {
			ts.logs.Build.Printf("emergency build failed for %v: %v", k, err)
			return true
		}
		fn, ok := mod.Lookup(entryName(k))
		if !ok {
			ts.logs.Build.Printf("emergency build for %v has no entry point %s", k, entryName(k))
			return true
		}
		ts.catalog.Built(k).PushOrLog(collab.BuiltFunction{Result: pb.Result, Module: mod, Entry: fn}, "emergency built", k)
		return true
	default:
		return false
	}
}

// hostTarget returns the host-side compilation target. This module has no
// separate host/device split exposed through Options, so the device target
// doubles as the host target -- a CodeBuilder that cares about the
// distinction can still tell them apart via collab.Target.Host.
func (s *Session) hostTarget() collab.Target {
	return s.target
}

// runAutoschedule is the first of the three long-lived pipeline goroutines:
// for advanceNumber rounds it walks every subgraph once (first stage) or
// the worst-performing subset (second stage), schedules each once per
// distinct tag, and kicks off its build immediately -- pending[k] carries
// the (ScheduleResult, build handle) pair from the start.
func (s *Session) runAutoschedule(ts *taskState, advanceNumber, firstStageNumber int, secondStageTopkRatio float64) {
	for round := 0; round < advanceNumber; round++ {
		if s.isFinished(ts.id) {
			return
		}
		inFirstStage := round < firstStageNumber || !ts.cachedAllFunctions.Load() || s.randFloat() < 0.1

		var keys []graph.SubgraphKey
		if inFirstStage {
			keys = ts.order
		} else {
			keys = topWorstByTime(ts, secondStageTopkRatio)
		}

		scheduledTags := make(map[string]bool, len(keys))
		for _, k := range keys {
			if s.isFinished(ts.id) {
				return
			}
			s.drainEmergencySchedule(ts)

			sub, ok := ts.graph.Subgraphs[k]
			if !ok {
				continue
			}
			if sub.Tag != "" && scheduledTags[sub.Tag] {
				continue
			}
			scheduledTags[sub.Tag] = true

			result, err := s.autosched.ScheduleFor(k, sub, s.target, s.opts.AutoschedulePolicy, 0).Wait()
			if err != nil {
				ts.logs.Autoschedule.Printf("schedule failed for %v: %v", k, err)
				continue
			}
			_, handle := s.funcBuilder.BuildFor(result, s.target, s.hostTarget(), entryName(k), nil, nil, 0)
			ts.catalog.Pending(k).PushOrLog(catalog.PendingBuild{Result: result, Handle: handle}, "pending builds", k)
		}
	}
	for !s.isFinished(ts.id) {
		s.drainEmergencySchedule(ts)
		time.Sleep(s.opts.ExecutionSpinDelay)
	}
}

// runBuild is the second pipeline goroutine: it drains pending[k] (emergency
// requests first) and resolves each build handle into built[k].
func (s *Session) runBuild(ts *taskState, advanceNumber int) {
	for round := 0; round < advanceNumber; round++ {
		if s.isFinished(ts.id) {
			return
		}
		for _, k := range ts.order {
			if s.isFinished(ts.id) {
				return
			}
			if s.drainEmergencyBuild(ts) {
				continue
			}
			pb, ok := ts.catalog.Pending(k).Pop()
			if !ok {
				continue
			}
			mod, err := pb.Handle.Wait()
			if err != nil {
				ts.logs.Build.Printf("build failed for %v: %v", k, err)
				continue
			}
			fn, ok := mod.Lookup(entryName(k))
			if !ok {
				ts.logs.Build.Printf("build for %v has no entry point %s", k, entryName(k))
				continue
			}
			ts.catalog.Built(k).PushOrLog(collab.BuiltFunction{Result: pb.Result, Module: mod, Entry: fn}, "built functions", k)
		}
	}
	for !s.isFinished(ts.id) {
		s.drainEmergencyBuild(ts)
		time.Sleep(s.opts.ExecutionSpinDelay)
	}
}

// runEvaluate is the third pipeline goroutine: it pops a built function for
// each subgraph, measures it, feeds the result back to the Auto-Scheduler,
// promotes the winner into best[k], and -- for subgraphs with no built
// function and no best yet -- escalates onto the emergency schedule queue.
// It keeps walking past advanceNumber rounds until every subgraph has a
// best function, since EndTuning waits for exactly that.
func (s *Session) runEvaluate(ts *taskState, advanceNumber int) {
	for round := 0; round < advanceNumber || !ts.cachedAllFunctions.Load(); round++ {
		if s.isFinished(ts.id) {
			return
		}
		if round >= advanceNumber {
			time.Sleep(s.opts.ExecutionSpinDelay)
		}
		for _, k := range ts.order {
			if s.isFinished(ts.id) {
				return
			}
			sub, ok := ts.graph.Subgraphs[k]
			if !ok {
				continue
			}

			bf, taken := ts.catalog.Built(k).Pop()
			if taken {
				elapsed := s.evaluator.EvaluatePerformance(bf.Module, entryName(k), bf.Result.Tensors)
				if elapsed > 0 {
					gflops := s.gflopFor(sub) / (elapsed/1000.0 + 1e-8)
					s.autosched.FeedbackFor(k, bf.Result, gflops)
					candidate := collab.ScoredFunction{Function: bf, GFLOPS: gflops, ElapsedMS: elapsed}
					if ts.catalog.Best(k).SetIfBetter(candidate, catalog.Better) {
						donorBetter := false
						if other, ok := ts.tagBestOther(sub.Tag, k); ok {
							if sc, ok2 := ts.catalog.Best(other).Get(); ok2 && !catalog.Better(candidate, sc) {
								donorBetter = true
							}
						}
						if !donorBetter {
							ts.recordTagBest(sub.Tag, k)
						}
					}
				} else {
					s.autosched.FeedbackFor(k, bf.Result, 0)
					ts.logs.Evaluate.Printf("evaluate(%v) failed or timed out", k)
				}
			}

			if other, ok := ts.tagBestOther(sub.Tag, k); ok {
				if sc, ok2 := ts.catalog.Best(other).Get(); ok2 {
					ts.catalog.Best(k).SetIfBetter(sc, catalog.Better)
				}
			}

			if !taken && ts.catalog.Best(k).Empty() {
				select {
				case ts.emergencySchedule <- k:
				default:
					klog.V(2).Infof("pipeline: emergency schedule queue full, dropping %v", k)
				}
			}
		}
		if ts.catalog.AllHaveBest(ts.order) {
			ts.cachedAllFunctions.Store(true)
		}
	}
	for !s.isFinished(ts.id) {
		if ts.catalog.AllHaveBest(ts.order) {
			ts.cachedAllFunctions.Store(true)
		}
		time.Sleep(s.opts.ExecutionSpinDelay)
	}
}
