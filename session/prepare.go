package session

import (
	"k8s.io/klog/v2"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
)

// testSentinelScore marks a function seeded from a reference file rather
// than actually measured: -999 so any real measurement, however bad,
// always outranks it.
const testSentinelScore = -999.0

// PrepareForTest seeds task's catalog from a reference file: for each line
// it deterministically realises the named entity and compiles it
// synchronously, seeding both built[k] and best[k] so the pipeline doesn't
// have to search for it. Subgraphs the file doesn't mention are seeded by
// tag, from whichever seeded subgraph shares their Tag.
func (s *Session) PrepareForTest(taskID TaskID, referencePath string) error {
	ts, err := s.task(taskID)
	if err != nil {
		return err
	}

	records, err := ReadReferenceFile(referencePath)
	if err != nil {
		return err
	}

	seeded := make(map[graph.SubgraphKey]bool, len(records))
	for _, rec := range records {
		sub, ok := ts.graph.Subgraphs[rec.Key]
		if !ok {
			klog.Warningf("prepare_for_test: reference file names unknown subgraph %v, skipping", rec.Key)
			continue
		}

		result, err := s.autosched.ScheduleWithEntity(rec.Key, sub, s.target, rec.Entity)
		if err != nil {
			klog.Warningf("prepare_for_test: realising %v entity=%s: %v", rec.Key, rec.Entity, err)
			continue
		}
		mod, err := s.funcBuilder.BuildFunc(result, s.target, s.hostTarget(), entryName(rec.Key), nil, nil)
		if err != nil {
			klog.Warningf("prepare_for_test: building %v entity=%s: %v", rec.Key, rec.Entity, err)
			continue
		}
		fn, ok := mod.Lookup(entryName(rec.Key))
		if !ok {
			klog.Warningf("prepare_for_test: built module for %v has no entry point", rec.Key)
			continue
		}

		built := collab.BuiltFunction{Result: result, Module: mod, Entry: fn}
		ts.catalog.Built(rec.Key).PushOrLog(built, "prepared built functions", rec.Key)
		ts.catalog.Best(rec.Key).Set(collab.ScoredFunction{Function: built, GFLOPS: testSentinelScore, ElapsedMS: testSentinelScore})
		ts.recordTagBest(sub.Tag, rec.Key)
		seeded[rec.Key] = true
	}

	for k, sub := range ts.graph.Subgraphs {
		if seeded[k] {
			continue
		}
		other, ok := ts.tagBestOther(sub.Tag, k)
		if !ok {
			continue
		}
		if sc, ok2 := ts.catalog.Best(other).Get(); ok2 {
			ts.catalog.Best(k).Set(sc)
		}
	}

	if ts.catalog.AllHaveBest(ts.order) {
		ts.cachedAllFunctions.Store(true)
	}
	return nil
}
