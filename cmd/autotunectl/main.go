// Command autotunectl drives one end-to-end tuning run against a small
// synthetic compute graph, using the in-memory fake collaborators from
// collab/fake in place of a real tensor IR, code generator, and device
// runtime. It exists to exercise the session engine from the command
// line, not to tune anything real.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/collab/fake"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/session"
	"github.com/tensorgraph/autotune/tensorstore"
)

var (
	flagDevice        = flag.String("device", "llvm", "Device compilation target.")
	flagAdvanceNumber = flag.Int("advance", 20, "Number of schedule/build/evaluate rounds to run before taking the best-known functions.")
	flagIterations    = flag.Int("iterations", 10, "Number of Run iterations to execute after tuning.")
	flagReference     = flag.String("reference", "", "Reference file to seed the catalog from before tuning (prepare_for_test). Empty skips seeding.")
	flagSaveTo        = flag.String("save_to", "", "Reference file to write the tuned best functions to after Run. Empty skips saving.")
	flagTopk          = flag.Int("topk", 20, "Auto-Scheduler top-k context size per subgraph.")
	flagPolicy        = flag.String("policy", string(collab.PolicyRandom), "Judge policy: random, profile, or model.")
)

func main() {
	klog.InitFlags(nil)
	flag.Parse()

	opts := session.DefaultOptions()
	opts.AutoscheduleTopk = *flagTopk
	opts.AutoschedulePolicy = collab.Policy(*flagPolicy)

	sess, err := session.New(collab.Target{Device: *flagDevice}, 0, opts, session.Collaborators{
		SearchSpace: fake.NewSearchSpace(64, 1),
		Judge:       fake.NewJudge(1),
		Interpreter: fake.Interpreter{},
		CodeBuilder: &fake.CodeBuilder{},
		Evaluator:   &fake.Evaluator{},
		GFLOP:       &fake.GFLOPProvider{Default: 1.0},
	})
	if err != nil {
		klog.Exitf("autotunectl: opening session: %v", err)
	}

	taskID, err := sess.AddTask(demoGraph())
	if err != nil {
		klog.Exitf("autotunectl: add_task: %v", err)
	}

	if err := sess.BeginTuning(taskID, *flagAdvanceNumber, *flagReference, *flagAdvanceNumber/4+1, 0.3); err != nil {
		klog.Exitf("autotunectl: begin_tuning: %v", err)
	}
	if err := sess.EndTuning(taskID); err != nil {
		klog.Exitf("autotunectl: end_tuning: %v", err)
	}

	bindings := map[string]tensorstore.Buffer{"x": []float64{1, 2, 3, 4}}
	start := time.Now()
	stats, err := sess.Run(taskID, bindings, *flagIterations, *flagSaveTo, 0)
	if err != nil {
		klog.Exitf("autotunectl: run: %v", err)
	}

	fmt.Printf("tuned and ran task %d in %s: %d iterations, min=%.4fms median=%.4fms max=%.4fms\n",
		taskID, time.Since(start), stats.Iterations, stats.MinMS, stats.MedianMS, stats.MaxMS)
	if *flagSaveTo != "" {
		fmt.Printf("wrote tuned reference to %s\n", *flagSaveTo)
	}
	os.Exit(0)
}

// demoGraph returns a small two-subgraph pipeline: a matmul feeding a relu.
func demoGraph() *graph.MultiGraph {
	mg := graph.NewMultiGraph()
	x := graph.TensorRef{Name: "x", Shape: graph.Shape{Dims: []int64{4}}}
	y := graph.TensorRef{Name: "y", Shape: graph.Shape{Dims: []int64{4}}}
	z := graph.TensorRef{Name: "z", Shape: graph.Shape{Dims: []int64{4}}}
	mg.AddSubgraph(&graph.Subgraph{Key: 1, Tag: "matmul", Inputs: []graph.TensorRef{x}, Outputs: []graph.TensorRef{y}, RootOps: []string{"matmul"}, GFLOP: 2.0})
	mg.AddSubgraph(&graph.Subgraph{Key: 2, Tag: "relu", Inputs: []graph.TensorRef{y}, Outputs: []graph.TensorRef{z}, RootOps: []string{"relu"}, GFLOP: 0.5})
	mg.AddEdge(1, 2)
	return mg
}
