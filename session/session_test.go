package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/collab/fake"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/tensorstore"
)

func testGraph(t *testing.T) *graph.MultiGraph {
	t.Helper()
	mg := graph.NewMultiGraph()
	x := graph.TensorRef{Name: "x", Shape: graph.Shape{Dims: []int64{4}}}
	y := graph.TensorRef{Name: "y", Shape: graph.Shape{Dims: []int64{4}}}
	z := graph.TensorRef{Name: "z", Shape: graph.Shape{Dims: []int64{4}}}
	mg.AddSubgraph(&graph.Subgraph{Key: 1, Tag: "matmul", Inputs: []graph.TensorRef{x}, Outputs: []graph.TensorRef{y}, RootOps: []string{"matmul"}, GFLOP: 2.0})
	mg.AddSubgraph(&graph.Subgraph{Key: 2, Tag: "relu", Inputs: []graph.TensorRef{y}, Outputs: []graph.TensorRef{z}, RootOps: []string{"relu"}, GFLOP: 0.5})
	mg.AddEdge(1, 2)
	return mg
}

func testCollaborators() Collaborators {
	return Collaborators{
		SearchSpace: fake.NewSearchSpace(32, 1),
		Judge:       fake.NewJudge(1),
		Interpreter: fake.Interpreter{},
		CodeBuilder: &fake.CodeBuilder{},
		Evaluator:   &fake.Evaluator{},
		GFLOP:       &fake.GFLOPProvider{Default: 1.0},
	}
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.AutoscheduleParallel = 2
	opts.BuildParallel = 2
	opts.AutoscheduleTimeout = 200 * time.Millisecond
	opts.BuildTimeout = 200 * time.Millisecond
	opts.ExecutionSpinRetries = 4000
	opts.ExecutionSpinDelay = time.Millisecond
	return opts
}

func TestNewRejectsMissingCollaborators(t *testing.T) {
	_, err := New(collab.Target{Device: "llvm"}, 0, DefaultOptions(), Collaborators{})
	assert.ErrorIs(t, err, ErrBadConfig)
}

func TestAddTaskComputesTopoOrderAndAllocatesOutputs(t *testing.T) {
	sess, err := New(collab.Target{Device: "llvm"}, 0, testOptions(), testCollaborators())
	require.NoError(t, err)

	taskID, err := sess.AddTask(testGraph(t))
	require.NoError(t, err)

	ts, err := sess.task(taskID)
	require.NoError(t, err)
	assert.Equal(t, []graph.SubgraphKey{1, 2}, ts.order)

	_, ok := ts.volatile.Get(graph.TensorRef{Name: "y"})
	assert.True(t, ok, "AddTask should allocate a volatile buffer for subgraph 1's output")
}

func TestBeginAndEndTuningPopulatesBestForEverySubgraph(t *testing.T) {
	sess, err := New(collab.Target{Device: "llvm"}, 0, testOptions(), testCollaborators())
	require.NoError(t, err)

	taskID, err := sess.AddTask(testGraph(t))
	require.NoError(t, err)

	require.NoError(t, sess.BeginTuning(taskID, 8, "", 2, 0.5))
	require.NoError(t, sess.EndTuning(taskID))

	ts, err := sess.task(taskID)
	require.NoError(t, err)
	assert.True(t, ts.catalog.AllHaveBest(ts.order))
}

func TestRunExecutesEveryIterationAfterTuning(t *testing.T) {
	sess, err := New(collab.Target{Device: "llvm"}, 0, testOptions(), testCollaborators())
	require.NoError(t, err)

	taskID, err := sess.AddTask(testGraph(t))
	require.NoError(t, err)
	require.NoError(t, sess.BeginTuning(taskID, 8, "", 2, 0.5))
	require.NoError(t, sess.EndTuning(taskID))

	bindings := map[string]tensorstore.Buffer{"x": []float64{1, 2, 3, 4}}
	stats, err := sess.Run(taskID, bindings, 5, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Iterations)
	assert.GreaterOrEqual(t, stats.MaxMS, stats.MinMS)
}

func TestRunAtProfileLevel1EmitsExactlyOneTimeReportLine(t *testing.T) {
	opts := testOptions()
	dir := t.TempDir()
	opts.ExecutionLogFile = filepath.Join(dir, "execution.log")
	sess, err := New(collab.Target{Device: "llvm"}, 0, opts, testCollaborators())
	require.NoError(t, err)

	taskID, err := sess.AddTask(testGraph(t))
	require.NoError(t, err)
	require.NoError(t, sess.BeginTuning(taskID, 8, "", 2, 0.5))
	require.NoError(t, sess.EndTuning(taskID))

	bindings := map[string]tensorstore.Buffer{"x": []float64{1, 2, 3, 4}}
	stats, err := sess.Run(taskID, bindings, 5, "", 1)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, stats.MaxMS, stats.MedianMS)
	assert.GreaterOrEqual(t, stats.MedianMS, stats.MinMS)

	data, err := os.ReadFile(opts.ExecutionLogFile)
	require.NoError(t, err)

	var reportLines []string
	for _, line := range strings.Split(string(data), "\n") {
		if strings.Contains(line, "Time report") {
			reportLines = append(reportLines, line)
		}
	}
	require.Len(t, reportLines, 1, "expected exactly one Time report line, got: %q", string(data))
	assert.Contains(t, reportLines[0], "min=")
	assert.Contains(t, reportLines[0], "med=")
	assert.Contains(t, reportLines[0], "max=")

	// profile_level=1 is iteration-level only: no per-subgraph detail lines.
	assert.NotContains(t, string(data), "subgraph")
}

func TestRunBeforeTuningTimesOutWaitingForBest(t *testing.T) {
	opts := testOptions()
	opts.ExecutionSpinRetries = 3
	opts.ExecutionSpinDelay = time.Millisecond
	sess, err := New(collab.Target{Device: "llvm"}, 0, opts, testCollaborators())
	require.NoError(t, err)

	taskID, err := sess.AddTask(testGraph(t))
	require.NoError(t, err)

	_, err = sess.Run(taskID, nil, 1, "", 0)
	assert.ErrorIs(t, err, ErrMissingFunction)
}

func TestRunAndPrepareForTestRoundTrip(t *testing.T) {
	sess, err := New(collab.Target{Device: "llvm"}, 0, testOptions(), testCollaborators())
	require.NoError(t, err)

	taskID, err := sess.AddTask(testGraph(t))
	require.NoError(t, err)
	require.NoError(t, sess.BeginTuning(taskID, 8, "", 2, 0.5))
	require.NoError(t, sess.EndTuning(taskID))

	dir := t.TempDir()
	refPath := filepath.Join(dir, "reference.txt")
	bindings := map[string]tensorstore.Buffer{"x": []float64{1, 2, 3, 4}}
	_, err = sess.Run(taskID, bindings, 1, refPath, 0)
	require.NoError(t, err)

	data, err := os.ReadFile(refPath)
	require.NoError(t, err)
	assert.NotEmpty(t, data)

	sess2, err := New(collab.Target{Device: "llvm"}, 0, testOptions(), testCollaborators())
	require.NoError(t, err)
	taskID2, err := sess2.AddTask(testGraph(t))
	require.NoError(t, err)

	require.NoError(t, sess2.PrepareForTest(taskID2, refPath))
	ts2, err := sess2.task(taskID2)
	require.NoError(t, err)
	assert.True(t, ts2.catalog.AllHaveBest(ts2.order))

	stats, err := sess2.Run(taskID2, bindings, 1, "", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Iterations)
}

func TestInitializeWeightsBindsPersistentTensors(t *testing.T) {
	sess, err := New(collab.Target{Device: "llvm"}, 0, testOptions(), testCollaborators())
	require.NoError(t, err)

	mg := graph.NewMultiGraph()
	w := graph.TensorRef{Name: "w0", Shape: graph.Shape{Dims: []int64{4}}}
	u := graph.TensorRef{Name: "u0", Shape: graph.Shape{Dims: []int64{4}}}
	mg.AddSubgraph(&graph.Subgraph{Key: 1, Weights: []graph.TensorRef{w}, Updates: []graph.TensorRef{u}})

	userBuf := []float64{1, 2, 3, 4}
	require.NoError(t, sess.InitializeWeights(mg, map[string]tensorstore.Buffer{"w0": userBuf}))

	buf, ok := sess.persistent.Get(u)
	require.True(t, ok)
	assert.Same(t, &userBuf[0], &(buf.([]float64))[0])
}
