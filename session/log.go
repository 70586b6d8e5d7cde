package session

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// phaseLog is one of the four append-only per-task log streams. It's
// deliberately a thin wrapper over a plain file: the banner format
// (`[time= <epoch_ms>] New <phase> task.\n###...###\n`) and free-form body
// lines are a narrow text protocol that no third-party library targets any
// better than stdlib os+fmt (see DESIGN.md's "Log streams" entry).
type phaseLog struct {
	mu    sync.Mutex
	phase string
	w     io.Writer
	close func() error
}

// newPhaseLog opens (or creates) path for appending. If path is empty, the
// stream discards everything -- a caller who doesn't configure a
// *_log_file for a phase gets a working no-op logger, not an error.
func newPhaseLog(phase, path string) (*phaseLog, error) {
	if path == "" {
		return &phaseLog{phase: phase, w: io.Discard, close: func() error { return nil }}, nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &phaseLog{phase: phase, w: f, close: f.Close}, nil
}

// Banner writes the "New <phase> task" banner, followed by a "run=<runID>"
// line for cross-referencing the four streams.
func (l *phaseLog) Banner(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, "[time= %d] New %s task.\n", time.Now().UnixMilli(), l.phase)
	fmt.Fprintln(l.w, "######################################################################")
	fmt.Fprintf(l.w, "run=%s\n", runID)
}

// Printf appends one free-form line.
func (l *phaseLog) Printf(format string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintf(l.w, format, args...)
	if len(format) == 0 || format[len(format)-1] != '\n' {
		fmt.Fprintln(l.w)
	}
}

func (l *phaseLog) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// taskLogs bundles the four streams for one Session.
type taskLogs struct {
	Autoschedule *phaseLog
	Build        *phaseLog
	Evaluate     *phaseLog
	Exec         *phaseLog
}

func newTaskLogs(opts Options) (*taskLogs, error) {
	as, err := newPhaseLog("autoschedule", opts.AutoscheduleLogFile)
	if err != nil {
		return nil, err
	}
	bl, err := newPhaseLog("build", opts.BuildLogFile)
	if err != nil {
		return nil, err
	}
	ev, err := newPhaseLog("evaluate", opts.EvaluateLogFile)
	if err != nil {
		return nil, err
	}
	ex, err := newPhaseLog("execution", opts.ExecutionLogFile)
	if err != nil {
		return nil, err
	}
	return &taskLogs{Autoschedule: as, Build: bl, Evaluate: ev, Exec: ex}, nil
}

func (t *taskLogs) Banner(runID string) {
	t.Autoschedule.Banner(runID)
	t.Build.Banner(runID)
	t.Evaluate.Banner(runID)
	t.Exec.Banner(runID)
}

func (t *taskLogs) Close() {
	_ = t.Autoschedule.Close()
	_ = t.Build.Close()
	_ = t.Evaluate.Close()
	_ = t.Exec.Close()
}
