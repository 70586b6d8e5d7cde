package session

import (
	"time"

	"github.com/tensorgraph/autotune/collab"
)

// Options configures a Session.
type Options struct {
	// ReportProfile gates a per-candidate judge-score log line emitted by
	// the Auto-Scheduler while sampling under the profile policy; it has
	// nothing to do with Run's profileLevel parameter.
	ReportProfile         bool
	ReportIteration       bool
	ReportIterationPeriod int

	// AutoscheduleTrialRatio is accepted for API completeness but is not
	// applied to advance_number today; kept here rather than silently
	// dropped, since a config field a caller might already set is worse to
	// remove than to leave inert.
	AutoscheduleTrialRatio float64
	AutoscheduleTopk       int
	AutoscheduleNewTrial   int
	AutoschedulePolicy     collab.Policy
	AutoscheduleParallel   int
	AutoscheduleTimeout    time.Duration
	AutoscheduleLogFile    string

	ProfileParallel int
	ProfileTimeout  time.Duration

	BuildParallel int
	BuildTimeout  time.Duration
	BuildLogFile  string

	EvaluateLogFile string

	ExecutionExploreProbability float64
	ExecutionParallel           int
	ExecutionTimeout            time.Duration
	SynchronizeSubgraph         bool
	ExecutionLogFile            string

	// ExecutionSpinRetries bounds run_functions' wait for best[k] to become
	// populated. ExecutionSpinDelay is the sleep between polls.
	ExecutionSpinRetries int
	ExecutionSpinDelay   time.Duration
}

// DefaultOptions returns sensible defaults, in the style of a small
// Default()-style constructor for a flat settings struct
// (ui/commandline/contextsettings.go).
func DefaultOptions() Options {
	return Options{
		ReportIterationPeriod:       1,
		AutoscheduleTrialRatio:      1.0,
		AutoscheduleTopk:            20,
		AutoscheduleNewTrial:        16,
		AutoschedulePolicy:          collab.PolicyRandom,
		AutoscheduleParallel:        0, // 0 => runtime.NumCPU()
		AutoscheduleTimeout:         300 * time.Millisecond,
		BuildParallel:               0,
		BuildTimeout:                300 * time.Millisecond,
		ProfileTimeout:              300 * time.Millisecond,
		ExecutionExploreProbability: 0.1,
		ExecutionParallel:           0,
		ExecutionTimeout:            300 * time.Millisecond,
		SynchronizeSubgraph:         false,
		ExecutionSpinRetries:        20000,
		ExecutionSpinDelay:          500 * time.Microsecond,
	}
}
