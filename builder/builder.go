// Package builder implements the Function Builder: it compiles a scored
// schedule into a loadable module on the shared worker pool, enforcing a
// per-build timeout, and exposes a synchronous variant for the
// reference-seeding path.
package builder

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/tensorgraph/autotune/collab"
	"github.com/tensorgraph/autotune/graph"
	"github.com/tensorgraph/autotune/internal/workerpool"
	"github.com/tensorgraph/autotune/schedule"
)

// ErrBuildFailed wraps any failure from the CodeBuilder collaborator or a
// build timeout.
var ErrBuildFailed = errors.New("builder: build failed")

// FunctionBuilder submits code-generation jobs to a shared worker pool.
type FunctionBuilder struct {
	pool    *workerpool.Pool
	gen     collab.CodeBuilder
	timeout time.Duration

	// dedup collapses concurrent BuildFor calls for the same (key, entity)
	// pair -- e.g. an ordinary pipeline iteration and an emergency
	// resubmission racing to build the identical schedule -- into a single
	// compile.
	dedup singleflight.Group
}

// New returns a FunctionBuilder backed by pool, using gen to compile
// schedules, with the given default per-build timeout (the pool's own
// default timeout if <= 0).
func New(pool *workerpool.Pool, gen collab.CodeBuilder, timeout time.Duration) *FunctionBuilder {
	return &FunctionBuilder{pool: pool, gen: gen, timeout: timeout}
}

func dedupKey(key graph.SubgraphKey, entity schedule.Entity) string {
	return fmt.Sprintf("%d|%s", key, entity.String())
}

// BuildFor submits a code-generation job for result to the worker pool and
// returns the (unchanged) ScheduleResult alongside a handle for the
// eventual Module.
func (b *FunctionBuilder) BuildFor(result schedule.Result, deviceTarget, hostTarget collab.Target, entryName string, bufferMap map[string]string, cfg collab.BuildConfig, priority int) (schedule.Result, *workerpool.Handle[collab.Module]) {
	key := dedupKey(result.Key, result.Entity)
	fn := func() (collab.Module, error) {
		v, err, _ := b.dedup.Do(key, func() (any, error) {
			return b.gen.Build(result.Schedule, result.Tensors, deviceTarget, hostTarget, entryName, bufferMap, cfg)
		})
		if err != nil {
			return nil, errors.Wrapf(ErrBuildFailed, "build(%v, entity=%s): %v", result.Key, result.Entity, err)
		}
		return v.(collab.Module), nil
	}
	if priority == 1 {
		return result, workerpool.PushFront(b.pool, b.timeout, fn)
	}
	return result, workerpool.PushBack(b.pool, b.timeout, fn)
}

// BuildFunc is the synchronous variant used by the reference-seeding path
// (prepare_for_test): it compiles inline, on the caller's goroutine, and
// does not touch the worker pool or the dedup group.
func (b *FunctionBuilder) BuildFunc(result schedule.Result, deviceTarget, hostTarget collab.Target, entryName string, bufferMap map[string]string, cfg collab.BuildConfig) (collab.Module, error) {
	mod, err := b.gen.Build(result.Schedule, result.Tensors, deviceTarget, hostTarget, entryName, bufferMap, cfg)
	if err != nil {
		return nil, errors.Wrapf(ErrBuildFailed, "build_func(%v, entity=%s): %v", result.Key, result.Entity, err)
	}
	return mod, nil
}
