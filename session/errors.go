package session

import "github.com/pkg/errors"

// Error kinds surfaced by the session engine. Schedule/build/eval failures
// are absorbed inside the pipeline loops (logged, converted to
// zero-gflops feedback); MissingFunction, TaskNotFound and
// SessionNotFound are fatal and propagate to the caller.
var (
	ErrTimeout         = errors.New("session: operation timed out")
	ErrMissingFunction = errors.New("session: missing argument or entry-point function")
	ErrPoolShutdown    = errors.New("session: worker pool is shut down")
	ErrBadConfig       = errors.New("session: invalid configuration")
	ErrTaskNotFound    = errors.New("session: task not found")
	ErrSessionNotFound = errors.New("session: session not found")
)
