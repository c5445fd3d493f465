package engine

import "errors"

var (
	ErrAlreadyRunning = errors.New("task engine already running")
	ErrNilWork        = errors.New("task work is nil")

	// ErrCalledFromTask is returned by Wait when ctx belongs to a task
	// executing on the consumer; waiting there could never finish.
	ErrCalledFromTask = errors.New("task engine: wait called from inside a task")
)
