package substrate

import "errors"

var (
	// Lifecycle errors.
	ErrNotRunning     = errors.New("substrate: engine not running")
	ErrAlreadyRunning = errors.New("substrate: engine already running")

	// Job errors.
	ErrJobNotFound      = errors.New("substrate: job not found")
	ErrJobAlreadyExists = errors.New("substrate: job already exists")
	ErrNilTask          = errors.New("substrate: nil task")
	ErrInvalidPriority  = errors.New("substrate: invalid priority")

	// State errors.
	ErrTerminalState = errors.New("substrate: job is in a terminal state")
)
