package scheduler

import "errors"

var (
	// ErrSchedulerNotRunning is returned when triggering a task on stopped workers
	ErrSchedulerNotRunning = errors.New("scheduler is not running")

	// ErrJobNotFound is returned when a task is not registered
	ErrJobNotFound = errors.New("job not found")

	// ErrInvalidConfig is returned when configuration is invalid
	ErrInvalidConfig = errors.New("invalid scheduler configuration")
)
