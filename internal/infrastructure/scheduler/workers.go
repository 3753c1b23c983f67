package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Task is a unit of background work run on a fixed interval
type Task struct {
	Name     string
	Interval time.Duration
	// Timeout bounds one run. Zero means the interval.
	Timeout time.Duration
	// RunAtStart runs the task once as soon as the workers start
	RunAtStart bool
	Run        func(ctx context.Context) error
}

// TaskStats describes the last runs of a task
type TaskStats struct {
	Runs      int
	Failures  int
	LastRunAt time.Time
	LastError string
}

// Workers runs each task in its own loop. Runs of one task never overlap;
// a run that outlasts the interval delays the next tick.
type Workers struct {
	tasks  []Task
	logger *zap.Logger

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.Mutex
	isRunning bool
	triggers  map[string]chan struct{}
	stats     map[string]*TaskStats
}

// NewWorkers validates the tasks and creates the workers
func NewWorkers(logger *zap.Logger, tasks ...Task) (*Workers, error) {
	seen := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		switch {
		case t.Name == "":
			return nil, fmt.Errorf("%w: task without a name", ErrInvalidConfig)
		case seen[t.Name]:
			return nil, fmt.Errorf("%w: duplicate task %q", ErrInvalidConfig, t.Name)
		case t.Interval <= 0:
			return nil, fmt.Errorf("%w: task %q needs a positive interval", ErrInvalidConfig, t.Name)
		case t.Run == nil:
			return nil, fmt.Errorf("%w: task %q has nothing to run", ErrInvalidConfig, t.Name)
		}
		seen[t.Name] = true
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	w := &Workers{
		tasks:    tasks,
		logger:   logger.Named("workers"),
		triggers: make(map[string]chan struct{}, len(tasks)),
		stats:    make(map[string]*TaskStats, len(tasks)),
	}
	for _, t := range tasks {
		w.triggers[t.Name] = make(chan struct{}, 1)
		w.stats[t.Name] = &TaskStats{}
	}
	return w, nil
}

// Start launches one loop per task
func (w *Workers) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = true
	w.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	for _, t := range w.tasks {
		w.wg.Add(1)
		go w.loop(ctx, t)
		w.logger.Info("Worker started",
			zap.String("task", t.Name),
			zap.Duration("interval", t.Interval),
		)
	}
	return nil
}

// Stop cancels every loop and waits for in-flight runs to finish
func (w *Workers) Stop(ctx context.Context) error {
	w.mu.Lock()
	if !w.isRunning {
		w.mu.Unlock()
		return nil
	}
	w.isRunning = false
	w.mu.Unlock()

	if w.cancel != nil {
		w.cancel()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Workers stopped gracefully")
		return nil
	case <-ctx.Done():
		w.logger.Warn("Workers stop timed out")
		return ctx.Err()
	}
}

// Trigger asks a task to run as soon as its loop is free. Repeated
// triggers before the run starts collapse into one.
func (w *Workers) Trigger(name string) error {
	w.mu.Lock()
	running := w.isRunning
	w.mu.Unlock()
	if !running {
		return ErrSchedulerNotRunning
	}
	ch, ok := w.triggers[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	select {
	case ch <- struct{}{}:
	default:
	}
	return nil
}

// Stats returns a copy of the task's counters
func (w *Workers) Stats(name string) (TaskStats, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	s, ok := w.stats[name]
	if !ok {
		return TaskStats{}, false
	}
	return *s, true
}

func (w *Workers) loop(ctx context.Context, t Task) {
	defer w.wg.Done()

	if t.RunAtStart {
		w.execute(ctx, t)
	}

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.execute(ctx, t)
		case <-w.triggers[t.Name]:
			w.execute(ctx, t)
		}
	}
}

func (w *Workers) execute(ctx context.Context, t Task) {
	timeout := t.Timeout
	if timeout <= 0 {
		timeout = t.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := w.safeRun(runCtx, t)

	w.mu.Lock()
	s := w.stats[t.Name]
	s.Runs++
	s.LastRunAt = start
	s.LastError = ""
	if err != nil {
		s.Failures++
		s.LastError = err.Error()
	}
	w.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return
		}
		w.logger.Error("Worker run failed",
			zap.String("task", t.Name),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err),
		)
		return
	}
	w.logger.Debug("Worker run completed",
		zap.String("task", t.Name),
		zap.Duration("duration", time.Since(start)),
	)
}

func (w *Workers) safeRun(ctx context.Context, t Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task %s panicked: %v", t.Name, r)
		}
	}()
	return t.Run(ctx)
}
