package cron

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// JobStatus represents the last known state of a job.
type JobStatus string

const (
	StatusIdle    JobStatus = "idle"
	StatusRunning JobStatus = "running"
	StatusFulfill JobStatus = "fulfill"
	StatusReject  JobStatus = "reject"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrJobRunning  = errors.New("job is already running")
)

// Job defines a fixed-interval background task.
type Job struct {
	Name        string
	Description string
	Interval    time.Duration
	// Timeout bounds one execution; zero means Interval.
	Timeout time.Duration
	Fn      func(ctx context.Context) error
}

// JobState holds runtime state for a registered job.
type JobState struct {
	Job
	Status    JobStatus
	Message   string
	LastRunAt *time.Time
	NextRunAt time.Time
	mu        sync.Mutex
}

// ListItem is the serializable representation of a job for the API.
type ListItem struct {
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Interval    string     `json:"interval"`
	Status      JobStatus  `json:"status"`
	Message     string     `json:"message,omitempty"`
	NextDate    *time.Time `json:"next_date"`
	LastRunAt   *time.Time `json:"last_run_at,omitempty"`
}

// TaskResult is returned when polling task execution status.
type TaskResult struct {
	Status  JobStatus `json:"status"` // "fulfill" | "reject" | "running" | "idle"
	Message string    `json:"message,omitempty"`
}

// Scheduler manages a collection of named jobs. A job never overlaps with
// itself: a tick that finds the previous run still going is skipped.
type Scheduler struct {
	mu     sync.RWMutex
	jobs   map[string]*JobState
	logger *zap.Logger
	wg     sync.WaitGroup
}

// New creates an empty Scheduler.
func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		jobs:   make(map[string]*JobState),
		logger: logger.Named("Cron"),
	}
}

// Register adds a job to the scheduler. Must be called before Start.
func (s *Scheduler) Register(job Job) error {
	if job.Name == "" || job.Fn == nil {
		return fmt.Errorf("cron: job needs a name and a func")
	}
	if job.Interval <= 0 {
		return fmt.Errorf("cron: job %q has non-positive interval", job.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.Name]; exists {
		return fmt.Errorf("cron: job %q registered twice", job.Name)
	}
	s.jobs[job.Name] = &JobState{
		Job:       job,
		Status:    StatusIdle,
		NextRunAt: time.Now().Add(job.Interval),
	}
	return nil
}

// Start launches all registered jobs in background goroutines. They stop
// when ctx is cancelled; Wait blocks until they have.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, js := range s.jobs {
		s.wg.Add(1)
		go s.runLoop(ctx, js)
	}
}

// Wait blocks until every loop started by Start and every manual run has returned.
func (s *Scheduler) Wait() {
	s.wg.Wait()
}

func (s *Scheduler) runLoop(ctx context.Context, js *JobState) {
	defer s.wg.Done()
	for {
		js.mu.Lock()
		wait := time.Until(js.NextRunAt)
		js.mu.Unlock()
		if wait < 0 {
			wait = 0
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
			_ = s.execute(ctx, js)
			js.mu.Lock()
			js.NextRunAt = time.Now().Add(js.Interval)
			js.mu.Unlock()
		}
	}
}

func (s *Scheduler) execute(ctx context.Context, js *JobState) error {
	js.mu.Lock()
	if js.Status == StatusRunning {
		js.mu.Unlock()
		s.logger.Warn("previous run still in progress, skipping", zap.String("job", js.Name))
		return ErrJobRunning
	}
	js.Status = StatusRunning
	js.mu.Unlock()

	timeout := js.Timeout
	if timeout <= 0 {
		timeout = js.Interval
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	now := time.Now()
	err := s.call(runCtx, js)

	js.mu.Lock()
	js.LastRunAt = &now
	if err != nil {
		js.Status = StatusReject
		js.Message = err.Error()
	} else {
		js.Status = StatusFulfill
		js.Message = ""
	}
	js.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", zap.String("job", js.Name), zap.Duration("took", time.Since(now)), zap.Error(err))
	} else {
		s.logger.Debug("job done", zap.String("job", js.Name), zap.Duration("took", time.Since(now)))
	}
	return err
}

func (s *Scheduler) call(ctx context.Context, js *JobState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return js.Fn(ctx)
}

// Run manually triggers a job by name (non-blocking).
func (s *Scheduler) Run(ctx context.Context, name string) error {
	js, err := s.lookup(name)
	if err != nil {
		return err
	}
	js.mu.Lock()
	running := js.Status == StatusRunning
	js.mu.Unlock()
	if running {
		return ErrJobRunning
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		_ = s.execute(ctx, js)
	}()
	return nil
}

// RunSync triggers a job and waits for it.
func (s *Scheduler) RunSync(ctx context.Context, name string) error {
	js, err := s.lookup(name)
	if err != nil {
		return err
	}
	return s.execute(ctx, js)
}

func (s *Scheduler) lookup(name string) (*JobState, error) {
	s.mu.RLock()
	js, ok := s.jobs[name]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrJobNotFound, name)
	}
	return js, nil
}

// GetTask returns the current execution state of a job.
func (s *Scheduler) GetTask(name string) (*TaskResult, error) {
	js, err := s.lookup(name)
	if err != nil {
		return nil, err
	}
	js.mu.Lock()
	defer js.mu.Unlock()
	return &TaskResult{Status: js.Status, Message: js.Message}, nil
}

// List returns a summary of all registered jobs sorted by name.
func (s *Scheduler) List() []ListItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]ListItem, 0, len(s.jobs))
	for _, js := range s.jobs {
		js.mu.Lock()
		next := js.NextRunAt
		items = append(items, ListItem{
			Name:        js.Name,
			Description: js.Description,
			Interval:    js.Interval.String(),
			Status:      js.Status,
			Message:     js.Message,
			NextDate:    &next,
			LastRunAt:   js.LastRunAt,
		})
		js.mu.Unlock()
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items
}
