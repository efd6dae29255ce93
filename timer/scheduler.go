// Package timer fires timer jobs scheduled by the process runtime.
// One-shot jobs wait on a timer; cycle jobs run on a robfig/cron schedule.
package timer

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/goliatone/go-errors"
	"github.com/google/uuid"
	rcron "github.com/robfig/cron/v3"

	"github.com/goliatone/go-process/flow"
)

const (
	ErrCodeInvalidJob   = "TIMER_INVALID_JOB"
	ErrCodeDuplicateJob = "TIMER_DUPLICATE_JOB"
	ErrCodeTriggerPanic = "TIMER_TRIGGER_PANIC"
)

// Logger interface shared across packages
type Logger interface {
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// TriggerFunc re-enters the runtime when a job is due.
type TriggerFunc func(ctx context.Context, job flow.Job) error

// Scheduler implements flow.JobScheduler.
type Scheduler struct {
	mu           sync.Mutex
	cron         *rcron.Cron
	trigger      TriggerFunc
	location     *time.Location
	errorHandler func(error)
	now          func() time.Time

	logger    Logger
	syntax    CycleSyntax
	logWriter io.Writer
	logLevel  LogLevel

	handles map[string]*Handle
}

var _ flow.JobScheduler = (*Scheduler)(nil)

// NewScheduler creates a scheduler calling trigger for every due job.
func NewScheduler(trigger TriggerFunc, opts ...Option) *Scheduler {
	s := &Scheduler{
		trigger:  trigger,
		location: time.Local,
		logLevel: LogLevelError,
		now:      time.Now,
		errorHandler: func(err error) {
			log.Printf("error: %v\n", err)
		},
		handles: make(map[string]*Handle),
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	s.cron = rcron.New(s.cronOptions()...)
	return s
}

// SetTrigger replaces the trigger callback. Used when the engine is built after the scheduler.
func (s *Scheduler) SetTrigger(trigger TriggerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trigger = trigger
}

// Schedule registers a job. Jobs with a Cycle repeat until canceled, the rest fire once at DueAt.
func (s *Scheduler) Schedule(ctx context.Context, job flow.Job) error {
	if job.ExecutionID == "" {
		return errors.New("timer job requires an execution id", errors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidJob)
	}
	if job.Cycle == "" && job.DueAt.IsZero() {
		return errors.New("timer job requires a due date or a cycle", errors.CategoryBadInput).
			WithTextCode(ErrCodeInvalidJob).
			WithMetadata(map[string]any{"execution_id": job.ExecutionID})
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	if _, exists := s.handles[job.ID]; exists {
		s.mu.Unlock()
		return errors.New(fmt.Sprintf("timer job %s already scheduled", job.ID), errors.CategoryConflict).
			WithTextCode(ErrCodeDuplicateJob)
	}
	handle := newHandle(job)
	s.handles[job.ID] = handle
	s.mu.Unlock()

	if job.Cycle != "" {
		return s.scheduleCycle(handle)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.scheduleOnce(context.WithoutCancel(ctx), handle)
	return nil
}

func (s *Scheduler) scheduleCycle(handle *Handle) error {
	entry := rcron.FuncJob(func() {
		if isTerminal(handle.Status()) {
			return
		}
		handle.setStatus(StatusRunning, nil)
		if err := s.fire(context.Background(), handle.job); err != nil {
			handle.setStatus(StatusIdle, err)
			s.errorHandler(err)
			return
		}
		if !isTerminal(handle.Status()) {
			handle.setStatus(StatusIdle, nil)
		}
	})

	entryID, err := s.cron.AddJob(handle.job.Cycle, entry)
	if err != nil {
		s.removeHandle(handle.job.ID)
		handle.setTerminal(StatusFailed, err)
		return errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("invalid cycle %q", handle.job.Cycle)).
			WithTextCode(ErrCodeInvalidJob).
			WithMetadata(map[string]any{"execution_id": handle.job.ExecutionID})
	}
	s.mu.Lock()
	handle.entryID = int(entryID)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) scheduleOnce(ctx context.Context, handle *Handle) {
	go func() {
		wait := handle.job.DueAt.Sub(s.now())
		if wait < 0 {
			wait = 0
		}

		t := time.NewTimer(wait)
		defer t.Stop()

		select {
		case <-t.C:
		case <-handle.Done():
			return
		}

		if isTerminal(handle.Status()) {
			return
		}
		handle.setStatus(StatusRunning, nil)
		err := s.fire(ctx, handle.job)
		s.removeHandle(handle.job.ID)
		if err != nil {
			handle.setTerminal(StatusFailed, err)
			s.errorHandler(err)
			return
		}
		handle.setTerminal(StatusCompleted, nil)
	}()
}

func (s *Scheduler) fire(ctx context.Context, job flow.Job) (err error) {
	s.mu.Lock()
	trigger := s.trigger
	s.mu.Unlock()
	if trigger == nil {
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = errors.New(fmt.Sprintf("timer trigger panic: %v", r), errors.CategoryHandler).
				WithTextCode(ErrCodeTriggerPanic).
				WithMetadata(map[string]any{"job_id": job.ID, "execution_id": job.ExecutionID})
		}
	}()
	return trigger(ctx, job)
}

// Cancel stops every job bound to the execution.
func (s *Scheduler) Cancel(_ context.Context, executionID string) error {
	var affected []*Handle
	s.mu.Lock()
	for id, handle := range s.handles {
		if handle.job.ExecutionID == executionID {
			affected = append(affected, handle)
			delete(s.handles, id)
		}
	}
	s.mu.Unlock()

	for _, handle := range affected {
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.setTerminal(StatusCanceled, nil)
	}
	return nil
}

// Handles returns the live handles bound to an execution.
func (s *Scheduler) Handles(executionID string) []*Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Handle
	for _, handle := range s.handles {
		if executionID == "" || handle.job.ExecutionID == executionID {
			out = append(out, handle)
		}
	}
	return out
}

// Start begins executing cycle jobs. One-shot jobs run regardless.
func (s *Scheduler) Start(_ context.Context) error {
	s.cron.Start()
	return nil
}

// Stop halts the cron loop and marks pending handles as stopped.
func (s *Scheduler) Stop(_ context.Context) error {
	<-s.cron.Stop().Done()

	s.mu.Lock()
	handles := s.handles
	s.handles = make(map[string]*Handle)
	s.mu.Unlock()

	for _, handle := range handles {
		if handle.entryID > 0 {
			s.cron.Remove(rcron.EntryID(handle.entryID))
		}
		handle.setTerminal(StatusStopped, nil)
	}
	return nil
}

func (s *Scheduler) removeHandle(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, id)
}
