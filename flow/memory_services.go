package flow

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// HistoryLog is an in-memory HistorySink.
type HistoryLog struct {
	mu     sync.RWMutex
	events []HistoryEvent
}

// NewHistoryLog constructs an empty history log.
func NewHistoryLog() *HistoryLog {
	return &HistoryLog{}
}

func (h *HistoryLog) Record(_ context.Context, event HistoryEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

// Events returns a copy of every recorded event in order.
func (h *HistoryLog) Events() []HistoryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]HistoryEvent(nil), h.events...)
}

// Filter returns the events of the given type, optionally narrowed to an activity id.
func (h *HistoryLog) Filter(kind HistoryEventType, activityID string) []HistoryEvent {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var out []HistoryEvent
	for _, ev := range h.events {
		if ev.Type != kind {
			continue
		}
		if activityID != "" && ev.ActivityID != activityID {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Reset drops every recorded event.
func (h *HistoryLog) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

// MemoryTaskService keeps open task records in memory.
type MemoryTaskService struct {
	mu        sync.RWMutex
	tasks     map[string]*Task
	completed map[string]Task
}

// NewMemoryTaskService constructs an empty task service.
func NewMemoryTaskService() *MemoryTaskService {
	return &MemoryTaskService{
		tasks:     make(map[string]*Task),
		completed: make(map[string]Task),
	}
}

func (s *MemoryTaskService) CreateTask(_ context.Context, task Task) error {
	if strings.TrimSpace(task.ID) == "" {
		return invalidArgument("task id required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return illegalState(fmt.Sprintf("task %s already exists", task.ID), nil, map[string]any{"task_id": task.ID})
	}
	copied := task
	s.tasks[task.ID] = &copied
	return nil
}

func (s *MemoryTaskService) GetTask(_ context.Context, taskID string) (Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	task, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return Task{}, false, nil
	}
	return *task, true, nil
}

func (s *MemoryTaskService) FindTaskByExecution(_ context.Context, executionID string) (Task, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, task := range s.tasks {
		if task.ExecutionID == executionID {
			return *task, true, nil
		}
	}
	return Task{}, false, nil
}

func (s *MemoryTaskService) UpdateTask(_ context.Context, taskID string, update TaskUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return notFound(fmt.Sprintf("task %s not found", taskID), map[string]any{"task_id": taskID})
	}
	if update.ActivityID != nil {
		task.ActivityID = *update.ActivityID
	}
	if update.Name != nil {
		task.Name = *update.Name
	}
	if update.DefinitionID != nil {
		task.DefinitionID = *update.DefinitionID
	}
	if update.ProcessInstanceID != nil {
		task.ProcessInstanceID = *update.ProcessInstanceID
	}
	if update.Assignee != nil {
		task.Assignee = *update.Assignee
	}
	return nil
}

func (s *MemoryTaskService) CompleteTask(_ context.Context, taskID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[strings.TrimSpace(taskID)]
	if !ok {
		return notFound(fmt.Sprintf("task %s not found", taskID), map[string]any{"task_id": taskID})
	}
	s.completed[task.ID] = *task
	delete(s.tasks, task.ID)
	return nil
}

func (s *MemoryTaskService) DeleteTasks(_ context.Context, executionID, _ string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, task := range s.tasks {
		if task.ExecutionID == executionID {
			delete(s.tasks, id)
		}
	}
	return nil
}

// OpenTasks lists the open tasks of a process instance ordered by creation time.
func (s *MemoryTaskService) OpenTasks(processInstanceID string) []Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Task
	for _, task := range s.tasks {
		if processInstanceID == "" || task.ProcessInstanceID == processInstanceID {
			out = append(out, *task)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ActivityID < out[j].ActivityID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// MemoryJobScheduler records scheduled jobs without firing them. Tests and
// hosts poll it and re-enter the runtime through Trigger.
type MemoryJobScheduler struct {
	mu   sync.RWMutex
	jobs map[string]Job
}

// NewMemoryJobScheduler constructs an empty scheduler.
func NewMemoryJobScheduler() *MemoryJobScheduler {
	return &MemoryJobScheduler{jobs: make(map[string]Job)}
}

func (s *MemoryJobScheduler) Schedule(_ context.Context, job Job) error {
	if strings.TrimSpace(job.ID) == "" {
		return invalidArgument("job id required", nil)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *MemoryJobScheduler) Cancel(_ context.Context, executionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, job := range s.jobs {
		if job.ExecutionID == executionID {
			delete(s.jobs, id)
		}
	}
	return nil
}

// Jobs lists the pending jobs ordered by due time.
func (s *MemoryJobScheduler) Jobs() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DueAt.Equal(out[j].DueAt) {
			return out[i].ActivityID < out[j].ActivityID
		}
		return out[i].DueAt.Before(out[j].DueAt)
	})
	return out
}
