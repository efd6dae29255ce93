package flow

import (
	"context"
	"time"

	"github.com/goliatone/go-process/model"
)

// TemplateRepository resolves deployed process templates.
type TemplateRepository interface {
	GetTemplate(definitionID string) (*model.Definition, bool)
	FindLatestByKey(key, tenant string) (*model.Definition, bool)
	FindByKeyVersionTenant(key string, version int, tenant string) (*model.Definition, bool)
}

// ExecutionQuery is the persistence/query surface over one instance family.
type ExecutionQuery interface {
	FindExecution(id string) (*Execution, bool)
	ChildExecutions(parentID string) []*Execution
	ExecutionsAtActivity(processInstanceID, activityID string) []*Execution
	CreateChildExecution(parent *Execution) *Execution
	DeleteExecution(e *Execution, reason string) error
	DeleteSubtree(e *Execution, reason string) error
	DeleteInstance(id, reason string, cascade bool) error
}

// VariableScope exposes the variables visible from a token.
type VariableScope interface {
	Variable(name string) (any, bool)
	Variables() map[string]any
}

// ExpressionEvaluator evaluates guard conditions, called-element keys and other expressions.
type ExpressionEvaluator interface {
	Evaluate(ctx context.Context, expression string, scope VariableScope) (any, error)
}

// EvaluatorFunc adapts a function to ExpressionEvaluator.
type EvaluatorFunc func(ctx context.Context, expression string, scope VariableScope) (any, error)

func (f EvaluatorFunc) Evaluate(ctx context.Context, expression string, scope VariableScope) (any, error) {
	return f(ctx, expression, scope)
}

// HistoryEventType names a history notification.
type HistoryEventType string

const (
	HistoryProcessStarted      HistoryEventType = "process_started"
	HistoryProcessEnded        HistoryEventType = "process_ended"
	HistoryActivityStarted     HistoryEventType = "activity_started"
	HistoryActivityEnded       HistoryEventType = "activity_ended"
	HistorySequenceFlowTaken   HistoryEventType = "sequence_flow_taken"
	HistoryTaskAssigneeChanged HistoryEventType = "task_assignee_changed"
)

// HistoryEvent is a fire-and-forget notification about instance progress.
type HistoryEvent struct {
	Type              HistoryEventType
	ProcessInstanceID string
	ExecutionID       string
	DefinitionID      string
	ActivityID        string
	ActivityKind      model.ActivityKind
	SourceActivityID  string
	TransitionID      string
	TaskID            string
	Assignee          string
	Reason            string
	Time              time.Time
}

// HistorySink receives history events. Sinks log their own failures.
type HistorySink interface {
	Record(ctx context.Context, event HistoryEvent)
}

// Task is a human task record owned by the task service.
type Task struct {
	ID                string
	Name              string
	ActivityID        string
	ExecutionID       string
	ProcessInstanceID string
	DefinitionID      string
	Assignee          string
	CreatedAt         time.Time
}

// TaskUpdate re-points an existing task. Nil fields are left unchanged.
type TaskUpdate struct {
	ActivityID        *string
	Name              *string
	DefinitionID      *string
	ProcessInstanceID *string
	Assignee          *string
}

// TaskService stores human task records.
type TaskService interface {
	CreateTask(ctx context.Context, task Task) error
	GetTask(ctx context.Context, taskID string) (Task, bool, error)
	FindTaskByExecution(ctx context.Context, executionID string) (Task, bool, error)
	UpdateTask(ctx context.Context, taskID string, update TaskUpdate) error
	CompleteTask(ctx context.Context, taskID string) error
	DeleteTasks(ctx context.Context, executionID, reason string) error
}

// Job is a scheduled re-entry of a waiting token.
type Job struct {
	ID                string
	ExecutionID       string
	ProcessInstanceID string
	ActivityID        string
	DueAt             time.Time
	Cycle             string
}

// JobScheduler schedules timer jobs. Due jobs re-enter the runtime through Trigger.
type JobScheduler interface {
	Schedule(ctx context.Context, job Job) error
	Cancel(ctx context.Context, executionID string) error
}

// MetricsRecorder records runtime metrics.
type MetricsRecorder interface {
	RecordDuration(name string, duration time.Duration)
	RecordError(name string)
	RecordSuccess(name string)
}

// DirectMigrationPolicy decides whether a token may be migrated in place from one activity to another.
type DirectMigrationPolicy func(from, to *model.Activity, behaviors *BehaviorRegistry) bool

// HumanTaskMigrationPolicy allows direct migration between two human-task-like activities.
func HumanTaskMigrationPolicy(from, to *model.Activity, behaviors *BehaviorRegistry) bool {
	if from == nil || to == nil || behaviors == nil {
		return false
	}
	if from.IsMultiInstance() || to.IsMultiInstance() {
		return false
	}
	return behaviors.Capabilities(from).Has(CapabilityHumanTask) &&
		behaviors.Capabilities(to).Has(CapabilityHumanTask)
}

type nopHistory struct{}

func (nopHistory) Record(context.Context, HistoryEvent) {}

type nopMetrics struct{}

func (nopMetrics) RecordDuration(string, time.Duration) {}
func (nopMetrics) RecordError(string)                   {}
func (nopMetrics) RecordSuccess(string)                 {}
