package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/goliatone/go-process/model"
)

const defaultMaxSteps = 100000

// Runtime interprets process instances. It holds the collaborators every token
// reaches through and is safe to share between instances; a single instance
// family must only be driven by one caller at a time.
type Runtime struct {
	templates TemplateRepository
	behaviors *BehaviorRegistry
	listeners *ListenerRegistry
	handlers  *HandlerRegistry
	evaluator ExpressionEvaluator
	history   HistorySink
	tasks     TaskService
	jobs      JobScheduler
	metrics   MetricsRecorder
	logger    Logger
	policy    DirectMigrationPolicy
	idGen     func() string
	now       func() time.Time
	maxSteps  int
}

// RuntimeOption customizes a Runtime.
type RuntimeOption func(*Runtime)

// WithBehaviorRegistry replaces the default behavior registry.
func WithBehaviorRegistry(reg *BehaviorRegistry) RuntimeOption {
	return func(rt *Runtime) {
		if reg != nil {
			rt.behaviors = reg
		}
	}
}

// WithListenerRegistry sets the execution listener registry.
func WithListenerRegistry(reg *ListenerRegistry) RuntimeOption {
	return func(rt *Runtime) {
		if reg != nil {
			rt.listeners = reg
		}
	}
}

// WithHandlerRegistry sets the service/script task handler registry.
func WithHandlerRegistry(reg *HandlerRegistry) RuntimeOption {
	return func(rt *Runtime) {
		if reg != nil {
			rt.handlers = reg
		}
	}
}

// WithEvaluator sets the expression evaluator.
func WithEvaluator(ev ExpressionEvaluator) RuntimeOption {
	return func(rt *Runtime) {
		rt.evaluator = ev
	}
}

// WithHistorySink sets the history sink.
func WithHistorySink(sink HistorySink) RuntimeOption {
	return func(rt *Runtime) {
		if sink != nil {
			rt.history = sink
		}
	}
}

// WithTaskService sets the task service.
func WithTaskService(svc TaskService) RuntimeOption {
	return func(rt *Runtime) {
		if svc != nil {
			rt.tasks = svc
		}
	}
}

// WithJobScheduler sets the timer job scheduler.
func WithJobScheduler(jobs JobScheduler) RuntimeOption {
	return func(rt *Runtime) {
		rt.jobs = jobs
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m MetricsRecorder) RuntimeOption {
	return func(rt *Runtime) {
		if m != nil {
			rt.metrics = m
		}
	}
}

// WithLogger sets the runtime logger.
func WithLogger(logger Logger) RuntimeOption {
	return func(rt *Runtime) {
		rt.logger = normalizeLogger(logger)
	}
}

// WithDirectMigrationPolicy overrides the direct migration compatibility check.
func WithDirectMigrationPolicy(policy DirectMigrationPolicy) RuntimeOption {
	return func(rt *Runtime) {
		if policy != nil {
			rt.policy = policy
		}
	}
}

// WithIDGenerator overrides token and task id generation.
func WithIDGenerator(fn func() string) RuntimeOption {
	return func(rt *Runtime) {
		if fn != nil {
			rt.idGen = fn
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) RuntimeOption {
	return func(rt *Runtime) {
		if now != nil {
			rt.now = now
		}
	}
}

// WithMaxSteps bounds the number of operations one command may run. Zero disables the bound.
func WithMaxSteps(n int) RuntimeOption {
	return func(rt *Runtime) {
		if n >= 0 {
			rt.maxSteps = n
		}
	}
}

// NewRuntime builds a runtime over a template repository.
func NewRuntime(templates TemplateRepository, opts ...RuntimeOption) *Runtime {
	rt := &Runtime{
		templates: templates,
		behaviors: NewBehaviorRegistry(),
		listeners: NewListenerRegistry(),
		handlers:  NewHandlerRegistry(),
		history:   nopHistory{},
		tasks:     NewMemoryTaskService(),
		metrics:   nopMetrics{},
		logger:    NewFmtLogger(nil),
		policy:    HumanTaskMigrationPolicy,
		idGen:     func() string { return uuid.NewString() },
		now:       func() time.Time { return time.Now().UTC() },
		maxSteps:  defaultMaxSteps,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(rt)
		}
	}
	return rt
}

func (rt *Runtime) Templates() TemplateRepository { return rt.templates }
func (rt *Runtime) Behaviors() *BehaviorRegistry  { return rt.behaviors }
func (rt *Runtime) Listeners() *ListenerRegistry  { return rt.listeners }
func (rt *Runtime) Handlers() *HandlerRegistry    { return rt.handlers }
func (rt *Runtime) Tasks() TaskService            { return rt.tasks }
func (rt *Runtime) Logger() Logger                { return rt.logger }

func (rt *Runtime) newExecution() *Execution {
	return &Execution{id: rt.idGen(), rt: rt}
}

func (rt *Runtime) newProcessInstance(def *model.Definition, businessKey string) *Execution {
	root := rt.newExecution()
	root.definition = def
	root.isScope = true
	root.isActive = true
	root.businessKey = businessKey
	root.startedAt = rt.now()
	return root
}

// StartProcess creates an instance of def and runs it until every token waits or the instance ends.
func (rt *Runtime) StartProcess(ctx context.Context, def *model.Definition, businessKey string, vars map[string]any) (*Execution, error) {
	return rt.StartProcessAt(ctx, def, "", businessKey, vars)
}

// StartProcessAt starts an instance positioned at activityID, opening its enclosing scopes.
// An empty activityID starts at the initial activity.
func (rt *Runtime) StartProcessAt(ctx context.Context, def *model.Definition, activityID, businessKey string, vars map[string]any) (*Execution, error) {
	if def == nil {
		return nil, invalidArgument("definition is required", nil)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	root := rt.newProcessInstance(def, businessKey)
	if id := strings.TrimSpace(activityID); id != "" {
		act, ok := def.FindActivity(id)
		if !ok {
			return nil, notFound(
				fmt.Sprintf("activity %s not found in %s", id, def.ID),
				map[string]any{"activity_id": id, "definition_id": def.ID},
			)
		}
		root.startAt = act
	}
	root.SetVariablesLocal(vars)
	err := rt.run(ctx, root, func() error {
		root.performOperation(OperationProcessStart)
		return nil
	})
	if err != nil {
		return nil, err
	}
	withLoggerFields(rt.logger.WithContext(ctx), map[string]any{
		"process_instance_id": root.id,
		"definition_id":       def.ID,
		"business_key":        businessKey,
	}).Info("process instance %s started", root.id)
	return root, nil
}

// Signal resumes a waiting token.
func (rt *Runtime) Signal(ctx context.Context, e *Execution, name string, data map[string]any) error {
	if e == nil {
		return invalidArgument("execution is required", nil)
	}
	return rt.run(ctx, e, func() error {
		return rt.signalExecution(e, name, data)
	})
}

// Trigger re-enters a token whose timer job is due.
func (rt *Runtime) Trigger(ctx context.Context, e *Execution) error {
	return rt.Signal(ctx, e, "timer", nil)
}

func (rt *Runtime) signalExecution(e *Execution, name string, data map[string]any) error {
	if e.isEnded {
		return illegalState("token already ended", nil, positionFields(e))
	}
	if e.activity == nil {
		return illegalState("token is not positioned at an activity", nil, positionFields(e))
	}
	sb, ok := rt.behaviorFor(e).(SignallableBehavior)
	if !ok {
		return illegalState(
			fmt.Sprintf("activity %s does not accept signals", e.activity.ID),
			nil,
			positionFields(e),
		)
	}
	err := rt.safeCall(e, "signal", func() error { return sb.Signal(e, name, data) })
	return wrapBehaviorError(err, fmt.Sprintf("signal on %s failed", e.activity.ID), e)
}

// CompleteTask completes a human task of the instance family rooted at root.
func (rt *Runtime) CompleteTask(ctx context.Context, root *Execution, taskID string, vars map[string]any) error {
	task, ok, err := rt.tasks.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if !ok {
		return notFound(fmt.Sprintf("task %s not found", taskID), map[string]any{"task_id": taskID})
	}
	e, ok := NewTree(root).FindExecution(task.ExecutionID)
	if !ok {
		return notFound(
			fmt.Sprintf("execution %s of task %s not found", task.ExecutionID, taskID),
			map[string]any{"task_id": taskID, "execution_id": task.ExecutionID},
		)
	}
	return rt.Signal(ctx, e, "complete", vars)
}

// DeleteInstance removes a whole instance, firing end listeners bottom-up.
func (rt *Runtime) DeleteInstance(ctx context.Context, root *Execution, reason string) error {
	if root == nil {
		return invalidArgument("process instance is required", nil)
	}
	root = root.ProcessInstance()
	return rt.run(ctx, root, func() error {
		return rt.deleteCascade(root, reason)
	})
}

// run executes fn as one top-level command: queued operations drain after fn
// returns and side effects are released only when everything succeeded.
func (rt *Runtime) run(ctx context.Context, e *Execution, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ag := e.agenda()
	if ag.running {
		return fn()
	}
	ag.ctx = ctx
	ag.steps = 0
	ag.effects = nil
	ag.undo = nil
	ag.queue = nil

	ag.running = true
	err := fn()
	ag.running = false
	if err == nil {
		err = ag.drain()
	}
	effects, undo := ag.effects, ag.undo
	ag.effects, ag.undo = nil, nil
	ag.queue = nil
	if err != nil {
		for i := len(undo) - 1; i >= 0; i-- {
			undo[i](ctx)
		}
		tokenLogger(rt.logger.WithContext(ctx), e, map[string]any{"error_code": ErrorCode(err)}).
			Debug("command on %s failed: %v", e.id, err)
		return err
	}
	for _, effect := range effects {
		effect(ctx)
	}
	return nil
}

// behaviorFor resolves the behavior driving the token at its activity.
func (rt *Runtime) behaviorFor(e *Execution) ActivityBehavior {
	act := e.activity
	if act == nil {
		return nil
	}
	if act.IsMultiInstance() && !e.isMultiInstanceIteration() && !e.isMultiInstanceRoot && !e.isEventScope {
		return multiInstanceBehavior{}
	}
	return rt.behaviors.For(act)
}

func (rt *Runtime) evaluate(e *Execution, expression string) (any, error) {
	if rt.evaluator == nil {
		return nil, illegalState(
			fmt.Sprintf("no expression evaluator configured for %q", expression),
			nil,
			positionFields(e),
		)
	}
	v, err := rt.evaluator.Evaluate(e.Context(), expression, e)
	if err != nil {
		return nil, wrapBehaviorError(err, fmt.Sprintf("expression %q failed", expression), e)
	}
	return v, nil
}

// evaluateString resolves literals as-is and ${...} expressions through the evaluator.
func (rt *Runtime) evaluateString(e *Execution, value string) (string, error) {
	if !IsExpression(value) {
		return value, nil
	}
	v, err := rt.evaluate(e, value)
	if err != nil {
		return "", err
	}
	if v == nil {
		return "", nil
	}
	return strings.TrimSpace(fmt.Sprint(v)), nil
}

// IsExpression reports whether value uses the ${...} expression syntax.
func IsExpression(value string) bool {
	value = strings.TrimSpace(value)
	return strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}")
}

func (rt *Runtime) invokeListener(e *Execution, ref, event string) error {
	listener, ok := rt.listeners.Lookup(ref)
	if !ok {
		return notFound(
			fmt.Sprintf("execution listener %s not registered", ref),
			fieldsOf(positionFields(e), map[string]any{"listener": ref}),
		)
	}
	err := rt.safeCall(e, "listener "+ref, func() error {
		return listener(e.Context(), e, event)
	})
	return wrapBehaviorError(err, fmt.Sprintf("%s listener %s failed", event, ref), e)
}

func (rt *Runtime) invokeBehavior(e *Execution, behavior ActivityBehavior) error {
	return rt.safeCall(e, "behavior "+e.activity.ID, func() error {
		return behavior.Execute(e)
	})
}

func (rt *Runtime) record(e *Execution, event HistoryEvent) {
	if event.ActivityID == "" && e.activity != nil && event.Type != HistoryProcessStarted && event.Type != HistoryProcessEnded {
		event.ActivityID = e.activity.ID
		event.ActivityKind = e.activity.Kind
	}
	event.ExecutionID = e.id
	event.ProcessInstanceID = e.ProcessInstanceID()
	if def := e.Definition(); def != nil {
		event.DefinitionID = def.ID
	}
	if event.Time.IsZero() {
		event.Time = rt.now()
	}
	sink := rt.history
	e.afterCommit(func(ctx context.Context) {
		sink.Record(ctx, event)
	})
}

func (rt *Runtime) recordActivityEnd(e *Execution, act *model.Activity, reason string) {
	rt.record(e, HistoryEvent{
		Type:         HistoryActivityEnded,
		ActivityID:   act.ID,
		ActivityKind: act.Kind,
		Reason:       reason,
	})
}

// cancelWaitState releases the task and timer records bound to the token.
func (rt *Runtime) cancelWaitState(e *Execution) {
	id, reason := e.id, e.deleteReason
	tasks, jobs, logger := rt.tasks, rt.jobs, rt.logger
	e.afterCommit(func(ctx context.Context) {
		if err := tasks.DeleteTasks(ctx, id, reason); err != nil {
			logger.Warn("failed to delete tasks of %s: %v", id, err)
		}
		if jobs != nil {
			if err := jobs.Cancel(ctx, id); err != nil {
				logger.Warn("failed to cancel jobs of %s: %v", id, err)
			}
		}
	})
}

// openScope makes the token the scope of act and creates its event placeholders.
func (rt *Runtime) openScope(e *Execution, act *model.Activity) {
	e.ensureScope(act)
	if !e.isMultiInstanceIteration() {
		for _, be := range act.BoundaryEvents {
			rt.subscribe(e, be)
		}
	}
	if act.IsSubProcess() {
		rt.subscribeEventSubProcesses(e, act.Children)
	}
}

// startScope positions a fresh token on a scope activity without executing it,
// firing the same start hooks the interpreter fires on scope entry.
func (rt *Runtime) startScope(scope *Execution, act *model.Activity) error {
	scope.activity = act
	rt.openScope(scope, act)
	scope.isActive = false
	scope.startedAt = rt.now()
	rt.record(scope, HistoryEvent{Type: HistoryActivityStarted})
	return scope.fireListeners(act.ListenersFor(model.ListenerStart), model.ListenerStart)
}

func (rt *Runtime) subscribeEventSubProcesses(scope *Execution, acts []*model.Activity) {
	for _, act := range acts {
		if act.Kind == model.KindEventSubProcess {
			rt.subscribe(scope, act)
		}
	}
}

// subscribe creates an event-scope placeholder for a boundary event or event sub-process.
func (rt *Runtime) subscribe(scope *Execution, act *model.Activity) {
	placeholder := scope.createChild()
	placeholder.activity = act
	placeholder.isEventScope = true
	placeholder.isActive = false

	ev := act.Event
	if act.Kind == model.KindEventSubProcess {
		if start := act.InitialActivity(); start != nil {
			ev = start.Event
		}
	}
	if ev != nil && ev.Type == model.EventTimer {
		rt.scheduleTimer(placeholder, ev)
	}
}

func (rt *Runtime) scheduleTimer(e *Execution, ev *model.EventDefinition) {
	if rt.jobs == nil {
		rt.logger.Warn("no job scheduler configured, timer on %s will not fire", e.ActivityID())
		return
	}
	job := Job{
		ID:                rt.idGen(),
		ExecutionID:       e.id,
		ProcessInstanceID: e.ProcessInstanceID(),
		ActivityID:        e.ActivityID(),
		Cycle:             ev.Cycle,
	}
	if ev.Duration != "" {
		d, err := time.ParseDuration(ev.Duration)
		if err != nil {
			rt.logger.Warn("invalid timer duration %q on %s: %v", ev.Duration, e.ActivityID(), err)
			return
		}
		job.DueAt = rt.now().Add(d)
	}
	jobs, logger := rt.jobs, rt.logger
	e.afterCommit(func(ctx context.Context) {
		if err := jobs.Schedule(ctx, job); err != nil {
			logger.Error("failed to schedule job %s: %v", job.ID, err)
		}
	})
}
