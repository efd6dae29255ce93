// Package process runs process instances in memory and applies dynamic state
// changes to them. Every command works on a private copy of the instance
// family and commits it only when the command succeeds.
package process

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-process/expr"
	"github.com/goliatone/go-process/flow"
	"github.com/goliatone/go-process/model"
	"github.com/goliatone/go-process/timer"
)

const tracerName = "github.com/goliatone/go-process"

type stateChangeRecorder interface {
	RecordStateChange(kind string, err error)
}

type instanceGauge interface {
	SetActiveInstances(n int)
}

type triggerBinder interface {
	SetTrigger(timer.TriggerFunc)
}

type lifecycle interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// Engine is the command surface over the runtime.
type Engine struct {
	repo      *model.Repository
	store     *InstanceStore
	runtime   *flow.Runtime
	evaluator flow.ExpressionEvaluator
	history   flow.HistorySink
	tasks     flow.TaskService
	jobs      flow.JobScheduler
	metrics   flow.MetricsRecorder
	tracer    trace.Tracer
	logger    flow.Logger

	runtimeOpts []flow.RuntimeOption

	// starts excludes timer triggers while a new family is not stored yet.
	starts sync.RWMutex
}

// New builds an engine. Unset collaborators get in-memory defaults.
func New(opts ...EngineOption) *Engine {
	e := &Engine{
		repo:      model.NewRepository(),
		store:     NewInstanceStore(),
		evaluator: expr.New(),
		history:   flow.NewHistoryLog(),
		tasks:     flow.NewMemoryTaskService(),
		tracer:    otel.Tracer(tracerName),
		logger:    flow.NewFmtLogger(nil),
	}
	e.jobs = timer.NewScheduler(nil, timer.WithLogLevel(timer.LogLevelSilent))
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}

	if binder, ok := e.jobs.(triggerBinder); ok {
		binder.SetTrigger(e.TriggerJob)
	}

	rtOpts := []flow.RuntimeOption{
		flow.WithEvaluator(e.evaluator),
		flow.WithHistorySink(e.history),
		flow.WithTaskService(e.tasks),
		flow.WithJobScheduler(e.jobs),
		flow.WithMetricsRecorder(e.metrics),
		flow.WithLogger(e.logger),
	}
	e.runtime = flow.NewRuntime(e.repo, append(rtOpts, e.runtimeOpts...)...)
	return e
}

func (e *Engine) Runtime() *flow.Runtime          { return e.runtime }
func (e *Engine) Repository() *model.Repository   { return e.repo }
func (e *Engine) Store() *InstanceStore           { return e.store }
func (e *Engine) Tasks() flow.TaskService         { return e.tasks }
func (e *Engine) History() flow.HistorySink       { return e.history }
func (e *Engine) JobScheduler() flow.JobScheduler { return e.jobs }

// Start starts the job scheduler when it has a lifecycle.
func (e *Engine) Start(ctx context.Context) error {
	if lc, ok := e.jobs.(lifecycle); ok {
		return lc.Start(ctx)
	}
	return nil
}

// Stop stops the job scheduler when it has a lifecycle.
func (e *Engine) Stop(ctx context.Context) error {
	if lc, ok := e.jobs.(lifecycle); ok {
		return lc.Stop(ctx)
	}
	return nil
}

// Deploy validates and registers a definition.
func (e *Engine) Deploy(def *model.Definition) (*model.Definition, error) {
	deployed, err := e.repo.Deploy(def)
	if err != nil {
		return nil, err
	}
	e.logger.Info("deployed definition %s", deployed.ID)
	return deployed, nil
}

// DeployDocument parses a YAML or JSON template document and deploys it.
func (e *Engine) DeployDocument(data []byte) (*model.Definition, error) {
	deployed, err := e.repo.DeployDocument(data)
	if err != nil {
		return nil, err
	}
	e.logger.Info("deployed definition %s", deployed.ID)
	return deployed, nil
}

// StartProcessByKey starts the latest definition with key, or the version selected by WithVersion.
func (e *Engine) StartProcessByKey(ctx context.Context, key string, vars map[string]any, opts ...StartOption) (*flow.Execution, error) {
	cfg := startOptions(opts)
	var (
		def *model.Definition
		ok  bool
	)
	if cfg.version > 0 {
		def, ok = e.repo.FindByKeyVersionTenant(key, cfg.version, cfg.tenant)
	} else {
		def, ok = e.repo.FindLatestByKey(key, cfg.tenant)
	}
	if !ok {
		return nil, notFound(
			fmt.Sprintf("no definition deployed for key %s", key),
			map[string]any{"key": key, "version": cfg.version, "tenant": cfg.tenant},
		)
	}
	return e.start(ctx, def, "", cfg, vars)
}

// StartProcessAt starts definitionID positioned at activityID. An empty
// activityID starts at the initial activity.
func (e *Engine) StartProcessAt(ctx context.Context, definitionID, activityID string, vars map[string]any, opts ...StartOption) (*flow.Execution, error) {
	def, ok := e.repo.GetTemplate(definitionID)
	if !ok {
		return nil, notFound(
			fmt.Sprintf("definition %s not found", definitionID),
			map[string]any{"definition_id": definitionID},
		)
	}
	return e.start(ctx, def, activityID, startOptions(opts), vars)
}

func (e *Engine) start(ctx context.Context, def *model.Definition, activityID string, cfg startConfig, vars map[string]any) (*flow.Execution, error) {
	var snapshot *flow.Execution
	err := e.command(ctx, "start", []attribute.KeyValue{
		attribute.String("process.definition_id", def.ID),
		attribute.String("process.activity_id", activityID),
	}, func(ctx context.Context) error {
		e.starts.Lock()
		defer e.starts.Unlock()

		root, err := e.runtime.StartProcessAt(ctx, def, activityID, cfg.businessKey, vars)
		if err != nil {
			return err
		}
		e.store.Put(root)
		snapshot = flow.Clone(root)
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("process.instance_id", root.ID()))
		return nil
	})
	return snapshot, err
}

// Signal resumes the waiting token executionID.
func (e *Engine) Signal(ctx context.Context, executionID, name string, data map[string]any) error {
	return e.command(ctx, "signal", []attribute.KeyValue{
		attribute.String("process.execution_id", executionID),
		attribute.String("process.signal", name),
	}, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, executionID, func(ctx context.Context, root *flow.Execution) error {
			x, err := findExecution(root, executionID)
			if err != nil {
				return err
			}
			return e.runtime.Signal(ctx, x, name, data)
		})
	})
}

// Trigger re-enters a token whose timer is due.
func (e *Engine) Trigger(ctx context.Context, executionID string) error {
	e.starts.RLock()
	defer e.starts.RUnlock()
	return e.command(ctx, "trigger", []attribute.KeyValue{
		attribute.String("process.execution_id", executionID),
	}, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, executionID, func(ctx context.Context, root *flow.Execution) error {
			x, err := findExecution(root, executionID)
			if err != nil {
				return err
			}
			return e.runtime.Trigger(ctx, x)
		})
	})
}

// TriggerJob is the callback bound to the job scheduler.
func (e *Engine) TriggerJob(ctx context.Context, job flow.Job) error {
	return e.Trigger(ctx, job.ExecutionID)
}

// CompleteTask completes a human task and resumes its token.
func (e *Engine) CompleteTask(ctx context.Context, taskID string, vars map[string]any) error {
	return e.command(ctx, "complete_task", []attribute.KeyValue{
		attribute.String("process.task_id", taskID),
	}, func(ctx context.Context) error {
		task, ok, err := e.tasks.GetTask(ctx, taskID)
		if err != nil {
			return err
		}
		if !ok {
			return notFound(fmt.Sprintf("task %s not found", taskID), map[string]any{"task_id": taskID})
		}
		return e.store.RunInTransaction(ctx, task.ExecutionID, func(ctx context.Context, root *flow.Execution) error {
			return e.runtime.CompleteTask(ctx, root, taskID, vars)
		})
	})
}

// DeliverMessage resumes the first token of the instance family waiting for the message.
func (e *Engine) DeliverMessage(ctx context.Context, instanceID, name string, data map[string]any) error {
	return e.command(ctx, "message", []attribute.KeyValue{
		attribute.String("process.instance_id", instanceID),
		attribute.String("process.message", name),
	}, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, instanceID, func(ctx context.Context, root *flow.Execution) error {
			return e.runtime.DeliverMessage(ctx, root, name, data)
		})
	})
}

// BroadcastSignal resumes every token of the instance family waiting for the signal.
func (e *Engine) BroadcastSignal(ctx context.Context, instanceID, name string, data map[string]any) (int, error) {
	count := 0
	err := e.command(ctx, "broadcast", []attribute.KeyValue{
		attribute.String("process.instance_id", instanceID),
		attribute.String("process.signal", name),
	}, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, instanceID, func(ctx context.Context, root *flow.Execution) error {
			n, err := e.runtime.BroadcastSignal(ctx, root, name, data)
			count = n
			return err
		})
	})
	return count, err
}

// MoveByExecutionIDs moves the listed tokens of instanceID to the target activities.
func (e *Engine) MoveByExecutionIDs(ctx context.Context, instanceID string, executionIDs, targetActivityIDs []string) error {
	req := flow.NewChangeState(instanceID).MoveExecutionsToActivityIDs(executionIDs, targetActivityIDs).Request()
	return e.ChangeState(ctx, req)
}

// MoveByActivityIDs moves every token of instanceID at activityIDs to the target activities.
func (e *Engine) MoveByActivityIDs(ctx context.Context, instanceID string, activityIDs, targetActivityIDs []string) error {
	b := flow.NewChangeState(instanceID)
	switch {
	case len(activityIDs) == 1 && len(targetActivityIDs) == 1:
		b.MoveActivityIDTo(activityIDs[0], targetActivityIDs[0])
	case len(targetActivityIDs) == 1:
		b.MoveActivityIDsToSingleActivityID(activityIDs, targetActivityIDs[0])
	case len(activityIDs) == 1:
		b.MoveSingleActivityIDToActivityIDs(activityIDs[0], targetActivityIDs)
	default:
		return invalidArgument(
			"moving several activities to several targets is not supported",
			map[string]any{"activity_ids": activityIDs, "target_activity_ids": targetActivityIDs},
		)
	}
	return e.ChangeState(ctx, b.Request())
}

// ChangeState applies a dynamic state change request.
func (e *Engine) ChangeState(ctx context.Context, req flow.ChangeStateRequest) error {
	kind := "move"
	if req.MigrateToDefinitionID != "" {
		kind = "migration"
	}
	err := e.command(ctx, "change_state", []attribute.KeyValue{
		attribute.String("process.instance_id", req.ProcessInstanceID),
		attribute.String("process.change_kind", kind),
		attribute.Int("process.move_count", len(req.MoveExecutions)+len(req.MoveActivities)),
	}, func(ctx context.Context) error {
		if strings.TrimSpace(req.ProcessInstanceID) == "" {
			return invalidArgument("process instance id is required", nil)
		}
		return e.store.RunInTransaction(ctx, req.ProcessInstanceID, func(ctx context.Context, root *flow.Execution) error {
			return e.runtime.ChangeState(ctx, root, req)
		})
	})
	if rec, ok := e.metrics.(stateChangeRecorder); ok {
		rec.RecordStateChange(kind, err)
	}
	return err
}

// DeleteInstance removes the instance id. Deleting a called instance also
// removes the instances it called in turn.
func (e *Engine) DeleteInstance(ctx context.Context, instanceID, reason string) error {
	return e.command(ctx, "delete", []attribute.KeyValue{
		attribute.String("process.instance_id", instanceID),
	}, func(ctx context.Context) error {
		return e.store.RunInTransaction(ctx, instanceID, func(ctx context.Context, root *flow.Execution) error {
			x, err := findInstance(root, instanceID)
			if err != nil {
				return err
			}
			if x == root {
				return e.runtime.DeleteInstance(ctx, x, reason)
			}
			return flow.NewTree(root).DeleteInstance(instanceID, reason, true)
		})
	})
}

// Instance returns a snapshot of the instance id. Changes to the snapshot are not stored.
func (e *Engine) Instance(instanceID string) (*flow.Execution, bool) {
	root, ok := e.store.Snapshot(instanceID)
	if !ok {
		return nil, false
	}
	x, err := findInstance(root, instanceID)
	if err != nil {
		return nil, false
	}
	return x, true
}

// Tokens returns a snapshot of every live token in the family owning id.
func (e *Engine) Tokens(id string) ([]*flow.Execution, error) {
	root, ok := e.store.Snapshot(id)
	if !ok {
		return nil, notFound(fmt.Sprintf("no running instance owns %s", id), map[string]any{"id": id})
	}
	return flow.NewTree(root).Executions(), nil
}

// ActiveActivityIDs lists the waiting activities of the family owning id.
func (e *Engine) ActiveActivityIDs(id string) ([]string, error) {
	root, ok := e.store.Snapshot(id)
	if !ok {
		return nil, notFound(fmt.Sprintf("no running instance owns %s", id), map[string]any{"id": id})
	}
	return flow.NewTree(root).ActiveActivityIDs(), nil
}

// Render prints the family owning id as an indented tree.
func (e *Engine) Render(id string) (string, error) {
	root, ok := e.store.Snapshot(id)
	if !ok {
		return "", notFound(fmt.Sprintf("no running instance owns %s", id), map[string]any{"id": id})
	}
	return flow.NewTree(root).Render(), nil
}

func (e *Engine) command(ctx context.Context, name string, attrs []attribute.KeyValue, fn func(context.Context) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, span := e.tracer.Start(ctx, "process."+name, trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metric := "engine." + name
	if e.metrics != nil {
		e.metrics.RecordDuration(metric, time.Since(start))
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if code := flow.ErrorCode(err); code != "" {
			span.SetAttributes(attribute.String("process.error_code", code))
		}
		if e.metrics != nil {
			e.metrics.RecordError(metric)
		}
		e.logger.Debug("%s failed: %v", name, err)
	} else {
		span.SetStatus(codes.Ok, "")
		if e.metrics != nil {
			e.metrics.RecordSuccess(metric)
		}
	}

	if gauge, ok := e.metrics.(instanceGauge); ok {
		gauge.SetActiveInstances(e.store.Len())
	}
	return err
}

func findExecution(root *flow.Execution, id string) (*flow.Execution, error) {
	x, ok := flow.NewTree(root).FindExecution(id)
	if !ok {
		return nil, notFound(fmt.Sprintf("execution %s not found", id), map[string]any{"execution_id": id})
	}
	return x, nil
}

func findInstance(root *flow.Execution, id string) (*flow.Execution, error) {
	x, ok := flow.NewTree(root).FindExecution(id)
	if !ok || !x.IsProcessInstance() {
		return nil, notFound(fmt.Sprintf("process instance %s not found", id), map[string]any{"process_instance_id": id})
	}
	return x, nil
}

func startOptions(opts []StartOption) startConfig {
	var cfg startConfig
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	return cfg
}
