package process

import (
	"go.opentelemetry.io/otel/trace"

	"github.com/goliatone/go-process/flow"
	"github.com/goliatone/go-process/model"
)

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithRepository sets the template repository.
func WithRepository(repo *model.Repository) EngineOption {
	return func(e *Engine) {
		if repo != nil {
			e.repo = repo
		}
	}
}

// WithStore replaces the instance store.
func WithStore(store *InstanceStore) EngineOption {
	return func(e *Engine) {
		if store != nil {
			e.store = store
		}
	}
}

// WithEvaluator sets the expression evaluator. Defaults to the jq evaluator.
func WithEvaluator(ev flow.ExpressionEvaluator) EngineOption {
	return func(e *Engine) {
		if ev != nil {
			e.evaluator = ev
		}
	}
}

// WithHistorySink sets the history sink.
func WithHistorySink(sink flow.HistorySink) EngineOption {
	return func(e *Engine) {
		if sink != nil {
			e.history = sink
		}
	}
}

// WithTaskService sets the task service.
func WithTaskService(svc flow.TaskService) EngineOption {
	return func(e *Engine) {
		if svc != nil {
			e.tasks = svc
		}
	}
}

// WithJobScheduler sets the timer job scheduler. A scheduler exposing
// SetTrigger is bound to Engine.TriggerJob.
func WithJobScheduler(jobs flow.JobScheduler) EngineOption {
	return func(e *Engine) {
		e.jobs = jobs
	}
}

// WithMetricsRecorder sets the metrics recorder.
func WithMetricsRecorder(m flow.MetricsRecorder) EngineOption {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithTracer sets the tracer used for command spans.
func WithTracer(tracer trace.Tracer) EngineOption {
	return func(e *Engine) {
		if tracer != nil {
			e.tracer = tracer
		}
	}
}

// WithLogger sets the engine and runtime logger.
func WithLogger(logger flow.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithRuntimeOptions passes options through to the runtime.
func WithRuntimeOptions(opts ...flow.RuntimeOption) EngineOption {
	return func(e *Engine) {
		e.runtimeOpts = append(e.runtimeOpts, opts...)
	}
}

// StartOption configures a process start.
type StartOption func(*startConfig)

type startConfig struct {
	businessKey string
	tenant      string
	version     int
}

// WithBusinessKey sets the business key of the new instance.
func WithBusinessKey(key string) StartOption {
	return func(c *startConfig) { c.businessKey = key }
}

// WithTenant selects the tenant of the definition key.
func WithTenant(tenant string) StartOption {
	return func(c *startConfig) { c.tenant = tenant }
}

// WithVersion pins the definition version instead of the latest.
func WithVersion(version int) StartOption {
	return func(c *startConfig) { c.version = version }
}
