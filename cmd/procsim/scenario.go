package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/goliatone/go-errors"
	"gopkg.in/yaml.v3"

	process "github.com/goliatone/go-process"
	"github.com/goliatone/go-process/flow"
	"github.com/goliatone/go-process/model"
)

const ErrCodeScenario = "PROCSIM_SCENARIO"

// Scenario drives an engine through a scripted sequence of commands.
type Scenario struct {
	Name      string                   `yaml:"name"`
	Templates []string                 `yaml:"templates"`
	Inline    []model.Document         `yaml:"inline"`
	Handlers  map[string]HandlerScript `yaml:"handlers"`
	Start     StartStep                `yaml:"start"`
	Steps     []Step                   `yaml:"steps"`
}

// HandlerScript is a service task handler defined by the scenario.
// With FailTimes set, Error is returned only for the first FailTimes calls.
// Retries wraps the handler with flow.RetryHandler.
type HandlerScript struct {
	Set       map[string]any `yaml:"set"`
	Error     string         `yaml:"error"`
	FailTimes int            `yaml:"fail_times"`
	Retries   int            `yaml:"retries"`
	Backoff   time.Duration  `yaml:"backoff"`
}

type StartStep struct {
	Key         string         `yaml:"key"`
	Definition  string         `yaml:"definition"`
	Activity    string         `yaml:"activity"`
	BusinessKey string         `yaml:"business_key"`
	Version     int            `yaml:"version"`
	Variables   map[string]any `yaml:"variables"`
}

// Step is one scenario command. Exactly one action field is set.
type Step struct {
	Name         string       `yaml:"name"`
	CompleteTask *TaskStep    `yaml:"complete_task"`
	Signal       *SignalStep  `yaml:"signal"`
	Message      *MessageStep `yaml:"message"`
	Move         *MoveStep    `yaml:"move"`
	Wait         string       `yaml:"wait"`
	Expect       []string     `yaml:"expect"`
	ExpectError  string       `yaml:"expect_error"`
}

type TaskStep struct {
	Activity  string         `yaml:"activity"`
	Variables map[string]any `yaml:"variables"`
}

type SignalStep struct {
	Activity string         `yaml:"activity"`
	Name     string         `yaml:"name"`
	Data     map[string]any `yaml:"data"`
}

type MessageStep struct {
	Name string         `yaml:"name"`
	Data map[string]any `yaml:"data"`
}

type MoveStep struct {
	Executions     []string                  `yaml:"executions"`
	Activities     []string                  `yaml:"activities"`
	Targets        []string                  `yaml:"targets"`
	ToParent       bool                      `yaml:"to_parent"`
	ToSubProcess   string                    `yaml:"to_sub_process"`
	SubVersion     int                       `yaml:"sub_version"`
	Assignee       string                    `yaml:"assignee"`
	MigrateTo      string                    `yaml:"migrate_to"`
	Reason         string                    `yaml:"reason"`
	Variables      map[string]any            `yaml:"variables"`
	LocalVariables map[string]map[string]any `yaml:"local_variables"`
}

// LoadScenario reads a scenario file. Template paths are resolved against its directory.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("read scenario %s", path)).
			WithTextCode(ErrCodeScenario)
	}
	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("parse scenario %s", path)).
			WithTextCode(ErrCodeScenario)
	}
	dir := filepath.Dir(path)
	for i, tpl := range sc.Templates {
		if !filepath.IsAbs(tpl) {
			sc.Templates[i] = filepath.Join(dir, tpl)
		}
	}
	return &sc, nil
}

// Runner executes scenarios and prints the token tree after each step.
type Runner struct {
	engine *process.Engine
	out    io.Writer
	quiet  bool
}

func NewRunner(engine *process.Engine, out io.Writer, quiet bool) *Runner {
	if out == nil {
		out = io.Discard
	}
	return &Runner{engine: engine, out: out, quiet: quiet}
}

// Run deploys the templates, starts the instance and applies every step.
// It returns the id of the started instance.
func (r *Runner) Run(ctx context.Context, sc *Scenario) (string, error) {
	if err := r.deploy(sc); err != nil {
		return "", err
	}
	r.registerHandlers(sc.Handlers)

	pi, err := r.start(ctx, sc.Start)
	if err != nil {
		return "", err
	}
	id := pi.ID()
	r.printf("started %s (%s)\n", id, pi.Definition().ID)
	r.render(id)

	for i, step := range sc.Steps {
		label := step.Name
		if label == "" {
			label = fmt.Sprintf("step %d", i+1)
		}
		err := r.apply(ctx, id, step)
		if step.ExpectError != "" {
			if err == nil {
				return id, scenarioError(fmt.Sprintf("%s: expected error %s", label, step.ExpectError))
			}
			if code := process.ErrorCode(err); code != step.ExpectError {
				return id, scenarioError(fmt.Sprintf("%s: expected error %s, got %s (%v)", label, step.ExpectError, code, err))
			}
			r.printf("%s: failed as expected (http %d): %v\n", label, flow.HTTPStatusForError(err), err)
			continue
		}
		if err != nil {
			return id, fmt.Errorf("%s: %w", label, err)
		}
		r.printf("%s: ok\n", label)
		r.render(id)
		if step.Expect != nil {
			if err := r.expect(id, step.Expect); err != nil {
				return id, fmt.Errorf("%s: %w", label, err)
			}
		}
	}
	return id, nil
}

func (r *Runner) deploy(sc *Scenario) error {
	for _, path := range sc.Templates {
		data, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, errors.CategoryBadInput, fmt.Sprintf("read template %s", path)).
				WithTextCode(ErrCodeScenario)
		}
		def, err := r.engine.DeployDocument(data)
		if err != nil {
			return err
		}
		r.printf("deployed %s\n", def.ID)
	}
	for _, doc := range sc.Inline {
		def, err := model.Build(doc)
		if err != nil {
			return err
		}
		if def, err = r.engine.Deploy(def); err != nil {
			return err
		}
		r.printf("deployed %s\n", def.ID)
	}
	return nil
}

func (r *Runner) registerHandlers(scripts map[string]HandlerScript) {
	for name, script := range scripts {
		var calls atomic.Int64
		var fn flow.HandlerFunc = func(_ context.Context, e *flow.Execution) error {
			n := calls.Add(1)
			if script.Error != "" && (script.FailTimes <= 0 || n <= int64(script.FailTimes)) {
				return fmt.Errorf("%s", script.Error)
			}
			e.SetVariables(script.Set)
			return nil
		}
		if script.Retries > 0 {
			strategy := flow.RetryStrategy(flow.NoDelayStrategy{})
			if script.Backoff > 0 {
				strategy = flow.ExponentialBackoffStrategy{Base: script.Backoff, Factor: 2, Max: 10 * script.Backoff}
			}
			fn = flow.RetryHandler(fn, flow.WithMaxRetries(script.Retries), flow.WithRetryStrategy(strategy))
		}
		_ = r.engine.Runtime().Handlers().Register(name, fn)
	}
}

func (r *Runner) start(ctx context.Context, st StartStep) (*flow.Execution, error) {
	opts := []process.StartOption{process.WithBusinessKey(st.BusinessKey)}
	if st.Version > 0 {
		opts = append(opts, process.WithVersion(st.Version))
	}
	switch {
	case st.Definition != "":
		return r.engine.StartProcessAt(ctx, st.Definition, st.Activity, st.Variables, opts...)
	case st.Key != "" && st.Activity == "":
		return r.engine.StartProcessByKey(ctx, st.Key, st.Variables, opts...)
	case st.Key != "":
		def, ok := r.engine.Repository().FindLatestByKey(st.Key, "")
		if !ok {
			return nil, scenarioError(fmt.Sprintf("no template deployed for key %s", st.Key))
		}
		return r.engine.StartProcessAt(ctx, def.ID, st.Activity, st.Variables, opts...)
	default:
		return nil, scenarioError("start requires a key or a definition")
	}
}

func (r *Runner) apply(ctx context.Context, id string, step Step) error {
	switch {
	case step.CompleteTask != nil:
		x, err := r.tokenAt(id, step.CompleteTask.Activity)
		if err != nil {
			return err
		}
		task, ok, err := r.engine.Tasks().FindTaskByExecution(ctx, x.ID())
		if err != nil {
			return err
		}
		if !ok {
			return scenarioError(fmt.Sprintf("no open task at %s", step.CompleteTask.Activity))
		}
		return r.engine.CompleteTask(ctx, task.ID, step.CompleteTask.Variables)
	case step.Signal != nil:
		x, err := r.tokenAt(id, step.Signal.Activity)
		if err != nil {
			return err
		}
		return r.engine.Signal(ctx, x.ID(), step.Signal.Name, step.Signal.Data)
	case step.Message != nil:
		return r.engine.DeliverMessage(ctx, id, step.Message.Name, step.Message.Data)
	case step.Move != nil:
		return r.engine.ChangeState(ctx, r.changeRequest(id, step.Move))
	case step.Wait != "":
		d, err := time.ParseDuration(step.Wait)
		if err != nil {
			return scenarioError(fmt.Sprintf("invalid wait %q", step.Wait))
		}
		select {
		case <-time.After(d):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	case step.Expect != nil:
		return nil
	default:
		return scenarioError("step has no action")
	}
}

func (r *Runner) changeRequest(id string, mv *MoveStep) flow.ChangeStateRequest {
	b := flow.NewChangeState(id)
	switch {
	case len(mv.Executions) > 0:
		b.MoveExecutionsToActivityIDs(mv.Executions, mv.Targets)
	case mv.ToParent && len(mv.Activities) == 1 && len(mv.Targets) == 1:
		b.MoveActivityIDToParentActivityID(mv.Activities[0], mv.Targets[0])
	case mv.ToSubProcess != "" && len(mv.Activities) == 1 && len(mv.Targets) == 1:
		b.MoveActivityIDToSubProcessInstanceActivityID(mv.Activities[0], mv.Targets[0], mv.ToSubProcess, mv.SubVersion)
	case len(mv.Activities) == 1 && len(mv.Targets) == 1:
		b.MoveActivityIDTo(mv.Activities[0], mv.Targets[0])
	case len(mv.Activities) == 1:
		b.MoveSingleActivityIDToActivityIDs(mv.Activities[0], mv.Targets)
	default:
		b.MoveActivityIDsToSingleActivityID(mv.Activities, firstOrEmpty(mv.Targets))
	}
	if mv.Assignee != "" {
		b.WithNewAssignee(mv.Assignee)
	}
	if mv.MigrateTo != "" {
		b.MigrateToDefinition(mv.MigrateTo)
	}
	if mv.Reason != "" {
		b.JumpReason(mv.Reason)
	}
	if len(mv.Variables) > 0 {
		b.ProcessVariables(mv.Variables)
	}
	for activityID, vars := range mv.LocalVariables {
		b.LocalVariables(activityID, vars)
	}
	return b.Request()
}

func (r *Runner) tokenAt(id, activityID string) (*flow.Execution, error) {
	tokens, err := r.engine.Tokens(id)
	if err != nil {
		return nil, err
	}
	for _, x := range tokens {
		if x.ActivityID() == activityID && !x.IsEventScope() && !x.IsProcessInstance() && len(x.Children()) == 0 {
			return x, nil
		}
	}
	return nil, scenarioError(fmt.Sprintf("no token waits at %s", activityID))
}

func (r *Runner) expect(id string, want []string) error {
	got, err := r.engine.ActiveActivityIDs(id)
	if err != nil {
		if process.IsNotFound(err) && len(want) == 0 {
			return nil
		}
		return err
	}
	want = slices.Clone(want)
	slices.Sort(want)
	if !slices.Equal(got, want) {
		return scenarioError(fmt.Sprintf("expected active activities [%s], got [%s]",
			strings.Join(want, ", "), strings.Join(got, ", ")))
	}
	return nil
}

func (r *Runner) render(id string) {
	if r.quiet {
		return
	}
	tree, err := r.engine.Render(id)
	if err != nil {
		r.printf("  (instance %s ended)\n", id)
		return
	}
	for _, line := range strings.Split(strings.TrimRight(tree, "\n"), "\n") {
		r.printf("  %s\n", line)
	}
}

func (r *Runner) printf(format string, args ...any) {
	fmt.Fprintf(r.out, format, args...)
}

func scenarioError(message string) *errors.Error {
	return errors.New(message, errors.CategoryBadInput).WithTextCode(ErrCodeScenario)
}

func firstOrEmpty(values []string) string {
	if len(values) == 0 {
		return ""
	}
	return values[0]
}
