package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	process "github.com/goliatone/go-process"
	"github.com/goliatone/go-process/flow"
	"github.com/goliatone/go-process/metrics"
)

func TestLoadScenarioResolvesTemplatePaths(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "review_scenario.yaml"))
	require.NoError(t, err)

	assert.Equal(t, "review with rework", sc.Name)
	require.Len(t, sc.Templates, 1)
	assert.Equal(t, filepath.Join("testdata", "review.yaml"), sc.Templates[0])
	require.Len(t, sc.Steps, 5)
	assert.NotNil(t, sc.Steps[0].CompleteTask)
	assert.Equal(t, []string{"approve"}, sc.Steps[0].Expect)
	assert.Equal(t, "bob", sc.Steps[1].Move.Assignee)
	assert.Equal(t, "PROCESS_NOT_FOUND", sc.Steps[2].ExpectError)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join("testdata", "missing.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read scenario")
}

func TestRunnerPlaysScenarioToTheEnd(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "review_scenario.yaml"))
	require.NoError(t, err)

	tasks := flow.NewMemoryTaskService()
	history := flow.NewHistoryLog()
	engine := process.New(process.WithTaskService(tasks), process.WithHistorySink(history))
	out := &bytes.Buffer{}

	id, err := NewRunner(engine, out, false).Run(context.Background(), sc)
	require.NoError(t, err, out.String())

	_, ok := engine.Instance(id)
	assert.False(t, ok, "instance should have ended")
	assert.Len(t, history.Filter(flow.HistoryProcessEnded, ""), 1)

	text := out.String()
	assert.Contains(t, text, "deployed review:1")
	assert.Contains(t, text, "send back: ok")
	assert.Contains(t, text, "unknown target: failed as expected (http 404)")
	assert.Contains(t, text, "ended")
}

func TestRunnerReassignsMovedTask(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "review_scenario.yaml"))
	require.NoError(t, err)
	sc.Steps = sc.Steps[:2]

	tasks := flow.NewMemoryTaskService()
	engine := process.New(process.WithTaskService(tasks))

	id, err := NewRunner(engine, nil, true).Run(context.Background(), sc)
	require.NoError(t, err)

	open := tasks.OpenTasks(id)
	require.Len(t, open, 1)
	assert.Equal(t, "review", open[0].ActivityID)
	assert.Equal(t, "bob", open[0].Assignee)

	pi, ok := engine.Instance(id)
	require.True(t, ok)
	assert.Equal(t, "doc-42", pi.BusinessKey())
	v, _ := pi.Variable("verdict")
	assert.Equal(t, "rework", v)
}

const inlineScenario = `
name: inline
inline:
  - key: ship
    activities:
      - id: start
        kind: start_event
      - id: pack
        kind: service_task
        handler: pack
      - id: wait
        kind: user_task
      - id: end
        kind: end_event
    flows:
      - from: start
        to: pack
      - from: pack
        to: wait
      - from: wait
        to: end
handlers:
  pack:
    error: printer jammed
start:
  key: ship
`

func TestRunnerSurfacesHandlerFailures(t *testing.T) {
	var sc Scenario
	require.NoError(t, yaml.Unmarshal([]byte(inlineScenario), &sc))

	engine := process.New()
	_, err := NewRunner(engine, nil, true).Run(context.Background(), &sc)
	require.Error(t, err)
	assert.True(t, process.IsBehaviorFailure(err), "got %v", err)
	assert.Equal(t, 0, engine.Store().Len())
}

func TestRunnerRetriesFlakyHandlers(t *testing.T) {
	cases := []struct {
		name    string
		retries int
		wantErr bool
	}{
		{name: "enough retries", retries: 2},
		{name: "too few retries", retries: 1, wantErr: true},
		{name: "no retries", wantErr: true},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			var sc Scenario
			require.NoError(t, yaml.Unmarshal([]byte(inlineScenario), &sc))
			script := sc.Handlers["pack"]
			script.FailTimes = 2
			script.Retries = tt.retries
			script.Set = map[string]any{"packed": true}
			sc.Handlers["pack"] = script
			sc.Steps = []Step{{Name: "packed", Expect: []string{"wait"}}}

			engine := process.New()
			id, err := NewRunner(engine, nil, true).Run(context.Background(), &sc)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, process.IsBehaviorFailure(err), "got %v", err)
				return
			}
			require.NoError(t, err)
			pi, ok := engine.Instance(id)
			require.True(t, ok)
			v, _ := pi.Variable("packed")
			assert.Equal(t, true, v)
		})
	}
}

func TestLoadScenarioHandlerRetrySettings(t *testing.T) {
	var sc Scenario
	doc := strings.Replace(inlineScenario, "    error: printer jammed\n",
		"    error: printer jammed\n    fail_times: 1\n    retries: 3\n    backoff: 5ms\n", 1)
	require.NoError(t, yaml.Unmarshal([]byte(doc), &sc))

	script := sc.Handlers["pack"]
	assert.Equal(t, 1, script.FailTimes)
	assert.Equal(t, 3, script.Retries)
	assert.Equal(t, 5*time.Millisecond, script.Backoff)
}

func TestRunnerReportsFailedExpectations(t *testing.T) {
	var sc Scenario
	require.NoError(t, yaml.Unmarshal([]byte(inlineScenario), &sc))
	sc.Handlers = map[string]HandlerScript{"pack": {Set: map[string]any{"packed": true}}}
	sc.Steps = []Step{{Name: "check", Expect: []string{"pack"}}}

	_, err := NewRunner(process.New(), nil, true).Run(context.Background(), &sc)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "check: "), err.Error())
	assert.Contains(t, err.Error(), "expected active activities [pack], got [wait]")
	assert.Equal(t, ErrCodeScenario, process.ErrorCode(err))
}

func TestRunnerRejectsEmptySteps(t *testing.T) {
	var sc Scenario
	require.NoError(t, yaml.Unmarshal([]byte(inlineScenario), &sc))
	sc.Handlers = nil
	sc.Steps = []Step{{Name: "nothing"}}

	engine := process.New()
	require.NoError(t, engine.Runtime().Handlers().Register("pack", func(context.Context, *flow.Execution) error { return nil }))

	_, err := NewRunner(engine, nil, true).Run(context.Background(), &sc)
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "nothing: "), err.Error())
}

func TestValidateCommandPrintsDefinitions(t *testing.T) {
	out := &bytes.Buffer{}
	cmd := &ValidateCmd{Templates: []string{filepath.Join("testdata", "review.yaml")}}

	require.NoError(t, cmd.Run(&Globals{out: out}))
	assert.Contains(t, out.String(), "review:1 (5 activities)")
}

func TestWriteMetricsAfterScenario(t *testing.T) {
	sc, err := LoadScenario(filepath.Join("testdata", "review_scenario.yaml"))
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	engine := process.New(process.WithMetricsRecorder(metrics.NewRecorder(registry)))
	_, err = NewRunner(engine, &bytes.Buffer{}, true).Run(context.Background(), sc)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	require.NoError(t, writeMetrics(out, registry))
	text := out.String()
	assert.Contains(t, text, "process_operations_total")
	assert.Contains(t, text, `status="error"`, "the expected failure is counted")
	assert.Contains(t, text, "process_state_changes_total")
}
