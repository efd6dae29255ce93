// Command procsim loads process templates and drives an instance through a
// YAML scenario, printing the token tree after every step.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/alecthomas/kong"
	"github.com/goliatone/go-logger/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	process "github.com/goliatone/go-process"
	"github.com/goliatone/go-process/metrics"
	"github.com/goliatone/go-process/model"
)

type Globals struct {
	LogLevel string `help:"Log level." default:"warn" enum:"trace,debug,info,warn,error"`
	LogJSON  bool   `name:"log-json" help:"Emit JSON logs."`

	out io.Writer
}

type CLI struct {
	Globals

	Run      RunCmd      `cmd:"" help:"Run a scenario file."`
	Validate ValidateCmd `cmd:"" help:"Validate template documents."`
}

type RunCmd struct {
	Scenario string `arg:"" type:"existingfile" help:"Scenario YAML file."`
	Quiet    bool   `short:"q" help:"Only print step results."`
	Metrics  bool   `help:"Print Prometheus metrics after the run."`
}

func (c *RunCmd) Run(g *Globals) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	sc, err := LoadScenario(c.Scenario)
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	engine := process.New(
		process.WithLogger(g.logger()),
		process.WithMetricsRecorder(metrics.NewRecorder(registry)),
	)
	if err := engine.Start(ctx); err != nil {
		return err
	}
	defer engine.Stop(context.Background())

	if sc.Name != "" {
		fmt.Fprintf(g.out, "scenario %s\n", sc.Name)
	}
	_, err = NewRunner(engine, g.out, c.Quiet).Run(ctx, sc)
	if c.Metrics {
		if merr := writeMetrics(g.out, registry); merr != nil && err == nil {
			err = merr
		}
	}
	return err
}

func writeMetrics(out io.Writer, registry *prometheus.Registry) error {
	families, err := registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(out, mf); err != nil {
			return err
		}
	}
	return nil
}

type ValidateCmd struct {
	Templates []string `arg:"" type:"existingfile" help:"Template YAML or JSON files."`
}

func (c *ValidateCmd) Run(g *Globals) error {
	repo := model.NewRepository()
	for _, path := range c.Templates {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		def, err := repo.DeployDocument(data)
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
		fmt.Fprintf(g.out, "%s: %s (%d activities)\n", path, def.ID, len(def.AllActivities()))
	}
	return nil
}

func (g *Globals) logger() process.GlogLogger {
	var base glog.Logger
	if g.LogJSON {
		base = glog.NewLogger(glog.WithWriter(os.Stderr), glog.WithLoggerTypeJSON(), glog.WithLevel(g.LogLevel))
	} else {
		base = glog.NewLogger(glog.WithWriter(os.Stderr), glog.WithLevel(g.LogLevel))
	}
	return process.NewGlogLogger(base)
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("procsim"),
		kong.Description("Simulate process instances from YAML scenarios."),
		kong.UsageOnError(),
	)
	cli.Globals.out = os.Stdout
	ctx.FatalIfErrorf(ctx.Run(&cli.Globals))
}
