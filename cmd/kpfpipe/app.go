package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/journal"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/primitives"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/telemetry"
)

// globalOptions are the persistent flags shared by every command.
type globalOptions struct {
	configPath string
	logLevel   string
	logFormat  string
}

// app holds what one command invocation needs: the resolved configuration,
// the primitive registry and the observers every run reports to.
type app struct {
	cfg     *config.Config
	log     zerolog.Logger
	reg     *primitives.Registry
	metrics *telemetry.Metrics
	tracing *telemetry.Tracing
	journal *journal.Journal
}

// newApp loads the configuration, applies flag overrides through edit and
// builds the ambient services.
func newApp(ctx context.Context, g *globalOptions, edit func(*config.Config)) (*app, error) {
	cfg := config.Default()
	if g.configPath != "" {
		var err error
		if cfg, err = config.Load(g.configPath); err != nil {
			return nil, err
		}
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	if g.logFormat != "" {
		cfg.Logging.Format = g.logFormat
	}
	if edit != nil {
		edit(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		return nil, err
	}
	tracing, err := telemetry.NewTracing(ctx, cfg.Tracing)
	if err != nil {
		return nil, err
	}
	a := &app{
		cfg:     cfg,
		log:     log,
		reg:     primitives.Builtin(),
		metrics: telemetry.NewMetrics(cfg.Metrics),
		tracing: tracing,
	}
	if cfg.Journal.Path != "" {
		j, err := journal.Open(ctx, cfg.Journal.Path)
		if err != nil {
			_ = tracing.Shutdown(ctx)
			return nil, err
		}
		j.SetLogger(log)
		a.journal = j
	}
	return a, nil
}

// close flushes spans, writes the metrics textfile and closes the journal.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.tracing.Shutdown(context.WithoutCancel(ctx)); err != nil {
		errs = append(errs, fmt.Errorf("shutdown tracing: %w", err))
	}
	if a.cfg.Metrics.Textfile != "" {
		if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
			errs = append(errs, err)
		}
	}
	if a.journal != nil {
		if err := a.journal.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close journal: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (a *app) driver() (*pipeline.Driver, error) {
	observers := []pipeline.Observer{a.metrics}
	if a.journal != nil {
		observers = append(observers, a.journal)
	}
	return pipeline.NewDriver(a.reg, pipeline.DriverOptions{
		MaxActions: a.cfg.Engine.MaxActions,
		Logger:     &a.log,
		Tracer:     a.tracing.Tracer("kpfpipe/pipeline"),
		Observers:  observers,
	})
}

// interpret builds the action plan of the recipe at path against cfg.
func (a *app) interpret(path string, cfg *config.Config) (*pipeline.Recipe, error) {
	in := &pipeline.Interpreter{
		Registry: a.reg,
		Config:   cfg.RecipeNamespace(),
		Env:      environ(),
	}
	return in.InterpretFile(path)
}

func environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}
	return env
}

// runResult is the outcome of one recipe run against one input.
type runResult struct {
	input  string
	report *pipeline.Report
}

// runOne interprets recipe with input bound to config.ARGUMENT.input, runs
// it in a fresh processing context and, when dump is set, writes the
// context snapshot there.
func (a *app) runOne(ctx context.Context, d *pipeline.Driver, recipe, input, dump string) (runResult, error) {
	cfg := a.cfg
	if input != "" {
		cfg = cfg.WithArgument("input", input)
	}
	r, err := a.interpret(recipe, cfg)
	if err != nil {
		return runResult{input: input}, &exitError{code: exitParse, err: err}
	}

	pctx := pipeline.NewProcessingContext()
	cfg.Apply(pctx)
	rep, _ := d.Run(ctx, r.Actions, pctx)

	if dump != "" {
		if err := pctx.WriteSnapshot(dump, rep.Pending); err != nil {
			a.log.Error().Err(err).Str("path", dump).Msg("write context snapshot")
		}
	}
	return runResult{input: input, report: rep}, nil
}
