package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

type runOptions struct {
	inputs     []string
	force      bool
	verbose    bool
	maxActions int
	parallel   int
	dump       string
	sets       []string
}

func runCmd(g *globalOptions) *cobra.Command {
	o := &runOptions{}
	cmd := &cobra.Command{
		Use:   "run <recipe>",
		Short: "Run a recipe against one or more input files",
		Long: `Run interprets the recipe once per input, binding the input path to
config.ARGUMENT.input, and drains the resulting action queue in a fresh
processing context. Inputs are reduced concurrently up to --parallel.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.run(ctx, g, args[0], cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringArrayVarP(&o.inputs, "input", "i", nil, "input file (repeatable)")
	f.BoolVar(&o.force, "force", false, "run primitives whose validation failed (degraded output)")
	f.BoolVarP(&o.verbose, "verbose", "v", false, "set the verbose flag in the processing context")
	f.IntVar(&o.maxActions, "max-actions", 0, "dispatch budget per run (0 keeps the configured value)")
	f.IntVarP(&o.parallel, "parallel", "j", 1, "inputs reduced concurrently")
	f.StringVar(&o.dump, "dump", "", "write the final processing context to this JSON file")
	f.StringArrayVar(&o.sets, "set", nil, "override a value: key=value sets config.ARGUMENT.key, module.key=value sets a module option")
	return cmd
}

func (o *runOptions) apply(cfg *config.Config) {
	if o.force {
		cfg.Engine.Force = true
	}
	if o.verbose {
		cfg.Engine.Verbose = true
	}
	if o.maxActions > 0 {
		cfg.Engine.MaxActions = o.maxActions
	}
}

func (o *runOptions) run(ctx context.Context, g *globalOptions, recipe string, out io.Writer) (err error) {
	if o.parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", o.parallel)
	}
	var setErr error
	a, err := newApp(ctx, g, func(cfg *config.Config) {
		o.apply(cfg)
		setErr = applySets(cfg, o.sets)
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	if setErr != nil {
		return setErr
	}

	d, err := a.driver()
	if err != nil {
		return err
	}

	inputs := o.inputs
	if len(inputs) == 0 {
		inputs = []string{""}
	}
	results := make([]runResult, len(inputs))
	var mu sync.Mutex

	grp, gctx := errgroup.WithContext(ctx)
	grp.SetLimit(o.parallel)
	for i, in := range inputs {
		grp.Go(func() error {
			res, err := a.runOne(gctx, d, recipe, in, dumpPath(o.dump, in, len(inputs)))
			if err != nil {
				return err
			}
			results[i] = res
			mu.Lock()
			printResult(out, res)
			mu.Unlock()
			return nil
		})
	}
	if err := grp.Wait(); err != nil {
		return err
	}

	for _, res := range results {
		if code := res.report.Status.ExitCode(); code != 0 {
			err := fmt.Errorf("%s: %s", label(res.input), res.report.Status)
			if res.report.Err != nil {
				err = fmt.Errorf("%s: %s: %w", label(res.input), res.report.Status, res.report.Err)
			}
			return &exitError{code: code, err: err}
		}
	}
	return nil
}

// applySets parses --set values as YAML scalars so numbers and booleans keep
// their types.
func applySets(cfg *config.Config, sets []string) error {
	for _, kv := range sets {
		key, raw, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return fmt.Errorf("--set %q: want key=value", kv)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return fmt.Errorf("--set %q: %w", kv, err)
		}
		if module, opt, ok := strings.Cut(key, "."); ok {
			if cfg.Modules[module] == nil {
				cfg.Modules[module] = map[string]any{}
			}
			cfg.Modules[module][opt] = v
			continue
		}
		cfg.Argument[key] = v
	}
	return nil
}

// dumpPath derives a per-input snapshot path when several inputs share one
// --dump flag: out.json becomes out.<input base>.json.
func dumpPath(dump, input string, n int) string {
	if dump == "" || n <= 1 {
		return dump
	}
	ext := filepath.Ext(dump)
	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return strings.TrimSuffix(dump, ext) + "." + base + ext
}

func label(input string) string {
	if input == "" {
		return "(no input)"
	}
	return input
}

func printResult(w io.Writer, res runResult) {
	rep := res.report
	fmt.Fprintf(w, "%s: %s (%d actions in %s)\n", label(res.input), rep.Status, rep.Dispatched, rep.Elapsed.Round(time.Millisecond))
	for _, rec := range rep.Records {
		if rec.State == pipeline.StateCompleted && !rec.Forced {
			continue
		}
		fmt.Fprintf(w, "  #%d %s: %s", rec.Seq, rec.Primitive, rec.State)
		if rec.Forced {
			fmt.Fprint(w, " [forced]")
		}
		if rec.Reason != "" {
			fmt.Fprintf(w, " (%s)", rec.Reason)
		}
		fmt.Fprintln(w)
	}
	if rep.Err != nil {
		fmt.Fprintf(w, "  error: %v\n", rep.Err)
	}
	if len(rep.Pending) > 0 {
		fmt.Fprintf(w, "  %d action(s) left pending\n", len(rep.Pending))
	}
}
