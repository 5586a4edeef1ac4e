package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func exitCode(err error) int {
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	return 1
}

// exitParse is returned when a recipe cannot be interpreted.
const exitParse = 2

func rootCmd() *cobra.Command {
	g := &globalOptions{}
	root := &cobra.Command{
		Use:   "kpfpipe",
		Short: "kpfpipe: recipe-driven spectrograph data reduction",
		Long: `kpfpipe runs reduction recipes against raw exposures.

A recipe is a Python-syntax script whose primitive calls become a queue of
actions (subtract_bias, divide_flat, extract_spectrum, ...). The driver
drains the queue against one processing context per input file.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&g.configPath, "config", "c", "", "YAML configuration file")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "override logging.level (trace, debug, info, warn, error)")
	root.PersistentFlags().StringVar(&g.logFormat, "log-format", "", "override logging.format (console, json)")

	root.AddCommand(runCmd(g))
	root.AddCommand(lintCmd(g))
	root.AddCommand(graphCmd(g))
	root.AddCommand(watchCmd(g))
	root.AddCommand(historyCmd(g))
	return root
}

// ─── lint ─────────────────────────────────────────────────────────────────────

func lintCmd(g *globalOptions) *cobra.Command {
	var plan planOptions
	cmd := &cobra.Command{
		Use:   "lint <recipe>",
		Short: "Interpret a recipe and report problems without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var setErr error
			a, err := newApp(cmd.Context(), g, plan.edit(&setErr))
			if err != nil {
				return err
			}
			defer a.close(cmd.Context())
			if setErr != nil {
				return setErr
			}

			r, err := a.interpret(args[0], a.cfg)
			if err != nil {
				return &exitError{code: exitParse, err: err}
			}
			findings := pipeline.LintRecipe(r, a.reg, nil)
			out := cmd.OutOrStdout()
			for _, f := range findings {
				fmt.Fprintf(out, "%s: %s\n", r.Path, f.Error())
			}
			if len(findings) > 0 {
				return &exitError{code: 1, err: fmt.Errorf("%d lint finding(s)", len(findings))}
			}
			fmt.Fprintf(out, "OK: recipe %q is valid (%d actions, %d primitives)\n",
				r.Name, len(r.Actions), len(distinctPrimitives(r)))
			return nil
		},
	}
	plan.register(cmd.Flags())
	return cmd
}

func distinctPrimitives(r *pipeline.Recipe) []string {
	seen := make(map[string]bool)
	var out []string
	for _, a := range r.Actions {
		if !seen[a.Primitive] {
			seen[a.Primitive] = true
			out = append(out, a.Primitive)
		}
	}
	return out
}

// signalContext returns a context that is cancelled on SIGINT or SIGTERM.
// Cancellation takes effect between actions.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(ch)
		select {
		case <-ch:
			fmt.Fprintln(os.Stderr, "\n[kpfpipe] interrupted; cancelling after the current action")
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
