package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// planOptions bind the recipe arguments a plan is interpreted with, for the
// commands that interpret without running.
type planOptions struct {
	input string
	sets  []string
}

func (o *planOptions) register(f *pflag.FlagSet) {
	f.StringVarP(&o.input, "input", "i", "", "value bound to config.ARGUMENT.input")
	f.StringArrayVar(&o.sets, "set", nil, "override a value: key=value or module.key=value")
}

func (o *planOptions) edit(setErr *error) func(*config.Config) {
	return func(cfg *config.Config) {
		if o.input != "" {
			cfg.Argument["input"] = o.input
		}
		*setErr = applySets(cfg, o.sets)
	}
}

func graphCmd(g *globalOptions) *cobra.Command {
	var (
		format string
		plan   planOptions
	)
	cmd := &cobra.Command{
		Use:   "graph <recipe>",
		Short: "Print the action plan of a recipe",
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
			out := cmd.OutOrStdout()
			switch strings.ToLower(format) {
			case "dot":
				gv, err := pipeline.RecipeGraph(r)
				if err != nil {
					return err
				}
				fmt.Fprint(out, gv.String())
			case "text", "":
				renderText(out, r)
			default:
				return fmt.Errorf("unknown format %q: use text or dot", format)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "text", "output format: text or dot")
	plan.register(cmd.Flags())
	return cmd
}

// truncate shortens s to maxLen runes, appending "…" if needed.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "…"
}

// renderText writes one line per queued action in push order.
func renderText(w io.Writer, r *pipeline.Recipe) {
	fmt.Fprintf(w, "Recipe: %s  (%d actions, %d primitives)\n\n", r.Name, len(r.Actions), len(distinctPrimitives(r)))

	maxPrim := 9 // "primitive"
	for _, a := range r.Actions {
		maxPrim = max(maxPrim, len(a.Primitive))
	}
	for i, a := range r.Actions {
		var flags []string
		if !a.Fatal {
			flags = append(flags, "non-fatal")
		}
		if a.Priority != 0 {
			flags = append(flags, fmt.Sprintf("priority=%d", a.Priority))
		}
		if a.Loop {
			flags = append(flags, "loop")
		}
		if a.Until != "" {
			flags = append(flags, "until="+a.Until)
		}
		fmt.Fprintf(w, "  %3d  %-*s  %-20s  %s\n", i+1, maxPrim, a.Primitive, strings.Join(flags, ","), truncate(a.String(), 80))
	}
}
