package pipeline_test

import (
	"strings"
	"testing"

	gographviz "github.com/awalterschulze/gographviz"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

func lintMessages(errs []pipeline.LintError) string {
	msgs := make([]string, len(errs))
	for i, e := range errs {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

func TestLintRecipe_Clean(t *testing.T) {
	t.Parallel()
	r := &pipeline.Recipe{Actions: []*pipeline.Action{
		pipeline.NewAction("read", pipeline.Ref("config.argument.input")).WithOutputs("raw"),
		pipeline.NewAction("reduce", pipeline.Ref("raw"), pipeline.Ref("seeded")).WithOutputs("l1"),
	}}
	reg := recipeRegistry("read", "reduce")
	if errs := pipeline.LintRecipe(r, reg, []string{"seeded"}); len(errs) != 0 {
		t.Errorf("unexpected findings:\n%s", lintMessages(errs))
	}
}

func TestLintRecipe_Findings(t *testing.T) {
	t.Parallel()
	loop := pipeline.NewAction("iterate").WithOutputs("n")
	loop.Loop = true
	until := pipeline.NewAction("clip").WithOutputs("c")
	until.Until = "rejected == 0"
	badUntil := pipeline.NewAction("clip").WithOutputs("d")
	badUntil.Until = "(("

	tests := []struct {
		name   string
		action *pipeline.Action
		want   string
	}{
		{"unknown primitive", pipeline.NewAction("nowhere"), `unknown primitive "nowhere"`},
		{"read before write", pipeline.NewAction("reduce", pipeline.Ref("ghost")), `reads "ghost" before any action produces it`},
		{"output twice", pipeline.NewAction("reduce").WithOutputs("x", "x"), `output "x" assigned twice`},
		{"loop without stop", loop, "loop without a stop condition"},
		{"stop condition key", until, `stop condition reads "rejected"`},
		{"broken stop condition", badUntil, "condition"},
	}
	reg := recipeRegistry("reduce", "iterate", "clip")
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &pipeline.Recipe{Actions: []*pipeline.Action{tt.action}}
			errs := pipeline.LintRecipe(r, reg, nil)
			if len(errs) == 0 {
				t.Fatal("expected a finding")
			}
			if got := lintMessages(errs); !strings.Contains(got, tt.want) {
				t.Errorf("findings = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLintRecipe_NilRegistrySkipsLookup(t *testing.T) {
	t.Parallel()
	r := &pipeline.Recipe{Actions: []*pipeline.Action{pipeline.NewAction("anything")}}
	if errs := pipeline.LintRecipe(r, nil, nil); len(errs) != 0 {
		t.Errorf("unexpected findings:\n%s", lintMessages(errs))
	}
}

func TestLintRecipe_UnreachableAfterExit(t *testing.T) {
	t.Parallel()
	r := &pipeline.Recipe{Actions: []*pipeline.Action{
		pipeline.NewAction("exit_loop"),
		withPriority(pipeline.NewAction("cleanup"), -1),
		pipeline.NewAction("never"),
	}}
	errs := pipeline.LintRecipe(r, nil, nil)
	if len(errs) != 1 {
		t.Fatalf("findings = %d, want 1:\n%s", len(errs), lintMessages(errs))
	}
	if errs[0].Action != "#3" || !strings.Contains(errs[0].Message, "unreachable") {
		t.Errorf("finding = %+v", errs[0])
	}
}

// ─── Graph export ─────────────────────────────────────────────────────────────

func TestRecipeGraph(t *testing.T) {
	t.Parallel()
	loop := pipeline.NewAction("sigma_clip", pipeline.Ref("l1")).WithOutputs("clipped")
	loop.Until = "sigma_clip.rejected == 0"
	r := &pipeline.Recipe{Name: "kpf drp", Actions: []*pipeline.Action{
		pipeline.NewAction("read", "frame.fits").WithOutputs("l0"),
		nonFatal(pipeline.NewAction("extract", pipeline.Ref("l0")).WithOutputs("l1")),
		loop,
		pipeline.NewAction("exit_loop"),
	}}
	g, err := pipeline.RecipeGraph(r)
	if err != nil {
		t.Fatalf("RecipeGraph: %v", err)
	}
	dot := g.String()

	parsed, err := gographviz.Read([]byte(dot))
	if err != nil {
		t.Fatalf("output is not valid DOT: %v\n%s", err, dot)
	}
	if got := len(parsed.Nodes.Nodes); got != 4 {
		t.Errorf("nodes = %d, want 4", got)
	}
	// l0 -> extract, l1 -> sigma_clip, sigma_clip self-loop
	if got := len(parsed.Edges.Edges); got != 3 {
		t.Errorf("edges = %d, want 3\n%s", got, dot)
	}
	if !parsed.Directed {
		t.Error("graph is not directed")
	}
	for _, want := range []string{`"1: l0 = read(\"frame.fits\")"`, "dashed", "doublecircle", "dotted", `"until sigma_clip.rejected == 0"`} {
		if !strings.Contains(dot, want) {
			t.Errorf("DOT output missing %s:\n%s", want, dot)
		}
	}
}
