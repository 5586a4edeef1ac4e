package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// ─── Helpers ──────────────────────────────────────────────────────────────────

// recipeRegistry knows a fixed set of primitive names; their factories return
// no-op primitives.
func recipeRegistry(names ...string) stubRegistry {
	reg := stubRegistry{}
	for _, n := range names {
		reg[n] = func(*pipeline.ProcessingContext, *pipeline.Invocation) (pipeline.Primitive, error) {
			return &stubPrimitive{}, nil
		}
	}
	return reg
}

func interpret(t *testing.T, in *pipeline.Interpreter, src string) *pipeline.Recipe {
	t.Helper()
	r, err := in.Interpret("test.recipe", []byte(src))
	if err != nil {
		t.Fatalf("Interpret: %v", err)
	}
	return r
}

func interpretErr(in *pipeline.Interpreter, src string) error {
	_, err := in.Interpret("test.recipe", []byte(src))
	return err
}

// argValues renders the positional arguments of an action for comparison.
func argValues(a *pipeline.Action) []string {
	out := make([]string, len(a.Args))
	for i, arg := range a.Args {
		out[i] = arg.String()
	}
	return out
}

func primitives(r *pipeline.Recipe) []string {
	out := make([]string, len(r.Actions))
	for i, a := range r.Actions {
		out[i] = a.Primitive
	}
	return out
}

// ─── Plan construction ────────────────────────────────────────────────────────

func TestInterpret_AssignmentsBecomeReferences(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{
		Registry: recipeRegistry("read_frame", "subtract_bias", "divide_flat"),
		Config: map[string]any{
			"ARGUMENT": map[string]any{"input": "/data/frame.fits"},
		},
	}
	r := interpret(t, in, `
load("kpf", "subtract_bias", bias="subtract_bias")
raw = read_frame(config.argument.input)
debiased = bias(raw, _priority=2)
divide_flat(debiased, floor=0.1)
`)
	if diff := cmp.Diff([]string{"read_frame", "subtract_bias", "divide_flat"}, primitives(r)); diff != "" {
		t.Fatalf("actions mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{`"/data/frame.fits"`}, argValues(r.Actions[0])); diff != "" {
		t.Errorf("read_frame args (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"raw"}, r.Actions[0].Outputs); diff != "" {
		t.Errorf("read_frame outputs (-want +got):\n%s", diff)
	}
	if !r.Actions[1].Args[0].IsRef() || r.Actions[1].Args[0].Ref != "raw" {
		t.Errorf("subtract_bias arg = %+v, want ref raw", r.Actions[1].Args[0])
	}
	if r.Actions[1].Priority != 2 {
		t.Errorf("priority = %d, want 2", r.Actions[1].Priority)
	}
	if got := r.Actions[2].Kwargs["floor"].Value; got != 0.1 {
		t.Errorf("floor = %v, want 0.1", got)
	}
	if len(r.Actions[2].Outputs) != 0 {
		t.Errorf("statement call has outputs %v", r.Actions[2].Outputs)
	}
	if diff := cmp.Diff([]string{"subtract_bias"}, r.Primitives); diff != "" {
		t.Errorf("declared primitives (-want +got):\n%s", diff)
	}
	if r.Name != "test" {
		t.Errorf("Name = %q, want test", r.Name)
	}
	if !strings.HasPrefix(r.Actions[1].Pos, "test.recipe:4:") {
		t.Errorf("Pos = %q", r.Actions[1].Pos)
	}
	for _, a := range r.Actions {
		if !a.Fatal {
			t.Errorf("%s: actions are fatal by default", a.Primitive)
		}
	}
}

func TestInterpret_TupleOutputs(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{Registry: recipeRegistry("split_frame", "use")}
	r := interpret(t, in, `
sci, _ = split_frame("f.fits")
use(sci)
`)
	if diff := cmp.Diff([]string{"sci", "_"}, r.Actions[0].Outputs); diff != "" {
		t.Errorf("outputs (-want +got):\n%s", diff)
	}
	if r.Actions[1].Args[0].Ref != "sci" {
		t.Errorf("use arg = %+v", r.Actions[1].Args[0])
	}
}

func TestInterpret_ForAndIfAreUnrolled(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{Registry: recipeRegistry("extract")}
	r := interpret(t, in, `
fibers = ["SCI1", "SKY", "SCI2", "CAL", "SCI3"]
for fiber in fibers:
    if fiber == "SKY":
        continue
    if fiber == "CAL":
        break
    extract(fiber=fiber)
for i in range(2):
    extract(i)
`)
	var got []string
	for _, a := range r.Actions {
		if kw, ok := a.Kwargs["fiber"]; ok {
			got = append(got, kw.Value.(string))
		} else {
			got = append(got, fmt.Sprint(a.Args[0].Value))
		}
	}
	if diff := cmp.Diff([]string{"SCI1", "SCI2", "0", "1"}, got); diff != "" {
		t.Errorf("unrolled actions (-want +got):\n%s", diff)
	}
}

func TestInterpret_EngineKeywords(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{Registry: recipeRegistry("sigma_clip", "optional")}
	r := interpret(t, in, `
clipped = sigma_clip("x", _until="sigma_clip.rejected == 0", _priority=-1)
optional(clipped, _fatal=False, _loop=True)
`)
	a := r.Actions[0]
	if !a.Loop || a.Until != "sigma_clip.rejected == 0" || a.Priority != -1 {
		t.Errorf("sigma_clip action = %+v", a)
	}
	if len(a.Kwargs) != 0 {
		t.Errorf("engine keywords leaked into kwargs: %v", a.Kwargs)
	}
	b := r.Actions[1]
	if b.Fatal || !b.Loop || b.Until != "" {
		t.Errorf("optional action = %+v", b)
	}
}

func TestInterpret_Expressions(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{
		Registry: recipeRegistry("record"),
		Env:      map[string]string{"DATA_DIR": "/data"},
	}
	r := interpret(t, in, `
name = "frame_%d.fits" % 7
stem = splitext(name)[0]
path = join(DATA_DIR, "L0", name)
n = len([1, 2, 3]) * 2
n += 1
q = -7 // 2
m = -7 % 3
half = 7 / 2
parts = "a,b,c".split(",")
last = parts[-1].upper()
evens = [x for x in range(6) if x % 2 == 0]
label = "big" if n > 5 else "small"
has = "b" in parts
text = str(1.0) + "/" + str(True)
record(name, stem, path, n, q, m, half, last, evens, label, has, text)
`)
	got := make([]any, len(r.Actions[0].Args))
	for i, a := range r.Actions[0].Args {
		got[i] = a.Value
	}
	want := []any{
		"frame_7.fits", "frame_7", "/data/L0/frame_7.fits",
		7, -4, 2, 3.5, "C", []any{0, 2, 4}, "big", true, "1.0/True",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("evaluated args (-want +got):\n%s", diff)
	}
}

func TestInterpret_FindFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	for _, name := range []string{"b.fits", "a.fits", "notes.txt"} {
		if err := os.WriteFile(filepath.Join(dir, name), nil, 0o644); err != nil {
			t.Fatal(err)
		}
	}
	in := &pipeline.Interpreter{
		Registry: recipeRegistry("reduce"),
		Env:      map[string]string{"DIR": dir},
	}
	r := interpret(t, in, `
for f in find_files(join(DIR, "*.fits")):
    reduce(basename(f))
`)
	var got []any
	for _, a := range r.Actions {
		got = append(got, a.Args[0].Value)
	}
	if diff := cmp.Diff([]any{"a.fits", "b.fits"}, got); diff != "" {
		t.Errorf("files (-want +got):\n%s", diff)
	}
}

func TestInterpret_Subrecipe(t *testing.T) {
	t.Parallel()
	files := map[string]string{
		"/recipes/main.recipe": `
raw = read_frame("f.fits")
invoke_subrecipe("calib.recipe")
extract(flat)
`,
		"/recipes/calib.recipe": `
flat = divide_flat(raw)
`,
	}
	in := &pipeline.Interpreter{
		Registry: recipeRegistry("read_frame", "divide_flat", "extract"),
		ReadFile: func(path string) ([]byte, error) {
			src, ok := files[path]
			if !ok {
				return nil, os.ErrNotExist
			}
			return []byte(src), nil
		},
	}
	r, err := in.InterpretFile("/recipes/main.recipe")
	if err != nil {
		t.Fatalf("InterpretFile: %v", err)
	}
	if diff := cmp.Diff([]string{"read_frame", "divide_flat", "extract"}, primitives(r)); diff != "" {
		t.Fatalf("actions (-want +got):\n%s", diff)
	}
	if r.Actions[1].Args[0].Ref != "raw" || r.Actions[2].Args[0].Ref != "flat" {
		t.Errorf("sub-recipe names not shared: %v / %v", r.Actions[1].Args, r.Actions[2].Args)
	}
	if !strings.HasPrefix(r.Actions[1].Pos, "/recipes/calib.recipe:") {
		t.Errorf("sub-recipe action Pos = %q", r.Actions[1].Pos)
	}
}

func TestInterpret_SubrecipeDepthLimit(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{
		Registry: recipeRegistry("noop"),
		ReadFile: func(string) ([]byte, error) {
			return []byte(`invoke_subrecipe("self.recipe")`), nil
		},
	}
	_, err := in.InterpretFile("/r/self.recipe")
	var perr *pipeline.ParseError
	if !errors.As(err, &perr) || !strings.Contains(perr.Msg, "nested deeper") {
		t.Fatalf("err = %v, want depth ParseError", err)
	}
}

func TestInterpret_SubrecipeMissingFile(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{
		Registry: recipeRegistry(),
		ReadFile: func(string) ([]byte, error) { return nil, os.ErrNotExist },
	}
	err := interpretErr(in, `invoke_subrecipe("gone.recipe")`)
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("err = %v, want wrapped ErrNotExist", err)
	}
}

// ─── Rejected recipes ─────────────────────────────────────────────────────────

func TestInterpret_ParseErrors(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{Registry: recipeRegistry("step")}
	tests := []struct {
		name string
		src  string
		msg  string
	}{
		{"syntax", "x = (\n", ""},
		{"while", "while True:\n    step()\n", "while loops"},
		{"def", "def f():\n    pass\n", "function definitions"},
		{"primitive in expression", "x = [step()]\n", "must be called as a statement"},
		{"late value in if", "x = step()\nif x:\n    pass\n", "only known when the pipeline runs"},
		{"late value in arithmetic", "x = step()\ny = x + 1\n", "only known when the pipeline runs"},
		{"undefined name", "step(nowhere)\n", "not defined"},
		{"bad until", "step(_until=\"n >\")\n", "_until"},
		{"bad priority", "step(_priority=\"high\")\n", "_priority"},
		{"unknown engine keyword", "step(_bogus=1)\n", "unknown engine keyword"},
		{"positional after keyword", "step(a=1, 2)\n", ""},
		{"repeated keyword", "step(a=1, a=2)\n", ""},
		{"break outside loop", "if True:\n    break\n", ""},
		{"unpack mismatch", "a, b = [1, 2, 3]\n", "cannot unpack"},
		{"not callable", "x = 1\ny = x()\n", "not callable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := interpretErr(in, tt.src)
			var perr *pipeline.ParseError
			if !errors.As(err, &perr) {
				t.Fatalf("err = %v (%T), want ParseError", err, err)
			}
			if tt.msg != "" && !strings.Contains(err.Error(), tt.msg) {
				t.Errorf("err = %q, want it to mention %q", err, tt.msg)
			}
		})
	}
}

func TestInterpret_UnknownPrimitive(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{Registry: recipeRegistry("step")}
	for _, src := range []string{
		`load("kpf", "nonexistent")`,
		`x = nonexistent(1)`,
		`nonexistent()`,
	} {
		err := interpretErr(in, src)
		var unknown *pipeline.UnknownPrimitiveError
		if !errors.As(err, &unknown) || unknown.Name != "nonexistent" {
			t.Errorf("%s: err = %v, want UnknownPrimitiveError", src, err)
		}
	}
}

func TestInterpret_NilRegistry(t *testing.T) {
	t.Parallel()
	if err := interpretErr(&pipeline.Interpreter{}, "x = 1"); err == nil {
		t.Error("expected error for nil registry")
	}
}

func TestInterpret_VariableShadowsPrimitive(t *testing.T) {
	t.Parallel()
	in := &pipeline.Interpreter{Registry: recipeRegistry("step")}
	r := interpret(t, in, `
step = "not a primitive"
name = step.upper()
`)
	if len(r.Actions) != 0 {
		t.Errorf("actions = %d, want 0", len(r.Actions))
	}
}

// ─── End to end ───────────────────────────────────────────────────────────────

func TestInterpret_PlanRunsOnDriver(t *testing.T) {
	t.Parallel()
	reg := stubRegistry{
		"make": func(_ *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
			n, err := inv.Args.Int(0, "", 0)
			if err != nil {
				return nil, err
			}
			return &stubPrimitive{perform: func(context.Context) (pipeline.Result, error) {
				return pipeline.Result{Value: n * 10}, nil
			}}, nil
		},
		"add": func(_ *pipeline.ProcessingContext, inv *pipeline.Invocation) (pipeline.Primitive, error) {
			a, err := inv.Args.Int(0, "", 0)
			if err != nil {
				return nil, err
			}
			b, err := inv.Args.Int(1, "other", 0)
			if err != nil {
				return nil, err
			}
			return &stubPrimitive{perform: func(context.Context) (pipeline.Result, error) {
				return pipeline.Result{Value: a + b}, nil
			}}, nil
		},
	}
	r := interpret(t, &pipeline.Interpreter{Registry: reg}, `
x = make(1)
y = make(2)
total = add(x, other=y)
`)
	pctx := pipeline.NewProcessingContext()
	if _, err := newDriver(t, reg, 0).Run(context.Background(), r.Actions, pctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if v, _ := pctx.Get("total"); v != 30 {
		t.Errorf("total = %v, want 30", v)
	}
}
