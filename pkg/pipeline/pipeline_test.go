package pipeline_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

// ─── Condition evaluator tests ────────────────────────────────────────────────

func TestEvalCondition(t *testing.T) {
	t.Parallel()
	snap := map[string]any{
		"status":           "ok",
		"count":            3,
		"ratio":            0.25,
		"flag":             true,
		"off":              false,
		"sigma_clip.count": "7",
		"one":              1.0,
		"tiny":             1e-4,
	}
	tests := []struct {
		cond string
		want bool
	}{
		{"status == 'ok'", true},
		{"status == 'fail'", false},
		{"status != 'fail'", true},
		{"flag", true},
		{"!flag", false},
		{"off", false},
		{"missing", false},
		{"!missing", true},
		{"status == 'ok' && flag", true},
		{"status == 'fail' || flag", true},
		{"status == 'fail' || missing", false},
		{"(status == 'ok')", true},
		{"count == 3", true},
		{"count >= 3", true},
		{"count > 3", false},
		{"ratio < 0.5", true},
		{"ratio <= -1", false},
		{"sigma_clip.count > 5", true},
		{"missing < 10", false},
		{"one == 1.0", true},
		{"one == 1", true},
		{"one != 1.0", false},
		{"count == 3.0", true},
		{"sigma_clip.count == 7", true},
		{"tiny < 1e-3", true},
		{"tiny > 1E-5", true},
		{"ratio == 2.5e-1", true},
		{"count < 1e+1", true},
	}
	for _, tt := range tests {
		t.Run(tt.cond, func(t *testing.T) {
			got, err := pipeline.EvalCondition(tt.cond, snap)
			if err != nil {
				t.Fatalf("EvalCondition(%q): %v", tt.cond, err)
			}
			if got != tt.want {
				t.Errorf("EvalCondition(%q) = %v, want %v", tt.cond, got, tt.want)
			}
		})
	}
}

func TestEvalCondition_ParseError(t *testing.T) {
	t.Parallel()
	for _, cond := range []string{"(unclosed", "count > many", "a b", "", "count > 1e"} {
		if _, err := pipeline.EvalCondition(cond, map[string]any{}); err == nil {
			t.Errorf("EvalCondition(%q): expected error", cond)
		}
	}
}

func TestConditionKeys(t *testing.T) {
	t.Parallel()
	keys, err := pipeline.ConditionKeys("a == 1 || (!b && c.d > 2)")
	if err != nil {
		t.Fatalf("ConditionKeys: %v", err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c.d"}, keys); diff != "" {
		t.Errorf("keys mismatch (-want +got):\n%s", diff)
	}
}

// ─── ProcessingContext tests ──────────────────────────────────────────────────

func TestProcessingContext_SetGet(t *testing.T) {
	t.Parallel()
	pctx := pipeline.NewProcessingContext()
	pctx.Set("key", "value")
	pctx.Set("n", 4)
	if got := pctx.GetString("key"); got != "value" {
		t.Errorf("GetString = %q, want %q", got, "value")
	}
	if got := pctx.GetString("n"); got != "4" {
		t.Errorf("GetString(n) = %q, want %q", got, "4")
	}
	if got := pctx.GetString("absent"); got != "" {
		t.Errorf("GetString(absent) = %q, want empty", got)
	}
	pctx.Delete("key")
	if _, ok := pctx.Get("key"); ok {
		t.Error("key still present after Delete")
	}
	if diff := cmp.Diff([]string{"n"}, pctx.Keys()); diff != "" {
		t.Errorf("Keys mismatch (-want +got):\n%s", diff)
	}
}

func TestProcessingContext_Copy(t *testing.T) {
	t.Parallel()
	pctx := pipeline.NewProcessingContext()
	pctx.Set("a", "1")
	pctx.SetForce(true)
	pctx.RecordFailure(pipeline.FailureRecord{Primitive: "x", State: pipeline.StateSkipped, Reason: "r"})

	c := pctx.Copy()
	c.Set("a", "2")
	c.Set("b", "3")
	if pctx.GetString("a") != "1" {
		t.Errorf("parent a = %q, want 1", pctx.GetString("a"))
	}
	if _, ok := pctx.Get("b"); ok {
		t.Error("copy write leaked into parent")
	}
	if !c.Force() {
		t.Error("copy lost force flag")
	}
	if len(c.Failures()) != 0 {
		t.Errorf("copy failures = %d, want 0", len(c.Failures()))
	}
}

func TestOwnedKeys(t *testing.T) {
	t.Parallel()
	key := pipeline.OwnedKey("sigma_clip", "rejected")
	if key != "sigma_clip.rejected" {
		t.Errorf("OwnedKey = %q", key)
	}
	if got := pipeline.Owner(key); got != "sigma_clip" {
		t.Errorf("Owner = %q, want sigma_clip", got)
	}
	if got := pipeline.Owner("bare"); got != "" {
		t.Errorf("Owner(bare) = %q, want empty", got)
	}
	if got := pipeline.ConfigKey("ARGUMENT", "input"); got != "config.argument.input" {
		t.Errorf("ConfigKey = %q", got)
	}
}

func TestProcessingContext_ModuleConfig(t *testing.T) {
	t.Parallel()
	pctx := pipeline.NewProcessingContext()
	if pctx.ModuleConfig("divide_flat") != nil {
		t.Error("expected nil module config")
	}
	pctx.Set("config.modules.divide_flat", map[string]any{"floor": 0.1})
	if got := pctx.ModuleConfig("divide_flat")["floor"]; got != 0.1 {
		t.Errorf("floor = %v, want 0.1", got)
	}
}

func TestProcessingContext_WriteSnapshot(t *testing.T) {
	t.Parallel()
	pctx := pipeline.NewProcessingContext()
	l0 := dataproduct.NewLevel0()
	l0.Channels["GREEN"] = &dataproduct.Channel{Raw: dataproduct.NewImage(2, 2)}
	pctx.Set("l0", l0)
	pctx.Set("name", "frame")
	pctx.RecordFailure(pipeline.FailureRecord{Seq: 2, Primitive: "divide_flat", State: pipeline.StateAborted, Reason: "no flat"})

	path := filepath.Join(t.TempDir(), "snap.json")
	pending := []*pipeline.Action{pipeline.NewAction("extract_spectrum", pipeline.Ref("l0")).WithOutputs("l1")}
	if err := pctx.WriteSnapshot(path, pending); err != nil {
		t.Fatalf("WriteSnapshot: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var got struct {
		Data     map[string]any           `json:"data"`
		Failures []pipeline.FailureRecord `json:"failures"`
		Pending  []string                 `json:"pending"`
	}
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	summary, ok := got.Data["l0"].(map[string]any)
	if !ok || summary["level"] != "L0" {
		t.Errorf("l0 summary = %v", got.Data["l0"])
	}
	if got.Data["name"] != "frame" {
		t.Errorf("name = %v", got.Data["name"])
	}
	if len(got.Failures) != 1 || got.Failures[0].Primitive != "divide_flat" {
		t.Errorf("failures = %+v", got.Failures)
	}
	if diff := cmp.Diff([]string{"l1 = extract_spectrum(l0)"}, got.Pending); diff != "" {
		t.Errorf("pending mismatch (-want +got):\n%s", diff)
	}
}

// ─── Action queue tests ───────────────────────────────────────────────────────

func popAll(q *pipeline.ActionQueue) []string {
	var out []string
	for {
		a, ok := q.Pop()
		if !ok {
			return out
		}
		out = append(out, a.Primitive)
	}
}

func TestActionQueue_PriorityThenFIFO(t *testing.T) {
	t.Parallel()
	q := pipeline.NewActionQueue()
	q.Push(pipeline.NewAction("c"), 5)
	q.Push(pipeline.NewAction("a"), 0)
	q.Push(pipeline.NewAction("d"), 5)
	q.Push(pipeline.NewAction("b"), 0)
	q.Push(pipeline.NewAction("urgent"), -1)

	var pending []string
	for _, a := range q.Pending() {
		pending = append(pending, a.Primitive)
	}
	want := []string{"urgent", "a", "b", "c", "d"}
	if diff := cmp.Diff(want, pending); diff != "" {
		t.Errorf("Pending mismatch (-want +got):\n%s", diff)
	}
	if q.Len() != 5 {
		t.Errorf("Pending must not consume: Len = %d", q.Len())
	}
	if diff := cmp.Diff(want, popAll(q)); diff != "" {
		t.Errorf("Pop order mismatch (-want +got):\n%s", diff)
	}
}

func TestActionQueue_EmptyPop(t *testing.T) {
	t.Parallel()
	q := pipeline.NewActionQueue()
	if a, ok := q.Pop(); ok || a != nil {
		t.Errorf("Pop on empty queue = %v, %v", a, ok)
	}
}

func TestActionQueue_ReinsertKeepsSlot(t *testing.T) {
	t.Parallel()
	q := pipeline.NewActionQueue()
	q.Push(pipeline.NewAction("loop"), 0)
	q.Push(pipeline.NewAction("next"), 0)

	a, _ := q.Pop()
	q.Reinsert(a)
	if diff := cmp.Diff([]string{"loop", "next"}, popAll(q)); diff != "" {
		t.Errorf("reinserted action lost its slot (-want +got):\n%s", diff)
	}
}

func TestActionQueue_Clear(t *testing.T) {
	t.Parallel()
	q := pipeline.NewActionQueue()
	q.PushAll([]*pipeline.Action{pipeline.NewAction("a"), pipeline.NewAction("b")})
	q.Clear()
	if q.Len() != 0 {
		t.Errorf("Len after Clear = %d", q.Len())
	}
}

func TestActionString(t *testing.T) {
	t.Parallel()
	a := pipeline.NewAction("extract_spectrum", pipeline.Ref("l0"), 3).
		WithOutputs("l1", "_").
		WithKwarg("fiber", "SCI")
	if got, want := a.String(), `l1, _ = extract_spectrum(l0, 3, fiber="SCI")`; got != want {
		t.Errorf("String = %s, want %s", got, want)
	}
	c := a.Clone()
	c.Outputs[0] = "other"
	c.Kwargs["fiber"] = pipeline.Lit("SKY")
	if a.Outputs[0] != "l1" || a.Kwargs["fiber"].Value != "SCI" {
		t.Error("Clone shares state with original")
	}
	if diff := cmp.Diff([]string{"l0"}, a.Refs()); diff != "" {
		t.Errorf("Refs mismatch (-want +got):\n%s", diff)
	}
}

// ─── Status tests ─────────────────────────────────────────────────────────────

func TestCanTransition(t *testing.T) {
	t.Parallel()
	allowed := [][2]pipeline.ActionState{
		{pipeline.StatePending, pipeline.StateValidating},
		{pipeline.StateValidating, pipeline.StateExecuting},
		{pipeline.StateValidating, pipeline.StateValidationFailed},
		{pipeline.StateValidationFailed, pipeline.StateForced},
		{pipeline.StateValidationFailed, pipeline.StateSkipped},
		{pipeline.StateForced, pipeline.StateExecuting},
		{pipeline.StateExecuting, pipeline.StateFailed},
		{pipeline.StateFailed, pipeline.StateContinued},
		{pipeline.StateCompleted, pipeline.StatePending},
	}
	for _, e := range allowed {
		if !pipeline.CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be allowed", e[0], e[1])
		}
	}
	denied := [][2]pipeline.ActionState{
		{pipeline.StatePending, pipeline.StateExecuting},
		{pipeline.StateSkipped, pipeline.StatePending},
		{pipeline.StateAborted, pipeline.StateExecuting},
		{pipeline.StateValidating, pipeline.StateCompleted},
	}
	for _, e := range denied {
		if pipeline.CanTransition(e[0], e[1]) {
			t.Errorf("%s -> %s should be denied", e[0], e[1])
		}
	}
}

func TestExitCodes(t *testing.T) {
	t.Parallel()
	want := map[pipeline.TerminalStatus]int{
		pipeline.StatusCompleted:           0,
		pipeline.StatusTerminatedByRequest: 0,
		pipeline.StatusAborted:             1,
		pipeline.StatusTerminatedByLimit:   3,
		pipeline.StatusCancelled:           130,
	}
	for s, code := range want {
		if got := s.ExitCode(); got != code {
			t.Errorf("%s.ExitCode() = %d, want %d", s, got, code)
		}
	}
}
