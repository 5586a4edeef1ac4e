package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/dataproduct"
)

const reduceRecipe = `
l0 = kpf0_from_file(config.ARGUMENT.input)
debiased = subtract_bias(l0)
flat = divide_flat(debiased)
l1 = extract_spectrum(flat, order_height=4)
`

// ─── Helpers ──────────────────────────────────────────────────────────────────

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := rootCmd()
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(t.Context())
	return out.String(), err
}

func filled(rows, cols int, v float64) *dataproduct.Image {
	im := dataproduct.NewImage(rows, cols)
	for i := range im.Pix {
		im.Pix[i] = v
	}
	return im
}

// writeFrame writes a GREEN 8x3 raw exposure and returns its path.
func writeFrame(t *testing.T, dir, name string, withFlat bool) string {
	t.Helper()
	l0 := dataproduct.NewLevel0()
	ch := &dataproduct.Channel{Raw: filled(8, 3, 10), Bias: filled(8, 3, 1)}
	if withFlat {
		ch.Flat = filled(8, 3, 2)
	}
	l0.Channels["GREEN"] = ch
	path := filepath.Join(dir, name)
	require.NoError(t, dataproduct.WriteFile(path, l0))
	return path
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

// ─── run ──────────────────────────────────────────────────────────────────────

func TestRun_Completed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := writeFrame(t, dir, "frame_L0.json", true)
	output := filepath.Join(dir, "frame_L1.json")
	dump := filepath.Join(dir, "context.json")
	recipe := writeFile(t, dir, "reduce.recipe", reduceRecipe+"to_file(l1, config.ARGUMENT.output)\n")

	out, err := execute(t, "run", recipe, "--input", input, "--set", "output="+output, "--dump", dump)
	require.NoError(t, err)
	assert.Contains(t, out, input+": completed (5 actions")

	prod, err := dataproduct.ReadFile(output)
	require.NoError(t, err)
	assert.Equal(t, dataproduct.Level1Tag, prod.Level())

	data, err := os.ReadFile(dump)
	require.NoError(t, err)
	var snap struct {
		Data map[string]any `json:"data"`
	}
	require.NoError(t, json.Unmarshal(data, &snap))
	assert.Contains(t, snap.Data, "l1")
	assert.Contains(t, snap.Data, "config.argument.output")
}

func TestRun_MissingFlatAborts(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := writeFrame(t, dir, "frame_L0.json", false)
	recipe := writeFile(t, dir, "reduce.recipe", reduceRecipe)

	out, err := execute(t, "run", recipe, "--input", input)
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, err.Error(), "no flat field")
	assert.Contains(t, out, "aborted")
	assert.Contains(t, out, "1 action(s) left pending")
}

func TestRun_ForceDegrades(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	input := writeFrame(t, dir, "frame_L0.json", false)
	recipe := writeFile(t, dir, "reduce.recipe", reduceRecipe)

	out, err := execute(t, "run", recipe, "--input", input, "--force")
	require.NoError(t, err)
	assert.Contains(t, out, "completed")
	assert.Contains(t, out, "divide_flat: completed [forced]")
}

func TestRun_ActionLimit(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	recipe := writeFile(t, dir, "spin.recipe", `set("n", 0, _loop=True)`+"\n")

	out, err := execute(t, "run", recipe, "--max-actions", "5")
	require.Error(t, err)
	assert.Equal(t, 3, exitCode(err))
	assert.Contains(t, out, "(no input): terminated_by_limit (5 actions")
}

func TestRun_ParseError(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	recipe := writeFile(t, dir, "broken.recipe", "x = no_such_step(1)\n")

	_, err := execute(t, "run", recipe)
	require.Error(t, err)
	assert.Equal(t, exitParse, exitCode(err))
	assert.Contains(t, err.Error(), "no_such_step")
}

func TestRun_SeveralInputs(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	a := writeFrame(t, dir, "a_L0.json", true)
	b := writeFrame(t, dir, "b_L0.json", true)
	recipe := writeFile(t, dir, "reduce.recipe", reduceRecipe)
	dump := filepath.Join(dir, "ctx.json")

	out, err := execute(t, "run", recipe, "-i", a, "-i", b, "--parallel", "2", "--dump", dump)
	require.NoError(t, err)
	assert.Contains(t, out, a+": completed")
	assert.Contains(t, out, b+": completed")
	for _, name := range []string{"ctx.a_L0.json", "ctx.b_L0.json"} {
		_, err := os.Stat(filepath.Join(dir, name))
		assert.NoError(t, err, name)
	}
}

func TestRun_BadFlags(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	recipe := writeFile(t, dir, "r.recipe", `set("n", 1)`+"\n")

	_, err := execute(t, "run", recipe, "--set", "novalue")
	assert.ErrorContains(t, err, "want key=value")

	_, err = execute(t, "run", recipe, "--parallel", "0")
	assert.ErrorContains(t, err, "--parallel")
}

func TestRun_MetricsTextfile(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	prom := filepath.Join(dir, "kpfpipe.prom")
	cfg := writeFile(t, dir, "kpfpipe.yaml", fmt.Sprintf(`
metrics:
  enabled: true
  namespace: kpfpipe
  textfile: %s
`, prom))
	recipe := writeFile(t, dir, "r.recipe", `set("n", 1)`+"\n")

	_, err := execute(t, "--config", cfg, "run", recipe)
	require.NoError(t, err)
	data, err := os.ReadFile(prom)
	require.NoError(t, err)
	assert.Contains(t, string(data), `kpfpipe_runs_total{status="completed"} 1`)
	assert.Contains(t, string(data), `kpfpipe_actions_total{primitive="set",state="completed"} 1`)
}

// ─── lint / graph ─────────────────────────────────────────────────────────────

func TestLint(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	recipe := writeFile(t, dir, "reduce.recipe", reduceRecipe)

	out, err := execute(t, "lint", recipe, "--input", "/data/frame_L0.json")
	require.NoError(t, err)
	assert.Contains(t, out, `OK: recipe "reduce" is valid (4 actions, 4 primitives)`)

	spin := writeFile(t, dir, "spin.recipe", `set("n", 0, _loop=True)`+"\n")
	out, err = execute(t, "lint", spin)
	require.Error(t, err)
	assert.Equal(t, 1, exitCode(err))
	assert.Contains(t, out, "loop without a stop condition")
}

func TestLint_MissingArgument(t *testing.T) {
	t.Parallel()
	recipe := writeFile(t, t.TempDir(), "reduce.recipe", reduceRecipe)
	_, err := execute(t, "lint", recipe)
	require.Error(t, err)
	assert.Equal(t, exitParse, exitCode(err))
}

func TestGraph(t *testing.T) {
	t.Parallel()
	recipe := writeFile(t, t.TempDir(), "reduce.recipe", reduceRecipe+`clipped = sigma_clip(l1, _until="rejected == 0", _fatal=False)`+"\n")

	out, err := execute(t, "graph", recipe, "-i", "/data/frame_L0.json")
	require.NoError(t, err)
	assert.Contains(t, out, "Recipe: reduce  (5 actions, 5 primitives)")
	assert.Contains(t, out, "subtract_bias")
	assert.Contains(t, out, "non-fatal,loop,until=rejected == 0")

	out, err = execute(t, "graph", recipe, "-i", "/data/frame_L0.json", "--format", "dot")
	require.NoError(t, err)
	assert.Contains(t, out, "digraph")
	assert.Contains(t, out, "debiased = subtract_bias(l0)")

	_, err = execute(t, "graph", recipe, "-i", "x", "--format", "svg")
	assert.ErrorContains(t, err, "unknown format")
}

// ─── history ──────────────────────────────────────────────────────────────────

func TestHistory(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	cfg := writeFile(t, dir, "kpfpipe.yaml", fmt.Sprintf("journal:\n  path: %s\n", filepath.Join(dir, "runs.db")))
	input := writeFrame(t, dir, "frame_L0.json", false)
	recipe := writeFile(t, dir, "reduce.recipe", reduceRecipe)

	_, err := execute(t, "--config", cfg, "run", recipe, "-i", input)
	require.Error(t, err)

	out, err := execute(t, "--config", cfg, "history")
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(out), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "aborted")
	assert.Contains(t, lines[0], "dispatched=3 pending=1")

	runID := strings.Fields(lines[0])[0]
	out, err = execute(t, "--config", cfg, "history", runID)
	require.NoError(t, err)
	assert.Contains(t, out, "kpf0_from_file")
	assert.Contains(t, out, "divide_flat")
	assert.Contains(t, out, "no flat field")

	_, err = execute(t, "--config", cfg, "history", "no-such-run")
	assert.ErrorContains(t, err, "no actions recorded")
}

func TestHistory_NoJournal(t *testing.T) {
	t.Parallel()
	_, err := execute(t, "history")
	assert.ErrorContains(t, err, "no journal configured")
}

// ─── watch ────────────────────────────────────────────────────────────────────

func TestWatcher_DebouncesMatchingFiles(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	seen := make(chan string, 8)
	w := &watcher{
		dir:     dir,
		pattern: "*_L0.json",
		delay:   50 * time.Millisecond,
		limit:   1,
		log:     zerolog.Nop(),
		handle:  func(_ context.Context, path string) { seen <- path },
	}
	ctx, cancel := context.WithCancel(t.Context())
	started := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, started) }()
	<-started

	writeFile(t, dir, "notes.txt", "ignored")
	path := writeFile(t, dir, "frame_L0.json", "{")
	require.NoError(t, os.WriteFile(path, []byte("{}"), 0o644))

	select {
	case got := <-seen:
		assert.Equal(t, path, got)
	case <-time.After(5 * time.Second):
		t.Fatal("settled file was not handled")
	}
	select {
	case got := <-seen:
		t.Errorf("unexpected second dispatch of %s", got)
	case <-time.After(200 * time.Millisecond):
	}

	cancel()
	require.NoError(t, <-done)
}

func TestWatcher_Seed(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	existing := writeFile(t, dir, "old_L0.json", "{}")
	writeFile(t, dir, "old.txt", "")
	seed, err := existingFiles(dir, "*_L0.json")
	require.NoError(t, err)
	require.Equal(t, []string{existing}, seed)

	seen := make(chan string, 1)
	w := &watcher{dir: dir, pattern: "*_L0.json", delay: time.Millisecond, limit: 1, log: zerolog.Nop(), seed: seed,
		handle: func(_ context.Context, path string) { seen <- path }}
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- w.run(ctx, nil) }()

	select {
	case got := <-seen:
		assert.Equal(t, existing, got)
	case <-time.After(5 * time.Second):
		t.Fatal("seeded file was not handled")
	}
	cancel()
	require.NoError(t, <-done)
}

func TestDebouncer_IgnoresStaleGeneration(t *testing.T) {
	t.Parallel()
	fired := make(chan settled, 4)
	d := newDebouncer(time.Millisecond, func(s settled) { fired <- s })
	defer d.stop()

	d.touch("/d/a_L0.json")
	stale := <-fired
	// The first timer fired but its delivery lost the race with a new write.
	d.touch("/d/a_L0.json")
	current := <-fired

	assert.False(t, d.settle(stale), "stale generation dispatched")
	assert.True(t, d.settle(current))
	assert.False(t, d.settle(current), "file dispatched twice")
}

func TestWatcher_MissingDir(t *testing.T) {
	t.Parallel()
	w := &watcher{dir: filepath.Join(t.TempDir(), "absent"), pattern: "*", limit: 1, log: zerolog.Nop()}
	assert.Error(t, w.run(t.Context(), nil))
}

// ─── Helpers under test ───────────────────────────────────────────────────────

func TestApplySets(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	require.NoError(t, applySets(cfg, []string{
		"input=/data/a.json", "nsigma=2.5", "debug=true", "sigma_clip.max_passes=3",
	}))
	assert.Equal(t, map[string]any{"input": "/data/a.json", "nsigma": 2.5, "debug": true}, cfg.Argument)
	assert.Equal(t, map[string]any{"max_passes": 3}, cfg.Modules["sigma_clip"])

	assert.Error(t, applySets(cfg, []string{"=1"}))
}

func TestDumpPath(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "", dumpPath("", "a.json", 2))
	assert.Equal(t, "ctx.json", dumpPath("ctx.json", "/d/a_L0.json", 1))
	assert.Equal(t, "out/ctx.a_L0.json", dumpPath("out/ctx.json", "/d/a_L0.json", 3))
}

func TestExitCode(t *testing.T) {
	t.Parallel()
	assert.Equal(t, 1, exitCode(errors.New("plain")))
	wrapped := fmt.Errorf("outer: %w", &exitError{code: 3, err: errors.New("limit")})
	assert.Equal(t, 3, exitCode(wrapped))
}
