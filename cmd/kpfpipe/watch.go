package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/config"
	"github.com/ravi-parthasarathy/kpfpipe/pkg/telemetry"
)

type watchOptions struct {
	dir      string
	pattern  string
	debounce time.Duration
	parallel int
	existing bool
	sets     []string
}

func watchCmd(g *globalOptions) *cobra.Command {
	o := &watchOptions{}
	cmd := &cobra.Command{
		Use:   "watch <recipe>",
		Short: "Run a recipe on every new file that lands in a directory",
		Long: `Watch reduces each file created or rewritten in --dir whose name
matches --pattern. A file is picked up once it has been quiet for
--debounce. Runs until interrupted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return o.run(ctx, g, args[0], cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&o.dir, "dir", "d", ".", "directory to watch")
	f.StringVar(&o.pattern, "pattern", "*.json", "file name pattern")
	f.DurationVar(&o.debounce, "debounce", 500*time.Millisecond, "quiet period before a file is reduced")
	f.IntVarP(&o.parallel, "parallel", "j", 1, "files reduced concurrently")
	f.BoolVar(&o.existing, "existing", false, "also reduce matching files already in the directory")
	f.StringArrayVar(&o.sets, "set", nil, "override a value: key=value or module.key=value")
	return cmd
}

func (o *watchOptions) run(ctx context.Context, g *globalOptions, recipe string, out io.Writer) (err error) {
	if o.parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1, got %d", o.parallel)
	}
	if _, err := filepath.Match(o.pattern, ""); err != nil {
		return fmt.Errorf("--pattern: %w", err)
	}
	var setErr error
	a, err := newApp(ctx, g, func(cfg *config.Config) { setErr = applySets(cfg, o.sets) })
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
	log := telemetry.Component(a.log, "watch")

	if addr := a.cfg.Metrics.Listen; addr != "" && a.metrics.Enabled() {
		srv := &http.Server{Addr: addr, Handler: metricsMux(a), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Str("addr", addr).Msg("metrics server")
			}
		}()
		defer srv.Shutdown(context.WithoutCancel(ctx))
	}

	var mu sync.Mutex
	w := &watcher{
		dir:     o.dir,
		pattern: o.pattern,
		delay:   o.debounce,
		limit:   o.parallel,
		log:     log,
		handle: func(ctx context.Context, path string) {
			res, err := a.runOne(ctx, d, recipe, path, "")
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				fmt.Fprintf(out, "%s: %v\n", path, err)
				return
			}
			printResult(out, res)
		},
	}
	if o.existing {
		w.seed, err = existingFiles(o.dir, o.pattern)
		if err != nil {
			return err
		}
	}
	return w.run(ctx, nil)
}

func metricsMux(a *app) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", a.metrics.Handler())
	return mux
}

func existingFiles(dir, pattern string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read watch dir: %w", err)
	}
	var out []string
	for _, e := range entries {
		if e.Type().IsRegular() && matches(pattern, e.Name()) {
			out = append(out, filepath.Join(dir, e.Name()))
		}
	}
	return out, nil
}

func matches(pattern, name string) bool {
	ok, _ := filepath.Match(pattern, name)
	return ok
}

// watcher debounces filesystem events per file and hands each settled file
// to handle, at most limit at a time.
type watcher struct {
	dir     string
	pattern string
	delay   time.Duration
	limit   int
	log     zerolog.Logger
	seed    []string
	handle  func(ctx context.Context, path string)
}

// run blocks until ctx is done, then waits for in-flight handlers. When
// started is non-nil it is closed once the directory is being watched.
func (w *watcher) run(ctx context.Context, started chan<- struct{}) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer fw.Close()
	if err := fw.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}
	w.log.Info().Str("dir", w.dir).Str("pattern", w.pattern).Msg("watching")
	if started != nil {
		close(started)
	}

	var grp errgroup.Group
	grp.SetLimit(w.limit)
	dispatch := func(path string) {
		grp.Go(func() error {
			w.handle(ctx, path)
			return nil
		})
	}
	for _, path := range w.seed {
		dispatch(path)
	}

	ready := make(chan settled)
	deb := newDebouncer(w.delay, func(s settled) {
		select {
		case ready <- s:
		case <-ctx.Done():
		}
	})
	defer func() {
		deb.stop()
		_ = grp.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if !matches(w.pattern, filepath.Base(ev.Name)) {
				continue
			}
			deb.touch(ev.Name)
		case st := <-ready:
			if !deb.settle(st) {
				continue
			}
			w.log.Debug().Str("file", st.path).Msg("file settled")
			dispatch(st.path)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn().Err(err).Msg("watch error")
		}
	}
}

// settled reports that a file's quiet period elapsed for one generation.
type settled struct {
	path string
	gen  int
}

type pending struct {
	timer *time.Timer
	gen   int
}

// debouncer keeps one quiet-period timer per file. Every touch bumps the
// file's generation; a timer that fired for an older generation is stale
// even if its delivery raced a later touch.
type debouncer struct {
	delay  time.Duration
	fire   func(settled)
	timers map[string]*pending
}

func newDebouncer(delay time.Duration, fire func(settled)) *debouncer {
	return &debouncer{delay: delay, fire: fire, timers: make(map[string]*pending)}
}

func (d *debouncer) touch(path string) {
	p, ok := d.timers[path]
	if ok {
		p.timer.Stop()
	} else {
		p = &pending{}
		d.timers[path] = p
	}
	p.gen++
	st := settled{path: path, gen: p.gen}
	p.timer = time.AfterFunc(d.delay, func() { d.fire(st) })
}

// settle reports whether st is the file's current generation, and forgets
// the file if so.
func (d *debouncer) settle(st settled) bool {
	p, ok := d.timers[st.path]
	if !ok || p.gen != st.gen {
		return false
	}
	delete(d.timers, st.path)
	return true
}

func (d *debouncer) stop() {
	for _, p := range d.timers {
		p.timer.Stop()
	}
}
