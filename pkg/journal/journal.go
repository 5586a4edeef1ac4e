// Package journal records recipe runs and their action dispatches in a
// SQLite database.
package journal

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/rs/zerolog"

	// SQLite driver
	_ "modernc.org/sqlite"

	"github.com/ravi-parthasarathy/kpfpipe/pkg/pipeline"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout is fixed-width so that stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Run is one journaled recipe run.
type Run struct {
	ID         string
	Status     pipeline.TerminalStatus
	StartedAt  time.Time
	FinishedAt time.Time
	Dispatched int
	Pending    int
	Error      string
}

// Journal implements pipeline.Observer. Write failures are logged and never
// reach the driver.
type Journal struct {
	db  *sql.DB
	log zerolog.Logger
}

var _ pipeline.Observer = (*Journal)(nil)

// Open opens (creating if needed) the journal at path and applies pending
// migrations.
func Open(ctx context.Context, path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// Runs may finish concurrently; SQLite takes one writer at a time.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := migrateUp(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{db: db, log: zerolog.Nop()}, nil
}

func migrateUp(db *sql.DB) error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("journal migrations: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("journal migrations: %w", err)
	}
	return nil
}

// SetLogger sets where write failures are reported.
func (j *Journal) SetLogger(l zerolog.Logger) {
	j.log = l.With().Str("component", "journal").Logger()
}

// Close closes the database.
func (j *Journal) Close() error { return j.db.Close() }

func (j *Journal) RunStarted(ctx context.Context, runID string, at time.Time) {
	_, err := j.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO runs (id, started_at) VALUES (?, ?)`,
		runID, at.UTC().Format(timeLayout))
	if err != nil {
		j.log.Error().Err(err).Str("run_id", runID).Msg("journal: record run start")
	}
}

func (j *Journal) ActionFinished(ctx context.Context, runID string, rec pipeline.ActionRecord) {
	outputs, err := json.Marshal(rec.Outputs)
	if err != nil {
		j.log.Error().Err(err).Msg("journal: encode outputs")
		return
	}
	if rec.Outputs == nil {
		outputs = []byte("[]")
	}
	// The action that observed a cancellation is still recorded.
	_, err = j.db.ExecContext(context.WithoutCancel(ctx),
		`INSERT INTO actions (run_id, seq, primitive, outputs, pass, state, forced, reason, duration_ns)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, int64(rec.Seq), rec.Primitive, string(outputs), rec.Pass,
		string(rec.State), rec.Forced, rec.Reason, rec.Duration.Nanoseconds())
	if err != nil {
		j.log.Error().Err(err).Str("run_id", runID).Str("primitive", rec.Primitive).Msg("journal: record action")
	}
}

func (j *Journal) RunFinished(ctx context.Context, rep *pipeline.Report) {
	var msg string
	if rep.Err != nil {
		msg = rep.Err.Error()
	}
	// The run may have been cancelled; the final row is still worth writing.
	ctx = context.WithoutCancel(ctx)
	_, err := j.db.ExecContext(ctx,
		`UPDATE runs SET finished_at = ?, status = ?, dispatched = ?, pending = ?, error = ? WHERE id = ?`,
		time.Now().UTC().Format(timeLayout), string(rep.Status), rep.Dispatched, len(rep.Pending), msg, rep.RunID)
	if err != nil {
		j.log.Error().Err(err).Str("run_id", rep.RunID).Msg("journal: record run end")
	}
}

// Runs lists journaled runs, most recent first.
func (j *Journal) Runs(ctx context.Context) ([]Run, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, status, started_at, COALESCE(finished_at, ''), dispatched, pending, error
		 FROM runs ORDER BY started_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []Run
	for rows.Next() {
		var (
			r                 Run
			status            string
			started, finished string
		)
		if err := rows.Scan(&r.ID, &status, &started, &finished, &r.Dispatched, &r.Pending, &r.Error); err != nil {
			return nil, fmt.Errorf("list runs: %w", err)
		}
		r.Status = pipeline.TerminalStatus(status)
		if r.StartedAt, err = time.Parse(timeLayout, started); err != nil {
			return nil, fmt.Errorf("run %s: started_at: %w", r.ID, err)
		}
		if finished != "" {
			if r.FinishedAt, err = time.Parse(timeLayout, finished); err != nil {
				return nil, fmt.Errorf("run %s: finished_at: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Actions returns the dispatch records of a run in dispatch order.
func (j *Journal) Actions(ctx context.Context, runID string) ([]pipeline.ActionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, primitive, outputs, pass, state, forced, reason, duration_ns
		 FROM actions WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("list actions: %w", err)
	}
	defer rows.Close()

	var out []pipeline.ActionRecord
	for rows.Next() {
		var (
			rec      pipeline.ActionRecord
			seq      int64
			outputs  string
			state    string
			duration int64
		)
		if err := rows.Scan(&seq, &rec.Primitive, &outputs, &rec.Pass, &state, &rec.Forced, &rec.Reason, &duration); err != nil {
			return nil, fmt.Errorf("list actions: %w", err)
		}
		if err := json.Unmarshal([]byte(outputs), &rec.Outputs); err != nil {
			return nil, fmt.Errorf("action %d outputs: %w", seq, err)
		}
		if len(rec.Outputs) == 0 {
			rec.Outputs = nil
		}
		rec.Seq = uint64(seq)
		rec.State = pipeline.ActionState(state)
		rec.Duration = time.Duration(duration)
		out = append(out, rec)
	}
	return out, rows.Err()
}
