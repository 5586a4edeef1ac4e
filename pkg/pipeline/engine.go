package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultMaxActions bounds a run when DriverOptions.MaxActions is zero.
const DefaultMaxActions = 10000

// Observer receives run lifecycle events. Implementations must not block for
// long; they run on the driver goroutine.
type Observer interface {
	RunStarted(ctx context.Context, runID string, at time.Time)
	ActionFinished(ctx context.Context, runID string, rec ActionRecord)
	RunFinished(ctx context.Context, rep *Report)
}

// DriverOptions configures a Driver.
type DriverOptions struct {
	// MaxActions is the dispatch budget of one run.
	MaxActions int
	Logger     *zerolog.Logger
	Tracer     trace.Tracer
	Observers  []Observer
}

// Driver drains an action queue against one processing context.
type Driver struct {
	reg        Registry
	maxActions int
	log        zerolog.Logger
	tracer     trace.Tracer
	observers  []Observer
}

// NewDriver creates a Driver that resolves primitives through reg.
func NewDriver(reg Registry, opts DriverOptions) (*Driver, error) {
	if reg == nil {
		return nil, fmt.Errorf("primitive registry must not be nil")
	}
	if opts.MaxActions < 0 {
		return nil, fmt.Errorf("max actions must not be negative, got %d", opts.MaxActions)
	}
	d := &Driver{
		reg:        reg,
		maxActions: opts.MaxActions,
		log:        zerolog.Nop(),
		tracer:     opts.Tracer,
		observers:  opts.Observers,
	}
	if d.maxActions == 0 {
		d.maxActions = DefaultMaxActions
	}
	if opts.Logger != nil {
		d.log = opts.Logger.With().Str("component", "driver").Logger()
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer("kpfpipe/pipeline")
	}
	return d, nil
}

// MaxActions returns the dispatch budget of a run.
func (d *Driver) MaxActions() int { return d.maxActions }

// ActionRecord describes one dispatch of an action.
type ActionRecord struct {
	Seq       uint64        `json:"seq"`
	Primitive string        `json:"primitive"`
	Outputs   []string      `json:"outputs,omitempty"`
	Pass      int           `json:"pass"`
	State     ActionState   `json:"state"`
	Forced    bool          `json:"forced,omitempty"`
	Reason    string        `json:"reason,omitempty"`
	Duration  time.Duration `json:"duration"`
}

// Report is the outcome of a run.
type Report struct {
	RunID      string
	Status     TerminalStatus
	Dispatched int
	Err        error
	Records    []ActionRecord
	// Pending is the queue as it stood when the run ended.
	Pending []*Action
	Elapsed time.Duration
}

// Invocations counts the dispatches of a primitive.
func (r *Report) Invocations(primitive string) int {
	n := 0
	for _, rec := range r.Records {
		if rec.Primitive == primitive {
			n++
		}
	}
	return n
}

// Run pushes actions onto a fresh queue and drains it. The actions are
// cloned, so the same plan may be run again or concurrently against another
// context. The returned error is Report.Err.
func (d *Driver) Run(ctx context.Context, actions []*Action, pctx *ProcessingContext) (*Report, error) {
	if pctx == nil {
		return nil, fmt.Errorf("processing context must not be nil")
	}
	rep := &Report{RunID: uuid.NewString()}
	start := time.Now()
	log := d.log.With().Str("run_id", rep.RunID).Logger()

	q := NewActionQueue()
	for _, a := range actions {
		c := a.Clone()
		q.Push(c, c.Priority)
	}

	ctx, span := d.tracer.Start(ctx, "pipeline.run",
		trace.WithAttributes(
			attribute.String("run.id", rep.RunID),
			attribute.Int("run.actions", len(actions)),
		))
	defer span.End()

	for _, o := range d.observers {
		o.RunStarted(ctx, rep.RunID, start)
	}
	log.Info().Int("actions", q.Len()).Bool("force", pctx.Force()).Int("max_actions", d.maxActions).Msg("run started")

	rep.Status = StatusCompleted
loop:
	for {
		// Cancellation is honoured between actions only.
		if err := ctx.Err(); err != nil {
			rep.Status = StatusCancelled
			rep.Err = fmt.Errorf("run cancelled after %d actions: %w", rep.Dispatched, err)
			break
		}
		a, ok := q.Pop()
		if !ok {
			break
		}
		if rep.Dispatched >= d.maxActions {
			q.Reinsert(a)
			rep.Status = StatusTerminatedByLimit
			rep.Err = &LimitExceededError{Limit: d.maxActions, Pending: q.Pending()}
			break
		}
		rep.Dispatched++

		rec, out := d.dispatch(ctx, log, a, pctx, q)
		rep.Records = append(rep.Records, rec)
		for _, o := range d.observers {
			o.ActionFinished(ctx, rep.RunID, rec)
		}
		switch {
		case out.exit:
			rep.Status = StatusTerminatedByRequest
			break loop
		case out.err != nil:
			rep.Status = StatusAborted
			rep.Err = out.err
			break loop
		}
	}

	rep.Pending = q.Pending()
	rep.Elapsed = time.Since(start)
	span.SetAttributes(
		attribute.String("run.status", string(rep.Status)),
		attribute.Int("run.dispatched", rep.Dispatched),
	)
	if rep.Err != nil {
		span.RecordError(rep.Err)
		span.SetStatus(codes.Error, string(rep.Status))
	}

	ev := log.Info()
	if rep.Err != nil {
		ev = log.Error().Err(rep.Err)
	}
	ev.Str("status", string(rep.Status)).
		Int("dispatched", rep.Dispatched).
		Int("pending", len(rep.Pending)).
		Dur("elapsed", rep.Elapsed).
		Msg("run finished")

	for _, o := range d.observers {
		o.RunFinished(ctx, rep)
	}
	return rep, rep.Err
}

// outcome tells the run loop how a dispatch ended.
type outcome struct {
	exit bool
	err  error
}

// tracker walks one dispatch through the action state machine.
type tracker struct {
	log   zerolog.Logger
	state ActionState
}

func (t *tracker) to(s ActionState) {
	if !CanTransition(t.state, s) {
		t.log.Error().Str("from", string(t.state)).Str("to", string(s)).Msg("illegal action state transition")
	}
	t.state = s
}

// dispatch runs one action through validation and execution, writes its
// outputs, pushes spawned actions and re-enqueues it when it loops.
func (d *Driver) dispatch(ctx context.Context, runLog zerolog.Logger, a *Action, pctx *ProcessingContext, q *ActionQueue) (ActionRecord, outcome) {
	start := time.Now()
	log := runLog.With().Str("primitive", a.Primitive).Uint64("seq", a.Seq).Int("pass", a.Pass).Logger()
	rec := ActionRecord{Seq: a.Seq, Primitive: a.Primitive, Outputs: a.Outputs, Pass: a.Pass}
	tr := &tracker{log: log, state: StatePending}

	ctx, span := d.tracer.Start(ctx, "action "+a.Primitive,
		trace.WithAttributes(
			attribute.String("action.primitive", a.Primitive),
			attribute.Int64("action.seq", int64(a.Seq)),
			attribute.Int("action.pass", a.Pass),
			attribute.Int("action.priority", a.Priority),
		))
	defer span.End()

	finish := func(reason error) ActionRecord {
		rec.State = tr.state
		rec.Duration = time.Since(start)
		if reason != nil && rec.Reason == "" {
			rec.Reason = reason.Error()
		}
		span.SetAttributes(attribute.String("action.state", string(rec.State)))
		return rec
	}
	fail := func(reason error) {
		pctx.RecordFailure(FailureRecord{
			Seq: a.Seq, Primitive: a.Primitive, Outputs: a.Outputs,
			Pass: a.Pass, State: tr.state, Reason: reason.Error(),
		})
		span.RecordError(reason)
	}

	if pctx.Verbose() {
		log.Info().Str("action", a.String()).Msg("dispatching action")
	} else {
		log.Debug().Str("action", a.String()).Msg("dispatching action")
	}

	tr.to(StateValidating)
	prim, verr := d.construct(pctx, a)
	if verr == nil {
		verr = prim.Valid()
	}
	if verr != nil {
		tr.to(StateValidationFailed)
		var unknown *UnknownPrimitiveError
		switch {
		case prim != nil && pctx.Force() && !errors.As(verr, &unknown):
			tr.to(StateForced)
			fail(verr)
			rec.Forced = true
			rec.Reason = verr.Error()
			log.Warn().Err(verr).Msg("validation failed; forcing execution")
		case !a.Fatal:
			tr.to(StateSkipped)
			fail(verr)
			log.Warn().Err(verr).Msg("validation failed; action skipped")
			return finish(verr), outcome{}
		default:
			tr.to(StateAborted)
			fail(verr)
			span.SetStatus(codes.Error, "validation failed")
			return finish(verr), outcome{err: &ValidationError{Action: a.String(), Reason: verr}}
		}
	}

	tr.to(StateExecuting)
	res, perr := prim.Perform(ctx)
	if perr == nil {
		perr = writeOutputs(pctx, a.Outputs, res.Value)
	}
	if perr != nil {
		var exit ExitSignal
		if errors.As(perr, &exit) {
			tr.to(StateCompleted)
			log.Info().Msg("exit requested")
			return finish(nil), outcome{exit: true}
		}
		tr.to(StateFailed)
		if !a.Fatal {
			tr.to(StateContinued)
			fail(perr)
			log.Warn().Err(perr).Msg("action failed; continuing")
			return finish(perr), outcome{}
		}
		tr.to(StateAborted)
		fail(perr)
		span.SetStatus(codes.Error, "execution failed")
		err := perr
		var execErr *ExecutionError
		if !errors.As(perr, &execErr) {
			err = &ExecutionError{Action: a.String(), Err: perr}
		}
		return finish(perr), outcome{err: err}
	}
	tr.to(StateCompleted)

	for _, s := range res.Spawn {
		if s.Priority == 0 {
			s.Priority = a.Priority
		}
		q.Push(s, s.Priority)
	}

	again, cerr := d.again(a, res, pctx)
	if cerr != nil {
		// A broken stop condition ends the loop; the pass itself succeeded.
		pctx.RecordFailure(FailureRecord{
			Seq: a.Seq, Primitive: a.Primitive, Outputs: a.Outputs,
			Pass: a.Pass, State: StateCompleted, Reason: cerr.Error(),
		})
		log.Warn().Err(cerr).Msg("loop condition failed; loop stopped")
	}
	r := finish(nil)
	if again {
		tr.to(StatePending)
		a.Pass++
		if res.Next != nil {
			a.bind(res.Next)
		}
		q.Reinsert(a)
		log.Debug().Int("next_pass", a.Pass).Msg("action re-enqueued")
	}
	return r, outcome{}
}

func (d *Driver) construct(pctx *ProcessingContext, a *Action) (Primitive, error) {
	factory, ok := d.reg.Lookup(a.Primitive)
	if !ok {
		return nil, &UnknownPrimitiveError{Name: a.Primitive, Pos: a.Pos}
	}
	prim, err := factory(pctx, &Invocation{Action: a, Args: a.resolve(pctx), Pass: a.Pass})
	if err != nil {
		return nil, err
	}
	if prim == nil {
		return nil, fmt.Errorf("primitive %q: factory returned nil", a.Primitive)
	}
	return prim, nil
}

// again decides whether a completed action is re-enqueued.
func (d *Driver) again(a *Action, res Result, pctx *ProcessingContext) (bool, error) {
	if res.Again {
		return true, nil
	}
	if a.Until == "" {
		return a.Loop, nil
	}
	done, err := EvalCondition(a.Until, pctx.Snapshot())
	if err != nil {
		return false, err
	}
	return !done, nil
}

// writeOutputs stores a result value under the action's output keys.
func writeOutputs(pctx *ProcessingContext, outputs []string, value any) error {
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		if outputs[0] != "_" {
			pctx.Set(outputs[0], value)
		}
		return nil
	}
	values, ok := value.([]any)
	if !ok {
		return fmt.Errorf("result of type %T cannot be unpacked into %d outputs", value, len(outputs))
	}
	if len(values) != len(outputs) {
		return fmt.Errorf("result has %d values, want %d outputs", len(values), len(outputs))
	}
	for i, name := range outputs {
		if name != "_" {
			pctx.Set(name, values[i])
		}
	}
	return nil
}
