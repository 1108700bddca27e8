package flow

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/kaiban-ai/kaiban-go/internal/logging"
	"github.com/kaiban-ai/kaiban-go/pkg/events"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// Workflow is an ordered sequence of entries plus the run-level
// configuration shared by every run started from it. Build one with New,
// append entries with Then and Add, then call Start. A Workflow is safe for
// concurrent Start/Resume calls; each run gets its own state.
type Workflow struct {
	name    string
	entries []Entry
	logger  *slog.Logger
	sink    events.Sink
	retry   RetryPolicy
}

// Option configures a Workflow at construction time.
type Option func(*Workflow)

// WithLogger sets the structured logger runs log through. Defaults to
// slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Workflow) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// WithSink sets the event sink runs emit to. Defaults to a no-op sink.
func WithSink(sink events.Sink) Option {
	return func(w *Workflow) {
		if sink != nil {
			w.sink = sink
		}
	}
}

// WithRetry sets the run-level retry policy applied to every block that does
// not carry its own.
func WithRetry(policy RetryPolicy) Option {
	return func(w *Workflow) {
		w.retry = policy
	}
}

// New creates an empty workflow.
func New(name string, opts ...Option) *Workflow {
	w := &Workflow{
		name:   name,
		logger: slog.Default(),
		sink:   events.NopSink{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Then appends a single block as the next sequential entry.
func (w *Workflow) Then(b *Block) *Workflow {
	w.entries = append(w.entries, Step(b))
	return w
}

// Add appends entries of any kind in order.
func (w *Workflow) Add(entries ...Entry) *Workflow {
	w.entries = append(w.entries, entries...)
	return w
}

// Name returns the workflow name.
func (w *Workflow) Name() string { return w.name }

// Entries returns a copy of the entry list, in execution order.
func (w *Workflow) Entries() []Entry { return slices.Clone(w.entries) }

// Validate checks the workflow structure without running it: block ids are
// set and not reserved, every block has a body, composites are non-empty and
// predicates are present. Returns nil when the structure is sound.
func (w *Workflow) Validate() error {
	res := &schema.ValidationResult{}
	if w.name == "" {
		res.AddError("", schema.ErrCodeDefinition, "workflow name must not be empty")
	}
	for i, entry := range w.entries {
		at := fmt.Sprintf("entries[%d]", i)
		if entry == nil {
			res.AddError(at, schema.ErrCodeDefinition, "workflow contains a nil entry")
			continue
		}
		entry.validate(res, at)
	}
	return res.ToError()
}

// Start runs the workflow from the beginning. It never returns an error:
// structural problems, block failures and suspensions all surface as the
// RunResult status. The context cancels in-flight blocks; cancellation
// produces a failed result.
func (w *Workflow) Start(ctx context.Context, input any) *RunResult {
	runID := uuid.NewString()
	return w.run(ctx, runID, input, newResultSet(input), nil)
}

// ResumeRequest asks a suspended run, captured in Snapshot, to continue.
// Targets selects which suspended blocks receive the payload; when empty,
// every suspended block is targeted. Payload is validated against each
// targeted block's ResumeSchema before the block is re-entered.
type ResumeRequest struct {
	Snapshot *Snapshot
	Targets  []string
	Payload  any
}

// Resume re-walks the workflow against a suspended run's snapshot. Blocks
// that completed in the prior run are skipped with their recorded outputs;
// targeted suspended blocks are re-entered with the resume payload;
// suspended blocks that are not targeted stay suspended. Like Start, it
// never returns an error.
func (w *Workflow) Resume(ctx context.Context, req ResumeRequest) *RunResult {
	started := time.Now().UTC()
	if req.Snapshot == nil {
		return failedResult("", started, schema.NewError(schema.ErrCodeConflict, "resume requires a snapshot"))
	}
	suspended := req.Snapshot.SuspendedIDs()
	if len(suspended) == 0 {
		return failedResult(req.Snapshot.RunID, started,
			schema.NewError(schema.ErrCodeConflict, "run is not suspended"))
	}

	targets := req.Targets
	if len(targets) == 0 {
		targets = suspended
	}
	targetSet := make(map[string]struct{}, len(targets))
	for _, id := range targets {
		if !slices.Contains(suspended, id) {
			return failedResult(req.Snapshot.RunID, started,
				schema.NewErrorf(schema.ErrCodeConflict, "block %q is not suspended in this run", id).WithBlock(id))
		}
		targetSet[id] = struct{}{}
	}

	set := restoreResultSet(req.Snapshot)
	resume := &resumeState{targets: targetSet, payload: req.Payload}
	return w.run(ctx, req.Snapshot.RunID, set.workflowInput(), set, resume)
}

// run is the shared driver behind Start and Resume.
func (w *Workflow) run(ctx context.Context, runID string, input any, set *resultSet, resume *resumeState) *RunResult {
	started := time.Now().UTC()
	ctx = logging.WithRunID(ctx, runID)
	logger := w.logger.With("workflow", w.name)

	if err := w.Validate(); err != nil {
		logger.WarnContext(ctx, "workflow validation failed", "run_id", runID, "error", err)
		return failedResult(runID, started, schema.AsFlowError(err, schema.ErrCodeValidation))
	}

	eng := &engine{
		runID:  runID,
		logger: logger,
		sink:   w.sink,
		retry:  w.retry,
		set:    set,
		resume: resume,
	}

	startEvent := schema.EventRunStarted
	if resume != nil {
		startEvent = schema.EventRunResumed
	}
	eng.emit(ctx, startEvent, "", map[string]any{"workflow": w.name})
	logger.InfoContext(ctx, "run started", "run_id", runID, "resumed", resume != nil)

	out := eng.evalSequence(ctx, w.entries, input, Path{})
	return w.finalize(ctx, eng, runID, started, out)
}

// finalize folds the walk's last entry outcome into the RunResult and emits
// the terminal run event.
func (w *Workflow) finalize(ctx context.Context, eng *engine, runID string, started time.Time, out *entryOutcome) *RunResult {
	ended := time.Now().UTC()
	result := &RunResult{
		RunID:     runID,
		Steps:     eng.set.stepsView(),
		StartedAt: started,
		EndedAt:   &ended,
		snapshot:  eng.set.snapshot(runID),
	}

	switch out.res.Status {
	case schema.BlockStatusFailed:
		result.Status = schema.RunStatusFailed
		result.Error = out.res.Error
		eng.emit(ctx, schema.EventRunFailed, "", map[string]any{"workflow": w.name, "error": out.res.Error.Message})
		eng.logger.WarnContext(ctx, "run failed", "run_id", runID, "code", out.res.Error.Code, "error", out.res.Error.Message)
	case schema.BlockStatusSuspended:
		result.Status = schema.RunStatusSuspended
		result.Suspended = eng.set.suspendedList()
		eng.emit(ctx, schema.EventRunSuspended, "", map[string]any{"workflow": w.name, "suspended": len(result.Suspended)})
		eng.logger.InfoContext(ctx, "run suspended", "run_id", runID, "suspended", len(result.Suspended))
	default:
		result.Status = schema.RunStatusCompleted
		result.Result = out.res.Output
		eng.emit(ctx, schema.EventRunCompleted, "", map[string]any{"workflow": w.name})
		eng.logger.InfoContext(ctx, "run completed", "run_id", runID)
	}
	return result
}

func failedResult(runID string, started time.Time, fe *schema.FlowError) *RunResult {
	ended := time.Now().UTC()
	return &RunResult{
		RunID:     runID,
		Status:    schema.RunStatusFailed,
		Error:     fe,
		Steps:     map[string]*BlockResult{},
		StartedAt: started,
		EndedAt:   &ended,
	}
}

// AsBlock wraps the workflow as a block so it can nest inside another
// workflow. A completed nested run becomes the block's output; a failed run
// re-raises its error; a suspended run suspends the wrapping block with the
// nested suspension details as payload. Resuming the wrapper re-runs the
// nested workflow from scratch.
func (w *Workflow) AsBlock(id string) *Block {
	return &Block{
		ID:          id,
		Description: "nested workflow " + w.name,
		Execute: func(ctx context.Context, ex *Execution) (Outcome, error) {
			res := w.Start(ctx, ex.Input())
			switch res.Status {
			case schema.RunStatusCompleted:
				return Complete(res.Result), nil
			case schema.RunStatusSuspended:
				return ex.Suspend(map[string]any{
					"workflow":  w.name,
					"run_id":    res.RunID,
					"suspended": res.Suspended,
				}), nil
			default:
				if res.Error != nil {
					return Outcome{}, res.Error
				}
				return Outcome{}, schema.NewErrorf(schema.ErrCodeExecution,
					"nested workflow %s failed", w.name)
			}
		},
	}
}
