package flow

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kaiban-ai/kaiban-go/internal/logging"
	"github.com/kaiban-ai/kaiban-go/pkg/events"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// engine walks a workflow's entry tree for one run. It is created per run by
// Workflow.Start or Workflow.Resume and carries the run's result store,
// event sink and resume state.
type engine struct {
	runID  string
	logger *slog.Logger
	sink   events.Sink
	retry  RetryPolicy
	set    *resultSet
	resume *resumeState
}

// resumeState is present only on resume walks. targets holds the block ids
// the caller wants re-entered; payload is handed to each of them after
// ResumeSchema validation.
type resumeState struct {
	targets map[string]struct{}
	payload any
}

func (rs *resumeState) targeted(id string) bool {
	if rs == nil {
		return false
	}
	_, ok := rs.targets[id]
	return ok
}

// entryOutcome carries an entry's final result up the tree. key is the block
// id a parallel merge stores the output under: the block's own id for block,
// loop and foreach entries, and the executed child's key for composites.
type entryOutcome struct {
	key string
	res *BlockResult
}

// --- Sequence walk ---

// evalSequence runs entries in order, threading each completed output into
// the next entry's input. The walk stops at the first entry that does not
// complete; its result becomes the sequence result.
func (e *engine) evalSequence(ctx context.Context, entries []Entry, input any, base Path) *entryOutcome {
	out := &entryOutcome{res: &BlockResult{Status: schema.BlockStatusCompleted, Output: input}}
	for i, entry := range entries {
		out = e.evalEntry(ctx, entry, out.res.Output, base.Child(i))
		if out.res.Status != schema.BlockStatusCompleted {
			return out
		}
	}
	return out
}

func (e *engine) evalEntry(ctx context.Context, entry Entry, input any, path Path) *entryOutcome {
	switch en := entry.(type) {
	case *blockEntry:
		return e.evalBlock(ctx, en.block, input, path)
	case *parallelEntry:
		return e.evalParallel(ctx, en, input, path)
	case *conditionalEntry:
		return e.evalConditional(ctx, en, input, path)
	case *loopEntry:
		return e.evalLoop(ctx, en, input, path)
	case *foreachEntry:
		return e.evalForeach(ctx, en, input, path)
	default:
		err := schema.NewErrorf(schema.ErrCodeExecution, "unsupported entry kind %T", entry)
		return &entryOutcome{res: &BlockResult{Status: schema.BlockStatusFailed, Error: err}}
	}
}

// --- Block execution ---

// evalBlock executes one block invocation at path. On resume walks it first
// consults the restored record: completed invocations are skipped with their
// recorded output, suspended invocations are re-entered only when targeted,
// anything else runs fresh.
func (e *engine) evalBlock(ctx context.Context, b *Block, input any, path Path) *entryOutcome {
	if rec, ok := e.set.restoredAt(path); ok {
		switch rec.result.Status {
		case schema.BlockStatusCompleted:
			e.emit(ctx, schema.EventBlockSkipped, b.ID, map[string]any{"path": path.String()})
			return &entryOutcome{key: b.ID, res: rec.result}
		case schema.BlockStatusSuspended:
			if e.resume.targeted(b.ID) {
				return e.resumeBlock(ctx, b, rec, path)
			}
			// Untargeted suspensions stay parked for a later resume.
			return &entryOutcome{key: b.ID, res: rec.result}
		}
	}
	return e.invokeBlock(ctx, b, input, path, false, nil)
}

// resumeBlock validates the resume payload and re-enters a suspended block
// with the input recorded at suspension time. A payload that fails the
// block's ResumeSchema fails the block, which stops the walk the same way
// any block failure does.
func (e *engine) resumeBlock(ctx context.Context, b *Block, rec *record, path Path) *entryOutcome {
	payload := e.resume.payload
	if b.ResumeSchema != nil {
		typed, err := b.ResumeSchema.Validate(payload)
		if err != nil {
			return e.failBlock(ctx, b.ID, path,
				schema.AsFlowError(err, schema.ErrCodeValidation).WithBlock(b.ID))
		}
		payload = typed
	}
	e.emit(ctx, schema.EventBlockResumed, b.ID, map[string]any{"path": path.String()})
	e.logger.InfoContext(ctx, "block resumed", "block_id", b.ID, "path", path.String())
	return e.invokeBlock(ctx, b, rec.result.Input, path, true, payload)
}

// invokeBlock runs the block body with retry and panic recovery and records
// the result. Input validation is skipped on resumed invocations: the input
// already passed it before the block suspended.
func (e *engine) invokeBlock(ctx context.Context, b *Block, input any, path Path, resuming bool, resumeData any) *entryOutcome {
	ctx = logging.WithBlockID(ctx, b.ID)
	if b.InputSchema != nil && !resuming {
		typed, err := b.InputSchema.Validate(input)
		if err != nil {
			return e.failBlock(ctx, b.ID, path,
				schema.AsFlowError(err, schema.ErrCodeValidation).WithBlock(b.ID))
		}
		input = typed
	}

	e.set.put(b.ID, path, &BlockResult{Status: schema.BlockStatusRunning})
	e.emit(ctx, schema.EventBlockStarted, b.ID, map[string]any{"path": path.String()})
	e.logger.DebugContext(ctx, "block started", "block_id", b.ID, "path", path.String())

	ex := &Execution{
		blockID:    b.ID,
		runID:      e.runID,
		path:       path,
		input:      input,
		resuming:   resuming,
		resumeData: resumeData,
		results:    e.set,
	}

	outcome, err := e.runWithRetry(ctx, b, ex)
	if err != nil {
		return e.failBlock(ctx, b.ID, path, e.blockError(b.ID, err))
	}

	if outcome.IsSuspended() {
		res := &BlockResult{Status: schema.BlockStatusSuspended, Payload: outcome.payload, Input: input}
		e.set.put(b.ID, path, res)
		e.emit(ctx, schema.EventBlockSuspended, b.ID, map[string]any{"path": path.String(), "payload": outcome.payload})
		e.logger.InfoContext(ctx, "block suspended", "block_id", b.ID, "path", path.String())
		return &entryOutcome{key: b.ID, res: res}
	}

	res := &BlockResult{Status: schema.BlockStatusCompleted, Output: outcome.output}
	e.set.put(b.ID, path, res)
	e.emit(ctx, schema.EventBlockCompleted, b.ID, map[string]any{"path": path.String()})
	return &entryOutcome{key: b.ID, res: res}
}

// runWithRetry executes the block body, retrying retryable failures under
// the effective policy (block override, else the run-level policy). A
// suspension is an outcome, not a failure, so it returns on the first
// attempt that produces one.
func (e *engine) runWithRetry(ctx context.Context, b *Block, ex *Execution) (Outcome, error) {
	policy := e.retry
	if b.Retry != nil {
		policy = *b.Retry
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		outcome, err := safeExecute(ctx, b, ex)
		if err == nil {
			return outcome, nil
		}
		lastErr = err

		if !policy.enabled() || attempt >= policy.Attempts || !isRetryableError(err) {
			break
		}
		e.emit(ctx, schema.EventBlockRetrying, b.ID, map[string]any{
			"attempt": attempt + 1,
			"delay":   policy.Delay.String(),
		})
		e.logger.WarnContext(ctx, "retrying block", "block_id", b.ID, "attempt", attempt+1, "error", lastErr)
		if werr := waitRetryDelay(ctx, policy.Delay); werr != nil {
			return Outcome{}, schema.NewError(schema.ErrCodeCancelled, "retry wait cancelled").
				WithBlock(b.ID).WithCause(werr)
		}
	}

	if policy.enabled() && isRetryableError(lastErr) {
		return Outcome{}, schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts", policy.Attempts+1).
			WithBlock(b.ID).WithCause(lastErr)
	}
	return Outcome{}, lastErr
}

// safeExecute invokes the block body, converting panics to execution errors
// so one misbehaving block cannot take down the run.
func safeExecute(ctx context.Context, b *Block, ex *Execution) (outcome Outcome, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = schema.NewErrorf(schema.ErrCodeExecution, "block panicked: %v", r).WithBlock(b.ID)
		}
	}()
	return b.Execute(ctx, ex)
}

func (e *engine) failBlock(ctx context.Context, blockID string, path Path, fe *schema.FlowError) *entryOutcome {
	res := &BlockResult{Status: schema.BlockStatusFailed, Error: fe}
	e.set.put(blockID, path, res)
	e.emit(ctx, schema.EventBlockFailed, blockID, map[string]any{
		"path":  path.String(),
		"code":  fe.Code,
		"error": fe.Message,
	})
	e.logger.WarnContext(ctx, "block failed", "block_id", blockID, "path", path.String(), "code", fe.Code, "error", fe.Message)
	return &entryOutcome{key: blockID, res: res}
}

// blockError maps an execution error to a FlowError with the right code.
func (e *engine) blockError(blockID string, err error) *schema.FlowError {
	var fe *schema.FlowError
	if errors.As(err, &fe) {
		if fe.BlockID == "" {
			fe.WithBlock(blockID)
		}
		return fe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return schema.NewError(schema.ErrCodeTimeout, "block execution timed out").
			WithBlock(blockID).WithCause(err)
	}
	if errors.Is(err, context.Canceled) {
		return schema.NewError(schema.ErrCodeCancelled, "block execution cancelled").
			WithBlock(blockID).WithCause(err)
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).
		WithBlock(blockID).WithCause(err)
}

// --- Parallel ---

// evalParallel runs all sub-entries concurrently against the same input.
// Failure wins over suspension: if any branch failed the entry fails with an
// aggregate error. Otherwise the first suspended branch, in entry order,
// suspends the entry. When every branch completes, the outputs merge into a
// map keyed by each branch's result key; branches sharing a key overwrite in
// branch order.
func (e *engine) evalParallel(ctx context.Context, entry *parallelEntry, input any, path Path) *entryOutcome {
	n := len(entry.entries)
	e.emit(ctx, schema.EventParallelStarted, "", map[string]any{"path": path.String(), "branches": n})

	results := make([]*entryOutcome, n)
	var wg sync.WaitGroup
	for i, sub := range entry.entries {
		wg.Add(1)
		go func(i int, sub Entry) {
			defer wg.Done()
			results[i] = e.evalEntry(ctx, sub, input, path.Child(i))
		}(i, sub)
	}
	wg.Wait()

	var failures []*entryOutcome
	var firstSuspended *entryOutcome
	merged := make(map[string]any, n)
	for _, out := range results {
		switch out.res.Status {
		case schema.BlockStatusFailed:
			failures = append(failures, out)
		case schema.BlockStatusSuspended:
			if firstSuspended == nil {
				firstSuspended = out
			}
		default:
			merged[out.key] = out.res.Output
		}
	}

	if len(failures) > 0 {
		details := make([]map[string]any, 0, len(failures))
		for _, f := range failures {
			details = append(details, map[string]any{
				"block_id": f.key,
				"code":     f.res.Error.Code,
				"error":    f.res.Error.Message,
			})
		}
		fe := schema.NewErrorf(schema.ErrCodeAggregation, "%d of %d parallel branches failed", len(failures), n).
			WithCause(failures[0].res.Error).
			WithDetails(map[string]any{"failures": details})
		return &entryOutcome{key: failures[0].key, res: &BlockResult{Status: schema.BlockStatusFailed, Error: fe}}
	}
	if firstSuspended != nil {
		return firstSuspended
	}

	e.emit(ctx, schema.EventParallelCompleted, "", map[string]any{"path": path.String(), "branches": n})
	return &entryOutcome{key: results[0].key, res: &BlockResult{Status: schema.BlockStatusCompleted, Output: merged}}
}

// --- Conditional ---

// evalConditional evaluates every branch predicate concurrently against the
// same scope, then executes the branch with the lowest index among those
// that returned true. Matching is by index, never by completion order, so a
// slow early predicate still wins over a fast later one.
func (e *engine) evalConditional(ctx context.Context, entry *conditionalEntry, input any, path Path) *entryOutcome {
	n := len(entry.branches)
	verdicts := make([]bool, n)
	scope := Scope{Result: input, Input: e.set.workflowInput(), Blocks: e.set.blocksView()}

	g, gctx := errgroup.WithContext(ctx)
	for i, br := range entry.branches {
		i, br := i, br
		g.Go(func() error {
			ok, err := br.When.Evaluate(gctx, scope)
			if err != nil {
				return schema.NewErrorf(schema.ErrCodeExecution, "branch %d predicate failed", i).WithCause(err)
			}
			verdicts[i] = ok
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return &entryOutcome{res: &BlockResult{
			Status: schema.BlockStatusFailed,
			Error:  schema.AsFlowError(err, schema.ErrCodeExecution),
		}}
	}

	chosen := -1
	for i, ok := range verdicts {
		if ok {
			chosen = i
			break
		}
	}
	e.emit(ctx, schema.EventConditionEvaluated, "", map[string]any{
		"path":     path.String(),
		"chosen":   chosen,
		"verdicts": verdicts,
	})

	if chosen < 0 {
		return &entryOutcome{res: &BlockResult{
			Status: schema.BlockStatusFailed,
			Error:  schema.NewError(schema.ErrCodeAggregation, "no matching condition"),
		}}
	}
	return e.evalEntry(ctx, entry.branches[chosen].Then, input, path.Child(chosen))
}

// --- Loop ---

// evalLoop repeats the body block, feeding each iteration's output into the
// next and into the predicate. Every iteration records at the loop's own
// path, so the stored result is always the latest iteration. The iteration
// counter restarts on resume; continuation is predicate-driven, so this only
// affects event payloads.
func (e *engine) evalLoop(ctx context.Context, entry *loopEntry, input any, path Path) *entryOutcome {
	if rec, ok := e.set.restoredAt(path); ok && rec.result.Status == schema.BlockStatusCompleted {
		e.emit(ctx, schema.EventBlockSkipped, entry.block.ID, map[string]any{"path": path.String()})
		return &entryOutcome{key: entry.block.ID, res: rec.result}
	}

	cur := input
	for iteration := 0; ; iteration++ {
		if err := ctx.Err(); err != nil {
			return e.failBlock(ctx, entry.block.ID, path, e.blockError(entry.block.ID, err))
		}

		out := e.evalBlock(ctx, entry.block, cur, path)
		if out.res.Status != schema.BlockStatusCompleted {
			return out
		}
		cur = out.res.Output
		e.emit(ctx, schema.EventLoopIterCompleted, entry.block.ID, map[string]any{
			"path":      path.String(),
			"iteration": iteration,
		})

		scope := Scope{Result: cur, Input: e.set.workflowInput(), Blocks: e.set.blocksView()}
		verdict, err := entry.predicate.Evaluate(ctx, scope)
		if err != nil {
			return e.failBlock(ctx, entry.block.ID, path,
				schema.NewError(schema.ErrCodeExecution, "loop predicate failed").
					WithBlock(entry.block.ID).WithCause(err))
		}

		continueLoop := verdict
		if entry.loopKind == LoopDoUntil {
			continueLoop = !verdict
		}
		if !continueLoop {
			e.emit(ctx, schema.EventLoopCompleted, entry.block.ID, map[string]any{
				"path":       path.String(),
				"iterations": iteration + 1,
			})
			return out
		}
	}
}

// --- Foreach ---

// evalForeach fans the body block out over the items of its array input in
// consecutive chunks of at most the configured concurrency. A chunk must
// fully settle before the next starts; a failed or suspended item surfaces
// as the entry result and later chunks never start. Per-item results record
// at child paths, the aggregated output array at the entry's own path.
func (e *engine) evalForeach(ctx context.Context, entry *foreachEntry, input any, path Path) *entryOutcome {
	if rec, ok := e.set.restoredAt(path); ok && rec.result.Status == schema.BlockStatusCompleted {
		e.emit(ctx, schema.EventBlockSkipped, entry.block.ID, map[string]any{"path": path.String()})
		return &entryOutcome{key: entry.block.ID, res: rec.result}
	}

	items, ok := toSlice(input)
	if !ok {
		return e.failBlock(ctx, entry.block.ID, path,
			schema.NewErrorf(schema.ErrCodeAggregation, "foreach input must be an array, got %T", input).
				WithBlock(entry.block.ID))
	}

	conc := entry.concurrency
	if conc < 1 {
		conc = 1
	}

	results := make([]*entryOutcome, len(items))
	for start := 0; start < len(items); start += conc {
		end := min(start+conc, len(items))
		e.emit(ctx, schema.EventForeachChunkStarted, entry.block.ID, map[string]any{
			"path":  path.String(),
			"start": start,
			"size":  end - start,
		})

		var wg sync.WaitGroup
		for idx := start; idx < end; idx++ {
			wg.Add(1)
			go func(idx int) {
				defer wg.Done()
				results[idx] = e.evalBlock(ctx, entry.block, items[idx], path.Child(idx))
			}(idx)
		}
		wg.Wait()

		for idx := start; idx < end; idx++ {
			if results[idx].res.Status != schema.BlockStatusCompleted {
				return results[idx]
			}
		}
	}

	outputs := make([]any, len(items))
	for i, out := range results {
		outputs[i] = out.res.Output
	}
	res := &BlockResult{Status: schema.BlockStatusCompleted, Output: outputs}
	e.set.put(entry.block.ID, path, res)
	e.emit(ctx, schema.EventForeachCompleted, entry.block.ID, map[string]any{
		"path":  path.String(),
		"items": len(items),
	})
	return &entryOutcome{key: entry.block.ID, res: res}
}

// toSlice normalizes the foreach input to []any. Typed slices are accepted;
// anything else is rejected.
func toSlice(v any) ([]any, bool) {
	switch items := v.(type) {
	case nil:
		return nil, false
	case []any:
		return items, true
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// --- Events ---

func (e *engine) emit(ctx context.Context, typ, blockID string, payload map[string]any) {
	// Best-effort: sinks must not be able to fail the run.
	_ = e.sink.Emit(ctx, events.Event{
		RunID:     e.runID,
		BlockID:   blockID,
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
