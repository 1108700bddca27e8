package flow

import (
	"context"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// Validator checks a value against a schema and returns the value in its
// normalized, typed form. Implementations may coerce (e.g. apply defaults or
// decode into canonical types) as long as the returned value is what the
// block should observe. pkg/validation.Schema satisfies this interface.
type Validator interface {
	Validate(value any) (any, error)
}

// ValidatorFunc adapts a plain function to the Validator interface.
type ValidatorFunc func(value any) (any, error)

// Validate implements Validator.
func (f ValidatorFunc) Validate(value any) (any, error) { return f(value) }

// ExecuteFunc is the body of a block. It receives the execution handle and
// returns either a completed or suspended Outcome, or an error. Returning an
// error marks the block failed; panics are recovered and treated the same
// way.
type ExecuteFunc func(ctx context.Context, ex *Execution) (Outcome, error)

// Block is the atomic unit of work in a workflow. Entries reference blocks;
// the engine invokes Execute with a fresh Execution per invocation.
//
// All schema fields are optional. When set, InputSchema gates and normalizes
// the block input before Execute runs, and ResumeSchema gates the resume
// payload before a suspended block is re-entered. SuspendSchema and
// OutputSchema are advisory and surfaced through Describe for tooling.
type Block struct {
	// ID identifies the block in results, events and resume targets.
	// It must be non-empty and must not equal InputKey.
	ID string

	// Description is free-form text carried into diagrams and definitions.
	Description string

	InputSchema   Validator
	OutputSchema  Validator
	SuspendSchema Validator
	ResumeSchema  Validator

	// Retry overrides the run-level retry policy for this block.
	Retry *RetryPolicy

	Execute ExecuteFunc
}

const (
	outcomeCompleted = "completed"
	outcomeSuspended = "suspended"
)

// Outcome is the successful return of an ExecuteFunc: either a completed
// output or a suspension request. The zero Outcome is completed with a nil
// output. Construct outcomes with Complete or Execution.Suspend.
type Outcome struct {
	kind    string
	output  any
	payload any
}

// Complete returns a completed Outcome carrying the block's output.
func Complete(output any) Outcome {
	return Outcome{kind: outcomeCompleted, output: output}
}

// IsSuspended reports whether the outcome is a suspension request.
func (o Outcome) IsSuspended() bool { return o.kind == outcomeSuspended }

// Output returns the completed output. Nil for suspended outcomes.
func (o Outcome) Output() any { return o.output }

// Execution is the handle passed to ExecuteFunc. It exposes the block input,
// prior block outputs, resume state and the suspension capability. An
// Execution is valid only for the duration of the invocation it was created
// for.
type Execution struct {
	blockID    string
	runID      string
	path       Path
	input      any
	resuming   bool
	resumeData any
	results    *resultSet
}

// Input returns the block's input: the previous entry's output, the workflow
// input for the first entry, or the assigned item inside a foreach. When an
// InputSchema is set, the value has already been validated and normalized.
func (ex *Execution) Input() any { return ex.input }

// RunID returns the identifier of the enclosing run.
func (ex *Execution) RunID() string { return ex.runID }

// Path returns the location of this invocation in the entry tree.
func (ex *Execution) Path() Path { return ex.path }

// WorkflowInput returns the input the run was started with, regardless of
// how deep this block sits in the tree.
func (ex *Execution) WorkflowInput() any { return ex.results.workflowInput() }

// BlockOutput returns the recorded output of a previously completed block by
// id. The second return is false when the block has not completed (not
// reached, still suspended, or failed).
func (ex *Execution) BlockOutput(id string) (any, bool) {
	return ex.results.completedOutput(id)
}

// Resuming reports whether this invocation re-enters a previously suspended
// block. When true, ResumeData carries the validated resume payload.
func (ex *Execution) Resuming() bool { return ex.resuming }

// ResumeData returns the resume payload for a resumed invocation, already
// validated against the block's ResumeSchema. Nil on fresh invocations.
func (ex *Execution) ResumeData() any { return ex.resumeData }

// Suspend returns a suspended Outcome. The payload is recorded with the run
// so the caller that later resumes knows what the block is waiting for.
// Suspension is not an error: return the Outcome with a nil error.
func (ex *Execution) Suspend(payload any) Outcome {
	return Outcome{kind: outcomeSuspended, payload: payload}
}

// validate checks the block's static shape. Workflow.Validate calls this for
// every block reachable from the entry tree; at locates the entry for error
// reporting.
func (b *Block) validate(res *schema.ValidationResult, at string) {
	if b == nil {
		res.AddError(at, schema.ErrCodeDefinition, "entry references a nil block")
		return
	}
	if b.ID == "" {
		res.AddError(at, schema.ErrCodeDefinition, "block id must not be empty")
	}
	if b.ID == InputKey {
		res.AddErrorf(at, schema.ErrCodeDefinition, "block id %q is reserved for the workflow input", InputKey)
	}
	if b.Execute == nil {
		res.AddErrorf(at, schema.ErrCodeDefinition, "block %q has no execute function", b.ID)
	}
}
