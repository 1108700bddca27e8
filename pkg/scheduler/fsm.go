package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/kaiban-ai/kaiban-go/pkg/events"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// TransitionHook is called before or after a state transition. Hooks run
// under the FSM lock; they must not call back into the owning scheduler.
type TransitionHook func(from, to string) error

// --- Task FSM ---

type taskHookKey struct {
	from, to schema.TaskStatus
}

// TaskFSM validates task status transitions against the board lifecycle
// and emits a status-changed event for each one.
type TaskFSM struct {
	mu     sync.Mutex
	sink   events.Sink
	before map[taskHookKey][]TransitionHook
	after  map[taskHookKey][]TransitionHook
}

// NewTaskFSM creates a TaskFSM that emits events via the given sink.
func NewTaskFSM(sink events.Sink) *TaskFSM {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &TaskFSM{
		sink:   sink,
		before: make(map[taskHookKey][]TransitionHook),
		after:  make(map[taskHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a task transition.
func (f *TaskFSM) OnBefore(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a task transition.
func (f *TaskFSM) OnAfter(from, to schema.TaskStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a task status transition. The caller
// is responsible for writing the new status back to the task.
func (f *TaskFSM) Transition(ctx context.Context, workflowID, taskID string, from, to schema.TaskStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidTaskTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid task transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "task_id": taskID, "from": string(from), "to": string(to)})
	}

	key := taskHookKey{from, to}

	// Run before hooks.
	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	// Emission is best-effort; a failing sink never blocks the board.
	_ = f.sink.Emit(ctx, events.Event{
		RunID:     workflowID,
		TaskID:    taskID,
		Type:      schema.EventTaskStatusChanged,
		Payload:   map[string]any{"from": string(from), "to": string(to)},
		Timestamp: time.Now().UTC(),
	})

	// Run after hooks.
	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidTaskTransition(from, to schema.TaskStatus) bool {
	allowed, ok := ValidTaskTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// --- Workflow FSM ---

type workflowHookKey struct {
	from, to schema.WorkflowStatus
}

// WorkflowFSM manages the lifecycle of the task board as a whole.
type WorkflowFSM struct {
	mu     sync.Mutex
	sink   events.Sink
	before map[workflowHookKey][]TransitionHook
	after  map[workflowHookKey][]TransitionHook
}

// NewWorkflowFSM creates a WorkflowFSM that emits events via the given sink.
func NewWorkflowFSM(sink events.Sink) *WorkflowFSM {
	if sink == nil {
		sink = events.NopSink{}
	}
	return &WorkflowFSM{
		sink:   sink,
		before: make(map[workflowHookKey][]TransitionHook),
		after:  make(map[workflowHookKey][]TransitionHook),
	}
}

// OnBefore registers a hook called before a workflow transition.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.before[key] = append(f.before[key], hook)
}

// OnAfter registers a hook called after a workflow transition.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := workflowHookKey{from, to}
	f.after[key] = append(f.after[key], hook)
}

// Transition validates and executes a workflow status transition. The
// caller is responsible for persisting the new status.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID string, from, to schema.WorkflowStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if !isValidWorkflowTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid workflow transition: %s -> %s", from, to).
			WithDetails(map[string]any{"workflow_id": workflowID, "from": string(from), "to": string(to)})
	}

	key := workflowHookKey{from, to}

	for _, hook := range f.before[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	_ = f.sink.Emit(ctx, events.Event{
		RunID:     workflowID,
		Type:      schema.EventWorkflowStatusChanged,
		Payload:   map[string]any{"from": string(from), "to": string(to)},
		Timestamp: time.Now().UTC(),
	})

	for _, hook := range f.after[key] {
		if err := hook(string(from), string(to)); err != nil {
			return err
		}
	}

	return nil
}

func isValidWorkflowTransition(from, to schema.WorkflowStatus) bool {
	allowed, ok := ValidWorkflowTransitions[from]
	if !ok {
		return false
	}
	for _, a := range allowed {
		if a == to {
			return true
		}
	}
	return false
}

// --- Transition tables ---

// ValidTaskTransitions defines the allowed status transitions for tasks.
// TODO targets on settled statuses exist for the revision sweep: revising
// a task pulls every later task back onto the queue.
var ValidTaskTransitions = map[schema.TaskStatus][]schema.TaskStatus{
	schema.TaskStatusPending:            {schema.TaskStatusTodo},
	schema.TaskStatusTodo:               {schema.TaskStatusDoing},
	schema.TaskStatusDoing:              {schema.TaskStatusBlocked, schema.TaskStatusRevise, schema.TaskStatusAwaitingValidation, schema.TaskStatusDone, schema.TaskStatusError, schema.TaskStatusTodo},
	schema.TaskStatusBlocked:            {schema.TaskStatusTodo, schema.TaskStatusError},
	schema.TaskStatusRevise:             {schema.TaskStatusDoing},
	schema.TaskStatusAwaitingValidation: {schema.TaskStatusValidated, schema.TaskStatusRevise, schema.TaskStatusTodo},
	schema.TaskStatusValidated:          {schema.TaskStatusRevise, schema.TaskStatusTodo},
	schema.TaskStatusDone:               {schema.TaskStatusRevise, schema.TaskStatusTodo},
	schema.TaskStatusError:              {},
}

// ValidWorkflowTransitions defines the allowed status transitions for the
// board. Finished boards can return to running when a settled task is
// revised; errored boards cannot.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending:  {schema.WorkflowStatusRunning},
	schema.WorkflowStatusRunning:  {schema.WorkflowStatusBlocked, schema.WorkflowStatusErrored, schema.WorkflowStatusFinished},
	schema.WorkflowStatusBlocked:  {schema.WorkflowStatusRunning, schema.WorkflowStatusErrored},
	schema.WorkflowStatusFinished: {schema.WorkflowStatusRunning},
	schema.WorkflowStatusErrored:  {},
}
