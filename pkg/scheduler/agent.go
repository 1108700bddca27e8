package scheduler

import (
	"context"
	"errors"

	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// ErrTaskBlocked signals that a task cannot proceed without outside help.
// Agents return it, possibly wrapped, instead of an ordinary error; the
// scheduler parks the task as BLOCKED and waits for Unblock or Revise.
var ErrTaskBlocked = errors.New("task is blocked")

// Agent executes one task and returns its result. A single agent serves
// the whole board; the task's Agent field names which persona or backend
// the implementation should route to.
type Agent interface {
	Execute(ctx context.Context, task *schema.Task) (any, error)
}

// AgentFunc adapts a plain function to the Agent interface.
type AgentFunc func(ctx context.Context, task *schema.Task) (any, error)

func (f AgentFunc) Execute(ctx context.Context, task *schema.Task) (any, error) {
	return f(ctx, task)
}

// WorkflowAgent runs a flow workflow per task, making the engine the
// board's execution unit. The task's descriptive fields become the run
// input; a suspended run parks the task as blocked so the embedding
// application can resume the flow out of band and hand the outcome back
// through Unblock.
func WorkflowAgent(wf *flow.Workflow) Agent {
	return AgentFunc(func(ctx context.Context, task *schema.Task) (any, error) {
		input := map[string]any{
			"task_id":     task.ID,
			"title":       task.Title,
			"description": task.Description,
			"agent":       task.Agent,
		}
		if task.Feedback != "" {
			input["feedback"] = task.Feedback
		}
		res := wf.Start(ctx, input)
		switch res.Status {
		case schema.RunStatusCompleted:
			return res.Result, nil
		case schema.RunStatusSuspended:
			return nil, ErrTaskBlocked
		default:
			if res.Error != nil {
				return nil, res.Error
			}
			return nil, schema.NewErrorf(schema.ErrCodeExecution, "workflow %s failed", wf.Name())
		}
	})
}
