package schema

// Event type constants emitted through the event sink.
const (
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunSuspended = "run_suspended"
	EventRunResumed   = "run_resumed"

	EventBlockStarted   = "block_started"
	EventBlockCompleted = "block_completed"
	EventBlockFailed    = "block_failed"
	EventBlockSuspended = "block_suspended"
	EventBlockResumed   = "block_resumed"
	EventBlockRetrying  = "block_retrying"
	EventBlockSkipped   = "block_skipped"

	EventConditionEvaluated  = "condition_evaluated"
	EventLoopIterCompleted   = "loop_iter_completed"
	EventLoopCompleted       = "loop_completed"
	EventParallelStarted     = "parallel_started"
	EventParallelCompleted   = "parallel_completed"
	EventForeachChunkStarted = "foreach_chunk_started"
	EventForeachCompleted    = "foreach_completed"

	EventTaskStatusChanged     = "task_status_changed"
	EventTaskCompleted         = "task_completed"
	EventTaskFailed            = "task_failed"
	EventWorkflowStatusChanged = "workflow_status_changed"
	EventWorkflowStalled       = "workflow_stalled"

	EventJobScheduled = "job_scheduled"
	EventJobFired     = "job_fired"
)

// RunStatus represents the lifecycle state of a flow run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusSuspended RunStatus = "suspended"
)

// BlockStatus represents the lifecycle state of a single block result.
type BlockStatus string

const (
	BlockStatusRunning   BlockStatus = "running"
	BlockStatusCompleted BlockStatus = "completed"
	BlockStatusFailed    BlockStatus = "failed"
	BlockStatusSuspended BlockStatus = "suspended"
)

// TaskStatus represents the lifecycle state of a scheduled task. The
// uppercase wire values match the task board vocabulary used by
// embedding applications.
type TaskStatus string

const (
	TaskStatusPending            TaskStatus = "PENDING"
	TaskStatusTodo               TaskStatus = "TODO"
	TaskStatusDoing              TaskStatus = "DOING"
	TaskStatusBlocked            TaskStatus = "BLOCKED"
	TaskStatusRevise             TaskStatus = "REVISE"
	TaskStatusAwaitingValidation TaskStatus = "AWAITING_VALIDATION"
	TaskStatusValidated          TaskStatus = "VALIDATED"
	TaskStatusDone               TaskStatus = "DONE"
	TaskStatusError              TaskStatus = "ERROR"
)

// Terminal reports whether the status ends the task's lifecycle under
// normal operation. Revision can still pull a terminal task back to TODO.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusDone || s == TaskStatusValidated || s == TaskStatusError
}

// Settled reports whether the task counts toward workflow completion.
func (s TaskStatus) Settled() bool {
	return s == TaskStatusDone || s == TaskStatusValidated
}

// WorkflowStatus represents the lifecycle state of a scheduled task set.
type WorkflowStatus string

const (
	WorkflowStatusPending  WorkflowStatus = "pending"
	WorkflowStatusRunning  WorkflowStatus = "running"
	WorkflowStatusBlocked  WorkflowStatus = "blocked"
	WorkflowStatusErrored  WorkflowStatus = "errored"
	WorkflowStatusFinished WorkflowStatus = "finished"
)
