package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/kaiban-ai/kaiban-go/internal/logging"
	"github.com/kaiban-ai/kaiban-go/pkg/events"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Config controls one scheduler instance.
type Config struct {
	// WorkflowID correlates events, logs and errors across the board.
	WorkflowID string `validate:"required"`
	// TaskTimeout bounds each task execution; zero disables the bound.
	TaskTimeout time.Duration `validate:"min=0"`
	// StallTimeout flags the workflow as stalled when no status change is
	// observed for this long; zero disables the watchdog.
	StallTimeout time.Duration `validate:"min=0"`
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger sets the structured logger the board logs through. Defaults
// to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSink sets the event sink transitions emit to. Defaults to a no-op
// sink.
func WithSink(sink events.Sink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.sink = sink
		}
	}
}

// WithStatusHandler registers a callback invoked on every task status
// change the scheduler makes. It runs synchronously under the scheduler
// lock and must not call back into the scheduler.
func WithStatusHandler(fn func(task *schema.Task, from, to schema.TaskStatus)) Option {
	return func(s *Scheduler) {
		s.statusHandler = fn
	}
}

// WithErrorHandler registers a callback invoked when a task fails,
// timeouts included. Same calling rules as WithStatusHandler.
func WithErrorHandler(fn func(task *schema.Task, ferr *schema.FlowError)) Option {
	return func(s *Scheduler) {
		s.errorHandler = fn
	}
}

// WithStallHandler replaces the default stall reaction, which is a warning
// log. The workflow_stalled event is emitted either way.
func WithStallHandler(fn StallHandler) Option {
	return func(s *Scheduler) {
		s.stallHandler = fn
	}
}

// taskRun is one observed DOING transition handed to the queue. The
// generation pins the observation: a revision bumps the task's generation
// and thereby invalidates any queued or in-flight run of the old one.
type taskRun struct {
	task *schema.Task
	gen  uint64
}

// Scheduler drains an externally owned task list through a single-slot
// queue, advancing the board as executions settle. Tasks run strictly one
// at a time in list order; DONE promotes the next TODO task, revision
// pulls a task back and resets everything after it. The task list is
// shared state: the scheduler transitions statuses through its FSMs, and
// outside writers may flip a task to DOING themselves and let Sync hand
// it to the queue.
type Scheduler struct {
	cfg   Config
	agent Agent

	logger *slog.Logger
	sink   events.Sink

	taskFSM *TaskFSM
	wfFSM   *WorkflowFSM
	queue   *Queue
	dog     *watchdog

	statusHandler func(task *schema.Task, from, to schema.TaskStatus)
	errorHandler  func(task *schema.Task, ferr *schema.FlowError)
	stallHandler  StallHandler

	mu         sync.Mutex
	tasks      []*schema.Task
	status     schema.WorkflowStatus
	result     any
	prev       map[string]schema.TaskStatus
	gen        map[string]uint64
	inflight   map[string]context.CancelFunc
	lastChange time.Time
	changed    chan struct{}
	started    bool
	stopped    bool
	ctx        context.Context
	cancel     context.CancelFunc
}

// New builds a scheduler over the given task list. The slice is retained,
// not copied: callers keep ownership of the Task values and the scheduler
// writes statuses, results and errors back into them. Tasks with an empty
// status start as PENDING.
func New(cfg Config, tasks []*schema.Task, agent Agent, opts ...Option) (*Scheduler, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid scheduler config: %s", err.Error()).WithCause(err)
	}
	if len(tasks) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "at least one task is required")
	}
	if agent == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "an agent is required")
	}
	seen := make(map[string]struct{}, len(tasks))
	for i, t := range tasks {
		if t == nil || t.ID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "task at index %d has no id", i)
		}
		if _, dup := seen[t.ID]; dup {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate task id %q", t.ID)
		}
		seen[t.ID] = struct{}{}
		if t.Status == "" {
			t.Status = schema.TaskStatusPending
		}
	}

	s := &Scheduler{
		cfg:      cfg,
		agent:    agent,
		logger:   slog.Default(),
		sink:     events.NopSink{},
		tasks:    tasks,
		status:   schema.WorkflowStatusPending,
		prev:     make(map[string]schema.TaskStatus, len(tasks)),
		gen:      make(map[string]uint64, len(tasks)),
		inflight: make(map[string]context.CancelFunc),
		changed:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("workflow", cfg.WorkflowID)
	s.taskFSM = NewTaskFSM(s.sink)
	s.wfFSM = NewWorkflowFSM(s.sink)
	s.queue = NewQueue(1)
	s.dog = newWatchdog(cfg.StallTimeout, s.lastChangeAt, s.stalled)
	return s, nil
}

// TaskFSM returns the task state machine for hook registration.
func (s *Scheduler) TaskFSM() *TaskFSM { return s.taskFSM }

// WorkflowFSM returns the workflow state machine for hook registration.
func (s *Scheduler) WorkflowFSM() *WorkflowFSM { return s.wfFSM }

// Start activates the board: pending tasks move to TODO and the first
// TODO task is promoted to DOING and handed to the queue. The context
// parents every task execution; cancelling it aborts in-flight work.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "scheduler already started")
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.lastChange = time.Now()

	if err := s.setWorkflowStatus(s.ctx, schema.WorkflowStatusRunning); err != nil {
		s.mu.Unlock()
		return err
	}
	for _, t := range s.tasks {
		if t.Status != schema.TaskStatusPending {
			continue
		}
		if err := s.setTaskStatus(s.ctx, t, schema.TaskStatusTodo); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.advance(s.ctx)
	runs := s.observe()
	runCtx := s.ctx
	s.mu.Unlock()

	s.dog.start()
	s.dispatch(runCtx, runs)
	return nil
}

// Sync reconciles the board: it advances promotion, diffs the current
// statuses against the previous observation and enqueues every task that
// newly became DOING. The scheduler syncs itself after each transition it
// makes; external writers that flip statuses directly call Sync to hand
// their changes to the queue.
func (s *Scheduler) Sync(ctx context.Context) {
	s.mu.Lock()
	if !s.started || s.stopped {
		s.mu.Unlock()
		return
	}
	s.advance(ctx)
	runs := s.observe()
	runCtx := s.ctx
	s.mu.Unlock()
	s.dispatch(runCtx, runs)
}

// Validate approves a task that is awaiting validation and advances the
// board past it.
func (s *Scheduler) Validate(ctx context.Context, taskID string) error {
	s.mu.Lock()
	t := s.find(taskID)
	if t == nil {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	if err := s.setTaskStatus(ctx, t, schema.TaskStatusValidated); err != nil {
		s.mu.Unlock()
		return err
	}
	s.emit(ctx, schema.EventTaskCompleted, t.ID, map[string]any{"status": string(schema.TaskStatusValidated)})
	s.logger.InfoContext(ctx, "task validated", "task_id", t.ID)
	s.advance(ctx)
	runs := s.observe()
	runCtx := s.ctx
	s.mu.Unlock()
	s.dispatch(runCtx, runs)
	return nil
}

// Revise pulls a task back for another pass with the given feedback. The
// task re-executes immediately and every later task is reset to TODO so
// it reruns against the revised output. Valid for tasks that are DOING,
// DONE, VALIDATED or AWAITING_VALIDATION; an in-flight execution of the
// task is cancelled and its outcome discarded.
func (s *Scheduler) Revise(ctx context.Context, taskID, feedback string) error {
	s.mu.Lock()
	t, idx := s.findIndex(taskID)
	if t == nil {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	if s.status == schema.WorkflowStatusErrored {
		s.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "workflow is errored")
	}
	if err := s.setTaskStatus(ctx, t, schema.TaskStatusRevise); err != nil {
		s.mu.Unlock()
		return err
	}
	t.Feedback = feedback
	s.retire(t)
	t.Reset()

	for i := idx + 1; i < len(s.tasks); i++ {
		u := s.tasks[i]
		if u.Status == schema.TaskStatusTodo || u.Status == schema.TaskStatusPending {
			continue
		}
		if !isValidTaskTransition(u.Status, schema.TaskStatusTodo) {
			continue
		}
		if err := s.setTaskStatus(ctx, u, schema.TaskStatusTodo); err != nil {
			s.mu.Unlock()
			return err
		}
		s.retire(u)
		u.Reset()
	}

	// Record the intermediate statuses before promoting, so the diff below
	// sees REVISE -> DOING as a fresh DOING and re-enqueues the task.
	_ = s.observe()

	if err := s.setTaskStatus(ctx, t, schema.TaskStatusDoing); err != nil {
		s.mu.Unlock()
		return err
	}
	now := time.Now().UTC()
	t.StartedAt = &now
	if s.status == schema.WorkflowStatusFinished || s.status == schema.WorkflowStatusBlocked {
		if err := s.setWorkflowStatus(ctx, schema.WorkflowStatusRunning); err != nil {
			s.mu.Unlock()
			return err
		}
	}
	s.logger.InfoContext(ctx, "task revised", "task_id", t.ID)
	runs := s.observe()
	runCtx := s.ctx
	s.mu.Unlock()
	s.dispatch(runCtx, runs)
	return nil
}

// Unblock returns a blocked task to the queue. Optional feedback gives
// the agent steering for the retry.
func (s *Scheduler) Unblock(ctx context.Context, taskID, feedback string) error {
	s.mu.Lock()
	t := s.find(taskID)
	if t == nil {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	if t.Status != schema.TaskStatusBlocked {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q is not blocked", taskID)
	}
	if err := s.setTaskStatus(ctx, t, schema.TaskStatusTodo); err != nil {
		s.mu.Unlock()
		return err
	}
	if feedback != "" {
		t.Feedback = feedback
	}
	t.Reset()
	s.logger.InfoContext(ctx, "task unblocked", "task_id", t.ID)
	s.advance(ctx)
	runs := s.observe()
	runCtx := s.ctx
	s.mu.Unlock()
	s.dispatch(runCtx, runs)
	return nil
}

// Fail abandons a blocked task: it moves to ERROR with the given reason
// and the workflow becomes errored.
func (s *Scheduler) Fail(ctx context.Context, taskID, reason string) error {
	s.mu.Lock()
	t := s.find(taskID)
	if t == nil {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "unknown task %q", taskID)
	}
	if t.Status != schema.TaskStatusBlocked {
		s.mu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "task %q is not blocked", taskID)
	}
	if reason == "" {
		reason = "task abandoned"
	}
	s.failTask(ctx, t, schema.NewError(schema.ErrCodeExecution, reason))
	s.mu.Unlock()
	return nil
}

// Stop halts the scheduler: in-flight work is cancelled, queued work is
// discarded and the watchdog stops. Task statuses keep whatever values
// they had; pending Wait calls return only through their own context.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.dog.stop()
	s.queue.Shutdown()
}

// Wait blocks until the workflow reaches finished or errored, or the
// context ends. It returns the status current at return time.
func (s *Scheduler) Wait(ctx context.Context) (schema.WorkflowStatus, error) {
	for {
		s.mu.Lock()
		st := s.status
		ch := s.changed
		s.mu.Unlock()
		if st == schema.WorkflowStatusFinished || st == schema.WorkflowStatusErrored {
			return st, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return st, ctx.Err()
		}
	}
}

// Status returns the current workflow status.
func (s *Scheduler) Status() schema.WorkflowStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Result returns the last task's result once every task has settled, nil
// before that.
func (s *Scheduler) Result() any {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.result
}

// Tasks returns the task list in board order. The Task values are shared
// with the caller; treat them as read-only while the scheduler runs.
func (s *Scheduler) Tasks() []*schema.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.tasks)
}

// TaskStatus returns the current status of one task.
func (s *Scheduler) TaskStatus(taskID string) (schema.TaskStatus, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t := s.find(taskID); t != nil {
		return t.Status, true
	}
	return "", false
}

// Metrics returns queue counters for the board's executions.
func (s *Scheduler) Metrics() QueueMetrics {
	return s.queue.Metrics()
}

// --- Board internals ---

// advance walks the board in order; the first non-settled task decides
// what happens next. Errored boards never promote new work. Callers hold
// s.mu.
func (s *Scheduler) advance(ctx context.Context) {
	if s.status == schema.WorkflowStatusErrored {
		return
	}
	for _, t := range s.tasks {
		if t.Status.Settled() {
			continue
		}
		switch t.Status {
		case schema.TaskStatusTodo:
			if s.status == schema.WorkflowStatusBlocked || s.status == schema.WorkflowStatusFinished {
				if err := s.setWorkflowStatus(ctx, schema.WorkflowStatusRunning); err != nil {
					s.logger.WarnContext(ctx, "workflow resume failed", "error", err)
					return
				}
			}
			if err := s.setTaskStatus(ctx, t, schema.TaskStatusDoing); err != nil {
				s.logger.WarnContext(ctx, "task promotion failed", "task_id", t.ID, "error", err)
				return
			}
			now := time.Now().UTC()
			t.StartedAt = &now
			return
		case schema.TaskStatusBlocked:
			if err := s.setWorkflowStatus(ctx, schema.WorkflowStatusBlocked); err != nil {
				s.logger.WarnContext(ctx, "workflow block failed", "task_id", t.ID, "error", err)
			}
			return
		case schema.TaskStatusError:
			if err := s.setWorkflowStatus(ctx, schema.WorkflowStatusErrored); err != nil {
				s.logger.WarnContext(ctx, "workflow error transition failed", "task_id", t.ID, "error", err)
			}
			return
		default:
			// DOING, REVISE, AWAITING_VALIDATION, PENDING: execution or an
			// external decision is pending; nothing to promote.
			return
		}
	}

	s.result = s.tasks[len(s.tasks)-1].Result
	if err := s.setWorkflowStatus(ctx, schema.WorkflowStatusFinished); err != nil {
		s.logger.WarnContext(ctx, "workflow finish failed", "error", err)
		return
	}
	s.logger.InfoContext(ctx, "workflow finished")
}

// observe diffs the board against the previous observation and collects
// tasks that newly became DOING. Callers hold s.mu; the returned runs are
// dispatched after the lock is released.
func (s *Scheduler) observe() []taskRun {
	if !s.started || s.stopped {
		return nil
	}
	var runs []taskRun
	for _, t := range s.tasks {
		if t.Status == schema.TaskStatusDoing && s.prev[t.ID] != schema.TaskStatusDoing {
			runs = append(runs, taskRun{task: t, gen: s.gen[t.ID]})
		}
		s.prev[t.ID] = t.Status
	}
	return runs
}

// dispatch hands observed executions to the queue on fresh goroutines:
// the queue applies backpressure through its single slot, and blocking
// here would wedge the completion path that called us.
func (s *Scheduler) dispatch(ctx context.Context, runs []taskRun) {
	for _, r := range runs {
		go func(r taskRun) {
			err := s.queue.Submit(ctx, func(ctx context.Context) error {
				return s.execute(ctx, r.task, r.gen)
			})
			if err != nil && !errors.Is(err, ErrQueueShutdown) && !errors.Is(err, context.Canceled) {
				s.logger.Warn("task submission failed", "task_id", r.task.ID, "error", err)
			}
		}(r)
	}
}

// execute runs one task through the agent and folds the outcome back into
// the board. A stale generation means the task was revised while this
// execution was queued or in flight; its outcome is discarded.
func (s *Scheduler) execute(ctx context.Context, t *schema.Task, gen uint64) error {
	s.mu.Lock()
	if s.stopped || s.gen[t.ID] != gen || t.Status != schema.TaskStatusDoing {
		s.mu.Unlock()
		return nil
	}
	var execCtx context.Context
	var cancel context.CancelFunc
	if s.cfg.TaskTimeout > 0 {
		execCtx, cancel = context.WithTimeout(ctx, s.cfg.TaskTimeout)
	} else {
		execCtx, cancel = context.WithCancel(ctx)
	}
	s.inflight[t.ID] = cancel
	s.mu.Unlock()

	execCtx = logging.WithTaskID(execCtx, t.ID)
	s.logger.InfoContext(execCtx, "task started", "task_id", t.ID, "agent", t.Agent)
	out, err := s.runAgent(execCtx, t)
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	s.mu.Lock()
	delete(s.inflight, t.ID)
	if s.stopped || s.gen[t.ID] != gen || t.Status != schema.TaskStatusDoing {
		s.mu.Unlock()
		s.logger.InfoContext(ctx, "stale task outcome discarded", "task_id", t.ID)
		return nil
	}

	var failure error
	switch {
	case err == nil:
		s.completeTask(ctx, t, out)
	case errors.Is(err, ErrTaskBlocked):
		s.blockTask(ctx, t)
	case timedOut || errors.Is(err, context.DeadlineExceeded):
		failure = schema.NewErrorf(schema.ErrCodeTimeout,
			"task timed out after %s", s.cfg.TaskTimeout).WithCause(err)
		s.failTask(ctx, t, failure)
	case errors.Is(err, context.Canceled):
		failure = schema.NewError(schema.ErrCodeCancelled, "task cancelled").WithCause(err)
		s.failTask(ctx, t, failure)
	default:
		failure = err
		s.failTask(ctx, t, failure)
	}
	runs := s.observe()
	runCtx := s.ctx
	s.mu.Unlock()

	s.dispatch(runCtx, runs)
	return failure
}

// runAgent invokes the agent with panic isolation: a panicking agent
// reports an execution error instead of killing the queue slot.
func (s *Scheduler) runAgent(ctx context.Context, t *schema.Task) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out = nil
			err = schema.NewErrorf(schema.ErrCodeExecution, "agent panicked: %v", r)
		}
	}()
	return s.agent.Execute(ctx, t)
}

// completeTask records the agent's output and settles or parks the task
// depending on its validation requirement. Callers hold s.mu.
func (s *Scheduler) completeTask(ctx context.Context, t *schema.Task, out any) {
	now := time.Now().UTC()
	t.Result = out
	t.Error = nil
	t.EndedAt = &now
	to := schema.TaskStatusDone
	if t.RequiresValidation {
		to = schema.TaskStatusAwaitingValidation
	}
	if err := s.setTaskStatus(ctx, t, to); err != nil {
		s.logger.WarnContext(ctx, "task completion transition failed", "task_id", t.ID, "error", err)
		return
	}
	if to == schema.TaskStatusAwaitingValidation {
		s.logger.InfoContext(ctx, "task awaiting validation", "task_id", t.ID)
		return
	}
	s.emit(ctx, schema.EventTaskCompleted, t.ID, map[string]any{"status": string(to)})
	s.logger.InfoContext(ctx, "task completed", "task_id", t.ID)
	s.advance(ctx)
}

// blockTask parks the task and, since later tasks depend on its output,
// the whole board. Callers hold s.mu.
func (s *Scheduler) blockTask(ctx context.Context, t *schema.Task) {
	if err := s.setTaskStatus(ctx, t, schema.TaskStatusBlocked); err != nil {
		s.logger.WarnContext(ctx, "task block transition failed", "task_id", t.ID, "error", err)
		return
	}
	s.logger.WarnContext(ctx, "task blocked", "task_id", t.ID)
	if err := s.setWorkflowStatus(ctx, schema.WorkflowStatusBlocked); err != nil {
		s.logger.WarnContext(ctx, "workflow block failed", "error", err)
	}
}

// failTask records the failure, notifies the error handler and errors the
// workflow. Callers hold s.mu.
func (s *Scheduler) failTask(ctx context.Context, t *schema.Task, err error) {
	ferr := schema.AsFlowError(err, schema.ErrCodeExecution)
	now := time.Now().UTC()
	t.Error = ferr
	t.EndedAt = &now
	if terr := s.setTaskStatus(ctx, t, schema.TaskStatusError); terr != nil {
		s.logger.WarnContext(ctx, "task failure transition failed", "task_id", t.ID, "error", terr)
		return
	}
	s.emit(ctx, schema.EventTaskFailed, t.ID, map[string]any{"code": ferr.Code, "error": ferr.Message})
	s.logger.ErrorContext(ctx, "task failed", "task_id", t.ID, "code", ferr.Code, "error", ferr.Message)
	if s.errorHandler != nil {
		s.errorHandler(t, ferr)
	}
	if werr := s.setWorkflowStatus(ctx, schema.WorkflowStatusErrored); werr != nil {
		s.logger.WarnContext(ctx, "workflow error transition failed", "error", werr)
	}
}

// setTaskStatus runs the FSM transition and applies the new status to the
// task. Callers hold s.mu.
func (s *Scheduler) setTaskStatus(ctx context.Context, t *schema.Task, to schema.TaskStatus) error {
	from := t.Status
	if err := s.taskFSM.Transition(ctx, s.cfg.WorkflowID, t.ID, from, to); err != nil {
		return err
	}
	t.Status = to
	s.touch()
	if s.statusHandler != nil {
		s.statusHandler(t, from, to)
	}
	return nil
}

// setWorkflowStatus runs the FSM transition and applies the new board
// status. Callers hold s.mu.
func (s *Scheduler) setWorkflowStatus(ctx context.Context, to schema.WorkflowStatus) error {
	from := s.status
	if from == to {
		return nil
	}
	if err := s.wfFSM.Transition(ctx, s.cfg.WorkflowID, from, to); err != nil {
		return err
	}
	s.status = to
	s.touch()
	s.logger.InfoContext(ctx, "workflow status changed", "from", string(from), "to", string(to))
	return nil
}

// touch records board progress for Wait callers and the stall watchdog.
// Callers hold s.mu.
func (s *Scheduler) touch() {
	s.lastChange = time.Now()
	close(s.changed)
	s.changed = make(chan struct{})
}

// retire invalidates any queued or in-flight execution of the task.
// Callers hold s.mu.
func (s *Scheduler) retire(t *schema.Task) {
	s.gen[t.ID]++
	if cancel, ok := s.inflight[t.ID]; ok {
		cancel()
		delete(s.inflight, t.ID)
	}
}

func (s *Scheduler) find(taskID string) *schema.Task {
	t, _ := s.findIndex(taskID)
	return t
}

func (s *Scheduler) findIndex(taskID string) (*schema.Task, int) {
	for i, t := range s.tasks {
		if t.ID == taskID {
			return t, i
		}
	}
	return nil, -1
}

func (s *Scheduler) emit(ctx context.Context, eventType, taskID string, payload map[string]any) {
	_ = s.sink.Emit(ctx, events.Event{
		RunID:     s.cfg.WorkflowID,
		TaskID:    taskID,
		Type:      eventType,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}

// lastChangeAt feeds the watchdog's idle measurement.
func (s *Scheduler) lastChangeAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastChange
}

// stalled is the watchdog callback: no status change for the stall
// window. It reports only while the board is live.
func (s *Scheduler) stalled(idle time.Duration) {
	s.mu.Lock()
	status := s.status
	ctx := s.ctx
	s.mu.Unlock()
	if status != schema.WorkflowStatusRunning && status != schema.WorkflowStatusBlocked {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	s.emit(ctx, schema.EventWorkflowStalled, "", map[string]any{
		"idle_ms": idle.Milliseconds(),
		"status":  string(status),
	})
	if s.stallHandler != nil {
		s.stallHandler(s.cfg.WorkflowID, idle)
		return
	}
	s.logger.WarnContext(ctx, "workflow stalled", "idle", idle.String(), "status", string(status))
}
