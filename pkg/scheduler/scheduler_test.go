package scheduler

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// --- Test helpers ---

// scriptedAgent routes every execution through fn, recording the order of
// task executions and a per-task call counter.
type scriptedAgent struct {
	mu    sync.Mutex
	order []string
	calls map[string]int
	fn    func(ctx context.Context, task *schema.Task, call int) (any, error)
}

func newScriptedAgent(fn func(ctx context.Context, task *schema.Task, call int) (any, error)) *scriptedAgent {
	return &scriptedAgent{calls: map[string]int{}, fn: fn}
}

func (a *scriptedAgent) Execute(ctx context.Context, task *schema.Task) (any, error) {
	a.mu.Lock()
	a.calls[task.ID]++
	call := a.calls[task.ID]
	a.order = append(a.order, task.ID)
	a.mu.Unlock()
	return a.fn(ctx, task, call)
}

func (a *scriptedAgent) executed() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return slices.Clone(a.order)
}

func (a *scriptedAgent) callCount(id string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls[id]
}

// echoAgent completes every task with "<id>#<call>".
func echoAgent() *scriptedAgent {
	return newScriptedAgent(func(_ context.Context, task *schema.Task, call int) (any, error) {
		return fmt.Sprintf("%s#%d", task.ID, call), nil
	})
}

func boardTasks(ids ...string) []*schema.Task {
	tasks := make([]*schema.Task, len(ids))
	for i, id := range ids {
		tasks[i] = &schema.Task{ID: id, Title: id}
	}
	return tasks
}

func newBoard(t *testing.T, tasks []*schema.Task, agent Agent, opts ...Option) *Scheduler {
	t.Helper()
	s, err := New(Config{WorkflowID: "wf-test"}, tasks, agent, opts...)
	require.NoError(t, err)
	t.Cleanup(s.Stop)
	return s
}

// waitTerminal blocks until the board finishes or errors.
func waitTerminal(t *testing.T, s *Scheduler) schema.WorkflowStatus {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := s.Wait(ctx)
	require.NoError(t, err, "board did not settle in time")
	return st
}

func waitTaskStatus(t *testing.T, s *Scheduler, taskID string, want schema.TaskStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, ok := s.TaskStatus(taskID)
		return ok && st == want
	}, 2*time.Second, 2*time.Millisecond, "task %s never reached %s", taskID, want)
}

func waitWorkflowStatus(t *testing.T, s *Scheduler, want schema.WorkflowStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		return s.Status() == want
	}, 2*time.Second, 2*time.Millisecond, "workflow never reached %s", want)
}

// ============================================================
// Serial drain
// ============================================================

func TestScheduler_RunsTasksInOrder(t *testing.T) {
	agent := echoAgent()
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent)

	require.NoError(t, s.Start(context.Background()))
	st := waitTerminal(t, s)

	assert.Equal(t, schema.WorkflowStatusFinished, st)
	assert.Equal(t, []string{"t1", "t2", "t3"}, agent.executed())
	assert.Equal(t, "t3#1", s.Result())
	assert.Equal(t, int64(3), s.Metrics().Completed)
	for _, task := range s.Tasks() {
		assert.Equal(t, schema.TaskStatusDone, task.Status)
		assert.Equal(t, task.ID+"#1", task.Result)
		assert.NotNil(t, task.StartedAt)
		assert.NotNil(t, task.EndedAt)
	}
}

func TestScheduler_OneTaskAtATime(t *testing.T) {
	var active, maxActive int32
	agent := newScriptedAgent(func(_ context.Context, _ *schema.Task, _ int) (any, error) {
		cur := atomic.AddInt32(&active, 1)
		for {
			seen := atomic.LoadInt32(&maxActive)
			if cur <= seen || atomic.CompareAndSwapInt32(&maxActive, seen, cur) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		atomic.AddInt32(&active, -1)
		return "ok", nil
	})
	s := newBoard(t, boardTasks("a", "b", "c", "d"), agent)

	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))
}

func TestScheduler_EmitsLifecycleEvents(t *testing.T) {
	sink := &captureSink{}
	s := newBoard(t, boardTasks("solo"), echoAgent(), WithSink(sink))

	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	assert.Equal(t, []string{
		schema.EventWorkflowStatusChanged, // pending -> running
		schema.EventTaskStatusChanged,     // PENDING -> TODO
		schema.EventTaskStatusChanged,     // TODO -> DOING
		schema.EventTaskStatusChanged,     // DOING -> DONE
		schema.EventTaskCompleted,
		schema.EventWorkflowStatusChanged, // running -> finished
	}, sink.types())

	changed := sink.ofType(schema.EventTaskStatusChanged)
	assert.Equal(t, "PENDING", payloadOf(changed[0])["from"])
	assert.Equal(t, "DONE", payloadOf(changed[2])["to"])
	assert.Equal(t, "wf-test", changed[0].RunID)
}

func TestScheduler_StatusHandlerSeesTransitions(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	handler := func(task *schema.Task, from, to schema.TaskStatus) {
		mu.Lock()
		seen = append(seen, fmt.Sprintf("%s:%s->%s", task.ID, from, to))
		mu.Unlock()
	}
	s := newBoard(t, boardTasks("t1"), echoAgent(), WithStatusHandler(handler))

	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"t1:PENDING->TODO",
		"t1:TODO->DOING",
		"t1:DOING->DONE",
	}, seen)
}

func TestScheduler_FSMHooksObservePromotions(t *testing.T) {
	var promoted atomic.Int32
	s := newBoard(t, boardTasks("t1", "t2", "t3"), echoAgent())
	s.TaskFSM().OnAfter(schema.TaskStatusTodo, schema.TaskStatusDoing, func(from, to string) error {
		promoted.Add(1)
		return nil
	})

	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	assert.Equal(t, int32(3), promoted.Load())
}

// ============================================================
// Validation flow
// ============================================================

func TestScheduler_ValidationParksTask(t *testing.T) {
	tasks := boardTasks("draft", "review", "publish")
	tasks[1].RequiresValidation = true
	agent := echoAgent()
	sink := &captureSink{}
	s := newBoard(t, tasks, agent, WithSink(sink))

	require.NoError(t, s.Start(context.Background()))
	waitTaskStatus(t, s, "review", schema.TaskStatusAwaitingValidation)

	assert.Equal(t, schema.WorkflowStatusRunning, s.Status())
	st, _ := s.TaskStatus("publish")
	assert.Equal(t, schema.TaskStatusTodo, st, "later tasks wait for validation")
	assert.Equal(t, 0, agent.callCount("publish"))

	require.NoError(t, s.Validate(context.Background(), "review"))
	waitTerminal(t, s)

	assert.Equal(t, "publish#1", s.Result())
	assert.Equal(t, schema.TaskStatusValidated, s.Tasks()[1].Status)

	completed := sink.ofType(schema.EventTaskCompleted)
	require.Len(t, completed, 3)
	assert.Equal(t, "VALIDATED", payloadOf(completed[1])["status"])
}

func TestScheduler_ValidateRejectsWrongState(t *testing.T) {
	s := newBoard(t, boardTasks("t1"), echoAgent())
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	err := s.Validate(context.Background(), "t1")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.AsFlowError(err, "").Code)

	err = s.Validate(context.Background(), "ghost")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsFlowError(err, "").Code)
}

// ============================================================
// Failure and timeout
// ============================================================

func TestScheduler_AgentErrorFailsWorkflow(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, task *schema.Task, _ int) (any, error) {
		if task.ID == "t2" {
			return nil, schema.NewError(schema.ErrCodeExecution, "llm refused")
		}
		return "ok", nil
	})
	var mu sync.Mutex
	var failures []string
	handler := func(task *schema.Task, ferr *schema.FlowError) {
		mu.Lock()
		failures = append(failures, task.ID+":"+ferr.Code)
		mu.Unlock()
	}
	sink := &captureSink{}
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent, WithErrorHandler(handler), WithSink(sink))

	require.NoError(t, s.Start(context.Background()))
	st := waitTerminal(t, s)

	assert.Equal(t, schema.WorkflowStatusErrored, st)
	tasks := s.Tasks()
	assert.Equal(t, schema.TaskStatusError, tasks[1].Status)
	require.NotNil(t, tasks[1].Error)
	assert.Equal(t, "llm refused", tasks[1].Error.Message)
	assert.Equal(t, schema.TaskStatusTodo, tasks[2].Status, "later tasks never run")
	assert.Equal(t, 0, agent.callCount("t3"))

	mu.Lock()
	assert.Equal(t, []string{"t2:" + schema.ErrCodeExecution}, failures)
	mu.Unlock()

	failed := sink.ofType(schema.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "t2", failed[0].TaskID)
	assert.Equal(t, "llm refused", payloadOf(failed[0])["error"])
}

func TestScheduler_TimeoutBecomesTimeoutError(t *testing.T) {
	agent := newScriptedAgent(func(ctx context.Context, _ *schema.Task, _ int) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s, err := New(Config{WorkflowID: "wf-timeout", TaskTimeout: 15 * time.Millisecond},
		boardTasks("slow"), agent)
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	require.NoError(t, s.Start(context.Background()))
	st := waitTerminal(t, s)

	assert.Equal(t, schema.WorkflowStatusErrored, st)
	task := s.Tasks()[0]
	require.NotNil(t, task.Error)
	assert.Equal(t, schema.ErrCodeTimeout, task.Error.Code)
	assert.Contains(t, task.Error.Message, "timed out")
}

func TestScheduler_AgentPanicIsIsolated(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, _ *schema.Task, _ int) (any, error) {
		panic("agent bug")
	})
	s := newBoard(t, boardTasks("t1"), agent)

	require.NoError(t, s.Start(context.Background()))
	st := waitTerminal(t, s)

	assert.Equal(t, schema.WorkflowStatusErrored, st)
	task := s.Tasks()[0]
	require.NotNil(t, task.Error)
	assert.Equal(t, schema.ErrCodeExecution, task.Error.Code)
	assert.Contains(t, task.Error.Message, "agent panicked")
}

// ============================================================
// Blocked tasks
// ============================================================

func TestScheduler_BlockedTaskParksBoard(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, task *schema.Task, call int) (any, error) {
		if task.ID == "t2" && call == 1 {
			return nil, ErrTaskBlocked
		}
		if task.ID == "t2" && call == 2 && task.Feedback != "use cached creds" {
			return nil, errors.New("feedback not delivered")
		}
		return fmt.Sprintf("%s#%d", task.ID, call), nil
	})
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent)

	require.NoError(t, s.Start(context.Background()))
	waitWorkflowStatus(t, s, schema.WorkflowStatusBlocked)

	st, _ := s.TaskStatus("t2")
	assert.Equal(t, schema.TaskStatusBlocked, st)
	st, _ = s.TaskStatus("t3")
	assert.Equal(t, schema.TaskStatusTodo, st)

	require.NoError(t, s.Unblock(context.Background(), "t2", "use cached creds"))
	final := waitTerminal(t, s)

	assert.Equal(t, schema.WorkflowStatusFinished, final)
	assert.Equal(t, 2, agent.callCount("t2"))
	assert.Equal(t, "t2#2", s.Tasks()[1].Result)
}

func TestScheduler_UnblockRejectsWrongState(t *testing.T) {
	s := newBoard(t, boardTasks("t1"), echoAgent())
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	err := s.Unblock(context.Background(), "t1", "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.AsFlowError(err, "").Code)

	err = s.Unblock(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsFlowError(err, "").Code)
}

func TestScheduler_FailAbandonsBlockedTask(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, task *schema.Task, _ int) (any, error) {
		if task.ID == "t2" {
			return nil, ErrTaskBlocked
		}
		return "ok", nil
	})
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent)

	require.NoError(t, s.Start(context.Background()))
	waitWorkflowStatus(t, s, schema.WorkflowStatusBlocked)

	err := s.Fail(context.Background(), "t3", "wrong target")
	require.Error(t, err, "only blocked tasks can be abandoned")
	assert.Equal(t, schema.ErrCodeConflict, schema.AsFlowError(err, "").Code)

	require.NoError(t, s.Fail(context.Background(), "t2", "nobody can unblock this"))
	st := waitTerminal(t, s)

	assert.Equal(t, schema.WorkflowStatusErrored, st)
	task := s.Tasks()[1]
	assert.Equal(t, schema.TaskStatusError, task.Status)
	require.NotNil(t, task.Error)
	assert.Equal(t, "nobody can unblock this", task.Error.Message)
}

// ============================================================
// Revision
// ============================================================

func TestScheduler_ReviseRerunsFromTask(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, task *schema.Task, call int) (any, error) {
		if task.ID == "t1" && call == 2 && task.Feedback != "tighten the summary" {
			return nil, errors.New("feedback not delivered")
		}
		return fmt.Sprintf("%s#%d", task.ID, call), nil
	})
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, schema.WorkflowStatusFinished, waitTerminal(t, s))
	assert.Equal(t, "t3#1", s.Result())

	require.NoError(t, s.Revise(context.Background(), "t1", "tighten the summary"))
	require.Equal(t, schema.WorkflowStatusFinished, waitTerminal(t, s))

	assert.Equal(t, "t3#2", s.Result())
	for _, id := range []string{"t1", "t2", "t3"} {
		assert.Equal(t, 2, agent.callCount(id), "%s reruns after revision", id)
	}
	assert.Equal(t, []string{"t1", "t2", "t3", "t1", "t2", "t3"}, agent.executed())
}

func TestScheduler_ReviseMidBoardKeepsEarlierResults(t *testing.T) {
	agent := echoAgent()
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent)

	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)

	require.NoError(t, s.Revise(context.Background(), "t2", "redo the middle"))
	waitTerminal(t, s)

	assert.Equal(t, 1, agent.callCount("t1"), "tasks before the revised one stay settled")
	assert.Equal(t, 2, agent.callCount("t2"))
	assert.Equal(t, 2, agent.callCount("t3"))
	assert.Equal(t, "t1#1", s.Tasks()[0].Result)
}

func TestScheduler_ReviseDuringExecutionDiscardsStaleOutcome(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	agent := newScriptedAgent(func(_ context.Context, _ *schema.Task, call int) (any, error) {
		if call == 1 {
			close(started)
			<-release
			return "stale", nil
		}
		return "fresh", nil
	})
	s := newBoard(t, boardTasks("solo"), agent)

	require.NoError(t, s.Start(context.Background()))
	<-started
	require.NoError(t, s.Revise(context.Background(), "solo", "redo"))
	close(release)

	st := waitTerminal(t, s)
	assert.Equal(t, schema.WorkflowStatusFinished, st)
	task := s.Tasks()[0]
	assert.Equal(t, "fresh", task.Result, "the pre-revision outcome is discarded")
	assert.Equal(t, "redo", task.Feedback)
	assert.Equal(t, 2, agent.callCount("solo"))
}

func TestScheduler_ReviseRejectsWrongState(t *testing.T) {
	tasks := boardTasks("t1", "t2")
	tasks[0].RequiresValidation = true
	s := newBoard(t, tasks, echoAgent())

	require.NoError(t, s.Start(context.Background()))
	waitTaskStatus(t, s, "t1", schema.TaskStatusAwaitingValidation)

	err := s.Revise(context.Background(), "t2", "too early")
	require.Error(t, err, "TODO tasks have nothing to revise")
	assert.Equal(t, schema.ErrCodeInvalidTransition, schema.AsFlowError(err, "").Code)

	err = s.Revise(context.Background(), "ghost", "")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.AsFlowError(err, "").Code)
}

func TestScheduler_ReviseRejectedOnErroredBoard(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, task *schema.Task, _ int) (any, error) {
		if task.ID == "t2" {
			return nil, errors.New("hard failure")
		}
		return "ok", nil
	})
	s := newBoard(t, boardTasks("t1", "t2"), agent)

	require.NoError(t, s.Start(context.Background()))
	require.Equal(t, schema.WorkflowStatusErrored, waitTerminal(t, s))

	err := s.Revise(context.Background(), "t1", "try again")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.AsFlowError(err, "").Code)
}

// ============================================================
// Level-triggered observation
// ============================================================

func TestScheduler_SyncPicksUpExternalDoing(t *testing.T) {
	agent := newScriptedAgent(func(_ context.Context, task *schema.Task, call int) (any, error) {
		if task.ID == "t2" && call == 1 {
			return nil, ErrTaskBlocked
		}
		return fmt.Sprintf("%s#%d", task.ID, call), nil
	})
	s := newBoard(t, boardTasks("t1", "t2", "t3"), agent)

	require.NoError(t, s.Start(context.Background()))
	waitWorkflowStatus(t, s, schema.WorkflowStatusBlocked)

	// An outside supervisor flips the task straight to DOING; the next
	// sync observes the change and hands it to the queue.
	s.Tasks()[1].Status = schema.TaskStatusDoing
	s.Sync(context.Background())

	st := waitTerminal(t, s)
	assert.Equal(t, schema.WorkflowStatusFinished, st)
	assert.Equal(t, 2, agent.callCount("t2"))
	assert.Equal(t, "t3#1", s.Result())
}

func TestScheduler_SyncBeforeStartIsANoop(t *testing.T) {
	agent := echoAgent()
	s := newBoard(t, boardTasks("t1"), agent)

	s.Sync(context.Background())
	assert.Equal(t, schema.WorkflowStatusPending, s.Status())
	assert.Equal(t, 0, agent.callCount("t1"))

	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)
}

// ============================================================
// Construction and lifecycle
// ============================================================

func TestNew_ValidatesConfigAndTasks(t *testing.T) {
	agent := echoAgent()
	cases := []struct {
		name  string
		cfg   Config
		tasks []*schema.Task
		agent Agent
	}{
		{"missing workflow id", Config{}, boardTasks("t1"), agent},
		{"negative timeout", Config{WorkflowID: "wf", TaskTimeout: -time.Second}, boardTasks("t1"), agent},
		{"no tasks", Config{WorkflowID: "wf"}, nil, agent},
		{"nil agent", Config{WorkflowID: "wf"}, boardTasks("t1"), nil},
		{"task without id", Config{WorkflowID: "wf"}, []*schema.Task{{}}, agent},
		{"duplicate task ids", Config{WorkflowID: "wf"}, boardTasks("t1", "t1"), agent},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := New(tc.cfg, tc.tasks, tc.agent)
			require.Error(t, err)
			assert.Equal(t, schema.ErrCodeValidation, schema.AsFlowError(err, "").Code)
		})
	}
}

func TestScheduler_StartTwiceIsRejected(t *testing.T) {
	s := newBoard(t, boardTasks("t1"), echoAgent())
	require.NoError(t, s.Start(context.Background()))
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeConflict, schema.AsFlowError(err, "").Code)
	waitTerminal(t, s)
}

func TestScheduler_StopIsIdempotent(t *testing.T) {
	s := newBoard(t, boardTasks("t1"), echoAgent())
	require.NoError(t, s.Start(context.Background()))
	waitTerminal(t, s)
	s.Stop()
	s.Stop()
}

func TestScheduler_WaitHonorsContext(t *testing.T) {
	s := newBoard(t, boardTasks("t1"), echoAgent())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	st, err := s.Wait(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, schema.WorkflowStatusPending, st)
}
