// Package trigger starts workflow runs on cron schedules. Jobs pair a
// runner with a cron expression; a ticker loop fires due jobs, and a fire
// that would overlap a still-running execution of the same job is skipped
// until the next schedule boundary.
package trigger

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/kaiban-ai/kaiban-go/pkg/events"
	"github.com/kaiban-ai/kaiban-go/pkg/flow"
	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Runner starts one workflow run. Satisfied by *flow.Workflow. Start must
// return a non-nil result; run problems surface as the result status, not
// as an error.
type Runner interface {
	Start(ctx context.Context, input any) *flow.RunResult
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, input any) *flow.RunResult

func (f RunnerFunc) Start(ctx context.Context, input any) *flow.RunResult {
	return f(ctx, input)
}

var _ Runner = (*flow.Workflow)(nil)

// Config controls one trigger instance.
type Config struct {
	// Interval is the period of the due-job check. Zero selects the one
	// second default.
	Interval time.Duration `validate:"min=0"`
}

// Option configures a Trigger at construction time.
type Option func(*Trigger)

// WithLogger sets the structured logger the trigger logs through. Defaults
// to slog.Default.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Trigger) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithSink sets the event sink job events emit to. Defaults to a no-op
// sink.
func WithSink(sink events.Sink) Option {
	return func(t *Trigger) {
		if sink != nil {
			t.sink = sink
		}
	}
}

// JobInfo is a point-in-time snapshot of one registered job.
type JobInfo struct {
	ID            string           `json:"id"`
	Name          string           `json:"name"`
	Spec          string           `json:"spec"`
	Enabled       bool             `json:"enabled"`
	NextRunAt     time.Time        `json:"next_run_at"`
	LastRunAt     *time.Time       `json:"last_run_at,omitempty"`
	LastRunStatus schema.RunStatus `json:"last_run_status,omitempty"`
}

// job is the mutable table entry behind a JobInfo. id, name, spec,
// schedule, runner and input are fixed at registration; the rest is
// guarded by Trigger.jobsMu.
type job struct {
	id       string
	name     string
	spec     string
	schedule cron.Schedule
	runner   Runner
	input    any

	enabled    bool
	nextRun    time.Time
	lastRun    *time.Time
	lastStatus schema.RunStatus
}

// Trigger owns an in-memory job table and the loop that fires due jobs.
// Safe for concurrent use.
type Trigger struct {
	cfg    Config
	parser cron.Parser
	logger *slog.Logger
	sink   events.Sink

	// mu guards the Start/Stop lifecycle only; the job table has its own
	// lock so a tick can never block shutdown.
	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	jobsMu sync.Mutex
	jobs   map[string]*job

	inflightMu sync.Mutex
	inflight   map[string]struct{} // job IDs currently executing (dedup)

	runs sync.WaitGroup
}

// New creates a Trigger. The cron dialect accepts standard five-field
// expressions, an optional leading seconds field, and @descriptors such as
// @hourly and @every 90s.
func New(cfg Config, opts ...Option) (*Trigger, error) {
	if err := validate.Struct(cfg); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"invalid trigger config: %s", err.Error()).WithCause(err)
	}
	if cfg.Interval == 0 {
		cfg.Interval = time.Second
	}

	t := &Trigger{
		cfg: cfg,
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour |
			cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		logger:   slog.Default(),
		sink:     events.NopSink{},
		jobs:     make(map[string]*job),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Register adds an enabled job and returns its generated id. The first
// fire happens at the next schedule boundary after registration.
func (t *Trigger) Register(name, spec string, runner Runner, input any) (string, error) {
	if name == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "job name is empty")
	}
	if runner == nil {
		return "", schema.NewError(schema.ErrCodeValidation, "a runner is required")
	}
	schedule, err := t.parser.Parse(spec)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodeValidation, "invalid cron spec %q", spec).WithCause(err)
	}

	now := time.Now().UTC()
	j := &job{
		id:       uuid.NewString(),
		name:     name,
		spec:     spec,
		schedule: schedule,
		runner:   runner,
		input:    input,
		enabled:  true,
		nextRun:  schedule.Next(now),
	}

	t.jobsMu.Lock()
	t.jobs[j.id] = j
	t.jobsMu.Unlock()

	t.emit(context.Background(), schema.EventJobScheduled, map[string]any{
		"job_id":      j.id,
		"job":         j.name,
		"spec":        j.spec,
		"next_run_at": j.nextRun,
	})
	t.logger.Info("job scheduled", "job_id", j.id, "job", j.name, "spec", j.spec, "next_run_at", j.nextRun)
	return j.id, nil
}

// Deregister removes a job. An execution already in flight finishes; it
// just cannot fire again.
func (t *Trigger) Deregister(jobID string) error {
	t.jobsMu.Lock()
	defer t.jobsMu.Unlock()

	if _, ok := t.jobs[jobID]; !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", jobID)
	}
	delete(t.jobs, jobID)
	return nil
}

// Enable re-activates a disabled job. Its next fire is computed from now,
// so time spent disabled is not caught up.
func (t *Trigger) Enable(jobID string) error {
	t.jobsMu.Lock()
	defer t.jobsMu.Unlock()

	j, ok := t.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", jobID)
	}
	if !j.enabled {
		j.enabled = true
		j.nextRun = j.schedule.Next(time.Now().UTC())
	}
	return nil
}

// Disable stops a job from firing until Enable.
func (t *Trigger) Disable(jobID string) error {
	t.jobsMu.Lock()
	defer t.jobsMu.Unlock()

	j, ok := t.jobs[jobID]
	if !ok {
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", jobID)
	}
	j.enabled = false
	return nil
}

// Jobs returns a snapshot of the job table, sorted by name then id.
func (t *Trigger) Jobs() []JobInfo {
	t.jobsMu.Lock()
	defer t.jobsMu.Unlock()

	infos := make([]JobInfo, 0, len(t.jobs))
	for _, j := range t.jobs {
		infos = append(infos, JobInfo{
			ID:            j.id,
			Name:          j.name,
			Spec:          j.spec,
			Enabled:       j.enabled,
			NextRunAt:     j.nextRun,
			LastRunAt:     j.lastRun,
			LastRunStatus: j.lastStatus,
		})
	}
	sort.Slice(infos, func(i, k int) bool {
		if infos[i].Name != infos[k].Name {
			return infos[i].Name < infos[k].Name
		}
		return infos[i].ID < infos[k].ID
	})
	return infos
}

// Start launches the background firing loop. The context parents every
// scheduled run; cancelling it aborts in-flight work.
func (t *Trigger) Start(ctx context.Context) error {
	t.mu.Lock()
	if t.done != nil {
		t.mu.Unlock()
		return schema.NewError(schema.ErrCodeConflict, "trigger already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.mu.Unlock()

	go t.loop(runCtx)
	t.logger.Info("trigger started", "interval", t.cfg.Interval.String())
	return nil
}

// Stop shuts the loop down and waits for in-flight runs to settle. Safe to
// call repeatedly; a stopped trigger can be started again.
func (t *Trigger) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.cancel == nil {
		return nil
	}

	t.cancel()
	<-t.done
	t.runs.Wait()
	t.cancel = nil
	t.done = nil

	t.logger.Info("trigger stopped")
	return nil
}

// Fire runs a job immediately, bypassing its schedule, and advances the
// next scheduled fire past now. The run executes synchronously on the
// caller's goroutine. Overlap with an execution already in flight is a
// conflict, as is firing a disabled job.
func (t *Trigger) Fire(ctx context.Context, jobID string) error {
	t.jobsMu.Lock()
	j, ok := t.jobs[jobID]
	if !ok {
		t.jobsMu.Unlock()
		return schema.NewErrorf(schema.ErrCodeNotFound, "job %q not registered", jobID)
	}
	if !j.enabled {
		t.jobsMu.Unlock()
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q is disabled", jobID)
	}
	now := time.Now().UTC()
	j.nextRun = j.schedule.Next(now)
	t.jobsMu.Unlock()

	if !t.tryAcquire(jobID) {
		return schema.NewErrorf(schema.ErrCodeConflict, "job %q is already running", jobID)
	}
	defer t.release(jobID)

	t.run(ctx, j, now)
	return nil
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)

	ticker := time.NewTicker(t.cfg.Interval)
	defer ticker.Stop()

	// Run an initial check immediately.
	t.tick(ctx, time.Now().UTC())

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx, time.Now().UTC())
		}
	}
}

// tick fires every due job on its own goroutine. Due jobs have their next
// fire advanced whether or not they actually run, so a job skipped for
// overlap waits for its next boundary instead of firing the moment the
// previous execution ends.
func (t *Trigger) tick(ctx context.Context, now time.Time) {
	for _, j := range t.collectDue(now) {
		if !t.tryAcquire(j.id) {
			continue // already running (dedup)
		}
		t.runs.Add(1)
		go func(j *job) {
			defer t.runs.Done()
			defer t.release(j.id)
			t.run(ctx, j, now)
		}(j)
	}
}

func (t *Trigger) collectDue(now time.Time) []*job {
	t.jobsMu.Lock()
	defer t.jobsMu.Unlock()

	var due []*job
	for _, j := range t.jobs {
		if !j.enabled || j.nextRun.After(now) {
			continue
		}
		j.nextRun = j.schedule.Next(now)
		due = append(due, j)
	}
	return due
}

// run executes one fire and records the outcome on the job.
func (t *Trigger) run(ctx context.Context, j *job, scheduled time.Time) {
	t.emit(ctx, schema.EventJobFired, map[string]any{
		"job_id":       j.id,
		"job":          j.name,
		"scheduled_at": scheduled,
	})
	t.logger.InfoContext(ctx, "job fired", "job_id", j.id, "job", j.name)

	res := j.runner.Start(ctx, j.input)

	finished := time.Now().UTC()
	t.jobsMu.Lock()
	j.lastRun = &finished
	j.lastStatus = res.Status
	t.jobsMu.Unlock()

	if res.Status == schema.RunStatusFailed {
		msg := "run failed"
		if res.Error != nil {
			msg = res.Error.Message
		}
		t.logger.WarnContext(ctx, "job run failed",
			"job_id", j.id, "job", j.name, "run_id", res.RunID, "error", msg)
		return
	}
	t.logger.InfoContext(ctx, "job run finished",
		"job_id", j.id, "job", j.name, "run_id", res.RunID, "status", string(res.Status))
}

// tryAcquire marks the job as in-flight if it is not already running.
func (t *Trigger) tryAcquire(jobID string) bool {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	if _, ok := t.inflight[jobID]; ok {
		return false
	}
	t.inflight[jobID] = struct{}{}
	return true
}

func (t *Trigger) release(jobID string) {
	t.inflightMu.Lock()
	defer t.inflightMu.Unlock()
	delete(t.inflight, jobID)
}

func (t *Trigger) emit(ctx context.Context, typ string, payload map[string]any) {
	// Best-effort: sinks must not be able to delay firing.
	_ = t.sink.Emit(ctx, events.Event{
		Type:      typ,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})
}
