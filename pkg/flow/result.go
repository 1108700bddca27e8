package flow

import (
	"sync"
	"time"

	"github.com/kaiban-ai/kaiban-go/pkg/schema"
)

// InputKey is the reserved key under which RunResult.Steps exposes the
// workflow input. No block may use it as an id.
const InputKey = "input"

// BlockResult is the recorded outcome of one block invocation.
type BlockResult struct {
	Status  schema.BlockStatus `json:"status"`
	Output  any                `json:"output,omitempty"`
	Payload any                `json:"payload,omitempty"`
	Error   *schema.FlowError  `json:"error,omitempty"`

	// Input is recorded on suspended results only, so resume can re-enter
	// the block with the exact input it suspended with. Loop iterations and
	// foreach items depend on this: their inputs are not reproducible from
	// the workflow input alone.
	Input any `json:"input,omitempty"`
}

// Suspended identifies one suspended block invocation inside a run, with the
// payload the block surfaced when it suspended.
type Suspended struct {
	BlockID string `json:"block_id"`
	Path    Path   `json:"path"`
	Payload any    `json:"payload,omitempty"`
}

// RunResult is the terminal report of Start or Resume. It is always
// returned, never an error: validation failures, block failures and
// suspensions all land here with the matching status.
type RunResult struct {
	RunID  string           `json:"run_id"`
	Status schema.RunStatus `json:"status"`

	// Result is the final output of the last entry. Set only on completed
	// runs.
	Result any `json:"result,omitempty"`

	// Error describes why a failed run failed.
	Error *schema.FlowError `json:"error,omitempty"`

	// Suspended lists every suspended block invocation, in the order the
	// engine recorded them. Non-empty only on suspended runs.
	Suspended []Suspended `json:"suspended,omitempty"`

	// Steps maps block ids to their most recent recorded result, plus the
	// workflow input under InputKey.
	Steps map[string]*BlockResult `json:"steps"`

	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`

	snapshot *Snapshot
}

// Snapshot returns the serializable run state needed to resume a suspended
// run. Nil when the run did not produce one (failed validation).
func (r *RunResult) Snapshot() *Snapshot { return r.snapshot }

// Snapshot captures everything a later Resume call needs: the run identity,
// the original input and every recorded block invocation. It round-trips
// through JSON, so runs can be parked in external storage between suspension
// and resumption.
type Snapshot struct {
	RunID   string        `json:"run_id"`
	Input   any           `json:"input,omitempty"`
	Records []BlockRecord `json:"records,omitempty"`
}

// BlockRecord is one recorded block invocation inside a Snapshot.
type BlockRecord struct {
	BlockID string       `json:"block_id"`
	Path    Path         `json:"path"`
	Result  *BlockResult `json:"result"`
}

// SuspendedIDs returns the ids of all blocks recorded as suspended,
// deduplicated, in record order.
func (s *Snapshot) SuspendedIDs() []string {
	if s == nil {
		return nil
	}
	seen := map[string]struct{}{}
	var ids []string
	for _, rec := range s.Records {
		if rec.Result == nil || rec.Result.Status != schema.BlockStatusSuspended {
			continue
		}
		if _, ok := seen[rec.BlockID]; ok {
			continue
		}
		seen[rec.BlockID] = struct{}{}
		ids = append(ids, rec.BlockID)
	}
	return ids
}

// record is one stored invocation. restored marks records rebuilt from a
// snapshot, which is what resume's skip-completed and re-enter-suspended
// rules key off; records written during the current walk always have
// restored false.
type record struct {
	blockID  string
	path     Path
	result   *BlockResult
	restored bool
}

// resultSet is the shared result store of one run. Records are keyed by
// path, so the same block id invoked at different positions (foreach items,
// reused blocks) never collides; the id-keyed Steps view is derived
// last-write-wins.
type resultSet struct {
	mu    sync.RWMutex
	input any

	records map[string]*record
	order   []string
}

func newResultSet(input any) *resultSet {
	return &resultSet{input: input, records: map[string]*record{}}
}

func (s *resultSet) workflowInput() any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.input
}

func (s *resultSet) put(blockID string, path Path, res *BlockResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := path.String()
	if existing, ok := s.records[key]; ok {
		existing.blockID = blockID
		existing.result = res
		existing.restored = false
		return
	}
	s.records[key] = &record{blockID: blockID, path: path, result: res}
	s.order = append(s.order, key)
}

func (s *resultSet) at(path Path) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path.String()]
	return rec, ok
}

// completedOutput returns the most recent completed output recorded for the
// block id.
func (s *resultSet) completedOutput(id string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for i := len(s.order) - 1; i >= 0; i-- {
		rec := s.records[s.order[i]]
		if rec.blockID == id && rec.result.Status == schema.BlockStatusCompleted {
			return rec.result.Output, true
		}
	}
	return nil, false
}

// blocksView returns completed outputs keyed by block id, last write wins.
// Predicates see this as the "blocks" variable.
func (s *resultSet) blocksView() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := map[string]any{}
	for _, key := range s.order {
		rec := s.records[key]
		if rec.result.Status == schema.BlockStatusCompleted {
			view[rec.blockID] = rec.result.Output
		}
	}
	return view
}

// stepsView returns the id-keyed result map exposed on RunResult, including
// the workflow input under InputKey.
func (s *resultSet) stepsView() map[string]*BlockResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	view := map[string]*BlockResult{
		InputKey: {Status: schema.BlockStatusCompleted, Output: s.input},
	}
	for _, key := range s.order {
		rec := s.records[key]
		view[rec.blockID] = rec.result
	}
	return view
}

func (s *resultSet) suspendedList() []Suspended {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Suspended
	for _, key := range s.order {
		rec := s.records[key]
		if rec.result.Status != schema.BlockStatusSuspended {
			continue
		}
		out = append(out, Suspended{BlockID: rec.blockID, Path: rec.path, Payload: rec.result.Payload})
	}
	return out
}

func (s *resultSet) snapshot(runID string) *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := &Snapshot{RunID: runID, Input: s.input}
	for _, key := range s.order {
		rec := s.records[key]
		snap.Records = append(snap.Records, BlockRecord{
			BlockID: rec.blockID,
			Path:    rec.path,
			Result:  rec.result,
		})
	}
	return snap
}

// restoreResultSet rebuilds a resultSet from a snapshot. Every record is
// marked restored so the resume walk can tell prior-run state from records
// it writes itself.
func restoreResultSet(snap *Snapshot) *resultSet {
	s := newResultSet(snap.Input)
	for _, rec := range snap.Records {
		if rec.Result == nil {
			continue
		}
		key := rec.Path.String()
		if _, ok := s.records[key]; ok {
			continue
		}
		s.records[key] = &record{
			blockID:  rec.BlockID,
			path:     rec.Path,
			result:   rec.Result,
			restored: true,
		}
		s.order = append(s.order, key)
	}
	return s
}

// restoredAt returns the restored record at path, if any. Records written
// during the current walk are not visible through this accessor.
func (s *resultSet) restoredAt(path Path) (*record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[path.String()]
	if !ok || !rec.restored {
		return nil, false
	}
	return rec, ok
}
