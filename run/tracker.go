// Package run executes batches: it tracks per-execution progress, persists
// durable checkpoints, and drives the record-by-record generation loop on a
// background worker.
package run

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andbeder/ClinicalGenius/errors"
)

// State is an execution's lifecycle phase.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Snapshot is one observable point-in-time view of an execution. Pollers
// receive copies; only the owning worker mutates the underlying state.
type Snapshot struct {
	ExecutionID   string    `json:"execution_id"`
	BatchID       string    `json:"batch_id"`
	State         State     `json:"state"`
	StatusMessage string    `json:"status_message"`
	Current       int       `json:"current"`
	Total         int       `json:"total"`
	SuccessCount  int       `json:"success_count"`
	ErrorCount    int       `json:"error_count"`
	Complete      bool      `json:"complete"`
	Success       bool      `json:"success"`
	Error         string    `json:"error,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Registry is the in-process source of truth for live executions. It
// enforces the one-active-execution-per-batch rule and retains finished
// snapshots (and their CSV artifacts) for later polling.
//
// The registry is deliberately an injected dependency rather than a
// package-level global, so a multi-process deployment can swap it for an
// externally backed implementation without touching the worker.
type Registry struct {
	mu          sync.RWMutex
	executions  map[string]Snapshot
	activeBatch map[string]string
	csv         map[string]string
	subscribers []func(Snapshot)
}

func NewRegistry() *Registry {
	return &Registry{
		executions:  make(map[string]Snapshot),
		activeBatch: make(map[string]string),
		csv:         make(map[string]string),
	}
}

// Subscribe registers a callback invoked on every published snapshot.
// Callbacks run on the worker goroutine and must not block.
func (r *Registry) Subscribe(fn func(Snapshot)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Begin claims a batch for a new execution. A batch already claimed by a
// live execution is rejected with ErrConflict; two concurrent workers
// mutating one tracker record would corrupt its counters.
func (r *Registry) Begin(batchID string) (*Tracker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if execID, ok := r.activeBatch[batchID]; ok {
		return nil, errors.Wrapf(errors.ErrConflict, "batch %s already has active execution %s", batchID, execID)
	}

	now := time.Now().UTC()
	snap := Snapshot{
		ExecutionID:   uuid.NewString(),
		BatchID:       batchID,
		State:         StatePending,
		StatusMessage: "Starting execution...",
		StartedAt:     now,
		UpdatedAt:     now,
	}
	r.activeBatch[batchID] = snap.ExecutionID
	r.executions[snap.ExecutionID] = snap

	return &Tracker{registry: r, snap: snap}, nil
}

// Get returns the snapshot for an execution ID.
func (r *Registry) Get(executionID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	snap, ok := r.executions[executionID]
	return snap, ok
}

// ActiveForBatch answers "is this batch running right now" from in-process
// state. A false return means the caller should fall back to the durable
// checkpoint, which may be stale if the process restarted mid-run.
func (r *Registry) ActiveForBatch(batchID string) (Snapshot, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	execID, ok := r.activeBatch[batchID]
	if !ok {
		return Snapshot{}, false
	}
	return r.executions[execID], true
}

// CSV returns the finished artifact for an execution, if still in memory.
func (r *Registry) CSV(executionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	data, ok := r.csv[executionID]
	return data, ok
}

func (r *Registry) publish(snap Snapshot, releaseBatch bool) {
	r.mu.Lock()
	r.executions[snap.ExecutionID] = snap
	if releaseBatch {
		delete(r.activeBatch, snap.BatchID)
	}
	subs := r.subscribers
	r.mu.Unlock()

	for _, fn := range subs {
		fn(snap)
	}
}

func (r *Registry) storeCSV(executionID, data string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.csv[executionID] = data
}

// Tracker is the single-writer handle for one execution. All mutation goes
// through the owning worker goroutine; each mutation publishes a fresh
// snapshot to the registry.
type Tracker struct {
	registry *Registry
	snap     Snapshot
}

// Snapshot returns the tracker's current state.
func (t *Tracker) Snapshot() Snapshot {
	return t.snap
}

// ExecutionID returns the execution's identifier.
func (t *Tracker) ExecutionID() string {
	return t.snap.ExecutionID
}

// Start moves the execution to running with a total row count.
func (t *Tracker) Start(total int, message string) {
	if t.snap.Complete {
		return
	}
	t.snap.State = StateRunning
	t.snap.Total = total
	t.snap.StatusMessage = message
	t.touch(false)
}

// Message updates the status line without touching counters.
func (t *Tracker) Message(message string) {
	if t.snap.Complete {
		return
	}
	t.snap.StatusMessage = message
	t.touch(false)
}

// Advance records one processed row.
func (t *Tracker) Advance(succeeded bool) {
	if t.snap.Complete {
		return
	}
	t.snap.Current++
	if succeeded {
		t.snap.SuccessCount++
	} else {
		t.snap.ErrorCount++
	}
	t.touch(false)
}

// AddErrors records rows that failed without being processed, such as
// requested identifiers the record source never returned.
func (t *Tracker) AddErrors(n int) {
	if t.snap.Complete || n <= 0 {
		return
	}
	t.snap.Current += n
	t.snap.ErrorCount += n
	t.touch(false)
}

// Finish seals the execution. Row-level errors do not make a run
// unsuccessful; only a fatal error does. After Finish, all further
// mutations are ignored, so Current can never move again.
func (t *Tracker) Finish(message string) {
	if t.snap.Complete {
		return
	}
	t.snap.Complete = true
	t.snap.Success = true
	t.snap.State = StateCompleted
	t.snap.StatusMessage = message
	t.touch(true)
}

// Fail seals the execution with a fatal error.
func (t *Tracker) Fail(err error) {
	if t.snap.Complete {
		return
	}
	t.snap.Complete = true
	t.snap.Success = false
	t.snap.State = StateFailed
	t.snap.Error = err.Error()
	t.snap.StatusMessage = "Execution failed"
	t.touch(true)
}

// StoreCSV attaches the finished artifact to the execution.
func (t *Tracker) StoreCSV(data string) {
	t.registry.storeCSV(t.snap.ExecutionID, data)
}

func (t *Tracker) touch(releaseBatch bool) {
	t.snap.UpdatedAt = time.Now().UTC()
	t.registry.publish(t.snap, releaseBatch)
}
