package server

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/ggpktools/ggpk/internal/pipeline"
)

// OperationStatus is the lifecycle state of one async job (spec.md
// §4.F `operation/<id>`).
type OperationStatus string

const (
	StatusRunning   OperationStatus = "running"
	StatusCompleted OperationStatus = "completed"
	StatusError     OperationStatus = "error"
)

// Operation is the state of one asynchronous extract job. The backend
// process is its only owner; workers in internal/decode never see it
// (spec.md §5 "Shared resources").
type Operation struct {
	Type     string          `json:"type"`
	Status   OperationStatus `json:"status"`
	Progress int             `json:"progress"` // files completed so far
	Error    string          `json:"error,omitempty"`
	Metrics  *pipeline.Metrics `json:"metrics,omitempty"`
}

// operationTable is the in-memory operations map. Access is guarded by
// a mutex because the progress callback fires from the pipeline's own
// goroutine, outside the cooperative request-handling loop.
type operationTable struct {
	mu     sync.RWMutex
	nextID int64
	ops    map[string]*Operation
}

func newOperationTable() *operationTable {
	return &operationTable{ops: make(map[string]*Operation)}
}

// Start registers a new running operation and returns its id.
func (t *operationTable) Start(typ string) string {
	id := fmt.Sprintf("op-%d", atomic.AddInt64(&t.nextID, 1))
	t.mu.Lock()
	t.ops[id] = &Operation{Type: typ, Status: StatusRunning}
	t.mu.Unlock()
	return id
}

// SetProgress updates the completed-file count for a running operation.
func (t *operationTable) SetProgress(id string, completed int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if op, ok := t.ops[id]; ok {
		op.Progress = completed
	}
}

// Finish marks an operation completed or failed.
func (t *operationTable) Finish(id string, m pipeline.Metrics, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	op, ok := t.ops[id]
	if !ok {
		return
	}
	if err != nil {
		op.Status = StatusError
		op.Error = err.Error()
		return
	}
	op.Status = StatusCompleted
	op.Metrics = &m
}

// Get returns a snapshot of the named operation.
func (t *operationTable) Get(id string) (Operation, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	op, ok := t.ops[id]
	if !ok {
		return Operation{}, false
	}
	return *op, true
}
