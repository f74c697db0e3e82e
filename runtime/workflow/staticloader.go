package workflow

import (
	"context"
	"fmt"
	"sync"
)

// StaticLoader is an in-memory WorkflowLoader backed by a map, the shape
// every cmd entrypoint uses to seed the handful of workflows it runs against
// before a database-backed catalogue exists.
type StaticLoader struct {
	mu        sync.RWMutex
	workflows map[string]Workflow
}

// NewStaticLoader constructs an empty StaticLoader.
func NewStaticLoader() *StaticLoader {
	return &StaticLoader{workflows: make(map[string]Workflow)}
}

// Put registers or replaces the workflow under its own ID.
func (l *StaticLoader) Put(wf Workflow) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.workflows[wf.ID] = wf
}

// GetWorkflow implements stepper.WorkflowLoader.
func (l *StaticLoader) GetWorkflow(_ context.Context, workflowID string) (Workflow, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	wf, ok := l.workflows[workflowID]
	if !ok {
		return Workflow{}, fmt.Errorf("workflow: unknown workflow %q", workflowID)
	}
	return wf, nil
}
