// Package dag tracks dependency-graph workflows: which steps exist, what
// they wait on and which of them can run now.
package dag

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrWorkflowNotFound indicates the workflow id was never registered.
	ErrWorkflowNotFound = errors.New("dag: workflow not found")
	// ErrStepNotFound indicates the step id is not part of the workflow.
	ErrStepNotFound = errors.New("dag: step not found")
)

// Status is the lifecycle state of a step.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusBlocked   Status = "BLOCKED"
)

// Step is one node of a workflow graph.
type Step struct {
	ID           string    `json:"id" yaml:"id"`
	Description  string    `json:"description,omitempty" yaml:"description,omitempty"`
	Agent        string    `json:"agent,omitempty" yaml:"agent,omitempty"`
	Capabilities []string  `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	DependsOn    []string  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Status       Status    `json:"status,omitempty" yaml:"-"`
	Output       any       `json:"output,omitempty" yaml:"-"`
	Error        string    `json:"error,omitempty" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Graph is a workflow definition. Acyclicity is not enforced.
type Graph struct {
	Name  string `json:"name,omitempty" yaml:"name,omitempty"`
	Steps []Step `json:"steps" yaml:"steps"`
}

// HasCycle reports whether the graph contains a dependency cycle. It is a
// diagnostic; the engine never rejects cyclic graphs.
func (g Graph) HasCycle() bool {
	edges := make(map[string][]string, len(g.Steps))
	for _, s := range g.Steps {
		edges[s.ID] = s.DependsOn
	}
	// 0 = unvisited, 1 = on stack, 2 = done
	colors := make(map[string]int, len(edges))
	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		for _, dep := range edges[id] {
			switch colors[dep] {
			case 1:
				return true
			case 0:
				if _, known := edges[dep]; known && visit(dep) {
					return true
				}
			}
		}
		colors[id] = 2
		return false
	}
	for _, s := range g.Steps {
		if colors[s.ID] == 0 && visit(s.ID) {
			return true
		}
	}
	return false
}

type workflow struct {
	order []string
	steps map[string]*Step
}

// Engine holds the graphs of all registered workflows. Safe for concurrent use.
type Engine struct {
	mu        sync.RWMutex
	workflows map[string]*workflow
	now       func() time.Time
}

// NewEngine creates an empty engine.
func NewEngine() *Engine {
	return &Engine{workflows: make(map[string]*workflow), now: time.Now}
}

// RegisterWorkflow stores g under id with every step PENDING, replacing any
// previous graph with the same id.
func (e *Engine) RegisterWorkflow(id string, g Graph) error {
	if len(g.Steps) == 0 {
		return fmt.Errorf("dag: workflow %s has no steps", id)
	}
	wf := &workflow{steps: make(map[string]*Step, len(g.Steps))}
	for _, s := range g.Steps {
		if s.ID == "" {
			return fmt.Errorf("dag: workflow %s has a step without id", id)
		}
		if _, dup := wf.steps[s.ID]; dup {
			return fmt.Errorf("dag: workflow %s has duplicate step %s", id, s.ID)
		}
		step := s
		step.Capabilities = append([]string(nil), s.Capabilities...)
		step.DependsOn = append([]string(nil), s.DependsOn...)
		step.Status = StatusPending
		step.Output = nil
		step.Error = ""
		step.UpdatedAt = e.now().UTC()
		wf.steps[s.ID] = &step
		wf.order = append(wf.order, s.ID)
	}
	for _, s := range wf.steps {
		for _, dep := range s.DependsOn {
			if _, ok := wf.steps[dep]; !ok {
				return fmt.Errorf("dag: step %s depends on unknown step %s", s.ID, dep)
			}
		}
	}

	e.mu.Lock()
	e.workflows[id] = wf
	e.mu.Unlock()
	return nil
}

// RunnableSteps returns every PENDING step whose dependencies are all
// COMPLETED, ordered by step id. It does not change any state.
func (e *Engine) RunnableSteps(id string) ([]Step, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}

	var out []Step
	for _, s := range wf.steps {
		if s.Status != StatusPending {
			continue
		}
		ready := true
		for _, dep := range s.DependsOn {
			if wf.steps[dep].Status != StatusCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, copyStep(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// UpdateStepStatus moves a step to status. A non-nil output replaces the
// stored output so downstream steps can consume it.
func (e *Engine) UpdateStepStatus(id, stepID string, status Status, output any) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.stepLocked(id, stepID)
	if err != nil {
		return err
	}
	s.Status = status
	if output != nil {
		s.Output = output
	}
	if status != StatusFailed {
		s.Error = ""
	}
	s.UpdatedAt = e.now().UTC()
	return nil
}

// FailStep marks a step FAILED with reason.
func (e *Engine) FailStep(id, stepID, reason string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, err := e.stepLocked(id, stepID)
	if err != nil {
		return err
	}
	s.Status = StatusFailed
	s.Error = reason
	s.UpdatedAt = e.now().UTC()
	return nil
}

func (e *Engine) stepLocked(id, stepID string) (*Step, error) {
	wf, ok := e.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	s, ok := wf.steps[stepID]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrStepNotFound, id, stepID)
	}
	return s, nil
}

// IsWorkflowComplete reports whether every step is COMPLETED.
func (e *Engine) IsWorkflowComplete(id string) (bool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return false, ErrWorkflowNotFound
	}
	for _, s := range wf.steps {
		if s.Status != StatusCompleted {
			return false, nil
		}
	}
	return true, nil
}

// Step returns a copy of one step.
func (e *Engine) Step(id, stepID string) (Step, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, err := e.stepLocked(id, stepID)
	if err != nil {
		return Step{}, err
	}
	return copyStep(s), nil
}

// Snapshot returns a copy of the workflow graph in registration order.
func (e *Engine) Snapshot(id string) (Graph, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return Graph{}, ErrWorkflowNotFound
	}
	g := Graph{Steps: make([]Step, 0, len(wf.order))}
	for _, sid := range wf.order {
		g.Steps = append(g.Steps, copyStep(wf.steps[sid]))
	}
	return g, nil
}

// Outputs returns the outputs of all COMPLETED steps keyed by step id.
func (e *Engine) Outputs(id string) (map[string]any, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	wf, ok := e.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	out := make(map[string]any)
	for sid, s := range wf.steps {
		if s.Status == StatusCompleted {
			out[sid] = s.Output
		}
	}
	return out, nil
}

// Remove forgets a workflow.
func (e *Engine) Remove(id string) {
	e.mu.Lock()
	delete(e.workflows, id)
	e.mu.Unlock()
}

func copyStep(s *Step) Step {
	c := *s
	c.Capabilities = append([]string(nil), s.Capabilities...)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	return c
}
