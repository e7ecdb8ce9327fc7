// Package workflow defines the contract between the worker and the code that
// performs a job, plus the registry that maps job types to implementations.
package workflow

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Type tags a job with the workflow that executes it.
type Type string

const (
	TypeAICall             Type = "ai_call"
	TypeReportGeneration   Type = "report_generation"
	TypeRewardEvaluation   Type = "reward_evaluation"
	TypeMetricsComputation Type = "metrics_computation"
	TypeMediaThumbnail     Type = "media_thumbnail"
)

// Known lists every type the engine accepts.
var Known = []Type{
	TypeAICall,
	TypeReportGeneration,
	TypeRewardEvaluation,
	TypeMetricsComputation,
	TypeMediaThumbnail,
}

var (
	ErrNotRegistered = errors.New("workflow not registered")
	ErrDuplicate     = errors.New("workflow already registered")
)

// Context carries job identity into a workflow run.
type Context struct {
	JobID       string
	TraceID     string
	Owner       string
	ParentJobID string
	Tenant      string
	// Attempt is 1 for the first execution.
	Attempt int
}

// Workflow performs one job type. Run returns a JSON-serializable result.
type Workflow interface {
	Type() Type
	Run(ctx context.Context, wc Context, payload map[string]any) (any, error)
}

// Func adapts a function to Workflow.
type Func struct {
	T  Type
	Fn func(ctx context.Context, wc Context, payload map[string]any) (any, error)
}

func (f Func) Type() Type { return f.T }

func (f Func) Run(ctx context.Context, wc Context, payload map[string]any) (any, error) {
	return f.Fn(ctx, wc, payload)
}

// Registry maps job types to workflows. It is safe for concurrent lookups.
type Registry struct {
	mu        sync.RWMutex
	workflows map[Type]Workflow
}

func NewRegistry() *Registry {
	return &Registry{workflows: make(map[Type]Workflow)}
}

// Register adds w. Registering a type twice is an error.
func (r *Registry) Register(w Workflow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.workflows[w.Type()]; ok {
		return fmt.Errorf("%s: %w", w.Type(), ErrDuplicate)
	}
	r.workflows[w.Type()] = w
	return nil
}

// MustRegister panics on a duplicate registration.
func (r *Registry) MustRegister(ws ...Workflow) {
	for _, w := range ws {
		if err := r.Register(w); err != nil {
			panic(err)
		}
	}
}

// Lookup finds the workflow for a job type.
func (r *Registry) Lookup(t string) (Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workflows[Type(t)]
	if !ok {
		return nil, fmt.Errorf("%s: %w", t, ErrNotRegistered)
	}
	return w, nil
}

// Has reports whether t has an implementation.
func (r *Registry) Has(t string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.workflows[Type(t)]
	return ok
}

// Types returns the registered types in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.workflows))
	for t := range r.workflows {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Validate reports every known type that has no implementation.
func (r *Registry) Validate() error {
	var missing []error
	for _, t := range Known {
		if !r.Has(string(t)) {
			missing = append(missing, fmt.Errorf("%s: %w", t, ErrNotRegistered))
		}
	}
	return errors.Join(missing...)
}
