package step

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Step is a unit of work that receives the accumulated data and returns
// the data handed to the next step.
type Step interface {
	Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error)
}

// Interrupting is implemented by steps that suspend the process after they
// ran. The process stays interrupted until it is explicitly resumed.
type Interrupting interface {
	Step
	Interrupts() bool
}

func interrupts(s Step) bool {
	i, ok := s.(Interrupting)
	return ok && i.Interrupts()
}

// Factory turns a Spec into a Step.
type Factory interface {
	New(spec Spec) (Step, error)
}

// Constructor builds a step from its parameters.
type Constructor func(params json.RawMessage) (Step, error)

// Registry is a Factory backed by a set of named constructors.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register adds a constructor for typ. Registering the same type twice is an error.
func (r *Registry) Register(typ string, c Constructor) error {
	if typ == "" || c == nil {
		return fmt.Errorf("invalid step registration %q", typ)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[typ]; ok {
		return fmt.Errorf("step type %q already registered", typ)
	}
	r.ctors[typ] = c
	return nil
}

func (r *Registry) New(spec Spec) (Step, error) {
	r.mu.RLock()
	c, ok := r.ctors[spec.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown step type %q", spec.Type)
	}
	s, err := c(spec.Params)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("constructor for %q returned no step", spec.Type)
	}
	return s, nil
}

// Types lists the registered type names, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.ctors))
	for k := range r.ctors {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Func adapts a plain function to the Step interface.
type Func func(ctx context.Context, data json.RawMessage) (json.RawMessage, error)

func (f Func) Execute(ctx context.Context, data json.RawMessage) (json.RawMessage, error) {
	return f(ctx, data)
}
