// Package plugin lets external collaborators generate processes on a timed
// cadence and react to their completion.
package plugin

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/loykin/stepq/internal/queue"
)

// Host is the part of the process manager a plugin may use.
type Host interface {
	StartProcess(ctx context.Context, p queue.Process) (string, error)
	GetProcessInfo(ctx context.Context, pid string) (queue.Record, error)
}

// Plugin generates processes. Run receives the time of the previous
// invocation, or the zero time on the first one.
type Plugin interface {
	Key() string
	Run(ctx context.Context, host Host, lastRun time.Time) ([]queue.Record, error)
	FinishProcess(ctx context.Context, rec queue.Record)
}

// Registry keeps plugins in registration order.
type Registry struct {
	mu    sync.RWMutex
	order []string
	byKey map[string]Plugin
}

func NewRegistry(ps ...Plugin) (*Registry, error) {
	r := &Registry{byKey: make(map[string]Plugin)}
	for _, p := range ps {
		if err := r.Register(p); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Registry) Register(p Plugin) error {
	if p == nil || p.Key() == "" {
		return fmt.Errorf("plugin without key")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.byKey == nil {
		r.byKey = make(map[string]Plugin)
	}
	if _, ok := r.byKey[p.Key()]; ok {
		return fmt.Errorf("plugin %q already registered", p.Key())
	}
	r.byKey[p.Key()] = p
	r.order = append(r.order, p.Key())
	return nil
}

func (r *Registry) Get(key string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byKey[key]
	return p, ok
}

// All returns the plugins in registration order.
func (r *Registry) All() []Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Plugin, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Keys returns the sorted plugin keys.
func (r *Registry) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := append([]string(nil), r.order...)
	sort.Strings(out)
	return out
}
