// Package manager composes the process queue, plugins, history sinks and
// metrics behind one API.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loykin/stepq/internal/history"
	"github.com/loykin/stepq/internal/metrics"
	"github.com/loykin/stepq/internal/plugin"
	"github.com/loykin/stepq/internal/queue"
)

// Process describes a process to enqueue.
type Process = queue.Process

// Manager is a thin façade over a Queue. It holds no process state of its
// own apart from the association of plugin-submitted processes with the
// plugin that submitted them.
type Manager struct {
	mu      sync.RWMutex
	q       queue.Queue
	plugins *plugin.Registry
	hist    *history.Fanout
	owners  map[string]string
	logger  *slog.Logger
}

func New(q queue.Queue, plugins *plugin.Registry) *Manager {
	if plugins == nil {
		plugins, _ = plugin.NewRegistry()
	}
	return &Manager{q: q, plugins: plugins, owners: make(map[string]string), logger: slog.Default()}
}

// SetHistorySinks configures external history sinks (SQL, OpenSearch, ClickHouse).
// Passing no sinks clears the list.
func (m *Manager) SetHistorySinks(sinks ...history.Sink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(sinks) == 0 {
		m.hist = nil
		return
	}
	m.hist = &history.Fanout{Sinks: append([]history.Sink(nil), sinks...), Logger: m.logger}
}

func (m *Manager) SetLogger(l *slog.Logger) {
	if l == nil {
		return
	}
	m.mu.Lock()
	m.logger = l
	if m.hist != nil {
		m.hist.Logger = l
	}
	m.mu.Unlock()
}

func (m *Manager) Logger() *slog.Logger { return m.logger }

// Queue returns the active queue implementation.
func (m *Manager) Queue() queue.Queue { return m.q }

// Plugins returns the registered plugins.
func (m *Manager) Plugins() []plugin.Plugin { return m.plugins.All() }

func (m *Manager) RegisterPlugin(p plugin.Plugin) error { return m.plugins.Register(p) }

// emit records metrics and, when sinks are configured, sends the current
// state of pid to them.
func (m *Manager) emit(ctx context.Context, typ history.EventType, pid string) {
	m.mu.RLock()
	hist := m.hist
	m.mu.RUnlock()
	if hist == nil {
		return
	}
	rec, err := m.q.Get(ctx, pid)
	if err != nil {
		m.logger.Debug("history: reload record", "pid", pid, "error", err)
		return
	}
	_ = hist.Send(ctx, history.Event{Type: typ, OccurredAt: time.Now().UTC(), Record: rec})
}

// StartProcess enqueues p and returns its pid.
func (m *Manager) StartProcess(ctx context.Context, p queue.Process) (string, error) {
	if len(p.Steps) == 0 {
		return "", fmt.Errorf("process without steps")
	}
	if p.Timeout <= 0 {
		p.Timeout = queue.DefaultTimeout
	}
	pid, err := m.q.Enqueue(ctx, p.Steps, p.Timeout, p.Data, p.AdditionalArgs)
	if err != nil {
		return "", err
	}
	metrics.RecordTransition(string(queue.StateReady))
	m.logger.Info("process enqueued", "pid", pid, "steps", len(p.Steps), "timeout", p.Timeout)
	m.emit(ctx, history.EventEnqueue, pid)
	return pid, nil
}

func (m *Manager) GetProcessInfo(ctx context.Context, pid string) (queue.Record, error) {
	return m.q.Get(ctx, pid)
}

func (m *Manager) GetProcessStatus(ctx context.Context, pid string) (queue.State, error) {
	rec, err := m.q.Get(ctx, pid)
	if err != nil {
		return "", err
	}
	return rec.State, nil
}

func (m *Manager) RecordStart(ctx context.Context, pid string) error {
	if err := m.q.RecordStart(ctx, pid); err != nil {
		return err
	}
	metrics.RecordTransition(string(queue.StateStarted))
	m.emit(ctx, history.EventStart, pid)
	return nil
}

func (m *Manager) RecordFinish(ctx context.Context, pid string, code int, status string, data json.RawMessage) error {
	if err := m.q.RecordFinish(ctx, pid, code, status, data); err != nil {
		return err
	}
	metrics.RecordTransition(string(queue.StateTerminated))
	metrics.RecordFinish(metrics.Outcome(code, queue.ExitTimeout))
	m.emit(ctx, history.EventFinish, pid)
	return nil
}

func (m *Manager) RecordInterrupt(ctx context.Context, pid, lastStep string, data json.RawMessage) error {
	if err := m.q.RecordInterrupt(ctx, pid, lastStep, data); err != nil {
		return err
	}
	metrics.RecordTransition(string(queue.StateInterrupted))
	m.emit(ctx, history.EventInterrupt, pid)
	return nil
}

func (m *Manager) StoreLastCompletedStep(ctx context.Context, pid, name string) error {
	return m.q.StoreLastCompletedStep(ctx, pid, name)
}

// Proceed resumes an interrupted process and returns its (unchanged) pid.
func (m *Manager) Proceed(ctx context.Context, pid string, extra json.RawMessage) (string, error) {
	out, err := m.q.Proceed(ctx, pid, extra)
	if err != nil {
		return "", err
	}
	if st, err := m.GetProcessStatus(ctx, pid); err == nil {
		metrics.RecordTransition(string(st))
	}
	m.logger.Info("process resumed", "pid", pid)
	m.emit(ctx, history.EventProceed, pid)
	return out, nil
}

func (m *Manager) GetEnqueuedProcesses(ctx context.Context) ([]queue.Record, error) {
	recs, err := m.q.Enqueued(ctx)
	if err == nil {
		metrics.SetReady(len(recs))
	}
	return recs, err
}

// PluckOneFromQueue claims one ready process for execution.
func (m *Manager) PluckOneFromQueue(ctx context.Context) (queue.Record, bool, error) {
	rec, ok, err := m.q.Pluck(ctx)
	if err != nil || !ok {
		return rec, ok, err
	}
	metrics.RecordTransition(string(queue.StateStarted))
	m.emit(ctx, history.EventStart, rec.PID)
	return rec, true, nil
}

// ClaimPlugin reports whether owner may run p now.
func (m *Manager) ClaimPlugin(ctx context.Context, p plugin.Plugin, owner string, ttl time.Duration) (bool, error) {
	return m.q.ClaimPlugin(ctx, p.Key(), owner, ttl)
}

// TrackPluginProcess remembers that pid was submitted by the plugin key.
func (m *Manager) TrackPluginProcess(pid, key string) {
	m.mu.Lock()
	m.owners[pid] = key
	m.mu.Unlock()
}

// PluginFor returns the plugin that submitted pid, if any.
func (m *Manager) PluginFor(pid string) (plugin.Plugin, bool) {
	m.mu.RLock()
	key, ok := m.owners[pid]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.plugins.Get(key)
}

// NotifyPlugin hands the finished record to the plugin that submitted it.
// It reports whether a plugin was notified.
func (m *Manager) NotifyPlugin(ctx context.Context, rec queue.Record) bool {
	if rec.State == queue.StateInterrupted {
		return false
	}
	m.mu.Lock()
	key, ok := m.owners[rec.PID]
	delete(m.owners, rec.PID)
	m.mu.Unlock()
	if !ok {
		return false
	}
	p, ok := m.plugins.Get(key)
	if !ok {
		return false
	}
	p.FinishProcess(ctx, rec)
	return true
}

// Close closes the history sinks and the queue.
func (m *Manager) Close() error {
	m.mu.Lock()
	hist := m.hist
	m.hist = nil
	m.mu.Unlock()
	if hist != nil {
		_ = hist.Close()
	}
	return m.q.Close()
}
