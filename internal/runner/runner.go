// Package runner implements the scheduler loop: it claims ready processes
// one at a time and hands them to a worker.
package runner

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/loykin/stepq/internal/lock"
	"github.com/loykin/stepq/internal/manager"
	"github.com/loykin/stepq/internal/metrics"
	"github.com/loykin/stepq/internal/queue"
	"github.com/loykin/stepq/internal/worker"
)

const (
	DefaultPluginInterval = 60 * time.Second
	DefaultPollInterval   = time.Second
	DefaultClaimTTL       = 5 * time.Minute
)

type Options struct {
	Wait           bool
	MaxProcesses   int // 0 = unlimited
	ScriptArgs     string
	PluginInterval time.Duration
	PollInterval   time.Duration
	ClaimTTL       time.Duration
	// Store identifies the shared store (usually its DSN) so runners with
	// the same flags against different stores do not exclude each other.
	Store string
}

func (o Options) withDefaults() Options {
	if o.PluginInterval <= 0 {
		o.PluginInterval = DefaultPluginInterval
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ClaimTTL <= 0 {
		o.ClaimTTL = DefaultClaimTTL
	}
	return o
}

// Identity is the single-instance key of a runner configuration.
func (o Options) Identity() string {
	sum := sha1.Sum([]byte(strconv.FormatBool(o.Wait) + "|" + strconv.Itoa(o.MaxProcesses) + "|" + o.ScriptArgs + "|" + o.Store))
	return hex.EncodeToString(sum[:])
}

// Executor runs one started record to completion or interruption.
type Executor interface {
	Run(ctx context.Context, rec queue.Record) (worker.Outcome, error)
}

// Summary is returned when the loop exits.
type Summary struct {
	Executed    int
	Interrupted int
	Failed      int
}

type Runner struct {
	Manager *manager.Manager
	Spawner Executor
	Lock    lock.Locker
	Options Options
	Logger  *slog.Logger

	lastPluginRun time.Time
	now           func() time.Time
}

func (r *Runner) logger() *slog.Logger {
	if r.Logger != nil {
		return r.Logger
	}
	return slog.Default()
}

func (r *Runner) clock() time.Time {
	if r.now != nil {
		return r.now()
	}
	return time.Now()
}

// Run executes ready processes until the queue is drained (or forever in
// wait mode), MaxProcesses is reached or ctx is cancelled. It returns
// lock.ErrHeld when another live runner holds the same identity.
func (r *Runner) Run(ctx context.Context) (Summary, error) {
	opts := r.Options.withDefaults()
	var sum Summary
	identity := opts.Identity()
	log := r.logger().With("identity", identity[:12])

	if r.Lock != nil {
		tok, err := r.Lock.Acquire(identity)
		if err != nil {
			return sum, err
		}
		defer func() {
			if err := r.Lock.Release(tok); err != nil {
				log.Warn("release runner lock", "error", err)
			}
		}()
	}

	ready, err := r.Manager.GetEnqueuedProcesses(ctx)
	if err != nil {
		return sum, fmt.Errorf("list enqueued processes: %w", err)
	}
	log.Info("runner started", "backend", r.Manager.Queue().Backend(), "ready", len(ready),
		"plugins", pluginKeys(r.Manager), "wait", opts.Wait, "max_processes", opts.MaxProcesses)
	defer func() {
		log.Info("runner stopped", "executed", sum.Executed, "interrupted", sum.Interrupted, "failed", sum.Failed)
	}()

	owner := identity + ":" + strconv.Itoa(os.Getpid())
	for ctx.Err() == nil {
		r.runPlugins(ctx, owner, opts)
		if opts.MaxProcesses > 0 && sum.Executed >= opts.MaxProcesses {
			break
		}
		rec, ok, err := r.Manager.PluckOneFromQueue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			return sum, fmt.Errorf("pluck: %w", err)
		}
		if !ok {
			if !opts.Wait {
				break
			}
			sleep(ctx, opts.PollInterval)
			continue
		}
		r.execute(ctx, rec, &sum)
	}
	return sum, nil
}

func (r *Runner) execute(ctx context.Context, rec queue.Record, sum *Summary) {
	log := r.logger().With("pid", rec.PID)
	out, err := r.Spawner.Run(ctx, rec)
	sum.Executed++
	if err != nil {
		if ctx.Err() == nil {
			log.Error("worker run failed", "error", err)
		}
		return
	}
	switch {
	case out.Interrupted():
		sum.Interrupted++
	case out.ExitCode != 0:
		sum.Failed++
	}
	final, err := r.Manager.GetProcessInfo(ctx, rec.PID)
	if err != nil {
		if !errors.Is(err, queue.ErrNotFound) {
			log.Warn("reload finished process", "error", err)
		}
		return
	}
	r.Manager.NotifyPlugin(ctx, final)
}

// runPlugins gives every plugin a chance to enqueue work, at most once per
// PluginInterval and only for plugins this runner holds the claim for.
func (r *Runner) runPlugins(ctx context.Context, owner string, opts Options) {
	plugins := r.Manager.Plugins()
	if len(plugins) == 0 {
		return
	}
	now := r.clock()
	if !r.lastPluginRun.IsZero() && now.Sub(r.lastPluginRun) < opts.PluginInterval {
		return
	}
	last := r.lastPluginRun
	r.lastPluginRun = now
	for _, p := range plugins {
		log := r.logger().With("plugin", p.Key())
		ok, err := r.Manager.ClaimPlugin(ctx, p, owner, opts.ClaimTTL)
		if err != nil {
			log.Warn("claim plugin", "error", err)
			continue
		}
		if !ok {
			log.Debug("plugin claimed by another runner")
			continue
		}
		recs, err := p.Run(ctx, r.Manager, last)
		if err != nil {
			log.Error("plugin run failed", "error", err)
			continue
		}
		for _, rec := range recs {
			r.Manager.TrackPluginProcess(rec.PID, p.Key())
		}
		metrics.RecordPluginRun(p.Key(), len(recs))
		if len(recs) > 0 {
			log.Info("plugin scheduled processes", "count", len(recs))
		}
	}
}

func pluginKeys(m *manager.Manager) []string {
	ps := m.Plugins()
	keys := make([]string, 0, len(ps))
	for _, p := range ps {
		keys = append(keys, p.Key())
	}
	return keys
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
