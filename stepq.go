// Package stepq is a persistent orchestrator for multi-step background
// processes. A process is an ordered list of steps folded over a JSON
// value; any step may interrupt the process, which then waits in the store
// until it is resumed.
//
// Steps run in a separate worker process started from the same binary
// ("stepq worker"). Programs that register their own step types must
// therefore provide a worker entry point that calls ServeWorker with their
// registry, and point worker.executable at themselves.
package stepq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loykin/stepq/internal/config"
	"github.com/loykin/stepq/internal/history"
	hfactory "github.com/loykin/stepq/internal/history/factory"
	"github.com/loykin/stepq/internal/lock"
	"github.com/loykin/stepq/internal/logger"
	"github.com/loykin/stepq/internal/manager"
	"github.com/loykin/stepq/internal/metrics"
	"github.com/loykin/stepq/internal/plugin"
	"github.com/loykin/stepq/internal/queue"
	qfactory "github.com/loykin/stepq/internal/queue/factory"
	"github.com/loykin/stepq/internal/runner"
	iapi "github.com/loykin/stepq/internal/server"
	"github.com/loykin/stepq/internal/step"
	"github.com/loykin/stepq/internal/step/builtin"
	itls "github.com/loykin/stepq/internal/tls"
	"github.com/loykin/stepq/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-exported types. These are aliases so conversions are zero-cost.
type (
	Record       = queue.Record
	State        = queue.State
	Process      = queue.Process
	Steps        = step.List
	StepSpec     = step.Spec
	Step         = step.Step
	StepFunc     = step.Func
	StepRegistry = step.Registry
	Config       = config.Config
	Plugin       = plugin.Plugin
	PluginHost   = plugin.Host
	HistorySink  = history.Sink
	RunSummary   = runner.Summary
)

const (
	StateReady       = queue.StateReady
	StateStarted     = queue.StateStarted
	StateInterrupted = queue.StateInterrupted
	StateTerminated  = queue.StateTerminated
)

var (
	ErrNotFound              = queue.ErrNotFound
	ErrNotInterrupted        = queue.ErrNotInterrupted
	ErrNoLastStep            = queue.ErrNoLastStep
	ErrIllegalTransition     = queue.ErrIllegalTransition
	ErrRunnerLocked          = lock.ErrHeld
	ErrInterruptNotSupported = step.ErrInterruptNotSupported
)

// NewStepRegistry returns a registry holding the builtin step types.
func NewStepRegistry() *StepRegistry { return builtin.NewRegistry() }

func DefaultConfig() Config { return config.Default() }

func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Manager is the public façade over the internal process manager.
type Manager struct {
	*manager.Manager
	cfg    Config
	steps  *step.Registry
	logger *slog.Logger
}

// Open connects to the configured store and history sinks and builds the
// configured plugins.
func Open(c Config) (*Manager, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}
	log := logger.New(c.Log, nil)
	plugins, err := c.BuildPlugins(log)
	if err != nil {
		return nil, err
	}
	reg, err := plugin.NewRegistry(plugins...)
	if err != nil {
		return nil, err
	}
	q, err := qfactory.NewFromDSN(c.Store.DSN, c.QueueOptions())
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	sinks := make([]history.Sink, 0, len(c.History.Sinks))
	for _, dsn := range c.History.Sinks {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			closeSinks(sinks)
			_ = q.Close()
			return nil, fmt.Errorf("history sink: %w", err)
		}
		sinks = append(sinks, s)
	}
	m := manager.New(q, reg)
	m.SetLogger(log)
	m.SetHistorySinks(sinks...)
	return &Manager{Manager: m, cfg: c, steps: builtin.NewRegistry(), logger: log}, nil
}

func closeSinks(sinks []history.Sink) {
	for _, s := range sinks {
		if c, ok := s.(io.Closer); ok {
			_ = c.Close()
		}
	}
}

func (m *Manager) Config() Config       { return m.cfg }
func (m *Manager) Logger() *slog.Logger { return m.logger }
func (m *Manager) Steps() *StepRegistry { return m.steps }

// Handler returns the HTTP API mounted under base.
func (m *Manager) Handler(base string) http.Handler {
	return iapi.NewRouter(m.Manager, base).Handler()
}

// Enqueue is a convenience wrapper around StartProcess.
func (m *Manager) Enqueue(ctx context.Context, steps Steps, timeout time.Duration, data json.RawMessage) (string, error) {
	return m.StartProcess(ctx, Process{Steps: steps, Timeout: timeout, Data: data})
}

// RunInline executes steps in the calling process. It fails on
// interrupting steps and does not touch the store.
func (m *Manager) RunInline(ctx context.Context, steps Steps, data json.RawMessage) (json.RawMessage, error) {
	return step.RunInline(ctx, m.steps, steps, data)
}

// RunOptions are the per-invocation runner settings.
type RunOptions struct {
	Wait         bool
	MaxProcesses int
	ScriptArgs   string
}

// Runner builds a runner that spawns workers from the configured executable
// (the running binary by default).
func (m *Manager) Runner(opts RunOptions) (*runner.Runner, error) {
	c := m.cfg
	exe := c.Worker.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("resolve worker executable: %w", err)
		}
		exe = self
	}
	workerEnv, err := c.WorkerEnv()
	if err != nil {
		return nil, err
	}
	args := append(append([]string(nil), c.Worker.Args...), strings.Fields(opts.ScriptArgs)...)
	sp := &worker.Spawner{Executable: exe, Args: args, Env: workerEnv, Recorder: m.Manager, Logger: m.logger}
	if c.Log.WorkerDir != "" {
		sp.Log = c.Log.WorkerLog
	}
	return &runner.Runner{
		Manager: m.Manager,
		Spawner: sp,
		Lock:    lock.NewFileLock(c.Runner.LockDir),
		Logger:  m.logger,
		Options: runner.Options{
			Wait:           opts.Wait,
			MaxProcesses:   opts.MaxProcesses,
			ScriptArgs:     opts.ScriptArgs,
			PluginInterval: c.Runner.PluginInterval,
			PollInterval:   c.Runner.PollInterval,
			ClaimTTL:       c.Runner.PluginClaimTTL,
			Store:          c.Store.DSN,
		},
	}, nil
}

// Run executes ready processes. It returns ErrRunnerLocked when another
// runner with the same options is alive.
func (m *Manager) Run(ctx context.Context, opts RunOptions) (RunSummary, error) {
	r, err := m.Runner(opts)
	if err != nil {
		return RunSummary{}, err
	}
	return r.Run(ctx)
}

// ServeWorker is the body of a worker process: args are the command-line
// arguments after the worker subcommand. It returns the exit code.
func ServeWorker(ctx context.Context, c Config, steps *StepRegistry, args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	if err := worker.ExportArgs(worker.ParseArgs(args)); err != nil {
		_, _ = fmt.Fprintf(stderr, "export worker args: %v\n", err)
		return worker.ExitConfig
	}
	q, err := qfactory.NewFromDSN(c.Store.DSN, c.QueueOptions())
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "open store: %v\n", err)
		return worker.ExitConfig
	}
	defer func() { _ = q.Close() }()
	return worker.Serve(ctx, steps, q, stdin, stdout, stderr)
}

// WorkerConfigPath extracts --config from worker arguments.
func WorkerConfigPath(args []string) string {
	return worker.ParseArgs(args)["config"]
}

// NewHTTPServer starts a server exposing the API using the given manager.
// It serves HTTPS when server.tls is enabled in the manager's config.
func NewHTTPServer(addr, basePath string, m *Manager) (*http.Server, error) {
	tc, err := itls.Setup(m.cfg.Server.TLS)
	if err != nil {
		return nil, fmt.Errorf("server tls: %w", err)
	}
	return iapi.NewServer(addr, basePath, m.Manager, tc)
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// ServeMetrics serves /metrics from the default registry on addr. It blocks
// until the server fails.
func ServeMetrics(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	err := srv.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}
