package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/loykin/stepq"
	"github.com/loykin/stepq/pkg/client"
	"github.com/spf13/cobra"
)

// exit is replaced in tests.
var exit = os.Exit

type command struct {
	global *GlobalFlags
}

func (c command) config() (stepq.Config, error) {
	cfg, err := stepq.LoadConfig(c.global.ConfigPath)
	if err != nil {
		return cfg, err
	}
	if c.global.ConfigPath != "" {
		abs, err := filepath.Abs(c.global.ConfigPath)
		if err != nil {
			return cfg, err
		}
		cfg.Worker.Args = append([]string{"--config", abs}, cfg.Worker.Args...)
	}
	return cfg, nil
}

func (c command) open() (*stepq.Manager, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	return stepq.Open(cfg)
}

func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func startMetrics(m *stepq.Manager) {
	addr := m.Config().Metrics.Listen
	if addr == "" {
		return
	}
	if err := stepq.RegisterMetricsDefault(); err != nil {
		m.Logger().Warn("register metrics", "error", err)
		return
	}
	go func() {
		if err := stepq.ServeMetrics(addr); err != nil {
			m.Logger().Error("metrics server", "addr", addr, "error", err)
		}
	}()
}

func (c command) Run(cmd *cobra.Command, f RunFlags) error {
	m, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	startMetrics(m)
	ctx, stop := signalContext(cmd)
	defer stop()
	sum, err := m.Run(ctx, stepq.RunOptions{Wait: f.Wait, MaxProcesses: f.MaxProcesses, ScriptArgs: f.ScriptArgs})
	if errors.Is(err, stepq.ErrRunnerLocked) {
		m.Logger().Info("another runner with the same options is active", "error", err)
		return nil
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "executed %d process(es): %d interrupted, %d failed\n",
		sum.Executed, sum.Interrupted, sum.Failed)
	return nil
}

func (c command) Worker(cmd *cobra.Command, args []string) error {
	cfg, err := stepq.LoadConfig(stepq.WorkerConfigPath(args))
	if err != nil {
		_, _ = fmt.Fprintln(cmd.ErrOrStderr(), err)
		exit(1)
		return nil
	}
	code := stepq.ServeWorker(cmd.Context(), cfg, stepq.NewStepRegistry(), args, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
	if code != 0 {
		exit(code)
	}
	return nil
}

func (c command) Enqueue(cmd *cobra.Command, f EnqueueFlags) error {
	steps, err := readSteps(f.StepsFile)
	if err != nil {
		return err
	}
	data, err := jsonArg("data", f.Data)
	if err != nil {
		return err
	}
	args, err := parseKV(f.Args)
	if err != nil {
		return err
	}
	if f.Timeout < 0 {
		return fmt.Errorf("timeout must be >= 0")
	}
	var pid string
	if f.APIUrl != "" {
		pid, err = newClient(f.RemoteFlags).Enqueue(cmd.Context(), client.EnqueueRequest{
			Steps: steps, Timeout: f.Timeout, Data: data, AdditionalArgs: args,
		})
	} else {
		var m *stepq.Manager
		if m, err = c.open(); err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		pid, err = m.StartProcess(cmd.Context(), stepq.Process{
			Steps: steps, Timeout: seconds(f.Timeout), Data: data, AdditionalArgs: args,
		})
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), pid)
	return nil
}

func (c command) Status(cmd *cobra.Command, pid string, f RemoteFlags) error {
	var info client.ProcessInfo
	if f.APIUrl != "" {
		var err error
		if info, err = newClient(f).Info(cmd.Context(), pid); err != nil {
			return err
		}
	} else {
		m, err := c.open()
		if err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		rec, err := m.GetProcessInfo(cmd.Context(), pid)
		if err != nil {
			return err
		}
		info = client.ProcessInfo{Process: rec, Progress: rec.StepProgress()}
	}
	return printJSON(cmd.OutOrStdout(), info)
}

func (c command) Proceed(cmd *cobra.Command, pid string, f ProceedFlags) error {
	data, err := jsonArg("data", f.Data)
	if err != nil {
		return err
	}
	var out string
	if f.APIUrl != "" {
		out, err = newClient(f.RemoteFlags).Proceed(cmd.Context(), pid, data)
	} else {
		var m *stepq.Manager
		if m, err = c.open(); err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		out, err = m.Proceed(cmd.Context(), pid, data)
	}
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(cmd.OutOrStdout(), out)
	return nil
}

func (c command) List(cmd *cobra.Command, f RemoteFlags) error {
	var recs []stepq.Record
	var err error
	if f.APIUrl != "" {
		recs, err = newClient(f).Enqueued(cmd.Context())
	} else {
		var m *stepq.Manager
		if m, err = c.open(); err != nil {
			return err
		}
		defer func() { _ = m.Close() }()
		recs, err = m.GetEnqueuedProcesses(cmd.Context())
	}
	if err != nil {
		return err
	}
	if recs == nil {
		recs = []stepq.Record{}
	}
	return printJSON(cmd.OutOrStdout(), recs)
}

func (c command) Serve(cmd *cobra.Command, f ServeFlags) error {
	m, err := c.open()
	if err != nil {
		return err
	}
	defer func() { _ = m.Close() }()
	cfg := m.Config()
	listen, base := cfg.Server.Listen, cfg.Server.BasePath
	if f.Listen != "" {
		listen = f.Listen
	}
	if f.BasePath != "" {
		base = f.BasePath
	}
	startMetrics(m)
	srv, err := stepq.NewHTTPServer(listen, base, m)
	if err != nil {
		return err
	}
	m.Logger().Info("API server listening", "addr", srv.Addr, "base_path", base, "tls", cfg.Server.TLS.Enabled)
	ctx, stop := signalContext(cmd)
	defer stop()
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newClient(f RemoteFlags) *client.Client {
	return client.New(client.Config{BaseURL: f.APIUrl, Timeout: f.APITimeout, CACert: f.APICACert, Insecure: f.Insecure})
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
