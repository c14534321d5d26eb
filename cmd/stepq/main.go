package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	root := buildRoot()
	if err := root.Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// buildRoot creates the root command and its subcommands.
func buildRoot() *cobra.Command {
	global := &GlobalFlags{}
	c := command{global: global}

	root := &cobra.Command{
		Use:   "stepq",
		Short: "Persistent multi-step process orchestrator",
		Long: `stepq runs multi-step background processes stored in SQLite or PostgreSQL.
A step may interrupt its process; the process then waits until it is resumed.

Examples:
  stepq enqueue --steps job.json --data '{"user":42}'
  stepq run --wait                  # execute ready processes until stopped
  stepq status <pid>
  stepq proceed <pid> --data '{"approved":true}'
  stepq serve                       # HTTP API`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&global.ConfigPath, "config", "", "path to TOML config file (optional)")

	root.AddCommand(
		createRunCommand(c, &RunFlags{}),
		createWorkerCommand(c),
		createEnqueueCommand(c, &EnqueueFlags{}),
		createStatusCommand(c, &RemoteFlags{}),
		createProceedCommand(c, &ProceedFlags{}),
		createListCommand(c, &RemoteFlags{}),
		createServeCommand(c, &ServeFlags{}),
	)
	return root
}

func createRunCommand(c command, f *RunFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Execute ready processes",
		Long: `Claim ready processes one at a time and execute each in a worker process.
Only one runner per option set and store is active; a second one exits immediately.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Run(cmd, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Wait, "wait", false, "keep polling for new processes instead of exiting when the queue is empty")
	cmd.Flags().IntVar(&f.MaxProcesses, "max-processes", 0, "stop after executing this many processes (0 = unlimited)")
	cmd.Flags().StringVar(&f.ScriptArgs, "script-args", "", "extra arguments passed to every worker")
	return cmd
}

func createWorkerCommand(c command) *cobra.Command {
	return &cobra.Command{
		Use:                "worker",
		Short:              "Execute one process read from stdin (internal)",
		Hidden:             true,
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Worker(cmd, args)
		},
	}
}

func createEnqueueCommand(c command, f *EnqueueFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add a process to the queue",
		Long: `Add a process to the queue and print its pid.

The steps file holds a JSON object mapping step names to step specifications,
in execution order:

  {
    "fetch":   {"type": "exec", "params": {"command": "./fetch.sh"}},
    "approve": {"type": "interrupt"},
    "publish": {"type": "exec", "params": {"command": "./publish.sh"}}
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Enqueue(cmd, *f)
		},
	}
	cmd.Flags().StringVar(&f.StepsFile, "steps", "", "path to the JSON steps file (required)")
	cmd.Flags().Float64Var(&f.Timeout, "timeout", 60, "timeout of each worker run in seconds")
	cmd.Flags().StringVar(&f.Data, "data", "", "initial data as JSON")
	cmd.Flags().StringArrayVar(&f.Args, "arg", nil, "additional worker argument key=value (repeatable)")
	addRemoteFlags(cmd, &f.RemoteFlags)
	if err := cmd.MarkFlagRequired("steps"); err != nil {
		panic(err)
	}
	return cmd
}

func createStatusCommand(c command, f *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <pid>",
		Short: "Show a process and its step progress",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Status(cmd, args[0], *f)
		},
	}
	addRemoteFlags(cmd, f)
	return cmd
}

func createProceedCommand(c command, f *ProceedFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proceed <pid>",
		Short: "Resume an interrupted process",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Proceed(cmd, args[0], *f)
		},
	}
	cmd.Flags().StringVar(&f.Data, "data", "", "JSON object merged into the process data")
	addRemoteFlags(cmd, &f.RemoteFlags)
	return cmd
}

func createListCommand(c command, f *RemoteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ready processes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.List(cmd, *f)
		},
	}
	addRemoteFlags(cmd, f)
	return cmd
}

func createServeCommand(c command, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return c.Serve(cmd, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (default from config)")
	return cmd
}

func addRemoteFlags(cmd *cobra.Command, f *RemoteFlags) {
	cmd.Flags().StringVar(&f.APIUrl, "api-url", "", "remote API URL (e.g. http://host:8080/api); local store when empty")
	cmd.Flags().DurationVar(&f.APITimeout, "api-timeout", 10*time.Second, "request timeout")
	cmd.Flags().StringVar(&f.APICACert, "api-cacert", "", "CA certificate for an https API")
	cmd.Flags().BoolVar(&f.Insecure, "insecure", false, "skip TLS verification")
}
