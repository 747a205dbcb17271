package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/loykin/loopr/pkg/template"
)

func main() {
	root := buildRoot(&command{out: os.Stdout})
	os.Exit(execute(root, os.Stderr))
}

// execute runs root and maps its error to an exit status: 0 on success,
// 1 on any failure including a partially failed stop-all.
func execute(root *cobra.Command, stderr io.Writer) int {
	err := root.Execute()
	if err == nil {
		return 0
	}
	if !errors.Is(err, errPartial) {
		_, _ = fmt.Fprintln(stderr, "Error:", err)
	}
	return 1
}

// buildRoot creates the root command with every subcommand bound to c.
func buildRoot(c *command) *cobra.Command {
	globalFlags := &GlobalFlags{}
	root := createRootCommand(globalFlags)
	root.AddCommand(
		createStartCommand(c, globalFlags, &StartFlags{}),
		createRunCommand(c, globalFlags, &RunFlags{}),
		createListCommand(c, globalFlags),
		createDescribeCommand(c, globalFlags),
		createStatsCommand(c, globalFlags),
		createStopCommand(c, globalFlags, &StopFlags{}),
		createStopAllCommand(c, globalFlags, &StopFlags{}),
		createDeleteCommand(c, globalFlags, &DeleteFlags{}),
		createReconcileCommand(c, globalFlags),
		createServeCommand(c, globalFlags, &ServeFlags{}),
		createIntervalCommand(c),
		createInitCommand(c, &InitFlags{}),
	)
	return root
}

// createRootCommand creates the root command with the persistent flags
// shared by every subcommand.
func createRootCommand(flags *GlobalFlags) *cobra.Command {
	root := &cobra.Command{
		Use:   "loopr",
		Short: "Run agent tasks on a recurring interval",
		Long: `loopr runs a named agent task on a recurring interval in a detached
process, stops it once its cost ceiling or retry budget is spent, and keeps
a durable record that later invocations can inspect or stop.

Examples:
  loopr start inbox --task "triage new mail" --every "*/30m" --max-cost 0.5
  loopr list
  loopr describe inbox
  loopr stop inbox --wait 15s
  loopr stop-all
  loopr serve                                    # dashboard on [server].listen
  loopr list --server http://host:8087/api       # read through a dashboard`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.ConfigPath, "config", "", "path to TOML config file (optional)")
	root.PersistentFlags().StringVar(&flags.StateDir, "state-dir", "", "override the state directory")
	root.PersistentFlags().StringVar(&flags.Server, "server", "", "dashboard API URL; read and stop commands go through it")
	root.PersistentFlags().DurationVar(&flags.Timeout, "server-timeout", 0, "dashboard request timeout")
	root.PersistentFlags().StringVar(&flags.CACert, "ca-cert", "", "PEM file trusted for an https dashboard")
	root.PersistentFlags().BoolVar(&flags.Insecure, "insecure", false, "skip dashboard certificate verification")
	return root
}

func createStartCommand(c *command, g *GlobalFlags, f *StartFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start <name>",
		Short: "Start a recurring schedule in a detached process",
		Long: `Start records a new schedule and spawns its execution loop as a detached
process. Policy flags left unset take the values of [defaults] in the config.

Interval expressions: a positive number of seconds, a preset (hourly,
daily) or */N followed by m or h.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Start(cmd.Context(), *g, *f, cmd.Flags().Changed)
		},
	}
	cmd.Flags().StringVar(&f.Task, "task", "", "task description handed to the agent")
	cmd.Flags().StringVar(&f.Interval, "every", "", "interval expression, e.g. hourly or */30m")
	cmd.Flags().Float64Var(&f.MaxCost, "max-cost", 0, "stop once cumulative cost exceeds this")
	cmd.Flags().IntVar(&f.MaxRetries, "max-retries", 0, "consecutive failures tolerated before giving up")
	cmd.Flags().DurationVar(&f.Timeout, "timeout", 0, "budget for one agent call")
	cmd.Flags().BoolVar(&f.RunImmediately, "now", false, "run the first tick without waiting one interval")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("every")
	return cmd
}

// createRunCommand is the entry point of a detached schedule process.
func createRunCommand(c *command, g *GlobalFlags, f *RunFlags) *cobra.Command {
	return &cobra.Command{
		Use:    "run <name>",
		Short:  "Run the execution loop of a schedule in the foreground",
		Hidden: true,
		Args:   cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Run(cmd.Context(), *g, *f)
		},
	}
}

func createListCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List schedules",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.List(cmd.Context(), *g)
		},
	}
}

func createDescribeCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <name>",
		Short: "Show the full record of a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Describe(cmd.Context(), *g, args[0])
		},
	}
}

func createStatsCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [name]",
		Short: "Show executions and cost, for one schedule or in total",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := ""
			if len(args) == 1 {
				name = args[0]
			}
			return c.Stats(cmd.Context(), *g, name)
		},
	}
}

func createStopCommand(c *command, g *GlobalFlags, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop <name>",
		Short: "Stop a schedule and wait for its process to exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Stop(cmd.Context(), *g, *f, cmd.Flags().Changed)
		},
	}
	addStopFlags(cmd, f)
	cmd.Flags().BoolVar(&f.Delete, "delete", false, "remove the record once the process is gone")
	return cmd
}

func createStopAllCommand(c *command, g *GlobalFlags, f *StopFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stop-all",
		Short: "Stop every schedule; exits 1 if any could not be stopped",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.StopAll(cmd.Context(), *g, *f, cmd.Flags().Changed)
		},
	}
	addStopFlags(cmd, f)
	return cmd
}

func addStopFlags(cmd *cobra.Command, f *StopFlags) {
	cmd.Flags().DurationVar(&f.Wait, "wait", 0, "how long to wait for each process (default from config)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "kill the process if it ignores the stop signal")
}

func createDeleteCommand(c *command, g *GlobalFlags, f *DeleteFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Remove the record of a finished schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f.Name = args[0]
			return c.Delete(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().BoolVar(&f.Force, "force", false, "stop a live schedule first")
	return cmd
}

func createReconcileCommand(c *command, g *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Mark records whose process died unexpectedly",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Reconcile(cmd.Context(), *g)
		},
	}
}

func createServeCommand(c *command, g *GlobalFlags, f *ServeFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dashboard API",
		Long: `Serve exposes list, describe, stats, stop, stop-all, delete, reconcile and
Prometheus metrics over HTTP. Schedules keep running when the server exits.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Serve(cmd.Context(), *g, *f)
		},
	}
	cmd.Flags().StringVar(&f.Listen, "listen", "", "listen address (default from config)")
	cmd.Flags().StringVar(&f.BasePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().DurationVar(&f.ReconcileEvery, "reconcile-every", time.Minute, "period of the stale-process sweep; 0 disables it")
	return cmd
}

func createIntervalCommand(c *command) *cobra.Command {
	return &cobra.Command{
		Use:   "interval <expr>",
		Short: "Print the number of seconds an interval expression stands for",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Interval(args[0])
		},
	}
}

func createInitCommand(c *command, f *InitFlags) *cobra.Command {
	types := strings.Join(template.NewGenerator().GetSupportedTypes(), ", ")
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		Long: `Init writes a starter TOML configuration.

Types: ` + types + `

Examples:
  loopr init --agent "claude -p"
  loopr init --type sqlite --output ~/.loopr/config.toml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.Init(*f)
		},
	}
	cmd.Flags().StringVar(&f.Type, "type", string(template.TypeBasic), "template type")
	cmd.Flags().StringVar(&f.Agent, "agent", "", "agent command line")
	cmd.Flags().StringVarP(&f.Output, "output", "o", "", "output path (default loopr.toml)")
	cmd.Flags().StringVar(&f.Home, "home", "", "base directory of generated paths (default ~/.loopr)")
	cmd.Flags().BoolVar(&f.Force, "force", false, "overwrite an existing file")
	return cmd
}
