// Package loopr runs named agent tasks on a recurring interval in detached
// processes, with a cost ceiling, bounded retries and durable state that
// any later invocation can inspect or stop.
package loopr

import (
	"context"
	"log/slog"
	"net/http"
	"os"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/loopr/internal/agent"
	cfg "github.com/loykin/loopr/internal/config"
	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/internal/daemon"
	"github.com/loykin/loopr/internal/history"
	"github.com/loykin/loopr/internal/interval"
	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/scheduler"
	iapi "github.com/loykin/loopr/internal/server"
	"github.com/loykin/loopr/internal/store"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Record = store.Record

type Status = store.Status

type Executor = agent.Executor

type ExecutorFunc = agent.Func

type AgentResult = agent.Result

type StartRequest = control.StartRequest

type StopOptions = control.StopOptions

type StopOutcome = control.StopOutcome

type StopAllResult = control.StopAllResult

type Summary = control.Summary

type Detail = control.Detail

type Aggregate = control.Aggregate

type RunResult = scheduler.Result

type Supervisor = daemon.Supervisor

type HistorySink = history.Sink

type Config = cfg.Config

var (
	ErrInvalidScheduleExpression = interval.ErrInvalidScheduleExpression
	ErrNotFound                  = control.ErrNotFound
	ErrAlreadyRunning            = control.ErrAlreadyRunning
	ErrSpawn                     = control.ErrSpawn
	ErrStopTimeout               = control.ErrStopTimeout
)

// ParseInterval converts an interval expression to seconds.
func ParseInterval(expr string) (int64, error) { return interval.Parse(expr) }

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// Options configure a Controller.
type Options struct {
	// StateDir holds one record file per schedule.
	StateDir string
	// Executable is spawned for each schedule; defaults to os.Executable().
	Executable string
	// Args returns the runner argv; defaults to ["run", "--", name]. The runner
	// must call RunSchedule for that name.
	Args func(name string) []string
	// LogDir receives <name>.stdio with each runner's raw output.
	LogDir string
	// Supervisor replaces the OS process supervisor.
	Supervisor Supervisor
	Logger     *slog.Logger
}

// Controller is a thin facade over the control service.
type Controller struct {
	inner *control.Service
}

// NewController opens the state directory and prepares a supervisor.
func NewController(o Options) (*Controller, error) {
	st, err := store.NewFileStore(o.StateDir, o.Logger)
	if err != nil {
		return nil, err
	}
	sup := o.Supervisor
	if sup == nil {
		exe := o.Executable
		if exe == "" {
			if exe, err = os.Executable(); err != nil {
				return nil, err
			}
		}
		sup = &daemon.OS{Executable: exe, Logger: o.Logger}
	}
	args := o.Args
	if args == nil {
		args = func(name string) []string { return []string{"run", "--", name} }
	}
	svc := &control.Service{Store: st, Supervisor: sup, Args: args, Logger: o.Logger}
	if o.LogDir != "" {
		fc := cfg.Default().Log.File
		fc.Dir = o.LogDir
		svc.OutputPath = fc.OutputPath
	}
	return &Controller{inner: svc}, nil
}

func (c *Controller) Start(ctx context.Context, req StartRequest) (Record, error) {
	return c.inner.Start(ctx, req)
}
func (c *Controller) Stop(ctx context.Context, name string, o StopOptions) (StopOutcome, error) {
	return c.inner.Stop(ctx, name, o)
}
func (c *Controller) StopAll(ctx context.Context, o StopOptions) StopAllResult {
	return c.inner.StopAll(ctx, o)
}
func (c *Controller) List(ctx context.Context) ([]Summary, error)  { return c.inner.List(ctx) }
func (c *Controller) Stats(ctx context.Context) (Aggregate, error) { return c.inner.Stats(ctx) }
func (c *Controller) Describe(ctx context.Context, name string) (Detail, error) {
	return c.inner.Describe(ctx, name)
}
func (c *Controller) Delete(ctx context.Context, name string, force bool) (bool, error) {
	return c.inner.Delete(ctx, name, force)
}
func (c *Controller) Reconcile(ctx context.Context) ([]string, error) { return c.inner.Reconcile(ctx) }

// NewHTTPServer returns an HTTP server exposing the dashboard API for c.
func NewHTTPServer(addr, basePath string, c *Controller) (*http.Server, error) {
	return iapi.NewServer(addr, basePath, c.inner)
}

// RunOptions configure RunSchedule.
type RunOptions struct {
	StateDir string
	Name     string
	Executor Executor
	// History, when set, receives tick and transition events best-effort.
	History HistorySink
	// MetricsDir, when set, receives loopr_<name>.prom after every tick.
	MetricsDir string
	Logger     *slog.Logger
}

// RunSchedule runs the loop for one schedule in the calling process until
// it completes, fails, or ctx is cancelled.
func RunSchedule(ctx context.Context, o RunOptions) (RunResult, error) {
	st, err := store.NewFileStore(o.StateDir, o.Logger)
	if err != nil {
		return RunResult{}, err
	}
	var rec *metrics.Recorder
	if o.MetricsDir != "" {
		if rec, err = metrics.NewRecorder(o.Name, o.MetricsDir); err != nil {
			return RunResult{}, err
		}
	}
	pid := os.Getpid()
	loop, err := scheduler.New(scheduler.Config{
		Name:         o.Name,
		Store:        st,
		Executor:     o.Executor,
		History:      &history.Publisher{Sink: o.History, Logger: o.Logger},
		Metrics:      rec,
		Logger:       o.Logger,
		PID:          pid,
		ProcessStart: daemon.ProcStartUnix(pid),
	})
	if err != nil {
		return RunResult{}, err
	}
	return loop.Run(ctx)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }

// StopWait is the default per-schedule stop budget.
const StopWait = control.DefaultStopWait
