package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/loykin/loopr/internal/agent"
	"github.com/loykin/loopr/internal/config"
	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/internal/daemon"
	"github.com/loykin/loopr/internal/history"
	"github.com/loykin/loopr/internal/history/factory"
	"github.com/loykin/loopr/internal/interval"
	"github.com/loykin/loopr/internal/logger"
	"github.com/loykin/loopr/internal/store"
	"github.com/loykin/loopr/pkg/client"
)

// errPartial is returned after the aggregate result has been printed, so
// main only has to turn it into exit status 1.
var errPartial = errors.New("some schedules could not be stopped")

var errNoAgent = errors.New("agent.command is not configured")

type command struct {
	out io.Writer
	// supervisor replaces the OS supervisor when set.
	supervisor daemon.Supervisor
	// executor replaces the configured agent command when set.
	executor agent.Executor
}

// session is the local control plane opened from configuration.
type session struct {
	cfg config.Config
	log *slog.Logger
	svc *control.Service
}

func (s *session) Close() {
	if err := s.svc.History.Close(); err != nil {
		s.log.Warn("close history sink", "error", err)
	}
}

func (c *command) loadConfig(g GlobalFlags) (config.Config, error) {
	cfg, err := config.Load(g.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	if g.StateDir != "" {
		cfg.StateDir = g.StateDir
	}
	return cfg, nil
}

func (c *command) open(g GlobalFlags) (*session, error) {
	cfg, err := c.loadConfig(g)
	if err != nil {
		return nil, err
	}
	log := logger.New(cfg.Log, os.Stderr)
	st, err := store.NewFileStore(cfg.StateDir, log)
	if err != nil {
		return nil, err
	}
	sup := c.supervisor
	if sup == nil {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("locate executable: %w", err)
		}
		sup = &daemon.OS{Executable: exe, Logger: log}
	}
	args, err := runnerArgs(g, cfg)
	if err != nil {
		return nil, err
	}
	svc := &control.Service{
		Store:      st,
		Supervisor: sup,
		Args:       args,
		OutputPath: cfg.Log.File.OutputPath,
		History:    openHistory(cfg, log),
		Logger:     log,
	}
	return &session{cfg: cfg, log: log, svc: svc}, nil
}

// runnerArgs pins the detached runner to the same state directory and
// config file, resolved to absolute paths.
func runnerArgs(g GlobalFlags, cfg config.Config) (func(string) []string, error) {
	stateDir, err := filepath.Abs(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("resolve state dir: %w", err)
	}
	cfgPath := ""
	if g.ConfigPath != "" {
		if cfgPath, err = filepath.Abs(g.ConfigPath); err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
	}
	return func(name string) []string {
		a := []string{"run", "--state-dir", stateDir}
		if cfgPath != "" {
			a = append(a, "--config", cfgPath)
		}
		return append(a, "--", name)
	}, nil
}

// openHistory returns nil when no DSN is configured or the sink cannot be
// opened; history is never a reason to fail a command.
func openHistory(cfg config.Config, log *slog.Logger) *history.Publisher {
	if strings.TrimSpace(cfg.History.DSN) == "" {
		return nil
	}
	sink, err := factory.NewSinkFromDSN(cfg.History.DSN, cfg.History.Index)
	if err != nil {
		log.Warn("history disabled", "error", err)
		return nil
	}
	return &history.Publisher{Sink: sink, Logger: log}
}

func (c *command) agentExecutor(cfg config.Config, log *slog.Logger) (agent.Executor, error) {
	if c.executor != nil {
		return c.executor, nil
	}
	if strings.TrimSpace(cfg.Agent.Command) == "" {
		return nil, errNoAgent
	}
	env, err := cfg.AgentEnv()
	if err != nil {
		return nil, err
	}
	return &agent.Command{
		Command:     cfg.Agent.Command,
		Env:         env,
		CostPerCall: cfg.Agent.CostPerCall,
		Logger:      log,
	}, nil
}

// remote returns a dashboard client after checking that it answers.
func (c *command) remote(ctx context.Context, g GlobalFlags) (*client.Client, error) {
	cl, err := client.New(client.Config{
		BaseURL:  g.Server,
		Timeout:  g.Timeout,
		CACert:   g.CACert,
		Insecure: g.Insecure,
	})
	if err != nil {
		return nil, err
	}
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("dashboard not reachable at %s - start one with 'loopr serve'", g.Server)
	}
	return cl, nil
}

// Start records and spawns a new schedule. It always acts locally.
func (c *command) Start(ctx context.Context, g GlobalFlags, f StartFlags, changed func(string) bool) error {
	if g.Server != "" {
		return errors.New("start acts on the local state directory; drop --server")
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	if c.executor == nil && strings.TrimSpace(s.cfg.Agent.Command) == "" {
		return errNoAgent
	}
	f = f.withDefaults(s.cfg.Defaults, changed)
	rec, err := s.svc.Start(ctx, control.StartRequest{
		Name:           f.Name,
		Task:           f.Task,
		Interval:       f.Interval,
		MaxCost:        f.MaxCost,
		MaxRetries:     f.MaxRetries,
		Timeout:        f.Timeout,
		RunImmediately: f.RunImmediately,
	})
	if err != nil {
		return err
	}
	printJSON(c.out, rec)
	return nil
}

func (c *command) List(ctx context.Context, g GlobalFlags) error {
	if g.Server != "" {
		cl, err := c.remote(ctx, g)
		if err != nil {
			return err
		}
		rows, err := cl.List(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, rows)
		return nil
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	rows, err := s.svc.List(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, rows)
	return nil
}

func (c *command) Describe(ctx context.Context, g GlobalFlags, name string) error {
	if g.Server != "" {
		cl, err := c.remote(ctx, g)
		if err != nil {
			return err
		}
		d, err := cl.Describe(ctx, name)
		if err != nil {
			return err
		}
		printJSON(c.out, d)
		return nil
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	d, err := s.svc.Describe(ctx, name)
	if err != nil {
		return err
	}
	printJSON(c.out, d)
	return nil
}

// Stats prints the aggregate, or one schedule's figures when name is set.
func (c *command) Stats(ctx context.Context, g GlobalFlags, name string) error {
	if g.Server != "" {
		cl, err := c.remote(ctx, g)
		if err != nil {
			return err
		}
		if name != "" {
			d, err := cl.Describe(ctx, name)
			if err != nil {
				return err
			}
			printJSON(c.out, d)
			return nil
		}
		agg, err := cl.Stats(ctx)
		if err != nil {
			return err
		}
		printJSON(c.out, agg)
		return nil
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	if name != "" {
		d, err := s.svc.StatsFor(ctx, name)
		if err != nil {
			return err
		}
		printJSON(c.out, d)
		return nil
	}
	agg, err := s.svc.Stats(ctx)
	if err != nil {
		return err
	}
	printJSON(c.out, agg)
	return nil
}

func (c *command) Stop(ctx context.Context, g GlobalFlags, f StopFlags, changed func(string) bool) error {
	if g.Server != "" {
		cl, err := c.remote(ctx, g)
		if err != nil {
			return err
		}
		out, err := cl.Stop(ctx, f.Name, client.StopRequest{Wait: f.Wait, Delete: f.Delete, Force: f.Force})
		if out.Name != "" {
			printJSON(c.out, out)
		}
		return err
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	f = f.withDefaults(s.cfg.Defaults, changed)
	out, err := s.svc.Stop(ctx, f.Name, control.StopOptions{Wait: f.Wait, Delete: f.Delete, Force: f.Force})
	if err == nil || errors.Is(err, control.ErrStopTimeout) {
		printJSON(c.out, outcomeView(out))
	}
	return err
}

// StopAll prints every outcome and returns errPartial when any failed.
func (c *command) StopAll(ctx context.Context, g GlobalFlags, f StopFlags, changed func(string) bool) error {
	if g.Server != "" {
		cl, err := c.remote(ctx, g)
		if err != nil {
			return err
		}
		res, err := cl.StopAll(ctx, client.StopRequest{Wait: f.Wait, Force: f.Force})
		if err != nil {
			return err
		}
		printJSON(c.out, res)
		if !res.OK {
			return errPartial
		}
		return nil
	}
	s, err := c.open(g)
	if err != nil {
		return err
	}
	defer s.Close()
	f = f.withDefaults(s.cfg.Defaults, changed)
	res := s.svc.StopAll(ctx, control.StopOptions{Wait: f.Wait, Force: f.Force})
	if res.Err != nil {
		return res.Err
	}
	printJSON(c.out, stopAllView(res))
	if !res.OK() {
		return errPartial
	}
	return nil
}

func (c *command) Delete(ctx context.Context, g GlobalFlags, f DeleteFlags) error {
	var (
		deleted bool
		err     error
	)
	if g.Server != "" {
		cl, rerr := c.remote(ctx, g)
		if rerr != nil {
			return rerr
		}
		deleted, err = cl.Delete(ctx, f.Name, f.Force)
	} else {
		s, oerr := c.open(g)
		if oerr != nil {
			return oerr
		}
		defer s.Close()
		deleted, err = s.svc.Delete(ctx, f.Name, f.Force)
	}
	if err != nil {
		return err
	}
	printJSON(c.out, map[string]any{"name": f.Name, "deleted": deleted})
	return nil
}

func (c *command) Reconcile(ctx context.Context, g GlobalFlags) error {
	var (
		changed []string
		err     error
	)
	if g.Server != "" {
		cl, rerr := c.remote(ctx, g)
		if rerr != nil {
			return rerr
		}
		changed, err = cl.Reconcile(ctx)
	} else {
		s, oerr := c.open(g)
		if oerr != nil {
			return oerr
		}
		defer s.Close()
		changed, err = s.svc.Reconcile(ctx)
	}
	if err != nil {
		return err
	}
	if changed == nil {
		changed = []string{}
	}
	printJSON(c.out, map[string]any{"changed": changed})
	return nil
}

func (c *command) Interval(expr string) error {
	secs, err := interval.Parse(expr)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, secs)
	return nil
}
