package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/loykin/loopr/internal/agent"
	"github.com/loykin/loopr/internal/daemon"
	"github.com/loykin/loopr/internal/logger"
	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/scheduler"
	"github.com/loykin/loopr/internal/store"
)

// Run executes the loop of one schedule in this process until it
// completes, fails or receives a stop signal. It is what a detached
// schedule process runs.
func (c *command) Run(ctx context.Context, g GlobalFlags, f RunFlags) error {
	cfg, err := c.loadConfig(g)
	if err != nil {
		return err
	}
	logW, outW, err := cfg.Log.File.ScheduleWriters(f.Name)
	if err != nil {
		return err
	}
	var lw io.Writer = os.Stderr
	if logW != nil {
		defer func() { _ = logW.Close() }()
		lw = logW
	}
	log := logger.New(cfg.Log, lw)

	exec, err := c.agentExecutor(cfg, log)
	if err != nil {
		return err
	}
	if outW != nil {
		defer func() { _ = outW.Close() }()
		exec = &transcript{Executor: exec, w: outW}
	}

	st, err := store.NewFileStore(cfg.StateDir, log)
	if err != nil {
		return err
	}
	pub := openHistory(cfg, log)
	defer func() { _ = pub.Close() }()

	var rec *metrics.Recorder
	if cfg.Metrics.TextfileDir != "" {
		if rec, err = metrics.NewRecorder(f.Name, cfg.Metrics.TextfileDir); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(ctx, stopSignals...)
	defer stop()

	pid := os.Getpid()
	loop, err := scheduler.New(scheduler.Config{
		Name:         f.Name,
		Store:        st,
		Executor:     exec,
		History:      pub,
		Metrics:      rec,
		Logger:       log,
		PID:          pid,
		ProcessStart: daemon.ProcStartUnix(pid),
	})
	if err != nil {
		return err
	}
	res, err := loop.Run(ctx)
	if err != nil {
		log.Error("loop ended with error", "error", err)
		return err
	}
	if res.Status == store.StatusFailed {
		return fmt.Errorf("schedule %s failed after %d executions: %s", f.Name, res.Executions, res.LastError)
	}
	return nil
}

// transcript appends the output of every agent call to w.
type transcript struct {
	agent.Executor
	w io.Writer
	// an abandoned call may still finish while the next one runs
	mu sync.Mutex
}

func (t *transcript) Execute(ctx context.Context, task string) (agent.Result, error) {
	start := time.Now()
	res, err := t.Executor.Execute(ctx, task)
	t.mu.Lock()
	defer t.mu.Unlock()
	_, _ = fmt.Fprintf(t.w, "--- %s duration=%s cost=%g\n",
		start.UTC().Format(time.RFC3339), time.Since(start).Round(time.Millisecond), res.Cost)
	if err != nil {
		_, _ = fmt.Fprintf(t.w, "error: %v\n", err)
		return res, err
	}
	_, _ = io.WriteString(t.w, res.Output)
	if n := len(res.Output); n > 0 && res.Output[n-1] != '\n' {
		_, _ = io.WriteString(t.w, "\n")
	}
	return res, nil
}
