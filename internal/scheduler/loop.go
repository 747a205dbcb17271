package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/loykin/loopr/internal/agent"
	"github.com/loykin/loopr/internal/history"
	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/store"
)

// Outcome classifies one tick.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeTimeout Outcome = "timeout"
)

// Reason tags why a loop reached its terminal status.
type Reason string

const (
	ReasonCostCeiling      Reason = "cost_ceiling"
	ReasonRetriesExhausted Reason = "retries_exhausted"
	ReasonStopped          Reason = "stopped"
)

var (
	// ErrNoRecord is returned when the schedule has no record to run.
	ErrNoRecord = errors.New("schedule record not found")
	// ErrNotRunnable is returned for records in a terminal status or owned
	// by another process.
	ErrNotRunnable = errors.New("schedule is not runnable")
)

// Result is the terminal state of a finished loop.
type Result struct {
	Status     store.Status
	Reason     Reason
	Executions int64
	Cost       float64
	LastError  string
}

// Config wires a Loop. Store and Executor are required.
type Config struct {
	Name     string
	Store    store.Store
	Executor agent.Executor
	History  *history.Publisher
	Metrics  *metrics.Recorder
	Logger   *slog.Logger

	// PID and ProcessStart identify the owning process in the record.
	PID          int
	ProcessStart int64

	Now   func() time.Time
	After func(time.Duration) <-chan time.Time
}

// Loop runs one schedule: wait, execute, persist, decide. It is the only
// writer of its record while it runs.
type Loop struct {
	cfg Config
	log *slog.Logger
	rec store.Record
}

func New(cfg Config) (*Loop, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: store is required")
	}
	if cfg.Executor == nil {
		return nil, errors.New("scheduler: executor is required")
	}
	if !store.ValidName(cfg.Name) {
		return nil, fmt.Errorf("scheduler: %w: %q", store.ErrInvalidName, cfg.Name)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.After == nil {
		cfg.After = time.After
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{cfg: cfg, log: log.With("schedule", cfg.Name)}, nil
}

func (l *Loop) now() time.Time { return l.cfg.Now().UTC() }

// Run loads the record, marks it running and ticks until the cost ceiling,
// retry exhaustion or cancellation of ctx. Cancellation never aborts a
// tick in flight. The returned error covers setup failures and a final
// record that could not be written.
func (l *Loop) Run(ctx context.Context) (Result, error) {
	// Record writes must survive the cancellation that asks us to stop.
	wctx := context.WithoutCancel(ctx)

	// The parent may be writing our PID at the same moment; both sides
	// read and write under the record lock.
	rec, err := store.Update(wctx, l.cfg.Store, l.cfg.Name, func(rec store.Record, ok bool) (store.Record, bool, error) {
		if !ok {
			return rec, false, fmt.Errorf("%w: %s", ErrNoRecord, l.cfg.Name)
		}
		if rec.Status == store.StatusRunning && rec.PID != 0 && rec.PID != l.cfg.PID {
			return rec, false, fmt.Errorf("%w: %s is owned by pid %d", ErrNotRunnable, rec.Name, rec.PID)
		}
		if rec.IntervalSeconds <= 0 || rec.TimeoutSeconds <= 0 {
			return rec, false, fmt.Errorf("%w: %s has interval %ds and timeout %ds", ErrNotRunnable, rec.Name, rec.IntervalSeconds, rec.TimeoutSeconds)
		}
		if err := rec.Transition(store.StatusRunning); err != nil {
			return rec, false, fmt.Errorf("%w: %w", ErrNotRunnable, err)
		}
		rec.PID = l.cfg.PID
		rec.ProcessStart = l.cfg.ProcessStart
		rec.UpdatedAt = l.now()
		if rec.StartedAt.IsZero() {
			rec.StartedAt = rec.UpdatedAt
		}
		return rec, true, nil
	})
	if err != nil {
		if errors.Is(err, ErrNoRecord) || errors.Is(err, ErrNotRunnable) {
			return Result{}, err
		}
		return Result{}, fmt.Errorf("mark running: %w", err)
	}
	l.rec = rec
	l.transition(wctx, "")
	l.log.Info("started", "pid", rec.PID, "interval", rec.Interval(), "task", rec.Task,
		"max_cost", rec.MaxCost, "max_retries", rec.MaxRetries, "timeout", rec.Timeout())

	first := true
	for {
		wait := l.rec.Interval()
		if first && l.rec.RunImmediately {
			wait = 0
		}
		first = false
		if wait > 0 {
			l.log.Debug("waiting", "for", wait)
			select {
			case <-ctx.Done():
				return l.stop(wctx)
			case <-l.cfg.After(wait):
			}
		} else if ctx.Err() != nil {
			return l.stop(wctx)
		}

		l.tick(wctx)

		switch {
		case l.rec.Cost > l.rec.MaxCost:
			l.log.Info("cost ceiling reached", "cost", l.rec.Cost, "max_cost", l.rec.MaxCost, "executions", l.rec.Executions)
			return l.finish(wctx, store.StatusCompleted, ReasonCostCeiling)
		case l.rec.ConsecutiveFailures > l.rec.MaxRetries:
			l.log.Error("failed", "consecutive_failures", l.rec.ConsecutiveFailures, "max_retries", l.rec.MaxRetries, "last_error", l.rec.LastError)
			return l.finish(wctx, store.StatusFailed, ReasonRetriesExhausted)
		case ctx.Err() != nil:
			return l.stop(wctx)
		}
	}
}

// tick runs the task once and persists the outcome. A failed record write
// counts as a failed tick.
func (l *Loop) tick(ctx context.Context) {
	prevFailures := l.rec.ConsecutiveFailures
	start := l.now()
	res, outcome, execErr := l.execute(ctx)
	elapsed := l.now().Sub(start)

	l.rec.Executions++
	if outcome == OutcomeSuccess {
		l.rec.Cost += sanitizeCost(res.Cost)
		l.rec.ConsecutiveFailures = 0
		l.rec.LastError = ""
	} else {
		l.rec.ConsecutiveFailures++
		l.rec.LastError = execErr.Error()
	}
	l.rec.UpdatedAt = l.now()

	if err := l.cfg.Store.Save(ctx, l.rec); err != nil {
		// Unwritten ticks keep counting against the retry budget even when
		// the agent call itself succeeded.
		outcome = OutcomeFailure
		l.rec.ConsecutiveFailures = prevFailures + 1
		l.rec.LastError = fmt.Sprintf("persist record: %v", err)
		l.log.Warn("record write failed", "error", err, "consecutive_failures", l.rec.ConsecutiveFailures)
	}

	l.log.Debug("tick", "outcome", outcome, "duration", elapsed, "executions", l.rec.Executions,
		"cost", l.rec.Cost, "consecutive_failures", l.rec.ConsecutiveFailures, "error", l.rec.LastError)

	e := history.NewEvent(history.EventTick, l.rec.Name, l.rec.UpdatedAt)
	e.PID = l.rec.PID
	e.Status = string(l.rec.Status)
	e.Outcome = string(outcome)
	e.Executions = l.rec.Executions
	e.Cost = l.rec.Cost
	e.DurationMs = elapsed.Milliseconds()
	e.Error = l.rec.LastError
	l.cfg.History.Publish(ctx, e)

	l.cfg.Metrics.ObserveTick(string(outcome), elapsed, l.rec.UpdatedAt)
	l.cfg.Metrics.SetRecord(l.rec)
	if err := l.cfg.Metrics.Flush(); err != nil {
		l.log.Warn("metrics textfile write failed", "path", l.cfg.Metrics.Path(), "error", err)
	}
}

type callResult struct {
	res agent.Result
	err error
}

// execute enforces the tick timeout even when the executor ignores ctx.
func (l *Loop) execute(ctx context.Context) (agent.Result, Outcome, error) {
	timeout := l.rec.Timeout()
	tctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- callResult{err: fmt.Errorf("agent panicked: %v", r)}
			}
		}()
		res, err := l.cfg.Executor.Execute(tctx, l.rec.Task)
		done <- callResult{res: res, err: err}
	}()

	select {
	case r := <-done:
		switch {
		case r.err == nil:
			return r.res, OutcomeSuccess, nil
		case errors.Is(r.err, agent.ErrTimeout), errors.Is(r.err, context.DeadlineExceeded):
			if !errors.Is(r.err, agent.ErrTimeout) {
				r.err = fmt.Errorf("%w: %v", agent.ErrTimeout, r.err)
			}
			return agent.Result{}, OutcomeTimeout, r.err
		default:
			return agent.Result{}, OutcomeFailure, r.err
		}
	case <-tctx.Done():
		return agent.Result{}, OutcomeTimeout, fmt.Errorf("%w after %s", agent.ErrTimeout, timeout)
	}
}

func (l *Loop) stop(ctx context.Context) (Result, error) {
	l.log.Info("stop requested", "executions", l.rec.Executions)
	if err := l.rec.Transition(store.StatusStopping); err != nil {
		return Result{}, err
	}
	l.rec.UpdatedAt = l.now()
	if err := l.cfg.Store.Save(ctx, l.rec); err != nil {
		l.log.Warn("record write failed", "status", l.rec.Status, "error", err)
	}
	l.transition(ctx, "")
	return l.finish(ctx, store.StatusStopped, ReasonStopped)
}

func (l *Loop) finish(ctx context.Context, status store.Status, reason Reason) (Result, error) {
	if err := l.rec.Transition(status); err != nil {
		return Result{}, err
	}
	l.rec.UpdatedAt = l.now()
	err := l.cfg.Store.Save(ctx, l.rec)
	if err != nil {
		l.log.Error("final record write failed", "status", status, "error", err)
		err = fmt.Errorf("write final record: %w", err)
	}
	l.transition(ctx, string(reason))
	switch status {
	case store.StatusStopped:
		l.log.Info("stopped", "executions", l.rec.Executions, "cost", l.rec.Cost)
	case store.StatusCompleted:
		l.log.Info("completed", "executions", l.rec.Executions, "cost", l.rec.Cost)
	}
	return Result{
		Status:     status,
		Reason:     reason,
		Executions: l.rec.Executions,
		Cost:       l.rec.Cost,
		LastError:  l.rec.LastError,
	}, err
}

func (l *Loop) transition(ctx context.Context, reason string) {
	e := history.NewEvent(history.EventTransition, l.rec.Name, l.rec.UpdatedAt)
	e.PID = l.rec.PID
	e.Status = string(l.rec.Status)
	e.Executions = l.rec.Executions
	e.Cost = l.rec.Cost
	e.Error = reason
	if l.rec.Status == store.StatusFailed {
		e.Error = l.rec.LastError
	}
	l.cfg.History.Publish(ctx, e)
	l.cfg.Metrics.SetRecord(l.rec)
	if err := l.cfg.Metrics.Flush(); err != nil {
		l.log.Warn("metrics textfile write failed", "path", l.cfg.Metrics.Path(), "error", err)
	}
}

// Record returns the loop's current view of its record.
func (l *Loop) Record() store.Record { return l.rec }

func sanitizeCost(c float64) float64 {
	if c < 0 || math.IsNaN(c) || math.IsInf(c, 0) {
		return 0
	}
	return c
}
