// Package control implements the operations behind every loopr command
// surface: start, stop, stop-all, list, describe, stats, delete and
// reconcile. It reads and writes the record store directly and reaches
// schedule processes only through a daemon.Supervisor.
package control

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/loykin/loopr/internal/daemon"
	"github.com/loykin/loopr/internal/history"
	"github.com/loykin/loopr/internal/interval"
	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/store"
)

var (
	ErrNotFound       = errors.New("schedule not found")
	ErrAlreadyRunning = errors.New("schedule is already running")
	ErrSpawn          = errors.New("spawn schedule process")
	ErrStopTimeout    = errors.New("schedule process did not exit in time")
	ErrInvalidRequest = errors.New("invalid start request")
)

const (
	// DefaultStopWait bounds how long one stop waits for its process.
	DefaultStopWait = 10 * time.Second
	// DefaultParallelism bounds concurrent stops in StopAll.
	DefaultParallelism = 8

	// A starting record without a pid younger than this is assumed to
	// belong to a start still in progress.
	startGrace = 30 * time.Second

	lostProcess = "process exited unexpectedly"
)

// Service is the control plane. Store and Supervisor are required.
type Service struct {
	Store      store.Store
	Supervisor daemon.Supervisor

	// Args returns the argv of the detached runner for a schedule,
	// e.g. ["run", name]. Required by Start.
	Args func(name string) []string
	// Env is the environment of spawned runners; nil inherits ours.
	Env []string
	Dir string
	// OutputPath returns where a runner's raw output goes; may be nil.
	OutputPath func(name string) string

	Parallelism int
	History     *history.Publisher
	Logger      *slog.Logger
	Now         func() time.Time
}

func (s *Service) log() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (s *Service) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// StartRequest describes a new schedule. Policy fields are taken as given;
// callers fill defaults from configuration.
type StartRequest struct {
	Name           string
	Task           string
	Interval       string
	MaxCost        float64
	MaxRetries     int
	Timeout        time.Duration
	RunImmediately bool
}

func (r StartRequest) validate() (int64, error) {
	var errs []error
	if !store.ValidName(r.Name) {
		errs = append(errs, &store.NameError{Name: r.Name})
	}
	if strings.TrimSpace(r.Task) == "" {
		errs = append(errs, errors.New("task is empty"))
	}
	secs, err := interval.Parse(r.Interval)
	if err != nil {
		errs = append(errs, err)
	}
	if r.MaxCost < 0 {
		errs = append(errs, fmt.Errorf("max cost %v is negative", r.MaxCost))
	}
	if r.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("max retries %d is negative", r.MaxRetries))
	}
	if r.Timeout < time.Second {
		errs = append(errs, fmt.Errorf("timeout %s is below 1s", r.Timeout))
	}
	if len(errs) > 0 {
		return 0, fmt.Errorf("%w: %w", ErrInvalidRequest, errors.Join(errs...))
	}
	return secs, nil
}

// Start writes a starting record and launches its runner. A live schedule
// of the same name is refused; a terminal one is replaced. If the spawn
// fails the record is removed again.
func (s *Service) Start(ctx context.Context, req StartRequest) (store.Record, error) {
	secs, err := req.validate()
	if err != nil {
		metrics.IncStart("rejected")
		return store.Record{}, err
	}
	if s.Args == nil {
		return store.Record{}, errors.New("control: runner args are not configured")
	}
	log := s.log().With("schedule", req.Name)

	if prev, ok, err := s.Store.Load(ctx, req.Name); err != nil && !errors.Is(err, store.ErrCorrupt) {
		return store.Record{}, fmt.Errorf("load %s: %w", req.Name, err)
	} else if ok && s.busy(prev) {
		metrics.IncStart("rejected")
		return store.Record{}, fmt.Errorf("%w: %s (pid %d, %s)", ErrAlreadyRunning, req.Name, prev.PID, prev.Status)
	}

	now := s.now()
	rec := store.Record{
		Name:               req.Name,
		Task:               req.Task,
		IntervalExpression: strings.TrimSpace(req.Interval),
		IntervalSeconds:    secs,
		Status:             store.StatusStarting,
		MaxCost:            req.MaxCost,
		MaxRetries:         req.MaxRetries,
		TimeoutSeconds:     int64(req.Timeout / time.Second),
		RunImmediately:     req.RunImmediately,
		StartedAt:          now,
		UpdatedAt:          now,
	}
	if err := s.Store.Save(ctx, rec); err != nil {
		return store.Record{}, fmt.Errorf("write record %s: %w", req.Name, err)
	}

	spec := daemon.SpawnSpec{Name: req.Name, Args: s.Args(req.Name), Env: s.Env, Dir: s.Dir}
	if s.OutputPath != nil {
		spec.OutputPath = s.OutputPath(req.Name)
	}
	pid, err := s.Supervisor.Spawn(ctx, spec)
	if err != nil {
		if _, derr := s.Store.Delete(context.WithoutCancel(ctx), req.Name); derr != nil {
			log.Warn("remove record after failed spawn", "error", derr)
		}
		metrics.IncStart("spawn_error")
		log.Error("spawn failed", "error", err)
		return store.Record{}, fmt.Errorf("%w %s: %w", ErrSpawn, req.Name, err)
	}

	rec = s.recordPID(context.WithoutCancel(ctx), rec, pid)
	metrics.IncStart("ok")
	log.Info("started", "pid", pid, "interval", rec.IntervalExpression, "max_cost", rec.MaxCost,
		"max_retries", rec.MaxRetries, "timeout", rec.Timeout())
	s.publish(ctx, rec, "")
	return rec, nil
}

// recordPID stores pid unless the runner already claimed the record. The
// check and the write happen under the record lock the runner also takes
// when it marks itself running.
func (s *Service) recordPID(ctx context.Context, rec store.Record, pid int) store.Record {
	rec.PID = pid
	if p, ok := s.Supervisor.(daemon.StartTimeProber); ok {
		rec.ProcessStart = p.ProcStartUnix(pid)
	}
	rec.UpdatedAt = s.now()
	cur, err := store.Update(ctx, s.Store, rec.Name, func(cur store.Record, ok bool) (store.Record, bool, error) {
		if ok && (cur.Status != store.StatusStarting || cur.PID != 0) {
			return cur, false, nil
		}
		return rec, true, nil
	})
	if err != nil {
		s.log().Warn("record pid", "schedule", rec.Name, "pid", pid, "error", err)
		return rec
	}
	return cur
}

// Alive reports whether the record's process still exists and is the one
// that was recorded.
func (s *Service) Alive(rec store.Record) bool {
	if !rec.Status.IsActive() || rec.PID <= 0 {
		return false
	}
	return daemon.Owned(s.Supervisor, rec.PID, rec.ProcessStart)
}

// busy reports whether rec blocks a fresh start.
func (s *Service) busy(rec store.Record) bool {
	if s.Alive(rec) {
		return true
	}
	return rec.Status == store.StatusStarting && rec.PID == 0 && s.now().Sub(rec.UpdatedAt) < startGrace
}

func (s *Service) publish(ctx context.Context, rec store.Record, reason string) {
	e := history.NewEvent(history.EventTransition, rec.Name, rec.UpdatedAt)
	e.PID = rec.PID
	e.Status = string(rec.Status)
	e.Executions = rec.Executions
	e.Cost = rec.Cost
	e.Error = reason
	s.History.Publish(ctx, e)
}
