package control

import (
	"context"
	"fmt"
	"time"

	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/store"
)

// Summary is one row of a schedule listing.
type Summary struct {
	Name            string       `json:"name"`
	Status          store.Status `json:"status"`
	Interval        string       `json:"interval"`
	IntervalSeconds int64        `json:"interval_seconds"`
	Executions      int64        `json:"executions"`
	Cost            float64      `json:"cost"`
	PID             int          `json:"process_id"`
	Alive           bool         `json:"alive"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// Detail is the full record of one schedule plus its liveness.
type Detail struct {
	store.Record
	Alive bool `json:"alive"`
}

// Aggregate sums every readable record.
type Aggregate struct {
	Schedules  int                  `json:"schedules"`
	Alive      int                  `json:"alive"`
	Executions int64                `json:"executions"`
	Cost       float64              `json:"cost"`
	ByStatus   map[store.Status]int `json:"by_status"`
}

// List returns every schedule sorted by name.
func (s *Service) List(ctx context.Context) ([]Summary, error) {
	recs, err := s.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	out := make([]Summary, 0, len(recs))
	for _, r := range recs {
		out = append(out, Summary{
			Name:            r.Name,
			Status:          r.Status,
			Interval:        r.IntervalExpression,
			IntervalSeconds: r.IntervalSeconds,
			Executions:      r.Executions,
			Cost:            r.Cost,
			PID:             r.PID,
			Alive:           s.Alive(r),
			UpdatedAt:       r.UpdatedAt,
		})
	}
	return out, nil
}

// Describe returns the named schedule's full record.
func (s *Service) Describe(ctx context.Context, name string) (Detail, error) {
	if !store.ValidName(name) {
		return Detail{}, &store.NameError{Name: name}
	}
	rec, ok, err := s.Store.Load(ctx, name)
	if err != nil {
		return Detail{}, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok {
		return Detail{}, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return Detail{Record: rec, Alive: s.Alive(rec)}, nil
}

// StatsFor is Describe under the name used by the stats command.
func (s *Service) StatsFor(ctx context.Context, name string) (Detail, error) {
	return s.Describe(ctx, name)
}

// Stats aggregates executions and cost across all schedules. No schedules
// yields a zero aggregate.
func (s *Service) Stats(ctx context.Context) (Aggregate, error) {
	agg := Aggregate{ByStatus: map[store.Status]int{}}
	recs, err := s.Store.List(ctx)
	if err != nil {
		return agg, fmt.Errorf("list schedules: %w", err)
	}
	for _, r := range recs {
		agg.Schedules++
		agg.Executions += r.Executions
		agg.Cost += r.Cost
		agg.ByStatus[r.Status]++
		if s.Alive(r) {
			agg.Alive++
		}
	}
	return agg, nil
}

// Delete removes a record. A schedule whose process is alive is refused
// unless force is set, in which case it is stopped first.
func (s *Service) Delete(ctx context.Context, name string, force bool) (bool, error) {
	rec, ok, err := s.Store.Load(ctx, name)
	if err != nil {
		return false, fmt.Errorf("load %s: %w", name, err)
	}
	if !ok {
		return false, nil
	}
	if s.Alive(rec) {
		if !force {
			return false, fmt.Errorf("%w: %s (pid %d); stop it first", ErrAlreadyRunning, name, rec.PID)
		}
		if _, err := s.Stop(ctx, name, StopOptions{Delete: true, Force: true}); err != nil {
			return false, err
		}
		return true, nil
	}
	deleted, err := s.Store.Delete(ctx, name)
	if err != nil {
		return false, fmt.Errorf("delete %s: %w", name, err)
	}
	if deleted {
		s.log().Info("deleted", "schedule", name)
	}
	return deleted, nil
}

// Reconcile settles records whose process is gone. Starting or running
// records become failed, stopping records become stopped. It returns the
// names it changed.
func (s *Service) Reconcile(ctx context.Context) ([]string, error) {
	recs, err := s.Store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	var changed []string
	for _, r := range recs {
		if !r.Status.IsActive() || s.Alive(r) {
			continue
		}
		if r.Status == store.StatusStarting && r.PID == 0 && s.now().Sub(r.UpdatedAt) < startGrace {
			continue
		}
		prev := r.Status
		next := store.StatusFailed
		if r.Status == store.StatusStopping {
			next = store.StatusStopped
		}
		if err := r.Transition(next); err != nil {
			s.log().Warn("reconcile skipped", "schedule", r.Name, "error", err)
			continue
		}
		if next == store.StatusFailed {
			r.LastError = lostProcess
		}
		r.UpdatedAt = s.now()
		if err := s.Store.Save(ctx, r); err != nil {
			s.log().Warn("reconcile write failed", "schedule", r.Name, "error", err)
			continue
		}
		metrics.IncReconciled()
		s.log().Warn("reconciled", "schedule", r.Name, "pid", r.PID, "from", prev, "to", r.Status)
		s.publish(ctx, r, r.LastError)
		changed = append(changed, r.Name)
	}
	return changed, nil
}
