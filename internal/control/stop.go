package control

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loykin/loopr/internal/metrics"
	"github.com/loykin/loopr/internal/store"
)

// StopOptions tune one stop. Zero values use DefaultStopWait and keep the
// record.
type StopOptions struct {
	Wait time.Duration
	// Delete removes the record once the process is confirmed gone.
	Delete bool
	// Force escalates to a hard kill when the wait elapses, if the
	// supervisor supports it.
	Force bool
}

func (o StopOptions) wait() time.Duration {
	if o.Wait <= 0 {
		return DefaultStopWait
	}
	return o.Wait
}

// StopState says what a successful stop found.
type StopState string

const (
	StopStopped     StopState = "stopped"
	StopAlreadyDead StopState = "already_dead"
	StopDeleted     StopState = "deleted"
	StopFailed      StopState = "failed"
)

// StopOutcome is the result of stopping one schedule.
type StopOutcome struct {
	Name   string       `json:"name"`
	PID    int          `json:"process_id"`
	State  StopState    `json:"state"`
	Status store.Status `json:"status,omitempty"`
	Err    error        `json:"-"`
}

// Error returns the failure message, empty on success.
func (o StopOutcome) Error() string {
	if o.Err == nil {
		return ""
	}
	return o.Err.Error()
}

type forcer interface {
	TerminateForce(pid int, wait time.Duration) bool
}

// Stop terminates the named schedule's process and marks its record
// stopped (or deletes it). A process that is already gone is a success.
// While the owner is alive its record is left to the owner, which writes
// stopping and stopped itself.
func (s *Service) Stop(ctx context.Context, name string, opts StopOptions) (StopOutcome, error) {
	out := StopOutcome{Name: name, State: StopFailed}
	rec, ok, err := s.Store.Load(ctx, name)
	if err != nil {
		out.Err = fmt.Errorf("load %s: %w", name, err)
		return out, out.Err
	}
	if !ok {
		out.Err = fmt.Errorf("%w: %s", ErrNotFound, name)
		return out, out.Err
	}
	out.PID = rec.PID
	log := s.log().With("schedule", name, "pid", rec.PID)

	out.State = StopAlreadyDead
	if s.Alive(rec) {
		var gone bool
		if f, ok := s.Supervisor.(forcer); ok && opts.Force {
			gone = f.TerminateForce(rec.PID, opts.wait())
		} else {
			gone = s.Supervisor.Terminate(rec.PID, opts.wait())
		}
		if !gone {
			metrics.IncStop("timeout")
			out.State = StopFailed
			out.Status = rec.Status
			out.Err = fmt.Errorf("%w: %s (pid %d after %s)", ErrStopTimeout, name, rec.PID, opts.wait())
			log.Warn("stop timed out", "wait", opts.wait())
			return out, out.Err
		}
		out.State = StopStopped
	}
	metrics.IncStop(string(out.State))

	// Records are written from here on even if the caller gives up.
	wctx := context.WithoutCancel(ctx)
	if opts.Delete {
		if _, err := s.Store.Delete(wctx, name); err != nil {
			out.Err = fmt.Errorf("delete %s: %w", name, err)
			return out, out.Err
		}
		out.State = StopDeleted
		log.Info("stopped and deleted")
		return out, nil
	}

	// The runner usually wrote its own final record while exiting.
	if cur, ok, err := s.Store.Load(wctx, name); err == nil && ok {
		rec = cur
	}
	if !rec.Status.IsTerminal() {
		if err := rec.Transition(store.StatusStopped); err != nil {
			out.Err = err
			return out, out.Err
		}
		rec.UpdatedAt = s.now()
		if err := s.Store.Save(wctx, rec); err != nil {
			out.Err = fmt.Errorf("mark %s stopped: %w", name, err)
			return out, out.Err
		}
		s.publish(wctx, rec, "stopped")
	}
	out.Status = rec.Status
	log.Info("stopped", "state", out.State, "status", rec.Status)
	return out, nil
}

// StopAllResult aggregates a StopAll run.
type StopAllResult struct {
	Outcomes []StopOutcome `json:"outcomes"`
	// Err is set when the records could not be listed at all.
	Err error `json:"-"`
}

// OK reports whether every stop succeeded. An empty result is OK.
func (r StopAllResult) OK() bool {
	if r.Err != nil {
		return false
	}
	for _, o := range r.Outcomes {
		if o.Err != nil {
			return false
		}
	}
	return true
}

// ExitCode maps the aggregate to a process exit status.
func (r StopAllResult) ExitCode() int {
	if r.OK() {
		return 0
	}
	return 1
}

// Failed returns the outcomes that did not stop.
func (r StopAllResult) Failed() []StopOutcome {
	var out []StopOutcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// StopAll stops every known schedule concurrently. Each stop carries its
// own wait, so a hung process delays only itself; the others are stopped
// regardless and the result reports every failure.
func (s *Service) StopAll(ctx context.Context, opts StopOptions) StopAllResult {
	recs, err := s.Store.List(ctx)
	if err != nil {
		return StopAllResult{Err: fmt.Errorf("list schedules: %w", err)}
	}
	res := StopAllResult{Outcomes: make([]StopOutcome, len(recs))}
	if len(recs) == 0 {
		return res
	}
	limit := s.Parallelism
	if limit <= 0 {
		limit = DefaultParallelism
	}
	var failed atomic.Int32
	var g errgroup.Group
	g.SetLimit(limit)
	for i, rec := range recs {
		g.Go(func() error {
			o, err := s.Stop(ctx, rec.Name, opts)
			if errors.Is(err, ErrNotFound) {
				// removed concurrently; nothing left to stop
				o = StopOutcome{Name: rec.Name, PID: rec.PID, State: StopAlreadyDead}
			} else if err != nil {
				failed.Add(1)
			}
			res.Outcomes[i] = o
			return nil
		})
	}
	_ = g.Wait()
	s.log().Info("stop-all finished", "schedules", len(recs), "failed", failed.Load())
	return res
}
