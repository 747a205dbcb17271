package store

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a schedule.
type Status string

const (
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusStopping  Status = "stopping"
	StatusStopped   Status = "stopped"
	StatusFailed    Status = "failed"
	StatusCompleted Status = "completed"
)

// IsTerminal reports whether no further transition is possible without a
// fresh start.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusStopped, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

// IsActive reports whether a process is expected to own the record.
func (s Status) IsActive() bool {
	return s == StatusStarting || s == StatusRunning || s == StatusStopping
}

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusFailed, StatusCompleted:
		return true
	}
	return false
}

var transitions = map[Status][]Status{
	StatusStarting: {StatusRunning, StatusStopping, StatusStopped, StatusFailed},
	StatusRunning:  {StatusStopping, StatusStopped, StatusFailed, StatusCompleted},
	StatusStopping: {StatusStopped, StatusFailed},
}

// CanTransition reports whether moving from s to next is allowed.
// Staying in the same non-terminal state is allowed.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}

// Transition moves rec to next, refusing moves the lifecycle forbids.
func (r *Record) Transition(next Status) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, r.Name, r.Status, next)
	}
	r.Status = next
	return nil
}

// Record is the durable state of one named schedule. It is the read
// contract shared with every process that inspects schedules.
type Record struct {
	Name                string    `json:"name"`
	PID                 int       `json:"process_id"`
	ProcessStart        int64     `json:"process_start_unix,omitempty"`
	Task                string    `json:"task"`
	IntervalExpression  string    `json:"interval_expression"`
	IntervalSeconds     int64     `json:"interval_seconds"`
	Status              Status    `json:"status"`
	Executions          int64     `json:"executions"`
	Cost                float64   `json:"cost"`
	MaxCost             float64   `json:"max_cost"`
	MaxRetries          int       `json:"max_retries"`
	TimeoutSeconds      int64     `json:"timeout_seconds"`
	RunImmediately      bool      `json:"run_immediately,omitempty"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastError           string    `json:"last_error,omitempty"`
}

// Interval returns the parsed interval as a duration.
func (r Record) Interval() time.Duration {
	return time.Duration(r.IntervalSeconds) * time.Second
}

// Timeout returns the per-tick timeout as a duration.
func (r Record) Timeout() time.Duration {
	return time.Duration(r.TimeoutSeconds) * time.Second
}

// Statuses lists every status in lifecycle order.
func Statuses() []Status {
	return []Status{StatusStarting, StatusRunning, StatusStopping, StatusStopped, StatusFailed, StatusCompleted}
}
