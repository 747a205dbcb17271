package client

import "time"

// Schedule is one row of GET /schedules.
type Schedule struct {
	Name            string    `json:"name"`
	Status          string    `json:"status"`
	Interval        string    `json:"interval"`
	IntervalSeconds int64     `json:"interval_seconds"`
	Executions      int64     `json:"executions"`
	Cost            float64   `json:"cost"`
	PID             int       `json:"process_id"`
	Alive           bool      `json:"alive"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Detail is the full record returned by GET /schedules/:name.
type Detail struct {
	Name                string    `json:"name"`
	PID                 int       `json:"process_id"`
	Task                string    `json:"task"`
	IntervalExpression  string    `json:"interval_expression"`
	IntervalSeconds     int64     `json:"interval_seconds"`
	Status              string    `json:"status"`
	Executions          int64     `json:"executions"`
	Cost                float64   `json:"cost"`
	MaxCost             float64   `json:"max_cost"`
	MaxRetries          int       `json:"max_retries"`
	TimeoutSeconds      int64     `json:"timeout_seconds"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	StartedAt           time.Time `json:"started_at"`
	UpdatedAt           time.Time `json:"updated_at"`
	LastError           string    `json:"last_error,omitempty"`
	Alive               bool      `json:"alive"`
}

// Stats is the aggregate returned by GET /stats.
type Stats struct {
	Schedules  int            `json:"schedules"`
	Alive      int            `json:"alive"`
	Executions int64          `json:"executions"`
	Cost       float64        `json:"cost"`
	ByStatus   map[string]int `json:"by_status"`
}

// StopRequest selects how a stop behaves.
type StopRequest struct {
	Wait   time.Duration
	Delete bool
	Force  bool
}

// StopOutcome is the result of stopping one schedule.
type StopOutcome struct {
	Name   string `json:"name"`
	PID    int    `json:"process_id"`
	State  string `json:"state"`
	Status string `json:"status,omitempty"`
	Error  string `json:"error,omitempty"`
}

// StopAllResult aggregates POST /stop-all.
type StopAllResult struct {
	OK       bool          `json:"ok"`
	Outcomes []StopOutcome `json:"outcomes"`
	Error    string        `json:"error,omitempty"`
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error string `json:"error"`
}
