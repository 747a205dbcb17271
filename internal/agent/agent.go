package agent

import (
	"context"
	"errors"
)

// ErrTimeout is returned when an agent call exceeds its tick timeout.
var ErrTimeout = errors.New("agent call timed out")

// Result is what one agent call produced. Output is opaque to loopr.
type Result struct {
	Output string
	Cost   float64
}

// Executor runs one task. Implementations must honour ctx cancellation;
// the caller still enforces its own deadline if they do not.
type Executor interface {
	Execute(ctx context.Context, task string) (Result, error)
}

// Func adapts a function to Executor.
type Func func(ctx context.Context, task string) (Result, error)

func (f Func) Execute(ctx context.Context, task string) (Result, error) {
	return f(ctx, task)
}
