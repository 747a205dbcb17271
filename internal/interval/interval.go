package interval

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// ErrInvalidScheduleExpression is returned (wrapped in *ExpressionError) for
// every input Parse rejects, so callers can present one consistent message.
var ErrInvalidScheduleExpression = errors.New("invalid schedule expression")

// ExpressionError describes why an interval expression was rejected.
type ExpressionError struct {
	Expr   string
	Reason string
}

func (e *ExpressionError) Error() string {
	return fmt.Sprintf("invalid schedule expression %q: %s", e.Expr, e.Reason)
}

func (e *ExpressionError) Unwrap() error { return ErrInvalidScheduleExpression }

// presets maps case-insensitive names to seconds. New entries must not
// collide with the "*/" prefix or with a bare integer.
var presets = map[string]int64{
	"daily":  86400,
	"hourly": 3600,
}

// shorthand units accepted after "*/N".
var units = map[byte]int64{
	'm': 60,
	'h': 3600,
}

// Parse maps a schedule expression to an interval in seconds.
//
// Accepted forms:
//   - a preset name ("daily", "hourly"), case-insensitive
//   - "*/Nm" or "*/Nh": every N minutes or hours, N > 0
//   - a bare positive integer: seconds
//
// Leading and trailing whitespace is ignored.
func Parse(expr string) (int64, error) {
	s := strings.TrimSpace(expr)
	if s == "" {
		return 0, invalid(expr, "empty expression")
	}
	if v, ok := presets[strings.ToLower(s)]; ok {
		return v, nil
	}
	if rest, ok := strings.CutPrefix(s, "*/"); ok {
		return parseShorthand(expr, rest)
	}
	n, err := parseCount(s)
	if err != nil {
		return 0, invalid(expr, err.Error())
	}
	return n, nil
}

// Duration is Parse expressed as a time.Duration.
func Duration(expr string) (time.Duration, error) {
	secs, err := Parse(expr)
	if err != nil {
		return 0, err
	}
	return time.Duration(secs) * time.Second, nil
}

// Presets returns the known preset names.
func Presets() []string {
	out := make([]string, 0, len(presets))
	for k := range presets {
		out = append(out, k)
	}
	return out
}

func parseShorthand(expr, rest string) (int64, error) {
	if len(rest) < 2 {
		return 0, invalid(expr, "expected */N followed by m or h")
	}
	unit, ok := units[rest[len(rest)-1]]
	if !ok {
		return 0, invalid(expr, fmt.Sprintf("unknown unit %q", rest[len(rest)-1:]))
	}
	n, err := parseCount(rest[:len(rest)-1])
	if err != nil {
		return 0, invalid(expr, err.Error())
	}
	if n > math.MaxInt64/unit {
		return 0, invalid(expr, "interval too large")
	}
	return n * unit, nil
}

// parseCount accepts only ASCII digits and rejects zero.
func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, errors.New("missing number")
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return 0, fmt.Errorf("unrecognized form %q", s)
		}
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.New("interval too large")
	}
	if n == 0 {
		return 0, errors.New("interval must be positive")
	}
	return n, nil
}

func invalid(expr, reason string) error {
	return &ExpressionError{Expr: expr, Reason: reason}
}
