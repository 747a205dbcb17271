package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

// TaskEnv is the environment variable carrying the task text.
const TaskEnv = "LOOPR_TASK"

const defaultMaxOutput = 1 << 20

// Command runs an external agent program once per call. The task is passed
// as the last argument and in $LOOPR_TASK. If the last non-empty stdout
// line is a JSON object with a "cost" field, that line is the reported cost
// and is stripped from Output; otherwise CostPerCall is used.
type Command struct {
	Command     string
	Env         []string
	Dir         string
	CostPerCall float64
	// MaxOutput caps captured stdout in bytes.
	MaxOutput int
	Logger    *slog.Logger
}

var _ Executor = (*Command)(nil)

func (c *Command) Execute(ctx context.Context, task string) (Result, error) {
	cmd, err := c.build(ctx, task)
	if err != nil {
		return Result{}, err
	}
	limit := c.MaxOutput
	if limit <= 0 {
		limit = defaultMaxOutput
	}
	stdout := &capped{max: limit}
	stderr := &capped{max: 4096}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	runErr := cmd.Run()
	if c.Logger != nil {
		c.Logger.Debug("agent call", "duration", time.Since(start), "exit", exitCode(cmd))
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return Result{}, fmt.Errorf("%w after %s", ErrTimeout, time.Since(start).Round(time.Millisecond))
		}
		return Result{}, ctxErr
	}
	if runErr != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return Result{}, fmt.Errorf("agent command: %w: %s", runErr, lastLine(msg))
		}
		return Result{}, fmt.Errorf("agent command: %w", runErr)
	}
	out, cost, ok := splitCost(stdout.String())
	if !ok {
		cost = c.CostPerCall
	}
	return Result{Output: out, Cost: cost}, nil
}

func (c *Command) build(ctx context.Context, task string) (*exec.Cmd, error) {
	line := strings.TrimSpace(c.Command)
	if line == "" {
		return nil, errors.New("agent command is empty")
	}
	var cmd *exec.Cmd
	if strings.ContainsAny(line, "|&;<>*?`$\"'(){}[]~#") {
		cmd = shellCommand(ctx, line, task)
	} else {
		parts := strings.Fields(line)
		// #nosec G204
		cmd = exec.CommandContext(ctx, parts[0], append(parts[1:], task)...)
	}
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = append(append([]string(nil), c.Env...), TaskEnv+"="+task)
	} else {
		cmd.Env = append(cmd.Environ(), TaskEnv+"="+task)
	}
	setProcAttr(cmd)
	cmd.WaitDelay = time.Second
	return cmd, nil
}

// splitCost extracts a trailing {"cost": x} line.
func splitCost(out string) (string, float64, bool) {
	trimmed := strings.TrimRight(out, "\r\n\t ")
	i := strings.LastIndexByte(trimmed, '\n')
	last := strings.TrimSpace(trimmed[i+1:])
	if !strings.HasPrefix(last, "{") {
		return out, 0, false
	}
	var v struct {
		Cost *float64 `json:"cost"`
	}
	if err := json.Unmarshal([]byte(last), &v); err != nil || v.Cost == nil || *v.Cost < 0 {
		return out, 0, false
	}
	if i < 0 {
		return "", *v.Cost, true
	}
	return trimmed[:i+1], *v.Cost, true
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func exitCode(cmd *exec.Cmd) int {
	if cmd.ProcessState == nil {
		return -1
	}
	return cmd.ProcessState.ExitCode()
}

// capped keeps at most max bytes and silently drops the rest.
type capped struct {
	buf bytes.Buffer
	max int
}

func (c *capped) Write(p []byte) (int, error) {
	if room := c.max - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *capped) String() string { return c.buf.String() }

var _ io.Writer = (*capped)(nil)
