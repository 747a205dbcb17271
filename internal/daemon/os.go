package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"
)

const defaultPollInterval = 50 * time.Millisecond

// OS is the Supervisor backed by real operating system processes.
type OS struct {
	// Executable is the program to launch; empty means the running binary.
	Executable string
	// PollInterval is how often Terminate re-checks liveness.
	PollInterval time.Duration
	Logger       *slog.Logger
}

var _ Supervisor = (*OS)(nil)
var _ StartTimeProber = (*OS)(nil)

func (o *OS) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (o *OS) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	exe := o.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return 0, fmt.Errorf("resolve executable: %w", err)
		}
		exe = self
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// exec.Command, not CommandContext: the child must outlive ctx.
	cmd := exec.Command(exe, spec.Args...)
	cmd.Env = spec.Env
	cmd.Dir = spec.Dir
	cmd.Stdin = nil

	// A real file, never a pipe: a pipe would break once this process exits.
	var out *os.File
	if spec.OutputPath != "" {
		if err := os.MkdirAll(filepath.Dir(spec.OutputPath), 0o750); err != nil {
			return 0, fmt.Errorf("create output dir: %w", err)
		}
		f, err := os.OpenFile(spec.OutputPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return 0, fmt.Errorf("open output %s: %w", spec.OutputPath, err)
		}
		out = f
		cmd.Stdout = f
		cmd.Stderr = f
	}
	detach(cmd)

	if err := cmd.Start(); err != nil {
		if out != nil {
			_ = out.Close()
		}
		return 0, fmt.Errorf("start %s: %w", exe, err)
	}
	if out != nil {
		_ = out.Close()
	}
	pid := cmd.Process.Pid
	// Reap in the background so no zombie lingers while this process lives.
	go func() { _ = cmd.Wait() }()

	o.log().Debug("spawned", "name", spec.Name, "pid", pid, "exe", exe)
	return pid, nil
}

func (o *OS) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return alive(pid)
}

func (o *OS) Terminate(pid int, wait time.Duration) bool {
	if !o.IsAlive(pid) {
		return true
	}
	if err := signalTerminate(pid); err != nil {
		o.log().Debug("terminate signal failed", "pid", pid, "error", err)
	}
	return o.waitGone(pid, wait)
}

// TerminateForce behaves like Terminate and, when the process outlives
// wait, kills it and waits once more.
func (o *OS) TerminateForce(pid int, wait time.Duration) bool {
	if o.Terminate(pid, wait) {
		return true
	}
	o.log().Warn("process ignored terminate; killing", "pid", pid)
	if err := signalKill(pid); err != nil {
		o.log().Debug("kill signal failed", "pid", pid, "error", err)
	}
	return o.waitGone(pid, wait)
}

func (o *OS) ProcStartUnix(pid int) int64 {
	return ProcStartUnix(pid)
}

func (o *OS) waitGone(pid int, wait time.Duration) bool {
	poll := o.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	deadline := time.Now().Add(wait)
	for {
		if !o.IsAlive(pid) {
			return true
		}
		if !time.Now().Before(deadline) {
			return false
		}
		time.Sleep(poll)
	}
}
