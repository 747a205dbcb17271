//go:build !windows

package agent

import (
	"context"
	"os/exec"
	"syscall"
)

// shellCommand runs line through /bin/sh with the task as "$@".
func shellCommand(ctx context.Context, line, task string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "/bin/sh", "-c", line+` "$@"`, "loopr", task)
}

// setProcAttr puts the agent in its own process group so a timeout kills
// everything it started.
func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL)
	}
}
