//go:build windows

package agent

import (
	"context"
	"os/exec"
	"syscall"
)

func shellCommand(ctx context.Context, line, task string) *exec.Cmd {
	// #nosec G204
	return exec.CommandContext(ctx, "cmd", "/C", line, task)
}

func setProcAttr(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: 0x00000200}
}
