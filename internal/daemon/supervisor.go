package daemon

import (
	"context"
	"time"
)

// SpawnSpec describes a detached process to launch.
type SpawnSpec struct {
	// Name identifies the schedule; used in logs only.
	Name string
	Args []string
	// Env is the full child environment; nil inherits the caller's.
	Env []string
	Dir string
	// OutputPath receives the child's stdout and stderr (appended).
	// Empty discards output.
	OutputPath string
}

// Supervisor launches and controls processes that outlive the caller.
type Supervisor interface {
	// Spawn starts a detached process and returns its pid without waiting
	// for it to do any work.
	Spawn(ctx context.Context, spec SpawnSpec) (int, error)
	// IsAlive is a non-destructive probe. Unknown, reaped or invalid pids
	// report false; it never fails.
	IsAlive(pid int) bool
	// Terminate asks pid to stop and polls until it is gone or wait
	// elapses. A pid that is already dead reports true.
	Terminate(pid int, wait time.Duration) bool
}

// StartTimeProber is implemented by supervisors that can report when a
// process started, in Unix seconds (0 when unknown).
type StartTimeProber interface {
	ProcStartUnix(pid int) int64
}

// Owned reports whether pid is alive and, when both start times are known,
// is still the process that was recorded. A recycled pid reports false.
func Owned(s Supervisor, pid int, recordedStart int64) bool {
	if !s.IsAlive(pid) {
		return false
	}
	p, ok := s.(StartTimeProber)
	if !ok || recordedStart <= 0 {
		return true
	}
	got := p.ProcStartUnix(pid)
	if got <= 0 {
		return true
	}
	d := got - recordedStart
	return d >= -1 && d <= 1
}
