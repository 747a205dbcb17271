package daemon

import (
	"context"
	"sync"
	"time"
)

// Fake is an in-process Supervisor that never forks. Pids are handed out
// sequentially; tests drive liveness through Kill and SetStubborn.
type Fake struct {
	mu         sync.Mutex
	next       int
	alive      map[int]bool
	stubborn   map[int]bool
	starts     map[int]int64
	spawned    []SpawnSpec
	terminated []int

	// SpawnErr, when set, makes Spawn fail.
	SpawnErr error
	// OnSpawn runs after a successful Spawn, outside the lock.
	OnSpawn func(pid int, spec SpawnSpec)
	// OnTerminate runs when a cooperative pid is asked to stop, before it
	// is marked dead. It stands in for the child's own shutdown.
	OnTerminate func(pid int)
}

var _ Supervisor = (*Fake)(nil)
var _ StartTimeProber = (*Fake)(nil)

func NewFake() *Fake {
	return &Fake{
		next:     1000,
		alive:    make(map[int]bool),
		stubborn: make(map[int]bool),
		starts:   make(map[int]int64),
	}
}

func (f *Fake) Spawn(ctx context.Context, spec SpawnSpec) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	f.mu.Lock()
	if f.SpawnErr != nil {
		err := f.SpawnErr
		f.mu.Unlock()
		return 0, err
	}
	f.next++
	pid := f.next
	f.alive[pid] = true
	f.starts[pid] = time.Now().Unix()
	f.spawned = append(f.spawned, spec)
	hook := f.OnSpawn
	f.mu.Unlock()
	if hook != nil {
		hook(pid, spec)
	}
	return pid, nil
}

// Adopt registers an already running pid, e.g. one written into a record
// by a test.
func (f *Fake) Adopt(pid int) {
	f.mu.Lock()
	f.alive[pid] = true
	f.starts[pid] = time.Now().Unix()
	f.mu.Unlock()
}

func (f *Fake) IsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.alive[pid]
}

func (f *Fake) Terminate(pid int, wait time.Duration) bool {
	f.mu.Lock()
	f.terminated = append(f.terminated, pid)
	if !f.alive[pid] {
		f.mu.Unlock()
		return true
	}
	if f.stubborn[pid] {
		f.mu.Unlock()
		time.Sleep(wait)
		return !f.IsAlive(pid)
	}
	hook := f.OnTerminate
	f.mu.Unlock()
	if hook != nil {
		hook(pid)
	}
	f.Kill(pid)
	return true
}

// Kill marks pid dead, as if the process crashed.
func (f *Fake) Kill(pid int) {
	f.mu.Lock()
	delete(f.alive, pid)
	f.mu.Unlock()
}

// SetStubborn makes pid ignore Terminate.
func (f *Fake) SetStubborn(pid int, stubborn bool) {
	f.mu.Lock()
	f.stubborn[pid] = stubborn
	f.mu.Unlock()
}

// SetStart overrides the start time reported for pid.
func (f *Fake) SetStart(pid int, unix int64) {
	f.mu.Lock()
	f.starts[pid] = unix
	f.mu.Unlock()
}

func (f *Fake) ProcStartUnix(pid int) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.starts[pid]
}

func (f *Fake) Spawned() []SpawnSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SpawnSpec(nil), f.spawned...)
}

func (f *Fake) Terminated() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.terminated...)
}
