package control

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loykin/loopr/internal/daemon"
	"github.com/loykin/loopr/internal/history"
	"github.com/loykin/loopr/internal/interval"
	"github.com/loykin/loopr/internal/store"
)

func newService(t *testing.T) (*Service, *store.MemStore, *daemon.Fake) {
	t.Helper()
	st := store.NewMemStore()
	sup := daemon.NewFake()
	svc := &Service{
		Store:      st,
		Supervisor: sup,
		Args:       func(name string) []string { return []string{"run", name} },
		OutputPath: func(name string) string { return "/tmp/" + name + ".out" },
	}
	return svc, st, sup
}

func request(name string) StartRequest {
	return StartRequest{Name: name, Task: "summarise inbox", Interval: "*/30m", MaxCost: 1, MaxRetries: 3, Timeout: time.Minute}
}

// runner plays the detached process: it claims the record as running.
func runner(st store.Store) func(pid int, spec daemon.SpawnSpec) {
	return func(pid int, spec daemon.SpawnSpec) {
		ctx := context.Background()
		rec, ok, _ := st.Load(ctx, spec.Name)
		if !ok {
			return
		}
		rec.PID = pid
		rec.Status = store.StatusRunning
		_ = st.Save(ctx, rec)
	}
}

// exitCleanly writes stopped for pid's record, as a runner does on SIGTERM.
func exitCleanly(st store.Store) func(pid int) {
	return func(pid int) {
		ctx := context.Background()
		recs, _ := st.List(ctx)
		for _, r := range recs {
			if r.PID == pid {
				r.Status = store.StatusStopped
				_ = st.Save(ctx, r)
			}
		}
	}
}

func put(t *testing.T, st store.Store, rec store.Record) {
	t.Helper()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now().UTC().Add(-time.Hour)
	}
	require.NoError(t, st.Save(context.Background(), rec))
}

func TestStartSpawnsAndRecordsPID(t *testing.T) {
	svc, st, sup := newService(t)
	sink := &eventSink{}
	svc.History = &history.Publisher{Sink: sink}

	rec, err := svc.Start(context.Background(), request("inbox"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusStarting, rec.Status)
	assert.Greater(t, rec.PID, 0)
	assert.Greater(t, rec.ProcessStart, int64(0))
	assert.Equal(t, int64(1800), rec.IntervalSeconds)
	assert.Equal(t, "*/30m", rec.IntervalExpression)
	assert.Equal(t, int64(60), rec.TimeoutSeconds)

	spawned := sup.Spawned()
	require.Len(t, spawned, 1)
	assert.Equal(t, []string{"run", "inbox"}, spawned[0].Args)
	assert.Equal(t, "/tmp/inbox.out", spawned[0].OutputPath)

	got, ok, err := st.Load(context.Background(), "inbox")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.PID, got.PID)
	assert.Equal(t, []string{"starting"}, sink.statuses())
}

func TestStartKeepsRecordClaimedByRunner(t *testing.T) {
	svc, st, sup := newService(t)
	sup.OnSpawn = runner(st)
	rec, err := svc.Start(context.Background(), request("inbox"))
	require.NoError(t, err)
	assert.Equal(t, store.StatusRunning, rec.Status)
	got, _, _ := st.Load(context.Background(), "inbox")
	assert.Equal(t, store.StatusRunning, got.Status)
}

func TestStartRejectsInvalidRequests(t *testing.T) {
	svc, st, sup := newService(t)
	cases := map[string]func(*StartRequest){
		"bad name":      func(r *StartRequest) { r.Name = "../etc" },
		"empty task":    func(r *StartRequest) { r.Task = "  " },
		"bad interval":  func(r *StartRequest) { r.Interval = "*/0m" },
		"neg cost":      func(r *StartRequest) { r.MaxCost = -1 },
		"neg retries":   func(r *StartRequest) { r.MaxRetries = -1 },
		"short timeout": func(r *StartRequest) { r.Timeout = 10 * time.Millisecond },
	}
	for name, mut := range cases {
		t.Run(name, func(t *testing.T) {
			req := request("job")
			mut(&req)
			_, err := svc.Start(context.Background(), req)
			require.ErrorIs(t, err, ErrInvalidRequest)
		})
	}
	req := request("job")
	req.Interval = "weekly"
	_, err := svc.Start(context.Background(), req)
	require.ErrorIs(t, err, interval.ErrInvalidScheduleExpression)

	assert.Empty(t, sup.Spawned(), "nothing is spawned for a rejected request")
	recs, _ := st.List(context.Background())
	assert.Empty(t, recs)
}

func TestStartSpawnFailureLeavesNoRecord(t *testing.T) {
	svc, st, sup := newService(t)
	sup.SpawnErr = errors.New("resource temporarily unavailable")
	_, err := svc.Start(context.Background(), request("inbox"))
	require.ErrorIs(t, err, ErrSpawn)
	assert.Contains(t, err.Error(), "resource temporarily unavailable")
	_, ok, err := st.Load(context.Background(), "inbox")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStartRefusesLiveScheduleButReplacesTerminal(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(500)
	put(t, st, store.Record{Name: "inbox", PID: 500, Status: store.StatusRunning})
	_, err := svc.Start(context.Background(), request("inbox"))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	// a pending start without a pid also blocks
	put(t, st, store.Record{Name: "pending", Status: store.StatusStarting, UpdatedAt: time.Now().UTC()})
	_, err = svc.Start(context.Background(), request("pending"))
	require.ErrorIs(t, err, ErrAlreadyRunning)

	sup.Kill(500)
	rec, err := svc.Start(context.Background(), request("inbox"))
	require.NoError(t, err)
	assert.NotEqual(t, 500, rec.PID)

	put(t, st, store.Record{Name: "done", Status: store.StatusCompleted, Executions: 9, Cost: 2})
	rec, err = svc.Start(context.Background(), request("done"))
	require.NoError(t, err)
	assert.Zero(t, rec.Executions)
	assert.Zero(t, rec.Cost)
}

func TestStartRejectsReusedPidAsDead(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(700)
	sup.SetStart(700, 2_000_000_000)
	put(t, st, store.Record{Name: "inbox", PID: 700, ProcessStart: 1_000_000_000, Status: store.StatusRunning})
	_, err := svc.Start(context.Background(), request("inbox"))
	require.NoError(t, err)
}

func TestStopTerminatesAndMarksStopped(t *testing.T) {
	svc, st, sup := newService(t)
	sup.OnSpawn = runner(st)
	sup.OnTerminate = exitCleanly(st)
	rec, err := svc.Start(context.Background(), request("inbox"))
	require.NoError(t, err)

	out, err := svc.Stop(context.Background(), "inbox", StopOptions{Wait: time.Second})
	require.NoError(t, err)
	assert.Equal(t, StopStopped, out.State)
	assert.Equal(t, store.StatusStopped, out.Status)
	assert.False(t, sup.IsAlive(rec.PID))
	assert.Equal(t, []int{rec.PID}, sup.Terminated())

	got, _, _ := st.Load(context.Background(), "inbox")
	assert.Equal(t, store.StatusStopped, got.Status)
}

func TestStopMarksStoppedWhenRunnerDidNot(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(42)
	put(t, st, store.Record{Name: "inbox", PID: 42, Status: store.StatusRunning, Executions: 3})
	out, err := svc.Stop(context.Background(), "inbox", StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, StopStopped, out.State)
	got, _, _ := st.Load(context.Background(), "inbox")
	assert.Equal(t, store.StatusStopped, got.Status)
	assert.Equal(t, int64(3), got.Executions)
}

func TestStopAlreadyDeadIsSuccessAndIdempotent(t *testing.T) {
	svc, st, _ := newService(t)
	put(t, st, store.Record{Name: "ghost", PID: 31337, Status: store.StatusRunning})
	for i := 0; i < 2; i++ {
		out, err := svc.Stop(context.Background(), "ghost", StopOptions{})
		require.NoError(t, err)
		assert.Equal(t, StopAlreadyDead, out.State)
		assert.Equal(t, store.StatusStopped, out.Status)
	}
}

func TestStopLeavesTerminalStatus(t *testing.T) {
	svc, st, _ := newService(t)
	put(t, st, store.Record{Name: "done", Status: store.StatusCompleted})
	out, err := svc.Stop(context.Background(), "done", StopOptions{})
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, out.Status)
}

func TestStopDeleteRemovesRecord(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(42)
	put(t, st, store.Record{Name: "inbox", PID: 42, Status: store.StatusRunning})
	out, err := svc.Stop(context.Background(), "inbox", StopOptions{Delete: true})
	require.NoError(t, err)
	assert.Equal(t, StopDeleted, out.State)
	_, ok, _ := st.Load(context.Background(), "inbox")
	assert.False(t, ok)
}

func TestStopNotFoundAndTimeout(t *testing.T) {
	svc, st, sup := newService(t)
	_, err := svc.Stop(context.Background(), "nope", StopOptions{})
	require.ErrorIs(t, err, ErrNotFound)

	sup.Adopt(9)
	sup.SetStubborn(9, true)
	put(t, st, store.Record{Name: "stuck", PID: 9, Status: store.StatusRunning})
	out, err := svc.Stop(context.Background(), "stuck", StopOptions{Wait: 20 * time.Millisecond})
	require.ErrorIs(t, err, ErrStopTimeout)
	assert.Equal(t, StopFailed, out.State)
	got, _, _ := st.Load(context.Background(), "stuck")
	assert.Equal(t, store.StatusRunning, got.Status, "record of a live owner is not touched")
}

func TestStopAllEmpty(t *testing.T) {
	svc, _, _ := newService(t)
	res := svc.StopAll(context.Background(), StopOptions{})
	assert.True(t, res.OK())
	assert.Equal(t, 0, res.ExitCode())
	assert.Empty(t, res.Outcomes)
	assert.Empty(t, res.Failed())
}

func TestStopAllOneStubbornOfThree(t *testing.T) {
	svc, st, sup := newService(t)
	sup.OnTerminate = exitCleanly(st)
	for i, name := range []string{"a", "b", "c"} {
		pid := 100 + i
		sup.Adopt(pid)
		put(t, st, store.Record{Name: name, PID: pid, Status: store.StatusRunning})
	}
	sup.SetStubborn(101, true)

	start := time.Now()
	res := svc.StopAll(context.Background(), StopOptions{Wait: 200 * time.Millisecond})
	assert.Less(t, time.Since(start), 2*time.Second)

	assert.False(t, res.OK())
	assert.Equal(t, 1, res.ExitCode())
	require.Len(t, res.Outcomes, 3)
	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].Name)
	assert.ErrorIs(t, failed[0].Err, ErrStopTimeout)

	for _, name := range []string{"a", "c"} {
		got, _, _ := st.Load(context.Background(), name)
		assert.Equal(t, store.StatusStopped, got.Status, name)
	}
	assert.False(t, sup.IsAlive(100))
	assert.True(t, sup.IsAlive(101))
	assert.False(t, sup.IsAlive(102))
}

func TestStopAllRunsConcurrently(t *testing.T) {
	svc, st, sup := newService(t)
	svc.Parallelism = 4
	for i := 0; i < 4; i++ {
		pid := 200 + i
		sup.Adopt(pid)
		sup.SetStubborn(pid, true)
		put(t, st, store.Record{Name: string(rune('a' + i)), PID: pid, Status: store.StatusRunning})
	}
	start := time.Now()
	res := svc.StopAll(context.Background(), StopOptions{Wait: 300 * time.Millisecond})
	assert.Len(t, res.Failed(), 4)
	assert.Less(t, time.Since(start), 900*time.Millisecond, "stops must not serialise")
}

func TestStopAllListError(t *testing.T) {
	svc, _, _ := newService(t)
	svc.Store = failingLister{store.NewMemStore()}
	res := svc.StopAll(context.Background(), StopOptions{})
	assert.False(t, res.OK())
	assert.Equal(t, 1, res.ExitCode())
}

type failingLister struct{ *store.MemStore }

func (failingLister) List(context.Context) ([]store.Record, error) {
	return nil, errors.New("permission denied")
}

func TestStats(t *testing.T) {
	svc, st, sup := newService(t)
	agg, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Zero(t, agg.Schedules)
	assert.Zero(t, agg.Executions)
	assert.Zero(t, agg.Cost)

	sup.Adopt(1)
	put(t, st, store.Record{Name: "a", PID: 1, Status: store.StatusRunning, Executions: 5, Cost: 0.0005})
	put(t, st, store.Record{Name: "b", Status: store.StatusCompleted, Executions: 3, Cost: 0.0003})
	agg, err = svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, agg.Schedules)
	assert.Equal(t, int64(8), agg.Executions)
	assert.InDelta(t, 0.0008, agg.Cost, 1e-12)
	assert.Equal(t, 1, agg.Alive)
	assert.Equal(t, 1, agg.ByStatus[store.StatusRunning])
	assert.Equal(t, 1, agg.ByStatus[store.StatusCompleted])
}

func TestDescribeAndStatsForAreTheSame(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(77)
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	put(t, st, store.Record{Name: "inbox", PID: 77, Status: store.StatusRunning, StartedAt: started, LastError: "rate limited"})

	d, err := svc.Describe(context.Background(), "inbox")
	require.NoError(t, err)
	assert.True(t, d.Alive)
	assert.Equal(t, 77, d.PID)
	assert.Equal(t, started, d.StartedAt)
	assert.Equal(t, "rate limited", d.LastError)

	d2, err := svc.StatsFor(context.Background(), "inbox")
	require.NoError(t, err)
	assert.Equal(t, d, d2)

	_, err = svc.Describe(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = svc.Describe(context.Background(), "a/b")
	require.ErrorIs(t, err, store.ErrInvalidName)
}

func TestList(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(5)
	put(t, st, store.Record{Name: "b", PID: 5, Status: store.StatusRunning, IntervalExpression: "hourly", IntervalSeconds: 3600})
	put(t, st, store.Record{Name: "a", PID: 6, Status: store.StatusRunning, IntervalExpression: "60", IntervalSeconds: 60})
	rows, err := svc.List(context.Background())
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "a", rows[0].Name)
	assert.False(t, rows[0].Alive)
	assert.Equal(t, "hourly", rows[1].Interval)
	assert.True(t, rows[1].Alive)
}

func TestDelete(t *testing.T) {
	svc, st, sup := newService(t)
	put(t, st, store.Record{Name: "old", Status: store.StatusStopped})
	ok, err := svc.Delete(context.Background(), "old", false)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = svc.Delete(context.Background(), "old", false)
	require.NoError(t, err)
	assert.False(t, ok)

	sup.Adopt(8)
	put(t, st, store.Record{Name: "live", PID: 8, Status: store.StatusRunning})
	_, err = svc.Delete(context.Background(), "live", false)
	require.ErrorIs(t, err, ErrAlreadyRunning)
	ok, err = svc.Delete(context.Background(), "live", true)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, sup.IsAlive(8))
	_, found, _ := st.Load(context.Background(), "live")
	assert.False(t, found)
}

func TestReconcile(t *testing.T) {
	svc, st, sup := newService(t)
	sup.Adopt(1)
	put(t, st, store.Record{Name: "alive", PID: 1, Status: store.StatusRunning})
	put(t, st, store.Record{Name: "crashed", PID: 2, Status: store.StatusRunning, Executions: 4})
	put(t, st, store.Record{Name: "half-stopped", PID: 3, Status: store.StatusStopping})
	put(t, st, store.Record{Name: "fresh", Status: store.StatusStarting, UpdatedAt: time.Now().UTC()})
	put(t, st, store.Record{Name: "stale", Status: store.StatusStarting})
	put(t, st, store.Record{Name: "done", Status: store.StatusCompleted})

	changed, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"crashed", "half-stopped", "stale"}, changed)

	got, _, _ := st.Load(context.Background(), "crashed")
	assert.Equal(t, store.StatusFailed, got.Status)
	assert.Equal(t, "process exited unexpectedly", got.LastError)
	assert.Equal(t, int64(4), got.Executions)
	got, _, _ = st.Load(context.Background(), "half-stopped")
	assert.Equal(t, store.StatusStopped, got.Status)
	got, _, _ = st.Load(context.Background(), "fresh")
	assert.Equal(t, store.StatusStarting, got.Status)

	changed, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, changed)
}

type eventSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *eventSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	s.events = append(s.events, e)
	s.mu.Unlock()
	return nil
}

func (s *eventSink) statuses() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, e := range s.events {
		out = append(out, e.Status)
	}
	return out
}

// claimingStore lets the runner claim its record while the parent is
// between reading the record and writing the PID.
type claimingStore struct {
	*store.FileStore
	pid     atomic.Int64
	claimed chan error
}

func (c *claimingStore) Load(ctx context.Context, name string) (store.Record, bool, error) {
	if pid := c.pid.Swap(0); pid != 0 {
		go func() {
			_, err := store.Update(ctx, c.FileStore, name, func(cur store.Record, ok bool) (store.Record, bool, error) {
				if err := cur.Transition(store.StatusRunning); err != nil {
					return cur, false, err
				}
				cur.PID = int(pid)
				return cur, ok, nil
			})
			c.claimed <- err
		}()
		time.Sleep(50 * time.Millisecond)
	}
	return c.FileStore.Load(ctx, name)
}

func TestStartDoesNotOverwriteRunnerClaim(t *testing.T) {
	fs, err := store.NewFileStore(t.TempDir(), nil)
	require.NoError(t, err)
	st := &claimingStore{FileStore: fs, claimed: make(chan error, 1)}
	sup := daemon.NewFake()
	sup.OnSpawn = func(pid int, _ daemon.SpawnSpec) { st.pid.Store(int64(pid)) }
	svc := &Service{Store: st, Supervisor: sup, Args: func(name string) []string { return []string{"run", "--", name} }}

	rec, err := svc.Start(context.Background(), request("inbox"))
	require.NoError(t, err)
	select {
	case err := <-st.claimed:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runner never claimed the record")
	}

	got, ok, err := fs.Load(context.Background(), "inbox")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, store.StatusRunning, got.Status)
	assert.Equal(t, rec.PID, got.PID)
}
