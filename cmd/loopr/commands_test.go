package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/loykin/loopr/internal/agent"
	"github.com/loykin/loopr/internal/config"
	"github.com/loykin/loopr/internal/control"
	"github.com/loykin/loopr/internal/daemon"
	"github.com/loykin/loopr/internal/interval"
	"github.com/loykin/loopr/internal/server"
	"github.com/loykin/loopr/internal/store"
	"github.com/loykin/loopr/pkg/client"
)

type harness struct {
	c     *command
	sup   *daemon.Fake
	out   *bytes.Buffer
	dir   string
	cfg   string
	state string
}

func writeTOML(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write toml: %v", err)
	}
	return p
}

func newHarness(t *testing.T, agentCommand string) *harness {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	cfg := fmt.Sprintf(`
state_dir = %q

[log]
level = "error"

[log.file]
dir = %q

[defaults]
max_cost = 0.5
max_retries = 1
timeout = "30s"
wait = "200ms"

[agent]
command = %q

[metrics]
textfile_dir = %q
`, filepath.ToSlash(state), filepath.ToSlash(filepath.Join(dir, "logs")), agentCommand,
		filepath.ToSlash(filepath.Join(dir, "prom")))
	out := &bytes.Buffer{}
	sup := daemon.NewFake()
	return &harness{
		c:     &command{out: out, supervisor: sup},
		sup:   sup,
		out:   out,
		dir:   dir,
		cfg:   writeTOML(t, dir, "loopr.toml", cfg),
		state: state,
	}
}

// exec runs the CLI with --config prepended and returns stdout.
func (h *harness) exec(args ...string) (string, error) {
	h.out.Reset()
	root := buildRoot(h.c)
	root.SetArgs(append([]string{"--config", h.cfg}, args...))
	err := root.Execute()
	return h.out.String(), err
}

func decode(t *testing.T, s string, v any) {
	t.Helper()
	if err := json.Unmarshal([]byte(s), v); err != nil {
		t.Fatalf("decode %q: %v", s, err)
	}
}

func TestStartAppliesConfigDefaultsAndSpawnsRunner(t *testing.T) {
	h := newHarness(t, "echo")
	out, err := h.exec("start", "inbox", "--task", "triage mail", "--every", "*/30m")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	var rec store.Record
	decode(t, out, &rec)
	if rec.Status != store.StatusStarting || rec.PID != 1001 {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if rec.IntervalSeconds != 1800 || rec.MaxCost != 0.5 || rec.MaxRetries != 1 || rec.TimeoutSeconds != 30 {
		t.Fatalf("defaults not applied: %+v", rec)
	}

	spawned := h.sup.Spawned()
	if len(spawned) != 1 {
		t.Fatalf("expected one spawn, got %d", len(spawned))
	}
	args := strings.Join(spawned[0].Args, " ")
	absState, _ := filepath.Abs(h.state)
	if !strings.HasPrefix(args, "run --state-dir "+absState) || !strings.Contains(args, "--config "+h.cfg) ||
		!strings.HasSuffix(args, " -- inbox") {
		t.Fatalf("unexpected runner args: %q", args)
	}
	if spawned[0].OutputPath != filepath.Join(h.dir, "logs", "inbox.stdio") {
		t.Fatalf("unexpected output path: %s", spawned[0].OutputPath)
	}

	// explicit flags win over defaults
	out, err = h.exec("start", "report", "--task", "t", "--every", "daily", "--max-cost", "2", "--max-retries", "0", "--timeout", "5s", "--now")
	if err != nil {
		t.Fatalf("start report: %v", err)
	}
	decode(t, out, &rec)
	if rec.MaxCost != 2 || rec.MaxRetries != 0 || rec.TimeoutSeconds != 5 || !rec.RunImmediately {
		t.Fatalf("flags not applied: %+v", rec)
	}
}

func TestStartRefusesRunningSchedule(t *testing.T) {
	h := newHarness(t, "echo")
	if _, err := h.exec("start", "inbox", "--task", "t", "--every", "hourly"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := h.exec("start", "inbox", "--task", "t", "--every", "hourly")
	if !errors.Is(err, control.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	_, err = h.exec("start", "bad", "--task", "t", "--every", "*/0m")
	if !errors.Is(err, interval.ErrInvalidScheduleExpression) {
		t.Fatalf("expected ErrInvalidScheduleExpression, got %v", err)
	}
	if n := len(h.sup.Spawned()); n != 1 {
		t.Fatalf("expected a single spawn, got %d", n)
	}
}

func TestStartRejectsDashedName(t *testing.T) {
	h := newHarness(t, "echo")
	_, err := h.exec("start", "--task", "t", "--every", "60", "--", "-job")
	if !errors.Is(err, store.ErrInvalidName) {
		t.Fatalf("expected ErrInvalidName, got %v", err)
	}
	if len(h.sup.Spawned()) != 0 {
		t.Fatalf("nothing should be spawned")
	}
}

func TestSpawnedRunnerArgsExecute(t *testing.T) {
	h := newHarness(t, "echo")
	h.c.executor = agent.Func(func(context.Context, string) (agent.Result, error) {
		return agent.Result{Output: "ok", Cost: 1}, nil
	})
	if _, err := h.exec("start", "nightly", "--task", "t", "--every", "hourly", "--now"); err != nil {
		t.Fatalf("start: %v", err)
	}
	spawned := h.sup.Spawned()
	if len(spawned) != 1 {
		t.Fatalf("expected one spawn, got %d", len(spawned))
	}
	// replay the exact argv the detached process would receive
	root := buildRoot(h.c)
	root.SetArgs(spawned[0].Args)
	if err := root.Execute(); err != nil {
		t.Fatalf("runner argv %q: %v", spawned[0].Args, err)
	}
	rec, ok, err := mustFileStore(t, h.state).Load(context.Background(), "nightly")
	if err != nil || !ok || rec.Status != store.StatusCompleted {
		t.Fatalf("unexpected record: %+v %v %v", rec, ok, err)
	}
}

func mustFileStore(t *testing.T, dir string) *store.FileStore {
	t.Helper()
	fs, err := store.NewFileStore(dir, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	return fs
}

func TestStartRequiresAgentCommand(t *testing.T) {
	h := newHarness(t, "")
	_, err := h.exec("start", "inbox", "--task", "t", "--every", "hourly")
	if !errors.Is(err, errNoAgent) {
		t.Fatalf("expected errNoAgent, got %v", err)
	}
	if len(h.sup.Spawned()) != 0 {
		t.Fatalf("nothing should be spawned")
	}
}

func TestListDescribeStatsStop(t *testing.T) {
	h := newHarness(t, "echo")
	for _, n := range []string{"a", "b"} {
		if _, err := h.exec("start", n, "--task", "t", "--every", "hourly"); err != nil {
			t.Fatalf("start %s: %v", n, err)
		}
	}

	out, err := h.exec("list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var rows []control.Summary
	decode(t, out, &rows)
	if len(rows) != 2 || rows[0].Name != "a" || !rows[0].Alive {
		t.Fatalf("unexpected list: %+v", rows)
	}

	out, err = h.exec("stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var agg control.Aggregate
	decode(t, out, &agg)
	if agg.Schedules != 2 || agg.Alive != 2 || agg.ByStatus[store.StatusStarting] != 2 {
		t.Fatalf("unexpected stats: %+v", agg)
	}

	out, err = h.exec("stop", "a")
	if err != nil {
		t.Fatalf("stop: %v", err)
	}
	var so client.StopOutcome
	decode(t, out, &so)
	if so.State != "stopped" || so.Status != "stopped" || so.PID != 1001 {
		t.Fatalf("unexpected outcome: %+v", so)
	}

	out, err = h.exec("describe", "a")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	var d control.Detail
	decode(t, out, &d)
	if d.Status != store.StatusStopped || d.Alive {
		t.Fatalf("unexpected detail: %+v", d)
	}

	out, err = h.exec("stats", "b")
	if err != nil {
		t.Fatalf("stats b: %v", err)
	}
	decode(t, out, &d)
	if d.Name != "b" || !d.Alive {
		t.Fatalf("unexpected stats for b: %+v", d)
	}

	if _, err := h.exec("describe", "nope"); !errors.Is(err, control.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, err := h.exec("delete", "b"); !errors.Is(err, control.ErrAlreadyRunning) {
		t.Fatalf("expected live delete to be refused, got %v", err)
	}
	out, err = h.exec("delete", "b", "--force")
	if err != nil || !strings.Contains(out, `"deleted": true`) {
		t.Fatalf("forced delete: %q %v", out, err)
	}
}

func TestStopAllPartialFailureExitsOne(t *testing.T) {
	h := newHarness(t, "echo")
	for _, n := range []string{"a", "b", "c"} {
		if _, err := h.exec("start", n, "--task", "t", "--every", "hourly"); err != nil {
			t.Fatalf("start %s: %v", n, err)
		}
	}
	h.sup.SetStubborn(1002, true)

	h.out.Reset()
	root := buildRoot(h.c)
	root.SetArgs([]string{"--config", h.cfg, "stop-all", "--wait", "50ms"})
	var stderr bytes.Buffer
	if code := execute(root, &stderr); code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if stderr.Len() != 0 {
		t.Fatalf("partial failure should only be reported on stdout, got %q", stderr.String())
	}
	var res client.StopAllResult
	decode(t, h.out.String(), &res)
	if res.OK || len(res.Outcomes) != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	for _, o := range res.Outcomes {
		failed := o.Error != ""
		if failed != (o.Name == "b") {
			t.Fatalf("unexpected outcome: %+v", o)
		}
	}

	// only the stubborn one is left; once it yields the sweep is clean
	h.sup.SetStubborn(1002, false)
	out, err := h.exec("stop-all")
	if err != nil {
		t.Fatalf("second stop-all: %v", err)
	}
	decode(t, out, &res)
	if !res.OK {
		t.Fatalf("expected OK, got %+v", res)
	}
}

func TestStopAllWithNothingToDo(t *testing.T) {
	h := newHarness(t, "echo")
	root := buildRoot(h.c)
	root.SetArgs([]string{"--config", h.cfg, "stop-all"})
	if code := execute(root, &bytes.Buffer{}); code != 0 {
		t.Fatalf("expected exit 0, got %d", code)
	}
}

func TestRunCompletesAtCostCeiling(t *testing.T) {
	h := newHarness(t, "echo")
	calls := 0
	h.c.executor = agent.Func(func(context.Context, string) (agent.Result, error) {
		calls++
		return agent.Result{Output: "summary", Cost: 0.6}, nil
	})
	if _, err := h.exec("start", "digest", "--task", "t", "--every", "hourly", "--now"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// the fake never forks, so run the loop in this process
	if _, err := h.exec("run", "digest", "--state-dir", h.state); err != nil {
		t.Fatalf("run: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one call, got %d", calls)
	}
	out, err := h.exec("describe", "digest")
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	var d control.Detail
	decode(t, out, &d)
	if d.Status != store.StatusCompleted || d.Executions != 1 || d.PID != os.Getpid() {
		t.Fatalf("unexpected detail: %+v", d)
	}

	transcript, err := os.ReadFile(filepath.Join(h.dir, "logs", "digest.out"))
	if err != nil || !strings.Contains(string(transcript), "summary") {
		t.Fatalf("transcript: %q %v", transcript, err)
	}
	if _, err := os.Stat(filepath.Join(h.dir, "prom", "loopr_digest.prom")); err != nil {
		t.Fatalf("metrics textfile: %v", err)
	}
}

func TestRunReportsFailedSchedule(t *testing.T) {
	h := newHarness(t, "echo")
	h.c.executor = agent.Func(func(context.Context, string) (agent.Result, error) {
		return agent.Result{}, errors.New("agent unavailable")
	})
	if _, err := h.exec("start", "flaky", "--task", "t", "--every", "1", "--max-retries", "0", "--now"); err != nil {
		t.Fatalf("start: %v", err)
	}
	_, err := h.exec("run", "flaky")
	if err == nil || !strings.Contains(err.Error(), "agent unavailable") {
		t.Fatalf("expected failure, got %v", err)
	}
	out, _ := h.exec("describe", "flaky")
	var d control.Detail
	decode(t, out, &d)
	if d.Status != store.StatusFailed || d.LastError == "" {
		t.Fatalf("unexpected detail: %+v", d)
	}
}

func TestRunUnknownSchedule(t *testing.T) {
	h := newHarness(t, "echo")
	if _, err := h.exec("run", "ghost"); err == nil {
		t.Fatalf("expected error for a schedule without record")
	}
}

func TestRemoteCommands(t *testing.T) {
	gin.SetMode(gin.TestMode)
	st := store.NewMemStore()
	sup := daemon.NewFake()
	r, err := server.NewRouter(&control.Service{Store: st, Supervisor: sup}, "/api")
	if err != nil {
		t.Fatalf("router: %v", err)
	}
	ts := httptest.NewServer(r.Handler())
	defer ts.Close()

	ctx := context.Background()
	sup.Adopt(11)
	_ = st.Save(ctx, store.Record{Name: "inbox", PID: 11, Status: store.StatusRunning, Executions: 5, Cost: 0.0005})
	_ = st.Save(ctx, store.Record{Name: "report", Status: store.StatusCompleted, Executions: 3, Cost: 0.0003})
	_ = st.Save(ctx, store.Record{Name: "lost", PID: 4040, Status: store.StatusRunning})

	h := newHarness(t, "echo")
	remote := func(args ...string) (string, error) {
		return h.exec(append([]string{"--server", ts.URL + "/api"}, args...)...)
	}

	out, err := remote("list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var rows []client.Schedule
	decode(t, out, &rows)
	if len(rows) != 3 {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	out, err = remote("stats")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	var stats client.Stats
	decode(t, out, &stats)
	if stats.Executions != 8 {
		t.Fatalf("unexpected stats: %+v", stats)
	}

	if _, err := remote("describe", "missing"); !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("expected client.ErrNotFound, got %v", err)
	}

	out, err = remote("reconcile")
	if err != nil || !strings.Contains(out, `"lost"`) {
		t.Fatalf("reconcile: %q %v", out, err)
	}

	out, err = remote("stop", "inbox")
	if err != nil || !strings.Contains(out, `"stopped"`) {
		t.Fatalf("stop: %q %v", out, err)
	}
	out, err = remote("delete", "report")
	if err != nil || !strings.Contains(out, `"deleted": true`) {
		t.Fatalf("delete: %q %v", out, err)
	}
	out, err = remote("stop-all")
	if err != nil {
		t.Fatalf("stop-all: %q %v", out, err)
	}

	if _, err := remote("start", "x", "--task", "t", "--every", "hourly"); err == nil {
		t.Fatalf("start through a dashboard should be refused")
	}
	if _, err := h.exec("--server", "http://127.0.0.1:1/api", "--server-timeout", "200ms", "list"); err == nil {
		t.Fatalf("expected unreachable dashboard error")
	}
}

func TestServeReconcilesAndShutsDown(t *testing.T) {
	h := newHarness(t, "echo")
	st, err := store.NewFileStore(h.state, nil)
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	if err := st.Save(context.Background(), store.Record{Name: "lost", PID: 4040, Status: store.StatusRunning}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- h.c.Serve(ctx, GlobalFlags{ConfigPath: h.cfg}, ServeFlags{Listen: "127.0.0.1:0", ReconcileEvery: 10 * time.Millisecond})
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		rec, ok, err := st.Load(context.Background(), "lost")
		if err == nil && ok && rec.Status == store.StatusFailed {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("stale record not reconciled: %+v %v", rec, err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not shut down")
	}
}

func freeAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func TestServeOverTLS(t *testing.T) {
	h := newHarness(t, "echo")
	certs := filepath.Join(h.dir, "certs")
	addr := freeAddr(t)
	cfg := fmt.Sprintf(`
state_dir = %q

[log]
level = "error"

[server]
listen = %q
base_path = "/api"

[server.tls]
enabled = true
dir = %q
auto_generate = true
`, filepath.ToSlash(h.state), addr, filepath.ToSlash(certs))
	h.cfg = writeTOML(t, h.dir, "tls.toml", cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() {
		done <- h.c.Serve(ctx, GlobalFlags{ConfigPath: h.cfg}, ServeFlags{})
	}()

	url := "https://" + addr + "/api"
	ca := filepath.Join(certs, "tls_ca.crt")
	deadline := time.Now().Add(10 * time.Second)
	for {
		if _, err := os.Stat(ca); err == nil {
			cl, err := client.New(client.Config{BaseURL: url, CACert: ca, Timeout: time.Second})
			if err == nil && cl.IsReachable(ctx) {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("https dashboard never became reachable")
		}
		time.Sleep(20 * time.Millisecond)
	}

	out, err := h.exec("--server", url, "--ca-cert", ca, "stats")
	if err != nil || !strings.Contains(out, `"schedules": 0`) {
		t.Fatalf("stats over https: %q %v", out, err)
	}
	if _, err := h.exec("--server", url, "stats"); err == nil {
		t.Fatalf("expected verification failure without the CA")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("serve did not shut down")
	}
}

func TestIntervalCommand(t *testing.T) {
	h := newHarness(t, "echo")
	out, err := h.exec("interval", "*/6h")
	if err != nil || strings.TrimSpace(out) != "21600" {
		t.Fatalf("interval: %q %v", out, err)
	}
	if out, err := h.exec("interval", "Daily"); err != nil || strings.TrimSpace(out) != "86400" {
		t.Fatalf("interval Daily: %q %v", out, err)
	}
	if _, err := h.exec("interval", "weekly"); !errors.Is(err, interval.ErrInvalidScheduleExpression) {
		t.Fatalf("weekly is not a preset, got %v", err)
	}
	if _, err := h.exec("interval", "0"); !errors.Is(err, interval.ErrInvalidScheduleExpression) {
		t.Fatalf("expected ErrInvalidScheduleExpression, got %v", err)
	}
}

func TestStartFlagsWithDefaults(t *testing.T) {
	f := StartFlags{MaxCost: 3, MaxRetries: 7, Timeout: time.Second}
	d := config.Defaults{MaxCost: 1, MaxRetries: 3, Timeout: time.Minute, Wait: 5 * time.Second}
	got := f.withDefaults(d, func(name string) bool { return name == "max-cost" })
	if got.MaxCost != 3 || got.MaxRetries != d.MaxRetries || got.Timeout != d.Timeout {
		t.Fatalf("unexpected merge: %+v", got)
	}
	if got := f.withDefaults(d, nil); got != f {
		t.Fatalf("nil changed should keep flags, got %+v", got)
	}
	s := StopFlags{Wait: time.Second}
	if got := s.withDefaults(d, func(string) bool { return false }); got.Wait != d.Wait {
		t.Fatalf("unexpected wait: %v", got.Wait)
	}
}

func TestTranscriptRecordsErrors(t *testing.T) {
	var buf bytes.Buffer
	tr := &transcript{w: &buf, Executor: agent.Func(func(context.Context, string) (agent.Result, error) {
		return agent.Result{}, agent.ErrTimeout
	})}
	if _, err := tr.Execute(context.Background(), "t"); !errors.Is(err, agent.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !strings.Contains(buf.String(), "error: agent call timed out") {
		t.Fatalf("unexpected transcript: %q", buf.String())
	}
}

func TestInitWritesLoadableConfig(t *testing.T) {
	h := newHarness(t, "echo")
	out := filepath.Join(h.dir, "gen", "loopr.toml")
	home := filepath.Join(h.dir, "home")
	msg, err := h.exec("init", "--type", "sqlite", "--agent", "echo hi", "--home", home, "-o", out)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(msg, out) {
		t.Fatalf("unexpected message: %q", msg)
	}
	cfg, err := config.Load(out)
	if err != nil {
		t.Fatalf("load generated config: %v", err)
	}
	if cfg.Agent.Command != "echo hi" || !strings.HasPrefix(cfg.History.DSN, "sqlite://") {
		t.Fatalf("unexpected config: %+v", cfg)
	}

	if _, err := h.exec("init", "-o", out); err == nil || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected refusal to overwrite, got %v", err)
	}
	if _, err := h.exec("init", "-o", out, "--force", "--type", "nope"); err == nil {
		t.Fatalf("expected unknown type error")
	}
}
