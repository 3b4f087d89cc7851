package api

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benaskins/portvisor/internal/audit"
	"github.com/benaskins/portvisor/internal/driver"
	"github.com/benaskins/portvisor/internal/metrics"
	"github.com/benaskins/portvisor/internal/notify"
	"github.com/benaskins/portvisor/internal/registry"
	"github.com/benaskins/portvisor/internal/supervisor"
)

type testEnv struct {
	sup       *supervisor.Supervisor
	srv       *Server
	cancel    context.CancelFunc
	client    *http.Client
	ports     map[string]int
	auditPath string
}

// listenPort holds a TCP port open for the test so the liveness check passes.
func listenPort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().(*net.TCPAddr).Port
}

func setupTestServer(t *testing.T, commands map[string]registry.Argv, order ...string) *testEnv {
	t.Helper()

	env := &testEnv{ports: make(map[string]int)}
	var defs []registry.Definition
	for _, id := range order {
		p := listenPort(t)
		env.ports[id] = p
		defs = append(defs, registry.Definition{ID: id, Port: p, Command: commands[id]})
	}
	reg, err := registry.New(defs)
	if err != nil {
		t.Fatal(err)
	}

	history := notify.NewHistory(100)
	collector := metrics.New(reg.IDs())
	env.sup = supervisor.New(reg,
		supervisor.WithSpawner(driver.NativeSpawner{}),
		supervisor.WithBaseDir(t.TempDir()),
		supervisor.WithObserver(history),
		supervisor.WithObserver(collector),
		supervisor.WithPortCheck(func(int) bool { return false }),
		supervisor.WithTimeouts(supervisor.Timeouts{
			ProbeInterval: 20 * time.Millisecond,
			GracePeriod:   2 * time.Second,
			Stagger:       20 * time.Millisecond,
		}),
	)
	t.Cleanup(func() {
		env.sup.StopAll(context.Background())
		env.sup.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv := NewServer(ctx, env.sup, history, collector.Handler())
	env.srv, env.cancel = srv, cancel

	env.auditPath = filepath.Join(t.TempDir(), "audit.log")
	auditLog, err := audit.NewLogger(env.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { auditLog.Close() })
	srv.SetAudit(auditLog)

	sockPath := filepath.Join(t.TempDir(), "test.sock")
	go srv.ListenUnix(sockPath)
	t.Cleanup(func() { srv.Shutdown(context.Background()) })

	for i := 0; i < 20; i++ {
		if conn, err := net.Dial("unix", sockPath); err == nil {
			conn.Close()
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	env.client = &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				return net.Dial("unix", sockPath)
			},
		},
	}
	return env
}

func (e *testEnv) get(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := e.client.Get("http://portvisor" + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (e *testEnv) post(t *testing.T, path string, out any) int {
	t.Helper()
	resp, err := e.client.Post("http://portvisor"+path, "application/json", nil)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		json.NewDecoder(resp.Body).Decode(out)
	}
	return resp.StatusCode
}

func (e *testEnv) waitState(t *testing.T, id string, want supervisor.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var v ServiceView
		if e.get(t, "/v1/services/"+id, &v) == http.StatusOK && v.State == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s to be %s", id, want)
}

var sleeper = registry.Argv{"sleep", "30"}

func TestHealthEndpoint(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")

	var result map[string]string
	if code := env.get(t, "/v1/health", &result); code != http.StatusOK {
		t.Errorf("expected 200, got %d", code)
	}
	if result["status"] != "ok" {
		t.Errorf("expected status ok, got %q", result["status"])
	}
}

func TestListServices(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper, "b": sleeper}, "a", "b")

	var views []ServiceView
	if code := env.get(t, "/v1/services", &views); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if len(views) != 2 || views[0].ID != "a" || views[1].ID != "b" {
		t.Fatalf("unexpected services %+v", views)
	}
	for _, v := range views {
		if v.State != supervisor.StateStopped {
			t.Errorf("%s: expected stopped, got %s", v.ID, v.State)
		}
	}
}

func TestGetUnknownService(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")

	var result map[string]string
	if code := env.get(t, "/v1/services/nope", &result); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	if result["error"] == "" {
		t.Error("expected an error message")
	}
	if code := env.post(t, "/v1/services/nope/start", nil); code != http.StatusNotFound {
		t.Errorf("start: expected 404, got %d", code)
	}
}

func TestStartStopService(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")

	if code := env.post(t, "/v1/services/a/start", nil); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	env.waitState(t, "a", supervisor.StateRunning)

	var v ServiceView
	env.get(t, "/v1/services/a", &v)
	if v.PID == 0 || !v.HasProcess {
		t.Errorf("expected a live process, got %+v", v)
	}

	if code := env.post(t, "/v1/services/a/stop", nil); code != http.StatusOK {
		t.Fatalf("stop: expected 200, got %d", code)
	}
	env.get(t, "/v1/services/a", &v)
	if v.State != supervisor.StateStopped || v.HasProcess {
		t.Errorf("expected stopped, got %s", v.State)
	}
}

func TestMutationsAreAudited(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{
		"a":   sleeper,
		"bad": {"no-such-binary-for-portvisor-tests"},
	}, "a", "bad")

	env.post(t, "/v1/services/bad/start", nil)
	env.post(t, "/v1/services/a/start", nil)
	env.waitState(t, "a", supervisor.StateRunning)
	env.post(t, "/v1/services/a/stop", nil)
	env.get(t, "/v1/services/a", nil)

	data, err := os.ReadFile(env.auditPath)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 audit entries (reads are not audited), got %d:\n%s", len(lines), data)
	}

	var first, last audit.Entry
	json.Unmarshal([]byte(lines[0]), &first)
	json.Unmarshal([]byte(lines[2]), &last)
	if first.Action != audit.ActionStart || first.Service != "bad" || first.Error == "" || first.Actor != "api" {
		t.Errorf("first entry = %+v", first)
	}
	if last.Action != audit.ActionStop || last.Service != "a" || last.Error != "" {
		t.Errorf("last entry = %+v", last)
	}
}

func TestStartSpawnFailure(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"bad": {"no-such-binary-for-portvisor-tests"}}, "bad")

	var result map[string]string
	if code := env.post(t, "/v1/services/bad/start", &result); code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", code)
	}
	if !strings.Contains(result["error"], "spawn") {
		t.Errorf("unexpected error %q", result["error"])
	}
	env.waitState(t, "bad", supervisor.StateError)
}

func TestServiceURL(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")

	var result map[string]string
	if code := env.get(t, "/v1/services/a/url", &result); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if want := supervisor.URL(env.ports["a"]); result["url"] != want {
		t.Errorf("got %q, want %q", result["url"], want)
	}
}

func TestServiceLogs(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{
		"talker": {"sh", "-c", "echo hello from talker; sleep 30"},
	}, "talker")

	env.post(t, "/v1/services/talker/start", nil)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var result map[string][]string
		env.get(t, "/v1/services/talker/logs?n=10", &result)
		if len(result["lines"]) > 0 && result["lines"][0] == "hello from talker" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("expected captured output line")
}

func TestInvalidLogCount(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")
	if code := env.get(t, "/v1/services/a/logs?n=abc", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func TestStartAllStopAll(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper, "b": sleeper, "c": sleeper}, "a", "b", "c")

	if code := env.post(t, "/v1/start-all", nil); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	for _, id := range []string{"a", "b", "c"} {
		env.waitState(t, id, supervisor.StateRunning)
	}

	var snap supervisor.Snapshot
	if code := env.post(t, "/v1/stop-all", &snap); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	for _, st := range snap.Services {
		if st.State != supervisor.StateStopped || st.HasProcess {
			t.Errorf("%s: expected stopped, got %s", st.ID, st.State)
		}
	}
}

func TestStopAllReportsOnlyStoppedServices(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper, "b": sleeper, "c": sleeper}, "a", "b", "c")

	env.post(t, "/v1/services/b/start", nil)
	env.waitState(t, "b", supervisor.StateRunning)

	var result StopAllResult
	if code := env.post(t, "/v1/stop-all", &result); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
	if strings.Join(result.Stopped, ",") != "b" {
		t.Errorf("stopped = %v, want [b]", result.Stopped)
	}
	if len(result.Services) != 3 {
		t.Errorf("expected the full snapshot, got %d services", len(result.Services))
	}

	// Nothing is live the second time.
	result = StopAllResult{}
	env.post(t, "/v1/stop-all", &result)
	if result.Stopped == nil || len(result.Stopped) != 0 {
		t.Errorf("stopped = %v, want empty list", result.Stopped)
	}
}

func TestWaitCoversStartAll(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper, "b": sleeper, "c": sleeper}, "a", "b", "c")

	if code := env.post(t, "/v1/start-all", nil); code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", code)
	}
	env.cancel()
	env.srv.Wait()

	// No launch may happen once Wait has returned.
	before := liveCount(env.sup.Snapshot())
	time.Sleep(100 * time.Millisecond)
	if after := liveCount(env.sup.Snapshot()); after != before {
		t.Errorf("live services changed after Wait: %d -> %d", before, after)
	}
	if env.srv.startingAll.Load() {
		t.Error("start-all still marked in progress after Wait")
	}
}

func liveCount(snap supervisor.Snapshot) int {
	n := 0
	for _, st := range snap.Services {
		if st.HasProcess {
			n++
		}
	}
	return n
}

func TestEvents(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")

	env.post(t, "/v1/services/a/stop", nil) // already stopped
	env.post(t, "/v1/services/a/start", nil)
	env.waitState(t, "a", supervisor.StateRunning)

	var all []supervisor.Event
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		env.get(t, "/v1/events", &all)
		if len(all) >= 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if len(all) < 3 {
		t.Fatalf("expected at least 3 events, got %d", len(all))
	}
	if all[0].Kind != supervisor.KindAlreadyStopped {
		t.Errorf("first event kind = %s, want already_stopped", all[0].Kind)
	}

	var since []supervisor.Event
	env.get(t, "/v1/events?since=1", &since)
	if len(since) != len(all)-1 {
		t.Errorf("since=1 returned %d events, want %d", len(since), len(all)-1)
	}

	var last []supervisor.Event
	env.get(t, "/v1/events?n=1", &last)
	if len(last) != 1 || last[0].Seq != all[len(all)-1].Seq {
		t.Errorf("n=1 returned %+v", last)
	}

	if code := env.get(t, "/v1/events?since=x", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for invalid since, got %d", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := setupTestServer(t, map[string]registry.Argv{"a": sleeper}, "a")

	resp, err := env.client.Get("http://portvisor/metrics")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), `portvisor_service_state{service="a",state="stopped"} 1`) {
		t.Errorf("metrics missing service state gauge:\n%s", body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&supervisor.Error{Kind: supervisor.KindSpawn, Service: "a", Err: io.EOF}, http.StatusConflict},
		{supervisor.ErrClosed, http.StatusServiceUnavailable},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}
