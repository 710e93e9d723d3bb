package instance

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/clawbowl/orchestrator/internal/catalog"
	"github.com/clawbowl/orchestrator/internal/clock"
	"github.com/clawbowl/orchestrator/internal/config"
	"github.com/clawbowl/orchestrator/internal/logging"
	"github.com/clawbowl/orchestrator/internal/runtime"
)

// fakeAdapter is an in-memory runtime.Adapter double: no Docker calls, just
// state bookkeeping, so the instance manager's state machine can be
// exercised without a real container engine.
type fakeAdapter struct {
	mu        sync.Mutex
	running   map[string]bool
	runCalls  int
	failRun   bool
	notFound  map[string]bool
}

func newFakeAdapter() *fakeAdapter {
	return &fakeAdapter{running: map[string]bool{}, notFound: map[string]bool{}}
}

func (f *fakeAdapter) Run(ctx context.Context, spec runtime.Spec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls++
	if f.failRun {
		return "", runtime.ErrUnavailable
	}
	f.running[spec.Name] = true
	return "container-" + spec.Name, nil
}

func (f *fakeAdapter) Start(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[name] {
		return runtime.ErrNotFound
	}
	f.running[name] = true
	return nil
}

func (f *fakeAdapter) Stop(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.running[name] = false
	return nil
}

func (f *fakeAdapter) Restart(ctx context.Context, name string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notFound[name] {
		return runtime.ErrNotFound
	}
	f.running[name] = true
	return nil
}

func (f *fakeAdapter) Remove(ctx context.Context, name string, force bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
	return nil
}

func (f *fakeAdapter) Inspect(ctx context.Context, name string) (runtime.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running[name] {
		return runtime.StatusRunning, nil
	}
	return runtime.StatusExited, nil
}

func newTestManager(t *testing.T) (*Manager, *catalog.Store, *fakeAdapter, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	store, err := catalog.Open(filepath.Join(dir, "catalog.db"))
	if err != nil {
		t.Fatalf("open catalog: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.NewTestConfig()
	cfg.OpenClawDataDir = filepath.Join(dir, "sandboxes")
	cfg.PortRangeStart = 20000
	cfg.PortRangeEnd = 20010
	cfg.SetIdleTimeout(50 * time.Millisecond)

	adapter := newFakeAdapter()
	log := logging.New(false)
	mgr := New(store, adapter, cfg, clock.Real{}, log)
	return mgr, store, adapter, cfg
}

func TestEnsureRunningCreatesNewSandbox(t *testing.T) {
	mgr, store, adapter, _ := newTestManager(t)
	ctx := context.Background()

	h, err := mgr.EnsureRunning(ctx, "user-1", "free")
	if err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	if h.Port != 20000 {
		t.Fatalf("expected lowest port 20000, got %d", h.Port)
	}
	if h.State != catalog.StateRunning {
		t.Fatalf("expected running state, got %s", h.State)
	}
	if adapter.runCalls != 1 {
		t.Fatalf("expected exactly one Run call, got %d", adapter.runCalls)
	}

	sb, err := store.Get("user-1")
	if err != nil {
		t.Fatalf("get sandbox: %v", err)
	}
	if sb.ContainerName != "clawbowl-user-1" {
		t.Fatalf("unexpected container name %q", sb.ContainerName)
	}
}

func TestEnsureRunningTwiceDoesNotRecreate(t *testing.T) {
	mgr, _, adapter, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "user-1", "free"); err != nil {
		t.Fatalf("first ensure running: %v", err)
	}
	h2, err := mgr.EnsureRunning(ctx, "user-1", "free")
	if err != nil {
		t.Fatalf("second ensure running: %v", err)
	}
	if h2.State != catalog.StateRunning {
		t.Fatalf("expected running, got %s", h2.State)
	}
	if adapter.runCalls != 1 {
		t.Fatalf("expected Run to be called only once across two ensure_running calls, got %d", adapter.runCalls)
	}
}

func TestEnsureRunningConcurrentCallsSerializeOnUser(t *testing.T) {
	mgr, _, adapter, _ := newTestManager(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := mgr.EnsureRunning(ctx, "user-1", "free"); err != nil {
				t.Errorf("ensure running: %v", err)
			}
		}()
	}
	wg.Wait()

	if adapter.runCalls != 1 {
		t.Fatalf("expected exactly one Run call across concurrent ensure_running calls, got %d", adapter.runCalls)
	}
}

func TestStopThenEnsureRunningRestarts(t *testing.T) {
	mgr, _, adapter, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "user-1", "free"); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	if err := mgr.Stop(ctx, "user-1"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	h, err := mgr.EnsureRunning(ctx, "user-1", "free")
	if err != nil {
		t.Fatalf("ensure running after stop: %v", err)
	}
	if h.State != catalog.StateRunning {
		t.Fatalf("expected running, got %s", h.State)
	}
	if adapter.runCalls != 1 {
		t.Fatalf("expected Run to still have been called only once (restart uses Start not Run), got %d", adapter.runCalls)
	}
}

func TestDestroyFreesPortForNextAllocation(t *testing.T) {
	mgr, store, _, _ := newTestManager(t)
	ctx := context.Background()

	h1, err := mgr.EnsureRunning(ctx, "user-1", "free")
	if err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	if err := mgr.Destroy(ctx, "user-1"); err != nil {
		t.Fatalf("destroy: %v", err)
	}
	if _, err := store.Get("user-1"); !errors.Is(err, catalog.ErrNotFound) {
		t.Fatalf("expected record to be deleted, got %v", err)
	}

	h2, err := mgr.EnsureRunning(ctx, "user-2", "free")
	if err != nil {
		t.Fatalf("ensure running user-2: %v", err)
	}
	if h2.Port != h1.Port {
		t.Fatalf("expected freed port %d to be reallocated, got %d", h1.Port, h2.Port)
	}
}

func TestIdleReaperHonorsCronJobs(t *testing.T) {
	mgr, store, adapter, cfg := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "cron-user", "free"); err != nil {
		t.Fatalf("ensure running cron-user: %v", err)
	}
	if _, err := mgr.EnsureRunning(ctx, "idle-user", "free"); err != nil {
		t.Fatalf("ensure running idle-user: %v", err)
	}

	cronSb, err := store.Get("cron-user")
	if err != nil {
		t.Fatalf("get cron-user: %v", err)
	}
	jobsPath := filepath.Join(cronSb.ConfigPath, "cron", "jobs.json")
	enabled := true
	payload, _ := json.Marshal(struct {
		Version int `json:"version"`
		Jobs    []struct {
			ID      string `json:"id"`
			Enabled *bool  `json:"enabled"`
		} `json:"jobs"`
	}{Version: 1, Jobs: []struct {
		ID      string `json:"id"`
		Enabled *bool  `json:"enabled"`
	}{{ID: "x", Enabled: &enabled}}})
	if err := os.WriteFile(jobsPath, payload, 0o644); err != nil {
		t.Fatalf("seed cron jobs: %v", err)
	}

	cronSb.LastActiveAt = time.Now().Add(-time.Hour)
	if err := store.Update(cronSb); err != nil {
		t.Fatalf("backdate cron-user: %v", err)
	}
	idleSb, err := store.Get("idle-user")
	if err != nil {
		t.Fatalf("get idle-user: %v", err)
	}
	idleSb.LastActiveAt = time.Now().Add(-time.Hour)
	if err := store.Update(idleSb); err != nil {
		t.Fatalf("backdate idle-user: %v", err)
	}
	cfg.SetIdleTimeout(time.Minute)

	mgr.reapOnce(ctx)

	cronAfter, err := store.Get("cron-user")
	if err != nil {
		t.Fatalf("get cron-user after reap: %v", err)
	}
	if cronAfter.State != catalog.StateRunning {
		t.Fatalf("expected cron-active sandbox to stay running, got %s", cronAfter.State)
	}
	idleAfter, err := store.Get("idle-user")
	if err != nil {
		t.Fatalf("get idle-user after reap: %v", err)
	}
	if idleAfter.State != catalog.StateStopped {
		t.Fatalf("expected idle sandbox to be stopped, got %s", idleAfter.State)
	}
	_ = adapter
}

func TestHealthReconcilerMarksDeadSandboxError(t *testing.T) {
	mgr, store, adapter, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := mgr.EnsureRunning(ctx, "user-1", "free"); err != nil {
		t.Fatalf("ensure running: %v", err)
	}
	adapter.mu.Lock()
	adapter.running["clawbowl-user-1"] = false
	adapter.mu.Unlock()

	mgr.reconcileOnce(ctx)

	sb, err := store.Get("user-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sb.State != catalog.StateError {
		t.Fatalf("expected error state after reconcile, got %s", sb.State)
	}
}
