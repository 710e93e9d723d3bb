// Package instance is the Instance Manager (C7): it owns the sandbox state
// machine and the durable catalog, exposing ensure_running/restart/stop/
// destroy and running the idle-reaper and health-reconciler background
// loops, grounded on the teacher's internal/engine.Scheduler run-loop
// pattern (clock-driven ticking, context cancellation, pause flag) adapted
// to per-user state transitions instead of image scanning.
package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/clawbowl/orchestrator/internal/catalog"
	"github.com/clawbowl/orchestrator/internal/clock"
	"github.com/clawbowl/orchestrator/internal/config"
	"github.com/clawbowl/orchestrator/internal/logging"
	"github.com/clawbowl/orchestrator/internal/metrics"
	"github.com/clawbowl/orchestrator/internal/pairing"
	"github.com/clawbowl/orchestrator/internal/probe"
	"github.com/clawbowl/orchestrator/internal/runtime"
	"github.com/clawbowl/orchestrator/internal/sandboxconfig"
	"github.com/clawbowl/orchestrator/internal/tier"
	"github.com/clawbowl/orchestrator/internal/workspace"
)

const (
	readinessTimeout = 120 * time.Second
	stopGrace        = 10 * time.Second
	idleReapInterval = 300 * time.Second
	healthInterval   = 60 * time.Second
)

// Handle is the connection information returned to callers once a sandbox's
// state transition has settled (spec §6, consumed by C8/C10).
type Handle struct {
	Port         int
	GatewayToken string
	SessionKey   string
	State        string
	ConfigPath   string
	DataPath     string
}

// cronJobsFile mirrors the on-disk shape in spec.md §6.
type cronJobsFile struct {
	Version int `json:"version"`
	Jobs    []struct {
		ID      string `json:"id"`
		Enabled *bool  `json:"enabled"`
	} `json:"jobs"`
}

// Manager drives the sandbox lifecycle state machine described in spec.md
// §4.7. Concurrent ensure_running calls for the same user are serialized by
// a per-user in-memory mutex held across the entire transition.
type Manager struct {
	store   *catalog.Store
	rt      runtime.Adapter
	cfg     *config.Config
	clk     clock.Clock
	log     *logging.Logger
	userMus sync.Map // user_id -> *sync.Mutex
}

// New constructs a Manager.
func New(store *catalog.Store, rt runtime.Adapter, cfg *config.Config, clk clock.Clock, log *logging.Logger) *Manager {
	return &Manager{store: store, rt: rt, cfg: cfg, clk: clk, log: log}
}

func (m *Manager) userLock(userID string) *sync.Mutex {
	v, _ := m.userMus.LoadOrStore(userID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func containerName(userID string) string {
	id := userID
	if len(id) > 8 {
		id = id[:8]
	}
	return fmt.Sprintf("clawbowl-%s", id)
}

func sessionKey(userID string) string {
	return fmt.Sprintf("clawbowl-%s", userID)
}

// EnsureRunning is idempotent: on return the sandbox's gateway is responsive
// or the readiness probe's timeout has elapsed. Concurrent calls for the
// same user never double-provision.
func (m *Manager) EnsureRunning(ctx context.Context, userID, tierName string) (*Handle, error) {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	start := m.clk.Now()
	outcome := "ok"
	defer func() {
		metrics.EnsureRunningTotal.WithLabelValues(outcome).Inc()
		metrics.EnsureRunningDuration.Observe(m.clk.Now().Sub(start).Seconds())
	}()

	sb, err := m.store.Get(userID)
	if err != nil && err != catalog.ErrNotFound {
		outcome = "error"
		return nil, fmt.Errorf("lookup sandbox: %w", err)
	}

	if sb == nil {
		sb, err = m.create(ctx, userID, tierName)
		if err != nil {
			outcome = "error"
			return nil, err
		}
		return m.handle(sb), nil
	}

	switch sb.State {
	case catalog.StateRunning:
		if status, inspErr := m.rt.Inspect(ctx, sb.ContainerName); inspErr == nil && status == runtime.StatusRunning {
			sb.LastActiveAt = m.clk.Now()
			if err := m.store.Update(sb); err != nil {
				outcome = "error"
				return nil, fmt.Errorf("touch last_active_at: %w", err)
			}
			return m.handle(sb), nil
		}
		// Runtime not alive: same remediation path as a stopped sandbox.
		fallthrough
	case catalog.StateStopped, catalog.StateError:
		if err := m.startExisting(ctx, sb, tierName); err != nil {
			outcome = "error"
			return nil, err
		}
		return m.handle(sb), nil
	case catalog.StateCreating:
		// Another process-local attempt left this record mid-flight; the
		// health reconciler will eventually move it to error if abandoned.
		return m.handle(sb), nil
	default:
		outcome = "error"
		return nil, fmt.Errorf("instance: unknown state %q for user %s", sb.State, userID)
	}
}

// create runs the deterministic eight-step creation sequence (spec §4.7).
func (m *Manager) create(ctx context.Context, userID, tierName string) (*catalog.Sandbox, error) {
	profile := tier.Get(tierName)
	dataPath := filepath.Join(m.cfg.OpenClawDataDir, userID)
	configPath := filepath.Join(dataPath, "config")
	workspacePath := filepath.Join(dataPath, "workspace")

	gatewayToken, err := sandboxconfig.GenerateGatewayToken()
	if err != nil {
		return nil, fmt.Errorf("mint gateway token: %w", err)
	}

	// Step 1: insert catalog row in creating state with reserved port and
	// gateway token; CreateAllocated picks the lowest free port and inserts
	// the row inside one write transaction, with no retry loop.
	sb, err := m.store.CreateAllocated(userID, m.cfg.PortRangeStart, m.cfg.PortRangeEnd, func(allocatedPort int) *catalog.Sandbox {
		return &catalog.Sandbox{
			ContainerName: containerName(userID),
			State:         catalog.StateCreating,
			GatewayToken:  gatewayToken,
			ConfigPath:    configPath,
			DataPath:      dataPath,
			LastActiveAt:  m.clk.Now(),
		}
	})
	if err != nil {
		return nil, fmt.Errorf("allocate sandbox record: %w", err)
	}

	// Step 2: ensure on-host directories.
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	// Step 3: render config.
	if _, err := sandboxconfig.Write(configPath, profile.TemplateKey, m.cfg.ZenMuxAPIKey, profile.MaxTokens, profile.PrimaryModel, gatewayToken, ""); err != nil {
		return nil, fmt.Errorf("render config: %w", err)
	}

	// Step 4: init workspace.
	vars := workspace.NewVars(userID, "en", "UTC", m.clk.Now())
	if err := workspace.Init(userID, workspacePath, configPath, vars); err != nil {
		return nil, fmt.Errorf("init workspace: %w", err)
	}

	// Step 5: run the container.
	spec := m.buildSpec(sb, profile)
	containerID, err := m.rt.Run(ctx, spec)
	if err != nil {
		sb.State = catalog.StateError
		_ = m.store.Update(sb)
		return nil, fmt.Errorf("run sandbox container: %w", err)
	}

	// Step 6: persist container_id, state=running.
	sb.ContainerID = containerID
	sb.State = catalog.StateRunning
	if err := m.store.Update(sb); err != nil {
		return nil, fmt.Errorf("persist running state: %w", err)
	}

	// Step 7: wait ready (non-fatal on timeout).
	start := m.clk.Now()
	probe.WaitReady(ctx, sb.Port, sb.GatewayToken, readinessTimeout, m.log.Logger)
	metrics.ProbeWaitDuration.Observe(m.clk.Now().Sub(start).Seconds())

	// Step 8: auto-approve pairing (non-fatal).
	if err := pairing.AutoApprove(ctx, configPath, pairing.DefaultRetries, pairing.DefaultInterval, m.log.Logger); err != nil {
		m.log.Warn("pairing auto-approve failed", "user_id", userID, "error", err)
	}

	return sb, nil
}

// startExisting re-syncs config preserving the hooks token, then starts or
// restarts the runtime container depending on the record's current state.
func (m *Manager) startExisting(ctx context.Context, sb *catalog.Sandbox, tierName string) error {
	profile := tier.Get(tierName)

	hooksToken, err := sandboxconfig.ReadHooksToken(sb.ConfigPath)
	if err != nil {
		return fmt.Errorf("read hooks token: %w", err)
	}
	if _, err := sandboxconfig.Write(sb.ConfigPath, profile.TemplateKey, m.cfg.ZenMuxAPIKey, profile.MaxTokens, profile.PrimaryModel, sb.GatewayToken, hooksToken); err != nil {
		return fmt.Errorf("re-sync config: %w", err)
	}

	var startErr error
	if sb.State == catalog.StateStopped {
		startErr = m.rt.Start(ctx, sb.ContainerName)
	} else {
		startErr = m.rt.Restart(ctx, sb.ContainerName, stopGrace)
	}

	if startErr == runtime.ErrNotFound {
		// Runtime reports not_found: delete record and re-create for the
		// same user (spec §4.7 "any: runtime reports not_found ... re-create").
		if err := m.store.Delete(sb.UserID); err != nil {
			return fmt.Errorf("delete stale record: %w", err)
		}
		recreated, err := m.create(ctx, sb.UserID, tierName)
		if err != nil {
			return err
		}
		*sb = *recreated
		return nil
	}
	if startErr != nil {
		sb.State = catalog.StateError
		_ = m.store.Update(sb)
		return fmt.Errorf("start sandbox container: %w", startErr)
	}

	sb.State = catalog.StateRunning
	sb.LastActiveAt = m.clk.Now()
	if err := m.store.Update(sb); err != nil {
		return fmt.Errorf("persist running state: %w", err)
	}

	start := m.clk.Now()
	probe.WaitReady(ctx, sb.Port, sb.GatewayToken, readinessTimeout, m.log.Logger)
	metrics.ProbeWaitDuration.Observe(m.clk.Now().Sub(start).Seconds())

	return nil
}

// Stop transitions a running sandbox to stopped.
func (m *Manager) Stop(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sb, err := m.store.Get(userID)
	if err != nil {
		return err
	}
	if err := m.rt.Stop(ctx, sb.ContainerName, stopGrace); err != nil && err != runtime.ErrNotFound {
		return fmt.Errorf("stop sandbox container: %w", err)
	}
	sb.State = catalog.StateStopped
	return m.store.Update(sb)
}

// Restart restarts the sandbox container through the runtime adapter and
// marks the record running.
func (m *Manager) Restart(ctx context.Context, userID, tierName string) (*Handle, error) {
	lock := m.userLock(userID)
	lock.Lock()
	sb, err := m.store.Get(userID)
	if err != nil {
		lock.Unlock()
		return nil, err
	}
	if err := m.rt.Restart(ctx, sb.ContainerName, stopGrace); err != nil && err != runtime.ErrNotFound {
		lock.Unlock()
		return nil, fmt.Errorf("restart sandbox container: %w", err)
	}
	sb.State = catalog.StateRunning
	sb.LastActiveAt = m.clk.Now()
	if err := m.store.Update(sb); err != nil {
		lock.Unlock()
		return nil, err
	}
	lock.Unlock()
	return m.EnsureRunning(ctx, userID, tierName)
}

// Destroy force-removes the sandbox container and deletes its catalog
// record, freeing its port for reallocation.
func (m *Manager) Destroy(ctx context.Context, userID string) error {
	lock := m.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	sb, err := m.store.Get(userID)
	if err != nil {
		if err == catalog.ErrNotFound {
			return nil
		}
		return err
	}
	if err := m.rt.Remove(ctx, sb.ContainerName, true); err != nil && err != runtime.ErrNotFound {
		return fmt.Errorf("remove sandbox container: %w", err)
	}
	return m.store.Delete(userID)
}

func (m *Manager) buildSpec(sb *catalog.Sandbox, profile tier.Profile) runtime.Spec {
	memBytes := parseMemoryBytes(profile.ContainerMemory)
	nanoCPUs := int64(profile.ContainerCPUs * 1e9)

	mounts := []runtime.Mount{
		{HostPath: sb.ConfigPath, ContainerPath: "/home/openclaw/.openclaw", ReadOnly: false},
		{HostPath: filepath.Join(sb.DataPath, "workspace"), ContainerPath: "/home/openclaw/workspace", ReadOnly: false},
	}
	if m.cfg.OpenClawHostModules != "" {
		mounts = append(mounts, runtime.Mount{HostPath: m.cfg.OpenClawHostModules, ContainerPath: "/app/node_modules", ReadOnly: true})
	}
	if m.cfg.OpenClawHostBin != "" {
		mounts = append(mounts, runtime.Mount{HostPath: m.cfg.OpenClawHostBin, ContainerPath: "/app/bin", ReadOnly: true})
	}

	return runtime.Spec{
		Image: m.cfg.OpenClawImage,
		Name:  sb.ContainerName,
		Ports: []runtime.PortBinding{
			{ContainerPort: 8080, HostIP: "127.0.0.1", HostPort: sb.Port},
		},
		Mounts: mounts,
		Env: map[string]string{
			"NODE_OPTIONS": fmt.Sprintf("--max-old-space-size=%d", m.cfg.NodeMaxOldSpaceMB),
		},
		MemoryBytes:   memBytes,
		NanoCPUs:      nanoCPUs,
		RestartPolicy: "unless-stopped",
		Init:          true,
	}
}

func (m *Manager) handle(sb *catalog.Sandbox) *Handle {
	return &Handle{
		Port:         sb.Port,
		GatewayToken: sb.GatewayToken,
		SessionKey:   sessionKey(sb.UserID),
		State:        sb.State,
		ConfigPath:   sb.ConfigPath,
		DataPath:     sb.DataPath,
	}
}

// RunIdleReaper runs the idle-reaper loop until ctx is cancelled, stopping
// every running sandbox idle longer than cfg.IdleTimeout() unless it has at
// least one enabled cron job.
func (m *Manager) RunIdleReaper(ctx context.Context) {
	m.reapOnce(ctx)
	for {
		select {
		case <-m.clk.After(idleReapInterval):
			if m.cfg.PollPaused() {
				continue
			}
			m.reapOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) reapOnce(ctx context.Context) {
	running, err := m.store.ListByState(catalog.StateRunning)
	if err != nil {
		m.log.Error("idle reaper: list running sandboxes", "error", err)
		return
	}
	cutoff := m.clk.Now().Add(-m.cfg.IdleTimeout())
	for _, sb := range running {
		if sb.LastActiveAt.After(cutoff) {
			continue
		}
		if hasEnabledCronJob(sb.ConfigPath) {
			continue
		}
		if err := m.rt.Stop(ctx, sb.ContainerName, stopGrace); err != nil && err != runtime.ErrNotFound {
			m.log.Error("idle reaper: stop sandbox", "user_id", sb.UserID, "error", err)
			continue
		}
		sb.State = catalog.StateStopped
		if err := m.store.Update(sb); err != nil {
			m.log.Error("idle reaper: persist stopped state", "user_id", sb.UserID, "error", err)
			continue
		}
		metrics.IdleReapTotal.Inc()
		m.log.Info("idle reaper: stopped sandbox", "user_id", sb.UserID)
	}
}

// hasEnabledCronJob reports whether configPath/cron/jobs.json contains at
// least one job entry with enabled != false. Entries missing the "enabled"
// key default to enabled, matching the original's j.get("enabled", True).
func hasEnabledCronJob(configPath string) bool {
	data, err := os.ReadFile(filepath.Join(configPath, "cron", "jobs.json"))
	if err != nil {
		return false
	}
	var jf cronJobsFile
	if err := json.Unmarshal(data, &jf); err != nil {
		return false
	}
	for _, j := range jf.Jobs {
		if j.Enabled == nil || *j.Enabled {
			return true
		}
	}
	return false
}

// RunHealthReconciler runs the health-reconciler loop until ctx is
// cancelled, transitioning running sandboxes whose runtime is no longer
// alive, and creating records with no transition in flight, to the error
// state. It never auto-heals; a subsequent
// ensure_running performs the restart.
func (m *Manager) RunHealthReconciler(ctx context.Context) {
	for {
		select {
		case <-m.clk.After(healthInterval):
			if m.cfg.PollPaused() {
				continue
			}
			m.reconcileOnce(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) reconcileOnce(ctx context.Context) {
	running, err := m.store.ListByState(catalog.StateRunning)
	if err != nil {
		m.log.Error("health reconciler: list running sandboxes", "error", err)
		return
	}
	for _, sb := range running {
		status, err := m.rt.Inspect(ctx, sb.ContainerName)
		if err != nil {
			m.log.Error("health reconciler: inspect sandbox", "user_id", sb.UserID, "error", err)
			continue
		}
		if status != runtime.StatusRunning {
			sb.State = catalog.StateError
			if err := m.store.Update(sb); err != nil {
				m.log.Error("health reconciler: persist error state", "user_id", sb.UserID, "error", err)
				continue
			}
			metrics.HealthReconcileErrorsTotal.Inc()
			m.log.Warn("health reconciler: sandbox unhealthy", "user_id", sb.UserID, "status", status)
		}
	}
	creating, _ := m.store.ListByState(catalog.StateCreating)
	for _, sb := range creating {
		lock := m.userLock(sb.UserID)
		if !lock.TryLock() {
			continue // a transition for this user is in flight
		}
		if cur, err := m.store.Get(sb.UserID); err == nil && cur.State == catalog.StateCreating {
			cur.State = catalog.StateError
			if err := m.store.Update(cur); err != nil {
				m.log.Error("health reconciler: persist error state", "user_id", sb.UserID, "error", err)
			}
		}
		lock.Unlock()
	}
	states := map[string]int{catalog.StateCreating: 0, catalog.StateRunning: 0, catalog.StateStopped: 0, catalog.StateError: 0}
	if all, err := m.store.ListAll(); err == nil {
		for _, sb := range all {
			states[sb.State]++
		}
	}
	for state, count := range states {
		metrics.SandboxesByState.WithLabelValues(state).Set(float64(count))
	}
}

func parseMemoryBytes(spec string) int64 {
	if spec == "" {
		return 0
	}
	var num int64
	var unit byte
	n, err := fmt.Sscanf(spec, "%d%c", &num, &unit)
	if err != nil || n < 1 {
		return 0
	}
	switch unit {
	case 'g', 'G':
		return num * 1024 * 1024 * 1024
	case 'm', 'M':
		return num * 1024 * 1024
	case 'k', 'K':
		return num * 1024
	default:
		return num
	}
}
