package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"
)

// Config holds all orchestrator configuration from environment variables.
// Mutable fields (IdleTimeout, PollPaused) are protected by an RWMutex and
// must be accessed via getter/setter methods at runtime, since the idle
// reaper and health reconciler goroutines read them while control-plane
// handlers may write them.
type Config struct {
	// Catalog
	DBPath string

	// Logging
	LogJSON bool

	// Container runtime
	DockerSock string

	// Sandbox image and host mounts
	OpenClawImage       string
	OpenClawDataDir     string
	OpenClawHostModules string
	OpenClawHostBin     string

	// Port range for sandbox gateways
	PortRangeStart int
	PortRangeEnd   int

	// Default per-tier resource envelope (overridden per TierProfile)
	ContainerMemory   string
	ContainerCPUs     float64
	NodeMaxOldSpaceMB int

	// Upstream LLM gateway routing (ZenMux)
	ZenMuxAPIKey  string
	ZenMuxBaseURL string

	// Loaded from env only; no component reads these fields
	APNSKeyID    string
	APNSTeamID   string
	APNSBundleID string
	APNSKeyPath  string
	TavilyAPIKey string

	// Push sink selection: "webhook" or "mqtt"
	PushSink     string
	WebhookURL   string
	MQTTBroker   string
	MQTTTopic    string
	MQTTUsername string
	MQTTPassword string

	MetricsEnabled bool

	// mu protects the mutable runtime fields below.
	mu          sync.RWMutex
	idleTimeout time.Duration // sandboxes idle longer than this are reaped
	pollPaused  bool          // pauses idle reaper / health reconciler ticks
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	return &Config{
		DBPath:          ":memory:",
		OpenClawImage:   "openclaw:latest",
		OpenClawDataDir: "/tmp/clawbowl-test",
		PortRangeStart:  20000,
		PortRangeEnd:    20100,
		ContainerMemory: "1536m",
		ContainerCPUs:   0.5,
		ZenMuxBaseURL:   "https://api.zenmux.ai/api/v1",
		PushSink:        "webhook",
		idleTimeout:     30 * time.Minute,
	}
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		DBPath:              envStr("ORCH_DB_PATH", "/data/orchestrator.db"),
		LogJSON:             envBool("ORCH_LOG_JSON", true),
		DockerSock:          envStr("ORCH_DOCKER_SOCK", "/var/run/docker.sock"),
		OpenClawImage:       envStr("ORCH_OPENCLAW_IMAGE", "openclaw:latest"),
		OpenClawDataDir:     envStr("ORCH_OPENCLAW_DATA_DIR", "/data/sandboxes"),
		OpenClawHostModules: envStr("ORCH_OPENCLAW_HOST_MODULES", ""),
		OpenClawHostBin:     envStr("ORCH_OPENCLAW_HOST_BIN", ""),
		PortRangeStart:      envInt("ORCH_OPENCLAW_PORT_RANGE_START", 21000),
		PortRangeEnd:        envInt("ORCH_OPENCLAW_PORT_RANGE_END", 21999),
		ContainerMemory:     envStr("ORCH_OPENCLAW_CONTAINER_MEMORY", "1536m"),
		ContainerCPUs:       envFloat("ORCH_OPENCLAW_CONTAINER_CPUS", 0.5),
		NodeMaxOldSpaceMB:   envInt("ORCH_OPENCLAW_NODE_MAX_OLD_SPACE", 1024),
		ZenMuxAPIKey:        envStr("ORCH_ZENMUX_API_KEY", ""),
		ZenMuxBaseURL:       envStr("ORCH_ZENMUX_BASE_URL", "https://api.zenmux.ai/api/v1"),
		APNSKeyID:           envStr("ORCH_APNS_KEY_ID", ""),
		APNSTeamID:          envStr("ORCH_APNS_TEAM_ID", ""),
		APNSBundleID:        envStr("ORCH_APNS_BUNDLE_ID", ""),
		APNSKeyPath:         envStr("ORCH_APNS_KEY_PATH", ""),
		TavilyAPIKey:        envStr("ORCH_TAVILY_API_KEY", ""),
		PushSink:            envStr("ORCH_PUSH_SINK", "webhook"),
		WebhookURL:          envStr("ORCH_PUSH_WEBHOOK_URL", ""),
		MQTTBroker:          envStr("ORCH_PUSH_MQTT_BROKER", ""),
		MQTTTopic:           envStr("ORCH_PUSH_MQTT_TOPIC", "clawbowl/alerts"),
		MQTTUsername:        envStr("ORCH_PUSH_MQTT_USERNAME", ""),
		MQTTPassword:        envStr("ORCH_PUSH_MQTT_PASSWORD", ""),
		MetricsEnabled:      envBool("ORCH_METRICS", false),
		idleTimeout:         envDuration("ORCH_OPENCLAW_IDLE_TIMEOUT", 30*time.Minute),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	idle := c.idleTimeout
	c.mu.RUnlock()

	var errs []error
	if c.PortRangeStart <= 0 || c.PortRangeEnd <= 0 {
		errs = append(errs, fmt.Errorf("port range bounds must be positive"))
	}
	if c.PortRangeStart > c.PortRangeEnd {
		errs = append(errs, fmt.Errorf("ORCH_OPENCLAW_PORT_RANGE_START (%d) must be <= ORCH_OPENCLAW_PORT_RANGE_END (%d)", c.PortRangeStart, c.PortRangeEnd))
	}
	if idle <= 0 {
		errs = append(errs, fmt.Errorf("ORCH_OPENCLAW_IDLE_TIMEOUT must be > 0, got %s", idle))
	}
	if c.OpenClawDataDir == "" {
		errs = append(errs, fmt.Errorf("ORCH_OPENCLAW_DATA_DIR is required"))
	}
	switch c.PushSink {
	case "webhook":
		if c.WebhookURL == "" {
			errs = append(errs, fmt.Errorf("ORCH_PUSH_WEBHOOK_URL is required when ORCH_PUSH_SINK=webhook"))
		}
	case "mqtt":
		if c.MQTTBroker == "" {
			errs = append(errs, fmt.Errorf("ORCH_PUSH_MQTT_BROKER is required when ORCH_PUSH_SINK=mqtt"))
		}
	default:
		errs = append(errs, fmt.Errorf("ORCH_PUSH_SINK must be webhook or mqtt, got %q", c.PushSink))
	}
	return errors.Join(errs...)
}

// Values returns all configuration as a string map for display/diagnostics.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	idle := c.idleTimeout
	paused := c.pollPaused
	c.mu.RUnlock()

	return map[string]string{
		"ORCH_DB_PATH":                   c.DBPath,
		"ORCH_DOCKER_SOCK":               c.DockerSock,
		"ORCH_OPENCLAW_IMAGE":            c.OpenClawImage,
		"ORCH_OPENCLAW_DATA_DIR":         c.OpenClawDataDir,
		"ORCH_OPENCLAW_PORT_RANGE_START": strconv.Itoa(c.PortRangeStart),
		"ORCH_OPENCLAW_PORT_RANGE_END":   strconv.Itoa(c.PortRangeEnd),
		"ORCH_OPENCLAW_CONTAINER_MEMORY": c.ContainerMemory,
		"ORCH_OPENCLAW_IDLE_TIMEOUT":     idle.String(),
		"ORCH_PUSH_SINK":                 c.PushSink,
		"ORCH_POLL_PAUSED":               fmt.Sprintf("%t", paused),
		"ORCH_METRICS":                   fmt.Sprintf("%t", c.MetricsEnabled),
	}
}

// IdleTimeout returns the current idle timeout (thread-safe).
func (c *Config) IdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.idleTimeout
}

// SetIdleTimeout updates the idle timeout at runtime (thread-safe).
func (c *Config) SetIdleTimeout(d time.Duration) {
	c.mu.Lock()
	c.idleTimeout = d
	c.mu.Unlock()
}

// PollPaused reports whether background reaping/reconciliation is paused.
func (c *Config) PollPaused() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pollPaused
}

// SetPollPaused pauses or resumes background reaping/reconciliation.
func (c *Config) SetPollPaused(b bool) {
	c.mu.Lock()
	c.pollPaused = b
	c.mu.Unlock()
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
