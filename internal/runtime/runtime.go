// Package runtime is the Sandbox Runtime Adapter (C3): a narrow capability
// over a container engine exposing only run/start/stop/restart/remove/
// inspect, grounded on the teacher's internal/docker package (same
// github.com/moby/moby/client wiring), trimmed to the capability surface
// spec.md §4.3 names.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status mirrors the container states the adapter can report.
type Status string

const (
	StatusNotFound Status = "not_found"
	StatusCreated  Status = "created"
	StatusRunning  Status = "running"
	StatusExited   Status = "exited"
	StatusPaused   Status = "paused"
	StatusDead     Status = "dead"
)

// ErrNotFound is the only error surfaced by name — the runtime has no
// record of a container with this name.
var ErrNotFound = errors.New("runtime: container not found")

// ErrUnavailable wraps every other runtime error: the caller's state
// machine transitions to error and the next ensure_running retries.
var ErrUnavailable = errors.New("runtime: unavailable")

// Mount describes a bind mount into the sandbox container.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// PortBinding publishes a container port to a host port on a specific
// interface (normally 127.0.0.1, since sandbox gateways are not meant to be
// reachable except through the orchestrator or a directly-provisioned
// device).
type PortBinding struct {
	ContainerPort int
	HostIP        string
	HostPort      int
}

// Spec is the capability-agnostic shape consumed by Run. No further
// semantics are imposed on the runtime beyond what it names.
type Spec struct {
	Image         string
	Name          string
	Ports         []PortBinding
	Mounts        []Mount
	Env           map[string]string
	MemoryBytes   int64
	NanoCPUs      int64 // CPUQuota expressed as billionths of a CPU, matching moby's NanoCPUs field
	RestartPolicy string
	Init          bool
}

// Adapter is the capability set C7 drives the state machine through. It is
// synchronous: callers invoke it on a worker goroutine so the orchestrator's
// cooperative concurrency is not blocked (spec §5).
type Adapter interface {
	Run(ctx context.Context, spec Spec) (containerID string, err error)
	Start(ctx context.Context, name string) error
	Stop(ctx context.Context, name string, grace time.Duration) error
	Restart(ctx context.Context, name string, grace time.Duration) error
	Remove(ctx context.Context, name string, force bool) error
	Inspect(ctx context.Context, name string) (Status, error)
}

func wrapUnavailable(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}
