package runtime

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"github.com/moby/moby/api/types/container"
	"github.com/moby/moby/api/types/mount"
	"github.com/moby/moby/api/types/network"
	"github.com/moby/moby/client"
)

// DockerAdapter implements Adapter over the moby/moby client, the same
// wiring the teacher's internal/docker.Client uses.
type DockerAdapter struct {
	api *client.Client
}

var _ Adapter = (*DockerAdapter)(nil)

// NewDockerAdapter connects to the given Docker socket or TCP endpoint.
func NewDockerAdapter(dockerSock string) (*DockerAdapter, error) {
	var opts []client.Opt
	switch {
	case strings.HasPrefix(dockerSock, "tcp://"), strings.HasPrefix(dockerSock, "tcps://"):
		opts = append(opts, client.WithHost(dockerSock))
	default:
		opts = append(opts,
			client.WithHost("unix://"+dockerSock),
			client.WithHTTPClient(&http.Client{
				Transport: &http.Transport{
					DialContext: func(_ context.Context, _, _ string) (net.Conn, error) {
						return net.DialTimeout("unix", dockerSock, 30*time.Second)
					},
				},
			}),
		)
	}
	api, err := client.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("connect docker: %w", err)
	}
	return &DockerAdapter{api: api}, nil
}

// Close releases the underlying client's resources.
func (d *DockerAdapter) Close() error {
	return d.api.Close()
}

// Run creates and starts a new sandbox container from spec.
func (d *DockerAdapter) Run(ctx context.Context, spec Spec) (string, error) {
	cfg := &container.Config{
		Image: spec.Image,
		Env:   envSlice(spec.Env),
	}

	hostCfg := &container.HostConfig{
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(spec.RestartPolicy)},
		Resources: container.Resources{
			Memory:   spec.MemoryBytes,
			NanoCPUs: spec.NanoCPUs,
		},
	}
	if spec.Init {
		init := true
		hostCfg.Init = &init
	}

	portBindings := container.PortMap{}
	exposed := map[container.PortRangeProto]struct{}{}
	for _, p := range spec.Ports {
		proto := container.PortRangeProto(fmt.Sprintf("%d/tcp", p.ContainerPort))
		exposed[proto] = struct{}{}
		portBindings[proto] = []container.PortBinding{{
			HostIP:   p.HostIP,
			HostPort: fmt.Sprintf("%d", p.HostPort),
		}}
	}
	cfg.ExposedPorts = exposed
	hostCfg.PortBindings = portBindings

	for _, m := range spec.Mounts {
		hostCfg.Mounts = append(hostCfg.Mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.HostPath,
			Target:   m.ContainerPath,
			ReadOnly: m.ReadOnly,
		})
	}

	netCfg := &network.NetworkingConfig{}

	resp, err := d.api.ContainerCreate(ctx, client.ContainerCreateOptions{
		Name:             spec.Name,
		Config:           cfg,
		HostConfig:       hostCfg,
		NetworkingConfig: netCfg,
	})
	if err != nil {
		return "", wrapUnavailable(err)
	}

	if _, err := d.api.ContainerStart(ctx, resp.ID, client.ContainerStartOptions{}); err != nil {
		return resp.ID, wrapUnavailable(err)
	}
	return resp.ID, nil
}

// Start starts an existing, stopped sandbox container by name.
func (d *DockerAdapter) Start(ctx context.Context, name string) error {
	if _, err := d.api.ContainerStart(ctx, name, client.ContainerStartOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

// Stop stops a running sandbox container, allowing grace for shutdown.
func (d *DockerAdapter) Stop(ctx context.Context, name string, grace time.Duration) error {
	secs := int(grace.Seconds())
	if _, err := d.api.ContainerStop(ctx, name, client.ContainerStopOptions{Timeout: &secs}); err != nil {
		return classify(err)
	}
	return nil
}

// Restart restarts a sandbox container. grace is accepted for interface
// symmetry with Stop; the underlying client call uses the daemon's default
// shutdown grace period.
func (d *DockerAdapter) Restart(ctx context.Context, name string, grace time.Duration) error {
	_ = grace
	if _, err := d.api.ContainerRestart(ctx, name, client.ContainerRestartOptions{}); err != nil {
		return classify(err)
	}
	return nil
}

// Remove force-removes a sandbox container by name.
func (d *DockerAdapter) Remove(ctx context.Context, name string, force bool) error {
	if _, err := d.api.ContainerRemove(ctx, name, client.ContainerRemoveOptions{Force: force}); err != nil {
		if isNotFound(err) {
			return nil
		}
		return classify(err)
	}
	return nil
}

// Inspect reports the current status of a sandbox container.
func (d *DockerAdapter) Inspect(ctx context.Context, name string) (Status, error) {
	resp, err := d.api.ContainerInspect(ctx, name, client.ContainerInspectOptions{})
	if err != nil {
		if isNotFound(err) {
			return StatusNotFound, nil
		}
		return "", classify(err)
	}
	if resp.Container.State == nil {
		return StatusCreated, nil
	}
	switch {
	case resp.Container.State.Running && !resp.Container.State.Paused:
		return StatusRunning, nil
	case resp.Container.State.Paused:
		return StatusPaused, nil
	case resp.Container.State.Dead:
		return StatusDead, nil
	case resp.Container.State.Status == "exited":
		return StatusExited, nil
	default:
		return StatusCreated, nil
	}
}

// classify maps a not-found condition to ErrNotFound and everything else to
// ErrUnavailable, per spec.md §4.3 ("NotFound is the only error surfaced by
// name; all other runtime errors are Unavailable").
func classify(err error) error {
	if isNotFound(err) {
		return ErrNotFound
	}
	return wrapUnavailable(err)
}

func isNotFound(err error) bool {
	return errdefs.IsNotFound(err)
}

func envSlice(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, fmt.Sprintf("%s=%s", k, v))
	}
	return out
}
