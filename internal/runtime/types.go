// Package runtime defines the narrow container-runtime surface the core
// engine depends on, and a Docker implementation of it.
package runtime

import "context"

// Container is the subset of runtime-reported container state the engine
// cares about.
type Container struct {
	ID     string
	Names  []string
	Labels map[string]string
}

// Health describes a container's healthcheck status, if one is configured.
type Health struct {
	Status string
}

// State is the result of inspecting a single container.
type State struct {
	Running bool
	Paused  bool
	Health  *Health
}

// Event is a single message off a runtime's event stream.
type Event struct {
	Type   string
	ID     string
	Status string
}

// Backend is the entire container-runtime porting surface (spec.md §6):
// list/inspect/pause/unpause/start/stop plus an event stream. A Docker
// implementation is provided (NewDockerClient); Podman/containerd shims
// implement the same interface without touching anything upstream of it,
// and tests substitute an in-memory fake.
type Backend interface {
	ListContainers(ctx context.Context, all bool) ([]Container, error)
	InspectContainer(ctx context.Context, id string) (State, error)
	PauseContainer(ctx context.Context, id string) error
	UnpauseContainer(ctx context.Context, id string) error
	StartContainer(ctx context.Context, id string) (bool, error)
	StopContainer(ctx context.Context, id string) error
	MonitorEvents(ctx context.Context) (<-chan Event, <-chan error)
	Close() error
}

// Client wraps a Backend with the socket URI it was constructed for.
type Client struct {
	inner Backend
	uri   string
}

// NewClient wraps an arbitrary Backend. Production code uses
// NewDockerClient; tests wrap a fake Backend directly.
func NewClient(uri string, backend Backend) *Client {
	return &Client{inner: backend, uri: uri}
}

// URI reports the socket URI this client was constructed for.
func (c *Client) URI() string { return c.uri }

func (c *Client) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	return c.inner.ListContainers(ctx, all)
}

func (c *Client) InspectContainer(ctx context.Context, id string) (State, error) {
	return c.inner.InspectContainer(ctx, id)
}

func (c *Client) PauseContainer(ctx context.Context, id string) error {
	return c.inner.PauseContainer(ctx, id)
}

func (c *Client) UnpauseContainer(ctx context.Context, id string) error {
	return c.inner.UnpauseContainer(ctx, id)
}

// StartContainer starts a container. The returned bool is false when the
// runtime reports the container did not actually transition to running
// (spec.md §4.3 step 3: "if start returns 'not started' ... return false").
func (c *Client) StartContainer(ctx context.Context, id string) (bool, error) {
	return c.inner.StartContainer(ctx, id)
}

func (c *Client) StopContainer(ctx context.Context, id string) error {
	return c.inner.StopContainer(ctx, id)
}

// MonitorEvents opens the runtime's event stream. The error channel emits
// at most once, when the stream terminates; the caller is expected to
// retry MonitorEvents with backoff.
func (c *Client) MonitorEvents(ctx context.Context) (<-chan Event, <-chan error) {
	return c.inner.MonitorEvents(ctx)
}

func (c *Client) Close() error {
	return c.inner.Close()
}
