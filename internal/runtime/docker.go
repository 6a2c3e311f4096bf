package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/events"
	"github.com/docker/docker/client"
)

// NewDockerClient dials the Docker daemon at uri ("" selects client.FromEnv,
// matching the Docker CLI's own resolution of DOCKER_HOST).
//
// Grounded on the teacher's src/docker_client.go Init/GetDockerClient pair:
// here the client.FromEnv / client.WithHost split replaces the teacher's
// process-global singleton with one client per socket URI, constructed by
// the runtime pool (internal/runtimepool) rather than a package-level var.
func NewDockerClient(uri string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if uri != "" {
		opts = []client.Opt{client.WithHost(uri), client.WithAPIVersionNegotiation()}
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("dial docker at %q: %w", displayURI(uri), err)
	}

	return NewClient(uri, &dockerClient{cli: cli}), nil
}

func displayURI(uri string) string {
	if uri == "" {
		return "env"
	}
	return uri
}

// dockerClient adapts *docker/docker/client.Client to the Backend
// interface. One instance is wrapped per socket URI by the runtime pool.
type dockerClient struct {
	cli *client.Client
}

func (d *dockerClient) ListContainers(ctx context.Context, all bool) ([]Container, error) {
	raw, err := d.cli.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	out := make([]Container, 0, len(raw))
	for _, c := range raw {
		out = append(out, Container{ID: c.ID, Names: c.Names, Labels: c.Labels})
	}
	return out, nil
}

func (d *dockerClient) InspectContainer(ctx context.Context, id string) (State, error) {
	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return State{}, fmt.Errorf("inspect container %s: %w", id, err)
	}

	st := State{}
	if inspect.State != nil {
		st.Running = inspect.State.Running
		st.Paused = inspect.State.Paused
		if inspect.State.Health != nil {
			st.Health = &Health{Status: inspect.State.Health.Status}
		}
	}
	return st, nil
}

func (d *dockerClient) PauseContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerPause(ctx, id); err != nil {
		return fmt.Errorf("pause container %s: %w", id, err)
	}
	return nil
}

func (d *dockerClient) UnpauseContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerUnpause(ctx, id); err != nil {
		return fmt.Errorf("unpause container %s: %w", id, err)
	}
	return nil
}

func (d *dockerClient) StartContainer(ctx context.Context, id string) (bool, error) {
	if err := d.cli.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		return false, fmt.Errorf("start container %s: %w", id, err)
	}

	inspect, err := d.cli.ContainerInspect(ctx, id)
	if err != nil {
		return false, fmt.Errorf("verify start of container %s: %w", id, err)
	}
	if inspect.State == nil || !inspect.State.Running {
		return false, nil
	}
	return true, nil
}

func (d *dockerClient) StopContainer(ctx context.Context, id string) error {
	if err := d.cli.ContainerStop(ctx, id, container.StopOptions{}); err != nil {
		return fmt.Errorf("stop container %s: %w", id, err)
	}
	return nil
}

func (d *dockerClient) MonitorEvents(ctx context.Context) (<-chan Event, <-chan error) {
	out := make(chan Event)
	outErr := make(chan error, 1)

	msgs, errs := d.cli.Events(ctx, events.ListOptions{})

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				out <- Event{
					Type:   string(msg.Type),
					ID:     msg.Actor.ID,
					Status: msg.Status,
				}
			case err, ok := <-errs:
				if !ok || err == nil {
					return
				}
				outErr <- err
				return
			}
		}
	}()

	return out, outErr
}

func (d *dockerClient) Close() error {
	return d.cli.Close()
}

// containerNameMatches reports whether any of a container's reported names
// equals "/"+name, the form the Docker API returns ("/my_container"), or
// equals name itself without the leading slash.
func containerNameMatches(names []string, name string) bool {
	needle := "/" + name
	for _, n := range names {
		if n == needle || strings.TrimPrefix(n, "/") == name {
			return true
		}
	}
	return false
}
