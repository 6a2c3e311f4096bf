// Package testsupport provides an in-memory runtime.Backend double so the
// lifecycle and resolver tests don't need a live Docker daemon — the
// substitution the narrow interface in spec.md §6 exists to make possible.
package testsupport

import (
	"context"
	"fmt"
	"sync"

	"github.com/Zallist/slumber-proxy/internal/runtime"
)

// FakeContainer is one container tracked by a FakeBackend.
type FakeContainer struct {
	ID      string
	Names   []string
	Labels  map[string]string
	Running bool
	Paused  bool
	Health  *runtime.Health

	// StartFails, when true, makes StartContainer report "not started".
	StartFails bool
}

// FakeBackend is a minimal, in-memory runtime.Backend.
type FakeBackend struct {
	mu         sync.Mutex
	containers map[string]*FakeContainer
	events     chan runtime.Event
	errs       chan error

	// Calls records every mutating call, in order, for assertions like
	// "unpause called exactly once" (spec.md §8 scenario 2).
	Calls []string
}

// NewFakeBackend builds a FakeBackend seeded with the given containers.
func NewFakeBackend(containers ...*FakeContainer) *FakeBackend {
	b := &FakeBackend{
		containers: make(map[string]*FakeContainer),
		events:     make(chan runtime.Event, 16),
		errs:       make(chan error, 1),
	}
	for _, c := range containers {
		b.containers[c.ID] = c
	}
	return b
}

func (b *FakeBackend) record(call string) {
	b.mu.Lock()
	b.Calls = append(b.Calls, call)
	b.mu.Unlock()
}

// CallCount returns how many times call appears in b.Calls.
func (b *FakeBackend) CallCount(call string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.Calls {
		if c == call {
			n++
		}
	}
	return n
}

// Emit pushes a synthetic event onto the stream MonitorEvents returns.
func (b *FakeBackend) Emit(ev runtime.Event) {
	b.events <- ev
}

func (b *FakeBackend) ListContainers(ctx context.Context, all bool) ([]runtime.Container, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]runtime.Container, 0, len(b.containers))
	for _, c := range b.containers {
		if !all && !c.Running {
			continue
		}
		out = append(out, runtime.Container{ID: c.ID, Names: c.Names, Labels: c.Labels})
	}
	return out, nil
}

func (b *FakeBackend) InspectContainer(ctx context.Context, id string) (runtime.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c, ok := b.containers[id]
	if !ok {
		return runtime.State{}, fmt.Errorf("no such container: %s", id)
	}
	return runtime.State{Running: c.Running, Paused: c.Paused, Health: c.Health}, nil
}

func (b *FakeBackend) PauseContainer(ctx context.Context, id string) error {
	b.record("pause:" + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[id]; ok {
		c.Paused = true
		c.Running = false
	}
	return nil
}

func (b *FakeBackend) UnpauseContainer(ctx context.Context, id string) error {
	b.record("unpause:" + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[id]; ok {
		c.Paused = false
		c.Running = true
	}
	return nil
}

func (b *FakeBackend) StartContainer(ctx context.Context, id string) (bool, error) {
	b.record("start:" + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.containers[id]
	if !ok {
		return false, fmt.Errorf("no such container: %s", id)
	}
	if c.StartFails {
		return false, nil
	}
	c.Running = true
	c.Paused = false
	return true, nil
}

func (b *FakeBackend) StopContainer(ctx context.Context, id string) error {
	b.record("stop:" + id)
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.containers[id]; ok {
		c.Running = false
		c.Paused = false
	}
	return nil
}

func (b *FakeBackend) MonitorEvents(ctx context.Context) (<-chan runtime.Event, <-chan error) {
	return b.events, b.errs
}

func (b *FakeBackend) Close() error {
	return nil
}
