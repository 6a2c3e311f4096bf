package runtime

import (
	"context"
	"fmt"

	"github.com/samber/lo"
)

const composeProjectLabel = "com.docker.compose.project"

// Resolver expands a configured container name into the ordered set of
// container IDs an engine must act upon (spec.md §4.2).
//
// Grounded on the teacher's state_manager.go InitFromDockerState, which
// walks ContainerList results and keys containers by their
// com.docker.compose.project label using lo.KeyBy/lo.FindKeyBy; the group
// semantics here (base container first, then compose siblings) replace the
// teacher's DNS-aliasing use of that same label lookup.
type Resolver struct {
	client *Client
}

// NewResolver builds a Resolver bound to a single runtime client.
func NewResolver(client *Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve returns the base container's ID first, followed by every other
// container sharing its compose-project label if applyToGroup is true.
// A missing or empty project label means "only the base" (spec.md §4.2
// edge case). An empty, non-error result means no container matched name.
func (r *Resolver) Resolve(ctx context.Context, name string, applyToGroup bool) ([]string, error) {
	all, err := r.client.ListContainers(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("resolve container group for %q: %w", name, err)
	}

	base, found := lo.Find(all, func(c Container) bool {
		return containerNameMatches(c.Names, name)
	})
	if !found {
		return nil, nil
	}

	ids := []string{base.ID}

	if !applyToGroup {
		return ids, nil
	}

	project := base.Labels[composeProjectLabel]
	if project == "" {
		return ids, nil
	}

	for _, c := range all {
		if c.ID == base.ID {
			continue
		}
		if c.Labels[composeProjectLabel] == project {
			ids = append(ids, c.ID)
		}
	}

	return ids, nil
}
