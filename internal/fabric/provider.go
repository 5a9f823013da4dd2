// Package fabric talks to whatever provisions accelerators and places
// workloads on them. KubeProvider drives a GPU worker Deployment or
// StatefulSet directly; HTTPProvider delegates to an external fabric API.
package fabric

import (
	"context"
	"fmt"
	"strings"
)

// Provider changes accelerator capacity and moves allocations. All calls
// may block on the fabric and every failure is returned to the caller.
type Provider interface {
	ExpandCluster(ctx context.Context, target int) error
	ShrinkCluster(ctx context.Context, target int) error
	MigrateAllocation(ctx context.Context, allocationID string, excluded []string) error
	OptimizePlacement(ctx context.Context, agentIDs []string) error
}

// PlacementCoordinator applies an agent to accelerator-slot assignment.
type PlacementCoordinator interface {
	ApplyPlacement(ctx context.Context, placement map[string]int) error
}

// CapacityReader is implemented by providers that can report the current
// accelerator count.
type CapacityReader interface {
	Capacity(ctx context.Context) (int, error)
}

// RemovalHinter is implemented by providers that can steer which replicas
// a subsequent ShrinkCluster removes.
type RemovalHinter interface {
	HintRemoval(ctx context.Context, accelerators []string) error
}

// splitAllocationID parses "namespace/pod[@accelerator]".
func splitAllocationID(id string) (namespace, pod, accelerator string, err error) {
	rest, accelerator, _ := strings.Cut(id, "@")
	namespace, pod, ok := strings.Cut(rest, "/")
	if !ok || namespace == "" || pod == "" {
		return "", "", "", fmt.Errorf("malformed allocation id %q", id)
	}
	return namespace, pod, accelerator, nil
}
