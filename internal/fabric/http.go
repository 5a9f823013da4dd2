package fabric

import (
	"context"
	"sort"
)

// Poster sends one JSON request to the fabric API. *transport.Client
// implements it.
type Poster interface {
	Post(ctx context.Context, operation, path string, body, out any) error
}

// Fabric API paths.
const (
	PathExpand   = "/v1/cluster/expand"
	PathShrink   = "/v1/cluster/shrink"
	PathMigrate  = "/v1/allocations/migrate"
	PathOptimize = "/v1/placement/optimize"
	PathApply    = "/v1/placement/apply"
)

type targetRequest struct {
	Target int `json:"target"`
}

type migrateRequest struct {
	AllocationID         string   `json:"allocation_id"`
	ExcludedAccelerators []string `json:"excluded_accelerators"`
}

type optimizeRequest struct {
	AgentIDs []string `json:"agent_ids"`
}

type applyRequest struct {
	Placement map[string]int `json:"placement"`
}

// HTTPProvider implements Provider and PlacementCoordinator against an
// external fabric API.
type HTTPProvider struct {
	client Poster
}

// NewHTTPProvider creates an HTTPProvider sending through client.
func NewHTTPProvider(client Poster) *HTTPProvider {
	return &HTTPProvider{client: client}
}

// ExpandCluster implements Provider.
func (p *HTTPProvider) ExpandCluster(ctx context.Context, target int) error {
	return p.client.Post(ctx, "expand", PathExpand, targetRequest{Target: target}, nil)
}

// ShrinkCluster implements Provider.
func (p *HTTPProvider) ShrinkCluster(ctx context.Context, target int) error {
	return p.client.Post(ctx, "shrink", PathShrink, targetRequest{Target: target}, nil)
}

// MigrateAllocation implements Provider.
func (p *HTTPProvider) MigrateAllocation(ctx context.Context, allocationID string, excluded []string) error {
	ex := append([]string{}, excluded...)
	sort.Strings(ex)
	return p.client.Post(ctx, "migrate", PathMigrate, migrateRequest{
		AllocationID:         allocationID,
		ExcludedAccelerators: ex,
	}, nil)
}

// OptimizePlacement implements Provider.
func (p *HTTPProvider) OptimizePlacement(ctx context.Context, agentIDs []string) error {
	ids := append([]string{}, agentIDs...)
	sort.Strings(ids)
	return p.client.Post(ctx, "optimize", PathOptimize, optimizeRequest{AgentIDs: ids}, nil)
}

// ApplyPlacement implements PlacementCoordinator.
func (p *HTTPProvider) ApplyPlacement(ctx context.Context, placement map[string]int) error {
	return p.client.Post(ctx, "apply_placement", PathApply, applyRequest{Placement: placement}, nil)
}
