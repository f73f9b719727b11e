package resources

import (
	"context"
	"fmt"

	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// AllocateForJob satisfies a job's CPU request under the selected
// policy. Nodes are tried in registration order. Any failure releases
// every allocation already taken, so a failed request never leaks
// resources.
func (m *Manager) AllocateForJob(ctx context.Context, cpus int, memory int64, policy types.AllocationPolicy) ([]types.Allocation, error) {
	if cpus <= 0 {
		return nil, ErrInvalidRequest
	}

	switch policy {
	case types.PolicySingleNode, "":
		return m.allocateSingleNode(ctx, cpus, memory)
	case types.PolicyRoundRobin:
		return m.allocateRoundRobin(ctx, cpus, memory)
	case types.PolicyFillNodes:
		return m.allocateFillNodes(ctx, cpus, memory)
	default:
		return nil, fmt.Errorf("unknown allocation policy %q", policy)
	}
}

// allocateSingleNode places the whole request on the first node that
// can hold it.
func (m *Manager) allocateSingleNode(ctx context.Context, cpus int, memory int64) ([]types.Allocation, error) {
	for _, nodeID := range m.order {
		alloc, err := m.Allocate(ctx, nodeID, cpus, memory, false)
		if err != nil {
			return nil, err
		}
		if alloc != nil {
			alloc.PartitionIndex = 0
			return []types.Allocation{*alloc}, nil
		}
	}
	return nil, ErrInsufficientResources
}

// allocateRoundRobin spreads the request evenly: floor(cpus/n) each,
// with the first cpus%n nodes taking one extra. Every per-node
// allocation must succeed exactly.
func (m *Manager) allocateRoundRobin(ctx context.Context, cpus int, memory int64) ([]types.Allocation, error) {
	n := len(m.order)
	if n == 0 {
		return nil, ErrInsufficientResources
	}

	per := cpus / n
	extra := cpus % n

	var taken []types.Allocation
	for i, nodeID := range m.order {
		want := per
		if i < extra {
			want++
		}
		if want == 0 {
			continue
		}

		alloc, err := m.Allocate(ctx, nodeID, want, memory*int64(want)/int64(cpus), false)
		if err != nil {
			m.rollback(ctx, taken)
			return nil, err
		}
		if alloc == nil {
			m.rollback(ctx, taken)
			return nil, ErrInsufficientResources
		}
		alloc.PartitionIndex = len(taken)
		taken = append(taken, *alloc)
	}
	return taken, nil
}

// allocateFillNodes greedily drains each node in turn until the total
// is met.
func (m *Manager) allocateFillNodes(ctx context.Context, cpus int, memory int64) ([]types.Allocation, error) {
	remaining := cpus
	var taken []types.Allocation

	for _, nodeID := range m.order {
		if remaining == 0 {
			break
		}
		alloc, err := m.Allocate(ctx, nodeID, remaining, memory*int64(remaining)/int64(cpus), true)
		if err != nil {
			m.rollback(ctx, taken)
			return nil, err
		}
		if alloc == nil {
			continue
		}
		alloc.PartitionIndex = len(taken)
		taken = append(taken, *alloc)
		remaining -= alloc.CPUs
	}

	if remaining > 0 {
		m.rollback(ctx, taken)
		return nil, ErrInsufficientResources
	}
	return taken, nil
}

func (m *Manager) rollback(ctx context.Context, taken []types.Allocation) {
	if len(taken) == 0 {
		return
	}
	if err := m.Release(ctx, taken); err != nil {
		m.logger.Error().Err(err).Msg("Failed to roll back partial allocation")
	}
}
