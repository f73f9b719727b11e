package resources

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/cloudburst-io/cloudburst/pkg/kvstore"
	"github.com/cloudburst-io/cloudburst/pkg/log"
	"github.com/cloudburst-io/cloudburst/pkg/metrics"
	"github.com/cloudburst-io/cloudburst/pkg/types"
)

var (
	// ErrInvalidRequest rejects non-positive CPU requests before any
	// store access.
	ErrInvalidRequest = errors.New("cpu request must be a positive integer")

	// ErrInsufficientResources reports that the pool could not satisfy
	// a request under the selected policy.
	ErrInsufficientResources = errors.New("insufficient resources")
)

// Manager tracks worker-node inventory and performs atomic allocation
// and release against it. Ties between nodes are broken by registration
// order.
type Manager struct {
	kv     *kvstore.Client
	order  []string
	logger zerolog.Logger
}

// NewManager creates a resource manager over the KV gateway
func NewManager(kv *kvstore.Client) *Manager {
	return &Manager{
		kv:     kv,
		logger: log.WithComponent("resources"),
	}
}

// SetResources initializes the pool, persisting each node's inventory
// hash and registering it in the resources set.
func (m *Manager) SetResources(ctx context.Context, nodes []types.Resource) error {
	m.order = m.order[:0]
	for i := range nodes {
		node := nodes[i]
		if node.Availability == "" {
			node.Availability = types.ResourceActive
		}
		if node.State == "" {
			node.State = types.ResourceStateReady
		}
		if node.AvailableCPUs == 0 {
			node.AvailableCPUs = node.TotalCPUs
		}
		if node.AvailableMemory == 0 {
			node.AvailableMemory = node.TotalMemory
		}
		if err := m.kv.HSet(ctx, m.kv.ResourceKey(node.NodeID), resourceToMap(&node)); err != nil {
			return fmt.Errorf("failed to persist resource %s: %w", node.NodeID, err)
		}
		if err := m.kv.SAdd(ctx, m.kv.ResourcesSetKey(), node.NodeID); err != nil {
			return err
		}
		m.order = append(m.order, node.NodeID)
		m.logger.Info().Str("node_id", node.NodeID).Str("hostname", node.Hostname).
			Int("total_cpus", node.TotalCPUs).Msg("Registered resource")
	}
	return nil
}

// NodeIDs returns the registered node ids in registration order
func (m *Manager) NodeIDs() []string {
	out := make([]string, len(m.order))
	copy(out, m.order)
	return out
}

// GetResource reads one node's inventory record, nil if unknown
func (m *Manager) GetResource(ctx context.Context, nodeID string) (*types.Resource, error) {
	fields, err := m.kv.HGetAll(ctx, m.kv.ResourceKey(nodeID))
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	return resourceFromMap(fields)
}

// Allocate reserves cpus and memory on a single node inside a watched
// transaction. It returns nil (and no error) when the node cannot
// satisfy the request, leaving the counters untouched. With partial set
// it takes whatever CPUs are available instead of failing.
func (m *Manager) Allocate(ctx context.Context, nodeID string, cpus int, memory int64, partial bool) (*types.Allocation, error) {
	if cpus <= 0 {
		return nil, ErrInvalidRequest
	}

	key := m.kv.ResourceKey(nodeID)
	var alloc *types.Allocation

	err := m.kv.Watch(ctx, func(tx *redis.Tx) error {
		alloc = nil
		fields, err := tx.HGetAll(ctx, key).Result()
		if err != nil {
			return err
		}
		if len(fields) == 0 {
			return fmt.Errorf("unknown resource %s", nodeID)
		}
		node, err := resourceFromMap(fields)
		if err != nil {
			return err
		}

		if node.Availability != types.ResourceActive || node.State != types.ResourceStateReady {
			return nil
		}

		take := cpus
		if node.AvailableCPUs < cpus {
			if !partial || node.AvailableCPUs <= 0 {
				return nil
			}
			take = node.AvailableCPUs
		}
		mem := memory
		if node.AvailableMemory < mem {
			if !partial {
				return nil
			}
			mem = node.AvailableMemory
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HIncrBy(ctx, key, "available_cpus", int64(-take))
			pipe.HIncrBy(ctx, key, "available_memory", -mem)
			return nil
		})
		if err != nil {
			return err
		}

		alloc = &types.Allocation{
			NodeID:   node.NodeID,
			Hostname: node.Hostname,
			CPUs:     take,
			Memory:   mem,
		}
		return nil
	}, key)
	if err != nil {
		metrics.AllocationsTotal.WithLabelValues("error").Inc()
		return nil, err
	}
	if alloc == nil {
		metrics.AllocationsTotal.WithLabelValues("insufficient").Inc()
		return nil, nil
	}
	metrics.AllocationsTotal.WithLabelValues("success").Inc()
	return alloc, nil
}

// Release returns every allocation's counters to its node. Counters are
// clamped to the node's totals so a duplicate release cannot push
// availability past capacity; idempotence of release as a whole is the
// job layer's responsibility.
func (m *Manager) Release(ctx context.Context, allocations []types.Allocation) error {
	for _, a := range allocations {
		key := m.kv.ResourceKey(a.NodeID)
		alloc := a
		err := m.kv.Watch(ctx, func(tx *redis.Tx) error {
			fields, err := tx.HGetAll(ctx, key).Result()
			if err != nil {
				return err
			}
			if len(fields) == 0 {
				return fmt.Errorf("unknown resource %s", alloc.NodeID)
			}
			node, err := resourceFromMap(fields)
			if err != nil {
				return err
			}

			cpus := node.AvailableCPUs + alloc.CPUs
			if cpus > node.TotalCPUs {
				cpus = node.TotalCPUs
			}
			mem := node.AvailableMemory + alloc.Memory
			if mem > node.TotalMemory {
				mem = node.TotalMemory
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, map[string]any{
					"available_cpus":   cpus,
					"available_memory": mem,
				})
				return nil
			})
			return err
		}, key)
		if err != nil {
			return fmt.Errorf("failed to release allocation on %s: %w", alloc.NodeID, err)
		}
	}
	return nil
}

// AvailableCPUCount sums available CPUs across the pool. The value is a
// hint only, not a reservation.
func (m *Manager) AvailableCPUCount(ctx context.Context) (int, error) {
	ids, err := m.kv.SMembers(ctx, m.kv.ResourcesSetKey())
	if err != nil {
		return 0, err
	}
	total := 0
	for _, id := range ids {
		v, err := m.kv.HGet(ctx, m.kv.ResourceKey(id), "available_cpus")
		if err != nil {
			return 0, err
		}
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("corrupt available_cpus for %s: %w", id, err)
		}
		total += n
	}
	return total, nil
}

func resourceToMap(r *types.Resource) map[string]any {
	return map[string]any{
		"node_id":          r.NodeID,
		"hostname":         r.Hostname,
		"availability":     string(r.Availability),
		"state":            string(r.State),
		"total_cpus":       r.TotalCPUs,
		"available_cpus":   r.AvailableCPUs,
		"total_memory":     r.TotalMemory,
		"available_memory": r.AvailableMemory,
	}
}

func resourceFromMap(fields map[string]string) (*types.Resource, error) {
	totalCPUs, err := strconv.Atoi(fields["total_cpus"])
	if err != nil {
		return nil, fmt.Errorf("corrupt resource record: %w", err)
	}
	availCPUs, err := strconv.Atoi(fields["available_cpus"])
	if err != nil {
		return nil, fmt.Errorf("corrupt resource record: %w", err)
	}
	totalMem, err := strconv.ParseInt(fields["total_memory"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt resource record: %w", err)
	}
	availMem, err := strconv.ParseInt(fields["available_memory"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt resource record: %w", err)
	}
	return &types.Resource{
		NodeID:          fields["node_id"],
		Hostname:        fields["hostname"],
		Availability:    types.ResourceAvailability(fields["availability"]),
		State:           types.ResourceState(fields["state"]),
		TotalCPUs:       totalCPUs,
		AvailableCPUs:   availCPUs,
		TotalMemory:     totalMem,
		AvailableMemory: availMem,
	}, nil
}
