package resources

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/cloudburst-io/cloudburst/pkg/types"
)

// LoadInventory reads the worker-node inventory from a YAML file of
// the form:
//
//	- node_id: node-0
//	  hostname: worker0.example.com
//	  total_cpus: 96
//	  total_memory: 137438953472
func LoadInventory(path string) ([]types.Resource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read resource list: %w", err)
	}
	var nodes []types.Resource
	if err := yaml.Unmarshal(data, &nodes); err != nil {
		return nil, fmt.Errorf("failed to parse resource list: %w", err)
	}
	if len(nodes) == 0 {
		return nil, fmt.Errorf("resource list %s defines no nodes", path)
	}
	for i, node := range nodes {
		if node.NodeID == "" || node.Hostname == "" {
			return nil, fmt.Errorf("resource list entry %d missing node_id or hostname", i)
		}
		if node.TotalCPUs <= 0 {
			return nil, fmt.Errorf("node %s has no CPUs", node.NodeID)
		}
	}
	return nodes, nil
}
