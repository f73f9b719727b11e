package resources

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadInventory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nodes.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
- node_id: node-0
  hostname: worker0
  total_cpus: 18
  total_memory: 17179869184
- node_id: node-1
  hostname: worker1
  total_cpus: 96
  total_memory: 137438953472
`), 0o600))

	nodes, err := LoadInventory(path)
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "node-0", nodes[0].NodeID)
	assert.Equal(t, 18, nodes[0].TotalCPUs)
	assert.Equal(t, "worker1", nodes[1].Hostname)
}

func TestLoadInventoryRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing hostname", "- node_id: n0\n  total_cpus: 4\n"},
		{"zero cpus", "- node_id: n0\n  hostname: h0\n  total_cpus: 0\n"},
		{"empty file", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nodes.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.body), 0o600))
			_, err := LoadInventory(path)
			assert.Error(t, err)
		})
	}
}
