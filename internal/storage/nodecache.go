package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NodeInfo is the most recently seen display name and last-heard time for
// one node key, independent of welcome state or account.
type NodeInfo struct {
	DisplayName string    `json:"displayName"`
	LastHeard   time.Time `json:"lastHeard"`
}

// NodeCache persists node_cache.json, refreshed on every NodeDetection
// event.
type NodeCache struct {
	mu    sync.Mutex
	path  string
	nodes map[uint32]NodeInfo
}

// OpenNodeCache loads node_cache.json, or starts empty if absent.
func OpenNodeCache(dataDir string) (*NodeCache, error) {
	c := &NodeCache{path: filepath.Join(dataDir, "node_cache.json"), nodes: make(map[uint32]NodeInfo)}

	data, err := readResilient(c.path)
	if err != nil {
		if os.IsNotExist(err) {
			return c, nil
		}
		return nil, fmt.Errorf("reading node cache: %w", err)
	}
	if err := json.Unmarshal(data, &c.nodes); err != nil {
		return nil, fmt.Errorf("parsing node cache: %w", err)
	}
	return c, nil
}

// Observe records a sighting of nodeKey, overwriting its previous entry.
func (c *NodeCache) Observe(nodeKey uint32, displayName string, at time.Time) error {
	c.mu.Lock()
	c.nodes[nodeKey] = NodeInfo{DisplayName: displayName, LastHeard: at}
	snapshot := make(map[uint32]NodeInfo, len(c.nodes))
	for k, v := range c.nodes {
		snapshot[k] = v
	}
	c.mu.Unlock()

	data, err := json.MarshalIndent(snapshot, "", "  ")
	if err != nil {
		return fmt.Errorf("marshalling node cache: %w", err)
	}
	return writeAtomic(c.path, data)
}

// Get returns the cached info for nodeKey, if any.
func (c *NodeCache) Get(nodeKey uint32) (NodeInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.nodes[nodeKey]
	return info, ok
}

// ActiveSince returns every node heard from since cutoff.
func (c *NodeCache) ActiveSince(cutoff time.Time) map[uint32]NodeInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[uint32]NodeInfo)
	for k, v := range c.nodes {
		if v.LastHeard.After(cutoff) {
			out[k] = v
		}
	}
	return out
}

// Count returns the total number of distinct nodes ever cached.
func (c *NodeCache) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.nodes)
}
