package transport

import "fmt"

// StaticResolver maps node ids to addresses from configuration.
type StaticResolver map[uint64]string

func (r StaticResolver) Resolve(nodeID uint64) (string, error) {
	addr, ok := r[nodeID]
	if !ok {
		return "", fmt.Errorf("no address configured for node %d", nodeID)
	}
	return addr, nil
}
