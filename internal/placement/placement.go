// Package placement implements the PlacementEngine: a pure, lock-free
// first-fit scan over a point-in-time fleet snapshot.
package placement

import "github.com/cloudarxiv/flyt/internal/gpumodel"

// Select finds the first GPU with enough free compute_units and memory
// to satisfy required, preferring required.HostIP when it names a
// registered node that can satisfy the request on its own. If the
// affinity host can't satisfy the request (or isn't registered), Select
// falls back to a full scan of every node in snapshot order. Both
// dimensions of required must be satisfied by a single GPU; a request is
// never split across two.
func Select(nodes []gpumodel.NodeSnapshot, required gpumodel.VMResources) (nodeIP string, gpuID uint64, ok bool) {
	if required.HostIP != "" {
		for _, node := range nodes {
			if node.IPAddr == required.HostIP {
				if gid, found := firstFit(node, required); found {
					return node.IPAddr, gid, true
				}
				break
			}
		}
	}

	for _, node := range nodes {
		if gid, found := firstFit(node, required); found {
			return node.IPAddr, gid, true
		}
	}

	return "", 0, false
}

func firstFit(node gpumodel.NodeSnapshot, required gpumodel.VMResources) (uint64, bool) {
	for _, gpu := range node.GPUs {
		if gpu.FreeComputeUnits() >= required.ComputeUnits && gpu.FreeMemory() >= required.Memory {
			return gpu.ID, true
		}
	}
	return 0, false
}
