package gpumodel

// VirtServer is a live allocation on a node: a slice of one GPU's compute
// units and memory, identified by the rpc_id the node assigned it. Fields
// are mutated in place by resize; callers holding a reference to a
// VirtServer always see the node's own copy, not a snapshot, so every
// mutation must happen under the owning node's lock.
type VirtServer struct {
	NodeIP       string
	RPCID        uint64
	GPUID        uint64
	ComputeUnits uint32
	Memory       uint64
}

// VMResources is a placement request: how much compute and memory a new
// virt server needs, and optionally which host it should prefer.
type VMResources struct {
	HostIP       string
	ComputeUnits uint32
	Memory       uint64
}

// NodeSnapshot is an immutable point-in-time view of one server node's
// inventory and live allocations, safe to read without the registry lock.
type NodeSnapshot struct {
	IPAddr      string
	GPUs        []GPUSnapshot
	VirtServers []VirtServer
}
