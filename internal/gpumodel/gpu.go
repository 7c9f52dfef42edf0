// Package gpumodel holds the plain data types shared by the resource
// manager and the server node daemon: GPUs, virt servers and the resource
// requests used to place them.
package gpumodel

import "sync"

// GPU is one physical accelerator reported by a server node. Static fields
// (ID, Name, Memory, ComputeUnits, ComputePower) are set once at inventory
// time and never change; the allocated counters are mutated under mu by
// Debit/Credit/ApplyDelta as virt servers come and go.
type GPU struct {
	mu sync.RWMutex

	ID           uint64
	Name         string
	Memory       uint64
	ComputeUnits uint32
	ComputePower uint64

	allocatedMemory       uint64
	allocatedComputeUnits uint32
}

// NewGPU builds a GPU record with zeroed allocation counters.
func NewGPU(id uint64, name string, memory uint64, computeUnits uint32, computePower uint64) *GPU {
	return &GPU{
		ID:           id,
		Name:         name,
		Memory:       memory,
		ComputeUnits: computeUnits,
		ComputePower: computePower,
	}
}

// GPUSnapshot is an immutable point-in-time copy of a GPU's state, safe to
// hand to a caller outside any lock.
type GPUSnapshot struct {
	ID                    uint64
	Name                  string
	Memory                uint64
	ComputeUnits          uint32
	ComputePower          uint64
	AllocatedMemory       uint64
	AllocatedComputeUnits uint32
}

// FreeComputeUnits reports the snapshot's unreserved compute budget.
func (s GPUSnapshot) FreeComputeUnits() uint32 {
	return s.ComputeUnits - s.AllocatedComputeUnits
}

// FreeMemory reports the snapshot's unreserved memory.
func (s GPUSnapshot) FreeMemory() uint64 {
	return s.Memory - s.AllocatedMemory
}

// Snapshot takes a read lock and copies the GPU's current state out.
func (g *GPU) Snapshot() GPUSnapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GPUSnapshot{
		ID:                    g.ID,
		Name:                  g.Name,
		Memory:                g.Memory,
		ComputeUnits:          g.ComputeUnits,
		ComputePower:          g.ComputePower,
		AllocatedMemory:       g.allocatedMemory,
		AllocatedComputeUnits: g.allocatedComputeUnits,
	}
}

// FreeCapacity returns the GPU's unreserved compute units and memory.
func (g *GPU) FreeCapacity() (computeUnits uint32, memory uint64) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.ComputeUnits - g.allocatedComputeUnits, g.Memory - g.allocatedMemory
}

// HasCapacity reports whether both dimensions of the request fit in what's
// left free on this GPU. Both must hold on the same GPU; a request is never
// split across two.
func (g *GPU) HasCapacity(computeUnits uint32, memory uint64) bool {
	freeCU, freeMem := g.FreeCapacity()
	return freeCU >= computeUnits && freeMem >= memory
}

// Debit reserves computeUnits/memory against the GPU. Callers must have
// already confirmed capacity with HasCapacity under the same node lock.
func (g *GPU) Debit(computeUnits uint32, memory uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocatedComputeUnits += computeUnits
	g.allocatedMemory += memory
}

// Credit releases a prior reservation back to the free pool.
func (g *GPU) Credit(computeUnits uint32, memory uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocatedComputeUnits -= computeUnits
	g.allocatedMemory -= memory
}

// ApplyDelta adjusts the allocated counters by a signed amount, used by
// resize once the node has acknowledged the new size. Negative deltas
// (shrink) are always legal; positive deltas must already have been
// capacity-checked by the caller.
func (g *GPU) ApplyDelta(computeUnitsDelta, memoryDelta int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allocatedComputeUnits = uint32(int64(g.allocatedComputeUnits) + computeUnitsDelta)
	g.allocatedMemory = uint64(int64(g.allocatedMemory) + memoryDelta)
}
