// Package coordinator implements the AllocationCoordinator: the
// allocate/free/resize transactions that tie placement, the wire codec
// and node bookkeeping together. Bookkeeping only changes after the node
// has acknowledged a command with status 200; a rejected or failed
// command leaves GPU counters and virt server records exactly as they
// were. A transport or protocol failure additionally evicts the node from
// the registry (see evictOnChannelFailure).
package coordinator

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/cloudarxiv/flyt/internal/ctlerr"
	"github.com/cloudarxiv/flyt/internal/gpumodel"
	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/metrics"
	"github.com/cloudarxiv/flyt/internal/placement"
	"github.com/cloudarxiv/flyt/internal/registry"
	"github.com/cloudarxiv/flyt/internal/vmresources"
	"github.com/cloudarxiv/flyt/internal/wire"
)

// Coordinator runs the three control-plane transactions against a
// Registry.
type Coordinator struct {
	registry  *registry.Registry
	resources vmresources.Getter
	logger    *logging.Logger
	metrics   *metrics.Collector
	timeout   time.Duration
}

// New builds a Coordinator.
func New(reg *registry.Registry, resources vmresources.Getter, logger *logging.Logger, mx *metrics.Collector, timeout time.Duration) *Coordinator {
	return &Coordinator{registry: reg, resources: resources, logger: logger, metrics: mx, timeout: timeout}
}

// Allocate places a new virt server for clientID and debits the chosen
// GPU only after the node acknowledges the allocation.
func (c *Coordinator) Allocate(ctx context.Context, clientID string) (*gpumodel.VirtServer, error) {
	start := time.Now()
	var outcome string

	required, ok := c.resources.GetRequired(ctx, clientID)
	if !ok {
		outcome = "not_found"
		c.finish("allocate", start, "", 0, outcome)
		return nil, ctlerr.Newf(ctlerr.NotFound, "no resource requirement on file for client %q", clientID)
	}

	nodeIP, gpuID, ok := placement.Select(c.registry.All(), required)
	if !ok {
		outcome = "no_capacity"
		c.finish("allocate", start, "", 0, outcome)
		return nil, ctlerr.New(ctlerr.NoCapacity, "no gpu satisfies the requested capacity")
	}

	node, ok := c.registry.Lookup(nodeIP)
	if !ok {
		outcome = "not_found"
		c.finish("allocate", start, nodeIP, 0, outcome)
		return nil, ctlerr.Newf(ctlerr.NotFound, "node %s is no longer registered", nodeIP)
	}

	var vs *gpumodel.VirtServer
	err := node.WithLock(func() error {
		gpu, ok := node.FindGPULocked(gpuID)
		if !ok {
			return ctlerr.Newf(ctlerr.NotFound, "gpu %d no longer present on node %s", gpuID, nodeIP)
		}
		if !gpu.HasCapacity(required.ComputeUnits, required.Memory) {
			return ctlerr.Newf(ctlerr.NoCapacity, "gpu %d on node %s no longer has the requested capacity", gpuID, nodeIP)
		}

		argLine := wire.JoinCSV(
			strconv.FormatUint(gpuID, 10),
			strconv.FormatUint(uint64(required.ComputeUnits), 10),
			strconv.FormatUint(required.Memory, 10),
		)
		status, payload, rterr := node.RoundTripLocked(ctx, c.timeout, wire.CmdAllocVirtServer, argLine, 1)
		if rterr != nil {
			return ctlerr.Wrap(ctlerr.Transport, rterr, "allocate round trip failed")
		}
		if status != wire.StatusOK {
			return ctlerr.Newf(ctlerr.NodeRejected, "node rejected allocate: status %s (%s)", status, firstOr(payload, ""))
		}

		rpcID, perr := strconv.ParseUint(strings.TrimSpace(firstOr(payload, "")), 10, 64)
		if perr != nil {
			return ctlerr.Wrap(ctlerr.ProtocolError, perr, "invalid rpc_id in allocate response")
		}

		gpu.Debit(required.ComputeUnits, required.Memory)
		vs = &gpumodel.VirtServer{
			NodeIP:       nodeIP,
			RPCID:        rpcID,
			GPUID:        gpuID,
			ComputeUnits: required.ComputeUnits,
			Memory:       required.Memory,
		}
		node.AddVirtServerLocked(vs)
		return nil
	})

	if err != nil {
		outcome = kindOf(err).String()
		c.evictOnChannelFailure(nodeIP, err)
		c.finish("allocate", start, nodeIP, 0, outcome)
		return nil, err
	}

	c.registry.RefreshUsage()
	c.logger.Debug("virt server allocated", map[string]interface{}{
		"node_ip": nodeIP,
		"gpu_id":  strconv.FormatUint(gpuID, 10),
		"rpc_id":  strconv.FormatUint(vs.RPCID, 10),
	})
	c.finish("allocate", start, nodeIP, vs.RPCID, "ok")
	return vs, nil
}

// Free releases a virt server and credits its GPU back only after the
// node acknowledges the deallocation.
func (c *Coordinator) Free(ctx context.Context, nodeIP string, rpcID uint64) error {
	start := time.Now()

	node, ok := c.registry.Lookup(nodeIP)
	if !ok {
		c.finish("free", start, nodeIP, rpcID, "not_found")
		return ctlerr.Newf(ctlerr.NotFound, "node %s is not registered", nodeIP)
	}

	err := node.WithLock(func() error {
		vs, ok := node.FindVirtServerLocked(rpcID)
		if !ok {
			return ctlerr.Newf(ctlerr.NotFound, "virt server %d not found on node %s", rpcID, nodeIP)
		}

		status, payload, rterr := node.RoundTripLocked(ctx, c.timeout, wire.CmdDeallocVirtServer, strconv.FormatUint(rpcID, 10), 1)
		if rterr != nil {
			return ctlerr.Wrap(ctlerr.Transport, rterr, "free round trip failed")
		}
		if status != wire.StatusOK {
			return ctlerr.Newf(ctlerr.NodeRejected, "node rejected free: status %s (%s)", status, firstOr(payload, ""))
		}

		if gpu, ok := node.FindGPULocked(vs.GPUID); ok {
			gpu.Credit(vs.ComputeUnits, vs.Memory)
		}
		node.RemoveVirtServerLocked(rpcID)
		return nil
	})

	if err != nil {
		c.evictOnChannelFailure(nodeIP, err)
		c.finish("free", start, nodeIP, rpcID, kindOf(err).String())
		return err
	}

	c.registry.RefreshUsage()
	c.finish("free", start, nodeIP, rpcID, "ok")
	return nil
}

// Resize changes a virt server's compute/memory reservation. Growth that
// would exceed the GPU's free capacity fails NO_CAPACITY without
// contacting the node; shrink in either dimension is always legal and the
// node is still contacted so its own bookkeeping stays in sync.
func (c *Coordinator) Resize(ctx context.Context, nodeIP string, rpcID uint64, newComputeUnits uint32, newMemory uint64) error {
	start := time.Now()

	node, ok := c.registry.Lookup(nodeIP)
	if !ok {
		c.finish("resize", start, nodeIP, rpcID, "not_found")
		return ctlerr.Newf(ctlerr.NotFound, "node %s is not registered", nodeIP)
	}

	err := node.WithLock(func() error {
		vs, ok := node.FindVirtServerLocked(rpcID)
		if !ok {
			return ctlerr.Newf(ctlerr.NotFound, "virt server %d not found on node %s", rpcID, nodeIP)
		}
		gpu, ok := node.FindGPULocked(vs.GPUID)
		if !ok {
			return ctlerr.Newf(ctlerr.NotFound, "gpu %d no longer present on node %s", vs.GPUID, nodeIP)
		}

		cuDelta := int64(newComputeUnits) - int64(vs.ComputeUnits)
		memDelta := int64(newMemory) - int64(vs.Memory)

		if cuDelta > 0 || memDelta > 0 {
			freeCU, freeMem := gpu.FreeCapacity()
			if cuDelta > 0 && cuDelta > int64(freeCU) {
				return ctlerr.New(ctlerr.NoCapacity, "resize exceeds free compute_units")
			}
			if memDelta > 0 && memDelta > int64(freeMem) {
				return ctlerr.New(ctlerr.NoCapacity, "resize exceeds free memory")
			}
		}

		argLine := wire.JoinCSV(
			strconv.FormatUint(rpcID, 10),
			strconv.FormatUint(uint64(newComputeUnits), 10),
			strconv.FormatUint(newMemory, 10),
		)
		status, payload, rterr := node.RoundTripLocked(ctx, c.timeout, wire.CmdChangeResources, argLine, 1)
		if rterr != nil {
			return ctlerr.Wrap(ctlerr.Transport, rterr, "resize round trip failed")
		}
		if status != wire.StatusOK {
			return ctlerr.Newf(ctlerr.NodeRejected, "node rejected resize: status %s (%s)", status, firstOr(payload, ""))
		}

		gpu.ApplyDelta(cuDelta, memDelta)
		vs.ComputeUnits = newComputeUnits
		vs.Memory = newMemory
		return nil
	})

	if err != nil {
		c.evictOnChannelFailure(nodeIP, err)
		c.finish("resize", start, nodeIP, rpcID, kindOf(err).String())
		return err
	}

	c.registry.RefreshUsage()
	c.finish("resize", start, nodeIP, rpcID, "ok")
	return nil
}

// evictOnChannelFailure removes a node whose control channel can no longer
// be trusted: a transport failure leaves the stream in an unknown state,
// and a protocol error means the peer's framing has drifted. In both cases
// the connection is closed and the node must reconnect to rejoin.
func (c *Coordinator) evictOnChannelFailure(nodeIP string, err error) {
	if !ctlerr.Is(err, ctlerr.Transport) && !ctlerr.Is(err, ctlerr.ProtocolError) {
		return
	}
	c.logger.Error("evicting node after control channel failure", map[string]interface{}{
		"node_ip": nodeIP,
		"error":   err.Error(),
	})
	c.registry.Remove(nodeIP)
}

func (c *Coordinator) finish(operation string, start time.Time, nodeIP string, rpcID uint64, outcome string) {
	duration := time.Since(start)
	c.metrics.ObserveTransaction(operation, outcome, duration)
	logging.LogTransaction(operation, nodeIP, rpcID, outcome, duration.Milliseconds())
	if sink := c.registry.Events(); sink != nil {
		sink.TransactionEvent(operation, nodeIP, outcome)
	}
}

func kindOf(err error) ctlerr.Kind {
	var kind ctlerr.Kind = ctlerr.Transport
	if ctlerr.Is(err, ctlerr.NotFound) {
		kind = ctlerr.NotFound
	} else if ctlerr.Is(err, ctlerr.NoCapacity) {
		kind = ctlerr.NoCapacity
	} else if ctlerr.Is(err, ctlerr.NodeRejected) {
		kind = ctlerr.NodeRejected
	} else if ctlerr.Is(err, ctlerr.ProtocolError) {
		kind = ctlerr.ProtocolError
	}
	return kind
}

func firstOr(lines []string, fallback string) string {
	if len(lines) == 0 {
		return fallback
	}
	return lines[0]
}
