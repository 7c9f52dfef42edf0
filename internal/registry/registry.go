// Package registry implements the NodeRegistry: it accepts server node
// connections, runs the inventory exchange, and holds the authoritative
// map of connected nodes.
package registry

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cloudarxiv/flyt/internal/gpumodel"
	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/metrics"
)

// EventSink receives fleet change notifications, consumed by the admin
// websocket feed. Implementations must not block; a nil sink is legal and
// means nobody is listening.
type EventSink interface {
	NodeEvent(eventType, nodeIP string)
	TransactionEvent(operation, nodeIP, outcome string)
}

// Registry is the fleet-wide map of server nodes, keyed by IP address.
// mu guards the map itself; it is never held across network I/O — callers
// that need to talk to a node's stream take the live *Node and lock it
// directly via Node.WithLock.
type Registry struct {
	mu    sync.RWMutex
	nodes map[string]*Node

	logger           *logging.Logger
	metrics          *metrics.Collector
	inventoryTimeout time.Duration

	events EventSink
}

// New builds an empty Registry.
func New(logger *logging.Logger, mx *metrics.Collector, inventoryTimeout time.Duration) *Registry {
	return &Registry{
		nodes:            make(map[string]*Node),
		logger:           logger,
		metrics:          mx,
		inventoryTimeout: inventoryTimeout,
	}
}

// SetEventSink installs the sink change notifications go to. Call before
// Accept; the sink is read without synchronization afterwards.
func (r *Registry) SetEventSink(sink EventSink) {
	r.events = sink
}

// Events returns the installed sink, or nil. The coordinator uses it to
// publish transaction outcomes on the same feed as node lifecycle events.
func (r *Registry) Events() EventSink {
	return r.events
}

// Accept listens on port and runs the server-node intake loop until ctx is
// canceled.
func (r *Registry) Accept(ctx context.Context, port int) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("registry: listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			r.logger.Error("accept failed", map[string]interface{}{"error": err.Error()})
			continue
		}
		go r.handleConn(ctx, conn)
	}
}

func (r *Registry) handleConn(ctx context.Context, conn net.Conn) {
	ip := peerIP(conn)
	connID := logging.NewCorrelationID()

	if r.Exists(ip) {
		r.logger.Warn("rejecting duplicate server node connection", map[string]interface{}{"node_ip": ip, "conn_id": connID})
		conn.Close()
		return
	}

	node := newNode(ip, conn)
	r.insert(node)

	err := node.WithLock(func() error {
		gpus, ferr := node.fetchInventoryLocked(ctx, r.inventoryTimeout)
		if ferr != nil {
			return ferr
		}
		node.gpus = gpus
		return nil
	})
	if err != nil {
		r.logger.Error("gpu inventory exchange failed, evicting node", map[string]interface{}{
			"node_ip": ip,
			"conn_id": connID,
			"error":   err.Error(),
		})
		r.Remove(ip)
		return
	}

	r.metrics.NodeConnected()
	r.logger.Info("server node registered", map[string]interface{}{
		"node_ip":   ip,
		"conn_id":   connID,
		"gpu_count": len(node.gpus),
	})
	if r.events != nil {
		r.events.NodeEvent("node_registered", ip)
	}
	r.refreshUsage()
}

func peerIP(conn net.Conn) string {
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return conn.RemoteAddr().String()
	}
	return host
}

func (r *Registry) insert(n *Node) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.IPAddr] = n
}

// Exists reports whether a node with this IP is currently registered.
func (r *Registry) Exists(ip string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.nodes[ip]
	return ok
}

// Lookup returns the live *Node for ip, for callers that need to issue
// commands or mutate its state.
func (r *Registry) Lookup(ip string) (*Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n, ok := r.nodes[ip]
	return n, ok
}

// Get returns an immutable snapshot of one node's state.
func (r *Registry) Get(ip string) (gpumodel.NodeSnapshot, bool) {
	n, ok := r.Lookup(ip)
	if !ok {
		return gpumodel.NodeSnapshot{}, false
	}
	return n.Snapshot(), true
}

// All returns a snapshot of every registered node, in no particular order.
func (r *Registry) All() []gpumodel.NodeSnapshot {
	r.mu.RLock()
	nodes := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		nodes = append(nodes, n)
	}
	r.mu.RUnlock()

	snaps := make([]gpumodel.NodeSnapshot, len(nodes))
	for i, n := range nodes {
		snaps[i] = n.Snapshot()
	}
	return snaps
}

// Remove evicts a node from the registry and closes its connection. Safe
// to call on an IP that isn't registered.
func (r *Registry) Remove(ip string) {
	r.mu.Lock()
	n, ok := r.nodes[ip]
	if ok {
		delete(r.nodes, ip)
	}
	r.mu.Unlock()

	if ok {
		n.Close()
		r.metrics.NodeDisconnected()
		if r.events != nil {
			r.events.NodeEvent("node_removed", ip)
		}
		r.refreshUsage()
	}
}

// Update replaces whatever record is currently stored under node's IP,
// closing the previous connection if there was one. Used when a node is
// re-admitted under a record built outside the normal accept path (tests,
// an administrative re-registration).
func (r *Registry) Update(n *Node) {
	r.mu.Lock()
	prev, ok := r.nodes[n.IPAddr]
	r.nodes[n.IPAddr] = n
	r.mu.Unlock()

	if ok && prev != n {
		prev.Close()
	}
	r.refreshUsage()
}

func (r *Registry) refreshUsage() {
	snapshots := r.All()
	var usage metrics.FleetUsage
	usage.Nodes = len(snapshots)
	for _, node := range snapshots {
		usage.GPUs += len(node.GPUs)
		for _, gpu := range node.GPUs {
			usage.ComputeUnitsTotal += uint64(gpu.ComputeUnits)
			usage.ComputeUnitsAllocated += uint64(gpu.AllocatedComputeUnits)
			usage.MemoryTotal += gpu.Memory
			usage.MemoryAllocated += gpu.AllocatedMemory
		}
	}
	r.metrics.SetFleetUsage(usage)
}

// RefreshUsage recomputes the aggregate capacity gauges. Exported so the
// coordinator can call it after an allocation transaction changes GPU
// allocation counters without a node joining or leaving.
func (r *Registry) RefreshUsage() {
	r.refreshUsage()
}
