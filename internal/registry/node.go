package registry

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/cloudarxiv/flyt/internal/gpumodel"
	"github.com/cloudarxiv/flyt/internal/wire"
)

// Node is the live record of one connected server node: its control
// connection, its GPU inventory and the virt servers currently allocated
// on it. mu guards the control-stream round trip and mutation of gpus and
// virtServers; it is layered above the Registry's own lock, never nested
// inside it. Individual GPU allocation counters have their own lock in
// gpumodel.GPU and do not require mu to read a single GPU's free capacity.
type Node struct {
	IPAddr string

	mu     sync.Mutex
	conn   net.Conn
	reader *bufio.Reader

	gpus        []*gpumodel.GPU
	virtServers []*gpumodel.VirtServer
}

func newNode(ip string, conn net.Conn) *Node {
	return &Node{
		IPAddr: ip,
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

// WithLock runs fn while holding the node's lock, for an atomic
// round-trip-plus-bookkeeping step. The *Locked methods below must only be
// called from inside fn.
func (n *Node) WithLock(fn func() error) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return fn()
}

// FindGPULocked looks up one of this node's GPUs by ID.
func (n *Node) FindGPULocked(id uint64) (*gpumodel.GPU, bool) {
	for _, g := range n.gpus {
		if g.ID == id {
			return g, true
		}
	}
	return nil, false
}

// FindVirtServerLocked looks up a live allocation by the node-assigned
// rpc_id.
func (n *Node) FindVirtServerLocked(rpcID uint64) (*gpumodel.VirtServer, bool) {
	for _, vs := range n.virtServers {
		if vs.RPCID == rpcID {
			return vs, true
		}
	}
	return nil, false
}

// AddVirtServerLocked records a newly allocated virt server.
func (n *Node) AddVirtServerLocked(vs *gpumodel.VirtServer) {
	n.virtServers = append(n.virtServers, vs)
}

// RemoveVirtServerLocked deletes a freed virt server by rpc_id.
func (n *Node) RemoveVirtServerLocked(rpcID uint64) bool {
	for i, vs := range n.virtServers {
		if vs.RPCID == rpcID {
			n.virtServers = append(n.virtServers[:i], n.virtServers[i+1:]...)
			return true
		}
	}
	return false
}

// RoundTripLocked sends one command with a single argument line and reads
// back a status line plus exactly expectPayloadLines payload lines. The RM
// never interleaves two request/response pairs on the same connection;
// callers enforce that by holding mu for the whole exchange.
func (n *Node) RoundTripLocked(ctx context.Context, timeout time.Duration, cmd wire.Command, argLine string, expectPayloadLines int) (status string, payload []string, err error) {
	if err = n.applyDeadline(ctx, timeout); err != nil {
		return "", nil, err
	}
	defer n.conn.SetDeadline(time.Time{})

	if err = wire.WriteCommand(n.conn, cmd, argLine); err != nil {
		return "", nil, err
	}

	status, err = wire.ReadLine(n.reader)
	if err != nil {
		return "", nil, err
	}

	payload = make([]string, 0, expectPayloadLines)
	for i := 0; i < expectPayloadLines; i++ {
		line, rerr := wire.ReadLine(n.reader)
		if rerr != nil {
			return status, payload, rerr
		}
		payload = append(payload, line)
	}
	return status, payload, nil
}

// fetchInventoryLocked performs the SEND_GPU_INFO exchange and returns the
// reported GPUs in the order the node sent them.
func (n *Node) fetchInventoryLocked(ctx context.Context, timeout time.Duration) ([]*gpumodel.GPU, error) {
	if err := n.applyDeadline(ctx, timeout); err != nil {
		return nil, err
	}
	defer n.conn.SetDeadline(time.Time{})

	if err := wire.WriteCommand(n.conn, wire.CmdSendGPUInfo); err != nil {
		return nil, err
	}

	status, err := wire.ReadLine(n.reader)
	if err != nil {
		return nil, err
	}
	if status != wire.StatusOK {
		// Failure responses are still two lines: status then a message.
		msg, _ := wire.ReadLine(n.reader)
		return nil, &inventoryError{status: status, msg: msg}
	}

	countLine, err := wire.ReadLine(n.reader)
	if err != nil {
		return nil, err
	}
	count, err := strconv.ParseUint(countLine, 10, 64)
	if err != nil {
		return nil, err
	}

	gpus := make([]*gpumodel.GPU, 0, count)
	for i := uint64(0); i < count; i++ {
		line, rerr := wire.ReadLine(n.reader)
		if rerr != nil {
			return nil, rerr
		}
		row, derr := wire.DecodeGPUInfoRow(line)
		if derr != nil {
			return nil, derr
		}
		gpus = append(gpus, gpumodel.NewGPU(row.GPUID, row.Name, row.Memory, row.SMCores, row.MaxClock))
	}
	return gpus, nil
}

func (n *Node) applyDeadline(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	return n.conn.SetDeadline(deadline)
}

// Snapshot copies out the node's current inventory and allocations,
// without holding the lock over any network I/O.
func (n *Node) Snapshot() gpumodel.NodeSnapshot {
	n.mu.Lock()
	gpus := make([]*gpumodel.GPU, len(n.gpus))
	copy(gpus, n.gpus)
	virtServers := make([]gpumodel.VirtServer, len(n.virtServers))
	for i, vs := range n.virtServers {
		virtServers[i] = *vs
	}
	n.mu.Unlock()

	gpuSnaps := make([]gpumodel.GPUSnapshot, len(gpus))
	for i, g := range gpus {
		gpuSnaps[i] = g.Snapshot()
	}
	return gpumodel.NodeSnapshot{
		IPAddr:      n.IPAddr,
		GPUs:        gpuSnaps,
		VirtServers: virtServers,
	}
}

// Close closes the underlying connection.
func (n *Node) Close() error {
	return n.conn.Close()
}

type inventoryError struct {
	status string
	msg    string
}

func (e *inventoryError) Error() string {
	return "node rejected inventory request with status " + e.status + " (" + e.msg + ")"
}
