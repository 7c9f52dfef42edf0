package coordinator

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cloudarxiv/flyt/internal/ctlerr"
	"github.com/cloudarxiv/flyt/internal/gpumodel"
	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/metrics"
	"github.com/cloudarxiv/flyt/internal/registry"
	"github.com/cloudarxiv/flyt/internal/vmresources"
	"github.com/cloudarxiv/flyt/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeServerNode plays the server-node side of the protocol on a real TCP
// connection: it replies to SEND_GPU_INFO with a fixed inventory, then
// answers every subsequent command with status 200 after reading its
// argument line, assigning sequential rpc_ids to allocations and replying
// "done" to free and resize.
func fakeServerNode(t *testing.T, addr string, gpus []wire.GPUInfoRow) (conn net.Conn, nextRPCID *uint64) {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	var id uint64 = 1
	nextRPCID = &id

	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := wire.ReadLine(reader)
			if err != nil {
				return
			}
			switch wire.Command(line) {
			case wire.CmdSendGPUInfo:
				lines := []string{strconv.Itoa(len(gpus))}
				for _, g := range gpus {
					lines = append(lines, wire.EncodeGPUInfoRow(g))
				}
				wire.WriteResponse(conn, wire.StatusOK, lines...)
			case wire.CmdAllocVirtServer:
				if _, err := wire.ReadLine(reader); err != nil {
					return
				}
				assigned := *nextRPCID
				*nextRPCID++
				wire.WriteResponse(conn, wire.StatusOK, strconv.FormatUint(assigned, 10))
			case wire.CmdDeallocVirtServer:
				if _, err := wire.ReadLine(reader); err != nil {
					return
				}
				wire.WriteResponse(conn, wire.StatusOK, "done")
			case wire.CmdChangeResources:
				if _, err := wire.ReadLine(reader); err != nil {
					return
				}
				wire.WriteResponse(conn, wire.StatusOK, "done")
			default:
				return
			}
		}
	}()

	return conn, nextRPCID
}

func startRegistry(t *testing.T) (*registry.Registry, string) {
	t.Helper()
	reg := registry.New(logging.Init("coordinator-test", logging.ERROR), metrics.New(), 2*time.Second)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go reg.Accept(ctx, port)
	time.Sleep(50 * time.Millisecond)

	return reg, "127.0.0.1:" + strconv.Itoa(port)
}

func TestAllocateDebitsGPUOnlyAfterNodeAccepts(t *testing.T) {
	reg, addr := startRegistry(t)
	conn, _ := fakeServerNode(t, addr, []wire.GPUInfoRow{
		{GPUID: 1, Name: "A100", Memory: 8192, SMCores: 8, TotalCores: 8, MaxClock: 1000},
	})
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	getter := vmresources.NewStaticGetter()
	getter.Set("client-1", gpumodel.VMResources{HostIP: host, ComputeUnits: 4, Memory: 1024})

	coord := New(reg, getter, logging.Init("coordinator-test", logging.ERROR), metrics.New(), time.Second)
	vs, err := coord.Allocate(context.Background(), "client-1")
	require.NoError(t, err)
	assert.Equal(t, host, vs.NodeIP)
	assert.Equal(t, uint64(1), vs.GPUID)

	snap, _ := reg.Get(host)
	assert.Equal(t, uint32(4), snap.GPUs[0].AllocatedComputeUnits)
	assert.Equal(t, uint64(1024), snap.GPUs[0].AllocatedMemory)
	require.Len(t, snap.VirtServers, 1)
	assert.Equal(t, vs.RPCID, snap.VirtServers[0].RPCID)
}

func TestFreeCreditsGPUBack(t *testing.T) {
	reg, addr := startRegistry(t)
	conn, _ := fakeServerNode(t, addr, []wire.GPUInfoRow{
		{GPUID: 1, Name: "A100", Memory: 8192, SMCores: 8, TotalCores: 8, MaxClock: 1000},
	})
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	getter := vmresources.NewStaticGetter()
	getter.Set("client-1", gpumodel.VMResources{HostIP: host, ComputeUnits: 4, Memory: 1024})

	coord := New(reg, getter, logging.Init("coordinator-test", logging.ERROR), metrics.New(), time.Second)
	vs, err := coord.Allocate(context.Background(), "client-1")
	require.NoError(t, err)

	require.NoError(t, coord.Free(context.Background(), vs.NodeIP, vs.RPCID))

	snap, _ := reg.Get(host)
	assert.Equal(t, uint32(0), snap.GPUs[0].AllocatedComputeUnits)
	assert.Equal(t, uint64(0), snap.GPUs[0].AllocatedMemory)
	assert.Empty(t, snap.VirtServers)
}

func TestResizeGrowBeyondFreeCapacityFailsWithoutContactingNode(t *testing.T) {
	reg, addr := startRegistry(t)
	conn, nextRPCID := fakeServerNode(t, addr, []wire.GPUInfoRow{
		{GPUID: 1, Name: "A100", Memory: 8192, SMCores: 8, TotalCores: 8, MaxClock: 1000},
	})
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	getter := vmresources.NewStaticGetter()
	getter.Set("client-1", gpumodel.VMResources{HostIP: host, ComputeUnits: 4, Memory: 1024})

	coord := New(reg, getter, logging.Init("coordinator-test", logging.ERROR), metrics.New(), time.Second)
	vs, err := coord.Allocate(context.Background(), "client-1")
	require.NoError(t, err)

	before := *nextRPCID
	err = coord.Resize(context.Background(), vs.NodeIP, vs.RPCID, 9, 8192) // +5 asked, only 4 free compute units left
	require.Error(t, err)
	// NO_CAPACITY is decided before any round trip to the node.
	assert.True(t, ctlerr.Is(err, ctlerr.NoCapacity))
	assert.Equal(t, before, *nextRPCID) // node was never asked to allocate again
}

// rejectingServerNode answers the inventory exchange normally, then
// rejects every allocation with a 500 the way a node with a busy GPU
// would.
func rejectingServerNode(t *testing.T, addr string, gpus []wire.GPUInfoRow) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	go func() {
		reader := bufio.NewReader(conn)
		for {
			line, err := wire.ReadLine(reader)
			if err != nil {
				return
			}
			switch wire.Command(line) {
			case wire.CmdSendGPUInfo:
				lines := []string{strconv.Itoa(len(gpus))}
				for _, g := range gpus {
					lines = append(lines, wire.EncodeGPUInfoRow(g))
				}
				wire.WriteResponse(conn, wire.StatusOK, lines...)
			case wire.CmdAllocVirtServer:
				if _, err := wire.ReadLine(reader); err != nil {
					return
				}
				wire.WriteResponse(conn, wire.StatusServerError, "gpu busy")
			default:
				return
			}
		}
	}()

	return conn
}

func TestAllocateNodeRejectionLeavesStateUntouched(t *testing.T) {
	reg, addr := startRegistry(t)
	conn := rejectingServerNode(t, addr, []wire.GPUInfoRow{
		{GPUID: 1, Name: "A100", Memory: 8192, SMCores: 8, TotalCores: 8, MaxClock: 1000},
	})
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	getter := vmresources.NewStaticGetter()
	getter.Set("client-1", gpumodel.VMResources{HostIP: host, ComputeUnits: 4, Memory: 1024})

	coord := New(reg, getter, logging.Init("coordinator-test", logging.ERROR), metrics.New(), time.Second)
	_, err := coord.Allocate(context.Background(), "client-1")
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.NodeRejected))

	assert.True(t, reg.Exists(host)) // a rejection is not a transport failure
	snap, _ := reg.Get(host)
	assert.Equal(t, uint32(0), snap.GPUs[0].AllocatedComputeUnits)
	assert.Equal(t, uint64(0), snap.GPUs[0].AllocatedMemory)
	assert.Empty(t, snap.VirtServers)
}

func TestTransportFailureEvictsNode(t *testing.T) {
	reg, addr := startRegistry(t)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	go func() {
		reader := bufio.NewReader(conn)
		line, rerr := wire.ReadLine(reader)
		if rerr != nil || wire.Command(line) != wire.CmdSendGPUInfo {
			return
		}
		row := wire.GPUInfoRow{GPUID: 1, Name: "A100", Memory: 8192, SMCores: 8, TotalCores: 8, MaxClock: 1000}
		wire.WriteResponse(conn, wire.StatusOK, "1", wire.EncodeGPUInfoRow(row))
		// Die on the next command instead of answering it.
		wire.ReadLine(reader)
		conn.Close()
	}()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	getter := vmresources.NewStaticGetter()
	getter.Set("client-1", gpumodel.VMResources{HostIP: host, ComputeUnits: 4, Memory: 1024})

	coord := New(reg, getter, logging.Init("coordinator-test", logging.ERROR), metrics.New(), time.Second)
	_, err = coord.Allocate(context.Background(), "client-1")
	require.Error(t, err)
	assert.True(t, ctlerr.Is(err, ctlerr.Transport))
	assert.False(t, reg.Exists(host))
}

func TestResizeShrinkAlwaysSucceeds(t *testing.T) {
	reg, addr := startRegistry(t)
	conn, _ := fakeServerNode(t, addr, []wire.GPUInfoRow{
		{GPUID: 1, Name: "A100", Memory: 8192, SMCores: 8, TotalCores: 8, MaxClock: 1000},
	})
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	getter := vmresources.NewStaticGetter()
	getter.Set("client-1", gpumodel.VMResources{HostIP: host, ComputeUnits: 4, Memory: 1024})

	coord := New(reg, getter, logging.Init("coordinator-test", logging.ERROR), metrics.New(), time.Second)
	vs, err := coord.Allocate(context.Background(), "client-1")
	require.NoError(t, err)

	require.NoError(t, coord.Resize(context.Background(), vs.NodeIP, vs.RPCID, 1, 256))

	snap, _ := reg.Get(host)
	assert.Equal(t, uint32(1), snap.GPUs[0].AllocatedComputeUnits)
	assert.Equal(t, uint64(256), snap.GPUs[0].AllocatedMemory)
}
