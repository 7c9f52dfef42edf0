package dispatcher

import (
	"bufio"
	"context"
	"net"
	"testing"

	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/virtservermgr"
	"github.com/cloudarxiv/flyt/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticEnumerator struct {
	rows []wire.GPUInfoRow
	err  error
}

func (e *staticEnumerator) GetAllGPUs(ctx context.Context) ([]wire.GPUInfoRow, error) {
	return e.rows, e.err
}

// recordingManager wraps InMemory and remembers the arguments of every
// Create call, so a test can check what the dispatcher actually parsed.
type recordingManager struct {
	*virtservermgr.InMemory
	created [][3]uint64 // gpu_id, num_cores, memory
}

func (m *recordingManager) Create(ctx context.Context, gpuID uint64, memory uint64, numCores uint32, totalSMCores uint32) (uint64, error) {
	m.created = append(m.created, [3]uint64{gpuID, uint64(numCores), memory})
	return m.InMemory.Create(ctx, gpuID, memory, numCores, totalSMCores)
}

func newTestPair(t *testing.T) (rm net.Conn, rmReader *bufio.Reader, node net.Conn) {
	t.Helper()
	rm, node = net.Pipe()
	return rm, bufio.NewReader(rm), node
}

func TestHandleSendGPUInfo(t *testing.T) {
	rm, rmReader, node := newTestPair(t)
	defer rm.Close()

	enumerator := &staticEnumerator{rows: []wire.GPUInfoRow{
		{GPUID: 1, Name: "H100", Memory: 80 << 30, SMCores: 132, TotalCores: 132, MaxClock: 1980},
	}}
	d := New(node, enumerator, virtservermgr.NewInMemory(), logging.Init("dispatcher-test", logging.ERROR))
	go d.Run(context.Background())

	require.NoError(t, wire.WriteCommand(rm, wire.CmdSendGPUInfo))

	status, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)

	count, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, "1", count)

	row, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	decoded, err := wire.DecodeGPUInfoRow(row)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), decoded.GPUID)
}

func TestHandleAllocThenDealloc(t *testing.T) {
	rm, rmReader, node := newTestPair(t)
	defer rm.Close()

	vsm := virtservermgr.NewInMemory()
	d := New(node, &staticEnumerator{}, vsm, logging.Init("dispatcher-test", logging.ERROR))
	go d.Run(context.Background())

	require.NoError(t, wire.WriteCommand(rm, wire.CmdAllocVirtServer, wire.JoinCSV("1", "4", "1024")))
	status, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)
	rpcIDLine, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, "1", rpcIDLine)

	require.NoError(t, wire.WriteCommand(rm, wire.CmdDeallocVirtServer, rpcIDLine))
	status, err = wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
}

func TestHandleAllocBadArgCount(t *testing.T) {
	rm, rmReader, node := newTestPair(t)
	defer rm.Close()

	d := New(node, &staticEnumerator{}, virtservermgr.NewInMemory(), logging.Init("dispatcher-test", logging.ERROR))
	go d.Run(context.Background())

	require.NoError(t, wire.WriteCommand(rm, wire.CmdAllocVirtServer, "only,two"))
	status, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusBadRequest, status)
}

func TestHandleAllocReadsFreshLineNotStaleBuffer(t *testing.T) {
	// Regression test: a prior node daemon bug re-parsed a stale buffer
	// left over from a previous command instead of the argument line it
	// just read. Sending two distinct ALLOC_VIRT_SERVER requests back to
	// back must resolve each against its own argument line.
	rm, rmReader, node := newTestPair(t)
	defer rm.Close()

	vsm := &recordingManager{InMemory: virtservermgr.NewInMemory()}
	d := New(node, &staticEnumerator{}, vsm, logging.Init("dispatcher-test", logging.ERROR))
	go d.Run(context.Background())

	require.NoError(t, wire.WriteCommand(rm, wire.CmdAllocVirtServer, wire.JoinCSV("1", "2", "512")))
	status, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)
	first, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, "1", first)

	require.NoError(t, wire.WriteCommand(rm, wire.CmdAllocVirtServer, wire.JoinCSV("2", "4", "1024")))
	status, err = wire.ReadLine(rmReader)
	require.NoError(t, err)
	require.Equal(t, wire.StatusOK, status)
	second, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, "2", second)
	assert.NotEqual(t, first, second)
	assert.Equal(t, [][3]uint64{{1, 2, 512}, {2, 4, 1024}}, vsm.created)
}

func TestHandleChangeResources(t *testing.T) {
	rm, rmReader, node := newTestPair(t)
	defer rm.Close()

	vsm := virtservermgr.NewInMemory()
	d := New(node, &staticEnumerator{}, vsm, logging.Init("dispatcher-test", logging.ERROR))
	go d.Run(context.Background())

	require.NoError(t, wire.WriteCommand(rm, wire.CmdAllocVirtServer, wire.JoinCSV("1", "4", "1024")))
	_, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	rpcID, err := wire.ReadLine(rmReader)
	require.NoError(t, err)

	require.NoError(t, wire.WriteCommand(rm, wire.CmdChangeResources, wire.JoinCSV(rpcID, "8", "2048")))
	status, err := wire.ReadLine(rmReader)
	require.NoError(t, err)
	assert.Equal(t, wire.StatusOK, status)
}
