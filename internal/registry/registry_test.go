package registry

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/metrics"
	"github.com/cloudarxiv/flyt/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRegistry() *Registry {
	return New(logging.Init("registry-test", logging.ERROR), metrics.New(), 2*time.Second)
}

// fakeNode dials the registry's listener and plays the SEND_GPU_INFO side
// of the protocol as a real server node would.
func fakeNode(t *testing.T, addr string, rows []wire.GPUInfoRow) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)

	go func() {
		reader := bufio.NewReader(conn)
		line, err := wire.ReadLine(reader)
		if err != nil || wire.Command(line) != wire.CmdSendGPUInfo {
			return
		}
		lines := make([]string, 0, len(rows)+1)
		lines = append(lines, strconv.Itoa(len(rows)))
		for _, row := range rows {
			lines = append(lines, wire.EncodeGPUInfoRow(row))
		}
		wire.WriteResponse(conn, wire.StatusOK, lines...)
	}()

	return conn
}

func TestAcceptRegistersNodeWithInventory(t *testing.T) {
	reg := testRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	go reg.Accept(ctx, port)
	time.Sleep(50 * time.Millisecond)

	addr := "127.0.0.1:" + strconv.Itoa(port)
	conn := fakeNode(t, addr, []wire.GPUInfoRow{
		{GPUID: 1, Name: "H100", Memory: 80 << 30, SMCores: 132, TotalCores: 132, MaxClock: 1980},
		{GPUID: 2, Name: "H100", Memory: 80 << 30, SMCores: 132, TotalCores: 132, MaxClock: 1980},
	})
	defer conn.Close()

	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())

	require.Eventually(t, func() bool {
		return reg.Exists(host)
	}, 2*time.Second, 10*time.Millisecond)

	snap, ok := reg.Get(host)
	require.True(t, ok)
	assert.Len(t, snap.GPUs, 2)
	assert.Equal(t, uint64(1), snap.GPUs[0].ID)
}

func TestDuplicateConnectionRejected(t *testing.T) {
	reg := testRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	go reg.Accept(ctx, port)
	time.Sleep(50 * time.Millisecond)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	first := fakeNode(t, addr, []wire.GPUInfoRow{{GPUID: 1, Name: "A100", Memory: 1 << 30, SMCores: 1, TotalCores: 1, MaxClock: 1}})
	defer first.Close()
	host, _, _ := net.SplitHostPort(first.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	second, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer second.Close()

	buf := make([]byte, 1)
	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(buf)
	assert.Error(t, err) // rejected connections are closed without a reply
}

func TestRemoveEvictsNode(t *testing.T) {
	reg := testRegistry()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	go reg.Accept(ctx, port)
	time.Sleep(50 * time.Millisecond)
	addr := "127.0.0.1:" + strconv.Itoa(port)

	conn := fakeNode(t, addr, []wire.GPUInfoRow{{GPUID: 1, Name: "A100", Memory: 1 << 30, SMCores: 1, TotalCores: 1, MaxClock: 1}})
	defer conn.Close()
	host, _, _ := net.SplitHostPort(conn.LocalAddr().String())
	require.Eventually(t, func() bool { return reg.Exists(host) }, 2*time.Second, 10*time.Millisecond)

	reg.Remove(host)
	assert.False(t, reg.Exists(host))
}
