// Package dispatcher implements the NodeCommandDispatcher: the server
// node daemon's side of the control channel. It reads one command at a
// time off the resource manager connection and replies on the same
// stream, never reusing a stale read from a prior iteration.
package dispatcher

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/cloudarxiv/flyt/internal/logging"
	"github.com/cloudarxiv/flyt/internal/virtservermgr"
	"github.com/cloudarxiv/flyt/internal/wire"
)

// GPUEnumerator answers SEND_GPU_INFO with this node's current GPU
// inventory.
type GPUEnumerator interface {
	GetAllGPUs(ctx context.Context) ([]wire.GPUInfoRow, error)
}

// Dispatcher owns one resource-manager connection for the lifetime of
// that connection.
type Dispatcher struct {
	conn       net.Conn
	reader     *bufio.Reader
	enumerator GPUEnumerator
	vsm        virtservermgr.Manager
	logger     *logging.Logger

	// inventory caches the last SEND_GPU_INFO report so ALLOC_VIRT_SERVER
	// can pass a GPU's total_cores through to the local manager without a
	// second enumeration round trip.
	inventory map[uint64]wire.GPUInfoRow
}

// New builds a Dispatcher bound to one connection.
func New(conn net.Conn, enumerator GPUEnumerator, vsm virtservermgr.Manager, logger *logging.Logger) *Dispatcher {
	return &Dispatcher{
		conn:       conn,
		reader:     bufio.NewReader(conn),
		enumerator: enumerator,
		vsm:        vsm,
		logger:     logger,
		inventory:  make(map[uint64]wire.GPUInfoRow),
	}
}

// Run reads and handles commands until the connection closes or a
// transport error occurs. It blocks; callers run it in its own goroutine
// or as the body of the node's main loop.
func (d *Dispatcher) Run(ctx context.Context) {
	defer d.conn.Close()

	for {
		line, err := wire.ReadLine(d.reader)
		if err != nil {
			d.logger.Info("control connection closed", map[string]interface{}{"error": err.Error()})
			return
		}

		cmd := wire.Command(strings.TrimSpace(line))
		var handleErr error
		switch cmd {
		case wire.CmdSendGPUInfo:
			handleErr = d.handleSendGPUInfo(ctx)
		case wire.CmdAllocVirtServer:
			handleErr = d.handleAlloc(ctx)
		case wire.CmdDeallocVirtServer:
			handleErr = d.handleDealloc(ctx)
		case wire.CmdChangeResources:
			handleErr = d.handleChangeResources(ctx)
		default:
			d.logger.Warn("unknown command", map[string]interface{}{"command": string(cmd)})
			continue
		}

		if handleErr != nil {
			d.logger.Error("control connection transport error", map[string]interface{}{
				"command": string(cmd),
				"error":   handleErr.Error(),
			})
			return
		}
	}
}

func (d *Dispatcher) handleSendGPUInfo(ctx context.Context) error {
	rows, err := d.enumerator.GetAllGPUs(ctx)
	if err != nil {
		return wire.WriteResponse(d.conn, wire.StatusServerError, err.Error())
	}

	d.inventory = make(map[uint64]wire.GPUInfoRow, len(rows))
	lines := make([]string, 0, len(rows)+1)
	lines = append(lines, strconv.Itoa(len(rows)))
	for _, row := range rows {
		d.inventory[row.GPUID] = row
		lines = append(lines, wire.EncodeGPUInfoRow(row))
	}
	return wire.WriteResponse(d.conn, wire.StatusOK, lines...)
}

// handleAlloc reads the single ALLOC_VIRT_SERVER argument line it was
// just sent and parses exactly those bytes — not whatever happened to be
// in a reused buffer from an earlier command.
func (d *Dispatcher) handleAlloc(ctx context.Context) error {
	argLine, err := wire.ReadLine(d.reader)
	if err != nil {
		return err
	}

	fields := wire.SplitCSV(argLine)
	if len(fields) != 3 {
		return wire.WriteResponse(d.conn, wire.StatusBadRequest, "Invalid number of arguments")
	}

	gpuID, err1 := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	numCores, err2 := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 32)
	memory, err3 := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return wire.WriteResponse(d.conn, wire.StatusBadRequest, "Invalid arguments")
	}

	var totalCores uint32
	if row, ok := d.inventory[gpuID]; ok {
		totalCores = row.TotalCores
	}

	rpcID, err := d.vsm.Create(ctx, gpuID, memory, uint32(numCores), totalCores)
	if err != nil {
		return wire.WriteResponse(d.conn, wire.StatusServerError, err.Error())
	}
	return wire.WriteResponse(d.conn, wire.StatusOK, strconv.FormatUint(rpcID, 10))
}

func (d *Dispatcher) handleDealloc(ctx context.Context) error {
	line, err := wire.ReadLine(d.reader)
	if err != nil {
		return err
	}

	rpcID, perr := strconv.ParseUint(strings.TrimSpace(line), 10, 64)
	if perr != nil {
		return wire.WriteResponse(d.conn, wire.StatusBadRequest, "Invalid arguments")
	}

	if err := d.vsm.Remove(ctx, rpcID); err != nil {
		return wire.WriteResponse(d.conn, wire.StatusServerError, err.Error())
	}
	return wire.WriteResponse(d.conn, wire.StatusOK, "Done")
}

func (d *Dispatcher) handleChangeResources(ctx context.Context) error {
	line, err := wire.ReadLine(d.reader)
	if err != nil {
		return err
	}

	fields := wire.SplitCSV(line)
	if len(fields) != 3 {
		return wire.WriteResponse(d.conn, wire.StatusBadRequest, "Invalid number of arguments")
	}

	rpcID, err1 := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	numCores, err2 := strconv.ParseUint(strings.TrimSpace(fields[1]), 10, 32)
	memory, err3 := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err1 != nil || err2 != nil || err3 != nil {
		return wire.WriteResponse(d.conn, wire.StatusBadRequest, "Invalid arguments")
	}

	if err := d.vsm.ChangeResources(ctx, rpcID, uint32(numCores), memory); err != nil {
		return wire.WriteResponse(d.conn, wire.StatusServerError, err.Error())
	}
	return wire.WriteResponse(d.conn, wire.StatusOK, "Done")
}
