// Package wire implements the control-channel codec shared by the resource
// manager and server node daemon: a line-oriented, comma-framed protocol
// with no length prefixes, no chunking and no escaping. Fields must not
// contain a comma or a newline.
package wire

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// Command is one of the four control-channel request tokens the resource
// manager sends to a server node.
type Command string

const (
	CmdSendGPUInfo       Command = "SEND_GPU_INFO"
	CmdAllocVirtServer   Command = "ALLOC_VIRT_SERVER"
	CmdDeallocVirtServer Command = "DEALLOC_VIRT_SERVER"
	CmdChangeResources   Command = "CHANGE_RESOURCES"
)

// Status lines are plain ASCII status codes, never a structured envelope.
const (
	StatusOK          = "200"
	StatusBadRequest  = "400"
	StatusServerError = "500"
)

// ReadLine reads one newline-terminated line and strips the trailing
// CR/LF. It returns an error (including io.EOF) if the connection closes
// before a full line arrives.
func ReadLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// WriteLine writes s followed by a single newline.
func WriteLine(w io.Writer, s string) error {
	_, err := fmt.Fprintf(w, "%s\n", s)
	return err
}

// WriteCommand writes a command token followed by zero or more argument
// lines, one per call to keep the framing explicit at the call site.
func WriteCommand(w io.Writer, cmd Command, args ...string) error {
	if err := WriteLine(w, string(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := WriteLine(w, arg); err != nil {
			return err
		}
	}
	return nil
}

// WriteResponse writes a status line followed by zero or more payload
// lines.
func WriteResponse(w io.Writer, status string, lines ...string) error {
	if err := WriteLine(w, status); err != nil {
		return err
	}
	for _, line := range lines {
		if err := WriteLine(w, line); err != nil {
			return err
		}
	}
	return nil
}

// SplitCSV splits a line on commas. It does not unescape anything: the
// protocol forbids commas and newlines inside fields in the first place.
func SplitCSV(line string) []string {
	return strings.Split(line, ",")
}

// JoinCSV is the inverse of SplitCSV.
func JoinCSV(fields ...string) string {
	return strings.Join(fields, ",")
}

// GPUInfoRow is one row of a SEND_GPU_INFO response: gpu_id, name, memory,
// sm_cores, total_cores, max_clock.
type GPUInfoRow struct {
	GPUID      uint64
	Name       string
	Memory     uint64
	SMCores    uint32
	TotalCores uint32
	MaxClock   uint64
}

// EncodeGPUInfoRow renders a row in wire format.
func EncodeGPUInfoRow(row GPUInfoRow) string {
	return JoinCSV(
		strconv.FormatUint(row.GPUID, 10),
		row.Name,
		strconv.FormatUint(row.Memory, 10),
		strconv.FormatUint(uint64(row.SMCores), 10),
		strconv.FormatUint(uint64(row.TotalCores), 10),
		strconv.FormatUint(row.MaxClock, 10),
	)
}

// DecodeGPUInfoRow parses one SEND_GPU_INFO payload line.
func DecodeGPUInfoRow(line string) (GPUInfoRow, error) {
	fields := SplitCSV(line)
	if len(fields) != 6 {
		return GPUInfoRow{}, fmt.Errorf("wire: expected 6 fields in gpu info row, got %d", len(fields))
	}

	gpuID, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return GPUInfoRow{}, fmt.Errorf("wire: invalid gpu_id: %w", err)
	}
	memory, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
	if err != nil {
		return GPUInfoRow{}, fmt.Errorf("wire: invalid memory: %w", err)
	}
	smCores, err := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 32)
	if err != nil {
		return GPUInfoRow{}, fmt.Errorf("wire: invalid sm_cores: %w", err)
	}
	totalCores, err := strconv.ParseUint(strings.TrimSpace(fields[4]), 10, 32)
	if err != nil {
		return GPUInfoRow{}, fmt.Errorf("wire: invalid total_cores: %w", err)
	}
	maxClock, err := strconv.ParseUint(strings.TrimSpace(fields[5]), 10, 64)
	if err != nil {
		return GPUInfoRow{}, fmt.Errorf("wire: invalid max_clock: %w", err)
	}

	return GPUInfoRow{
		GPUID:      gpuID,
		Name:       strings.TrimSpace(fields[1]),
		Memory:     memory,
		SMCores:    uint32(smCores),
		TotalCores: uint32(totalCores),
		MaxClock:   maxClock,
	}, nil
}
