package virtservermgr

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/cloudarxiv/flyt/internal/gpumodel"
	"github.com/cloudarxiv/flyt/internal/wire"
)

// LocalGPUEnumerator answers SEND_GPU_INFO by shelling out to whatever
// vendor tooling is installed on this machine, the way a real server node
// daemon would: it has no API key and no remote provider, only the local
// driver stack. preferred pins the probe to one vendor's tooling ("cuda"
// or "rocm"); "auto" or empty tries each in turn.
type LocalGPUEnumerator struct {
	preferred string
}

// NewLocalGPUEnumerator builds a LocalGPUEnumerator.
func NewLocalGPUEnumerator(preferred string) *LocalGPUEnumerator {
	return &LocalGPUEnumerator{preferred: preferred}
}

// GetAllGPUs implements the dispatcher's GPUEnumerator interface. If no
// probe finds a device the node reports an empty inventory rather than
// failing the exchange, since an accelerator-less node is a legal (if
// useless) fleet member.
func (e *LocalGPUEnumerator) GetAllGPUs(ctx context.Context) ([]wire.GPUInfoRow, error) {
	tryCUDA := e.preferred == "" || e.preferred == "auto" || e.preferred == "cuda"
	tryROCm := e.preferred == "" || e.preferred == "auto" || e.preferred == "rocm"

	if tryCUDA {
		if rows, err := queryNVIDIASMI(ctx); err == nil {
			return rows, nil
		}
	}
	if tryROCm {
		if rows, err := queryROCmSMI(ctx); err == nil {
			return rows, nil
		}
	}
	return []wire.GPUInfoRow{}, nil
}

func queryNVIDIASMI(ctx context.Context) ([]wire.GPUInfoRow, error) {
	cmd := exec.CommandContext(ctx, "nvidia-smi",
		"--query-gpu=index,name,memory.total,clocks.max.sm",
		"--format=csv,noheader,nounits")
	output, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("nvidia-smi: %w", err)
	}
	return parseSMICSV(output, 1024*1024)
}

func queryROCmSMI(ctx context.Context) ([]wire.GPUInfoRow, error) {
	cmd := exec.CommandContext(ctx, "rocm-smi", "--showproductname", "--showmeminfo", "vram", "--csv")
	if _, err := cmd.Output(); err != nil {
		return nil, fmt.Errorf("rocm-smi: %w", err)
	}
	// rocm-smi's --csv output needs vendor-specific column parsing this
	// daemon doesn't attempt; report no devices rather than guessing.
	return nil, fmt.Errorf("rocm-smi: structured parsing not implemented")
}

func parseSMICSV(output []byte, memoryUnitBytes uint64) ([]wire.GPUInfoRow, error) {
	text := strings.TrimSpace(string(output))
	if text == "" {
		return []wire.GPUInfoRow{}, nil
	}

	lines := strings.Split(text, "\n")
	rows := make([]wire.GPUInfoRow, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Split(line, ",")
		if len(fields) != 4 {
			continue
		}

		index, err := strconv.ParseUint(strings.TrimSpace(fields[0]), 10, 64)
		if err != nil {
			continue
		}
		name := strings.TrimSpace(fields[1])
		memMB, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 64)
		if err != nil {
			continue
		}
		clock, err := strconv.ParseUint(strings.TrimSpace(fields[3]), 10, 64)
		if err != nil {
			clock = 0
		}

		class := gpumodel.Classify(name)
		smCores := class.NominalSMCores
		if smCores == 0 {
			smCores = 8 // unrecognized model: conservative default budget
		}
		rows = append(rows, wire.GPUInfoRow{
			GPUID:      index,
			Name:       name,
			Memory:     memMB * memoryUnitBytes,
			SMCores:    smCores,
			TotalCores: smCores,
			MaxClock:   clock,
		})
	}
	return rows, nil
}
