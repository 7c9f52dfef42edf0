package wire

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGPUInfoRowRoundTrip(t *testing.T) {
	row := GPUInfoRow{
		GPUID:      7,
		Name:       "H100",
		Memory:     80 * 1024 * 1024 * 1024,
		SMCores:    132,
		TotalCores: 132,
		MaxClock:   1980,
	}

	line := EncodeGPUInfoRow(row)
	decoded, err := DecodeGPUInfoRow(line)
	require.NoError(t, err)
	assert.Equal(t, row, decoded)
}

func TestDecodeGPUInfoRowWrongFieldCount(t *testing.T) {
	_, err := DecodeGPUInfoRow("1,H100,80")
	assert.Error(t, err)
}

func TestWriteAndReadLine(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteLine(&buf, "hello"))
	reader := bufio.NewReader(&buf)
	line, err := ReadLine(reader)
	require.NoError(t, err)
	assert.Equal(t, "hello", line)
}

func TestWriteCommandAndResponse(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCommand(&buf, CmdAllocVirtServer, JoinCSV("3", "4", "1024")))
	reader := bufio.NewReader(&buf)

	cmd, err := ReadLine(reader)
	require.NoError(t, err)
	assert.Equal(t, string(CmdAllocVirtServer), cmd)

	args, err := ReadLine(reader)
	require.NoError(t, err)
	assert.Equal(t, []string{"3", "4", "1024"}, SplitCSV(args))
}
