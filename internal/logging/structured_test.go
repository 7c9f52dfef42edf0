package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fileSink(t *testing.T) (*Sink, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "flyt.log")
	sink, err := NewSink(SyslogConfig{Enabled: true, FilePath: path})
	require.NoError(t, err)
	t.Cleanup(func() { sink.Close() })
	return sink, path
}

func readEntry(t *testing.T, path string) LogEntry {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var entry LogEntry
	require.NoError(t, json.Unmarshal(data, &entry))
	return entry
}

func TestFileSinkReceivesStructuredEntry(t *testing.T) {
	sink, path := fileSink(t)
	logger := Init("logging-test", INFO)
	logger.SetSink(sink)

	logger.Info("server node registered", map[string]interface{}{
		"node_ip": "10.0.0.7",
		"gpu_id":  "1",
	})

	entry := readEntry(t, path)
	assert.Equal(t, INFO, entry.Level)
	assert.Equal(t, "logging-test", entry.Service)
	assert.Equal(t, "server node registered", entry.Message)
	assert.Equal(t, "10.0.0.7", entry.NodeIP)
	assert.Equal(t, "1", entry.GPUID)
}

func TestLevelBelowThresholdIsDropped(t *testing.T) {
	sink, path := fileSink(t)
	logger := Init("logging-test", ERROR)
	logger.SetSink(sink)

	logger.Info("quiet", nil)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestLogTransactionThreadsNodeAndRPCID(t *testing.T) {
	sink, path := fileSink(t)
	logger := Init("logging-test", INFO)
	logger.SetSink(sink)

	LogTransaction("allocate", "10.0.0.9", 42, "ok", 3)

	entry := readEntry(t, path)
	assert.Equal(t, "allocate", entry.Operation)
	assert.Equal(t, "10.0.0.9", entry.NodeIP)
	assert.Equal(t, "42", entry.RPCID)
	assert.Equal(t, int64(3), entry.Duration)
}

func TestCloseIsIdempotent(t *testing.T) {
	sink, _ := fileSink(t)
	require.NoError(t, sink.Close())
	require.NoError(t, sink.Close())
}
