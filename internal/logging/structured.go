package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/google/uuid"
)

type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
	FATAL LogLevel = "FATAL"
)

// Logger is a structured JSON logger shared by the resource manager and
// the server node daemon. Entries are rendered once and handed to the
// sink, which routes them to syslog, a file, or stdout.
type Logger struct {
	level       LogLevel
	serviceName string
	sink        *Sink
}

// LogEntry is the JSON shape written to the sink for every call.
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     LogLevel               `json:"level"`
	Service   string                 `json:"service"`
	Message   string                 `json:"message"`
	NodeIP    string                 `json:"node_ip,omitempty"`
	GPUID     string                 `json:"gpu_id,omitempty"`
	RPCID     string                 `json:"rpc_id,omitempty"`
	Operation string                 `json:"operation,omitempty"`
	Duration  int64                  `json:"duration_ms,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	File      string                 `json:"file,omitempty"`
	Line      int                    `json:"line,omitempty"`
}

var defaultLogger *Logger

// Init sets up the process-wide default logger, writing to stdout until
// SetSink installs something else.
func Init(serviceName string, level LogLevel) *Logger {
	logger := &Logger{level: level, serviceName: serviceName, sink: StdoutSink()}
	defaultLogger = logger
	return logger
}

// SetSink redirects the logger's output. Call once at startup, before any
// goroutine logs through it.
func (l *Logger) SetSink(sink *Sink) {
	l.sink = sink
}

// Default returns the process-wide logger, initializing one with sane
// defaults if Init was never called.
func Default() *Logger {
	if defaultLogger == nil {
		return Init("flyt", INFO)
	}
	return defaultLogger
}

func (l *Logger) shouldLog(level LogLevel) bool {
	order := map[LogLevel]int{DEBUG: 0, INFO: 1, WARN: 2, ERROR: 3, FATAL: 4}
	return order[level] >= order[l.level]
}

func (l *Logger) log(level LogLevel, message string, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	entry := LogEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     level,
		Service:   l.serviceName,
		Message:   message,
		Fields:    fields,
	}

	if level == ERROR || level == FATAL {
		if _, file, line, ok := runtime.Caller(2); ok {
			entry.File = file
			entry.Line = line
		}
	}

	if fields != nil {
		if v, ok := fields["node_ip"].(string); ok {
			entry.NodeIP = v
		}
		if v, ok := fields["gpu_id"].(string); ok {
			entry.GPUID = v
		}
		if v, ok := fields["rpc_id"].(string); ok {
			entry.RPCID = v
		}
		if v, ok := fields["operation"].(string); ok {
			entry.Operation = v
		}
		if err, ok := fields["error"].(error); ok {
			entry.Error = err.Error()
		} else if s, ok := fields["error"].(string); ok {
			entry.Error = s
		}
		if d, ok := fields["duration"].(time.Duration); ok {
			entry.Duration = d.Milliseconds()
		}
	}

	data, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal log entry: %v\n", err)
		return
	}

	if err := l.sink.Emit(level, string(data)); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write log entry: %v\n", err)
	}

	if level == FATAL {
		os.Exit(1)
	}
}

func (l *Logger) Debug(message string, fields map[string]interface{}) { l.log(DEBUG, message, fields) }
func (l *Logger) Info(message string, fields map[string]interface{})  { l.log(INFO, message, fields) }
func (l *Logger) Warn(message string, fields map[string]interface{})  { l.log(WARN, message, fields) }
func (l *Logger) Error(message string, fields map[string]interface{}) { l.log(ERROR, message, fields) }
func (l *Logger) Fatal(message string, fields map[string]interface{}) { l.log(FATAL, message, fields) }

func Debug(message string, fields map[string]interface{}) { Default().Debug(message, fields) }
func Info(message string, fields map[string]interface{})  { Default().Info(message, fields) }
func Warn(message string, fields map[string]interface{})  { Default().Warn(message, fields) }
func Error(message string, fields map[string]interface{}) { Default().Error(message, fields) }
func Fatal(message string, fields map[string]interface{}) { Default().Fatal(message, fields) }

// LogTransaction records one allocate/free/resize outcome on the default
// logger, threading the node and rpc_id into the entry's own fields.
func LogTransaction(operation, nodeIP string, rpcID uint64, outcome string, durationMS int64) {
	Default().Info("transaction "+outcome, map[string]interface{}{
		"operation": operation,
		"node_ip":   nodeIP,
		"rpc_id":    strconv.FormatUint(rpcID, 10),
		"duration":  time.Duration(durationMS) * time.Millisecond,
	})
}

// NewCorrelationID returns a random ID for tying together the log lines
// of a single node connection, before the node has reported anything that
// could identify it.
func NewCorrelationID() string {
	return uuid.New().String()
}
