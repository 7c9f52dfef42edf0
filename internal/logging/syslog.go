package logging

import (
	"fmt"
	"log/syslog"
	"os"
	"sync"
)

// SyslogConfig selects where the structured logger's JSON lines are
// delivered: a syslog daemon (local or remote), a plain file, or stdout
// when disabled.
type SyslogConfig struct {
	Enabled  bool
	Network  string // "tcp", "udp", "unix", or "" (leave empty for local syslog)
	Address  string // "localhost:514", "/dev/log", or "" (auto-detect)
	Tag      string
	Facility string // "LOG_LOCAL0" through "LOG_LOCAL7"
	FilePath string // path to a log file (overrides syslog if set)
}

// Sink delivers rendered log entries. At most one of writer and file is
// set; with neither, entries go to stdout.
type Sink struct {
	mu     sync.Mutex
	writer *syslog.Writer
	file   *os.File
}

// StdoutSink returns a Sink that writes every entry to stdout.
func StdoutSink() *Sink {
	return &Sink{}
}

// NewSink builds a Sink from cfg. A disabled config yields a stdout sink,
// and FilePath wins over syslog when both are set. The FLYT_LOG_FILE
// environment variable overrides an empty FilePath.
func NewSink(cfg SyslogConfig) (*Sink, error) {
	if !cfg.Enabled {
		return StdoutSink(), nil
	}

	if cfg.FilePath == "" {
		cfg.FilePath = os.Getenv("FLYT_LOG_FILE")
	}
	if cfg.FilePath != "" {
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		return &Sink{file: file}, nil
	}

	priority := parseFacility(cfg.Facility) | syslog.LOG_INFO

	// Auto-detect /dev/log if no address was given
	if cfg.Network == "" && cfg.Address == "" {
		if _, err := os.Stat("/dev/log"); err == nil {
			cfg.Network = "unix"
			cfg.Address = "/dev/log"
		}
	}

	var writer *syslog.Writer
	var err error
	if cfg.Network == "" && cfg.Address == "" {
		writer, err = syslog.New(priority, cfg.Tag)
		if err != nil {
			// No reachable syslog daemon; stdout keeps the process observable.
			return StdoutSink(), nil
		}
	} else {
		writer, err = syslog.Dial(cfg.Network, cfg.Address, priority, cfg.Tag)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to syslog at %s://%s: %w", cfg.Network, cfg.Address, err)
		}
	}
	return &Sink{writer: writer}, nil
}

// Emit delivers one rendered entry. A syslog-backed sink maps the entry's
// level onto the matching syslog severity; file and stdout sinks get the
// line verbatim, one entry per line.
func (s *Sink) Emit(level LogLevel, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		_, err := fmt.Fprintln(s.file, line)
		return err
	}
	if s.writer == nil {
		_, err := fmt.Fprintln(os.Stdout, line)
		return err
	}

	switch level {
	case DEBUG:
		return s.writer.Debug(line)
	case INFO:
		return s.writer.Info(line)
	case WARN:
		return s.writer.Warning(line)
	case ERROR:
		return s.writer.Err(line)
	case FATAL:
		return s.writer.Crit(line)
	default:
		return s.writer.Info(line)
	}
}

// Close releases the syslog connection or file handle. Safe to call on a
// stdout sink, and idempotent.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	if s.writer != nil {
		err := s.writer.Close()
		s.writer = nil
		return err
	}
	return nil
}

// parseFacility converts a facility name to its syslog priority.
func parseFacility(facility string) syslog.Priority {
	switch facility {
	case "LOG_LOCAL0":
		return syslog.LOG_LOCAL0
	case "LOG_LOCAL1":
		return syslog.LOG_LOCAL1
	case "LOG_LOCAL2":
		return syslog.LOG_LOCAL2
	case "LOG_LOCAL3":
		return syslog.LOG_LOCAL3
	case "LOG_LOCAL4":
		return syslog.LOG_LOCAL4
	case "LOG_LOCAL5":
		return syslog.LOG_LOCAL5
	case "LOG_LOCAL6":
		return syslog.LOG_LOCAL6
	case "LOG_LOCAL7":
		return syslog.LOG_LOCAL7
	case "LOG_USER":
		return syslog.LOG_USER
	case "LOG_DAEMON":
		return syslog.LOG_DAEMON
	default:
		return syslog.LOG_LOCAL0
	}
}
