// Package logger provides the component-tagged logging facade used across
// the proxy. Formatting and level filtering are delegated to logrus.
package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

func sprintf(format string, a ...any) string { return fmt.Sprintf(format, a...) }

type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

func ParseLevel(s string) Level {
	switch s {
	case "debug":
		return LevelDebug
	case "warn":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// LogEntry is a recent log line retained in the ring buffer, available to
// the supervisor or a future admin surface without re-parsing the log file.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	Level     string `json:"level"`
	Component string `json:"component"`
	Message   string `json:"message"`
}

// Logger tags every line with a component and mirrors recent entries into a
// bounded ring buffer for OnNewEntry subscribers.
type Logger struct {
	base *logrus.Logger
	file *os.File

	entries   []LogEntry
	entriesMu sync.RWMutex
	maxBuffer int

	OnNewEntry func(LogEntry)
}

// New opens (or creates) <logDir>/stratumproxy.log and returns a Logger
// writing to it at the given level.
func New(logDir string, level string) (*Logger, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}
	logPath := filepath.Join(logDir, "stratumproxy.log")
	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	base := logrus.New()
	base.SetOutput(f)
	base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	base.SetLevel(ParseLevel(level).logrusLevel())

	return &Logger{
		base:      base,
		file:      f,
		entries:   make([]LogEntry, 0, 1000),
		maxBuffer: 1000,
	}, nil
}

func (l *Logger) SetLevel(level string) {
	l.base.SetLevel(ParseLevel(level).logrusLevel())
}

func (l *Logger) log(lvl Level, component, msg string) {
	l.base.WithField("component", component).Log(lvl.logrusLevel(), msg)

	entry := LogEntry{
		Timestamp: time.Now().Format("2006-01-02 15:04:05"),
		Level:     lvl.String(),
		Component: component,
		Message:   msg,
	}
	l.entriesMu.Lock()
	if len(l.entries) >= l.maxBuffer {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, entry)
	l.entriesMu.Unlock()

	if l.OnNewEntry != nil {
		l.OnNewEntry(entry)
	}
}

func (l *Logger) Debug(component, msg string) { l.log(LevelDebug, component, msg) }
func (l *Logger) Info(component, msg string)  { l.log(LevelInfo, component, msg) }
func (l *Logger) Warn(component, msg string)  { l.log(LevelWarn, component, msg) }
func (l *Logger) Error(component, msg string) { l.log(LevelError, component, msg) }

func (l *Logger) Debugf(component, format string, a ...any) {
	l.log(LevelDebug, component, sprintf(format, a...))
}
func (l *Logger) Infof(component, format string, a ...any) {
	l.log(LevelInfo, component, sprintf(format, a...))
}
func (l *Logger) Warnf(component, format string, a ...any) {
	l.log(LevelWarn, component, sprintf(format, a...))
}
func (l *Logger) Errorf(component, format string, a ...any) {
	l.log(LevelError, component, sprintf(format, a...))
}

func (l *Logger) GetEntries(count int) []LogEntry {
	l.entriesMu.RLock()
	defer l.entriesMu.RUnlock()

	total := len(l.entries)
	if count <= 0 || count > total {
		count = total
	}
	start := total - count
	result := make([]LogEntry, count)
	copy(result, l.entries[start:])
	return result
}

func (l *Logger) Close() {
	if l.file != nil {
		l.file.Close()
	}
}
