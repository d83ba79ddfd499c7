// Package logging provides leveled, printf-style logging scoped per
// component. Output goes to stderr and, when PENNY_LOG_FILE is set, to
// a log file as well.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"reflect"
	"strings"
	"sync"
	"time"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel maps a level name to a Level. Unknown names map to Info.
func ParseLevel(name string) Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func levelString(level Level) string {
	switch level {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

type root struct {
	mu     sync.Mutex
	out    io.Writer
	file   *os.File
	level  Level
	logger *log.Logger
}

var (
	rootInstance *root
	rootOnce     sync.Once
)

func getRoot() *root {
	rootOnce.Do(func() {
		r := &root{
			out:   os.Stderr,
			level: ParseLevel(os.Getenv("PENNY_LOG_LEVEL")),
		}
		if path := os.Getenv("PENNY_LOG_FILE"); path != "" {
			file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				log.Printf("failed to open log file %s: %v", path, err)
			} else {
				r.file = file
				r.logger = log.New(file, "", 0)
			}
		}
		rootInstance = r
	})
	return rootInstance
}

// SetLevel sets the minimum level for the process-wide logger.
func SetLevel(level Level) {
	r := getRoot()
	r.mu.Lock()
	r.level = level
	r.mu.Unlock()
}

func (r *root) log(component string, level Level, format string, args ...any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if level < r.level {
		return
	}
	if component == "" {
		component = "penny"
	}

	// Format: 2025-09-30 12:34:56 [INFO] [component] message
	line := fmt.Sprintf("%s [%s] [%s] %s\n",
		time.Now().Format("2006-01-02 15:04:05"),
		levelString(level),
		component,
		fmt.Sprintf(format, args...))

	fmt.Fprint(r.out, line)
	if r.logger != nil {
		r.logger.Print(line)
	}
}

type componentLogger struct {
	component string
}

func (l *componentLogger) Debug(format string, args ...any) {
	getRoot().log(l.component, LevelDebug, format, args...)
}

func (l *componentLogger) Info(format string, args ...any) {
	getRoot().log(l.component, LevelInfo, format, args...)
}

func (l *componentLogger) Warn(format string, args ...any) {
	getRoot().log(l.component, LevelWarn, format, args...)
}

func (l *componentLogger) Error(format string, args ...any) {
	getRoot().log(l.component, LevelError, format, args...)
}

// NewComponentLogger returns the default application logger scoped to a component.
func NewComponentLogger(component string) Logger {
	return &componentLogger{component: component}
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}
