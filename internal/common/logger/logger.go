package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents the logging level
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelQuiet // No output
)

var levelNames = map[Level]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
}

// sink is the shared destination of a logger and all loggers derived from it
type sink struct {
	mu         sync.Mutex
	level      Level
	output     io.Writer
	fileOutput *os.File
	secrets    []string
}

// Logger handles application logging. Loggers derived with With share
// level, outputs and registered secrets with their parent.
type Logger struct {
	sink   *sink
	fields []field
}

type field struct {
	key   string
	value any
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the default logger instance
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New(os.Stderr, LevelInfo)
	})
	return defaultLogger
}

// New creates a logger writing to w at the given level
func New(w io.Writer, level Level) *Logger {
	return &Logger{sink: &sink{level: level, output: w}}
}

// Discard returns a logger that writes nothing
func Discard() *Logger {
	return New(io.Discard, LevelQuiet)
}

// With returns a logger that appends key=value to every message
func (l *Logger) With(key string, value any) *Logger {
	fields := make([]field, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	return &Logger{sink: l.sink, fields: append(fields, field{key: key, value: value})}
}

// SetLevel sets the logging level
func (l *Logger) SetLevel(level Level) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.level = level
}

// SetOutput changes the terminal output destination
func (l *Logger) SetOutput(w io.Writer) {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	l.sink.output = w
}

// SetVerbose enables debug output
func (l *Logger) SetVerbose(verbose bool) {
	if verbose {
		l.SetLevel(LevelDebug)
	}
}

// SetQuiet disables all output except errors
func (l *Logger) SetQuiet(quiet bool) {
	if quiet {
		l.SetLevel(LevelError)
	}
}

// RegisterSecret makes every future message replace secret with a mask.
// Registry auth tokens are registered as soon as they are read.
func (l *Logger) RegisterSecret(secret string) {
	if len(secret) < 4 {
		return
	}
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	for _, s := range l.sink.secrets {
		if s == secret {
			return
		}
	}
	l.sink.secrets = append(l.sink.secrets, secret)
	// longest first so overlapping secrets are fully masked
	sort.Slice(l.sink.secrets, func(i, j int) bool {
		return len(l.sink.secrets[i]) > len(l.sink.secrets[j])
	})
}

// Redact masks a secret, keeping at most its last four characters.
func Redact(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

// EnableFileLogging enables logging to a file
func (l *Logger) EnableFileLogging() error {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()

	logDir, err := LogDir()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(logDir, 0755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	logFile := filepath.Join(logDir, "catalogkit.log")
	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	l.sink.fileOutput = f
	return nil
}

// Close closes the log file if open
func (l *Logger) Close() {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	if l.sink.fileOutput != nil {
		l.sink.fileOutput.Close()
		l.sink.fileOutput = nil
	}
}

// LogDir returns the log directory path
func LogDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	// Use XDG_STATE_HOME for logs (standard for runtime data)
	xdgState := os.Getenv("XDG_STATE_HOME")
	if xdgState == "" {
		xdgState = filepath.Join(home, ".local", "state")
	}

	return filepath.Join(xdgState, "catalogkit", "logs"), nil
}

func (l *Logger) log(level Level, format string, args ...interface{}) {
	s := l.sink
	s.mu.Lock()
	defer s.mu.Unlock()

	if level < s.level {
		return
	}

	msg := fmt.Sprintf(format, args...)
	if len(l.fields) > 0 {
		var b strings.Builder
		b.WriteString(msg)
		for _, f := range l.fields {
			fmt.Fprintf(&b, " %s=%v", f.key, f.value)
		}
		msg = b.String()
	}
	for _, secret := range s.secrets {
		msg = strings.ReplaceAll(msg, secret, Redact(secret))
	}

	fmt.Fprint(s.output, msg+"\n")

	if s.fileOutput != nil {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		s.fileOutput.WriteString(fmt.Sprintf("[%s] %s: %s\n", timestamp, levelNames[level], msg))
	}
}

// Debug logs a debug message
func (l *Logger) Debug(format string, args ...interface{}) {
	l.log(LevelDebug, format, args...)
}

// Info logs an info message
func (l *Logger) Info(format string, args ...interface{}) {
	l.log(LevelInfo, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(format string, args ...interface{}) {
	l.log(LevelWarn, format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...interface{}) {
	l.log(LevelError, format, args...)
}

// Package-level convenience functions
func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }
func Info(format string, args ...interface{})  { Default().Info(format, args...) }
func Warn(format string, args ...interface{})  { Default().Warn(format, args...) }
func Error(format string, args ...interface{}) { Default().Error(format, args...) }
func SetVerbose(v bool)                        { Default().SetVerbose(v) }
func SetQuiet(q bool)                          { Default().SetQuiet(q) }
