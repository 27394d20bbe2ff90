package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents the severity of a log message
type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
	SILENT // No logging
)

var (
	levelNames = map[LogLevel]string{
		DEBUG:  "DEBUG",
		INFO:   "INFO",
		WARN:   "WARN",
		ERROR:  "ERROR",
		SILENT: "SILENT",
	}

	levelColors = map[LogLevel]string{
		DEBUG:  "\033[36m", // Cyan
		INFO:   "\033[32m", // Green
		WARN:   "\033[33m", // Yellow
		ERROR:  "\033[31m", // Red
		SILENT: "",
	}

	resetColor = "\033[0m"
)

// Options configures a Logger
type Options struct {
	Level    LogLevel
	Output   io.Writer // Defaults to os.Stderr
	UseColor bool

	// File, when set, mirrors output (uncolored) into a rotating log file
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// Logger provides leveled logging with module tags
type Logger struct {
	mu       sync.Mutex
	level    LogLevel
	useColor bool
	console  *log.Logger
	file     *log.Logger
	closer   io.Closer
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger (call once at startup)
func Init(opts Options) {
	once.Do(func() {
		defaultLogger = NewWithOptions(opts)
	})
}

// New creates a console-only Logger
func New(level LogLevel, output io.Writer, useColor bool) *Logger {
	return NewWithOptions(Options{Level: level, Output: output, UseColor: useColor})
}

// NewWithOptions creates a Logger, optionally backed by a rotating file
func NewWithOptions(opts Options) *Logger {
	output := opts.Output
	if output == nil {
		output = os.Stderr
	}

	flags := log.Ldate | log.Ltime | log.Lmicroseconds
	l := &Logger{
		level:    opts.Level,
		useColor: opts.UseColor,
		console:  log.New(output, "", flags),
	}

	if opts.File != "" {
		rotator := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    valueOr(opts.MaxSizeMB, 50),
			MaxBackups: valueOr(opts.MaxBackups, 3),
			MaxAge:     valueOr(opts.MaxAgeDays, 7),
			LocalTime:  true,
			Compress:   true,
		}
		l.file = log.New(rotator, "", flags)
		l.closer = rotator
	}
	return l
}

func valueOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

// SetLevel changes the log level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Enabled reports whether messages at level would be written
func (l *Logger) Enabled(level LogLevel) bool {
	return level != SILENT && level >= l.GetLevel()
}

// Close flushes and closes the rotating file, if any
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

func (l *Logger) log(level LogLevel, module string, format string, args ...interface{}) {
	if !l.Enabled(level) {
		return
	}

	tag := "[" + levelNames[level] + "]"
	plain := tag
	if module != "" {
		plain = fmt.Sprintf("%s [%s]", tag, module)
	}
	message := fmt.Sprintf(format, args...)

	prefix := plain
	if l.useColor {
		prefix = levelColors[level] + tag + resetColor
		if module != "" {
			prefix = fmt.Sprintf("%s [%s]", prefix, module)
		}
	}

	l.console.Printf("%s %s", prefix, message)
	if l.file != nil {
		l.file.Printf("%s %s", plain, message)
	}
}

// Debug logs a debug message
func (l *Logger) Debug(module string, format string, args ...interface{}) {
	l.log(DEBUG, module, format, args...)
}

// Info logs an info message
func (l *Logger) Info(module string, format string, args ...interface{}) {
	l.log(INFO, module, format, args...)
}

// Warn logs a warning message
func (l *Logger) Warn(module string, format string, args ...interface{}) {
	l.log(WARN, module, format, args...)
}

// Error logs an error message
func (l *Logger) Error(module string, format string, args ...interface{}) {
	l.log(ERROR, module, format, args...)
}

// Module returns a logger bound to a module tag
func (l *Logger) Module(name string) *ModuleLogger {
	return &ModuleLogger{parent: l, module: name}
}

// ModuleLogger writes every message with the same module tag.
// A nil parent falls back to the global logger at call time.
type ModuleLogger struct {
	parent *Logger
	module string
}

// For returns a module logger backed by the global logger
func For(module string) *ModuleLogger {
	return &ModuleLogger{module: module}
}

func (m *ModuleLogger) target() *Logger {
	if m.parent != nil {
		return m.parent
	}
	return defaultLogger
}

// Name returns the module tag
func (m *ModuleLogger) Name() string { return m.module }

// Debugf logs a debug message
func (m *ModuleLogger) Debugf(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.Debug(m.module, format, args...)
	}
}

// Infof logs an info message
func (m *ModuleLogger) Infof(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.Info(m.module, format, args...)
	}
}

// Warnf logs a warning message
func (m *ModuleLogger) Warnf(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.Warn(m.module, format, args...)
	}
}

// Errorf logs an error message
func (m *ModuleLogger) Errorf(format string, args ...interface{}) {
	if t := m.target(); t != nil {
		t.Error(m.module, format, args...)
	}
}

// Global logger functions (use default logger)

// SetLevel sets the global log level
func SetLevel(level LogLevel) {
	if defaultLogger != nil {
		defaultLogger.SetLevel(level)
	}
}

// GetLevel returns the global log level
func GetLevel() LogLevel {
	if defaultLogger != nil {
		return defaultLogger.GetLevel()
	}
	return INFO
}

// Close closes the global logger's file output
func Close() error {
	if defaultLogger != nil {
		return defaultLogger.Close()
	}
	return nil
}

// Debug logs a debug message using the global logger
func Debug(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Debug(module, format, args...)
	}
}

// Info logs an info message using the global logger
func Info(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Info(module, format, args...)
	}
}

// Warn logs a warning message using the global logger
func Warn(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Warn(module, format, args...)
	}
}

// Error logs an error message using the global logger
func Error(module string, format string, args ...interface{}) {
	if defaultLogger != nil {
		defaultLogger.Error(module, format, args...)
	}
}

// ParseLevel parses a log level string
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn", "warning":
		return WARN, nil
	case "error":
		return ERROR, nil
	case "silent", "none":
		return SILENT, nil
	default:
		return INFO, fmt.Errorf("invalid log level: %s", s)
	}
}

// String returns the string representation of a log level
func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}
