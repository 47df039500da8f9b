package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Logger provides structured logging with optional file output.
// Safe for use by concurrent workers; derived loggers share the writer lock.
type Logger struct {
	level      Level
	jsonFormat bool
	output     io.Writer
	fields     map[string]interface{}
	logFile    *os.File
	mu         *sync.Mutex
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	return &Logger{
		level:      level,
		jsonFormat: jsonFormat,
		output:     os.Stdout,
		fields:     make(map[string]interface{}),
		mu:         &sync.Mutex{},
	}
}

// Nop returns a logger that drops everything
func Nop() *Logger {
	l := NewLogger(ERROR+1, false)
	l.output = io.Discard
	return l
}

// NewFileLogger creates a logger that appends to path and mirrors to stdout
func NewFileLogger(path string, level Level, jsonFormat bool) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", filepath.Dir(path), err)
	}

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}

	logger := NewLogger(level, jsonFormat)
	logger.output = io.MultiWriter(logFile, os.Stdout)
	logger.logFile = logFile

	logger.Debug("Logger initialized", map[string]interface{}{"path": path})
	return logger, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// LogEntry represents a structured log entry
type LogEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) log(level Level, message string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	mergedFields := make(map[string]interface{}, len(l.fields)+len(fields))
	for k, v := range l.fields {
		mergedFields[k] = v
	}
	for k, v := range fields {
		mergedFields[k] = v
	}

	var line string
	if l.jsonFormat {
		entry := LogEntry{
			Timestamp: time.Now().Format(time.RFC3339),
			Level:     level.String(),
			Message:   message,
			Fields:    mergedFields,
		}
		data, err := json.Marshal(entry)
		if err != nil {
			log.Printf("Failed to marshal log entry: %v", err)
			return
		}
		line = string(data)
	} else {
		timestamp := time.Now().Format("2006-01-02 15:04:05")
		line = fmt.Sprintf("[%s] %s: %s%s", timestamp, level.String(), message, formatFields(mergedFields))
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	fmt.Fprintln(l.output, line)
}

// formatFields renders fields as sorted key=value pairs
func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...map[string]interface{}) {
	l.log(DEBUG, message, first(fields))
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...map[string]interface{}) {
	l.log(INFO, message, first(fields))
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...map[string]interface{}) {
	l.log(WARN, message, first(fields))
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...map[string]interface{}) {
	l.log(ERROR, message, first(fields))
}

func first(fields []map[string]interface{}) map[string]interface{} {
	if len(fields) > 0 {
		return fields[0]
	}
	return nil
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	newFields := make(map[string]interface{}, len(l.fields)+1)
	for k, v := range l.fields {
		newFields[k] = v
	}
	newFields[key] = value
	return &Logger{
		level:      l.level,
		jsonFormat: l.jsonFormat,
		output:     l.output,
		fields:     newFields,
		mu:         l.mu,
	}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "info":
		return INFO
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		return l.logFile.Close()
	}
	return nil
}
