package logger

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
)

var (
	mu sync.RWMutex

	std = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)

	DebugEnabled = false

	logFile *os.File
)

// InitLogging sets up logging. Info and above always go to the sink; debug
// lines only when debugMode is set. An empty logPath keeps stderr.
func InitLogging(debugMode bool, logPath string) error {
	mu.Lock()
	defer mu.Unlock()

	DebugEnabled = debugMode

	if logPath == "" {
		return nil
	}

	err := os.MkdirAll(filepath.Dir(logPath), 0o755)
	if err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	logFile = f
	std.SetOutput(io.MultiWriter(os.Stderr, f))

	return nil
}

// SetOutput redirects all log lines, mainly for tests.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()

	std.SetOutput(w)
}

// Close closes the log file if open.
func Close() {
	mu.Lock()
	defer mu.Unlock()

	if logFile != nil {
		logFile.Close()
		logFile = nil
		std.SetOutput(os.Stderr)
	}
}

func output(level, format string, v ...interface{}) {
	mu.RLock()
	defer mu.RUnlock()

	_ = std.Output(3, fmt.Sprintf("["+level+"] "+format, v...))
}

func Infof(format string, v ...interface{}) {
	output("INFO", format, v...)
}

// Errorf logs an error message.
func Errorf(format string, v ...interface{}) {
	output("ERROR", format, v...)
}

func Debugf(format string, v ...interface{}) {
	if DebugEnabled {
		output("DEBUG", format, v...)
	}
}

func Warnf(format string, v ...interface{}) {
	output("WARNING", format, v...)
}
