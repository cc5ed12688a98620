package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	mu       sync.Mutex
	level    = zerolog.InfoLevel
	logDir   string
	fileSink io.Writer
	defaultL *zerolog.Logger
)

// Init configures the global log level and the rotated file sink. It is safe
// to call again on config reload; loggers created afterwards pick up the new
// settings.
func Init(dir, logLevel string) {
	mu.Lock()
	defer mu.Unlock()

	if lvl, err := zerolog.ParseLevel(strings.ToLower(logLevel)); err == nil && logLevel != "" {
		level = lvl
	}
	logDir = dir
	if dir != "" {
		_ = os.MkdirAll(dir, 0755)
		fileSink = &lumberjack.Logger{
			Filename:   filepath.Join(dir, "riptide.log"),
			MaxSize:    50, // MB
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
	}
	defaultL = nil
}

// GetLogPath returns the path of the current log file, or "" when file
// logging is disabled.
func GetLogPath() string {
	mu.Lock()
	defer mu.Unlock()
	if logDir == "" {
		return ""
	}
	return filepath.Join(logDir, "riptide.log")
}

// New returns a component-tagged logger writing to stderr (console format)
// and, when configured, the rotated log file.
func New(component string) zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	return build(component)
}

func build(component string) zerolog.Logger {
	console := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	var w io.Writer = console
	if fileSink != nil {
		w = zerolog.MultiLevelWriter(console, fileSink)
	}
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}

// Default returns the shared logger for code that has no component of its own.
func Default() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if defaultL == nil {
		l := build("riptide")
		defaultL = &l
	}
	return *defaultL
}
