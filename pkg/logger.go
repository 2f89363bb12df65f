package pkg

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/diode"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Fields is a map of fields to add to log entries
type Fields map[string]any

var (
	instance *Logger
	mu       sync.RWMutex

	// zerolog globals are process wide, set them once
	globalsOnce sync.Once
)

// Logger wraps zerolog and carries the fields it was derived with.
type Logger struct {
	*zerolog.Logger
	config *Config
	fields Fields
	closer io.Closer
}

// Config holds logger configuration
type Config struct {
	// Level is the minimum log level (trace, debug, info, warn, error)
	Level string `json:"level" mapstructure:"level"`

	// Format is the output format (json, console)
	Format string `json:"format" mapstructure:"format"`

	// Output is stdout or stderr; empty disables terminal output
	Output string `json:"output" mapstructure:"output"`

	// NoColor disables colors in console format
	NoColor bool `json:"no_color" mapstructure:"no_color"`

	// File output settings
	File FileConfig `json:"file" mapstructure:"file"`

	// EnableCaller adds caller information to logs
	EnableCaller bool `json:"enable_caller" mapstructure:"enable_caller"`

	// AsyncWrite uses a diode writer so logging never blocks protocol goroutines
	AsyncWrite bool `json:"async_write" mapstructure:"async_write"`
	BufferSize int  `json:"buffer_size" mapstructure:"buffer_size"`

	// Fields are default fields added to all logs
	Fields Fields `json:"fields" mapstructure:"fields"`
}

// FileConfig for rotating file output
type FileConfig struct {
	Enable     bool   `json:"enable" mapstructure:"enable"`
	Path       string `json:"path" mapstructure:"path"`
	MaxSize    int    `json:"max_size" mapstructure:"max_size"` // megabytes
	MaxAge     int    `json:"max_age" mapstructure:"max_age"`   // days
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// DefaultConfig returns default logger configuration
func DefaultConfig() *Config {
	return &Config{
		Level:  "info",
		Format: "json",
		Output: "stdout",
		File: FileConfig{
			Path:       "skipgraph.log",
			MaxSize:    100,
			MaxAge:     30,
			MaxBackups: 10,
			Compress:   true,
		},
		BufferSize: 10000,
		Fields:     make(Fields),
	}
}

// New creates a new logger instance
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", config.Level, err)
	}

	var writers []io.Writer
	switch config.Output {
	case "":
	case "stdout", "stderr":
		out := os.Stdout
		if config.Output == "stderr" {
			out = os.Stderr
		}
		if config.Format == "console" {
			writers = append(writers, zerolog.ConsoleWriter{
				Out:        out,
				TimeFormat: "15:04:05.000",
				NoColor:    config.NoColor,
			})
		} else {
			writers = append(writers, out)
		}
	default:
		return nil, fmt.Errorf("unsupported log output %q", config.Output)
	}

	var closer io.Closer
	if config.File.Enable {
		if config.File.Path == "" {
			return nil, fmt.Errorf("log file path cannot be empty")
		}
		if err := os.MkdirAll(filepath.Dir(config.File.Path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		fileWriter := &lumberjack.Logger{
			Filename:   config.File.Path,
			MaxSize:    config.File.MaxSize,
			MaxAge:     config.File.MaxAge,
			MaxBackups: config.File.MaxBackups,
			LocalTime:  true,
			Compress:   config.File.Compress,
		}
		writers = append(writers, fileWriter)
		closer = fileWriter
	}

	var writer io.Writer
	switch len(writers) {
	case 0:
		writer = io.Discard
	case 1:
		writer = writers[0]
	default:
		writer = zerolog.MultiLevelWriter(writers...)
	}

	if config.AsyncWrite {
		dw := diode.NewWriter(writer, config.BufferSize, 10*time.Millisecond, func(missed int) {
			fmt.Fprintf(os.Stderr, "Logger dropped %d messages\n", missed)
		})
		writer = dw
		closer = dw
	}

	globalsOnce.Do(func() {
		zerolog.TimeFieldFormat = time.RFC3339Nano
	})

	zctx := zerolog.New(writer).Level(level).With().Timestamp()
	if config.EnableCaller {
		zctx = zctx.Caller()
	}
	fields := make(Fields, len(config.Fields))
	for k, v := range config.Fields {
		zctx = zctx.Interface(k, v)
		fields[k] = v
	}

	zl := zctx.Logger()
	return &Logger{
		Logger: &zl,
		config: config,
		fields: fields,
		closer: closer,
	}, nil
}

// SetGlobal sets the global logger instance
func SetGlobal(l *Logger) {
	mu.Lock()
	defer mu.Unlock()
	instance = l
}

// Get returns the global logger instance, creating a default one on first use.
func Get() *Logger {
	mu.RLock()
	l := instance
	mu.RUnlock()
	if l != nil {
		return l
	}

	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		instance, _ = New(DefaultConfig())
	}
	return instance
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	zl := zerolog.Nop()
	return &Logger{Logger: &zl, config: DefaultConfig(), fields: make(Fields)}
}

// WithFields creates a child logger with additional fields
func (l *Logger) WithFields(fields Fields) *Logger {
	merged := make(Fields, len(l.fields)+len(fields))
	for k, v := range l.fields {
		merged[k] = v
	}

	zctx := l.Logger.With()
	for k, v := range fields {
		merged[k] = v
		zctx = zctx.Interface(k, v)
	}

	zl := zctx.Logger()
	return &Logger{
		Logger: &zl,
		config: l.config,
		fields: merged,
		closer: l.closer,
	}
}

// WithError creates a child logger carrying the error and its type
func (l *Logger) WithError(err error) *Logger {
	if err == nil {
		return l
	}
	return l.WithFields(Fields{
		"error":      err.Error(),
		"error_type": fmt.Sprintf("%T", err),
	})
}

// Fields returns a copy of the fields attached to this logger.
func (l *Logger) Fields() Fields {
	out := make(Fields, len(l.fields))
	for k, v := range l.fields {
		out[k] = v
	}
	return out
}

// Close flushes buffered output and closes the log file, if any.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}
