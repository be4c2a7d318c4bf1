package logger

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/xerrors"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger provides structured logging with error codes
type Logger interface {
	Info(msg string, args ...any)
	Debug(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	Close() error
}

// Format selects the slog handler.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// Config holds logger configuration
type Config struct {
	// FilePath is the log file. Empty logs to the console only.
	FilePath string
	Verbose  bool
	Format   Format

	// Rotation settings for FilePath. Zero values use lumberjack defaults.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool

	// Console receives a copy of every record. Nil means os.Stdout.
	Console io.Writer
}

type logger struct {
	slog    *slog.Logger
	file    io.WriteCloser
	mu      sync.Mutex
	verbose bool
}

// New creates a new logger instance with file and console output
func New(cfg Config) (Logger, error) {
	console := cfg.Console
	if console == nil {
		console = os.Stdout
	}

	writers := []io.Writer{console}
	var file io.WriteCloser
	if cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, xerrors.Errorf("create log directory: %w", err)
		}
		rotator := &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
			LocalTime:  true,
		}
		// Open eagerly so a bad path fails here rather than on first write.
		if _, err := rotator.Write(nil); err != nil {
			return nil, xerrors.Errorf("open log file: %w", err)
		}
		file = rotator
		writers = append(writers, rotator)
	}

	level := slog.LevelInfo
	if cfg.Verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				return slog.String(slog.TimeKey, a.Value.Time().Format("2006-01-02 15:04:05.000"))
			}
			return a
		},
	}

	out := io.MultiWriter(writers...)
	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(out, opts)
	case FormatText, "":
		handler = slog.NewTextHandler(out, opts)
	default:
		if file != nil {
			_ = file.Close()
		}
		return nil, xerrors.Errorf("unknown log format %q", cfg.Format)
	}

	return &logger{
		slog:    slog.New(handler),
		file:    file,
		verbose: cfg.Verbose,
	}, nil
}

// Info logs informational messages
func (l *logger) Info(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slog.Info(msg, args...)
}

// Debug logs debug messages (only when verbose is enabled)
func (l *logger) Debug(msg string, args ...any) {
	if !l.verbose {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slog.Debug(msg, args...)
}

// Warn logs warning messages
func (l *logger) Warn(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slog.Warn(msg, args...)
}

// Error logs error messages with error codes
func (l *logger) Error(msg string, args ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.slog.Error(msg, args...)
}

// Close closes the log file
func (l *logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
