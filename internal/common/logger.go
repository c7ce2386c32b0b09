package common

import (
	"fmt"
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"swotrace/internal/trc"
)

// Severity represents log message severity levels
type Severity int

const (
	SeverityDebug Severity = iota
	SeverityInfo
	SeverityWarning
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "DEBUG"
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// ParseSeverity maps a level name ("debug", "info", "warn", "error") to a Severity.
func ParseSeverity(level string) (Severity, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "trace":
		return SeverityDebug, nil
	case "", "info":
		return SeverityInfo, nil
	case "warn", "warning":
		return SeverityWarning, nil
	case "error":
		return SeverityError, nil
	default:
		return SeverityInfo, fmt.Errorf("unknown log level %q", level)
	}
}

func (s Severity) zapLevel() zapcore.Level {
	switch s {
	case SeverityDebug:
		return zapcore.DebugLevel
	case SeverityWarning:
		return zapcore.WarnLevel
	case SeverityError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Logger interface defines the logging contract for the decoder
type Logger interface {
	// Log logs a message with the specified severity
	Log(severity Severity, msg string)

	// Logf logs a formatted message with the specified severity
	Logf(severity Severity, format string, args ...interface{})

	// Error logs an error
	Error(err error)

	// Debug logs a debug message
	Debug(msg string)

	// Info logs an info message
	Info(msg string)

	// Warning logs a warning message
	Warning(msg string)

	// With returns a logger that adds the key/value pair to every entry.
	With(key string, value interface{}) Logger
}

// LogOptions selects the zap encoder, level and destination.
type LogOptions struct {
	Level      string
	Format     string // "json" or "console"
	File       string // empty writes to stderr
	MaxSizeMB  int
	MaxBackups int
}

// ZapLogger implements the Logger interface on top of zap.
type ZapLogger struct {
	zap      *zap.Logger
	minLevel Severity
}

// NewZapLogger builds a logger from options. A File destination is rotated by lumberjack.
func NewZapLogger(opts LogOptions) (*ZapLogger, error) {
	minLevel, err := ParseSeverity(opts.Level)
	if err != nil {
		return nil, err
	}

	var w io.Writer = os.Stderr
	if opts.File != "" {
		w = &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
	}
	return NewZapLoggerWithWriter(w, opts.Format, minLevel), nil
}

// NewZapLoggerWithWriter creates a zap backed logger writing to w.
func NewZapLoggerWithWriter(w io.Writer, format string, minLevel Severity) *ZapLogger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.RFC3339NanoTimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	}

	var enc zapcore.Encoder
	if format == "console" {
		enc = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		enc = zapcore.NewJSONEncoder(encoderConfig)
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(w), minLevel.zapLevel())
	return &ZapLogger{zap: zap.New(core), minLevel: minLevel}
}

// Log logs a message with the specified severity
func (l *ZapLogger) Log(severity Severity, msg string) {
	if severity < l.minLevel {
		return
	}

	switch severity {
	case SeverityDebug:
		l.zap.Debug(msg)
	case SeverityInfo:
		l.zap.Info(msg)
	case SeverityWarning:
		l.zap.Warn(msg)
	case SeverityError:
		l.zap.Error(msg)
	}
}

// Logf logs a formatted message with the specified severity
func (l *ZapLogger) Logf(severity Severity, format string, args ...interface{}) {
	if severity < l.minLevel {
		return
	}
	l.Log(severity, fmt.Sprintf(format, args...))
}

// Error logs an error. Decode errors carry their code and position as fields.
func (l *ZapLogger) Error(err error) {
	if err == nil {
		return
	}
	if e, ok := err.(*Error); ok {
		fields := []zap.Field{zap.String("code", CodeName(e.Code))}
		if e.ChanID != trc.BadChannel {
			fields = append(fields, zap.Uint8("channel", e.ChanID))
		}
		if e.Idx != trc.BadIndex {
			fields = append(fields, zap.Uint64("index", uint64(e.Idx)))
		}
		switch e.Sev {
		case trc.ErrSevWarn:
			l.zap.Warn(e.Error(), fields...)
		case trc.ErrSevInfo:
			l.zap.Info(e.Error(), fields...)
		default:
			l.zap.Error(e.Error(), fields...)
		}
		return
	}
	l.zap.Error(err.Error())
}

// Debug logs a debug message
func (l *ZapLogger) Debug(msg string) {
	l.Log(SeverityDebug, msg)
}

// Info logs an info message
func (l *ZapLogger) Info(msg string) {
	l.Log(SeverityInfo, msg)
}

// Warning logs a warning message
func (l *ZapLogger) Warning(msg string) {
	l.Log(SeverityWarning, msg)
}

// With returns a child logger carrying an extra field.
func (l *ZapLogger) With(key string, value interface{}) Logger {
	return &ZapLogger{zap: l.zap.With(zap.Any(key, value)), minLevel: l.minLevel}
}

// Sync flushes any buffered log entries.
func (l *ZapLogger) Sync() error {
	return l.zap.Sync()
}

// NoOpLogger is a logger that doesn't log anything
type NoOpLogger struct{}

// NewNoOpLogger creates a new no-op logger
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{}
}

// Log does nothing
func (l *NoOpLogger) Log(severity Severity, msg string) {}

// Logf does nothing
func (l *NoOpLogger) Logf(severity Severity, format string, args ...interface{}) {}

// Error does nothing
func (l *NoOpLogger) Error(err error) {}

// Debug does nothing
func (l *NoOpLogger) Debug(msg string) {}

// Info does nothing
func (l *NoOpLogger) Info(msg string) {}

// Warning does nothing
func (l *NoOpLogger) Warning(msg string) {}

// With returns the same no-op logger
func (l *NoOpLogger) With(key string, value interface{}) Logger { return l }
