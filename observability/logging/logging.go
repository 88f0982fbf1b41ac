package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Option adjusts the logging setup.
type Option func(*options)

type options struct {
	level    slog.Level
	filePath string
}

// WithLevel sets the minimum level emitted. Defaults to info.
func WithLevel(level slog.Level) Option {
	return func(o *options) { o.level = level }
}

// WithRotatingFile mirrors log output into a size-rotated file alongside
// stdout. An empty path disables the mirror.
func WithRotatingFile(path string) Option {
	return func(o *options) { o.filePath = strings.TrimSpace(path) }
}

// Setup configures the process for structured JSON logging and returns the
// base logger. All lines carry the service name and, when provided, the
// deployment environment. The standard library logger is bridged so
// dependencies keep working.
func Setup(service, env string, opts ...Option) *slog.Logger {
	cfg := options{level: slog.LevelInfo}
	for _, opt := range opts {
		opt(&cfg)
	}

	var out io.Writer = os.Stdout
	if cfg.filePath != "" {
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    64, // megabytes
			MaxBackups: 4,
			MaxAge:     14, // days
			Compress:   true,
		})
	}

	handler := slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: cfg.level,
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.TimeKey:
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			case slog.LevelKey:
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			case slog.MessageKey:
				return slog.Attr{Key: "message", Value: attr.Value}
			}
			return attr
		},
	})

	attrs := []slog.Attr{slog.String("service", strings.TrimSpace(service))}
	if env = strings.TrimSpace(env); env != "" {
		attrs = append(attrs, slog.String("env", env))
	}
	withArgs := make([]any, 0, len(attrs))
	for _, attr := range attrs {
		withArgs = append(withArgs, attr)
	}

	base := slog.New(handler).With(withArgs...)
	slog.SetDefault(base)

	stdBridge := slog.NewLogLogger(handler.WithAttrs(attrs), slog.LevelInfo)
	stdBridge.SetFlags(0)
	log.SetOutput(stdBridge.Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return base
}
