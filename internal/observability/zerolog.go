package observability

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// LogOptions configures the zerolog-backed logger.
type LogOptions struct {
	// Level is one of debug, info, warn, error. Defaults to info.
	Level string
	// Format is json or console. Defaults to json.
	Format string
	// Service is attached to every entry.
	Service string
	// Output defaults to stdout.
	Output io.Writer
}

// ZerologLogger adapts zerolog to the Logger interface.
type ZerologLogger struct {
	log zerolog.Logger
}

// NewZerologLogger builds a structured logger from opts.
func NewZerologLogger(opts LogOptions) *ZerologLogger {
	var writer io.Writer = opts.Output
	if writer == nil {
		writer = os.Stdout
	}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "console") {
		writer = zerolog.ConsoleWriter{Out: writer, TimeFormat: time.RFC3339}
	}
	ctx := zerolog.New(writer).With().Timestamp()
	if svc := strings.TrimSpace(opts.Service); svc != "" {
		ctx = ctx.Str("service", svc)
	}
	return &ZerologLogger{log: ctx.Logger().Level(ParseLevel(opts.Level))}
}

// ParseLevel maps a textual level onto zerolog levels, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Debug implements Logger.
func (l *ZerologLogger) Debug(msg string, fields ...Field) {
	emit(l.log.Debug(), msg, fields)
}

// Info implements Logger.
func (l *ZerologLogger) Info(msg string, fields ...Field) {
	emit(l.log.Info(), msg, fields)
}

// Warn implements Logger.
func (l *ZerologLogger) Warn(msg string, fields ...Field) {
	emit(l.log.Warn(), msg, fields)
}

// Error implements Logger.
func (l *ZerologLogger) Error(msg string, fields ...Field) {
	emit(l.log.Error(), msg, fields)
}

func emit(evt *zerolog.Event, msg string, fields []Field) {
	if evt == nil {
		return
	}
	for _, f := range fields {
		switch v := f.Value.(type) {
		case error:
			if v == nil {
				continue
			}
			evt = evt.AnErr(f.Key, v)
		case string:
			evt = evt.Str(f.Key, v)
		case int:
			evt = evt.Int(f.Key, v)
		case int64:
			evt = evt.Int64(f.Key, v)
		case time.Duration:
			evt = evt.Dur(f.Key, v)
		default:
			evt = evt.Interface(f.Key, v)
		}
	}
	evt.Msg(msg)
}

var _ Logger = (*ZerologLogger)(nil)
