// Package logx gives the core an explicit logger collaborator instead of
// a global singleton (spec.md §9): every component that needs to log
// takes a Logger, and formatting/sinks are the caller's business.
//
// The production implementation is backed by logrus, following the
// level-switch-and-formatter construction in ovh-cds's sdk/log/log.go,
// scaled down to the six verbosity levels spec.md §6 names.
package logx

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Level is one of the six verbosities spec.md §6 recognizes for
// `verbosity:`. Imap is logrus's trace level and carries raw wire lines.
type Level string

const (
	Fatal Level = "fatal"
	Error Level = "error"
	Warn  Level = "warn"
	Info  Level = "info"
	Debug Level = "debug"
	Imap  Level = "imap"
)

// Field is a structured key/value attached to a log line.
type Field struct {
	Key   string
	Value any
}

// F is a shorthand constructor for Field.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Logger is the interface the core consumes. log(level, message) from
// spec.md §9, extended with structured fields because every example in
// the corpus that logs anything beyond a bare string (ovh-cds's logrus
// usage) attaches fields rather than interpolating them into the message.
type Logger interface {
	Log(level Level, msg string, fields ...Field)
}

// logrusLogger adapts *logrus.Logger to Logger.
type logrusLogger struct {
	l *logrus.Logger
}

// Format selects the logrus formatter: "text" (default) or "json".
type Format string

const (
	Text Format = "text"
	JSON Format = "json"
)

// New builds a logrus-backed Logger at the given verbosity and format,
// writing to w.
func New(level Level, format Format, w io.Writer) Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(toLogrusLevel(level))
	if format == JSON {
		l.SetFormatter(&logrus.JSONFormatter{})
	} else {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return &logrusLogger{l: l}
}

func toLogrusLevel(level Level) logrus.Level {
	switch level {
	case Fatal:
		return logrus.FatalLevel
	case Error:
		return logrus.ErrorLevel
	case Warn:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	case Debug:
		return logrus.DebugLevel
	case Imap:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

func (g *logrusLogger) Log(level Level, msg string, fields ...Field) {
	entry := g.l.WithFields(toLogrusFields(fields))
	switch level {
	case Fatal:
		entry.Error(msg) // the core never calls os.Exit itself; cmd/larch decides exit codes
	case Error:
		entry.Error(msg)
	case Warn:
		entry.Warn(msg)
	case Info:
		entry.Info(msg)
	case Debug:
		entry.Debug(msg)
	case Imap:
		entry.Trace(msg)
	default:
		entry.Info(msg)
	}
}

func toLogrusFields(fields []Field) logrus.Fields {
	f := make(logrus.Fields, len(fields))
	for _, field := range fields {
		f[field.Key] = field.Value
	}
	return f
}

// Nop is a Logger that discards everything, useful in tests.
type Nop struct{}

func (Nop) Log(Level, string, ...Field) {}
