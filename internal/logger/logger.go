package logger

import (
	"io"
	"os"
	"time"

	"codeberg.org/mutker/gpuctl/internal/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"
)

var log = zerolog.New(io.Discard)

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger based on the given configuration
func Init(debug, verbose, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(WarnLevel) // Default log level

	if debug {
		SetLogLevel(DebugLevel)
	} else if verbose {
		SetLogLevel(InfoLevel)
	}
}

// InitWithLevel initializes the logger from a configured level name
func InitWithLevel(level string, isService bool) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}
	Init(false, false, isService)
	SetLogLevel(parsed)

	return nil
}

// ParseLevel maps a configuration level name to a LogLevel
func ParseLevel(level string) (LogLevel, error) {
	switch level {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warning", "warn":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return unix.Getpgrp() == unix.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(event *zerolog.Event, err errors.Error) *LogEvent {
	event = event.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error())
	if op := err.Operation(); op != "" {
		event = event.Str("operation", op)
	}
	if inner := err.Unwrap(); inner != nil {
		event = event.AnErr("error", inner)
	}

	return &LogEvent{event}
}

// zerologLogger adapts a zerolog.Logger to the Logger interface
type zerologLogger struct {
	zl *zerolog.Logger
}

// Get returns a Logger backed by the global logger. Components that hold a
// Logger obtained before Init see the reconfigured output.
func Get() Logger {
	return &zerologLogger{zl: &log}
}

// New returns a Logger writing to w, for tests and tools
func New(w io.Writer) Logger {
	zl := zerolog.New(w).With().Timestamp().Logger()
	return &zerologLogger{zl: &zl}
}

// Nop returns a Logger that discards everything
func Nop() Logger {
	zl := zerolog.Nop()
	return &zerologLogger{zl: &zl}
}

func (l *zerologLogger) Debug() *LogEvent { return &LogEvent{l.zl.Debug()} }
func (l *zerologLogger) Info() *LogEvent  { return &LogEvent{l.zl.Info()} }
func (l *zerologLogger) Warn() *LogEvent  { return &LogEvent{l.zl.Warn()} }
func (l *zerologLogger) Error() *LogEvent { return &LogEvent{l.zl.Error()} }

func (l *zerologLogger) ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(l.zl.Error(), err)
}

func (l *zerologLogger) With(key, value string) Logger {
	child := l.zl.With().Str(key, value).Logger()
	return &zerologLogger{zl: &child}
}
