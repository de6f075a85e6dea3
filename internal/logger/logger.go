package logger

import (
	"io"
	"log/syslog"
	"os"
	"strings"
	"time"

	"codeberg.org/mutker/pifanctl/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.Nop()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
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

// Options controls where and how log lines are written.
type Options struct {
	Level string
	// Service selects plain JSON lines instead of the console format.
	Service bool
	Output  io.Writer
}

// Init initializes the logger based on the given configuration
func Init(opts Options) {
	out := opts.Output
	if out == nil {
		out = os.Stderr
	}

	if opts.Service {
		log = zerolog.New(out).With().Timestamp().Logger()
	} else {
		log = zerolog.New(zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}

	SetLogLevel(ParseLevel(opts.Level))
}

// ParseLevel maps a configured level name to a LogLevel. Unknown names fall
// back to WarnLevel.
func ParseLevel(level string) LogLevel {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel
	case "info":
		return InfoLevel
	case "error":
		return ErrorLevel
	default:
		return WarnLevel
	}
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

type serviceOutput struct {
	io.Writer
	closer io.Closer
}

func (o *serviceOutput) Close() error {
	if o.closer == nil {
		return nil
	}
	return o.closer.Close()
}

// OpenServiceOutput opens the daemon log destination. The log file is
// preferred; when it cannot be opened the system logger is used instead.
func OpenServiceOutput(path, tag string) (io.WriteCloser, error) {
	errFactory := errors.New()

	f, fileErr := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if fileErr == nil {
		return f, nil
	}

	w, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return nil, errFactory.Wrap(errors.ErrOpenLog, errors.Join(fileErr, err))
	}

	return &serviceOutput{Writer: zerolog.SyslogLevelWriter(w), closer: w}, nil
}

type defaultLogger struct{}

// Get returns a Logger backed by the package-level logger.
func Get() Logger {
	return defaultLogger{}
}

func (defaultLogger) Debug() *LogEvent                        { return Debug() }
func (defaultLogger) Info() *LogEvent                         { return Info() }
func (defaultLogger) Warn() *LogEvent                         { return Warn() }
func (defaultLogger) Error() *LogEvent                        { return Error() }
func (defaultLogger) ErrorWithCode(err errors.Error) *LogEvent { return ErrorWithCode(err) }

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
	return &LogEvent{log.Error().
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}
