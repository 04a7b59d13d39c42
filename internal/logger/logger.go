package logger

import (
	"fmt"
	"io"
	"os"

	"github.com/evalphobia/logrus_sentry"
	"github.com/sirupsen/logrus"
)

// Logger wraps logrus with the debug flag: in debug mode everything down to
// debug level is written, otherwise only warnings and errors.
type Logger struct {
	debug bool
	*logrus.Logger
}

// New creates a new logger writing to stderr
func New(debug bool) *Logger {
	return NewWithWriter(debug, os.Stderr)
}

// NewWithWriter creates a logger writing to w
func NewWithWriter(debug bool, w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, DisableColors: true})
	l.SetLevel(logrus.WarnLevel)
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	return &Logger{debug: debug, Logger: l}
}

// Discard returns a logger that drops everything. Handy in tests.
func Discard() *Logger {
	return NewWithWriter(false, io.Discard)
}

// DebugEnabled reports whether debug output is enabled.
func (l *Logger) DebugEnabled() bool {
	return l.debug
}

// Printf logs at debug level
func (l *Logger) Printf(format string, v ...interface{}) {
	l.Logger.Debugf(format, v...)
}

// Print logs at debug level
func (l *Logger) Print(v ...interface{}) {
	l.Logger.Debug(v...)
}

// Println logs at debug level
func (l *Logger) Println(v ...interface{}) {
	l.Logger.Debugln(v...)
}

// Fatalf always logs (fatal errors)
func (l *Logger) Fatalf(format string, v ...interface{}) {
	l.Logger.Fatalf(format, v...)
}

// With returns an entry carrying a component field.
func (l *Logger) With(component string) *logrus.Entry {
	return l.Logger.WithField("component", component)
}

// AttachSentry forwards error, fatal and panic entries to Sentry.
func (l *Logger) AttachSentry(dsn string) error {
	hook, err := logrus_sentry.NewSentryHook(dsn, []logrus.Level{
		logrus.PanicLevel,
		logrus.FatalLevel,
		logrus.ErrorLevel,
	})
	if err != nil {
		return fmt.Errorf("sentry hook: %w", err)
	}
	l.Logger.AddHook(hook)
	return nil
}
