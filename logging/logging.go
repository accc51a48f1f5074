// Package logging is the structured logger shared across the store.
// Adapted from the teacher's logger/logger.go: a package-level logrus
// instance with a compact custom formatter, kept to a single logger here
// (the teacher's split Info/Error logger pair was sized for a multi-service
// daemon; a single logger with level-based routing fits an embedded store).
package logging

import (
	"fmt"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

var log = newDefault()

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetFormatter(&compactFormatter{})
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return l
}

type compactFormatter struct{}

func (f *compactFormatter) Format(e *logrus.Entry) ([]byte, error) {
	level := strings.ToUpper(e.Level.String())
	if len(level) > 4 {
		level = level[:4]
	}
	msg := fmt.Sprintf("[%s] %s", level, e.Message)
	for k, v := range e.Data {
		msg += fmt.Sprintf(" %s=%v", k, v)
	}
	msg += "\n"
	return []byte(msg), nil
}

// SetLevel parses a level string ("debug", "info", "warn", "error") as the
// teacher's parseLogLevel does.
func SetLevel(level string) {
	switch strings.ToLower(level) {
	case "debug":
		log.SetLevel(logrus.DebugLevel)
	case "warn", "warning":
		log.SetLevel(logrus.WarnLevel)
	case "error":
		log.SetLevel(logrus.ErrorLevel)
	default:
		log.SetLevel(logrus.InfoLevel)
	}
}

// Fields is a shorthand for structured log fields.
type Fields = logrus.Fields

func WithFields(f Fields) *logrus.Entry { return log.WithFields(f) }

func Debugf(format string, args ...interface{}) { log.Debugf(format, args...) }
func Infof(format string, args ...interface{})  { log.Infof(format, args...) }
func Warnf(format string, args ...interface{})  { log.Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { log.Errorf(format, args...) }
