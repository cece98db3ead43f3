// Package logging is the leveled logger every long-running component in
// this module writes through, instead of reaching for fmt or log directly.
package logging

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	mu      sync.RWMutex
	current = newDefault()
)

func newDefault() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// Level mirrors the teacher's logging.Level string type (indexer/settings.go
// sets it from a config string such as "Info" or "Debug").
type Level string

const (
	Silent Level = "Silent"
	Fatal  Level = "Fatal"
	Error  Level = "Error"
	Warn   Level = "Warn"
	Info   Level = "Info"
	Debug  Level = "Debug"
	Trace  Level = "Trace"
)

func (lv Level) logrus() logrus.Level {
	switch lv {
	case Silent, Fatal:
		return logrus.FatalLevel
	case Error:
		return logrus.ErrorLevel
	case Warn:
		return logrus.WarnLevel
	case Info:
		return logrus.InfoLevel
	case Debug:
		return logrus.DebugLevel
	case Trace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// SetLevel changes the log level of the package-wide logger.
func SetLevel(lv Level) {
	mu.Lock()
	defer mu.Unlock()
	current.SetLevel(lv.logrus())
}

func logger() *logrus.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

func Tracef(format string, args ...interface{}) { logger().Tracef(format, args...) }
func Debugf(format string, args ...interface{}) { logger().Debugf(format, args...) }
func Infof(format string, args ...interface{})  { logger().Infof(format, args...) }
func Warnf(format string, args ...interface{})  { logger().Warnf(format, args...) }
func Errorf(format string, args ...interface{}) { logger().Errorf(format, args...) }
func Fatalf(format string, args ...interface{}) { logger().Fatalf(format, args...) }

// WithFields returns a logrus entry carrying structured fields, for call
// sites that want to attach e.g. task_uid or index_uid to every line.
func WithFields(fields map[string]interface{}) *logrus.Entry {
	return logger().WithFields(logrus.Fields(fields))
}
