// Package definition holds the low-level default implementations the rest
// of ebus is built against through interfaces only: the default Logger and
// identifier generation. It mirrors the teacher's pkg/mcast/definition
// package, which plays the same role for the multicast engine.
package definition

import (
	"github.com/ebus-project/ebus/pkg/ebus/types"
	"github.com/sirupsen/logrus"
)

// NewDefaultLogger returns the Logger implementation used whenever a Bus is
// constructed without one explicitly. It backs onto logrus instead of the
// teacher's bare *log.Logger, since logrus is the structured-logging
// library the rest of the retrieval corpus reaches for.
func NewDefaultLogger() types.Logger {
	l := logrus.New()
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

type logrusLogger struct {
	entry *logrus.Entry
}

func (l *logrusLogger) Info(v ...interface{})                 { l.entry.Info(v...) }
func (l *logrusLogger) Infof(format string, v ...interface{})  { l.entry.Infof(format, v...) }
func (l *logrusLogger) Warn(v ...interface{})                  { l.entry.Warn(v...) }
func (l *logrusLogger) Warnf(format string, v ...interface{})  { l.entry.Warnf(format, v...) }
func (l *logrusLogger) Error(v ...interface{})                 { l.entry.Error(v...) }
func (l *logrusLogger) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *logrusLogger) Debug(v ...interface{}) { l.entry.Debug(v...) }
func (l *logrusLogger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

func (l *logrusLogger) ToggleDebug(value bool) bool {
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return value
}
