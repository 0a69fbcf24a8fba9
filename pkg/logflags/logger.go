package logflags

import (
	"fmt"
	"io"
	"sort"

	"github.com/sirupsen/logrus"
)

// Logger is the diagnostic logger of one subsystem of the tracer.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	// WithEvent returns a Logger annotated with the process, kind, address
	// and thread of a routed event.
	WithEvent(process, kind string, addr uint64, tid int) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Info(args ...interface{})
}

// LoggerFactory creates the Logger of a subsystem. flag is true when the
// subsystem was selected with --log-output, out is the --log-dest writer
// and can be nil.
type LoggerFactory func(flag bool, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus based loggers of every subsystem.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

// Fields are structured values attached to a log line.
type Fields map[string]interface{}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithEvent(process, kind string, addr uint64, tid int) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields{
		"process": process,
		"kind":    kind,
		"addr":    fmt.Sprintf("%#x", addr),
		"tid":     tid,
	})}
}

// fieldRank orders the text output: the logrus keys, then the subsystem,
// then where the line comes from in the guest. Other fields follow
// alphabetically.
var fieldRank = map[string]int{
	logrus.FieldKeyTime:  1,
	logrus.FieldKeyLevel: 2,
	"layer":              3,
	"process":            4,
	"asid":               5,
	"tid":                6,
	"kind":               7,
	"addr":               8,
	logrus.FieldKeyMsg:   9,
}

func sortFields(keys []string) {
	rank := func(k string) int {
		if r, ok := fieldRank[k]; ok {
			return r
		}
		return len(fieldRank) + 1
	}
	sort.SliceStable(keys, func(i, j int) bool {
		ri, rj := rank(keys[i]), rank(keys[j])
		if ri != rj {
			return ri < rj
		}
		return keys[i] < keys[j]
	})
}

var textFormatterInstance = &logrus.TextFormatter{
	FullTimestamp:   true,
	TimestampFormat: "15:04:05.000",
	SortingFunc:     sortFields,
}
