// Package tracelog writes the reconstructed trace.
//
// Every record becomes one logrus entry with the fields process, asid,
// tid and type plus the fields of the record. The output is colored text
// on a terminal and one JSON object per line otherwise.
package tracelog

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/flxtrace/flxtrace/pkg/proc"
)

// Logger is a proc.Logger writing to a logrus logger.
type Logger struct {
	mu     sync.Mutex
	log    *logrus.Logger
	closer io.Closer
	down   map[*proc.Target]bool
}

// New returns a logger writing to out.
func New(out io.Writer) *Logger {
	l := &Logger{
		log:  logrus.New(),
		down: make(map[*proc.Target]bool),
	}
	l.log.Level = logrus.InfoLevel
	if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
		l.log.Out = colorable.NewColorable(f)
		l.log.Formatter = &logrus.TextFormatter{
			ForceColors:      true,
			DisableTimestamp: true,
		}
	} else {
		l.log.Out = out
		l.log.Formatter = &logrus.JSONFormatter{}
	}
	return l
}

// Open returns a logger writing to the file at path, truncating it.
// Standard error is used when path is empty.
func Open(path string) (*Logger, error) {
	if path == "" {
		return New(os.Stderr), nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("could not create trace file: %v", err)
	}
	l := New(f)
	l.closer = f
	return l, nil
}

func (l *Logger) entry(t *proc.Target, tid int) *logrus.Entry {
	return l.log.WithFields(logrus.Fields{
		"process": t.Name,
		"asid":    fmt.Sprintf("%#x", t.ASID),
		"tid":     tid,
	})
}

// LogEvent implements proc.Logger.
func (l *Logger) LogEvent(t *proc.Target, tid int, rec proc.Record) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := l.entry(t, tid).WithField("type", rec.Type()).WithFields(recordFields(rec))
	if _, anomaly := rec.(*proc.AnomalyRecord); anomaly {
		e.Warn(rec.String())
		return
	}
	e.Info(rec.String())
}

// Shutdown implements proc.Logger, it writes the termination record of t
// once.
func (l *Logger) Shutdown(t *proc.Target) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.down[t] {
		return
	}
	l.down[t] = true
	l.entry(t, 0).WithField("type", "exit").Info("process terminated")
}

// Close closes the trace file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closer == nil {
		return nil
	}
	err := l.closer.Close()
	l.closer = nil
	return err
}

func hex(x uint64) string { return fmt.Sprintf("%#x", x) }

func recordFields(rec proc.Record) logrus.Fields {
	switch r := rec.(type) {
	case *proc.CallRecord:
		return logrus.Fields{"target": hex(r.Target), "ret": hex(r.Ret), "sp": hex(r.SP), "depth": r.Depth}
	case *proc.RetRecord:
		f := logrus.Fields{"target": hex(r.Target)}
		if r.Kind == proc.RetCleanup {
			f["burst"] = r.Burst
		}
		return f
	case *proc.JmpRecord:
		return logrus.Fields{"from": hex(r.From), "to": hex(r.To)}
	case *proc.SyscallRecord:
		return logrus.Fields{"number": hex(r.Number), "name": r.Name}
	case *proc.MemRecord:
		return logrus.Fields{"write": r.Write, "addr": hex(r.Addr), "value": hex(r.Value), "size": r.Size, "eip": hex(r.EIP), "region": r.Region.String()}
	case *proc.BlockRecord:
		return logrus.Fields{"eip": hex(r.EIP), "esp": hex(r.ESP), "icount": r.ICount, "arith": r.Arith}
	case *proc.FunctionTraceRecord:
		return logrus.Fields{"eip": hex(r.EIP), "kind": r.Kind.String()}
	case *proc.MetricRecord:
		return logrus.Fields{"start": hex(r.Start), "value": r.Value}
	case *proc.SearchRecord:
		return logrus.Fields{"pattern": fmt.Sprintf("%x", r.Pattern), "eip": hex(r.EIP)}
	case *proc.MessageRecord:
		return logrus.Fields{"source": r.Source}
	case *proc.AnomalyRecord:
		return logrus.Fields{logrus.ErrorKey: r.Err}
	}
	return nil
}
