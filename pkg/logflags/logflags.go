package logflags

import (
	"errors"
	"fmt"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var router = false
var breakpoints = false
var threads = false
var target = false
var hooks = false
var symbols = false

var logOut io.WriteCloser

func makeLogger(flag bool, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(flag, fields, logOut)
	}
	logger := logrus.New().WithFields(logrus.Fields(fields))
	logger.Logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Logger.Out = logOut
	}
	logger.Logger.Level = logrus.DebugLevel
	if !flag {
		logger.Logger.Level = logrus.ErrorLevel
	}
	return &logrusLogger{logger}
}

// Router returns true if the event router should log.
func Router() bool {
	return router
}

// RouterLogger returns a logger for the event router.
func RouterLogger() Logger {
	return makeLogger(router, Fields{"layer": "router"})
}

// Breakpoints returns true if breakpoint arming and disarming should be
// logged.
func Breakpoints() bool {
	return breakpoints
}

// BreakpointsLogger returns a logger for the breakpoint multiplexer.
func BreakpointsLogger() Logger {
	return makeLogger(breakpoints, Fields{"layer": "breakpoints"})
}

// Threads returns true if thread creation, termination and call stack
// reconciliation should be logged.
func Threads() bool {
	return threads
}

// ThreadsLogger returns a logger for the call stack tracker.
func ThreadsLogger() Logger {
	return makeLogger(threads, Fields{"layer": "proc", "kind": "threads"})
}

// Target returns true if process lifecycle transitions should be logged.
func Target() bool {
	return target
}

// TargetLogger returns a logger for the traced process controller.
func TargetLogger() Logger {
	return makeLogger(target, Fields{"layer": "proc", "kind": "target"})
}

// Hooks returns true if function hooks should be logged.
func Hooks() bool {
	return hooks
}

// HooksLogger returns a logger for function hooks.
func HooksLogger() Logger {
	return makeLogger(hooks, Fields{"layer": "hooks"})
}

// Symbols returns true if symbol resolution should be logged.
func Symbols() bool {
	return symbols
}

// SymbolsLogger returns a logger for symbol resolution.
func SymbolsLogger() Logger {
	return makeLogger(symbols, Fields{"layer": "symbols"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging flags based on the contents of logstr.
// If logDest is not empty logs will be redirected to the file descriptor or
// file path specified by logDest.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "flxtrace-logs")
		} else {
			fh, err := os.OpenFile(logDest, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0640)
			if err != nil {
				return fmt.Errorf("could not create log file: %v", err)
			}
			logOut = fh
		}
	}
	log.SetFlags(log.Ldate | log.Ltime | log.Lshortfile)
	if !logFlag {
		log.SetOutput(ioutil.Discard)
		if logstr != "" {
			return errLogstrWithoutLog
		}
		return nil
	}
	if logstr == "" {
		logstr = "router"
	}
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		switch logcmd {
		case "router":
			router = true
		case "breakpoints":
			breakpoints = true
		case "threads":
			threads = true
		case "target":
			target = true
		case "hooks":
			hooks = true
		case "symbols":
			symbols = true
		default:
			fmt.Fprintf(os.Stderr, "Warning: unknown log output value %q\n", logcmd)
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
		logOut = nil
	}
}

// reset clears every flag, used by tests.
func reset() {
	router, breakpoints, threads, target, hooks, symbols = false, false, false, false, false, false
}
