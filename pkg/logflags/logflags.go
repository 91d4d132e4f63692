package logflags

import (
	"errors"
	"io"
	"io/ioutil"
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var any = false
var pyproc = false
var layout = false
var core = false
var native = false
var starlark = false

var logOut io.WriteCloser

func makeLogger(level logrus.Level, fields Fields) Logger {
	if lf := loggerFactory; lf != nil {
		return lf(level, fields, logOut)
	}
	logger := logrus.New()
	logger.Formatter = textFormatterInstance
	if logOut != nil {
		logger.Out = logOut
	} else {
		logger.Out = os.Stderr
	}
	logger.Level = level
	return &logrusLogger{logger.WithFields(logrus.Fields(fields))}
}

func makeFlaggableLogger(flag bool, fields Fields) Logger {
	if flag {
		return makeLogger(logrus.DebugLevel, fields)
	}
	return makeLogger(logrus.ErrorLevel, fields)
}

// Any returns true if any logging is enabled.
func Any() bool {
	return any
}

// PyProc returns true if the object decoding layer should log.
func PyProc() bool {
	return pyproc
}

// PyProcLogger returns a logger for the object decoding layer.
func PyProcLogger() Logger {
	return makeFlaggableLogger(pyproc, Fields{"layer": "pyproc"})
}

// Layout returns true if struct layout resolution should be logged.
func Layout() bool {
	return layout
}

// LayoutLogger returns a logger for struct layout resolution.
func LayoutLogger() Logger {
	return makeFlaggableLogger(layout, Fields{"layer": "layout"})
}

// Core returns true if the core dump loader should log.
func Core() bool {
	return core
}

// CoreLogger returns a logger for the core dump loader.
func CoreLogger() Logger {
	return makeFlaggableLogger(core, Fields{"layer": "core"})
}

// Native returns true if the live process backend should log.
func Native() bool {
	return native
}

// NativeLogger returns a logger for the live process backend.
func NativeLogger() Logger {
	return makeFlaggableLogger(native, Fields{"layer": "native"})
}

// Starlark returns true if the starlark environment should log.
func Starlark() bool {
	return starlark
}

// StarlarkLogger returns a logger for the starlark environment.
func StarlarkLogger() Logger {
	return makeFlaggableLogger(starlark, Fields{"layer": "starlark"})
}

var errLogstrWithoutLog = errors.New("--log-output specified without --log")

// Setup sets logging layers based on the contents of logstr. If logDest is
// not empty logs are redirected to the file descriptor number or file path
// it contains.
func Setup(logFlag bool, logstr, logDest string) error {
	if logDest != "" {
		n, err := strconv.Atoi(logDest)
		if err == nil {
			logOut = os.NewFile(uintptr(n), "pyspect-logs")
		} else {
			fh, err := os.Create(logDest)
			if err != nil {
				return err
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
		logstr = "pyproc"
	}
	any = true
	v := strings.Split(logstr, ",")
	for _, logcmd := range v {
		// The layer list in the help of the --log-output flag must be kept
		// in sync with this switch.
		switch logcmd {
		case "pyproc":
			pyproc = true
		case "layout":
			layout = true
		case "core":
			core = true
		case "native":
			native = true
		case "starlark":
			starlark = true
		}
	}
	return nil
}

// Close closes the logger output.
func Close() {
	if logOut != nil {
		logOut.Close()
	}
}
