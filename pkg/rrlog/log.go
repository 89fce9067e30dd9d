// Package rrlog is the ambient logging surface shared by the recorder and
// replayer. It mirrors the calling convention of the teacher's own
// pkg/log (Infof/Debugf/Warningf, SetLevel, a single package-level
// target) but is backed by logrus rather than a hand-rolled emitter.
package rrlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = logrus.New()

func init() {
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
}

// SetLevel controls whether Debugf output is emitted.
func SetLevel(debug bool) {
	if debug {
		base.SetLevel(logrus.DebugLevel)
		return
	}
	base.SetLevel(logrus.InfoLevel)
}

// Infof logs at info level.
func Infof(format string, args ...interface{}) { base.Infof(format, args...) }

// Debugf logs at debug level.
func Debugf(format string, args ...interface{}) { base.Debugf(format, args...) }

// Warningf logs at warning level.
func Warningf(format string, args ...interface{}) { base.Warnf(format, args...) }

// fatalHook lets tests observe a contract violation instead of exiting the
// process. nil in production, where Fatalf really does abort.
var fatalHook func(string)

// SetFatalHook installs a hook that intercepts Fatalf instead of calling
// os.Exit, for use by tests that exercise contract-violation paths.
// Passing nil restores the default (process-exiting) behavior.
func SetFatalHook(hook func(string)) { fatalHook = hook }

// Fatalf logs a diagnostic to standard error and aborts the process. This
// is the sole mechanism for reporting a contract violation (spec.md §7,
// category 1): there is no error propagation surface above the core,
// because any divergence from the recorded trace must halt the run
// immediately.
func Fatalf(format string, args ...interface{}) {
	base.Errorf(format, args...)
	if fatalHook != nil {
		fatalHook(fmt.Sprintf(format, args...))
		return
	}
	os.Exit(1)
}
