// Package logging wraps glog so the rest of the module doesn't repeat
// import-and-flag boilerplate at every call site.
package logging

import (
	"github.com/golang/glog"
)

// Info logs an informational message, e.g. a sparsity-shape decision made
// silently on the caller's behalf.
func Info(format string, args ...interface{}) {
	glog.Infof(format, args...)
}

// Warn logs a recoverable oddity: a dead atomic argument replaced by NaN, a
// compare-change detected during replay, and so on.
func Warn(format string, args ...interface{}) {
	glog.Warningf(format, args...)
}

// Error logs a non-fatal error path, e.g. an optimizer consistency check
// that is about to return an error to the caller.
func Error(format string, args ...interface{}) {
	glog.Errorf(format, args...)
}
