// Package monitoring provides the process-wide log hook used by storage and
// device I/O paths that have no package logger of their own.
package monitoring

import "log"

// Logf defaults to log.Printf. Replace it with SetLogger.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf; nil mutes it.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
