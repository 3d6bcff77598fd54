package monitoring

import "log"

// Logf is the package-level diagnostic logger for the fusion core. It
// defaults to log.Printf; SetLogger redirects or mutes it. Library packages
// log through this so binaries and tests control the output in one place.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
