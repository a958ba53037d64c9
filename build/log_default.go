//go:build !nolog && !stdlog
// +build !nolog,!stdlog

package build

// LoggingType is a log type that lets the daemon decide where package
// loggers write to.
const LoggingType = LogTypeDefault
