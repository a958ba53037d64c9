//go:build !nolog
// +build !nolog

package build

// LogLevel specifies the default log level of stdout package loggers.
var LogLevel = "info"
