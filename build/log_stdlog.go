//go:build stdlog
// +build stdlog

package build

// LoggingType is a log type that writes every package logger to stdout.
// Build tests with -tags=stdlog to see their log output.
const LoggingType = LogTypeStdOut
