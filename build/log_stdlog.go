//go:build stdlog
// +build stdlog

package build

import "os"

// LoggingType is a log type that only writes to stdout.
const LoggingType = LogTypeStdOut

// Write copies b to stdout. The log file is never written.
func (w *LogWriter) Write(b []byte) (int, error) {
	return os.Stdout.Write(b)
}
