//go:build dev
// +build dev

package build

import "os"

// Deployment specifies a development build.
const Deployment = Development

// LogLevel is the level used by the stdout loggers created for unit tests. It
// can be raised with the BRIDGE_TEST_LOGLEVEL environment variable.
var LogLevel = func() string {
	if lvl := os.Getenv("BRIDGE_TEST_LOGLEVEL"); lvl != "" {
		return lvl
	}

	return "info"
}()
