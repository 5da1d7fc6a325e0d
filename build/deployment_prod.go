//go:build !dev
// +build !dev

package build

// Deployment specifies a production build.
const Deployment = Production

// LogLevel is the level used by the stdout loggers of test binaries. It is
// unused in production builds.
const LogLevel = "info"
