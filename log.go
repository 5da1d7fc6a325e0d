package bridge

import (
	"path/filepath"

	"github.com/bitvm/bridge/blobstore"
	"github.com/bitvm/bridge/build"
	"github.com/bitvm/bridge/client"
	"github.com/bitvm/bridge/esplora"
	"github.com/bitvm/bridge/evm"
	"github.com/bitvm/bridge/graphs"
	"github.com/bitvm/bridge/monitoring"
	"github.com/bitvm/bridge/musig"
	"github.com/bitvm/bridge/nonces"
	"github.com/bitvm/bridge/signal"
	"github.com/bitvm/bridge/transactions"
	"github.com/btcsuite/btclog"
)

// Subsystem defines the logging code for the root package.
const Subsystem = "BRDG"

const defaultLogFilename = "bridge.log"

// Loggers per subsystem. A single backend logger is created and all subsystem
// loggers created from it will write to the backend. When adding new
// subsystems, add the subsystem logger variable here and to the
// subsystemLoggers map.
//
// Loggers can not be used before the log rotator has been initialized with a
// log file. This must be performed early during application startup by
// calling InitLogRotator.
var (
	// logWriter is the writer of the backend. It writes to stdout and,
	// once initialized, to the log rotator.
	logWriter = &build.LogWriter{}

	// logRotator is one of the logging outputs. It should be closed on
	// application shutdown.
	logRotator = build.NewRotatingLogWriter()

	// logMgr keeps every subsystem logger so their levels can be set with
	// the debuglevel syntax.
	logMgr = build.NewSubLoggerManager(logWriter)

	brdgLog = build.NewSubLogger(Subsystem, logMgr.GenSubLogger)

	// loggerSetters holds the setters of each subsystem so the loggers can be
	// replaced once the daemon has an interceptor.
	loggerSetters = make(map[string][]func(btclog.Logger))
)

// Initialize package-global logger variables.
func init() {
	logMgr.RegisterSubLogger(Subsystem, brdgLog)
	loggerSetters[Subsystem] = []func(btclog.Logger){
		func(logger btclog.Logger) {
			brdgLog = logger
		},
	}

	addSubLogger(musig.Subsystem, musig.UseLogger)
	addSubLogger(transactions.Subsystem, transactions.UseLogger)
	addSubLogger(graphs.Subsystem, graphs.UseLogger)
	addSubLogger(esplora.Subsystem, esplora.UseLogger)
	addSubLogger(evm.Subsystem, evm.UseLogger)
	addSubLogger(blobstore.Subsystem, blobstore.UseLogger)
	addSubLogger(nonces.Subsystem, nonces.UseLogger)
	addSubLogger(client.Subsystem, client.UseLogger)
	addSubLogger(monitoring.Subsystem, monitoring.UseLogger)
	addSubLogger(signal.Subsystem, signal.UseLogger)
}

// addSubLogger creates a logger for the subsystem, registers it and hands it
// to every useLogger function.
func addSubLogger(subsystem string, useLoggers ...func(btclog.Logger)) {
	logger := build.NewSubLogger(subsystem, logMgr.GenSubLogger)
	logMgr.RegisterSubLogger(subsystem, logger)

	for _, useLogger := range useLoggers {
		useLogger(logger)
	}
	loggerSetters[subsystem] = useLoggers
}

// setupShutdownLoggers wraps every subsystem logger so that a critical log
// line requests shutdown through the interceptor.
func setupShutdownLoggers(interceptor signal.Interceptor) {
	for subsystem, logger := range logMgr.SubLoggers() {
		if _, ok := logger.(*build.ShutdownLogger); ok {
			continue
		}

		wrapped := build.NewShutdownLogger(
			logger, interceptor.RequestShutdown,
		)
		logMgr.RegisterSubLogger(subsystem, wrapped)
		for _, useLogger := range loggerSetters[subsystem] {
			useLogger(wrapped)
		}
	}
}

// SupportedSubsystems returns the sorted subsystem tags accepted by
// SetLogLevels.
func SupportedSubsystems() []string {
	return logMgr.SupportedSubsystems()
}

// SetLogLevels applies a debuglevel string, either a single level for every
// subsystem or a comma separated list of subsystem=level pairs, optionally
// preceded by a global level.
func SetLogLevels(debugLevel string) error {
	return build.ParseAndSetDebugLevels(debugLevel, logMgr)
}

// InitLogRotator starts writing the log to <logdir>/<network>/bridge.log
// unless the log file is disabled.
func InitLogRotator(cfg *Config) error {
	if cfg.Logging.File.Disable {
		return nil
	}

	logFile := filepath.Join(
		cfg.LogDir, cfg.netParams.Name, defaultLogFilename,
	)
	err := logRotator.InitLogRotator(cfg.Logging.File, logFile)
	if err != nil {
		return err
	}
	logWriter.RotatorPipe = logRotator.Pipe()

	return nil
}

// CloseLogRotator flushes and closes the log file.
func CloseLogRotator() error {
	logWriter.RotatorPipe = nil

	return logRotator.Close()
}
