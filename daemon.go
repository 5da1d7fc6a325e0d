package bridge

import (
	"context"
	"fmt"

	"github.com/bitvm/bridge/build"
	"github.com/bitvm/bridge/evm"
	"github.com/bitvm/bridge/monitoring"
	"github.com/bitvm/bridge/signal"
	"github.com/coreos/go-systemd/daemon"
	"github.com/lightningnetwork/lnd/ticker"
)

// Main runs the configured participant as a daemon until the interceptor
// signals shutdown. Operators with a configured Ethereum node also answer
// the peg-out requests of the bridge contract.
func Main(cfg *Config, interceptor signal.Interceptor) error {
	setupShutdownLoggers(interceptor)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b, err := Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	var events <-chan interface{}
	if cfg.operator != nil && cfg.Ethereum.Configured() {
		adaptor, err := evm.Dial(ctx, cfg.Ethereum)
		if err != nil {
			return fmt.Errorf("unable to reach ethereum node: %w",
				err)
		}

		poller := evm.NewPoller(
			adaptor, ticker.New(cfg.Ethereum.PollInterval),
			cfg.Daemon.Timeout,
		)
		if err := poller.Start(); err != nil {
			return err
		}
		defer poller.Stop()

		events = poller.Events()
	}

	if cfg.Prometheus.Enable {
		exporter := monitoring.NewExporter(cfg.Prometheus, b.Registry())
		if err := exporter.Start(); err != nil {
			return fmt.Errorf("unable to start prometheus "+
				"exporter: %w", err)
		}
		defer exporter.Stop()
	}

	bridgeDaemon := b.NewDaemon(events)
	if err := bridgeDaemon.Start(); err != nil {
		return err
	}
	defer bridgeDaemon.Stop()

	brdgLog.Infof("Bridge daemon running (%v build), syncing every %v",
		build.Deployment, cfg.Daemon.Interval)

	// Tell systemd the daemon is up when it runs as a notify service.
	notified, err := daemon.SdNotify(false, daemon.SdNotifyReady)
	if err != nil {
		brdgLog.Errorf("Unable to send systemd readiness: %v", err)
	} else if notified {
		brdgLog.Info("Systemd was notified about our readiness")
	}

	<-interceptor.ShutdownChannel()

	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	return nil
}
