package main

import (
	"fmt"
	"os"

	"github.com/bitvm/bridge"
	"github.com/bitvm/bridge/signal"
	"github.com/urfave/cli"
)

var daemonCommand = cli.Command{
	Name:     "daemon",
	Category: "Daemon",
	Usage:    "Run the role unattended until interrupted.",
	Description: `
	Sync every --interval, take every action the statuses of the role offer
	and publish the changes. Operators with a configured Ethereum node also
	answer the peg-out requests of the bridge contract.`,
	Flags: []cli.Flag{
		cli.DurationFlag{
			Name:  "interval",
			Usage: "time between two rounds",
			Value: bridge.DefaultDaemonInterval,
		},
		cli.BoolFlag{
			Name:  "createpegouts",
			Usage: "build a peg-out graph for every peg-in without one (operator)",
		},
		cli.StringFlag{
			Name:  "prometheus.listen",
			Usage: "export metrics to Prometheus on this address",
		},
	},
	Action: runDaemon,
}

func runDaemon(ctx *cli.Context) error {
	var extra []string
	if ctx.IsSet("interval") {
		extra = append(extra, fmt.Sprintf("--daemon.interval=%v",
			ctx.Duration("interval")))
	}
	if ctx.Bool("createpegouts") {
		extra = append(extra, "--daemon.createpegouts")
	}
	if ctx.IsSet("prometheus.listen") {
		extra = append(extra, "--prometheus.enable",
			"--prometheus.listen="+ctx.String("prometheus.listen"))
	}

	cfg, err := bridge.LoadConfig(configArgs(ctx, extra...))
	if err != nil {
		return err
	}

	interceptor, err := signal.Intercept()
	if err != nil {
		return err
	}

	if err := bridge.InitLogRotator(cfg); err != nil {
		return err
	}
	defer func() {
		if err := bridge.CloseLogRotator(); err != nil {
			fmt.Fprintf(os.Stderr, "[bridgecli] %v\n", err)
		}
	}()

	return bridge.Main(cfg, interceptor)
}
