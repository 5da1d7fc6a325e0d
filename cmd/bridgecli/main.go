package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bitvm/bridge"
	"github.com/bitvm/bridge/client"
	"github.com/urfave/cli"
)

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "[bridgecli] %v\n", err)
	os.Exit(1)
}

// configFlags are the global flags handed to the config parser under the
// same name.
var configFlags = []string{
	"bridgedir", "configfile", "datadir", "network", "debuglevel", "demo",
	"depositor-secret", "operator-secret", "verifier-secret",
	"withdrawer-secret",
}

// configArgs turns the set global flags and extra into config parser
// arguments.
func configArgs(ctx *cli.Context, extra ...string) []string {
	var args []string
	for _, name := range configFlags {
		if ctx.GlobalIsSet(name) {
			args = append(args, fmt.Sprintf("--%s=%s", name,
				ctx.GlobalString(name)))
		}
	}

	return append(args, extra...)
}

// openBridge loads the config and opens the participant. The returned
// cleanup closes it.
func openBridge(ctx *cli.Context) (*bridge.Bridge, func(), error) {
	cfg, err := bridge.LoadConfig(configArgs(ctx))
	if err != nil {
		return nil, nil, err
	}

	b, err := bridge.Open(context.Background(), cfg)
	if err != nil {
		return nil, nil, err
	}

	cleanUp := func() {
		if err := b.Close(); err != nil {
			fmt.Fprintf(os.Stderr, "[bridgecli] %v\n", err)
		}
	}

	return b, cleanUp, nil
}

// withClient runs f on the opened client and publishes the state if f
// changed it.
func withClient(ctx *cli.Context,
	f func(context.Context, *client.BitVMClient, io.Writer) error) error {

	b, cleanUp, err := openBridge(ctx)
	if err != nil {
		return err
	}
	defer cleanUp()

	ctxc := context.Background()
	c := b.Client()
	before := c.Data()

	if err := f(ctxc, c, ctx.App.Writer); err != nil {
		return err
	}

	if !client.Changed(before, c.Data()) {
		return nil
	}

	key, err := c.Flush(ctxc)
	if err != nil {
		return err
	}
	fmt.Fprintf(ctx.App.Writer, "Published %s\n", key)

	return nil
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Name = "bridgecli"
	app.Usage = "run a BitVM bridge participant"
	app.Flags = []cli.Flag{
		cli.StringFlag{
			Name:      "bridgedir",
			Value:     bridge.DefaultBridgeDir,
			Usage:     "The path to the bridge base directory.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "configfile",
			Usage:     "The path to the config file.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:      "datadir",
			Usage:     "The directory to store the bridge data within.",
			TakesFile: true,
		},
		cli.StringFlag{
			Name:  "network, n",
			Usage: "The Bitcoin network, e.g. mainnet, testnet.",
			Value: "testnet",
		},
		cli.StringFlag{
			Name:  "debuglevel",
			Usage: "Logging level, or <subsystem>=<level> pairs.",
		},
		cli.StringFlag{
			Name: "demo",
			Usage: "Run a role with its demo key: depositor, " +
				"operator, verifier-0, verifier-1 or withdrawer.",
		},
		cli.StringFlag{
			Name:  "depositor-secret",
			Usage: "Hex private key of the depositor role.",
		},
		cli.StringFlag{
			Name:  "operator-secret",
			Usage: "Hex private key of the operator role.",
		},
		cli.StringFlag{
			Name:  "verifier-secret",
			Usage: "Hex private key of the verifier role.",
		},
		cli.StringFlag{
			Name:  "withdrawer-secret",
			Usage: "Hex private key of the withdrawer role.",
		},
	}
	app.Commands = []cli.Command{
		statusCommand,
		syncCommand,
		flushCommand,
		createPegInCommand,
		createPegOutCommand,
		pushNoncesCommand,
		preSignCommand,
		exportPSBTCommand,
		daemonCommand,
	}
	app.Commands = append(app.Commands, broadcastCommands()...)

	return app
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fatal(err)
	}
}
