package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/bitvm/bridge/client"
	"github.com/bitvm/bridge/params"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/ethereum/go-ethereum/common"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli"
)

// errMissingArgs is returned when a command is run without its positional
// arguments.
var errMissingArgs = errors.New("missing arguments")

// needArgs returns errMissingArgs along with the command help unless ctx has
// n positional arguments.
func needArgs(ctx *cli.Context, n int) error {
	if ctx.NArg() >= n {
		return nil
	}
	_ = cli.ShowCommandHelp(ctx, ctx.Command.Name)

	return fmt.Errorf("%w: %s needs %d", errMissingArgs,
		ctx.Command.Name, n)
}

var statusCommand = cli.Command{
	Name:     "status",
	Category: "State",
	Usage:    "Print the status of every known graph for this role.",
	Flags: []cli.Flag{
		cli.BoolFlag{
			Name:  "table",
			Usage: "print the report as a table",
		},
	},
	Action: func(ctx *cli.Context) error {
		return withClient(ctx, func(ctxc context.Context,
			c *client.BitVMClient, w io.Writer) error {

			report, err := c.Status(ctxc)
			if err != nil {
				return err
			}

			if ctx.Bool("table") {
				printStatusTable(w, report)
			} else {
				printStatus(w, report)
			}

			return nil
		})
	},
}

// nextCommand returns the command line that acts on line, if any.
func nextCommand(line client.GraphStatus) string {
	switch {
	case line.Step != "":
		return fmt.Sprintf("bridgecli broadcast-%s %s", line.Step,
			line.GraphID)

	case line.Signing == client.SigningPushNonces:
		return "bridgecli push-nonces " + line.GraphID

	case line.Signing == client.SigningPreSign:
		return "bridgecli pre-sign " + line.GraphID
	}

	return ""
}

func printStatus(w io.Writer, report []client.GraphStatus) {
	for _, line := range report {
		fmt.Fprintln(w, line)
		if next := nextCommand(line); next != "" {
			fmt.Fprintf(w, "  next: %s\n", next)
		}
	}
}

func printStatusTable(w io.Writer, report []client.GraphStatus) {
	if len(report) == 0 {
		return
	}

	t := table.NewWriter()
	t.SetOutputMirror(w)
	t.SetStyle(table.StyleLight)
	t.AppendHeader(table.Row{"Kind", "Graph", "Status", "Next"})
	for _, line := range report {
		t.AppendRow(table.Row{
			line.Kind, line.GraphID, line.Status, nextCommand(line),
		})
	}
	t.Render()
}

var syncCommand = cli.Command{
	Name:     "sync",
	Category: "State",
	Usage:    "Merge the newest shared state into the local state.",
	Action: func(ctx *cli.Context) error {
		return withClient(ctx, func(ctxc context.Context,
			c *client.BitVMClient, w io.Writer) error {

			if err := c.Sync(ctxc); err != nil {
				return err
			}
			fmt.Fprintf(w, "Synced to %q\n", c.FetchedKey())

			return nil
		})
	},
}

var flushCommand = cli.Command{
	Name:     "flush",
	Category: "State",
	Usage:    "Publish the local state to the blob store.",
	Action: func(ctx *cli.Context) error {
		b, cleanUp, err := openBridge(ctx)
		if err != nil {
			return err
		}
		defer cleanUp()

		key, err := b.Client().Flush(context.Background())
		if err != nil {
			return err
		}
		fmt.Fprintf(ctx.App.Writer, "Published %s\n", key)

		return nil
	},
}

var createPegInCommand = cli.Command{
	Name:      "create-peg-in",
	Category:  "Graphs",
	Usage:     "Create and publish a peg-in graph.",
	ArgsUsage: "evm_address utxo",
	Description: `
	Create the peg-in graph minting to evm_address. The utxo is either an
	outpoint txid:vout or an address of the depositor key, in which case
	its smallest confirmed output of at least --amount is spent.`,
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "amount",
			Usage: "smallest deposit in satoshis when utxo is an address",
			Value: int64(params.InitialAmount),
		},
	},
	Action: createPegIn,
}

func createPegIn(ctx *cli.Context) error {
	if err := needArgs(ctx, 2); err != nil {
		return err
	}

	evmAddress := ctx.Args().Get(0)
	if !common.IsHexAddress(evmAddress) {
		return fmt.Errorf("invalid evm address %q", evmAddress)
	}

	return withClient(ctx, func(ctxc context.Context,
		c *client.BitVMClient, w io.Writer) error {

		input, err := c.ResolveInput(
			ctxc, ctx.Args().Get(1), amountFlag(ctx),
		)
		if err != nil {
			return err
		}

		id, err := c.CreatePegInGraph(
			input, common.HexToAddress(evmAddress),
		)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Created peg-in graph %s\n", id)

		return nil
	})
}

var createPegOutCommand = cli.Command{
	Name:      "create-peg-out",
	Category:  "Graphs",
	Usage:     "Create and publish the operator's peg-out graph of a peg-in.",
	ArgsUsage: "peg_in_id kickoff_utxo",
	Flags: []cli.Flag{
		cli.Int64Flag{
			Name:  "amount",
			Usage: "smallest kick off input in satoshis when kickoff_utxo is an address",
			Value: int64(client.MinKickOffAmount),
		},
	},
	Action: createPegOut,
}

func createPegOut(ctx *cli.Context) error {
	if err := needArgs(ctx, 2); err != nil {
		return err
	}

	return withClient(ctx, func(ctxc context.Context,
		c *client.BitVMClient, w io.Writer) error {

		input, err := c.ResolveInput(
			ctxc, ctx.Args().Get(1), amountFlag(ctx),
		)
		if err != nil {
			return err
		}

		id, err := c.CreatePegOutGraph(ctx.Args().Get(0), input)
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "Created peg-out graph %s\n", id)

		return nil
	})
}

var pushNoncesCommand = cli.Command{
	Name:      "push-nonces",
	Category:  "Signing",
	Usage:     "Publish this verifier's MuSig2 nonces for a graph.",
	ArgsUsage: "graph_id",
	Action: func(ctx *cli.Context) error {
		return graphAction(ctx, func(c *client.BitVMClient,
			id string) error {

			return c.PushNonces(id)
		})
	},
}

var preSignCommand = cli.Command{
	Name:      "pre-sign",
	Category:  "Signing",
	Usage:     "Publish this verifier's partial signatures for a graph.",
	ArgsUsage: "graph_id",
	Action: func(ctx *cli.Context) error {
		return graphAction(ctx, func(c *client.BitVMClient,
			id string) error {

			return c.PreSign(id)
		})
	},
}

// graphAction syncs, runs f on the graph named by the first argument and
// publishes the result.
func graphAction(ctx *cli.Context,
	f func(*client.BitVMClient, string) error) error {

	if err := needArgs(ctx, 1); err != nil {
		return err
	}

	return withClient(ctx, func(ctxc context.Context,
		c *client.BitVMClient, _ io.Writer) error {

		if err := c.Sync(ctxc); err != nil {
			return err
		}

		return f(c, ctx.Args().First())
	})
}

var exportPSBTCommand = cli.Command{
	Name:      "export-psbt",
	Category:  "Graphs",
	Usage:     "Print a graph transaction as a base64 PSBT.",
	ArgsUsage: "graph_id tx_name",
	Action:    exportPSBT,
}

func exportPSBT(ctx *cli.Context) error {
	if err := needArgs(ctx, 2); err != nil {
		return err
	}

	return withClient(ctx, func(_ context.Context, c *client.BitVMClient,
		w io.Writer) error {

		packet, err := c.ExportPSBT(
			ctx.Args().Get(0), ctx.Args().Get(1),
		)
		if err != nil {
			return err
		}

		encoded, err := packet.B64Encode()
		if err != nil {
			return err
		}
		fmt.Fprintln(w, encoded)

		return nil
	})
}

// broadcastCommands returns one broadcast-<step> command per step.
func broadcastCommands() []cli.Command {
	steps := client.Steps()
	commands := make([]cli.Command, 0, len(steps))
	for _, step := range steps {
		step := step
		txName, _ := step.TxName()

		commands = append(commands, cli.Command{
			Name:      "broadcast-" + string(step),
			Category:  "Broadcast",
			Usage:     fmt.Sprintf("Broadcast the %s transaction.", txName),
			ArgsUsage: "graph_id",
			Flags:     broadcastFlags(step),
			Action: func(ctx *cli.Context) error {
				return broadcast(ctx, step)
			},
		})
	}

	return commands
}

// broadcastFlags returns the options a step takes.
func broadcastFlags(step client.Step) []cli.Flag {
	switch step {
	case client.StepStartTime:
		return []cli.Flag{
			cli.Int64Flag{
				Name:  "starttime",
				Usage: "unix time to commit to instead of now",
			},
		}

	case client.StepKickOff2:
		return []cli.Flag{
			cli.StringFlag{
				Name:  "superblock",
				Usage: "block hash to commit to instead of the tip",
			},
		}

	case client.StepDisprove:
		return []cli.Flag{
			cli.IntFlag{
				Name:  "leaf",
				Usage: "disprove leaf of connector C",
			},
			cli.StringSliceFlag{
				Name:  "unlock",
				Usage: "hex witness item unlocking the leaf, repeatable",
			},
		}
	}

	return nil
}

func broadcast(ctx *cli.Context, step client.Step) error {
	if err := needArgs(ctx, 1); err != nil {
		return err
	}
	id := ctx.Args().First()

	var opts []client.BroadcastOption
	if ctx.IsSet("starttime") {
		opts = append(opts, client.WithStartTime(
			uint32(ctx.Int64("starttime")),
		))
	}
	if ctx.IsSet("superblock") {
		hash, err := chainhash.NewHashFromStr(ctx.String("superblock"))
		if err != nil {
			return fmt.Errorf("invalid superblock: %w", err)
		}
		opts = append(opts, client.WithSuperblock(*hash))
	}
	if ctx.IsSet("leaf") {
		var unlock [][]byte
		for _, item := range ctx.StringSlice("unlock") {
			b, err := hex.DecodeString(item)
			if err != nil {
				return fmt.Errorf("invalid unlock item: %w", err)
			}
			unlock = append(unlock, b)
		}
		opts = append(opts, client.WithDisproveLeaf(
			ctx.Int("leaf"), unlock...,
		))
	}

	return withClient(ctx, func(ctxc context.Context,
		c *client.BitVMClient, w io.Writer) error {

		if err := c.Sync(ctxc); err != nil {
			return err
		}
		if err := c.Broadcast(ctxc, step, id, opts...); err != nil {
			return err
		}
		fmt.Fprintf(w, "Broadcast %s of %s\n", step, id)

		return nil
	})
}

// amountFlag returns the --amount flag in satoshis.
func amountFlag(ctx *cli.Context) btcutil.Amount {
	return btcutil.Amount(ctx.Int64("amount"))
}
