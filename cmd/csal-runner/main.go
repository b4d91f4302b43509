// Command csal-runner is the CLI entrypoint wiring csal/config,
// csal/rpcclient, csal/runtime and csal/txbuilder into the same
// call/static-call/create flow Runner.StaticCall/Call/Create expose,
// plus a replay-log command that decodes a recorded witness trail for
// inspection.
//
// Grounded on cmd/thor/main.go and cmd/solo/main.go's urfave/cli.v1 app
// structure: a single cli.App with global flags, one subcommand per
// entry point, log15-based verbosity setup shared across them.
package main

import (
	"encoding/hex"
	"fmt"
	"os"

	ethlog "github.com/ethereum/go-ethereum/log"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	cli "gopkg.in/urfave/cli.v1"

	"github.com/nervosnetwork/polyjuice-runner/csal/address"
	"github.com/nervosnetwork/polyjuice-runner/csal/codec"
	"github.com/nervosnetwork/polyjuice-runner/csal/config"
	"github.com/nervosnetwork/polyjuice-runner/csal/rpcclient"
	"github.com/nervosnetwork/polyjuice-runner/csal/runtime"
	"github.com/nervosnetwork/polyjuice-runner/csal/txbuilder"
)

var (
	version   string
	gitCommit string
	release   = "dev"
	log       = log15.New()
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	app := cli.NewApp()
	app.Version = fmt.Sprintf("%s-%s-commit%s", release, version, gitCommit)
	app.Name = "csal-runner"
	app.Usage = "run and build transactions for a CSAL deployment"
	app.Commands = []cli.Command{
		{
			Name:   "call",
			Usage:  "execute a state-changing CALL against a deployed contract and build its transaction",
			Flags:  runFlags,
			Action: actionRun((*runtime.Runner).Call),
		},
		{
			Name:   "static-call",
			Usage:  "execute a read-only CALL and print its return data without building a transaction",
			Flags:  runFlags,
			Action: actionStaticCall,
		},
		{
			Name:  "create",
			Usage: "deploy a new contract and build its transaction",
			Flags: runFlags,
			Action: func(ctx *cli.Context) error {
				return withRunner(ctx, func(r *runtime.Runner, c *config.RunConfig) error {
					sender, err := address.ParseEoaAddress(ctx.String("sender"))
					if err != nil {
						return errors.Wrap(err, "parse --sender")
					}
					code, err := hex.DecodeString(trim0x(ctx.String("code")))
					if err != nil {
						return errors.Wrap(err, "parse --code")
					}
					runCtx, err := r.Create(sender, code)
					if err != nil {
						return errors.Wrap(err, "create")
					}
					return buildAndEmit(runCtx, c, ctx.Bool("submit"))
				})
			},
		},
		{
			Name:      "replay-log",
			Usage:     "decode and print a recorded witness trail",
			ArgsUsage: "<witness-file>",
			Action:    actionReplayLog,
		},
	}
	app.Flags = []cli.Flag{verbosityFlag}
	app.Before = func(ctx *cli.Context) error {
		initLog(log15.Lvl(ctx.Int("verbosity")))
		return nil
	}
	return app
}

func initLog(lvl log15.Lvl) {
	log15.Root().SetHandler(log15.LvlFilterHandler(lvl, log15.StderrHandler))
	ethLogHandler := ethlog.NewGlogHandler(ethlog.StreamHandler(os.Stderr, ethlog.TerminalFormat(true)))
	ethLogHandler.Verbosity(ethlog.LvlWarn)
	ethlog.Root().SetHandler(ethLogHandler)
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// withRunner loads the run config and wires a Runner over csal/rpcclient
// before calling fn, sharing that setup across call/static-call/create.
func withRunner(ctx *cli.Context, fn func(r *runtime.Runner, c *config.RunConfig) error) error {
	cfg, err := config.Load(ctx.String("config"))
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	ld, err := rpcclient.NewLoader(ctx.String("chain-url"), ctx.String("indexer-url"), cfg.EoaLockScript)
	if err != nil {
		return errors.Wrap(err, "new loader")
	}
	r := runtime.NewRunner(ld, echoVM{})
	return fn(r, cfg)
}

// actionRun builds the `call` action around one of Runner's
// mutating entry points (Call), keeping the flag parsing shared with
// create/static-call.
func actionRun(entry func(r *runtime.Runner, sender address.EoaAddress, destination address.ContractAddress, input []byte) (*runtime.Context, error)) cli.ActionFunc {
	return func(ctx *cli.Context) error {
		return withRunner(ctx, func(r *runtime.Runner, c *config.RunConfig) error {
			sender, destination, input, err := parseCallArgs(ctx)
			if err != nil {
				return err
			}
			runCtx, err := entry(r, sender, destination, input)
			if err != nil {
				return errors.Wrap(err, "call")
			}
			return buildAndEmit(runCtx, c, ctx.Bool("submit"))
		})
	}
}

func actionStaticCall(ctx *cli.Context) error {
	return withRunner(ctx, func(r *runtime.Runner, c *config.RunConfig) error {
		sender, destination, input, err := parseCallArgs(ctx)
		if err != nil {
			return err
		}
		runCtx, err := r.StaticCall(sender, destination, input)
		if err != nil {
			return errors.Wrap(err, "static-call")
		}
		fmt.Printf("return data: 0x%x\n", runCtx.EntranceInfo().CurrentRecord().ReturnData)
		for _, l := range runCtx.GetLogs() {
			fmt.Printf("log from %s: 0x%x\n", l.Address, l.Data)
		}
		return nil
	})
}

func parseCallArgs(ctx *cli.Context) (address.EoaAddress, address.ContractAddress, []byte, error) {
	sender, err := address.ParseEoaAddress(ctx.String("sender"))
	if err != nil {
		return address.EoaAddress{}, address.ContractAddress{}, nil, errors.Wrap(err, "parse --sender")
	}
	destination, err := address.ParseContractAddress(ctx.String("to"))
	if err != nil {
		return address.EoaAddress{}, address.ContractAddress{}, nil, errors.Wrap(err, "parse --to")
	}
	input, err := hex.DecodeString(trim0x(ctx.String("input")))
	if err != nil {
		return address.EoaAddress{}, address.ContractAddress{}, nil, errors.Wrap(err, "parse --input")
	}
	return sender, destination, input, nil
}

// buildAndEmit assembles runCtx into a Transaction and prints it. With
// submit set it only logs a warning; it does not broadcast the
// transaction.
func buildAndEmit(runCtx *runtime.Context, c *config.RunConfig, submit bool) error {
	tx, err := txbuilder.Build(runCtx, c)
	if err != nil {
		return errors.Wrap(err, "build transaction")
	}
	fmt.Printf("inputs: %d outputs: %d header_deps: %d witnesses: %d\n",
		len(tx.Inputs), len(tx.Outputs), len(tx.HeaderDeps), len(tx.Witnesses))
	for i, out := range tx.Outputs {
		fmt.Printf("  output[%d]: capacity=%d lock=0x%x\n", i, out.Capacity, out.Lock.CodeHash)
	}
	if !submit {
		return nil
	}
	log.Warn("submit requested: send_transaction wiring is left to the caller's own molecule encoder, this module has none")
	return nil
}

func actionReplayLog(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return errors.New("replay-log: expected exactly one witness-file argument")
	}
	data, err := os.ReadFile(ctx.Args().Get(0))
	if err != nil {
		return errors.Wrap(err, "read witness file")
	}
	for len(data) > 0 {
		consumed, w, err := codec.LoadWitnessData(data)
		if err != nil {
			return errors.Wrap(err, "decode witness entry")
		}
		if w == nil {
			break
		}
		fmt.Printf("program: kind=%s depth=%d sender=0x%x destination=0x%x\n",
			w.Program.Kind, w.Program.Depth, w.Program.Sender, w.Program.Destination)
		fmt.Printf("  return data: 0x%x\n", w.ReturnData)
		fmt.Printf("  calls recorded: %d\n", len(w.Calls))
		if w.Coinbase != nil {
			fmt.Printf("  coinbase proof present\n")
		}
		data = data[consumed:]
	}
	return nil
}
