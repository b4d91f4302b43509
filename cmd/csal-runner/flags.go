package main

import cli "gopkg.in/urfave/cli.v1"

var (
	configFlag = cli.StringFlag{
		Name:  "config",
		Usage: "path to the run-config YAML (generator/type/lock scripts and cell_deps)",
	}
	chainURLFlag = cli.StringFlag{
		Name:  "chain-url",
		Value: "http://127.0.0.1:8114",
		Usage: "CKB node JSON-RPC URL",
	}
	indexerURLFlag = cli.StringFlag{
		Name:  "indexer-url",
		Value: "http://127.0.0.1:8116",
		Usage: "CSAL companion indexer JSON-RPC URL (contract meta/change lookups)",
	}
	verbosityFlag = cli.IntFlag{
		Name:  "verbosity",
		Value: 3,
		Usage: "log verbosity (0-9)",
	}
	senderFlag = cli.StringFlag{
		Name:  "sender",
		Usage: "EoaAddress of the calling account (20-byte hex)",
	}
	toFlag = cli.StringFlag{
		Name:  "to",
		Usage: "ContractAddress of the callee (20-byte hex)",
	}
	inputFlag = cli.StringFlag{
		Name:  "input",
		Usage: "hex-encoded call input",
	}
	codeFlag = cli.StringFlag{
		Name:  "code",
		Usage: "hex-encoded init code (create only)",
	}
	submitFlag = cli.BoolFlag{
		Name:  "submit",
		Usage: "log a warning that submitting is not wired up; the built transaction is printed either way and never broadcast",
	}
)

var runFlags = []cli.Flag{configFlag, chainURLFlag, indexerURLFlag, verbosityFlag, senderFlag, toFlag, inputFlag, codeFlag, submitFlag}
