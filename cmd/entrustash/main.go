// Copyright 2026 Trust Tech
// This file is part of the Entrust Core library.
//
// This software is provided "as is", without warranty of any kind,
// express or implied, including but not limited to the warranties
// of merchantability, fitness for a particular purpose and
// noninfringement. In no event shall the authors or copyright
// holders be liable for any claim, damages, or other liability,
// whether in an action of contract, tort or otherwise, arising
// from, out of or in connection with the software or the use or
// other dealings in the software.

// entrustash is a helper tool to pre-generate verification caches and mining
// datasets, and to inspect epoch seeds.
package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/trust-tech/entrust-core/consensus/entrustash"
)

var app = &cli.App{
	Name:  "entrustash",
	Usage: "entrustash cache and dataset utility",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "verbosity",
			Usage: "logging verbosity (trace, debug, info, warn, error)",
			Value: "info",
		},
	},
	Before: func(ctx *cli.Context) error {
		level, err := logrus.ParseLevel(ctx.String("verbosity"))
		if err != nil {
			return err
		}
		logrus.SetLevel(level)
		return nil
	},
	Commands: []*cli.Command{
		{
			Name:      "makecache",
			Usage:     "generate the verification cache for a block number and store it",
			ArgsUsage: "<blockNum> [outputDir]",
			Action:    makecache,
		},
		{
			Name:      "makedag",
			Usage:     "generate the mining dataset for a block number and store it",
			ArgsUsage: "<blockNum> [outputDir]",
			Action:    makedag,
		},
		{
			Name:      "seedhash",
			Usage:     "print the epoch seed for a block number",
			ArgsUsage: "<blockNum>",
			Action:    seedhash,
		},
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// blockArg parses the mandatory block number argument of a subcommand.
func blockArg(ctx *cli.Context) (uint64, error) {
	block, err := strconv.ParseUint(ctx.Args().First(), 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block number %q: %v", ctx.Args().First(), err)
	}
	return block, nil
}

// outputDir returns the optional output directory argument, falling back to
// the per-user default location.
func outputDir(ctx *cli.Context) string {
	if dir := ctx.Args().Get(1); dir != "" {
		return dir
	}
	return entrustash.DefaultDir()
}

func makecache(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return fmt.Errorf("usage: entrustash makecache <blockNum> [outputDir]")
	}
	block, err := blockArg(ctx)
	if err != nil {
		return err
	}
	entrustash.MakeCache(block, outputDir(ctx))
	return nil
}

func makedag(ctx *cli.Context) error {
	if ctx.NArg() < 1 || ctx.NArg() > 2 {
		return fmt.Errorf("usage: entrustash makedag <blockNum> [outputDir]")
	}
	block, err := blockArg(ctx)
	if err != nil {
		return err
	}
	entrustash.MakeDataset(block, outputDir(ctx))
	return nil
}

func seedhash(ctx *cli.Context) error {
	if ctx.NArg() != 1 {
		return fmt.Errorf("usage: entrustash seedhash <blockNum>")
	}
	block, err := blockArg(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("0x%x\n", entrustash.SeedHash(block))
	return nil
}
