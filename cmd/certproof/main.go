package main

import (
	"log"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/apec-labs/apec-certs-go/pkg/config"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatalf("Application error: %v", err)
	}
}

func fileFlag(required bool) *cli.StringFlag {
	return &cli.StringFlag{
		Name:     "file",
		Aliases:  []string{"f"},
		Usage:    "File with one base58 wallet address per line, in eligibility order",
		Required: required,
	}
}

func leafOrderFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:    "leaf-order",
		Usage:   "Leaf arrangement: sorted (order independent) or input (as listed)",
		Value:   merkle.LeafOrderSorted.String(),
		EnvVars: []string{config.EnvLeafOrder},
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "certproof",
		Usage: "Merkle commitments for course certificate claims",
		Description: `Builds the merkle root a course provider publishes on chain and the
proofs claimants submit to mint their certificate.

Leaves are keccak256 over the 32 raw wallet bytes; sibling pairs are sorted
before hashing, so proofs carry no direction bits.`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Usage:   "Enable verbose logging",
				EnvVars: []string{config.EnvVerbose},
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "root",
				Usage:  "Compute the merkle root and total for an address list",
				Flags:  []cli.Flag{fileFlag(true), leafOrderFlag()},
				Action: rootCommand,
			},
			{
				Name:  "proof",
				Usage: "Compute the proof for a claimant, locally from --file or from a running server",
				Flags: []cli.Flag{
					fileFlag(false),
					&cli.StringFlag{
						Name:  "server",
						Usage: "Base URL of a certproof server, used instead of --file",
					},
					&cli.StringFlag{
						Name:  "course",
						Usage: "Course ID, required with --server",
					},
					&cli.StringFlag{
						Name:     "claimant",
						Usage:    "Base58 wallet address of the claimant",
						Required: true,
					},
					&cli.IntFlag{
						Name:  "index",
						Usage: "Position of the claimant in the list; required to disambiguate duplicates",
						Value: -1,
					},
					leafOrderFlag(),
				},
				Action: proofCommand,
			},
			{
				Name:  "verify",
				Usage: "Check a proof against a root; exits non-zero on mismatch",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "claimant",
						Usage:    "Base58 wallet address of the claimant",
						Required: true,
					},
					&cli.StringFlag{
						Name:     "root",
						Usage:    "0x-prefixed merkle root",
						Required: true,
					},
					&cli.StringSliceFlag{
						Name:  "proof",
						Usage: "0x-prefixed sibling hashes, comma separated or repeated",
					},
				},
				Action: verifyCommand,
			},
			{
				Name:   "serve",
				Usage:  "Run the commitment and proof HTTP server",
				Flags:  serveFlags(),
				Action: serveCommand,
			},
		},
	}
}
