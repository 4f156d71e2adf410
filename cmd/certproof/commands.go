package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/apec-labs/apec-certs-go/pkg/address"
	"github.com/apec-labs/apec-certs-go/pkg/client"
	"github.com/apec-labs/apec-certs-go/pkg/logger"
	"github.com/apec-labs/apec-certs-go/pkg/merkle"
	"github.com/apec-labs/apec-certs-go/pkg/types"
)

// readAddressFile reads one base58 address per line. Blank lines and lines
// starting with # are skipped; order is preserved.
func readAddressFile(path string) ([]address.Address, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open address file: %w", err)
	}
	defer func() { _ = f.Close() }()

	var (
		addrs  []address.Address
		lineNo int
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		a, err := address.Parse(line)
		if err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, lineNo, err)
		}
		addrs = append(addrs, a)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read address file: %w", err)
	}
	if len(addrs) == 0 {
		return nil, fmt.Errorf("%s: %w", path, merkle.ErrEmptyLeafSet)
	}
	return addrs, nil
}

func parseLeafOrder(c *cli.Context) (merkle.LeafOrder, error) {
	order := merkle.LeafOrder(c.String("leaf-order"))
	if !order.Valid() {
		return "", fmt.Errorf("unsupported leaf order %q, expected %s or %s", order, merkle.LeafOrderSorted, merkle.LeafOrderInput)
	}
	return order, nil
}

func buildTreeFromFile(c *cli.Context) ([]address.Address, *merkle.MerkleTree, error) {
	order, err := parseLeafOrder(c)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := readAddressFile(c.String("file"))
	if err != nil {
		return nil, nil, err
	}
	tree, err := merkle.BuildMerkleTree(address.LeafInputs(addrs), merkle.WithLeafOrder(order))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build tree: %w", err)
	}
	return addrs, tree, nil
}

// rootCommand handles the root subcommand
func rootCommand(c *cli.Context) error {
	_, tree, err := buildTreeFromFile(c)
	if err != nil {
		return err
	}

	fmt.Fprintf(c.App.Writer, "root:  %s\n", types.Hash(tree.Root).Hex())
	fmt.Fprintf(c.App.Writer, "total: %d\n", tree.Len())
	fmt.Fprintf(c.App.Writer, "order: %s\n", tree.Order)
	return nil
}

// proofCommand handles the proof subcommand
func proofCommand(c *cli.Context) error {
	claimant, err := address.Parse(c.String("claimant"))
	if err != nil {
		return fmt.Errorf("invalid claimant: %w", err)
	}

	var index *int
	if i := c.Int("index"); i >= 0 {
		index = &i
	}

	var proof *types.ClaimProof
	switch {
	case c.String("server") != "":
		proof, err = remoteProof(c, claimant, index)
	case c.String("file") != "":
		proof, err = localProof(c, claimant, index)
	default:
		return fmt.Errorf("one of --file or --server is required")
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(c.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(proof)
}

func localProof(c *cli.Context, claimant address.Address, index *int) (*types.ClaimProof, error) {
	_, tree, err := buildTreeFromFile(c)
	if err != nil {
		return nil, err
	}

	p, err := tree.GenerateProofForInput(claimant.Bytes(), index)
	if err != nil {
		return nil, fmt.Errorf("claimant %s: %w", claimant, err)
	}

	return &types.ClaimProof{
		Claimant:  claimant,
		LeafIndex: p.LeafIndex,
		Leaf:      types.Hash(p.Leaf),
		Proof:     types.HashesFrom(p.Proof),
		Root:      types.Hash(tree.Root),
	}, nil
}

func remoteProof(c *cli.Context, claimant address.Address, index *int) (*types.ClaimProof, error) {
	courseID := c.String("course")
	if courseID == "" {
		return nil, fmt.Errorf("--course is required with --server")
	}

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = l.Sync() }()

	cl, err := client.NewClient(&client.ClientConfig{BaseURL: c.String("server"), Logger: l})
	if err != nil {
		return nil, err
	}

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	return cl.GetProof(ctx, courseID, claimant, index)
}

// verifyCommand handles the verify subcommand
func verifyCommand(c *cli.Context) error {
	claimant, err := address.Parse(c.String("claimant"))
	if err != nil {
		return fmt.Errorf("invalid claimant: %w", err)
	}

	root, err := types.ParseHash(c.String("root"))
	if err != nil {
		return fmt.Errorf("invalid root: %w", err)
	}

	var proof [][32]byte
	for i, s := range c.StringSlice("proof") {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		h, err := types.ParseHash(s)
		if err != nil {
			return fmt.Errorf("invalid proof element %d: %w", i, err)
		}
		proof = append(proof, [32]byte(h))
	}

	leaf, err := merkle.HashLeaf(claimant.Bytes())
	if err != nil {
		return err
	}
	if err := merkle.CheckProof(leaf, proof, [32]byte(root)); err != nil {
		return fmt.Errorf("claimant %s against root %s: %w", claimant, root.Hex(), err)
	}

	fmt.Fprintf(c.App.Writer, "valid: %s is eligible under root %s\n", claimant, root.Hex())
	return nil
}
