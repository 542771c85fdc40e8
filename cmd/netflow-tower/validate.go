package main

import (
	"fmt"
	"strings"

	"github.com/devblac/netflow-tower/internal/source/evm"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping the RPC endpoint",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, log, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		classifier, err := cfg.ActiveClassifier()
		if err != nil {
			return err
		}
		reg, err := cfg.Classifiers()
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "- token %s (%s, %d decimals)\n", cfg.Token.Contract, cfg.Token.Symbol, cfg.Token.Decimals)
		fmt.Fprintf(out, "- watch groups: %s (active: %s, %d addresses)\n",
			strings.Join(reg.Names(), ", "), classifier.Name(), len(classifier.Addresses()))

		abis, err := evm.LoadABIs(cfg.Chain.ABIDirs)
		if err != nil {
			return fmt.Errorf("load abis: %w", err)
		}
		if _, err := evm.NewDetector(cfg.Token.ContractAddress(), abis, classifier); err != nil {
			return err
		}

		rpc, err := dialRPC(ctx, cfg)
		if err != nil {
			fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
			return fmt.Errorf("validate: rpc unreachable")
		}
		defer rpc.Close()

		chain := evm.NewClient(rpc,
			evm.WithRetry(evm.RetryPolicy{MaxAttempts: 1}),
			evm.WithRequestTimeout(cfg.Chain.RequestTimeout.Std()),
			evm.WithLogger(log),
		)
		chainID, err := chain.ChainID(ctx)
		if err != nil {
			fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
			return fmt.Errorf("validate: rpc failed connectivity")
		}
		if err := checkChainID(ctx, chain, cfg.Chain.ID); err != nil {
			fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
			return fmt.Errorf("validate: chain id mismatch")
		}
		head, err := chain.LatestHeight(ctx)
		if err != nil {
			fmt.Fprintf(out, "- rpc: ERROR %v\n", err)
			return fmt.Errorf("validate: rpc failed connectivity")
		}
		fmt.Fprintf(out, "- rpc: chainId %s, head %d OK\n", chainID, head)

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}
