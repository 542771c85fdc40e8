package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var flagInitForce bool

func init() {
	initCmd.Flags().BoolVar(&flagInitForce, "force", false, "Overwrite an existing config file")
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a sample config file",
	RunE: func(cmd *cobra.Command, args []string) error {
		if !flagInitForce {
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			} else if !errors.Is(err, os.ErrNotExist) {
				return err
			}
		}
		if dir := filepath.Dir(cfgPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
		}
		if err := os.WriteFile(cfgPath, []byte(sampleConfig), 0o644); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
		fmt.Fprintln(cmd.OutOrStdout(), "set ETH_RPC_URL (or put it in a .env next to the config), then run: netflow-tower validate")
		return nil
	},
}

const sampleConfig = `version: 1

global:
  db_path: netflow.db
  log_level: info
  log_format: text

chain:
  id: 1
  rpc_url: ${ETH_RPC_URL}
  request_timeout: 10s
  requests_per_second: 10
  retry:
    max_attempts: 5
    base_delay: 500ms
    max_delay: 30s

token:
  # USDC on Ethereum mainnet
  contract: "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
  symbol: USDC
  decimals: 6

watch:
  - name: binance
    addresses:
      - "0x28C6c06298d514Db089934071355E5743bf21d60"
      - "0x21a31Ee1afC51d94C2eFcCAa2092aD1028285549"
      - "0xDFd5293D8e347dFe59E90eFd55b2956a1343963d"

monitor:
  classifier: binance
  poll_interval: 12s
  batch_size: 100
  fetch_chunk: 50
  fetch_concurrency: 2
  persist_timeout: 30s
  max_lag: 50
  backoff:
    base_delay: 1s
    max_delay: 5m

api:
  addr: 127.0.0.1:8080
  default_page_size: 100
  max_page_size: 1000

sinks: []
  # - id: large-moves
  #   type: slack
  #   webhook_url: https://hooks.slack.com/services/XXX
  #   min_amount: "1000000"
`
