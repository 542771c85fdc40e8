package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/devblac/netflow-tower/internal/units"
	"github.com/spf13/cobra"
)

var (
	flagJSON   bool
	flagLimit  int
	flagOffset int
)

func init() {
	for _, c := range []*cobra.Command{netFlowCmd, statusCmd, transactionsCmd} {
		c.Flags().BoolVar(&flagJSON, "json", false, "Print JSON instead of text")
	}
	transactionsCmd.Flags().IntVar(&flagLimit, "limit", 10, "Number of transfers to show (1-1000)")
	transactionsCmd.Flags().IntVar(&flagOffset, "offset", 0, "Number of transfers to skip")
}

var netFlowCmd = &cobra.Command{
	Use:   "net-flow",
	Short: "Show cumulative inflow, outflow and net flow",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		agg, err := store.CurrentState(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"total_inflow":         agg.TotalInflow.String(),
				"total_outflow":        agg.TotalOutflow.String(),
				"net_flow":             agg.NetFlow.String(),
				"last_processed_block": watermarkValue(agg),
			})
		}
		printNetFlow(cmd.OutOrStdout(), agg, cfg.Token.Symbol, cfg.Token.Decimals)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show indexing progress",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		agg, err := store.CurrentState(cmd.Context())
		if err != nil {
			return err
		}
		count, err := store.TransferCount(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"initialized":          agg.Initialized,
				"last_processed_block": watermarkValue(agg),
				"updated_at":           agg.UpdatedAt,
				"transfer_count":       count,
			})
		}
		printStatus(cmd.OutOrStdout(), agg, count)
		return nil
	},
}

var transactionsCmd = &cobra.Command{
	Use:   "transactions",
	Short: "List recorded transfers, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagLimit < 1 || flagLimit > storage.DefaultMaxPageSize {
			return fmt.Errorf("--limit must be between 1 and %d", storage.DefaultMaxPageSize)
		}
		if flagOffset < 0 {
			return fmt.Errorf("--offset must not be negative")
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := openStore(cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		page, err := store.ListTransfers(cmd.Context(), flagLimit, flagOffset)
		if err != nil {
			return err
		}
		if flagJSON {
			return writeJSON(cmd.OutOrStdout(), exportRows(page.Transfers, cfg.Token.Decimals))
		}
		printTransfers(cmd.OutOrStdout(), page, cfg.Token.Symbol, cfg.Token.Decimals)
		return nil
	},
}

func watermarkValue(agg storage.Aggregate) any {
	if !agg.Initialized {
		return nil
	}
	return agg.Watermark
}

func printNetFlow(w io.Writer, agg storage.Aggregate, symbol string, decimals int32) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Total inflow:\t%s %s\n", units.Format(agg.TotalInflow, decimals), symbol)
	fmt.Fprintf(tw, "Total outflow:\t%s %s\n", units.Format(agg.TotalOutflow, decimals), symbol)
	fmt.Fprintf(tw, "Net flow:\t%s %s\n", units.Format(agg.NetFlow, decimals), symbol)
	if agg.Initialized {
		fmt.Fprintf(tw, "Last processed block:\t%d\n", agg.Watermark)
	} else {
		fmt.Fprintf(tw, "Last processed block:\tnot started\n")
	}
	tw.Flush()
}

func printStatus(w io.Writer, agg storage.Aggregate, count uint64) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	if agg.Initialized {
		fmt.Fprintf(tw, "Last processed block:\t%d\n", agg.Watermark)
		fmt.Fprintf(tw, "Updated at:\t%s\n", agg.UpdatedAt.Format(time.RFC3339))
	} else {
		fmt.Fprintf(tw, "Last processed block:\tnot started\n")
	}
	fmt.Fprintf(tw, "Transfers recorded:\t%d\n", count)
	tw.Flush()
}

func printTransfers(w io.Writer, page storage.Page, symbol string, decimals int32) {
	if len(page.Transfers) == 0 {
		fmt.Fprintln(w, "no transfers recorded")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "BLOCK\tDIRECTION\tAMOUNT\tFROM\tTO\tTX")
	for _, t := range page.Transfers {
		fmt.Fprintf(tw, "%d\t%s\t%s %s\t%s\t%s\t%s:%d\n",
			t.BlockNumber, t.Direction, units.Format(t.Amount, decimals), symbol, t.From, t.To, t.TxHash, t.LogIndex)
	}
	tw.Flush()

	fmt.Fprintf(w, "showing %d-%d of %d\n", page.Offset+1, page.Offset+len(page.Transfers), page.Total)
	if page.HasMore {
		fmt.Fprintf(w, "more available: --offset %d\n", page.Offset+len(page.Transfers))
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
