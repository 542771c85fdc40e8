package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devblac/netflow-tower/internal/storage"
	"github.com/devblac/netflow-tower/internal/units"
	"github.com/spf13/cobra"
)

var (
	flagExportFormat string
	flagExportOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagExportFormat, "format", "csv", "Output format: csv or json")
	exportCmd.Flags().StringVarP(&flagExportOut, "output", "o", "", "Output file (defaults to stdout)")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the full transfer history as csv or json",
	RunE: func(cmd *cobra.Command, args []string) error {
		format := strings.ToLower(flagExportFormat)
		if format != "csv" && format != "json" {
			return fmt.Errorf("unsupported format %q (want csv or json)", flagExportFormat)
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

		out := cmd.OutOrStdout()
		if flagExportOut != "" {
			f, err := os.Create(flagExportOut)
			if err != nil {
				return fmt.Errorf("create output: %w", err)
			}
			defer f.Close()
			out = f
		}

		recs, err := allTransfers(cmd.Context(), store)
		if err != nil {
			return err
		}
		if format == "json" {
			return writeJSON(out, exportRows(recs, cfg.Token.Decimals))
		}
		return writeCSV(out, recs, cfg.Token.Decimals)
	},
}

type pageLister interface {
	ListTransfers(ctx context.Context, limit, offset int) (storage.Page, error)
	MaxPageSize() int
}

// allTransfers pages through the history, most recent first.
func allTransfers(ctx context.Context, store pageLister) ([]storage.TransferRecord, error) {
	var (
		out    []storage.TransferRecord
		offset int
	)
	for {
		page, err := store.ListTransfers(ctx, store.MaxPageSize(), offset)
		if err != nil {
			return nil, err
		}
		out = append(out, page.Transfers...)
		if !page.HasMore || len(page.Transfers) == 0 {
			return out, nil
		}
		offset += len(page.Transfers)
	}
}

type exportRow struct {
	BlockNumber     uint64 `json:"block_number"`
	TxHash          string `json:"tx_hash"`
	LogIndex        uint   `json:"log_index"`
	From            string `json:"from"`
	To              string `json:"to"`
	Amount          string `json:"amount"`
	AmountFormatted string `json:"amount_formatted"`
	Direction       string `json:"direction"`
	BlockTime       string `json:"block_time"`
}

func exportRows(recs []storage.TransferRecord, decimals int32) []exportRow {
	rows := make([]exportRow, 0, len(recs))
	for _, r := range recs {
		rows = append(rows, exportRow{
			BlockNumber:     r.BlockNumber,
			TxHash:          r.TxHash,
			LogIndex:        r.LogIndex,
			From:            r.From,
			To:              r.To,
			Amount:          r.Amount.String(),
			AmountFormatted: units.Format(r.Amount, decimals),
			Direction:       string(r.Direction),
			BlockTime:       r.BlockTime.UTC().Format(time.RFC3339),
		})
	}
	return rows
}

var csvHeader = []string{"block_number", "tx_hash", "log_index", "from", "to", "amount", "amount_formatted", "direction", "block_time"}

func writeCSV(w io.Writer, recs []storage.TransferRecord, decimals int32) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, r := range exportRows(recs, decimals) {
		if err := cw.Write([]string{
			strconv.FormatUint(r.BlockNumber, 10),
			r.TxHash,
			strconv.FormatUint(uint64(r.LogIndex), 10),
			r.From,
			r.To,
			r.Amount,
			r.AmountFormatted,
			r.Direction,
			r.BlockTime,
		}); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
