package main

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/biequity/reconciler/internal/storage"
)

var (
	flagFormat string
	flagStatus string
	flagOut    string
)

func init() {
	exportCmd.Flags().StringVar(&flagFormat, "format", "csv", "Output format: csv or json")
	exportCmd.Flags().StringVar(&flagStatus, "status", "", "Only export records in this status")
	exportCmd.Flags().StringVarP(&flagOut, "out", "o", "", "Write to file instead of stdout")
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export processing records as csv or json",
	RunE: func(cmd *cobra.Command, args []string) error {
		filter := storage.RecordFilter{}
		if flagStatus != "" {
			st, ok := storage.ParseStatus(flagStatus)
			if !ok {
				return fmt.Errorf("unknown status %q", flagStatus)
			}
			filter.Status = st
		}
		format := strings.ToLower(flagFormat)
		if format != "csv" && format != "json" {
			return fmt.Errorf("unsupported format %q", flagFormat)
		}

		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		records, err := store.ListRecords(cmd.Context(), filter)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if flagOut != "" {
			f, err := os.Create(flagOut)
			if err != nil {
				return fmt.Errorf("create %s: %w", flagOut, err)
			}
			defer f.Close()
			out = f
		}
		return writeRecords(out, format, records)
	},
}

var recordHeader = []string{
	"event_id", "kind", "symbol", "amount", "block_number", "log_index", "tx_hash", "status",
	"client_order_id", "brokerage_order_id", "order_status", "settlement_tx_hash",
	"error_kind", "last_error", "attempts", "settle_attempts", "created_at", "updated_at",
}

func writeRecords(w io.Writer, format string, records []storage.Record) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(records)
	}

	cw := csv.NewWriter(w)
	if err := cw.Write(recordHeader); err != nil {
		return err
	}
	for _, r := range records {
		row := []string{
			r.EventID, r.Kind, r.Symbol, r.Amount,
			strconv.FormatUint(r.BlockNumber, 10), strconv.FormatUint(uint64(r.LogIndex), 10),
			r.TxHash, string(r.Status), r.ClientOrderID, r.OrderID, r.OrderStatus, r.SettlementTx,
			r.ErrorKind, r.LastError, strconv.Itoa(r.Attempts), strconv.Itoa(r.SettleAttempts),
			r.CreatedAt.UTC().Format(time.RFC3339), r.UpdatedAt.UTC().Format(time.RFC3339),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}
