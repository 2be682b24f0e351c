package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/biequity/reconciler/internal/chain"
	"github.com/biequity/reconciler/internal/engine"
	"github.com/biequity/reconciler/internal/storage"
)

var flagLag bool

func init() {
	stateCmd.Flags().BoolVar(&flagLag, "lag", false, "Query the node and report blocks behind head")
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Show the watermark, record counts and processing lag",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		store, err := storage.Open(cfg.Global.DBPath)
		if err != nil {
			return fmt.Errorf("open storage: %w", err)
		}
		defer store.Close()

		wm, ok, err := store.GetWatermark(ctx, engine.DefaultWatermark)
		if err != nil {
			return err
		}
		counts, err := store.CountByStatus(ctx)
		if err != nil {
			return err
		}

		var head uint64
		if flagLag {
			eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
			if err != nil {
				return err
			}
			defer eth.Close()
			if head, err = eth.BlockNumber(ctx); err != nil {
				return fmt.Errorf("read head: %w", err)
			}
		}
		printState(cmd.OutOrStdout(), wm, ok, head, cfg.Chain.Confirmations, counts)
		return nil
	},
}

func printState(out io.Writer, wm uint64, hasWM bool, head, confirmations uint64, counts map[storage.Status]int) {
	if hasWM {
		fmt.Fprintf(out, "watermark: %d\n", wm)
	} else {
		fmt.Fprintln(out, "watermark: none (first run pending)")
	}
	if head > 0 {
		safe := uint64(0)
		if head > confirmations {
			safe = head - confirmations
		}
		lag := safe
		if hasWM {
			lag = 0
			if wm < safe {
				lag = safe - wm
			}
		}
		fmt.Fprintf(out, "head: %d safe: %d lag: %d block(s)\n", head, safe, lag)
	}

	statuses := make([]string, 0, len(counts))
	total := 0
	for s, n := range counts {
		statuses = append(statuses, string(s))
		total += n
	}
	sort.Strings(statuses)
	fmt.Fprintf(out, "records: %d\n", total)
	for _, s := range statuses {
		fmt.Fprintf(out, "  %-20s %d\n", s, counts[storage.Status(s)])
	}
}
