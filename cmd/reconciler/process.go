package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Run one reconciliation cycle and print the results",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.Close()

		sum, runErr := a.trigger.Process(ctx)
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(sum); err != nil {
			return fmt.Errorf("encode summary: %w", err)
		}
		if runErr != nil {
			return fmt.Errorf("process: %w", runErr)
		}
		if sum.Failed > 0 {
			return fmt.Errorf("process: %d event(s) failed", sum.Failed)
		}
		return nil
	},
}
