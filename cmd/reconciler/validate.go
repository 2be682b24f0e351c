package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"

	"github.com/biequity/reconciler/internal/brokerage"
	"github.com/biequity/reconciler/internal/catalog"
	"github.com/biequity/reconciler/internal/chain"
	"github.com/biequity/reconciler/internal/config"
	"github.com/biequity/reconciler/internal/lock"
)

const checkTimeout = 15 * time.Second

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and check the node, brokerage account and lock backend",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		cfg, log, err := loadConfig()
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d)\n", cfg.Version)

		if _, err := buildSinks(cfg.Alerts); err != nil {
			return err
		}
		fmt.Fprintf(out, "- alerts: %d sink(s) OK\n", len(cfg.Alerts))

		failures := 0
		check := func(name string, fn func(ctx context.Context) (string, error)) {
			ctx, cancel := context.WithTimeout(cmd.Context(), checkTimeout)
			defer cancel()
			detail, err := fn(ctx)
			if err != nil {
				failures++
				fmt.Fprintf(out, "- %s: ERROR %v\n", name, err)
				return
			}
			fmt.Fprintf(out, "- %s: %s OK\n", name, detail)
		}

		check("chain", func(ctx context.Context) (string, error) {
			return checkChain(ctx, cfg)
		})

		broker, err := brokerage.NewClient(brokerage.Options{
			BaseURL:   cfg.Brokerage.BaseURL,
			KeyID:     cfg.Brokerage.APIKey,
			SecretKey: cfg.Brokerage.APISecret,
			Timeout:   cfg.Brokerage.Timeout.Duration,
			Logger:    log,
		})
		if err != nil {
			return err
		}
		check("brokerage", func(ctx context.Context) (string, error) {
			acct, err := broker.GetAccount(ctx)
			if err != nil {
				return "", err
			}
			if err := acct.CheckEligibility(); err != nil {
				return "", err
			}
			return fmt.Sprintf("account %s buying power %s", acct.AccountNumber, acct.BuyingPower), nil
		})
		check("catalog", func(ctx context.Context) (string, error) {
			assets, err := catalog.New(broker, cfg.Catalog.Symbols, 0, log).ListSupportedAssets(ctx)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("%d supported asset(s)", len(assets)), nil
		})

		if cfg.Scheduler.LockBackend == config.LockRedis {
			check("redis", func(ctx context.Context) (string, error) {
				client, err := lock.DialRedis(ctx, cfg.Scheduler.RedisAddr, cfg.Scheduler.RedisPassword, cfg.Scheduler.RedisDB)
				if err != nil {
					return "", err
				}
				defer client.Close()
				return cfg.Scheduler.RedisAddr, nil
			})
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d check(s) failed", failures)
		}
		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func checkChain(ctx context.Context, cfg *config.Config) (string, error) {
	eth, err := chain.Dial(ctx, cfg.Chain.RPCURL)
	if err != nil {
		return "", err
	}
	defer eth.Close()

	id, err := eth.ChainID(ctx)
	if err != nil {
		return "", fmt.Errorf("read chain id: %w", err)
	}
	if cfg.Chain.ChainID != 0 && id.Cmp(new(big.Int).SetUint64(cfg.Chain.ChainID)) != 0 {
		return "", fmt.Errorf("rpc serves chain %s, config expects %d", id, cfg.Chain.ChainID)
	}
	code, err := eth.CodeAt(ctx, common.HexToAddress(cfg.Chain.Contract), nil)
	if err != nil {
		return "", fmt.Errorf("read contract code: %w", err)
	}
	if len(code) == 0 {
		return "", fmt.Errorf("no contract deployed at %s", cfg.Chain.Contract)
	}
	parsed, err := chain.LoadABI(cfg.Chain.ABIPath)
	if err != nil {
		return "", err
	}
	binding, err := chain.NewBinding(parsed, cfg.Chain.Names())
	if err != nil {
		return "", err
	}
	client, err := chain.NewClient(ctx, eth, chain.Options{
		Contract:    common.HexToAddress(cfg.Chain.Contract),
		ChainID:     id,
		OperatorKey: cfg.Chain.OperatorKey,
		Binding:     binding,
		RPCTimeout:  cfg.Chain.RPCTimeout.Duration,
		Logger:      discardLogger(),
	})
	if err != nil {
		return "", err
	}
	defer client.Close()
	head, err := client.Head(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("chainId %s head %d operator %s", id, head, client.Operator().Hex()), nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
