package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/redis/go-redis/v9"

	"github.com/biequity/reconciler/internal/brokerage"
	"github.com/biequity/reconciler/internal/catalog"
	"github.com/biequity/reconciler/internal/chain"
	"github.com/biequity/reconciler/internal/config"
	"github.com/biequity/reconciler/internal/engine"
	"github.com/biequity/reconciler/internal/lock"
	"github.com/biequity/reconciler/internal/logging"
	"github.com/biequity/reconciler/internal/metrics"
	"github.com/biequity/reconciler/internal/scheduler"
	"github.com/biequity/reconciler/internal/sink"
	"github.com/biequity/reconciler/internal/storage"
)

const lockName = "process-events"

// app holds the wired components of one process.
type app struct {
	cfg     *config.Config
	log     *slog.Logger
	store   *storage.Store
	eth     *ethclient.Client
	chain   *chain.Client
	broker  *brokerage.Client
	catalog *catalog.Service
	metrics *metrics.Metrics
	engine  *engine.Engine
	trigger *scheduler.Trigger
	redis   *redis.Client
}

func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, logging.NewWithLevel(cfg.Global.LogLevel), nil
}

func newApp(ctx context.Context, cfg *config.Config, log *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, log: log}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if a.store, err = storage.Open(cfg.Global.DBPath); err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	if a.eth, err = chain.Dial(ctx, cfg.Chain.RPCURL); err != nil {
		return nil, err
	}
	nodeID, err := a.eth.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("read chain id: %w", err)
	}
	if cfg.Chain.ChainID != 0 && nodeID.Cmp(new(big.Int).SetUint64(cfg.Chain.ChainID)) != 0 {
		return nil, fmt.Errorf("rpc serves chain %s, config expects %d", nodeID, cfg.Chain.ChainID)
	}
	parsed, err := chain.LoadABI(cfg.Chain.ABIPath)
	if err != nil {
		return nil, err
	}
	binding, err := chain.NewBinding(parsed, cfg.Chain.Names())
	if err != nil {
		return nil, err
	}
	a.chain, err = chain.NewClient(ctx, a.eth, chain.Options{
		Contract:    common.HexToAddress(cfg.Chain.Contract),
		ChainID:     nodeID,
		OperatorKey: cfg.Chain.OperatorKey,
		Binding:     binding,
		RPCTimeout:  cfg.Chain.RPCTimeout.Duration,
		GasLimit:    cfg.Chain.GasLimit,
		Logger:      log.With("component", "chain"),
	})
	if err != nil {
		return nil, err
	}

	a.broker, err = brokerage.NewClient(brokerage.Options{
		BaseURL:   cfg.Brokerage.BaseURL,
		KeyID:     cfg.Brokerage.APIKey,
		SecretKey: cfg.Brokerage.APISecret,
		Timeout:   cfg.Brokerage.Timeout.Duration,
		Logger:    log.With("component", "brokerage"),
	})
	if err != nil {
		return nil, err
	}
	a.catalog = catalog.New(a.broker, cfg.Catalog.Symbols, cfg.Catalog.RefreshInterval.Duration, log.With("component", "catalog"))
	a.metrics = metrics.Init()

	senders, err := buildSinks(cfg.Alerts)
	if err != nil {
		return nil, err
	}
	var notifier engine.Notifier
	if len(senders) > 0 {
		notifier = sink.NewFanout(senders, log, a.metrics)
	}

	a.engine, err = engine.New(engine.Deps{
		Source:   a.chain,
		Settler:  a.chain,
		Broker:   a.broker,
		Catalog:  a.catalog,
		Store:    a.store,
		Notifier: notifier,
		Metrics:  a.metrics,
		Logger:   log.With("component", "engine"),
	}, engine.Options{
		Window: chain.Window{
			Confirmations: cfg.Chain.Confirmations,
			StartBlock:    cfg.Chain.StartBlock,
			MaxRange:      cfg.Chain.MaxBlockRange,
		},
		MaxAttempts:       cfg.Engine.MaxAttempts,
		MaxSettleAttempts: cfg.Engine.MaxSettleAttempts,
		BaseBackoff:       cfg.Engine.BaseBackoff.Duration,
		MaxBackoff:        cfg.Engine.MaxBackoff.Duration,
		TimeInForce:       brokerage.TimeInForce(cfg.Brokerage.TimeInForce),
		ExtendedHours:     cfg.Brokerage.ExtendedHours,
		QtyPrecision:      cfg.Brokerage.QtyPrecision,
		WaitMined:         cfg.Chain.WaitMined,
		MinedTimeout:      cfg.Chain.MinedTimeout.Duration,
	})
	if err != nil {
		return nil, err
	}

	locker, err := a.locker(ctx)
	if err != nil {
		return nil, err
	}
	guard := lock.NewGuard(locker, lockName, cfg.Scheduler.LockTTL.Duration, log)
	a.trigger = scheduler.NewTrigger(a.engine, guard, log)

	log.Info("reconciler ready",
		"chain_id", nodeID, "contract", cfg.Chain.Contract, "operator", a.chain.Operator().Hex(),
		"settles_redeems", a.chain.SettlesRedeems(), "lock", cfg.Scheduler.LockBackend, "alert_sinks", len(senders))
	return a, nil
}

func (a *app) locker(ctx context.Context) (lock.Locker, error) {
	switch a.cfg.Scheduler.LockBackend {
	case config.LockRedis:
		client, err := lock.DialRedis(ctx, a.cfg.Scheduler.RedisAddr, a.cfg.Scheduler.RedisPassword, a.cfg.Scheduler.RedisDB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return lock.NewRedisLocker(client), nil
	case config.LockNone:
		return nil, nil
	default:
		return lock.NewStoreLocker(a.store), nil
	}
}

// Close releases everything newApp opened.
func (a *app) Close() {
	if a.chain != nil {
		a.chain.Close()
	}
	if a.eth != nil {
		a.eth.Close()
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
}

func buildSinks(cfgs []config.Sink) (map[string]sink.Sender, error) {
	sinks := map[string]sink.Sender{}
	for _, s := range cfgs {
		var (
			sender sink.Sender
			err    error
		)
		switch strings.ToLower(s.Type) {
		case "slack":
			sender, err = sink.NewSlackSender(s.WebhookURL, s.Template)
		case "teams":
			sender, err = sink.NewTeamsSender(s.WebhookURL, s.Template)
		case "webhook":
			sender, err = sink.NewWebhookSender(s.URL, s.Method, s.Template, s.Headers)
		default:
			err = errors.New("unsupported sink type " + s.Type)
		}
		if err != nil {
			return nil, fmt.Errorf("alert sink %s: %w", s.ID, err)
		}
		sinks[s.ID] = sender
	}
	return sinks, nil
}
