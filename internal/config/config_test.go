package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalYAML = `
version: 1
chain:
  rpc_url: ${RPC_URL}
  contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3"
  operator_key: ${OPERATOR_KEY}
brokerage:
  api_key: key
  api_secret: ${ALPACA_SECRET}
alerts:
  - id: sink1
    type: slack
    webhook_url: https://hooks.slack.test
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return cfgPath
}

func TestLoadInterpolatesEnvAndValidates(t *testing.T) {
	cfgPath := writeConfig(t, minimalYAML)
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("OPERATOR_KEY", "0xabc")
	t.Setenv("ALPACA_SECRET", "secret")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("expected load to succeed: %v", err)
	}

	if got := cfg.Chain.RPCURL; got != "http://example-rpc" {
		t.Fatalf("rpc_url not interpolated, got %q", got)
	}
	if cfg.Chain.SettleMethod != "settleTokens" || cfg.Chain.MintEvent != "TokensMinted" {
		t.Fatalf("contract defaults not applied: %+v", cfg.Chain)
	}
	if cfg.Brokerage.TimeInForce != "day" || cfg.Brokerage.QtyPrecision != 9 || cfg.Brokerage.Timeout.Duration != 30*time.Second {
		t.Fatalf("brokerage defaults not applied: %+v", cfg.Brokerage)
	}
	if cfg.Engine.MaxAttempts != 3 || cfg.Engine.MaxSettleAttempts != 10 || cfg.Scheduler.Schedule != "@every 1m" || cfg.Scheduler.LockBackend != LockSQLite {
		t.Fatalf("engine/scheduler defaults not applied: %+v %+v", cfg.Engine, cfg.Scheduler)
	}
	if cfg.Global.DBPath == "" || cfg.Server.Addr != ":8080" {
		t.Fatalf("global defaults not applied: %+v %+v", cfg.Global, cfg.Server)
	}
}

func TestLoadFailsOnMissingEnv(t *testing.T) {
	cfgPath := writeConfig(t, minimalYAML)
	_, err := Load(cfgPath)
	if err == nil {
		t.Fatalf("expected missing env to fail")
	}
	if !strings.Contains(err.Error(), "RPC_URL") {
		t.Fatalf("error should name the variable: %v", err)
	}
}

func TestLoadReadsDotEnvNextToConfig(t *testing.T) {
	cfgPath := writeConfig(t, minimalYAML)
	env := "RPC_URL=http://dotenv-rpc\nOPERATOR_KEY=0xabc\nALPACA_SECRET=secret\n"
	if err := os.WriteFile(filepath.Join(filepath.Dir(cfgPath), ".env"), []byte(env), 0o600); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Cleanup(func() {
		os.Unsetenv("RPC_URL")
		os.Unsetenv("OPERATOR_KEY")
		os.Unsetenv("ALPACA_SECRET")
	})

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.RPCURL != "http://dotenv-rpc" {
		t.Fatalf("rpc_url = %q", cfg.Chain.RPCURL)
	}
}

func TestValidateRejects(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Version:   1,
			Chain:     ChainConfig{RPCURL: "http://rpc", Contract: "0x5FbDB2315678afecb367f032d93F642f64180aa3", OperatorKey: "0xabc"},
			Brokerage: BrokerageConfig{APIKey: "k", APISecret: "s"},
		}
	}
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"version", func(c *Config) { c.Version = 0 }, "version"},
		{"contract", func(c *Config) { c.Chain.Contract = "not-an-address" }, "contract"},
		{"operator key", func(c *Config) { c.Chain.OperatorKey = "" }, "operator_key"},
		{"start block", func(c *Config) { c.Chain.StartBlock = "yesterday" }, "start_block"},
		{"brokerage keys", func(c *Config) { c.Brokerage.APISecret = "" }, "api_secret"},
		{"time in force", func(c *Config) { c.Brokerage.TimeInForce = "forever" }, "time_in_force"},
		{"schedule", func(c *Config) { c.Scheduler.Schedule = "sometimes" }, "schedule"},
		{"lock backend", func(c *Config) { c.Scheduler.LockBackend = "etcd" }, "lock_backend"},
		{"redis addr", func(c *Config) { c.Scheduler.LockBackend = "redis" }, "redis_addr"},
		{"backoff", func(c *Config) { c.Engine.BaseBackoff.Duration = time.Minute; c.Engine.MaxBackoff.Duration = time.Second }, "max_backoff"},
		{"settle budget", func(c *Config) { c.Engine.MaxAttempts = 5; c.Engine.MaxSettleAttempts = 4 }, "max_settle_attempts"},
		{"sink type", func(c *Config) { c.Alerts = []Sink{{ID: "x", Type: "pager"}} }, "unsupported sink type"},
		{"duplicate sink", func(c *Config) {
			c.Alerts = []Sink{{ID: "x", Type: "webhook", URL: "http://a"}, {ID: "x", Type: "webhook", URL: "http://b"}}
		}, "duplicate"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestCatalogSymbolsNormalized(t *testing.T) {
	c := CatalogConfig{Symbols: []string{" aapl", "AAPL", "tsla"}}
	if err := c.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
	if strings.Join(c.Symbols, ",") != "AAPL,TSLA" {
		t.Fatalf("symbols = %v", c.Symbols)
	}
}

func TestDurationParsing(t *testing.T) {
	cfgPath := writeConfig(t, minimalYAML+"engine:\n  base_backoff: 2s\n  max_backoff: 1m\n")
	t.Setenv("RPC_URL", "http://example-rpc")
	t.Setenv("OPERATOR_KEY", "0xabc")
	t.Setenv("ALPACA_SECRET", "secret")
	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Engine.BaseBackoff.Duration != 2*time.Second || cfg.Engine.MaxBackoff.Duration != time.Minute {
		t.Fatalf("durations = %v %v", cfg.Engine.BaseBackoff, cfg.Engine.MaxBackoff)
	}

	bad := writeConfig(t, minimalYAML+"engine:\n  base_backoff: soon\n")
	if _, err := Load(bad); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}

func TestSampleLoads(t *testing.T) {
	for _, name := range []string{"RPC_URL", "CONTRACT_ADDRESS", "OPERATOR_PRIVATE_KEY", "ALPACA_API_KEY", "ALPACA_SECRET_KEY", "SLACK_WEBHOOK_URL"} {
		t.Setenv(name, "x")
	}
	t.Setenv("CONTRACT_ADDRESS", "0x5FbDB2315678afecb367f032d93F642f64180aa3")
	cfg, err := Load(writeConfig(t, Sample))
	if err != nil {
		t.Fatalf("sample config: %v", err)
	}
	if len(cfg.Catalog.Symbols) != 3 || cfg.Chain.Confirmations != 2 {
		t.Fatalf("unexpected sample values: %+v", cfg)
	}
}
