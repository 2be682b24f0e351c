package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/biequity/reconciler/internal/brokerage"
	"github.com/biequity/reconciler/internal/chain"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int             `yaml:"version"`
	Global    GlobalConfig    `yaml:"global"`
	Chain     ChainConfig     `yaml:"chain"`
	Brokerage BrokerageConfig `yaml:"brokerage"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Server    ServerConfig    `yaml:"server"`
	Alerts    []Sink          `yaml:"alerts"`
}

type GlobalConfig struct {
	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
}

type ChainConfig struct {
	RPCURL        string   `yaml:"rpc_url"`
	ChainID       uint64   `yaml:"chain_id"`
	Contract      string   `yaml:"contract"`
	OperatorKey   string   `yaml:"operator_key"`
	ABIPath       string   `yaml:"abi_path"`
	MintEvent     string   `yaml:"mint_event"`
	RedeemEvent   string   `yaml:"redeem_event"`
	SettleMethod  string   `yaml:"settle_method"`
	RedeemMethod  string   `yaml:"redeem_method"`
	StartBlock    string   `yaml:"start_block"`
	Confirmations uint64   `yaml:"confirmations"`
	MaxBlockRange uint64   `yaml:"max_block_range"`
	RPCTimeout    Duration `yaml:"rpc_timeout"`
	GasLimit      uint64   `yaml:"gas_limit"`
	WaitMined     bool     `yaml:"wait_mined"`
	MinedTimeout  Duration `yaml:"mined_timeout"`
}

type BrokerageConfig struct {
	BaseURL       string   `yaml:"base_url"`
	APIKey        string   `yaml:"api_key"`
	APISecret     string   `yaml:"api_secret"`
	Timeout       Duration `yaml:"timeout"`
	TimeInForce   string   `yaml:"time_in_force"`
	ExtendedHours bool     `yaml:"extended_hours"`
	QtyPrecision  int32    `yaml:"qty_precision"`
}

type CatalogConfig struct {
	Symbols         []string `yaml:"symbols"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

type EngineConfig struct {
	MaxAttempts int `yaml:"max_attempts"`
	// MaxSettleAttempts caps settlement submissions and resumes of one event
	// across all runs.
	MaxSettleAttempts int      `yaml:"max_settle_attempts"`
	BaseBackoff       Duration `yaml:"base_backoff"`
	MaxBackoff        Duration `yaml:"max_backoff"`
}

type SchedulerConfig struct {
	Schedule      string   `yaml:"schedule"`
	LockBackend   string   `yaml:"lock_backend"`
	LockTTL       Duration `yaml:"lock_ttl"`
	RedisAddr     string   `yaml:"redis_addr"`
	RedisPassword string   `yaml:"redis_password"`
	RedisDB       int      `yaml:"redis_db"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type Sink struct {
	ID         string            `yaml:"id"`
	Type       string            `yaml:"type"`
	WebhookURL string            `yaml:"webhook_url"`
	Template   string            `yaml:"template"`
	URL        string            `yaml:"url"`
	Method     string            `yaml:"method"`
	Headers    map[string]string `yaml:"headers"`
}

// Lock backends.
const (
	LockSQLite = "sqlite"
	LockRedis  = "redis"
	LockNone   = "none"
)

// Duration is a time.Duration written as a Go duration string ("30s", "10m").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	if strings.TrimSpace(s) == "" {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if v < 0 {
		return fmt.Errorf("duration %q must not be negative", s)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	interpolated, err := interpolateEnv(string(raw))
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// Validate checks the schema and fills defaults.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Global.DBPath == "" {
		c.Global.DBPath = "reconciler.db"
	}
	if lvl := os.Getenv("LOG_LEVEL"); lvl != "" {
		c.Global.LogLevel = lvl
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}

	if err := c.Chain.Validate(); err != nil {
		return fmt.Errorf("chain: %w", err)
	}
	if err := c.Brokerage.Validate(); err != nil {
		return fmt.Errorf("brokerage: %w", err)
	}
	if err := c.Catalog.Validate(); err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Alerts {
		s := &c.Alerts[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate alert sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("alert sink %s: %w", s.ID, err)
		}
	}
	return nil
}

func (c *ChainConfig) Validate() error {
	if c.RPCURL == "" {
		return errors.New("rpc_url is required")
	}
	if !common.IsHexAddress(c.Contract) {
		return fmt.Errorf("contract %q is not a hex address", c.Contract)
	}
	if c.OperatorKey == "" {
		return errors.New("operator_key is required")
	}
	if err := chain.ValidStartBlock(c.StartBlock); err != nil {
		return err
	}
	if c.MintEvent == "" {
		c.MintEvent = chain.DefaultNames.MintEvent
	}
	if c.RedeemEvent == "" {
		c.RedeemEvent = chain.DefaultNames.RedeemEvent
	}
	if c.SettleMethod == "" {
		c.SettleMethod = chain.DefaultNames.SettleMethod
	}
	if c.RPCTimeout.Duration == 0 {
		c.RPCTimeout.Duration = 20 * time.Second
	}
	if c.MinedTimeout.Duration == 0 {
		c.MinedTimeout.Duration = 2 * time.Minute
	}
	return nil
}

// Names returns the contract members to bind.
func (c *ChainConfig) Names() chain.Names {
	return chain.Names{
		MintEvent:    c.MintEvent,
		RedeemEvent:  c.RedeemEvent,
		SettleMethod: c.SettleMethod,
		RedeemMethod: c.RedeemMethod,
	}
}

func (b *BrokerageConfig) Validate() error {
	if b.APIKey == "" || b.APISecret == "" {
		return errors.New("api_key and api_secret are required")
	}
	if b.BaseURL == "" {
		b.BaseURL = brokerage.DefaultBaseURL
	}
	if b.Timeout.Duration == 0 {
		b.Timeout.Duration = 30 * time.Second
	}
	if b.TimeInForce == "" {
		b.TimeInForce = string(brokerage.TimeInForceDay)
	}
	b.TimeInForce = strings.ToLower(b.TimeInForce)
	if _, ok := brokerage.ParseTimeInForce(b.TimeInForce); !ok {
		return fmt.Errorf("unsupported time_in_force: %s", b.TimeInForce)
	}
	if b.QtyPrecision == 0 {
		b.QtyPrecision = 9
	}
	if b.QtyPrecision < 0 || b.QtyPrecision > 18 {
		return fmt.Errorf("qty_precision must be between 0 and 18, got %d", b.QtyPrecision)
	}
	return nil
}

func (c *CatalogConfig) Validate() error {
	seen := map[string]struct{}{}
	symbols := make([]string, 0, len(c.Symbols))
	for _, s := range c.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			return errors.New("symbols must not be empty strings")
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		symbols = append(symbols, s)
	}
	c.Symbols = symbols
	if c.RefreshInterval.Duration == 0 {
		c.RefreshInterval.Duration = 10 * time.Minute
	}
	return nil
}

func (e *EngineConfig) Validate() error {
	if e.MaxAttempts == 0 {
		e.MaxAttempts = 3
	}
	if e.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be positive, got %d", e.MaxAttempts)
	}
	if e.MaxSettleAttempts == 0 {
		e.MaxSettleAttempts = 10
	}
	if e.MaxSettleAttempts < e.MaxAttempts {
		return fmt.Errorf("max_settle_attempts (%d) must not be below max_attempts (%d)", e.MaxSettleAttempts, e.MaxAttempts)
	}
	if e.BaseBackoff.Duration == 0 {
		e.BaseBackoff.Duration = 500 * time.Millisecond
	}
	if e.MaxBackoff.Duration == 0 {
		e.MaxBackoff.Duration = 10 * time.Second
	}
	if e.MaxBackoff.Duration < e.BaseBackoff.Duration {
		return errors.New("max_backoff must not be below base_backoff")
	}
	return nil
}

func (s *SchedulerConfig) Validate() error {
	if s.Schedule == "" {
		s.Schedule = "@every 1m"
	}
	if _, err := cron.ParseStandard(s.Schedule); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", s.Schedule, err)
	}
	if s.LockBackend == "" {
		s.LockBackend = LockSQLite
	}
	s.LockBackend = strings.ToLower(s.LockBackend)
	switch s.LockBackend {
	case LockSQLite, LockNone:
	case LockRedis:
		if s.RedisAddr == "" {
			return errors.New("redis_addr is required for the redis lock backend")
		}
	default:
		return fmt.Errorf("unsupported lock_backend: %s", s.LockBackend)
	}
	if s.LockTTL.Duration == 0 {
		s.LockTTL.Duration = 10 * time.Minute
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
