// Package config loads the engine's structured configuration, layered
// the way the reference corpus layers it: a YAML file for the bulk of
// the structure (configs/config.go in the go-ethereum-backed teacher
// repo), a .env overlay for local development secrets/overrides
// (env.go in the coinbase trading-bot example), and CLI flag/viper
// binding on top for operators (cmd/dexarb).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"dexarb/internal/chain"
	"dexarb/internal/rpcpool"
)

// VenueConfig describes one DEX family: its factory and fee fraction.
type VenueConfig struct {
	Name    string `yaml:"name" json:"name"`
	Factory string `yaml:"factory" json:"factory"`
	FeeNum  int64  `yaml:"fee_num" json:"fee_num"`
	FeeDen  int64  `yaml:"fee_den" json:"fee_den"`
}

// TokenConfig describes one token's address and mandatory decimals.
type TokenConfig struct {
	Symbol   string `yaml:"symbol" json:"symbol"`
	Address  string `yaml:"address" json:"address"`
	Decimals uint8  `yaml:"decimals" json:"decimals"`
}

// MonitoredPair names a token pair to watch across all configured
// venues.
type MonitoredPair struct {
	TokenA string `yaml:"token_a" json:"token_a"`
	TokenB string `yaml:"token_b" json:"token_b"`
}

// TriangularCycle names a 3-token cycle and its quote currency.
// QuoteToken is mandatory per spec.md §9's open question on
// quote-currency selection: it is never inferred from the cycle.
type TriangularCycle struct {
	Tokens     [3]string `yaml:"tokens" json:"tokens"`
	QuoteToken string    `yaml:"quote_token" json:"quote_token"`
}

// EndpointConfig mirrors rpcpool.EndpointConfig in YAML-friendly form.
type EndpointConfig struct {
	URL        string        `yaml:"url" json:"url"`
	Weight     int           `yaml:"weight" json:"weight"`
	MaxRetries int           `yaml:"max_retries" json:"max_retries"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`
}

// Config is the single structured object spec.md §6 requires, with
// at least the fields it names. json tags mirror the yaml tags so
// the /config read endpoint renders the same field names operators
// use in the YAML file.
type Config struct {
	Endpoints        []EndpointConfig  `yaml:"endpoints" json:"endpoints"`
	Venues           []VenueConfig     `yaml:"venues" json:"venues"`
	Tokens           []TokenConfig     `yaml:"tokens" json:"tokens"`
	MonitoredPairs   []MonitoredPair   `yaml:"monitored_pairs" json:"monitored_pairs"`
	TriangularCycles []TriangularCycle `yaml:"triangular_cycles" json:"triangular_cycles"`

	MinProfitQuote           int64         `yaml:"min_profit_quote" json:"min_profit_quote"`             // default $10 equivalent, integer quote units
	MinMargin                float64       `yaml:"min_margin" json:"min_margin"`                         // default 0.005
	SafetyMargin             float64       `yaml:"safety_margin" json:"safety_margin"`                   // default 0.10
	MaxPositionSize          string        `yaml:"max_position_size" json:"max_position_size"`           // big.Int decimal string, input-token units
	GasBuffer                float64       `yaml:"gas_buffer" json:"gas_buffer"`                         // default 1.2
	MaxGasPrice              int64         `yaml:"max_gas_price" json:"max_gas_price"`                   // wei
	MinLiquidityQuote        int64         `yaml:"min_liquidity_quote" json:"min_liquidity_quote"`
	MaxPriceImpact           float64       `yaml:"max_price_impact" json:"max_price_impact"`             // default 0.005
	OpportunityTimeout       time.Duration `yaml:"opportunity_timeout" json:"opportunity_timeout"`       // default 30s
	ScanInterval             time.Duration `yaml:"scan_interval" json:"scan_interval"`                   // default 5s periodic timer
	BatchSize                int           `yaml:"batch_size" json:"batch_size"`                         // default 25
	StaggerDelay             time.Duration `yaml:"stagger_delay" json:"stagger_delay"`                   // default 100ms
	CacheTTL                 time.Duration `yaml:"cache_ttl" json:"cache_ttl"`                           // default 30s
	FailoverThreshold        int           `yaml:"failover_threshold" json:"failover_threshold"`         // default 3
	CooldownPeriod           time.Duration `yaml:"cooldown_period" json:"cooldown_period"`               // default 60s
	MaxConcurrentPositions   int           `yaml:"max_concurrent_positions" json:"max_concurrent_positions"`
	MaxDailyLoss             int64         `yaml:"max_daily_loss" json:"max_daily_loss"`
	MaxDrawdown              float64       `yaml:"max_drawdown" json:"max_drawdown"`
	ShutdownGrace            time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`                 // default 5s
	MaxOpportunitiesPerBlock int           `yaml:"max_opportunities_per_block" json:"max_opportunities_per_block"` // default 3
	MaxBlockSkew             uint64        `yaml:"max_block_skew" json:"max_block_skew"`                 // default 1
	UnhealthyAfter           time.Duration `yaml:"unhealthy_after" json:"unhealthy_after"`               // default 30s
	EmitRejected             bool          `yaml:"emit_rejected" json:"emit_rejected"`                   // default false, see DESIGN.md open question
	StoreBufferLimit         int           `yaml:"store_buffer_limit" json:"store_buffer_limit"`         // default 10000
	StoreOutageMax           time.Duration `yaml:"store_outage_max" json:"store_outage_max"`             // default 60s

	HTTPAddr    string `yaml:"http_addr" json:"http_addr"` // Read API listen address
	DBPath      string `yaml:"db_path" json:"db_path"`     // sqlstore path, when store_driver=sqlite
	StoreDriver string `yaml:"store_driver" json:"store_driver"` // "sqlite" or "mysql"
	MySQLDSN    string `yaml:"mysql_dsn" json:"-"`          // never echoed back over the read API

	StartingCapital    int64   `yaml:"starting_capital" json:"starting_capital"`       // quote-asset smallest unit, PortfolioState's initial equity
	SlippageBps        int64   `yaml:"slippage_bps" json:"slippage_bps"`               // sim.Config.SlippageBps, default 50 (0.5%)
	NativeToQuotePrice float64 `yaml:"native_to_quote_price" json:"native_to_quote_price"` // see DESIGN.md open question decisions
}

// Default returns a Config populated with every spec-mandated default
// value, following the teacher's Default() factory convention
// (internal/config/config.go in the reference corpus).
func Default() *Config {
	return &Config{
		MinProfitQuote:           10_000_000,
		MinMargin:                0.005,
		SafetyMargin:             0.10,
		GasBuffer:                1.2,
		MaxPriceImpact:           0.005,
		OpportunityTimeout:       30 * time.Second,
		ScanInterval:             5 * time.Second,
		BatchSize:                25,
		StaggerDelay:             100 * time.Millisecond,
		CacheTTL:                 30 * time.Second,
		FailoverThreshold:        3,
		CooldownPeriod:           60 * time.Second,
		MaxConcurrentPositions:   5,
		MaxDrawdown:              0.2,
		ShutdownGrace:            5 * time.Second,
		MaxOpportunitiesPerBlock: 3,
		MaxBlockSkew:             1,
		UnhealthyAfter:           30 * time.Second,
		StoreBufferLimit:         10_000,
		StoreOutageMax:           60 * time.Second,
		HTTPAddr:                 ":8080",
		StoreDriver:              "sqlite",
		DBPath:                   "dexarb.db",
		StartingCapital:          1_000_000_000, // 1000 quote units at 6 decimals
		SlippageBps:              50,
	}
}

// Load reads a YAML config file over the defaults, then applies a
// .env overlay if envPath exists (silently skipped otherwise, as
// local dev convenience, matching the coinbase example's loadBotEnv).
func Load(yamlPath, envPath string) (*Config, error) {
	cfg := Default()

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", yamlPath, chain.ErrConfigError)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", yamlPath, chain.ErrConfigError)
		}
	}

	if envPath != "" {
		if err := godotenv.Overload(envPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("config: load %s: %w", envPath, chain.ErrConfigError)
		}
		applyEnvOverrides(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DEXARB_HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	if v := os.Getenv("DEXARB_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("DEXARB_MYSQL_DSN"); v != "" {
		cfg.MySQLDSN = v
	}
	if v := os.Getenv("DEXARB_STORE_DRIVER"); v != "" {
		cfg.StoreDriver = v
	}
}

// Validate checks the fatal-at-startup invariants: at least one
// endpoint, at least one venue, and a well-formed venue fee fraction
// for each configured venue.
func (c *Config) Validate() error {
	if len(c.Endpoints) == 0 {
		return fmt.Errorf("config: no RPC endpoints configured: %w", chain.ErrConfigError)
	}
	if len(c.Venues) == 0 {
		return fmt.Errorf("config: no venues configured: %w", chain.ErrConfigError)
	}
	for _, v := range c.Venues {
		num, den := v.FeeNum, v.FeeDen
		if num == 0 && den == 0 {
			continue // filled in with the 997/1000 default downstream
		}
		if den <= 0 || num <= 0 || num > den {
			return fmt.Errorf("config: venue %s: invalid fee %d/%d: %w", v.Name, num, den, chain.ErrConfigError)
		}
	}
	if c.StoreDriver != "sqlite" && c.StoreDriver != "mysql" {
		return fmt.Errorf("config: unknown store_driver %q: %w", c.StoreDriver, chain.ErrConfigError)
	}
	return nil
}

// RpcPoolEndpoints converts the YAML-friendly endpoint list into
// rpcpool.EndpointConfig values.
func (c *Config) RpcPoolEndpoints() []rpcpool.EndpointConfig {
	out := make([]rpcpool.EndpointConfig, len(c.Endpoints))
	for i, e := range c.Endpoints {
		out[i] = rpcpool.EndpointConfig{URL: e.URL, Weight: e.Weight, MaxRetries: e.MaxRetries, Timeout: e.Timeout}
	}
	return out
}
