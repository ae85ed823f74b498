// Package config defines all configuration for the arbitrage engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via ARB_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun     bool             `mapstructure:"dry_run"`
	Kalshi     KalshiConfig     `mapstructure:"kalshi"`
	Polymarket PolymarketConfig `mapstructure:"polymarket"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Settlement SettlementConfig `mapstructure:"settlement"`
	Spot       SpotConfig       `mapstructure:"spot"`
	Journal    JournalConfig    `mapstructure:"journal"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// KalshiConfig holds the Kalshi API endpoints and signed-header credentials.
// PrivateKeyPEM is the RSA key (PKCS#1 or PKCS#8 PEM) paired with APIKeyID;
// every REST and WS request carries an RSA-PSS signature header triple.
type KalshiConfig struct {
	BaseURL       string `mapstructure:"base_url"`
	WSURL         string `mapstructure:"ws_url"`
	APIKeyID      string `mapstructure:"api_key_id"`
	PrivateKeyPEM string `mapstructure:"private_key_pem"`
	SeriesTicker  string `mapstructure:"series_ticker"` // e.g. KXBTC15M
}

// PolymarketConfig holds the Polymarket CLOB endpoints and wallet credentials.
// PrivateKey signs L1 (EIP-712) auth and orders; FunderAddress is the
// on-chain wallet that funds orders (may differ from the signer when using
// a proxy). If the L2 triplet is empty it is derived via L1 on startup.
type PolymarketConfig struct {
	CLOBBaseURL   string `mapstructure:"clob_base_url"`
	GammaBaseURL  string `mapstructure:"gamma_base_url"`
	DataBaseURL   string `mapstructure:"data_base_url"`
	WSMarketURL   string `mapstructure:"ws_market_url"`
	PrivateKey    string `mapstructure:"private_key"`
	SignatureType int    `mapstructure:"signature_type"`
	FunderAddress string `mapstructure:"funder_address"`
	ChainID       int    `mapstructure:"chain_id"`
	ApiKey        string `mapstructure:"api_key"`
	Secret        string `mapstructure:"secret"`
	Passphrase    string `mapstructure:"passphrase"`
}

// RiskConfig freezes the hard limits of the execution core. Defaults are the
// production values; every guard and the executor read from here.
type RiskConfig struct {
	MinEdgeNet            float64       `mapstructure:"min_edge_net"`             // $0.04
	SlippageBufferPerLeg  float64       `mapstructure:"slippage_buffer_per_leg"`  // $0.005
	MaxLegDelay           time.Duration `mapstructure:"max_leg_delay"`            // 500ms
	CooldownAfterFailure  time.Duration `mapstructure:"cooldown_after_failure"`   // 3s
	CooldownAfterSuccess  time.Duration `mapstructure:"cooldown_after_success"`   // 1s
	MaxDailyLoss          float64       `mapstructure:"max_daily_loss"`           // $20
	MaxNotional           float64       `mapstructure:"max_notional"`             // $200
	MaxQtyPerTrade        float64       `mapstructure:"max_qty_per_trade"`        // 25 contracts
	BookDepthFraction     float64       `mapstructure:"book_depth_fraction"`      // 0.80
	MaxOpenOrders         int           `mapstructure:"max_open_orders"`          // 4
	UnwindLadderSteps     int           `mapstructure:"unwind_ladder_steps"`      // 3
	UnwindLadderStepSize  float64       `mapstructure:"unwind_ladder_step_size"`  // $0.01
	UnwindStepTimeout     time.Duration `mapstructure:"unwind_step_timeout"`      // 500ms
	UnwindMaxTotalTime    time.Duration `mapstructure:"unwind_max_total_time"`    // 3s
	MinVenueBalance       float64       `mapstructure:"min_venue_balance"`        // $10
	NoNewPositionsCutoff  time.Duration `mapstructure:"no_new_positions_cutoff"`  // 75s
	PreCloseUnwind        time.Duration `mapstructure:"pre_close_unwind"`         // 70s
	MaxPositionImbalance  float64       `mapstructure:"max_position_imbalance"`   // 2 contracts
}

// ReconcilerConfig tunes the periodic venue-side-of-truth reconciliation.
type ReconcilerConfig struct {
	Interval             time.Duration `mapstructure:"interval"`               // 60s
	NoiseThreshold       float64       `mapstructure:"noise_threshold"`        // 5 contracts
	StabilityTolerance   float64       `mapstructure:"stability_tolerance"`    // 2 contracts
	PostExecGracePeriod  time.Duration `mapstructure:"post_exec_grace_period"` // 30s
	MaxActionQty         float64       `mapstructure:"max_action_qty"`         // 50 contracts
	ActionCooldown       time.Duration `mapstructure:"action_cooldown"`        // 120s
	ActionExecCooldown   time.Duration `mapstructure:"action_exec_cooldown"`   // 3s, execution pause after a corrective fill
}

// SettlementConfig controls the post-close outcome checks.
type SettlementConfig struct {
	CheckDelays []time.Duration `mapstructure:"check_delays"` // default 15s, 2m, 5m
}

// SpotConfig points at the public BTC spot ticker used for TWAP and
// crossing analytics.
type SpotConfig struct {
	TickerURL    string        `mapstructure:"ticker_url"`
	PollInterval time.Duration `mapstructure:"poll_interval"` // 1s
}

// JournalConfig sets where the CSV journals are written.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: ARB_KALSHI_API_KEY_ID, ARB_KALSHI_PRIVATE_KEY_PEM,
// ARB_POLY_PRIVATE_KEY, ARB_POLY_API_KEY, ARB_POLY_SECRET, ARB_POLY_PASSPHRASE.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("ARB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if k := os.Getenv("ARB_KALSHI_API_KEY_ID"); k != "" {
		cfg.Kalshi.APIKeyID = k
	}
	if k := os.Getenv("ARB_KALSHI_PRIVATE_KEY_PEM"); k != "" {
		cfg.Kalshi.PrivateKeyPEM = k
	}
	if k := os.Getenv("ARB_POLY_PRIVATE_KEY"); k != "" {
		cfg.Polymarket.PrivateKey = k
	}
	if k := os.Getenv("ARB_POLY_API_KEY"); k != "" {
		cfg.Polymarket.ApiKey = k
	}
	if k := os.Getenv("ARB_POLY_SECRET"); k != "" {
		cfg.Polymarket.Secret = k
	}
	if k := os.Getenv("ARB_POLY_PASSPHRASE"); k != "" {
		cfg.Polymarket.Passphrase = k
	}
	if os.Getenv("ARB_DRY_RUN") == "true" || os.Getenv("ARB_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("dry_run", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("kalshi.base_url", "https://api.elections.kalshi.com/trade-api/v2")
	v.SetDefault("kalshi.ws_url", "wss://api.elections.kalshi.com/trade-api/ws/v2")
	v.SetDefault("kalshi.series_ticker", "KXBTC15M")

	v.SetDefault("polymarket.clob_base_url", "https://clob.polymarket.com")
	v.SetDefault("polymarket.gamma_base_url", "https://gamma-api.polymarket.com")
	v.SetDefault("polymarket.data_base_url", "https://data-api.polymarket.com")
	v.SetDefault("polymarket.ws_market_url", "wss://ws-subscriptions-clob.polymarket.com/ws/market")
	v.SetDefault("polymarket.chain_id", 137)

	v.SetDefault("risk.min_edge_net", 0.04)
	v.SetDefault("risk.slippage_buffer_per_leg", 0.005)
	v.SetDefault("risk.max_leg_delay", 500*time.Millisecond)
	v.SetDefault("risk.cooldown_after_failure", 3*time.Second)
	v.SetDefault("risk.cooldown_after_success", time.Second)
	v.SetDefault("risk.max_daily_loss", 20.0)
	v.SetDefault("risk.max_notional", 200.0)
	v.SetDefault("risk.max_qty_per_trade", 25.0)
	v.SetDefault("risk.book_depth_fraction", 0.80)
	v.SetDefault("risk.max_open_orders", 4)
	v.SetDefault("risk.unwind_ladder_steps", 3)
	v.SetDefault("risk.unwind_ladder_step_size", 0.01)
	v.SetDefault("risk.unwind_step_timeout", 500*time.Millisecond)
	v.SetDefault("risk.unwind_max_total_time", 3*time.Second)
	v.SetDefault("risk.min_venue_balance", 10.0)
	v.SetDefault("risk.no_new_positions_cutoff", 75*time.Second)
	v.SetDefault("risk.pre_close_unwind", 70*time.Second)
	v.SetDefault("risk.max_position_imbalance", 2.0)

	v.SetDefault("reconciler.interval", 60*time.Second)
	v.SetDefault("reconciler.noise_threshold", 5.0)
	v.SetDefault("reconciler.stability_tolerance", 2.0)
	v.SetDefault("reconciler.post_exec_grace_period", 30*time.Second)
	v.SetDefault("reconciler.max_action_qty", 50.0)
	v.SetDefault("reconciler.action_cooldown", 120*time.Second)
	v.SetDefault("reconciler.action_exec_cooldown", 3*time.Second)

	v.SetDefault("settlement.check_delays", []time.Duration{
		15 * time.Second, 2 * time.Minute, 5 * time.Minute,
	})

	v.SetDefault("spot.ticker_url", "https://api.binance.com/api/v3/ticker/price?symbol=BTCUSDT")
	v.SetDefault("spot.poll_interval", time.Second)

	v.SetDefault("journal.dir", "data")
}

// Validate checks required fields and value ranges. Credential checks only
// apply in live mode; dry-run needs no keys.
func (c *Config) Validate() error {
	if c.Risk.MinEdgeNet <= 0 {
		return fmt.Errorf("risk.min_edge_net must be > 0")
	}
	if c.Risk.MaxDailyLoss <= 0 {
		return fmt.Errorf("risk.max_daily_loss must be > 0")
	}
	if c.Risk.MaxNotional <= 0 {
		return fmt.Errorf("risk.max_notional must be > 0")
	}
	if c.Risk.MaxQtyPerTrade <= 0 {
		return fmt.Errorf("risk.max_qty_per_trade must be > 0")
	}
	if c.Risk.BookDepthFraction <= 0 || c.Risk.BookDepthFraction > 1 {
		return fmt.Errorf("risk.book_depth_fraction must be in (0, 1]")
	}
	if c.Risk.UnwindLadderSteps < 1 {
		return fmt.Errorf("risk.unwind_ladder_steps must be >= 1")
	}
	if c.Kalshi.SeriesTicker == "" {
		return fmt.Errorf("kalshi.series_ticker is required")
	}
	if c.DryRun {
		return nil
	}

	// Live mode requires credentials for both venues.
	if c.Kalshi.APIKeyID == "" {
		return fmt.Errorf("kalshi.api_key_id is required in live mode (set ARB_KALSHI_API_KEY_ID)")
	}
	if c.Kalshi.PrivateKeyPEM == "" {
		return fmt.Errorf("kalshi.private_key_pem is required in live mode (set ARB_KALSHI_PRIVATE_KEY_PEM)")
	}
	if c.Polymarket.PrivateKey == "" {
		return fmt.Errorf("polymarket.private_key is required in live mode (set ARB_POLY_PRIVATE_KEY)")
	}
	if c.Polymarket.ChainID == 0 {
		return fmt.Errorf("polymarket.chain_id is required (137 for mainnet)")
	}
	switch c.Polymarket.SignatureType {
	case 0, 1, 2:
	default:
		return fmt.Errorf("polymarket.signature_type must be one of: 0 (EOA), 1 (POLY_PROXY), 2 (GNOSIS_SAFE)")
	}
	if c.Polymarket.SignatureType != 0 && c.Polymarket.FunderAddress == "" {
		return fmt.Errorf("polymarket.funder_address is required when signature_type is 1 or 2")
	}
	return nil
}
