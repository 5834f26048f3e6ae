package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"tradingbot/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the trading bot.
type Config struct {
	Trading  Trading  `yaml:"trading"`
	Exchange Exchange `yaml:"exchange"`
	Risk     Risk     `yaml:"risk"`
	Strategy Strategy `yaml:"strategy"`
	Schedule Schedule `yaml:"schedule"`
	Storage  Storage  `yaml:"storage"`
	Notify   Notify   `yaml:"notify"`
	Health   Health   `yaml:"health"`
	Logging  Logging  `yaml:"logging"`
	Backtest Backtest `yaml:"backtest"`
}

// Trading selects the execution mode and traded instruments.
type Trading struct {
	Mode         string   `yaml:"mode" validate:"oneof=paper live backtest"`
	Symbol       string   `yaml:"symbol"`
	Symbols      []string `yaml:"symbols"`
	Exchange     string   `yaml:"exchange" validate:"oneof=simulator binance alpaca"`
	BaseCurrency string   `yaml:"base_currency" validate:"required"`
	PaperBalance float64  `yaml:"paper_balance" validate:"gt=0"`
	FeeRate      float64  `yaml:"fee_rate" validate:"gte=0,lt=1"`
	Timeframe    string   `yaml:"timeframe" validate:"required"`
}

// AllSymbols returns Symbols, or Symbol alone when Symbols is empty.
func (t Trading) AllSymbols() []string {
	if len(t.Symbols) > 0 {
		return t.Symbols
	}
	if t.Symbol == "" {
		return nil
	}
	return []string{t.Symbol}
}

// Exchange holds adapter timeouts, retry policy and credentials.
type Exchange struct {
	Timeout          time.Duration `yaml:"timeout" validate:"gt=0"`
	MaxRetries       int           `yaml:"max_retries" validate:"gte=1"`
	RetryDelay       time.Duration `yaml:"retry_delay" validate:"gte=0"`
	MinOrderInterval time.Duration `yaml:"min_order_interval" validate:"gte=0"`
	Binance          Binance       `yaml:"binance"`
	Alpaca           Alpaca        `yaml:"alpaca"`
}

// Binance holds credentials for the Binance spot API.
type Binance struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	Testnet   bool   `yaml:"testnet"`
}

// Alpaca holds credentials and endpoints for the Alpaca broker API.
type Alpaca struct {
	APIKey    string `yaml:"api_key"`
	APISecret string `yaml:"api_secret"`
	BaseURL   string `yaml:"base_url"`
	DataURL   string `yaml:"data_url"`
}

// Risk holds the risk limits. Percentages are fractions (0.10 = 10%).
type Risk struct {
	MaxPositionSize  float64 `yaml:"max_position_size" validate:"gt=0,lte=1"`
	StopLossPct      float64 `yaml:"stop_loss_pct" validate:"gt=0,lt=1"`
	TakeProfitPct    float64 `yaml:"take_profit_pct" validate:"gt=0"`
	MaxDrawdown      float64 `yaml:"max_drawdown" validate:"gt=0,lte=1"`
	MaxDailyLoss     float64 `yaml:"max_daily_loss" validate:"gt=0,lte=1"`
	RiskPerTrade     float64 `yaml:"risk_per_trade" validate:"gt=0,lte=1"`
	MaxPortfolioRisk float64 `yaml:"max_portfolio_risk" validate:"gt=0"`
	MaxCorrelation   float64 `yaml:"max_correlation" validate:"gt=0,lte=1"`
	MaxLeverage      float64 `yaml:"max_leverage" validate:"gt=0"`
	SizingMethod     string  `yaml:"sizing_method" validate:"oneof=fixed_risk volatility kelly"`
	TrailingStopPct  float64 `yaml:"trailing_stop_pct" validate:"gte=0,lt=1"`
	FailOpen         bool    `yaml:"fail_open"`
	KellyAvgWin      float64 `yaml:"kelly_avg_win" validate:"gt=0"`
	KellyAvgLoss     float64 `yaml:"kelly_avg_loss" validate:"gt=0"`

	// TrailingStop arms a trailing stop on every open position.
	TrailingStop bool `yaml:"trailing_stop"`

	// BackstopPct is a risk-loop stop below stop_loss_pct; 0 disables it.
	BackstopPct float64 `yaml:"backstop_pct" validate:"gte=0,lt=1"`
}

// Limits converts the section to domain risk limits.
func (r Risk) Limits() domain.RiskLimits {
	return domain.RiskLimits{
		MaxPositionSize:  r.MaxPositionSize,
		MaxDailyLoss:     r.MaxDailyLoss,
		MaxDrawdown:      r.MaxDrawdown,
		RiskPerTrade:     r.RiskPerTrade,
		MaxPortfolioRisk: r.MaxPortfolioRisk,
		MaxCorrelation:   r.MaxCorrelation,
		MaxLeverage:      r.MaxLeverage,
	}
}

// Strategy configures the grid-DCA strategy. Percentages are fractions.
type Strategy struct {
	Name               string        `yaml:"name" validate:"required"`
	GridLevels         int           `yaml:"grid_levels" validate:"gte=1"`
	GridSpacing        float64       `yaml:"grid_spacing" validate:"gt=0,lt=1"`
	Budget             float64       `yaml:"budget" validate:"gt=0"`
	MaxInvestment      float64       `yaml:"max_investment" validate:"gt=0"`
	InitialPositionPct float64       `yaml:"initial_position_pct" validate:"gte=0,lte=1"`
	DCAPercentage      float64       `yaml:"dca_percentage" validate:"gt=0,lt=1"`
	DCAMultiplier      float64       `yaml:"dca_multiplier" validate:"gte=1"`
	MaxDCALevels       int           `yaml:"max_dca_levels" validate:"gte=0"`
	DCABaseAmount      float64       `yaml:"dca_base_amount" validate:"gt=0"`
	Cooldown           time.Duration `yaml:"cooldown" validate:"gte=0"`
}

// Schedule holds the orchestrator loop periods.
type Schedule struct {
	StrategyInterval   time.Duration `yaml:"strategy_interval" validate:"gt=0"`
	PortfolioInterval  time.Duration `yaml:"portfolio_interval" validate:"gt=0"`
	RiskInterval       time.Duration `yaml:"risk_interval" validate:"gt=0"`
	OrderInterval      time.Duration `yaml:"order_interval" validate:"gt=0"`
	HealthInterval     time.Duration `yaml:"health_interval" validate:"gt=0"`
	MarketDataInterval time.Duration `yaml:"market_data_interval" validate:"gt=0"`
	ErrorBackoff       time.Duration `yaml:"error_backoff" validate:"gte=0"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" validate:"gt=0"`
}

// Storage holds persistence settings. An empty Driver disables the SQL
// store.
type Storage struct {
	Driver     string `yaml:"driver" validate:"omitempty,oneof=sqlite postgres"`
	DSN        string `yaml:"dsn"`
	SQLitePath string `yaml:"sqlite_path"`
	DataDir    string `yaml:"data_dir"`
}

// Notify configures the optional Kafka notification sink.
type Notify struct {
	KafkaBrokers []string `yaml:"kafka_brokers"`
	TradeTopic   string   `yaml:"trade_topic"`
	AlertTopic   string   `yaml:"alert_topic"`
}

// Health configures the gRPC health endpoint. Empty GRPCAddr disables it.
type Health struct {
	GRPCAddr string `yaml:"grpc_addr"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Backtest bounds the replayed candle range (YYYY-MM-DD).
type Backtest struct {
	Start string `yaml:"start"`
	End   string `yaml:"end"`
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

// Default returns a Config populated with the built-in defaults.
func Default() *Config {
	return &Config{
		Trading: Trading{
			Mode:         string(domain.ModePaper),
			Symbol:       "BTC/USDT",
			Exchange:     "binance",
			BaseCurrency: "USDT",
			PaperBalance: 10000,
			FeeRate:      0.001,
			Timeframe:    "1m",
		},
		Exchange: Exchange{
			Timeout:          30 * time.Second,
			MaxRetries:       3,
			RetryDelay:       time.Second,
			MinOrderInterval: time.Second,
		},
		Risk: Risk{
			MaxPositionSize:  0.10,
			StopLossPct:      0.15,
			TakeProfitPct:    0.03,
			MaxDrawdown:      0.15,
			MaxDailyLoss:     0.05,
			RiskPerTrade:     0.01,
			MaxPortfolioRisk: 0.60,
			MaxCorrelation:   0.8,
			MaxLeverage:      3.0,
			SizingMethod:     "fixed_risk",
			TrailingStopPct:  0.02,
			BackstopPct:      0.25,
			FailOpen:         true,
			KellyAvgWin:      0.02,
			KellyAvgLoss:     0.01,
		},
		Strategy: Strategy{
			Name:               "grid_dca",
			GridLevels:         10,
			GridSpacing:        0.02,
			Budget:             1000,
			MaxInvestment:      5000,
			InitialPositionPct: 0.1,
			DCAPercentage:      0.05,
			DCAMultiplier:      1.5,
			MaxDCALevels:       5,
			DCABaseAmount:      100,
			Cooldown:           5 * time.Minute,
		},
		Schedule: Schedule{
			StrategyInterval:   30 * time.Second,
			PortfolioInterval:  5 * time.Minute,
			RiskInterval:       60 * time.Second,
			OrderInterval:      30 * time.Second,
			HealthInterval:     5 * time.Minute,
			MarketDataInterval: time.Minute,
			ErrorBackoff:       60 * time.Second,
			ShutdownTimeout:    30 * time.Second,
		},
		Storage: Storage{
			SQLitePath: "data/tradingbot.db",
			DataDir:    "data",
		},
		Notify: Notify{
			TradeTopic: "tradingbot.trades",
			AlertTopic: "tradingbot.alerts",
		},
		Logging: Logging{
			Level:  "info",
			Format: "json",
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path over the
// defaults, applies environment variable overrides (a .env file in the
// working directory is loaded first when present), and validates the
// result. All failures wrap domain.ErrConfiguration.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: loading .env: %v", domain.ErrConfiguration, err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading %s: %v", domain.ErrConfiguration, path, err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: parsing %s: %v", domain.ErrConfiguration, path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADING_MODE"); v != "" {
		cfg.Trading.Mode = v
	}
	if v := os.Getenv("TRADING_SYMBOL"); v != "" {
		cfg.Trading.Symbol = v
		cfg.Trading.Symbols = nil
	}

	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.Driver = "postgres"
		cfg.Storage.DSN = v
	}

	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		cfg.Exchange.Binance.APIKey = v
	}
	if v := os.Getenv("BINANCE_API_SECRET"); v != "" {
		cfg.Exchange.Binance.APISecret = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Exchange.Alpaca.APIKey = v
	}
	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Exchange.Alpaca.APISecret = v
	}
	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Exchange.Alpaca.BaseURL = v
	}
	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Exchange.Alpaca.DataURL = v
	}

	if v := os.Getenv("KAFKA_BROKERS"); v != "" {
		cfg.Notify.KafkaBrokers = strings.Split(v, ",")
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority: canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Exchange.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Exchange.Alpaca.APISecret = v
	}
}
