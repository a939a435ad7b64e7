package config

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration for the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	Arbitrage ArbitrageConfig
	Database  DatabaseConfig
	Exchanges map[string]ExchangeConfig
	Telegram  TelegramConfig
	HTTP      HTTPConfig
	Logging   LoggingConfig
}

// ArbitrageConfig defines the arbitrage-related settings.
type ArbitrageConfig struct {
	BaseCurrency     string        `mapstructure:"base_currency"`
	CycleLengths     []int         `mapstructure:"cycle_lengths"`
	MinProfitPct     float64       `mapstructure:"min_profit_pct"`
	MaxRoutes        int           `mapstructure:"max_routes"`
	SlippagePct      float64       `mapstructure:"slippage_pct"`
	ScanInterval     time.Duration `mapstructure:"scan_interval"`
	CallTimeout      time.Duration `mapstructure:"call_timeout"`
	MaxNotional      float64       `mapstructure:"max_notional"`
	DedupeCycles     bool          `mapstructure:"dedupe_cycles"`
	SummaryEveryScan bool          `mapstructure:"summary_every_scan"`
	MaxEvaluations   int           `mapstructure:"max_evaluations"`
	Reserve          ReserveConfig
	Commission       CommissionConfig
}

// ReserveConfig defines the fee-currency reserve kept topped up before executions.
type ReserveConfig struct {
	Enabled       bool    `mapstructure:"enabled"`
	Asset         string  `mapstructure:"asset"`
	Symbol        string  `mapstructure:"symbol"`
	MinAmount     float64 `mapstructure:"min_amount"`
	TopUpNotional float64 `mapstructure:"topup_notional"`
}

// CommissionConfig defines the commission charged on realized profit.
type CommissionConfig struct {
	FeePct        float64 `mapstructure:"fee_pct"`
	Asset         string  `mapstructure:"asset"`
	PayoutAddress string  `mapstructure:"payout_address"`
	SweepSchedule string  `mapstructure:"sweep_schedule"`
}

// DatabaseConfig defines the database connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(d.User, d.Password),
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.DBName,
	}
	return u.String()
}

// ExchangeConfig defines settings for a specific exchange.
type ExchangeConfig struct {
	TakerFeePercent float64       `mapstructure:"taker_fee_percent"`
	BaseURL         string        `mapstructure:"base_url"`
	WSURL           string        `mapstructure:"ws_url"`
	Timeout         time.Duration `mapstructure:"timeout"`
	StaleAfter      time.Duration `mapstructure:"stale_after"`
	DryRun          bool          `mapstructure:"dry_run"`

	// PaperBalances seeds the in-memory wallet used when DryRun is set.
	PaperBalances map[string]float64 `mapstructure:"paper_balances"`
}

// TelegramConfig defines the notification bot settings.
type TelegramConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	BotToken       string        `mapstructure:"bot_token"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// HTTPConfig defines the control surface listener.
type HTTPConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig defines the slog handler.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err = v.ReadInConfig(); err != nil {
		return config, fmt.Errorf("failed to read config file: %w", err)
	}

	if err = v.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("arbitrage.base_currency", "USDT")
	v.SetDefault("arbitrage.cycle_lengths", []int{3, 4, 5})
	v.SetDefault("arbitrage.min_profit_pct", 0.3)
	v.SetDefault("arbitrage.max_routes", 3)
	v.SetDefault("arbitrage.slippage_pct", 0.05)
	v.SetDefault("arbitrage.scan_interval", "10s")
	v.SetDefault("arbitrage.call_timeout", "10s")
	v.SetDefault("arbitrage.max_notional", 10000.0)
	v.SetDefault("arbitrage.dedupe_cycles", true)
	v.SetDefault("arbitrage.summary_every_scan", true)
	v.SetDefault("arbitrage.max_evaluations", 50000)
	v.SetDefault("arbitrage.reserve.enabled", false)
	v.SetDefault("arbitrage.reserve.asset", "BNB")
	v.SetDefault("arbitrage.reserve.symbol", "BNBUSDT")
	v.SetDefault("arbitrage.reserve.min_amount", 0.05)
	v.SetDefault("arbitrage.reserve.topup_notional", 15.0)
	v.SetDefault("arbitrage.commission.fee_pct", 10.0)
	v.SetDefault("arbitrage.commission.asset", "USDT")
	v.SetDefault("arbitrage.commission.sweep_schedule", "@every 10m")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)

	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("http.listen_addr", ":8080")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are usable.
func (c *Config) Validate() error {
	a := c.Arbitrage
	if a.BaseCurrency == "" {
		return fmt.Errorf("arbitrage.base_currency is required")
	}
	if len(a.CycleLengths) == 0 {
		return fmt.Errorf("arbitrage.cycle_lengths must contain at least one length")
	}
	for _, l := range a.CycleLengths {
		if l < 3 {
			return fmt.Errorf("arbitrage.cycle_lengths must be at least 3, got %d", l)
		}
	}
	if a.MaxRoutes < 1 {
		return fmt.Errorf("arbitrage.max_routes must be at least 1")
	}
	if a.SlippagePct < 0 || a.SlippagePct >= 100 {
		return fmt.Errorf("arbitrage.slippage_pct must be in [0, 100)")
	}
	if a.ScanInterval <= 0 {
		return fmt.Errorf("arbitrage.scan_interval must be positive")
	}
	if a.CallTimeout <= 0 {
		return fmt.Errorf("arbitrage.call_timeout must be positive")
	}
	if a.MaxNotional <= 0 {
		return fmt.Errorf("arbitrage.max_notional must be positive")
	}
	if a.MaxEvaluations <= 0 {
		return fmt.Errorf("arbitrage.max_evaluations must be positive")
	}
	if a.Reserve.Enabled && (a.Reserve.Asset == "" || a.Reserve.Symbol == "") {
		return fmt.Errorf("arbitrage.reserve.asset and symbol are required when the reserve is enabled")
	}
	if a.Commission.FeePct < 0 || a.Commission.FeePct > 100 {
		return fmt.Errorf("arbitrage.commission.fee_pct must be between 0 and 100")
	}

	if len(c.Exchanges) == 0 {
		return fmt.Errorf("at least one exchange must be configured")
	}
	for name, ex := range c.Exchanges {
		if ex.TakerFeePercent < 0 {
			return fmt.Errorf("exchanges.%s.taker_fee_percent must not be negative", name)
		}
	}

	if c.Telegram.Enabled && c.Telegram.BotToken == "" {
		return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("logging.format must be one of: json, text")
	}
	return nil
}

// TakerFees returns the taker fee percentage per exchange.
func (c *Config) TakerFees() map[string]float64 {
	fees := make(map[string]float64, len(c.Exchanges))
	for name, ex := range c.Exchanges {
		fees[name] = ex.TakerFeePercent
	}
	return fees
}
