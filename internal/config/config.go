package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"signaltrader/internal/models"
	"signaltrader/pkg/crypto"
)

// Режимы запуска
const (
	ModeBacktest = "backtest"
	ModeLive     = "live"
)

// Config содержит всю конфигурацию приложения
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Exchange ExchangeConfig `yaml:"exchange"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Trading  TradingConfig  `yaml:"trading"`
	Backtest BacktestConfig `yaml:"backtest"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"-"`
}

// ServerConfig - настройки HTTP сервера
type ServerConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`

	// Токен для POST /api/v1/signals: открытый текст или bcrypt хеш, пусто - без проверки
	APIToken       string   `yaml:"api_token"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig - хранилище ордеров
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // memory, sqlite, postgres, badger
	DSN    string `yaml:"dsn"`    // строка подключения или путь
}

// ExchangeConfig - подключение к бирже и параметры исполнителя
type ExchangeConfig struct {
	Name       string        `yaml:"name"`
	APIKey     string        `yaml:"api_key"`
	Secret     string        `yaml:"secret"`
	Passphrase string        `yaml:"passphrase"`
	BaseURL    string        `yaml:"base_url"`
	Timeout    time.Duration `yaml:"timeout"`

	PaperBalance float64 `yaml:"paper_balance"`
	FeeRate      float64 `yaml:"fee_rate"`

	OrdersPerSecond  float64       `yaml:"orders_per_second"`
	QueriesPerSecond float64       `yaml:"queries_per_second"`
	OrderTimeout     time.Duration `yaml:"order_timeout"`
	StatusAttempts   int           `yaml:"status_attempts"`
}

// PipelineConfig - очередь ордерных запросов
type PipelineConfig struct {
	Mode      string        `yaml:"mode"` // sync или concurrent
	MaxOrders int           `yaml:"max_orders"`
	Interval  time.Duration `yaml:"interval"`
}

// TradingConfig - глобальные ограничения и трейдеры по символам
type TradingConfig struct {
	Mode              string        `yaml:"mode"`
	QuoteAsset        string        `yaml:"quote_asset"`
	MaxPositions      int           `yaml:"max_positions"`
	BalanceRefreshSec int64         `yaml:"balance_refresh_sec"`
	PollInterval      time.Duration `yaml:"poll_interval"`

	GlobalLossPausePct float64 `yaml:"global_loss_pause_pct"`
	GlobalLossPauseSec int64   `yaml:"global_loss_pause_sec"`

	Traders []TraderConfig `yaml:"traders"`
}

// StrategyRef - имя зарегистрированной стратегии и её параметры
type StrategyRef struct {
	Name   string             `yaml:"name"`
	Params map[string]float64 `yaml:"params"`
}

// FilterRef - стратегия другой гранулярности, подтверждающая открытие
type FilterRef struct {
	Granularity int `yaml:"granularity"`
	StrategyRef `yaml:",inline"`
}

// TraderConfig - трейдер одного символа
type TraderConfig struct {
	Symbol      string      `yaml:"symbol"`
	Granularity int         `yaml:"granularity"`
	Strategy    StrategyRef `yaml:"strategy"`
	Filters     []FilterRef `yaml:"filters"`
	Sizing      StrategyRef `yaml:"sizing"`
	Loss        StrategyRef `yaml:"loss"` // пустое имя - без стоп-лосса

	StartOrderType string  `yaml:"start_order_type"`
	EndOrderType   string  `yaml:"end_order_type"`
	BuyDriftPct    float64 `yaml:"buy_drift_pct"`
	SellDriftPct   float64 `yaml:"sell_drift_pct"`
	LimitOffsetPct float64 `yaml:"limit_offset_pct"`

	MaxPositions    int     `yaml:"max_positions"`
	OpenCooldownSec int64   `yaml:"open_cooldown_sec"`
	LossCooldownSec int64   `yaml:"loss_cooldown_sec"`
	LossCooldownPct float64 `yaml:"loss_cooldown_pct"`

	TrailingStop     bool    `yaml:"trailing_stop"`
	TrailStepPct     float64 `yaml:"trail_step_pct"`
	MinTakeProfitPct float64 `yaml:"min_take_profit_pct"`
}

// BacktestConfig - источник исторических данных
type BacktestConfig struct {
	CSVPath string `yaml:"csv_path"`
}

// SecurityConfig - ключ для значений вида "enc:<base64>" (ключи биржи).
// Только из окружения, в YAML не читается.
type SecurityConfig struct {
	EncryptionKey string
}

// LoggingConfig - настройки логирования
type LoggingConfig struct {
	Level       string `yaml:"level"`
	Format      string `yaml:"format"`
	Output      string `yaml:"output"`
	Development bool   `yaml:"development"`
}

// Load загружает конфигурацию: .env, переменные окружения, затем YAML файл из CONFIG_FILE
func Load() (*Config, error) {
	// .env необязателен
	_ = godotenv.Load()

	cfg := fromEnv()

	if path := getEnv("CONFIG_FILE", ""); path != "" {
		if err := loadConfigFile(path, cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.openSecrets(); err != nil {
		return nil, err
	}

	cfg.applyDefaults()

	if err := cfg.validateRanges(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// fromEnv собирает конфигурацию из переменных окружения
func fromEnv() *Config {
	return &Config{
		Server: ServerConfig{
			Enabled: getEnvAsBool("SERVER_ENABLED", true),
			Host:    getEnv("SERVER_HOST", "0.0.0.0"),
			Port:    getEnvAsInt("SERVER_PORT", 8080),

			APIToken:       getEnv("API_TOKEN", ""),
			AllowedOrigins: getEnvAsList("ALLOWED_ORIGINS"),
		},
		Database: DatabaseConfig{
			Driver: getEnv("DB_DRIVER", "memory"),
			DSN:    getEnv("DB_DSN", ""),
		},
		Exchange: ExchangeConfig{
			Name:       getEnv("EXCHANGE_NAME", "paper"),
			APIKey:     getEnv("EXCHANGE_API_KEY", ""),
			Secret:     getEnv("EXCHANGE_SECRET", ""),
			Passphrase: getEnv("EXCHANGE_PASSPHRASE", ""),
			BaseURL:    getEnv("EXCHANGE_BASE_URL", ""),
			Timeout:    getEnvAsDuration("EXCHANGE_TIMEOUT", 30*time.Second),

			PaperBalance: getEnvAsFloat("PAPER_BALANCE", 1000),
			FeeRate:      getEnvAsFloat("PAPER_FEE_RATE", 0.001),

			OrdersPerSecond:  getEnvAsFloat("ORDERS_PER_SECOND", 10),
			QueriesPerSecond: getEnvAsFloat("QUERIES_PER_SECOND", 20),
			OrderTimeout:     getEnvAsDuration("ORDER_TIMEOUT", 5*time.Second),
			StatusAttempts:   getEnvAsInt("STATUS_ATTEMPTS", 3),
		},
		Pipeline: PipelineConfig{
			Mode:      getEnv("PIPELINE_MODE", ""),
			MaxOrders: getEnvAsInt("PIPELINE_MAX_ORDERS", 100),
			Interval:  getEnvAsDuration("PIPELINE_INTERVAL", 10*time.Millisecond),
		},
		Trading: TradingConfig{
			Mode:              getEnv("TRADING_MODE", ModeBacktest),
			QuoteAsset:        getEnv("QUOTE_ASSET", "USDT"),
			MaxPositions:      getEnvAsInt("MAX_POSITIONS", 0),
			BalanceRefreshSec: int64(getEnvAsInt("BALANCE_REFRESH_SEC", 60)),
			PollInterval:      getEnvAsDuration("POLL_INTERVAL", 5*time.Second),

			GlobalLossPausePct: getEnvAsFloat("GLOBAL_LOSS_PAUSE_PCT", 0),
			GlobalLossPauseSec: int64(getEnvAsInt("GLOBAL_LOSS_PAUSE_SEC", 0)),

			Traders: tradersFromSymbols(getEnv("TRADING_SYMBOLS", "")),
		},
		Backtest: BacktestConfig{
			CSVPath: getEnv("BACKTEST_CSV", ""),
		},
		Security: SecurityConfig{
			EncryptionKey: getEnv("ENCRYPTION_KEY", ""),
		},
		Logging: LoggingConfig{
			Level:       getEnv("LOG_LEVEL", "info"),
			Format:      getEnv("LOG_FORMAT", "json"),
			Output:      getEnv("LOG_OUTPUT", ""),
			Development: getEnvAsBool("LOG_DEVELOPMENT", false),
		},
	}
}

// tradersFromSymbols - трейдеры по умолчанию для списка символов через запятую:
// внешние сигналы, рыночные ордеры, фиксированная сумма в quote
func tradersFromSymbols(list string) []TraderConfig {
	var traders []TraderConfig
	for _, s := range strings.Split(list, ",") {
		symbol := strings.ToUpper(strings.TrimSpace(s))
		if symbol == "" {
			continue
		}
		traders = append(traders, TraderConfig{
			Symbol:      symbol,
			Granularity: getEnvAsInt("DEFAULT_GRANULARITY", 60),
			Strategy:    StrategyRef{Name: "external"},
			Sizing: StrategyRef{
				Name:   "fixed_quote",
				Params: map[string]float64{"quote": getEnvAsFloat("DEFAULT_QUOTE_SIZE", 100)},
			},
		})
	}
	return traders
}

// openSecrets расшифровывает ключи биржи, заданные как "enc:<base64>"
func (c *Config) openSecrets() error {
	var key []byte
	if c.Security.EncryptionKey != "" {
		k, err := crypto.ParseKey(c.Security.EncryptionKey)
		if err != nil {
			return fmt.Errorf("ENCRYPTION_KEY: %w", err)
		}
		key = k
	}

	for name, field := range map[string]*string{
		"EXCHANGE_API_KEY":    &c.Exchange.APIKey,
		"EXCHANGE_SECRET":     &c.Exchange.Secret,
		"EXCHANGE_PASSPHRASE": &c.Exchange.Passphrase,
	} {
		v, err := crypto.OpenSecret(*field, key)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*field = v
	}
	return nil
}

// loadConfigFile накладывает YAML файл поверх текущей конфигурации
func loadConfigFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("parse config file %s: %w", path, err)
		}
	default:
		return fmt.Errorf("unsupported config file format: %s", path)
	}
	return nil
}

// applyDefaults заполняет незаданные поля трейдеров и режим пайплайна
func (c *Config) applyDefaults() {
	c.Trading.Mode = strings.ToLower(c.Trading.Mode)
	if c.Pipeline.Mode == "" {
		// бэктест детерминирован только без фонового воркера
		c.Pipeline.Mode = "concurrent"
		if c.Trading.Mode == ModeBacktest {
			c.Pipeline.Mode = "sync"
		}
	}

	for i := range c.Trading.Traders {
		t := &c.Trading.Traders[i]
		t.Symbol = strings.ToUpper(strings.TrimSpace(t.Symbol))
		if t.Strategy.Name == "" {
			t.Strategy.Name = "external"
		}
		if t.Sizing.Name == "" {
			t.Sizing.Name = "fixed_quote"
		}
		if t.StartOrderType == "" {
			t.StartOrderType = string(models.OrderTypeMarket)
		}
		if t.EndOrderType == "" {
			t.EndOrderType = string(models.OrderTypeMarket)
		}
		if t.Granularity <= 0 {
			t.Granularity = 60
		}
	}
}

// validateRanges проверяет числовые диапазоны и допустимые значения
func (c *Config) validateRanges() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("SERVER_PORT must be between 1 and 65535, got %d", c.Server.Port)
	}

	switch c.Database.Driver {
	case "memory", "sqlite", "postgres", "badger":
	default:
		return fmt.Errorf("DB_DRIVER must be one of memory, sqlite, postgres, badger, got %q", c.Database.Driver)
	}
	if c.Database.Driver != "memory" && c.Database.DSN == "" {
		return fmt.Errorf("DB_DSN is required for driver %s", c.Database.Driver)
	}

	switch c.Trading.Mode {
	case ModeBacktest:
		if c.Backtest.CSVPath == "" {
			return fmt.Errorf("BACKTEST_CSV is required in backtest mode")
		}
	case ModeLive:
		if c.Exchange.Name == "" {
			return fmt.Errorf("EXCHANGE_NAME is required in live mode")
		}
	default:
		return fmt.Errorf("TRADING_MODE must be backtest or live, got %q", c.Trading.Mode)
	}

	switch c.Pipeline.Mode {
	case "sync", "concurrent":
	default:
		return fmt.Errorf("PIPELINE_MODE must be sync or concurrent, got %q", c.Pipeline.Mode)
	}
	if c.Pipeline.MaxOrders < 1 {
		return fmt.Errorf("PIPELINE_MAX_ORDERS must be positive, got %d", c.Pipeline.MaxOrders)
	}

	if c.Exchange.PaperBalance < 0 {
		return fmt.Errorf("PAPER_BALANCE cannot be negative, got %v", c.Exchange.PaperBalance)
	}
	if c.Exchange.FeeRate < 0 || c.Exchange.FeeRate >= 1 {
		return fmt.Errorf("PAPER_FEE_RATE must be in [0, 1), got %v", c.Exchange.FeeRate)
	}
	if c.Exchange.StatusAttempts < 1 {
		return fmt.Errorf("STATUS_ATTEMPTS must be at least 1, got %d", c.Exchange.StatusAttempts)
	}
	if c.Exchange.OrderTimeout <= 0 {
		return fmt.Errorf("ORDER_TIMEOUT must be positive, got %v", c.Exchange.OrderTimeout)
	}

	if c.Trading.MaxPositions < 0 {
		return fmt.Errorf("MAX_POSITIONS cannot be negative, got %d", c.Trading.MaxPositions)
	}
	if c.Trading.BalanceRefreshSec < 0 || c.Trading.GlobalLossPauseSec < 0 || c.Trading.GlobalLossPausePct < 0 {
		return fmt.Errorf("balance refresh and global loss pause cannot be negative")
	}
	if c.Trading.Mode == ModeLive && c.Trading.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive, got %v", c.Trading.PollInterval)
	}

	if len(c.Trading.Traders) == 0 {
		return fmt.Errorf("no traders configured: set TRADING_SYMBOLS or trading.traders")
	}
	seen := make(map[string]bool, len(c.Trading.Traders))
	for _, t := range c.Trading.Traders {
		if err := t.validate(); err != nil {
			return err
		}
		if seen[t.Symbol] {
			return fmt.Errorf("duplicate trader for symbol %s", t.Symbol)
		}
		seen[t.Symbol] = true
	}
	return nil
}

func (t TraderConfig) validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("trader symbol is required")
	}
	if _, err := models.ParseOrderType(t.StartOrderType); err != nil {
		return fmt.Errorf("%s: start_order_type %q: %w", t.Symbol, t.StartOrderType, err)
	}
	end, err := models.ParseOrderType(t.EndOrderType)
	if err != nil {
		return fmt.Errorf("%s: end_order_type %q: %w", t.Symbol, t.EndOrderType, err)
	}
	if end == models.OrderTypeStopLossLimit {
		return fmt.Errorf("%s: end_order_type cannot be a stop order", t.Symbol)
	}
	for name, v := range map[string]float64{
		"buy_drift_pct":       t.BuyDriftPct,
		"sell_drift_pct":      t.SellDriftPct,
		"limit_offset_pct":    t.LimitOffsetPct,
		"loss_cooldown_pct":   t.LossCooldownPct,
		"trail_step_pct":      t.TrailStepPct,
		"min_take_profit_pct": t.MinTakeProfitPct,
	} {
		if v < 0 {
			return fmt.Errorf("%s: %s cannot be negative, got %v", t.Symbol, name, v)
		}
	}
	if t.MaxPositions < 0 || t.OpenCooldownSec < 0 || t.LossCooldownSec < 0 {
		return fmt.Errorf("%s: limits and cooldowns cannot be negative", t.Symbol)
	}
	if t.TrailingStop && t.Loss.Name == "" {
		return fmt.Errorf("%s: trailing_stop requires a loss strategy", t.Symbol)
	}
	return nil
}

// Address - адрес HTTP сервера
func (s ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// Вспомогательные функции для чтения переменных окружения

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
