package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"c4e-agent/internal/decision"
	"c4e-agent/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Prices    PricesConfig    `mapstructure:"prices"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Decision  DecisionConfig  `mapstructure:"decision"`
	P2P       P2PConfig       `mapstructure:"p2p"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// ServerConfig governs the HTTP decision boundary.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORSOrigins     []string      `mapstructure:"cors_origins"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity. Retention prunes audit
// rows older than the window on every watch tick; zero keeps them forever.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
	Retention       time.Duration `mapstructure:"retention"`
}

// PricesConfig points at the tariff table source. When URL is set the table
// is fetched over HTTP; otherwise CSVPath is read from disk.
type PricesConfig struct {
	CSVPath        string        `mapstructure:"csv_path"`
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// SchedulerConfig governs the spike watch cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// DecisionConfig exposes the allocation policy tunables.
type DecisionConfig struct {
	LookAheadHours   int     `mapstructure:"look_ahead_hours"`
	ProactiveBuying  bool    `mapstructure:"proactive_buying"`
	BaseUrgency      float64 `mapstructure:"base_urgency"`
	UrgencyDecay     float64 `mapstructure:"urgency_decay"`
	TargetFloorPct   float64 `mapstructure:"target_floor_pct"`
	TargetCapPct     float64 `mapstructure:"target_cap_pct"`
	P2PDiscount      float64 `mapstructure:"p2p_discount"`
	CheapRatio       float64 `mapstructure:"cheap_ratio"`
	CheapFillKWh     float64 `mapstructure:"cheap_fill_kwh"`
	ProactiveBaseKWh float64 `mapstructure:"proactive_base_kwh"`
}

// ToParams converts the config section into engine parameters.
func (c DecisionConfig) ToParams() decision.Params {
	return decision.Params{
		LookAheadHours:   c.LookAheadHours,
		ProactiveBuying:  c.ProactiveBuying,
		BaseUrgency:      c.BaseUrgency,
		UrgencyDecay:     c.UrgencyDecay,
		TargetFloorPct:   c.TargetFloorPct,
		TargetCapPct:     c.TargetCapPct,
		P2PDiscount:      c.P2PDiscount,
		CheapRatio:       c.CheapRatio,
		CheapFillKWh:     c.CheapFillKWh,
		ProactiveBaseKWh: c.ProactiveBaseKWh,
	}
}

// P2PConfig covers the marketplace quote oracle.
type P2PConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	ContractAddress string        `mapstructure:"contract_address"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	StaticPrice     float64       `mapstructure:"static_price"`
}

// ChainConfigured reports whether the on-chain oracle can be used.
func (c P2PConfig) ChainConfigured() bool {
	return c.RPCURL != "" && c.ContractAddress != ""
}

// AlertingConfig defines spike alert routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Cooldown time.Duration  `mapstructure:"cooldown"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	ChartWidth    int `mapstructure:"chart_width"`
	ChartHeight   int `mapstructure:"chart_height"`
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// ResolveMaxPoints returns either the CLI override or the config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("C4E_AGENT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "c4e-agent")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "15s")
	v.SetDefault("server.shutdown_timeout", "10s")
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("prices.csv_path", "grid_prices.csv")
	v.SetDefault("prices.request_timeout", "10s")
	v.SetDefault("prices.user_agent", "c4e-agent/1.0")

	v.SetDefault("scheduler.interval", "1h")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.run_on_start", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63346541))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("decision.look_ahead_hours", 12)
	v.SetDefault("decision.proactive_buying", true)
	v.SetDefault("decision.base_urgency", 0.1)
	v.SetDefault("decision.urgency_decay", 0.1)
	v.SetDefault("decision.target_floor_pct", 0.5)
	v.SetDefault("decision.target_cap_pct", 0.9)
	v.SetDefault("decision.p2p_discount", 0.9)
	v.SetDefault("decision.cheap_ratio", 0.8)
	v.SetDefault("decision.cheap_fill_kwh", 10.0)
	v.SetDefault("decision.proactive_base_kwh", 5.0)

	v.SetDefault("p2p.request_timeout", "10s")
	v.SetDefault("p2p.static_price", 0.0)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.cooldown", "6h")
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("export.chart_width", 1280)
	v.SetDefault("export.chart_height", 720)
	v.SetDefault("export.max_data_points", 336)

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
	v.SetDefault("database.retention", "0s")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr must be configured")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Prices.CSVPath == "" && c.Prices.URL == "" {
		return fmt.Errorf("prices.csv_path or prices.url must be configured")
	}
	if err := c.Decision.ToParams().Validate(); err != nil {
		return fmt.Errorf("decision: %w", err)
	}
	if c.P2P.StaticPrice < 0 {
		return fmt.Errorf("p2p.static_price cannot be negative")
	}
	if c.Alerting.Cooldown < 0 {
		return fmt.Errorf("alerting.cooldown cannot be negative")
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token 必须配置")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id 必须配置")
		}
	}
	if c.Database.Retention < 0 {
		return fmt.Errorf("database.retention cannot be negative")
	}
	if c.Export.ChartWidth <= 0 || c.Export.ChartHeight <= 0 {
		return fmt.Errorf("export chart dimensions must be greater than zero")
	}
	return nil
}
