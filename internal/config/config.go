package config

import (
	"fmt"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"crx-points/internal/claims"
	"crx-points/internal/logging"
	"crx-points/internal/rewards"
	"crx-points/internal/scoring"
	"crx-points/internal/season"
	"crx-points/internal/storage"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Season    SeasonConfig    `mapstructure:"season"`
	Feeds     FeedsConfig     `mapstructure:"feeds"`
	Ethereum  EthereumConfig  `mapstructure:"ethereum"`
	Tokens    TokensConfig    `mapstructure:"tokens"`
	Scoring   ScoringConfig   `mapstructure:"scoring"`
	Rewards   RewardsConfig   `mapstructure:"rewards"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	SelfHeal  SelfHealConfig  `mapstructure:"selfheal"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`
	Server    ServerConfig    `mapstructure:"server"`
	Export    ExportConfig    `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// SeasonConfig identifies the active season.
type SeasonConfig struct {
	ID         string    `mapstructure:"id"`
	Start      time.Time `mapstructure:"start"`
	StartBlock uint64    `mapstructure:"start_block"`
	End        time.Time `mapstructure:"end"`
}

// FeedSource is one indexed feed with its fallbacks.
type FeedSource struct {
	Endpoint  string `mapstructure:"endpoint"`
	Fallbacks string `mapstructure:"fallbacks"`
	APIKey    string `mapstructure:"api_key"`
	Disabled  bool   `mapstructure:"disabled"`
}

// FeedsConfig covers the indexed swap, price and position feeds.
type FeedsConfig struct {
	APIKey        string                `mapstructure:"api_key"`
	Timeout       time.Duration         `mapstructure:"timeout"`
	UserAgent     string                `mapstructure:"user_agent"`
	RetryAttempts int                   `mapstructure:"retry_attempts"`
	Sources       map[string]FeedSource `mapstructure:"sources"`
	Prices        FeedSource            `mapstructure:"prices"`
	Positions     FeedSource            `mapstructure:"positions"`
}

// EthereumConfig covers on-chain position reads.
type EthereumConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	PositionManager   string        `mapstructure:"position_manager"`
	Factory           string        `mapstructure:"factory"`
	Locker            string        `mapstructure:"locker"`
	LockerDeployBlock uint64        `mapstructure:"locker_deploy_block"`
	CallTimeout       time.Duration `mapstructure:"call_timeout"`
	MaxPositions      int           `mapstructure:"max_positions"`
	LogChunkBlocks    uint64        `mapstructure:"log_chunk_blocks"`
	MaxLogChunks      int           `mapstructure:"max_log_chunks"`
	AgeLookbackBlocks uint64        `mapstructure:"age_lookback_blocks"`
	ReadConcurrency   int           `mapstructure:"read_concurrency"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	Burst             int           `mapstructure:"burst"`
}

// TokenConfig describes a token known up front.
type TokenConfig struct {
	Address  string `mapstructure:"address"`
	Symbol   string `mapstructure:"symbol"`
	Decimals int    `mapstructure:"decimals"`
}

// TokensConfig lists the program tokens.
type TokensConfig struct {
	Trade  TokenConfig `mapstructure:"trade"`
	Stable TokenConfig `mapstructure:"stable"`
	Native TokenConfig `mapstructure:"native"`
}

// ScoringConfig sets the points formula.
type ScoringConfig struct {
	Mode              string  `mapstructure:"mode"`
	FeeRate           float64 `mapstructure:"fee_rate"`
	VolumeCapUSD      float64 `mapstructure:"volume_cap_usd"`
	DiminishingFactor float64 `mapstructure:"diminishing_factor"`
	StablePairWeight  float64 `mapstructure:"stable_pair_weight"`
	NativePairWeight  float64 `mapstructure:"native_pair_weight"`
}

// RewardsConfig sets the CRX distribution.
type RewardsConfig struct {
	SeasonRewardCrx     decimal.Decimal            `mapstructure:"season_reward_crx"`
	TotalSupply         decimal.Decimal            `mapstructure:"total_supply"`
	LeaderboardSharePct decimal.Decimal            `mapstructure:"leaderboard_share_pct"`
	SeasonAllocations   map[string]decimal.Decimal `mapstructure:"season_allocations"`
	Top100PoolPct       decimal.Decimal            `mapstructure:"top100_pool_pct"`
	Top100MinVolumeUSD  *float64                   `mapstructure:"top100_min_volume_usd"`
	RequireFinalization bool                       `mapstructure:"require_finalization"`
	FinalizationWindow  time.Duration              `mapstructure:"finalization_window"`
	Tiers               []string                   `mapstructure:"tiers"`
	ClaimOpensAt        time.Time                  `mapstructure:"claim_opens_at"`
	ImmediatePct        decimal.Decimal            `mapstructure:"immediate_pct"`
}

// IngestConfig tunes ingestion passes.
type IngestConfig struct {
	PageSize      int           `mapstructure:"page_size"`
	MaxPages      int           `mapstructure:"max_pages"`
	Concurrency   int           `mapstructure:"concurrency"`
	WalletTimeout time.Duration `mapstructure:"wallet_timeout"`
	PassTimeout   time.Duration `mapstructure:"pass_timeout"`
}

// SelfHealConfig configures read-path re-ingestion.
type SelfHealConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	TriggerURL string        `mapstructure:"trigger_url"`
	Secret     string        `mapstructure:"secret"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Cooldown   time.Duration `mapstructure:"cooldown"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RedisConfig covers the leaderboard store.
type RedisConfig struct {
	URL          string        `mapstructure:"url"`
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

// PoolConfig converts the section into pool settings.
func (d DatabaseConfig) PoolConfig(appName string) storage.PoolConfig {
	return storage.PoolConfig{
		DSN:             d.DSN,
		MaxConns:        d.MaxOpenConns,
		MinConns:        d.MaxIdleConns,
		ConnMaxLifetime: d.ConnMaxLifetime,
		ApplicationName: appName,
		PingTimeout:     d.PingTimeout,
	}
}

// SchedulerConfig governs pass cadence.
type SchedulerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Interval        time.Duration `mapstructure:"interval"`
	AlignToSlot     bool          `mapstructure:"align_to_slot"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
	RunOnStart      bool          `mapstructure:"run_on_start"`
}

// AlertingConfig routes pass alerts.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// ServerConfig configures the internal HTTP server.
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Secret  string `mapstructure:"secret"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxRows int `mapstructure:"max_rows"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CRXPOINTS")
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
	cfg.applyFallbacks()

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
	v.SetDefault("app.name", "crxpoints")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Keys without a default are invisible to AutomaticEnv during Unmarshal.
	v.SetDefault("season.id", "")
	v.SetDefault("season.start", "")
	v.SetDefault("season.start_block", 0)
	v.SetDefault("season.end", "")

	v.SetDefault("feeds.api_key", "")
	v.SetDefault("feeds.timeout", "15s")
	v.SetDefault("feeds.user_agent", "crxpoints/1.0")
	v.SetDefault("feeds.retry_attempts", 3)
	v.SetDefault("feeds.prices.endpoint", "")
	v.SetDefault("feeds.prices.fallbacks", "")
	v.SetDefault("feeds.positions.endpoint", "")
	v.SetDefault("feeds.positions.fallbacks", "")
	v.SetDefault("feeds.sources.v2.endpoint", "")
	v.SetDefault("feeds.sources.v2.fallbacks", "")
	v.SetDefault("feeds.sources.v3.endpoint", "")
	v.SetDefault("feeds.sources.v3.fallbacks", "")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.call_timeout", "4s")
	v.SetDefault("ethereum.max_positions", 40)
	v.SetDefault("ethereum.log_chunk_blocks", 50000)
	v.SetDefault("ethereum.max_log_chunks", 200)
	v.SetDefault("ethereum.read_concurrency", 4)
	v.SetDefault("ethereum.requests_per_second", 20.0)
	v.SetDefault("ethereum.burst", 10)

	v.SetDefault("tokens.trade.symbol", "CRX")
	v.SetDefault("tokens.trade.decimals", 18)
	v.SetDefault("tokens.stable.symbol", "USDC")
	v.SetDefault("tokens.stable.decimals", 6)
	v.SetDefault("tokens.native.symbol", "WETH")
	v.SetDefault("tokens.native.decimals", 18)

	def := scoring.DefaultPolicy()
	v.SetDefault("scoring.mode", string(def.Mode))
	v.SetDefault("scoring.fee_rate", def.FeeRate)
	v.SetDefault("scoring.volume_cap_usd", def.VolumeCapUSD)
	v.SetDefault("scoring.diminishing_factor", def.DiminishingFactor)
	v.SetDefault("scoring.stable_pair_weight", def.StablePairWeight)
	v.SetDefault("scoring.native_pair_weight", def.NativePairWeight)

	v.SetDefault("rewards.season_reward_crx", "0")
	v.SetDefault("rewards.total_supply", "1000000000")
	v.SetDefault("rewards.leaderboard_share_pct", "0.05")
	v.SetDefault("rewards.top100_pool_pct", "0.5")
	// No default: an absent minimum differs from an explicit 0.
	_ = v.BindEnv("rewards.top100_min_volume_usd")
	v.SetDefault("rewards.require_finalization", false)
	v.SetDefault("rewards.finalization_window", "72h")
	v.SetDefault("rewards.claim_opens_at", "")
	v.SetDefault("rewards.immediate_pct", "1")

	v.SetDefault("ingest.page_size", 1000)
	v.SetDefault("ingest.max_pages", 50)
	v.SetDefault("ingest.concurrency", 4)
	v.SetDefault("ingest.wallet_timeout", "20s")
	v.SetDefault("ingest.pass_timeout", "10m")

	v.SetDefault("selfheal.enabled", true)
	v.SetDefault("selfheal.trigger_url", "")
	v.SetDefault("selfheal.secret", "")
	v.SetDefault("selfheal.stale_after", "8m")
	v.SetDefault("selfheal.cooldown", "3m")
	v.SetDefault("selfheal.timeout", "2500ms")

	v.SetDefault("redis.url", "")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.read_timeout", "3s")
	v.SetDefault("redis.write_timeout", "3s")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.ping_timeout", "5s")

	v.SetDefault("scheduler.enabled", true)
	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_slot", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x63727870))
	v.SetDefault("scheduler.startup_delay", "0s")
	v.SetDefault("scheduler.run_on_start", true)

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("server.enabled", true)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.secret", "")

	v.SetDefault("export.max_rows", 10000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
			emptyStringToTimeHook(),
			mapstructure.StringToTimeHookFunc(time.RFC3339),
			stringToDecimalHook(),
		)
	}
}

// emptyStringToTimeHook maps "" to the zero time so unset timestamps decode.
func emptyStringToTimeHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(time.Time{}) {
			return data, nil
		}
		if s, ok := data.(string); ok && strings.TrimSpace(s) == "" {
			return time.Time{}, nil
		}
		return data, nil
	}
}

func stringToDecimalHook() mapstructure.DecodeHookFuncType {
	return func(f reflect.Type, t reflect.Type, data any) (any, error) {
		if t != reflect.TypeOf(decimal.Decimal{}) {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			if strings.TrimSpace(v) == "" {
				return decimal.Zero, nil
			}
			return decimal.NewFromString(strings.TrimSpace(v))
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		}
		return data, nil
	}
}

func (c *Config) applyFallbacks() {
	if c.SelfHeal.Secret == "" {
		c.SelfHeal.Secret = c.Server.Secret
	}
	if c.Server.Secret == "" {
		c.Server.Secret = c.SelfHeal.Secret
	}
}

// Validate performs sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Export.MaxRows <= 0 {
		return fmt.Errorf("export.max_rows must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ingest.PageSize <= 0 || c.Ingest.PageSize > 1000 {
		return fmt.Errorf("ingest.page_size must be within 1-1000")
	}
	if c.Ingest.MaxPages <= 0 {
		return fmt.Errorf("ingest.max_pages must be greater than zero")
	}
	switch scoring.Mode(strings.ToLower(c.Scoring.Mode)) {
	case scoring.ModeVolume, scoring.ModeFees:
	default:
		return fmt.Errorf("scoring.mode %q must be volume or fees", c.Scoring.Mode)
	}
	if c.Season.ID != "" {
		if _, err := c.SeasonConfig(); err != nil {
			return err
		}
	}
	if _, err := c.RewardsPolicy(); err != nil {
		return err
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	return nil
}

// SeasonConfig materialises the active season.
func (c *Config) SeasonConfig() (season.Config, error) {
	s := season.Config{
		ID:         strings.TrimSpace(c.Season.ID),
		Start:      c.Season.Start.UTC(),
		StartBlock: c.Season.StartBlock,
	}
	if !c.Season.End.IsZero() {
		end := c.Season.End.UTC()
		s.End = &end
	}
	if err := s.Validate(); err != nil {
		return season.Config{}, err
	}
	return s, nil
}

// ScoringPolicy materialises the points formula.
func (c *Config) ScoringPolicy() scoring.Policy {
	return scoring.Policy{
		Mode:              scoring.Mode(strings.ToLower(c.Scoring.Mode)),
		FeeRate:           c.Scoring.FeeRate,
		VolumeCapUSD:      c.Scoring.VolumeCapUSD,
		DiminishingFactor: c.Scoring.DiminishingFactor,
		StablePairWeight:  c.Scoring.StablePairWeight,
		NativePairWeight:  c.Scoring.NativePairWeight,
	}
}

// RewardsPolicy materialises the reward distribution policy. An empty tier
// list selects the standard tiers.
func (c *Config) RewardsPolicy() (rewards.Config, error) {
	r := c.Rewards
	cfg := rewards.Config{
		SeasonRewardCrx:     r.SeasonRewardCrx,
		TotalSupply:         r.TotalSupply,
		LeaderboardSharePct: r.LeaderboardSharePct,
		SeasonAllocations:   r.SeasonAllocations,
		Top100PoolPct:       r.Top100PoolPct,
		RequireFinalization: r.RequireFinalization,
		FinalizationWindow:  r.FinalizationWindow,
	}
	// Unset means any nonzero volume; an explicit 0 admits no-swap wallets.
	if r.Top100MinVolumeUSD == nil {
		cfg.RequireVolume = true
	} else {
		cfg.Top100MinVolumeUSD = *r.Top100MinVolumeUSD
	}
	if !r.ClaimOpensAt.IsZero() {
		cfg.ClaimOpensAt = r.ClaimOpensAt.UTC()
	}
	if len(r.Tiers) == 0 {
		cfg.Tiers = rewards.DefaultTiers()
	} else {
		for _, raw := range r.Tiers {
			tier, err := rewards.ParseTier(raw)
			if err != nil {
				return rewards.Config{}, fmt.Errorf("rewards.tiers: %w", err)
			}
			cfg.Tiers = append(cfg.Tiers, tier)
		}
		sort.Slice(cfg.Tiers, func(i, j int) bool { return cfg.Tiers[i].From < cfg.Tiers[j].From })
	}
	if err := cfg.Validate(); err != nil {
		return rewards.Config{}, fmt.Errorf("rewards: %w", err)
	}
	return cfg, nil
}

// ClaimsPolicy materialises the claim window.
func (c *Config) ClaimsPolicy() claims.Policy {
	p := claims.DefaultPolicy(time.Time{})
	if !c.Rewards.ClaimOpensAt.IsZero() {
		p.ClaimOpensAt = c.Rewards.ClaimOpensAt.UTC()
	}
	if c.Rewards.ImmediatePct.IsPositive() {
		p.ImmediatePct = c.Rewards.ImmediatePct
	}
	return p
}

// SourceAPIKey returns the per-source key, falling back to the shared key.
func (f FeedsConfig) SourceAPIKey(src FeedSource) string {
	if src.APIKey != "" {
		return src.APIKey
	}
	return f.APIKey
}

// ResolveMaxRows returns either the CLI override or config default.
func (c *Config) ResolveMaxRows(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxRows
}
