// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/app/governor"
	"github.com/coachpo/tradegate/internal/app/ledger"
	"github.com/coachpo/tradegate/internal/app/risk"
	"github.com/coachpo/tradegate/internal/domain/schema"
	"github.com/coachpo/tradegate/internal/infra/bus/eventbus"
	"github.com/coachpo/tradegate/internal/infra/telemetry"
)

// EnvPrefix namespaces the environment variables that override file values.
const EnvPrefix = "TRADEGATE"

// Quote source kinds.
const (
	QuoteSourceSynthetic = "synthetic"
	QuoteSourceStream    = "stream"
)

// Persistence backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendPostgres = "postgres"
)

// AccountsConfig sets the opening cash per currency.
type AccountsConfig struct {
	USD float64 `yaml:"usd"`
	TRY float64 `yaml:"try"`
}

// Balances returns the opening balances keyed by currency.
func (c AccountsConfig) Balances() map[schema.Currency]float64 {
	return map[schema.Currency]float64{
		schema.CurrencyUSD: c.USD,
		schema.CurrencyTRY: c.TRY,
	}
}

// ExecutionConfig selects the friction model per currency and sizes the ledger.
type ExecutionConfig struct {
	// Models maps a currency code (USD, TRY) to a preset name. Unlisted
	// currencies use the stock model for their market.
	Models map[string]string `yaml:"models"`

	HistoryCapacity int     `yaml:"historyCapacity"`
	FundsBuffer     float64 `yaml:"fundsBuffer"`

	// BatchWorkers bounds concurrent evaluation in batch submissions.
	BatchWorkers WorkerSetting `yaml:"batchWorkers"`
}

// ModelFor resolves the preset configured for currency, or the stock default.
func (c ExecutionConfig) ModelFor(currency schema.Currency) (execution.Model, error) {
	name, ok := c.Models[string(currency)]
	if !ok || strings.TrimSpace(name) == "" {
		return execution.DefaultModelFor(currency), nil
	}
	return execution.ModelByName(name)
}

// ClustersConfig extends the built-in correlation clusters.
type ClustersConfig struct {
	File   string              `yaml:"file"`
	Groups map[string][]string `yaml:"groups"`
}

// Resolve merges the built-in clusters with the file and inline overrides, inline last.
func (c ClustersConfig) Resolve() (risk.ClusterMap, error) {
	clusters := risk.DefaultClusterMap()
	if c.File != "" {
		fromFile, err := risk.LoadClusterFile(c.File)
		if err != nil {
			return risk.ClusterMap{}, err
		}
		clusters = clusters.With(fromFile)
	}
	if len(c.Groups) > 0 {
		clusters = clusters.With(c.Groups)
	}
	return clusters, nil
}

// QuotesConfig selects and tunes the quote source.
type QuotesConfig struct {
	Source    string        `yaml:"source"`
	StreamURL string        `yaml:"streamURL"`
	Symbols   []string      `yaml:"symbols"`
	MaxAge    time.Duration `yaml:"maxAge"`

	// Spread is the synthetic bid/ask spread as a fraction of mid.
	Spread float64 `yaml:"spread"`

	RatePerSecond float64 `yaml:"ratePerSecond"`
	Burst         int     `yaml:"burst"`
}

// PersistenceConfig selects where the account snapshot is kept.
type PersistenceConfig struct {
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	Account     string `yaml:"account"`
	MaxAttempts int    `yaml:"maxAttempts"`

	// Journal records fills, outcomes and order events in postgres.
	Journal bool `yaml:"journal"`
}

// DatabaseConfig controls PostgreSQL connectivity and migration behaviour.
type DatabaseConfig struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ConnectTimeout    time.Duration `yaml:"connectTimeout"`
	RunMigrations     bool          `yaml:"runMigrations"`
}

func (c *DatabaseConfig) applyDefaults() {
	c.DSN = strings.TrimSpace(c.DSN)
	if c.DSN == "" {
		c.DSN = "postgresql://localhost:5432/tradegate"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.MinConns <= 0 {
		c.MinConns = 1
	}
	if c.MinConns > c.MaxConns {
		c.MinConns = c.MaxConns
	}
	if c.MaxConnLifetime <= 0 {
		c.MaxConnLifetime = 30 * time.Minute
	}
	if c.MaxConnIdleTime <= 0 {
		c.MaxConnIdleTime = 5 * time.Minute
	}
	if c.HealthCheckPeriod <= 0 {
		c.HealthCheckPeriod = 30 * time.Second
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
}

func (c DatabaseConfig) validate() error {
	if strings.TrimSpace(c.DSN) == "" {
		return fmt.Errorf("dsn required")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be >0")
	}
	if c.MinConns < 0 || c.MinConns > c.MaxConns {
		return fmt.Errorf("minConns must be within [0,maxConns]")
	}
	if c.MaxConnLifetime <= 0 || c.MaxConnIdleTime <= 0 || c.HealthCheckPeriod <= 0 {
		return fmt.Errorf("pool durations must be >0")
	}
	return nil
}

// NotifyConfig sizes the notification worker pool.
type NotifyConfig struct {
	Workers WorkerSetting `yaml:"workers"`
	Queue   int           `yaml:"queue"`

	// Log writes every lifecycle event to the application logger.
	Log bool `yaml:"log"`
}

// EventbusConfig sets in-memory event bus sizing characteristics.
type EventbusConfig struct {
	BufferSize      int           `yaml:"bufferSize"`
	FanoutWorkers   WorkerSetting `yaml:"fanoutWorkers"`
	PayloadCapBytes int           `yaml:"payloadCapBytes"`
}

// Memory converts the section into bus options.
func (c EventbusConfig) Memory() eventbus.MemoryConfig {
	return eventbus.MemoryConfig{
		BufferSize:      c.BufferSize,
		FanoutWorkers:   c.FanoutWorkers.Resolve(4),
		PayloadCapBytes: c.PayloadCapBytes,
	}
}

// APIServerConfig configures the HTTP control surface.
type APIServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// LoggingConfig selects the log level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// AppConfig is the unified tradegate configuration sourced from YAML and the environment.
type AppConfig struct {
	Environment Environment       `yaml:"environment"`
	Logging     LoggingConfig     `yaml:"logging"`
	Accounts    AccountsConfig    `yaml:"accounts"`
	Execution   ExecutionConfig   `yaml:"execution"`
	Governor    governor.Config   `yaml:"governor"`
	Clusters    ClustersConfig    `yaml:"clusters"`
	Quotes      QuotesConfig      `yaml:"quotes"`
	Persistence PersistenceConfig `yaml:"persistence"`
	Database    DatabaseConfig    `yaml:"database"`
	Notify      NotifyConfig      `yaml:"notify"`
	Eventbus    EventbusConfig    `yaml:"eventbus"`
	APIServer   APIServerConfig   `yaml:"apiServer"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
}

// DefaultAppConfig returns a configuration that runs a self-contained paper account.
func DefaultAppConfig() AppConfig {
	balances := ledger.DefaultBalances()
	cfg := AppConfig{
		Environment: EnvDev,
		Logging:     LoggingConfig{Level: "info"},
		Accounts: AccountsConfig{
			USD: balances[schema.CurrencyUSD],
			TRY: balances[schema.CurrencyTRY],
		},
		Execution: ExecutionConfig{
			HistoryCapacity: ledger.DefaultHistoryCapacity,
			FundsBuffer:     ledger.DefaultFundsBuffer,
		},
		Governor: governor.DefaultConfig(),
		Quotes: QuotesConfig{
			Source: QuoteSourceSynthetic,
			MaxAge: 30 * time.Second,
			Spread: 0.001,
		},
		Persistence: PersistenceConfig{
			Backend:     BackendMemory,
			Account:     "default",
			MaxAttempts: 5,
		},
		Notify:    NotifyConfig{Queue: 256, Log: true},
		Eventbus:  EventbusConfig{BufferSize: 64, PayloadCapBytes: eventbus.DefaultPayloadCapBytes},
		APIServer: APIServerConfig{Addr: ":8880", ShutdownTimeout: 10 * time.Second},
		Telemetry: telemetry.DefaultConfig(),
	}
	cfg.Database.applyDefaults()
	return cfg
}

// Load reads the YAML file at configPath over the defaults, applies TRADEGATE_*
// environment overrides and validates the result. An empty path skips the file.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	cfg := DefaultAppConfig()
	if strings.TrimSpace(configPath) != "" {
		reader, closer, err := openConfigFile(configPath)
		if err != nil {
			return AppConfig{}, err
		}
		defer closer()

		bytes, err := io.ReadAll(reader)
		if err != nil {
			return AppConfig{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(bytes, &cfg); err != nil {
			return AppConfig{}, fmt.Errorf("unmarshal config: %w", err)
		}
	}

	if err := applyEnvOverrides(&cfg, newEnvReader()); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.normalise(); err != nil {
		return AppConfig{}, err
	}

	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func newEnvReader() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// applyEnvOverrides copies the supported TRADEGATE_* variables onto cfg.
// A key such as apiServer.addr is read from TRADEGATE_APISERVER_ADDR.
func applyEnvOverrides(cfg *AppConfig, v *viper.Viper) error {
	strs := map[string]*string{
		"logging.level":       &cfg.Logging.Level,
		"apiServer.addr":      &cfg.APIServer.Addr,
		"quotes.source":       &cfg.Quotes.Source,
		"quotes.streamURL":    &cfg.Quotes.StreamURL,
		"persistence.backend": &cfg.Persistence.Backend,
		"persistence.path":    &cfg.Persistence.Path,
		"persistence.account": &cfg.Persistence.Account,
		"database.dsn":        &cfg.Database.DSN,
		"clusters.file":       &cfg.Clusters.File,
		"telemetry.endpoint":  &cfg.Telemetry.OTLPEndpoint,
	}
	for key, target := range strs {
		if v.IsSet(key) {
			*target = v.GetString(key)
		}
	}

	if v.IsSet("environment") {
		cfg.Environment = Environment(v.GetString("environment"))
	}
	if v.IsSet("accounts.usd") {
		cfg.Accounts.USD = v.GetFloat64("accounts.usd")
	}
	if v.IsSet("accounts.try") {
		cfg.Accounts.TRY = v.GetFloat64("accounts.try")
	}
	if v.IsSet("governor.cooldown") {
		cooldown, err := time.ParseDuration(v.GetString("governor.cooldown"))
		if err != nil {
			return fmt.Errorf("%s_GOVERNOR_COOLDOWN: %w", EnvPrefix, err)
		}
		cfg.Governor.Cooldown = cooldown
	}
	if v.IsSet("database.runMigrations") {
		cfg.Database.RunMigrations = v.GetBool("database.runMigrations")
	}
	if v.IsSet("telemetry.enabled") {
		cfg.Telemetry.Enabled = v.GetBool("telemetry.enabled")
	}
	if v.IsSet("notify.workers") {
		if err := cfg.Notify.Workers.parse(v.GetString("notify.workers")); err != nil {
			return fmt.Errorf("%s_NOTIFY_WORKERS: %w", EnvPrefix, err)
		}
	}
	return nil
}

func (c *AppConfig) normalise() error {
	c.Environment = Environment(strings.ToLower(strings.TrimSpace(string(c.Environment))))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	models := make(map[string]string, len(c.Execution.Models))
	for currency, name := range c.Execution.Models {
		key := strings.ToUpper(strings.TrimSpace(currency))
		if _, exists := models[key]; exists {
			return fmt.Errorf("duplicate execution model for %q", key)
		}
		models[key] = strings.TrimSpace(name)
	}
	c.Execution.Models = models
	if c.Execution.HistoryCapacity <= 0 {
		c.Execution.HistoryCapacity = ledger.DefaultHistoryCapacity
	}

	c.Clusters.File = strings.TrimSpace(c.Clusters.File)
	if c.Clusters.File != "" {
		c.Clusters.File = filepath.Clean(c.Clusters.File)
	}

	c.Quotes.Source = strings.ToLower(strings.TrimSpace(c.Quotes.Source))
	if c.Quotes.Source == "" {
		c.Quotes.Source = QuoteSourceSynthetic
	}
	c.Quotes.StreamURL = strings.TrimSpace(c.Quotes.StreamURL)
	symbols := make([]string, 0, len(c.Quotes.Symbols))
	seen := make(map[string]struct{}, len(c.Quotes.Symbols))
	for _, symbol := range c.Quotes.Symbols {
		normalized := schema.NormalizeSymbol(symbol)
		if normalized == "" {
			continue
		}
		if _, ok := seen[normalized]; ok {
			continue
		}
		seen[normalized] = struct{}{}
		symbols = append(symbols, normalized)
	}
	c.Quotes.Symbols = symbols
	if c.Quotes.Burst <= 0 {
		c.Quotes.Burst = 1
	}

	c.Persistence.Backend = strings.ToLower(strings.TrimSpace(c.Persistence.Backend))
	if c.Persistence.Backend == "" {
		c.Persistence.Backend = BackendMemory
	}
	c.Persistence.Path = strings.TrimSpace(c.Persistence.Path)
	if c.Persistence.Backend == BackendFile && c.Persistence.Path == "" {
		c.Persistence.Path = filepath.Join("data", "account.json")
	}
	c.Persistence.Account = strings.TrimSpace(c.Persistence.Account)
	if c.Persistence.Account == "" {
		c.Persistence.Account = "default"
	}
	if c.Persistence.MaxAttempts <= 0 {
		c.Persistence.MaxAttempts = 5
	}

	if c.Notify.Queue < 0 {
		c.Notify.Queue = 0
	}
	if c.Eventbus.BufferSize <= 0 {
		c.Eventbus.BufferSize = 64
	}
	if c.Eventbus.PayloadCapBytes == 0 {
		c.Eventbus.PayloadCapBytes = eventbus.DefaultPayloadCapBytes
	}

	c.APIServer.Addr = strings.TrimSpace(c.APIServer.Addr)
	if c.APIServer.ShutdownTimeout <= 0 {
		c.APIServer.ShutdownTimeout = 10 * time.Second
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)
	c.Telemetry.Environment = c.Environment.TelemetryName()

	c.Database.applyDefaults()
	return nil
}

// Validate performs semantic validation on the configuration.
func (c AppConfig) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging level must be one of debug, info, warn, error")
	}

	if c.Accounts.USD < 0 || c.Accounts.TRY < 0 {
		return fmt.Errorf("accounts: balances must be >= 0")
	}

	for currency := range c.Execution.Models {
		switch schema.Currency(currency) {
		case schema.CurrencyUSD, schema.CurrencyTRY:
		default:
			return fmt.Errorf("execution: unsupported currency %q", currency)
		}
		if _, err := c.Execution.ModelFor(schema.Currency(currency)); err != nil {
			return fmt.Errorf("execution: %w", err)
		}
	}
	if c.Execution.FundsBuffer < 0 || c.Execution.FundsBuffer >= 1 {
		return fmt.Errorf("execution: fundsBuffer must be within [0,1)")
	}

	if err := c.Governor.Validate(); err != nil {
		return err
	}

	switch c.Quotes.Source {
	case QuoteSourceSynthetic:
	case QuoteSourceStream:
		if c.Quotes.StreamURL == "" {
			return fmt.Errorf("quotes: streamURL required for stream source")
		}
	default:
		return fmt.Errorf("quotes: source must be one of synthetic, stream")
	}
	if c.Quotes.RatePerSecond < 0 {
		return fmt.Errorf("quotes: ratePerSecond must be >= 0")
	}
	if c.Quotes.Spread < 0 || c.Quotes.Spread >= 1 {
		return fmt.Errorf("quotes: spread must be within [0,1)")
	}

	switch c.Persistence.Backend {
	case BackendMemory, BackendFile, BackendPostgres:
	default:
		return fmt.Errorf("persistence: backend must be one of memory, file, postgres")
	}
	if c.Persistence.Journal || c.Persistence.Backend == BackendPostgres || c.Database.RunMigrations {
		if err := c.Database.validate(); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}

	if c.Eventbus.PayloadCapBytes <= 0 {
		return fmt.Errorf("eventbus payloadCapBytes must be >0")
	}

	if c.APIServer.Addr == "" {
		return fmt.Errorf("apiServer addr required")
	}

	if c.Telemetry.Enabled && c.Telemetry.OTLPEndpoint == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}

	return nil
}

// UsesDatabase reports whether any configured component needs postgres.
func (c AppConfig) UsesDatabase() bool {
	return c.Persistence.Backend == BackendPostgres || c.Persistence.Journal
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := filepath.Clean(strings.TrimSpace(path))

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
