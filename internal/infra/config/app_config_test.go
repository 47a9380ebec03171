package config

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/coachpo/tradegate/internal/app/execution"
	"github.com/coachpo/tradegate/internal/domain/schema"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(context.Background(), filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil {
		t.Fatalf("expected error when config file missing")
	}
}

func TestLoadWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := Load(context.Background(), "")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvDev {
		t.Fatalf("expected dev environment, got %s", cfg.Environment)
	}
	if cfg.Accounts.USD != 100_000 || cfg.Accounts.TRY != 1_000_000 {
		t.Fatalf("unexpected default balances %+v", cfg.Accounts)
	}
	if cfg.Quotes.Source != QuoteSourceSynthetic || cfg.Persistence.Backend != BackendMemory {
		t.Fatalf("unexpected defaults %q %q", cfg.Quotes.Source, cfg.Persistence.Backend)
	}
	if cfg.Governor.Cooldown != 30*time.Minute || cfg.Governor.ClusterCap != 2 {
		t.Fatalf("unexpected governor defaults %+v", cfg.Governor)
	}
	if cfg.UsesDatabase() {
		t.Fatalf("memory backend should not need a database")
	}
}

func TestLoadFromYAML(t *testing.T) {
	path := writeConfig(t, `
environment: PROD
logging:
  level: DEBUG
accounts:
  usd: 25000
  try: 500000
execution:
  models:
    usd: conservative
  historyCapacity: 200
  batchWorkers: 3
governor:
  cooldown: 45m
  hysteresisWindow: 3h
  reentryMomentum: 75
  scaleBelow: 60
  scaleFactor: 0.5
  clusterCap: 3
  budget:
    minRiskR: 1
    maxRiskR: 5
    stopTradeRiskR: 0.5
    noStopRiskFraction: 0.1
clusters:
  groups:
    Crypto: [COIN, MSTR]
quotes:
  source: stream
  streamURL: ws://localhost:9000/quotes
  symbols: [aapl, AAPL, " thyao.is "]
  ratePerSecond: 5
persistence:
  backend: postgres
  journal: true
database:
  dsn: postgresql://localhost:5432/tradegate?sslmode=disable
  maxConns: 32
  minConns: 4
  maxConnLifetime: 45m
  runMigrations: true
notify:
  workers: 2
  queue: 64
eventbus:
  bufferSize: 128
  fanoutWorkers: 4
apiServer:
  addr: ":9999"
telemetry:
  serviceName: test-service
  enableMetrics: false
`)

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Environment != EnvProd || cfg.Telemetry.Environment != "production" {
		t.Fatalf("expected prod environment, got %s / %s", cfg.Environment, cfg.Telemetry.Environment)
	}
	if cfg.Logging.Level != "debug" {
		t.Fatalf("expected debug level, got %q", cfg.Logging.Level)
	}
	balances := cfg.Accounts.Balances()
	if balances[schema.CurrencyUSD] != 25_000 || balances[schema.CurrencyTRY] != 500_000 {
		t.Fatalf("unexpected balances %v", balances)
	}

	usd, err := cfg.Execution.ModelFor(schema.CurrencyUSD)
	if err != nil || usd.Name != execution.PresetConservative {
		t.Fatalf("expected conservative USD model, got %+v %v", usd, err)
	}
	try, err := cfg.Execution.ModelFor(schema.CurrencyTRY)
	if err != nil || try.Name != execution.PresetRetailTR {
		t.Fatalf("expected retailTR TRY model, got %+v %v", try, err)
	}
	if cfg.Execution.HistoryCapacity != 200 || cfg.Execution.BatchWorkers.Resolve(8) != 3 {
		t.Fatalf("unexpected execution sizing %+v", cfg.Execution)
	}

	if cfg.Governor.Cooldown != 45*time.Minute || cfg.Governor.HysteresisWindow != 3*time.Hour {
		t.Fatalf("unexpected governor durations %+v", cfg.Governor)
	}
	if cfg.Governor.ClusterCap != 3 || cfg.Governor.Budget.MaxRiskR != 5 {
		t.Fatalf("unexpected governor limits %+v", cfg.Governor)
	}

	clusters, err := cfg.Clusters.Resolve()
	if err != nil {
		t.Fatalf("resolve clusters: %v", err)
	}
	if got := clusters.Cluster("COIN"); got != "Crypto" {
		t.Fatalf("expected inline cluster, got %q", got)
	}
	if got := clusters.Cluster("NVDA"); got != "Semicon" {
		t.Fatalf("expected built-in cluster kept, got %q", got)
	}

	if cfg.Quotes.Source != QuoteSourceStream || len(cfg.Quotes.Symbols) != 2 || cfg.Quotes.Symbols[1] != "THYAO.IS" {
		t.Fatalf("unexpected quotes section %+v", cfg.Quotes)
	}
	if cfg.Quotes.Burst != 1 {
		t.Fatalf("expected burst defaulted to 1, got %d", cfg.Quotes.Burst)
	}

	if !cfg.UsesDatabase() {
		t.Fatalf("postgres backend needs a database")
	}
	if cfg.Database.MaxConns != 32 || cfg.Database.MinConns != 4 {
		t.Fatalf("unexpected pool sizing %+v", cfg.Database)
	}
	if cfg.Database.MaxConnLifetime != 45*time.Minute || cfg.Database.MaxConnIdleTime != 5*time.Minute {
		t.Fatalf("unexpected pool durations %+v", cfg.Database)
	}
	if !cfg.Database.RunMigrations {
		t.Fatalf("expected database runMigrations to be true")
	}

	if cfg.Notify.Workers.Resolve(9) != 2 || cfg.Notify.Queue != 64 {
		t.Fatalf("unexpected notify section %+v", cfg.Notify)
	}
	if !cfg.Notify.Log {
		t.Fatalf("expected log sink default kept")
	}
	bus := cfg.Eventbus.Memory()
	if bus.BufferSize != 128 || bus.FanoutWorkers != 4 {
		t.Fatalf("unexpected bus config %+v", bus)
	}
	if cfg.APIServer.Addr != ":9999" {
		t.Fatalf("expected api server addr :9999, got %s", cfg.APIServer.Addr)
	}
	if cfg.Telemetry.ServiceName != "test-service" || cfg.Telemetry.EnableMetrics {
		t.Fatalf("unexpected telemetry section %+v", cfg.Telemetry)
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	path := writeConfig(t, `
environment: dev
apiServer:
  addr: ":9999"
`)
	t.Setenv("TRADEGATE_ENVIRONMENT", "staging")
	t.Setenv("TRADEGATE_APISERVER_ADDR", ":7000")
	t.Setenv("TRADEGATE_ACCOUNTS_USD", "5000")
	t.Setenv("TRADEGATE_PERSISTENCE_BACKEND", "file")
	t.Setenv("TRADEGATE_PERSISTENCE_PATH", "/tmp/tradegate.json")
	t.Setenv("TRADEGATE_GOVERNOR_COOLDOWN", "5m")
	t.Setenv("TRADEGATE_NOTIFY_WORKERS", "auto")

	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Environment != EnvStaging {
		t.Fatalf("expected staging from env, got %s", cfg.Environment)
	}
	if cfg.APIServer.Addr != ":7000" {
		t.Fatalf("expected env addr, got %s", cfg.APIServer.Addr)
	}
	if cfg.Accounts.USD != 5000 {
		t.Fatalf("expected env USD balance, got %v", cfg.Accounts.USD)
	}
	if cfg.Persistence.Backend != BackendFile || cfg.Persistence.Path != "/tmp/tradegate.json" {
		t.Fatalf("unexpected persistence %+v", cfg.Persistence)
	}
	if cfg.Governor.Cooldown != 5*time.Minute {
		t.Fatalf("expected env cooldown, got %s", cfg.Governor.Cooldown)
	}
	expected := runtime.NumCPU()
	if expected <= 0 {
		expected = 4
	}
	if got := cfg.Notify.Workers.Resolve(4); got != expected {
		t.Fatalf("expected auto workers %d, got %d", expected, got)
	}
}

func TestEnvironmentOverrideRejectsBadDuration(t *testing.T) {
	t.Setenv("TRADEGATE_GOVERNOR_COOLDOWN", "soon")
	if _, err := Load(context.Background(), ""); err == nil {
		t.Fatalf("expected malformed cooldown to fail")
	}
}

func TestFileBackendDefaultsPath(t *testing.T) {
	path := writeConfig(t, "persistence:\n  backend: file\n")
	cfg, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Persistence.Path != filepath.Join("data", "account.json") {
		t.Fatalf("unexpected default path %q", cfg.Persistence.Path)
	}
}

func TestWorkerSettingValues(t *testing.T) {
	cases := map[string]int{
		"":        7,
		"default": 7,
		"5":       5,
	}
	for raw, want := range cases {
		var s WorkerSetting
		if err := s.parse(raw); err != nil {
			t.Fatalf("parse %q: %v", raw, err)
		}
		if got := s.Resolve(7); got != want {
			t.Fatalf("parse %q: expected %d, got %d", raw, want, got)
		}
	}
	for _, raw := range []string{"0", "-1", "many"} {
		var s WorkerSetting
		if err := s.parse(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
	if Workers(3).Resolve(1) != 3 || Workers(0).Resolve(1) != 1 {
		t.Fatalf("unexpected explicit worker resolution")
	}
}

func TestValidateRejectsBadSections(t *testing.T) {
	cases := []struct {
		name   string
		body   string
		expect string
	}{
		{"environment", "environment: qa\n", "environment must be one of"},
		{"level", "logging:\n  level: loud\n", "logging level"},
		{"balance", "accounts:\n  usd: -1\n", "balances must be >= 0"},
		{"model", "execution:\n  models:\n    USD: turbo\n", "unknown execution model"},
		{"currency", "execution:\n  models:\n    EUR: retailUS\n", "unsupported currency"},
		{"governor", "governor:\n  scaleFactor: 2\n", "scaleFactor"},
		{"stream", "quotes:\n  source: stream\n", "streamURL required"},
		{"source", "quotes:\n  source: carrier-pigeon\n", "source must be one of"},
		{"backend", "persistence:\n  backend: s3\n", "backend must be one of"},
		{"addr", "apiServer:\n  addr: \" \"\n", "apiServer addr required"},
		{"duplicate", "execution:\n  models:\n    usd: retailUS\n    USD: backtest\n", "duplicate execution model"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Load(context.Background(), writeConfig(t, tc.body))
			if err == nil {
				t.Fatalf("expected validation error")
			}
			if !strings.Contains(err.Error(), tc.expect) {
				t.Fatalf("expected %q in %v", tc.expect, err)
			}
		})
	}
}

func TestClustersResolveFromFile(t *testing.T) {
	dir := t.TempDir()
	clusterPath := filepath.Join(dir, "clusters.yaml")
	if err := os.WriteFile(clusterPath, []byte("clusters:\n  Miners: [NEM, GOLD]\n"), 0o600); err != nil {
		t.Fatalf("write cluster file: %v", err)
	}
	clusters, err := ClustersConfig{File: clusterPath, Groups: map[string][]string{"Gold": {"GOLD"}}}.Resolve()
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if got := clusters.Cluster("NEM"); got != "Miners" {
		t.Fatalf("expected file cluster, got %q", got)
	}
	if got := clusters.Cluster("GOLD"); got != "Gold" {
		t.Fatalf("expected inline group to win, got %q", got)
	}

	if _, err := (ClustersConfig{File: filepath.Join(dir, "missing.yaml")}).Resolve(); err == nil {
		t.Fatalf("expected missing cluster file error")
	}
}

func TestExampleConfigLoads(t *testing.T) {
	cfg, err := Load(context.Background(), filepath.Join("..", "..", "..", "config", "app.example.yaml"))
	if err != nil {
		t.Fatalf("load example config: %v", err)
	}
	if cfg.Persistence.Backend != BackendFile {
		t.Fatalf("expected file backend, got %q", cfg.Persistence.Backend)
	}
	if cfg.Governor.Cooldown != 30*time.Minute {
		t.Fatalf("unexpected cooldown %s", cfg.Governor.Cooldown)
	}
	clusters, err := cfg.Clusters.Resolve()
	if err != nil {
		t.Fatalf("resolve clusters: %v", err)
	}
	if got := clusters.Cluster("COST"); got != "Retail" {
		t.Fatalf("expected Retail cluster, got %q", got)
	}
	model, err := cfg.Execution.ModelFor(schema.CurrencyTRY)
	if err != nil || model.Name != execution.PresetRetailTR {
		t.Fatalf("unexpected TRY model %+v (%v)", model, err)
	}
}
